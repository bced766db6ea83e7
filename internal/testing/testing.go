// package testing contains shared testing utilities
package testing

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/desertthunder/genx/internal/models"
	"github.com/gorilla/websocket"
)

// FWriter always returns an error on Write
type FWriter struct{}

func (f *FWriter) Write(p []byte) (n int, err error) {
	return 0, errors.New("write failed")
}

// LimitedWriter fails after a certain number of writes
type LimitedWriter struct {
	maxWrites int
	written   int
	target    io.Writer
}

func (l *LimitedWriter) Write(p []byte) (n int, err error) {
	if l.written >= l.maxWrites {
		return 0, errors.New("write limit exceeded")
	}
	l.written++
	return l.target.Write(p)
}

func NewLimitedWriter(maxWrites, written int, target io.Writer) LimitedWriter {
	return LimitedWriter{maxWrites: maxWrites, written: written, target: target}
}

// MockRoundTripper allows custom HTTP responses for testing
type MockRoundTripper struct {
	response *http.Response
	err      error
}

func NewMockRoundTripper(r *http.Response, e error) *MockRoundTripper {
	return &MockRoundTripper{response: r, err: e}
}

func (m *MockRoundTripper) RoundTrip(*http.Request) (*http.Response, error) {
	return m.response, m.err
}

// FCloser simulates a failure when reading response body
type FCloser struct{}

func (f *FCloser) Read(p []byte) (n int, err error) {
	return 0, errors.New("read failed")
}

func (f *FCloser) Close() error {
	return nil
}

// Snapshot builds a task snapshot with updated_at at base+offset.
func Snapshot(id string, status models.TaskStatus, progress int, offset time.Duration) models.GenerationTask {
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	return models.GenerationTask{
		TaskID:    id,
		Status:    status,
		Progress:  progress,
		Message:   string(status),
		CreatedAt: models.NewTimestamp(base),
		UpdatedAt: models.NewTimestamp(base.Add(offset)),
	}
}

// FetchResult is one scripted answer of a [FakeFetcher].
//
// When Wait is set the fetch blocks until it is closed or the context ends.
type FetchResult struct {
	Task *models.GenerationTask
	Err  error
	Wait <-chan struct{}
}

// FakeFetcher answers GetTask from a script. The last entry repeats once the script is exhausted.
type FakeFetcher struct {
	mu      sync.Mutex
	results []FetchResult
	calls   int
	started chan int
}

func NewFakeFetcher(results ...FetchResult) *FakeFetcher {
	return &FakeFetcher{results: results, started: make(chan int, 64)}
}

func (f *FakeFetcher) GetTask(ctx context.Context, taskID string) (*models.GenerationTask, error) {
	f.mu.Lock()
	idx := f.calls
	f.calls++
	var res FetchResult
	switch {
	case len(f.results) == 0:
		res = FetchResult{Err: errors.New("no scripted result")}
	case idx < len(f.results):
		res = f.results[idx]
	default:
		res = f.results[len(f.results)-1]
	}
	f.mu.Unlock()

	select {
	case f.started <- idx:
	default:
	}

	if res.Wait != nil {
		select {
		case <-res.Wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if res.Err != nil {
		return nil, res.Err
	}
	task := *res.Task
	return &task, nil
}

// Calls returns how many fetches started.
func (f *FakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// WaitForCall blocks until the fetch with index n (zero based) has started.
func (f *FakeFetcher) WaitForCall(t *testing.T, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case idx := <-f.started:
			if idx >= n {
				return
			}
		case <-deadline:
			t.Fatalf("fetch %d did not start within %s", n, timeout)
		}
	}
}

// SocketServer is an httptest server that upgrades every request to a websocket
// and hands the server side of the connection to the test.
type SocketServer struct {
	*httptest.Server
	conns chan acceptedConn
}

type acceptedConn struct {
	conn *websocket.Conn
	path string
}

// NewSocketServer starts a websocket server that is closed with the test.
func NewSocketServer(t *testing.T) *SocketServer {
	t.Helper()
	s := &SocketServer{conns: make(chan acceptedConn, 8)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- acceptedConn{conn: conn, path: r.URL.Path}
	}))
	t.Cleanup(s.Close)
	return s
}

// WSURL returns the ws:// address for path.
func (s *SocketServer) WSURL(path string) string {
	return "ws" + strings.TrimPrefix(s.Server.URL, "http") + path
}

// Accept waits for the next client connection.
func (s *SocketServer) Accept(t *testing.T, timeout time.Duration) (*websocket.Conn, string) {
	t.Helper()
	select {
	case ac := <-s.conns:
		t.Cleanup(func() { ac.conn.Close() })
		return ac.conn, ac.path
	case <-time.After(timeout):
		t.Fatalf("no websocket connection within %s", timeout)
		return nil, ""
	}
}

// Eventually polls cond until it holds or timeout elapses.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, msg)
}

func MustGetwd(t *testing.T) string {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Failed to get working directory: %v", err)
	}
	return wd
}

func MustChdir(t *testing.T, dir string) {
	t.Helper()
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Failed to change directory to %s: %v", dir, err)
	}
}

func AssertFileExists(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Errorf("File does not exist: %s", path)
	}
}

func AssertDirExists(t *testing.T, path string) {
	t.Helper()
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		t.Errorf("Directory does not exist: %s", path)
		return
	}
	if !info.IsDir() {
		t.Errorf("Path is not a directory: %s", path)
	}
}

func MustReadFile(t *testing.T, path string) string {
	t.Helper()
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read file %s: %v", path, err)
	}
	return string(content)
}
