package server

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/desertthunder/genx/internal/models"
	"github.com/desertthunder/genx/internal/services"
	"github.com/desertthunder/genx/internal/shared"
	"github.com/desertthunder/genx/internal/tasks"
	"github.com/gorilla/websocket"
)

// newTestBackend starts a backend behind httptest and returns a client for it.
func newTestBackend(t *testing.T, step time.Duration) (*Backend, *services.APIService, *httptest.Server) {
	t.Helper()
	backend, err := NewBackend(Options{Step: step, UploadDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewBackend() error = %v", err)
	}
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)
	t.Cleanup(backend.Hub().CloseAll)

	api := services.NewAPIService(srv.URL+"/api", "", srv.Client())
	return backend, api, srv
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

// submit uploads one pdf and one model and starts a task.
func submit(t *testing.T, api *services.APIService, requirements string) string {
	t.Helper()
	ctx := context.Background()

	up, err := api.Upload(ctx, []string{writeFile(t, "manual.pdf", "%PDF-1.4")}, []string{writeFile(t, "part.step", "ISO-10303-21;")}, nil)
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	cfg := models.DefaultGenerationConfig()
	cfg.Requirements = requirements
	res, err := api.Submit(ctx, models.GenerationRequest{Config: cfg, PDFFiles: up.PDFIDs(), ModelFiles: up.ModelIDs()})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	return res.TaskID
}

func TestBackendREST(t *testing.T) {
	ctx := context.Background()

	t.Run("health", func(t *testing.T) {
		_, api, _ := newTestBackend(t, time.Hour)
		health, err := api.Health(ctx)
		if err != nil {
			t.Fatalf("Health() error = %v", err)
		}
		if health["status"] != "healthy" {
			t.Errorf("health = %v", health)
		}
	})

	t.Run("upload stores files", func(t *testing.T) {
		backend, api, _ := newTestBackend(t, time.Hour)

		up, err := api.Upload(ctx, []string{writeFile(t, "manual.pdf", "%PDF-1.4")}, nil, nil)
		if err != nil {
			t.Fatalf("Upload() error = %v", err)
		}
		if len(up.PDFFiles) != 1 || up.PDFFiles[0].Filename != "manual.pdf" || up.PDFFiles[0].Size != 8 {
			t.Fatalf("upload = %+v", up)
		}
		if !strings.HasPrefix(up.PDFFiles[0].Path, backend.UploadDir()) {
			t.Errorf("path = %s, want inside %s", up.PDFFiles[0].Path, backend.UploadDir())
		}
		if _, kind, ok := backend.Store().Upload(up.PDFFiles[0].ID); !ok || kind != models.UploadKindPDF {
			t.Errorf("upload not recorded: %v %s", ok, kind)
		}
	})

	t.Run("generate rejects unknown files", func(t *testing.T) {
		_, api, _ := newTestBackend(t, time.Hour)

		_, err := api.Submit(ctx, models.GenerationRequest{Config: models.DefaultGenerationConfig(), PDFFiles: []string{"missing"}})
		var apiErr *services.APIError
		if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
			t.Fatalf("Submit() error = %v, want 400 APIError", err)
		}
		if !strings.Contains(apiErr.Message, "unknown pdf file missing") {
			t.Errorf("message = %q", apiErr.Message)
		}
	})

	t.Run("task lifecycle", func(t *testing.T) {
		backend, api, _ := newTestBackend(t, time.Hour)
		id := submit(t, api, "")

		task, err := api.GetTask(ctx, id)
		if err != nil {
			t.Fatalf("GetTask() error = %v", err)
		}
		if task.Status != models.StatusPending {
			t.Errorf("status = %s, want pending", task.Status)
		}

		if _, err := api.Download(ctx, id, &bytes.Buffer{}); err == nil {
			t.Error("Download() of a pending task should fail")
		}

		now := time.Now()
		for i := 0; i < len(stages)+1; i++ {
			backend.Simulator().Tick(now.Add(time.Duration(i) * time.Second))
		}

		task, err = api.GetTask(ctx, id)
		if err != nil {
			t.Fatalf("GetTask() error = %v", err)
		}
		if task.Status != models.StatusCompleted || task.Progress != 100 || task.Result == nil {
			t.Fatalf("task = %+v", task)
		}

		list, err := api.ListTasks(ctx)
		if err != nil || len(list) != 1 {
			t.Fatalf("ListTasks() = %d, %v", len(list), err)
		}

		var buf bytes.Buffer
		n, err := api.Download(ctx, id, &buf)
		if err != nil {
			t.Fatalf("Download() error = %v", err)
		}
		zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), n)
		if err != nil {
			t.Fatalf("download is not a zip: %v", err)
		}
		if len(zr.File) != 2 {
			t.Errorf("archive has %d files", len(zr.File))
		}

		preview, err := api.Preview(ctx, id)
		if err != nil {
			t.Fatalf("Preview() error = %v", err)
		}
		if m, ok := preview.(map[string]any); !ok || !strings.Contains(m["manual"].(string), "# Task "+id) {
			t.Errorf("preview = %v", preview)
		}

		if err := api.DeleteTask(ctx, id); err != nil {
			t.Fatalf("DeleteTask() error = %v", err)
		}
		if _, err := api.GetTask(ctx, id); !errors.Is(err, shared.ErrTaskNotFound) {
			t.Errorf("GetTask() after delete = %v, want ErrTaskNotFound", err)
		}
		if err := api.DeleteTask(ctx, id); !errors.Is(err, shared.ErrTaskNotFound) {
			t.Errorf("second DeleteTask() = %v, want ErrTaskNotFound", err)
		}
	})

	t.Run("wrong method", func(t *testing.T) {
		_, _, srv := newTestBackend(t, time.Hour)
		resp, err := srv.Client().Post(srv.URL+"/api/tasks", "application/json", nil)
		if err != nil {
			t.Fatalf("POST error = %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("status = %d, want 405", resp.StatusCode)
		}
	})
}

func TestStore(t *testing.T) {
	newStore := func() *Store {
		s := NewStore()
		s.AddUpload(models.UploadKindPDF, models.UploadedFile{ID: "p1", Filename: "a.pdf"})
		s.AddUpload(models.UploadKindModel, models.UploadedFile{ID: "m1", Filename: "a.step"})
		return s
	}
	req := func(requirements string) models.GenerationRequest {
		cfg := models.DefaultGenerationConfig()
		cfg.Requirements = requirements
		return models.GenerationRequest{Config: cfg, PDFFiles: []string{"p1"}, ModelFiles: []string{"m1"}}
	}
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	t.Run("stages end in completed", func(t *testing.T) {
		s := newStore()
		task, err := s.Create(req(""), start)
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}

		var progress []int
		for i := 1; i <= len(stages)+1; i++ {
			changed := s.Advance(start.Add(time.Duration(i) * time.Second))
			if len(changed) != 1 {
				t.Fatalf("tick %d changed %d tasks", i, len(changed))
			}
			progress = append(progress, changed[0].Progress)
		}

		got, _ := s.Get(task.TaskID)
		if got.Status != models.StatusCompleted || got.Result == nil || got.Result.Statistics["pdf_files"] != 1 {
			t.Errorf("final = %+v", got)
		}
		if want := []int{20, 40, 60, 80, 100}; !equalInts(progress, want) {
			t.Errorf("progress = %v, want %v", progress, want)
		}
		if !got.UpdatedAt.After(got.CreatedAt.Time) {
			t.Error("updated_at should move forward")
		}
		if changed := s.Advance(start.Add(time.Hour)); len(changed) != 0 {
			t.Errorf("terminal task advanced: %v", changed)
		}
	})

	t.Run("fail marker", func(t *testing.T) {
		s := newStore()
		task, _ := s.Create(req("please "+FailMarker), start)

		var last models.GenerationTask
		for i := 1; i <= len(stages)+1; i++ {
			for _, c := range s.Advance(start.Add(time.Duration(i) * time.Second)) {
				last = c
			}
		}
		if last.TaskID != task.TaskID || last.Status != models.StatusFailed || !strings.Contains(last.Message, "out of memory") {
			t.Errorf("last = %+v", last)
		}
	})

	t.Run("kind mismatch", func(t *testing.T) {
		s := newStore()
		bad := req("")
		bad.PDFFiles = []string{"m1"}
		if _, err := s.Create(bad, start); !errors.Is(err, shared.ErrInvalidInput) {
			t.Errorf("Create() = %v, want ErrInvalidInput", err)
		}
	})

	t.Run("fail and delete", func(t *testing.T) {
		s := newStore()
		task, _ := s.Create(req(""), start)

		if _, ok := s.Fail(task.TaskID, "cancelled", start.Add(time.Second)); !ok {
			t.Fatal("Fail() = false")
		}
		if _, ok := s.Fail(task.TaskID, "again", start.Add(2*time.Second)); ok {
			t.Error("Fail() on a terminal task should be refused")
		}
		if !s.Delete(task.TaskID) || s.Delete(task.TaskID) {
			t.Error("Delete() should succeed once")
		}
		if len(s.List()) != 0 {
			t.Error("List() should be empty")
		}
	})
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	var out map[string]any
	if err := shared.UnmarshalJSON(data, &out); err != nil {
		t.Fatalf("message is not JSON: %s", data)
	}
	return out
}

func TestTaskSocket(t *testing.T) {
	t.Run("pushes snapshots until terminal", func(t *testing.T) {
		backend, api, srv := newTestBackend(t, time.Hour)
		id := submit(t, api, "")

		conn, _, err := websocket.DefaultDialer.Dial(api.TaskSocketURL(id), nil)
		if err != nil {
			t.Fatalf("Dial(%s) error = %v", srv.URL, err)
		}
		defer conn.Close()

		if msg := readJSON(t, conn); msg["type"] != "connected" || msg["task_id"] != id {
			t.Errorf("greeting = %v", msg)
		}
		if msg := readJSON(t, conn); msg["status"] != "pending" {
			t.Errorf("initial snapshot = %v", msg)
		}

		deadline := time.Now().Add(2 * time.Second)
		for backend.Hub().Subscribers(id) == 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}

		now := time.Now()
		for i := 0; i < len(stages)+1; i++ {
			backend.Simulator().Tick(now.Add(time.Duration(i) * time.Second))
		}

		var statuses []string
		for {
			_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			_, data, err := conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					t.Errorf("connection ended with %v, want normal closure", err)
				}
				break
			}
			var task models.GenerationTask
			if err := shared.UnmarshalJSON(data, &task); err != nil {
				t.Fatalf("bad snapshot %s", data)
			}
			statuses = append(statuses, string(task.Status))
		}

		if len(statuses) != len(stages)+1 || statuses[len(statuses)-1] != "completed" {
			t.Errorf("statuses = %v", statuses)
		}
	})

	t.Run("unknown task", func(t *testing.T) {
		_, api, _ := newTestBackend(t, time.Hour)
		_, resp, err := websocket.DefaultDialer.Dial(api.TaskSocketURL("missing"), nil)
		if err == nil {
			t.Fatal("Dial() should fail for an unknown task")
		}
		if resp == nil || resp.StatusCode != http.StatusNotFound {
			t.Errorf("response = %v", resp)
		}
	})

	t.Run("finished task closes after one snapshot", func(t *testing.T) {
		backend, api, _ := newTestBackend(t, time.Hour)
		id := submit(t, api, "")
		backend.Fail(id, "cancelled")

		conn, _, err := websocket.DefaultDialer.Dial(api.TaskSocketURL(id), nil)
		if err != nil {
			t.Fatalf("Dial() error = %v", err)
		}
		defer conn.Close()

		readJSON(t, conn)
		if msg := readJSON(t, conn); msg["status"] != "failed" || msg["message"] != "cancelled" {
			t.Errorf("snapshot = %v", msg)
		}
		if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			t.Errorf("ReadMessage() = %v, want normal closure", err)
		}
	})
}

func TestBackendWithSynchronizer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	newSync := func(api tasks.TaskAccessor) *tasks.Synchronizer {
		return tasks.NewSynchronizer(api, tasks.SyncOptions{
			Poll:            tasks.PollOptions{Interval: 20 * time.Millisecond, MaxInterval: 100 * time.Millisecond},
			MaxPollFailures: 5,
			Reconnect:       tasks.ReconnectOptions{Interval: 20 * time.Millisecond, MaxAttempts: 3},
		})
	}

	t.Run("completes", func(t *testing.T) {
		backend, api, _ := newTestBackend(t, 10*time.Millisecond)
		runCtx, stop := context.WithCancel(ctx)
		defer stop()
		go backend.Run(runCtx)

		id := submit(t, api, "")
		var updates []models.GenerationTask
		task, err := newSync(api).Wait(ctx, id, func(task models.GenerationTask) {
			updates = append(updates, task)
		})
		if err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
		if task.Status != models.StatusCompleted || task.Result == nil {
			t.Errorf("task = %+v", task)
		}
		for i := 1; i < len(updates); i++ {
			if updates[i].UpdatedAt.Before(updates[i-1].UpdatedAt.Time) {
				t.Errorf("update %d went back in time", i)
			}
		}
	})

	t.Run("fails with backend message", func(t *testing.T) {
		backend, api, _ := newTestBackend(t, 10*time.Millisecond)
		runCtx, stop := context.WithCancel(ctx)
		defer stop()
		go backend.Run(runCtx)

		id := submit(t, api, FailMarker)
		_, err := newSync(api).Wait(ctx, id, nil)

		var failed *tasks.TaskFailedError
		if !errors.As(err, &failed) {
			t.Fatalf("Wait() error = %v, want TaskFailedError", err)
		}
		if !strings.Contains(failed.Error(), "out of memory") {
			t.Errorf("error = %q", failed.Error())
		}
	})

	t.Run("deleted task is fatal", func(t *testing.T) {
		_, api, _ := newTestBackend(t, time.Hour)
		id := submit(t, api, "")
		if err := api.DeleteTask(ctx, id); err != nil {
			t.Fatalf("DeleteTask() error = %v", err)
		}

		_, err := newSync(api).Wait(ctx, id, nil)
		if !errors.Is(err, shared.ErrTaskNotFound) {
			t.Errorf("Wait() error = %v, want ErrTaskNotFound", err)
		}
	})
}
