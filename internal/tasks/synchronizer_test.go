package tasks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/desertthunder/genx/internal/models"
	"github.com/desertthunder/genx/internal/shared"
	tu "github.com/desertthunder/genx/internal/testing"
	"github.com/gorilla/websocket"
)

type fakeAccessor struct {
	*tu.FakeFetcher
	base string
}

func (a *fakeAccessor) TaskSocketURL(taskID string) string {
	if a.base == "" {
		return "ws://127.0.0.1:1/ws/task/" + taskID
	}
	return a.base + "/ws/task/" + taskID
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type memoryStore struct {
	mu    sync.Mutex
	saved []models.GenerationTask
	err   error
}

func (s *memoryStore) SaveSnapshot(task models.GenerationTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, task)
	return s.err
}

func (s *memoryStore) statuses() []models.TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.TaskStatus, 0, len(s.saved))
	for _, task := range s.saved {
		out = append(out, task.Status)
	}
	return out
}

// syncRecorder collects callbacks of one tracking.
type syncRecorder struct {
	mu        sync.Mutex
	updates   []models.GenerationTask
	completes []models.GenerationTask
	errs      []error
	updated   chan models.GenerationTask
	done      chan struct{}
}

func newSyncRecorder() *syncRecorder {
	return &syncRecorder{updated: make(chan models.GenerationTask, 64), done: make(chan struct{}, 4)}
}

func (r *syncRecorder) callbacks() Callbacks {
	return Callbacks{
		OnUpdate: func(task models.GenerationTask) {
			r.mu.Lock()
			r.updates = append(r.updates, task)
			r.mu.Unlock()
			r.updated <- task
		},
		OnComplete: func(task models.GenerationTask) {
			r.mu.Lock()
			r.completes = append(r.completes, task)
			r.mu.Unlock()
			r.done <- struct{}{}
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
			r.done <- struct{}{}
		},
	}
}

func (r *syncRecorder) counts() (updates, completes, errs int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates), len(r.completes), len(r.errs)
}

func (r *syncRecorder) firstError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.errs) == 0 {
		return nil
	}
	return r.errs[0]
}

func (r *syncRecorder) waitDone(t *testing.T) {
	t.Helper()
	receive(t, r.done, "terminal callback")
	// a second terminal callback would arrive right behind the first
	time.Sleep(20 * time.Millisecond)
}

var fastPoll = PollOptions{Interval: time.Millisecond, MaxInterval: time.Millisecond}

func pollOnly(results ...tu.FetchResult) (*fakeAccessor, SyncOptions) {
	return &fakeAccessor{FakeFetcher: tu.NewFakeFetcher(results...)}, SyncOptions{Poll: fastPoll, DisablePush: true}
}

func TestSynchronizerPolling(t *testing.T) {
	t.Run("lifecycle via polling", func(t *testing.T) {
		done := tu.Snapshot("t1", models.StatusCompleted, 100, 2*time.Second)
		done.Result = &models.TaskResult{OutputFile: "manual.zip"}

		api, opts := pollOnly(
			snap(tu.Snapshot("t1", models.StatusPending, 0, 0)),
			snap(tu.Snapshot("t1", models.StatusProcessing, 50, time.Second)),
			snap(done),
		)
		s := NewSynchronizer(api, opts)
		rec := newSyncRecorder()

		stop := s.Track(context.Background(), "t1", rec.callbacks())
		defer stop()
		rec.waitDone(t)

		updates, completes, errs := rec.counts()
		if updates != 2 || completes != 1 || errs != 0 {
			t.Fatalf("callbacks = %d updates, %d completes, %d errors; want 2, 1, 0", updates, completes, errs)
		}
		if rec.updates[0].Status != models.StatusPending || rec.updates[1].Status != models.StatusProcessing {
			t.Errorf("update order = %s, %s", rec.updates[0].Status, rec.updates[1].Status)
		}
		if rec.completes[0].Result == nil || rec.completes[0].Result.OutputFile != "manual.zip" {
			t.Errorf("completed result = %+v", rec.completes[0].Result)
		}
		if ids := s.Tracked(); len(ids) != 0 {
			t.Errorf("Tracked() after completion = %v", ids)
		}
	})

	t.Run("duplicates and stale snapshots are dropped", func(t *testing.T) {
		api, opts := pollOnly(
			snap(tu.Snapshot("t1", models.StatusProcessing, 20, time.Second)),
			snap(tu.Snapshot("t1", models.StatusProcessing, 20, time.Second)),
			snap(tu.Snapshot("t1", models.StatusPending, 0, 0)),
			snap(tu.Snapshot("t1", models.StatusProcessing, 60, 2*time.Second)),
			snap(tu.Snapshot("t1", models.StatusCompleted, 100, 3*time.Second)),
		)
		s := NewSynchronizer(api, opts)
		rec := newSyncRecorder()

		stop := s.Track(context.Background(), "t1", rec.callbacks())
		defer stop()
		rec.waitDone(t)

		updates, completes, _ := rec.counts()
		if updates != 2 || completes != 1 {
			t.Fatalf("got %d updates and %d completes, want 2 and 1", updates, completes)
		}
		var last time.Time
		for _, u := range rec.updates {
			if u.UpdatedAt.Before(last) {
				t.Errorf("updates out of order: %s before %s", u.UpdatedAt, last)
			}
			last = u.UpdatedAt.Time
		}
	})

	t.Run("single poll error is transient", func(t *testing.T) {
		logs := &lockedBuffer{}
		api, opts := pollOnly(
			fetchErr(fmt.Errorf("%w: %w", shared.ErrAPIRequest, errNetwork)),
			snap(tu.Snapshot("t1", models.StatusCompleted, 100, time.Second)),
		)
		opts.Logger = shared.NewLogger(logs)
		s := NewSynchronizer(api, opts)
		rec := newSyncRecorder()

		stop := s.Track(context.Background(), "t1", rec.callbacks())
		defer stop()
		rec.waitDone(t)

		_, completes, errs := rec.counts()
		if completes != 1 || errs != 0 {
			t.Errorf("completes = %d, errors = %d; want 1, 0", completes, errs)
		}
		out := logs.String()
		if n := strings.Count(out, "poll failed"); n != 1 {
			t.Errorf("poll failure logged %d times, want 1:\n%s", n, out)
		}
		if !strings.Contains(out, "WARN") {
			t.Errorf("poll failure should log at warn level:\n%s", out)
		}
	})

	t.Run("missing task is fatal", func(t *testing.T) {
		api, opts := pollOnly(fetchErr(fmt.Errorf("get task: %w", shared.ErrTaskNotFound)))
		opts.Poll = PollOptions{Interval: time.Hour}
		s := NewSynchronizer(api, opts)
		rec := newSyncRecorder()

		stop := s.Track(context.Background(), "t1", rec.callbacks())
		defer stop()
		rec.waitDone(t)

		if err := rec.firstError(); !errors.Is(err, shared.ErrTaskNotFound) {
			t.Errorf("OnError(%v), want ErrTaskNotFound", err)
		}
		if calls := api.Calls(); calls != 1 {
			t.Errorf("fetches after 404 = %d, want 1", calls)
		}
		if _, _, errs := rec.counts(); errs != 1 {
			t.Errorf("OnError fired %d times", errs)
		}
	})

	t.Run("poll failures exhausted", func(t *testing.T) {
		api, opts := pollOnly(fetchErr(errNetwork))
		opts.MaxPollFailures = 3
		s := NewSynchronizer(api, opts)
		rec := newSyncRecorder()

		stop := s.Track(context.Background(), "t1", rec.callbacks())
		defer stop()
		rec.waitDone(t)

		err := rec.firstError()
		if !errors.Is(err, ErrPollExhausted) || !errors.Is(err, errNetwork) {
			t.Errorf("OnError(%v), want ErrPollExhausted wrapping the last error", err)
		}
		if _, _, errs := rec.counts(); errs != 1 {
			t.Errorf("OnError fired %d times", errs)
		}
	})

	t.Run("failed task reports backend message", func(t *testing.T) {
		failed := tu.Snapshot("t1", models.StatusFailed, 30, time.Second)
		failed.Message = "PDF解析失败"
		api, opts := pollOnly(snap(failed))
		s := NewSynchronizer(api, opts)
		rec := newSyncRecorder()

		stop := s.Track(context.Background(), "t1", rec.callbacks())
		defer stop()
		rec.waitDone(t)

		var taskErr *TaskFailedError
		if err := rec.firstError(); !errors.As(err, &taskErr) || err.Error() != "PDF解析失败" {
			t.Errorf("OnError(%v), want TaskFailedError with backend message", err)
		}
	})

	t.Run("snapshots are persisted", func(t *testing.T) {
		store := &memoryStore{err: errors.New("disk full")}
		api, opts := pollOnly(
			snap(tu.Snapshot("t1", models.StatusPending, 0, 0)),
			snap(tu.Snapshot("t1", models.StatusPending, 0, 0)),
			snap(tu.Snapshot("t1", models.StatusCompleted, 100, time.Second)),
		)
		opts.Store = store
		s := NewSynchronizer(api, opts)
		rec := newSyncRecorder()

		stop := s.Track(context.Background(), "t1", rec.callbacks())
		defer stop()
		rec.waitDone(t)

		want := []models.TaskStatus{models.StatusPending, models.StatusCompleted}
		if got := store.statuses(); !slices.Equal(got, want) {
			t.Errorf("saved = %v, want %v", got, want)
		}
		if _, completes, _ := rec.counts(); completes != 1 {
			t.Error("store errors must not affect tracking")
		}
	})

	t.Run("panicking callback is contained", func(t *testing.T) {
		api, opts := pollOnly(
			snap(tu.Snapshot("t1", models.StatusProcessing, 10, 0)),
			snap(tu.Snapshot("t1", models.StatusCompleted, 100, time.Second)),
		)
		s := NewSynchronizer(api, opts)
		rec := newSyncRecorder()
		cb := rec.callbacks()
		cb.OnUpdate = func(models.GenerationTask) { panic("boom") }

		stop := s.Track(context.Background(), "t1", cb)
		defer stop()
		rec.waitDone(t)

		if _, completes, _ := rec.counts(); completes != 1 {
			t.Errorf("completes = %d, want 1", completes)
		}
	})
}

func TestSynchronizerStop(t *testing.T) {
	t.Run("stop right after track", func(t *testing.T) {
		api, opts := pollOnly(snap(tu.Snapshot("t1", models.StatusCompleted, 100, 0)))
		s := NewSynchronizer(api, opts)
		rec := newSyncRecorder()

		stop := s.Track(context.Background(), "t1", rec.callbacks())
		stop()
		stop()

		time.Sleep(30 * time.Millisecond)
		if u, c, e := rec.counts(); u+c+e != 0 {
			t.Errorf("callbacks after stop: %d updates, %d completes, %d errors", u, c, e)
		}
		if ids := s.Tracked(); len(ids) != 0 {
			t.Errorf("Tracked() = %v", ids)
		}
	})

	t.Run("stop inside callback", func(t *testing.T) {
		api, opts := pollOnly(
			snap(tu.Snapshot("t1", models.StatusPending, 0, 0)),
			snap(tu.Snapshot("t1", models.StatusProcessing, 10, time.Second)),
			snap(tu.Snapshot("t1", models.StatusCompleted, 100, 2*time.Second)),
		)
		s := NewSynchronizer(api, opts)
		rec := newSyncRecorder()

		var stop func()
		ready := make(chan struct{})
		cb := rec.callbacks()
		inner := cb.OnUpdate
		cb.OnUpdate = func(task models.GenerationTask) {
			inner(task)
			<-ready
			stop()
		}
		stop = s.Track(context.Background(), "t1", cb)
		close(ready)

		receive(t, rec.updated, "first update")
		time.Sleep(30 * time.Millisecond)
		if u, c, e := rec.counts(); u != 1 || c+e != 0 {
			t.Errorf("callbacks = %d updates, %d completes, %d errors; want only the first update", u, c, e)
		}
	})

	t.Run("stop waits for a pending callback", func(t *testing.T) {
		api, opts := pollOnly(snap(tu.Snapshot("t1", models.StatusPending, 0, 0)))
		opts.Poll = PollOptions{Interval: time.Hour}
		s := NewSynchronizer(api, opts)
		rec := newSyncRecorder()

		stop := s.Track(context.Background(), "t1", rec.callbacks())
		receive(t, rec.updated, "first update")

		s.mu.Lock()
		tr := s.tracked["t1"]
		s.mu.Unlock()
		if tr == nil {
			t.Fatal("t1 is not tracked")
		}

		// a callback that has passed its stopped check but not yet started
		tr.cbMu.Lock()
		returned := make(chan struct{})
		go func() {
			stop()
			close(returned)
		}()

		silent(t, returned, 30*time.Millisecond, "stop return")
		tr.cbMu.Unlock()
		receive(t, returned, "stop return")
	})

	t.Run("stop from another goroutine during a callback", func(t *testing.T) {
		api, opts := pollOnly(
			snap(tu.Snapshot("t1", models.StatusPending, 0, 0)),
			snap(tu.Snapshot("t1", models.StatusProcessing, 10, time.Second)),
			snap(tu.Snapshot("t1", models.StatusCompleted, 100, 2*time.Second)),
		)
		s := NewSynchronizer(api, opts)
		rec := newSyncRecorder()

		hold := make(chan struct{})
		entered := make(chan struct{}, 1)
		cb := rec.callbacks()
		inner := cb.OnUpdate
		cb.OnUpdate = func(task models.GenerationTask) {
			select {
			case entered <- struct{}{}:
			default:
			}
			<-hold
			inner(task)
		}
		stop := s.Track(context.Background(), "t1", cb)

		receive(t, entered, "callback start")
		stop()
		close(hold)

		receive(t, rec.updated, "running update")
		time.Sleep(30 * time.Millisecond)
		if u, c, e := rec.counts(); u != 1 || c+e != 0 {
			t.Errorf("callbacks = %d updates, %d completes, %d errors; want only the running update", u, c, e)
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		api, opts := pollOnly(snap(tu.Snapshot("t1", models.StatusProcessing, 10, 0)))
		opts.Poll = PollOptions{Interval: time.Hour}
		s := NewSynchronizer(api, opts)
		rec := newSyncRecorder()

		ctx, cancel := context.WithCancel(context.Background())
		s.Track(ctx, "t1", rec.callbacks())
		receive(t, rec.updated, "first update")

		cancel()
		tu.Eventually(t, time.Second, func() bool { return len(s.Tracked()) == 0 }, "tracker removed after cancel")
		if _, c, e := rec.counts(); c+e != 0 {
			t.Error("cancellation must not fire terminal callbacks")
		}
	})

	t.Run("re-track replaces previous tracking", func(t *testing.T) {
		api, opts := pollOnly(snap(tu.Snapshot("t1", models.StatusProcessing, 10, 0)))
		opts.Poll = PollOptions{Interval: time.Hour}
		s := NewSynchronizer(api, opts)
		first, second := newSyncRecorder(), newSyncRecorder()

		stop1 := s.Track(context.Background(), "t1", first.callbacks())
		receive(t, first.updated, "first tracking update")
		stop2 := s.Track(context.Background(), "t1", second.callbacks())
		defer stop2()
		receive(t, second.updated, "second tracking update")

		stop1()
		if ids := s.Tracked(); !slices.Equal(ids, []string{"t1"}) {
			t.Errorf("Tracked() = %v, want [t1]", ids)
		}
		if task, ok := s.Snapshot("t1"); !ok || task.Progress != 10 {
			t.Errorf("Snapshot() = %+v, %v", task, ok)
		}
		if u, _, _ := first.counts(); u != 1 {
			t.Errorf("first tracking got %d updates, want 1", u)
		}
	})

	t.Run("StopAll", func(t *testing.T) {
		api, opts := pollOnly(snap(tu.Snapshot("a", models.StatusProcessing, 10, 0)))
		opts.Poll = PollOptions{Interval: time.Hour}
		s := NewSynchronizer(api, opts)

		s.Track(context.Background(), "b", Callbacks{})
		s.Track(context.Background(), "a", Callbacks{})
		if ids := s.Tracked(); !slices.Equal(ids, []string{"a", "b"}) {
			t.Errorf("Tracked() = %v", ids)
		}

		s.StopAll()
		if ids := s.Tracked(); len(ids) != 0 {
			t.Errorf("Tracked() after StopAll = %v", ids)
		}
	})

	t.Run("invalid tracking", func(t *testing.T) {
		tests := []struct {
			name   string
			taskID string
			opts   SyncOptions
			want   error
		}{
			{"empty id", "", SyncOptions{DisablePush: true}, shared.ErrMissingArgument},
			{"nothing enabled", "t1", SyncOptions{DisablePush: true, DisablePoll: true}, shared.ErrInvalidConfig},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				api := &fakeAccessor{FakeFetcher: tu.NewFakeFetcher()}
				s := NewSynchronizer(api, tt.opts)
				rec := newSyncRecorder()

				s.Track(context.Background(), tt.taskID, rec.callbacks())
				rec.waitDone(t)
				if err := rec.firstError(); !errors.Is(err, tt.want) {
					t.Errorf("OnError(%v), want %v", err, tt.want)
				}
				if api.Calls() != 0 {
					t.Error("no fetch expected")
				}
			})
		}
	})
}

func TestSynchronizerPush(t *testing.T) {
	t.Run("push failure beats stale poll", func(t *testing.T) {
		srv := tu.NewSocketServer(t)
		release := make(chan struct{})
		defer close(release)

		inFlight := tu.Snapshot("t1", models.StatusProcessing, 40, 2*time.Second)
		api := &fakeAccessor{
			FakeFetcher: tu.NewFakeFetcher(
				snap(tu.Snapshot("t1", models.StatusProcessing, 20, time.Second)),
				tu.FetchResult{Task: &inFlight, Wait: release},
			),
			base: srv.WSURL(""),
		}
		s := NewSynchronizer(api, SyncOptions{Poll: fastPoll})
		rec := newSyncRecorder()

		stop := s.Track(context.Background(), "t1", rec.callbacks())
		defer stop()

		conn, _ := srv.Accept(t, 2*time.Second)
		receive(t, rec.updated, "first poll update")
		api.WaitForCall(t, 1, time.Second)

		writeText(t, conn, `{"task_id":"t1","status":"failed","progress":40,"message":"out of memory","updated_at":"2024-05-01T10:00:03Z"}`)
		rec.waitDone(t)

		updates, completes, errs := rec.counts()
		if updates != 1 || completes != 0 || errs != 1 {
			t.Fatalf("callbacks = %d updates, %d completes, %d errors; want 1, 0, 1", updates, completes, errs)
		}
		if err := rec.firstError(); err.Error() != "out of memory" {
			t.Errorf("OnError(%q), want backend message", err)
		}
	})

	t.Run("push and poll deliver the same snapshot once", func(t *testing.T) {
		srv := tu.NewSocketServer(t)
		done := tu.Snapshot("t1", models.StatusCompleted, 100, time.Second)
		api := &fakeAccessor{
			FakeFetcher: tu.NewFakeFetcher(snap(tu.Snapshot("t1", models.StatusProcessing, 50, 0))),
			base:        srv.WSURL(""),
		}
		s := NewSynchronizer(api, SyncOptions{Poll: PollOptions{Interval: time.Hour}})
		rec := newSyncRecorder()

		stop := s.Track(context.Background(), "t1", rec.callbacks())
		defer stop()

		conn, _ := srv.Accept(t, 2*time.Second)
		receive(t, rec.updated, "poll update")

		writeText(t, conn, `{"task_id":"t1","status":"processing","progress":50,"message":"processing","updated_at":"2024-05-01T10:00:00Z"}`)
		data, _ := shared.MarshalJSON(done, false)
		writeText(t, conn, string(data))
		rec.waitDone(t)

		if u, c, e := rec.counts(); u != 1 || c != 1 || e != 0 {
			t.Errorf("callbacks = %d updates, %d completes, %d errors; want 1, 1, 0", u, c, e)
		}
	})

	t.Run("stale terminal poll resumes at the poll interval", func(t *testing.T) {
		srv := tu.NewSocketServer(t)
		release := make(chan struct{})
		stale := tu.Snapshot("t1", models.StatusCompleted, 100, 5*time.Second)
		api := &fakeAccessor{
			FakeFetcher: tu.NewFakeFetcher(tu.FetchResult{Task: &stale, Wait: release}, snap(stale)),
			base:        srv.WSURL(""),
		}
		s := NewSynchronizer(api, SyncOptions{Poll: PollOptions{Interval: 50 * time.Millisecond}})
		rec := newSyncRecorder()

		stop := s.Track(context.Background(), "t1", rec.callbacks())
		defer stop()

		conn, _ := srv.Accept(t, 2*time.Second)
		writeText(t, conn, `{"task_id":"t1","status":"processing","progress":60,"message":"processing","updated_at":"2024-05-01T10:00:10Z"}`)
		receive(t, rec.updated, "push update")
		close(release)

		time.Sleep(300 * time.Millisecond)
		if n := api.Calls(); n < 3 || n > 10 {
			t.Errorf("fetches in 300ms with a 50ms interval = %d, want 3 to 10", n)
		}
		if u, c, e := rec.counts(); u != 1 || c+e != 0 {
			t.Errorf("callbacks = %d updates, %d completes, %d errors; want 1, 0, 0", u, c, e)
		}
	})

	t.Run("reconnects after server close", func(t *testing.T) {
		srv := tu.NewSocketServer(t)
		api := &fakeAccessor{FakeFetcher: tu.NewFakeFetcher(), base: srv.WSURL("")}
		s := NewSynchronizer(api, SyncOptions{
			DisablePoll: true,
			Reconnect:   ReconnectOptions{Interval: time.Millisecond, MaxAttempts: 2},
		})
		rec := newSyncRecorder()

		stop := s.Track(context.Background(), "t1", rec.callbacks())
		defer stop()

		first, _ := srv.Accept(t, 2*time.Second)
		writeText(t, first, `{"task_id":"t1","status":"processing","progress":10,"updated_at":"2024-05-01T10:00:00Z"}`)
		receive(t, rec.updated, "update before close")
		first.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "restart"))

		second, path := srv.Accept(t, 2*time.Second)
		if path != "/ws/task/t1" {
			t.Errorf("reconnect path = %s", path)
		}
		writeText(t, second, `{"task_id":"t1","status":"completed","progress":100,"updated_at":"2024-05-01T10:00:09Z"}`)
		rec.waitDone(t)

		if _, c, e := rec.counts(); c != 1 || e != 0 {
			t.Errorf("completes = %d, errors = %d", c, e)
		}
	})

	t.Run("reconnects exhausted without polling", func(t *testing.T) {
		srv := tu.NewSocketServer(t)
		api := &fakeAccessor{FakeFetcher: tu.NewFakeFetcher(), base: srv.WSURL("")}
		s := NewSynchronizer(api, SyncOptions{DisablePoll: true})
		rec := newSyncRecorder()

		stop := s.Track(context.Background(), "t1", rec.callbacks())
		defer stop()

		conn, _ := srv.Accept(t, 2*time.Second)
		conn.Close()
		rec.waitDone(t)

		if err := rec.firstError(); !errors.Is(err, ErrReconnectsExhausted) {
			t.Errorf("OnError(%v), want ErrReconnectsExhausted", err)
		}
	})

	t.Run("malformed push message is transient", func(t *testing.T) {
		srv := tu.NewSocketServer(t)
		api := &fakeAccessor{FakeFetcher: tu.NewFakeFetcher(), base: srv.WSURL("")}
		logs := &lockedBuffer{}
		s := NewSynchronizer(api, SyncOptions{DisablePoll: true, Logger: shared.NewLogger(logs)})
		rec := newSyncRecorder()

		stop := s.Track(context.Background(), "t1", rec.callbacks())
		defer stop()

		conn, _ := srv.Accept(t, 2*time.Second)
		writeText(t, conn, `{"oops"`)
		writeText(t, conn, `{"task_id":"t1","status":"completed","progress":100}`)
		rec.waitDone(t)

		if _, c, e := rec.counts(); c != 1 || e != 0 {
			t.Errorf("completes = %d, errors = %d", c, e)
		}
		if !strings.Contains(logs.String(), "push message rejected") {
			t.Errorf("malformed message not logged:\n%s", logs.String())
		}
	})
}

func TestSynchronizerWait(t *testing.T) {
	t.Run("completed", func(t *testing.T) {
		api, opts := pollOnly(
			snap(tu.Snapshot("t1", models.StatusProcessing, 10, 0)),
			snap(tu.Snapshot("t1", models.StatusCompleted, 100, time.Second)),
		)
		s := NewSynchronizer(api, opts)

		var seen []int
		task, err := s.Wait(context.Background(), "t1", func(task models.GenerationTask) {
			seen = append(seen, task.Progress)
		})
		if err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
		if task.Status != models.StatusCompleted {
			t.Errorf("status = %s", task.Status)
		}
		if !slices.Equal(seen, []int{10}) {
			t.Errorf("updates = %v", seen)
		}
	})

	t.Run("failed", func(t *testing.T) {
		failed := tu.Snapshot("t1", models.StatusFailed, 0, 0)
		failed.Message = "model file is corrupt"
		api, opts := pollOnly(snap(failed))
		s := NewSynchronizer(api, opts)

		task, err := s.Wait(context.Background(), "t1", nil)
		var taskErr *TaskFailedError
		if !errors.As(err, &taskErr) || taskErr.Task.Message != "model file is corrupt" {
			t.Errorf("Wait() error = %v, want TaskFailedError", err)
		}
		if task != nil {
			t.Errorf("task = %+v, want nil", task)
		}
	})

	t.Run("context deadline", func(t *testing.T) {
		api, opts := pollOnly(snap(tu.Snapshot("t1", models.StatusProcessing, 10, 0)))
		s := NewSynchronizer(api, opts)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		if _, err := s.Wait(ctx, "t1", nil); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Wait() error = %v, want deadline exceeded", err)
		}
		tu.Eventually(t, time.Second, func() bool { return len(s.Tracked()) == 0 }, "tracker removed after Wait returns")
	})
}
