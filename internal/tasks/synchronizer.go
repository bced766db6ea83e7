package tasks

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/genx/internal/models"
	"github.com/desertthunder/genx/internal/shared"
)

const DefaultMaxPollFailures = 30

// TaskAccessor is the part of the backend client the [Synchronizer] depends on.
type TaskAccessor interface {
	TaskFetcher
	TaskSocketURL(taskID string) string
}

// SnapshotStore persists accepted snapshots (see repositories.TaskRepository).
type SnapshotStore interface {
	SaveSnapshot(task models.GenerationTask) error
}

// Callbacks receive the outcome of tracking one task. Any of them may be nil.
//
// OnUpdate fires for every accepted non-terminal snapshot. Exactly one of
// OnComplete or OnError fires when tracking ends on its own; neither fires
// after stop.
type Callbacks struct {
	OnUpdate   func(task models.GenerationTask)
	OnComplete func(task models.GenerationTask)
	OnError    func(err error)
}

// SyncOptions configures a [Synchronizer].
//
// MaxPollFailures of 0 retries failed polls forever.
type SyncOptions struct {
	Poll            PollOptions
	MaxPollFailures int
	DisablePoll     bool
	DisablePush     bool
	Push            PushOptions
	Reconnect       ReconnectOptions
	Store           SnapshotStore
	Logger          *log.Logger
}

// Synchronizer tracks remote tasks through polling and push at once and
// reports one ordered, de-duplicated stream of state changes per task.
type Synchronizer struct {
	api    TaskAccessor
	opts   SyncOptions
	logger *log.Logger

	mu      sync.Mutex
	tracked map[string]*tracker
}

// NewSynchronizer creates a synchronizer backed by api.
func NewSynchronizer(api TaskAccessor, opts SyncOptions) *Synchronizer {
	if opts.Logger == nil {
		opts.Logger = shared.DiscardLogger()
	}
	return &Synchronizer{
		api:     api,
		opts:    opts,
		logger:  shared.WithLogger(opts.Logger, "component", "sync"),
		tracked: make(map[string]*tracker),
	}
}

// Track starts following taskID and returns a function that stops it.
//
// stop is idempotent and safe to call from inside a callback; no callback
// starts after it returns. Tracking an id that is already tracked stops the
// previous tracking first. Cancelling ctx also ends tracking without callbacks.
func (s *Synchronizer) Track(ctx context.Context, taskID string, cb Callbacks) (stop func()) {
	t := newTracker(ctx, s, taskID, cb)

	s.mu.Lock()
	prev := s.tracked[taskID]
	if taskID != "" {
		s.tracked[taskID] = t
	}
	s.mu.Unlock()

	if prev != nil {
		s.logger.Debug("replacing existing tracker", "task_id", taskID)
		prev.stop()
	}

	go t.run()
	return t.stop
}

// Wait tracks taskID until it finishes and returns the final snapshot.
//
// A failed task returns a [*TaskFailedError].
func (s *Synchronizer) Wait(ctx context.Context, taskID string, onUpdate func(models.GenerationTask)) (*models.GenerationTask, error) {
	type outcome struct {
		task *models.GenerationTask
		err  error
	}
	done := make(chan outcome, 1)

	stop := s.Track(ctx, taskID, Callbacks{
		OnUpdate:   onUpdate,
		OnComplete: func(task models.GenerationTask) { done <- outcome{task: &task} },
		OnError:    func(err error) { done <- outcome{err: err} },
	})
	defer stop()

	select {
	case res := <-done:
		return res.task, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Tracked returns the ids currently tracked, sorted.
func (s *Synchronizer) Tracked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.tracked))
	for id := range s.tracked {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Snapshot returns the last accepted snapshot of a tracked task.
func (s *Synchronizer) Snapshot(taskID string) (models.GenerationTask, bool) {
	s.mu.Lock()
	t := s.tracked[taskID]
	s.mu.Unlock()

	if t == nil {
		return models.GenerationTask{}, false
	}
	return t.snapshot()
}

// StopAll stops every tracked task.
func (s *Synchronizer) StopAll() {
	s.mu.Lock()
	all := make([]*tracker, 0, len(s.tracked))
	for _, t := range s.tracked {
		all = append(all, t)
	}
	s.mu.Unlock()

	for _, t := range all {
		t.stop()
	}
}

func (s *Synchronizer) remove(t *tracker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tracked[t.taskID] == t {
		delete(s.tracked, t.taskID)
	}
}

type eventKind int

const (
	evSnapshot eventKind = iota
	evPollError
	evPushError
	evPushOpen
	evPushClosed
	evReconnect
	evRestartPoll
)

type event struct {
	kind     eventKind
	source   string
	task     models.GenerationTask
	err      error
	failures int
	ch       *PushChannel
}

// tracker follows one task. Its run loop is the only goroutine that touches
// the poll and push handles or invokes callbacks.
type tracker struct {
	s      *Synchronizer
	taskID string
	cb     Callbacks
	logger *log.Logger
	ctx    context.Context
	cancel context.CancelFunc
	events chan event

	mu      sync.Mutex
	stopped bool
	last    *models.GenerationTask

	// cbMu is held by the run loop from the stopped check until the callback returns.
	cbMu       sync.Mutex
	inCallback atomic.Bool

	pollCancel  func()
	channel     *PushChannel
	reconnector *Reconnector
}

func newTracker(ctx context.Context, s *Synchronizer, taskID string, cb Callbacks) *tracker {
	ctx, cancel := context.WithCancel(ctx)
	return &tracker{
		s:      s,
		taskID: taskID,
		cb:     cb,
		logger: shared.WithLogger(s.logger, "task_id", taskID),
		ctx:    ctx,
		cancel: cancel,
		events: make(chan event, 16),
	}
}

func (t *tracker) stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()

	t.cancel()
	t.s.remove(t)

	// Waits out a callback between its stopped check and its start. A
	// callback that already runs may be the caller, so it is not waited for.
	if !t.inCallback.Load() {
		t.cbMu.Lock()
		t.cbMu.Unlock()
	}
}

func (t *tracker) snapshot() (models.GenerationTask, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last == nil {
		return models.GenerationTask{}, false
	}
	return *t.last, true
}

func (t *tracker) run() {
	defer t.teardown()

	if err := t.open(); err != nil {
		t.fail(err)
		return
	}

	for {
		select {
		case <-t.ctx.Done():
			return
		case ev := <-t.events:
			if done := t.handle(ev); done {
				return
			}
		}
	}
}

func (t *tracker) open() error {
	opts := t.s.opts
	switch {
	case t.taskID == "":
		return fmt.Errorf("%w: task id", shared.ErrMissingArgument)
	case opts.DisablePoll && opts.DisablePush:
		return fmt.Errorf("%w: polling and push are both disabled", shared.ErrInvalidConfig)
	}

	t.logger.Debug("tracking started", "poll", !opts.DisablePoll, "push", !opts.DisablePush)

	if !opts.DisablePush {
		t.reconnector = NewReconnector(opts.Reconnect)
		t.connect()
	}
	if !opts.DisablePoll {
		t.startPoll()
	}
	return nil
}

func (t *tracker) startPoll() {
	t.pollCancel = StartPoll(t.ctx, t.s.api, t.taskID, t.s.opts.Poll, PollCallbacks{
		OnSnapshot: func(task models.GenerationTask) {
			t.post(event{kind: evSnapshot, source: "poll", task: task})
		},
		OnError: func(err error, failures int) {
			t.post(event{kind: evPollError, source: "poll", err: err, failures: failures})
		},
	})
}

func (t *tracker) connect() {
	var ch *PushChannel
	ch = NewPushChannel(t.s.api.TaskSocketURL(t.taskID), t.taskID, PushCallbacks{
		OnOpen: func() {
			t.post(event{kind: evPushOpen, source: "push", ch: ch})
		},
		OnSnapshot: func(task models.GenerationTask) {
			t.post(event{kind: evSnapshot, source: "push", task: task})
		},
		OnError: func(err error) {
			t.post(event{kind: evPushError, source: "push", err: err})
		},
		OnClose: func(err error) {
			t.post(event{kind: evPushClosed, source: "push", err: err, ch: ch})
		},
	}, t.s.opts.Push)

	t.channel = ch
	if err := ch.Connect(t.ctx); err != nil {
		t.logger.Warn("push connect failed", "err", err)
	}
}

// post hands an event to the run loop, giving up once tracking has ended.
func (t *tracker) post(ev event) {
	select {
	case t.events <- ev:
	case <-t.ctx.Done():
	}
}

// handle processes one event and reports whether tracking is over.
func (t *tracker) handle(ev event) bool {
	switch ev.kind {
	case evSnapshot:
		return t.accept(ev.source, ev.task)
	case evPollError:
		return t.pollFailed(ev.err, ev.failures)
	case evPushError:
		t.logger.Warn("push message rejected", "err", ev.err)
	case evPushOpen:
		if ev.ch == t.channel {
			t.logger.Debug("push channel open")
		}
	case evPushClosed:
		return t.pushClosed(ev.ch, ev.err)
	case evReconnect:
		t.logger.Info("reconnecting push channel", "attempt", t.reconnector.Attempts())
		t.connect()
	case evRestartPoll:
		t.logger.Debug("resuming poll after stale terminal snapshot")
		t.startPoll()
	}
	return false
}

func (t *tracker) accept(source string, task models.GenerationTask) bool {
	verdict := Compare(t.last, task)
	if verdict != Accept {
		t.logger.Debug("snapshot dropped", "source", source, "verdict", verdict, "status", task.Status, "progress", task.Progress)
		// The poll loop ends on any terminal snapshot, even one that is dropped here.
		if source == "poll" && task.IsTerminal() && verdict != DropTerminal {
			t.after(t.s.opts.Poll.withDefaults().Interval, event{kind: evRestartPoll})
		}
		return false
	}

	t.mu.Lock()
	snap := task
	t.last = &snap
	t.mu.Unlock()

	t.persist(task)

	switch task.Status {
	case models.StatusCompleted:
		t.logger.Info("task completed", "source", source)
		t.finish(func() {
			if t.cb.OnComplete != nil {
				t.cb.OnComplete(task)
			}
		})
		return true
	case models.StatusFailed:
		t.logger.Info("task failed", "source", source, "message", task.Message)
		t.finish(func() {
			if t.cb.OnError != nil {
				t.cb.OnError(&TaskFailedError{Task: task})
			}
		})
		return true
	default:
		t.logger.Debug("snapshot accepted", "source", source, "status", task.Status, "progress", task.Progress)
		t.dispatch(func() {
			if t.cb.OnUpdate != nil {
				t.cb.OnUpdate(task)
			}
		})
		return false
	}
}

func (t *tracker) pollFailed(err error, failures int) bool {
	if errors.Is(err, shared.ErrTaskNotFound) {
		t.fail(err)
		return true
	}
	if limit := t.s.opts.MaxPollFailures; limit > 0 && failures >= limit {
		t.fail(fmt.Errorf("%w after %d attempts: %w", ErrPollExhausted, failures, err))
		return true
	}
	t.logger.Warn("poll failed", "attempt", failures, "err", err)
	return false
}

func (t *tracker) pushClosed(ch *PushChannel, err error) bool {
	if ch != t.channel {
		return false
	}
	t.channel = nil

	if err != nil {
		t.logger.Warn("push channel closed", "err", err)
	} else {
		t.logger.Debug("push channel closed by server")
	}

	delay, rerr := t.reconnector.Next()
	if rerr != nil {
		if t.s.opts.DisablePoll {
			t.fail(fmt.Errorf("%w after %d attempts", ErrReconnectsExhausted, t.reconnector.Attempts()))
			return true
		}
		t.logger.Warn("push reconnects exhausted, continuing with polling", "attempts", t.reconnector.Attempts())
		return false
	}

	t.after(delay, event{kind: evReconnect})
	return false
}

// after posts ev once delay has passed, unless tracking ends first.
func (t *tracker) after(delay time.Duration, ev event) {
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-t.ctx.Done():
		case <-timer.C:
			t.post(ev)
		}
	}()
}

func (t *tracker) persist(task models.GenerationTask) {
	if t.s.opts.Store == nil {
		return
	}
	if err := t.s.opts.Store.SaveSnapshot(task); err != nil {
		t.logger.Warn("failed to save snapshot", "err", err)
	}
}

// fail ends tracking with err.
func (t *tracker) fail(err error) {
	t.logger.Error("tracking failed", "err", err)
	t.finish(func() {
		if t.cb.OnError != nil {
			t.cb.OnError(err)
		}
	})
}

// finish tears down both channels and runs the terminal callback at most once.
func (t *tracker) finish(fn func()) {
	t.closeChannels()
	t.s.remove(t)
	t.invoke(true, fn)
}

// dispatch runs fn unless tracking was stopped.
func (t *tracker) dispatch(fn func()) {
	t.invoke(false, fn)
}

// invoke runs fn unless tracking was stopped. A terminal fn marks tracking stopped.
func (t *tracker) invoke(terminal bool, fn func()) {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	if terminal {
		t.stopped = true
	}
	t.mu.Unlock()

	t.inCallback.Store(true)
	defer t.inCallback.Store(false)
	t.call(fn)
}

func (t *tracker) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("callback panicked", "panic", r)
		}
	}()
	fn()
}

func (t *tracker) closeChannels() {
	// Unblocks poll and push goroutines waiting in post before Disconnect waits on them.
	t.cancel()
	if t.pollCancel != nil {
		t.pollCancel()
	}
	if t.channel != nil {
		t.channel.Disconnect()
		t.channel = nil
	}
}

func (t *tracker) teardown() {
	t.cancel()
	t.closeChannels()
	t.s.remove(t)
}
