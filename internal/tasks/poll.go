package tasks

import (
	"context"
	"time"

	"github.com/desertthunder/genx/internal/models"
)

const (
	DefaultPollInterval    = 2 * time.Second
	DefaultMaxPollInterval = 30 * time.Second
)

// TaskFetcher fetches one snapshot of a task.
type TaskFetcher interface {
	GetTask(ctx context.Context, taskID string) (*models.GenerationTask, error)
}

// PollOptions configures the poll loop.
//
// MaxInterval <= Interval keeps the delay fixed after failures.
type PollOptions struct {
	Interval    time.Duration
	MaxInterval time.Duration
}

func (o PollOptions) withDefaults() PollOptions {
	if o.Interval <= 0 {
		o.Interval = DefaultPollInterval
	}
	return o
}

// delay returns the wait before the next fetch after the given number of consecutive failures.
func (o PollOptions) delay(failures int) time.Duration {
	if failures == 0 || o.MaxInterval <= o.Interval {
		return o.Interval
	}
	d := o.Interval
	for i := 0; i < failures && d < o.MaxInterval; i++ {
		d *= 2
	}
	return min(d, o.MaxInterval)
}

// PollCallbacks receive the results of each fetch.
//
// OnError gets the number of consecutive failures, including this one.
type PollCallbacks struct {
	OnSnapshot func(task models.GenerationTask)
	OnError    func(err error, failures int)
}

// StartPoll fetches taskID immediately and then after every interval until the
// task is terminal or the returned cancel function is called.
//
// Fetches never overlap: the next one is scheduled once the current one settles.
// A fetch that settles after cancellation is discarded. cancel is idempotent.
func StartPoll(ctx context.Context, fetcher TaskFetcher, taskID string, opts PollOptions, cb PollCallbacks) (cancel func()) {
	ctx, stop := context.WithCancel(ctx)
	opts = opts.withDefaults()

	go func() {
		defer stop()

		failures := 0
		for {
			task, err := fetcher.GetTask(ctx, taskID)
			if ctx.Err() != nil {
				return
			}

			if err != nil {
				failures++
				if cb.OnError != nil {
					cb.OnError(err, failures)
				}
			} else {
				failures = 0
				if cb.OnSnapshot != nil {
					cb.OnSnapshot(*task)
				}
				if task.IsTerminal() {
					return
				}
			}

			timer := time.NewTimer(opts.delay(failures))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}()

	return stop
}
