package tasks

import (
	"errors"
	"fmt"

	"github.com/desertthunder/genx/internal/models"
	"github.com/desertthunder/genx/internal/shared"
)

var (
	ErrMalformedMessage    = errors.New("malformed push message")
	ErrChannelClosed       = errors.New("push channel closed")
	ErrPollExhausted       = errors.New("poll retries exhausted")
	ErrReconnectsExhausted = errors.New("push reconnects exhausted")
)

// TaskFailedError is reported when the backend marks a task as failed.
//
// Error returns the backend message unchanged.
type TaskFailedError struct {
	Task models.GenerationTask
}

func (e *TaskFailedError) Error() string {
	if e.Task.Message != "" {
		return e.Task.Message
	}
	return fmt.Sprintf("task %s failed", e.Task.TaskID)
}

// IsFatal reports whether err ends tracking of a task.
func IsFatal(err error) bool {
	var failed *TaskFailedError
	return errors.Is(err, shared.ErrTaskNotFound) ||
		errors.Is(err, ErrPollExhausted) ||
		errors.Is(err, ErrReconnectsExhausted) ||
		errors.As(err, &failed)
}
