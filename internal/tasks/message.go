package tasks

import (
	"fmt"

	"github.com/desertthunder/genx/internal/models"
	"github.com/desertthunder/genx/internal/shared"
)

// pushEvent is the typed progress event some backends send instead of a bare snapshot.
type pushEvent struct {
	Type      string             `json:"type"`
	TaskID    string             `json:"task_id"`
	Progress  int                `json:"progress"`
	Message   string             `json:"message"`
	Success   bool               `json:"success"`
	Result    *models.TaskResult `json:"result"`
	Error     string             `json:"error"`
	Timestamp models.Timestamp   `json:"timestamp"`
}

// decodePushMessage turns one websocket message into a snapshot of taskID.
//
// ok is false for informational events (logs, connection notices) that carry no task state.
func decodePushMessage(data []byte, taskID string) (task models.GenerationTask, ok bool, err error) {
	var ev pushEvent
	if err := shared.UnmarshalJSON(data, &ev); err != nil {
		return task, false, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}

	switch ev.Type {
	case "":
		if err := shared.UnmarshalJSON(data, &task); err != nil {
			return task, false, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
		}
	case "progress_update":
		task = models.GenerationTask{
			TaskID:    ev.TaskID,
			Status:    models.StatusProcessing,
			Progress:  ev.Progress,
			Message:   ev.Message,
			UpdatedAt: ev.Timestamp,
		}
	case "completion":
		task = models.GenerationTask{TaskID: ev.TaskID, UpdatedAt: ev.Timestamp}
		if ev.Success {
			task.Status = models.StatusCompleted
			task.Progress = 100
			task.Result = ev.Result
		} else {
			task.Status = models.StatusFailed
			task.Message = ev.Error
		}
	case "log", "connected", "initial_state", "parallel_progress", "pong":
		return task, false, nil
	default:
		return task, false, fmt.Errorf("%w: unknown event type %q", ErrMalformedMessage, ev.Type)
	}

	if err := task.Validate(); err != nil {
		return task, false, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	if task.TaskID != taskID {
		return task, false, fmt.Errorf("%w: snapshot for task %s on channel of %s", ErrMalformedMessage, task.TaskID, taskID)
	}
	return task, true, nil
}
