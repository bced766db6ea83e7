// package services defines interface TaskService for the manual generation backend
package services

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/desertthunder/genx/internal/models"
)

// TaskService defines the remote task resource exposed by the generation backend.
//
// Every method performs exactly one request: there are no retries and nothing is cached.
type TaskService interface {
	// Health reports backend liveness.
	Health(ctx context.Context) (map[string]any, error)

	// Upload stores local PDF and model files on the backend.
	// onProgress, when set, receives the percentage of request bytes sent.
	Upload(ctx context.Context, pdfPaths, modelPaths []string, onProgress func(int)) (*models.UploadResult, error)

	// Submit starts a generation task for previously uploaded files.
	Submit(ctx context.Context, req models.GenerationRequest) (*models.SubmitResult, error)

	// GetTask fetches the current snapshot of a task.
	GetTask(ctx context.Context, taskID string) (*models.GenerationTask, error)

	// ListTasks returns every task known to the backend.
	ListTasks(ctx context.Context) ([]models.GenerationTask, error)

	// DeleteTask removes a task and its outputs.
	DeleteTask(ctx context.Context, taskID string) error

	// Download streams the task's generated artifact into w.
	Download(ctx context.Context, taskID string, w io.Writer) (int64, error)

	// Preview returns the backend's preview payload for a completed task.
	Preview(ctx context.Context, taskID string) (any, error)

	// TaskSocketURL returns the push address for a task.
	TaskSocketURL(taskID string) string
}

var _ TaskService = (*APIService)(nil)

// APIError is a non-2xx answer (or an explicit success=false envelope) from the backend.
//
// Message holds the backend's error text unchanged.
type APIError struct {
	StatusCode int
	Message    string
	err        error
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("API error: status %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// Unwrap exposes the sentinel for the failure class: [shared.ErrTaskNotFound]
// for a missing task and [shared.ErrAPIRequest] otherwise.
func (e *APIError) Unwrap() error { return e.err }
