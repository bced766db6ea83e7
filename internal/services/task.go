package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/desertthunder/genx/internal/models"
	"github.com/desertthunder/genx/internal/shared"
)

// Health calls GET /health.
func (a *APIService) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := a.call(ctx, http.MethodGet, "/health", nil, "", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Submit validates req and starts a generation task with POST /generate.
func (a *APIService) Submit(ctx context.Context, req models.GenerationRequest) (*models.SubmitResult, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", shared.ErrInvalidInput, err)
	}

	data, err := shared.MarshalJSON(req, false)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	var out models.SubmitResult
	if err := a.call(ctx, http.MethodPost, "/generate", bytes.NewReader(data), "application/json", nil, &out); err != nil {
		return nil, err
	}
	if out.TaskID == "" {
		return nil, fmt.Errorf("%w: missing task_id", shared.ErrUnexpectedResponse)
	}
	return &out, nil
}

// GetTask fetches one snapshot with GET /task/{id}.
//
// A 404 answer wraps [shared.ErrTaskNotFound].
func (a *APIService) GetTask(ctx context.Context, taskID string) (*models.GenerationTask, error) {
	if taskID == "" {
		return nil, fmt.Errorf("%w: task id", shared.ErrMissingArgument)
	}

	var task models.GenerationTask
	if err := a.call(ctx, http.MethodGet, taskPath("/task/", taskID), nil, "", shared.ErrTaskNotFound, &task); err != nil {
		return nil, err
	}
	if task.TaskID == "" {
		task.TaskID = taskID
	}
	if err := task.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", shared.ErrUnexpectedResponse, err)
	}
	return &task, nil
}

// ListTasks calls GET /tasks. The payload may be a bare list or {"tasks": [...]}.
func (a *APIService) ListTasks(ctx context.Context) ([]models.GenerationTask, error) {
	var raw json.RawMessage
	if err := a.call(ctx, http.MethodGet, "/tasks", nil, "", nil, &raw); err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []models.GenerationTask{}, nil
	}

	var tasks []models.GenerationTask
	if trimmed[0] == '[' {
		if err := shared.UnmarshalJSON(trimmed, &tasks); err != nil {
			return nil, fmt.Errorf("%w: %w", shared.ErrUnexpectedResponse, err)
		}
	} else {
		var wrapped struct {
			Tasks []models.GenerationTask `json:"tasks"`
		}
		if err := shared.UnmarshalJSON(trimmed, &wrapped); err != nil {
			return nil, fmt.Errorf("%w: %w", shared.ErrUnexpectedResponse, err)
		}
		tasks = wrapped.Tasks
	}

	if tasks == nil {
		tasks = []models.GenerationTask{}
	}
	return tasks, nil
}

// DeleteTask calls DELETE /task/{id}.
func (a *APIService) DeleteTask(ctx context.Context, taskID string) error {
	if taskID == "" {
		return fmt.Errorf("%w: task id", shared.ErrMissingArgument)
	}
	return a.call(ctx, http.MethodDelete, taskPath("/task/", taskID), nil, "", shared.ErrTaskNotFound, nil)
}

// Preview calls GET /preview/{id}.
func (a *APIService) Preview(ctx context.Context, taskID string) (any, error) {
	if taskID == "" {
		return nil, fmt.Errorf("%w: task id", shared.ErrMissingArgument)
	}

	var out any
	if err := a.call(ctx, http.MethodGet, taskPath("/preview/", taskID), nil, "", shared.ErrTaskNotFound, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Download streams GET /download/{id} into w and returns the number of bytes written.
func (a *APIService) Download(ctx context.Context, taskID string, w io.Writer) (int64, error) {
	if taskID == "" {
		return 0, fmt.Errorf("%w: task id", shared.ErrMissingArgument)
	}

	req, err := a.newRequest(ctx, http.MethodGet, taskPath("/download/", taskID), nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "*/*")

	resp, err := a.do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody*4))
		return 0, newAPIError(resp.StatusCode, raw, shared.ErrTaskNotFound)
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("failed to write download: %w", err)
	}
	return n, nil
}

func taskPath(prefix, taskID string) string {
	return prefix + url.PathEscape(taskID)
}
