package tasks

import (
	"context"
	"errors"
	"fmt"

	"github.com/desertthunder/genx/internal/models"
	"github.com/desertthunder/genx/internal/services"
	"github.com/desertthunder/genx/internal/shared"
)

// GenerateOpts describes one upload-and-generate run.
type GenerateOpts struct {
	PDFPaths   []string
	ModelPaths []string
	Config     models.GenerationConfig
	Watch      bool // track the task until it finishes
}

// GenerateResult contains everything produced by [Engine.Generate].
type GenerateResult struct {
	Upload *models.UploadResult   // Files stored by the backend
	Submit *models.SubmitResult   // Submitted task
	Task   *models.GenerationTask // Final snapshot when watched
}

// Engine runs the multi-step workflows of the CLI and TUI on top of a
// [services.TaskService] and a [Synchronizer].
type Engine struct {
	api  services.TaskService
	sync *Synchronizer
}

// NewEngine creates an Engine. sync may be nil when no workflow needs tracking.
func NewEngine(api services.TaskService, sync *Synchronizer) *Engine {
	return &Engine{api: api, sync: sync}
}

// sendProgress sends a progress update through the channel without blocking.
func (e *Engine) sendProgress(progress chan<- ProgressUpdate, update ProgressUpdate) {
	if progress == nil {
		return
	}
	select {
	case progress <- update:
	default:
	}
}

// Generate uploads the input files, submits a generation task for them and,
// with Watch set, tracks the task until it finishes.
//
// A task that fails on the backend returns the partial result together with a
// [*TaskFailedError].
func (e *Engine) Generate(ctx context.Context, progress chan<- ProgressUpdate, opts GenerateOpts) (*GenerateResult, error) {
	if e.api == nil {
		return nil, fmt.Errorf("%w: task service not initialized", shared.ErrServiceUnavailable)
	}
	// Paths stand in for the ids so the request shape is checked before anything is uploaded.
	shape := models.GenerationRequest{Config: opts.Config, PDFFiles: opts.PDFPaths, ModelFiles: opts.ModelPaths}
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", shared.ErrInvalidInput, err)
	}

	files := len(opts.PDFPaths) + len(opts.ModelPaths)
	e.sendProgress(progress, uploadingUpdate(0, files))

	up, err := e.api.Upload(ctx, opts.PDFPaths, opts.ModelPaths, func(pct int) {
		e.sendProgress(progress, uploadingUpdate(pct, files))
	})
	if err != nil {
		return nil, fmt.Errorf("upload failed: %w", err)
	}
	e.sendProgress(progress, uploadedUpdate(up))

	sub, err := e.api.Submit(ctx, models.GenerationRequest{
		Config:     opts.Config,
		PDFFiles:   up.PDFIDs(),
		ModelFiles: up.ModelIDs(),
	})
	if err != nil {
		return &GenerateResult{Upload: up}, fmt.Errorf("submit failed: %w", err)
	}
	e.sendProgress(progress, submittedUpdate(sub))

	result := &GenerateResult{Upload: up, Submit: sub}
	if !opts.Watch {
		return result, nil
	}

	task, err := e.Watch(ctx, progress, sub.TaskID)
	result.Task = task
	return result, err
}

// Watch tracks taskID until it finishes, reporting every accepted snapshot as a
// [TrackTask] update.
func (e *Engine) Watch(ctx context.Context, progress chan<- ProgressUpdate, taskID string) (*models.GenerationTask, error) {
	if e.sync == nil {
		return nil, fmt.Errorf("%w: synchronizer not initialized", shared.ErrServiceUnavailable)
	}

	task, err := e.sync.Wait(ctx, taskID, func(t models.GenerationTask) {
		e.sendProgress(progress, trackUpdate(t))
	})

	var failed *TaskFailedError
	if errors.As(err, &failed) {
		e.sendProgress(progress, trackUpdate(failed.Task))
		return &failed.Task, err
	}
	if err != nil {
		return nil, err
	}

	e.sendProgress(progress, trackUpdate(*task))
	return task, nil
}
