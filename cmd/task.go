package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/desertthunder/genx/internal/formatter"
	"github.com/desertthunder/genx/internal/models"
	"github.com/desertthunder/genx/internal/shared"
	"github.com/desertthunder/genx/internal/tasks"
	"github.com/urfave/cli/v3"
)

func taskID(cmd *cli.Command) (string, error) {
	id := strings.TrimSpace(cmd.StringArg("id"))
	if id == "" {
		return "", fmt.Errorf("%w: task id", shared.ErrMissingArgument)
	}
	return id, nil
}

// progressPrinter prints updates from the returned channel until stop is
// called. stop drains whatever is still buffered.
func (r *Runner) progressPrinter() (chan tasks.ProgressUpdate, func()) {
	progressCh := make(chan tasks.ProgressUpdate, 50)
	quit := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			select {
			case update := <-progressCh:
				r.printProgress(update)
			case <-quit:
				for {
					select {
					case update := <-progressCh:
						r.printProgress(update)
					default:
						return
					}
				}
			}
		}
	}()

	return progressCh, func() {
		close(quit)
		<-done
	}
}

func (r *Runner) printProgress(update tasks.ProgressUpdate) {
	switch update.Phase {
	case tasks.UploadFiles:
		switch {
		case update.Data != nil:
			r.writePlain("✓ %s\n", update.Message)
		case update.Step == 0:
			r.writePlain("📤 %s\n", update.Message)
		}
	case tasks.SubmitTask:
		r.writePlain("📝 %s\n", update.Message)
	case tasks.TrackTask:
		r.writePlain("   %s\n", update.Message)
	case tasks.DownloadArtifacts:
		r.writePlain("   %s\n", update.Message)
	}
}

// record saves task into the local history when a database is available.
func (r *Runner) record(task models.GenerationTask) {
	if r.tasks == nil {
		return
	}
	if err := r.tasks.SaveSnapshot(task); err != nil {
		r.logger.Warn("failed to record task", "task_id", task.TaskID, "error", err)
	}
}

func (r *Runner) cacheUploads(res *models.UploadResult) {
	if r.uploads == nil || res == nil {
		return
	}
	n, err := r.uploads.CacheUpload(res)
	if err != nil {
		r.logger.Warn("failed to cache uploads", "error", err)
		return
	}
	r.logger.Debug("cached uploads", "new", n)
}

func (r *Runner) writeTasks(found []models.GenerationTask, format string) error {
	switch format {
	case "json":
		return r.writeJSON(found, true)
	case "csv":
		data, err := formatter.TasksToCSV(found)
		if err != nil {
			return err
		}
		_, err = r.output.Write(data)
		return err
	case "text":
		for _, task := range found {
			r.writePlain("%s\n", formatter.TaskLine(task))
		}
		return r.writePlainln("%s", formatter.StatusCounts(found))
	case "table", "":
		r.writePlain("%s\n", formatter.TasksToTable(found))
		return r.writePlain("%s\n", formatter.StatusCounts(found))
	default:
		return fmt.Errorf("%w: unknown format %q", shared.ErrInvalidFlag, format)
	}
}

// Health checks that the backend answers.
func (r *Runner) Health(ctx context.Context, cmd *cli.Command) error {
	r.logger.Debug("checking backend health", "url", r.api.BaseURL())

	health, err := r.api.Health(ctx)
	if err != nil {
		return fmt.Errorf("backend at %s is unhealthy: %w", r.api.BaseURL(), err)
	}

	r.writePlain("✓ Backend healthy at %s\n", r.api.BaseURL())
	return r.writeJSON(health, true)
}

// Upload stores files on the backend and caches their ids locally.
func (r *Runner) Upload(ctx context.Context, cmd *cli.Command) error {
	pdfs := cmd.StringSlice("pdf")
	modelFiles := cmd.StringSlice("model")
	if len(pdfs) == 0 && len(modelFiles) == 0 {
		return fmt.Errorf("%w: at least one --pdf or --model is required", shared.ErrMissingArgument)
	}

	r.logger.Info("uploading files", "pdf", len(pdfs), "model", len(modelFiles))

	res, err := r.api.Upload(ctx, pdfs, modelFiles, nil)
	if err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}
	r.cacheUploads(res)

	if cmd.Bool("json") {
		return r.writeJSON(res, true)
	}

	r.writePlainHeader("Upload Complete")
	for _, group := range []struct {
		kind  string
		files []models.UploadedFile
	}{{models.UploadKindPDF, res.PDFFiles}, {models.UploadKindModel, res.ModelFiles}} {
		for _, f := range group.files {
			r.writePlain("%-5s  %s  %s (%s)\n", group.kind, f.ID, f.Filename, shared.FormatFileSize(f.Size))
		}
	}
	return nil
}

// Generate uploads the input files, submits a task and by default tracks it to the end.
func (r *Runner) Generate(ctx context.Context, cmd *cli.Command) error {
	opts := tasks.GenerateOpts{
		PDFPaths:   cmd.StringSlice("pdf"),
		ModelPaths: cmd.StringSlice("model"),
		Config: models.GenerationConfig{
			Focus:        cmd.String("focus"),
			Quality:      cmd.String("quality"),
			Language:     cmd.String("language"),
			Requirements: cmd.String("requirements"),
		},
		Watch: cmd.Bool("watch"),
	}

	r.logger.Info("starting generation", "pdf", len(opts.PDFPaths), "model", len(opts.ModelPaths), "watch", opts.Watch)

	progressCh, stop := r.progressPrinter()
	result, err := r.engine.Generate(ctx, progressCh, opts)
	stop()

	if result != nil {
		r.cacheUploads(result.Upload)
		if result.Submit != nil && !opts.Watch {
			r.record(models.GenerationTask{TaskID: result.Submit.TaskID, Status: models.StatusPending})
		}
	}

	var failed *tasks.TaskFailedError
	switch {
	case errors.As(err, &failed):
		r.writePlainln("")
		r.writePlainHeader("Generation Failed")
		r.writePlain("Task: %s\n", failed.Task.TaskID)
		r.writePlain("Reason: %s\n", failed.Error())
		return err
	case err != nil:
		return err
	}

	if !opts.Watch {
		r.writePlainln("Track it with: genx task watch %s", result.Submit.TaskID)
		return nil
	}

	r.writePlainln("")
	r.writePlainHeader("Generation Complete!")
	report, err := formatter.TaskToText(*result.Task)
	if err != nil {
		return err
	}
	r.writePlain("%s", report)
	if result.Submit.ManualURL != "" {
		r.writePlain("Manual: %s\n", result.Submit.ManualURL)
	}
	return nil
}

// TaskStatus prints one fetch of a task.
func (r *Runner) TaskStatus(ctx context.Context, cmd *cli.Command) error {
	id, err := taskID(cmd)
	if err != nil {
		return err
	}

	task, err := r.api.GetTask(ctx, id)
	if err != nil {
		return err
	}
	r.record(*task)

	switch format := cmd.String("format"); format {
	case "json":
		return r.writeJSON(task, true)
	case "markdown", "md":
		if out := cmd.String("output"); out != "" {
			path, err := formatter.WriteTaskMarkdown(*task, out)
			if err != nil {
				return err
			}
			return r.writePlain("✓ Wrote %s\n", path)
		}
		data, err := formatter.TaskToMarkdown(*task)
		if err != nil {
			return err
		}
		_, err = r.output.Write(data)
		return err
	case "text", "":
		data, err := formatter.TaskToText(*task)
		if err != nil {
			return err
		}
		_, err = r.output.Write(data)
		return err
	default:
		return fmt.Errorf("%w: unknown format %q", shared.ErrInvalidFlag, format)
	}
}

// TaskList prints every task the backend knows about.
func (r *Runner) TaskList(ctx context.Context, cmd *cli.Command) error {
	found, err := r.api.ListTasks(ctx)
	if err != nil {
		return err
	}
	return r.writeTasks(found, cmd.String("format"))
}

// TaskWatch tracks a task until it finishes.
func (r *Runner) TaskWatch(ctx context.Context, cmd *cli.Command) error {
	id, err := taskID(cmd)
	if err != nil {
		return err
	}

	r.logger.Info("watching task", "task_id", id, "push", r.config.Tracking.UsePush)
	r.writePlain("Watching %s...\n", id)

	progressCh, stop := r.progressPrinter()
	task, err := r.engine.Watch(ctx, progressCh, id)
	stop()

	var failed *tasks.TaskFailedError
	if errors.As(err, &failed) {
		r.writePlainln("✗ Task %s failed: %s", id, failed.Error())
		return err
	}
	if err != nil {
		return err
	}

	r.writePlainln("✓ Task %s completed", id)
	return r.writePlain("Download it with: genx task download %s (saves %s)\n", id, models.ArtifactName(*task))
}

// TaskDelete removes a task on the backend and from the local history.
func (r *Runner) TaskDelete(ctx context.Context, cmd *cli.Command) error {
	id, err := taskID(cmd)
	if err != nil {
		return err
	}

	if err := r.api.DeleteTask(ctx, id); err != nil {
		return err
	}

	if r.tasks != nil {
		rec, err := r.tasks.GetByTaskID(id)
		switch {
		case errors.Is(err, shared.ErrRecordNotFound):
		case err != nil:
			r.logger.Warn("failed to look up task history", "task_id", id, "error", err)
		default:
			if err := r.tasks.Delete(rec.ID()); err != nil {
				r.logger.Warn("failed to remove task history", "task_id", id, "error", err)
			}
		}
	}

	return r.writePlain("✓ Deleted task %s\n", id)
}

// TaskDownload saves the artifact of a completed task.
func (r *Runner) TaskDownload(ctx context.Context, cmd *cli.Command) error {
	id, err := taskID(cmd)
	if err != nil {
		return err
	}

	task, err := r.api.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task.Status != models.StatusCompleted {
		return fmt.Errorf("%w: task %s is %s, not completed", shared.ErrInvalidArgument, id, task.Status)
	}

	dir := cmd.String("output")
	if dir == "" {
		dir = r.config.Download.Dir
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	path := filepath.Join(dir, models.ArtifactName(*task))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	n, err := r.api.Download(ctx, id, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return fmt.Errorf("download failed: %w", err)
	}

	r.logger.Info("downloaded artifact", "task_id", id, "path", path, "bytes", n)
	return r.writePlain("✓ Saved %s (%s)\n", path, shared.FormatFileSize(n))
}

// TaskDownloadAll downloads the artifacts of the given tasks, or of every completed task.
func (r *Runner) TaskDownloadAll(ctx context.Context, cmd *cli.Command) error {
	ids := cmd.Args().Slice()
	if len(ids) == 0 {
		found, err := r.api.ListTasks(ctx)
		if err != nil {
			return err
		}
		for _, task := range found {
			if task.Status == models.StatusCompleted {
				ids = append(ids, task.TaskID)
			}
		}
	}
	if len(ids) == 0 {
		return r.writePlain("No completed tasks to download\n")
	}

	opts := tasks.BulkDownloadOpts{
		OutputDir:  cmd.String("output"),
		NumWorkers: cmd.Int("workers"),
		RateLimit:  cmd.Float("rate"),
	}
	if opts.OutputDir == "" {
		opts.OutputDir = r.config.Download.Dir
	}
	if opts.NumWorkers == 0 {
		opts.NumWorkers = r.config.Download.NumWorkers
	}
	if opts.RateLimit == 0 {
		opts.RateLimit = r.config.Download.RateLimit
	}

	r.logger.Info("bulk download", "tasks", len(ids), "dir", opts.OutputDir, "workers", opts.NumWorkers)
	r.writePlain("Downloading %d task artifacts...\n", len(ids))

	progressCh, stop := r.progressPrinter()
	report, err := r.engine.BulkDownload(ctx, progressCh, ids, opts)
	stop()
	if err != nil {
		return err
	}

	r.writePlainln("")
	r.writePlainHeader("Download Complete")
	r.writePlain("Succeeded: %d/%d\n", report.Succeeded, report.Total)
	if report.Failed > 0 {
		r.writePlain("Failed: %d\n", report.Failed)
	}
	r.writePlain("Output: %s\n", report.OutputDir)
	if report.ManifestPath != "" {
		r.writePlain("Manifest: %s\n", report.ManifestPath)
	}
	return nil
}

// TaskPreview prints the backend's preview of a task.
func (r *Runner) TaskPreview(ctx context.Context, cmd *cli.Command) error {
	id, err := taskID(cmd)
	if err != nil {
		return err
	}

	preview, err := r.api.Preview(ctx, id)
	if err != nil {
		return err
	}
	return r.writeJSON(preview, true)
}

// TaskOpen opens the manual of a completed task in the browser.
func (r *Runner) TaskOpen(ctx context.Context, cmd *cli.Command) error {
	id, err := taskID(cmd)
	if err != nil {
		return err
	}

	task, err := r.api.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task.Result == nil || task.Result.ManualURL == "" {
		return fmt.Errorf("%w: task %s has no manual yet (%s)", shared.ErrInvalidArgument, id, task.Status)
	}

	target, err := r.manualURL(task.Result.ManualURL)
	if err != nil {
		return err
	}

	r.writePlain("Opening %s\n", target)
	return shared.OpenBrowser(target)
}

// manualURL resolves a manual link, which the backend may return relative to its host.
func (r *Runner) manualURL(link string) (string, error) {
	base, err := url.Parse(r.api.BaseURL())
	if err != nil {
		return "", fmt.Errorf("%w: %v", shared.ErrInvalidConfig, err)
	}
	ref, err := url.Parse(link)
	if err != nil {
		return "", fmt.Errorf("%w: manual url %q", shared.ErrUnexpectedResponse, link)
	}
	return base.ResolveReference(ref).String(), nil
}

// History lists the tasks recorded by earlier runs.
func (r *Runner) History(ctx context.Context, cmd *cli.Command) error {
	if err := r.requireHistory(); err != nil {
		return err
	}

	criteria := map[string]any{"limit": cmd.Int("limit")}
	if status := cmd.String("status"); status != "" {
		criteria["status"] = status
	}

	records, err := r.tasks.List(criteria)
	if err != nil {
		return err
	}

	found := make([]models.GenerationTask, len(records))
	for i, rec := range records {
		found[i] = rec.Snapshot()
	}
	return r.writeTasks(found, cmd.String("format"))
}
