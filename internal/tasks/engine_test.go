package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/desertthunder/genx/internal/formatter"
	"github.com/desertthunder/genx/internal/models"
	"github.com/desertthunder/genx/internal/shared"
	tu "github.com/desertthunder/genx/internal/testing"
)

// fakeService is an in-memory [services.TaskService].
type fakeService struct {
	mu        sync.Mutex
	tasks     map[string]models.GenerationTask
	artifacts map[string]string
	uploadErr error
	submitErr error
	submitted []models.GenerationRequest
	fetcher   *tu.FakeFetcher
}

func newFakeService() *fakeService {
	return &fakeService{tasks: map[string]models.GenerationTask{}, artifacts: map[string]string{}}
}

func (f *fakeService) add(task models.GenerationTask, artifact string) {
	f.tasks[task.TaskID] = task
	if artifact != "" {
		f.artifacts[task.TaskID] = artifact
	}
}

func (f *fakeService) Health(context.Context) (map[string]any, error) {
	return map[string]any{"status": "healthy"}, nil
}

func (f *fakeService) Upload(_ context.Context, pdfs, modelPaths []string, onProgress func(int)) (*models.UploadResult, error) {
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	for _, p := range []int{0, 50, 100} {
		onProgress(p)
	}
	res := &models.UploadResult{}
	for i, p := range pdfs {
		res.PDFFiles = append(res.PDFFiles, models.UploadedFile{ID: fmt.Sprintf("pdf-%d", i), Filename: filepath.Base(p)})
	}
	for i, p := range modelPaths {
		res.ModelFiles = append(res.ModelFiles, models.UploadedFile{ID: fmt.Sprintf("model-%d", i), Filename: filepath.Base(p)})
	}
	return res, nil
}

func (f *fakeService) Submit(_ context.Context, req models.GenerationRequest) (*models.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.submitted = append(f.submitted, req)
	return &models.SubmitResult{TaskID: "t1"}, nil
}

func (f *fakeService) GetTask(ctx context.Context, taskID string) (*models.GenerationTask, error) {
	if f.fetcher != nil {
		return f.fetcher.GetTask(ctx, taskID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, shared.ErrTaskNotFound)
	}
	return &task, nil
}

func (f *fakeService) ListTasks(context.Context) ([]models.GenerationTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.GenerationTask, 0, len(f.tasks))
	for _, task := range f.tasks {
		out = append(out, task)
	}
	return out, nil
}

func (f *fakeService) DeleteTask(_ context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tasks, taskID)
	return nil
}

func (f *fakeService) Download(_ context.Context, taskID string, w io.Writer) (int64, error) {
	f.mu.Lock()
	body, ok := f.artifacts[taskID]
	f.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: no artifact", shared.ErrAPIRequest)
	}
	return io.Copy(w, strings.NewReader(body))
}

func (f *fakeService) Preview(context.Context, string) (any, error) { return nil, nil }
func (f *fakeService) TaskSocketURL(taskID string) string           { return "ws://127.0.0.1:1/ws/task/" + taskID }

func drain(ch chan ProgressUpdate) func() []ProgressUpdate {
	var (
		mu      sync.Mutex
		updates []ProgressUpdate
		done    = make(chan struct{})
	)
	go func() {
		defer close(done)
		for u := range ch {
			mu.Lock()
			updates = append(updates, u)
			mu.Unlock()
		}
	}()
	return func() []ProgressUpdate {
		close(ch)
		<-done
		mu.Lock()
		defer mu.Unlock()
		return updates
	}
}

func TestEngineGenerate(t *testing.T) {
	t.Run("upload and submit", func(t *testing.T) {
		svc := newFakeService()
		engine := NewEngine(svc, nil)
		progress := make(chan ProgressUpdate, 100)
		collect := drain(progress)

		res, err := engine.Generate(context.Background(), progress, GenerateOpts{
			PDFPaths:   []string{"/tmp/a.pdf", "/tmp/b.pdf"},
			ModelPaths: []string{"/tmp/part.step"},
			Config:     models.DefaultGenerationConfig(),
		})
		updates := collect()
		if err != nil {
			t.Fatalf("Generate() error = %v", err)
		}
		if res.Submit.TaskID != "t1" || res.Task != nil {
			t.Errorf("result = %+v", res)
		}

		req := svc.submitted[0]
		if strings.Join(req.PDFFiles, ",") != "pdf-0,pdf-1" || strings.Join(req.ModelFiles, ",") != "model-0" {
			t.Errorf("submitted ids = %v %v", req.PDFFiles, req.ModelFiles)
		}

		var phases []string
		for _, u := range updates {
			if len(phases) == 0 || phases[len(phases)-1] != u.Phase.String() {
				phases = append(phases, u.Phase.String())
			}
		}
		if strings.Join(phases, ",") != "upload,submit" {
			t.Errorf("phases = %v", phases)
		}
	})

	t.Run("invalid config", func(t *testing.T) {
		engine := NewEngine(newFakeService(), nil)
		_, err := engine.Generate(context.Background(), nil, GenerateOpts{
			PDFPaths: []string{"a.pdf"},
			Config:   models.GenerationConfig{Focus: "everything"},
		})
		if !errors.Is(err, shared.ErrInvalidInput) {
			t.Errorf("error = %v, want ErrInvalidInput", err)
		}
	})

	t.Run("model files only", func(t *testing.T) {
		svc := newFakeService()
		res, err := NewEngine(svc, nil).Generate(context.Background(), nil, GenerateOpts{
			ModelPaths: []string{"/tmp/a.step"},
			Config:     models.DefaultGenerationConfig(),
		})
		if err != nil {
			t.Fatalf("Generate() error = %v", err)
		}
		if res.Submit.TaskID != "t1" {
			t.Errorf("result = %+v", res)
		}

		req := svc.submitted[0]
		if len(req.PDFFiles) != 0 || strings.Join(req.ModelFiles, ",") != "model-0" {
			t.Errorf("submitted ids = %v %v", req.PDFFiles, req.ModelFiles)
		}
		if err := req.Validate(); err != nil {
			t.Errorf("submitted request is invalid: %v", err)
		}
	})

	t.Run("no files fails before upload", func(t *testing.T) {
		svc := newFakeService()
		svc.uploadErr = errors.New("upload must not run")
		_, err := NewEngine(svc, nil).Generate(context.Background(), nil, GenerateOpts{
			Config: models.DefaultGenerationConfig(),
		})
		if !errors.Is(err, shared.ErrInvalidInput) {
			t.Errorf("error = %v, want ErrInvalidInput", err)
		}
		if len(svc.submitted) != 0 {
			t.Errorf("submitted = %v", svc.submitted)
		}
	})

	t.Run("upload failure", func(t *testing.T) {
		svc := newFakeService()
		svc.uploadErr = shared.ErrServiceUnavailable
		_, err := NewEngine(svc, nil).Generate(context.Background(), nil, GenerateOpts{
			PDFPaths: []string{"a.pdf"},
			Config:   models.DefaultGenerationConfig(),
		})
		if !errors.Is(err, shared.ErrServiceUnavailable) {
			t.Errorf("error = %v", err)
		}
	})

	t.Run("submit failure keeps upload", func(t *testing.T) {
		svc := newFakeService()
		svc.submitErr = errors.New("文件不存在")
		res, err := NewEngine(svc, nil).Generate(context.Background(), nil, GenerateOpts{
			PDFPaths: []string{"a.pdf"},
			Config:   models.DefaultGenerationConfig(),
		})
		if err == nil || !strings.Contains(err.Error(), "文件不存在") {
			t.Errorf("error = %v", err)
		}
		if res == nil || res.Upload == nil {
			t.Error("upload result should be returned")
		}
	})

	t.Run("watch until completed", func(t *testing.T) {
		svc := newFakeService()
		svc.fetcher = tu.NewFakeFetcher(
			snap(tu.Snapshot("t1", models.StatusProcessing, 40, 0)),
			snap(tu.Snapshot("t1", models.StatusCompleted, 100, time.Second)),
		)
		syncer := NewSynchronizer(svc, SyncOptions{Poll: fastPoll, DisablePush: true})
		progress := make(chan ProgressUpdate, 100)
		collect := drain(progress)

		res, err := NewEngine(svc, syncer).Generate(context.Background(), progress, GenerateOpts{
			PDFPaths: []string{"a.pdf"},
			Config:   models.DefaultGenerationConfig(),
			Watch:    true,
		})
		updates := collect()
		if err != nil {
			t.Fatalf("Generate() error = %v", err)
		}
		if res.Task == nil || res.Task.Status != models.StatusCompleted {
			t.Errorf("final task = %+v", res.Task)
		}

		var tracked []int
		for _, u := range updates {
			if u.Phase == TrackTask {
				tracked = append(tracked, u.Step)
			}
		}
		if len(tracked) != 2 || tracked[0] != 40 || tracked[1] != 100 {
			t.Errorf("track updates = %v", tracked)
		}
	})

	t.Run("watch reports failed task", func(t *testing.T) {
		failed := tu.Snapshot("t1", models.StatusFailed, 20, 0)
		failed.Message = "out of memory"
		svc := newFakeService()
		svc.fetcher = tu.NewFakeFetcher(snap(failed))
		syncer := NewSynchronizer(svc, SyncOptions{Poll: fastPoll, DisablePush: true})

		task, err := NewEngine(svc, syncer).Watch(context.Background(), nil, "t1")
		var taskErr *TaskFailedError
		if !errors.As(err, &taskErr) {
			t.Fatalf("error = %v, want TaskFailedError", err)
		}
		if task == nil || task.Message != "out of memory" {
			t.Errorf("task = %+v", task)
		}
	})

	t.Run("watch without synchronizer", func(t *testing.T) {
		_, err := NewEngine(newFakeService(), nil).Watch(context.Background(), nil, "t1")
		if !errors.Is(err, shared.ErrServiceUnavailable) {
			t.Errorf("error = %v", err)
		}
	})

	t.Run("nil service", func(t *testing.T) {
		_, err := NewEngine(nil, nil).Generate(context.Background(), nil, GenerateOpts{})
		if !errors.Is(err, shared.ErrServiceUnavailable) {
			t.Errorf("error = %v", err)
		}
	})
}

func TestBulkDownload(t *testing.T) {
	t.Run("downloads completed tasks and records failures", func(t *testing.T) {
		dir := t.TempDir()
		svc := newFakeService()

		named := tu.Snapshot("t2", models.StatusCompleted, 100, 0)
		named.Result = &models.TaskResult{OutputFile: `C:\outputs\t2\manual.zip`}
		svc.add(tu.Snapshot("t1", models.StatusCompleted, 100, 0), "zip-one")
		svc.add(named, "zip-two")
		svc.add(tu.Snapshot("t3", models.StatusProcessing, 50, 0), "")
		svc.add(tu.Snapshot("t4", models.StatusCompleted, 100, 0), "")

		progress := make(chan ProgressUpdate, 100)
		collect := drain(progress)

		report, err := NewEngine(svc, nil).BulkDownload(context.Background(), progress,
			[]string{"t1", "t2", "t3", "t4", "missing"},
			BulkDownloadOpts{OutputDir: dir, NumWorkers: 2, RateLimit: 100})
		updates := collect()
		if err != nil {
			t.Fatalf("BulkDownload() error = %v", err)
		}

		if report.Total != 5 || report.Succeeded != 2 || report.Failed != 3 {
			t.Errorf("counts = %d/%d/%d, want 5/2/3", report.Total, report.Succeeded, report.Failed)
		}
		if got := tu.MustReadFile(t, filepath.Join(dir, "t1.zip")); got != "zip-one" {
			t.Errorf("t1.zip = %q", got)
		}
		tu.AssertFileExists(t, filepath.Join(dir, "t2-manual.zip"))
		if _, err := os.Stat(filepath.Join(dir, "t4.zip")); !os.IsNotExist(err) {
			t.Error("failed download should leave no partial file")
		}

		byID := map[string]models.DownloadItem{}
		for _, item := range report.Items {
			byID[item.TaskID] = item
		}
		if !strings.Contains(byID["t3"].Error, "processing") {
			t.Errorf("t3 error = %q", byID["t3"].Error)
		}
		if !strings.Contains(byID["missing"].Error, "not found") {
			t.Errorf("missing error = %q", byID["missing"].Error)
		}
		if report.Items[0].TaskID != "missing" || report.Items[4].TaskID != "t4" {
			t.Errorf("items should be sorted by task id: %v", report.Items)
		}

		manifestPath := filepath.Join(dir, "download_manifest.json")
		if report.ManifestPath != manifestPath {
			t.Errorf("ManifestPath = %s", report.ManifestPath)
		}
		var manifest formatter.DownloadManifest
		if err := json.Unmarshal([]byte(tu.MustReadFile(t, manifestPath)), &manifest); err != nil {
			t.Fatalf("failed to parse manifest: %v", err)
		}
		if manifest.Succeeded != 2 || len(manifest.Items) != 5 {
			t.Errorf("manifest = %+v", manifest)
		}

		var done int
		for _, u := range updates {
			if u.Phase != DownloadArtifacts {
				t.Errorf("unexpected phase %s", u.Phase)
			}
			if strings.Contains(u.Message, "✓") || strings.Contains(u.Message, "✗") {
				done++
			}
		}
		if done != 5 {
			t.Errorf("completion updates = %d, want 5", done)
		}
	})

	t.Run("task ids cannot escape the output directory", func(t *testing.T) {
		root := t.TempDir()
		dir := filepath.Join(root, "out")
		svc := newFakeService()
		svc.add(tu.Snapshot("../escape", models.StatusCompleted, 100, 0), "zip")

		report, err := NewEngine(svc, nil).BulkDownload(context.Background(), nil,
			[]string{"../escape"}, BulkDownloadOpts{OutputDir: dir, NumWorkers: 1, RateLimit: 100})
		if err != nil {
			t.Fatalf("BulkDownload() error = %v", err)
		}
		if report.Succeeded != 1 {
			t.Fatalf("report = %+v", report)
		}
		if filepath.Dir(report.Items[0].Path) != dir {
			t.Errorf("artifact written to %s, want inside %s", report.Items[0].Path, dir)
		}
		if _, err := os.Stat(filepath.Join(root, "escape.zip")); !os.IsNotExist(err) {
			t.Errorf("artifact escaped the output directory: %v", err)
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		svc := newFakeService()
		svc.add(tu.Snapshot("t1", models.StatusCompleted, 100, 0), "zip")

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		report, err := NewEngine(svc, nil).BulkDownload(ctx, nil, []string{"t1", "t2"},
			BulkDownloadOpts{OutputDir: t.TempDir()})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v, want context.Canceled", err)
		}
		if report == nil || report.Failed != 2 || report.Succeeded != 0 {
			t.Errorf("report = %+v", report)
		}
	})

	t.Run("default output directory", func(t *testing.T) {
		wd := tu.MustGetwd(t)
		tu.MustChdir(t, t.TempDir())
		defer tu.MustChdir(t, wd)

		report, err := NewEngine(newFakeService(), nil).BulkDownload(context.Background(), nil, nil, BulkDownloadOpts{})
		if err != nil {
			t.Fatalf("BulkDownload() error = %v", err)
		}
		if !strings.HasPrefix(report.OutputDir, "genx_download_") {
			t.Errorf("OutputDir = %s", report.OutputDir)
		}
		tu.AssertDirExists(t, report.OutputDir)
	})

	t.Run("nil service", func(t *testing.T) {
		_, err := NewEngine(nil, nil).BulkDownload(context.Background(), nil, []string{"t1"}, BulkDownloadOpts{})
		if !errors.Is(err, shared.ErrServiceUnavailable) {
			t.Errorf("error = %v", err)
		}
	})
}
