package tasks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/desertthunder/genx/internal/formatter"
	"github.com/desertthunder/genx/internal/models"
	"github.com/desertthunder/genx/internal/shared"
	"golang.org/x/time/rate"
)

const (
	defaultDownloadWorkers = 4
	maxDownloadWorkers     = 8
	defaultDownloadRate    = 5.0
	manifestName           = "download_manifest.json"
)

// BulkDownloadOpts contains configuration for bulk artifact downloads.
type BulkDownloadOpts struct {
	OutputDir  string  // Base output directory (default: genx_download_{epoch})
	NumWorkers int     // Concurrent workers (default: 4, max: 8)
	RateLimit  float64 // Requests per second (default: 5)
}

type downloadJob struct {
	task models.GenerationTask
	path string
}

// BulkDownload downloads the artifacts of many completed tasks concurrently.
//
// Each task is fetched first to check that it completed and to name its file.
// Failures are recorded per task and never abort the run. A JSON manifest of
// the results is written to the output directory.
func (e *Engine) BulkDownload(
	ctx context.Context,
	prog chan<- ProgressUpdate,
	ids []string,
	opts BulkDownloadOpts,
) (*models.DownloadReport, error) {
	if e.api == nil {
		return nil, fmt.Errorf("%w: task service not initialized", shared.ErrServiceUnavailable)
	}

	if opts.OutputDir == "" {
		opts.OutputDir = fmt.Sprintf("genx_download_%d", time.Now().Unix())
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = defaultDownloadWorkers
	}
	if opts.NumWorkers > maxDownloadWorkers {
		opts.NumWorkers = maxDownloadWorkers
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = defaultDownloadRate
	}

	if err := os.MkdirAll(opts.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	report := &models.DownloadReport{
		OutputDir: opts.OutputDir,
		Total:     len(ids),
		Items:     make([]models.DownloadItem, 0, len(ids)),
	}

	limiter := rate.NewLimiter(rate.Limit(opts.RateLimit), 1)

	jobs := make(chan downloadJob, len(ids))
	results := make(chan models.DownloadItem, len(ids))

	var wg sync.WaitGroup
	for i := 0; i < opts.NumWorkers; i++ {
		wg.Add(1)
		go e.downloadWorker(ctx, &wg, limiter, jobs, results)
	}

	go func() {
		defer close(jobs)
		for i, id := range ids {
			if err := limiter.Wait(ctx); err != nil {
				for _, rest := range ids[i:] {
					results <- models.DownloadItem{TaskID: rest, Error: err.Error()}
				}
				return
			}

			e.sendProgress(prog, downloadingUpdate(i+1, len(ids), id))

			task, err := e.api.GetTask(ctx, id)
			switch {
			case err != nil:
				results <- models.DownloadItem{TaskID: id, Error: fmt.Sprintf("failed to fetch task: %v", err)}
			case task.Status != models.StatusCompleted:
				results <- models.DownloadItem{TaskID: id, Error: fmt.Sprintf("task is %s, not completed", task.Status)}
			default:
				jobs <- downloadJob{task: *task, path: filepath.Join(opts.OutputDir, models.ArtifactName(*task))}
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	completed := 0
	for res := range results {
		completed++
		report.Items = append(report.Items, res)

		if res.Success {
			report.Succeeded++
			e.sendProgress(prog, downloadCompletedUpdate(completed, len(ids), res))
		} else {
			report.Failed++
			e.sendProgress(prog, downloadFailedUpdate(completed, len(ids), res))
		}
	}

	sort.Slice(report.Items, func(i, j int) bool { return report.Items[i].TaskID < report.Items[j].TaskID })

	manifestPath := filepath.Join(opts.OutputDir, manifestName)
	if err := formatter.WriteDownloadManifest(report, manifestPath); err != nil {
		return report, fmt.Errorf("download completed but failed to write manifest: %w", err)
	}
	report.ManifestPath = manifestPath
	return report, ctx.Err()
}

// downloadWorker downloads artifacts from the jobs channel.
func (e *Engine) downloadWorker(
	ctx context.Context,
	wg *sync.WaitGroup,
	limiter *rate.Limiter,
	jobs <-chan downloadJob,
	results chan<- models.DownloadItem,
) {
	defer wg.Done()

	for job := range jobs {
		if err := limiter.Wait(ctx); err != nil {
			results <- models.DownloadItem{TaskID: job.task.TaskID, Error: err.Error()}
			continue
		}
		results <- e.downloadOne(ctx, job)
	}
}

// downloadOne streams one artifact to disk, removing the partial file on failure.
func (e *Engine) downloadOne(ctx context.Context, j downloadJob) models.DownloadItem {
	item := models.DownloadItem{TaskID: j.task.TaskID}

	f, err := os.Create(j.path)
	if err != nil {
		item.Error = fmt.Sprintf("failed to create file: %v", err)
		return item
	}

	n, err := e.api.Download(ctx, j.task.TaskID, f)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		os.Remove(j.path)
		item.Error = err.Error()
		return item
	}

	item.Path = j.path
	item.Bytes = n
	item.Success = true
	return item
}
