package tasks

import (
	"fmt"

	"github.com/desertthunder/genx/internal/models"
)

// ProgressUpdate represents a progress event during a long-running operation.
//
// Used to send real-time updates to the CLI or UI layer for display.
type ProgressUpdate struct {
	Phase   Phase  // Operation phase
	Step    int    // Current step number within phase
	Total   int    // Total steps in this phase
	Message string // Human-readable message for display
	Data    any    // Optional phase-specific data for advanced UIs
}

// Operation phase enumeration
type Phase int

const (
	UploadFiles Phase = iota
	SubmitTask
	TrackTask
	DownloadArtifacts
)

func (p Phase) String() string {
	switch p {
	case UploadFiles:
		return "upload"
	case SubmitTask:
		return "submit"
	case TrackTask:
		return "track"
	case DownloadArtifacts:
		return "download"
	default:
		return ""
	}
}

func uploadingUpdate(percent, files int) ProgressUpdate {
	return ProgressUpdate{
		Phase:   UploadFiles,
		Step:    percent,
		Total:   100,
		Message: fmt.Sprintf("Uploading %d files... %d%%", files, percent),
	}
}

func uploadedUpdate(res *models.UploadResult) ProgressUpdate {
	return ProgressUpdate{
		Phase:   UploadFiles,
		Step:    100,
		Total:   100,
		Message: fmt.Sprintf("Uploaded %d PDF and %d model files", len(res.PDFFiles), len(res.ModelFiles)),
		Data:    res,
	}
}

func submittedUpdate(res *models.SubmitResult) ProgressUpdate {
	return ProgressUpdate{
		Phase:   SubmitTask,
		Step:    1,
		Total:   1,
		Message: fmt.Sprintf("Task submitted (ID: %s)", res.TaskID),
		Data:    res,
	}
}

func trackUpdate(task models.GenerationTask) ProgressUpdate {
	msg := fmt.Sprintf("[%3d%%] %s", task.Progress, task.Status)
	if task.Message != "" {
		msg += ": " + task.Message
	}
	return ProgressUpdate{
		Phase:   TrackTask,
		Step:    task.Progress,
		Total:   100,
		Message: msg,
		Data:    task,
	}
}

func downloadingUpdate(step, total int, taskID string) ProgressUpdate {
	return ProgressUpdate{
		Phase:   DownloadArtifacts,
		Step:    step,
		Total:   total,
		Message: fmt.Sprintf("[%d/%d] Downloading: %s...", step, total, taskID),
	}
}

func downloadCompletedUpdate(step, total int, item models.DownloadItem) ProgressUpdate {
	return ProgressUpdate{
		Phase:   DownloadArtifacts,
		Step:    step,
		Total:   total,
		Message: fmt.Sprintf("[%d/%d] ✓ %s (%d bytes)", step, total, item.TaskID, item.Bytes),
		Data:    item,
	}
}

func downloadFailedUpdate(step, total int, item models.DownloadItem) ProgressUpdate {
	return ProgressUpdate{
		Phase:   DownloadArtifacts,
		Step:    step,
		Total:   total,
		Message: fmt.Sprintf("[%d/%d] ✗ %s: %s", step, total, item.TaskID, item.Error),
		Data:    item,
	}
}
