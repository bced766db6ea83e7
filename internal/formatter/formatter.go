// package formatter renders generation tasks as text, tables, CSV, Markdown and JSON manifests
package formatter

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/desertthunder/genx/internal/models"
	"github.com/desertthunder/genx/internal/shared"
)

const timeLayout = "2006-01-02 15:04:05"

func formatTime(ts models.Timestamp) string {
	if ts.IsZero() {
		return "-"
	}
	return ts.Local().Format(timeLayout)
}

func outputFile(task models.GenerationTask) string {
	if task.Result == nil {
		return ""
	}
	return task.Result.OutputFile
}

// TaskLine renders a task as one line for lists: short id, status, progress and message.
func TaskLine(task models.GenerationTask) string {
	id := task.TaskID
	if len(id) > 8 {
		id = id[:8]
	}
	line := fmt.Sprintf("%-8s  %-10s  %3d%%", id, task.Status, shared.ClampPercent(task.Progress))
	if task.Message != "" {
		line += "  " + task.Message
	}
	return line
}

// TaskToText converts a task snapshot to a plain text report
func TaskToText(task models.GenerationTask) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteString(fmt.Sprintf("Task: %s\n", task.TaskID))
	buf.WriteString(fmt.Sprintf("Status: %s\n", task.Status))
	buf.WriteString(fmt.Sprintf("Progress: %d%%\n", shared.ClampPercent(task.Progress)))
	if task.Message != "" {
		buf.WriteString(fmt.Sprintf("Message: %s\n", task.Message))
	}
	buf.WriteString(fmt.Sprintf("Created: %s\n", formatTime(task.CreatedAt)))
	buf.WriteString(fmt.Sprintf("Updated: %s\n", formatTime(task.UpdatedAt)))

	if r := task.Result; r != nil {
		if r.OutputFile != "" {
			buf.WriteString(fmt.Sprintf("Output: %s\n", r.OutputFile))
		}
		if r.ManualURL != "" {
			buf.WriteString(fmt.Sprintf("Manual: %s\n", r.ManualURL))
		}
	}

	return buf.Bytes(), nil
}

// TaskToMarkdown converts a task snapshot to a Markdown summary with its result and statistics
func TaskToMarkdown(task models.GenerationTask) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteString(fmt.Sprintf("# Task %s\n\n", task.TaskID))
	buf.WriteString(fmt.Sprintf("**Status**: %s\n", task.Status))
	buf.WriteString(fmt.Sprintf("**Progress**: %d%%\n", shared.ClampPercent(task.Progress)))
	if task.Message != "" {
		buf.WriteString(fmt.Sprintf("**Message**: %s\n", task.Message))
	}
	buf.WriteString(fmt.Sprintf("**Updated**: %s\n\n", formatTime(task.UpdatedAt)))

	r := task.Result
	if r == nil {
		return buf.Bytes(), nil
	}

	buf.WriteString("## Result\n\n")
	if r.OutputDir != "" {
		buf.WriteString(fmt.Sprintf("- Output directory: `%s`\n", r.OutputDir))
	}
	if r.OutputFile != "" {
		buf.WriteString(fmt.Sprintf("- Output file: `%s`\n", r.OutputFile))
	}
	if r.ManualURL != "" {
		buf.WriteString(fmt.Sprintf("- Manual: [%s](%s)\n", r.ManualURL, r.ManualURL))
	}

	if len(r.Statistics) > 0 {
		buf.WriteString("\n## Statistics\n\n| Key | Value |\n| --- | --- |\n")
		keys := make([]string, 0, len(r.Statistics))
		for k := range r.Statistics {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			buf.WriteString(fmt.Sprintf("| %s | %v |\n", k, r.Statistics[k]))
		}
	}

	if len(r.Files) > 0 {
		buf.WriteString("\n## Files\n\n")
		for i, f := range r.Files {
			buf.WriteString(fmt.Sprintf("%d. `%s`\n", i+1, f))
		}
	}

	return buf.Bytes(), nil
}

// TasksToTable renders tasks as a bordered table
func TasksToTable(tasks []models.GenerationTask) string {
	rows := make([][]string, 0, len(tasks))
	for _, task := range tasks {
		rows = append(rows, []string{
			task.TaskID,
			task.Status.String(),
			strconv.Itoa(shared.ClampPercent(task.Progress)) + "%",
			formatTime(task.UpdatedAt),
			task.Message,
		})
	}

	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers("TASK ID", "STATUS", "PROGRESS", "UPDATED", "MESSAGE").
		Rows(rows...).
		String()
}

// TasksToCSV converts tasks to CSV format with columns: Task ID, Status, Progress, Message, Created, Updated, Output
func TasksToCSV(tasks []models.GenerationTask) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	headers := []string{"Task ID", "Status", "Progress", "Message", "Created", "Updated", "Output"}
	if err := writer.Write(headers); err != nil {
		return nil, fmt.Errorf("failed to write CSV headers: %w", err)
	}

	for _, task := range tasks {
		record := []string{
			task.TaskID,
			task.Status.String(),
			strconv.Itoa(task.Progress),
			task.Message,
			rfc3339(task.CreatedAt),
			rfc3339(task.UpdatedAt),
			outputFile(task),
		}
		if err := writer.Write(record); err != nil {
			return nil, fmt.Errorf("failed to write CSV record: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}

	return buf.Bytes(), nil
}

func rfc3339(ts models.Timestamp) string {
	if ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(time.RFC3339)
}

// WriteTasksCSV writes tasks to a CSV file.
//
// Defaults to tasks.csv as the filename.
func WriteTasksCSV(tasks []models.GenerationTask, path string) (string, error) {
	if path == "" {
		path = "tasks.csv"
	}

	data, err := TasksToCSV(tasks)
	if err != nil {
		return "", fmt.Errorf("failed to generate CSV: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write CSV file: %w", err)
	}
	return path, nil
}

// WriteTaskMarkdown writes the Markdown summary of a task.
//
// Defaults to {task_id}.md as the filename.
func WriteTaskMarkdown(task models.GenerationTask, path string) (string, error) {
	if path == "" {
		path = task.TaskID + ".md"
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("failed to create directory: %w", err)
		}
	}

	data, err := TaskToMarkdown(task)
	if err != nil {
		return "", fmt.Errorf("failed to generate Markdown: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write Markdown file: %w", err)
	}
	return path, nil
}

// DownloadManifest is the JSON document written next to bulk downloads.
type DownloadManifest struct {
	GeneratedAt time.Time             `json:"generated_at"`
	OutputDir   string                `json:"output_dir"`
	Total       int                   `json:"total"`
	Succeeded   int                   `json:"succeeded"`
	Failed      int                   `json:"failed"`
	TotalSize   string                `json:"total_size"`
	Items       []models.DownloadItem `json:"items"`
}

// WriteDownloadManifest writes the manifest of a bulk download to path
func WriteDownloadManifest(report *models.DownloadReport, path string) error {
	var total int64
	for _, item := range report.Items {
		total += item.Bytes
	}

	manifest := DownloadManifest{
		GeneratedAt: time.Now().UTC(),
		OutputDir:   report.OutputDir,
		Total:       report.Total,
		Succeeded:   report.Succeeded,
		Failed:      report.Failed,
		TotalSize:   shared.FormatFileSize(total),
		Items:       report.Items,
	}

	data, err := shared.MarshalJSON(manifest, true)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// StatusCounts tallies tasks per status in lifecycle order, e.g. "2 pending, 1 completed".
func StatusCounts(tasks []models.GenerationTask) string {
	counts := make(map[models.TaskStatus]int)
	for _, t := range tasks {
		counts[t.Status]++
	}

	parts := make([]string, 0, len(models.AllStatuses))
	for _, st := range models.AllStatuses {
		if n := counts[st]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, st))
		}
	}
	if len(parts) == 0 {
		return "no tasks"
	}
	return strings.Join(parts, ", ")
}
