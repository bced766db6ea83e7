package models

import (
	"path"
	"strings"
)

// DownloadItem is the outcome of downloading the artifact of one task.
type DownloadItem struct {
	TaskID  string `json:"task_id"`
	Path    string `json:"path,omitempty"`
	Bytes   int64  `json:"bytes"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// DownloadReport summarizes a bulk download.
type DownloadReport struct {
	OutputDir    string         `json:"output_dir"`
	Total        int            `json:"total"`
	Succeeded    int            `json:"succeeded"`
	Failed       int            `json:"failed"`
	Items        []DownloadItem `json:"items"`
	ManifestPath string         `json:"-"`
}

// ArtifactName is the local file name for the artifact of task.
//
// It is "<task_id>.zip" unless the result names an output file, in which
// case that base name is prefixed with the task id. Path separators in the
// task id become underscores so the name never leaves its directory.
func ArtifactName(task GenerationTask) string {
	id := idReplacer.Replace(task.TaskID)
	if task.Result != nil && task.Result.OutputFile != "" {
		if base := path.Base(strings.ReplaceAll(task.Result.OutputFile, `\`, "/")); base != "." && base != "/" {
			return id + "-" + base
		}
	}
	return id + ".zip"
}

var idReplacer = strings.NewReplacer("/", "_", `\`, "_")
