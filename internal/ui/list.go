package ui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/list"
	"github.com/desertthunder/genx/internal/models"
)

var _ list.Item = taskItem{}

// taskItem wraps [models.GenerationTask] to implement [list.Item].
type taskItem struct {
	task models.GenerationTask
}

func (i taskItem) FilterValue() string { return i.task.TaskID }
func (i taskItem) Title() string {
	return fmt.Sprintf("%s  %s", i.task.TaskID, styles.Status(i.task.Status))
}
func (i taskItem) Description() string {
	desc := fmt.Sprintf("%d%%", i.task.Progress)
	if i.task.Message != "" {
		desc = fmt.Sprintf("%s • %s", desc, i.task.Message)
	}
	if !i.task.UpdatedAt.IsZero() {
		desc = fmt.Sprintf("%s • %s", desc, i.task.UpdatedAt.Local().Format("Jan 2 15:04:05"))
	}
	return desc
}

func taskItems(tasks []models.GenerationTask) []list.Item {
	items := make([]list.Item, len(tasks))
	for i, task := range tasks {
		items[i] = taskItem{task: task}
	}
	return items
}
