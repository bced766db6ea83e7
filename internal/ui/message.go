package ui

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/desertthunder/genx/internal/models"
	"github.com/desertthunder/genx/internal/tasks"
)

// MsgKind enumerates all message types in the application.
type MsgKind int

// Msg represents all possible messages in the TUI (Elm-style message union).
//
// seq ties watch messages to the watch that produced them.
type Msg struct {
	kind MsgKind
	data any
	seq  int
}

var (
	_ tea.Msg = Msg{}
)

const (
	MsgTasksFetched MsgKind = iota
	MsgProgressUpdate
	MsgWatchComplete
	MsgTaskDeleted
)

type tasksFetched struct {
	tasks []models.GenerationTask
	err   error
}

type watchComplete struct {
	task *models.GenerationTask
	err  error
}

type taskDeleted struct {
	taskID string
	err    error
}

// tasksFetchedMsg is the constructor for [MsgTasksFetched]
func tasksFetchedMsg(list []models.GenerationTask, err error) Msg {
	return Msg{kind: MsgTasksFetched, data: tasksFetched{list, err}}
}

// progressUpdateMsg is the constructor for [MsgProgressUpdate]
func progressUpdateMsg(update tasks.ProgressUpdate) Msg {
	return Msg{kind: MsgProgressUpdate, data: update}
}

// watchCompleteMsg is the constructor for [MsgWatchComplete]
func watchCompleteMsg(task *models.GenerationTask, err error) Msg {
	return Msg{kind: MsgWatchComplete, data: watchComplete{task, err}}
}

// taskDeletedMsg is the constructor for [MsgTaskDeleted]
func taskDeletedMsg(taskID string, err error) Msg {
	return Msg{kind: MsgTaskDeleted, data: taskDeleted{taskID, err}}
}
