package ui

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/desertthunder/genx/internal/formatter"
	"github.com/desertthunder/genx/internal/models"
	"github.com/desertthunder/genx/internal/services"
	"github.com/desertthunder/genx/internal/tasks"
)

// ViewState represents the current view in the TUI.
type ViewState int

const (
	TaskListView ViewState = iota
	ConfirmDeleteView
	WatchView
	ResultView
)

const barWidth = 40

// Model represents the TUI application state.
type Model struct {
	ctx          context.Context
	view         ViewState
	api          services.TaskService
	engine       *tasks.Engine
	width        int
	height       int
	taskList     list.Model
	tasks        []models.GenerationTask
	selected     *models.GenerationTask
	progressChan chan tasks.ProgressUpdate
	done         chan Msg
	cancelWatch  context.CancelFunc
	watchSeq     int
	progress     tasks.ProgressUpdate
	result       *models.GenerationTask
	status       string
	err          error
	help         help.Model
	keys         keyMap
}

// NewModel creates a new TUI model with the provided dependencies.
func NewModel(ctx context.Context, api services.TaskService, engine *tasks.Engine) *Model {
	taskList := list.New(nil, list.NewDefaultDelegate(), 0, 0)
	taskList.Title = "Generation Tasks"

	return &Model{
		ctx:      ctx,
		view:     TaskListView,
		api:      api,
		engine:   engine,
		taskList: taskList,
		help:     help.New(),
		keys:     newKeyMap(),
	}
}

// Init initializes the TUI by fetching the backend's tasks.
func (m *Model) Init() tea.Cmd {
	return m.fetchTasks()
}

// Update handles incoming messages and updates the model state.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.taskList.SetSize(msg.Width-4, msg.Height-8)
		return m, nil

	case tea.KeyMsg:
		switch m.view {
		case TaskListView:
			return m.handleTaskListKeys(msg)
		case ConfirmDeleteView:
			return m.handleConfirmKeys(msg)
		case WatchView:
			return m.handleWatchKeys(msg)
		case ResultView:
			return m.handleResultKeys(msg)
		}

	case Msg:
		return m.handleMsg(msg)
	}

	return m.updateList(msg)
}

func (m *Model) handleMsg(msg Msg) (tea.Model, tea.Cmd) {
	switch msg.kind {
	case MsgTasksFetched:
		data := msg.data.(tasksFetched)
		if data.err != nil {
			m.err = data.err
			return m, nil
		}
		m.err = nil
		m.tasks = data.tasks
		return m, m.taskList.SetItems(taskItems(data.tasks))

	case MsgProgressUpdate:
		if m.view != WatchView || msg.seq != m.watchSeq {
			return m, nil
		}
		m.progress = msg.data.(tasks.ProgressUpdate)
		return m, m.waitForProgress()

	case MsgWatchComplete:
		if m.view != WatchView || msg.seq != m.watchSeq {
			return m, nil
		}
		data := msg.data.(watchComplete)
		m.result = data.task
		m.err = data.err
		m.view = ResultView
		m.stopWatch()
		return m, nil

	case MsgTaskDeleted:
		data := msg.data.(taskDeleted)
		if data.err != nil {
			m.status = styles.err.Render(fmt.Sprintf("✗ delete %s: %v", data.taskID, data.err))
		} else {
			m.status = styles.ok.Render(fmt.Sprintf("✓ deleted %s", data.taskID))
		}
		return m, m.fetchTasks()
	}
	return m, nil
}

// View renders the UI based on the current view state.
func (m *Model) View() string {
	if m.err != nil && m.view == TaskListView {
		return styles.err.Render(fmt.Sprintf("Error: %v\n\nPress r to retry, q to quit", m.err))
	}

	switch m.view {
	case TaskListView:
		return m.renderTaskList()
	case ConfirmDeleteView:
		return m.renderConfirm()
	case WatchView:
		return m.renderWatch()
	case ResultView:
		return m.renderResult()
	default:
		return ""
	}
}

func (m *Model) handleTaskListKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.taskList.FilterState() == list.Filtering {
		return m.updateList(msg)
	}

	switch {
	case key.Matches(msg, m.keys.quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.refresh):
		m.status = ""
		return m, m.fetchTasks()
	case key.Matches(msg, m.keys.watch):
		if item, ok := m.taskList.SelectedItem().(taskItem); ok {
			m.selected = &item.task
			m.view = WatchView
			return m, m.startWatch(item.task.TaskID)
		}
	case key.Matches(msg, m.keys.remove):
		if item, ok := m.taskList.SelectedItem().(taskItem); ok {
			m.selected = &item.task
			m.view = ConfirmDeleteView
			return m, nil
		}
	}

	return m.updateList(msg)
}

func (m *Model) handleConfirmKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.yes):
		m.view = TaskListView
		return m, m.deleteTask(m.selected.TaskID)
	case key.Matches(msg, m.keys.no), key.Matches(msg, m.keys.back), key.Matches(msg, m.keys.quit):
		m.view = TaskListView
	}
	return m, nil
}

func (m *Model) handleWatchKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.quit):
		m.stopWatch()
		return m, tea.Quit
	case key.Matches(msg, m.keys.back):
		m.stopWatch()
		m.view = TaskListView
		return m, m.fetchTasks()
	}
	return m, nil
}

func (m *Model) handleResultKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.back), key.Matches(msg, m.keys.refresh):
		m.view = TaskListView
		m.selected = nil
		m.result = nil
		m.err = nil
		m.progress = tasks.ProgressUpdate{}
		return m, m.fetchTasks()
	}
	return m, nil
}

func (m *Model) updateList(msg tea.Msg) (tea.Model, tea.Cmd) {
	if m.view != TaskListView {
		return m, nil
	}
	var cmd tea.Cmd
	m.taskList, cmd = m.taskList.Update(msg)
	return m, cmd
}

func (m *Model) fetchTasks() tea.Cmd {
	return func() tea.Msg {
		found, err := m.api.ListTasks(m.ctx)
		return tasksFetchedMsg(found, err)
	}
}

func (m *Model) deleteTask(taskID string) tea.Cmd {
	return func() tea.Msg {
		return taskDeletedMsg(taskID, m.api.DeleteTask(m.ctx, taskID))
	}
}

// startWatch tracks taskID through the engine until it finishes or the view is left.
func (m *Model) startWatch(taskID string) tea.Cmd {
	ctx, cancel := context.WithCancel(m.ctx)
	progress := make(chan tasks.ProgressUpdate, 50)
	done := make(chan Msg, 1)

	m.watchSeq++
	m.cancelWatch = cancel
	m.progressChan = progress
	m.done = done
	m.progress = tasks.ProgressUpdate{}

	go func() {
		task, err := m.engine.Watch(ctx, progress, taskID)
		done <- watchCompleteMsg(task, err)
	}()

	return m.waitForProgress()
}

func (m *Model) stopWatch() {
	if m.cancelWatch != nil {
		m.cancelWatch()
		m.cancelWatch = nil
	}
	m.progressChan = nil
	m.done = nil
}

func (m *Model) waitForProgress() tea.Cmd {
	progress, done, seq := m.progressChan, m.done, m.watchSeq
	if progress == nil {
		return nil
	}
	return func() tea.Msg {
		var msg Msg
		select {
		case update := <-progress:
			msg = progressUpdateMsg(update)
		case msg = <-done:
		}
		msg.seq = seq
		return msg
	}
}

func (m *Model) renderTaskList() string {
	helpKeys := []key.Binding{m.keys.watch, m.keys.remove, m.keys.refresh, m.keys.quit}
	helpView := m.help.ShortHelpView(helpKeys)
	summary := styles.help.Render(formatter.StatusCounts(m.tasks))
	if m.status != "" {
		summary = fmt.Sprintf("%s  %s", summary, m.status)
	}
	return fmt.Sprintf("%s\n%s\n\n%s", m.taskList.View(), summary, helpView)
}

func (m *Model) renderConfirm() string {
	title := styles.title.Render(fmt.Sprintf("Delete task %s?", m.selected.TaskID))
	info := fmt.Sprintf("\nStatus: %s\nProgress: %d%%\n", styles.Status(m.selected.Status), m.selected.Progress)

	helpKeys := []key.Binding{m.keys.yes, m.keys.no}
	helpView := m.help.ShortHelpView(helpKeys)

	return fmt.Sprintf("%s\n%s\n%s", title, info, helpView)
}

func (m *Model) renderWatch() string {
	title := styles.title.Render(fmt.Sprintf("Watching %s", m.selected.TaskID))

	status := "Connecting..."
	if task, ok := m.progress.Data.(models.GenerationTask); ok {
		status = styles.Status(task.Status)
		if task.Message != "" {
			status = fmt.Sprintf("%s • %s", status, task.Message)
		}
	}

	helpKeys := []key.Binding{m.keys.back, m.keys.quit}
	helpView := m.help.ShortHelpView(helpKeys)

	return fmt.Sprintf("%s\n\n%s %3d%%\n%s\n\n%s", title, styles.Bar(m.progress.Step, barWidth), m.progress.Step, status, helpView)
}

func (m *Model) renderResult() string {
	helpKeys := []key.Binding{m.keys.back, m.keys.quit}
	helpView := m.help.ShortHelpView(helpKeys)

	var failed *tasks.TaskFailedError
	switch {
	case errors.As(m.err, &failed):
		return fmt.Sprintf("%s\n\n%s",
			styles.err.Render(fmt.Sprintf("✗ Task %s failed: %s", failed.Task.TaskID, failed.Error())), helpView)
	case m.err != nil:
		return fmt.Sprintf("%s\n\n%s", styles.err.Render(fmt.Sprintf("Watch failed: %v", m.err)), helpView)
	case m.result == nil:
		return fmt.Sprintf("%s\n\n%s", styles.err.Render("No result available"), helpView)
	}

	report, err := formatter.TaskToText(*m.result)
	if err != nil {
		report = []byte(err.Error())
	}
	title := styles.ok.Render("✓ Task Complete!")
	return fmt.Sprintf("%s\n\n%s\n%s", title, report, helpView)
}
