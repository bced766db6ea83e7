// Package ui implements an interactive terminal interface using bubbletea's Elm architecture.
//
// The TUI provides a multi-view workflow for generation tasks:
//  1. [TaskListView] : Browse the backend's tasks, refresh or pick one
//  2. [ConfirmDeleteView] : Confirm deleting the selected task
//  3. [WatchView] : Follow the selected task live through the synchronizer
//  4. [ResultView] : Show the finished task or the backend's failure message
//
// The (view) [Model] implements bubbletea/Elm's standard Init/Update/View pattern, receiving messages via the Msg union type.
// Watch progress flows through a channel from [tasks.Engine.Watch], providing non-blocking status reporting.
// Leaving the watch view cancels the tracking.
//
// Keyboard navigation uses vim-style bindings (j/k, enter, esc, r, x, y/n, q) with contextual help displayed via charmbracelet/bubbles/help.
package ui
