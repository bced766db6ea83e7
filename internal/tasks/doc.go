// Package tasks keeps the local view of remote generation tasks in sync with the backend.
//
// # Channels
//
// Two independent channels observe a task:
//
//  1. [StartPoll] : fetches the task snapshot on an interval
//     - Fetches never overlap; the next one is scheduled after the current settles
//     - Consecutive failures back off exponentially up to [PollOptions.MaxInterval]
//     - Stops by itself on a terminal snapshot
//
//  2. [PushChannel] : one websocket subscription per task
//     - idle -> connecting -> open -> closed, never reopened
//     - Bare snapshots and typed progress/completion events are both accepted
//     - Malformed messages are reported and the connection stays open
//
// # Synchronizer
//
// [Synchronizer] runs both channels for every tracked task and merges them into
// one ordered stream. Each task is owned by a single event loop goroutine, so
// callbacks for one task never run concurrently. [Compare] decides which
// snapshots are accepted; the first accepted terminal snapshot ends tracking,
// tears both channels down and fires exactly one of OnComplete or OnError.
//
// Closed push channels are replaced according to a [Reconnector]. Accepted
// snapshots can be persisted through a [SnapshotStore]
// (repositories.TaskRepository).
//
// # Workflows
//
// [Engine] composes the task service and the synchronizer into the CLI and TUI
// workflows ([Engine.Generate], [Engine.Watch], [Engine.BulkDownload]). All of
// them report [ProgressUpdate]s on an optional channel; updates use select with
// default so progress reporting never blocks.
package tasks
