// Package repositories implements SQLite persistence for the local task history.
//
// Each repository handles CRUD operations for one entity type. Task records use
// atomic sequence generation for human-readable ordering and support soft deletes
// via deleted_at timestamps; deleted records are excluded from queries by default.
//
// Key Implementations:
//   - [TaskRepository] : last accepted snapshot per backend task, also used as the
//     synchronizer's snapshot store
//   - [UploadRepository] : files uploaded through this client, keyed by backend file id
//   - [UploadCacheAdapter] : records upload results and ignores files already known
//
// The [NextSequence] function atomically increments per-table sequence counters in dedicated sequence tables.
package repositories
