package models

import (
	"errors"
	"fmt"
	"time"
)

// TaskRecord is the locally persisted copy of the last accepted snapshot of a tracked task.
type TaskRecord struct {
	entity
	snapshot GenerationTask
}

// NewTaskRecord creates a record for snapshot with the given sequence number.
func NewTaskRecord(sequence int, snapshot GenerationTask) *TaskRecord {
	return &TaskRecord{entity: newEntity(sequence), snapshot: snapshot}
}

func (r *TaskRecord) TaskID() string             { return r.snapshot.TaskID }
func (r *TaskRecord) Status() TaskStatus         { return r.snapshot.Status }
func (r *TaskRecord) Progress() int              { return r.snapshot.Progress }
func (r *TaskRecord) Message() string            { return r.snapshot.Message }
func (r *TaskRecord) Result() *TaskResult        { return r.snapshot.Result }
func (r *TaskRecord) RemoteCreatedAt() time.Time { return r.snapshot.CreatedAt.Time }
func (r *TaskRecord) RemoteUpdatedAt() time.Time { return r.snapshot.UpdatedAt.Time }

// Snapshot returns the stored task snapshot.
func (r *TaskRecord) Snapshot() GenerationTask { return r.snapshot }

// Apply replaces the stored snapshot. The task id cannot change.
func (r *TaskRecord) Apply(snapshot GenerationTask) error {
	if r.snapshot.TaskID != "" && snapshot.TaskID != r.snapshot.TaskID {
		return fmt.Errorf("cannot apply snapshot of %s to record of %s", snapshot.TaskID, r.snapshot.TaskID)
	}
	r.snapshot = snapshot
	return nil
}

func (r *TaskRecord) Validate() error {
	if err := r.snapshot.Validate(); err != nil {
		return err
	}
	if r.snapshot.Progress < 0 || r.snapshot.Progress > 100 {
		return fmt.Errorf("progress out of range: %d", r.snapshot.Progress)
	}
	return nil
}

// Upload kinds.
const (
	UploadKindPDF   = "pdf"
	UploadKindModel = "model"
)

// UploadRecord remembers a file uploaded through this client.
type UploadRecord struct {
	entity
	kind string
	file UploadedFile
}

// NewUploadRecord creates a record for a stored file of the given kind.
func NewUploadRecord(kind string, file UploadedFile) *UploadRecord {
	rec := &UploadRecord{entity: newEntity(0), kind: kind, file: file}
	rec.SetID(file.ID)
	return rec
}

func (r *UploadRecord) Kind() string       { return r.kind }
func (r *UploadRecord) File() UploadedFile { return r.file }

func (r *UploadRecord) Validate() error {
	if r.file.ID == "" {
		return errors.New("missing file id")
	}
	if r.kind != UploadKindPDF && r.kind != UploadKindModel {
		return fmt.Errorf("unknown upload kind %q", r.kind)
	}
	if r.file.Filename == "" {
		return errors.New("missing filename")
	}
	return nil
}
