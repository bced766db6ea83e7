package repositories

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/desertthunder/genx/internal/models"
	"github.com/desertthunder/genx/internal/shared"
)

const taskColumns = `id, sequence, task_id, status, progress, message, result, remote_created_at, remote_updated_at, created_at, updated_at, deleted_at`

// TaskRepository implements models.Repository[*models.TaskRecord] for the local task history.
//
// It also satisfies tasks.SnapshotStore through [TaskRepository.SaveSnapshot].
type TaskRepository struct {
	db *sql.DB
}

var _ models.Repository[*models.TaskRecord] = (*TaskRepository)(nil)

// NewTaskRepository creates a new TaskRepository with the given database connection
func NewTaskRepository(db *sql.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// Create inserts a new task record with generated ID and sequence
func (r *TaskRepository) Create(rec *models.TaskRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	sequence, err := NextSequence(r.db, "tasks")
	if err != nil {
		return fmt.Errorf("failed to generate sequence: %w", err)
	}

	result, err := encodeResult(rec.Result())
	if err != nil {
		return err
	}

	id := shared.GenerateID()

	query := `
		INSERT INTO tasks (id, sequence, task_id, status, progress, message, result, remote_created_at, remote_updated_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.Exec(query,
		id,
		sequence,
		rec.TaskID(),
		string(rec.Status()),
		rec.Progress(),
		rec.Message(),
		result,
		nullTime(rec.RemoteCreatedAt()),
		nullTime(rec.RemoteUpdatedAt()),
		rec.CreatedAt(),
		rec.UpdatedAt(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}

	rec.SetID(id)
	rec.SetSequence(sequence)
	return nil
}

// Get retrieves a task record by ID, excluding soft-deleted records
func (r *TaskRepository) Get(id string) (*models.TaskRecord, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = ? AND deleted_at IS NULL`
	return r.scanOne(r.db.QueryRow(query, id))
}

// GetByTaskID retrieves a task record by the backend task id
func (r *TaskRepository) GetByTaskID(taskID string) (*models.TaskRecord, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE task_id = ? AND deleted_at IS NULL`
	return r.scanOne(r.db.QueryRow(query, taskID))
}

// Update stores the current snapshot of an existing record
func (r *TaskRepository) Update(rec *models.TaskRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	result, err := encodeResult(rec.Result())
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	rec.SetUpdatedAt(now)

	query := `
		UPDATE tasks
		SET status = ?, progress = ?, message = ?, result = ?, remote_created_at = ?, remote_updated_at = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL
	`

	res, err := r.db.Exec(query,
		string(rec.Status()),
		rec.Progress(),
		rec.Message(),
		result,
		nullTime(rec.RemoteCreatedAt()),
		nullTime(rec.RemoteUpdatedAt()),
		now,
		rec.ID(),
	)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	return expectRow(res, "task", rec.ID())
}

// Delete soft-deletes a task record by ID
func (r *TaskRepository) Delete(id string) error {
	res, err := r.db.Exec(`UPDATE tasks SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return expectRow(res, "task", id)
}

// List retrieves task records matching the given criteria, newest first.
//
// Supported criteria: "status" (string or models.TaskStatus) and "limit" (int).
func (r *TaskRepository) List(criteria map[string]any) ([]*models.TaskRecord, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE deleted_at IS NULL`
	args := []any{}

	switch status := criteria["status"].(type) {
	case string:
		if status != "" {
			st, err := models.ParseTaskStatus(status)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", shared.ErrInvalidArgument, err)
			}
			query += " AND status = ?"
			args = append(args, string(st))
		}
	case models.TaskStatus:
		query += " AND status = ?"
		args = append(args, string(status))
	}

	query += " ORDER BY sequence DESC"

	if limit, ok := criteria["limit"].(int); ok && limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var records []*models.TaskRecord
	for rows.Next() {
		rec, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return records, nil
}

// SaveSnapshot stores the snapshot as the latest state of its task, creating
// the record on first sight. A soft-deleted record is revived.
func (r *TaskRepository) SaveSnapshot(task models.GenerationTask) error {
	rec := models.NewTaskRecord(0, task)
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	result, err := encodeResult(task.Result)
	if err != nil {
		return err
	}

	query := `
		UPDATE tasks
		SET status = ?, progress = ?, message = ?, result = ?, remote_created_at = ?, remote_updated_at = ?, updated_at = ?, deleted_at = NULL
		WHERE task_id = ?
	`

	res, err := r.db.Exec(query,
		string(task.Status),
		task.Progress,
		task.Message,
		result,
		nullTime(task.CreatedAt.Time),
		nullTime(task.UpdatedAt.Time),
		time.Now().UTC(),
		task.TaskID,
	)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	if rows, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	} else if rows > 0 {
		return nil
	}
	return r.Create(rec)
}

type scanner interface {
	Scan(dest ...any) error
}

func (r *TaskRepository) scanOne(row *sql.Row) (*models.TaskRecord, error) {
	rec, err := r.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %w", shared.ErrRecordNotFound)
	}
	return rec, err
}

// scan reads one row of taskColumns into a [models.TaskRecord]
func (r *TaskRepository) scan(s scanner) (*models.TaskRecord, error) {
	var (
		id              string
		sequence        int
		taskID          string
		status          string
		progress        int
		message         sql.NullString
		result          sql.NullString
		remoteCreatedAt sql.NullTime
		remoteUpdatedAt sql.NullTime
		createdAt       time.Time
		updatedAt       time.Time
		deletedAt       sql.NullTime
	)

	err := s.Scan(&id, &sequence, &taskID, &status, &progress, &message, &result,
		&remoteCreatedAt, &remoteUpdatedAt, &createdAt, &updatedAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}

	snapshot := models.GenerationTask{
		TaskID:   taskID,
		Status:   models.TaskStatus(status),
		Progress: progress,
		Message:  message.String,
	}
	if remoteCreatedAt.Valid {
		snapshot.CreatedAt = models.NewTimestamp(remoteCreatedAt.Time)
	}
	if remoteUpdatedAt.Valid {
		snapshot.UpdatedAt = models.NewTimestamp(remoteUpdatedAt.Time)
	}
	if result.Valid && result.String != "" {
		var res models.TaskResult
		if err := shared.UnmarshalJSON([]byte(result.String), &res); err != nil {
			return nil, fmt.Errorf("failed to decode result of task %s: %w", taskID, err)
		}
		snapshot.Result = &res
	}

	rec := models.NewTaskRecord(sequence, snapshot)
	rec.SetID(id)
	rec.SetCreatedAt(createdAt)
	rec.SetUpdatedAt(updatedAt)
	if deletedAt.Valid {
		rec.SetDeletedAt(&deletedAt.Time)
	}
	return rec, nil
}

func encodeResult(res *models.TaskResult) (any, error) {
	if res == nil {
		return nil, nil
	}
	data, err := shared.MarshalJSON(res, false)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return string(data), nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// expectRow fails when an update touched no row.
func expectRow(res sql.Result, entity, id string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s %w or already deleted: %s", entity, shared.ErrRecordNotFound, id)
	}
	return nil
}
