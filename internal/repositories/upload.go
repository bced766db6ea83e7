package repositories

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/desertthunder/genx/internal/models"
	"github.com/desertthunder/genx/internal/shared"
)

// UploadRepository implements models.Repository[*models.UploadRecord].
//
// Uploads are keyed by the backend file id and are removed with a hard delete:
// once the backend forgets a file its id is useless locally.
type UploadRepository struct {
	db *sql.DB
}

var _ models.Repository[*models.UploadRecord] = (*UploadRepository)(nil)

// NewUploadRepository creates a new UploadRepository with the given database connection
func NewUploadRepository(db *sql.DB) *UploadRepository {
	return &UploadRepository{db: db}
}

// Create inserts a new upload record
func (r *UploadRepository) Create(rec *models.UploadRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	file := rec.File()
	query := `INSERT INTO uploads (id, kind, filename, path, size, created_at) VALUES (?, ?, ?, ?, ?, ?)`

	if _, err := r.db.Exec(query, file.ID, rec.Kind(), file.Filename, file.Path, file.Size, rec.CreatedAt()); err != nil {
		return fmt.Errorf("failed to insert upload: %w", err)
	}
	return nil
}

// Get retrieves an upload record by file id
func (r *UploadRepository) Get(id string) (*models.UploadRecord, error) {
	row := r.db.QueryRow(`SELECT id, kind, filename, path, size, created_at FROM uploads WHERE id = ?`, id)
	rec, err := r.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("upload %w", shared.ErrRecordNotFound)
	}
	return rec, err
}

// Update rewrites the stored file metadata
func (r *UploadRepository) Update(rec *models.UploadRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	file := rec.File()
	res, err := r.db.Exec(`UPDATE uploads SET kind = ?, filename = ?, path = ?, size = ? WHERE id = ?`,
		rec.Kind(), file.Filename, file.Path, file.Size, file.ID)
	if err != nil {
		return fmt.Errorf("failed to update upload: %w", err)
	}
	return expectRow(res, "upload", file.ID)
}

// Delete removes an upload record
func (r *UploadRepository) Delete(id string) error {
	res, err := r.db.Exec(`DELETE FROM uploads WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete upload: %w", err)
	}
	return expectRow(res, "upload", id)
}

// List retrieves uploads, newest first. Supported criteria: "kind" (string).
func (r *UploadRepository) List(criteria map[string]any) ([]*models.UploadRecord, error) {
	query := `SELECT id, kind, filename, path, size, created_at FROM uploads`
	args := []any{}

	if kind, ok := criteria["kind"].(string); ok && kind != "" {
		query += " WHERE kind = ?"
		args = append(args, kind)
	}
	query += " ORDER BY created_at DESC, filename"

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query uploads: %w", err)
	}
	defer rows.Close()

	var records []*models.UploadRecord
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

func (r *UploadRepository) scan(s scanner) (*models.UploadRecord, error) {
	var (
		kind      string
		file      models.UploadedFile
		createdAt sql.NullTime
	)

	err := s.Scan(&file.ID, &kind, &file.Filename, &file.Path, &file.Size, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan upload: %w", err)
	}

	rec := models.NewUploadRecord(kind, file)
	if createdAt.Valid {
		rec.SetCreatedAt(createdAt.Time)
		rec.SetUpdatedAt(createdAt.Time)
	}
	return rec, nil
}

// UploadCacheAdapter remembers every file returned by an upload call.
//
// Files already known are silently ignored (primary key violations).
type UploadCacheAdapter struct {
	repo *UploadRepository
}

// NewUploadCacheAdapter creates a new UploadCacheAdapter with the given repository
func NewUploadCacheAdapter(repo *UploadRepository) *UploadCacheAdapter {
	return &UploadCacheAdapter{repo: repo}
}

// CacheUpload stores every file of result. Returns the number of new records.
func (a *UploadCacheAdapter) CacheUpload(result *models.UploadResult) (int, error) {
	if result == nil {
		return 0, nil
	}

	added := 0
	for kind, files := range map[string][]models.UploadedFile{
		models.UploadKindPDF:   result.PDFFiles,
		models.UploadKindModel: result.ModelFiles,
	} {
		for _, file := range files {
			ok, err := a.cache(kind, file)
			if err != nil {
				return added, err
			}
			if ok {
				added++
			}
		}
	}
	return added, nil
}

func (a *UploadCacheAdapter) cache(kind string, file models.UploadedFile) (bool, error) {
	if existing, err := a.repo.Get(file.ID); err == nil && existing != nil {
		return false, nil
	}

	if err := a.repo.Create(models.NewUploadRecord(kind, file)); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return false, nil
		}
		return false, fmt.Errorf("failed to cache upload %s: %w", file.Filename, err)
	}
	return true, nil
}
