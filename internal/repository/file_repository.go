package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"quotadrive/internal/domain"
)

const fileColumns = `uuid, owner_id, name, content_type, size_bytes, storage_reference, created_at`

type FileRepository struct {
	db *sqlx.DB
}

func NewFileRepository(db *sqlx.DB) *FileRepository {
	return &FileRepository{db: db}
}

// Create inserts the record. ID and CreatedAt must be set by the caller.
func (r *FileRepository) Create(ctx context.Context, file *domain.File) error {
	query := r.db.Rebind(`
        INSERT INTO files (uuid, owner_id, name, content_type, size_bytes, storage_reference, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`)

	_, err := r.db.ExecContext(
		ctx,
		query,
		file.ID,
		file.OwnerID,
		file.Name,
		file.ContentType,
		file.SizeBytes,
		file.StorageReference,
		file.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create file record: %w", err)
	}

	return nil
}

// Get returns the file only if it belongs to ownerID. A file owned by someone
// else is reported as domain.ErrFileNotFound.
func (r *FileRepository) Get(ctx context.Context, fileID uuid.UUID, ownerID string) (*domain.File, error) {
	var file domain.File
	query := r.db.Rebind(`SELECT ` + fileColumns + ` FROM files WHERE uuid = ? AND owner_id = ?`)

	err := r.db.GetContext(ctx, &file, query, fileID, ownerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to get file: %w", err)
	}

	return &file, nil
}

// List returns the owner's files, newest first.
func (r *FileRepository) List(ctx context.Context, ownerID string) ([]domain.File, error) {
	files := []domain.File{}
	query := r.db.Rebind(`
        SELECT ` + fileColumns + `
        FROM files
        WHERE owner_id = ?
        ORDER BY created_at DESC, seq DESC`)

	if err := r.db.SelectContext(ctx, &files, query, ownerID); err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}

	return files, nil
}

// deleteFileRecord removes the record if it belongs to ownerID and returns what
// was removed.
func deleteFileRecord(ctx context.Context, q sqlx.ExtContext, fileID uuid.UUID, ownerID string) (*domain.File, error) {
	var file domain.File
	query := q.Rebind(`
        DELETE FROM files
        WHERE uuid = ? AND owner_id = ?
        RETURNING ` + fileColumns)

	err := sqlx.GetContext(ctx, q, &file, query, fileID, ownerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to delete file: %w", err)
	}

	return &file, nil
}

// ExistingReferences returns the subset of refs that some file record points at.
func (r *FileRepository) ExistingReferences(ctx context.Context, refs []string) (map[string]bool, error) {
	found := make(map[string]bool, len(refs))
	if len(refs) == 0 {
		return found, nil
	}

	query, args, err := sqlx.In(`SELECT storage_reference FROM files WHERE storage_reference IN (?)`, refs)
	if err != nil {
		return nil, fmt.Errorf("failed to build reference query: %w", err)
	}

	var existing []string
	if err := r.db.SelectContext(ctx, &existing, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to look up references: %w", err)
	}

	for _, ref := range existing {
		found[ref] = true
	}
	return found, nil
}
