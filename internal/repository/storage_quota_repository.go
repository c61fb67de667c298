package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"quotadrive/internal/domain"
	"quotadrive/internal/metrics"
)

// releaseAttempts bounds the decrement/clamp loop in Release. Each retry means a
// concurrent reserve changed the row between the two conditional updates.
const releaseAttempts = 3

// StorageQuotaRepository is the quota ledger. Every mutation of used_bytes is a
// single conditional UPDATE so concurrent reserves and releases on the same
// owner serialise on the row.
type StorageQuotaRepository struct {
	db      *sqlx.DB
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewStorageQuotaRepository(db *sqlx.DB, logger *zap.Logger, m *metrics.Metrics) *StorageQuotaRepository {
	return &StorageQuotaRepository{
		db:      db,
		logger:  logger.Named("quota_repository"),
		metrics: m,
	}
}

func (r *StorageQuotaRepository) GetQuota(ctx context.Context, ownerID string) (*domain.StorageQuota, error) {
	return getQuota(ctx, r.db, ownerID)
}

func getQuota(ctx context.Context, q sqlx.ExtContext, ownerID string) (*domain.StorageQuota, error) {
	var quota domain.StorageQuota

	err := sqlx.GetContext(ctx, q, &quota, q.Rebind(
		`SELECT id, owner_id, total_bytes_limit, used_bytes, created_at, updated_at
         FROM storage_quotas WHERE owner_id = ?`),
		ownerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrQuotaNotFound
		}
		return nil, fmt.Errorf("failed to get quota: %w", err)
	}

	return &quota, nil
}

// GetOrCreate returns the owner's entry, provisioning it with defaultLimit if
// it does not exist yet. Concurrent first calls create exactly one row; the
// losers read the winner's row.
func (r *StorageQuotaRepository) GetOrCreate(ctx context.Context, ownerID string, defaultLimit int64) (*domain.StorageQuota, error) {
	quota, err := r.GetQuota(ctx, ownerID)
	if err == nil {
		return quota, nil
	}
	if !errors.Is(err, domain.ErrQuotaNotFound) {
		return nil, err
	}

	query := r.db.Rebind(`
        INSERT INTO storage_quotas (owner_id, total_bytes_limit, used_bytes)
        VALUES (?, ?, 0)
        ON CONFLICT (owner_id) DO NOTHING`)

	result, err := r.db.ExecContext(ctx, query, ownerID, defaultLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to create quota: %w", err)
	}

	if rows, err := result.RowsAffected(); err == nil && rows == 1 {
		r.logger.Info("provisioned storage quota",
			zap.String("owner_id", ownerID),
			zap.Int64("total_bytes_limit", defaultLimit))
	}

	return r.GetQuota(ctx, ownerID)
}

// Reserve adds bytes to the owner's usage if, and only if, the result stays
// within the limit. On refusal the row is untouched and a
// *domain.QuotaExceededError is returned.
func (r *StorageQuotaRepository) Reserve(ctx context.Context, ownerID string, bytes int64) error {
	if bytes < 0 {
		return fmt.Errorf("cannot reserve negative size %d", bytes)
	}

	query := r.db.Rebind(`
        UPDATE storage_quotas
        SET used_bytes = used_bytes + ?,
            updated_at = CURRENT_TIMESTAMP
        WHERE owner_id = ?
          AND used_bytes + ? <= total_bytes_limit`)

	result, err := r.db.ExecContext(ctx, query, bytes, ownerID, bytes)
	if err != nil {
		return fmt.Errorf("failed to reserve space: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 1 {
		return nil
	}

	quota, err := r.GetQuota(ctx, ownerID)
	if err != nil {
		return err
	}
	return &domain.QuotaExceededError{Attempted: bytes, Remaining: quota.Remaining()}
}

// Release subtracts bytes from the owner's usage. A release larger than the
// current usage clamps to zero and is logged as a ledger inconsistency rather
// than returned to the caller.
func (r *StorageQuotaRepository) Release(ctx context.Context, ownerID string, bytes int64) error {
	clamped, err := release(ctx, r.db, ownerID, bytes)
	if err != nil {
		return err
	}
	if clamped {
		r.reportClamp(ownerID, bytes)
	}
	return nil
}

// DeleteFileAndRelease removes the owner's file record and releases its size
// in one transaction. If either step fails neither is applied.
func (r *StorageQuotaRepository) DeleteFileAndRelease(ctx context.Context, fileID uuid.UUID, ownerID string) (*domain.File, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	file, err := deleteFileRecord(ctx, tx, fileID, ownerID)
	if err != nil {
		return nil, err
	}

	clamped, err := release(ctx, tx, ownerID, file.SizeBytes)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit file deletion: %w", err)
	}

	if clamped {
		r.reportClamp(ownerID, file.SizeBytes)
	}
	return file, nil
}

func (r *StorageQuotaRepository) reportClamp(ownerID string, bytes int64) {
	r.logger.Error("release would drive used bytes below zero, clamped",
		zap.String("owner_id", ownerID),
		zap.Int64("bytes", bytes),
		zap.Error(domain.ErrLedgerInconsistency))
	if r.metrics != nil {
		r.metrics.LedgerInconsistency.Inc()
	}
}

func release(ctx context.Context, q sqlx.ExtContext, ownerID string, bytes int64) (bool, error) {
	if bytes < 0 {
		return false, fmt.Errorf("cannot release negative size %d", bytes)
	}

	decrement := q.Rebind(`
        UPDATE storage_quotas
        SET used_bytes = used_bytes - ?,
            updated_at = CURRENT_TIMESTAMP
        WHERE owner_id = ?
          AND used_bytes >= ?`)

	clamp := q.Rebind(`
        UPDATE storage_quotas
        SET used_bytes = 0,
            updated_at = CURRENT_TIMESTAMP
        WHERE owner_id = ?
          AND used_bytes < ?`)

	for attempt := 0; attempt < releaseAttempts; attempt++ {
		rows, err := execRows(ctx, q, decrement, bytes, ownerID, bytes)
		if err != nil {
			return false, fmt.Errorf("failed to release space: %w", err)
		}
		if rows == 1 {
			return false, nil
		}

		rows, err = execRows(ctx, q, clamp, ownerID, bytes)
		if err != nil {
			return false, fmt.Errorf("failed to release space: %w", err)
		}
		if rows == 1 {
			return true, nil
		}
	}

	if _, err := getQuota(ctx, q, ownerID); err != nil {
		return false, err
	}
	return false, fmt.Errorf("failed to release space for owner %s: row kept changing", ownerID)
}

// UpdateQuotaLimit sets a new total limit. Limits below the current usage are
// refused.
func (r *StorageQuotaRepository) UpdateQuotaLimit(ctx context.Context, ownerID string, newLimit int64) error {
	query := r.db.Rebind(`
        UPDATE storage_quotas
        SET total_bytes_limit = ?,
            updated_at = CURRENT_TIMESTAMP
        WHERE owner_id = ?
          AND used_bytes <= ?`)

	rows, err := execRows(ctx, r.db, query, newLimit, ownerID, newLimit)
	if err != nil {
		return fmt.Errorf("failed to update quota limit: %w", err)
	}
	if rows == 1 {
		return nil
	}

	if _, err := r.GetQuota(ctx, ownerID); err != nil {
		return err
	}
	return domain.ErrLimitBelowUsage
}

// Recalculate overwrites used_bytes with the sum of the owner's file sizes.
// Only safe while no upload or delete for the owner is in flight.
func (r *StorageQuotaRepository) Recalculate(ctx context.Context, ownerID string) (*domain.StorageQuota, error) {
	query := r.db.Rebind(`
        UPDATE storage_quotas
        SET used_bytes = (
                SELECT COALESCE(SUM(f.size_bytes), 0)
                FROM files f
                WHERE f.owner_id = storage_quotas.owner_id
            ),
            updated_at = CURRENT_TIMESTAMP
        WHERE owner_id = ?`)

	rows, err := execRows(ctx, r.db, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to recalculate used space: %w", err)
	}
	if rows == 0 {
		return nil, domain.ErrQuotaNotFound
	}

	quota, err := r.GetQuota(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	r.logger.Info("recalculated used space",
		zap.String("owner_id", ownerID),
		zap.Int64("used_bytes", quota.UsedBytes),
		zap.Int64("total_bytes_limit", quota.TotalBytesLimit))

	return quota, nil
}

// FindDrift lists owners whose used_bytes differs from the sum of their files.
func (r *StorageQuotaRepository) FindDrift(ctx context.Context) ([]domain.QuotaDrift, error) {
	query := `
        SELECT q.owner_id, q.used_bytes, COALESCE(f.total, 0) AS actual_size
        FROM storage_quotas q
        LEFT JOIN (
            SELECT owner_id, SUM(size_bytes) AS total
            FROM files
            GROUP BY owner_id
        ) f ON f.owner_id = q.owner_id
        WHERE q.used_bytes <> COALESCE(f.total, 0)
        ORDER BY q.owner_id`

	var drift []domain.QuotaDrift
	if err := r.db.SelectContext(ctx, &drift, query); err != nil {
		return nil, fmt.Errorf("failed to audit quotas: %w", err)
	}
	return drift, nil
}

func execRows(ctx context.Context, e sqlx.ExecerContext, query string, args ...interface{}) (int64, error) {
	result, err := e.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return rows, nil
}
