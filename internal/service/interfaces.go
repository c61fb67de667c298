package service

import (
	"context"

	"github.com/google/uuid"

	"quotadrive/internal/domain"
)

// QuotaLedger is the part of the ledger the storage service needs.
type QuotaLedger interface {
	GetOrCreate(ctx context.Context, ownerID string, defaultLimit int64) (*domain.StorageQuota, error)
	Reserve(ctx context.Context, ownerID string, bytes int64) error
	Release(ctx context.Context, ownerID string, bytes int64) error
	// DeleteFileAndRelease removes a file record together with its charge.
	DeleteFileAndRelease(ctx context.Context, fileID uuid.UUID, ownerID string) (*domain.File, error)
}

// QuotaAdministrator adds the administrative ledger operations.
type QuotaAdministrator interface {
	QuotaLedger
	UpdateQuotaLimit(ctx context.Context, ownerID string, newLimit int64) error
	Recalculate(ctx context.Context, ownerID string) (*domain.StorageQuota, error)
}

type FileRecordStore interface {
	Create(ctx context.Context, file *domain.File) error
	Get(ctx context.Context, fileID uuid.UUID, ownerID string) (*domain.File, error)
	List(ctx context.Context, ownerID string) ([]domain.File, error)
}

// ReferenceChecker reports which blob keys are still referenced by a file record.
type ReferenceChecker interface {
	ExistingReferences(ctx context.Context, refs []string) (map[string]bool, error)
}

type DriftFinder interface {
	FindDrift(ctx context.Context) ([]domain.QuotaDrift, error)
}
