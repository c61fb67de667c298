package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"quotadrive/internal/blob"
	"quotadrive/internal/domain"
	"quotadrive/internal/metrics"
)

const (
	// BlobPrefix is the key prefix of every blob written for a file record.
	BlobPrefix = "files/"

	defaultContentType  = "application/octet-stream"
	compensationTimeout = 30 * time.Second
)

// StorageService keeps the blob area, the file records and the quota ledger in
// step. Every upload either changes all three or, seen from the ledger and the
// record store, none of them.
type StorageService struct {
	ledger  QuotaLedger
	files   FileRecordStore
	blobs   blob.Storage
	policy  *domain.ProvisioningPolicy
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewStorageService(
	ledger QuotaLedger,
	files FileRecordStore,
	blobs blob.Storage,
	policy *domain.ProvisioningPolicy,
	logger *zap.Logger,
	m *metrics.Metrics,
) *StorageService {
	return &StorageService{
		ledger:  ledger,
		files:   files,
		blobs:   blobs,
		policy:  policy,
		logger:  logger.Named("storage_service"),
		metrics: m,
		now:     time.Now,
	}
}

// BlobKey returns the blob key of a file. Owner ids are escaped so they always
// form a single path segment.
func BlobKey(ownerID string, fileID uuid.UUID) string {
	segment := url.PathEscape(ownerID)
	if segment == "." || segment == ".." {
		segment = strings.ReplaceAll(segment, ".", "%2E")
	}
	return BlobPrefix + segment + "/" + fileID.String()
}

// Upload stores upload.Body and charges upload.Size bytes to the owner.
//
// Errors match domain.ErrQuotaExceeded, domain.ErrInvalidUpload or
// domain.ErrStorageFailure. On any error the ledger and the record store are as
// they were before the call.
func (s *StorageService) Upload(ctx context.Context, upload domain.FileUpload) (*domain.File, error) {
	file, err := s.upload(ctx, upload)
	s.countUpload(file, err)
	return file, err
}

func (s *StorageService) upload(ctx context.Context, upload domain.FileUpload) (*domain.File, error) {
	name, err := validateUpload(upload)
	if err != nil {
		return nil, err
	}

	quota, err := s.ledger.GetOrCreate(ctx, upload.OwnerID, s.policy.Allowance(upload.Tier))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageFailure, err)
	}

	// Cheap rejection before any bytes are written. Reserve below is the
	// authoritative check.
	if quota.UsedBytes+upload.Size > quota.TotalBytesLimit {
		return nil, &domain.QuotaExceededError{Attempted: upload.Size, Remaining: quota.Remaining()}
	}

	contentType := upload.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}

	file := &domain.File{
		ID:          uuid.New(),
		OwnerID:     upload.OwnerID,
		Name:        name,
		ContentType: contentType,
		SizeBytes:   upload.Size,
	}
	file.StorageReference = BlobKey(file.OwnerID, file.ID)

	written, err := s.blobs.Put(ctx, file.StorageReference, upload.Body)
	if err != nil {
		s.removeBlob(ctx, file.StorageReference)
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageFailure, err)
	}
	if written != upload.Size {
		s.removeBlob(ctx, file.StorageReference)
		return nil, fmt.Errorf("%w: received %d bytes, expected %d", domain.ErrStorageFailure, written, upload.Size)
	}

	// Cancellation stops at the blob transfer.
	cctx, cancel := detached(ctx)
	defer cancel()

	if err := s.ledger.Reserve(cctx, file.OwnerID, file.SizeBytes); err != nil {
		s.removeBlob(ctx, file.StorageReference)
		if errors.Is(err, domain.ErrQuotaExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageFailure, err)
	}

	file.CreatedAt = s.now().UTC()
	if err := s.files.Create(cctx, file); err != nil {
		s.releaseReservation(ctx, file.OwnerID, file.SizeBytes)
		s.removeBlob(ctx, file.StorageReference)
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageFailure, err)
	}

	s.logger.Info("file uploaded",
		zap.String("owner_id", file.OwnerID),
		zap.Stringer("file_id", file.ID),
		zap.Int64("size", file.SizeBytes))

	return file, nil
}

func validateUpload(upload domain.FileUpload) (string, error) {
	if upload.OwnerID == "" {
		return "", fmt.Errorf("%w: missing owner", domain.ErrInvalidUpload)
	}
	if upload.Body == nil {
		return "", fmt.Errorf("%w: missing body", domain.ErrInvalidUpload)
	}
	if upload.Size < 0 {
		return "", fmt.Errorf("%w: negative size %d", domain.ErrInvalidUpload, upload.Size)
	}

	// Browsers may send a full client path; only the last element is kept.
	name := strings.TrimSpace(path.Base(strings.ReplaceAll(upload.Name, `\`, "/")))
	if name == "" || name == "." || name == "/" {
		return "", fmt.Errorf("%w: missing file name", domain.ErrInvalidUpload)
	}
	return name, nil
}

// Delete removes the record and releases its size atomically, then deletes the
// blob. A blob that cannot be deleted is left for the orphan sweep.
func (s *StorageService) Delete(ctx context.Context, ownerID string, fileID uuid.UUID) error {
	err := s.delete(ctx, ownerID, fileID)
	if s.metrics != nil {
		s.metrics.Deletes.WithLabelValues(resultLabel(err)).Inc()
	}
	return err
}

func (s *StorageService) delete(ctx context.Context, ownerID string, fileID uuid.UUID) error {
	file, err := s.ledger.DeleteFileAndRelease(ctx, fileID, ownerID)
	if err != nil {
		if errors.Is(err, domain.ErrFileNotFound) {
			return err
		}
		return fmt.Errorf("%w: %v", domain.ErrStorageFailure, err)
	}

	cctx, cancel := detached(ctx)
	defer cancel()

	if err := s.blobs.Delete(cctx, file.StorageReference); err != nil {
		s.logger.Warn("failed to delete blob, left for the orphan sweep",
			zap.String("key", file.StorageReference),
			zap.Error(err))
	}

	s.logger.Info("file deleted",
		zap.String("owner_id", ownerID),
		zap.Stringer("file_id", fileID),
		zap.Int64("size", file.SizeBytes))

	return nil
}

// GetQuota returns the owner's quota, provisioning it for tier on first use.
func (s *StorageService) GetQuota(ctx context.Context, ownerID, tier string) (*domain.QuotaInfo, error) {
	quota, err := s.ledger.GetOrCreate(ctx, ownerID, s.policy.Allowance(tier))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageFailure, err)
	}
	return domain.NewQuotaInfo(quota), nil
}

func (s *StorageService) ListFiles(ctx context.Context, ownerID string) ([]domain.FileSummary, error) {
	files, err := s.files.List(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageFailure, err)
	}

	summaries := make([]domain.FileSummary, 0, len(files))
	for i := range files {
		summaries = append(summaries, files[i].Summary())
	}
	return summaries, nil
}

// Download opens the file's blob. The caller must close FileDownload.Data.
func (s *StorageService) Download(ctx context.Context, ownerID string, fileID uuid.UUID) (*domain.FileDownload, error) {
	file, err := s.files.Get(ctx, fileID, ownerID)
	if err != nil {
		if errors.Is(err, domain.ErrFileNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageFailure, err)
	}

	obj, err := s.blobs.Get(ctx, file.StorageReference)
	if err != nil {
		if errors.Is(err, blob.ErrObjectNotFound) {
			s.logger.Error("file record points at a missing blob",
				zap.Stringer("file_id", fileID),
				zap.String("key", file.StorageReference))
			return nil, domain.ErrFileNotFound
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageFailure, err)
	}

	return &domain.FileDownload{File: file, Data: obj}, nil
}

// releaseReservation undoes a successful Reserve. Failures leave the ledger
// over-counting until the owner is recalculated.
func (s *StorageService) releaseReservation(ctx context.Context, ownerID string, bytes int64) {
	cctx, cancel := detached(ctx)
	defer cancel()

	if err := s.ledger.Release(cctx, ownerID, bytes); err != nil {
		s.logger.Error("failed to release reservation of failed upload",
			zap.String("owner_id", ownerID),
			zap.Int64("bytes", bytes),
			zap.Error(err))
		if s.metrics != nil {
			s.metrics.CompensationFailures.Inc()
		}
	}
}

func (s *StorageService) removeBlob(ctx context.Context, key string) {
	cctx, cancel := detached(ctx)
	defer cancel()

	if err := s.blobs.Delete(cctx, key); err != nil {
		s.logger.Warn("failed to remove blob of failed upload, left for the orphan sweep",
			zap.String("key", key),
			zap.Error(err))
	}
}

func (s *StorageService) countUpload(file *domain.File, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.Uploads.WithLabelValues(resultLabel(err)).Inc()
	if file != nil {
		s.metrics.UploadedBytes.Add(float64(file.SizeBytes))
	}
}

// detached returns a context that survives cancellation of ctx, for cleanup
// that must run once a side effect has happened.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return metrics.ResultOK
	case errors.Is(err, domain.ErrQuotaExceeded):
		return metrics.ResultQuotaExceeded
	case errors.Is(err, domain.ErrFileNotFound):
		return metrics.ResultNotFound
	case errors.Is(err, domain.ErrInvalidUpload):
		return metrics.ResultInvalid
	default:
		return metrics.ResultStorageFailure
	}
}
