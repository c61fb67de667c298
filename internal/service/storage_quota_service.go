package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"quotadrive/internal/domain"
)

// StorageQuotaService holds the administrative quota operations.
type StorageQuotaService struct {
	quotaRepo QuotaAdministrator
	policy    *domain.ProvisioningPolicy
	logger    *zap.Logger
}

func NewStorageQuotaService(quotaRepo QuotaAdministrator, policy *domain.ProvisioningPolicy, logger *zap.Logger) *StorageQuotaService {
	return &StorageQuotaService{
		quotaRepo: quotaRepo,
		policy:    policy,
		logger:    logger.Named("quota_service"),
	}
}

// UpdateQuotaLimit sets the owner's total limit, provisioning the owner with
// the default tier first if needed.
func (s *StorageQuotaService) UpdateQuotaLimit(ctx context.Context, ownerID string, newLimit int64) (*domain.QuotaInfo, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: missing owner", domain.ErrInvalidQuotaLimit)
	}
	if newLimit < 0 {
		return nil, fmt.Errorf("%w: new quota limit cannot be negative", domain.ErrInvalidQuotaLimit)
	}

	// The default tier's allowance is used when the owner has no entry yet.
	if _, err := s.quotaRepo.GetOrCreate(ctx, ownerID, s.policy.Allowance("")); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageFailure, err)
	}

	if err := s.quotaRepo.UpdateQuotaLimit(ctx, ownerID, newLimit); err != nil {
		if errors.Is(err, domain.ErrLimitBelowUsage) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageFailure, err)
	}

	quota, err := s.quotaRepo.GetOrCreate(ctx, ownerID, s.policy.Allowance(""))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageFailure, err)
	}

	s.logger.Info("quota limit updated",
		zap.String("owner_id", ownerID),
		zap.Int64("total_bytes_limit", newLimit))

	return domain.NewQuotaInfo(quota), nil
}

// Recalculate resets the owner's used bytes to the sum of its files. Meant for
// owners with no upload or delete in flight.
func (s *StorageQuotaService) Recalculate(ctx context.Context, ownerID string) (*domain.QuotaInfo, error) {
	quota, err := s.quotaRepo.Recalculate(ctx, ownerID)
	if err != nil {
		if errors.Is(err, domain.ErrQuotaNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageFailure, err)
	}
	return domain.NewQuotaInfo(quota), nil
}
