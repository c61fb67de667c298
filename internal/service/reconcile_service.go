package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"quotadrive/internal/blob"
	"quotadrive/internal/config"
	"quotadrive/internal/domain"
	"quotadrive/internal/metrics"
)

const sweepRunTimeout = 10 * time.Minute

// SweepStats summarises one reconciliation run.
type SweepStats struct {
	Scanned    int
	TooYoung   int
	Orphaned   int
	Deleted    int
	Failed     int
	DriftCount int
}

// ReconcileService finds blobs no file record points at and owners whose used
// bytes disagree with their files. It repairs only the former; drift is
// reported so an operator can recalculate the owner.
type ReconcileService struct {
	blobs   blob.Storage
	refs    ReferenceChecker
	drift   DriftFinder
	config  config.SweepConfig
	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
	cancel    context.CancelFunc
	stopCh    chan struct{}
	doneCh    chan struct{}
}

func NewReconcileService(
	blobs blob.Storage,
	refs ReferenceChecker,
	drift DriftFinder,
	cfg config.SweepConfig,
	clk clock.Clock,
	logger *zap.Logger,
	m *metrics.Metrics,
) *ReconcileService {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if clk == nil {
		clk = clock.WallClock
	}

	return &ReconcileService{
		blobs:   blobs,
		refs:    refs,
		drift:   drift,
		config:  cfg,
		clock:   clk,
		logger:  logger.Named("reconcile"),
		metrics: m,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start runs RunOnce every Interval in the background until Stop.
func (s *ReconcileService) Start() {
	if !s.config.Enabled {
		s.logger.Info("reconciliation sweep disabled")
		return
	}

	s.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.started = true

		s.logger.Info("starting reconciliation sweep",
			zap.Duration("interval", s.config.Interval),
			zap.Duration("min_age", s.config.MinAge),
			zap.Int("batch_size", s.config.BatchSize),
			zap.Bool("dry_run", s.config.DryRun))

		go s.worker(ctx)
	})
}

// Stop interrupts a running sweep and waits for the worker to exit or ctx to
// expire. Safe to call more than once, and without Start.
func (s *ReconcileService) Stop(ctx context.Context) error {
	if !s.started {
		return nil
	}

	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.cancel()
	})

	select {
	case <-s.doneCh:
		return nil
	case <-ctx.Done():
		s.logger.Warn("reconciliation sweep shutdown timeout")
		return ctx.Err()
	}
}

func (s *ReconcileService) worker(ctx context.Context) {
	defer close(s.doneCh)

	timer := s.clock.NewTimer(s.config.Interval)
	defer timer.Stop()

	for {
		select {
		case <-timer.Chan():
			runCtx, cancel := context.WithTimeout(ctx, sweepRunTimeout)
			stats, err := s.RunOnce(runCtx)
			cancel()

			if err != nil {
				s.logger.Error("reconciliation sweep failed", zap.Error(err))
			} else {
				s.logger.Info("reconciliation sweep completed",
					zap.Int("scanned", stats.Scanned),
					zap.Int("orphaned", stats.Orphaned),
					zap.Int("deleted", stats.Deleted),
					zap.Int("failed", stats.Failed),
					zap.Int("drift", stats.DriftCount))
			}
			timer.Reset(s.config.Interval)

		case <-s.stopCh:
			return
		}
	}
}

// RunOnce sweeps orphan blobs, then audits the ledger.
func (s *ReconcileService) RunOnce(ctx context.Context) (*SweepStats, error) {
	stats, err := s.SweepOrphans(ctx)
	if err != nil {
		return stats, err
	}

	drift, err := s.AuditQuotas(ctx)
	if err != nil {
		return stats, err
	}
	stats.DriftCount = len(drift)

	return stats, nil
}

// SweepOrphans deletes blobs under BlobPrefix that no file record references.
// Blobs younger than MinAge are left alone: they may belong to an upload that
// has not created its record yet.
func (s *ReconcileService) SweepOrphans(ctx context.Context) (*SweepStats, error) {
	stats := &SweepStats{}
	now := s.clock.Now()
	batch := make([]string, 0, s.config.BatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		defer func() { batch = batch[:0] }()

		found, err := s.refs.ExistingReferences(ctx, batch)
		if err != nil {
			return err
		}

		for _, key := range batch {
			if found[key] {
				continue
			}
			stats.Orphaned++

			if s.config.DryRun {
				s.logger.Info("orphan blob (dry run)", zap.String("key", key))
				continue
			}

			if err := s.blobs.Delete(ctx, key); err != nil {
				stats.Failed++
				s.logger.Warn("failed to delete orphan blob", zap.String("key", key), zap.Error(err))
				continue
			}
			stats.Deleted++
			if s.metrics != nil {
				s.metrics.OrphanBlobsDeleted.Inc()
			}
			s.logger.Info("deleted orphan blob", zap.String("key", key))
		}
		return nil
	}

	err := s.blobs.List(ctx, BlobPrefix, func(info blob.ObjectInfo) error {
		stats.Scanned++
		if now.Sub(info.ModTime) < s.config.MinAge {
			stats.TooYoung++
			return nil
		}

		batch = append(batch, info.Key)
		if len(batch) >= s.config.BatchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("failed to sweep orphan blobs: %w", err)
	}

	if err := flush(); err != nil {
		return stats, fmt.Errorf("failed to sweep orphan blobs: %w", err)
	}

	return stats, nil
}

// AuditQuotas reports owners whose used bytes differ from the sum of their
// files.
func (s *ReconcileService) AuditQuotas(ctx context.Context) ([]domain.QuotaDrift, error) {
	drift, err := s.drift.FindDrift(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to audit quotas: %w", err)
	}

	for _, d := range drift {
		s.logger.Warn("quota drift",
			zap.String("owner_id", d.OwnerID),
			zap.Int64("used_bytes", d.UsedBytes),
			zap.Int64("actual_size", d.ActualSize),
			zap.Int64("delta", d.Delta()))
	}

	if s.metrics != nil {
		s.metrics.QuotaDriftOwners.Set(float64(len(drift)))
	}

	return drift, nil
}
