package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skyvps360/metered-billing/internal/logging"
	"github.com/skyvps360/metered-billing/internal/metrics"
	"github.com/skyvps360/metered-billing/pkg/models"
)

// RecoveryResult summarizes a startup recovery pass
type RecoveryResult struct {
	RecordsClosed int           `json:"records_closed"`
	RecordsFailed int           `json:"records_failed"`
	RecordsFolded int           `json:"records_folded"`
	Registered    int           `json:"registered"`
	Duration      time.Duration `json:"duration"`
}

// Recover reconciles persisted state after a restart. Windows left active
// by the previous process are closed at now against their recorded start
// time and folded, billed records missing from every cycle are folded, and
// every running deployment gets a fresh chain.
func (s *Scheduler) Recover(ctx context.Context) (*RecoveryResult, error) {
	started := s.clock.Now()
	result := &RecoveryResult{}

	s.logger.Info("starting accrual recovery",
		slog.Int("parallelism", s.recoveryParallelism))

	stale, err := s.records.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active usage records: %w", err)
	}

	var mu sync.Mutex
	end := s.clock.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.recoveryParallelism)
	for _, record := range stale {
		if s.IsRegistered(record.DeploymentID) {
			// Owned by a live chain in this process
			continue
		}
		record := record
		g.Go(func() error {
			billed := s.recoverRecord(gctx, record, end)
			mu.Lock()
			if billed {
				result.RecordsClosed++
			} else {
				result.RecordsFailed++
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("recovery interrupted: %w", err)
	}

	folded, err := s.aggregator.FoldPending(ctx)
	result.RecordsFolded = folded
	if err != nil {
		// Left for the next sweep; accrual itself must still resume
		s.logger.Error("some billed records could not be folded",
			slog.String("error", err.Error()))
	}

	running, err := s.deployments.ListByStatus(ctx, models.DeploymentRunning)
	if err != nil {
		return nil, fmt.Errorf("failed to list running deployments: %w", err)
	}

	resources := s.DefaultResources()
	for _, dep := range running {
		err := s.Register(ctx, Registration{
			DeploymentID: dep.ID,
			OwnerID:      dep.OwnerID,
			Resources:    resources,
		})
		switch {
		case err == nil:
			result.Registered++
		case errors.Is(err, ErrAlreadyRegistered):
		default:
			s.logger.Error("failed to register running deployment",
				slog.String("deployment_id", dep.ID),
				slog.String("error", err.Error()))
		}
	}

	result.Duration = s.clock.Now().Sub(started)

	logging.Audit(ctx, "accrual_recovered",
		"records_closed", result.RecordsClosed,
		"records_failed", result.RecordsFailed,
		"records_folded", result.RecordsFolded,
		"registered", result.Registered)

	return result, nil
}

// recoverRecord closes one stale window and folds it. Reports whether the
// window was billed.
func (s *Scheduler) recoverRecord(ctx context.Context, record *models.UsageRecord, end time.Time) bool {
	ctx = logging.WithOwnerID(logging.WithDeploymentID(ctx, record.DeploymentID), record.OwnerID)

	billed, err := s.closeRecord(ctx, record, end)
	if !billed {
		if err != nil {
			// Still active; the next recovery pass picks it up again
			s.logger.ErrorContext(ctx, "stale usage window left active",
				slog.String("record_id", record.ID),
				slog.String("error", err.Error()))
		}
		metrics.RecordRecovered("error")
		return false
	}

	s.logger.InfoContext(ctx, "closed stale usage window",
		slog.String("record_id", record.ID),
		slog.Duration("duration", record.Duration()),
		slog.String("cost", record.Cost.String()))
	metrics.RecordRecovered("billed")

	s.foldRecord(ctx, record)
	return true
}
