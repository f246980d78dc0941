// Package meter owns the lifecycle of a single accrual window: open, measure,
// close and price it.
package meter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/skyvps360/metered-billing/internal/metrics"
	"github.com/skyvps360/metered-billing/internal/storage"
	"github.com/skyvps360/metered-billing/pkg/models"
)

// Errors returned by the meter
var (
	ErrInvalidQuantity     = errors.New("quantity must be positive")
	ErrInvalidRate         = errors.New("rate must be positive")
	ErrInvalidResourceType = errors.New("unknown resource type")
	ErrAlreadyOpen         = errors.New("a window is already open for this deployment and resource")
	ErrNotActive           = errors.New("usage record is not active")
	ErrPersistence         = errors.New("usage record persistence failed")
)

// hourNanos is one hour in nanoseconds, the denominator of every cost
var hourNanos = decimal.NewFromInt(int64(time.Hour))

// UsageStore defines the persistence the meter needs
type UsageStore interface {
	Create(ctx context.Context, record *models.UsageRecord) error
	MarkBilled(ctx context.Context, record *models.UsageRecord) error
	MarkError(ctx context.Context, id string, endTime time.Time, reason string) error
}

// OpenRequest describes a window to open
type OpenRequest struct {
	OwnerID      string
	DeploymentID string
	ResourceType models.ResourceType
	Quantity     decimal.Decimal
	Rate         decimal.Decimal
}

// Meter opens and closes usage windows
type Meter struct {
	store  UsageStore
	logger *slog.Logger
	now    func() time.Time
}

// Option configures the meter
type Option func(*Meter)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(m *Meter) {
		m.logger = logger
	}
}

// WithTimeFunc sets a custom time function (for testing)
func WithTimeFunc(fn func() time.Time) Option {
	return func(m *Meter) {
		m.now = fn
	}
}

// New creates a new meter
func New(store UsageStore, opts ...Option) *Meter {
	m := &Meter{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Now returns the meter's clock reading
func (m *Meter) Now() time.Time {
	return m.now()
}

// Open starts a new active window at the current time and persists it
func (m *Meter) Open(ctx context.Context, req OpenRequest) (*models.UsageRecord, error) {
	return m.OpenAt(ctx, req, m.now())
}

// OpenAt starts a new active window at start and persists it. Chains use
// it to begin a window exactly where the previous one ended.
func (m *Meter) OpenAt(ctx context.Context, req OpenRequest, start time.Time) (*models.UsageRecord, error) {
	if !req.ResourceType.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidResourceType, req.ResourceType)
	}
	if !req.Quantity.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidQuantity, req.Quantity)
	}
	if !req.Rate.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRate, req.Rate)
	}

	record := &models.UsageRecord{
		OwnerID:      req.OwnerID,
		DeploymentID: req.DeploymentID,
		ResourceType: req.ResourceType,
		Quantity:     req.Quantity,
		Rate:         req.Rate,
		StartTime:    start,
		Cost:         decimal.Zero,
		Status:       models.UsageActive,
		CreatedAt:    m.now(),
	}

	if err := m.store.Create(ctx, record); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, ErrAlreadyOpen
		}
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	metrics.RecordWindowOpened(string(record.ResourceType))
	m.logger.Debug("usage window opened",
		slog.String("record_id", record.ID),
		slog.String("deployment_id", record.DeploymentID),
		slog.String("resource_type", string(record.ResourceType)),
		slog.String("quantity", record.Quantity.String()))

	return record, nil
}

// Close ends an active window at the current time
func (m *Meter) Close(ctx context.Context, record *models.UsageRecord) error {
	return m.CloseAt(ctx, record, m.now())
}

// CloseAt ends an active window at end and bills it. An end before the
// window's start is clamped to the start.
//
// On success record is updated in place to its billed state. If the closed
// state cannot be persisted, record is marked error in memory and
// ErrPersistence is returned; the stored row stays active so the caller can
// retry with a fresh copy or give up with Fail.
func (m *Meter) CloseAt(ctx context.Context, record *models.UsageRecord, end time.Time) error {
	if !record.IsActive() {
		m.logger.Warn("close of inactive usage record rejected",
			slog.String("record_id", record.ID),
			slog.String("status", string(record.Status)))
		return ErrNotActive
	}

	if end.Before(record.StartTime) {
		end = record.StartTime
	}

	closed := record.Clone()
	closed.EndTime = &end
	closed.Cost = Cost(record.Quantity, record.Rate, record.StartTime, end)
	closed.Status = models.UsageBilled
	closed.Error = ""

	err := m.store.MarkBilled(ctx, closed)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrStateConflict):
		m.logger.Warn("usage record already closed",
			slog.String("record_id", record.ID))
		return ErrNotActive
	default:
		record.EndTime = closed.EndTime
		record.Status = models.UsageError
		record.Error = err.Error()
		m.logger.Error("failed to persist closed usage record",
			slog.String("record_id", record.ID),
			slog.String("error", err.Error()))
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	*record = *closed

	metrics.RecordWindowBilled(string(record.ResourceType), record.Cost.InexactFloat64(), record.Duration())
	m.logger.Debug("usage window billed",
		slog.String("record_id", record.ID),
		slog.String("deployment_id", record.DeploymentID),
		slog.Duration("duration", record.Duration()),
		slog.String("cost", record.Cost.String()))

	return nil
}

// Fail moves an active window to error with cause, ending it at the current
// time. The stored cost stays zero; errored windows are reconciled by hand.
func (m *Meter) Fail(ctx context.Context, record *models.UsageRecord, cause error) error {
	return m.FailAt(ctx, record, m.now(), cause)
}

// FailAt is Fail with an explicit end time. record is only updated once the
// error state is stored.
func (m *Meter) FailAt(ctx context.Context, record *models.UsageRecord, end time.Time, cause error) error {
	reason := "unknown failure"
	if cause != nil {
		reason = cause.Error()
	}

	if end.Before(record.StartTime) {
		end = record.StartTime
	}

	if err := m.store.MarkError(ctx, record.ID, end, reason); err != nil {
		if errors.Is(err, storage.ErrStateConflict) {
			return ErrNotActive
		}
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	record.EndTime = &end
	record.Status = models.UsageError
	record.Error = reason

	metrics.RecordWindowErrored(string(record.ResourceType))
	m.logger.Error("usage window marked error",
		slog.String("record_id", record.ID),
		slog.String("deployment_id", record.DeploymentID),
		slog.String("reason", reason))

	return nil
}

// Estimate returns the cost record would have if closed at now. Closed
// records return their stored cost.
func (m *Meter) Estimate(record *models.UsageRecord, now time.Time) decimal.Decimal {
	if !record.IsActive() {
		return record.Cost
	}
	if now.Before(record.StartTime) {
		now = record.StartTime
	}
	return Cost(record.Quantity, record.Rate, record.StartTime, now)
}

// Cost prices a window: quantity * rate * elapsed hours, rounded half away
// from zero to models.CostPrecision fractional digits. The product is exact
// before the single rounding step.
func Cost(quantity, rate decimal.Decimal, start, end time.Time) decimal.Decimal {
	elapsed := end.Sub(start)
	if elapsed <= 0 {
		return decimal.Zero
	}
	numerator := quantity.Mul(rate).Mul(decimal.NewFromInt(elapsed.Nanoseconds()))
	return numerator.DivRound(hourNanos, models.CostPrecision)
}
