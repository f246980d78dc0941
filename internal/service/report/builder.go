// Package report builds read-only billing views: the admin revenue report,
// an owner's live usage, and cycle statements.
package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/skyvps360/metered-billing/internal/storage"
	"github.com/skyvps360/metered-billing/pkg/models"
)

// DefaultCycleLength matches the aggregator's default period
const DefaultCycleLength = 30 * 24 * time.Hour

// Errors returned by the builder
var (
	ErrInvalidRange  = errors.New("report end must be after start")
	ErrCycleNotFound = errors.New("billing cycle not found")
)

// CycleStore defines the read side of cycle persistence
type CycleStore interface {
	Get(ctx context.Context, id string) (*models.BillingCycle, error)
	GetOpen(ctx context.Context, ownerID string, now time.Time) (*models.BillingCycle, error)
	List(ctx context.Context, q storage.CycleQuery) ([]*models.BillingCycle, error)
}

// RecordStore defines the read side of usage persistence
type RecordStore interface {
	ListActiveByOwner(ctx context.Context, ownerID string) ([]*models.UsageRecord, error)
	ListUnfolded(ctx context.Context, ownerID string) ([]*models.UsageRecord, error)
	ListByCycle(ctx context.Context, cycleID string) ([]*models.UsageRecord, error)
	ListByDeployment(ctx context.Context, deploymentID string, limit int) ([]*models.UsageRecord, error)
}

// Estimator prices an open window as if it closed now
type Estimator interface {
	Estimate(record *models.UsageRecord, now time.Time) decimal.Decimal
}

// Builder assembles reports from persisted state
type Builder struct {
	cycles    CycleStore
	records   RecordStore
	estimator Estimator
	logger    *slog.Logger

	cycleLength time.Duration

	// For time mocking in tests
	now func() time.Time
}

// Option configures the builder
type Option func(*Builder)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Builder) {
		b.logger = logger
	}
}

// WithCycleLength sets the period shown when an owner has no open cycle
func WithCycleLength(d time.Duration) Option {
	return func(b *Builder) {
		if d > 0 {
			b.cycleLength = d
		}
	}
}

// WithTimeFunc sets a custom time function (for testing)
func WithTimeFunc(fn func() time.Time) Option {
	return func(b *Builder) {
		b.now = fn
	}
}

// New creates a new report builder
func New(cycles CycleStore, records RecordStore, estimator Estimator, opts ...Option) *Builder {
	b := &Builder{
		cycles:      cycles,
		records:     records,
		estimator:   estimator,
		logger:      slog.Default(),
		cycleLength: DefaultCycleLength,
		now:         time.Now,
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Report summarizes revenue over the cycles matching filter. Each cycle is
// attributed wholly to the range holding its creation time.
func (b *Builder) Report(ctx context.Context, filter models.ReportFilter) (*models.BillingReport, error) {
	if !filter.Start.IsZero() && !filter.End.IsZero() && !filter.End.After(filter.Start) {
		return nil, ErrInvalidRange
	}

	cycles, err := b.cycles.List(ctx, storage.CycleQuery{
		OwnerID:     filter.OwnerID,
		CreatedFrom: filter.Start,
		CreatedTo:   filter.End,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list cycles: %w", err)
	}

	report := &models.BillingReport{
		Filter:         filter,
		TotalRevenue:   decimal.Zero,
		PendingRevenue: decimal.Zero,
		FailedAmount:   decimal.Zero,
		RefundedAmount: decimal.Zero,
		Owners:         make(map[string]*models.OwnerSummary),
		GeneratedAt:    b.now(),
	}

	for _, c := range cycles {
		if !filter.Matches(c) {
			continue
		}
		report.CycleCount++

		owner, ok := report.Owners[c.OwnerID]
		if !ok {
			owner = &models.OwnerSummary{
				OwnerID:      c.OwnerID,
				TotalBilled:  decimal.Zero,
				TotalPending: decimal.Zero,
			}
			report.Owners[c.OwnerID] = owner
		}

		switch c.Status {
		case models.CycleCompleted:
			report.TotalRevenue = report.TotalRevenue.Add(c.Amount)
			owner.TotalBilled = owner.TotalBilled.Add(c.Amount)
		case models.CyclePending:
			report.PendingRevenue = report.PendingRevenue.Add(c.Amount)
			owner.TotalPending = owner.TotalPending.Add(c.Amount)
		case models.CycleFailed:
			report.FailedAmount = report.FailedAmount.Add(c.Amount)
		case models.CycleRefunded:
			report.RefundedAmount = report.RefundedAmount.Add(c.Amount)
		}

		owner.Cycles = append(owner.Cycles, models.CycleSummary{
			ID:        c.ID,
			Amount:    c.Amount,
			Status:    c.Status,
			Period:    c.Period,
			CreatedAt: c.CreatedAt,
		})
	}
	report.OwnerCount = len(report.Owners)

	b.logger.Debug("billing report built",
		slog.Int("cycles", report.CycleCount),
		slog.Int("owners", report.OwnerCount))

	return report, nil
}

// CurrentUsage reads an owner's accrued cost at now. Billed cost covers the
// open cycle plus billed records not yet folded, so the total never dips
// between a close and its fold.
func (b *Builder) CurrentUsage(ctx context.Context, ownerID string) (*models.CurrentUsage, error) {
	now := b.now()

	active, err := b.records.ListActiveByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active usage: %w", err)
	}

	usage := &models.CurrentUsage{
		OwnerID:       ownerID,
		ActiveCost:    decimal.Zero,
		BilledCost:    decimal.Zero,
		Resources:     make(map[models.ResourceType]models.ResourceUsage),
		ActiveRecords: active,
		AsOf:          now,
	}

	for _, r := range active {
		cost := b.estimator.Estimate(r, now)
		r.Cost = cost
		usage.ActiveCost = usage.ActiveCost.Add(cost)

		res := usage.Resources[r.ResourceType]
		res.Quantity = res.Quantity.Add(r.Quantity)
		res.Cost = res.Cost.Add(cost)
		usage.Resources[r.ResourceType] = res
	}

	cycle, err := b.cycles.GetOpen(ctx, ownerID, now)
	switch {
	case err == nil:
		usage.BilledCost = cycle.Amount
		usage.Cycle = window(cycle.ID, cycle.Period, now)
	case errors.Is(err, storage.ErrNotFound):
		// The next fold opens a cycle starting about now
		usage.Cycle = window("", models.Period{Start: now, End: now.Add(b.cycleLength)}, now)
	default:
		return nil, fmt.Errorf("failed to get open cycle: %w", err)
	}

	unfolded, err := b.records.ListUnfolded(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list unfolded usage: %w", err)
	}
	for _, r := range unfolded {
		usage.BilledCost = usage.BilledCost.Add(r.Cost)
	}

	usage.TotalEstimate = usage.ActiveCost.Add(usage.BilledCost)
	return usage, nil
}

func window(cycleID string, p models.Period, now time.Time) models.CycleWindow {
	days := 0
	if remaining := p.End.Sub(now); remaining > 0 {
		days = int(math.Ceil(remaining.Hours() / 24))
	}
	return models.CycleWindow{
		CycleID:       cycleID,
		Start:         p.Start,
		End:           p.End,
		DaysRemaining: days,
	}
}

// Statement returns a cycle with the records folded into it, in fold order
func (b *Builder) Statement(ctx context.Context, cycleID string) (*models.CycleStatement, error) {
	cycle, err := b.cycles.Get(ctx, cycleID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrCycleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cycle %s: %w", cycleID, err)
	}

	records, err := b.records.ListByCycle(ctx, cycleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cycle records: %w", err)
	}

	return &models.CycleStatement{Cycle: cycle, Records: records}, nil
}

// History lists an owner's cycles, newest first
func (b *Builder) History(ctx context.Context, ownerID string, limit int) ([]*models.BillingCycle, error) {
	cycles, err := b.cycles.List(ctx, storage.CycleQuery{OwnerID: ownerID, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("failed to list cycles: %w", err)
	}
	return cycles, nil
}

// DeploymentUsage lists a deployment's windows newest first. Open windows
// carry their estimated cost at now.
func (b *Builder) DeploymentUsage(ctx context.Context, deploymentID string, limit int) ([]*models.UsageRecord, error) {
	records, err := b.records.ListByDeployment(ctx, deploymentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployment usage: %w", err)
	}

	now := b.now()
	for _, r := range records {
		if r.IsActive() {
			r.Cost = b.estimator.Estimate(r, now)
		}
	}
	return records, nil
}
