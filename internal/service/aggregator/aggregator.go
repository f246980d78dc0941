package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"

	"github.com/skyvps360/metered-billing/internal/keylock"
	"github.com/skyvps360/metered-billing/internal/logging"
	"github.com/skyvps360/metered-billing/internal/metrics"
	"github.com/skyvps360/metered-billing/internal/storage"
	"github.com/skyvps360/metered-billing/pkg/models"
)

const (
	// DefaultCycleLength is the period of a newly opened billing cycle
	DefaultCycleLength = 30 * 24 * time.Hour

	// DefaultCurrency is the currency new cycles are opened in
	DefaultCurrency = "USD"

	// DefaultConflictRetries bounds how often a fold that lost the database
	// lock is retried before giving up
	DefaultConflictRetries = 5
)

// Errors returned by the aggregator
var (
	ErrNotBilled      = errors.New("usage record is not billed")
	ErrCycleNotFound  = errors.New("billing cycle not found")
	ErrNoOpenCycle    = errors.New("no open billing cycle")
	ErrCycleFinalized = errors.New("billing cycle is no longer pending")
	ErrInvalidOutcome = errors.New("invalid cycle outcome")
)

// CycleStore defines the cycle persistence the aggregator needs
type CycleStore interface {
	Fold(ctx context.Context, record *models.UsageRecord, params storage.FoldParams) (*storage.FoldResult, error)
	Get(ctx context.Context, id string) (*models.BillingCycle, error)
	GetOpen(ctx context.Context, ownerID string, now time.Time) (*models.BillingCycle, error)
	SetOutcome(ctx context.Context, id string, outcome models.CycleOutcome, now time.Time) error
}

// RecordStore defines the usage record queries the aggregator needs
type RecordStore interface {
	ListUnfolded(ctx context.Context, ownerID string) ([]*models.UsageRecord, error)
	ListByCycle(ctx context.Context, cycleID string) ([]*models.UsageRecord, error)
}

// Aggregator folds billed usage records into their owner's open billing cycle
type Aggregator struct {
	cycles  CycleStore
	records RecordStore
	logger  *slog.Logger

	cycleLength     time.Duration
	currency        string
	conflictRetries uint64

	// For time mocking in tests
	now func() time.Time

	// Single writer per owner inside this process; the immediate
	// transaction covers writers in other processes.
	locks *keylock.Locks
}

// Option configures the aggregator
type Option func(*Aggregator)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(a *Aggregator) {
		a.logger = logger
	}
}

// WithCycleLength sets the period of newly opened cycles
func WithCycleLength(d time.Duration) Option {
	return func(a *Aggregator) {
		a.cycleLength = d
	}
}

// WithCurrency sets the currency of newly opened cycles
func WithCurrency(currency string) Option {
	return func(a *Aggregator) {
		a.currency = currency
	}
}

// WithConflictRetries sets how often a contended fold is retried
func WithConflictRetries(n int) Option {
	return func(a *Aggregator) {
		if n >= 0 {
			a.conflictRetries = uint64(n)
		}
	}
}

// WithTimeFunc sets a custom time function (for testing)
func WithTimeFunc(fn func() time.Time) Option {
	return func(a *Aggregator) {
		a.now = fn
	}
}

// New creates a new aggregator
func New(cycles CycleStore, records RecordStore, opts ...Option) *Aggregator {
	a := &Aggregator{
		cycles:          cycles,
		records:         records,
		logger:          slog.Default(),
		cycleLength:     DefaultCycleLength,
		currency:        DefaultCurrency,
		conflictRetries: DefaultConflictRetries,
		now:             time.Now,
		locks:           keylock.New(),
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// FoldRecord adds a billed record's cost to its owner's open cycle, opening
// a new cycle when none is open. Folding a record that is already in a
// cycle returns that cycle unchanged.
func (a *Aggregator) FoldRecord(ctx context.Context, record *models.UsageRecord) (*models.BillingCycle, error) {
	if record.Status != models.UsageBilled {
		return nil, fmt.Errorf("%w: record %s is %s", ErrNotBilled, record.ID, record.Status)
	}

	unlock := a.locks.Lock(record.OwnerID)
	defer unlock()

	var result *storage.FoldResult
	operation := func() error {
		var err error
		result, err = a.cycles.Fold(ctx, record, storage.FoldParams{
			Now:         a.now(),
			CycleLength: a.cycleLength,
			Currency:    a.currency,
		})
		if errors.Is(err, storage.ErrAggregationConflict) {
			metrics.RecordFoldConflict()
			a.logger.Debug("fold lost database lock, retrying",
				slog.String("record_id", record.ID),
				slog.String("owner_id", record.OwnerID))
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	if err := backoff.Retry(operation, a.conflictBackOff(ctx)); err != nil {
		if errors.Is(err, storage.ErrAggregationConflict) {
			// Contention is internal; callers see a plain failure
			return nil, fmt.Errorf("failed to fold record %s: database busy after %d retries", record.ID, a.conflictRetries)
		}
		return nil, fmt.Errorf("failed to fold record %s: %w", record.ID, err)
	}

	if result.AlreadyFolded {
		a.logger.Debug("record already folded",
			slog.String("record_id", record.ID),
			slog.String("cycle_id", result.Cycle.ID))
		return result.Cycle, nil
	}

	metrics.RecordFold(result.Created)
	if result.Created {
		a.logger.Info("billing cycle opened",
			slog.String("cycle_id", result.Cycle.ID),
			slog.String("owner_id", result.Cycle.OwnerID),
			slog.Time("period_start", result.Cycle.Period.Start),
			slog.Time("period_end", result.Cycle.Period.End))
	}
	a.logger.Debug("record folded",
		slog.String("record_id", record.ID),
		slog.String("cycle_id", result.Cycle.ID),
		slog.String("cost", record.Cost.String()),
		slog.String("amount", result.Cycle.Amount.String()))

	return result.Cycle, nil
}

func (a *Aggregator) conflictBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, a.conflictRetries), ctx)
}

// CloseCycleExternally records the payment side's outcome for a pending
// cycle. The aggregator never makes this transition on its own.
func (a *Aggregator) CloseCycleExternally(ctx context.Context, cycleID string, outcome models.CycleOutcome) (*models.BillingCycle, error) {
	if !outcome.Status.Valid() || outcome.Status == models.CyclePending {
		return nil, fmt.Errorf("%w: status %q", ErrInvalidOutcome, outcome.Status)
	}

	err := a.cycles.SetOutcome(ctx, cycleID, outcome, a.now())
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, ErrCycleNotFound
	case errors.Is(err, storage.ErrStateConflict):
		return nil, ErrCycleFinalized
	case err != nil:
		return nil, fmt.Errorf("failed to close cycle %s: %w", cycleID, err)
	}

	cycle, err := a.Cycle(ctx, cycleID)
	if err != nil {
		return nil, err
	}

	metrics.RecordCycleOutcome(string(outcome.Status))
	logging.Audit(logging.WithOwnerID(ctx, cycle.OwnerID), "cycle_outcome",
		"cycle_id", cycleID,
		"status", string(outcome.Status),
		"payment_id", outcome.PaymentID,
		"amount", cycle.Amount.String())

	return cycle, nil
}

// Cycle returns a cycle by ID
func (a *Aggregator) Cycle(ctx context.Context, cycleID string) (*models.BillingCycle, error) {
	cycle, err := a.cycles.Get(ctx, cycleID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrCycleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cycle %s: %w", cycleID, err)
	}
	return cycle, nil
}

// CurrentCycle returns the owner's open cycle as of now, derived from
// persisted state only. Returns ErrNoOpenCycle when the owner has none.
func (a *Aggregator) CurrentCycle(ctx context.Context, ownerID string) (*models.BillingCycle, error) {
	cycle, err := a.cycles.GetOpen(ctx, ownerID, a.now())
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoOpenCycle
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get current cycle: %w", err)
	}
	return cycle, nil
}

// FoldPending folds every billed record no cycle includes yet. It is the
// sweep for records whose fold failed after they were billed.
func (a *Aggregator) FoldPending(ctx context.Context) (int, error) {
	pending, err := a.records.ListUnfolded(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("failed to list unfolded records: %w", err)
	}

	folded := 0
	var errs []error
	for _, record := range pending {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if _, err := a.FoldRecord(ctx, record); err != nil {
			a.logger.Error("failed to fold pending record",
				slog.String("record_id", record.ID),
				slog.String("error", err.Error()))
			errs = append(errs, err)
			continue
		}
		folded++
	}

	if folded > 0 {
		a.logger.Info("folded pending records", slog.Int("count", folded))
	}

	return folded, errors.Join(errs...)
}

// Verification compares a cycle's amount with the sum of its records
type Verification struct {
	CycleID     string          `json:"cycle_id"`
	Amount      decimal.Decimal `json:"amount"`
	RecordSum   decimal.Decimal `json:"record_sum"`
	RecordCount int             `json:"record_count"`
	Balanced    bool            `json:"balanced"`
}

// Verify recomputes a cycle's amount from its billed records
func (a *Aggregator) Verify(ctx context.Context, cycleID string) (*Verification, error) {
	cycle, err := a.Cycle(ctx, cycleID)
	if err != nil {
		return nil, err
	}

	records, err := a.records.ListByCycle(ctx, cycleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cycle records: %w", err)
	}

	sum := decimal.Zero
	for _, r := range records {
		if r.Status == models.UsageBilled {
			sum = sum.Add(r.Cost)
		}
	}

	v := &Verification{
		CycleID:     cycleID,
		Amount:      cycle.Amount,
		RecordSum:   sum,
		RecordCount: len(records),
		Balanced:    sum.Equal(cycle.Amount),
	}

	if !v.Balanced {
		metrics.RecordCycleMismatch()
		a.logger.Error("billing cycle out of balance",
			slog.String("cycle_id", cycleID),
			slog.String("amount", cycle.Amount.String()),
			slog.String("record_sum", sum.String()))
	}

	return v, nil
}
