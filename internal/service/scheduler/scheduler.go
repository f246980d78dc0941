// Package scheduler drives the accrual chain of every running deployment:
// open a window per billable resource, close it after the accounting
// interval, fold it, and reopen while the deployment stays running.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"

	"github.com/skyvps360/metered-billing/internal/logging"
	"github.com/skyvps360/metered-billing/internal/metrics"
	"github.com/skyvps360/metered-billing/internal/service/meter"
	"github.com/skyvps360/metered-billing/internal/storage"
	"github.com/skyvps360/metered-billing/pkg/models"
)

const (
	// DefaultInterval is the accounting interval of one window
	DefaultInterval = 1 * time.Hour

	// DefaultMaxAttempts bounds close and fold attempts per window
	DefaultMaxAttempts = 3

	// DefaultRetryInitialInterval is the first backoff delay
	DefaultRetryInitialInterval = 500 * time.Millisecond

	// DefaultRetryMaxInterval caps the backoff delay
	DefaultRetryMaxInterval = 10 * time.Second

	// DefaultRecoveryParallelism bounds concurrent closes during recovery
	DefaultRecoveryParallelism = 5
)

// Failure stages
const (
	StageOpen  = "open"
	StageClose = "close"
	StageFold  = "fold"
)

// Errors returned by the scheduler
var (
	ErrAlreadyRegistered = errors.New("deployment already registered")
	ErrNoResources       = errors.New("registration has no billable resources")
	ErrStopped           = errors.New("scheduler is stopped")

	errStaleWindow = errors.New("window left active outside its accrual chain")
)

// Meter opens and closes usage windows
type Meter interface {
	OpenAt(ctx context.Context, req meter.OpenRequest, start time.Time) (*models.UsageRecord, error)
	CloseAt(ctx context.Context, record *models.UsageRecord, end time.Time) error
	FailAt(ctx context.Context, record *models.UsageRecord, end time.Time, cause error) error
}

// Aggregator folds billed records into billing cycles
type Aggregator interface {
	FoldRecord(ctx context.Context, record *models.UsageRecord) (*models.BillingCycle, error)
	FoldPending(ctx context.Context) (int, error)
}

// DeploymentSource reports the current state of deployments
type DeploymentSource interface {
	Get(ctx context.Context, id string) (*models.Deployment, error)
	ListByStatus(ctx context.Context, statuses ...models.DeploymentStatus) ([]*models.Deployment, error)
}

// RecordSource lists windows that are still open
type RecordSource interface {
	ListActive(ctx context.Context) ([]*models.UsageRecord, error)
	ListActiveByDeployment(ctx context.Context, deploymentID string) ([]*models.UsageRecord, error)
}

// Failure describes one window whose close or fold exhausted its retries
type Failure struct {
	Stage        string
	DeploymentID string
	OwnerID      string
	RecordID     string
	ResourceType models.ResourceType
	Err          error
	At           time.Time
}

// FailureSink receives accrual failures. It must not block.
type FailureSink interface {
	AccrualFailed(ctx context.Context, f Failure)
}

// logSink is the default sink
type logSink struct {
	logger *slog.Logger
}

func (s *logSink) AccrualFailed(ctx context.Context, f Failure) {
	s.logger.ErrorContext(ctx, "accrual failure",
		slog.String("stage", f.Stage),
		slog.String("record_id", f.RecordID),
		slog.String("resource_type", string(f.ResourceType)),
		slog.String("error", f.Err.Error()))
}

// Rates maps each resource type to its price per unit per hour
type Rates map[models.ResourceType]decimal.Decimal

// ResourceSpec is one billable resource of a registration
type ResourceSpec struct {
	Type models.ResourceType `json:"type"`
	Rate decimal.Decimal     `json:"rate"`
}

// Registration asks the scheduler to accrue usage for a deployment
type Registration struct {
	DeploymentID string
	OwnerID      string
	Resources    []ResourceSpec
}

// RegistrationInfo is a snapshot of a live accrual chain
type RegistrationInfo struct {
	DeploymentID  string         `json:"deployment_id"`
	OwnerID       string         `json:"owner_id"`
	Resources     []ResourceSpec `json:"resources"`
	RegisteredAt  time.Time      `json:"registered_at"`
	WindowsClosed int            `json:"windows_closed"`
	OpenWindows   int            `json:"open_windows"`
}

// registration is the scheduler-side handle of one chain
type registration struct {
	deploymentID string
	ownerID      string
	specs        []ResourceSpec
	registeredAt time.Time
	cancel       context.CancelFunc
	done         chan struct{}

	// cancelled is guarded by Scheduler.mu
	cancelled bool

	// Owned by the chain goroutine
	nextStart map[models.ResourceType]time.Time
	unsettled []unsettledWindow

	mu            sync.Mutex
	windowsClosed int
	openWindows   int
}

// unsettledWindow is a window whose close and error marking both failed.
// Its stored row is still active.
type unsettledWindow struct {
	record *models.UsageRecord
	end    time.Time
}

// Scheduler runs one accrual chain per registered deployment
type Scheduler struct {
	meter       Meter
	aggregator  Aggregator
	deployments DeploymentSource
	records     RecordSource
	sink        FailureSink
	logger      *slog.Logger
	clock       Clock

	// Configuration
	interval            time.Duration
	rates               Rates
	maxAttempts         int
	retryInitial        time.Duration
	retryMax            time.Duration
	recoveryParallelism int

	mu      sync.Mutex
	regs    map[string]*registration
	stopped bool
}

// Option configures the scheduler
type Option func(*Scheduler)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithClock sets the time source (for testing)
func WithClock(clock Clock) Option {
	return func(s *Scheduler) {
		s.clock = clock
	}
}

// WithInterval sets the accounting interval
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		s.interval = d
	}
}

// WithRates sets the rate table used by DefaultResources
func WithRates(rates Rates) Option {
	return func(s *Scheduler) {
		s.rates = rates
	}
}

// WithRetry sets the close/fold retry policy
func WithRetry(maxAttempts int, initial, max time.Duration) Option {
	return func(s *Scheduler) {
		if maxAttempts > 0 {
			s.maxAttempts = maxAttempts
		}
		s.retryInitial = initial
		s.retryMax = max
	}
}

// WithRecoveryParallelism bounds concurrent closes during recovery
func WithRecoveryParallelism(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.recoveryParallelism = n
		}
	}
}

// WithFailureSink sets where exhausted failures are reported
func WithFailureSink(sink FailureSink) Option {
	return func(s *Scheduler) {
		s.sink = sink
	}
}

// New creates a new scheduler
func New(m Meter, aggregator Aggregator, deployments DeploymentSource, records RecordSource, opts ...Option) *Scheduler {
	s := &Scheduler{
		meter:               m,
		aggregator:          aggregator,
		deployments:         deployments,
		records:             records,
		logger:              slog.Default(),
		clock:               realClock{},
		interval:            DefaultInterval,
		rates:               Rates{},
		maxAttempts:         DefaultMaxAttempts,
		retryInitial:        DefaultRetryInitialInterval,
		retryMax:            DefaultRetryMaxInterval,
		recoveryParallelism: DefaultRecoveryParallelism,
		regs:                make(map[string]*registration),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.sink == nil {
		s.sink = &logSink{logger: s.logger}
	}

	return s
}

// DefaultResources returns one spec per rated resource type, in display order
func (s *Scheduler) DefaultResources() []ResourceSpec {
	var specs []ResourceSpec
	for _, t := range models.ResourceTypes {
		if rate, ok := s.rates[t]; ok && rate.IsPositive() {
			specs = append(specs, ResourceSpec{Type: t, Rate: rate})
		}
	}
	return specs
}

// Register starts the accrual chain for a deployment. At most one chain
// exists per deployment; a second Register fails with ErrAlreadyRegistered
// while the first chain is live. A chain that is being stopped is waited
// for, so a stop followed by a start always ends with a live chain.
func (s *Scheduler) Register(ctx context.Context, reg Registration) error {
	if reg.DeploymentID == "" {
		return fmt.Errorf("deployment id is required")
	}
	if len(reg.Resources) == 0 {
		return ErrNoResources
	}

	for {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return ErrStopped
		}
		existing, exists := s.regs[reg.DeploymentID]
		if !exists {
			break
		}
		if !existing.cancelled {
			s.mu.Unlock()
			s.logger.Warn("duplicate accrual registration rejected",
				slog.String("deployment_id", reg.DeploymentID))
			return ErrAlreadyRegistered
		}
		s.mu.Unlock()

		select {
		case <-existing.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// The chain outlives the caller's request; only Unregister or Stop end it.
	chainCtx := logging.WithOwnerID(logging.WithDeploymentID(context.Background(), reg.DeploymentID), reg.OwnerID)
	chainCtx, cancel := context.WithCancel(chainCtx)

	r := &registration{
		deploymentID: reg.DeploymentID,
		ownerID:      reg.OwnerID,
		specs:        append([]ResourceSpec(nil), reg.Resources...),
		registeredAt: s.clock.Now(),
		cancel:       cancel,
		done:         make(chan struct{}),
		nextStart:    make(map[models.ResourceType]time.Time),
	}
	s.regs[reg.DeploymentID] = r
	count := len(s.regs)
	s.mu.Unlock()

	metrics.SetRegistrationsActive(count)
	logging.Audit(chainCtx, "accrual_registered",
		"resources", len(r.specs),
		"interval", s.interval.String())

	go s.runChain(chainCtx, r)
	return nil
}

// Unregister stops future windows for a deployment. A window that is open
// closes now and is billed for its actual elapsed time. Unregister waits
// for the chain to exit; unknown deployments are a no-op.
func (s *Scheduler) Unregister(ctx context.Context, deploymentID string) error {
	s.mu.Lock()
	r, ok := s.regs[deploymentID]
	if ok {
		r.cancelled = true
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	r.cancel()

	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	logging.Audit(logging.WithDeploymentID(ctx, deploymentID), "accrual_unregistered")
	return nil
}

// IsRegistered reports whether a deployment has a live chain
func (s *Scheduler) IsRegistered(deploymentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.regs[deploymentID]
	return ok
}

// Registrations returns a snapshot of the live chains ordered by deployment
func (s *Scheduler) Registrations() []RegistrationInfo {
	s.mu.Lock()
	regs := make([]*registration, 0, len(s.regs))
	for _, r := range s.regs {
		regs = append(regs, r)
	}
	s.mu.Unlock()

	infos := make([]RegistrationInfo, 0, len(regs))
	for _, r := range regs {
		r.mu.Lock()
		infos = append(infos, RegistrationInfo{
			DeploymentID:  r.deploymentID,
			OwnerID:       r.ownerID,
			Resources:     r.specs,
			RegisteredAt:  r.registeredAt,
			WindowsClosed: r.windowsClosed,
			OpenWindows:   r.openWindows,
		})
		r.mu.Unlock()
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].DeploymentID < infos[j].DeploymentID
	})
	return infos
}

// Stop unregisters every chain and rejects further registrations. Open
// windows are closed and billed for their elapsed time.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	regs := make([]*registration, 0, len(s.regs))
	for _, r := range s.regs {
		r.cancelled = true
		regs = append(regs, r)
	}
	s.mu.Unlock()

	s.logger.Info("stopping accrual chains", slog.Int("count", len(regs)))

	for _, r := range regs {
		r.cancel()
	}
	for _, r := range regs {
		select {
		case <-r.done:
		case <-ctx.Done():
			return fmt.Errorf("accrual chains still closing: %w", ctx.Err())
		}
	}

	s.logger.Info("accrual chains stopped")
	return nil
}

// runChain is the per-deployment loop. Window N+1 opens only after every
// window of N has closed, and starts at N's end.
func (s *Scheduler) runChain(ctx context.Context, r *registration) {
	// Closing must finish even when the chain was just cancelled
	closeCtx := context.WithoutCancel(ctx)
	defer s.retire(closeCtx, r)

	for {
		if ctx.Err() != nil {
			return
		}

		s.settle(closeCtx, r)

		dep, err := s.deployments.Get(ctx, r.deploymentID)
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, storage.ErrNotFound):
			s.logger.InfoContext(ctx, "deployment no longer known, retiring chain")
			return
		case err != nil:
			// Quantities unknown: open nothing now, the next window starts
			// where the last one ended
			s.logger.ErrorContext(ctx, "failed to read deployment",
				slog.String("error", err.Error()))
		case !dep.IsRunning():
			s.logger.InfoContext(ctx, "deployment not running, retiring chain",
				slog.String("status", string(dep.Status)))
			return
		}

		var windows []*models.UsageRecord
		if err == nil {
			// A window being opened is finished even if Unregister lands meanwhile
			windows = s.openWindows(closeCtx, r, dep)
		}

		cancelled := false
		wait := s.interval - s.clock.Now().Sub(latestStart(windows, s.clock.Now()))
		select {
		case <-s.clock.After(wait):
		case <-ctx.Done():
			cancelled = true
		}

		s.closeWindows(closeCtx, r, windows)

		if cancelled {
			return
		}
	}
}

// latestStart returns the newest window start, or fallback with no windows
func latestStart(windows []*models.UsageRecord, fallback time.Time) time.Time {
	if len(windows) == 0 {
		return fallback
	}
	latest := windows[0].StartTime
	for _, w := range windows[1:] {
		if w.StartTime.After(latest) {
			latest = w.StartTime
		}
	}
	return latest
}

// openWindows opens one window per spec whose quantity is positive. Each
// window starts where the chain's previous window of that resource ended.
func (s *Scheduler) openWindows(ctx context.Context, r *registration, dep *models.Deployment) []*models.UsageRecord {
	now := s.clock.Now()

	var windows []*models.UsageRecord
	for _, spec := range r.specs {
		qty := dep.Resources.Quantity(spec.Type)
		if !qty.IsPositive() {
			delete(r.nextStart, spec.Type)
			continue
		}

		start, ok := r.nextStart[spec.Type]
		if !ok {
			start = now
		}

		req := meter.OpenRequest{
			OwnerID:      r.ownerID,
			DeploymentID: r.deploymentID,
			ResourceType: spec.Type,
			Quantity:     qty,
			Rate:         spec.Rate,
		}
		record, err := s.meter.OpenAt(ctx, req, start)
		if errors.Is(err, meter.ErrAlreadyOpen) && !r.hasUnsettled(spec.Type) {
			if s.failStaleWindows(ctx, r, spec.Type, start) > 0 {
				record, err = s.meter.OpenAt(ctx, req, start)
			}
		}
		if err != nil {
			// nextStart is kept so the missed time is billed by the next window
			s.report(ctx, Failure{
				Stage:        StageOpen,
				DeploymentID: r.deploymentID,
				OwnerID:      r.ownerID,
				ResourceType: spec.Type,
				Err:          err,
			})
			continue
		}

		delete(r.nextStart, spec.Type)
		windows = append(windows, record)
	}

	r.mu.Lock()
	r.openWindows = len(windows)
	r.mu.Unlock()

	return windows
}

// closeWindows closes and folds every window at one pinned end time
func (s *Scheduler) closeWindows(ctx context.Context, r *registration, windows []*models.UsageRecord) {
	if len(windows) == 0 {
		return
	}

	end := s.clock.Now()
	closed := 0
	for _, record := range windows {
		r.nextStart[record.ResourceType] = end

		billed, err := s.closeRecord(ctx, record, end)
		switch {
		case err != nil:
			r.unsettled = append(r.unsettled, unsettledWindow{record: record, end: end})
		case billed:
			closed++
			s.foldRecord(ctx, record)
		}
	}

	r.mu.Lock()
	r.windowsClosed += closed
	r.openWindows = 0
	r.mu.Unlock()
}

// settle retries unsettled windows at their original end time
func (s *Scheduler) settle(ctx context.Context, r *registration) {
	if len(r.unsettled) == 0 {
		return
	}

	remaining := r.unsettled[:0]
	closed := 0
	for _, w := range r.unsettled {
		billed, err := s.closeRecord(ctx, w.record, w.end)
		switch {
		case err != nil:
			remaining = append(remaining, w)
		case billed:
			closed++
			s.foldRecord(ctx, w.record)
		}
		if err == nil {
			s.logger.InfoContext(ctx, "unsettled usage window settled",
				slog.String("record_id", w.record.ID),
				slog.String("status", string(w.record.Status)))
		}
	}
	r.unsettled = remaining

	r.mu.Lock()
	r.windowsClosed += closed
	r.mu.Unlock()
}

func (r *registration) hasUnsettled(resourceType models.ResourceType) bool {
	for _, w := range r.unsettled {
		if w.record.ResourceType == resourceType {
			return true
		}
	}
	return false
}

func (r *registration) isUnsettled(recordID string) bool {
	for _, w := range r.unsettled {
		if w.record.ID == recordID {
			return true
		}
	}
	return false
}

// failStaleWindows marks error, ending at end, every active window of the
// deployment that the chain does not own. An empty resourceType matches
// all resources. Returns how many were cleared.
func (s *Scheduler) failStaleWindows(ctx context.Context, r *registration, resourceType models.ResourceType, end time.Time) int {
	active, err := s.records.ListActiveByDeployment(ctx, r.deploymentID)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to list active usage windows",
			slog.String("error", err.Error()))
		return 0
	}

	cleared := 0
	for _, record := range active {
		if resourceType != "" && record.ResourceType != resourceType {
			continue
		}
		if r.isUnsettled(record.ID) {
			continue
		}
		if err := s.failRecord(ctx, record, end, errStaleWindow); err != nil {
			s.logger.ErrorContext(ctx, "failed to mark stale usage window errored",
				slog.String("record_id", record.ID),
				slog.String("error", err.Error()))
			continue
		}
		s.logger.WarnContext(ctx, "stale usage window marked error",
			slog.String("record_id", record.ID),
			slog.String("resource_type", string(record.ResourceType)),
			slog.Time("start_time", record.StartTime))
		cleared++
	}
	return cleared
}

// closeRecord closes a window at end with bounded retries and reports
// whether it was billed. After the last attempt the window is marked error.
// A non-nil error means marking it error failed too: the stored row is
// still active and the caller must settle it later.
func (s *Scheduler) closeRecord(ctx context.Context, record *models.UsageRecord, end time.Time) (bool, error) {
	err := s.retry(ctx, StageClose, func() error {
		// Each attempt works on a copy so a failed attempt cannot poison the next
		candidate := record.Clone()
		err := s.meter.CloseAt(ctx, candidate, end)
		if err == nil {
			*record = *candidate
			return nil
		}
		if errors.Is(err, meter.ErrNotActive) {
			return backoff.Permanent(err)
		}
		return err
	})
	if err == nil {
		return true, nil
	}

	if errors.Is(err, meter.ErrNotActive) {
		// Someone else closed it; nothing to bill here
		s.logger.WarnContext(ctx, "window already closed",
			slog.String("record_id", record.ID))
		return false, nil
	}

	metrics.RecordAccrualFailure(StageClose)
	s.report(ctx, Failure{
		Stage:        StageClose,
		DeploymentID: record.DeploymentID,
		OwnerID:      record.OwnerID,
		RecordID:     record.ID,
		ResourceType: record.ResourceType,
		Err:          err,
	})

	if failErr := s.failRecord(ctx, record, end, err); failErr != nil {
		s.logger.ErrorContext(ctx, "window left active after failed close",
			slog.String("record_id", record.ID),
			slog.String("error", failErr.Error()))
		return false, failErr
	}
	return false, nil
}

// failRecord marks a window error at end with bounded retries. A window
// that is no longer active counts as done.
func (s *Scheduler) failRecord(ctx context.Context, record *models.UsageRecord, end time.Time, cause error) error {
	err := s.retry(ctx, StageClose, func() error {
		candidate := record.Clone()
		err := s.meter.FailAt(ctx, candidate, end, cause)
		if err == nil {
			*record = *candidate
			return nil
		}
		if errors.Is(err, meter.ErrNotActive) {
			return backoff.Permanent(err)
		}
		return err
	})
	if errors.Is(err, meter.ErrNotActive) {
		return nil
	}
	return err
}

// foldRecord folds a billed window with bounded retries. A record whose fold
// is exhausted stays billed and unfolded until the next FoldPending sweep.
func (s *Scheduler) foldRecord(ctx context.Context, record *models.UsageRecord) {
	err := s.retry(ctx, StageFold, func() error {
		_, err := s.aggregator.FoldRecord(ctx, record)
		return err
	})
	if err == nil {
		return
	}

	metrics.RecordAccrualFailure(StageFold)
	s.report(ctx, Failure{
		Stage:        StageFold,
		DeploymentID: record.DeploymentID,
		OwnerID:      record.OwnerID,
		RecordID:     record.ID,
		ResourceType: record.ResourceType,
		Err:          err,
	})
}

// retry runs op under the scheduler's backoff, counting every retry
func (s *Scheduler) retry(ctx context.Context, stage string, op func() error) error {
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		if attempt > 1 {
			metrics.RecordAccrualRetry(stage)
		}
		return op()
	}, s.retryBackOff(ctx))
}

func (s *Scheduler) retryBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryInitial
	b.MaxInterval = s.retryMax
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.maxAttempts-1)), ctx)
}

func (s *Scheduler) report(ctx context.Context, f Failure) {
	if f.At.IsZero() {
		f.At = s.clock.Now()
	}
	s.sink.AccrualFailed(ctx, f)
}

// retire settles what the chain leaves behind and removes its registration.
// Any active window of the deployment it does not own is marked error, so
// nothing accrues after the chain is gone.
func (s *Scheduler) retire(ctx context.Context, r *registration) {
	s.mu.Lock()
	r.cancelled = true
	s.mu.Unlock()

	s.settle(ctx, r)
	s.failStaleWindows(ctx, r, "", s.clock.Now())
	if n := len(r.unsettled); n > 0 {
		s.logger.ErrorContext(ctx, "usage windows left active for recovery",
			slog.Int("count", n))
	}

	s.mu.Lock()
	if s.regs[r.deploymentID] == r {
		delete(s.regs, r.deploymentID)
	}
	count := len(s.regs)
	s.mu.Unlock()

	r.cancel()
	close(r.done)

	r.mu.Lock()
	closed := r.windowsClosed
	r.mu.Unlock()

	metrics.SetRegistrationsActive(count)
	s.logger.Info("accrual chain retired",
		slog.String("deployment_id", r.deploymentID),
		slog.Int("windows_closed", closed))
}
