package aggregator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/skyvps360/metered-billing/internal/metrics"
	"github.com/skyvps360/metered-billing/pkg/models"
)

// DefaultCheckInterval is how often elapsed cycles are looked for
const DefaultCheckInterval = 5 * time.Minute

// Notifier hands a cycle whose period has elapsed to the payment side
type Notifier interface {
	CycleReady(ctx context.Context, cycle *models.BillingCycle) error
}

// ReadyStore defines the persistence the watcher needs
type ReadyStore interface {
	ListReadyForNotification(ctx context.Context, now time.Time) ([]*models.BillingCycle, error)
	MarkNotified(ctx context.Context, id string, at time.Time) error
}

// Sweeper folds billed records that no cycle includes yet
type Sweeper interface {
	FoldPending(ctx context.Context) (int, error)
}

// Watcher announces pending cycles whose billing period has ended. Each
// cycle is announced until delivery succeeds, then never again.
type Watcher struct {
	store    ReadyStore
	notifier Notifier
	sweeper  Sweeper
	logger   *slog.Logger
	interval time.Duration

	// For time mocking in tests
	now func() time.Time

	// Shutdown coordination
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	metrics *WatcherMetrics
}

// WatcherMetrics tracks watcher statistics
type WatcherMetrics struct {
	mu             sync.RWMutex
	ChecksRun      int64
	CyclesNotified int64
	RecordsSwept   int64
	Errors         int64
}

// WatcherOption configures the watcher
type WatcherOption func(*Watcher)

// WithWatcherLogger sets a custom logger
func WithWatcherLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// WithCheckInterval sets how often elapsed cycles are looked for
func WithCheckInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.interval = d
	}
}

// WithSweeper folds stranded billed records before each check
func WithSweeper(s Sweeper) WatcherOption {
	return func(w *Watcher) {
		w.sweeper = s
	}
}

// WithWatcherTimeFunc sets a custom time function (for testing)
func WithWatcherTimeFunc(fn func() time.Time) WatcherOption {
	return func(w *Watcher) {
		w.now = fn
	}
}

// NewWatcher creates a cycle readiness watcher
func NewWatcher(store ReadyStore, notifier Notifier, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		store:    store,
		notifier: notifier,
		logger:   slog.Default(),
		interval: DefaultCheckInterval,
		now:      time.Now,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		metrics:  &WatcherMetrics{},
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Start begins the check loop
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	w.logger.Info("cycle watcher starting",
		slog.Duration("check_interval", w.interval))

	go w.run(ctx)
	return nil
}

// Stop gracefully stops the watcher
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	stopCh := w.stopCh
	doneCh := w.doneCh
	w.mu.Unlock()

	w.logger.Info("cycle watcher stopping")
	close(stopCh)
	<-doneCh

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.logger.Info("cycle watcher stopped")
}

// IsRunning returns whether the check loop is active
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	// Catch up on anything that elapsed while the process was down
	w.CheckOnce(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.CheckOnce(ctx)
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// CheckOnce announces every elapsed, unannounced cycle and returns how many
// were delivered
func (w *Watcher) CheckOnce(ctx context.Context) int {
	w.metrics.mu.Lock()
	w.metrics.ChecksRun++
	w.metrics.mu.Unlock()

	// Records whose fold ran out of retries belong in a cycle before any
	// readiness is announced
	if w.sweeper != nil {
		w.sweep(ctx)
	}

	now := w.now()
	cycles, err := w.store.ListReadyForNotification(ctx, now)
	if err != nil {
		w.logger.Error("failed to list elapsed cycles",
			slog.String("error", err.Error()))
		w.recordError()
		return 0
	}

	delivered := 0
	for _, cycle := range cycles {
		start := time.Now()
		if err := w.notifier.CycleReady(ctx, cycle); err != nil {
			metrics.RecordCycleNotified("error", time.Since(start))
			w.logger.Error("failed to deliver cycle readiness",
				slog.String("cycle_id", cycle.ID),
				slog.String("owner_id", cycle.OwnerID),
				slog.String("error", err.Error()))
			w.recordError()
			continue
		}
		metrics.RecordCycleNotified("success", time.Since(start))

		if err := w.store.MarkNotified(ctx, cycle.ID, now); err != nil {
			// Delivered but not recorded: the next check repeats it
			w.logger.Warn("failed to record cycle notification",
				slog.String("cycle_id", cycle.ID),
				slog.String("error", err.Error()))
			w.recordError()
			continue
		}

		delivered++
		w.logger.Info("cycle ready for payment",
			slog.String("cycle_id", cycle.ID),
			slog.String("owner_id", cycle.OwnerID),
			slog.String("amount", cycle.Amount.String()))
	}

	w.metrics.mu.Lock()
	w.metrics.CyclesNotified += int64(delivered)
	w.metrics.mu.Unlock()

	return delivered
}

func (w *Watcher) sweep(ctx context.Context) {
	folded, err := w.sweeper.FoldPending(ctx)
	if folded > 0 {
		w.logger.Info("folded stranded usage records",
			slog.Int("count", folded))
		w.metrics.mu.Lock()
		w.metrics.RecordsSwept += int64(folded)
		w.metrics.mu.Unlock()
	}
	if err != nil {
		w.logger.Error("fold sweep failed",
			slog.String("error", err.Error()))
		w.recordError()
	}
}

func (w *Watcher) recordError() {
	w.metrics.mu.Lock()
	w.metrics.Errors++
	w.metrics.mu.Unlock()
}

// GetMetrics returns a snapshot of watcher statistics
func (w *Watcher) GetMetrics() WatcherMetrics {
	w.metrics.mu.RLock()
	defer w.metrics.mu.RUnlock()
	return WatcherMetrics{
		ChecksRun:      w.metrics.ChecksRun,
		CyclesNotified: w.metrics.CyclesNotified,
		RecordsSwept:   w.metrics.RecordsSwept,
		Errors:         w.metrics.Errors,
	}
}
