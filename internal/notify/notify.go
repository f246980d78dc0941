// Package notify tells the payment side that a billing cycle is ready to
// be charged. The engine itself never calls a payment API.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/skyvps360/metered-billing/internal/logging"
	"github.com/skyvps360/metered-billing/pkg/models"
)

// EventCycleReady is the event name carried in every notification
const EventCycleReady = "billing_cycle.ready"

// CyclePayload is the JSON body delivered to the payment side
type CyclePayload struct {
	Event  string               `json:"event"`
	Cycle  *models.BillingCycle `json:"cycle"`
	SentAt time.Time            `json:"sent_at"`
}

// Log announces ready cycles as audit log entries. It is used when no
// webhook is configured.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a log notifier
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

// CycleReady implements aggregator.Notifier
func (l *Log) CycleReady(ctx context.Context, cycle *models.BillingCycle) error {
	ctx = logging.WithOwnerID(ctx, cycle.OwnerID)
	l.logger.InfoContext(ctx, "billing cycle ready for payment",
		slog.String("cycle_id", cycle.ID),
		slog.String("amount", cycle.Amount.String()),
		slog.String("currency", cycle.Currency))
	logging.Audit(ctx, EventCycleReady,
		"cycle_id", cycle.ID,
		"amount", cycle.Amount.String())
	return nil
}
