// Package events applies deployment lifecycle events reported by the
// provisioning side: it records the deployment's state and starts or stops
// its accrual chain.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/skyvps360/metered-billing/internal/keylock"
	"github.com/skyvps360/metered-billing/internal/logging"
	"github.com/skyvps360/metered-billing/internal/service/scheduler"
	"github.com/skyvps360/metered-billing/internal/storage"
	"github.com/skyvps360/metered-billing/pkg/models"
)

// Actions taken for an event
const (
	ActionRegistered        = "registered"
	ActionAlreadyRegistered = "already_registered"
	ActionUnregistered      = "unregistered"
)

// ErrInvalidStatus is returned for an unknown deployment status
var ErrInvalidStatus = errors.New("invalid deployment status")

// DeploymentStore persists deployment state
type DeploymentStore interface {
	Get(ctx context.Context, id string) (*models.Deployment, error)
	Upsert(ctx context.Context, d *models.Deployment) error
}

// Scheduler controls accrual chains
type Scheduler interface {
	Register(ctx context.Context, reg scheduler.Registration) error
	Unregister(ctx context.Context, deploymentID string) error
	DefaultResources() []scheduler.ResourceSpec
}

// Result describes what handling an event did
type Result struct {
	Deployment *models.Deployment `json:"deployment"`
	Action     string             `json:"action"`
}

// Handler applies deployment events
type Handler struct {
	deployments DeploymentStore
	scheduler   Scheduler
	logger      *slog.Logger

	// Events of one deployment are applied one at a time
	locks *keylock.Locks

	// For time mocking in tests
	now func() time.Time
}

// Option configures the handler
type Option func(*Handler)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithTimeFunc sets a custom time function (for testing)
func WithTimeFunc(fn func() time.Time) Option {
	return func(h *Handler) {
		h.now = fn
	}
}

// New creates a new event handler
func New(deployments DeploymentStore, sched Scheduler, opts ...Option) *Handler {
	h := &Handler{
		deployments: deployments,
		scheduler:   sched,
		logger:      slog.Default(),
		locks:       keylock.New(),
		now:         time.Now,
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// Handle records the event and reconciles the accrual chain. A running
// deployment is registered; a duplicate registration is ignored so a
// deployment never accrues twice. Any other status unregisters it.
//
// Events for the same deployment are serialized: a start arriving while a
// stop is still closing windows is applied after the stop completes.
func (h *Handler) Handle(ctx context.Context, ev models.DeploymentEvent) (*Result, error) {
	if !ev.Status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, ev.Status)
	}

	unlock := h.locks.Lock(ev.DeploymentID)
	defer unlock()

	ctx = logging.WithOwnerID(logging.WithDeploymentID(ctx, ev.DeploymentID), ev.OwnerID)
	now := h.now()

	dep, err := h.deployments.Get(ctx, ev.DeploymentID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		dep = &models.Deployment{ID: ev.DeploymentID, CreatedAt: now}
	case err != nil:
		return nil, fmt.Errorf("failed to get deployment: %w", err)
	}

	previous := dep.Status
	dep.OwnerID = ev.OwnerID
	dep.Status = ev.Status
	dep.Resources = models.Resources{Cloudlets: ev.Cloudlets, StorageGB: ev.StorageGB}
	dep.UpdatedAt = now

	if err := h.deployments.Upsert(ctx, dep); err != nil {
		return nil, fmt.Errorf("failed to save deployment: %w", err)
	}

	h.logger.InfoContext(ctx, "deployment event applied",
		slog.String("from", string(previous)),
		slog.String("to", string(ev.Status)))

	result := &Result{Deployment: dep}

	if !dep.IsRunning() {
		if err := h.scheduler.Unregister(ctx, dep.ID); err != nil {
			return nil, fmt.Errorf("failed to stop accrual: %w", err)
		}
		result.Action = ActionUnregistered
		return result, nil
	}

	err = h.scheduler.Register(ctx, scheduler.Registration{
		DeploymentID: dep.ID,
		OwnerID:      dep.OwnerID,
		Resources:    h.scheduler.DefaultResources(),
	})
	switch {
	case err == nil:
		result.Action = ActionRegistered
	case errors.Is(err, scheduler.ErrAlreadyRegistered):
		// Start after create, or a redelivered event; quantities are
		// picked up by the live chain's next window.
		h.logger.InfoContext(ctx, "deployment already accruing")
		result.Action = ActionAlreadyRegistered
	default:
		return nil, fmt.Errorf("failed to start accrual: %w", err)
	}

	return result, nil
}
