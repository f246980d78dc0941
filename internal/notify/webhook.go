package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"github.com/skyvps360/metered-billing/pkg/models"
)

const (
	defaultTimeout           = 10 * time.Second
	defaultRetryMax          = 4
	defaultRetryWaitMin      = 500 * time.Millisecond
	defaultRetryWaitMax      = 5 * time.Second
	defaultRequestsPerSecond = 5
)

// Webhook posts ready cycles to an HTTP endpoint. Deliveries are throttled
// and transient failures are retried; the cycle ID is sent as the
// idempotency key so the receiver can drop duplicates.
type Webhook struct {
	url     string
	client  *retryablehttp.Client
	limiter *rate.Limiter
	logger  *slog.Logger
	now     func() time.Time
}

// WebhookOption configures the webhook notifier
type WebhookOption func(*Webhook)

// WithWebhookLogger sets a custom logger
func WithWebhookLogger(logger *slog.Logger) WebhookOption {
	return func(w *Webhook) {
		w.logger = logger
	}
}

// WithTimeout sets the per-attempt HTTP timeout
func WithTimeout(d time.Duration) WebhookOption {
	return func(w *Webhook) {
		if d > 0 {
			w.client.HTTPClient.Timeout = d
		}
	}
}

// WithRetry sets the retry budget and wait bounds
func WithRetry(max int, waitMin, waitMax time.Duration) WebhookOption {
	return func(w *Webhook) {
		w.client.RetryMax = max
		w.client.RetryWaitMin = waitMin
		w.client.RetryWaitMax = waitMax
	}
}

// WithRateLimit bounds deliveries per second
func WithRateLimit(perSecond float64, burst int) WebhookOption {
	return func(w *Webhook) {
		if perSecond > 0 {
			w.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// NewWebhook creates a webhook notifier for url
func NewWebhook(url string, opts ...WebhookOption) *Webhook {
	w := &Webhook{
		url: url,
		client: &retryablehttp.Client{
			HTTPClient:   &http.Client{Timeout: defaultTimeout},
			RetryWaitMin: defaultRetryWaitMin,
			RetryWaitMax: defaultRetryWaitMax,
			RetryMax:     defaultRetryMax,
			CheckRetry:   retryablehttp.DefaultRetryPolicy,
			Backoff:      retryablehttp.DefaultBackoff,
			ErrorHandler: retryablehttp.PassthroughErrorHandler,
		},
		limiter: rate.NewLimiter(rate.Limit(defaultRequestsPerSecond), 1),
		logger:  slog.Default(),
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(w)
	}

	// slog.Logger satisfies retryablehttp.LeveledLogger
	w.client.Logger = w.logger

	return w
}

// CycleReady implements aggregator.Notifier
func (w *Webhook) CycleReady(ctx context.Context, cycle *models.BillingCycle) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("webhook rate limit: %w", err)
	}

	body, err := json.Marshal(CyclePayload{
		Event:  EventCycleReady,
		Cycle:  cycle,
		SentAt: w.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode cycle %s: %w", cycle.ID, err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", cycle.ID)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	w.logger.DebugContext(ctx, "cycle notification delivered",
		slog.String("cycle_id", cycle.ID),
		slog.Int("status", resp.StatusCode))
	return nil
}
