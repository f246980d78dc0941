package meter

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyvps360/metered-billing/internal/storage"
	"github.com/skyvps360/metered-billing/pkg/models"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *storage.UsageStore {
	t.Helper()

	db, err := storage.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background()))
	t.Cleanup(func() { db.Close() })

	return storage.NewUsageStore(db)
}

// testClock is a settable time source
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestMeter(t *testing.T) (*Meter, *storage.UsageStore, *testClock) {
	store := newTestStore(t)
	clock := &testClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	m := New(store, WithLogger(newTestLogger()), WithTimeFunc(clock.Now))
	return m, store, clock
}

func computeRequest(qty int64, rate string) OpenRequest {
	return OpenRequest{
		OwnerID:      "user1",
		DeploymentID: "dep1",
		ResourceType: models.ResourceComputeUnit,
		Quantity:     decimal.NewFromInt(qty),
		Rate:         decimal.RequireFromString(rate),
	}
}

func TestCost(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		quantity string
		rate     string
		elapsed  time.Duration
		expected string
	}{
		{"one hour", "4", "0.006", time.Hour, "0.024"},
		{"half hour", "4", "0.006", 30 * time.Minute, "0.012"},
		{"ninety minutes", "2", "0.0002", 90 * time.Minute, "0.0006"},
		{"rounds half away from zero", "1", "0.000001", 30 * time.Minute, "0.000001"},
		{"rounds down below half", "1", "0.000001", 20 * time.Minute, "0"},
		{"one second", "1", "3.6", time.Second, "0.001"},
		{"zero length", "4", "0.006", 0, "0"},
		{"negative length", "4", "0.006", -time.Hour, "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Cost(
				decimal.RequireFromString(tt.quantity),
				decimal.RequireFromString(tt.rate),
				start, start.Add(tt.elapsed))
			assert.True(t, got.Equal(decimal.RequireFromString(tt.expected)),
				"expected %s, got %s", tt.expected, got)
		})
	}
}

func TestMeter_OpenCloseOneHour(t *testing.T) {
	m, store, clock := newTestMeter(t)
	ctx := context.Background()

	record, err := m.Open(ctx, computeRequest(4, "0.006"))
	require.NoError(t, err)
	assert.Equal(t, models.UsageActive, record.Status)
	assert.True(t, record.Cost.IsZero())
	assert.Nil(t, record.EndTime)

	clock.Advance(time.Hour)
	require.NoError(t, m.Close(ctx, record))

	assert.Equal(t, models.UsageBilled, record.Status)
	assert.Equal(t, "0.024", record.Cost.String())
	assert.Equal(t, time.Hour, record.Duration())

	stored, err := store.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.UsageBilled, stored.Status)
	assert.Equal(t, "0.024", stored.Cost.String())
	require.NotNil(t, stored.EndTime)
	assert.False(t, stored.EndTime.Before(stored.StartTime))
}

func TestMeter_Open_Validation(t *testing.T) {
	m, _, _ := newTestMeter(t)
	ctx := context.Background()

	_, err := m.Open(ctx, computeRequest(0, "0.006"))
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = m.Open(ctx, computeRequest(-1, "0.006"))
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = m.Open(ctx, computeRequest(4, "0"))
	assert.ErrorIs(t, err, ErrInvalidRate)

	_, err = m.Open(ctx, computeRequest(4, "-0.1"))
	assert.ErrorIs(t, err, ErrInvalidRate)

	req := computeRequest(4, "0.006")
	req.ResourceType = "gpu"
	_, err = m.Open(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidResourceType)
}

func TestMeter_Open_AlreadyOpen(t *testing.T) {
	m, _, _ := newTestMeter(t)
	ctx := context.Background()

	_, err := m.Open(ctx, computeRequest(4, "0.006"))
	require.NoError(t, err)

	_, err = m.Open(ctx, computeRequest(4, "0.006"))
	assert.ErrorIs(t, err, ErrAlreadyOpen)
}

func TestMeter_Close_NotActive(t *testing.T) {
	m, store, clock := newTestMeter(t)
	ctx := context.Background()

	record, err := m.Open(ctx, computeRequest(4, "0.006"))
	require.NoError(t, err)
	clock.Advance(time.Hour)
	require.NoError(t, m.Close(ctx, record))

	// In-memory guard
	clock.Advance(time.Hour)
	assert.ErrorIs(t, m.Close(ctx, record), ErrNotActive)
	assert.Equal(t, "0.024", record.Cost.String())

	// Stale copy that still looks active is stopped by storage
	stale := record.Clone()
	stale.Status = models.UsageActive
	stale.EndTime = nil
	assert.ErrorIs(t, m.Close(ctx, stale), ErrNotActive)

	stored, err := store.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, "0.024", stored.Cost.String())
}

func TestMeter_Close_ConcurrentDoubleClose(t *testing.T) {
	m, store, clock := newTestMeter(t)
	ctx := context.Background()

	record, err := m.Open(ctx, computeRequest(4, "0.006"))
	require.NoError(t, err)
	clock.Advance(time.Hour)

	copies := []*models.UsageRecord{record.Clone(), record.Clone()}
	errs := make([]error, len(copies))

	var wg sync.WaitGroup
	for i := range copies {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.Close(ctx, copies[i])
		}(i)
	}
	wg.Wait()

	var succeeded, rejected int
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrNotActive):
			rejected++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, rejected)

	stored, err := store.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, "0.024", stored.Cost.String())
}

func TestMeter_CloseAt_ClampsToStart(t *testing.T) {
	m, _, clock := newTestMeter(t)
	ctx := context.Background()

	record, err := m.Open(ctx, computeRequest(4, "0.006"))
	require.NoError(t, err)

	require.NoError(t, m.CloseAt(ctx, record, clock.Now().Add(-time.Minute)))
	assert.True(t, record.EndTime.Equal(record.StartTime))
	assert.True(t, record.Cost.IsZero())
}

func TestMeter_Fail(t *testing.T) {
	m, store, clock := newTestMeter(t)
	ctx := context.Background()

	record, err := m.Open(ctx, computeRequest(4, "0.006"))
	require.NoError(t, err)
	clock.Advance(10 * time.Minute)

	require.NoError(t, m.Fail(ctx, record, errors.New("database unavailable")))
	assert.Equal(t, models.UsageError, record.Status)
	assert.Equal(t, "database unavailable", record.Error)

	stored, err := store.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.UsageError, stored.Status)

	// Errored records cannot be closed or failed again
	assert.ErrorIs(t, m.Close(ctx, record), ErrNotActive)
	stale := stored.Clone()
	stale.Status = models.UsageActive
	assert.ErrorIs(t, m.Fail(ctx, stale, errors.New("again")), ErrNotActive)
}

func TestMeter_OpenAt_BackdatedStart(t *testing.T) {
	m, store, clock := newTestMeter(t)
	ctx := context.Background()

	start := clock.Now().Add(-5 * time.Second)
	record, err := m.OpenAt(ctx, computeRequest(4, "0.006"), start)
	require.NoError(t, err)
	assert.True(t, record.StartTime.Equal(start))

	stored, err := store.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.True(t, stored.StartTime.Equal(start))

	clock.Advance(time.Hour - 5*time.Second)
	require.NoError(t, m.Close(ctx, record))
	assert.Equal(t, time.Hour, record.Duration())
	assert.Equal(t, "0.024", record.Cost.String())
}

func TestMeter_FailAt(t *testing.T) {
	m, store, clock := newTestMeter(t)
	ctx := context.Background()

	record, err := m.Open(ctx, computeRequest(4, "0.006"))
	require.NoError(t, err)
	end := clock.Now().Add(20 * time.Minute)
	clock.Advance(time.Hour)

	require.NoError(t, m.FailAt(ctx, record, end, errors.New("left open")))
	assert.Equal(t, 20*time.Minute, record.Duration())

	stored, err := store.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.UsageError, stored.Status)
	require.NotNil(t, stored.EndTime)
	assert.True(t, stored.EndTime.Equal(end))
	assert.True(t, stored.Cost.IsZero())
}

func TestMeter_Estimate(t *testing.T) {
	m, _, clock := newTestMeter(t)
	ctx := context.Background()

	record, err := m.Open(ctx, computeRequest(4, "0.006"))
	require.NoError(t, err)

	half := clock.Now().Add(30 * time.Minute)
	assert.Equal(t, "0.012", m.Estimate(record, half).String())
	assert.True(t, m.Estimate(record, record.StartTime.Add(-time.Hour)).IsZero())

	// Estimate and final cost share one rounding policy
	clock.Advance(37*time.Minute + 13*time.Second)
	estimate := m.Estimate(record, clock.Now())
	require.NoError(t, m.Close(ctx, record))
	assert.True(t, estimate.Equal(record.Cost))

	// Closed records report their billed cost
	assert.True(t, m.Estimate(record, clock.Now().Add(time.Hour)).Equal(record.Cost))
}

func TestMeter_Close_PersistenceFailure(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	store := storage.NewUsageStore(storage.Wrap(sqlDB))
	clock := &testClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	m := New(store, WithLogger(newTestLogger()), WithTimeFunc(clock.Now))
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO usage_records").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE usage_records SET").
		WillReturnError(errors.New("disk I/O error"))

	record, err := m.Open(ctx, computeRequest(4, "0.006"))
	require.NoError(t, err)

	clock.Advance(time.Hour)
	err = m.Close(ctx, record)
	require.ErrorIs(t, err, ErrPersistence)

	// Never left looking active
	assert.Equal(t, models.UsageError, record.Status)
	assert.Contains(t, record.Error, "disk I/O error")
	assert.ErrorIs(t, m.Close(ctx, record), ErrNotActive)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMeter_Open_PersistenceFailure(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	m := New(storage.NewUsageStore(storage.Wrap(sqlDB)), WithLogger(newTestLogger()))

	mock.ExpectExec("INSERT INTO usage_records").
		WillReturnError(errors.New("database is closed"))

	_, err = m.Open(context.Background(), computeRequest(4, "0.006"))
	assert.ErrorIs(t, err, ErrPersistence)
	assert.NoError(t, mock.ExpectationsWereMet())
}
