package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/skyvps360/metered-billing/pkg/models"
)

// CycleStore handles billing cycle persistence
type CycleStore struct {
	db *DB
}

// NewCycleStore creates a new cycle store
func NewCycleStore(db *DB) *CycleStore {
	return &CycleStore{db: db}
}

// FoldParams controls cycle creation during a fold
type FoldParams struct {
	Now         time.Time
	CycleLength time.Duration
	Currency    string
}

// FoldResult reports what a fold did
type FoldResult struct {
	Cycle         *models.BillingCycle
	Created       bool // A new cycle was opened for this fold
	AlreadyFolded bool // The record was already part of Cycle; nothing changed
}

const cycleColumns = `
	id, owner_id, period_start, period_end, status, amount, currency,
	payment_id, notified_at, created_at, updated_at
`

// Fold adds a billed record to its owner's open cycle, creating the cycle if
// none is open. The lookup, insert and increment run in one immediate
// transaction, which holds the database write lock from BEGIN, so two folds
// can neither open two cycles nor lose an increment.
func (s *CycleStore) Fold(ctx context.Context, record *models.UsageRecord, params FoldParams) (*FoldResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classifyTxErr("begin fold", err)
	}
	defer tx.Rollback()

	now := utc(params.Now)

	// A record belongs to at most one cycle
	var existingID string
	err = tx.QueryRowContext(ctx,
		`SELECT cycle_id FROM cycle_records WHERE record_id = ?`, record.ID).Scan(&existingID)
	switch {
	case err == nil:
		cycle, err := getCycleTx(ctx, tx, existingID)
		if err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, classifyTxErr("commit fold", err)
		}
		return &FoldResult{Cycle: cycle, AlreadyFolded: true}, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, classifyTxErr("check fold membership", err)
	}

	cycle, err := findOpenTx(ctx, tx, record.OwnerID, now)
	created := false
	if errors.Is(err, ErrNotFound) {
		cycle = &models.BillingCycle{
			ID:        uuid.New().String(),
			OwnerID:   record.OwnerID,
			Period:    models.Period{Start: now, End: now.Add(params.CycleLength)},
			Status:    models.CyclePending,
			Amount:    decimal.Zero,
			Currency:  params.Currency,
			CreatedAt: now,
			UpdatedAt: now,
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO billing_cycles (`+cycleColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			cycle.ID, cycle.OwnerID, cycle.Period.Start, cycle.Period.End, cycle.Status,
			cycle.Amount, cycle.Currency, sql.NullString{}, sql.NullTime{},
			cycle.CreatedAt, cycle.UpdatedAt,
		)
		if err != nil {
			return nil, classifyTxErr("create billing cycle", err)
		}
		created = true
	} else if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cycle_records (cycle_id, record_id, position, folded_at)
		VALUES (?, ?, (SELECT COUNT(*) + 1 FROM cycle_records WHERE cycle_id = ?), ?)
	`, cycle.ID, record.ID, cycle.ID, now)
	if err != nil {
		return nil, classifyTxErr("append cycle record", err)
	}

	cycle.Amount = cycle.Amount.Add(record.Cost)
	cycle.UpdatedAt = now
	_, err = tx.ExecContext(ctx,
		`UPDATE billing_cycles SET amount = ?, updated_at = ? WHERE id = ?`,
		cycle.Amount, cycle.UpdatedAt, cycle.ID)
	if err != nil {
		return nil, classifyTxErr("update cycle amount", err)
	}

	cycle.RecordIDs, err = recordIDsTx(ctx, tx, cycle.ID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, classifyTxErr("commit fold", err)
	}

	return &FoldResult{Cycle: cycle, Created: created}, nil
}

// Get retrieves a cycle with its record IDs
func (s *CycleStore) Get(ctx context.Context, id string) (*models.BillingCycle, error) {
	cycle, err := scanCycle(s.db.QueryRowContext(ctx,
		`SELECT `+cycleColumns+` FROM billing_cycles WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get billing cycle: %w", err)
	}

	cycle.RecordIDs, err = s.recordIDs(ctx, cycle.ID)
	if err != nil {
		return nil, err
	}
	return cycle, nil
}

// GetOpen returns the owner's open cycle at now, or ErrNotFound
func (s *CycleStore) GetOpen(ctx context.Context, ownerID string, now time.Time) (*models.BillingCycle, error) {
	cycle, err := scanCycle(s.db.QueryRowContext(ctx, openCycleQuery, ownerID,
		models.CyclePending, models.CycleCompleted, utc(now)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get open billing cycle: %w", err)
	}

	cycle.RecordIDs, err = s.recordIDs(ctx, cycle.ID)
	if err != nil {
		return nil, err
	}
	return cycle, nil
}

// CountOpen returns how many cycles are open for an owner at now
func (s *CycleStore) CountOpen(ctx context.Context, ownerID string, now time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM billing_cycles
		WHERE owner_id = ? AND status IN (?, ?) AND period_end >= ?
	`, ownerID, models.CyclePending, models.CycleCompleted, utc(now)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count open billing cycles: %w", err)
	}
	return count, nil
}

// CycleQuery defines criteria for listing cycles
type CycleQuery struct {
	OwnerID     string
	Status      models.CycleStatus
	CreatedFrom time.Time // inclusive
	CreatedTo   time.Time // exclusive
	Limit       int
}

// List returns cycles matching the query, newest first. Record IDs are not loaded.
func (s *CycleStore) List(ctx context.Context, q CycleQuery) ([]*models.BillingCycle, error) {
	query := `SELECT ` + cycleColumns + ` FROM billing_cycles WHERE 1=1`
	var args []interface{}

	if q.OwnerID != "" {
		query += " AND owner_id = ?"
		args = append(args, q.OwnerID)
	}
	if q.Status != "" {
		query += " AND status = ?"
		args = append(args, q.Status)
	}
	if !q.CreatedFrom.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, utc(q.CreatedFrom))
	}
	if !q.CreatedTo.IsZero() {
		query += " AND created_at < ?"
		args = append(args, utc(q.CreatedTo))
	}

	query += " ORDER BY created_at DESC"

	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	return s.list(ctx, query, args...)
}

// SetOutcome moves a pending cycle to its payment outcome
func (s *CycleStore) SetOutcome(ctx context.Context, id string, outcome models.CycleOutcome, now time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE billing_cycles SET
			status = ?,
			payment_id = ?,
			updated_at = ?
		WHERE id = ? AND status = ?
	`, outcome.Status, outcome.PaymentID, utc(now), id, models.CyclePending)
	if err != nil {
		return fmt.Errorf("failed to set cycle outcome: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ErrStateConflict
}

// ListReadyForNotification returns pending cycles whose period has ended and
// that have not been handed to the payment side yet, with their record IDs
func (s *CycleStore) ListReadyForNotification(ctx context.Context, now time.Time) ([]*models.BillingCycle, error) {
	cycles, err := s.list(ctx, `
		SELECT `+cycleColumns+` FROM billing_cycles
		WHERE status = ? AND period_end < ? AND notified_at IS NULL
		ORDER BY period_end ASC
	`, models.CyclePending, utc(now))
	if err != nil {
		return nil, err
	}

	for _, cycle := range cycles {
		cycle.RecordIDs, err = s.recordIDs(ctx, cycle.ID)
		if err != nil {
			return nil, err
		}
	}
	return cycles, nil
}

// MarkNotified records that readiness was delivered for a cycle
func (s *CycleStore) MarkNotified(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE billing_cycles SET notified_at = ?, updated_at = ? WHERE id = ? AND notified_at IS NULL`,
		utc(at), utc(at), id)
	if err != nil {
		return fmt.Errorf("failed to mark cycle notified: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrStateConflict
	}
	return nil
}

func (s *CycleStore) list(ctx context.Context, query string, args ...interface{}) ([]*models.BillingCycle, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list billing cycles: %w", err)
	}
	defer rows.Close()

	var cycles []*models.BillingCycle
	for rows.Next() {
		cycle, err := scanCycle(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan billing cycle: %w", err)
		}
		cycles = append(cycles, cycle)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating billing cycles: %w", err)
	}

	return cycles, nil
}

func (s *CycleStore) recordIDs(ctx context.Context, cycleID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record_id FROM cycle_records WHERE cycle_id = ? ORDER BY position ASC`, cycleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cycle record ids: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// openCycleQuery selects the newest open cycle for an owner
const openCycleQuery = `
	SELECT ` + cycleColumns + ` FROM billing_cycles
	WHERE owner_id = ? AND status IN (?, ?) AND period_end >= ?
	ORDER BY created_at DESC
	LIMIT 1
`

func findOpenTx(ctx context.Context, tx *sql.Tx, ownerID string, now time.Time) (*models.BillingCycle, error) {
	cycle, err := scanCycle(tx.QueryRowContext(ctx, openCycleQuery, ownerID,
		models.CyclePending, models.CycleCompleted, now))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classifyTxErr("find open billing cycle", err)
	}
	return cycle, nil
}

func getCycleTx(ctx context.Context, tx *sql.Tx, id string) (*models.BillingCycle, error) {
	cycle, err := scanCycle(tx.QueryRowContext(ctx,
		`SELECT `+cycleColumns+` FROM billing_cycles WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classifyTxErr("get billing cycle", err)
	}
	cycle.RecordIDs, err = recordIDsTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	return cycle, nil
}

func recordIDsTx(ctx context.Context, tx *sql.Tx, cycleID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT record_id FROM cycle_records WHERE cycle_id = ? ORDER BY position ASC`, cycleID)
	if err != nil {
		return nil, classifyTxErr("list cycle record ids", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan record id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating record ids: %w", err)
	}
	return ids, nil
}

func scanCycle(row rowScanner) (*models.BillingCycle, error) {
	cycle := &models.BillingCycle{}
	var paymentID sql.NullString
	var notifiedAt sql.NullTime

	err := row.Scan(
		&cycle.ID, &cycle.OwnerID, &cycle.Period.Start, &cycle.Period.End,
		&cycle.Status, &cycle.Amount, &cycle.Currency,
		&paymentID, &notifiedAt, &cycle.CreatedAt, &cycle.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	cycle.PaymentID = paymentID.String
	cycle.NotifiedAt = timePtr(notifiedAt)
	return cycle, nil
}

// classifyTxErr maps lock contention to ErrAggregationConflict so callers can retry
func classifyTxErr(op string, err error) error {
	if isBusy(err) {
		return fmt.Errorf("%s: %w", op, ErrAggregationConflict)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
