package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/skyvps360/metered-billing/pkg/models"
)

// UsageStore handles usage record persistence
type UsageStore struct {
	db *DB
}

// NewUsageStore creates a new usage store
func NewUsageStore(db *DB) *UsageStore {
	return &UsageStore{db: db}
}

const usageColumns = `
	id, owner_id, deployment_id, resource_type, quantity, rate,
	start_time, end_time, cost, status, error, created_at
`

// Create inserts a new usage record
func (s *UsageStore) Create(ctx context.Context, record *models.UsageRecord) error {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = record.StartTime
	}

	query := `
		INSERT INTO usage_records (` + usageColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		record.ID,
		record.OwnerID,
		record.DeploymentID,
		record.ResourceType,
		record.Quantity,
		record.Rate,
		utc(record.StartTime),
		nullTime(record.EndTime),
		record.Cost,
		record.Status,
		record.Error,
		utc(record.CreatedAt),
	)

	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create usage record: %w", err)
	}

	return nil
}

// Get retrieves a usage record by ID
func (s *UsageStore) Get(ctx context.Context, id string) (*models.UsageRecord, error) {
	query := `SELECT ` + usageColumns + ` FROM usage_records WHERE id = ?`

	record, err := scanUsage(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get usage record: %w", err)
	}
	return record, nil
}

// MarkBilled persists a closed window. The update only applies to a record
// that is still active, so a second close can never overwrite the first.
func (s *UsageStore) MarkBilled(ctx context.Context, record *models.UsageRecord) error {
	if record.EndTime == nil {
		return fmt.Errorf("failed to bill usage record %s: missing end time", record.ID)
	}

	query := `
		UPDATE usage_records SET
			end_time = ?,
			cost = ?,
			status = ?,
			error = NULL
		WHERE id = ? AND status = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		utc(*record.EndTime),
		record.Cost,
		models.UsageBilled,
		record.ID,
		models.UsageActive,
	)
	if err != nil {
		return fmt.Errorf("failed to bill usage record: %w", err)
	}

	return s.checkTransition(ctx, result, record.ID)
}

// MarkError moves an active record to error with the failure reason
func (s *UsageStore) MarkError(ctx context.Context, id string, endTime time.Time, reason string) error {
	query := `
		UPDATE usage_records SET
			end_time = ?,
			status = ?,
			error = ?
		WHERE id = ? AND status = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		utc(endTime),
		models.UsageError,
		reason,
		id,
		models.UsageActive,
	)
	if err != nil {
		return fmt.Errorf("failed to mark usage record errored: %w", err)
	}

	return s.checkTransition(ctx, result, id)
}

// checkTransition distinguishes a missing record from one that already left active
func (s *UsageStore) checkTransition(ctx context.Context, result sql.Result, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM usage_records WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check usage record: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	return ErrStateConflict
}

// ListActive returns every open window, oldest first
func (s *UsageStore) ListActive(ctx context.Context) ([]*models.UsageRecord, error) {
	return s.list(ctx, `WHERE status = ? ORDER BY start_time ASC`, models.UsageActive)
}

// ListActiveByOwner returns an owner's open windows
func (s *UsageStore) ListActiveByOwner(ctx context.Context, ownerID string) ([]*models.UsageRecord, error) {
	return s.list(ctx, `WHERE owner_id = ? AND status = ? ORDER BY start_time ASC`, ownerID, models.UsageActive)
}

// ListActiveByDeployment returns a deployment's open windows
func (s *UsageStore) ListActiveByDeployment(ctx context.Context, deploymentID string) ([]*models.UsageRecord, error) {
	return s.list(ctx, `WHERE deployment_id = ? AND status = ? ORDER BY start_time ASC`, deploymentID, models.UsageActive)
}

// ListByDeployment returns a deployment's records, newest first
func (s *UsageStore) ListByDeployment(ctx context.Context, deploymentID string, limit int) ([]*models.UsageRecord, error) {
	clause := `WHERE deployment_id = ? ORDER BY start_time DESC, resource_type ASC`
	args := []interface{}{deploymentID}
	if limit > 0 {
		clause += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.list(ctx, clause, args...)
}

// ListUnfolded returns billed records that no cycle includes yet.
// An empty ownerID lists them for every owner.
func (s *UsageStore) ListUnfolded(ctx context.Context, ownerID string) ([]*models.UsageRecord, error) {
	clause := `WHERE status = ? AND id NOT IN (SELECT record_id FROM cycle_records)`
	args := []interface{}{models.UsageBilled}
	if ownerID != "" {
		clause += ` AND owner_id = ?`
		args = append(args, ownerID)
	}
	clause += ` ORDER BY end_time ASC`
	return s.list(ctx, clause, args...)
}

// ListByCycle returns the records folded into a cycle in fold order
func (s *UsageStore) ListByCycle(ctx context.Context, cycleID string) ([]*models.UsageRecord, error) {
	query := `
		SELECT
			u.id, u.owner_id, u.deployment_id, u.resource_type, u.quantity, u.rate,
			u.start_time, u.end_time, u.cost, u.status, u.error, u.created_at
		FROM usage_records u
		JOIN cycle_records cr ON cr.record_id = u.id
		WHERE cr.cycle_id = ?
		ORDER BY cr.position ASC
	`

	rows, err := s.db.QueryContext(ctx, query, cycleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cycle records: %w", err)
	}
	defer rows.Close()

	return scanUsageRows(rows)
}

func (s *UsageStore) list(ctx context.Context, clause string, args ...interface{}) ([]*models.UsageRecord, error) {
	query := `SELECT ` + usageColumns + ` FROM usage_records ` + clause

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage records: %w", err)
	}
	defer rows.Close()

	return scanUsageRows(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUsage(row rowScanner) (*models.UsageRecord, error) {
	record := &models.UsageRecord{}
	var endTime sql.NullTime
	var errorStr sql.NullString

	err := row.Scan(
		&record.ID, &record.OwnerID, &record.DeploymentID, &record.ResourceType,
		&record.Quantity, &record.Rate,
		&record.StartTime, &endTime, &record.Cost, &record.Status, &errorStr,
		&record.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	record.EndTime = timePtr(endTime)
	record.Error = errorStr.String
	return record, nil
}

func scanUsageRows(rows *sql.Rows) ([]*models.UsageRecord, error) {
	var records []*models.UsageRecord
	for rows.Next() {
		record, err := scanUsage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage records: %w", err)
	}

	return records, nil
}
