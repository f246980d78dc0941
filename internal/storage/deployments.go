package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/skyvps360/metered-billing/pkg/models"
)

// DeploymentStore handles persistence of deployment state reported by the
// provisioning side
type DeploymentStore struct {
	db *DB
}

// NewDeploymentStore creates a new deployment store
func NewDeploymentStore(db *DB) *DeploymentStore {
	return &DeploymentStore{db: db}
}

// Upsert records the latest known state of a deployment
func (s *DeploymentStore) Upsert(ctx context.Context, d *models.Deployment) error {
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = now
	}

	query := `
		INSERT INTO deployments (id, owner_id, status, cloudlets, storage_gb, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner_id = excluded.owner_id,
			status = excluded.status,
			cloudlets = excluded.cloudlets,
			storage_gb = excluded.storage_gb,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		d.ID, d.OwnerID, d.Status,
		d.Resources.Cloudlets, d.Resources.StorageGB,
		utc(d.CreatedAt), utc(d.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert deployment: %w", err)
	}

	return nil
}

// Get retrieves a deployment by ID
func (s *DeploymentStore) Get(ctx context.Context, id string) (*models.Deployment, error) {
	query := `
		SELECT id, owner_id, status, cloudlets, storage_gb, created_at, updated_at
		FROM deployments
		WHERE id = ?
	`

	d, err := scanDeployment(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment: %w", err)
	}
	return d, nil
}

// ListByStatus returns deployments in any of the given statuses
func (s *DeploymentStore) ListByStatus(ctx context.Context, statuses ...models.DeploymentStatus) ([]*models.Deployment, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(statuses))
	args := make([]interface{}, len(statuses))
	for i, status := range statuses {
		placeholders[i] = "?"
		args[i] = status
	}

	query := fmt.Sprintf(`
		SELECT id, owner_id, status, cloudlets, storage_gb, created_at, updated_at
		FROM deployments
		WHERE status IN (%s)
		ORDER BY created_at ASC
	`, strings.Join(placeholders, ", "))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	defer rows.Close()

	var deployments []*models.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deployment: %w", err)
		}
		deployments = append(deployments, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deployments: %w", err)
	}

	return deployments, nil
}

func scanDeployment(row rowScanner) (*models.Deployment, error) {
	d := &models.Deployment{}
	err := row.Scan(
		&d.ID, &d.OwnerID, &d.Status,
		&d.Resources.Cloudlets, &d.Resources.StorageGB,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return d, nil
}
