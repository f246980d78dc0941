package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DeploymentStatus represents the state of a hosted environment
type DeploymentStatus string

const (
	DeploymentCreating  DeploymentStatus = "creating"
	DeploymentRunning   DeploymentStatus = "running"
	DeploymentStopped   DeploymentStatus = "stopped"
	DeploymentFailed    DeploymentStatus = "failed"
	DeploymentSuspended DeploymentStatus = "suspended"
	DeploymentUpdating  DeploymentStatus = "updating"
	DeploymentDeleted   DeploymentStatus = "deleted"
)

// Valid reports whether s is a known deployment status
func (s DeploymentStatus) Valid() bool {
	switch s {
	case DeploymentCreating, DeploymentRunning, DeploymentStopped, DeploymentFailed,
		DeploymentSuspended, DeploymentUpdating, DeploymentDeleted:
		return true
	}
	return false
}

// Resources are the billable quantities held by a deployment
type Resources struct {
	Cloudlets int `json:"cloudlets"`
	StorageGB int `json:"storage_gb"`
}

// Quantity returns the units of resource type r held, or zero when the
// deployment does not report that resource.
func (r Resources) Quantity(t ResourceType) decimal.Decimal {
	switch t {
	case ResourceComputeUnit:
		return decimal.NewFromInt(int64(r.Cloudlets))
	case ResourceStorage:
		return decimal.NewFromInt(int64(r.StorageGB))
	}
	return decimal.Zero
}

// Deployment is the persisted view of an environment the engine bills for
type Deployment struct {
	ID        string           `json:"id"`
	OwnerID   string           `json:"owner_id"`
	Status    DeploymentStatus `json:"status"`
	Resources Resources        `json:"resources"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// IsRunning returns true if the deployment should be accruing usage
func (d *Deployment) IsRunning() bool {
	return d.Status == DeploymentRunning
}

// DeploymentEvent is a lifecycle transition reported by the provisioning side
type DeploymentEvent struct {
	DeploymentID string           `json:"deployment_id" binding:"required"`
	OwnerID      string           `json:"owner_id" binding:"required"`
	Status       DeploymentStatus `json:"status" binding:"required"`
	Cloudlets    int              `json:"cloudlets" binding:"min=0"`
	StorageGB    int              `json:"storage_gb" binding:"min=0"`
}
