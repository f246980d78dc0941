package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// CostPrecision is the number of fractional digits kept on billed amounts
const CostPrecision int32 = 6

// ResourceType is a category of billable capacity with its own unit rate
type ResourceType string

const (
	ResourceComputeUnit ResourceType = "compute-unit" // Cloudlets
	ResourceStorage     ResourceType = "storage"      // GB of disk
	ResourceTransfer    ResourceType = "transfer"     // GB of egress
	ResourceOther       ResourceType = "other"
)

// ResourceTypes lists every known resource type in display order
var ResourceTypes = []ResourceType{
	ResourceComputeUnit,
	ResourceStorage,
	ResourceTransfer,
	ResourceOther,
}

// Valid reports whether r is a known resource type
func (r ResourceType) Valid() bool {
	switch r {
	case ResourceComputeUnit, ResourceStorage, ResourceTransfer, ResourceOther:
		return true
	}
	return false
}

// UsageStatus is the state of a usage record
type UsageStatus string

const (
	UsageActive UsageStatus = "active" // Window open, cost is an estimate
	UsageBilled UsageStatus = "billed" // Window closed, cost is exact
	UsageError  UsageStatus = "error"  // Closed on failure, needs manual reconciliation
)

// UsageRecord is one accrual window for a (deployment, resource type) pair
type UsageRecord struct {
	ID           string          `json:"id"`
	OwnerID      string          `json:"owner_id"`
	DeploymentID string          `json:"deployment_id"`
	ResourceType ResourceType    `json:"resource_type"`
	Quantity     decimal.Decimal `json:"quantity"`
	Rate         decimal.Decimal `json:"rate"` // Currency per unit per hour
	StartTime    time.Time       `json:"start_time"`
	EndTime      *time.Time      `json:"end_time,omitempty"`
	Cost         decimal.Decimal `json:"cost"`
	Status       UsageStatus     `json:"status"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// IsActive returns true while the window is still accruing
func (r *UsageRecord) IsActive() bool {
	return r.Status == UsageActive
}

// Duration returns the closed window length, or zero while open
func (r *UsageRecord) Duration() time.Duration {
	if r.EndTime == nil {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}

// Clone returns a copy that shares no mutable state with r
func (r *UsageRecord) Clone() *UsageRecord {
	c := *r
	if r.EndTime != nil {
		end := *r.EndTime
		c.EndTime = &end
	}
	return &c
}
