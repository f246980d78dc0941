package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReportFilter selects cycles for a billing report.
// Zero values mean "no bound".
type ReportFilter struct {
	OwnerID string    `json:"owner_id,omitempty"`
	Start   time.Time `json:"start,omitempty"`
	End     time.Time `json:"end,omitempty"`
}

// Matches reports whether cycle c falls inside the filter. A cycle is
// attributed wholly to the range holding its creation time.
func (f ReportFilter) Matches(c *BillingCycle) bool {
	if f.OwnerID != "" && c.OwnerID != f.OwnerID {
		return false
	}
	if !f.Start.IsZero() && c.CreatedAt.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && !c.CreatedAt.Before(f.End) {
		return false
	}
	return true
}

// CycleSummary is a cycle line inside an owner summary
type CycleSummary struct {
	ID        string          `json:"id"`
	Amount    decimal.Decimal `json:"amount"`
	Status    CycleStatus     `json:"status"`
	Period    Period          `json:"billing_period"`
	CreatedAt time.Time       `json:"created_at"`
}

// OwnerSummary aggregates one owner's cycles in a report
type OwnerSummary struct {
	OwnerID      string          `json:"owner_id"`
	TotalBilled  decimal.Decimal `json:"total_billed"`
	TotalPending decimal.Decimal `json:"total_pending"`
	Cycles       []CycleSummary  `json:"cycles"`
}

// BillingReport is the admin revenue report
type BillingReport struct {
	Filter         ReportFilter             `json:"filter"`
	TotalRevenue   decimal.Decimal          `json:"total_revenue"`
	PendingRevenue decimal.Decimal          `json:"pending_revenue"`
	FailedAmount   decimal.Decimal          `json:"failed_amount"`
	RefundedAmount decimal.Decimal          `json:"refunded_amount"`
	CycleCount     int                      `json:"cycle_count"`
	OwnerCount     int                      `json:"owner_count"`
	Owners         map[string]*OwnerSummary `json:"owners"`
	GeneratedAt    time.Time                `json:"generated_at"`
}

// ResourceUsage is the live per-resource breakdown of active windows
type ResourceUsage struct {
	Quantity decimal.Decimal `json:"quantity"`
	Cost     decimal.Decimal `json:"cost"`
}

// CycleWindow describes the owner's current billing period
type CycleWindow struct {
	CycleID       string    `json:"cycle_id,omitempty"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	DaysRemaining int       `json:"days_remaining"`
}

// CurrentUsage is a point-in-time read of an owner's accrued cost
type CurrentUsage struct {
	OwnerID       string                         `json:"owner_id"`
	ActiveCost    decimal.Decimal                `json:"active_cost"` // Estimate for open windows
	BilledCost    decimal.Decimal                `json:"billed_cost"` // Closed windows this cycle
	TotalEstimate decimal.Decimal                `json:"total_estimate"`
	Resources     map[ResourceType]ResourceUsage `json:"resources"`
	Cycle         CycleWindow                    `json:"billing_cycle"`
	ActiveRecords []*UsageRecord                 `json:"active_usage"`
	AsOf          time.Time                      `json:"as_of"`
}
