package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// CycleStatus is the payment state of a billing cycle
type CycleStatus string

const (
	CyclePending   CycleStatus = "pending"   // Accruing, not yet charged
	CycleCompleted CycleStatus = "completed" // Charge captured
	CycleFailed    CycleStatus = "failed"    // Charge failed
	CycleRefunded  CycleStatus = "refunded"  // Charge reversed
)

// Valid reports whether s is a known cycle status
func (s CycleStatus) Valid() bool {
	switch s {
	case CyclePending, CycleCompleted, CycleFailed, CycleRefunded:
		return true
	}
	return false
}

// Period is a half-open accounting window [Start, End)
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// BillingCycle is one owner's accrual accounting period
type BillingCycle struct {
	ID         string          `json:"id"`
	OwnerID    string          `json:"owner_id"`
	Period     Period          `json:"billing_period"`
	Status     CycleStatus     `json:"status"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	PaymentID  string          `json:"payment_id,omitempty"`
	RecordIDs  []string        `json:"usage_records"`
	NotifiedAt *time.Time      `json:"notified_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// IsOpen reports whether the cycle can still receive folds at now.
// Completed cycles count as open until their period ends.
func (c *BillingCycle) IsOpen(now time.Time) bool {
	if c.Status != CyclePending && c.Status != CycleCompleted {
		return false
	}
	return !c.Period.End.Before(now)
}

// CycleOutcome is the result reported by the payment collaborator
type CycleOutcome struct {
	Status    CycleStatus `json:"status"`
	PaymentID string      `json:"payment_id,omitempty"`
}

// CycleStatement is a cycle together with the usage records it includes
type CycleStatement struct {
	Cycle   *BillingCycle  `json:"cycle"`
	Records []*UsageRecord `json:"records"`
}
