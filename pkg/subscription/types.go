package subscription

import (
	"errors"
	"time"

	"github.com/rankforge/rankforge/pkg/catalog"
)

// Status represents the lifecycle status of a subscription. The absence of a
// row is the implicit initial state; it is never stored.
type Status string

const (
	StatusTrial    Status = "trial"
	StatusActive   Status = "active"
	StatusLifetime Status = "lifetime"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
	StatusUnpaid   Status = "unpaid"
)

// Terminal reports whether no further transition can leave this status
func (s Status) Terminal() bool {
	return s == StatusCanceled || s == StatusUnpaid
}

// Subscription represents a user's current paid relationship to the system.
// Old records become terminal, never deleted.
type Subscription struct {
	ID                     int64      `json:"id"`
	UserID                 int64      `json:"user_id"`
	PlanID                 int64      `json:"plan_id"`
	ProviderSubscriptionID string     `json:"provider_subscription_id,omitempty"`
	ProviderCustomerID     string     `json:"provider_customer_id,omitempty"`
	Status                 Status     `json:"status"`
	PeriodStart            time.Time  `json:"period_start"`
	PeriodEnd              time.Time  `json:"period_end"`
	TrialEnd               *time.Time `json:"trial_end,omitempty"`
	CancelAtPeriodEnd      bool       `json:"cancel_at_period_end"`
	CanceledAt             *time.Time `json:"canceled_at,omitempty"`
	LastReset              time.Time  `json:"last_reset"`
	EventTS                time.Time  `json:"event_ts"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`

	// Usage maps quota name to units consumed since LastReset
	Usage map[string]int `json:"usage,omitempty"`
}

// CheckoutParams captures what a checkout-completed event carries for a
// subscription plan purchase
type CheckoutParams struct {
	UserID                 int64
	PlanID                 int64
	ProviderSubscriptionID string
	ProviderCustomerID     string
	PeriodStart            time.Time
	PeriodEnd              time.Time
	TrialEnd               *time.Time
	EventTS                time.Time
}

// InitialStatus chooses the status a fresh checkout lands in: a trial end
// means trial, a recurring provider subscription id means active, neither
// means a one-time lifetime purchase.
func (p CheckoutParams) InitialStatus() Status {
	if p.TrialEnd != nil && p.TrialEnd.After(p.PeriodStart) {
		return StatusTrial
	}
	if p.ProviderSubscriptionID != "" {
		return StatusActive
	}
	return StatusLifetime
}

// ProviderUpdate carries the mutable fields of a subscription-updated event.
// Zero values mean the event omitted the field and the stored value is kept.
type ProviderUpdate struct {
	PlanID            int64
	PeriodStart       time.Time
	PeriodEnd         time.Time
	CancelAtPeriodEnd *bool
	EventTS           time.Time
}

// ErrNotFound is returned when no matching subscription exists
var ErrNotFound = errors.New("subscription not found")

// ResetBoundary returns the most recent period boundary at or before now,
// stepping forward from lastReset in whole billing periods. The zero time
// means no boundary has passed and no reset is due.
func ResetBoundary(lastReset time.Time, period catalog.BillingPeriod, now time.Time) time.Time {
	var boundary time.Time
	for next := advance(lastReset, period); !next.After(now); next = advance(next, period) {
		boundary = next
	}
	return boundary
}

// advance steps one billing period forward. One-time (lifetime) plans meter
// usage monthly, same as monthly subscriptions.
func advance(t time.Time, period catalog.BillingPeriod) time.Time {
	if period == catalog.BillingPeriodYearly {
		return t.AddDate(1, 0, 0)
	}
	return t.AddDate(0, 1, 0)
}
