package catalog

import (
	"errors"
	"time"
)

// PlanType distinguishes recurring subscription plans from one-time addon packs
type PlanType string

const (
	PlanTypeSubscription PlanType = "subscription"
	PlanTypeAddon        PlanType = "addon"
)

// BillingPeriod represents how often a plan bills
type BillingPeriod string

const (
	BillingPeriodMonthly BillingPeriod = "monthly"
	BillingPeriodYearly  BillingPeriod = "yearly"
	BillingPeriodOneTime BillingPeriod = "one_time"
)

// Plan represents a purchasable catalog entry. Plans are administrator-owned
// and never mutated by runtime flows.
type Plan struct {
	ID            int64          `json:"id"`
	Name          string         `json:"name"`
	PriceID       string         `json:"price_id"`
	PlanType      PlanType       `json:"plan_type"`
	BillingPeriod BillingPeriod  `json:"billing_period"`
	Limits        map[string]int `json:"limits,omitempty"`
	Credits       map[string]int `json:"credits,omitempty"`
	IsActive      bool           `json:"is_active"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// ListFilter narrows ListPlans results
type ListFilter struct {
	ActiveOnly bool
	PlanType   PlanType
}

// CreatePlanRequest represents an admin request to create a plan
type CreatePlanRequest struct {
	Name          string         `json:"name"`
	PriceID       string         `json:"price_id"`
	PlanType      PlanType       `json:"plan_type"`
	BillingPeriod BillingPeriod  `json:"billing_period"`
	Limits        map[string]int `json:"limits,omitempty"`
	Credits       map[string]int `json:"credits,omitempty"`
}

// UpdatePlanRequest represents an admin request to update a plan
type UpdatePlanRequest struct {
	Name    *string        `json:"name,omitempty"`
	Limits  map[string]int `json:"limits,omitempty"`
	Credits map[string]int `json:"credits,omitempty"`
}

// ErrPlanNotFound is returned when a plan id or price id is unknown or the
// plan is inactive. Callers must treat this as a hard stop, never defaulting
// entitlements.
var ErrPlanNotFound = errors.New("plan not found")

// Validate checks a create request for internal consistency
func (r *CreatePlanRequest) Validate() error {
	if r.Name == "" {
		return errors.New("plan name is required")
	}
	if r.PriceID == "" {
		return errors.New("price id is required")
	}
	switch r.PlanType {
	case PlanTypeSubscription:
		if len(r.Limits) == 0 {
			return errors.New("subscription plans require a limits map")
		}
	case PlanTypeAddon:
		if len(r.Credits) == 0 {
			return errors.New("addon plans require a credits map")
		}
	default:
		return errors.New("invalid plan type")
	}
	switch r.BillingPeriod {
	case BillingPeriodMonthly, BillingPeriodYearly, BillingPeriodOneTime:
	default:
		return errors.New("invalid billing period")
	}
	return nil
}
