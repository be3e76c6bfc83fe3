package reconciler

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventType represents the kind of a provider billing event
type EventType string

const (
	EventCheckoutCompleted    EventType = "checkout.completed"
	EventSubscriptionUpdated  EventType = "subscription.updated"
	EventSubscriptionCanceled EventType = "subscription.canceled"
	EventPaymentSucceeded     EventType = "payment.succeeded"
	EventPaymentFailed        EventType = "payment.failed"
)

// Event is the provider webhook payload after decoding. Delivery is
// at-least-once with no ordering guarantee; Created carries the provider-side
// timestamp used for last-writer-wins guards.
type Event struct {
	ID      string    `json:"id"`
	Type    EventType `json:"type"`
	Created int64     `json:"created"`
	Data    EventData `json:"data"`
}

// EventData is the object portion of a provider event. Fields are populated
// per event type; absent fields are zero values.
type EventData struct {
	UserID         int64  `json:"user_id"`
	CustomerID     string `json:"customer_id,omitempty"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	PriceID        string `json:"price_id,omitempty"`
	PeriodStart    int64  `json:"period_start,omitempty"`
	PeriodEnd      int64  `json:"period_end,omitempty"`
	TrialEnd       int64  `json:"trial_end,omitempty"`

	// CancelAtPeriodEnd is a pointer so an absent field is distinguishable
	// from an explicit false on subscription.updated events.
	CancelAtPeriodEnd *bool `json:"cancel_at_period_end,omitempty"`

	// CancellationReason is set on subscription.canceled events;
	// "payment_failed" marks a nonpayment cancellation.
	CancellationReason string `json:"cancellation_reason,omitempty"`
}

// CancellationReasonNonpayment marks provider cancellations for nonpayment;
// these land in the unpaid terminal status instead of canceled.
const CancellationReasonNonpayment = "payment_failed"

// ErrInvalidSignature is returned when the webhook signature does not match.
// The event is rejected without local mutation; the provider will retry.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// ErrMalformedEvent is returned when the payload cannot be decoded or lacks
// required fields for its type
var ErrMalformedEvent = errors.New("malformed webhook event")

// ParseEvent decodes and validates a provider event payload
func ParseEvent(payload []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if event.ID == "" {
		return nil, fmt.Errorf("%w: missing event id", ErrMalformedEvent)
	}
	switch event.Type {
	case EventCheckoutCompleted:
		if event.Data.UserID == 0 || event.Data.PriceID == "" {
			return nil, fmt.Errorf("%w: checkout event requires user_id and price_id", ErrMalformedEvent)
		}
	case EventSubscriptionUpdated, EventSubscriptionCanceled, EventPaymentSucceeded, EventPaymentFailed:
		if event.Data.SubscriptionID == "" {
			return nil, fmt.Errorf("%w: %s event requires subscription_id", ErrMalformedEvent, event.Type)
		}
	default:
		// Unknown event types are acknowledged without effect; the provider
		// sends more kinds than this engine reconciles.
	}
	return &event, nil
}

// Timestamp returns the provider-side event time
func (e *Event) Timestamp() time.Time {
	return time.Unix(e.Created, 0).UTC()
}

// lockKey returns the serialization key for this event: events for the same
// external subscription id must not interleave, everything else may run in
// parallel.
func (e *Event) lockKey() string {
	if e.Data.SubscriptionID != "" {
		return "sub:" + e.Data.SubscriptionID
	}
	return "evt:" + e.ID
}

func unixTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func unixTimePtr(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := unixTime(sec)
	return &t
}
