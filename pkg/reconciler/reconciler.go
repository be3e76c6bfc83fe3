package reconciler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rankforge/rankforge/pkg/catalog"
	"github.com/rankforge/rankforge/pkg/credits"
	"github.com/rankforge/rankforge/pkg/observability"
	"github.com/rankforge/rankforge/pkg/subscription"
)

// Notifier receives meaningful transitions for user-facing email. Delivery is
// fire-and-forget on the implementation side; calls must never block on or
// fail the ledger mutation.
type Notifier interface {
	SubscriptionStarted(userID int64, planName string)
	CreditsGranted(userID int64, granted map[string]int)
	PaymentFailed(userID int64)
	PaymentRecovered(userID int64)
	SubscriptionCanceled(userID int64)
}

// SummaryInvalidator evicts a user's cached entitlement summary once a
// mutation has committed, so reads stop serving pre-event state. A nil
// invalidator disables eviction.
type SummaryInvalidator interface {
	InvalidateSummary(ctx context.Context, userID int64)
}

// Service ingests provider webhook events and reconciles them into
// subscription and credit ledger state. Effects are exactly-once per event id
// even though delivery is at-least-once: the processed-event insert and the
// mutation commit in one transaction.
type Service struct {
	db       *sql.DB
	plans    catalog.Service
	subs     *subscription.PostgresService
	ledger   *credits.PostgresService
	notifier Notifier
	cache    SummaryInvalidator
	secret   string
	locks    *keyedLocks
	logger   *observability.Logger
}

// NewService creates a reconciler
func NewService(db *sql.DB, plans catalog.Service, subs *subscription.PostgresService,
	ledger *credits.PostgresService, notifier Notifier, cache SummaryInvalidator,
	webhookSecret string, logger *observability.Logger) *Service {
	return &Service{
		db:       db,
		plans:    plans,
		subs:     subs,
		ledger:   ledger,
		notifier: notifier,
		cache:    cache,
		secret:   webhookSecret,
		locks:    newKeyedLocks(),
		logger:   logger,
	}
}

// Process verifies, deduplicates, and applies one provider event. A nil
// return means the event is durably recorded as processed (or already was)
// and the webhook endpoint may acknowledge. Any error leaves no local
// mutation behind; the provider redelivers and idempotency makes the retry
// harmless.
func (s *Service) Process(ctx context.Context, payload []byte, signature string) error {
	if !VerifySignature(payload, signature, s.secret) {
		return ErrInvalidSignature
	}

	event, err := ParseEvent(payload)
	if err != nil {
		return err
	}

	log := s.logger.WithFields(map[string]interface{}{
		"event_id":   event.ID,
		"event_type": string(event.Type),
	})

	unlock := s.locks.Lock(event.lockKey())
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	fresh, err := s.recordEvent(ctx, tx, event)
	if err != nil {
		return err
	}
	if !fresh {
		log.Debug("event already processed, acknowledging")
		return nil
	}

	userID, notify, err := s.dispatch(ctx, tx, event)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event %s: %w", event.ID, err)
	}

	log.Info("event reconciled")
	if userID != 0 && s.cache != nil {
		s.cache.InvalidateSummary(ctx, userID)
	}
	if notify != nil {
		notify()
	}
	return nil
}

// recordEvent claims the event id. Returns false when a previous delivery
// already processed it.
func (s *Service) recordEvent(ctx context.Context, tx *sql.Tx, event *Event) (bool, error) {
	result, err := tx.ExecContext(ctx, `
		INSERT INTO webhook_events (event_id, event_type)
		VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING
	`, event.ID, event.Type)
	if err != nil {
		return false, fmt.Errorf("failed to record event: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected > 0, nil
}

// dispatch applies one event inside tx. It returns the id of the user whose
// entitlement state changed (0 when nothing changed) and a post-commit
// notification callback.
func (s *Service) dispatch(ctx context.Context, tx *sql.Tx, event *Event) (int64, func(), error) {
	switch event.Type {
	case EventCheckoutCompleted:
		return s.handleCheckoutCompleted(ctx, tx, event)
	case EventSubscriptionUpdated:
		return s.handleSubscriptionUpdated(ctx, tx, event)
	case EventSubscriptionCanceled:
		return s.handleSubscriptionCanceled(ctx, tx, event)
	case EventPaymentSucceeded:
		return s.handlePaymentSucceeded(ctx, tx, event)
	case EventPaymentFailed:
		return s.handlePaymentFailed(ctx, tx, event)
	default:
		// Unknown kinds are acknowledged without effect so the provider does
		// not retry them forever.
		return 0, nil, nil
	}
}

func (s *Service) handleCheckoutCompleted(ctx context.Context, tx *sql.Tx, event *Event) (int64, func(), error) {
	plan, err := s.plans.GetPlanByPriceID(ctx, event.Data.PriceID)
	if err != nil {
		// Unknown price id is a hard stop, never a silent default. The
		// provider retries after the catalog is fixed.
		return 0, nil, fmt.Errorf("checkout %s: %w", event.ID, err)
	}

	if plan.PlanType == catalog.PlanTypeAddon {
		ledger := s.ledger.WithTx(tx)
		for quota, amount := range plan.Credits {
			if err := ledger.Grant(ctx, event.Data.UserID, quota, amount); err != nil {
				return 0, nil, fmt.Errorf("checkout %s: %w", event.ID, err)
			}
		}
		userID, granted := event.Data.UserID, plan.Credits
		return userID, func() { s.notifier.CreditsGranted(userID, granted) }, nil
	}

	params := subscription.CheckoutParams{
		UserID:                 event.Data.UserID,
		PlanID:                 plan.ID,
		ProviderSubscriptionID: event.Data.SubscriptionID,
		ProviderCustomerID:     event.Data.CustomerID,
		PeriodStart:            unixTime(event.Data.PeriodStart),
		PeriodEnd:              unixTime(event.Data.PeriodEnd),
		TrialEnd:               unixTimePtr(event.Data.TrialEnd),
		EventTS:                event.Timestamp(),
	}
	if event.Data.PeriodStart == 0 {
		params.PeriodStart = event.Timestamp()
	}
	if event.Data.PeriodEnd == 0 {
		params.PeriodEnd = params.PeriodStart.AddDate(0, 1, 0)
		if plan.BillingPeriod == catalog.BillingPeriodYearly {
			params.PeriodEnd = params.PeriodStart.AddDate(1, 0, 0)
		}
	}

	_, created, err := s.subs.WithTx(tx).CreateFromCheckout(ctx, params)
	if err != nil {
		return 0, nil, fmt.Errorf("checkout %s: %w", event.ID, err)
	}
	if !created {
		// The stored subscription carries a newer provider timestamp; this
		// checkout is the stale leg of a reorder. Record the event id and
		// keep the newer state.
		s.logger.WithField("event_id", event.ID).
			Warn("checkout superseded by newer subscription state, keeping stored record")
		return 0, nil, nil
	}

	userID, planName := event.Data.UserID, plan.Name
	return userID, func() { s.notifier.SubscriptionStarted(userID, planName) }, nil
}

func (s *Service) handleSubscriptionUpdated(ctx context.Context, tx *sql.Tx, event *Event) (int64, func(), error) {
	subs := s.subs.WithTx(tx)

	// Fields the event omits stay zero so the update leaves the stored
	// columns alone. A bare soft-cancel marker must not rewrite the billing
	// window.
	update := subscription.ProviderUpdate{
		CancelAtPeriodEnd: event.Data.CancelAtPeriodEnd,
		EventTS:           event.Timestamp(),
	}
	if event.Data.PeriodStart != 0 {
		update.PeriodStart = unixTime(event.Data.PeriodStart)
	}
	if event.Data.PeriodEnd != 0 {
		update.PeriodEnd = unixTime(event.Data.PeriodEnd)
	}

	var plan *catalog.Plan
	if event.Data.PriceID != "" {
		p, err := s.plans.GetPlanByPriceID(ctx, event.Data.PriceID)
		if err != nil {
			return 0, nil, fmt.Errorf("update %s: %w", event.ID, err)
		}
		plan = p
		update.PlanID = plan.ID
	}

	applied, err := subs.ApplyUpdate(ctx, event.Data.SubscriptionID, update)
	if err != nil {
		return 0, nil, fmt.Errorf("update %s: %w", event.ID, err)
	}
	if applied {
		sub, err := subs.GetByProviderID(ctx, event.Data.SubscriptionID)
		if err != nil {
			return 0, nil, fmt.Errorf("update %s: %w", event.ID, err)
		}
		return sub.UserID, nil, nil
	}

	// No row matched: either the update is stale (out-of-order, dropped by
	// the event_ts guard) or the originating checkout has not arrived yet.
	_, err = subs.GetByProviderID(ctx, event.Data.SubscriptionID)
	if err == nil {
		return 0, nil, nil // stale update, keep newer state
	}
	if !errors.Is(err, subscription.ErrNotFound) {
		return 0, nil, fmt.Errorf("update %s: %w", event.ID, err)
	}

	return s.upsertMinimal(ctx, tx, event, update, plan)
}

// upsertMinimal creates a subscription from an update event that arrived
// before its checkout. A later checkout.completed replaces it through the
// usual terminalize-then-create path. Events that carry no user or plan
// binding are acknowledged without effect; failing them would only make the
// provider redeliver an event we can never place.
func (s *Service) upsertMinimal(ctx context.Context, tx *sql.Tx, event *Event, update subscription.ProviderUpdate, plan *catalog.Plan) (int64, func(), error) {
	if event.Data.UserID == 0 || plan == nil {
		s.logger.WithFields(map[string]interface{}{
			"event_id":        event.ID,
			"subscription_id": event.Data.SubscriptionID,
		}).Warn("update for unknown subscription lacks user or plan binding, acknowledging without effect")
		return 0, nil, nil
	}

	s.logger.WithField("event_id", event.ID).
		Warn("subscription update arrived before checkout, upserting minimal record")

	params := subscription.CheckoutParams{
		UserID:                 event.Data.UserID,
		PlanID:                 plan.ID,
		ProviderSubscriptionID: event.Data.SubscriptionID,
		ProviderCustomerID:     event.Data.CustomerID,
		PeriodStart:            update.PeriodStart,
		PeriodEnd:              update.PeriodEnd,
		EventTS:                update.EventTS,
	}
	if params.PeriodStart.IsZero() {
		params.PeriodStart = update.EventTS
	}
	if params.PeriodEnd.IsZero() {
		params.PeriodEnd = params.PeriodStart.AddDate(0, 1, 0)
		if plan.BillingPeriod == catalog.BillingPeriodYearly {
			params.PeriodEnd = params.PeriodStart.AddDate(1, 0, 0)
		}
	}
	if _, _, err := s.subs.WithTx(tx).CreateFromCheckout(ctx, params); err != nil {
		return 0, nil, fmt.Errorf("update %s: %w", event.ID, err)
	}
	return event.Data.UserID, nil, nil
}

func (s *Service) handleSubscriptionCanceled(ctx context.Context, tx *sql.Tx, event *Event) (int64, func(), error) {
	terminal := subscription.StatusCanceled
	if event.Data.CancellationReason == CancellationReasonNonpayment {
		terminal = subscription.StatusUnpaid
	}

	subs := s.subs.WithTx(tx)
	applied, err := subs.Cancel(ctx, event.Data.SubscriptionID, terminal, event.Timestamp())
	if err != nil {
		return 0, nil, fmt.Errorf("cancel %s: %w", event.ID, err)
	}
	if !applied {
		return 0, nil, nil // already terminal or unknown
	}

	sub, err := subs.GetByProviderID(ctx, event.Data.SubscriptionID)
	if err != nil {
		return 0, nil, fmt.Errorf("cancel %s: %w", event.ID, err)
	}
	userID := sub.UserID
	return userID, func() { s.notifier.SubscriptionCanceled(userID) }, nil
}

func (s *Service) handlePaymentSucceeded(ctx context.Context, tx *sql.Tx, event *Event) (int64, func(), error) {
	subs := s.subs.WithTx(tx)
	applied, err := subs.Recover(ctx, event.Data.SubscriptionID, event.Timestamp())
	if err != nil {
		return 0, nil, fmt.Errorf("payment %s: %w", event.ID, err)
	}
	if !applied {
		// Not past_due, or no matching subscription: ignore.
		return 0, nil, nil
	}

	sub, err := subs.GetByProviderID(ctx, event.Data.SubscriptionID)
	if err != nil {
		return 0, nil, fmt.Errorf("payment %s: %w", event.ID, err)
	}
	userID := sub.UserID
	return userID, func() { s.notifier.PaymentRecovered(userID) }, nil
}

func (s *Service) handlePaymentFailed(ctx context.Context, tx *sql.Tx, event *Event) (int64, func(), error) {
	subs := s.subs.WithTx(tx)
	applied, err := subs.MarkPastDue(ctx, event.Data.SubscriptionID, event.Timestamp())
	if err != nil {
		return 0, nil, fmt.Errorf("payment %s: %w", event.ID, err)
	}
	if !applied {
		return 0, nil, nil
	}

	sub, err := subs.GetByProviderID(ctx, event.Data.SubscriptionID)
	if err != nil {
		return 0, nil, fmt.Errorf("payment %s: %w", event.ID, err)
	}
	userID := sub.UserID
	return userID, func() { s.notifier.PaymentFailed(userID) }, nil
}
