package subscription

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rankforge/rankforge/pkg/catalog"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx so state transitions can run
// inside a caller-owned transaction
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// nonTerminalStatuses is inlined into WHERE clauses guarding transitions
const nonTerminalStatuses = `('trial', 'active', 'lifetime', 'past_due')`

const subscriptionColumns = `id, user_id, plan_id, provider_subscription_id, provider_customer_id,
       status, period_start, period_end, trial_end, cancel_at_period_end, canceled_at,
       last_reset, event_ts, created_at, updated_at`

// PostgresService implements subscription persistence and state transitions
// using PostgreSQL. Transitions are guarded in SQL: a WHERE clause on the
// current status and on the provider event timestamp makes each one a single
// conditional update, correct under concurrent webhook delivery.
type PostgresService struct {
	db DBTX
}

// NewPostgresService creates a new PostgresService
func NewPostgresService(db DBTX) *PostgresService {
	return &PostgresService{db: db}
}

// WithTx returns a service bound to the given transaction
func (s *PostgresService) WithTx(tx *sql.Tx) *PostgresService {
	return &PostgresService{db: tx}
}

func scanSubscription(row *sql.Row) (*Subscription, error) {
	sub := &Subscription{}
	var providerSubID, providerCustID sql.NullString
	err := row.Scan(
		&sub.ID, &sub.UserID, &sub.PlanID, &providerSubID, &providerCustID,
		&sub.Status, &sub.PeriodStart, &sub.PeriodEnd, &sub.TrialEnd,
		&sub.CancelAtPeriodEnd, &sub.CanceledAt, &sub.LastReset, &sub.EventTS,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan subscription: %w", err)
	}
	sub.ProviderSubscriptionID = providerSubID.String
	sub.ProviderCustomerID = providerCustID.String
	return sub, nil
}

// Current returns the user's non-terminal subscription with usage counters
// loaded, or ErrNotFound
func (s *PostgresService) Current(ctx context.Context, userID int64) (*Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE user_id = $1 AND status IN ` + nonTerminalStatuses + `
		ORDER BY created_at DESC
		LIMIT 1
	`
	sub, err := scanSubscription(s.db.QueryRowContext(ctx, query, userID))
	if err != nil {
		return nil, err
	}
	if err := s.loadUsage(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// CurrentForUpdate is Current with a row lock on the subscription. It must
// run inside a transaction; the lock serializes the lazy reset and usage
// increment for one user against concurrent consumption requests.
func (s *PostgresService) CurrentForUpdate(ctx context.Context, userID int64) (*Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE user_id = $1 AND status IN ` + nonTerminalStatuses + `
		ORDER BY created_at DESC
		LIMIT 1
		FOR UPDATE
	`
	sub, err := scanSubscription(s.db.QueryRowContext(ctx, query, userID))
	if err != nil {
		return nil, err
	}
	if err := s.loadUsage(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// GetByProviderID returns the subscription bound to an external provider
// subscription id, terminal or not
func (s *PostgresService) GetByProviderID(ctx context.Context, providerSubID string) (*Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE provider_subscription_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`
	return scanSubscription(s.db.QueryRowContext(ctx, query, providerSubID))
}

func (s *PostgresService) loadUsage(ctx context.Context, sub *Subscription) error {
	query := `SELECT quota, used FROM subscription_usage WHERE subscription_id = $1`
	rows, err := s.db.QueryContext(ctx, query, sub.ID)
	if err != nil {
		return fmt.Errorf("failed to load usage: %w", err)
	}
	defer rows.Close()

	sub.Usage = make(map[string]int)
	for rows.Next() {
		var quota string
		var used int
		if err := rows.Scan(&quota, &used); err != nil {
			return fmt.Errorf("failed to scan usage: %w", err)
		}
		sub.Usage[quota] = used
	}
	return rows.Err()
}

// CreateFromCheckout creates the subscription a successful checkout produced.
// Any existing non-terminal subscription for the user is forced to canceled
// first, keeping at most one non-terminal record per user. When the stored
// subscription carries a newer provider event timestamp than the checkout,
// the checkout is the stale leg of a reorder: the stored record is kept and
// returned with created=false. Callers run this inside a transaction via
// WithTx.
func (s *PostgresService) CreateFromCheckout(ctx context.Context, params CheckoutParams) (*Subscription, bool, error) {
	existing, err := s.CurrentForUpdate(ctx, params.UserID)
	if err != nil && err != ErrNotFound {
		return nil, false, fmt.Errorf("failed to load prior subscription: %w", err)
	}
	if existing != nil && existing.EventTS.After(params.EventTS) {
		return existing, false, nil
	}

	terminalize := `
		UPDATE subscriptions
		SET status = 'canceled', canceled_at = NOW(), updated_at = NOW()
		WHERE user_id = $1 AND status IN ` + nonTerminalStatuses + `
	`
	if _, err := s.db.ExecContext(ctx, terminalize, params.UserID); err != nil {
		return nil, false, fmt.Errorf("failed to terminalize prior subscription: %w", err)
	}

	insert := `
		INSERT INTO subscriptions (user_id, plan_id, provider_subscription_id, provider_customer_id,
		                           status, period_start, period_end, trial_end, last_reset, event_ts)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at
	`
	sub := &Subscription{
		UserID:                 params.UserID,
		PlanID:                 params.PlanID,
		ProviderSubscriptionID: params.ProviderSubscriptionID,
		ProviderCustomerID:     params.ProviderCustomerID,
		Status:                 params.InitialStatus(),
		PeriodStart:            params.PeriodStart,
		PeriodEnd:              params.PeriodEnd,
		TrialEnd:               params.TrialEnd,
		LastReset:              params.PeriodStart,
		EventTS:                params.EventTS,
		Usage:                  make(map[string]int),
	}
	err = s.db.QueryRowContext(ctx, insert,
		sub.UserID, sub.PlanID, sub.ProviderSubscriptionID, sub.ProviderCustomerID,
		sub.Status, sub.PeriodStart, sub.PeriodEnd, sub.TrialEnd, sub.LastReset, sub.EventTS).
		Scan(&sub.ID, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create subscription: %w", err)
	}
	return sub, true, nil
}

// ApplyUpdate applies a subscription-updated event to the record bound to the
// provider subscription id. The event_ts guard drops updates older than what
// is already stored: last writer wins by provider time, not arrival order.
// Fields the event omitted arrive as zero values and leave the stored column
// untouched, so a bare soft-cancel marker cannot clobber the billing window.
// Returns false when no row matched, either because the record does not exist
// yet or because the update is stale.
func (s *PostgresService) ApplyUpdate(ctx context.Context, providerSubID string, update ProviderUpdate) (bool, error) {
	query := `
		UPDATE subscriptions
		SET plan_id = CASE WHEN $2 > 0 THEN $2 ELSE plan_id END,
		    period_start = CASE WHEN $3 > 'epoch'::timestamptz THEN $3 ELSE period_start END,
		    period_end = CASE WHEN $4 > 'epoch'::timestamptz THEN $4 ELSE period_end END,
		    cancel_at_period_end = COALESCE($5::boolean, cancel_at_period_end),
		    event_ts = $6,
		    updated_at = NOW()
		WHERE provider_subscription_id = $1
		  AND event_ts <= $6
		  AND status IN ` + nonTerminalStatuses + `
	`
	result, err := s.db.ExecContext(ctx, query, providerSubID, update.PlanID,
		update.PeriodStart, update.PeriodEnd, update.CancelAtPeriodEnd, update.EventTS)
	if err != nil {
		return false, fmt.Errorf("failed to apply subscription update: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected > 0, nil
}

// MarkPastDue transitions active|trial to past_due on a failed recurring
// payment
func (s *PostgresService) MarkPastDue(ctx context.Context, providerSubID string, eventTS time.Time) (bool, error) {
	query := `
		UPDATE subscriptions
		SET status = 'past_due', event_ts = $2, updated_at = NOW()
		WHERE provider_subscription_id = $1
		  AND status IN ('trial', 'active')
		  AND event_ts <= $2
	`
	return s.execTransition(ctx, query, providerSubID, eventTS)
}

// Recover transitions past_due back to active on a subsequent successful
// payment for the same provider subscription id
func (s *PostgresService) Recover(ctx context.Context, providerSubID string, eventTS time.Time) (bool, error) {
	query := `
		UPDATE subscriptions
		SET status = 'active', event_ts = $2, updated_at = NOW()
		WHERE provider_subscription_id = $1
		  AND status = 'past_due'
		  AND event_ts <= $2
	`
	return s.execTransition(ctx, query, providerSubID, eventTS)
}

// Cancel forces a subscription to a terminal status. Nonpayment cancellations
// land in unpaid, everything else in canceled.
func (s *PostgresService) Cancel(ctx context.Context, providerSubID string, terminal Status, eventTS time.Time) (bool, error) {
	if !terminal.Terminal() {
		return false, fmt.Errorf("cancel requires a terminal status, got %q", terminal)
	}
	query := `
		UPDATE subscriptions
		SET status = $2, canceled_at = NOW(), event_ts = $3, updated_at = NOW()
		WHERE provider_subscription_id = $1
		  AND status IN ` + nonTerminalStatuses + `
	`
	result, err := s.db.ExecContext(ctx, query, providerSubID, terminal, eventTS)
	if err != nil {
		return false, fmt.Errorf("failed to cancel subscription: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresService) execTransition(ctx context.Context, query, providerSubID string, eventTS time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, query, providerSubID, eventTS)
	if err != nil {
		return false, fmt.Errorf("failed to apply transition: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected > 0, nil
}

// ApplyLazyReset zeroes usage counters when a period boundary has passed.
// The conditional update on last_reset ensures exactly one logical reset per
// boundary even when many requests observe it simultaneously; callers hold
// the row lock from CurrentForUpdate inside the same transaction.
func (s *PostgresService) ApplyLazyReset(ctx context.Context, sub *Subscription, period catalog.BillingPeriod, now time.Time) error {
	boundary := ResetBoundary(sub.LastReset, period, now)
	if boundary.IsZero() {
		return nil
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions SET last_reset = $2, updated_at = NOW()
		WHERE id = $1 AND last_reset < $2
	`, sub.ID, boundary)
	if err != nil {
		return fmt.Errorf("failed to advance last_reset: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		// Another request already applied this reset.
		return nil
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE subscription_usage SET used = 0, updated_at = NOW() WHERE subscription_id = $1`,
		sub.ID); err != nil {
		return fmt.Errorf("failed to zero usage counters: %w", err)
	}

	sub.LastReset = boundary
	for quota := range sub.Usage {
		sub.Usage[quota] = 0
	}
	return nil
}

// IncrementUsage adds one unit of usage if and only if the counter is below
// the limit. The guard is part of the statement, so two racing requests for
// the last unit cannot both succeed.
func (s *PostgresService) IncrementUsage(ctx context.Context, subscriptionID int64, quota string, limit int) (bool, error) {
	if limit <= 0 {
		return false, nil
	}

	query := `
		INSERT INTO subscription_usage (subscription_id, quota, used)
		VALUES ($1, $2, 1)
		ON CONFLICT (subscription_id, quota) DO UPDATE
		SET used = subscription_usage.used + 1, updated_at = NOW()
		WHERE subscription_usage.used < $3
	`
	result, err := s.db.ExecContext(ctx, query, subscriptionID, quota, limit)
	if err != nil {
		return false, fmt.Errorf("failed to increment usage: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected > 0, nil
}

// SweepExpired cancels soft-canceled subscriptions whose billing period has
// elapsed without a renewal event superseding the marker. Run on a schedule.
func (s *PostgresService) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE subscriptions
		SET status = 'canceled', canceled_at = period_end, updated_at = NOW()
		WHERE cancel_at_period_end = true
		  AND status IN ('trial', 'active', 'past_due')
		  AND period_end <= $1
	`
	result, err := s.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired subscriptions: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected, nil
}
