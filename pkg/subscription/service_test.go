package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rankforge/rankforge/pkg/catalog"
)

func newTestService(t *testing.T) (*PostgresService, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresService(db), mock
}

func subscriptionRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "user_id", "plan_id", "provider_subscription_id", "provider_customer_id",
		"status", "period_start", "period_end", "trial_end", "cancel_at_period_end",
		"canceled_at", "last_reset", "event_ts", "created_at", "updated_at",
	})
}

func TestCurrent(t *testing.T) {
	svc, mock := newTestService(t)
	now := time.Now()

	mock.ExpectQuery(`SELECT .+ FROM subscriptions\s+WHERE user_id = \$1 AND status IN`).
		WithArgs(int64(7)).
		WillReturnRows(subscriptionRows().AddRow(
			1, 7, 2, "sub_abc", "cus_abc", "active",
			now.AddDate(0, -1, 5), now.AddDate(0, 0, 5), nil, false, nil,
			now.AddDate(0, -1, 5), now.AddDate(0, -1, 5), now, now,
		))
	mock.ExpectQuery(`SELECT quota, used FROM subscription_usage`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"quota", "used"}).
			AddRow("seo_audits", 3).
			AddRow("gbp_audits", 0))

	sub, err := svc.Current(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, sub.Status)
	assert.Equal(t, "sub_abc", sub.ProviderSubscriptionID)
	assert.Equal(t, map[string]int{"seo_audits": 3, "gbp_audits": 0}, sub.Usage)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCurrentNotFound(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectQuery(`SELECT .+ FROM subscriptions`).
		WithArgs(int64(7)).
		WillReturnRows(subscriptionRows())

	_, err := svc.Current(context.Background(), 7)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateFromCheckoutTerminalizesPrior(t *testing.T) {
	svc, mock := newTestService(t)
	now := time.Now()
	start := now
	end := now.AddDate(0, 1, 0)
	priorStart := now.AddDate(0, -1, 0)

	// The stored record carries an older event_ts, so it is forced to
	// canceled before the insert.
	mock.ExpectQuery(`SELECT .+ FROM subscriptions\s+WHERE user_id = \$1 AND status IN .+ FOR UPDATE`).
		WithArgs(int64(7)).
		WillReturnRows(subscriptionRows().AddRow(
			3, 7, 1, "sub_old", "cus_abc", "active",
			priorStart, now, nil, false, nil,
			priorStart, now.Add(-time.Hour), now, now,
		))
	mock.ExpectQuery(`SELECT quota, used FROM subscription_usage`).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"quota", "used"}))
	mock.ExpectExec(`UPDATE subscriptions\s+SET status = 'canceled', canceled_at = NOW\(\)`).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO subscriptions`).
		WithArgs(int64(7), int64(2), "sub_new", "cus_abc", StatusActive,
			start, end, nil, start, now).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(5, now, now))

	sub, created, err := svc.CreateFromCheckout(context.Background(), CheckoutParams{
		UserID:                 7,
		PlanID:                 2,
		ProviderSubscriptionID: "sub_new",
		ProviderCustomerID:     "cus_abc",
		PeriodStart:            start,
		PeriodEnd:              end,
		EventTS:                now,
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, StatusActive, sub.Status)
	assert.Equal(t, start, sub.LastReset)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateFromCheckoutFirstSubscription(t *testing.T) {
	svc, mock := newTestService(t)
	now := time.Now()
	end := now.AddDate(0, 1, 0)

	mock.ExpectQuery(`SELECT .+ FROM subscriptions\s+WHERE user_id = \$1 AND status IN .+ FOR UPDATE`).
		WithArgs(int64(7)).
		WillReturnRows(subscriptionRows())
	mock.ExpectExec(`UPDATE subscriptions\s+SET status = 'canceled', canceled_at = NOW\(\)`).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`INSERT INTO subscriptions`).
		WithArgs(int64(7), int64(2), "sub_new", "", StatusActive,
			now, end, nil, now, now).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(5, now, now))

	sub, created, err := svc.CreateFromCheckout(context.Background(), CheckoutParams{
		UserID:                 7,
		PlanID:                 2,
		ProviderSubscriptionID: "sub_new",
		PeriodStart:            now,
		PeriodEnd:              end,
		EventTS:                now,
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(5), sub.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateFromCheckoutKeepsNewerSubscription(t *testing.T) {
	svc, mock := newTestService(t)
	now := time.Now()

	// The stored subscription came from a later provider event; the
	// late-arriving checkout must not cancel it or install its plan.
	mock.ExpectQuery(`SELECT .+ FROM subscriptions\s+WHERE user_id = \$1 AND status IN .+ FOR UPDATE`).
		WithArgs(int64(7)).
		WillReturnRows(subscriptionRows().AddRow(
			9, 7, 3, "sub_new", "cus_abc", "active",
			now, now.AddDate(0, 1, 0), nil, false, nil,
			now, now, now, now,
		))
	mock.ExpectQuery(`SELECT quota, used FROM subscription_usage`).
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"quota", "used"}).AddRow("seo_audits", 2))

	sub, created, err := svc.CreateFromCheckout(context.Background(), CheckoutParams{
		UserID:                 7,
		PlanID:                 1,
		ProviderSubscriptionID: "sub_old",
		PeriodStart:            now.Add(-2 * time.Hour),
		PeriodEnd:              now.AddDate(0, 1, 0),
		EventTS:                now.Add(-time.Hour),
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, int64(9), sub.ID)
	assert.Equal(t, int64(3), sub.PlanID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyUpdateStaleTimestampIgnored(t *testing.T) {
	svc, mock := newTestService(t)
	old := time.Now().Add(-time.Hour)

	// The event_ts guard matches no rows for an older event.
	mock.ExpectExec(`UPDATE subscriptions`).
		WithArgs("sub_abc", int64(0), sqlmock.AnyArg(), sqlmock.AnyArg(), nil, old).
		WillReturnResult(sqlmock.NewResult(0, 0))

	applied, err := svc.ApplyUpdate(context.Background(), "sub_abc", ProviderUpdate{
		PeriodStart: old.AddDate(0, -1, 0),
		PeriodEnd:   old,
		EventTS:     old,
	})
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestApplyUpdateOmittedPeriodsKeepWindow(t *testing.T) {
	svc, mock := newTestService(t)
	ts := time.Now()
	soft := true

	// A bare soft-cancel marker carries no period fields. The epoch guards
	// keep the stored billing window instead of rewriting it to 1970, which
	// would hand the subscription straight to the expiry sweep.
	mock.ExpectExec(`period_start = CASE WHEN \$3 > 'epoch'::timestamptz THEN \$3 ELSE period_start END,\s+period_end = CASE WHEN \$4 > 'epoch'::timestamptz THEN \$4 ELSE period_end END`).
		WithArgs("sub_abc", int64(0), time.Time{}, time.Time{}, true, ts).
		WillReturnResult(sqlmock.NewResult(0, 1))

	applied, err := svc.ApplyUpdate(context.Background(), "sub_abc", ProviderUpdate{
		CancelAtPeriodEnd: &soft,
		EventTS:           ts,
	})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkPastDueAndRecover(t *testing.T) {
	svc, mock := newTestService(t)
	ts := time.Now()

	mock.ExpectExec(`UPDATE subscriptions\s+SET status = 'past_due'`).
		WithArgs("sub_abc", ts).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE subscriptions\s+SET status = 'active'`).
		WithArgs("sub_abc", ts.Add(time.Minute)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	applied, err := svc.MarkPastDue(context.Background(), "sub_abc", ts)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = svc.Recover(context.Background(), "sub_abc", ts.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecoverOnlyFromPastDue(t *testing.T) {
	svc, mock := newTestService(t)
	ts := time.Now()

	// Status guard: a payment-succeeded for an active subscription is a no-op.
	mock.ExpectExec(`UPDATE subscriptions\s+SET status = 'active'`).
		WithArgs("sub_abc", ts).
		WillReturnResult(sqlmock.NewResult(0, 0))

	applied, err := svc.Recover(context.Background(), "sub_abc", ts)
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestCancelRequiresTerminalStatus(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Cancel(context.Background(), "sub_abc", StatusActive, time.Now())
	assert.Error(t, err)
}

func TestCancelToUnpaid(t *testing.T) {
	svc, mock := newTestService(t)
	ts := time.Now()

	mock.ExpectExec(`UPDATE subscriptions\s+SET status = \$2, canceled_at = NOW\(\)`).
		WithArgs("sub_abc", StatusUnpaid, ts).
		WillReturnResult(sqlmock.NewResult(0, 1))

	applied, err := svc.Cancel(context.Background(), "sub_abc", StatusUnpaid, ts)
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestApplyLazyResetNoBoundary(t *testing.T) {
	svc, _ := newTestService(t)
	now := time.Now()

	sub := &Subscription{ID: 1, LastReset: now.AddDate(0, 0, -5), Usage: map[string]int{"seo_audits": 3}}
	err := svc.ApplyLazyReset(context.Background(), sub, catalog.BillingPeriodMonthly, now)
	require.NoError(t, err)
	assert.Equal(t, 3, sub.Usage["seo_audits"])
}

func TestApplyLazyResetZeroesCounters(t *testing.T) {
	svc, mock := newTestService(t)
	now := time.Now()
	lastReset := now.AddDate(0, -1, -1)
	boundary := lastReset.AddDate(0, 1, 0)

	mock.ExpectExec(`UPDATE subscriptions SET last_reset = \$2`).
		WithArgs(int64(1), boundary).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE subscription_usage SET used = 0`).
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 2))

	sub := &Subscription{ID: 1, LastReset: lastReset, Usage: map[string]int{"seo_audits": 10, "gbp_audits": 5}}
	err := svc.ApplyLazyReset(context.Background(), sub, catalog.BillingPeriodMonthly, now)
	require.NoError(t, err)
	assert.Equal(t, boundary, sub.LastReset)
	assert.Equal(t, map[string]int{"seo_audits": 0, "gbp_audits": 0}, sub.Usage)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyLazyResetLostRace(t *testing.T) {
	svc, mock := newTestService(t)
	now := time.Now()
	lastReset := now.AddDate(0, -1, -1)

	// Another request advanced last_reset first; counters are left alone.
	mock.ExpectExec(`UPDATE subscriptions SET last_reset = \$2`).
		WithArgs(int64(1), lastReset.AddDate(0, 1, 0)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	sub := &Subscription{ID: 1, LastReset: lastReset, Usage: map[string]int{"seo_audits": 10}}
	err := svc.ApplyLazyReset(context.Background(), sub, catalog.BillingPeriodMonthly, now)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrementUsage(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectExec(`INSERT INTO subscription_usage`).
		WithArgs(int64(1), "seo_audits", 10).
		WillReturnResult(sqlmock.NewResult(0, 1))

	granted, err := svc.IncrementUsage(context.Background(), 1, "seo_audits", 10)
	require.NoError(t, err)
	assert.True(t, granted)
}

func TestIncrementUsageAtLimit(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectExec(`INSERT INTO subscription_usage`).
		WithArgs(int64(1), "seo_audits", 10).
		WillReturnResult(sqlmock.NewResult(0, 0))

	granted, err := svc.IncrementUsage(context.Background(), 1, "seo_audits", 10)
	require.NoError(t, err)
	assert.False(t, granted)
}

func TestIncrementUsageZeroLimitNeverGrants(t *testing.T) {
	svc, _ := newTestService(t)

	granted, err := svc.IncrementUsage(context.Background(), 1, "seo_audits", 0)
	require.NoError(t, err)
	assert.False(t, granted)
}

func TestSweepExpired(t *testing.T) {
	svc, mock := newTestService(t)
	now := time.Now()

	mock.ExpectExec(`UPDATE subscriptions\s+SET status = 'canceled', canceled_at = period_end`).
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 3))

	swept, err := svc.SweepExpired(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(3), swept)
}
