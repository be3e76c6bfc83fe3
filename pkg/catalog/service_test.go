package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*PostgresService, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	svc, err := NewPostgresService(db)
	require.NoError(t, err)
	return svc, mock
}

func planRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "name", "price_id", "plan_type", "billing_period",
		"limits", "credits", "is_active", "created_at", "updated_at",
	})
}

func TestGetPlan(t *testing.T) {
	svc, mock := newTestService(t)
	now := time.Now()

	mock.ExpectQuery(`SELECT .+ FROM plans WHERE id = \$1 AND is_active = true`).
		WithArgs(int64(1)).
		WillReturnRows(planRows().AddRow(
			1, "Pro Monthly", "price_pro_monthly", "subscription", "monthly",
			[]byte(`{"seo_audits":10,"gbp_audits":5}`), []byte(`{}`), true, now, now,
		))

	plan, err := svc.GetPlan(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "Pro Monthly", plan.Name)
	assert.Equal(t, PlanTypeSubscription, plan.PlanType)
	assert.Equal(t, 10, plan.Limits["seo_audits"])
	assert.Equal(t, 5, plan.Limits["gbp_audits"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPlanNotFound(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectQuery(`SELECT .+ FROM plans WHERE id = \$1 AND is_active = true`).
		WithArgs(int64(42)).
		WillReturnRows(planRows())

	_, err := svc.GetPlan(context.Background(), 42)
	assert.ErrorIs(t, err, ErrPlanNotFound)
}

func TestGetPlanByPriceIDCaches(t *testing.T) {
	svc, mock := newTestService(t)
	now := time.Now()

	// Only one database round trip expected for two lookups.
	mock.ExpectQuery(`SELECT .+ FROM plans WHERE price_id = \$1 AND is_active = true`).
		WithArgs("price_addon_5").
		WillReturnRows(planRows().AddRow(
			2, "Audit 5-Pack", "price_addon_5", "addon", "one_time",
			[]byte(`{}`), []byte(`{"seo_audits":5}`), true, now, now,
		))

	ctx := context.Background()
	first, err := svc.GetPlanByPriceID(ctx, "price_addon_5")
	require.NoError(t, err)
	second, err := svc.GetPlanByPriceID(ctx, "price_addon_5")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 5, second.Credits["seo_audits"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListPlansFiltered(t *testing.T) {
	svc, mock := newTestService(t)
	now := time.Now()

	mock.ExpectQuery(`SELECT .+ FROM plans WHERE 1=1 AND is_active = true AND plan_type = \$1 ORDER BY id`).
		WithArgs(PlanTypeAddon).
		WillReturnRows(planRows().AddRow(
			2, "Audit 5-Pack", "price_addon_5", "addon", "one_time",
			[]byte(`{}`), []byte(`{"seo_audits":5}`), true, now, now,
		))

	plans, err := svc.ListPlans(context.Background(), ListFilter{ActiveOnly: true, PlanType: PlanTypeAddon})
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, PlanTypeAddon, plans[0].PlanType)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreatePlanValidation(t *testing.T) {
	svc, _ := newTestService(t)

	tests := []struct {
		name string
		req  CreatePlanRequest
	}{
		{"missing name", CreatePlanRequest{PriceID: "p", PlanType: PlanTypeAddon, BillingPeriod: BillingPeriodOneTime, Credits: map[string]int{"x": 1}}},
		{"missing price id", CreatePlanRequest{Name: "n", PlanType: PlanTypeAddon, BillingPeriod: BillingPeriodOneTime, Credits: map[string]int{"x": 1}}},
		{"subscription without limits", CreatePlanRequest{Name: "n", PriceID: "p", PlanType: PlanTypeSubscription, BillingPeriod: BillingPeriodMonthly}},
		{"addon without credits", CreatePlanRequest{Name: "n", PriceID: "p", PlanType: PlanTypeAddon, BillingPeriod: BillingPeriodOneTime}},
		{"bad plan type", CreatePlanRequest{Name: "n", PriceID: "p", PlanType: "weird", BillingPeriod: BillingPeriodMonthly}},
		{"bad billing period", CreatePlanRequest{Name: "n", PriceID: "p", PlanType: PlanTypeAddon, BillingPeriod: "weekly", Credits: map[string]int{"x": 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreatePlan(context.Background(), &tt.req)
			assert.Error(t, err)
		})
	}
}

func TestCreatePlanInvalidatesPriceCache(t *testing.T) {
	svc, mock := newTestService(t)
	now := time.Now()

	mock.ExpectQuery(`INSERT INTO plans`).
		WithArgs("Starter", "price_starter", PlanTypeSubscription, BillingPeriodMonthly,
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(3, now, now))

	plan, err := svc.CreatePlan(context.Background(), &CreatePlanRequest{
		Name:          "Starter",
		PriceID:       "price_starter",
		PlanType:      PlanTypeSubscription,
		BillingPeriod: BillingPeriodMonthly,
		Limits:        map[string]int{"seo_audits": 3},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), plan.ID)
	assert.True(t, plan.IsActive)
	assert.NoError(t, mock.ExpectationsWereMet())
}
