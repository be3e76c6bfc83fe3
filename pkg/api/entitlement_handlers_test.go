package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rankforge/rankforge/pkg/entitlement"
)

type stubGate struct {
	decision   *entitlement.Decision
	summary    map[string]entitlement.QuotaSummary
	err        error
	gotUserID  int64
	gotQuota   string
}

func (s *stubGate) TryConsume(_ context.Context, userID int64, quota string) (*entitlement.Decision, error) {
	s.gotUserID = userID
	s.gotQuota = quota
	return s.decision, s.err
}

func (s *stubGate) Summary(_ context.Context, userID int64) (map[string]entitlement.QuotaSummary, error) {
	s.gotUserID = userID
	return s.summary, s.err
}

func newEntitlementRouter(gate ConsumptionGate) *mux.Router {
	router := mux.NewRouter()
	NewEntitlementHandlers(gate, newTestLogger()).RegisterRoutes(router)
	return router
}

func TestConsumeGranted(t *testing.T) {
	gate := &stubGate{decision: &entitlement.Decision{Granted: true, Source: entitlement.SourceSubscription}}
	router := newEntitlementRouter(gate)

	req := httptest.NewRequest(http.MethodPost, "/v1/users/42/consume",
		bytes.NewBufferString(`{"quota":"seo_audits"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp ConsumeResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Granted)
	assert.Equal(t, entitlement.SourceSubscription, resp.Source)
	assert.Empty(t, resp.Error)

	assert.Equal(t, int64(42), gate.gotUserID)
	assert.Equal(t, "seo_audits", gate.gotQuota)
}

func TestConsumeDeniedIs402(t *testing.T) {
	gate := &stubGate{decision: &entitlement.Decision{Granted: false, Source: entitlement.SourceNone}}
	router := newEntitlementRouter(gate)

	req := httptest.NewRequest(http.MethodPost, "/v1/users/42/consume",
		bytes.NewBufferString(`{"quota":"gbp_audits"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	var resp ConsumeResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.False(t, resp.Granted)
	assert.Equal(t, entitlement.SourceNone, resp.Source)
	assert.Contains(t, resp.Error, "gbp_audits")
}

func TestConsumeValidation(t *testing.T) {
	router := newEntitlementRouter(&stubGate{})

	t.Run("missing quota", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/users/42/consume",
			bytes.NewBufferString(`{}`))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "quota is required")
	})

	t.Run("invalid user id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/users/abc/consume",
			bytes.NewBufferString(`{"quota":"seo_audits"}`))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("invalid JSON", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/users/42/consume",
			bytes.NewBufferString(`{broken`))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestConsumeGateFailureIs500(t *testing.T) {
	gate := &stubGate{err: errors.New("connection refused")}
	router := newEntitlementRouter(gate)

	req := httptest.NewRequest(http.MethodPost, "/v1/users/42/consume",
		bytes.NewBufferString(`{"quota":"seo_audits"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection refused")
}

func TestGetSummary(t *testing.T) {
	gate := &stubGate{summary: map[string]entitlement.QuotaSummary{
		"seo_audits": {Available: 10, Used: 4, Remaining: 6, PercentageUsed: 40},
		"citations":  {Available: 5, Used: 0, Remaining: 5, PercentageUsed: 0},
	}}
	router := newEntitlementRouter(gate)

	req := httptest.NewRequest(http.MethodGet, "/v1/users/42/entitlements", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var summary map[string]entitlement.QuotaSummary
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&summary))
	assert.Len(t, summary, 2)
	assert.Equal(t, 6, summary["seo_audits"].Remaining)
	assert.InDelta(t, 40.0, summary["seo_audits"].PercentageUsed, 0.01)
	assert.Equal(t, int64(42), gate.gotUserID)
}

func TestGetSummaryFailureIs500(t *testing.T) {
	router := newEntitlementRouter(&stubGate{err: errors.New("boom")})

	req := httptest.NewRequest(http.MethodGet, "/v1/users/42/entitlements", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
