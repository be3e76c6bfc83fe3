package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rankforge/rankforge/pkg/entitlement"
	"github.com/rankforge/rankforge/pkg/observability"
	"github.com/rankforge/rankforge/pkg/subscription"
)

func newTestServer() *Server {
	return NewServer(Deps{
		Processor: &stubProcessor{},
		Gate:      &stubGate{decision: &entitlement.Decision{Granted: true, Source: entitlement.SourceSubscription}},
		Checkout:  &stubCheckout{},
		Subs:      &stubSubs{sub: activeSub()},
		Plans:     newStubCatalog(proPlan()),
		Metrics:   observability.NewMetrics(prometheus.NewRegistry()),
		Logger:    newTestLogger(),
	})
}

func TestServerRoutes(t *testing.T) {
	server := newTestServer()

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
	}{
		{"webhook", http.MethodPost, "/v1/billing/webhook",
			`{"id":"evt_1","type":"payment.succeeded","data":{"subscription_id":"sub_1"}}`, http.StatusOK},
		{"consume", http.MethodPost, "/v1/users/42/consume", `{"quota":"seo_audits"}`, http.StatusOK},
		{"entitlements", http.MethodGet, "/v1/users/42/entitlements", "", http.StatusOK},
		{"subscription", http.MethodGet, "/v1/users/42/subscription", "", http.StatusOK},
		{"plans", http.MethodGet, "/v1/plans", "", http.StatusOK},
		{"plan by id", http.MethodGet, "/v1/plans/1", "", http.StatusOK},
		{"unknown route", http.MethodGet, "/v1/nothing", "", http.StatusNotFound},
		{"wrong method", http.MethodGet, "/v1/billing/webhook", "", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req *http.Request
			if tt.body != "" {
				req = httptest.NewRequest(tt.method, tt.path, bytes.NewBufferString(tt.body))
			} else {
				req = httptest.NewRequest(tt.method, tt.path, nil)
			}
			rec := httptest.NewRecorder()
			server.Router().ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestServerSubscriptionEndpoint(t *testing.T) {
	server := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/v1/users/42/subscription", nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var sub subscription.Subscription
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&sub))
	assert.Equal(t, subscription.StatusActive, sub.Status)
	assert.Equal(t, "sub_abc", sub.ProviderSubscriptionID)
}

func TestServerRecoversFromPanic(t *testing.T) {
	server := newTestServer()

	// A nil gate decision makes the consume handler dereference nil.
	server.entitlementHandlers.gate = &stubGate{}

	req := httptest.NewRequest(http.MethodPost, "/v1/users/42/consume",
		bytes.NewBufferString(`{"quota":"seo_audits"}`))
	rec := httptest.NewRecorder()

	assert.NotPanics(t, func() {
		server.Router().ServeHTTP(rec, req)
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServerSetsRequestID(t *testing.T) {
	server := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/v1/plans", nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
