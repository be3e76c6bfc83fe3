package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/rankforge/rankforge/pkg/entitlement"
	"github.com/rankforge/rankforge/pkg/httputil"
	"github.com/rankforge/rankforge/pkg/observability"
)

// EntitlementHandlers answers consumption attempts and entitlement summaries
type EntitlementHandlers struct {
	gate   ConsumptionGate
	logger *observability.Logger
}

// NewEntitlementHandlers creates a new EntitlementHandlers
func NewEntitlementHandlers(gate ConsumptionGate, logger *observability.Logger) *EntitlementHandlers {
	return &EntitlementHandlers{
		gate:   gate,
		logger: logger,
	}
}

// RegisterRoutes registers entitlement routes
func (h *EntitlementHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/v1/users/{user_id}/consume", h.Consume).Methods("POST")
	router.HandleFunc("/v1/users/{user_id}/entitlements", h.GetSummary).Methods("GET")
}

// ConsumeRequest names the quota a metered action wants one unit of
type ConsumeRequest struct {
	Quota string `json:"quota"`
}

// ConsumeResponse carries the gate's decision back to the product service
type ConsumeResponse struct {
	Granted bool               `json:"granted"`
	Source  entitlement.Source `json:"source"`
	Error   string             `json:"error,omitempty"`
}

// Consume attempts to consume one unit of a quota. A denial is 402 with the
// decision in the body: the caller shows a paywall, nothing is retried.
func (h *EntitlementHandlers) Consume(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathInt64OrError(w, r, "user_id")
	if !ok {
		return
	}

	var req ConsumeRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Quota, "quota") {
		return
	}

	decision, err := h.gate.TryConsume(r.Context(), userID, req.Quota)
	if err != nil {
		h.logger.WithError(err).WithField("user_id", userID).Error("consumption attempt failed")
		httputil.WriteInternalError(w, errors.New("consumption attempt failed"))
		return
	}

	resp := ConsumeResponse{Granted: decision.Granted, Source: decision.Source}
	if !decision.Granted {
		resp.Error = (&entitlement.QuotaExhaustedError{Quota: req.Quota}).Error()
		httputil.WriteJSON(w, http.StatusPaymentRequired, resp)
		return
	}
	httputil.WriteSuccess(w, resp)
}

// GetSummary returns the per-quota entitlement projection for a user
func (h *EntitlementHandlers) GetSummary(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathInt64OrError(w, r, "user_id")
	if !ok {
		return
	}

	summary, err := h.gate.Summary(r.Context(), userID)
	if err != nil {
		h.logger.WithError(err).WithField("user_id", userID).Error("summary lookup failed")
		httputil.WriteInternalError(w, errors.New("summary lookup failed"))
		return
	}

	httputil.WriteSuccess(w, summary)
}
