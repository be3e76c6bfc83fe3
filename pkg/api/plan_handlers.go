package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/rankforge/rankforge/pkg/catalog"
	"github.com/rankforge/rankforge/pkg/httputil"
)

// PlanHandlers exposes the plan catalog: public reads for pricing pages,
// admin mutations for catalog management
type PlanHandlers struct {
	plans catalog.Service
}

// NewPlanHandlers creates a new PlanHandlers
func NewPlanHandlers(plans catalog.Service) *PlanHandlers {
	return &PlanHandlers{plans: plans}
}

// RegisterRoutes registers plan routes
func (h *PlanHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/v1/plans", h.ListPlans).Methods("GET")
	router.HandleFunc("/v1/plans/{id}", h.GetPlan).Methods("GET")

	router.HandleFunc("/v1/admin/plans", h.CreatePlan).Methods("POST")
	router.HandleFunc("/v1/admin/plans/{id}", h.UpdatePlan).Methods("PUT")
	router.HandleFunc("/v1/admin/plans/{id}", h.DeactivatePlan).Methods("DELETE")
}

// ListPlans lists catalog plans, active-only unless ?include_inactive=true
func (h *PlanHandlers) ListPlans(w http.ResponseWriter, r *http.Request) {
	includeInactive, err := httputil.ParseQueryBool(r, "include_inactive", false)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	filter := catalog.ListFilter{ActiveOnly: !includeInactive}
	if planType := httputil.ParseQueryString(r, "plan_type", ""); planType != "" {
		filter.PlanType = catalog.PlanType(planType)
	}

	plans, err := h.plans.ListPlans(r.Context(), filter)
	if err != nil {
		httputil.WriteInternalError(w, errors.New("plan listing failed"))
		return
	}

	httputil.WriteSuccess(w, plans)
}

// GetPlan returns one plan by id
func (h *PlanHandlers) GetPlan(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	plan, err := h.plans.GetPlan(r.Context(), id)
	if errors.Is(err, catalog.ErrPlanNotFound) {
		httputil.WriteNotFound(w, "plan not found")
		return
	}
	if err != nil {
		httputil.WriteInternalError(w, errors.New("plan lookup failed"))
		return
	}

	httputil.WriteSuccess(w, plan)
}

// CreatePlan creates a catalog plan
func (h *PlanHandlers) CreatePlan(w http.ResponseWriter, r *http.Request) {
	var req catalog.CreatePlanRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	plan, err := h.plans.CreatePlan(r.Context(), &req)
	if err != nil {
		if isUniqueViolation(err) {
			httputil.WriteConflict(w, "price ID already in use")
			return
		}
		// Validation failures come back as plain errors from the service.
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	httputil.WriteCreated(w, plan)
}

// UpdatePlan updates mutable plan fields
func (h *PlanHandlers) UpdatePlan(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	var req catalog.UpdatePlanRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	plan, err := h.plans.UpdatePlan(r.Context(), id, &req)
	if errors.Is(err, catalog.ErrPlanNotFound) {
		httputil.WriteNotFound(w, "plan not found")
		return
	}
	if err != nil {
		httputil.WriteInternalError(w, errors.New("plan update failed"))
		return
	}

	httputil.WriteSuccess(w, plan)
}

// DeactivatePlan retires a plan from sale. Existing subscriptions keep their
// entitlements; only new purchases stop.
func (h *PlanHandlers) DeactivatePlan(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	err := h.plans.DeactivatePlan(r.Context(), id)
	if errors.Is(err, catalog.ErrPlanNotFound) {
		httputil.WriteNotFound(w, "plan not found")
		return
	}
	if err != nil {
		httputil.WriteInternalError(w, errors.New("plan deactivation failed"))
		return
	}

	httputil.WriteNoContent(w)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate key")
}
