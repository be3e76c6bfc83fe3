package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/rankforge/rankforge/pkg/httputil"
	"github.com/rankforge/rankforge/pkg/subscription"
)

// SubscriptionHandlers exposes read access to a user's current subscription
type SubscriptionHandlers struct {
	subs SubscriptionReader
}

// NewSubscriptionHandlers creates a new SubscriptionHandlers
func NewSubscriptionHandlers(subs SubscriptionReader) *SubscriptionHandlers {
	return &SubscriptionHandlers{subs: subs}
}

// RegisterRoutes registers subscription routes
func (h *SubscriptionHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/v1/users/{user_id}/subscription", h.GetSubscription).Methods("GET")
}

// GetSubscription returns the user's current non-terminal subscription with
// its usage counters
func (h *SubscriptionHandlers) GetSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathInt64OrError(w, r, "user_id")
	if !ok {
		return
	}

	sub, err := h.subs.Current(r.Context(), userID)
	if errors.Is(err, subscription.ErrNotFound) {
		httputil.WriteNotFound(w, "no active subscription")
		return
	}
	if err != nil {
		httputil.WriteInternalError(w, errors.New("subscription lookup failed"))
		return
	}

	httputil.WriteSuccess(w, sub)
}
