package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/rankforge/rankforge/pkg/httputil"
	"github.com/rankforge/rankforge/pkg/observability"
	"github.com/rankforge/rankforge/pkg/provider"
	"github.com/rankforge/rankforge/pkg/subscription"
)

// CheckoutHandlers fronts the payment provider's hosted checkout and portal
type CheckoutHandlers struct {
	checkout CheckoutClient
	subs     SubscriptionReader
	logger   *observability.Logger
}

// NewCheckoutHandlers creates a new CheckoutHandlers
func NewCheckoutHandlers(checkout CheckoutClient, subs SubscriptionReader, logger *observability.Logger) *CheckoutHandlers {
	return &CheckoutHandlers{
		checkout: checkout,
		subs:     subs,
		logger:   logger,
	}
}

// RegisterRoutes registers checkout routes
func (h *CheckoutHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/v1/users/{user_id}/checkout", h.CreateCheckout).Methods("POST")
	router.HandleFunc("/v1/users/{user_id}/portal", h.CreatePortal).Methods("POST")
}

// CheckoutRequest names the plan price the user wants to buy
type CheckoutRequest struct {
	PriceID string `json:"price_id"`
}

// CreateCheckout creates a hosted checkout session and returns its redirect
// URL. Fulfillment happens later through the webhook, never here.
func (h *CheckoutHandlers) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathInt64OrError(w, r, "user_id")
	if !ok {
		return
	}

	var req CheckoutRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.PriceID, "price_id") {
		return
	}

	session, err := h.checkout.CreateCheckoutSession(r.Context(), userID, req.PriceID)
	if err != nil {
		h.writeProviderError(w, userID, "checkout session creation failed", err)
		return
	}

	httputil.WriteCreated(w, session)
}

// CreatePortal creates a billing portal session for the user's provider
// customer record
func (h *CheckoutHandlers) CreatePortal(w http.ResponseWriter, r *http.Request) {
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
		h.logger.WithError(err).WithField("user_id", userID).Error("subscription lookup failed")
		httputil.WriteInternalError(w, errors.New("subscription lookup failed"))
		return
	}
	if sub.ProviderCustomerID == "" {
		httputil.WriteNotFound(w, "no provider customer on record")
		return
	}

	session, err := h.checkout.CreatePortalSession(r.Context(), sub.ProviderCustomerID)
	if err != nil {
		h.writeProviderError(w, userID, "portal session creation failed", err)
		return
	}

	httputil.WriteCreated(w, session)
}

func (h *CheckoutHandlers) writeProviderError(w http.ResponseWriter, userID int64, msg string, err error) {
	h.logger.WithError(err).WithField("user_id", userID).Error(msg)
	if errors.Is(err, provider.ErrProviderUnavailable) {
		httputil.WriteBadGateway(w, "payment provider unavailable")
		return
	}
	httputil.WriteInternalError(w, errors.New(msg))
}
