package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/rankforge/rankforge/pkg/catalog"
	"github.com/rankforge/rankforge/pkg/entitlement"
	"github.com/rankforge/rankforge/pkg/httputil"
	"github.com/rankforge/rankforge/pkg/observability"
	"github.com/rankforge/rankforge/pkg/provider"
	"github.com/rankforge/rankforge/pkg/subscription"
)

// WebhookProcessor ingests one signed provider event. A nil return means the
// event is durably recorded and the endpoint may acknowledge.
type WebhookProcessor interface {
	Process(ctx context.Context, payload []byte, signature string) error
}

// ConsumptionGate answers whether a metered action may proceed and projects
// per-quota entitlement summaries.
type ConsumptionGate interface {
	TryConsume(ctx context.Context, userID int64, quota string) (*entitlement.Decision, error)
	Summary(ctx context.Context, userID int64) (map[string]entitlement.QuotaSummary, error)
}

// CheckoutClient creates hosted checkout and billing portal sessions with the
// payment provider.
type CheckoutClient interface {
	CreateCheckoutSession(ctx context.Context, userID int64, priceID string) (*provider.Session, error)
	CreatePortalSession(ctx context.Context, customerID string) (*provider.Session, error)
}

// SubscriptionReader exposes the current non-terminal subscription for a user
type SubscriptionReader interface {
	Current(ctx context.Context, userID int64) (*subscription.Subscription, error)
}

// maxRequestBytes bounds request bodies. Webhook events and admin plan
// definitions are both small; anything larger is a mistake or abuse.
const maxRequestBytes = 1 << 20

// Server represents the billing API server
type Server struct {
	router *mux.Router
	logger *observability.Logger

	webhookHandlers      *WebhookHandlers
	entitlementHandlers  *EntitlementHandlers
	checkoutHandlers     *CheckoutHandlers
	planHandlers         *PlanHandlers
	subscriptionHandlers *SubscriptionHandlers
}

// Deps wires the services the API layer fronts
type Deps struct {
	Processor WebhookProcessor
	Gate      ConsumptionGate
	Checkout  CheckoutClient
	Subs      SubscriptionReader
	Plans     catalog.Service
	Metrics   *observability.Metrics
	Logger    *observability.Logger
}

// NewServer creates a billing API server with all routes registered
func NewServer(deps Deps) *Server {
	s := &Server{
		router:               mux.NewRouter(),
		logger:               deps.Logger,
		webhookHandlers:      NewWebhookHandlers(deps.Processor, deps.Metrics, deps.Logger),
		entitlementHandlers:  NewEntitlementHandlers(deps.Gate, deps.Logger),
		checkoutHandlers:     NewCheckoutHandlers(deps.Checkout, deps.Subs, deps.Logger),
		planHandlers:         NewPlanHandlers(deps.Plans),
		subscriptionHandlers: NewSubscriptionHandlers(deps.Subs),
	}

	s.setupRoutes(deps.Metrics)
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes(metrics *observability.Metrics) {
	if metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(metrics))
	}
	s.router.Use(httputil.RecoveryMiddleware, httputil.RequestIDMiddleware)
	s.router.Use(httputil.ContentTypeMiddleware, httputil.MaxBytesMiddleware(maxRequestBytes))

	s.webhookHandlers.RegisterRoutes(s.router)
	s.entitlementHandlers.RegisterRoutes(s.router)
	s.checkoutHandlers.RegisterRoutes(s.router)
	s.planHandlers.RegisterRoutes(s.router)
	s.subscriptionHandlers.RegisterRoutes(s.router)
}

// Router returns the configured handler for mounting on an http.Server
func (s *Server) Router() http.Handler {
	return s.router
}
