package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/rankforge/rankforge/pkg/httputil"
	"github.com/rankforge/rankforge/pkg/observability"
	"github.com/rankforge/rankforge/pkg/reconciler"
)

// SignatureHeader carries the provider's HMAC over the raw payload
const SignatureHeader = "X-Webhook-Signature"

// WebhookHandlers handles incoming payment provider webhook deliveries
type WebhookHandlers struct {
	processor WebhookProcessor
	metrics   *observability.Metrics
	logger    *observability.Logger
}

// NewWebhookHandlers creates a new WebhookHandlers
func NewWebhookHandlers(processor WebhookProcessor, metrics *observability.Metrics, logger *observability.Logger) *WebhookHandlers {
	return &WebhookHandlers{
		processor: processor,
		metrics:   metrics,
		logger:    logger,
	}
}

// RegisterRoutes registers webhook routes
func (h *WebhookHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/v1/billing/webhook", h.HandleWebhook).Methods("POST")
}

// HandleWebhook ingests one provider event. It answers 200 once the event is
// durably recorded, including redeliveries of already-processed events; the
// provider stops retrying on any 2xx. Signature failures get 401 so a
// misconfigured secret shows up in the provider's delivery log.
func (h *WebhookHandlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.WriteBadRequest(w, "failed to read request body")
		return
	}

	signature := r.Header.Get(SignatureHeader)

	err = h.processor.Process(r.Context(), payload, signature)
	h.record(eventTypeLabel(payload), err, time.Since(start))

	switch {
	case err == nil:
		httputil.WriteSuccess(w, map[string]string{"status": "received"})
	case errors.Is(err, reconciler.ErrInvalidSignature):
		h.logger.Warn("webhook rejected: invalid signature")
		httputil.WriteUnauthorized(w, "invalid signature")
	case errors.Is(err, reconciler.ErrMalformedEvent):
		h.logger.Warn("webhook rejected: malformed event")
		httputil.WriteBadRequest(w, "malformed event")
	default:
		// Transient failure: nothing committed, the provider redelivers.
		h.logger.WithError(err).Error("webhook processing failed")
		httputil.WriteInternalError(w, errors.New("event processing failed"))
	}
}

func (h *WebhookHandlers) record(eventType string, err error, elapsed time.Duration) {
	if h.metrics == nil {
		return
	}
	outcome := "processed"
	switch {
	case errors.Is(err, reconciler.ErrInvalidSignature), errors.Is(err, reconciler.ErrMalformedEvent):
		outcome = "rejected"
	case err != nil:
		outcome = "failed"
	}
	h.metrics.WebhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
	h.metrics.WebhookProcessingDuration.WithLabelValues(eventType).Observe(elapsed.Seconds())
}

// eventTypeLabel extracts the event type for metric labels without trusting
// the payload beyond its shape
func eventTypeLabel(payload []byte) string {
	event, err := reconciler.ParseEvent(payload)
	if err != nil {
		return "unknown"
	}
	return string(event.Type)
}
