// Package provider is a thin pass-through to the payment provider's hosted
// checkout and billing portal. Nothing here touches ledger state; the
// reconciler picks up the results via webhooks.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rankforge/rankforge/pkg/observability"
)

// ErrProviderUnavailable marks transient provider failures (network errors,
// 5xx). The caller layer retries; this package does not.
var ErrProviderUnavailable = errors.New("payment provider unavailable")

// Session is a hosted provider session the user gets redirected to
type Session struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Config holds provider connection settings
type Config struct {
	BaseURL    string
	APIKey     string
	SuccessURL string
	CancelURL  string
	Timeout    time.Duration
}

// Client calls the payment provider's session endpoints
type Client struct {
	config Config
	client *http.Client
	logger *observability.Logger
}

// NewClient creates a provider client
func NewClient(config Config, logger *observability.Logger) *Client {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		config: config,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

type checkoutRequest struct {
	ClientReferenceID string `json:"client_reference_id"`
	PriceID           string `json:"price_id"`
	SuccessURL        string `json:"success_url"`
	CancelURL         string `json:"cancel_url"`
}

type portalRequest struct {
	CustomerID string `json:"customer_id"`
	ReturnURL  string `json:"return_url"`
}

// CreateCheckoutSession creates a hosted checkout session for a price. The
// user id travels as the client reference so the checkout.completed event
// can be attributed on the way back.
func (c *Client) CreateCheckoutSession(ctx context.Context, userID int64, priceID string) (*Session, error) {
	req := checkoutRequest{
		ClientReferenceID: fmt.Sprintf("%d", userID),
		PriceID:           priceID,
		SuccessURL:        c.config.SuccessURL,
		CancelURL:         c.config.CancelURL,
	}
	return c.createSession(ctx, "/v1/checkout/sessions", req)
}

// CreatePortalSession creates a hosted billing portal session for an
// existing provider customer
func (c *Client) CreatePortalSession(ctx context.Context, customerID string) (*Session, error) {
	req := portalRequest{
		CustomerID: customerID,
		ReturnURL:  c.config.SuccessURL,
	}
	return c.createSession(ctx, "/v1/billing_portal/sessions", req)
}

func (c *Client) createSession(ctx context.Context, path string, payload interface{}) (*Session, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.WithError(err).Warn("provider request failed")
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		c.logger.WithField("status", resp.StatusCode).Warn("provider returned server error")
		return nil, fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("provider rejected request: status %d", resp.StatusCode)
	}

	var session Session
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, fmt.Errorf("failed to decode provider response: %w", err)
	}
	if session.URL == "" {
		return nil, fmt.Errorf("provider response missing redirect url")
	}
	return &session, nil
}
