// Package api provides the HTTP surface of the billing engine.
//
// # Routes
//
// Webhook ingestion:
//
//	POST /v1/billing/webhook
//
// Consumption gate and entitlements:
//
//	POST /v1/users/{user_id}/consume
//	GET  /v1/users/{user_id}/entitlements
//	GET  /v1/users/{user_id}/subscription
//
// Checkout pass-through:
//
//	POST /v1/users/{user_id}/checkout
//	POST /v1/users/{user_id}/portal
//
// Plan catalog:
//
//	GET    /v1/plans
//	GET    /v1/plans/{id}
//	POST   /v1/admin/plans
//	PUT    /v1/admin/plans/{id}
//	DELETE /v1/admin/plans/{id}
//
// The webhook endpoint acknowledges with 2xx as soon as the event is durably
// recorded; everything else is conventional JSON over gorilla/mux.
package api
