// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Response Helpers
//
//	httputil.WriteSuccess(w, summary)
//	httputil.WriteCreated(w, plan)
//	httputil.WriteBadRequest(w, "quota is required")
//	httputil.WritePaymentRequired(w, "quota exhausted")
//	httputil.WriteBadGateway(w, "payment provider unavailable")
//
// # Request Parsing
//
//	var req ConsumeRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // error response already written
//	}
//
//	userID, ok := httputil.ParsePathInt64OrError(w, r, "user_id")
//	priceID, ok := httputil.ParsePathStringOrError(w, r, "price_id")
//
// # Middleware
//
//	httputil.Chain(
//		httputil.RecoveryMiddleware,
//		httputil.RequestIDMiddleware,
//		httputil.MaxBytesMiddleware(1<<20),
//	)
package httputil
