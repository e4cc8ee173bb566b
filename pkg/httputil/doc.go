// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Response Helpers
//
//	httputil.WriteJSON(w, http.StatusOK, data)
//	httputil.WriteCreated(w, resource)
//	httputil.WriteError(w, http.StatusConflict, err)
//	httputil.WriteBadRequest(w, "Invalid input")
//
// # Request Parsing
//
//	var req GenerateRunRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // Error response already written
//	}
//	if !httputil.ValidateStructOrError(w, &req) {
//		return
//	}
//
//	accountID, ok := httputil.ParsePathStringOrError(w, r, "account_id")
//	limit, err := httputil.ParseQueryInt(r, "limit", 20)
//
// Struct validation uses go-playground/validator tags.
//
// # Middleware
//
//	httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.LoggingMiddleware(logger),
//		httputil.RecoveryMiddleware(logger),
//		httputil.MaxBytesMiddleware(1<<20),
//	)
package httputil
