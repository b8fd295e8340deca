// Package http exposes the marketplace over a JSON HTTP API and provides a
// Go client for it.
package http

import (
	"errors"
	"net/http"

	marketplace "github.com/givabit/marketplace"
)

// Header names
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderRequestID      = "X-Request-ID"
)

// statusFor maps a call-fatal error to an HTTP status
func statusFor(err error) int {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return http.StatusBadRequest
	}
	var mErr *marketplace.MarketplaceError
	if !errors.As(err, &mErr) {
		return http.StatusInternalServerError
	}
	switch mErr.Code {
	case marketplace.ErrCodeInvalidRequest, marketplace.ErrCodeZeroAddress, marketplace.ErrCodeArithmeticOverflow:
		return http.StatusBadRequest
	case marketplace.ErrCodeUnauthenticated:
		return http.StatusUnauthorized
	case marketplace.ErrCodePaymentRequired:
		return http.StatusPaymentRequired
	case marketplace.ErrCodeUnauthorized:
		return http.StatusForbidden
	case marketplace.ErrCodeBusy:
		return http.StatusServiceUnavailable
	case marketplace.ErrCodeReentrantCall:
		return http.StatusConflict
	case marketplace.ErrCodeAborted:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// errorResponse builds the body for err. Joined errors report the first
// marketplace error found.
func errorResponse(err error, result *marketplace.BatchResult) ErrorResponse {
	resp := ErrorResponse{Code: "internal_error", Message: err.Error(), Result: result}
	var ve *ValidationError
	if errors.As(err, &ve) {
		resp.Code = marketplace.ErrCodeInvalidRequest
		resp.Details = map[string]interface{}{"errors": ve.Errors}
		return resp
	}
	var mErr *marketplace.MarketplaceError
	if errors.As(err, &mErr) {
		resp.Code = mErr.Code
		resp.Details = mErr.Details
	}
	return resp
}
