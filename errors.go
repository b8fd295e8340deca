package marketplace

import (
	"errors"
	"fmt"
)

// Sentinel errors for call-fatal failures. A call that returns one of these
// (wrapped in a MarketplaceError) changed no state.
var (
	ErrInvalidRequest     = errors.New("invalid request")
	ErrZeroAddress        = errors.New("zero address")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrArithmeticOverflow = errors.New("arithmetic overflow")
	ErrReentrantCall      = errors.New("reentrant call")
	ErrRefundFailed       = errors.New("refund failed")
	ErrAborted            = errors.New("aborted by hook")
	ErrBusy               = errors.New("settlement in progress")
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrPaymentRequired    = errors.New("payment required")

	// ErrMovementUnresolved is wrapped by ledgers and treasuries when a call
	// may still take effect after it returned, such as a submitted
	// transaction whose receipt never arrived. The engine aborts the batch
	// and keeps the order claimed.
	ErrMovementUnresolved = errors.New("movement outcome unresolved")

	// ErrOrderNotOpen is returned by an OrderRegistry when a transition is
	// attempted on a digest that is already terminal
	ErrOrderNotOpen = errors.New("order is not open")
)

// MarketplaceError is the error type returned by the engine and the access
// control layer
type MarketplaceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	err     error
}

func (e *MarketplaceError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *MarketplaceError) Unwrap() error {
	return e.err
}

// Error codes
const (
	ErrCodeInvalidRequest     = "invalid_request"
	ErrCodeZeroAddress        = "zero_address"
	ErrCodeUnauthorized       = "unauthorized"
	ErrCodeArithmeticOverflow = "arithmetic_overflow"
	ErrCodeReentrantCall      = "reentrant_call"
	ErrCodeRefundFailed       = "refund_failed"
	ErrCodeRegistryFailure    = "registry_failure"
	ErrCodeHashFailure        = "hash_failure"
	ErrCodeRevertFailed       = "revert_failed"
	ErrCodeAborted            = "aborted"
	ErrCodeBusy               = "busy"
	ErrCodeUnresolved         = "unresolved_movement"
	ErrCodePayoutFailed       = "payout_failed"
	ErrCodeUnauthenticated    = "unauthenticated"
	ErrCodePaymentRequired    = "payment_required"
)

// NewMarketplaceError creates a new marketplace error wrapping cause
func NewMarketplaceError(code string, cause error, message string, details map[string]interface{}) *MarketplaceError {
	return &MarketplaceError{
		Code:    code,
		Message: message,
		Details: details,
		err:     cause,
	}
}

func invalidRequest(index int, format string, args ...interface{}) *MarketplaceError {
	return NewMarketplaceError(ErrCodeInvalidRequest, ErrInvalidRequest,
		fmt.Sprintf(format, args...),
		map[string]interface{}{"index": index})
}

func overflow(index int, what string) *MarketplaceError {
	return NewMarketplaceError(ErrCodeArithmeticOverflow, ErrArithmeticOverflow,
		what+" overflows uint256",
		map[string]interface{}{"index": index})
}
