package x402

import (
	"errors"
	"fmt"
)

// PaymentError represents an error related to payment processing.
type PaymentError struct {
	Code    string
	Message string
	Cause   error
}

func (e *PaymentError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PaymentError) Unwrap() error {
	return e.Cause
}

// Error codes.
const (
	ErrCodeInvalidPrice           = "INVALID_PRICE"
	ErrCodeInvalidRoute           = "INVALID_ROUTE"
	ErrCodeMalformedPayment       = "MALFORMED_PAYMENT"
	ErrCodeNoMatchingRequirements = "NO_MATCHING_REQUIREMENTS"
	ErrCodeVerificationFailed     = "VERIFICATION_FAILED"
	ErrCodeSettlementFailed       = "SETTLEMENT_FAILED"
	ErrCodeInvalidConfig          = "INVALID_CONFIG"
)

// NewPaymentError creates a new PaymentError.
func NewPaymentError(code, message string, cause error) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Sentinel errors. Configuration errors are fatal at startup; transport
// errors are infrastructure failures and surface as 5xx, never 402.
var (
	// ErrInvalidPrice reports a price spec that does not parse as a
	// non-negative decimal or targets a network with no default asset.
	ErrInvalidPrice = errors.New("invalid price")

	// ErrAmbiguousRoutes reports overlapping route patterns, caught when
	// the route table is compiled.
	ErrAmbiguousRoutes = errors.New("ambiguous route patterns")

	// ErrFacilitatorUnavailable reports that the facilitator could not be
	// reached at all.
	ErrFacilitatorUnavailable = errors.New("facilitator unavailable")
)
