package autopay

import (
	"errors"
	"fmt"
)

// PaymentError is a payment-specific error with a stable machine-readable
// code. Callers branch on Code; Message and Details are for operators.
type PaymentError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes a wrapped cause stored in Details["cause"] when present.
func (e *PaymentError) Unwrap() error {
	if e.Details == nil {
		return nil
	}
	cause, _ := e.Details["cause"].(error)
	return cause
}

// Common error codes.
const (
	// Buyer-side negotiation failures.
	ErrCodeEncodingFailed          = "encoding_failed"
	ErrCodeSigningFailed           = "signing_failed"
	ErrCodeNoAcceptableRequirement = "no_acceptable_requirement"
	ErrCodeNegotiationTimeout      = "negotiation_timeout"
	ErrCodeSettlementUnconfirmed   = "settlement_unconfirmed"

	// Seller-side verification failures.
	ErrCodeInvalidPayment     = "invalid_payment"
	ErrCodePaymentRequired    = "payment_required"
	ErrCodeReplayRejected     = "replay_rejected"
	ErrCodeInsufficientFunds  = "insufficient_funds"
	ErrCodeNetworkMismatch    = "network_mismatch"
	ErrCodeSchemeMismatch     = "scheme_mismatch"
	ErrCodeSignatureInvalid   = "signature_invalid"
	ErrCodePaymentExpired     = "payment_expired"
	ErrCodeSettlementFailed   = "settlement_failed"
	ErrCodeUnsupportedScheme  = "unsupported_scheme"
	ErrCodeUnsupportedNetwork = "unsupported_network"
)

// NewPaymentError creates a new payment error.
func NewPaymentError(code, message string, details map[string]interface{}) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// WrapPaymentError creates a payment error with a wrapped cause.
func WrapPaymentError(code, message string, cause error) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Details: map[string]interface{}{"cause": cause},
	}
}

// ErrorCode extracts the payment error code from err, or "" when err is not
// a PaymentError.
func ErrorCode(err error) string {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}
