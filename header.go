package autopay

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// HTTP surface of the protocol.
const (
	// HeaderPayment carries the base64-encoded PaymentPayload on a retried
	// request.
	HeaderPayment = "X-PAYMENT"
	// HeaderPaymentResponse carries the base64-encoded SettleResponse on a
	// successful paid response.
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"
)

// EncodePaymentHeader serializes a payment payload for the X-PAYMENT header.
func EncodePaymentHeader(p *PaymentPayload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodePaymentHeader parses an X-PAYMENT header value back into a payment
// payload. The envelope is validated; callers still verify the proof itself.
func DecodePaymentHeader(header string) (*PaymentPayload, error) {
	data, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 payment header: %w", err)
	}
	var p PaymentPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment payload: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// EncodeSettleHeader serializes a settlement confirmation for the
// X-PAYMENT-RESPONSE header.
func EncodeSettleHeader(s *SettleResponse) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to marshal settle response: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeSettleHeader parses an X-PAYMENT-RESPONSE header value.
func DecodeSettleHeader(header string) (*SettleResponse, error) {
	data, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 settle header: %w", err)
	}
	var s SettleResponse
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settle response: %w", err)
	}
	return &s, nil
}
