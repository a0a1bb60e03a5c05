package grpc

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/CarsonRoscoe/remix-x402/x402"
)

const (
	// MetadataKeyPayment carries the client's payment proof.
	MetadataKeyPayment = "x-payment"

	// MetadataKeyPaymentDetails carries verified payment details to
	// grpc-gateway backends.
	MetadataKeyPaymentDetails = "x-payment-details"
)

// EncodePaymentRequired encodes a 402-equivalent response for transport in
// a gRPC status message.
func EncodePaymentRequired(response *x402.PaymentRequiredResponse) (string, error) {
	raw, err := json.Marshal(response)
	if err != nil {
		return "", fmt.Errorf("marshal payment required response: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodePaymentRequired decodes a payment-required status message.
// Clients use it to discover what a method charges.
func DecodePaymentRequired(encoded string) (*x402.PaymentRequiredResponse, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode payment required response: %w", err)
	}
	var response x402.PaymentRequiredResponse
	if err := json.Unmarshal(raw, &response); err != nil {
		return nil, fmt.Errorf("parse payment required response: %w", err)
	}
	return &response, nil
}

// EncodePaymentDetails encodes verified payment details for metadata.
func EncodePaymentDetails(details *x402.PaymentDetails) (string, error) {
	raw, err := json.Marshal(details)
	if err != nil {
		return "", fmt.Errorf("marshal payment details: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodePaymentDetails decodes payment details from metadata.
func DecodePaymentDetails(encoded string) (*x402.PaymentDetails, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode payment details: %w", err)
	}
	var details x402.PaymentDetails
	if err := json.Unmarshal(raw, &details); err != nil {
		return nil, fmt.Errorf("parse payment details: %w", err)
	}
	return &details, nil
}
