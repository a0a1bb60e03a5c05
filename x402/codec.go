package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"regexp"
	"strings"
)

var (
	evmAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	bytes32Regex    = regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`)
	signatureRegex  = regexp.MustCompile(`^0x[a-fA-F0-9]{130}$`)
	caip2Regex      = regexp.MustCompile(`^[a-z0-9]+:[a-zA-Z0-9]+$`)
)

// DecodePayment decodes a payment header value into a PaymentPayload.
// The wire format is base64-encoded JSON; bare JSON is accepted too.
//
// Decoding fails closed: any structural violation returns an error and a
// nil payload, so malformed proofs never reach the facilitator.
func DecodePayment(header string) (*PaymentPayload, error) {
	raw := []byte(header)
	if !strings.HasPrefix(strings.TrimSpace(header), "{") {
		decoded, err := base64.StdEncoding.DecodeString(header)
		if err != nil {
			return nil, NewPaymentError(ErrCodeMalformedPayment, "payment header is not valid base64", err)
		}
		raw = decoded
	}

	var payload PaymentPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, NewPaymentError(ErrCodeMalformedPayment, "payment header is not valid JSON", err)
	}

	if err := validatePayload(&payload); err != nil {
		return nil, err
	}

	return &payload, nil
}

// EncodePayment encodes a PaymentPayload into the header wire format.
// Used by clients and tests.
func EncodePayment(payload *PaymentPayload) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payment payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func validatePayload(p *PaymentPayload) error {
	if p.X402Version != ProtocolVersion {
		return NewPaymentError(ErrCodeMalformedPayment,
			fmt.Sprintf("unsupported x402 version %d, want %d", p.X402Version, ProtocolVersion), nil)
	}
	if p.Scheme == "" {
		return NewPaymentError(ErrCodeMalformedPayment, "scheme is required", nil)
	}
	if !caip2Regex.MatchString(p.Network) {
		return NewPaymentError(ErrCodeMalformedPayment,
			fmt.Sprintf("network %q is not a CAIP-2 identifier", p.Network), nil)
	}
	if !signatureRegex.MatchString(p.Payload.Signature) {
		return NewPaymentError(ErrCodeMalformedPayment, "signature is not 65-byte hex", nil)
	}

	auth := p.Payload.Authorization
	if !evmAddressRegex.MatchString(auth.From) {
		return NewPaymentError(ErrCodeMalformedPayment, "authorization.from is not a 20-byte hex address", nil)
	}
	if !evmAddressRegex.MatchString(auth.To) {
		return NewPaymentError(ErrCodeMalformedPayment, "authorization.to is not a 20-byte hex address", nil)
	}
	if !bytes32Regex.MatchString(auth.Nonce) {
		return NewPaymentError(ErrCodeMalformedPayment, "authorization.nonce is not 32-byte hex", nil)
	}
	for _, field := range []struct {
		name  string
		value string
	}{
		{"value", auth.Value},
		{"validAfter", auth.ValidAfter},
		{"validBefore", auth.ValidBefore},
	} {
		n, ok := new(big.Int).SetString(field.value, 10)
		if !ok || n.Sign() < 0 {
			return NewPaymentError(ErrCodeMalformedPayment,
				fmt.Sprintf("authorization.%s %q is not a non-negative integer", field.name, field.value), nil)
		}
	}

	return nil
}

// EncodePaymentResponse encodes a SettlementResult for the response header
// set after deferred settlement completes.
func EncodePaymentResponse(result *SettlementResult) (string, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("marshal payment response: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodePaymentResponse decodes an X-Payment-Response header.
func DecodePaymentResponse(header string) (*SettlementResult, error) {
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("decode payment response: %w", err)
	}
	var result SettlementResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse payment response: %w", err)
	}
	return &result, nil
}
