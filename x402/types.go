package x402

import (
	"context"
)

// ProtocolVersion is the x402 protocol version this package speaks.
// Payloads carrying any other version tag are rejected by the codec.
const ProtocolVersion = 1

// Header names recognized by the payment gate.
const (
	HeaderPaymentSignature = "Payment-Signature"
	HeaderPayment          = "X-Payment"
	HeaderPaymentResponse  = "X-Payment-Response"
)

// PaymentRequirements describes what a route demands to be paid.
// Immutable once constructed for a request; one route may declare several
// acceptable requirement sets (one per accepted asset).
type PaymentRequirements struct {
	Scheme            string      `json:"scheme"`
	Network           string      `json:"network"` // CAIP-2, e.g. "eip155:8453"
	MaxAmountRequired string      `json:"maxAmountRequired"`
	Resource          string      `json:"resource"`
	Description       string      `json:"description,omitempty"`
	MimeType          string      `json:"mimeType,omitempty"`
	PayTo             string      `json:"payTo"`
	Asset             string      `json:"asset"`
	MaxTimeoutSeconds int         `json:"maxTimeoutSeconds,omitempty"`
	Extra             *AssetExtra `json:"extra,omitempty"`
}

// AssetExtra carries the asset's EIP-712 domain parameters needed to
// reconstruct the typed data the payer signed.
type AssetExtra struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// PaymentPayload is what the client submits in the payment header.
type PaymentPayload struct {
	X402Version int          `json:"x402Version"`
	Scheme      string       `json:"scheme"`
	Network     string       `json:"network"` // CAIP-2
	Payload     ExactPayload `json:"payload"`
}

// ExactPayload is the scheme-specific payload for the "exact" EVM scheme,
// following the EIP-3009 transferWithAuthorization format.
type ExactPayload struct {
	Signature     string        `json:"signature"`
	Authorization Authorization `json:"authorization"`
}

// Authorization is a signed, time-bounded permission for a specific value
// transfer, not yet executed on-chain. Numeric fields are decimal strings
// so no floating point ever crosses the wire.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"` // 32-byte hex
}

// VerificationResult is produced by a Facilitator's Verify. Never mutated
// after creation.
type VerificationResult struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettlementResult is produced only after a verified payment is submitted
// on-chain.
type SettlementResult struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`
}

// SupportedKind is a scheme+network pair a facilitator can handle.
type SupportedKind struct {
	Scheme  string `json:"scheme"`
	Network string `json:"network"`
}

// SupportedResponse is returned by a facilitator's supported endpoint.
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

// PaymentRequiredResponse is the JSON body of a 402 response.
type PaymentRequiredResponse struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error"`
	Accepts     []PaymentRequirements `json:"accepts"`
	Payer       string                `json:"payer,omitempty"`
}

// Facilitator verifies and settles payment authorizations. Verification
// proves the payer signed a valid, sufficiently funded authorization;
// settlement actually moves the funds. The two phases have separate
// lifetimes: the gate verifies, business logic settles later.
//
// Implementations must return (result, nil) for expected validation
// failures and reserve non-nil errors for infrastructure problems
// (network or RPC unavailable), which callers surface as 5xx.
type Facilitator interface {
	Verify(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*VerificationResult, error)
	Settle(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*SettlementResult, error)
	GetSupported(ctx context.Context) (*SupportedResponse, error)
}

// PaymentDetails is the verified-but-unsettled payment context the gate
// attaches to requests that pass verification. Business handlers persist it
// alongside their async work record and hand it back to the settlement
// service once the work completes.
type PaymentDetails struct {
	PaymentPayload      *PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements *PaymentRequirements `json:"paymentRequirements"`
}

type contextKey string

// paymentDetailsKey is the context key under which the gate stores
// verified payment details for downstream handlers.
const paymentDetailsKey contextKey = "x-payment-details"

// PaymentDetailsFromContext extracts verified payment details attached by
// the payment gate.
func PaymentDetailsFromContext(ctx context.Context) (*PaymentDetails, bool) {
	details, ok := ctx.Value(paymentDetailsKey).(*PaymentDetails)
	return details, ok
}

// ContextWithPaymentDetails returns a context carrying payment details.
// Exposed for transports other than the HTTP gate (gRPC interceptor) and
// for handler tests.
func ContextWithPaymentDetails(ctx context.Context, details *PaymentDetails) context.Context {
	return context.WithValue(ctx, paymentDetailsKey, details)
}
