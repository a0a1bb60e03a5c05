package grpc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/metadata"

	"github.com/CarsonRoscoe/remix-x402/x402"
)

func gatewayDetails() *x402.PaymentDetails {
	return &x402.PaymentDetails{
		PaymentPayload: &x402.PaymentPayload{
			X402Version: 1,
			Scheme:      "exact",
			Network:     x402.NetworkBaseSepolia,
			Payload: x402.ExactPayload{
				Signature: "0x" + stringOf('a', 130),
				Authorization: x402.Authorization{
					From:        "0x2222222222222222222222222222222222222222",
					To:          "0x1111111111111111111111111111111111111111",
					Value:       "500000",
					ValidAfter:  "0",
					ValidBefore: "99999999999",
					Nonce:       "0x" + stringOf('b', 64),
				},
			},
		},
		PaymentRequirements: &x402.PaymentRequirements{
			Scheme:            "exact",
			Network:           x402.NetworkBaseSepolia,
			MaxAmountRequired: "500000",
			PayTo:             "0x1111111111111111111111111111111111111111",
		},
	}
}

func TestWithPaymentMetadata_RoundTrip(t *testing.T) {
	// The option must be accepted by the mux constructor; the annotator it
	// installs is exercised directly below.
	_ = runtime.NewServeMux(WithPaymentMetadata())

	gateCtx := x402.ContextWithPaymentDetails(context.Background(), gatewayDetails())
	req := httptest.NewRequest(http.MethodPost, "/v1/generate/daily", nil)

	md := paymentMetadata(gateCtx, req)
	if len(md.Get(MetadataKeyPaymentDetails)) != 1 {
		t.Fatalf("forwarded metadata = %v", md)
	}

	backendCtx := metadata.NewIncomingContext(context.Background(), md)
	got, ok := PaymentDetailsFromGatewayContext(backendCtx)
	if !ok {
		t.Fatal("details not recovered from gateway metadata")
	}
	if got.PaymentPayload.Payload.Authorization.From != "0x2222222222222222222222222222222222222222" {
		t.Errorf("payer = %s", got.PaymentPayload.Payload.Authorization.From)
	}
	if got.PaymentRequirements.MaxAmountRequired != "500000" {
		t.Errorf("amount = %s", got.PaymentRequirements.MaxAmountRequired)
	}
}

func TestWithPaymentMetadata_UnpaidRequestForwardsNothing(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/videos", nil)

	md := paymentMetadata(context.Background(), req)
	if len(md) != 0 {
		t.Errorf("metadata = %v", md)
	}

	if _, ok := PaymentDetailsFromGatewayContext(context.Background()); ok {
		t.Error("details recovered from a bare context")
	}
}

func TestPaymentDetailsFromGatewayContext_MalformedValue(t *testing.T) {
	ctx := metadata.NewIncomingContext(context.Background(),
		metadata.Pairs(MetadataKeyPaymentDetails, "not-base64!"))

	if _, ok := PaymentDetailsFromGatewayContext(ctx); ok {
		t.Error("malformed metadata decoded to details")
	}
}

func TestPaymentDetailsRoundTrip(t *testing.T) {
	encoded, err := EncodePaymentDetails(gatewayDetails())
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := DecodePaymentDetails(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.PaymentPayload.Network != x402.NetworkBaseSepolia {
		t.Errorf("network = %s", decoded.PaymentPayload.Network)
	}
}
