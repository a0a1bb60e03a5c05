package grpc

import (
	"context"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/CarsonRoscoe/remix-x402/x402"
)

type stubFacilitator struct {
	verifyResult *x402.VerificationResult
	verifyErr    error
}

func (s *stubFacilitator) Verify(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.VerificationResult, error) {
	if s.verifyErr != nil {
		return nil, s.verifyErr
	}
	if s.verifyResult != nil {
		return s.verifyResult, nil
	}
	return &x402.VerificationResult{IsValid: true, Payer: payload.Payload.Authorization.From}, nil
}

func (s *stubFacilitator) Settle(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.SettlementResult, error) {
	return &x402.SettlementResult{Success: true}, nil
}

func (s *stubFacilitator) GetSupported(ctx context.Context) (*x402.SupportedResponse, error) {
	return &x402.SupportedResponse{}, nil
}

func testInterceptor(t *testing.T, facilitator x402.Facilitator) grpc.UnaryServerInterceptor {
	t.Helper()
	interceptor, err := NewInterceptor(x402.GateConfig{
		Facilitator: facilitator,
		Routes: x402.Routes{
			"/remix.v1.RemixService/GenerateDaily": {
				Accepts: []x402.PriceOption{{
					Price:   x402.Price{Dollars: "$0.50"},
					Network: x402.NetworkBaseSepolia,
					PayTo:   "0x1111111111111111111111111111111111111111",
				}},
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return interceptor.Unary()
}

func validHeader(t *testing.T) string {
	t.Helper()
	encoded, err := x402.EncodePayment(&x402.PaymentPayload{
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
	})
	if err != nil {
		t.Fatal(err)
	}
	return encoded
}

func stringOf(c byte, n int) string {
	out := make([]byte, n)
	for i := range out {
		out[i] = c
	}
	return string(out)
}

func invoke(interceptor grpc.UnaryServerInterceptor, ctx context.Context, method string, handler grpc.UnaryHandler) (interface{}, error) {
	return interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: method}, handler)
}

func TestInterceptor_UnpricedMethodPassesThrough(t *testing.T) {
	interceptor := testInterceptor(t, &stubFacilitator{})

	resp, err := invoke(interceptor, context.Background(), "/remix.v1.RemixService/ListVideos",
		func(ctx context.Context, req interface{}) (interface{}, error) { return "ok", nil })
	if err != nil {
		t.Fatal(err)
	}
	if resp != "ok" {
		t.Errorf("resp = %v", resp)
	}
}

func TestInterceptor_MissingPayment(t *testing.T) {
	interceptor := testInterceptor(t, &stubFacilitator{})

	_, err := invoke(interceptor, context.Background(), "/remix.v1.RemixService/GenerateDaily",
		func(ctx context.Context, req interface{}) (interface{}, error) {
			t.Error("handler reached without payment")
			return nil, nil
		})
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.ResourceExhausted {
		t.Fatalf("status = %v", err)
	}

	response, decodeErr := DecodePaymentRequired(st.Message())
	if decodeErr != nil {
		t.Fatalf("status message does not decode: %v", decodeErr)
	}
	if len(response.Accepts) != 1 || response.Accepts[0].MaxAmountRequired != "500000" {
		t.Errorf("accepts = %+v", response.Accepts)
	}
}

func TestInterceptor_ValidPaymentAttachesDetails(t *testing.T) {
	interceptor := testInterceptor(t, &stubFacilitator{})

	ctx := metadata.NewIncomingContext(context.Background(),
		metadata.Pairs(MetadataKeyPayment, validHeader(t)))

	var details *x402.PaymentDetails
	_, err := invoke(interceptor, ctx, "/remix.v1.RemixService/GenerateDaily",
		func(ctx context.Context, req interface{}) (interface{}, error) {
			details, _ = x402.PaymentDetailsFromContext(ctx)
			return "ok", nil
		})
	if err != nil {
		t.Fatal(err)
	}
	if details == nil {
		t.Fatal("payment details not attached")
	}
	if details.PaymentRequirements.MaxAmountRequired != "500000" {
		t.Errorf("amount = %s", details.PaymentRequirements.MaxAmountRequired)
	}
}

func TestInterceptor_InfrastructureFailureIsInternal(t *testing.T) {
	interceptor := testInterceptor(t, &stubFacilitator{verifyErr: context.DeadlineExceeded})

	ctx := metadata.NewIncomingContext(context.Background(),
		metadata.Pairs(MetadataKeyPayment, validHeader(t)))

	_, err := invoke(interceptor, ctx, "/remix.v1.RemixService/GenerateDaily",
		func(ctx context.Context, req interface{}) (interface{}, error) { return nil, nil })
	if st, _ := status.FromError(err); st.Code() != codes.Internal {
		t.Fatalf("code = %v, want Internal", st.Code())
	}
}

func TestInterceptor_RejectionCarriesReason(t *testing.T) {
	interceptor := testInterceptor(t, &stubFacilitator{
		verifyResult: &x402.VerificationResult{IsValid: false, InvalidReason: "insufficient funds", Payer: "0xpayer"},
	})

	ctx := metadata.NewIncomingContext(context.Background(),
		metadata.Pairs(MetadataKeyPayment, validHeader(t)))

	_, err := invoke(interceptor, ctx, "/remix.v1.RemixService/GenerateDaily",
		func(ctx context.Context, req interface{}) (interface{}, error) { return nil, nil })
	st, _ := status.FromError(err)
	if st.Code() != codes.ResourceExhausted {
		t.Fatalf("code = %v", st.Code())
	}
	response, decodeErr := DecodePaymentRequired(st.Message())
	if decodeErr != nil {
		t.Fatal(decodeErr)
	}
	if response.Error != "insufficient funds" || response.Payer != "0xpayer" {
		t.Errorf("response = %+v", response)
	}
}
