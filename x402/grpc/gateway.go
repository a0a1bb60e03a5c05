package grpc

import (
	"context"
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/metadata"

	"github.com/CarsonRoscoe/remix-x402/x402"
)

// WithPaymentMetadata returns a grpc-gateway ServeMuxOption that forwards
// verified payment details from the HTTP payment gate into gRPC metadata,
// so backends behind the gateway can persist them with their work records
// and settle later.
func WithPaymentMetadata() runtime.ServeMuxOption {
	return runtime.WithMetadata(paymentMetadata)
}

func paymentMetadata(ctx context.Context, r *http.Request) metadata.MD {
	md := metadata.MD{}

	details, ok := x402.PaymentDetailsFromContext(ctx)
	if !ok || details == nil {
		return md
	}

	encoded, err := EncodePaymentDetails(details)
	if err != nil {
		return md
	}
	md.Set(MetadataKeyPaymentDetails, encoded)
	return md
}

// PaymentDetailsFromGatewayContext extracts payment details forwarded
// through grpc-gateway metadata.
func PaymentDetailsFromGatewayContext(ctx context.Context) (*x402.PaymentDetails, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, false
	}
	values := md.Get(MetadataKeyPaymentDetails)
	if len(values) == 0 {
		return nil, false
	}
	details, err := DecodePaymentDetails(values[0])
	if err != nil {
		return nil, false
	}
	return details, true
}
