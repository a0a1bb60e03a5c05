// Package grpc adapts the x402 payment gate to gRPC servers. Method
// pricing uses the same route table as the HTTP gate with full method
// names ("/package.Service/Method") as verbless patterns. Like the HTTP
// gate, the interceptor only verifies; settlement stays deferred to the
// business layer.
package grpc

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/CarsonRoscoe/remix-x402/x402"
)

// Interceptor enforces x402 payment on priced gRPC methods.
type Interceptor struct {
	facilitator x402.Facilitator
	table       *x402.RouteTable
	logger      logrus.FieldLogger
}

// NewInterceptor compiles the method route table. Configuration errors are
// returned here, before the server starts accepting calls.
func NewInterceptor(cfg x402.GateConfig) (*Interceptor, error) {
	if cfg.Facilitator == nil {
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidConfig, "facilitator is required", nil)
	}
	table, err := x402.CompileRoutes(cfg.Routes)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Interceptor{
		facilitator: cfg.Facilitator,
		table:       table,
		logger:      logger.WithField("component", "payment-interceptor"),
	}, nil
}

// Unary returns a unary server interceptor.
func (i *Interceptor) Unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		ctx, err := i.gate(ctx, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// Stream returns a stream server interceptor. Payment is verified before
// the stream begins; per-message payment is not supported.
func (i *Interceptor) Stream() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := i.gate(ss.Context(), info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &paidServerStream{ServerStream: ss, ctx: ctx})
	}
}

// gate runs the verification state machine for one call and returns the
// enriched context, or a status error terminating the call.
func (i *Interceptor) gate(ctx context.Context, fullMethod string) (context.Context, error) {
	matched := i.table.Match("POST", fullMethod)
	if matched == nil {
		return ctx, nil
	}

	requirements := matched.Requirements(fullMethod)

	var header string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get(MetadataKeyPayment); len(values) > 0 {
			header = values[0]
		}
	}
	if header == "" {
		return nil, i.paymentRequired("Payment required", requirements, "")
	}

	payload, err := x402.DecodePayment(header)
	if err != nil {
		return nil, i.paymentRequired(err.Error(), requirements, "")
	}

	selected := selectRequirements(payload, requirements)
	if selected == nil {
		return nil, i.paymentRequired("Unable to find matching payment requirements", requirements, "")
	}

	result, err := i.facilitator.Verify(ctx, payload, selected)
	if err != nil {
		i.logger.WithError(err).WithFields(logrus.Fields{
			"method":  fullMethod,
			"scheme":  payload.Scheme,
			"network": payload.Network,
		}).Error("payment verification errored")
		return nil, status.Error(codes.Internal, "payment verification unavailable")
	}
	if !result.IsValid {
		return nil, i.paymentRequired(result.InvalidReason, requirements, result.Payer)
	}

	return x402.ContextWithPaymentDetails(ctx, &x402.PaymentDetails{
		PaymentPayload:      payload,
		PaymentRequirements: selected,
	}), nil
}

// paymentRequired signals a 402-equivalent over gRPC. ResourceExhausted
// follows Google Cloud's precedent for quota/billing enforcement; the
// status message carries the encoded requirements.
func (i *Interceptor) paymentRequired(reason string, accepts []x402.PaymentRequirements, payer string) error {
	encoded, err := EncodePaymentRequired(&x402.PaymentRequiredResponse{
		X402Version: x402.ProtocolVersion,
		Error:       reason,
		Accepts:     accepts,
		Payer:       payer,
	})
	if err != nil {
		return status.Error(codes.Internal, fmt.Sprintf("encode payment requirements: %v", err))
	}
	return status.Error(codes.ResourceExhausted, encoded)
}

func selectRequirements(payload *x402.PaymentPayload, requirements []x402.PaymentRequirements) *x402.PaymentRequirements {
	for i := range requirements {
		req := &requirements[i]
		if req.Scheme == payload.Scheme && req.Network == payload.Network {
			return req
		}
	}
	return nil
}

type paidServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *paidServerStream) Context() context.Context {
	return s.ctx
}
