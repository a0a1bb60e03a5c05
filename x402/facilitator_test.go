package x402

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestRemoteFacilitator_Verify(t *testing.T) {
	var gotRequest facilitatorRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/verify" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotRequest); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(VerificationResult{IsValid: true, Payer: "0xpayer"})
	}))
	defer server.Close()

	facilitator := NewRemoteFacilitator(server.URL, nil)
	result, err := facilitator.Verify(context.Background(), validPayload(), testDetails().PaymentRequirements)
	if err != nil {
		t.Fatal(err)
	}
	if !result.IsValid || result.Payer != "0xpayer" {
		t.Errorf("result = %+v", result)
	}
	if gotRequest.X402Version != ProtocolVersion {
		t.Errorf("request version = %d", gotRequest.X402Version)
	}
	if gotRequest.PaymentPayload == nil || gotRequest.PaymentRequirements == nil {
		t.Error("request missing payload or requirements")
	}
}

func TestRemoteFacilitator_SettleRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/settle" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(SettlementResult{Success: false, ErrorReason: "nonce already used"})
	}))
	defer server.Close()

	facilitator := NewRemoteFacilitator(server.URL, nil)
	result, err := facilitator.Settle(context.Background(), validPayload(), testDetails().PaymentRequirements)
	if err != nil {
		t.Fatalf("rejection must not be a transport error: %v", err)
	}
	if result.Success || result.ErrorReason != "nonce already used" {
		t.Errorf("result = %+v", result)
	}
}

func TestRemoteFacilitator_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(VerificationResult{IsValid: true})
	}))
	defer server.Close()

	facilitator := NewRemoteFacilitator(server.URL, nil, WithRetry(3, time.Millisecond))
	result, err := facilitator.Verify(context.Background(), validPayload(), testDetails().PaymentRequirements)
	if err != nil {
		t.Fatal(err)
	}
	if !result.IsValid {
		t.Errorf("result = %+v", result)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestRemoteFacilitator_ExhaustedRetriesError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	facilitator := NewRemoteFacilitator(server.URL, nil, WithRetry(1, time.Millisecond))
	if _, err := facilitator.Verify(context.Background(), validPayload(), testDetails().PaymentRequirements); err == nil {
		t.Fatal("expected error after exhausted retries")
	}
}

func TestRemoteFacilitator_GetSupported(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/supported" || r.Method != http.MethodGet {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		json.NewEncoder(w).Encode(SupportedResponse{
			Kinds: []SupportedKind{{Scheme: "exact", Network: NetworkBase}},
		})
	}))
	defer server.Close()

	facilitator := NewRemoteFacilitator(server.URL, nil)
	supported, err := facilitator.GetSupported(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(supported.Kinds) != 1 || supported.Kinds[0].Network != NetworkBase {
		t.Errorf("supported = %+v", supported)
	}
}
