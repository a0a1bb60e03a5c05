package x402

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// mockSigner returns a fixed payload covering whatever requirements it is
// handed.
type mockSigner struct {
	signed *PaymentRequirements
}

func (m *mockSigner) SignPayment(ctx context.Context, requirements *PaymentRequirements) (*PaymentPayload, error) {
	m.signed = requirements
	payload := validPayload()
	payload.Network = requirements.Network
	return payload, nil
}

func TestPayingClient_PaysChallengeAndRetries(t *testing.T) {
	signer := &mockSigner{}
	var paidHeader string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get(HeaderPayment)
		if header == "" {
			w.WriteHeader(http.StatusPaymentRequired)
			json.NewEncoder(w).Encode(PaymentRequiredResponse{
				X402Version: ProtocolVersion,
				Error:       "Payment required",
				Accepts: []PaymentRequirements{{
					Scheme:            "exact",
					Network:           NetworkBaseSepolia,
					MaxAmountRequired: "10000",
					PayTo:             testPayTo,
					Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
				}},
			})
			return
		}
		paidHeader = header
		json.NewEncoder(w).Encode(map[string]string{"url": "https://upload.example/presigned"})
	}))
	defer server.Close()

	client := NewPayingClient(server.Client(), signer, nil, NetworkBaseSepolia)
	resp, err := client.Do(context.Background(), http.MethodPost, server.URL, []byte(`{"fileSize":123}`), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("final status = %d", resp.StatusCode)
	}
	if signer.signed == nil || signer.signed.MaxAmountRequired != "10000" {
		t.Errorf("signed requirements = %+v", signer.signed)
	}
	if _, err := DecodePayment(paidHeader); err != nil {
		t.Errorf("retried payment header does not decode: %v", err)
	}
}

func TestPayingClient_RefusesUnknownNetwork(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(PaymentRequiredResponse{
			Accepts: []PaymentRequirements{{Scheme: "exact", Network: NetworkPolygon}},
		})
	}))
	defer server.Close()

	client := NewPayingClient(server.Client(), &mockSigner{}, nil, NetworkBaseSepolia)
	if _, err := client.Do(context.Background(), http.MethodGet, server.URL, nil, nil); err == nil {
		t.Fatal("expected error for unpayable challenge")
	}
}

func TestPayingClient_PassesThroughNon402(t *testing.T) {
	signer := &mockSigner{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewPayingClient(server.Client(), signer, nil, NetworkBaseSepolia)
	resp, err := client.Do(context.Background(), http.MethodGet, server.URL, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if signer.signed != nil {
		t.Error("signer invoked without a challenge")
	}
}
