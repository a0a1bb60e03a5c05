package x402

import (
	"context"
	"errors"
	"testing"
)

// memWorkStore is an in-memory WorkStore for settlement tests.
type memWorkStore struct {
	settled map[string]bool
	readErr error
	markErr error
}

func newMemWorkStore() *memWorkStore {
	return &memWorkStore{settled: make(map[string]bool)}
}

func (s *memWorkStore) IsSettled(ctx context.Context, workID string) (bool, error) {
	if s.readErr != nil {
		return false, s.readErr
	}
	return s.settled[workID], nil
}

func (s *memWorkStore) MarkSettled(ctx context.Context, workID string) error {
	if s.markErr != nil {
		return s.markErr
	}
	s.settled[workID] = true
	return nil
}

func testDetails() *PaymentDetails {
	payload := validPayload()
	return &PaymentDetails{
		PaymentPayload: payload,
		PaymentRequirements: &PaymentRequirements{
			Scheme:            "exact",
			Network:           NetworkBaseSepolia,
			MaxAmountRequired: "500000",
			PayTo:             testPayTo,
		},
	}
}

func TestSettleWork_SettlesAndMarks(t *testing.T) {
	facilitator := &MockFacilitator{}
	store := newMemWorkStore()
	svc := NewSettlementService(facilitator, store, nil)

	result, err := svc.SettleWork(context.Background(), "work-1", testDetails())
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Errorf("result = %+v", result)
	}
	if facilitator.SettleCalls != 1 {
		t.Errorf("settle calls = %d", facilitator.SettleCalls)
	}
	if !store.settled["work-1"] {
		t.Error("work not marked settled")
	}
}

func TestSettleWork_IdempotentPerWorkID(t *testing.T) {
	facilitator := &MockFacilitator{}
	store := newMemWorkStore()
	svc := NewSettlementService(facilitator, store, nil)

	if _, err := svc.SettleWork(context.Background(), "work-1", testDetails()); err != nil {
		t.Fatal(err)
	}
	result, err := svc.SettleWork(context.Background(), "work-1", testDetails())
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Errorf("repeat call result = %+v", result)
	}
	if facilitator.SettleCalls != 1 {
		t.Errorf("settle calls = %d, want exactly 1", facilitator.SettleCalls)
	}
}

func TestSettleWork_RejectionDoesNotMark(t *testing.T) {
	facilitator := &MockFacilitator{
		SettleFunc: func(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*SettlementResult, error) {
			return &SettlementResult{Success: false, ErrorReason: "authorization expired"}, nil
		},
	}
	store := newMemWorkStore()
	svc := NewSettlementService(facilitator, store, nil)

	result, err := svc.SettleWork(context.Background(), "work-1", testDetails())
	if err != nil {
		t.Fatal(err)
	}
	if result.Success {
		t.Error("rejected settlement reported as success")
	}
	if store.settled["work-1"] {
		t.Error("rejected settlement marked settled")
	}

	// A later retry still reaches the facilitator.
	if _, err := svc.SettleWork(context.Background(), "work-1", testDetails()); err != nil {
		t.Fatal(err)
	}
	if facilitator.SettleCalls != 2 {
		t.Errorf("settle calls = %d, want 2", facilitator.SettleCalls)
	}
}

func TestSettleWork_FacilitatorErrorSurfaces(t *testing.T) {
	facilitator := &MockFacilitator{
		SettleFunc: func(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*SettlementResult, error) {
			return nil, errors.New("facilitator unreachable")
		},
	}
	store := newMemWorkStore()
	svc := NewSettlementService(facilitator, store, nil)

	if _, err := svc.SettleWork(context.Background(), "work-1", testDetails()); err == nil {
		t.Fatal("expected error")
	}
	if store.settled["work-1"] {
		t.Error("errored settlement marked settled")
	}
}

func TestSettleWork_MarkFailureReported(t *testing.T) {
	facilitator := &MockFacilitator{}
	store := newMemWorkStore()
	store.markErr = errors.New("disk full")
	svc := NewSettlementService(facilitator, store, nil)

	result, err := svc.SettleWork(context.Background(), "work-1", testDetails())
	if err == nil {
		t.Fatal("expected error when flag write fails")
	}
	// The on-chain result is still returned so callers can log the tx.
	if result == nil || !result.Success {
		t.Errorf("result = %+v", result)
	}
}
