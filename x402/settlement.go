package x402

import (
	"context"

	"github.com/sirupsen/logrus"
)

// WorkStore is the slice of the persistence layer the settlement service
// needs: a settled flag per unit of async work.
type WorkStore interface {
	// IsSettled reports whether the work record's payment was settled.
	IsSettled(ctx context.Context, workID string) (bool, error)

	// MarkSettled flips the record's settled flag. Flipping an already
	// settled record is a no-op.
	MarkSettled(ctx context.Context, workID string) error
}

// SettlementService settles previously verified payments once the paid-for
// asynchronous work completes. It is invoked by business logic, never by
// the payment gate: if the work fails this service is simply not called
// and the authorization expires unused.
type SettlementService struct {
	facilitator Facilitator
	store       WorkStore
	logger      logrus.FieldLogger
}

// NewSettlementService wires a settlement service.
func NewSettlementService(facilitator Facilitator, store WorkStore, logger logrus.FieldLogger) *SettlementService {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &SettlementService{
		facilitator: facilitator,
		store:       store,
		logger:      logger.WithField("component", "settlement"),
	}
}

// SettleWork settles the payment tied to a completed unit of work and
// marks the record settled. Idempotent from the caller's perspective: a
// record already flagged settled produces no second settlement attempt.
//
// A failed settlement (facilitator unreachable, nonce already consumed)
// must not undo the completed work; the result is logged and reported to
// the caller, but the generated asset is still delivered.
func (s *SettlementService) SettleWork(ctx context.Context, workID string, details *PaymentDetails) (*SettlementResult, error) {
	settled, err := s.store.IsSettled(ctx, workID)
	if err != nil {
		return nil, err
	}
	if settled {
		s.logger.WithField("work_id", workID).Debug("work already settled, skipping")
		return &SettlementResult{Success: true}, nil
	}

	result, err := s.facilitator.Settle(ctx, details.PaymentPayload, details.PaymentRequirements)
	if err != nil {
		s.logger.WithError(err).WithField("work_id", workID).Error("settlement errored")
		return nil, err
	}

	if !result.Success {
		s.logger.WithFields(logrus.Fields{
			"work_id": workID,
			"reason":  result.ErrorReason,
		}).Error("settlement rejected")
		return result, nil
	}

	if err := s.store.MarkSettled(ctx, workID); err != nil {
		// Funds moved but the flag write failed. Surface loudly: a retry
		// would hit the consumed nonce and fail cleanly at the chain.
		s.logger.WithError(err).WithField("work_id", workID).Error("settled on-chain but flag write failed")
		return result, err
	}

	s.logger.WithFields(logrus.Fields{
		"work_id":     workID,
		"transaction": result.Transaction,
		"network":     result.Network,
	}).Info("payment settled")
	return result, nil
}
