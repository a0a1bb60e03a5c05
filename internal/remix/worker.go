package remix

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/CarsonRoscoe/remix-x402/internal/falai"
	"github.com/CarsonRoscoe/remix-x402/internal/store"
	"github.com/CarsonRoscoe/remix-x402/x402"
)

// FilePinner pins generated output to IPFS. Implemented by pinner.Pinner.
type FilePinner interface {
	Download(ctx context.Context, url string) ([]byte, error)
	Pin(ctx context.Context, data []byte, fileName string) (string, error)
}

// Worker drains the pending-video queue: it polls the generation service,
// pins completed output, records the finished video, and only then settles
// the payment that authorized the job. Failed jobs are never settled.
type Worker struct {
	store      *store.Store
	generator  *falai.Client
	pinner     FilePinner
	settlement *x402.SettlementService
	logger     logrus.FieldLogger

	running atomic.Bool
}

// NewWorker wires a queue worker.
func NewWorker(st *store.Store, generator *falai.Client, pinner FilePinner, settlement *x402.SettlementService, logger logrus.FieldLogger) *Worker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Worker{
		store:      st,
		generator:  generator,
		pinner:     pinner,
		settlement: settlement,
		logger:     logger.WithField("component", "worker"),
	}
}

// RunResult summarizes one processing pass.
type RunResult struct {
	Processed int `json:"processed"`
	Errors    int `json:"errors"`
	Settled   int `json:"settled"`
	Total     int `json:"total"`
}

// Run executes one processing pass. Concurrent calls coalesce: if a pass is
// already in flight the call returns immediately with an empty result.
func (w *Worker) Run(ctx context.Context) (*RunResult, error) {
	if !w.running.CompareAndSwap(false, true) {
		w.logger.Debug("processing pass already running, skipping")
		return &RunResult{}, nil
	}
	defer w.running.Store(false)

	result := &RunResult{}

	pending, err := w.store.ListPendingVideos(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending videos: %w", err)
	}
	result.Total = len(pending)

	for _, pv := range pending {
		if err := w.process(ctx, pv); err != nil {
			w.logger.WithError(err).WithField("pending_id", pv.ID).Error("processing failed")
			if updateErr := w.store.UpdatePendingStatus(ctx, pv.ID, store.StatusFailed, err.Error()); updateErr != nil {
				w.logger.WithError(updateErr).WithField("pending_id", pv.ID).Error("status update failed")
			}
			result.Errors++
			continue
		}
		result.Processed++
	}

	settled, err := w.settlePass(ctx)
	if err != nil {
		return result, err
	}
	result.Settled = settled
	return result, nil
}

// RunLoop calls Run on the given interval until ctx is cancelled.
func (w *Worker) RunLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := w.Run(ctx); err != nil {
			w.logger.WithError(err).Error("processing pass errored")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *Worker) process(ctx context.Context, pv *store.PendingVideo) error {
	model := pv.Model
	if model == "" {
		model = falai.ModelImageToVideo
	}

	status, err := w.generator.Status(ctx, model, pv.JobID)
	if err != nil {
		return fmt.Errorf("poll job status: %w", err)
	}

	switch status.Status {
	case falai.StatusCompleted:
		return w.finish(ctx, pv, model)

	case falai.StatusFailed:
		reason := status.Error
		if reason == "" {
			reason = "generation failed"
		}
		return fmt.Errorf("%s", reason)

	case falai.StatusInProgress:
		if pv.Status == store.StatusPending {
			return w.store.UpdatePendingStatus(ctx, pv.ID, store.StatusProcessing, "")
		}
		return nil

	default:
		// Still queued.
		return nil
	}
}

func (w *Worker) finish(ctx context.Context, pv *store.PendingVideo, model string) error {
	result, err := w.generator.Result(ctx, model, pv.JobID)
	if err != nil {
		return fmt.Errorf("fetch job result: %w", err)
	}
	if result.Video.URL == "" {
		return fmt.Errorf("completed job has no video")
	}

	data, err := w.pinner.Download(ctx, result.Video.URL)
	if err != nil {
		return fmt.Errorf("download video: %w", err)
	}
	ipfsURI, err := w.pinner.Pin(ctx, data, "generated-video.mp4")
	if err != nil {
		return fmt.Errorf("pin video: %w", err)
	}

	video := &store.Video{
		UserID:    pv.UserID,
		Kind:      pv.Kind,
		VideoIPFS: ipfsURI,
		VideoURL:  result.Video.URL,
	}
	if err := w.store.CreateVideo(ctx, video); err != nil {
		return err
	}

	if err := w.store.UpdatePendingStatus(ctx, pv.ID, store.StatusCompleted, ""); err != nil {
		return err
	}

	w.logger.WithFields(logrus.Fields{
		"pending_id": pv.ID,
		"video_id":   video.ID,
		"ipfs":       ipfsURI,
	}).Info("generation finished")
	return nil
}

// settlePass settles payments for completed-but-unsettled records and
// removes the ones that settle. Records whose settlement fails stay queued
// for the next pass; the finished video was already delivered.
func (w *Worker) settlePass(ctx context.Context) (int, error) {
	settleable, err := w.store.ListSettleableVideos(ctx)
	if err != nil {
		return 0, fmt.Errorf("list settleable videos: %w", err)
	}

	settled := 0
	for _, pv := range settleable {
		if pv.PaymentDetails == nil {
			// Nothing to settle; clean up the record.
			if err := w.store.DeletePendingVideo(ctx, pv.ID); err != nil {
				w.logger.WithError(err).WithField("pending_id", pv.ID).Error("cleanup failed")
			}
			continue
		}

		result, err := w.settlement.SettleWork(ctx, pv.ID, pv.PaymentDetails)
		if err != nil || !result.Success {
			continue
		}
		if err := w.store.DeletePendingVideo(ctx, pv.ID); err != nil {
			w.logger.WithError(err).WithField("pending_id", pv.ID).Error("cleanup failed")
			continue
		}
		settled++
	}
	return settled, nil
}
