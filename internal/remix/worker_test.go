package remix

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/CarsonRoscoe/remix-x402/internal/falai"
	"github.com/CarsonRoscoe/remix-x402/internal/store"
	"github.com/CarsonRoscoe/remix-x402/x402"
)

// fakePinner records pinned files without any network.
type fakePinner struct {
	pinned int
	pinErr error
}

func (p *fakePinner) Download(ctx context.Context, url string) ([]byte, error) {
	return []byte("video-bytes"), nil
}

func (p *fakePinner) Pin(ctx context.Context, data []byte, fileName string) (string, error) {
	if p.pinErr != nil {
		return "", p.pinErr
	}
	p.pinned++
	return "ipfs://QmTest", nil
}

// settleFacilitator counts settles; only Settle matters to the worker.
type settleFacilitator struct {
	settleCalls int
	settleErr   error
	reject      bool
}

func (f *settleFacilitator) Verify(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.VerificationResult, error) {
	return &x402.VerificationResult{IsValid: true}, nil
}

func (f *settleFacilitator) Settle(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.SettlementResult, error) {
	f.settleCalls++
	if f.settleErr != nil {
		return nil, f.settleErr
	}
	if f.reject {
		return &x402.SettlementResult{Success: false, ErrorReason: "authorization expired"}, nil
	}
	return &x402.SettlementResult{Success: true, Transaction: "0xtxhash"}, nil
}

func (f *settleFacilitator) GetSupported(ctx context.Context) (*x402.SupportedResponse, error) {
	return &x402.SupportedResponse{}, nil
}

type workerFixture struct {
	store       *store.Store
	worker      *Worker
	facilitator *settleFacilitator
	pinner      *fakePinner
	queue       *queueStub
}

// queueStub fakes the generation queue for a single request id.
type queueStub struct {
	status   string
	videoURL string
}

func (q *queueStub) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/"+falai.ModelImageToVideo+"/requests/job-1/status":
			json.NewEncoder(w).Encode(falai.StatusResponse{Status: q.status, Error: "model exploded"})
		case r.URL.Path == "/"+falai.ModelImageToVideo+"/requests/job-1":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"video": map[string]string{"url": q.videoURL},
			})
		default:
			t.Errorf("unexpected queue request: %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	queue := &queueStub{status: falai.StatusCompleted, videoURL: "https://out.example/v.mp4"}
	server := httptest.NewServer(queue.handler(t))
	t.Cleanup(server.Close)

	generator := falai.NewClient("test-key", nil, falai.WithQueueURL(server.URL))
	facilitator := &settleFacilitator{}
	pin := &fakePinner{}
	settlement := x402.NewSettlementService(facilitator, st, nil)

	return &workerFixture{
		store:       st,
		worker:      NewWorker(st, generator, pin, settlement, nil),
		facilitator: facilitator,
		pinner:      pin,
		queue:       queue,
	}
}

func (f *workerFixture) seedPending(t *testing.T) *store.PendingVideo {
	t.Helper()
	ctx := context.Background()

	user, err := f.store.GetOrCreateUser(ctx, "0x2222222222222222222222222222222222222222", 0, "")
	if err != nil {
		t.Fatal(err)
	}
	pending := &store.PendingVideo{
		UserID: user.ID,
		Kind:   store.KindCustomRemix,
		Prompt: "neon skyline",
		JobID:  "job-1",
		Model:  falai.ModelImageToVideo,
		PaymentDetails: &x402.PaymentDetails{
			PaymentPayload:      &x402.PaymentPayload{X402Version: 1, Scheme: "exact", Network: x402.NetworkBaseSepolia},
			PaymentRequirements: &x402.PaymentRequirements{Scheme: "exact", Network: x402.NetworkBaseSepolia, MaxAmountRequired: "1000000"},
		},
	}
	if err := f.store.CreatePendingVideo(ctx, pending); err != nil {
		t.Fatal(err)
	}
	return pending
}

func TestWorker_CompletedJobPinsSettlesAndCleansUp(t *testing.T) {
	f := newWorkerFixture(t)
	pending := f.seedPending(t)
	ctx := context.Background()

	result, err := f.worker.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if result.Processed != 1 || result.Settled != 1 || result.Errors != 0 {
		t.Errorf("result = %+v", result)
	}
	if f.pinner.pinned != 1 {
		t.Errorf("pinned %d files", f.pinner.pinned)
	}
	if f.facilitator.settleCalls != 1 {
		t.Errorf("settle calls = %d", f.facilitator.settleCalls)
	}

	videos, err := f.store.ListVideosByUser(ctx, pending.UserID)
	if err != nil {
		t.Fatal(err)
	}
	if len(videos) != 1 || videos[0].VideoIPFS != "ipfs://QmTest" {
		t.Errorf("videos = %+v", videos)
	}

	// Settled record is gone; a second pass settles nothing more.
	if _, err := f.store.GetPendingVideo(ctx, pending.ID); err != sql.ErrNoRows {
		t.Errorf("pending record not cleaned up: %v", err)
	}
	if _, err := f.worker.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if f.facilitator.settleCalls != 1 {
		t.Errorf("second pass settled again: %d", f.facilitator.settleCalls)
	}
}

func TestWorker_FailedJobNeverSettles(t *testing.T) {
	f := newWorkerFixture(t)
	pending := f.seedPending(t)
	f.queue.status = falai.StatusFailed
	ctx := context.Background()

	result, err := f.worker.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if result.Errors != 1 {
		t.Errorf("result = %+v", result)
	}

	// The authorization is left to expire unused.
	if f.facilitator.settleCalls != 0 {
		t.Errorf("failed work settled %d times", f.facilitator.settleCalls)
	}

	got, err := f.store.GetPendingVideo(ctx, pending.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusFailed {
		t.Errorf("status = %s", got.Status)
	}
	if got.ErrorMessage == "" {
		t.Error("failure reason not recorded")
	}
	if len(mustVideos(t, f.store, pending.UserID)) != 0 {
		t.Error("failed job produced a video")
	}
}

func TestWorker_InProgressJobStaysQueued(t *testing.T) {
	f := newWorkerFixture(t)
	pending := f.seedPending(t)
	f.queue.status = falai.StatusInProgress
	ctx := context.Background()

	if _, err := f.worker.Run(ctx); err != nil {
		t.Fatal(err)
	}

	got, err := f.store.GetPendingVideo(ctx, pending.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusProcessing {
		t.Errorf("status = %s", got.Status)
	}
	if f.facilitator.settleCalls != 0 {
		t.Error("in-progress work settled")
	}
}

func TestWorker_PinFailureDoesNotSettle(t *testing.T) {
	f := newWorkerFixture(t)
	f.seedPending(t)
	f.pinner.pinErr = errors.New("pin service down")
	ctx := context.Background()

	result, err := f.worker.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if result.Errors != 1 {
		t.Errorf("result = %+v", result)
	}
	if f.facilitator.settleCalls != 0 {
		t.Error("settled despite pin failure")
	}
}

func TestWorker_DeliveryStandsWhenSettlementFails(t *testing.T) {
	f := newWorkerFixture(t)
	pending := f.seedPending(t)
	f.facilitator.reject = true
	ctx := context.Background()

	result, err := f.worker.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if result.Processed != 1 || result.Settled != 0 {
		t.Errorf("result = %+v", result)
	}

	// The video was delivered; the record stays queued for settlement
	// retries.
	if len(mustVideos(t, f.store, pending.UserID)) != 1 {
		t.Error("video not delivered")
	}
	got, err := f.store.GetPendingVideo(ctx, pending.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Settled {
		t.Error("failed settlement marked settled")
	}

	// Once the facilitator recovers, the next pass settles without
	// re-generating.
	f.facilitator.reject = false
	result, err = f.worker.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if result.Settled != 1 {
		t.Errorf("retry result = %+v", result)
	}
	if len(mustVideos(t, f.store, pending.UserID)) != 1 {
		t.Error("video duplicated on settlement retry")
	}
}

func mustVideos(t *testing.T, st *store.Store, userID string) []*store.Video {
	t.Helper()
	videos, err := st.ListVideosByUser(context.Background(), userID)
	if err != nil {
		t.Fatal(err)
	}
	return videos
}
