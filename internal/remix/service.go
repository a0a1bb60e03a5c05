// Package remix holds the generation business logic: queueing paid video
// jobs and the worker that finishes them, pins the output, and settles the
// payment that authorized them.
package remix

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/CarsonRoscoe/remix-x402/internal/falai"
	"github.com/CarsonRoscoe/remix-x402/internal/farcaster"
	"github.com/CarsonRoscoe/remix-x402/internal/store"
	"github.com/CarsonRoscoe/remix-x402/x402"
)

// ErrNoProfile is returned when a remix kind needs a Farcaster profile
// picture and the wallet has none.
var ErrNoProfile = fmt.Errorf("no Farcaster profile found for wallet")

// Service queues generation jobs. Every queued job carries the verified
// payment that authorized it; settlement waits until the job succeeds.
type Service struct {
	store     *store.Store
	generator *falai.Client
	profiles  *farcaster.Client
	logger    logrus.FieldLogger
	now       func() time.Time
}

// NewService wires the generation service.
func NewService(st *store.Store, generator *falai.Client, profiles *farcaster.Client, logger logrus.FieldLogger) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{
		store:     st,
		generator: generator,
		profiles:  profiles,
		logger:    logger.WithField("component", "remix"),
		now:       time.Now,
	}
}

// GenerateDaily queues a remix of the caller's profile picture themed by
// today's prompt. Requires a Farcaster profile.
func (s *Service) GenerateDaily(ctx context.Context, walletAddress string, details *x402.PaymentDetails) (*store.PendingVideo, error) {
	daily, err := s.store.GetDailyPrompt(ctx, s.now())
	if err != nil {
		return nil, fmt.Errorf("load daily prompt: %w", err)
	}
	return s.queueRemix(ctx, walletAddress, store.KindDailyRemix, daily.Prompt, details)
}

// GenerateCustomRemix queues a remix of the caller's profile picture driven
// by their own prompt. Requires a Farcaster profile.
func (s *Service) GenerateCustomRemix(ctx context.Context, walletAddress, prompt string, details *x402.PaymentDetails) (*store.PendingVideo, error) {
	return s.queueRemix(ctx, walletAddress, store.KindCustomRemix, prompt, details)
}

func (s *Service) queueRemix(ctx context.Context, walletAddress, kind, prompt string, details *x402.PaymentDetails) (*store.PendingVideo, error) {
	profile, err := s.profiles.ProfileByWallet(ctx, walletAddress)
	if err != nil {
		return nil, fmt.Errorf("resolve profile: %w", err)
	}
	if profile == nil || profile.PfpURL == "" {
		return nil, ErrNoProfile
	}

	enhanced := falai.EnhancePrompt(prompt, true)
	jobID, err := s.generator.SubmitImageToVideo(ctx, enhanced, profile.PfpURL)
	if err != nil {
		return nil, fmt.Errorf("queue generation: %w", err)
	}

	return s.recordPending(ctx, walletAddress, profile, kind, prompt, jobID, falai.ModelImageToVideo, details)
}

// GenerateCustomVideo queues a video from the caller's prompt, using their
// profile picture as the source frame when one exists and falling back to
// text-to-video otherwise.
func (s *Service) GenerateCustomVideo(ctx context.Context, walletAddress, prompt string, details *x402.PaymentDetails) (*store.PendingVideo, error) {
	profile, err := s.profiles.ProfileByWallet(ctx, walletAddress)
	if err != nil {
		return nil, fmt.Errorf("resolve profile: %w", err)
	}

	var jobID string
	model := falai.ModelTextToVideo
	if profile != nil && profile.PfpURL != "" {
		model = falai.ModelImageToVideo
		jobID, err = s.generator.SubmitImageToVideo(ctx, falai.EnhancePrompt(prompt, true), profile.PfpURL)
	} else {
		jobID, err = s.generator.SubmitTextToVideo(ctx, falai.EnhancePrompt(prompt, false))
	}
	if err != nil {
		return nil, fmt.Errorf("queue generation: %w", err)
	}

	return s.recordPending(ctx, walletAddress, profile, store.KindCustomVideo, prompt, jobID, model, details)
}

// GenerateVideo queues a plain text-to-video generation.
func (s *Service) GenerateVideo(ctx context.Context, walletAddress, prompt string, details *x402.PaymentDetails) (*store.PendingVideo, error) {
	jobID, err := s.generator.SubmitTextToVideo(ctx, falai.EnhancePrompt(prompt, false))
	if err != nil {
		return nil, fmt.Errorf("queue generation: %w", err)
	}
	return s.recordPending(ctx, walletAddress, nil, store.KindVideo, prompt, jobID, falai.ModelTextToVideo, details)
}

func (s *Service) recordPending(ctx context.Context, walletAddress string, profile *farcaster.Profile, kind, prompt, jobID, model string, details *x402.PaymentDetails) (*store.PendingVideo, error) {
	var fid int64
	var pfpURL string
	if profile != nil {
		fid = profile.FID
		pfpURL = profile.PfpURL
	}

	user, err := s.store.GetOrCreateUser(ctx, walletAddress, fid, pfpURL)
	if err != nil {
		return nil, fmt.Errorf("resolve user: %w", err)
	}

	pending := &store.PendingVideo{
		UserID:         user.ID,
		Kind:           kind,
		Prompt:         prompt,
		JobID:          jobID,
		Model:          model,
		PaymentDetails: details,
	}
	if err := s.store.CreatePendingVideo(ctx, pending); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"pending_id": pending.ID,
		"job_id":     jobID,
		"kind":       kind,
		"wallet":     walletAddress,
	}).Info("queued paid generation")
	return pending, nil
}

// PendingForWallet lists a wallet's in-flight generations.
func (s *Service) PendingForWallet(ctx context.Context, walletAddress string) ([]*store.PendingVideo, error) {
	user, err := s.store.GetOrCreateUser(ctx, walletAddress, 0, "")
	if err != nil {
		return nil, err
	}
	return s.store.ListPendingVideosByUser(ctx, user.ID)
}

// VideosForWallet lists a wallet's finished videos.
func (s *Service) VideosForWallet(ctx context.Context, walletAddress string) ([]*store.Video, error) {
	user, err := s.store.GetOrCreateUser(ctx, walletAddress, 0, "")
	if err != nil {
		return nil, err
	}
	return s.store.ListVideosByUser(ctx, user.ID)
}
