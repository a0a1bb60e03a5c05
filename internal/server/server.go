package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/CarsonRoscoe/remix-x402/internal/falai"
	"github.com/CarsonRoscoe/remix-x402/internal/farcaster"
	"github.com/CarsonRoscoe/remix-x402/internal/pinner"
	"github.com/CarsonRoscoe/remix-x402/internal/remix"
	"github.com/CarsonRoscoe/remix-x402/internal/store"
	"github.com/CarsonRoscoe/remix-x402/x402"
	"github.com/CarsonRoscoe/remix-x402/x402/evm"
)

// Route prices.
const (
	priceDaily       = "$0.50"
	priceCustomRemix = "$1.00"
	priceCustomVideo = "$1.00"
	priceVideo       = "$0.01"
)

// Server owns the assembled application.
type Server struct {
	cfg      *Config
	logger   *logrus.Logger
	store    *store.Store
	service  *remix.Service
	profiles *farcaster.Client
	worker   *remix.Worker
	httpSrv  *http.Server
}

// New assembles the application from config. Configuration and route
// errors are returned here so startup can fail fast.
func New(cfg *Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	st, err := store.Open(cfg.DatabasePath, logger)
	if err != nil {
		return nil, err
	}

	facilitator, err := buildFacilitator(cfg, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	gate, err := x402.NewPaymentGate(x402.GateConfig{
		Facilitator: facilitator,
		Routes:      priceRoutes(cfg),
		Logger:      logger,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	generator := falai.NewClient(cfg.FalKey, logger)
	profiles := farcaster.NewClient(cfg.NeynarKey, logger)
	service := remix.NewService(st, generator, profiles, logger)

	var pinOpts []pinner.Option
	if cfg.PinEndpoint != "" {
		pinOpts = append(pinOpts, pinner.WithPinEndpoint(cfg.PinEndpoint))
	}
	signer, err := evm.NewPaymentSigner(cfg.PrivateKey)
	if err != nil {
		st.Close()
		return nil, err
	}
	pin := pinner.New(signer, logger, []string{cfg.Network}, pinOpts...)

	settlement := x402.NewSettlementService(facilitator, st, logger)
	worker := remix.NewWorker(st, generator, pin, settlement, logger)

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		service:  service,
		profiles: profiles,
		worker:   worker,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpSrv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      gate.Middleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
	}
	return s, nil
}

func buildFacilitator(cfg *Config, logger *logrus.Logger) (x402.Facilitator, error) {
	if cfg.FacilitatorURL != "" {
		return x402.NewRemoteFacilitator(cfg.FacilitatorURL, logger), nil
	}
	return evm.NewLocalFacilitator(cfg.RPCURL, cfg.PrivateKey, cfg.Network, logger)
}

func priceRoutes(cfg *Config) x402.Routes {
	option := func(price string) []x402.PriceOption {
		return []x402.PriceOption{{
			Price:   x402.Price{Dollars: price},
			Network: cfg.Network,
			PayTo:   cfg.PayTo,
		}}
	}
	return x402.Routes{
		"POST /api/generate/daily": {
			Accepts:     option(priceDaily),
			Description: "Daily themed remix of your profile picture",
			MimeType:    "application/json",
		},
		"POST /api/generate/custom": {
			Accepts:     option(priceCustomRemix),
			Description: "Custom prompt remix of your profile picture",
			MimeType:    "application/json",
		},
		"POST /api/generate/custom-video": {
			Accepts:     option(priceCustomVideo),
			Description: "Custom video generation",
			MimeType:    "application/json",
		},
		"POST /api/generate/video": {
			Accepts:     option(priceVideo),
			Description: "Text-to-video generation",
			MimeType:    "application/json",
		},
	}
}

// Run serves HTTP and the background worker until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", s.cfg.ListenAddr).Info("serving HTTP")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	go func() {
		if err := s.worker.RunLoop(ctx, s.cfg.WorkerInterval); err != nil && err != context.Canceled {
			s.logger.WithError(err).Error("worker loop exited")
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return s.store.Close()
}

// Worker exposes the background worker for the worker-only command.
func (s *Server) Worker() *remix.Worker {
	return s.worker
}
