package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/CarsonRoscoe/remix-x402/internal/remix"
	"github.com/CarsonRoscoe/remix-x402/internal/store"
	"github.com/CarsonRoscoe/remix-x402/x402"
)

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/generate/daily", s.handleGenerateDaily)
	mux.HandleFunc("POST /api/generate/custom", s.handleGenerateCustom)
	mux.HandleFunc("POST /api/generate/custom-video", s.handleGenerateCustomVideo)
	mux.HandleFunc("POST /api/generate/video", s.handleGenerateVideo)

	mux.HandleFunc("GET /api/pending", s.handleListPending)
	mux.HandleFunc("GET /api/videos", s.handleListVideos)
	mux.HandleFunc("GET /api/who-am-i", s.handleWhoAmI)
	mux.HandleFunc("POST /api/worker", s.handleWorker)
}

type generateRequest struct {
	WalletAddress string `json:"walletAddress"`
	Prompt        string `json:"prompt"`
}

// decodeGenerate reads the request body and fills the wallet from the
// verified payment's payer when the body omits it.
func decodeGenerate(r *http.Request, needPrompt bool) (*generateRequest, *x402.PaymentDetails, string) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, nil, "Invalid JSON body"
	}

	details, ok := x402.PaymentDetailsFromContext(r.Context())
	if !ok {
		// The gate always runs ahead of these handlers; a missing payment
		// context means the route table and mux disagree.
		return nil, nil, "Payment context missing"
	}

	if req.WalletAddress == "" {
		req.WalletAddress = details.PaymentPayload.Payload.Authorization.From
	}
	if req.WalletAddress == "" {
		return nil, nil, "Wallet address is required"
	}
	if needPrompt && req.Prompt == "" {
		return nil, nil, "Prompt is required"
	}
	return &req, details, ""
}

type generateResponse struct {
	Success   bool   `json:"success"`
	PendingID string `json:"pendingId"`
	JobID     string `json:"jobId"`
	Kind      string `json:"kind"`
	Status    string `json:"status"`
}

func (s *Server) handleGenerateDaily(w http.ResponseWriter, r *http.Request) {
	req, details, problem := decodeGenerate(r, false)
	if problem != "" {
		writeError(w, http.StatusBadRequest, problem)
		return
	}
	s.respondQueued(w, r, func() (*store.PendingVideo, error) {
		return s.service.GenerateDaily(r.Context(), req.WalletAddress, details)
	})
}

func (s *Server) handleGenerateCustom(w http.ResponseWriter, r *http.Request) {
	req, details, problem := decodeGenerate(r, true)
	if problem != "" {
		writeError(w, http.StatusBadRequest, problem)
		return
	}
	s.respondQueued(w, r, func() (*store.PendingVideo, error) {
		return s.service.GenerateCustomRemix(r.Context(), req.WalletAddress, req.Prompt, details)
	})
}

func (s *Server) handleGenerateCustomVideo(w http.ResponseWriter, r *http.Request) {
	req, details, problem := decodeGenerate(r, true)
	if problem != "" {
		writeError(w, http.StatusBadRequest, problem)
		return
	}
	s.respondQueued(w, r, func() (*store.PendingVideo, error) {
		return s.service.GenerateCustomVideo(r.Context(), req.WalletAddress, req.Prompt, details)
	})
}

func (s *Server) handleGenerateVideo(w http.ResponseWriter, r *http.Request) {
	req, details, problem := decodeGenerate(r, true)
	if problem != "" {
		writeError(w, http.StatusBadRequest, problem)
		return
	}
	s.respondQueued(w, r, func() (*store.PendingVideo, error) {
		return s.service.GenerateVideo(r.Context(), req.WalletAddress, req.Prompt, details)
	})
}

func (s *Server) respondQueued(w http.ResponseWriter, r *http.Request, queue func() (*store.PendingVideo, error)) {
	pending, err := queue()
	if err != nil {
		if err == remix.ErrNoProfile {
			writeError(w, http.StatusBadRequest,
				"No Farcaster profile found. Please ensure your wallet is connected to a Farcaster account.")
			return
		}
		s.logger.WithError(err).WithField("path", r.URL.Path).Error("generation request failed")
		writeError(w, http.StatusInternalServerError, "Failed to queue generation")
		return
	}

	writeJSON(w, http.StatusAccepted, generateResponse{
		Success:   true,
		PendingID: pending.ID,
		JobID:     pending.JobID,
		Kind:      pending.Kind,
		Status:    pending.Status,
	})
}

type pendingView struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	wallet := r.URL.Query().Get("wallet")
	if wallet == "" {
		writeError(w, http.StatusBadRequest, "wallet query parameter is required")
		return
	}

	pending, err := s.service.PendingForWallet(r.Context(), wallet)
	if err != nil {
		s.logger.WithError(err).Error("pending lookup failed")
		writeError(w, http.StatusInternalServerError, "Failed to list pending videos")
		return
	}

	views := make([]pendingView, 0, len(pending))
	for _, pv := range pending {
		views = append(views, pendingView{
			ID:        pv.ID,
			Kind:      pv.Kind,
			Status:    pv.Status,
			Error:     pv.ErrorMessage,
			CreatedAt: pv.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pending": views})
}

type videoView struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	IPFS      string    `json:"ipfs"`
	URL       string    `json:"url,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *Server) handleListVideos(w http.ResponseWriter, r *http.Request) {
	wallet := r.URL.Query().Get("wallet")
	if wallet == "" {
		writeError(w, http.StatusBadRequest, "wallet query parameter is required")
		return
	}

	videos, err := s.service.VideosForWallet(r.Context(), wallet)
	if err != nil {
		s.logger.WithError(err).Error("video lookup failed")
		writeError(w, http.StatusInternalServerError, "Failed to list videos")
		return
	}

	views := make([]videoView, 0, len(videos))
	for _, v := range videos {
		views = append(views, videoView{
			ID:        v.ID,
			Kind:      v.Kind,
			IPFS:      v.VideoIPFS,
			URL:       v.VideoURL,
			CreatedAt: v.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"videos": views})
}

func (s *Server) handleWhoAmI(w http.ResponseWriter, r *http.Request) {
	wallet := r.URL.Query().Get("wallet")
	if wallet == "" {
		writeError(w, http.StatusBadRequest, "wallet query parameter is required")
		return
	}

	profile, err := s.profiles.ProfileByWallet(r.Context(), wallet)
	if err != nil {
		s.logger.WithError(err).Error("profile lookup failed")
		writeError(w, http.StatusInternalServerError, "Failed to fetch Farcaster profile")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"hasAccount": profile != nil,
		"user":       profile,
	})
}

// handleWorker triggers one processing pass. The worker's own guard makes
// concurrent triggers harmless.
func (s *Server) handleWorker(w http.ResponseWriter, r *http.Request) {
	result, err := s.worker.Run(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("worker pass failed")
		writeError(w, http.StatusInternalServerError, "Worker pass failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
