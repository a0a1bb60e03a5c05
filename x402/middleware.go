package x402

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// GateConfig configures the payment gate.
type GateConfig struct {
	// Facilitator verifies payment proofs. Settlement is never invoked by
	// the gate; it is deferred to the business layer via SettlementService.
	Facilitator Facilitator

	// Routes maps route patterns to pricing.
	Routes Routes

	// PaywallHTML optionally overrides the built-in paywall template.
	PaywallHTML string

	// Logger defaults to the logrus standard logger.
	Logger logrus.FieldLogger
}

// PaymentGate is HTTP middleware that enforces x402 payment on priced
// routes. It verifies payment proofs upfront and forwards the verified,
// unsettled payment context to the downstream handler; funds move only
// when the business layer later settles.
type PaymentGate struct {
	facilitator Facilitator
	table       *RouteTable
	paywall     *paywall
	logger      logrus.FieldLogger

	// Supported-kinds priming happens once per process; concurrent first
	// requests share the same initialization.
	initOnce sync.Once
}

// NewPaymentGate compiles the route table and validates configuration.
// Configuration errors are returned here so the process can refuse to
// serve priced routes at startup.
func NewPaymentGate(cfg GateConfig) (*PaymentGate, error) {
	if cfg.Facilitator == nil {
		return nil, NewPaymentError(ErrCodeInvalidConfig, "facilitator is required", nil)
	}
	if len(cfg.Routes) == 0 {
		return nil, NewPaymentError(ErrCodeInvalidConfig, "at least one priced route is required", nil)
	}

	table, err := CompileRoutes(cfg.Routes)
	if err != nil {
		return nil, err
	}

	pw, err := newPaywall(cfg.PaywallHTML)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &PaymentGate{
		facilitator: cfg.Facilitator,
		table:       table,
		paywall:     pw,
		logger:      logger.WithField("component", "payment-gate"),
	}, nil
}

// Middleware wraps an http.Handler with the payment gate.
func (g *PaymentGate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		matched := g.table.Match(r.Method, r.URL.Path)
		if matched == nil {
			next.ServeHTTP(w, r)
			return
		}

		g.initOnce.Do(func() {
			if _, err := g.facilitator.GetSupported(r.Context()); err != nil {
				g.logger.WithError(err).Warn("facilitator supported-kinds priming failed")
			}
		})

		requirements := matched.Requirements(resourceURL(r))

		header := r.Header.Get(HeaderPaymentSignature)
		if header == "" {
			header = r.Header.Get(HeaderPayment)
		}
		if header == "" {
			if g.paywall != nil && wantsHTMLPaywall(r) {
				g.paywall.render(w, r, requirements)
				return
			}
			g.send402(w, "Payment required", requirements, "")
			return
		}

		payload, err := DecodePayment(header)
		if err != nil {
			g.send402(w, err.Error(), requirements, "")
			return
		}

		selected := selectRequirements(payload, requirements)
		if selected == nil {
			g.send402(w, "Unable to find matching payment requirements", requirements, "")
			return
		}

		result, err := g.facilitator.Verify(r.Context(), payload, selected)
		if err != nil {
			// Infrastructure failure, not payment invalidity. Log route
			// and declared scheme/network only, never signature material.
			g.logger.WithError(err).WithFields(logrus.Fields{
				"route":   matched.Pattern,
				"scheme":  payload.Scheme,
				"network": payload.Network,
			}).Error("payment verification errored")
			sendError(w, http.StatusInternalServerError, "Payment verification unavailable")
			return
		}

		if !result.IsValid {
			g.send402(w, result.InvalidReason, requirements, result.Payer)
			return
		}

		details := &PaymentDetails{
			PaymentPayload:      payload,
			PaymentRequirements: selected,
		}
		ctx := ContextWithPaymentDetails(r.Context(), details)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// selectRequirements picks the requirement set matching the submitted
// payload's declared scheme and network. A payload whose declared pair
// matches none of the route's options is rejected before verification.
func selectRequirements(payload *PaymentPayload, requirements []PaymentRequirements) *PaymentRequirements {
	for i := range requirements {
		req := &requirements[i]
		if req.Scheme == payload.Scheme && req.Network == payload.Network {
			return req
		}
	}
	return nil
}

func (g *PaymentGate) send402(w http.ResponseWriter, reason string, accepts []PaymentRequirements, payer string) {
	response := PaymentRequiredResponse{
		X402Version: ProtocolVersion,
		Error:       reason,
		Accepts:     accepts,
		Payer:       payer,
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	json.NewEncoder(w).Encode(response)
}

func sendError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func resourceURL(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}
	if forwarded := r.Header.Get("X-Forwarded-Proto"); forwarded != "" {
		scheme = forwarded
	}
	return fmt.Sprintf("%s://%s%s", scheme, r.Host, r.URL.Path)
}

// wantsHTMLPaywall detects browser navigation: an Accept header asking for
// HTML plus a browser-looking User-Agent. A UX concession, not a security
// boundary.
func wantsHTMLPaywall(r *http.Request) bool {
	if !strings.Contains(r.Header.Get("Accept"), "text/html") {
		return false
	}
	userAgent := r.Header.Get("User-Agent")
	if userAgent == "" {
		return false
	}
	browserIndicators := []string{"Mozilla/", "Chrome/", "Safari/", "Firefox/", "Edge/", "Opera/"}
	for _, indicator := range browserIndicators {
		if strings.Contains(userAgent, indicator) {
			return true
		}
	}
	return false
}
