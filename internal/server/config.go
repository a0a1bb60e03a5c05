// Package server wires the HTTP surface: priced generation routes behind
// the payment gate, free read routes, and the worker trigger.
package server

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/CarsonRoscoe/remix-x402/x402"
)

// Config is the process configuration, read from the environment.
type Config struct {
	// ListenAddr is the HTTP bind address.
	ListenAddr string

	// DatabasePath is the SQLite file path.
	DatabasePath string

	// Network is the CAIP-2 network payments are accepted on.
	Network string

	// PayTo receives route payments.
	PayTo string

	// FacilitatorURL selects the remote facilitator. When empty, a local
	// facilitator is built from RPCURL and PrivateKey.
	FacilitatorURL string

	// RPCURL is the chain RPC endpoint for the local facilitator.
	RPCURL string

	// PrivateKey signs settlement transactions (local facilitator) and
	// outbound pin payments.
	PrivateKey string

	// FalKey authenticates against the generation queue.
	FalKey string

	// NeynarKey authenticates profile lookups.
	NeynarKey string

	// PinEndpoint overrides the IPFS pin presign endpoint.
	PinEndpoint string

	// WorkerInterval is the polling cadence of the background worker.
	WorkerInterval time.Duration

	// LogLevel is a logrus level name.
	LogLevel string
}

// ConfigFromEnv builds a Config from environment variables.
func ConfigFromEnv() *Config {
	cfg := &Config{
		ListenAddr:     envOr("LISTEN_ADDR", ":8080"),
		DatabasePath:   envOr("DATABASE_PATH", "remix.db"),
		Network:        envOr("NETWORK", x402.NetworkBaseSepolia),
		PayTo:          os.Getenv("PAY_TO_ADDRESS"),
		FacilitatorURL: os.Getenv("FACILITATOR_URL"),
		RPCURL:         os.Getenv("EVM_RPC_URL"),
		PrivateKey:     os.Getenv("EVM_PRIVATE_KEY"),
		FalKey:         os.Getenv("FAL_KEY"),
		NeynarKey:      os.Getenv("NEYNAR_API_KEY"),
		PinEndpoint:    os.Getenv("PIN_ENDPOINT"),
		WorkerInterval: 30 * time.Second,
		LogLevel:       envOr("LOG_LEVEL", "info"),
	}

	if raw := os.Getenv("WORKER_INTERVAL_SECONDS"); raw != "" {
		if seconds, err := strconv.Atoi(raw); err == nil && seconds > 0 {
			cfg.WorkerInterval = time.Duration(seconds) * time.Second
		}
	}
	return cfg
}

// Validate checks the configuration. Called at startup; a non-nil error is
// fatal.
func (c *Config) Validate() error {
	if c.PayTo == "" {
		return fmt.Errorf("PAY_TO_ADDRESS is required")
	}
	if !common.IsHexAddress(c.PayTo) {
		return fmt.Errorf("PAY_TO_ADDRESS %q is not a valid address", c.PayTo)
	}
	if _, ok := x402.DefaultAsset(c.Network); !ok {
		return fmt.Errorf("NETWORK %q has no known asset deployment", c.Network)
	}
	if c.FacilitatorURL == "" && c.RPCURL == "" {
		return fmt.Errorf("either FACILITATOR_URL or EVM_RPC_URL is required")
	}
	// Signs settlement transactions for the local facilitator and outbound
	// pin payments in both modes.
	if c.PrivateKey == "" {
		return fmt.Errorf("EVM_PRIVATE_KEY is required")
	}
	if c.FalKey == "" {
		return fmt.Errorf("FAL_KEY is required")
	}
	if c.NeynarKey == "" {
		return fmt.Errorf("NEYNAR_API_KEY is required")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
