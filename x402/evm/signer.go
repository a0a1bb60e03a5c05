package evm

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/CarsonRoscoe/remix-x402/x402"
)

// PaymentSigner produces signed exact-scheme payment payloads for outbound
// requests to x402-protected services.
type PaymentSigner struct {
	key     *ecdsa.PrivateKey
	address string
	now     func() time.Time
}

// NewPaymentSigner creates a signer from a hex private key.
func NewPaymentSigner(privateKeyHex string) (*PaymentSigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	return &PaymentSigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey).Hex(),
		now:     time.Now,
	}, nil
}

// Address returns the payer address.
func (s *PaymentSigner) Address() string {
	return s.address
}

// SignPayment builds and signs an authorization covering the full amount the
// requirements demand. The validity window opens a minute in the past to
// absorb clock skew.
func (s *PaymentSigner) SignPayment(ctx context.Context, requirements *x402.PaymentRequirements) (*x402.PaymentPayload, error) {
	if requirements.Scheme != "exact" {
		return nil, fmt.Errorf("unsupported scheme %q", requirements.Scheme)
	}

	chainID, err := ChainID(requirements.Network)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	timeout := requirements.MaxTimeoutSeconds
	if timeout <= 0 {
		timeout = 300
	}
	now := s.now().Unix()

	auth := x402.Authorization{
		From:        s.address,
		To:          requirements.PayTo,
		Value:       requirements.MaxAmountRequired,
		ValidAfter:  strconv.FormatInt(now-60, 10),
		ValidBefore: strconv.FormatInt(now+int64(timeout), 10),
		Nonce:       hexutil.Encode(nonce),
	}

	name, version := domainParams(requirements)
	typedData, err := TypedData(auth, chainID, name, version, requirements.Asset)
	if err != nil {
		return nil, fmt.Errorf("build typed data: %w", err)
	}
	digest, err := HashTypedData(typedData)
	if err != nil {
		return nil, fmt.Errorf("hash authorization: %w", err)
	}

	sig, err := crypto.Sign(digest.Bytes(), s.key)
	if err != nil {
		return nil, fmt.Errorf("sign authorization: %w", err)
	}
	// transferWithAuthorization expects v in {27, 28}.
	sig[64] += 27

	return &x402.PaymentPayload{
		X402Version: x402.ProtocolVersion,
		Scheme:      requirements.Scheme,
		Network:     requirements.Network,
		Payload: x402.ExactPayload{
			Signature:     hexutil.Encode(sig),
			Authorization: auth,
		},
	}, nil
}
