package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"

	"github.com/CarsonRoscoe/remix-x402/x402"
)

// ChainBackend is the slice of an Ethereum RPC client the facilitator
// uses. *ethclient.Client satisfies it; tests substitute a fake.
type ChainBackend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// LocalFacilitator verifies and settles payments directly against a chain
// RPC endpoint using a held signing key. The key lives in this single
// process-wide instance and is never logged; settlement nonce management
// is delegated to the chain client.
type LocalFacilitator struct {
	backend ChainBackend
	key     *ecdsa.PrivateKey
	address common.Address
	network string
	chainID *big.Int
	logger  logrus.FieldLogger

	// now is injectable so tests control the authorization window clock;
	// pollInterval paces receipt polling.
	now          func() time.Time
	pollInterval time.Duration
}

// NewLocalFacilitator dials the RPC endpoint and prepares a facilitator
// for the given CAIP-2 network.
func NewLocalFacilitator(rpcURL, privateKeyHex, network string, logger logrus.FieldLogger) (*LocalFacilitator, error) {
	chainID, err := ChainID(network)
	if err != nil {
		return nil, err
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse facilitator signing key: %w", err)
	}

	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain rpc: %w", err)
	}

	return NewLocalFacilitatorWithBackend(client, key, network, chainID, logger), nil
}

// NewLocalFacilitatorWithBackend wires a facilitator over an existing
// backend. Used by tests and callers that manage their own client.
func NewLocalFacilitatorWithBackend(backend ChainBackend, key *ecdsa.PrivateKey, network string, chainID *big.Int, logger logrus.FieldLogger) *LocalFacilitator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LocalFacilitator{
		backend:      backend,
		key:          key,
		address:      crypto.PubkeyToAddress(key.PublicKey),
		network:      network,
		chainID:      chainID,
		logger:       logger.WithField("component", "local-facilitator"),
		now:          time.Now,
		pollInterval: 2 * time.Second,
	}
}

func invalid(reason, payer string) *x402.VerificationResult {
	return &x402.VerificationResult{IsValid: false, InvalidReason: reason, Payer: payer}
}

// Verify checks the payload against the requirements without moving funds:
// declared scheme/network, recipient and amount, the authorization window,
// signature recovery over the asset's typed-data domain, payer balance,
// and nonce freshness. Expected validation failures come back with
// IsValid false and a specific reason; only RPC failures return errors.
func (f *LocalFacilitator) Verify(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.VerificationResult, error) {
	auth := payload.Payload.Authorization
	payer := auth.From

	if payload.Scheme != requirements.Scheme {
		return invalid(fmt.Sprintf("scheme %q does not match required %q", payload.Scheme, requirements.Scheme), payer), nil
	}
	if payload.Network != requirements.Network {
		return invalid(fmt.Sprintf("network %q does not match required %q", payload.Network, requirements.Network), payer), nil
	}
	if payload.Network != f.network {
		return invalid(fmt.Sprintf("network %q is not supported by this facilitator", payload.Network), payer), nil
	}

	if !strings.EqualFold(auth.To, requirements.PayTo) {
		return invalid("authorization recipient does not match payTo", payer), nil
	}

	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return invalid("authorization value is not an integer", payer), nil
	}
	required, ok := new(big.Int).SetString(requirements.MaxAmountRequired, 10)
	if !ok {
		return nil, fmt.Errorf("requirements amount %q is not an integer", requirements.MaxAmountRequired)
	}
	if value.Cmp(required) < 0 {
		return invalid("authorization value below required amount", payer), nil
	}

	validAfter, _ := new(big.Int).SetString(auth.ValidAfter, 10)
	validBefore, _ := new(big.Int).SetString(auth.ValidBefore, 10)
	if validAfter == nil || validBefore == nil {
		return invalid("authorization window is not numeric", payer), nil
	}
	nowUnix := big.NewInt(f.now().Unix())
	if nowUnix.Cmp(validAfter) < 0 {
		return invalid("authorization not yet valid", payer), nil
	}
	if nowUnix.Cmp(validBefore) >= 0 {
		return invalid("authorization expired", payer), nil
	}

	domainName, domainVersion := domainParams(requirements)
	typedData, err := TypedData(auth, f.chainID, domainName, domainVersion, requirements.Asset)
	if err != nil {
		return invalid(fmt.Sprintf("cannot build typed data: %v", err), payer), nil
	}
	digest, err := HashTypedData(typedData)
	if err != nil {
		return invalid(fmt.Sprintf("cannot hash typed data: %v", err), payer), nil
	}
	recovered, err := RecoverSigner(digest, payload.Payload.Signature)
	if err != nil {
		return invalid(fmt.Sprintf("cannot recover signer: %v", err), payer), nil
	}
	if recovered != common.HexToAddress(auth.From) {
		return invalid("signature does not recover to payer", payer), nil
	}

	// On-chain state reads. Failures here are infrastructure, not payment
	// invalidity.
	balance, err := f.balanceOf(ctx, requirements.Asset, common.HexToAddress(auth.From))
	if err != nil {
		return nil, fmt.Errorf("read payer balance: %w", err)
	}
	if balance.Cmp(value) < 0 {
		return invalid("insufficient funds", payer), nil
	}

	used, err := f.authorizationState(ctx, requirements.Asset, common.HexToAddress(auth.From), auth.Nonce)
	if err != nil {
		return nil, fmt.Errorf("read authorization state: %w", err)
	}
	if used {
		return invalid("authorization nonce already used", payer), nil
	}

	return &x402.VerificationResult{IsValid: true, Payer: payer}, nil
}

// Settle submits the authorized transfer on-chain and waits for its
// receipt. Replaying an already-consumed authorization fails with a clear
// ErrorReason rather than corrupting state: the contract reverts.
func (f *LocalFacilitator) Settle(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.SettlementResult, error) {
	auth := payload.Payload.Authorization

	calldata, err := f.packTransfer(payload)
	if err != nil {
		return &x402.SettlementResult{
			Success:     false,
			Network:     f.network,
			Payer:       auth.From,
			ErrorReason: fmt.Sprintf("cannot encode transfer: %v", err),
		}, nil
	}

	asset := common.HexToAddress(requirements.Asset)
	nonce, err := f.backend.PendingNonceAt(ctx, f.address)
	if err != nil {
		return nil, fmt.Errorf("read account nonce: %w", err)
	}
	gasPrice, err := f.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	gasLimit, err := f.backend.EstimateGas(ctx, ethereum.CallMsg{
		From: f.address,
		To:   &asset,
		Data: calldata,
	})
	if err != nil {
		// Estimation reverts when the authorization was already consumed
		// or is otherwise unexecutable. That is a settlement rejection,
		// not an infrastructure failure.
		return &x402.SettlementResult{
			Success:     false,
			Network:     f.network,
			Payer:       auth.From,
			ErrorReason: fmt.Sprintf("transfer would revert: %v", err),
		}, nil
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &asset,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     calldata,
	})
	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(f.chainID), f.key)
	if err != nil {
		return nil, fmt.Errorf("sign settlement transaction: %w", err)
	}

	if err := f.backend.SendTransaction(ctx, signedTx); err != nil {
		return nil, fmt.Errorf("broadcast settlement transaction: %w", err)
	}

	receipt, err := f.waitMined(ctx, signedTx.Hash(), receiptTimeout(requirements))
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return &x402.SettlementResult{
			Success:     false,
			Transaction: signedTx.Hash().Hex(),
			Network:     f.network,
			Payer:       auth.From,
			ErrorReason: "settlement transaction reverted",
		}, nil
	}

	f.logger.WithFields(logrus.Fields{
		"transaction": signedTx.Hash().Hex(),
		"payer":       auth.From,
	}).Info("settlement confirmed")

	return &x402.SettlementResult{
		Success:     true,
		Transaction: signedTx.Hash().Hex(),
		Network:     f.network,
		Payer:       auth.From,
	}, nil
}

// GetSupported reports the single scheme+network pair this facilitator
// serves.
func (f *LocalFacilitator) GetSupported(ctx context.Context) (*x402.SupportedResponse, error) {
	return &x402.SupportedResponse{
		Kinds: []x402.SupportedKind{{Scheme: "exact", Network: f.network}},
	}, nil
}

func domainParams(requirements *x402.PaymentRequirements) (string, string) {
	if requirements.Extra != nil && requirements.Extra.Name != "" {
		return requirements.Extra.Name, requirements.Extra.Version
	}
	// Circle's published defaults.
	return "USD Coin", "2"
}

func (f *LocalFacilitator) packTransfer(payload *x402.PaymentPayload) ([]byte, error) {
	auth := payload.Payload.Authorization

	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return nil, fmt.Errorf("value %q is not an integer", auth.Value)
	}
	validAfter, ok := new(big.Int).SetString(auth.ValidAfter, 10)
	if !ok {
		return nil, fmt.Errorf("validAfter %q is not an integer", auth.ValidAfter)
	}
	validBefore, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok {
		return nil, fmt.Errorf("validBefore %q is not an integer", auth.ValidBefore)
	}
	nonce, err := hexutil.Decode(auth.Nonce)
	if err != nil || len(nonce) != 32 {
		return nil, fmt.Errorf("nonce %q is not 32-byte hex", auth.Nonce)
	}
	signature, err := hexutil.Decode(payload.Payload.Signature)
	if err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}

	var nonce32 [32]byte
	copy(nonce32[:], nonce)

	return erc3009ABI.Pack("transferWithAuthorization",
		common.HexToAddress(auth.From),
		common.HexToAddress(auth.To),
		value,
		validAfter,
		validBefore,
		nonce32,
		signature,
	)
}

func (f *LocalFacilitator) balanceOf(ctx context.Context, asset string, account common.Address) (*big.Int, error) {
	contract := common.HexToAddress(asset)
	calldata, err := erc3009ABI.Pack("balanceOf", account)
	if err != nil {
		return nil, err
	}
	raw, err := f.backend.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: calldata}, nil)
	if err != nil {
		return nil, err
	}
	out, err := erc3009ABI.Unpack("balanceOf", raw)
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

func (f *LocalFacilitator) authorizationState(ctx context.Context, asset string, authorizer common.Address, nonceHex string) (bool, error) {
	contract := common.HexToAddress(asset)
	nonce, err := hexutil.Decode(nonceHex)
	if err != nil || len(nonce) != 32 {
		return false, fmt.Errorf("nonce %q is not 32-byte hex", nonceHex)
	}
	var nonce32 [32]byte
	copy(nonce32[:], nonce)

	calldata, err := erc3009ABI.Pack("authorizationState", authorizer, nonce32)
	if err != nil {
		return false, err
	}
	raw, err := f.backend.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: calldata}, nil)
	if err != nil {
		return false, err
	}
	out, err := erc3009ABI.Unpack("authorizationState", raw)
	if err != nil {
		return false, err
	}
	return out[0].(bool), nil
}

// waitMined polls for the settlement receipt. Only a not-found receipt
// means "keep waiting"; any other RPC error aborts, and the overall wait
// is bounded so a dead RPC cannot pin the settle pass forever.
func (f *LocalFacilitator) waitMined(ctx context.Context, txHash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := f.backend.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("read settlement receipt: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for settlement receipt: %w", ctx.Err())
		case <-deadline.C:
			return nil, fmt.Errorf("settlement receipt for %s not found within %s", txHash.Hex(), timeout)
		case <-ticker.C:
		}
	}
}

func receiptTimeout(requirements *x402.PaymentRequirements) time.Duration {
	if requirements.MaxTimeoutSeconds > 0 {
		return time.Duration(requirements.MaxTimeoutSeconds) * time.Second
	}
	return 5 * time.Minute
}
