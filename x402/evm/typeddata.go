package evm

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/CarsonRoscoe/remix-x402/x402"
)

// ChainID extracts the chain id from a CAIP-2 EVM network identifier.
func ChainID(network string) (*big.Int, error) {
	parts := strings.SplitN(network, ":", 2)
	if len(parts) != 2 || parts[0] != "eip155" {
		return nil, fmt.Errorf("not an EVM network: %s", network)
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chain id in network %s: %w", network, err)
	}
	return big.NewInt(id), nil
}

// TypedData builds the EIP-712 typed data for an EIP-3009
// TransferWithAuthorization over the given token contract domain.
func TypedData(auth x402.Authorization, chainID *big.Int, domainName, domainVersion, verifyingContract string) (apitypes.TypedData, error) {
	for _, field := range []string{auth.Value, auth.ValidAfter, auth.ValidBefore} {
		if _, ok := new(big.Int).SetString(field, 10); !ok {
			return apitypes.TypedData{}, fmt.Errorf("authorization field %q is not an integer", field)
		}
	}

	domain := apitypes.TypedDataDomain{
		Name:              domainName,
		Version:           domainVersion,
		ChainId:           math.NewHexOrDecimal256(chainID.Int64()),
		VerifyingContract: verifyingContract,
	}

	types := apitypes.Types{
		"EIP712Domain": []apitypes.Type{
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
			{Name: "verifyingContract", Type: "address"},
		},
		"TransferWithAuthorization": []apitypes.Type{
			{Name: "from", Type: "address"},
			{Name: "to", Type: "address"},
			{Name: "value", Type: "uint256"},
			{Name: "validAfter", Type: "uint256"},
			{Name: "validBefore", Type: "uint256"},
			{Name: "nonce", Type: "bytes32"},
		},
	}

	message := apitypes.TypedDataMessage{
		"from":        auth.From,
		"to":          auth.To,
		"value":       auth.Value,
		"validAfter":  auth.ValidAfter,
		"validBefore": auth.ValidBefore,
		"nonce":       auth.Nonce,
	}

	return apitypes.TypedData{
		Types:       types,
		PrimaryType: "TransferWithAuthorization",
		Domain:      domain,
		Message:     message,
	}, nil
}

// HashTypedData produces the EIP-712 digest:
// keccak256("\x19\x01" ‖ domainSeparator ‖ hashStruct(message)).
func HashTypedData(typedData apitypes.TypedData) (common.Hash, error) {
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return common.Hash{}, fmt.Errorf("hash domain: %w", err)
	}
	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return common.Hash{}, fmt.Errorf("hash message: %w", err)
	}
	raw := append([]byte("\x19\x01"), append(domainSeparator, messageHash...)...)
	return crypto.Keccak256Hash(raw), nil
}

// RecoverSigner recovers the address that produced signature over digest.
func RecoverSigner(digest common.Hash, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("signature is %d bytes, want 65", len(sig))
	}

	// Wallets produce v in {27, 28}; crypto wants {0, 1}.
	recovery := make([]byte, 65)
	copy(recovery, sig)
	if recovery[64] >= 27 {
		recovery[64] -= 27
	}

	pub, err := crypto.SigToPub(digest.Bytes(), recovery)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
