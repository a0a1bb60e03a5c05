package x402

import (
	"fmt"
	"math/big"
	"strings"
)

// CAIP-2 network identifiers.
const (
	NetworkBase        = "eip155:8453"
	NetworkBaseSepolia = "eip155:84532"
	NetworkEthereum    = "eip155:1"
	NetworkSepolia     = "eip155:11155111"
	NetworkPolygon     = "eip155:137"
)

// Asset identifies a token a route accepts payment in.
type Asset struct {
	// Address is the token contract address.
	Address string

	// Decimals is the token's decimal count.
	Decimals uint8

	// EIP712Name and EIP712Version are the token contract's EIP-712
	// domain parameters, needed to reconstruct the signed typed data.
	EIP712Name    string
	EIP712Version string
}

// Price specifies what a route charges: either Dollars (a human spec like
// "$0.50", resolved against the network's default stablecoin) or a fully
// specified Amount in atomic units plus Asset.
type Price struct {
	Dollars string
	Amount  string
	Asset   *Asset
}

// ResolvedPrice is the atomic-amount form of a Price for one network.
type ResolvedPrice struct {
	MaxAmountRequired string
	Asset             Asset
}

// defaultAssets maps CAIP-2 networks to their canonical USDC deployment.
// Addresses and EIP-712 domain parameters are Circle's published values.
var defaultAssets = map[string]Asset{
	NetworkBase: {
		Address:       "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		Decimals:      6,
		EIP712Name:    "USD Coin",
		EIP712Version: "2",
	},
	NetworkBaseSepolia: {
		Address:       "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Decimals:      6,
		EIP712Name:    "USDC",
		EIP712Version: "2",
	},
	NetworkEthereum: {
		Address:       "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		Decimals:      6,
		EIP712Name:    "USD Coin",
		EIP712Version: "2",
	},
	NetworkSepolia: {
		Address:       "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238",
		Decimals:      6,
		EIP712Name:    "USDC",
		EIP712Version: "2",
	},
	NetworkPolygon: {
		Address:       "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359",
		Decimals:      6,
		EIP712Name:    "USD Coin",
		EIP712Version: "2",
	},
}

// DefaultAsset returns the canonical stablecoin for a network.
func DefaultAsset(network string) (Asset, bool) {
	asset, ok := defaultAssets[network]
	return asset, ok
}

// ResolvePrice converts a price spec plus a target network into an atomic
// integer amount and the asset it is denominated in. Pure function of its
// inputs and the static network/asset table.
func ResolvePrice(price Price, network string) (*ResolvedPrice, error) {
	if price.Amount != "" {
		if price.Asset == nil {
			return nil, NewPaymentError(ErrCodeInvalidPrice, "amount given without an asset", ErrInvalidPrice)
		}
		amount, ok := new(big.Int).SetString(price.Amount, 10)
		if !ok || amount.Sign() < 0 {
			return nil, NewPaymentError(ErrCodeInvalidPrice,
				fmt.Sprintf("amount %q is not a non-negative integer", price.Amount), ErrInvalidPrice)
		}
		return &ResolvedPrice{MaxAmountRequired: amount.String(), Asset: *price.Asset}, nil
	}

	if price.Dollars == "" {
		return nil, NewPaymentError(ErrCodeInvalidPrice, "empty price spec", ErrInvalidPrice)
	}

	asset, ok := defaultAssets[network]
	if !ok {
		return nil, NewPaymentError(ErrCodeInvalidPrice,
			fmt.Sprintf("network %q has no configured default asset", network), ErrInvalidPrice)
	}

	atomic, err := dollarsToAtomic(price.Dollars, asset.Decimals)
	if err != nil {
		return nil, err
	}

	return &ResolvedPrice{MaxAmountRequired: atomic, Asset: asset}, nil
}

// dollarsToAtomic converts a "$1.50"-style decimal string into an atomic
// integer string for a token with the given decimals. Parsing is exact:
// no floats are involved at any point.
func dollarsToAtomic(spec string, decimals uint8) (string, error) {
	s := strings.TrimSpace(spec)
	s = strings.TrimPrefix(s, "$")
	if s == "" || strings.HasPrefix(s, "-") {
		return "", NewPaymentError(ErrCodeInvalidPrice,
			fmt.Sprintf("price %q is not a non-negative decimal", spec), ErrInvalidPrice)
	}

	whole := s
	frac := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if !isDigits(whole) || (frac != "" && !isDigits(frac)) {
		return "", NewPaymentError(ErrCodeInvalidPrice,
			fmt.Sprintf("price %q is not a non-negative decimal", spec), ErrInvalidPrice)
	}
	if len(frac) > int(decimals) {
		return "", NewPaymentError(ErrCodeInvalidPrice,
			fmt.Sprintf("price %q has more than %d fractional digits", spec, decimals), ErrInvalidPrice)
	}

	// Pad the fraction out to the asset's decimals and glue.
	frac += strings.Repeat("0", int(decimals)-len(frac))
	amount, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return "", NewPaymentError(ErrCodeInvalidPrice,
			fmt.Sprintf("price %q is not a non-negative decimal", spec), ErrInvalidPrice)
	}
	return amount.String(), nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// FormatAmount renders an atomic amount as a human decimal, used by the
// paywall. Inverse of dollarsToAtomic up to trailing zeros.
func FormatAmount(atomic string, decimals uint8) string {
	amount, ok := new(big.Int).SetString(atomic, 10)
	if !ok {
		return atomic
	}
	s := amount.String()
	d := int(decimals)
	if d == 0 {
		return s
	}
	if len(s) <= d {
		s = strings.Repeat("0", d-len(s)+1) + s
	}
	whole, frac := s[:len(s)-d], s[len(s)-d:]
	frac = strings.TrimRight(frac, "0")
	if frac == "" {
		return whole
	}
	return whole + "." + frac
}
