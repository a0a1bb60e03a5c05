package evm

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// erc3009ABIJSON covers the slice of the token contract the facilitator
// touches: balance reads, authorization-nonce state, and the EIP-3009
// transfer entry point (bytes-signature variant, as deployed by Circle).
const erc3009ABIJSON = `[
  {
    "name": "balanceOf",
    "type": "function",
    "stateMutability": "view",
    "inputs": [{"name": "account", "type": "address"}],
    "outputs": [{"name": "", "type": "uint256"}]
  },
  {
    "name": "authorizationState",
    "type": "function",
    "stateMutability": "view",
    "inputs": [
      {"name": "authorizer", "type": "address"},
      {"name": "nonce", "type": "bytes32"}
    ],
    "outputs": [{"name": "", "type": "bool"}]
  },
  {
    "name": "transferWithAuthorization",
    "type": "function",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "from", "type": "address"},
      {"name": "to", "type": "address"},
      {"name": "value", "type": "uint256"},
      {"name": "validAfter", "type": "uint256"},
      {"name": "validBefore", "type": "uint256"},
      {"name": "nonce", "type": "bytes32"},
      {"name": "signature", "type": "bytes"}
    ],
    "outputs": []
  }
]`

var erc3009ABI = mustParseABI(erc3009ABIJSON)

func mustParseABI(source string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(source))
	if err != nil {
		panic(err)
	}
	return parsed
}
