package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Pebble key schema. Prefix-based so range scans can enumerate executions
// and a signer's used nonces.
const (
	prefixExecution = "exec:"
	prefixClaims    = "claims:"
	prefixNonce     = "nonce:"
)

// executionKey returns the key for an execution row.
// Format: "exec:{executionId}"
func executionKey(executionID string) []byte {
	return []byte(prefixExecution + executionID)
}

// claimsKey returns the key for an execution's claim balances.
// Format: "claims:{executionId}"
func claimsKey(executionID string) []byte {
	return []byte(prefixClaims + executionID)
}

// nonceKey returns the key for one used nonce.
// Format: "nonce:{scope}:{signer}:{nonce}"
func nonceKey(scope string, signer common.Address, nonce string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:%s", prefixNonce, scope, signer.Hex(), nonce))
}

// nonceSignerPrefix returns the range-scan prefix for a signer's used nonces
// within a scope.
func nonceSignerPrefix(scope string, signer common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:", prefixNonce, scope, signer.Hex()))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
