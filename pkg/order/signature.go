package order

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/clowder-protocol/clowder-go/pkg/crypto"
)

// Settlement-halting validation failures. The schema check and the
// authenticity check are both mandatory before any order is queued.
var (
	ErrSchema            = errors.New("order does not match schema")
	ErrSignatureMismatch = errors.New("recovered signer does not match order signer")
)

// Signature is the fixed-size recoverable signature triple attached to every
// signed order.
type Signature struct {
	V uint8       `json:"v"`
	R common.Hash `json:"r"`
	S common.Hash `json:"s"`
}

// Bytes returns the 65-byte [R || S || V] wire encoding.
func (s Signature) Bytes() []byte {
	out := make([]byte, 65)
	copy(out[:32], s.R[:])
	copy(out[32:64], s.S[:])
	out[64] = s.V
	return out
}

// SignatureFromBytes splits a 65-byte [R || S || V] signature.
func SignatureFromBytes(b []byte) (Signature, error) {
	if len(b) != 65 {
		return Signature{}, fmt.Errorf("signature must be 65 bytes, got %d", len(b))
	}
	var sig Signature
	copy(sig.R[:], b[:32])
	copy(sig.S[:], b[32:64])
	sig.V = b[64]
	return sig, nil
}

// IsZero reports whether the order has not been signed yet.
func (s Signature) IsZero() bool {
	return s.V == 0 && s.R == (common.Hash{}) && s.S == (common.Hash{})
}

// sign produces the signature for digest, failing fast if the key does not
// belong to the claimed signer. The client-side address check is an
// optimization only; verification at settlement is the source of truth.
func sign(digest []byte, signer *crypto.Signer, claimed common.Address) (Signature, error) {
	if signer.Address() != claimed {
		return Signature{}, fmt.Errorf("%w: key belongs to %s, order names %s",
			ErrSignatureMismatch, signer.Address().Hex(), claimed.Hex())
	}
	raw, err := signer.Sign(digest)
	if err != nil {
		return Signature{}, err
	}
	return SignatureFromBytes(raw)
}

// verify recovers the address that signed digest and compares it against the
// claimed signer.
func verify(digest []byte, sig Signature, claimed common.Address) error {
	recovered, err := crypto.RecoverAddress(digest, sig.Bytes())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}
	if recovered != claimed {
		return fmt.Errorf("%w: recovered %s, order names %s",
			ErrSignatureMismatch, recovered.Hex(), claimed.Hex())
	}
	return nil
}
