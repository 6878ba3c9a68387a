package order

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Domain is the EIP-712 domain separator. It binds protocol name, version,
// chain id and the verifying contract/process address: changing any of these
// invalidates every previously signed order. The two historical BuyOrder
// schema generations hash under different version strings and must never be
// verified under each other's domain.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// ClowderDomain is the domain for the current BuyOrderV1 schema (the one
// carrying a delegate address).
func ClowderDomain(chainID *big.Int, verifyingContract common.Address) Domain {
	return Domain{
		Name:              "Clowder",
		Version:           "0.2",
		ChainID:           chainID,
		VerifyingContract: verifyingContract,
	}
}

// LegacyClowderDomain is the domain for the retired BuyOrderV1 schema that
// embedded sellPrice/sellPriceEndTime/sellNonce directly in the buy order.
func LegacyClowderDomain(chainID *big.Int, verifyingContract common.Address) Domain {
	return Domain{
		Name:              "Clowder",
		Version:           "0.1",
		ChainID:           chainID,
		VerifyingContract: verifyingContract,
	}
}

// DelegateDomain is the domain sell and transfer orders are signed under.
// The verifying contract is the delegate holding the position's asset, so
// orders signed for one delegate can never settle against another.
func DelegateDomain(chainID *big.Int, delegate common.Address) Domain {
	return Domain{
		Name:              "TraderClowderDelegate",
		Version:           "0.1",
		ChainID:           chainID,
		VerifyingContract: delegate,
	}
}

var domainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

// hashTypedData computes keccak256("\x19\x01" || domainSeparator ||
// hashStruct(message)) for the given primary type.
func hashTypedData(d Domain, primaryType string, types apitypes.Types, message apitypes.TypedDataMessage) ([]byte, error) {
	types["EIP712Domain"] = domainType

	typedData := apitypes.TypedData{
		Types:       types,
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              d.Name,
			Version:           d.Version,
			ChainId:           (*math.HexOrDecimal256)(d.ChainID),
			VerifyingContract: d.VerifyingContract.Hex(),
		},
		Message: message,
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	raw := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(messageHash)))
	digest := ethcrypto.Keccak256Hash(raw)
	return digest.Bytes(), nil
}
