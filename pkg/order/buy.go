package order

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/clowder-protocol/clowder-go/pkg/crypto"
)

// BuyOrderV1 is a signed intent to contribute funds toward the collective
// purchase of an asset from a collection, valid until BuyPriceEndTime and
// unique per (signer, buyNonce). The delegate receives and holds the asset
// on settlement.
type BuyOrderV1 struct {
	Signer common.Address `json:"signer"`

	Collection   common.Address `json:"collection"`
	ExecutionID  *big.Int       `json:"executionId"`
	Contribution *big.Int       `json:"contribution"`

	BuyPrice        *big.Int `json:"buyPrice"`
	BuyPriceEndTime *big.Int `json:"buyPriceEndTime"`
	BuyNonce        *big.Int `json:"buyNonce"`

	Delegate common.Address `json:"delegate"`

	Signature
}

var buyOrderV1Fields = []string{
	"signer", "collection", "executionId", "contribution",
	"buyPrice", "buyPriceEndTime", "buyNonce", "delegate",
}

func buyOrderV1Types() apitypes.Types {
	return apitypes.Types{
		"BuyOrderV1": []apitypes.Type{
			{Name: "signer", Type: "address"},
			{Name: "collection", Type: "address"},
			{Name: "executionId", Type: "uint256"},
			{Name: "contribution", Type: "uint256"},
			{Name: "buyPrice", Type: "uint256"},
			{Name: "buyPriceEndTime", Type: "uint256"},
			{Name: "buyNonce", Type: "uint256"},
			{Name: "delegate", Type: "address"},
		},
	}
}

// ParseBuyOrder decodes a signed BuyOrderV1 from JSON, enforcing the closed
// schema before unmarshaling.
func ParseBuyOrder(raw []byte) (*BuyOrderV1, error) {
	if err := checkExactFields(raw, buyOrderV1Fields, true); err != nil {
		return nil, err
	}
	var o BuyOrderV1
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	if err := o.checkFields(); err != nil {
		return nil, err
	}
	return &o, nil
}

func (o *BuyOrderV1) checkFields() error {
	for name, v := range map[string]*big.Int{
		"executionId":     o.ExecutionID,
		"contribution":    o.Contribution,
		"buyPrice":        o.BuyPrice,
		"buyPriceEndTime": o.BuyPriceEndTime,
		"buyNonce":        o.BuyNonce,
	} {
		if v == nil || v.Sign() < 0 {
			return fmt.Errorf("%w: field %q must be a non-negative integer", ErrSchema, name)
		}
	}
	if o.Contribution.Sign() == 0 {
		return fmt.Errorf("%w: contribution must be positive", ErrSchema)
	}
	return nil
}

// Hash returns the EIP-712 digest of the order under domain.
func (o *BuyOrderV1) Hash(d Domain) ([]byte, error) {
	if err := o.checkFields(); err != nil {
		return nil, err
	}
	return hashTypedData(d, "BuyOrderV1", buyOrderV1Types(), apitypes.TypedDataMessage{
		"signer":          o.Signer.Hex(),
		"collection":      o.Collection.Hex(),
		"executionId":     o.ExecutionID.String(),
		"contribution":    o.Contribution.String(),
		"buyPrice":        o.BuyPrice.String(),
		"buyPriceEndTime": o.BuyPriceEndTime.String(),
		"buyNonce":        o.BuyNonce.String(),
		"delegate":        o.Delegate.Hex(),
	})
}

// Sign fills in the order's signature. Fails before any signing call when the
// key's address differs from the order's claimed signer.
func (o *BuyOrderV1) Sign(d Domain, signer *crypto.Signer) error {
	digest, err := o.Hash(d)
	if err != nil {
		return err
	}
	sig, err := sign(digest, signer, o.Signer)
	if err != nil {
		return err
	}
	o.Signature = sig
	return nil
}

// Verify recovers the signer from the embedded signature and checks it
// against the claimed signer. This is the sole source of truth at settlement.
func (o *BuyOrderV1) Verify(d Domain) error {
	digest, err := o.Hash(d)
	if err != nil {
		return err
	}
	return verify(digest, o.Signature, o.Signer)
}

// LegacyBuyOrderV1 is the retired first-generation buy order that embedded
// sell parameters directly instead of a delegate. It hashes under the v0.1
// domain only; the two generations are not interchangeable.
type LegacyBuyOrderV1 struct {
	Signer common.Address `json:"signer"`

	Collection   common.Address `json:"collection"`
	ExecutionID  *big.Int       `json:"executionId"`
	Contribution *big.Int       `json:"contribution"`

	BuyPrice        *big.Int `json:"buyPrice"`
	BuyPriceEndTime *big.Int `json:"buyPriceEndTime"`
	BuyNonce        *big.Int `json:"buyNonce"`

	SellPrice        *big.Int `json:"sellPrice"`
	SellPriceEndTime *big.Int `json:"sellPriceEndTime"`
	SellNonce        *big.Int `json:"sellNonce"`

	Signature
}

var legacyBuyOrderV1Fields = []string{
	"signer", "collection", "executionId", "contribution",
	"buyPrice", "buyPriceEndTime", "buyNonce",
	"sellPrice", "sellPriceEndTime", "sellNonce",
}

func legacyBuyOrderV1Types() apitypes.Types {
	return apitypes.Types{
		"BuyOrderV1": []apitypes.Type{
			{Name: "signer", Type: "address"},
			{Name: "collection", Type: "address"},
			{Name: "executionId", Type: "uint256"},
			{Name: "contribution", Type: "uint256"},
			{Name: "buyPrice", Type: "uint256"},
			{Name: "buyPriceEndTime", Type: "uint256"},
			{Name: "buyNonce", Type: "uint256"},
			{Name: "sellPrice", Type: "uint256"},
			{Name: "sellPriceEndTime", Type: "uint256"},
			{Name: "sellNonce", Type: "uint256"},
		},
	}
}

// ParseLegacyBuyOrder decodes a signed first-generation buy order.
func ParseLegacyBuyOrder(raw []byte) (*LegacyBuyOrderV1, error) {
	if err := checkExactFields(raw, legacyBuyOrderV1Fields, true); err != nil {
		return nil, err
	}
	var o LegacyBuyOrderV1
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	return &o, nil
}

func (o *LegacyBuyOrderV1) Hash(d Domain) ([]byte, error) {
	for name, v := range map[string]*big.Int{
		"executionId": o.ExecutionID, "contribution": o.Contribution,
		"buyPrice": o.BuyPrice, "buyPriceEndTime": o.BuyPriceEndTime,
		"buyNonce": o.BuyNonce, "sellPrice": o.SellPrice,
		"sellPriceEndTime": o.SellPriceEndTime, "sellNonce": o.SellNonce,
	} {
		if v == nil || v.Sign() < 0 {
			return nil, fmt.Errorf("%w: field %q must be a non-negative integer", ErrSchema, name)
		}
	}
	return hashTypedData(d, "BuyOrderV1", legacyBuyOrderV1Types(), apitypes.TypedDataMessage{
		"signer":           o.Signer.Hex(),
		"collection":       o.Collection.Hex(),
		"executionId":      o.ExecutionID.String(),
		"contribution":     o.Contribution.String(),
		"buyPrice":         o.BuyPrice.String(),
		"buyPriceEndTime":  o.BuyPriceEndTime.String(),
		"buyNonce":         o.BuyNonce.String(),
		"sellPrice":        o.SellPrice.String(),
		"sellPriceEndTime": o.SellPriceEndTime.String(),
		"sellNonce":        o.SellNonce.String(),
	})
}

func (o *LegacyBuyOrderV1) Sign(d Domain, signer *crypto.Signer) error {
	digest, err := o.Hash(d)
	if err != nil {
		return err
	}
	sig, err := sign(digest, signer, o.Signer)
	if err != nil {
		return err
	}
	o.Signature = sig
	return nil
}

func (o *LegacyBuyOrderV1) Verify(d Domain) error {
	digest, err := o.Hash(d)
	if err != nil {
		return err
	}
	return verify(digest, o.Signature, o.Signer)
}
