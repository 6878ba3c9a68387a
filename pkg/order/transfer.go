package order

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/clowder-protocol/clowder-go/pkg/crypto"
)

// AssetType discriminates what kind of asset a transfer order moves. Each
// variant has its own transfer call shape in the bank.
type AssetType uint8

const (
	AssetNative  AssetType = 0
	AssetERC20   AssetType = 1
	AssetERC721  AssetType = 2
	AssetERC1155 AssetType = 3
)

func (t AssetType) String() string {
	switch t {
	case AssetNative:
		return "native"
	case AssetERC20:
		return "erc20"
	case AssetERC721:
		return "erc721"
	case AssetERC1155:
		return "erc1155"
	default:
		return "unknown"
	}
}

func (t AssetType) Valid() bool { return t <= AssetERC1155 }

// TransferOrderV1 is a signed intent by a claim holder to move a specific
// held asset to a recipient once weighted consensus is reached.
type TransferOrderV1 struct {
	Signer common.Address `json:"signer"`

	AssetType AssetType      `json:"assetType"`
	Token     common.Address `json:"token"`
	TokenID   *big.Int       `json:"tokenId"`
	Recipient common.Address `json:"recipient"`
	Nonce     *big.Int       `json:"nonce"`

	Signature
}

var transferOrderV1Fields = []string{
	"signer", "assetType", "token", "tokenId", "recipient", "nonce",
}

func transferOrderV1Types() apitypes.Types {
	return apitypes.Types{
		"TransferOrderV1": []apitypes.Type{
			{Name: "signer", Type: "address"},
			{Name: "assetType", Type: "uint8"},
			{Name: "token", Type: "address"},
			{Name: "tokenId", Type: "uint256"},
			{Name: "recipient", Type: "address"},
			{Name: "nonce", Type: "uint256"},
		},
	}
}

// ParseTransferOrder decodes a signed TransferOrderV1 from JSON, enforcing
// the closed schema before unmarshaling.
func ParseTransferOrder(raw []byte) (*TransferOrderV1, error) {
	if err := checkExactFields(raw, transferOrderV1Fields, true); err != nil {
		return nil, err
	}
	var o TransferOrderV1
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	if err := o.checkFields(); err != nil {
		return nil, err
	}
	return &o, nil
}

func (o *TransferOrderV1) checkFields() error {
	if !o.AssetType.Valid() {
		return fmt.Errorf("%w: unknown assetType %d", ErrSchema, o.AssetType)
	}
	for name, v := range map[string]*big.Int{
		"tokenId": o.TokenID,
		"nonce":   o.Nonce,
	} {
		if v == nil || v.Sign() < 0 {
			return fmt.Errorf("%w: field %q must be a non-negative integer", ErrSchema, name)
		}
	}
	return nil
}

// Hash returns the EIP-712 digest of the order under the delegate domain.
func (o *TransferOrderV1) Hash(d Domain) ([]byte, error) {
	if err := o.checkFields(); err != nil {
		return nil, err
	}
	return hashTypedData(d, "TransferOrderV1", transferOrderV1Types(), apitypes.TypedDataMessage{
		"signer":    o.Signer.Hex(),
		"assetType": fmt.Sprintf("%d", o.AssetType),
		"token":     o.Token.Hex(),
		"tokenId":   o.TokenID.String(),
		"recipient": o.Recipient.Hex(),
		"nonce":     o.Nonce.String(),
	})
}

func (o *TransferOrderV1) Sign(d Domain, signer *crypto.Signer) error {
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

func (o *TransferOrderV1) Verify(d Domain) error {
	digest, err := o.Hash(d)
	if err != nil {
		return err
	}
	return verify(digest, o.Signature, o.Signer)
}

// SameAction reports whether two transfer orders authorize the identical
// aggregate action. A batch collectively authorizes exactly one outcome.
func (o *TransferOrderV1) SameAction(other *TransferOrderV1) bool {
	return o.AssetType == other.AssetType &&
		o.Token == other.Token &&
		o.TokenID.Cmp(other.TokenID) == 0 &&
		o.Recipient == other.Recipient
}
