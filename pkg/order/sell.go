package order

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/clowder-protocol/clowder-go/pkg/crypto"
)

// FeeRecipient is a marketplace or royalty fee taken out of gross sale
// proceeds before the protocol fee.
type FeeRecipient struct {
	Amount    *big.Int       `json:"amount"`
	Recipient common.Address `json:"recipient"`
}

// SellOrderV1 is a signed intent by a claim holder to authorize selling the
// jointly-held asset for no less than MinNetProceeds. Seaport, conduit and
// zone fields pin the settlement venue the holder consented to.
type SellOrderV1 struct {
	Signer common.Address `json:"signer"`

	Collection     common.Address `json:"collection"`
	TokenID        *big.Int       `json:"tokenId"`
	MinNetProceeds *big.Int       `json:"minNetProceeds"`
	EndTime        *big.Int       `json:"endTime"`
	Nonce          *big.Int       `json:"nonce"`

	FeeRecipients []FeeRecipient `json:"feeRecipients"`

	Seaport           common.Address `json:"seaport"`
	ConduitController common.Address `json:"conduitController"`
	ConduitKey        common.Hash    `json:"conduitKey"`
	Zone              common.Address `json:"zone"`

	Signature
}

var sellOrderV1Fields = []string{
	"signer", "collection", "tokenId", "minNetProceeds", "endTime", "nonce",
	"feeRecipients", "seaport", "conduitController", "conduitKey", "zone",
}

func sellOrderV1Types() apitypes.Types {
	return apitypes.Types{
		"SellOrderV1": []apitypes.Type{
			{Name: "signer", Type: "address"},
			{Name: "collection", Type: "address"},
			{Name: "tokenId", Type: "uint256"},
			{Name: "minNetProceeds", Type: "uint256"},
			{Name: "endTime", Type: "uint256"},
			{Name: "nonce", Type: "uint256"},
			{Name: "feeRecipients", Type: "FeeRecipient[]"},
			{Name: "seaport", Type: "address"},
			{Name: "conduitController", Type: "address"},
			{Name: "conduitKey", Type: "bytes32"},
			{Name: "zone", Type: "address"},
		},
		"FeeRecipient": []apitypes.Type{
			{Name: "amount", Type: "uint256"},
			{Name: "recipient", Type: "address"},
		},
	}
}

// ParseSellOrder decodes a signed SellOrderV1 from JSON, enforcing the closed
// schema before unmarshaling.
func ParseSellOrder(raw []byte) (*SellOrderV1, error) {
	if err := checkExactFields(raw, sellOrderV1Fields, true); err != nil {
		return nil, err
	}
	var o SellOrderV1
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	if err := o.checkFields(); err != nil {
		return nil, err
	}
	return &o, nil
}

func (o *SellOrderV1) checkFields() error {
	for name, v := range map[string]*big.Int{
		"tokenId":        o.TokenID,
		"minNetProceeds": o.MinNetProceeds,
		"endTime":        o.EndTime,
		"nonce":          o.Nonce,
	} {
		if v == nil || v.Sign() < 0 {
			return fmt.Errorf("%w: field %q must be a non-negative integer", ErrSchema, name)
		}
	}
	for i, fr := range o.FeeRecipients {
		if fr.Amount == nil || fr.Amount.Sign() < 0 {
			return fmt.Errorf("%w: feeRecipients[%d].amount must be a non-negative integer", ErrSchema, i)
		}
	}
	return nil
}

// Hash returns the EIP-712 digest of the order under domain. Sell orders are
// signed under the delegate domain (verifying contract = delegate address).
func (o *SellOrderV1) Hash(d Domain) ([]byte, error) {
	if err := o.checkFields(); err != nil {
		return nil, err
	}

	recipients := make([]interface{}, len(o.FeeRecipients))
	for i, fr := range o.FeeRecipients {
		recipients[i] = map[string]interface{}{
			"amount":    fr.Amount.String(),
			"recipient": fr.Recipient.Hex(),
		}
	}

	return hashTypedData(d, "SellOrderV1", sellOrderV1Types(), apitypes.TypedDataMessage{
		"signer":            o.Signer.Hex(),
		"collection":        o.Collection.Hex(),
		"tokenId":           o.TokenID.String(),
		"minNetProceeds":    o.MinNetProceeds.String(),
		"endTime":           o.EndTime.String(),
		"nonce":             o.Nonce.String(),
		"feeRecipients":     recipients,
		"seaport":           o.Seaport.Hex(),
		"conduitController": o.ConduitController.Hex(),
		"conduitKey":        hexutil.Encode(o.ConduitKey[:]),
		"zone":              o.Zone.Hex(),
	})
}

func (o *SellOrderV1) Sign(d Domain, signer *crypto.Signer) error {
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

func (o *SellOrderV1) Verify(d Domain) error {
	digest, err := o.Hash(d)
	if err != nil {
		return err
	}
	return verify(digest, o.Signature, o.Signer)
}

// TotalFees sums the order's marketplace/royalty fee amounts.
func (o *SellOrderV1) TotalFees() *big.Int {
	total := new(big.Int)
	for _, fr := range o.FeeRecipients {
		total.Add(total, fr.Amount)
	}
	return total
}
