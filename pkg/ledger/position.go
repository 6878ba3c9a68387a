package ledger

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// State is the lifecycle state of an execution (collective purchase).
// Transitions: Open -> Executed -> {Sold | Claimed}. Sold and Claimed are
// terminal: no further buy, sell or transfer may target the position.
type State int8

const (
	StateOpen State = iota
	StateExecuted
	StateSold
	StateClaimed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateExecuted:
		return "executed"
	case StateSold:
		return "sold"
	case StateClaimed:
		return "claimed"
	default:
		return "unknown"
	}
}

// Execution is one collective purchase event and its accounting: which asset
// was bought, what was paid, and how much was actually collected from each
// participant. Real contributions may differ from the ceilings stated in the
// orders; they are the basis for proportional payout at sale.
type Execution struct {
	ExecutionID string         `json:"executionId"` // decimal uint256
	Collection  common.Address `json:"collection"`
	TokenID     *big.Int       `json:"tokenId"`
	Delegate    common.Address `json:"delegate"`

	// BuyPrice is the execution price paid to the seller (fee excluded).
	BuyPrice *big.Int `json:"buyPrice"`
	// TotalContributed is the total collected from buyers: BuyPrice plus
	// the protocol fee. The denominator of proportional payouts.
	TotalContributed *big.Int `json:"totalContributed"`

	State State `json:"state"`

	// Contributions maps each signer to funds actually collected.
	Contributions map[common.Address]*big.Int `json:"contributions"`
}

// Contribution returns the funds collected from signer at buy settlement.
func (e *Execution) Contribution(signer common.Address) *big.Int {
	if c, ok := e.Contributions[signer]; ok {
		return c
	}
	return new(big.Int)
}

// Validate checks the execution's accounting invariants.
func (e *Execution) Validate() error {
	if e.BuyPrice == nil || e.BuyPrice.Sign() <= 0 {
		return fmt.Errorf("non-positive buy price")
	}
	sum := new(big.Int)
	for signer, c := range e.Contributions {
		if c == nil || c.Sign() < 0 {
			return fmt.Errorf("negative contribution for %s", signer.Hex())
		}
		sum.Add(sum, c)
	}
	if e.TotalContributed == nil || sum.Cmp(e.TotalContributed) != 0 {
		return fmt.Errorf("contributions sum %s != total contributed %s", sum, e.TotalContributed)
	}
	return nil
}
