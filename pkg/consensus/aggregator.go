// Package consensus implements the weighted vote aggregation that authorizes
// collective sell and transfer actions. Buy execution does not aggregate:
// every order in a buy batch is presumed consenting to the stated terms.
package consensus

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/clowder-protocol/clowder-go/params"
)

var (
	// ErrDuplicateVoter is returned when one signer appears twice in a
	// batch, regardless of weight.
	ErrDuplicateVoter = errors.New("signer already voted")

	// ErrNotReached is returned when the accumulated weight does not clear
	// the applicable threshold. The batch is rejected whole; individual
	// orders never execute independently.
	ErrNotReached = errors.New("consensus not reached")

	// ErrUnderFairPrice is the second rejection variant: the proposed
	// proceeds fall below the oracle-attested fair price, which demands the
	// stricter threshold the batch did not clear.
	ErrUnderFairPrice = fmt.Errorf("%w: may be selling under fair price", ErrNotReached)
)

// Vote is one signer's weighted consent. Weight is the signer's current
// claim balance (or real contribution when claims were never minted).
type Vote struct {
	Signer common.Address
	Weight *big.Int
}

// Aggregate sums voting weight across a batch, rejecting duplicate signers.
// Zero-weight signers contribute nothing but are still checked for
// duplication.
func Aggregate(votes []Vote) (*big.Int, error) {
	seen := make(map[common.Address]bool, len(votes))
	votesFor := new(big.Int)
	for _, v := range votes {
		if seen[v.Signer] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateVoter, v.Signer.Hex())
		}
		seen[v.Signer] = true
		if v.Weight != nil {
			votesFor.Add(votesFor, v.Weight)
		}
	}
	return votesFor, nil
}

// Reached reports whether votesFor clears thresholdBps of totalWeight.
// Comparison is votesFor * 10_000 >= threshold * totalWeight, so a 5_000 bps
// threshold means at least half the weight.
func Reached(votesFor, totalWeight *big.Int, thresholdBps int64) bool {
	if totalWeight == nil || totalWeight.Sign() == 0 {
		return false
	}
	lhs := new(big.Int).Mul(votesFor, big.NewInt(params.BpsDenominator))
	rhs := new(big.Int).Mul(totalWeight, big.NewInt(thresholdBps))
	return lhs.Cmp(rhs) >= 0
}

// SellThresholdBps picks the consensus threshold for a proposed sale. The
// two directions are deliberately asymmetric: cutting losses below the
// original buy price is configured separately from repricing at or above it.
func SellThresholdBps(p *params.Protocol, proceeds, originalBuyPrice *big.Int) int64 {
	if proceeds.Cmp(originalBuyPrice) < 0 {
		return p.SellUnderBuyPriceBps
	}
	return p.SellAtOrAboveBuyPriceBps
}
