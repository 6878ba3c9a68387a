package settle

import (
	"math/big"

	"github.com/clowder-protocol/clowder-go/params"
)

var bpsDenom = big.NewInt(params.BpsDenominator)

// protocolFee computes price × feeBps / 10_000, rounded down.
func protocolFee(price *big.Int, feeBps int64) *big.Int {
	fee := new(big.Int).Mul(price, big.NewInt(feeBps))
	return fee.Div(fee, bpsDenom)
}

// grossPrice is the total a buyer pays for a given execution price:
// price × (10_000 + feeBps) / 10_000.
func grossPrice(price *big.Int, feeBps int64) *big.Int {
	total := new(big.Int).Mul(price, big.NewInt(params.BpsDenominator+feeBps))
	return total.Div(total, bpsDenom)
}

// BuyExecutionPriceFromCeiling returns the largest execution price whose
// grossed-up total stays within ceiling, the exact inverse of the per-order
// acceptance check.
func BuyExecutionPriceFromCeiling(ceiling *big.Int, feeBps int64) *big.Int {
	price := new(big.Int).Mul(ceiling, bpsDenom)
	price.Div(price, big.NewInt(feeBps+params.BpsDenominator))
	// The floored ratio can undershoot by a few units because the gross
	// total itself rounds down. Walk up while the next price still fits.
	one := big.NewInt(1)
	for {
		next := new(big.Int).Add(price, one)
		if grossPrice(next, feeBps).Cmp(ceiling) > 0 {
			return price
		}
		price = next
	}
}

// SellExecutionPriceFromFloor returns the smallest execution price that nets
// at least floor after the selling fee: floor × 10_000 / (10_000 − feeBps),
// plus one to absorb the rounding error.
func SellExecutionPriceFromFloor(floor *big.Int, feeBps int64) *big.Int {
	price := new(big.Int).Mul(floor, bpsDenom)
	price.Div(price, big.NewInt(params.BpsDenominator-feeBps))
	return price.Add(price, big.NewInt(1))
}
