package ledger

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// Claims are the divisible, transferable ownership units of one execution.
// Balances are minted 1:1 against real contributions at buy settlement and
// are the voting weight for later sell/transfer consensus. Transfers are
// independent of the position lifecycle.
//
// Invariant: sum(Balances) == TotalSupply at all times.
type Claims struct {
	ExecutionID string                      `json:"executionId"`
	TotalSupply *big.Int                    `json:"totalSupply"`
	Balances    map[common.Address]*big.Int `json:"balances"`
}

func NewClaims(executionID string) *Claims {
	return &Claims{
		ExecutionID: executionID,
		TotalSupply: new(big.Int),
		Balances:    make(map[common.Address]*big.Int),
	}
}

// BalanceOf returns holder's claim balance.
func (c *Claims) BalanceOf(holder common.Address) *big.Int {
	if b, ok := c.Balances[holder]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// Mint issues amount to holder, growing total supply.
func (c *Claims) Mint(holder common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("mint amount must be positive")
	}
	bal, ok := c.Balances[holder]
	if !ok {
		bal = new(big.Int)
		c.Balances[holder] = bal
	}
	bal.Add(bal, amount)
	c.TotalSupply.Add(c.TotalSupply, amount)
	return nil
}

// Transfer moves amount from one holder to another with standard ERC20
// semantics. Zero-balance entries are pruned so Holders stays enumerable.
func (c *Claims) Transfer(from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("negative transfer amount")
	}
	fromBal, ok := c.Balances[from]
	if !ok || fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("insufficient claim balance: %s has %s, needs %s",
			from.Hex(), c.BalanceOf(from), amount)
	}
	fromBal.Sub(fromBal, amount)
	if fromBal.Sign() == 0 {
		delete(c.Balances, from)
	}
	toBal, ok := c.Balances[to]
	if !ok {
		toBal = new(big.Int)
		c.Balances[to] = toBal
	}
	toBal.Add(toBal, amount)
	return nil
}

// Holders returns every address with a nonzero balance, sorted for
// deterministic iteration.
func (c *Claims) Holders() []common.Address {
	holders := make([]common.Address, 0, len(c.Balances))
	for addr := range c.Balances {
		holders = append(holders, addr)
	}
	sort.Slice(holders, func(i, j int) bool {
		return holders[i].Hex() < holders[j].Hex()
	})
	return holders
}

// Validate checks the balance conservation invariant.
func (c *Claims) Validate() error {
	sum := new(big.Int)
	for holder, b := range c.Balances {
		if b == nil || b.Sign() < 0 {
			return fmt.Errorf("negative balance for %s", holder.Hex())
		}
		sum.Add(sum, b)
	}
	if c.TotalSupply == nil || sum.Cmp(c.TotalSupply) != 0 {
		return fmt.Errorf("balance sum %s != total supply %s", sum, c.TotalSupply)
	}
	return nil
}
