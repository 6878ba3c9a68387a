// Package bank models the fund and asset custody that the original protocol
// delegates to the underlying chain: native balances, fungible token
// balances, and non-fungible/semi-fungible ownership. The settlement engine
// moves value through it; a failed move surfaces as ErrTransferFailed and
// halts the settlement call.
package bank

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/clowder-protocol/clowder-go/pkg/order"
)

// ErrTransferFailed is returned when an underlying asset move cannot be
// performed (insufficient balance, wrong owner, unknown asset type).
var ErrTransferFailed = errors.New("asset transfer failed")

type fungibleKey struct {
	token  common.Address // zero address = native
	holder common.Address
}

type nftKey struct {
	token   common.Address
	tokenID string
}

type semiKey struct {
	token   common.Address
	tokenID string
	holder  common.Address
}

// Bank is a thread-safe in-process asset ledger.
type Bank struct {
	mu        sync.RWMutex
	fungible  map[fungibleKey]*big.Int
	nftOwners map[nftKey]common.Address
	semi      map[semiKey]*big.Int
}

func New() *Bank {
	return &Bank{
		fungible:  make(map[fungibleKey]*big.Int),
		nftOwners: make(map[nftKey]common.Address),
		semi:      make(map[semiKey]*big.Int),
	}
}

// nativeToken is the zero address sentinel for native-currency balances.
var nativeToken = common.Address{}

// Mint credits a fungible (or native, token == zero address) balance.
func (b *Bank) Mint(token, holder common.Address, amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.creditLocked(token, holder, amount)
}

func (b *Bank) creditLocked(token, holder common.Address, amount *big.Int) {
	key := fungibleKey{token, holder}
	bal, ok := b.fungible[key]
	if !ok {
		bal = new(big.Int)
		b.fungible[key] = bal
	}
	bal.Add(bal, amount)
}

// Balance returns a holder's fungible/native balance.
func (b *Bank) Balance(token, holder common.Address) *big.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if bal, ok := b.fungible[fungibleKey{token, holder}]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

// SetNFTOwner seeds ownership of a non-fungible token.
func (b *Bank) SetNFTOwner(token common.Address, tokenID *big.Int, owner common.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nftOwners[nftKey{token, tokenID.String()}] = owner
}

// NFTOwner returns the current owner of a non-fungible token.
func (b *Bank) NFTOwner(token common.Address, tokenID *big.Int) (common.Address, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	owner, ok := b.nftOwners[nftKey{token, tokenID.String()}]
	return owner, ok
}

// MintSemi credits an ERC1155-style balance.
func (b *Bank) MintSemi(token common.Address, tokenID *big.Int, holder common.Address, amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := semiKey{token, tokenID.String(), holder}
	bal, ok := b.semi[key]
	if !ok {
		bal = new(big.Int)
		b.semi[key] = bal
	}
	bal.Add(bal, amount)
}

// SemiBalance returns an ERC1155-style balance.
func (b *Bank) SemiBalance(token common.Address, tokenID *big.Int, holder common.Address) *big.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if bal, ok := b.semi[semiKey{token, tokenID.String(), holder}]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

// TransferFungible moves a fungible/native amount between holders.
func (b *Bank) TransferFungible(token, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("%w: negative amount", ErrTransferFailed)
	}
	if amount.Sign() == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	key := fungibleKey{token, from}
	bal, ok := b.fungible[key]
	if !ok || bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has insufficient balance of %s", ErrTransferFailed, from.Hex(), token.Hex())
	}
	bal.Sub(bal, amount)
	b.creditLocked(token, to, amount)
	return nil
}

// TransferNFT moves a non-fungible token, failing unless from is the owner.
func (b *Bank) TransferNFT(token common.Address, tokenID *big.Int, from, to common.Address) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := nftKey{token, tokenID.String()}
	owner, ok := b.nftOwners[key]
	if !ok || owner != from {
		return fmt.Errorf("%w: %s does not own %s/%s", ErrTransferFailed, from.Hex(), token.Hex(), tokenID)
	}
	b.nftOwners[key] = to
	return nil
}

// TransferSemi moves an ERC1155-style balance between holders.
func (b *Bank) TransferSemi(token common.Address, tokenID *big.Int, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: non-positive amount", ErrTransferFailed)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	fromKey := semiKey{token, tokenID.String(), from}
	bal, ok := b.semi[fromKey]
	if !ok || bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has insufficient balance of %s/%s", ErrTransferFailed, from.Hex(), token.Hex(), tokenID)
	}
	bal.Sub(bal, amount)
	toKey := semiKey{token, tokenID.String(), to}
	toBal, ok := b.semi[toKey]
	if !ok {
		toBal = new(big.Int)
		b.semi[toKey] = toBal
	}
	toBal.Add(toBal, amount)
	return nil
}

// TransferAsset dispatches on the asset-type tag. Native and ERC20 moves
// drain the sender's full balance when amount is nil (the transfer-order
// flow moves everything the delegate holds).
func (b *Bank) TransferAsset(t order.AssetType, token common.Address, tokenID *big.Int, from, to common.Address, amount *big.Int) error {
	switch t {
	case order.AssetNative:
		if amount == nil {
			amount = b.Balance(nativeToken, from)
		}
		return b.TransferFungible(nativeToken, from, to, amount)
	case order.AssetERC20:
		if amount == nil {
			amount = b.Balance(token, from)
		}
		return b.TransferFungible(token, from, to, amount)
	case order.AssetERC721:
		return b.TransferNFT(token, tokenID, from, to)
	case order.AssetERC1155:
		if amount == nil {
			amount = b.SemiBalance(token, tokenID, from)
		}
		return b.TransferSemi(token, tokenID, from, to, amount)
	default:
		return fmt.Errorf("%w: unknown asset type %d", ErrTransferFailed, t)
	}
}
