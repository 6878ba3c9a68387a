// Package pool holds validated signed orders awaiting settlement. Orders are
// verified and nonce-checked at admission, grouped by the position they act
// on and kept FIFO within each group.
package pool

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/clowder-protocol/clowder-go/pkg/ledger"
	"github.com/clowder-protocol/clowder-go/pkg/order"
	"github.com/clowder-protocol/clowder-go/pkg/settle"
)

var ErrDuplicateOrder = errors.New("order already pooled")

// Pool is the pending-order staging area in front of the settlement engine.
// It never mutates the ledger: nonces get consumed only when the engine
// settles, so a pooled order can still be invalidated by an on-ledger cancel
// between admission and settlement.
type Pool struct {
	mu sync.Mutex

	engine *settle.Engine
	ledger *ledger.Ledger

	// buys keyed by executionId; sells/transfers keyed by delegate.
	buys      map[string][]*order.BuyOrderV1
	sells     map[common.Address][]*order.SellOrderV1
	transfers map[common.Address][]*order.TransferOrderV1

	// seen guards against pooling the same (scope, signer, nonce) twice.
	seen map[string]bool
}

func New(engine *settle.Engine, l *ledger.Ledger) *Pool {
	return &Pool{
		engine:    engine,
		ledger:    l,
		buys:      make(map[string][]*order.BuyOrderV1),
		sells:     make(map[common.Address][]*order.SellOrderV1),
		transfers: make(map[common.Address][]*order.TransferOrderV1),
		seen:      make(map[string]bool),
	}
}

func seenKey(scope string, signer common.Address, nonce *big.Int) string {
	return scope + ":" + signer.Hex() + ":" + nonce.String()
}

func (p *Pool) admit(scope string, signer common.Address, nonce *big.Int) error {
	used, err := p.ledger.IsNonceUsed(scope, signer, nonce)
	if err != nil {
		return err
	}
	if used {
		return fmt.Errorf("%w: signer %s nonce %s", settle.ErrNonceUnusable, signer.Hex(), nonce)
	}
	key := seenKey(scope, signer, nonce)
	if p.seen[key] {
		return fmt.Errorf("%w: signer %s nonce %s", ErrDuplicateOrder, signer.Hex(), nonce)
	}
	p.seen[key] = true
	return nil
}

// AddBuy verifies and pools a signed buy order.
func (p *Pool) AddBuy(o *order.BuyOrderV1) error {
	if err := o.Verify(p.engine.BuyDomain()); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.admit(ledger.ScopeBuy, o.Signer, o.BuyNonce); err != nil {
		return err
	}
	id := o.ExecutionID.String()
	p.buys[id] = append(p.buys[id], o)
	return nil
}

// AddSell verifies and pools a signed sell order against the delegate of the
// given executed position.
func (p *Pool) AddSell(executionID *big.Int, o *order.SellOrderV1) error {
	delegate, err := p.delegateOf(executionID)
	if err != nil {
		return err
	}
	if err := o.Verify(p.engine.DelegateDomain(delegate)); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.admit(ledger.ScopeSell(delegate), o.Signer, o.Nonce); err != nil {
		return err
	}
	p.sells[delegate] = append(p.sells[delegate], o)
	return nil
}

// AddTransfer verifies and pools a signed transfer order against the delegate
// of the given executed position.
func (p *Pool) AddTransfer(executionID *big.Int, o *order.TransferOrderV1) error {
	delegate, err := p.delegateOf(executionID)
	if err != nil {
		return err
	}
	if err := o.Verify(p.engine.DelegateDomain(delegate)); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.admit(ledger.ScopeTransfer(delegate), o.Signer, o.Nonce); err != nil {
		return err
	}
	p.transfers[delegate] = append(p.transfers[delegate], o)
	return nil
}

func (p *Pool) delegateOf(executionID *big.Int) (common.Address, error) {
	exec, err := p.ledger.Execution(executionID)
	if err != nil {
		return common.Address{}, err
	}
	if exec == nil {
		return common.Address{}, fmt.Errorf("%w: execution %s", settle.ErrNotExecuted, executionID)
	}
	return exec.Delegate, nil
}

// Buys returns the pooled buy orders for an execution, FIFO.
func (p *Pool) Buys(executionID *big.Int) []*order.BuyOrderV1 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*order.BuyOrderV1(nil), p.buys[executionID.String()]...)
}

// Sells returns the pooled sell orders for a position's delegate, FIFO.
func (p *Pool) Sells(delegate common.Address) []*order.SellOrderV1 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*order.SellOrderV1(nil), p.sells[delegate]...)
}

// Transfers returns the pooled transfer orders for a position's delegate, FIFO.
func (p *Pool) Transfers(delegate common.Address) []*order.TransferOrderV1 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*order.TransferOrderV1(nil), p.transfers[delegate]...)
}

// DrainBuys removes and returns all pooled buy orders for an execution,
// typically right before handing them to the engine.
func (p *Pool) DrainBuys(executionID *big.Int) []*order.BuyOrderV1 {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := executionID.String()
	out := p.buys[id]
	delete(p.buys, id)
	for _, o := range out {
		delete(p.seen, seenKey(ledger.ScopeBuy, o.Signer, o.BuyNonce))
	}
	return out
}

// DrainSells removes and returns all pooled sell orders for a delegate.
func (p *Pool) DrainSells(delegate common.Address) []*order.SellOrderV1 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.sells[delegate]
	delete(p.sells, delegate)
	scope := ledger.ScopeSell(delegate)
	for _, o := range out {
		delete(p.seen, seenKey(scope, o.Signer, o.Nonce))
	}
	return out
}

// DrainTransfers removes and returns all pooled transfer orders for a delegate.
func (p *Pool) DrainTransfers(delegate common.Address) []*order.TransferOrderV1 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.transfers[delegate]
	delete(p.transfers, delegate)
	scope := ledger.ScopeTransfer(delegate)
	for _, o := range out {
		delete(p.seen, seenKey(scope, o.Signer, o.Nonce))
	}
	return out
}

// Len returns the total pooled orders across all groups.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, q := range p.buys {
		n += len(q)
	}
	for _, q := range p.sells {
		n += len(q)
	}
	for _, q := range p.transfers {
		n += len(q)
	}
	return n
}
