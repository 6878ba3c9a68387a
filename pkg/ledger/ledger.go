package ledger

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Nonce scopes. Buy nonces are protocol-wide; sell and transfer nonces are
// scoped to the delegate whose domain the orders were signed under.
const (
	ScopeBuy = "buy"
)

func ScopeSell(delegate common.Address) string     { return "sell:" + delegate.Hex() }
func ScopeTransfer(delegate common.Address) string { return "transfer:" + delegate.Hex() }

// Ledger is the in-memory view of executions, claim balances and used nonces
// backed by pebble. It serializes access with a mutex; settlement mutations
// go through Apply so one settlement call persists as a single atomic batch.
//
// The nonce set is append-only and never reset.
type Ledger struct {
	mu    sync.RWMutex
	store *Store

	executions map[string]*Execution
	claims     map[string]*Claims
	nonces     map[string]map[common.Address]map[string]bool // scope -> signer -> nonce
}

func NewLedger(store *Store) *Ledger {
	return &Ledger{
		store:      store,
		executions: make(map[string]*Execution),
		claims:     make(map[string]*Claims),
		nonces:     make(map[string]map[common.Address]map[string]bool),
	}
}

// Open opens a pebble-backed ledger at dbPath.
func Open(dbPath string) (*Ledger, error) {
	store, err := NewStore(dbPath)
	if err != nil {
		return nil, err
	}
	return NewLedger(store), nil
}

func (l *Ledger) Close() error {
	if l.store == nil {
		return nil
	}
	return l.store.Close()
}

// Execution returns the execution for id, loading from pebble on a cache
// miss. Returns nil if the position was never created.
func (l *Ledger) Execution(executionID *big.Int) (*Execution, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.executionLocked(executionID.String())
}

func (l *Ledger) executionLocked(id string) (*Execution, error) {
	if exec, ok := l.executions[id]; ok {
		return exec, nil
	}
	if l.store == nil {
		return nil, nil
	}
	exec, err := l.store.LoadExecution(id)
	if err != nil {
		return nil, err
	}
	if exec != nil {
		l.executions[id] = exec
	}
	return exec, nil
}

// Claims returns the claim balances for an execution, or nil if absent.
func (l *Ledger) Claims(executionID *big.Int) (*Claims, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.claimsLocked(executionID.String())
}

func (l *Ledger) claimsLocked(id string) (*Claims, error) {
	if c, ok := l.claims[id]; ok {
		return c, nil
	}
	if l.store == nil {
		return nil, nil
	}
	c, err := l.store.LoadClaims(id)
	if err != nil {
		return nil, err
	}
	if c != nil {
		l.claims[id] = c
	}
	return c, nil
}

// IsNonceUsed reports whether signer already used (or cancelled) nonce
// within scope.
func (l *Ledger) IsNonceUsed(scope string, signer common.Address, nonce *big.Int) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isNonceUsedLocked(scope, signer, nonce.String())
}

func (l *Ledger) isNonceUsedLocked(scope string, signer common.Address, nonce string) (bool, error) {
	if l.nonces[scope][signer][nonce] {
		return true, nil
	}
	if l.store == nil {
		return false, nil
	}
	return l.store.IsNonceUsed(scope, signer, nonce)
}

func (l *Ledger) markNonceLocked(scope string, signer common.Address, nonce string) {
	signers, ok := l.nonces[scope]
	if !ok {
		signers = make(map[common.Address]map[string]bool)
		l.nonces[scope] = signers
	}
	set, ok := signers[signer]
	if !ok {
		set = make(map[string]bool)
		signers[signer] = set
	}
	set[nonce] = true
}

// NonceUse is one (scope, signer, nonce) consumed by a settlement call.
type NonceUse struct {
	Scope  string
	Signer common.Address
	Nonce  *big.Int
}

// Delta is the complete effect of one settlement call on the ledger. Apply
// commits it as a single pebble batch, then mirrors it in memory, so a
// settlement either fully applies or leaves prior state untouched.
type Delta struct {
	Executions []*Execution
	Claims     []*Claims
	Nonces     []NonceUse
}

// Apply atomically persists and applies a settlement delta.
func (l *Ledger) Apply(d *Delta) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.store != nil {
		batch := l.store.NewBatch()
		defer batch.Close()
		for _, exec := range d.Executions {
			if err := batch.PutExecution(exec); err != nil {
				return fmt.Errorf("failed to stage execution: %w", err)
			}
		}
		for _, c := range d.Claims {
			if err := batch.PutClaims(c); err != nil {
				return fmt.Errorf("failed to stage claims: %w", err)
			}
		}
		for _, n := range d.Nonces {
			if err := batch.MarkNonceUsed(n.Scope, n.Signer, n.Nonce.String()); err != nil {
				return fmt.Errorf("failed to stage nonce: %w", err)
			}
		}
		if err := batch.Commit(); err != nil {
			return fmt.Errorf("failed to commit settlement batch: %w", err)
		}
	}

	for _, exec := range d.Executions {
		l.executions[exec.ExecutionID] = exec
	}
	for _, c := range d.Claims {
		l.claims[c.ExecutionID] = c
	}
	for _, n := range d.Nonces {
		l.markNonceLocked(n.Scope, n.Signer, n.Nonce.String())
	}
	return nil
}

// CancelNonces marks the given nonces used without executing anything.
// Idempotent: a nonce already used or cancelled is skipped without error and
// without re-emitting a state change. Returns the nonces newly cancelled.
func (l *Ledger) CancelNonces(scope string, signer common.Address, nonces []*big.Int) ([]*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var fresh []*big.Int
	for _, n := range nonces {
		used, err := l.isNonceUsedLocked(scope, signer, n.String())
		if err != nil {
			return nil, err
		}
		if !used {
			fresh = append(fresh, n)
		}
	}
	if len(fresh) == 0 {
		return nil, nil
	}

	if l.store != nil {
		batch := l.store.NewBatch()
		defer batch.Close()
		for _, n := range fresh {
			if err := batch.MarkNonceUsed(scope, signer, n.String()); err != nil {
				return nil, err
			}
		}
		if err := batch.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit cancellation: %w", err)
		}
	}
	for _, n := range fresh {
		l.markNonceLocked(scope, signer, n.String())
	}
	return fresh, nil
}

// TransferClaims moves claim units between holders, persisting the new
// balances. Transferable independent of the position lifecycle.
func (l *Ledger) TransferClaims(executionID *big.Int, from, to common.Address, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, err := l.claimsLocked(executionID.String())
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("no claims for execution %s", executionID)
	}
	if err := c.Transfer(from, to, amount); err != nil {
		return err
	}
	if l.store != nil {
		batch := l.store.NewBatch()
		defer batch.Close()
		if err := batch.PutClaims(c); err != nil {
			return err
		}
		if err := batch.Commit(); err != nil {
			return fmt.Errorf("failed to persist claim transfer: %w", err)
		}
	}
	return nil
}
