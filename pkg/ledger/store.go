package ledger

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
)

// Store provides pebble-based persistence for executions, claim balances and
// used nonces. All access is serialized by the Ledger's mutex.
type Store struct {
	db *pebble.DB
}

// NewStore opens a pebble database at the given path.
func NewStore(dbPath string) (*Store, error) {
	opts := &pebble.Options{
		Cache:                    pebble.NewCache(64 << 20),
		MemTableSize:             32 << 20,
		MaxConcurrentCompactions: func() int { return 2 },
		MaxOpenFiles:             1000,
		BytesPerSync:             512 << 10,
	}

	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", dbPath, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// LoadExecution loads an execution row. Returns nil if it doesn't exist.
func (s *Store) LoadExecution(executionID string) (*Execution, error) {
	data, closer, err := s.db.Get(executionKey(executionID))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	defer closer.Close()

	var exec Execution
	if err := json.Unmarshal(data, &exec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution: %w", err)
	}
	if exec.Contributions == nil {
		exec.Contributions = make(map[common.Address]*big.Int)
	}
	return &exec, nil
}

// LoadClaims loads an execution's claim balances. Returns nil if absent.
func (s *Store) LoadClaims(executionID string) (*Claims, error) {
	data, closer, err := s.db.Get(claimsKey(executionID))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get claims: %w", err)
	}
	defer closer.Close()

	var claims Claims
	if err := json.Unmarshal(data, &claims); err != nil {
		return nil, fmt.Errorf("failed to unmarshal claims: %w", err)
	}
	if claims.Balances == nil {
		claims.Balances = make(map[common.Address]*big.Int)
	}
	return &claims, nil
}

// IsNonceUsed checks whether a (scope, signer, nonce) row exists.
func (s *Store) IsNonceUsed(scope string, signer common.Address, nonce string) (bool, error) {
	_, closer, err := s.db.Get(nonceKey(scope, signer, nonce))
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get nonce: %w", err)
	}
	closer.Close()
	return true, nil
}

// LoadUsedNonces returns all used nonces for a signer within a scope.
func (s *Store) LoadUsedNonces(scope string, signer common.Address) ([]string, error) {
	prefix := nonceSignerPrefix(scope, signer)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var nonces []string
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		nonces = append(nonces, string(key[len(prefix):]))
	}
	return nonces, nil
}

// Batch stages writes for one settlement call so its effects commit
// atomically: either the whole settlement persists or none of it does.
type Batch struct {
	batch *pebble.Batch
}

func (s *Store) NewBatch() *Batch {
	return &Batch{batch: s.db.NewBatch()}
}

func (b *Batch) PutExecution(exec *Execution) error {
	data, err := json.Marshal(exec)
	if err != nil {
		return err
	}
	return b.batch.Set(executionKey(exec.ExecutionID), data, nil)
}

func (b *Batch) PutClaims(claims *Claims) error {
	data, err := json.Marshal(claims)
	if err != nil {
		return err
	}
	return b.batch.Set(claimsKey(claims.ExecutionID), data, nil)
}

func (b *Batch) MarkNonceUsed(scope string, signer common.Address, nonce string) error {
	return b.batch.Set(nonceKey(scope, signer, nonce), []byte{1}, nil)
}

func (b *Batch) Commit() error {
	return b.batch.Commit(pebble.Sync)
}

func (b *Batch) Close() error {
	return b.batch.Close()
}
