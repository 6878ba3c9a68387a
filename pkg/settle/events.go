package settle

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// EventType classifies settlement outcomes on the event feed.
type EventType string

const (
	EventBuyExecuted      EventType = "buy_executed"
	EventSold             EventType = "sold"
	EventAssetTransferred EventType = "asset_transferred"
	EventFundsDistributed EventType = "funds_distributed"
	EventNoncesCancelled  EventType = "nonces_cancelled"
)

// Event is one committed settlement outcome. Emitted only after the ledger
// batch has been applied.
type Event struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"type"`
	ExecutionID string         `json:"executionId,omitempty"`
	Collection  common.Address `json:"collection,omitempty"`
	Price       *big.Int       `json:"price,omitempty"`
	Fee         *big.Int       `json:"fee,omitempty"`
	Recipient   common.Address `json:"recipient,omitempty"`
	Signer      common.Address `json:"signer,omitempty"`
}

func newEvent(t EventType) Event {
	return Event{ID: uuid.NewString(), Type: t}
}

// Subscribe registers a callback invoked after each committed settlement.
// Callbacks run inside the settlement lock; keep them fast (hand off to a
// channel for anything slow).
func (e *Engine) Subscribe(fn func(Event)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subs = append(e.subs, fn)
}

func (e *Engine) emit(ev Event) {
	for _, fn := range e.subs {
		fn(ev)
	}
}
