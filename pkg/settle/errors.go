package settle

import (
	"errors"
)

// Settlement-halting failures. Every settlement call either fully applies
// its effects or fails with one of these (or a validation/consensus error
// from pkg/order, pkg/consensus or pkg/bank) leaving prior state untouched.
// None of them is retried inside the engine.
var (
	// ErrNonceUnusable: the order's nonce was already used or cancelled.
	// Distinct from signature failures.
	ErrNonceUnusable = errors.New("nonce already used or cancelled")

	// ErrOrderCannotAcceptPrice: the execution price grossed up by the
	// protocol fee exceeds the order's stated ceiling. Checked per order;
	// one over-budget order fails the whole batch.
	ErrOrderCannotAcceptPrice = errors.New("order cannot accept execution price")

	// ErrInsufficientContributions: the batch's declared contributions do
	// not cover the execution price plus fee.
	ErrInsufficientContributions = errors.New("contributions do not cover execution price and fee")

	ErrAlreadyExecuted = errors.New("position already executed")
	ErrAlreadySold     = errors.New("position already sold")
	ErrAlreadyClaimed  = errors.New("position already claimed")
	ErrNotExecuted     = errors.New("position not executed")

	ErrOrderExpired = errors.New("order expired")

	// ErrCollectionMismatch: an order references a different target asset
	// than the rest of the batch or the position.
	ErrCollectionMismatch = errors.New("order references wrong collection or token")

	// ErrBatchMismatch: orders in one batch disagree on the aggregate
	// action (execution id, delegate, venue, fee recipients, recipient).
	ErrBatchMismatch = errors.New("orders in batch disagree on aggregate action")

	// ErrBelowMinProceeds: net proceeds fall below a consenting signer's
	// floor.
	ErrBelowMinProceeds = errors.New("net proceeds below a signer's minimum")

	// ErrNoClaims: a sell or transfer signer holds no claim weight on the
	// position. Strangers are rejected outright instead of being counted as
	// zero-weight votes.
	ErrNoClaims = errors.New("signer holds no claims on the position")

	// ErrIncompleteHolderSet: a fund distribution was requested without the
	// full current holder set. Distribution erases the internal
	// bookkeeping, so underpaying silently is a correctness bug.
	ErrIncompleteHolderSet = errors.New("holder set does not cover total claim supply")

	// ErrNotOwner guards the configuration setters.
	ErrNotOwner = errors.New("caller is not the owner")
)
