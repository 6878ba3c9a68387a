// Package settle implements the execution/settlement engine: atomic buy,
// sell, transfer and distribution over collectively-owned positions.
//
// Every state-mutating call is serialized by one mutex and is all-or-nothing:
// validation and balance prechecks run first, fund moves and the ledger batch
// apply only after nothing can fail for protocol reasons. Concurrent calls
// against the same position are ordered by the lock; the loser fails with the
// appropriate named error instead of double-applying.
package settle

import (
	"bytes"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/clowder-protocol/clowder-go/params"
	"github.com/clowder-protocol/clowder-go/pkg/bank"
	"github.com/clowder-protocol/clowder-go/pkg/consensus"
	"github.com/clowder-protocol/clowder-go/pkg/ledger"
	"github.com/clowder-protocol/clowder-go/pkg/oracle"
	"github.com/clowder-protocol/clowder-go/pkg/order"
	"github.com/clowder-protocol/clowder-go/pkg/util"
)

// Engine executes settlements against the ledger and the bank.
type Engine struct {
	mu sync.Mutex

	proto   params.Protocol
	chainID *big.Int
	// contract is the verifying address buy orders are signed against.
	contract common.Address

	ledger *ledger.Ledger
	bank   *bank.Bank
	clock  util.Clock
	log    *zap.Logger

	subs []func(Event)
}

func NewEngine(proto params.Protocol, chainID *big.Int, contract common.Address,
	l *ledger.Ledger, b *bank.Bank, clock util.Clock, log *zap.Logger) *Engine {
	if clock == nil {
		clock = util.RealClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		proto:    proto,
		chainID:  chainID,
		contract: contract,
		ledger:   l,
		bank:     b,
		clock:    clock,
		log:      log,
	}
}

// BuyDomain is the domain buy orders must be signed under.
func (e *Engine) BuyDomain() order.Domain {
	return order.ClowderDomain(e.chainID, e.contract)
}

// DelegateDomain is the domain sell/transfer orders for a delegate must be
// signed under.
func (e *Engine) DelegateDomain(delegate common.Address) order.Domain {
	return order.DelegateDomain(e.chainID, delegate)
}

// Protocol returns a copy of the current protocol parameters.
func (e *Engine) Protocol() params.Protocol {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.proto
}

// sharedDelegate derives the deterministic address of the shared
// proportional-claim holder instantiated when a buy batch names the zero
// delegate.
func (e *Engine) sharedDelegate(executionID *big.Int) common.Address {
	digest := ethcrypto.Keccak256(
		[]byte("TraderClowderDelegate"),
		e.contract.Bytes(),
		common.BigToHash(executionID).Bytes(),
	)
	return common.BytesToAddress(digest[12:])
}

func (e *Engine) expired(endTime *big.Int) bool {
	// Expiry is checked against the settlement-time clock, never signing
	// time. endTime == 0 would mean instantly expired; orders must carry a
	// real deadline.
	return big.NewInt(e.clock.Now().Unix()).Cmp(endTime) > 0
}

// ExecuteBuy settles a collective purchase: validates every order, collects
// executionPrice plus protocol fee across the batch, pays seller and fee
// receiver, moves the asset to the batch's delegate, mints claims 1:1 with
// real contributions and marks the position Executed.
func (e *Engine) ExecuteBuy(orders []*order.BuyOrderV1, executionPrice *big.Int,
	tokenID *big.Int, seller common.Address) (*ledger.Execution, error) {

	e.mu.Lock()
	defer e.mu.Unlock()

	if len(orders) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrBatchMismatch)
	}
	if executionPrice == nil || executionPrice.Sign() <= 0 {
		return nil, fmt.Errorf("%w: non-positive execution price", ErrOrderCannotAcceptPrice)
	}

	executionID := orders[0].ExecutionID
	collection := orders[0].Collection
	delegate := orders[0].Delegate

	exec, err := e.ledger.Execution(executionID)
	if err != nil {
		return nil, err
	}
	if exec != nil {
		return nil, fmt.Errorf("%w: execution %s", ErrAlreadyExecuted, executionID)
	}

	fee := protocolFee(executionPrice, e.proto.BuyFeeBps)
	total := new(big.Int).Add(executionPrice, fee)
	gross := grossPrice(executionPrice, e.proto.BuyFeeBps)
	domain := e.BuyDomain()

	// Validation pass: nothing is moved until every order checks out.
	seenNonce := make(map[common.Address]map[string]bool)
	for i, o := range orders {
		if o.ExecutionID.Cmp(executionID) != 0 {
			return nil, fmt.Errorf("%w: order %d names execution %s, batch is %s",
				ErrBatchMismatch, i, o.ExecutionID, executionID)
		}
		if o.Collection != collection {
			return nil, fmt.Errorf("%w: order %d names %s, batch is %s",
				ErrCollectionMismatch, i, o.Collection.Hex(), collection.Hex())
		}
		if o.Delegate != delegate {
			return nil, fmt.Errorf("%w: order %d names delegate %s, batch is %s",
				ErrBatchMismatch, i, o.Delegate.Hex(), delegate.Hex())
		}
		if e.expired(o.BuyPriceEndTime) {
			return nil, fmt.Errorf("%w: order %d (signer %s)", ErrOrderExpired, i, o.Signer.Hex())
		}
		if err := o.Verify(domain); err != nil {
			return nil, err
		}

		used, err := e.ledger.IsNonceUsed(ledger.ScopeBuy, o.Signer, o.BuyNonce)
		if err != nil {
			return nil, err
		}
		if used || seenNonce[o.Signer][o.BuyNonce.String()] {
			return nil, fmt.Errorf("%w: signer %s nonce %s", ErrNonceUnusable, o.Signer.Hex(), o.BuyNonce)
		}
		if seenNonce[o.Signer] == nil {
			seenNonce[o.Signer] = make(map[string]bool)
		}
		seenNonce[o.Signer][o.BuyNonce.String()] = true

		// Per-order price acceptance: the whole grossed-up price must fit
		// within each signer's ceiling.
		if gross.Cmp(o.BuyPrice) > 0 {
			return nil, fmt.Errorf("%w: grossed price %s exceeds ceiling %s of signer %s",
				ErrOrderCannotAcceptPrice, gross, o.BuyPrice, o.Signer.Hex())
		}
	}

	if delegate == (common.Address{}) {
		delegate = e.sharedDelegate(executionID)
	}

	// Plan the collection: each order contributes up to its declared
	// contribution, in batch order, until the target is exactly covered.
	remaining := new(big.Int).Set(total)
	takes := make([]*big.Int, len(orders))
	for i, o := range orders {
		take := new(big.Int).Set(o.Contribution)
		if take.Cmp(remaining) > 0 {
			take.Set(remaining)
		}
		takes[i] = take
		remaining.Sub(remaining, take)
	}
	if remaining.Sign() != 0 {
		return nil, fmt.Errorf("%w: short by %s", ErrInsufficientContributions, remaining)
	}

	// Ownership and balance prechecks, then the actual moves. The lock
	// guarantees nobody else drains a buyer between the two.
	if owner, ok := e.bank.NFTOwner(collection, tokenID); !ok || owner != seller {
		return nil, fmt.Errorf("%w: seller %s does not hold %s/%s",
			bank.ErrTransferFailed, seller.Hex(), collection.Hex(), tokenID)
	}
	for i, o := range orders {
		if takes[i].Sign() == 0 {
			continue
		}
		if e.bank.Balance(e.proto.FundingToken, o.Signer).Cmp(takes[i]) < 0 {
			return nil, fmt.Errorf("%w: buyer %s cannot fund contribution %s",
				bank.ErrTransferFailed, o.Signer.Hex(), takes[i])
		}
	}

	exec = &ledger.Execution{
		ExecutionID:      executionID.String(),
		Collection:       collection,
		TokenID:          new(big.Int).Set(tokenID),
		Delegate:         delegate,
		BuyPrice:         new(big.Int).Set(executionPrice),
		TotalContributed: total,
		State:            ledger.StateExecuted,
		Contributions:    make(map[common.Address]*big.Int),
	}
	claims := ledger.NewClaims(exec.ExecutionID)
	delta := &ledger.Delta{Executions: []*ledger.Execution{exec}, Claims: []*ledger.Claims{claims}}

	for i, o := range orders {
		delta.Nonces = append(delta.Nonces, ledger.NonceUse{
			Scope: ledger.ScopeBuy, Signer: o.Signer, Nonce: o.BuyNonce,
		})
		if takes[i].Sign() == 0 {
			continue
		}
		if err := e.bank.TransferFungible(e.proto.FundingToken, o.Signer, delegate, takes[i]); err != nil {
			return nil, err
		}
		prev := exec.Contributions[o.Signer]
		if prev == nil {
			prev = new(big.Int)
			exec.Contributions[o.Signer] = prev
		}
		prev.Add(prev, takes[i])
	}
	for signer, contributed := range exec.Contributions {
		if err := claims.Mint(signer, contributed); err != nil {
			return nil, err
		}
	}

	if err := e.bank.TransferFungible(e.proto.FundingToken, delegate, e.proto.FeeReceiver, fee); err != nil {
		return nil, err
	}
	if err := e.bank.TransferFungible(e.proto.FundingToken, delegate, seller, executionPrice); err != nil {
		return nil, err
	}
	if err := e.bank.TransferNFT(collection, tokenID, seller, delegate); err != nil {
		return nil, err
	}

	if err := e.ledger.Apply(delta); err != nil {
		return nil, err
	}

	e.log.Info("buy executed",
		zap.String("executionId", exec.ExecutionID),
		zap.String("collection", collection.Hex()),
		zap.String("price", executionPrice.String()),
		zap.String("fee", fee.String()),
		zap.Int("orders", len(orders)),
	)
	ev := newEvent(EventBuyExecuted)
	ev.ExecutionID = exec.ExecutionID
	ev.Collection = collection
	ev.Price = executionPrice
	ev.Fee = fee
	e.emit(ev)
	return exec, nil
}

// openPosition fetches an execution that must be in the Executed state.
func (e *Engine) openPosition(executionID *big.Int) (*ledger.Execution, *ledger.Claims, error) {
	exec, err := e.ledger.Execution(executionID)
	if err != nil {
		return nil, nil, err
	}
	if exec == nil {
		return nil, nil, fmt.Errorf("%w: execution %s", ErrNotExecuted, executionID)
	}
	switch exec.State {
	case ledger.StateSold:
		return nil, nil, fmt.Errorf("%w: execution %s", ErrAlreadySold, executionID)
	case ledger.StateClaimed:
		return nil, nil, fmt.Errorf("%w: execution %s", ErrAlreadyClaimed, executionID)
	case ledger.StateExecuted:
	default:
		return nil, nil, fmt.Errorf("%w: execution %s", ErrNotExecuted, executionID)
	}
	claims, err := e.ledger.Claims(executionID)
	if err != nil {
		return nil, nil, err
	}
	if claims == nil {
		return nil, nil, fmt.Errorf("%w: no claims for execution %s", ErrNotExecuted, executionID)
	}
	return exec, claims, nil
}

// ExecuteSell settles a collective sale: aggregates weighted consent from
// claim holders under the asymmetric threshold rule, collects the price from
// the buyer, pays marketplace fee recipients and the protocol fee, credits
// each original contributor pro-rata and marks the position Sold.
//
// Payout arithmetic is exact: shares round down and the remainder goes to
// the fee receiver, so payouts plus fees always equal the execution price.
func (e *Engine) ExecuteSell(executionID *big.Int, orders []*order.SellOrderV1,
	executionPrice *big.Int, buyer common.Address, floor *oracle.FloorAsk) error {

	e.mu.Lock()
	defer e.mu.Unlock()

	if len(orders) == 0 {
		return fmt.Errorf("%w: empty batch", ErrBatchMismatch)
	}
	if executionPrice == nil || executionPrice.Sign() <= 0 {
		return fmt.Errorf("%w: non-positive execution price", ErrOrderCannotAcceptPrice)
	}

	exec, claims, err := e.openPosition(executionID)
	if err != nil {
		return err
	}

	domain := e.DelegateDomain(exec.Delegate)
	scope := ledger.ScopeSell(exec.Delegate)
	first := orders[0]

	fee := protocolFee(executionPrice, e.proto.SellFeeBps)
	marketplaceFees := first.TotalFees()
	netProceeds := new(big.Int).Sub(executionPrice, fee)
	netProceeds.Sub(netProceeds, marketplaceFees)
	if netProceeds.Sign() < 0 {
		return fmt.Errorf("%w: fees exceed execution price", ErrBelowMinProceeds)
	}

	votes := make([]consensus.Vote, 0, len(orders))
	for i, o := range orders {
		if o.Collection != exec.Collection || o.TokenID.Cmp(exec.TokenID) != 0 {
			return fmt.Errorf("%w: order %d targets %s/%s, position holds %s/%s",
				ErrCollectionMismatch, i, o.Collection.Hex(), o.TokenID, exec.Collection.Hex(), exec.TokenID)
		}
		if o.Seaport != first.Seaport || o.ConduitController != first.ConduitController ||
			o.ConduitKey != first.ConduitKey || o.Zone != first.Zone {
			return fmt.Errorf("%w: order %d names a different venue", ErrBatchMismatch, i)
		}
		if !sameFeeRecipients(o.FeeRecipients, first.FeeRecipients) {
			return fmt.Errorf("%w: order %d names different fee recipients", ErrBatchMismatch, i)
		}
		if e.expired(o.EndTime) {
			return fmt.Errorf("%w: order %d (signer %s)", ErrOrderExpired, i, o.Signer.Hex())
		}
		if err := o.Verify(domain); err != nil {
			return err
		}
		used, err := e.ledger.IsNonceUsed(scope, o.Signer, o.Nonce)
		if err != nil {
			return err
		}
		if used {
			return fmt.Errorf("%w: signer %s nonce %s", ErrNonceUnusable, o.Signer.Hex(), o.Nonce)
		}
		if netProceeds.Cmp(o.MinNetProceeds) < 0 {
			return fmt.Errorf("%w: net %s under signer %s floor %s",
				ErrBelowMinProceeds, netProceeds, o.Signer.Hex(), o.MinNetProceeds)
		}
		weight := claims.BalanceOf(o.Signer)
		if weight.Sign() == 0 {
			return fmt.Errorf("%w: signer %s", ErrNoClaims, o.Signer.Hex())
		}
		votes = append(votes, consensus.Vote{Signer: o.Signer, Weight: weight})
	}

	votesFor, err := consensus.Aggregate(votes)
	if err != nil {
		return err
	}
	threshold := consensus.SellThresholdBps(&e.proto, executionPrice, exec.BuyPrice)
	if !consensus.Reached(votesFor, claims.TotalSupply, threshold) {
		return fmt.Errorf("%w: %s of %s at %d bps", consensus.ErrNotReached, votesFor, claims.TotalSupply, threshold)
	}

	// A price under the oracle-attested floor demands the stricter
	// threshold even when the buy-price comparison alone would not.
	if floor != nil {
		if err := floor.VerifySigner(e.proto.OracleSigner); err != nil {
			return err
		}
		fairPrice, err := floor.PayloadWei()
		if err != nil {
			return err
		}
		if executionPrice.Cmp(fairPrice) < 0 &&
			!consensus.Reached(votesFor, claims.TotalSupply, e.proto.SellAtOrAboveBuyPriceBps) {
			return fmt.Errorf("%w: price %s under fair price %s", consensus.ErrUnderFairPrice, executionPrice, fairPrice)
		}
	}

	// Exact pro-rata payout plan before any funds move.
	type payout struct {
		to     common.Address
		amount *big.Int
	}
	payouts := make([]payout, 0, len(exec.Contributions))
	paidOut := new(big.Int)
	for _, signer := range contributorsSorted(exec) {
		share := new(big.Int).Mul(exec.Contributions[signer], netProceeds)
		share.Div(share, exec.TotalContributed)
		if share.Sign() == 0 {
			continue
		}
		payouts = append(payouts, payout{signer, share})
		paidOut.Add(paidOut, share)
	}
	// Rounding dust favors the protocol fee receiver, documented invariant:
	// sum(payouts) + feePaid + marketplaceFees == executionPrice.
	feePaid := new(big.Int).Sub(executionPrice, paidOut)
	feePaid.Sub(feePaid, marketplaceFees)

	if e.bank.Balance(e.proto.FundingToken, buyer).Cmp(executionPrice) < 0 {
		return fmt.Errorf("%w: buyer %s cannot pay %s", bank.ErrTransferFailed, buyer.Hex(), executionPrice)
	}

	if err := e.bank.TransferNFT(exec.Collection, exec.TokenID, exec.Delegate, buyer); err != nil {
		return err
	}
	if err := e.bank.TransferFungible(e.proto.FundingToken, buyer, exec.Delegate, executionPrice); err != nil {
		return err
	}
	for _, fr := range first.FeeRecipients {
		if err := e.bank.TransferFungible(e.proto.FundingToken, exec.Delegate, fr.Recipient, fr.Amount); err != nil {
			return err
		}
	}
	if err := e.bank.TransferFungible(e.proto.FundingToken, exec.Delegate, e.proto.FeeReceiver, feePaid); err != nil {
		return err
	}
	for _, p := range payouts {
		if err := e.bank.TransferFungible(e.proto.FundingToken, exec.Delegate, p.to, p.amount); err != nil {
			return err
		}
	}

	// The state flip rides the delta on a copy; the cached execution only
	// changes once the batch commits.
	sold := *exec
	sold.State = ledger.StateSold
	delta := &ledger.Delta{Executions: []*ledger.Execution{&sold}}
	for _, o := range orders {
		delta.Nonces = append(delta.Nonces, ledger.NonceUse{Scope: scope, Signer: o.Signer, Nonce: o.Nonce})
	}
	if err := e.ledger.Apply(delta); err != nil {
		return err
	}

	e.log.Info("position sold",
		zap.String("executionId", exec.ExecutionID),
		zap.String("price", executionPrice.String()),
		zap.String("fee", feePaid.String()),
		zap.String("votesFor", votesFor.String()),
	)
	ev := newEvent(EventSold)
	ev.ExecutionID = exec.ExecutionID
	ev.Collection = exec.Collection
	ev.Price = executionPrice
	ev.Fee = feePaid
	ev.Recipient = buyer
	e.emit(ev)
	return nil
}

// TransferAsset moves an asset held by the position's delegate to a
// recipient once weighted consensus over current claim holders is reached.
// A batch authorizes exactly one (assetType, token, tokenId, recipient).
// Moving the position's own asset marks the position Claimed.
func (e *Engine) TransferAsset(executionID *big.Int, orders []*order.TransferOrderV1) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(orders) == 0 {
		return fmt.Errorf("%w: empty batch", ErrBatchMismatch)
	}

	exec, claims, err := e.openPosition(executionID)
	if err != nil {
		return err
	}

	domain := e.DelegateDomain(exec.Delegate)
	scope := ledger.ScopeTransfer(exec.Delegate)
	first := orders[0]

	votes := make([]consensus.Vote, 0, len(orders))
	seenNonce := make(map[common.Address]map[string]bool)
	for i, o := range orders {
		if !o.SameAction(first) {
			return fmt.Errorf("%w: order %d authorizes a different transfer", ErrBatchMismatch, i)
		}
		if err := o.Verify(domain); err != nil {
			return err
		}
		used, err := e.ledger.IsNonceUsed(scope, o.Signer, o.Nonce)
		if err != nil {
			return err
		}
		if used || seenNonce[o.Signer][o.Nonce.String()] {
			return fmt.Errorf("%w: signer %s nonce %s", ErrNonceUnusable, o.Signer.Hex(), o.Nonce)
		}
		if seenNonce[o.Signer] == nil {
			seenNonce[o.Signer] = make(map[string]bool)
		}
		seenNonce[o.Signer][o.Nonce.String()] = true
		weight := claims.BalanceOf(o.Signer)
		if weight.Sign() == 0 {
			return fmt.Errorf("%w: signer %s", ErrNoClaims, o.Signer.Hex())
		}
		votes = append(votes, consensus.Vote{Signer: o.Signer, Weight: weight})
	}

	votesFor, err := consensus.Aggregate(votes)
	if err != nil {
		return err
	}
	if !consensus.Reached(votesFor, claims.TotalSupply, e.proto.TransferBps) {
		return fmt.Errorf("%w: %s of %s at %d bps",
			consensus.ErrNotReached, votesFor, claims.TotalSupply, e.proto.TransferBps)
	}

	if err := e.bank.TransferAsset(first.AssetType, first.Token, first.TokenID,
		exec.Delegate, first.Recipient, nil); err != nil {
		return err
	}

	delta := &ledger.Delta{}
	if first.AssetType == order.AssetERC721 &&
		first.Token == exec.Collection && first.TokenID.Cmp(exec.TokenID) == 0 {
		claimed := *exec
		claimed.State = ledger.StateClaimed
		delta.Executions = append(delta.Executions, &claimed)
	}
	for _, o := range orders {
		delta.Nonces = append(delta.Nonces, ledger.NonceUse{Scope: scope, Signer: o.Signer, Nonce: o.Nonce})
	}
	if err := e.ledger.Apply(delta); err != nil {
		return err
	}

	e.log.Info("asset transferred",
		zap.String("executionId", exec.ExecutionID),
		zap.String("assetType", first.AssetType.String()),
		zap.String("token", first.Token.Hex()),
		zap.String("recipient", first.Recipient.Hex()),
	)
	ev := newEvent(EventAssetTransferred)
	ev.ExecutionID = exec.ExecutionID
	ev.Collection = first.Token
	ev.Recipient = first.Recipient
	e.emit(ev)
	return nil
}

// DistributeFunds splits the delegate's accumulated balance of one fungible
// (or native) asset among all current claim holders pro-rata, net of the
// distribution fee, routed through the configured split recipient.
//
// The caller MUST supply the complete current holder set: once distributed
// the bookkeeping is gone and an omitted holder has no further claim. The
// engine cross-checks the set against total claim supply and refuses partial
// distributions rather than silently underpaying.
func (e *Engine) DistributeFunds(executionID *big.Int, assetType order.AssetType,
	token common.Address, holders []common.Address) error {

	e.mu.Lock()
	defer e.mu.Unlock()

	if assetType != order.AssetNative && assetType != order.AssetERC20 {
		return fmt.Errorf("%w: only native or fungible funds can be distributed", bank.ErrTransferFailed)
	}

	exec, err := e.ledger.Execution(executionID)
	if err != nil {
		return err
	}
	if exec == nil {
		return fmt.Errorf("%w: execution %s", ErrNotExecuted, executionID)
	}
	claims, err := e.ledger.Claims(executionID)
	if err != nil {
		return err
	}
	if claims == nil {
		return fmt.Errorf("%w: no claims for execution %s", ErrNotExecuted, executionID)
	}

	// Completeness check: the supplied holders must account for the entire
	// claim supply, with no duplicates.
	seen := make(map[common.Address]bool, len(holders))
	covered := new(big.Int)
	for _, h := range holders {
		if seen[h] {
			return fmt.Errorf("%w: duplicate holder %s", ErrIncompleteHolderSet, h.Hex())
		}
		seen[h] = true
		covered.Add(covered, claims.BalanceOf(h))
	}
	if covered.Cmp(claims.TotalSupply) != 0 {
		return fmt.Errorf("%w: supplied holders cover %s of %s", ErrIncompleteHolderSet, covered, claims.TotalSupply)
	}

	if assetType == order.AssetNative {
		token = common.Address{}
	}
	available := e.bank.Balance(token, exec.Delegate)
	if available.Sign() == 0 {
		return fmt.Errorf("%w: nothing to distribute", bank.ErrTransferFailed)
	}

	// Route everything through the split recipient, then fan out.
	if err := e.bank.TransferFungible(token, exec.Delegate, e.proto.SplitRecipient, available); err != nil {
		return err
	}

	fee := protocolFee(available, e.proto.DistributionFeeBps)
	distributable := new(big.Int).Sub(available, fee)
	paidOut := new(big.Int)
	for _, h := range holders {
		bal := claims.BalanceOf(h)
		if bal.Sign() == 0 {
			continue
		}
		share := new(big.Int).Mul(bal, distributable)
		share.Div(share, claims.TotalSupply)
		if share.Sign() == 0 {
			continue
		}
		if err := e.bank.TransferFungible(token, e.proto.SplitRecipient, h, share); err != nil {
			return err
		}
		paidOut.Add(paidOut, share)
	}
	// Fee plus rounding dust to the fee receiver; nothing is left behind.
	feePaid := new(big.Int).Sub(available, paidOut)
	if err := e.bank.TransferFungible(token, e.proto.SplitRecipient, e.proto.FeeReceiver, feePaid); err != nil {
		return err
	}

	e.log.Info("funds distributed",
		zap.String("executionId", exec.ExecutionID),
		zap.String("token", token.Hex()),
		zap.String("amount", available.String()),
		zap.String("fee", feePaid.String()),
		zap.Int("holders", len(holders)),
	)
	ev := newEvent(EventFundsDistributed)
	ev.ExecutionID = exec.ExecutionID
	ev.Price = available
	ev.Fee = feePaid
	e.emit(ev)
	return nil
}

// Cancel marks the given nonces used without executing anything, so the
// corresponding signed orders can never settle. Idempotent: re-cancelling is
// a no-op and emits nothing.
func (e *Engine) Cancel(scope string, signer common.Address, nonces []*big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	fresh, err := e.ledger.CancelNonces(scope, signer, nonces)
	if err != nil {
		return err
	}
	if len(fresh) == 0 {
		return nil
	}

	e.log.Info("nonces cancelled",
		zap.String("signer", signer.Hex()),
		zap.String("scope", scope),
		zap.Int("count", len(fresh)),
	)
	ev := newEvent(EventNoncesCancelled)
	ev.Signer = signer
	e.emit(ev)
	return nil
}

// Owner-gated configuration setters.

func (e *Engine) SetBuyFeeBps(caller common.Address, bps int64) error {
	return e.setConfig(caller, bps, func(p *params.Protocol) { p.BuyFeeBps = bps })
}

func (e *Engine) SetSellFeeBps(caller common.Address, bps int64) error {
	return e.setConfig(caller, bps, func(p *params.Protocol) { p.SellFeeBps = bps })
}

func (e *Engine) SetDistributionFeeBps(caller common.Address, bps int64) error {
	return e.setConfig(caller, bps, func(p *params.Protocol) { p.DistributionFeeBps = bps })
}

func (e *Engine) SetSellThresholds(caller common.Address, underBps, atOrAboveBps int64) error {
	if err := e.setConfig(caller, underBps, func(p *params.Protocol) { p.SellUnderBuyPriceBps = underBps }); err != nil {
		return err
	}
	return e.setConfig(caller, atOrAboveBps, func(p *params.Protocol) { p.SellAtOrAboveBuyPriceBps = atOrAboveBps })
}

func (e *Engine) SetTransferBps(caller common.Address, bps int64) error {
	return e.setConfig(caller, bps, func(p *params.Protocol) { p.TransferBps = bps })
}

func (e *Engine) setConfig(caller common.Address, bps int64, apply func(*params.Protocol)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if caller != e.proto.Owner {
		return ErrNotOwner
	}
	if bps < 0 || bps > params.BpsDenominator {
		return fmt.Errorf("fraction out of range: %d of %d", bps, params.BpsDenominator)
	}
	apply(&e.proto)
	return nil
}

func sameFeeRecipients(a, b []order.FeeRecipient) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Recipient != b[i].Recipient || a[i].Amount.Cmp(b[i].Amount) != 0 {
			return false
		}
	}
	return true
}

func contributorsSorted(exec *ledger.Execution) []common.Address {
	out := make([]common.Address, 0, len(exec.Contributions))
	for signer := range exec.Contributions {
		out = append(out, signer)
	}
	// Deterministic payout order.
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Bytes(), out[j].Bytes()) < 0
	})
	return out
}
