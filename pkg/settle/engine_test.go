package settle

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/clowder-protocol/clowder-go/params"
	"github.com/clowder-protocol/clowder-go/pkg/bank"
	"github.com/clowder-protocol/clowder-go/pkg/consensus"
	"github.com/clowder-protocol/clowder-go/pkg/crypto"
	"github.com/clowder-protocol/clowder-go/pkg/ledger"
	"github.com/clowder-protocol/clowder-go/pkg/oracle"
	"github.com/clowder-protocol/clowder-go/pkg/order"
	"github.com/clowder-protocol/clowder-go/pkg/util"
)

var (
	testNow        = time.Unix(1_700_000_000, 0)
	testContract   = common.HexToAddress("0x1000000000000000000000000000000000000001")
	testCollection = common.HexToAddress("0x2000000000000000000000000000000000000002")
	testOwner      = common.HexToAddress("0x3000000000000000000000000000000000000003")
	testFeeRcv     = common.HexToAddress("0x4000000000000000000000000000000000000004")
	testSplit      = common.HexToAddress("0x5000000000000000000000000000000000000005")
	testFunding    = common.HexToAddress("0x6000000000000000000000000000000000000006")
	testSeller     = common.HexToAddress("0x7000000000000000000000000000000000000007")
	testBuyer      = common.HexToAddress("0x8000000000000000000000000000000000000008")
	testDelegate   = common.HexToAddress("0x9000000000000000000000000000000000000009")
)

type testEnv struct {
	engine *Engine
	ledger *ledger.Ledger
	bank   *bank.Bank
	proto  params.Protocol
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	proto := params.Default().Protocol
	proto.Owner = testOwner
	proto.FeeReceiver = testFeeRcv
	proto.SplitRecipient = testSplit
	proto.FundingToken = testFunding

	l := ledger.NewLedger(nil)
	b := bank.New()
	e := NewEngine(proto, big.NewInt(137), testContract, l, b, util.FixedClock{T: testNow}, nil)
	return &testEnv{engine: e, ledger: l, bank: b, proto: proto}
}

func (env *testEnv) buyOrder(t *testing.T, key *crypto.Signer, executionID, contribution, buyPrice, nonce int64) *order.BuyOrderV1 {
	t.Helper()
	o := &order.BuyOrderV1{
		Signer:          key.Address(),
		Collection:      testCollection,
		ExecutionID:     big.NewInt(executionID),
		Contribution:    big.NewInt(contribution),
		BuyPrice:        big.NewInt(buyPrice),
		BuyPriceEndTime: big.NewInt(testNow.Add(time.Hour).Unix()),
		BuyNonce:        big.NewInt(nonce),
		Delegate:        testDelegate,
	}
	if err := o.Sign(env.engine.BuyDomain(), key); err != nil {
		t.Fatalf("sign buy order: %v", err)
	}
	return o
}

func (env *testEnv) sellOrder(t *testing.T, key *crypto.Signer, tokenID, minNet, nonce int64) *order.SellOrderV1 {
	t.Helper()
	o := &order.SellOrderV1{
		Signer:         key.Address(),
		Collection:     testCollection,
		TokenID:        big.NewInt(tokenID),
		MinNetProceeds: big.NewInt(minNet),
		EndTime:        big.NewInt(testNow.Add(time.Hour).Unix()),
		Nonce:          big.NewInt(nonce),
		FeeRecipients: []order.FeeRecipient{
			{Amount: big.NewInt(100), Recipient: common.HexToAddress("0xa00000000000000000000000000000000000000a")},
		},
		Seaport:           common.HexToAddress("0xb00000000000000000000000000000000000000b"),
		ConduitController: common.HexToAddress("0xc00000000000000000000000000000000000000c"),
		ConduitKey:        common.HexToHash("0x01"),
		Zone:              common.HexToAddress("0xd00000000000000000000000000000000000000d"),
	}
	if err := o.Sign(env.engine.DelegateDomain(testDelegate), key); err != nil {
		t.Fatalf("sign sell order: %v", err)
	}
	return o
}

// standardBuy executes the canonical two-buyer position used across tests:
// execution 1, price 10000, buy fee 1 bps (fee 1, total 10001), buyer A
// contributes 6000, buyer B covers the remaining 4001.
func (env *testEnv) standardBuy(t *testing.T, keyA, keyB *crypto.Signer) *ledger.Execution {
	t.Helper()
	env.bank.Mint(testFunding, keyA.Address(), big.NewInt(6000))
	env.bank.Mint(testFunding, keyB.Address(), big.NewInt(5000))
	env.bank.SetNFTOwner(testCollection, big.NewInt(99), testSeller)

	orders := []*order.BuyOrderV1{
		env.buyOrder(t, keyA, 1, 6000, 20000, 0),
		env.buyOrder(t, keyB, 1, 5000, 20000, 0),
	}
	exec, err := env.engine.ExecuteBuy(orders, big.NewInt(10000), big.NewInt(99), testSeller)
	if err != nil {
		t.Fatalf("execute buy: %v", err)
	}
	return exec
}

func TestExecuteBuyHappyPath(t *testing.T) {
	env := newTestEnv(t)
	keyA, _ := crypto.GenerateKey()
	keyB, _ := crypto.GenerateKey()

	exec := env.standardBuy(t, keyA, keyB)

	if exec.State != ledger.StateExecuted {
		t.Fatalf("state = %v, want Executed", exec.State)
	}
	if exec.TotalContributed.Cmp(big.NewInt(10001)) != 0 {
		t.Fatalf("total contributed = %s, want 10001 (price + 1 bps fee)", exec.TotalContributed)
	}
	if got := exec.Contributions[keyA.Address()]; got.Cmp(big.NewInt(6000)) != 0 {
		t.Fatalf("contribution A = %s, want 6000", got)
	}
	// B declared 5000 but only the shortfall is taken.
	if got := exec.Contributions[keyB.Address()]; got.Cmp(big.NewInt(4001)) != 0 {
		t.Fatalf("contribution B = %s, want 4001", got)
	}
	if err := exec.Validate(); err != nil {
		t.Fatalf("execution validate: %v", err)
	}

	// Funds: seller paid the price, fee receiver the fee, B keeps leftover.
	if got := env.bank.Balance(testFunding, testSeller); got.Cmp(big.NewInt(10000)) != 0 {
		t.Fatalf("seller balance = %s, want 10000", got)
	}
	if got := env.bank.Balance(testFunding, testFeeRcv); got.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("fee receiver balance = %s, want 1", got)
	}
	if got := env.bank.Balance(testFunding, keyB.Address()); got.Cmp(big.NewInt(999)) != 0 {
		t.Fatalf("buyer B leftover = %s, want 999", got)
	}
	owner, _ := env.bank.NFTOwner(testCollection, big.NewInt(99))
	if owner != testDelegate {
		t.Fatalf("nft owner = %v, want delegate", owner)
	}

	// Claims minted 1:1 with real contributions.
	claims, err := env.ledger.Claims(big.NewInt(1))
	if err != nil || claims == nil {
		t.Fatalf("claims: %v %v", claims, err)
	}
	if claims.TotalSupply.Cmp(exec.TotalContributed) != 0 {
		t.Fatalf("claim supply = %s, want %s", claims.TotalSupply, exec.TotalContributed)
	}
	if err := claims.Validate(); err != nil {
		t.Fatalf("claims validate: %v", err)
	}

	// Buy nonces consumed.
	used, _ := env.ledger.IsNonceUsed(ledger.ScopeBuy, keyA.Address(), big.NewInt(0))
	if !used {
		t.Fatal("buy nonce not consumed")
	}
}

func TestExecuteBuyRejectsReplay(t *testing.T) {
	env := newTestEnv(t)
	keyA, _ := crypto.GenerateKey()
	keyB, _ := crypto.GenerateKey()
	env.standardBuy(t, keyA, keyB)

	// Same position again.
	orders := []*order.BuyOrderV1{env.buyOrder(t, keyA, 1, 6000, 20000, 1)}
	if _, err := env.engine.ExecuteBuy(orders, big.NewInt(100), big.NewInt(99), testSeller); !errors.Is(err, ErrAlreadyExecuted) {
		t.Fatalf("expected ErrAlreadyExecuted, got %v", err)
	}

	// Same nonce on a new position.
	env.bank.Mint(testFunding, keyA.Address(), big.NewInt(10000))
	env.bank.SetNFTOwner(testCollection, big.NewInt(100), testSeller)
	replay := []*order.BuyOrderV1{env.buyOrder(t, keyA, 2, 6000, 20000, 0)}
	if _, err := env.engine.ExecuteBuy(replay, big.NewInt(1000), big.NewInt(100), testSeller); !errors.Is(err, ErrNonceUnusable) {
		t.Fatalf("expected ErrNonceUnusable, got %v", err)
	}
}

func TestExecuteBuyDuplicateNonceInBatch(t *testing.T) {
	env := newTestEnv(t)
	keyA, _ := crypto.GenerateKey()
	env.bank.Mint(testFunding, keyA.Address(), big.NewInt(20000))
	env.bank.SetNFTOwner(testCollection, big.NewInt(99), testSeller)

	orders := []*order.BuyOrderV1{
		env.buyOrder(t, keyA, 1, 6000, 20000, 0),
		env.buyOrder(t, keyA, 1, 6000, 20000, 0),
	}
	if _, err := env.engine.ExecuteBuy(orders, big.NewInt(10000), big.NewInt(99), testSeller); !errors.Is(err, ErrNonceUnusable) {
		t.Fatalf("expected ErrNonceUnusable, got %v", err)
	}
}

func TestExecuteBuyPriceCeiling(t *testing.T) {
	env := newTestEnv(t)
	key, _ := crypto.GenerateKey()

	eth := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	ceiling := new(big.Int).Mul(big.NewInt(40), eth)
	env.bank.Mint(testFunding, key.Address(), new(big.Int).Mul(big.NewInt(41), eth))
	env.bank.SetNFTOwner(testCollection, big.NewInt(99), testSeller)

	o := &order.BuyOrderV1{
		Signer:          key.Address(),
		Collection:      testCollection,
		ExecutionID:     big.NewInt(1),
		Contribution:    new(big.Int).Mul(big.NewInt(41), eth),
		BuyPrice:        ceiling,
		BuyPriceEndTime: big.NewInt(testNow.Add(time.Hour).Unix()),
		BuyNonce:        big.NewInt(0),
		Delegate:        testDelegate,
	}
	if err := o.Sign(env.engine.BuyDomain(), key); err != nil {
		t.Fatalf("sign: %v", err)
	}

	// Executing at the ceiling itself must fail: the 1 bps fee pushes the
	// grossed-up total over the signer's limit.
	if _, err := env.engine.ExecuteBuy([]*order.BuyOrderV1{o}, ceiling, big.NewInt(99), testSeller); !errors.Is(err, ErrOrderCannotAcceptPrice) {
		t.Fatalf("expected ErrOrderCannotAcceptPrice, got %v", err)
	}

	// The helper gives the largest acceptable execution price.
	maxPrice := BuyExecutionPriceFromCeiling(ceiling, env.proto.BuyFeeBps)
	if grossPrice(maxPrice, env.proto.BuyFeeBps).Cmp(ceiling) > 0 {
		t.Fatalf("helper price %s grosses over ceiling", maxPrice)
	}
	if _, err := env.engine.ExecuteBuy([]*order.BuyOrderV1{o}, maxPrice, big.NewInt(99), testSeller); err != nil {
		t.Fatalf("execute at helper price: %v", err)
	}
}

func TestExecuteBuyUnownedAssetMovesNoFunds(t *testing.T) {
	env := newTestEnv(t)
	keyA, _ := crypto.GenerateKey()
	keyB, _ := crypto.GenerateKey()
	env.bank.Mint(testFunding, keyA.Address(), big.NewInt(6000))
	env.bank.Mint(testFunding, keyB.Address(), big.NewInt(5000))
	// Nobody seeded the NFT: the seller has nothing to deliver.

	orders := []*order.BuyOrderV1{
		env.buyOrder(t, keyA, 1, 6000, 20000, 0),
		env.buyOrder(t, keyB, 1, 5000, 20000, 0),
	}
	_, err := env.engine.ExecuteBuy(orders, big.NewInt(10000), big.NewInt(99), testSeller)
	if !errors.Is(err, bank.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}

	// Nothing moved: contributions, fee and seller payment all stayed put.
	if got := env.bank.Balance(testFunding, keyA.Address()); got.Cmp(big.NewInt(6000)) != 0 {
		t.Fatalf("buyer A balance = %s, want 6000", got)
	}
	if got := env.bank.Balance(testFunding, keyB.Address()); got.Cmp(big.NewInt(5000)) != 0 {
		t.Fatalf("buyer B balance = %s, want 5000", got)
	}
	if got := env.bank.Balance(testFunding, testSeller); got.Sign() != 0 {
		t.Fatalf("seller was paid %s on a failed settlement", got)
	}
	if got := env.bank.Balance(testFunding, testFeeRcv); got.Sign() != 0 {
		t.Fatalf("fee receiver got %s on a failed settlement", got)
	}
	used, _ := env.ledger.IsNonceUsed(ledger.ScopeBuy, keyA.Address(), big.NewInt(0))
	if used {
		t.Fatal("nonce consumed by failed settlement")
	}
	if exec, _ := env.ledger.Execution(big.NewInt(1)); exec != nil {
		t.Fatal("failed settlement created a position")
	}

	// The same batch settles once the seller actually holds the asset.
	env.bank.SetNFTOwner(testCollection, big.NewInt(99), testSeller)
	if _, err := env.engine.ExecuteBuy(orders, big.NewInt(10000), big.NewInt(99), testSeller); err != nil {
		t.Fatalf("retry after seeding owner: %v", err)
	}
}

func TestExecuteBuyExpired(t *testing.T) {
	env := newTestEnv(t)
	key, _ := crypto.GenerateKey()
	env.bank.Mint(testFunding, key.Address(), big.NewInt(20000))

	o := env.buyOrder(t, key, 1, 6000, 20000, 0)
	o.BuyPriceEndTime = big.NewInt(testNow.Add(-time.Second).Unix())
	if err := o.Sign(env.engine.BuyDomain(), key); err != nil {
		t.Fatalf("re-sign: %v", err)
	}
	if _, err := env.engine.ExecuteBuy([]*order.BuyOrderV1{o}, big.NewInt(1000), big.NewInt(99), testSeller); !errors.Is(err, ErrOrderExpired) {
		t.Fatalf("expected ErrOrderExpired, got %v", err)
	}
}

func TestExecuteBuyInsufficientContributions(t *testing.T) {
	env := newTestEnv(t)
	key, _ := crypto.GenerateKey()
	env.bank.Mint(testFunding, key.Address(), big.NewInt(20000))

	orders := []*order.BuyOrderV1{env.buyOrder(t, key, 1, 6000, 20000, 0)}
	if _, err := env.engine.ExecuteBuy(orders, big.NewInt(10000), big.NewInt(99), testSeller); !errors.Is(err, ErrInsufficientContributions) {
		t.Fatalf("expected ErrInsufficientContributions, got %v", err)
	}

	// Nothing moved and the nonce survives for a viable batch later.
	if got := env.bank.Balance(testFunding, key.Address()); got.Cmp(big.NewInt(20000)) != 0 {
		t.Fatalf("buyer balance changed on failed settlement: %s", got)
	}
	used, _ := env.ledger.IsNonceUsed(ledger.ScopeBuy, key.Address(), big.NewInt(0))
	if used {
		t.Fatal("nonce consumed by failed settlement")
	}
}

func TestExecuteBuyBatchMismatch(t *testing.T) {
	env := newTestEnv(t)
	keyA, _ := crypto.GenerateKey()
	keyB, _ := crypto.GenerateKey()

	a := env.buyOrder(t, keyA, 1, 6000, 20000, 0)
	b := env.buyOrder(t, keyB, 2, 6000, 20000, 0)
	if _, err := env.engine.ExecuteBuy([]*order.BuyOrderV1{a, b}, big.NewInt(10000), big.NewInt(99), testSeller); !errors.Is(err, ErrBatchMismatch) {
		t.Fatalf("expected ErrBatchMismatch, got %v", err)
	}
}

func TestExecuteSellConsensusAndPayouts(t *testing.T) {
	env := newTestEnv(t)
	keyA, _ := crypto.GenerateKey()
	keyB, _ := crypto.GenerateKey()
	env.standardBuy(t, keyA, keyB)
	env.bank.Mint(testFunding, testBuyer, big.NewInt(20000))

	// A alone holds 6000 of 10001: short of the 7500 bps needed at or
	// above the original buy price.
	only := []*order.SellOrderV1{env.sellOrder(t, keyA, 99, 1000, 0)}
	err := env.engine.ExecuteSell(big.NewInt(1), only, big.NewInt(20000), testBuyer, nil)
	if !errors.Is(err, consensus.ErrNotReached) {
		t.Fatalf("expected ErrNotReached, got %v", err)
	}

	// Both holders together clear it.
	both := []*order.SellOrderV1{
		env.sellOrder(t, keyA, 99, 1000, 1),
		env.sellOrder(t, keyB, 99, 1000, 0),
	}
	if err := env.engine.ExecuteSell(big.NewInt(1), both, big.NewInt(20000), testBuyer, nil); err != nil {
		t.Fatalf("execute sell: %v", err)
	}

	exec, _ := env.ledger.Execution(big.NewInt(1))
	if exec.State != ledger.StateSold {
		t.Fatalf("state = %v, want Sold", exec.State)
	}
	owner, _ := env.bank.NFTOwner(testCollection, big.NewInt(99))
	if owner != testBuyer {
		t.Fatalf("nft owner = %v, want buyer", owner)
	}

	// Exact accounting: price 20000, marketplace fee 100, protocol fee
	// 10 bps of 20000 = 20, distributable 19880.
	// A: floor(6000*19880/10001) = 11926, B: floor(4001*19880/10001) = 7953.
	// Fee receiver absorbs the 21 = 20000 - 100 - 11926 - 7953.
	payoutA := env.bank.Balance(testFunding, keyA.Address())
	payoutB := env.bank.Balance(testFunding, keyB.Address())
	if payoutA.Cmp(big.NewInt(11926)) != 0 {
		t.Fatalf("payout A = %s, want 11926", payoutA)
	}
	// B still holds the 999 leftover from the buy.
	if payoutB.Cmp(big.NewInt(999+7953)) != 0 {
		t.Fatalf("payout B = %s, want %d", payoutB, 999+7953)
	}
	mktFee := env.bank.Balance(testFunding, common.HexToAddress("0xa00000000000000000000000000000000000000a"))
	if mktFee.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("marketplace fee = %s, want 100", mktFee)
	}
	// 1 from the buy + 21 from the sale.
	if got := env.bank.Balance(testFunding, testFeeRcv); got.Cmp(big.NewInt(22)) != 0 {
		t.Fatalf("fee receiver = %s, want 22", got)
	}
	// Conservation: the delegate keeps nothing.
	if got := env.bank.Balance(testFunding, testDelegate); got.Sign() != 0 {
		t.Fatalf("delegate retained %s", got)
	}

	// Terminal: no second sale.
	again := []*order.SellOrderV1{env.sellOrder(t, keyA, 99, 1000, 2)}
	if err := env.engine.ExecuteSell(big.NewInt(1), again, big.NewInt(20000), testBuyer, nil); !errors.Is(err, ErrAlreadySold) {
		t.Fatalf("expected ErrAlreadySold, got %v", err)
	}
}

func TestExecuteSellUnderBuyPriceLowerThreshold(t *testing.T) {
	env := newTestEnv(t)
	keyA, _ := crypto.GenerateKey()
	keyB, _ := crypto.GenerateKey()
	env.standardBuy(t, keyA, keyB)
	env.bank.Mint(testFunding, testBuyer, big.NewInt(20000))

	// Below the original buy price of 10000 only 5000 bps is needed, and A
	// alone holds ~60%.
	only := []*order.SellOrderV1{env.sellOrder(t, keyA, 99, 100, 0)}
	if err := env.engine.ExecuteSell(big.NewInt(1), only, big.NewInt(9999), testBuyer, nil); err != nil {
		t.Fatalf("under-price sell with majority: %v", err)
	}
}

func TestExecuteSellBelowMinProceeds(t *testing.T) {
	env := newTestEnv(t)
	keyA, _ := crypto.GenerateKey()
	keyB, _ := crypto.GenerateKey()
	env.standardBuy(t, keyA, keyB)
	env.bank.Mint(testFunding, testBuyer, big.NewInt(20000))

	// Net = 20000 - 100 - 20 = 19880 < the 19881 floor A signed for.
	orders := []*order.SellOrderV1{
		env.sellOrder(t, keyA, 99, 19881, 0),
		env.sellOrder(t, keyB, 99, 1000, 0),
	}
	if err := env.engine.ExecuteSell(big.NewInt(1), orders, big.NewInt(20000), testBuyer, nil); !errors.Is(err, ErrBelowMinProceeds) {
		t.Fatalf("expected ErrBelowMinProceeds, got %v", err)
	}
}

func TestExecuteSellDuplicateVoter(t *testing.T) {
	env := newTestEnv(t)
	keyA, _ := crypto.GenerateKey()
	keyB, _ := crypto.GenerateKey()
	env.standardBuy(t, keyA, keyB)
	env.bank.Mint(testFunding, testBuyer, big.NewInt(20000))

	orders := []*order.SellOrderV1{
		env.sellOrder(t, keyA, 99, 1000, 0),
		env.sellOrder(t, keyA, 99, 1000, 1),
	}
	if err := env.engine.ExecuteSell(big.NewInt(1), orders, big.NewInt(20000), testBuyer, nil); !errors.Is(err, consensus.ErrDuplicateVoter) {
		t.Fatalf("expected ErrDuplicateVoter, got %v", err)
	}
}

func TestExecuteSellRejectsNonHolder(t *testing.T) {
	env := newTestEnv(t)
	keyA, _ := crypto.GenerateKey()
	keyB, _ := crypto.GenerateKey()
	stranger, _ := crypto.GenerateKey()
	env.standardBuy(t, keyA, keyB)
	env.bank.Mint(testFunding, testBuyer, big.NewInt(20000))

	orders := []*order.SellOrderV1{
		env.sellOrder(t, keyA, 99, 1000, 0),
		env.sellOrder(t, stranger, 99, 1000, 0),
	}
	if err := env.engine.ExecuteSell(big.NewInt(1), orders, big.NewInt(20000), testBuyer, nil); !errors.Is(err, ErrNoClaims) {
		t.Fatalf("expected ErrNoClaims, got %v", err)
	}

	recipient := common.HexToAddress("0xe00000000000000000000000000000000000000e")
	transfers := []*order.TransferOrderV1{
		env.transferOrder(t, stranger, order.AssetERC721, testCollection, 99, recipient, 0),
	}
	if err := env.engine.TransferAsset(big.NewInt(1), transfers); !errors.Is(err, ErrNoClaims) {
		t.Fatalf("expected ErrNoClaims for transfer, got %v", err)
	}
}

func TestExecuteSellCommitsStateThroughLedger(t *testing.T) {
	env := newTestEnv(t)
	keyA, _ := crypto.GenerateKey()
	keyB, _ := crypto.GenerateKey()
	snapshot := env.standardBuy(t, keyA, keyB)
	env.bank.Mint(testFunding, testBuyer, big.NewInt(20000))

	orders := []*order.SellOrderV1{
		env.sellOrder(t, keyA, 99, 1000, 0),
		env.sellOrder(t, keyB, 99, 1000, 0),
	}
	if err := env.engine.ExecuteSell(big.NewInt(1), orders, big.NewInt(20000), testBuyer, nil); err != nil {
		t.Fatalf("execute sell: %v", err)
	}

	// The state flip lands on the committed record, never by mutating
	// records handed out before the commit.
	exec, _ := env.ledger.Execution(big.NewInt(1))
	if exec.State != ledger.StateSold {
		t.Fatalf("ledger state = %v, want Sold", exec.State)
	}
	if snapshot.State != ledger.StateExecuted {
		t.Fatalf("pre-sale snapshot mutated to %v", snapshot.State)
	}
}

func TestExecuteSellUnderFairPrice(t *testing.T) {
	env := newTestEnv(t)
	keyA, _ := crypto.GenerateKey()
	keyB, _ := crypto.GenerateKey()
	env.standardBuy(t, keyA, keyB)
	env.bank.Mint(testFunding, testBuyer, big.NewInt(20000))

	// Oracle attests a 15000 floor. Selling at 9999 is under it, so the
	// stricter threshold applies even though 9999 is also under the buy
	// price. A's ~60% majority is no longer enough.
	floor := &oracle.FloorAsk{
		Price: 0.000000000000015,
		Message: oracle.Message{
			ID:        "0x01",
			Payload:   hexutil.Encode(common.BigToHash(big.NewInt(15000)).Bytes()),
			Timestamp: testNow.Unix(),
		},
	}

	only := []*order.SellOrderV1{env.sellOrder(t, keyA, 99, 100, 0)}
	err := env.engine.ExecuteSell(big.NewInt(1), only, big.NewInt(9999), testBuyer, floor)
	if !errors.Is(err, consensus.ErrUnderFairPrice) {
		t.Fatalf("expected ErrUnderFairPrice, got %v", err)
	}

	// Full weight clears the stricter threshold.
	both := []*order.SellOrderV1{
		env.sellOrder(t, keyA, 99, 100, 1),
		env.sellOrder(t, keyB, 99, 100, 0),
	}
	if err := env.engine.ExecuteSell(big.NewInt(1), both, big.NewInt(9999), testBuyer, floor); err != nil {
		t.Fatalf("full-weight under-floor sell: %v", err)
	}
}

func (env *testEnv) transferOrder(t *testing.T, key *crypto.Signer, at order.AssetType,
	token common.Address, tokenID int64, recipient common.Address, nonce int64) *order.TransferOrderV1 {
	t.Helper()
	o := &order.TransferOrderV1{
		Signer:    key.Address(),
		AssetType: at,
		Token:     token,
		TokenID:   big.NewInt(tokenID),
		Recipient: recipient,
		Nonce:     big.NewInt(nonce),
	}
	if err := o.Sign(env.engine.DelegateDomain(testDelegate), key); err != nil {
		t.Fatalf("sign transfer order: %v", err)
	}
	return o
}

func TestTransferAssetClaimsPosition(t *testing.T) {
	env := newTestEnv(t)
	keyA, _ := crypto.GenerateKey()
	keyB, _ := crypto.GenerateKey()
	env.standardBuy(t, keyA, keyB)

	recipient := common.HexToAddress("0xe00000000000000000000000000000000000000e")

	// A alone holds ~60%, enough for the 5000 bps transfer threshold.
	orders := []*order.TransferOrderV1{
		env.transferOrder(t, keyA, order.AssetERC721, testCollection, 99, recipient, 0),
	}
	if err := env.engine.TransferAsset(big.NewInt(1), orders); err != nil {
		t.Fatalf("transfer asset: %v", err)
	}

	owner, _ := env.bank.NFTOwner(testCollection, big.NewInt(99))
	if owner != recipient {
		t.Fatalf("nft owner = %v, want recipient", owner)
	}
	// Moving the position's own asset ends the position.
	exec, _ := env.ledger.Execution(big.NewInt(1))
	if exec.State != ledger.StateClaimed {
		t.Fatalf("state = %v, want Claimed", exec.State)
	}

	// Terminal.
	again := []*order.TransferOrderV1{
		env.transferOrder(t, keyA, order.AssetERC721, testCollection, 99, recipient, 1),
	}
	if err := env.engine.TransferAsset(big.NewInt(1), again); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("expected ErrAlreadyClaimed, got %v", err)
	}
}

func TestTransferAssetSideBalanceKeepsPositionOpen(t *testing.T) {
	env := newTestEnv(t)
	keyA, _ := crypto.GenerateKey()
	keyB, _ := crypto.GenerateKey()
	env.standardBuy(t, keyA, keyB)

	// An airdropped fungible lands on the delegate; moving it out does not
	// end the position.
	airdrop := common.HexToAddress("0xf00000000000000000000000000000000000000f")
	env.bank.Mint(airdrop, testDelegate, big.NewInt(777))
	recipient := common.HexToAddress("0xe00000000000000000000000000000000000000e")

	orders := []*order.TransferOrderV1{
		env.transferOrder(t, keyA, order.AssetERC20, airdrop, 0, recipient, 0),
	}
	if err := env.engine.TransferAsset(big.NewInt(1), orders); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got := env.bank.Balance(airdrop, recipient); got.Cmp(big.NewInt(777)) != 0 {
		t.Fatalf("recipient airdrop balance = %s, want 777", got)
	}
	exec, _ := env.ledger.Execution(big.NewInt(1))
	if exec.State != ledger.StateExecuted {
		t.Fatalf("state = %v, want still Executed", exec.State)
	}
}

func TestTransferAssetBatchMustAgree(t *testing.T) {
	env := newTestEnv(t)
	keyA, _ := crypto.GenerateKey()
	keyB, _ := crypto.GenerateKey()
	env.standardBuy(t, keyA, keyB)

	r1 := common.HexToAddress("0xe00000000000000000000000000000000000000e")
	r2 := common.HexToAddress("0xe11111111111111111111111111111111111111e")
	orders := []*order.TransferOrderV1{
		env.transferOrder(t, keyA, order.AssetERC721, testCollection, 99, r1, 0),
		env.transferOrder(t, keyB, order.AssetERC721, testCollection, 99, r2, 0),
	}
	if err := env.engine.TransferAsset(big.NewInt(1), orders); !errors.Is(err, ErrBatchMismatch) {
		t.Fatalf("expected ErrBatchMismatch, got %v", err)
	}
}

func TestTransferAssetLowWeightFails(t *testing.T) {
	env := newTestEnv(t)
	keyA, _ := crypto.GenerateKey()
	keyB, _ := crypto.GenerateKey()
	env.standardBuy(t, keyA, keyB)

	recipient := common.HexToAddress("0xe00000000000000000000000000000000000000e")
	// B holds 4001 of 10001: about 40%, under the 5000 bps threshold.
	orders := []*order.TransferOrderV1{
		env.transferOrder(t, keyB, order.AssetERC721, testCollection, 99, recipient, 0),
	}
	if err := env.engine.TransferAsset(big.NewInt(1), orders); !errors.Is(err, consensus.ErrNotReached) {
		t.Fatalf("expected ErrNotReached, got %v", err)
	}
}

func TestDistributeFunds(t *testing.T) {
	env := newTestEnv(t)
	keyA, _ := crypto.GenerateKey()
	keyB, _ := crypto.GenerateKey()
	env.standardBuy(t, keyA, keyB)

	// Royalties accumulated on the delegate.
	env.bank.Mint(testFunding, testDelegate, big.NewInt(1000))

	// Incomplete holder set is refused outright.
	err := env.engine.DistributeFunds(big.NewInt(1), order.AssetERC20, testFunding,
		[]common.Address{keyA.Address()})
	if !errors.Is(err, ErrIncompleteHolderSet) {
		t.Fatalf("expected ErrIncompleteHolderSet, got %v", err)
	}

	holders := []common.Address{keyA.Address(), keyB.Address()}
	if err := env.engine.DistributeFunds(big.NewInt(1), order.AssetERC20, testFunding, holders); err != nil {
		t.Fatalf("distribute: %v", err)
	}

	// 1000 in, fee 10 bps = 1, distributable 999.
	// A: floor(6000*999/10001) = 599, B: floor(4001*999/10001) = 399.
	// Fee receiver takes 2 (fee + rounding dust); the buy fee of 1 is
	// already there.
	if got := env.bank.Balance(testFunding, keyA.Address()); got.Cmp(big.NewInt(599)) != 0 {
		t.Fatalf("holder A share = %s, want 599", got)
	}
	if got := env.bank.Balance(testFunding, keyB.Address()); got.Cmp(big.NewInt(999+399)) != 0 {
		t.Fatalf("holder B share = %s, want %d", got, 999+399)
	}
	if got := env.bank.Balance(testFunding, testFeeRcv); got.Cmp(big.NewInt(3)) != 0 {
		t.Fatalf("fee receiver = %s, want 3", got)
	}
	if got := env.bank.Balance(testFunding, testSplit); got.Sign() != 0 {
		t.Fatalf("split recipient retained %s", got)
	}
	if got := env.bank.Balance(testFunding, testDelegate); got.Sign() != 0 {
		t.Fatalf("delegate retained %s", got)
	}
}

func TestDistributeRejectsDuplicateHolder(t *testing.T) {
	env := newTestEnv(t)
	keyA, _ := crypto.GenerateKey()
	keyB, _ := crypto.GenerateKey()
	env.standardBuy(t, keyA, keyB)
	env.bank.Mint(testFunding, testDelegate, big.NewInt(1000))

	holders := []common.Address{keyA.Address(), keyA.Address(), keyB.Address()}
	if err := env.engine.DistributeFunds(big.NewInt(1), order.AssetERC20, testFunding, holders); !errors.Is(err, ErrIncompleteHolderSet) {
		t.Fatalf("expected ErrIncompleteHolderSet on duplicate, got %v", err)
	}
}

func TestCancelNonces(t *testing.T) {
	env := newTestEnv(t)
	key, _ := crypto.GenerateKey()

	var events []Event
	env.engine.Subscribe(func(ev Event) { events = append(events, ev) })

	if err := env.engine.Cancel(ledger.ScopeBuy, key.Address(), []*big.Int{big.NewInt(0)}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(events) != 1 || events[0].Type != EventNoncesCancelled {
		t.Fatalf("events = %+v, want one nonces_cancelled", events)
	}

	// Idempotent re-cancel emits nothing.
	if err := env.engine.Cancel(ledger.ScopeBuy, key.Address(), []*big.Int{big.NewInt(0)}); err != nil {
		t.Fatalf("re-cancel: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("re-cancel emitted an event")
	}

	// The cancelled nonce is unusable in a buy.
	env.bank.Mint(testFunding, key.Address(), big.NewInt(20000))
	orders := []*order.BuyOrderV1{env.buyOrder(t, key, 1, 10002, 20000, 0)}
	if _, err := env.engine.ExecuteBuy(orders, big.NewInt(10000), big.NewInt(99), testSeller); !errors.Is(err, ErrNonceUnusable) {
		t.Fatalf("expected ErrNonceUnusable after cancel, got %v", err)
	}
}

func TestOwnerSetters(t *testing.T) {
	env := newTestEnv(t)
	intruder := common.HexToAddress("0xbad0000000000000000000000000000000000bad")

	if err := env.engine.SetBuyFeeBps(intruder, 5); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if err := env.engine.SetBuyFeeBps(testOwner, 5); err != nil {
		t.Fatalf("owner set: %v", err)
	}
	if got := env.engine.Protocol().BuyFeeBps; got != 5 {
		t.Fatalf("buy fee = %d, want 5", got)
	}
	if err := env.engine.SetSellFeeBps(testOwner, params.BpsDenominator+1); err == nil {
		t.Fatal("out-of-range fee accepted")
	}
	if err := env.engine.SetSellThresholds(testOwner, 4000, 8000); err != nil {
		t.Fatalf("set thresholds: %v", err)
	}
	p := env.engine.Protocol()
	if p.SellUnderBuyPriceBps != 4000 || p.SellAtOrAboveBuyPriceBps != 8000 {
		t.Fatalf("thresholds = %d/%d, want 4000/8000", p.SellUnderBuyPriceBps, p.SellAtOrAboveBuyPriceBps)
	}
}

func TestBuyEventEmitted(t *testing.T) {
	env := newTestEnv(t)
	keyA, _ := crypto.GenerateKey()
	keyB, _ := crypto.GenerateKey()

	var events []Event
	env.engine.Subscribe(func(ev Event) { events = append(events, ev) })

	env.standardBuy(t, keyA, keyB)

	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	ev := events[0]
	if ev.Type != EventBuyExecuted || ev.ExecutionID != "1" || ev.ID == "" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.Price.Cmp(big.NewInt(10000)) != 0 || ev.Fee.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("event price/fee = %s/%s", ev.Price, ev.Fee)
	}
}
