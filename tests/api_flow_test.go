package tests

import (
	"bytes"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/clowder-protocol/clowder-go/params"
	"github.com/clowder-protocol/clowder-go/pkg/api"
	"github.com/clowder-protocol/clowder-go/pkg/bank"
	"github.com/clowder-protocol/clowder-go/pkg/crypto"
	"github.com/clowder-protocol/clowder-go/pkg/ledger"
	"github.com/clowder-protocol/clowder-go/pkg/order"
	"github.com/clowder-protocol/clowder-go/pkg/pool"
	"github.com/clowder-protocol/clowder-go/pkg/settle"
	"github.com/clowder-protocol/clowder-go/pkg/util"
)

func newAPIServer(t *testing.T) (*httptest.Server, *settle.Engine, *bank.Bank) {
	t.Helper()
	proto := params.Default().Protocol
	proto.Owner = common.HexToAddress("0x3000000000000000000000000000000000000003")
	proto.FeeReceiver = common.HexToAddress("0x4000000000000000000000000000000000000004")
	proto.SplitRecipient = common.HexToAddress("0x5000000000000000000000000000000000000005")
	proto.FundingToken = flowFunding

	l := ledger.NewLedger(nil)
	b := bank.New()
	engine := settle.NewEngine(proto, big.NewInt(137), flowContract, l, b, util.FixedClock{T: flowNow}, nil)
	server := api.NewServer(engine, pool.New(engine, l), l, nil, nil)

	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return srv, engine, b
}

func postJSON(t *testing.T, url string, body []byte) (*http.Response, []byte) {
	t.Helper()
	res, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer res.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(res.Body)
	return res, buf.Bytes()
}

func TestAPIBuyFlow(t *testing.T) {
	srv, engine, b := newAPIServer(t)
	key, _ := crypto.GenerateKey()

	b.Mint(flowFunding, key.Address(), big.NewInt(20000))
	b.SetNFTOwner(flowCollection, big.NewInt(42), flowSeller)

	o := &order.BuyOrderV1{
		Signer:          key.Address(),
		Collection:      flowCollection,
		ExecutionID:     big.NewInt(1),
		Contribution:    big.NewInt(10001),
		BuyPrice:        big.NewInt(20000),
		BuyPriceEndTime: big.NewInt(flowNow.Add(time.Hour).Unix()),
		BuyNonce:        big.NewInt(0),
		Delegate:        common.HexToAddress("0x9000000000000000000000000000000000000009"),
	}
	if err := o.Sign(engine.BuyDomain(), key); err != nil {
		t.Fatalf("sign: %v", err)
	}
	raw, _ := json.Marshal(o)

	res, body := postJSON(t, srv.URL+"/api/v1/orders/buy", raw)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit buy: %d %s", res.StatusCode, body)
	}

	// Duplicate submission is refused.
	res, _ = postJSON(t, srv.URL+"/api/v1/orders/buy", raw)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate submit status = %d, want 409", res.StatusCode)
	}

	// Schema violations are refused.
	res, _ = postJSON(t, srv.URL+"/api/v1/orders/buy", []byte(`{"signer":"0x00"}`))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed submit status = %d, want 400", res.StatusCode)
	}

	// Trigger settlement.
	req, _ := json.Marshal(api.ExecuteBuyRequest{
		ExecutionPrice: "10000",
		TokenID:        "42",
		Seller:         flowSeller.Hex(),
	})
	res, body = postJSON(t, srv.URL+"/api/v1/executions/1/buy", req)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("execute buy: %d %s", res.StatusCode, body)
	}

	// Read the position back.
	getRes, err := http.Get(srv.URL + "/api/v1/executions/1")
	if err != nil {
		t.Fatalf("GET execution: %v", err)
	}
	defer getRes.Body.Close()
	var info api.ExecutionInfo
	if err := json.NewDecoder(getRes.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.State != "executed" || info.BuyPrice != "10000" {
		t.Fatalf("execution info = %+v", info)
	}
	if info.Contributions[key.Address().Hex()] != "10001" {
		t.Fatalf("contribution = %s, want 10001", info.Contributions[key.Address().Hex()])
	}

	// Re-settling the same position conflicts.
	res, _ = postJSON(t, srv.URL+"/api/v1/executions/1/buy", req)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("re-execute status = %d, want 409", res.StatusCode)
	}
}

func TestAPIFailedSettlementKeepsPool(t *testing.T) {
	srv, engine, b := newAPIServer(t)
	key, _ := crypto.GenerateKey()
	b.Mint(flowFunding, key.Address(), big.NewInt(20000))
	// The seller does not hold the NFT yet: settlement must fail without
	// touching the pooled order.

	o := &order.BuyOrderV1{
		Signer:          key.Address(),
		Collection:      flowCollection,
		ExecutionID:     big.NewInt(5),
		Contribution:    big.NewInt(10001),
		BuyPrice:        big.NewInt(20000),
		BuyPriceEndTime: big.NewInt(flowNow.Add(time.Hour).Unix()),
		BuyNonce:        big.NewInt(0),
		Delegate:        common.HexToAddress("0x9000000000000000000000000000000000000009"),
	}
	if err := o.Sign(engine.BuyDomain(), key); err != nil {
		t.Fatalf("sign: %v", err)
	}
	raw, _ := json.Marshal(o)
	res, body := postJSON(t, srv.URL+"/api/v1/orders/buy", raw)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit buy: %d %s", res.StatusCode, body)
	}

	req, _ := json.Marshal(api.ExecuteBuyRequest{
		ExecutionPrice: "10000",
		TokenID:        "42",
		Seller:         flowSeller.Hex(),
	})
	res, _ = postJSON(t, srv.URL+"/api/v1/executions/5/buy", req)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("execute without asset = %d, want 422", res.StatusCode)
	}

	// The order survived the failure: the same trigger succeeds once the
	// seller owns the asset.
	b.SetNFTOwner(flowCollection, big.NewInt(42), flowSeller)
	res, body = postJSON(t, srv.URL+"/api/v1/executions/5/buy", req)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("retry execute: %d %s", res.StatusCode, body)
	}
}

func TestAPICancelNonces(t *testing.T) {
	srv, _, _ := newAPIServer(t)
	key, _ := crypto.GenerateKey()

	req, _ := json.Marshal(api.CancelNoncesRequest{
		Scope:  ledger.ScopeBuy,
		Signer: key.Address().Hex(),
		Nonces: []string{"0", "1"},
	})
	res, body := postJSON(t, srv.URL+"/api/v1/nonces/cancel", req)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cancel: %d %s", res.StatusCode, body)
	}

	// Health check while we're here.
	hres, err := http.Get(srv.URL + "/health")
	if err != nil || hres.StatusCode != http.StatusOK {
		t.Fatalf("health: %v %v", hres, err)
	}
	hres.Body.Close()
}

func TestAPIUnknownExecution(t *testing.T) {
	srv, _, _ := newAPIServer(t)

	res, err := http.Get(srv.URL + "/api/v1/executions/777")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", res.StatusCode)
	}

	body, _ := json.Marshal(map[string]string{"executionPrice": "1", "buyer": flowBuyer.Hex()})
	pres, pbody := postJSON(t, srv.URL+"/api/v1/executions/777/sell", body)
	if pres.StatusCode != http.StatusNotFound {
		t.Fatalf("sell on unknown execution = %d %s, want 404", pres.StatusCode, pbody)
	}
}
