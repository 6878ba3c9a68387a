// Package api exposes the order pool and settlement engine over REST and
// streams committed settlement events over WebSocket.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/clowder-protocol/clowder-go/pkg/bank"
	"github.com/clowder-protocol/clowder-go/pkg/consensus"
	"github.com/clowder-protocol/clowder-go/pkg/ledger"
	"github.com/clowder-protocol/clowder-go/pkg/oracle"
	"github.com/clowder-protocol/clowder-go/pkg/order"
	"github.com/clowder-protocol/clowder-go/pkg/pool"
	"github.com/clowder-protocol/clowder-go/pkg/settle"
)

// Server wires REST routes to the pool and engine.
type Server struct {
	engine *settle.Engine
	pool   *pool.Pool
	ledger *ledger.Ledger
	oracle *oracle.Client // nil disables floor-price checks
	router *mux.Router
	hub    *Hub
	log    *zap.Logger
}

func NewServer(engine *settle.Engine, p *pool.Pool, l *ledger.Ledger,
	oc *oracle.Client, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		engine: engine,
		pool:   p,
		ledger: l,
		oracle: oc,
		router: mux.NewRouter(),
		hub:    NewHub(log),
		log:    log,
	}
	s.setupRoutes()

	// Committed settlements flow straight onto the WS feed.
	engine.Subscribe(func(ev settle.Event) {
		s.hub.BroadcastToChannel("settlements", ev)
		if ev.ExecutionID != "" {
			s.hub.BroadcastToChannel("executions:"+ev.ExecutionID, ev)
		}
	})
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Order admission. Sell/transfer orders are scoped to an executed
	// position, so the position id rides in the query string and the body
	// stays the exact signed payload.
	api.HandleFunc("/orders/buy", s.handleSubmitBuy).Methods("POST")
	api.HandleFunc("/orders/sell", s.handleSubmitSell).Methods("POST")
	api.HandleFunc("/orders/transfer", s.handleSubmitTransfer).Methods("POST")

	// Settlement triggers.
	api.HandleFunc("/executions/{id}/buy", s.handleExecuteBuy).Methods("POST")
	api.HandleFunc("/executions/{id}/sell", s.handleExecuteSell).Methods("POST")
	api.HandleFunc("/executions/{id}/transfer", s.handleExecuteTransfer).Methods("POST")
	api.HandleFunc("/executions/{id}/distribute", s.handleDistribute).Methods("POST")

	api.HandleFunc("/executions/{id}", s.handleGetExecution).Methods("GET")
	api.HandleFunc("/nonces/cancel", s.handleCancelNonces).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start runs the WebSocket hub and blocks serving HTTP.
func (s *Server) Start(addr string) error {
	go s.hub.Run()

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
	})

	s.log.Info("api server starting", zap.String("addr", addr))
	return http.ListenAndServe(addr, c.Handler(s.router))
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.router }

// ==============================
// Order admission
// ==============================

func (s *Server) handleSubmitBuy(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read body", err.Error())
		return
	}
	o, err := order.ParseBuyOrder(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid buy order", err.Error())
		return
	}
	if err := s.pool.AddBuy(o); err != nil {
		respondOrderError(w, err)
		return
	}
	s.log.Info("buy order pooled",
		zap.String("signer", o.Signer.Hex()),
		zap.String("executionId", o.ExecutionID.String()),
	)
	respondJSON(w, SubmitOrderResponse{
		Status: "pooled",
		Signer: o.Signer.Hex(),
		Pooled: len(s.pool.Buys(o.ExecutionID)),
	})
}

func (s *Server) handleSubmitSell(w http.ResponseWriter, r *http.Request) {
	executionID, ok := parseBig(r.URL.Query().Get("executionId"))
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid executionId", "")
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read body", err.Error())
		return
	}
	o, err := order.ParseSellOrder(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid sell order", err.Error())
		return
	}
	if err := s.pool.AddSell(executionID, o); err != nil {
		respondOrderError(w, err)
		return
	}
	s.log.Info("sell order pooled",
		zap.String("signer", o.Signer.Hex()),
		zap.String("executionId", executionID.String()),
	)
	respondJSON(w, SubmitOrderResponse{Status: "pooled", Signer: o.Signer.Hex()})
}

func (s *Server) handleSubmitTransfer(w http.ResponseWriter, r *http.Request) {
	executionID, ok := parseBig(r.URL.Query().Get("executionId"))
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid executionId", "")
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read body", err.Error())
		return
	}
	o, err := order.ParseTransferOrder(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid transfer order", err.Error())
		return
	}
	if err := s.pool.AddTransfer(executionID, o); err != nil {
		respondOrderError(w, err)
		return
	}
	respondJSON(w, SubmitOrderResponse{Status: "pooled", Signer: o.Signer.Hex()})
}

// ==============================
// Settlement
// ==============================

func (s *Server) handleExecuteBuy(w http.ResponseWriter, r *http.Request) {
	executionID, ok := parseBig(mux.Vars(r)["id"])
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid execution id", "")
		return
	}
	var req ExecuteBuyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	price, ok := parseBig(req.ExecutionPrice)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid executionPrice", "")
		return
	}
	tokenID, ok := parseBig(req.TokenID)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid tokenId", "")
		return
	}
	if !common.IsHexAddress(req.Seller) {
		respondError(w, http.StatusBadRequest, "invalid seller", "")
		return
	}

	// Orders leave the pool only once the engine commits; a failed
	// settlement keeps them for a corrected retry.
	orders := s.pool.Buys(executionID)
	exec, err := s.engine.ExecuteBuy(orders, price, tokenID, common.HexToAddress(req.Seller))
	if err != nil {
		respondSettleError(w, err)
		return
	}
	s.pool.DrainBuys(executionID)
	respondJSON(w, SettleResponse{
		Status:      "executed",
		ExecutionID: exec.ExecutionID,
		State:       exec.State.String(),
	})
}

func (s *Server) handleExecuteSell(w http.ResponseWriter, r *http.Request) {
	executionID, ok := parseBig(mux.Vars(r)["id"])
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid execution id", "")
		return
	}
	var req ExecuteSellRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	price, ok := parseBig(req.ExecutionPrice)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid executionPrice", "")
		return
	}
	if !common.IsHexAddress(req.Buyer) {
		respondError(w, http.StatusBadRequest, "invalid buyer", "")
		return
	}

	exec, err := s.ledger.Execution(executionID)
	if err != nil || exec == nil {
		respondError(w, http.StatusNotFound, "execution not found", "")
		return
	}

	var floor *oracle.FloorAsk
	if req.CheckFloorPrice {
		if s.oracle == nil {
			respondError(w, http.StatusServiceUnavailable, "floor oracle not configured", "")
			return
		}
		floor, err = s.oracle.FloorAsk(exec.Collection)
		if err != nil {
			respondError(w, http.StatusBadGateway, "floor oracle fetch failed", err.Error())
			return
		}
	}
	orders := s.pool.Sells(exec.Delegate)
	if err := s.engine.ExecuteSell(executionID, orders, price, common.HexToAddress(req.Buyer), floor); err != nil {
		respondSettleError(w, err)
		return
	}
	s.pool.DrainSells(exec.Delegate)
	respondJSON(w, SettleResponse{
		Status:      "sold",
		ExecutionID: executionID.String(),
		State:       ledger.StateSold.String(),
	})
}

func (s *Server) handleExecuteTransfer(w http.ResponseWriter, r *http.Request) {
	executionID, ok := parseBig(mux.Vars(r)["id"])
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid execution id", "")
		return
	}
	exec, err := s.ledger.Execution(executionID)
	if err != nil || exec == nil {
		respondError(w, http.StatusNotFound, "execution not found", "")
		return
	}
	orders := s.pool.Transfers(exec.Delegate)
	if err := s.engine.TransferAsset(executionID, orders); err != nil {
		respondSettleError(w, err)
		return
	}
	s.pool.DrainTransfers(exec.Delegate)
	respondJSON(w, SettleResponse{Status: "transferred", ExecutionID: executionID.String()})
}

func (s *Server) handleDistribute(w http.ResponseWriter, r *http.Request) {
	executionID, ok := parseBig(mux.Vars(r)["id"])
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid execution id", "")
		return
	}
	var req DistributeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	holders := make([]common.Address, 0, len(req.Holders))
	for _, h := range req.Holders {
		if !common.IsHexAddress(h) {
			respondError(w, http.StatusBadRequest, "invalid holder address", h)
			return
		}
		holders = append(holders, common.HexToAddress(h))
	}
	var token common.Address
	if req.Token != "" {
		if !common.IsHexAddress(req.Token) {
			respondError(w, http.StatusBadRequest, "invalid token", "")
			return
		}
		token = common.HexToAddress(req.Token)
	}
	if err := s.engine.DistributeFunds(executionID, order.AssetType(req.AssetType), token, holders); err != nil {
		respondSettleError(w, err)
		return
	}
	respondJSON(w, SettleResponse{Status: "distributed", ExecutionID: executionID.String()})
}

// ==============================
// Queries
// ==============================

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	executionID, ok := parseBig(mux.Vars(r)["id"])
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid execution id", "")
		return
	}
	exec, err := s.ledger.Execution(executionID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "ledger read failed", err.Error())
		return
	}
	if exec == nil {
		respondError(w, http.StatusNotFound, "execution not found", "")
		return
	}

	info := ExecutionInfo{
		ExecutionID:      exec.ExecutionID,
		Collection:       exec.Collection.Hex(),
		TokenID:          exec.TokenID.String(),
		Delegate:         exec.Delegate.Hex(),
		BuyPrice:         exec.BuyPrice.String(),
		TotalContributed: exec.TotalContributed.String(),
		State:            exec.State.String(),
		Contributions:    make(map[string]string, len(exec.Contributions)),
	}
	for signer, amount := range exec.Contributions {
		info.Contributions[signer.Hex()] = amount.String()
	}
	if claims, err := s.ledger.Claims(executionID); err == nil && claims != nil {
		info.ClaimSupply = claims.TotalSupply.String()
		info.ClaimBalances = make(map[string]string, len(claims.Balances))
		for _, h := range claims.Holders() {
			info.ClaimBalances[h.Hex()] = claims.BalanceOf(h).String()
		}
	}
	respondJSON(w, info)
}

func (s *Server) handleCancelNonces(w http.ResponseWriter, r *http.Request) {
	var req CancelNoncesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if !common.IsHexAddress(req.Signer) {
		respondError(w, http.StatusBadRequest, "invalid signer", "")
		return
	}
	if req.Scope == "" {
		respondError(w, http.StatusBadRequest, "missing scope", "")
		return
	}
	nonces := make([]*big.Int, 0, len(req.Nonces))
	for _, n := range req.Nonces {
		v, ok := parseBig(n)
		if !ok {
			respondError(w, http.StatusBadRequest, "invalid nonce", n)
			return
		}
		nonces = append(nonces, v)
	}
	if err := s.engine.Cancel(req.Scope, common.HexToAddress(req.Signer), nonces); err != nil {
		respondError(w, http.StatusInternalServerError, "cancel failed", err.Error())
		return
	}
	respondJSON(w, CancelResponse{Status: "cancelled", Cancelled: len(nonces)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Helpers
// ==============================

func parseBig(s string) (*big.Int, bool) {
	if s == "" {
		return nil, false
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, false
	}
	return v, true
}

func respondOrderError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, settle.ErrNonceUnusable), errors.Is(err, pool.ErrDuplicateOrder):
		respondError(w, http.StatusConflict, "order rejected", err.Error())
	case errors.Is(err, settle.ErrNotExecuted):
		respondError(w, http.StatusNotFound, "execution not found", err.Error())
	default:
		respondError(w, http.StatusBadRequest, "order rejected", err.Error())
	}
}

func respondSettleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, settle.ErrNotExecuted):
		respondError(w, http.StatusNotFound, "settlement rejected", err.Error())
	case errors.Is(err, settle.ErrAlreadyExecuted),
		errors.Is(err, settle.ErrAlreadySold),
		errors.Is(err, settle.ErrAlreadyClaimed),
		errors.Is(err, settle.ErrNonceUnusable):
		respondError(w, http.StatusConflict, "settlement rejected", err.Error())
	case errors.Is(err, consensus.ErrNotReached),
		errors.Is(err, consensus.ErrDuplicateVoter),
		errors.Is(err, settle.ErrNoClaims):
		respondError(w, http.StatusUnprocessableEntity, "consensus not reached", err.Error())
	case errors.Is(err, bank.ErrTransferFailed):
		respondError(w, http.StatusUnprocessableEntity, "settlement rejected", err.Error())
	default:
		respondError(w, http.StatusBadRequest, "settlement rejected", err.Error())
	}
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, msg string, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: msg, Message: detail})
}
