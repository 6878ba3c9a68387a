package api

// Request/response types for REST endpoints and WebSocket messages. All
// token amounts travel as decimal strings; they are arbitrary-precision wei.

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// SubmitOrderResponse acknowledges a pooled order.
type SubmitOrderResponse struct {
	Status string `json:"status"`
	Signer string `json:"signer"`
	Pooled int    `json:"pooled"` // orders now pooled for this position
}

// ExecuteBuyRequest triggers settlement of the pooled buy orders for an
// execution.
type ExecuteBuyRequest struct {
	ExecutionPrice string `json:"executionPrice"`
	TokenID        string `json:"tokenId"`
	Seller         string `json:"seller"`
}

// ExecuteSellRequest triggers settlement of the pooled sell orders for an
// executed position. When CheckFloorPrice is set the server fetches a signed
// floor-ask attestation and holds under-floor sales to the stricter
// consensus threshold.
type ExecuteSellRequest struct {
	ExecutionPrice  string `json:"executionPrice"`
	Buyer           string `json:"buyer"`
	CheckFloorPrice bool   `json:"checkFloorPrice,omitempty"`
}

// DistributeRequest splits a delegate-held balance among all current claim
// holders. Holders must be the complete set.
type DistributeRequest struct {
	AssetType uint8    `json:"assetType"`
	Token     string   `json:"token,omitempty"`
	Holders   []string `json:"holders"`
}

// CancelNoncesRequest voids signed-order nonces ahead of settlement.
type CancelNoncesRequest struct {
	Scope  string   `json:"scope"`
	Signer string   `json:"signer"`
	Nonces []string `json:"nonces"`
}

// ExecutionInfo is the public view of a position.
type ExecutionInfo struct {
	ExecutionID      string            `json:"executionId"`
	Collection       string            `json:"collection"`
	TokenID          string            `json:"tokenId"`
	Delegate         string            `json:"delegate"`
	BuyPrice         string            `json:"buyPrice"`
	TotalContributed string            `json:"totalContributed"`
	State            string            `json:"state"`
	Contributions    map[string]string `json:"contributions"`
	ClaimSupply      string            `json:"claimSupply,omitempty"`
	ClaimBalances    map[string]string `json:"claimBalances,omitempty"`
}

// SettleResponse acknowledges a committed settlement.
type SettleResponse struct {
	Status      string `json:"status"`
	ExecutionID string `json:"executionId"`
	State       string `json:"state,omitempty"`
}

// CancelResponse reports how many nonces were freshly voided.
type CancelResponse struct {
	Status    string `json:"status"`
	Cancelled int    `json:"cancelled"`
}

// WSSubscribeRequest is sent by a client to manage channel subscriptions,
// e.g. ["settlements", "executions:123"].
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}
