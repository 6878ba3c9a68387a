// Package oracle fetches signed floor-price attestations from a
// Reservoir-style endpoint. Attestations are passed through to settlement
// opaquely: the engine checks who signed them, never reinterprets them.
package oracle

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/clowder-protocol/clowder-go/pkg/crypto"
	"github.com/clowder-protocol/clowder-go/pkg/util"
)

// Message is the independently-signed price attestation.
type Message struct {
	ID        string `json:"id"`
	Payload   string `json:"payload"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

// FloorAsk is the oracle's floor-price answer for a collection. Price is a
// human-readable float; the authoritative wei amount lives in the payload.
type FloorAsk struct {
	Price   float64 `json:"price"`
	Message Message `json:"message"`
	Data    string  `json:"data,omitempty"`
}

// PayloadWei extracts the attested price in wei from the payload's trailing
// 32-byte word.
func (f *FloorAsk) PayloadWei() (*big.Int, error) {
	raw, err := hexutil.Decode(f.Message.Payload)
	if err != nil {
		return nil, fmt.Errorf("invalid attestation payload: %w", err)
	}
	if len(raw) < 32 {
		return nil, fmt.Errorf("attestation payload too short: %d bytes", len(raw))
	}
	return new(big.Int).SetBytes(raw[len(raw)-32:]), nil
}

// ApproxWei converts the display price to wei. Display only; settlement
// reads PayloadWei.
func (f *FloorAsk) ApproxWei() *big.Int {
	d := decimal.NewFromFloat(f.Price).Mul(decimal.New(1, 18))
	return d.BigInt()
}

// digest computes the hash covered by the attestation signature:
// keccak256(id || keccak256(payload) || timestamp) under the standard
// personal-message prefix.
func (f *FloorAsk) digest() ([]byte, error) {
	id, err := hexutil.Decode(f.Message.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid attestation id: %w", err)
	}
	payload, err := hexutil.Decode(f.Message.Payload)
	if err != nil {
		return nil, fmt.Errorf("invalid attestation payload: %w", err)
	}
	ts := new(big.Int).SetInt64(f.Message.Timestamp)
	inner := ethcrypto.Keccak256(id, ethcrypto.Keccak256(payload), common.BigToHash(ts).Bytes())
	prefixed := ethcrypto.Keccak256(
		[]byte("\x19Ethereum Signed Message:\n32"),
		inner,
	)
	return prefixed, nil
}

// VerifySigner recovers the attestation signer and compares it against the
// expected oracle address. A zero expected address disables the check.
func (f *FloorAsk) VerifySigner(expected common.Address) error {
	if expected == (common.Address{}) {
		return nil
	}
	digest, err := f.digest()
	if err != nil {
		return err
	}
	sig, err := hexutil.Decode(f.Message.Signature)
	if err != nil {
		return fmt.Errorf("invalid attestation signature: %w", err)
	}
	recovered, err := crypto.RecoverAddress(digest, sig)
	if err != nil {
		return fmt.Errorf("failed to recover attestation signer: %w", err)
	}
	if recovered != expected {
		return fmt.Errorf("attestation signed by %s, expected %s", recovered.Hex(), expected.Hex())
	}
	return nil
}

// Client fetches floor asks over HTTP.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// FloorAsk fetches the 24h TWAP floor ask for a collection, retrying with
// exponential backoff. This is the only retried call in the system; the
// settlement engine itself never retries.
func (c *Client) FloorAsk(collection common.Address) (*FloorAsk, error) {
	url := fmt.Sprintf(
		"%s/oracle/collections/floor-ask/v5?kind=twap&twapSeconds=86400&collection=%s",
		c.baseURL, collection.Hex(),
	)

	var result FloorAsk
	err := util.WithBackoff(func() error {
		req, err := http.NewRequest(http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "*/*")
		if c.apiKey != "" {
			req.Header.Set("x-api-key", c.apiKey)
		}

		res, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()

		if res.StatusCode != http.StatusOK {
			return fmt.Errorf("floor ask fetch: %s", res.Status)
		}
		body, err := io.ReadAll(res.Body)
		if err != nil {
			return err
		}
		return json.Unmarshal(body, &result)
	}, 3, time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch floor ask for %s: %w", collection.Hex(), err)
	}
	return &result, nil
}
