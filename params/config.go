package params

import (
	"math/big"
	"os"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// BpsDenominator is the single fee/consensus denominator used across the
// protocol: every fraction is expressed as basis points out of 10,000.
// An earlier fund-splitter deployment used a 1e6 scale; that scale is
// intentionally not supported here so the two can never be conflated.
const BpsDenominator = 10_000

// Protocol holds the per-deployment protocol parameters. It is injected into
// the settlement engine at construction and mutated only through the engine's
// owner-gated setters, never read as ambient global state.
type Protocol struct {
	// Owner may change fees and consensus thresholds.
	Owner common.Address

	// FeeReceiver collects protocol fees (buy, sell and distribution).
	FeeReceiver common.Address

	// SplitRecipient is the opaque payable recipient that fund
	// distributions are routed through.
	SplitRecipient common.Address

	// FundingToken is the fungible token contributions are collected in
	// (WETH in the original deployment).
	FundingToken common.Address

	// BuyFeeBps is charged on top of the buy execution price.
	BuyFeeBps int64
	// SellFeeBps is deducted from sale proceeds.
	SellFeeBps int64
	// DistributionFeeBps is deducted when accumulated funds are split.
	DistributionFeeBps int64

	// SellUnderBuyPriceBps is the consensus fraction required to authorize
	// selling below the position's original aggregate buy price.
	// SellAtOrAboveBuyPriceBps applies when selling at or above it. The two
	// are deliberately distinct knobs: repricing the upside needs broader
	// agreement than cutting losses.
	SellUnderBuyPriceBps     int64
	SellAtOrAboveBuyPriceBps int64

	// TransferBps is the consensus fraction required to move a held asset.
	TransferBps int64

	// OracleSigner is the address expected to have signed floor-price
	// attestations. Zero disables attestation verification.
	OracleSigner common.Address
}

type Node struct {
	ChainID *big.Int
	// Contract is the verifying address buy orders are signed against.
	Contract   common.Address
	ListenAddr string
	DBPath     string
	LogPath    string

	// Reservoir floor-price oracle; empty BaseURL disables floor checks.
	OracleBaseURL string
	OracleAPIKey  string
}

type Config struct {
	Protocol Protocol
	Node     Node
}

func Default() Config {
	return Config{
		Protocol: Protocol{
			BuyFeeBps:                1,
			SellFeeBps:               10,
			DistributionFeeBps:       10,
			SellUnderBuyPriceBps:     5_000,
			SellAtOrAboveBuyPriceBps: 7_500,
			TransferBps:              5_000,
		},
		Node: Node{
			ChainID:    big.NewInt(137),
			ListenAddr: ":8080",
			DBPath:     "data/clowder",
		},
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and
// environment variables. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if v := os.Getenv("CHAIN_ID"); v != "" {
		if id, ok := new(big.Int).SetString(v, 10); ok {
			cfg.Node.ChainID = id
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.Node.ListenAddr = v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.Node.DBPath = v
	}
	if v := os.Getenv("LOG_PATH"); v != "" {
		cfg.Node.LogPath = v
	}
	if v := os.Getenv("CONTRACT_ADDRESS"); common.IsHexAddress(v) {
		cfg.Node.Contract = common.HexToAddress(v)
	}
	if v := os.Getenv("ORACLE_BASE_URL"); v != "" {
		cfg.Node.OracleBaseURL = v
	}
	if v := os.Getenv("ORACLE_API_KEY"); v != "" {
		cfg.Node.OracleAPIKey = v
	}

	if v := os.Getenv("OWNER_ADDRESS"); common.IsHexAddress(v) {
		cfg.Protocol.Owner = common.HexToAddress(v)
	}
	if v := os.Getenv("FEE_RECEIVER"); common.IsHexAddress(v) {
		cfg.Protocol.FeeReceiver = common.HexToAddress(v)
	}
	if v := os.Getenv("SPLIT_RECIPIENT"); common.IsHexAddress(v) {
		cfg.Protocol.SplitRecipient = common.HexToAddress(v)
	}
	if v := os.Getenv("FUNDING_TOKEN"); common.IsHexAddress(v) {
		cfg.Protocol.FundingToken = common.HexToAddress(v)
	}
	if v := os.Getenv("ORACLE_SIGNER"); common.IsHexAddress(v) {
		cfg.Protocol.OracleSigner = common.HexToAddress(v)
	}

	cfg.Protocol.BuyFeeBps = envBps("BUY_FEE_BPS", cfg.Protocol.BuyFeeBps)
	cfg.Protocol.SellFeeBps = envBps("SELL_FEE_BPS", cfg.Protocol.SellFeeBps)
	cfg.Protocol.DistributionFeeBps = envBps("DISTRIBUTION_FEE_BPS", cfg.Protocol.DistributionFeeBps)
	cfg.Protocol.SellUnderBuyPriceBps = envBps("SELL_UNDER_BUY_PRICE_BPS", cfg.Protocol.SellUnderBuyPriceBps)
	cfg.Protocol.SellAtOrAboveBuyPriceBps = envBps("SELL_AT_OR_ABOVE_BUY_PRICE_BPS", cfg.Protocol.SellAtOrAboveBuyPriceBps)
	cfg.Protocol.TransferBps = envBps("TRANSFER_BPS", cfg.Protocol.TransferBps)

	return cfg
}

func envBps(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	bps, err := strconv.ParseInt(v, 10, 64)
	if err != nil || bps < 0 || bps > BpsDenominator {
		return fallback
	}
	return bps
}
