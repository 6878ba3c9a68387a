package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/clowder-protocol/clowder-go/params"
	"github.com/clowder-protocol/clowder-go/pkg/api"
	"github.com/clowder-protocol/clowder-go/pkg/bank"
	"github.com/clowder-protocol/clowder-go/pkg/ledger"
	"github.com/clowder-protocol/clowder-go/pkg/oracle"
	"github.com/clowder-protocol/clowder-go/pkg/pool"
	"github.com/clowder-protocol/clowder-go/pkg/settle"
	"github.com/clowder-protocol/clowder-go/pkg/util"
)

func main() {
	// Load config from .env file and environment variables.
	cfg := params.LoadFromEnv("")

	logPath := cfg.Node.LogPath
	if logPath == "" {
		logPath = "data/clowderd.log"
	}
	logger, err := util.NewLoggerWithFile(logPath)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	lgr, err := ledger.Open(cfg.Node.DBPath)
	if err != nil {
		logger.Fatal("ledger open failed", zap.String("path", cfg.Node.DBPath), zap.Error(err))
	}
	defer lgr.Close()

	bk := bank.New()
	engine := settle.NewEngine(cfg.Protocol, cfg.Node.ChainID, cfg.Node.Contract,
		lgr, bk, util.RealClock{}, logger)
	orderPool := pool.New(engine, lgr)

	var oc *oracle.Client
	if cfg.Node.OracleBaseURL != "" {
		oc = oracle.NewClient(cfg.Node.OracleBaseURL, cfg.Node.OracleAPIKey)
		logger.Info("floor oracle enabled", zap.String("baseURL", cfg.Node.OracleBaseURL))
	}

	server := api.NewServer(engine, orderPool, lgr, oc, logger)

	logger.Info("clowderd starting",
		zap.String("chainId", cfg.Node.ChainID.String()),
		zap.String("contract", cfg.Node.Contract.Hex()),
		zap.String("listen", cfg.Node.ListenAddr),
		zap.String("db", cfg.Node.DBPath),
		zap.Int64("buyFeeBps", cfg.Protocol.BuyFeeBps),
		zap.Int64("sellFeeBps", cfg.Protocol.SellFeeBps),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.Node.ListenAddr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.Fatal("api server exited", zap.Error(err))
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}
}
