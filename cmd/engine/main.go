package main

import (
	"context"
	"flag"
	"log"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ctfexchange/clob-engine/params"
	"github.com/ctfexchange/clob-engine/pkg/clobtypes"
	"github.com/ctfexchange/clob-engine/pkg/crypto"
	"github.com/ctfexchange/clob-engine/pkg/engine"
	"github.com/ctfexchange/clob-engine/pkg/risk"
	"github.com/ctfexchange/clob-engine/pkg/settlement"
	"github.com/ctfexchange/clob-engine/pkg/storage"
	"github.com/ctfexchange/clob-engine/pkg/util"

	"github.com/ctfexchange/clob-engine/pkg/api"
)

// loggingSink is the development chain sink: it accepts every commit and
// match, logs them, and fabricates a transaction id. Production deployments
// replace this with an RPC-backed implementation of settlement.ChainSink.
type loggingSink struct {
	log *zap.Logger
}

func (s *loggingSink) CommitRoot(_ context.Context, root [32]byte, total *big.Int) error {
	s.log.Info("epoch root committed",
		zap.String("root", common.BytesToHash(root[:]).Hex()),
		zap.String("total", total.String()),
		zap.String("txId", uuid.NewString()))
	return nil
}

func (s *loggingSink) ExecuteTrade(_ context.Context, trade *clobtypes.Trade) error {
	s.log.Info("trade executed on chain",
		zap.String("tradeId", trade.ID),
		zap.String("matchType", trade.MatchType.String()),
		zap.String("txId", uuid.NewString()))
	return nil
}

// applyTierOverrides merges the config's partial per-tier limit overrides
// onto the built-in tier table.
func applyTierOverrides(r *risk.Engine, cfg params.RiskConfig, logger *zap.Logger) {
	for name, over := range cfg.Tiers {
		tier := risk.Tier(name)
		limits := risk.DefaultLimits(tier)
		if over.MaxOrderSize != "" {
			if v, ok := new(big.Int).SetString(over.MaxOrderSize, 10); ok {
				limits.MaxOrderSize = v
			}
		}
		if over.MaxExposure != "" {
			if v, ok := new(big.Int).SetString(over.MaxExposure, 10); ok {
				limits.MaxExposure = v
			}
		}
		if over.MaxWithdrawalDay != "" {
			if v, ok := new(big.Int).SetString(over.MaxWithdrawalDay, 10); ok {
				limits.MaxWithdrawalDay = v
			}
		}
		if over.MaxOrdersPerMin > 0 {
			limits.MaxOrdersPerMin = over.MaxOrdersPerMin
		}
		r.SetTierDefault(tier, limits)
		logger.Info("tier limits overridden", zap.String("tier", name))
	}
}

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to YAML config")
	envPath := flag.String("env", "", "path to .env file (default ./.env)")
	flag.Parse()

	cfg, err := params.Load(*configPath, *envPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := util.NewLoggerWithFile(cfg.Logging.LogFile, cfg.Logging.Level)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		logger.Fatal("open storage", zap.Error(err))
	}
	defer store.Close()

	domain := crypto.EIP712Domain{
		Name:              "CTFExchange",
		Version:           "1",
		ChainID:           big.NewInt(cfg.Domain.ChainID),
		VerifyingContract: common.HexToAddress(cfg.Domain.VerifyingContract),
	}

	eng, err := engine.New(logger, engine.Options{
		Domain: domain,
		Sink:   &loggingSink{log: logger.With(zap.String("component", "chain-sink"))},
		Store:  store,
		// Reconciliation needs an on-chain balance RPC; the devnet binary
		// runs without one, so the sweep stays disabled here.
		Lookup:       nil,
		MaxBatchSize: cfg.Settlement.MaxBatchSize,
		Retry: settlement.RetryConfig{
			MaxRetries: cfg.Settlement.MaxRetries,
			BaseDelay:  cfg.Settlement.BaseDelay,
			MaxDelay:   cfg.Settlement.MaxDelay,
		},
		CutInterval:      cfg.Settlement.CutInterval,
		SweepInterval:    cfg.Broadcast.SweepInterval,
		HeartbeatTimeout: cfg.Broadcast.HeartbeatTimeout,
		ReconInterval:    cfg.Reconciliation.Interval,
		ReconThreshold:   cfg.Reconciliation.Threshold,
	})
	if err != nil {
		logger.Fatal("engine init", zap.Error(err))
	}

	applyTierOverrides(eng.Risk(), cfg.Risk, logger)

	if err := eng.Restore(); err != nil {
		logger.Fatal("restore state", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)
	defer eng.Stop()

	server := api.NewServer(logger, eng, cfg.Server.AllowedOrigins)
	go func() {
		if err := server.Start(cfg.Server.ListenAddr); err != nil {
			logger.Fatal("api server", zap.Error(err))
		}
	}()

	logger.Info("engine running",
		zap.String("listen", cfg.Server.ListenAddr),
		zap.Int64("chainId", cfg.Domain.ChainID),
		zap.String("dataDir", cfg.Storage.DataDir))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")
}
