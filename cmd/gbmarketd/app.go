package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	marketplace "github.com/givabit/marketplace"
	"github.com/givabit/marketplace/config"
	"github.com/givabit/marketplace/events"
	"github.com/givabit/marketplace/evm"
	mhttp "github.com/givabit/marketplace/http"
	"github.com/givabit/marketplace/journal/sqlite"
	ledgerevm "github.com/givabit/marketplace/ledger/evm"
	ledgermem "github.com/givabit/marketplace/ledger/memory"
	"github.com/givabit/marketplace/mcp"
	"github.com/givabit/marketplace/store/memory"
	"github.com/givabit/marketplace/store/postgres"
)

// app owns every long-lived component of the daemon
type app struct {
	market  *marketplace.Marketplace
	handler http.Handler
	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			_ = a.close()
		}
	}()
	serverOpts := []mhttp.ServerOption{mhttp.WithRequestAuth(cfg.Domain())}

	// registry
	var registry marketplace.OrderRegistry
	if cfg.DatabaseURL != "" {
		pg, err := postgres.Connect(ctx, cfg.DatabaseURL, postgres.DefaultPoolConfig())
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		a.closers = append(a.closers, func() error { pg.Close(); return nil })
		serverOpts = append(serverOpts, mhttp.WithHealthCheck("postgres", pg.Ping))
		registry = pg
		logger.Info("order registry", zap.String("backend", "postgres"))
	} else {
		registry = memory.NewRegistry()
		logger.Warn("order registry is in memory; order states are lost on restart")
	}

	// asset ledgers and the treasury that pays for them. On-chain assets are
	// only sold against on-chain deposits paid out by the operator account.
	var (
		ledgers  marketplace.LedgerDirectory
		treasury marketplace.Treasury
	)
	if cfg.EVMRPCURL != "" {
		key, err := crypto.HexToECDSA(trimHex(cfg.OperatorPrivateKey))
		if err != nil {
			return nil, fmt.Errorf("invalid operator key: %w", err)
		}
		dir, err := ledgerevm.Dial(ctx, cfg.EVMRPCURL, ledgerevm.Config{
			Operator: key,
			ChainID:  cfg.ChainID,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		ledgers = dir
		treasury = dir.Treasury()
		serverOpts = append(serverOpts, mhttp.WithDeposits(dir.Deposits(registry)))
		logger.Info("asset ledgers", zap.String("backend", "evm"), zap.String("operator", dir.Operator().Hex()))
	} else {
		dir := ledgermem.NewDirectory()
		for _, addr := range cfg.AllowedLedgers {
			dir.Register(addr, ledgermem.NewLedger(addr))
		}
		ledgers = dir
		treasury = memory.NewTreasury()
		logger.Warn("asset ledgers and treasury are in memory")
	}

	// events
	sinks := events.Multi{events.NewLogSink(logger)}
	if cfg.RedisAddr != "" {
		pub := events.NewRedisPublisher(cfg.RedisAddr, cfg.RedisPrefix, cfg.EventTTL)
		a.closers = append(a.closers, pub.Close)
		serverOpts = append(serverOpts, mhttp.WithHealthCheck("redis", pub.Ping))
		sinks = append(sinks, pub)
	}
	if cfg.JournalPath != "" {
		j, err := sqlite.Open(cfg.JournalPath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, j.Close)
		sinks = append(sinks, j)
	}

	access, err := marketplace.NewAccessControl(cfg.Owner, cfg.AdminWallet, cfg.PlatformFeeBps,
		marketplace.WithAllowedLedgers(cfg.AllowedLedgers...),
		marketplace.WithAccessEvents(sinks),
		marketplace.WithAccessLogger(logger))
	if err != nil {
		return nil, err
	}

	a.market, err = marketplace.New(
		evm.NewOrderVerifier(cfg.Domain()),
		registry,
		ledgers,
		treasury,
		access,
		marketplace.WithLogger(logger),
		marketplace.WithEvents(sinks),
	)
	if err != nil {
		return nil, err
	}

	serverOpts = append(serverOpts,
		mhttp.WithServerLogger(logger),
		mhttp.WithSettlementCache(marketplace.NewSettlementCache(cfg.IdempotencyTTL)))
	api := mhttp.NewServer(a.market, serverOpts...)
	tools := mcp.NewServer(a.market, mcp.WithLogger(logger))

	mux := http.NewServeMux()
	mux.Handle("/mcp/sse", tools.SSEHandler())
	mux.Handle("/", api.Handler())
	a.handler = mux
	return a, nil
}

// close releases resources in reverse order of acquisition
func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func trimHex(s string) string {
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		return s[2:]
	}
	return s
}
