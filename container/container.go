// Package container wires the settlement service from its configuration.
package container

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"bounty-settlement/bitcoin"
	"bounty-settlement/clock"
	"bounty-settlement/config"
	"bounty-settlement/core/escrow"
	"bounty-settlement/core/judging"
	"bounty-settlement/core/scheduler"
	"bounty-settlement/core/settlement"
	"bounty-settlement/handlers"
	"bounty-settlement/mcp"
	"bounty-settlement/metrics"
	"bounty-settlement/services"
	store "bounty-settlement/storage/settlement"
	"bounty-settlement/storage/walletlock"
)

// Version is reported by the MCP server.
const Version = "1.0.0"

// Container holds all application dependencies
type Container struct {
	Config config.Config
	Logger *slog.Logger
	Clock  clock.Clock

	// Infrastructure
	Store   settlement.Store
	Ledger  settlement.Ledger
	Locker  escrow.WalletLocker
	Metrics *metrics.Metrics

	// Pipeline
	Engine    *judging.Engine
	Executor  *escrow.Executor
	Scheduler *scheduler.Scheduler

	// Services
	QRCodeService *services.QRCodeService
	HealthService *services.HealthService

	// Transports
	Router    http.Handler
	MCPServer *mcp.MCPServer

	closers []func()
}

// New builds every component. On error the partially built container is
// closed before returning.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Container, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Container{
		Config:        cfg,
		Logger:        logger,
		Clock:         clock.Real(),
		Metrics:       metrics.New(),
		QRCodeService: services.NewQRCodeService(),
		HealthService: services.NewHealthService(),
	}
	if err := c.build(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Container) build(ctx context.Context) error {
	if err := c.initStore(ctx); err != nil {
		return err
	}
	addresses, err := c.initLedger()
	if err != nil {
		return err
	}
	c.initLocker()

	cfg := c.Config
	opts := []judging.Option{
		judging.WithTimeout(cfg.Judge.Timeout),
		judging.WithLogger(c.Logger),
		judging.WithMetrics(c.Metrics),
		judging.WithClock(c.Clock),
	}
	if cfg.Judge.Seed != 0 {
		opts = append(opts, judging.WithSeed(cfg.Judge.Seed))
	}
	c.Engine = judging.NewEngine(c.Store, c.judge(), opts...)

	c.Executor = escrow.NewExecutor(c.Store, c.Ledger, c.Locker, escrow.Config{
		EscrowWallet: cfg.Ledger.EscrowAddress,
		Policy:       cfg.Retry,
	}, c.Clock, c.Logger, c.Metrics)

	c.Scheduler = scheduler.New(c.Store, c.Engine, c.Executor, scheduler.Config{
		SweepInterval:   cfg.Scheduler.SweepInterval,
		RetryInterval:   cfg.Scheduler.RetryInterval,
		CleanupInterval: cfg.Scheduler.CleanupInterval,
		EntryMaxAge:     cfg.Scheduler.EntryMaxAge,
		JudgingGrace:    cfg.Scheduler.JudgingGrace,
		Workers:         cfg.Scheduler.Workers,
		QueueSize:       cfg.Scheduler.QueueSize,
		Policy:          cfg.Retry,
	}, c.Clock, c.Logger, c.Metrics)

	settlementHandler := handlers.NewSettlementHandler(c.Store, c.Scheduler, addresses, c.Logger)
	if cfg.Ledger.ExplorerURL != "" {
		settlementHandler.VerifyLocks(bitcoin.NewMempoolClient(cfg.Ledger.ExplorerURL, cfg.Ledger.Network, cfg.Ledger.RPS), cfg.Ledger.EscrowAddress)
	}
	c.Router = handlers.NewRouter(handlers.RouterConfig{
		Health:         handlers.NewHealthHandler(c.HealthService),
		Settlement:     settlementHandler,
		QRCode:         handlers.NewQRCodeHandler(c.QRCodeService, cfg.Ledger.EscrowAddress),
		Metrics:        c.Metrics.Handler(),
		APIKey:         cfg.HTTP.APIKey,
		RequestTimeout: cfg.HTTP.RequestTimeout,
		Logger:         c.Logger,
	})
	c.MCPServer = mcp.NewMCPServer(c.Scheduler, Version)
	return nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

func (c *Container) initStore(ctx context.Context) error {
	cfg := c.Config.Store
	switch cfg.Driver {
	case "", "memory":
		c.Store = store.NewMemoryStore(c.Clock)
	case "postgres":
		s, err := store.NewPGStore(ctx, cfg.DSN, c.Clock)
		if err != nil {
			return fmt.Errorf("init postgres store: %w", err)
		}
		c.Store = s
	case "sqlite":
		s, err := store.NewSQLiteStore(ctx, cfg.DSN, c.Clock)
		if err != nil {
			return fmt.Errorf("init sqlite store: %w", err)
		}
		c.Store = s
	default:
		return fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
	c.closers = append(c.closers, c.Store.Close)
	if p, ok := c.Store.(pinger); ok {
		c.HealthService.Register("store", p.Ping)
	} else {
		c.HealthService.Register("store", func(context.Context) error { return nil })
	}
	c.Logger.Info("task store ready", "driver", cfg.Driver)
	return nil
}

func (c *Container) initLedger() (handlers.AddressValidator, error) {
	cfg := c.Config.Ledger
	switch cfg.Provider {
	case "", "mock":
		ledger := bitcoin.NewMockLedger()
		if cfg.MockBalanceSats > 0 {
			ledger.SetBalance(cfg.EscrowAddress, cfg.MockBalanceSats)
		}
		c.Ledger = ledger
		c.Logger.Warn("using mock ledger; transfers are not broadcast", "escrow_wallet", cfg.EscrowAddress)
		return ledger, nil
	case "bitcoind":
		ledger, err := bitcoin.NewWalletLedger(bitcoin.WalletLedgerConfig{
			RPCURL:           cfg.RPCURL,
			RPCUser:          cfg.RPCUser,
			RPCPassword:      cfg.RPCPassword,
			Wallet:           cfg.Wallet,
			Network:          cfg.Network,
			MinConfirmations: cfg.MinConfirmations,
			ConfirmTimeout:   cfg.ConfirmTimeout,
			PollInterval:     cfg.PollInterval,
			RPS:              cfg.RPS,
		}, c.Clock, c.Logger)
		if err != nil {
			return nil, fmt.Errorf("init ledger: %w", err)
		}
		if err := ledger.ValidateAddress(cfg.EscrowAddress); err != nil {
			return nil, fmt.Errorf("escrow address: %w", err)
		}
		c.Ledger = ledger
		c.HealthService.Register("ledger", ledger.Ping)
		return ledger, nil
	default:
		return nil, fmt.Errorf("unknown ledger provider %q", cfg.Provider)
	}
}

func (c *Container) initLocker() {
	cfg := c.Config.Lock
	if cfg.Driver != "redis" {
		c.Locker = walletlock.NewLocalLocker()
		return
	}
	locker := walletlock.NewRedisLocker(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.TTL, c.Logger)
	c.Locker = locker
	c.HealthService.Register("wallet_lock", locker.Ping)
	c.closers = append(c.closers, func() {
		if err := locker.Close(); err != nil {
			c.Logger.Warn("close redis locker", "error", err)
		}
	})
}

// judge returns the external scoring client, or nil when every task should
// go straight to the fallback selection.
func (c *Container) judge() settlement.Judge {
	cfg := c.Config.Judge
	if cfg.Provider != "openai" {
		c.Logger.Info("no external judge configured; winners are picked by fallback")
		return nil
	}
	return services.NewOpenAIJudge(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.Timeout, cfg.RPS)
}

// Start reloads OPEN tasks and starts the scheduler loops.
func (c *Container) Start(ctx context.Context) error {
	if err := c.Scheduler.Init(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	return nil
}

// Close stops the scheduler and releases infrastructure in reverse order.
func (c *Container) Close() {
	if c.Scheduler != nil {
		c.Scheduler.Shutdown()
	}
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}
