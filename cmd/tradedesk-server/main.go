package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"tradedesk/internal/broadcast"
	"tradedesk/internal/broker"
	"tradedesk/internal/config"
	"tradedesk/internal/domain"
	"tradedesk/internal/engine"
	"tradedesk/internal/httpapi"
	"tradedesk/internal/live"
	"tradedesk/internal/reconcile"
	"tradedesk/internal/store"
	"tradedesk/internal/util"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		log.Fatalf("loading .env: %v", err)
	}
	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("tradedesk-server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// Storage.
	dsn := cfg.Storage.SQLitePath
	if cfg.Storage.Driver != "sqlite" {
		dsn = cfg.Storage.PostgresDSN
	}
	repo, err := store.Open(cfg.Storage.Driver, dsn)
	if err != nil {
		return fmt.Errorf("opening repository: %w", err)
	}
	defer repo.Close()

	loc := cfg.Trading.Location()
	archive := store.NewParquetArchive(cfg.Storage.DataDir, loc)

	cal, err := util.NewTradingCalendar(loc, cfg.Trading.MarketOpen, cfg.Trading.MarketClose, cfg.Trading.Holidays)
	if err != nil {
		return fmt.Errorf("trading calendar: %w", err)
	}

	// Brokers.
	sim := broker.NewSimulatorBroker()
	registry := broker.NewRegistry(sim)
	var quotes broker.QuoteSource = sim
	if len(cfg.Credentials) > 0 {
		creds := make(map[string]broker.Credential, len(cfg.Credentials))
		for name, c := range cfg.Credentials {
			creds[name] = broker.Credential{APIKey: c.APIKey, APISecret: c.APISecret}
		}
		registry.Register(broker.NewAlpacaBroker(cfg.Alpaca.BaseURL, creds))
	}
	if cfg.Alpaca.APIKey != "" {
		quotes = broker.NewAlpacaQuotes(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.DataURL)
	}

	// Reconciled state and its listeners.
	rec := reconcile.New(logger)
	holders := engine.NewHolderIndex()
	hub := broadcast.New(cfg.Broadcast.QueueSize, logger)
	trades := reconcile.NewTradeBook(0)
	rec.OnChange(holders.OnChange)
	rec.OnChange(hub.OnChange)
	rec.OnChange(trades.OnChange)

	stored, err := repo.LoadAccounts(ctx)
	if err != nil {
		return fmt.Errorf("loading accounts: %w", err)
	}
	for _, a := range stored {
		rec.Restore(a)
	}
	for _, a := range cfg.Accounts {
		meta := domain.AccountMeta{
			ID:            a.ID,
			Name:          a.Name,
			Broker:        a.Broker,
			CredentialRef: a.CredentialRef,
			Active:        a.IsActive(),
		}
		rec.Track(meta)
		if meta.Broker == sim.Name() {
			sim.Seed(meta.ID, domain.Snapshot{
				AvailableFunds:  cfg.Trading.SimulatorFunds,
				MarginAvailable: cfg.Trading.SimulatorFunds,
			})
		}
	}
	logger.Info("accounts loaded", "stored", len(stored), "configured", len(cfg.Accounts), "brokers", registry.Names())

	seq := reconcile.NewSequencer()
	poller := reconcile.NewPoller(rec, registry, seq, cal,
		store.Recorders{archive, store.AccountWriter{Repo: repo}},
		reconcile.PollOptions{
			MarketInterval:   cfg.Refresh.MarketInterval,
			OffHoursInterval: cfg.Refresh.OffHoursInterval,
			Concurrency:      cfg.Refresh.Concurrency,
			Timeout:          cfg.Refresh.Timeout,
			Deadline:         cfg.Refresh.Deadline,
			Retries:          cfg.Refresh.Retries,
			RetryDelay:       cfg.Refresh.RetryDelay,
			RateLimitPerMin:  cfg.Refresh.RateLimitPerMin,
		}, logger)
	push := reconcile.NewPushFeed(rec, registry, seq, logger)
	push.BaseDelay = cfg.Refresh.PushBaseDelay
	push.MaxDelay = cfg.Refresh.PushMaxDelay
	push.Resync = func(ctx context.Context, id string) {
		report := poller.RefreshNow(ctx, []string{id})
		if msg, failed := report.Errors[id]; failed {
			logger.Warn("resync after fill failed", "account", id, "error", msg)
		}
	}
	accounts := reconcile.NewAccountManager(rec, registry, repo, push, poller, logger)
	prices := live.NewPricePublisher(quotes, holders, hub, cfg.Broadcast.PriceInterval, logger)

	// Order entry.
	exec := engine.NewExecutor(rec, holders, registry, logger)
	dispatcher := engine.NewDispatcher(exec,
		engine.NewRiskManager(cfg.Trading.MaxQuantity, cfg.Trading.MaxNotional),
		engine.DispatchOptions{
			Concurrency:    cfg.Dispatch.Concurrency,
			AccountTimeout: cfg.Dispatch.AccountTimeout,
			Deadline:       cfg.Dispatch.Deadline,
		}, logger)
	eng := engine.NewEngine(dispatcher, holders, store.AuditLog{Repo: repo}, logger)

	// Listeners.
	api := httpapi.NewServer(httpapi.Deps{
		Orders:    eng,
		State:     rec,
		Refresher: poller,
		History:   archive,
		Audit:     repo,
		Accounts:  accounts,
		Trades:    trades,
		Stream:    live.NewWSServer(hub, rec, logger),
		Loc:       loc,
	}, logger)
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var grpcServer *grpc.Server
	var grpcLis net.Listener
	if addr := cfg.Server.GRPCAddr(); addr != "" {
		grpcLis, err = net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", addr, err)
		}
		grpcServer = grpc.NewServer()
		live.NewGRPCServer(hub, rec, logger).RegisterGRPC(grpcServer)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	if grpcServer != nil {
		g.Go(func() error {
			logger.Info("gRPC server listening", "addr", grpcLis.Addr().String())
			return grpcServer.Serve(grpcLis)
		})
	}
	g.Go(func() error { return ignoreCanceled(poller.Run(gctx)) })
	g.Go(func() error { return ignoreCanceled(push.Run(gctx, rec.Active())) })
	g.Go(func() error { return ignoreCanceled(prices.Run(gctx)) })

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down tradedesk-server")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
		if grpcServer != nil {
			// Open update streams only end when their client leaves.
			stopped := make(chan struct{})
			go func() {
				grpcServer.GracefulStop()
				close(stopped)
			}()
			select {
			case <-stopped:
			case <-shutdownCtx.Done():
				grpcServer.Stop()
			}
		}
		return nil
	})

	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
