package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperspot/params"
	"github.com/uhyunpark/hyperspot/pkg/api"
	"github.com/uhyunpark/hyperspot/pkg/app/core/account"
	"github.com/uhyunpark/hyperspot/pkg/app/core/engine"
	"github.com/uhyunpark/hyperspot/pkg/app/core/ledger"
	"github.com/uhyunpark/hyperspot/pkg/app/core/market"
	"github.com/uhyunpark/hyperspot/pkg/app/core/model"
	"github.com/uhyunpark/hyperspot/pkg/app/core/wallet"
	"github.com/uhyunpark/hyperspot/pkg/events"
	"github.com/uhyunpark/hyperspot/pkg/metrics"
	"github.com/uhyunpark/hyperspot/pkg/storage"
	"github.com/uhyunpark/hyperspot/pkg/storage/pebblestore"
	"github.com/uhyunpark/hyperspot/pkg/storage/postgres"
	"github.com/uhyunpark/hyperspot/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg, err := params.LoadFromEnv("") // "" means load from .env in current directory
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := newLogger(cfg.App)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, sugar); err != nil {
		sugar.Fatalw("exchange_failed", "err", err)
	}
}

func newLogger(cfg params.App) (*zap.Logger, error) {
	if cfg.LogFile == "" {
		return util.NewLogger(cfg.LogLevel)
	}
	return util.NewLoggerWithFile(cfg.LogLevel, cfg.LogFile)
}

func run(ctx context.Context, cfg params.Config, sugar *zap.SugaredLogger) error {
	clock := util.RealClock{}

	// ---- Storage ----
	repo, err := openRepository(ctx, cfg)
	if err != nil {
		return err
	}
	defer repo.Close()
	sugar.Infow("repository_opened", "driver", cfg.Store.Driver)

	// ---- Metrics ----
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// ---- Events ----
	pub, err := newPublisher(cfg, sugar)
	if err != nil {
		return err
	}
	defer pub.Close()

	// ---- Core ----
	markets, err := market.Load(cfg.Markets.Assets, cfg.Markets.Symbols)
	if err != nil {
		return fmt.Errorf("load markets: %w", err)
	}

	led := ledger.New(
		ledger.WithPersist(func(ctx context.Context, rows []model.Balance) error {
			return repo.Commit(ctx, &storage.Changeset{Balances: rows})
		}),
		ledger.WithCommitHook(m.LedgerCommit),
		ledger.WithLogger(sugar.Named("ledger")),
	)

	accounts := account.NewDirectory(repo, pub, clock, sugar.Named("accounts"))

	fallback, err := cfg.Engine.FallbackPrice()
	if err != nil {
		return err
	}
	eng := engine.New(markets, led, repo,
		engine.WithConfig(engine.Config{
			MarketFallbackPrice: fallback,
			DepthLimit:          cfg.Engine.DepthLimit,
			TradesLimit:         cfg.Engine.TradesLimit,
			HistoryLimit:        cfg.Engine.HistoryLimit,
			MaxLimit:            cfg.Engine.MaxLimit,
		}),
		engine.WithEligibility(accounts),
		engine.WithPublisher(pub),
		engine.WithMetrics(m),
		engine.WithClock(clock),
		engine.WithLogger(sugar.Named("engine")),
	)
	if err := eng.Restore(ctx); err != nil {
		return fmt.Errorf("restore engine: %w", err)
	}

	wal := wallet.New(markets, led, repo, accounts,
		wallet.WithConfig(wallet.Config{RequireKYC: cfg.Wallet.RequireKYC}),
		wallet.WithPublisher(pub),
		wallet.WithMetrics(m),
		wallet.WithClock(clock),
		wallet.WithLogger(sugar.Named("wallet")),
	)

	// ---- API Server ----
	server := api.NewServer(api.Services{
		Engine:   eng,
		Wallet:   wal,
		Accounts: accounts,
		Markets:  markets,
		Metrics:  m,
		Gatherer: reg,
		Clock:    clock,
		Logger:   sugar.Named("api"),
	}, api.Config{
		Addr:           cfg.API.Addr,
		AllowedOrigins: cfg.API.AllowedOrigins,
		ReadTimeout:    cfg.API.ReadTimeout,
		WriteTimeout:   cfg.API.WriteTimeout,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sugar.Infow("exchange_started",
		"name", cfg.App.Name,
		"markets", cfg.Markets.Symbols,
		"addr", cfg.API.Addr)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	sugar.Info("shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("api_shutdown_failed", "err", err)
	}
	return <-errCh
}

func openRepository(ctx context.Context, cfg params.Config) (storage.Repository, error) {
	switch cfg.Store.Driver {
	case params.DriverPebble:
		return pebblestore.Open(cfg.Store.Path)
	case params.DriverPostgres:
		return postgres.Open(ctx, cfg.Postgres)
	default:
		return storage.NewMemoryStore(), nil
	}
}

// newPublisher fans out to every configured sink, or drops events when none
// is configured.
func newPublisher(cfg params.Config, sugar *zap.SugaredLogger) (events.Publisher, error) {
	var sinks events.Multi
	if len(cfg.Kafka.Brokers) > 0 {
		sinks = append(sinks, events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic))
		sugar.Infow("kafka_publisher_enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}
	if cfg.Journal.Path != "" {
		j, err := events.NewFileJournal(cfg.Journal.Path)
		if err != nil {
			sinks.Close()
			return nil, fmt.Errorf("open event journal: %w", err)
		}
		sinks = append(sinks, j)
		sugar.Infow("event_journal_enabled", "path", cfg.Journal.Path)
	}
	if len(sinks) == 0 {
		return events.Nop{}, nil
	}
	return sinks, nil
}
