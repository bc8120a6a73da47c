package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"stablecore/core/events"
	"stablecore/native/stable"
	"stablecore/observability"
	"stablecore/observability/logging"
	telemetry "stablecore/observability/otel"
	"stablecore/services/stabled/adapters"
	"stablecore/services/stabled/config"
	"stablecore/services/stabled/oracle"
	"stablecore/services/stabled/server"
	"stablecore/services/stabled/storage"
	kv "stablecore/storage"
)

func main() {
	var cfgPath, envFile string
	flag.StringVar(&cfgPath, "config", "services/stabled/config.yaml", "path to stabled configuration file")
	flag.StringVar(&envFile, "env-file", ".env", "optional dotenv file with STABLED_* overrides")
	flag.Parse()

	cfg, err := config.Load(cfgPath, config.WithEnvFile(envFile))
	if err != nil {
		log.Fatalf("stabled: load config: %v", err)
	}

	env := strings.TrimSpace(os.Getenv("STABLED_ENV"))
	logger := logging.SetupWithOptions("stabled", env, logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.ConfigFromEnv("stabled", env))
	if err != nil {
		log.Fatalf("stabled: init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("stabled exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	dsn, err := storage.FileDSN(cfg.DatabasePath)
	if err != nil {
		return err
	}
	store, err := storage.Open(dsn)
	if err != nil {
		return err
	}
	defer store.Close()

	if failed, err := store.FailPending(ctx); err != nil {
		return err
	} else if failed > 0 {
		logger.Warn("marked interrupted settlements as failed", "count", failed)
	}

	stateDB, err := kv.NewLevelDB(cfg.StatePath)
	if err != nil {
		return err
	}
	defer stateDB.Close()
	state := kv.NewKV(stateDB, "stabled/")

	gov, err := stable.NewGovernance(cfg.Governance.Owner, cfg.Governance.Guardians, state)
	if err != nil {
		return err
	}

	recorder := events.NewRecorder(1024)
	ledger := store.Ledger(cfg.Token.Treasury)
	payments := adapters.NewPaymentRail(nil, cfg.Payments, cfg.Token.Treasury)

	opts := []stable.Option{
		stable.WithAuthority(gov),
		stable.WithBaseTransfer(payments),
		stable.WithPaymentCollector(payments),
		stable.WithEmitter(events.Multi{recorder, observability.Events()}),
		stable.WithStorage(state),
		stable.WithRateRecorder(store),
		stable.WithLogger(logger),
	}
	engineCfg := stable.Config{
		Treasury:        cfg.Token.Treasury,
		Symbol:          cfg.Token.Symbol,
		AssetID:         cfg.Oracle.AssetID,
		RestrictTrading: cfg.Governance.RestrictTrading,
		ConfirmTimeout:  cfg.Payments.ConfirmTimeout.Duration,
	}
	if cfg.LiquidityEnabled() {
		pool := adapters.NewPoolClient(nil, cfg.Pool.EndpointConfig)
		ledger.Register(cfg.Pool.Account, pool)
		engineCfg.PoolAccount = cfg.Pool.Account
		engineCfg.PoolID = cfg.Pool.ID
		engineCfg.AssetToken = cfg.Pool.AssetToken
		engineCfg.AssetDecimals = cfg.Pool.AssetDecimals
		engineCfg.MinLiquidityWhole = big.NewInt(cfg.Pool.MinDeposit)
		opts = append(opts,
			stable.WithAssetLedger(adapters.NewAssetLedger(nil, cfg.AssetLedger)),
			stable.WithLiquidityPool(pool),
		)
	}

	registry := adapters.NewRegistry()
	sources, err := registry.BuildAll(cfg.Sources)
	if err != nil {
		return err
	}
	mgr, err := oracle.New(sources, cfg.Oracle.Interval.Duration, cfg.Oracle.MaxAge.Duration,
		cfg.Oracle.ValidFor.Duration, cfg.Oracle.MinFeeds,
		oracle.WithLogger(logger),
		oracle.WithRecorder(store),
	)
	if err != nil {
		return err
	}

	engine, err := stable.NewEngine(engineCfg, ledger, mgr, opts...)
	if err != nil {
		return err
	}
	warmCache(ctx, engine, store, logger)

	auth, err := server.NewAuthenticator(server.AuthConfig{
		HMACSecret: cfg.Auth.HMACSecret,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		ClockSkew:  cfg.Auth.ClockSkew.Duration,
	}, logger)
	if err != nil {
		return err
	}
	srv, err := server.New(server.Config{
		ListenAddress:  cfg.ListenAddress,
		SettlementWait: cfg.Settlement.Wait.Duration,
		BaseDecimals:   cfg.Token.BaseDecimals,
		RateLimit: server.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
	}, engine, store, auth,
		server.WithLogger(logger),
		server.WithEventRecorder(recorder),
		server.WithHealthCheck(store.Ping),
	)
	if err != nil {
		return err
	}

	logger.Info("stabled starting", cfg.LogAttrs()...)
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return mgr.Run(ctx, engine.Cache()) })
	group.Go(func() error { return srv.Run(ctx) })
	return group.Wait()
}

// warmCache seeds the price cache with the last persisted rate so requests
// arriving before the first oracle tick can settle while it is still fresh.
func warmCache(ctx context.Context, engine *stable.Engine, store *storage.Storage, logger *slog.Logger) {
	rate, err := store.LatestRate(ctx, engine.Cache().AssetID())
	if err != nil {
		if !errors.Is(err, storage.ErrRateNotFound) {
			logger.Warn("load persisted rate", "error", err)
		}
		return
	}
	_, err = engine.Cache().Complete(ctx, stable.PriceData{
		AssetID:    engine.Cache().AssetID(),
		Multiplier: rate.Multiplier,
		Decimals:   rate.Decimals,
		ObservedAt: rate.ObservedAt,
		ValidFor:   rate.ValidFor,
	})
	if err != nil {
		logger.Info("persisted rate not reusable", "error", err)
	}
}
