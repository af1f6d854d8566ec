package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"execution-core/internal/api"
	"execution-core/internal/events"
	"execution-core/internal/execution"
	"execution-core/internal/gateway"
	"execution-core/internal/monitor"
	"execution-core/internal/quality"
	"execution-core/internal/reconciliation"
	"execution-core/internal/risk"
	"execution-core/internal/routing"
	"execution-core/internal/settlement"
	"execution-core/internal/strategy"
	"execution-core/pkg/config"
	"execution-core/pkg/crypto"
	"execution-core/pkg/db"
	exchange "execution-core/pkg/exchanges/common"
	"execution-core/pkg/fx"
	"execution-core/pkg/logger"
	"execution-core/pkg/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("execution core stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	version := os.Getenv("APP_VERSION")
	if version == "" {
		version = "v0.1-dev"
	}
	log.Info("starting execution core",
		zap.String("version", version),
		zap.String("port", cfg.Port),
		zap.String("grpc_port", cfg.GRPCPort),
		zap.Bool("dry_run", cfg.DryRun))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.TracingEnabled,
		ServiceName: "execution-core",
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("tracing init: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	catalog, err := config.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		return fmt.Errorf("load catalog %s: %w", cfg.CatalogPath, err)
	}

	// Persistence
	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	store := database.Store()
	batch := db.NewBatchWriter(database.DB, 50, 500*time.Millisecond, log)
	defer func() { _ = batch.Close() }()

	bus := events.NewBus()
	metrics := monitor.NewSystemMetrics()

	// Brokers
	keys, err := crypto.KeyringFromEnv("MASTER_ENCRYPTION_KEY")
	if err != nil {
		return fmt.Errorf("credential keyring: %w", err)
	}
	gwCfg := gateway.DefaultConfig()
	gwCfg.CallTimeout = cfg.BrokerTimeout
	gwCfg.HealthInterval = cfg.HealthInterval
	gwCfg.QuoteMaxAge = cfg.QuoteMaxAge
	gwCfg.WatchSymbols = catalog.WatchSymbols
	brokers := gateway.NewManager(gwCfg, log)
	brokers.OnHealthChange = func(row exchange.BrokerHealth) {
		bus.Publish(events.EventBrokerHealth, row)
	}
	if err := brokers.Load(gateway.Factory{Keys: keys, DryRun: cfg.DryRun}, catalog.Brokers); err != nil {
		return err
	}
	brokers.Start(ctx)
	defer brokers.Stop()
	metrics.SetHealthSource(brokers)

	// FX
	rates := fx.NewTable(catalog.FX.Pivot, catalog.FX.Rates)
	if cfg.FXURL != "" {
		refresher := fx.NewRefresher(rates, &fx.HTTPSource{URL: cfg.FXURL, Pivot: rates.Pivot()}, cfg.FXRefresh, log)
		refresher.Start(ctx)
		defer refresher.Stop()
	}

	// Risk, strategies, execution
	riskMgr := risk.NewManager(risk.FromCatalog(catalog.Risk), nil, log)

	registry := strategy.DefaultRegistry()
	strategies := strategy.NewCatalog(registry)
	if err := strategies.Load(catalog.Strategies); err != nil {
		return fmt.Errorf("load strategies: %w", err)
	}
	profiles := strategy.NewVolumeProfiles(catalog.VolumeProfiles)
	signals := strategy.NewSignalBoard(5 * time.Minute)

	schedCfg := execution.DefaultConfig()
	schedCfg.Tick = cfg.SchedulerTick
	schedCfg.Workers = cfg.SchedulerWorkers
	schedCfg.CallTimeout = cfg.BrokerTimeout
	scheduler := execution.NewScheduler(schedCfg, brokers, execution.Evaluator{Quotes: brokers, Signals: signals}, bus, log)
	planStore := execution.NewDBStore(store)
	scheduler.SetStore(planStore)

	analyzer := quality.NewAnalyzer(quality.DefaultConfig(), quality.Chain{brokers}, quality.NewDBStore(store, batch), log)
	scheduler.OnComplete(analyzer.HandleCompleted)

	execSvc := execution.NewService(strategies, scheduler, brokers, profiles, riskMgr, planStore, log)

	router := routing.NewRouter(brokers, riskMgr, bus, log)
	if err := router.Load(catalog.RoutingRules); err != nil {
		return fmt.Errorf("load routing rules: %w", err)
	}

	// Reconciliation and settlement
	recCfg := reconciliation.DefaultConfig()
	recCfg.CallTimeout = cfg.BrokerTimeout
	engine := reconciliation.NewEngine(recCfg, brokers, rates, reconciliation.ScoringFromConfig(catalog.Scoring), bus, log)
	engine.SetStore(reconciliation.NewDBStore(store))
	for _, ac := range catalog.Accounts {
		if err := engine.Upsert(reconciliation.AccountFromConfig(ac)); err != nil {
			return fmt.Errorf("account %s: %w", ac.ID, err)
		}
	}
	riskMgr.SetPositionSource(engine)

	coordinator := settlement.NewCoordinator(settlement.ConfigFromCatalog(catalog.Settlement), brokers, engine, engine, bus, log)
	coordinator.SetStore(settlement.NewDBStore(store))
	if err := coordinator.Load(ctx); err != nil {
		return fmt.Errorf("load settlement instructions: %w", err)
	}
	engine.OnSnapshot(coordinator.HandleSnapshot)

	// Monitoring
	mon := monitor.New(bus, metrics, monitor.DefaultRules(), monitor.LogSink{Log: log}, log)
	mon.Start(ctx)

	schedDone := make(chan error, 1)
	go func() { schedDone <- scheduler.Run(ctx) }()
	engine.Start(ctx)
	defer engine.Stop()

	// API
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	server := api.NewServer(api.Deps{
		Bus:        bus,
		Brokers:    brokers,
		Execution:  execSvc,
		Quality:    analyzer,
		Routing:    router,
		Strategies: strategies,
		Signals:    signals,
		Reconciler: engine,
		Settlement: coordinator,
		Metrics:    metrics,
	}, api.Options{
		JWTSecret: cfg.OperatorJWTSecret,
		ReportDir: cfg.ReportDir,
		RateLimit: cfg.APIRateLimit,
		RateBurst: cfg.APIRateBurst,
		DryRun:    cfg.DryRun,
		Version:   version,
	}, log)
	if cfg.OperatorJWTSecret == "" {
		log.Warn("OPERATOR_JWT_SECRET not set; settlement mutations are unauthenticated")
	}
	httpSrv := &http.Server{Addr: ":" + cfg.Port, Handler: server.Handler(), ReadHeaderTimeout: 10 * time.Second}

	health := api.NewHealthService(brokers, log)
	grpcSrv := grpc.NewServer()
	health.RegisterGRPC(grpcSrv)
	go health.Watch(ctx, bus)

	errCh := make(chan error, 2)
	go func() {
		log.Info("http api listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			errCh <- fmt.Errorf("grpc listen: %w", err)
			return
		}
		log.Info("grpc health listening", zap.String("addr", lis.Addr().String()))
		if err := grpcSrv.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case runErr = <-errCh:
	case runErr = <-schedDone:
	}
	stop()

	health.Shutdown()
	grpcSrv.GracefulStop()
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(sctx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	mon.Wait()
	if err := batch.Flush(sctx); err != nil {
		log.Warn("final quality report flush failed", zap.Error(err))
	}
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	return runErr
}
