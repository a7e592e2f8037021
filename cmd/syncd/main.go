package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/erp/datasync/internal/application/entitysync"
	appranking "github.com/erp/datasync/internal/application/ranking"
	apptrade "github.com/erp/datasync/internal/application/trade"
	appwallet "github.com/erp/datasync/internal/application/wallet"
	"github.com/erp/datasync/internal/domain/entity"
	"github.com/erp/datasync/internal/domain/shared"
	"github.com/erp/datasync/internal/infrastructure/bus"
	"github.com/erp/datasync/internal/infrastructure/cache"
	"github.com/erp/datasync/internal/infrastructure/config"
	"github.com/erp/datasync/internal/infrastructure/logger"
	"github.com/erp/datasync/internal/infrastructure/remote"
	"github.com/erp/datasync/internal/infrastructure/telemetry"
	"github.com/erp/datasync/internal/interfaces/http/handler"
	"github.com/erp/datasync/internal/interfaces/http/router"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	log, err := logger.New(&logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = log.Sync()
	}()

	log.Info("Starting sync engine",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("store", cfg.Store.Driver),
		zap.String("transport", cfg.Bus.Transport),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry
	telCfg := telemetry.Config{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
		ExportInterval:    cfg.Telemetry.MetricsInterval,
	}
	meterProvider, err := telemetry.NewMeterProvider(ctx, telCfg, log)
	if err != nil {
		log.Fatal("Failed to initialize metrics", zap.Error(err))
	}
	tracerProvider, err := telemetry.NewTracerProvider(ctx, telCfg, log)
	if err != nil {
		log.Fatal("Failed to initialize tracing", zap.Error(err))
	}
	logsProvider, err := telemetry.NewLoggerProvider(ctx, telemetry.Config{
		Enabled:           cfg.Telemetry.Enabled && cfg.Telemetry.LogsEnabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize log export", zap.Error(err))
	}
	log = logsProvider.Bridge(log, logger.ParseLevel(cfg.Log.Level))

	profiler, err := telemetry.NewProfiler(telemetry.ProfilerConfig{
		Enabled:         cfg.Telemetry.Profiling.Enabled,
		ServerAddress:   cfg.Telemetry.Profiling.ServerAddress,
		ApplicationName: cfg.Telemetry.ServiceName,
		Goroutines:      cfg.Telemetry.Profiling.Goroutines,
	}, log)
	if err != nil {
		log.Fatal("Failed to start profiler", zap.Error(err))
	}
	if profiler.IsEnabled() {
		tracerProvider.EnableSpanProfiles()
	}

	metrics, err := telemetry.NewSyncMetrics(meterProvider.Meter("datasync"))
	if err != nil {
		log.Fatal("Failed to register sync metrics", zap.Error(err))
	}
	storePlugin, err := telemetry.NewStorePlugin(meterProvider.Meter("datasync.store"), telemetry.StorePluginConfig{
		Tracing:       cfg.Telemetry.Enabled && cfg.Telemetry.StoreTracing,
		SlowThreshold: cfg.SQLite.SlowThreshold,
	}, log)
	if err != nil {
		log.Fatal("Failed to register store metrics", zap.Error(err))
	}

	// Persistent store and Redis
	deps, err := openDeps(ctx, cfg, log, storePlugin)
	if err != nil {
		log.Fatal("Failed to open store", zap.Error(err))
	}
	defer deps.Close(log)

	// Bus
	transport, err := newTransport(cfg, deps, log)
	if err != nil {
		log.Fatal("Failed to create bus transport", zap.Error(err))
	}
	eventBus := bus.New(
		bus.WithTransport(transport),
		bus.WithLogger(log),
		bus.WithMetrics(metrics),
	)
	if err := eventBus.Start(ctx); err != nil {
		log.Fatal("Failed to start bus", zap.Error(err))
	}
	defer func() {
		if err := eventBus.Close(); err != nil {
			log.Error("Error closing bus", zap.Error(err))
		}
	}()

	// Sync core
	registry := entitysync.NewDefaultRegistry()
	entityCache := cache.New(deps.store, registry,
		cache.WithPublisher(eventBus),
		cache.WithTTLPolicy(entity.TTLPolicy{
			User:    cfg.Cache.UserTTL,
			Shared:  cfg.Cache.SharedTTL,
			Refresh: cfg.Cache.RefreshTTL,
		}),
		cache.WithLogger(log),
		cache.WithMetrics(metrics),
	)
	gateway := remote.New(remote.Config{
		BaseURL:      cfg.Remote.BaseURL,
		Timeout:      cfg.Remote.Timeout,
		FetchRetries: cfg.Remote.FetchRetries,
		RetryDelay:   cfg.Remote.RetryDelay,
		Token:        cfg.Remote.Token,
	}, remote.WithLogger(log), remote.WithMetrics(metrics))

	managerOpts := []entitysync.Option{
		entitysync.WithLogger(log),
		entitysync.WithMetrics(metrics),
	}
	var outbox *entitysync.StoreOutboxRepository
	if cfg.Outbox.Enabled {
		outbox = entitysync.NewStoreOutboxRepository(deps.store)
		managerOpts = append(managerOpts, entitysync.WithOutbox(outbox, cfg.Outbox.MaxRetries))
	}
	manager := entitysync.NewManager(entityCache, gateway, registry, managerOpts...)

	var reconciler *entitysync.Reconciler
	if outbox != nil {
		reconciler = entitysync.NewReconciler(outbox, gateway, manager, entitysync.ReconcilerConfig{
			BatchSize:        cfg.Outbox.BatchSize,
			PollInterval:     cfg.Outbox.PollInterval,
			ProcessingLease:  cfg.Outbox.ProcessingLease,
			CleanupEnabled:   cfg.Outbox.CleanupRetention > 0,
			CleanupRetention: cfg.Outbox.CleanupRetention,
		}, entitysync.WithReconcilerLogger(log), entitysync.WithReconcilerMetrics(metrics))
		if err := reconciler.Start(ctx); err != nil {
			log.Fatal("Failed to start reconciler", zap.Error(err))
		}
	}

	refresher := entitysync.NewRefresher(manager, cfg.Outbox.RefreshInterval, log)
	for _, t := range []entity.Type{entity.Users, entity.Products, entity.Orders, entity.Rankings, entity.Deposits, entity.DepositMethods} {
		refresher.Track(t, entity.ScopeAll)
	}
	refresher.Start(ctx)

	// Services
	wallets := appwallet.NewService(manager, appwallet.WithLogger(log))
	if cfg.Deposit.SeedMethods {
		if _, err := wallets.SeedMethods(ctx); err != nil {
			log.Warn("Failed to seed deposit methods", zap.Error(err))
		}
	}
	orders := apptrade.NewOrderService(manager, eventBus,
		apptrade.WithPayer(wallets),
		apptrade.WithLogger(log))
	rankings := appranking.NewService(manager, appranking.WithLogger(log))
	unsubscribeRankings := rankings.Attach(eventBus)
	defer unsubscribeRankings()

	view := appwallet.NewView(log)
	// the seen-set is shared through Redis, so each tab keeps its own scope
	viewHandler := bus.NewIdempotentHandler(view.Handle,
		bus.NewScopedIdempotencyStore(deps.idempotency, eventBus.TabID()), log,
		bus.WithIdempotencyConfig(idempotencyConfig(cfg)))
	unsubscribeView := eventBus.Subscribe(shared.TopicWalletSync, viewHandler.Handle)
	defer unsubscribeView()

	// HTTP
	var srv *http.Server
	if cfg.HTTP.Enabled {
		srv = newHTTPServer(cfg, log, eventBus.TabID(),
			handler.NewWalletHandler(wallets),
			handler.NewDepositHandler(wallets),
			handler.NewRankingHandler(rankings),
			handler.NewOrderHandler(orders),
			handler.NewSyncHandler(manager, reconciler),
		)
		go func() {
			log.Info("Server starting", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Server stopped", zap.Error(err))
				stop()
			}
		}()
	}

	<-ctx.Done()
	log.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("Server forced to shutdown", zap.Error(err))
		}
	}
	refresher.Stop()
	if reconciler != nil {
		if err := reconciler.Stop(shutdownCtx); err != nil {
			log.Error("Reconciler did not stop cleanly", zap.Error(err))
		}
	}
	if err := profiler.Stop(); err != nil {
		log.Error("Error stopping profiler", zap.Error(err))
	}
	_ = tracerProvider.Shutdown(shutdownCtx)
	_ = meterProvider.Shutdown(shutdownCtx)
	_ = logsProvider.Shutdown(shutdownCtx)

	log.Info("Sync engine exited gracefully")
}

func newHTTPServer(cfg *config.Config, log *zap.Logger, tabID string, registrars ...router.RouteRegistrar) *http.Server {
	engineCfg := router.DefaultEngineConfig()
	engineCfg.ServiceName = cfg.Telemetry.ServiceName
	engineCfg.Tracing = cfg.Telemetry.Enabled
	if cfg.App.Env != "production" {
		engineCfg.Mode = gin.DebugMode
	}

	engine := router.NewEngine(engineCfg, log)
	engine.GET("/health", handler.NewSystemHandler(cfg.App.Name, tabID).Health)
	router.NewRouter(engine).Register(registrars...).Setup()

	return &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      engine,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}
}
