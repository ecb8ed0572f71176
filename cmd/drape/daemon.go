package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/drape/core/internal/cache"
	"github.com/drape/core/internal/config"
	"github.com/drape/core/internal/coreerr"
	"github.com/drape/core/internal/filesync"
	"github.com/drape/core/internal/gateway"
	"github.com/drape/core/internal/logging"
	"github.com/drape/core/internal/metrics"
	"github.com/drape/core/internal/objectstore"
	"github.com/drape/core/internal/observability"
	"github.com/drape/core/internal/orchestrator"
	"github.com/drape/core/internal/providerclient"
	"github.com/drape/core/internal/ratelimit"
	"github.com/drape/core/internal/server"
	"github.com/drape/core/internal/store"
)

func daemonCmd() *cobra.Command {
	var (
		httpAddr string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the drape orchestration daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				loaded, err := config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				cfg = loaded
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("http-addr") {
				cfg.Daemon.HTTPAddr = httpAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Daemon.LogLevel = logLevel
				cfg.Observability.Logging.Level = logLevel
			}

			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)
			return runDaemon(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http-addr", "", "override daemon.http_addr")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "override daemon.log_level")
	return cmd
}

func runDaemon(ctx context.Context, cfg *config.Config) error {
	log := logging.Op()

	shutdownTracing, err := observability.Init(ctx, cfg.Observability.Tracing)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn("daemon: tracing shutdown failed", "err", err)
		}
	}()

	promReg := registryOrNil(cfg)

	pgStore, err := store.NewPostgresStore(ctx, cfg.Store.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pgStore.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr})
	defer redisClient.Close()

	sessionRegistry := store.NewSessionRegistry(redisClient, cfg.Session.IdleTimeout)

	var objStore *objectstore.Store
	if cfg.Cache.Tier3Enabled {
		objStore, err = objectstore.New(ctx, objectstore.Config{
			Bucket:   cfg.ObjectStore.Bucket,
			Region:   cfg.ObjectStore.Region,
			Endpoint: cfg.ObjectStore.Endpoint,
		})
		if err != nil {
			return fmt.Errorf("init object store: %w", err)
		}
		if cfg.Cache.Tier3URL == "" {
			cfg.Cache.Tier3URL = objStore.PresignedTier3URL()
		}
	}

	providerClient := providerclient.New(providerclient.Config{
		BaseURL:          cfg.Provider.BaseURL,
		RoutingHeader:    cfg.Provider.RoutingHeader,
		RequestTimeout:   cfg.Provider.RequestTimeout,
		RetryBaseDelay:   cfg.Provider.RetryBaseDelay,
		RetryMaxAttempts: cfg.Provider.RetryMaxAttempts,
	})

	syncer := filesync.New(pgStore, providerClient, cfg.Limits.MaxFileBytes)
	master := cache.NewMasterElector()
	restorer := cache.NewRestorer(providerClient, master, nil, cfg.Cache.Tier3Enabled, cfg.Cache.Tier3URL)
	alerts := observability.NewAlertDispatcher(cfg.Alerts.RatePer5Min)
	alerts.OnAlert(func(class coreerr.Class, count int) {
		log.Warn("daemon: error-rate alert", "class", string(class), "count_in_window", count)
	})

	orch := orchestrator.NewFromProviderClient(cfg, providerClient, syncer, restorer, pgStore, pgStore, sessionRegistry, alerts, pgStore)
	defer orch.Shutdown()

	metricsFlusher := observability.NewMetricsFlusher(pgStore)
	defer metricsFlusher.Shutdown(5 * time.Second)
	orch.SetMetricsRecorder(metricsFlusher)
	orch.Pool().SetMetricsRecorder(metricsFlusher)

	gw, err := gateway.New(sessionRegistry, cfg.Provider.BaseURL, cfg.Provider.RoutingHeader)
	if err != nil {
		return fmt.Errorf("init gateway: %w", err)
	}

	monitor := observability.NewResourceMonitor(providerClient, orch.Pool())

	var startLimiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		backend := ratelimit.NewFallbackBackend(ratelimit.NewRedisBackend(redisClient))
		tiers := make(map[string]ratelimit.TierConfig, len(cfg.RateLimit.Tiers))
		for name, t := range cfg.RateLimit.Tiers {
			tiers[name] = ratelimit.TierConfig{RequestsPerSecond: t.RequestsPerSecond, BurstSize: t.BurstSize}
		}
		startLimiter = ratelimit.New(backend, tiers, ratelimit.TierConfig{
			RequestsPerSecond: cfg.RateLimit.Default.RequestsPerSecond,
			BurstSize:         cfg.RateLimit.Default.BurstSize,
		})
	}

	handler := server.New(server.Config{
		Orchestrator: orch,
		Gateway:      gw,
		Stats:        pgStore,
		Routes:       sessionRegistry,
		Registry:     promReg,
		StartLimiter: startLimiter,
	})

	httpServer := &http.Server{Addr: cfg.Daemon.HTTPAddr, Handler: handler}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := orch.Pool().Adopt(runCtx); err != nil {
		log.Warn("daemon: pool adoption failed", "err", err)
	}
	orch.Pool().RunBackground(runCtx)
	go orch.RunIdleReaper(runCtx)
	go monitor.Run(runCtx)
	go sessionRegistry.RunInvalidationListener(runCtx)

	serveErr := make(chan error, 1)
	go func() {
		log.Info("daemon: listening", "addr", cfg.Daemon.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case err := <-serveErr:
			cancel()
			return err
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				reloaded, err := config.LoadFromFile(configFile)
				if err != nil {
					log.Warn("daemon: config reload failed", "err", err)
					continue
				}
				config.LoadFromEnv(reloaded)
				logging.SetLevelFromString(reloaded.Observability.Logging.Level)
				log.Info("daemon: config reloaded", "log_level", reloaded.Observability.Logging.Level)
				continue
			}

			log.Info("daemon: shutting down", "signal", sig.String())
			cancel()

			sctx, scancel := context.WithTimeout(context.Background(), 15*time.Second)
			if err := httpServer.Shutdown(sctx); err != nil {
				log.Warn("daemon: http server shutdown failed", "err", err)
			}
			scancel()
			return nil
		}
	}
}

// registryOrNil exposes /metrics only when cfg.Observability.Metrics is
// enabled, leaving server.New's GET /metrics route unregistered otherwise.
func registryOrNil(cfg *config.Config) *prometheus.Registry {
	if !cfg.Observability.Metrics.Enabled {
		return nil
	}
	_, reg := metrics.Init(cfg.Observability.Metrics.Namespace, nil)
	return reg
}
