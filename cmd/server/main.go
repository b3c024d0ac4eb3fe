package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/warmfleet/browserpool/internal/api"
	"github.com/warmfleet/browserpool/internal/browser"
	"github.com/warmfleet/browserpool/internal/config"
	"github.com/warmfleet/browserpool/internal/dockerhost"
	"github.com/warmfleet/browserpool/internal/fleet"
	"github.com/warmfleet/browserpool/internal/gateway"
	"github.com/warmfleet/browserpool/internal/pool"
	"github.com/warmfleet/browserpool/internal/proxy"
	"github.com/warmfleet/browserpool/internal/ratelimit"
	"github.com/warmfleet/browserpool/internal/telemetry"
	"github.com/warmfleet/browserpool/internal/upstream"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	envLoaded := godotenv.Load() == nil

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := newLogger(cfg.Debug)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	if !envLoaded {
		logger.Debug("no .env file found, using process environment")
	}

	tel, err := telemetry.NewProvider(context.Background(), telemetry.Config{
		Enabled:      cfg.Telemetry.Enabled,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		Insecure:     cfg.Telemetry.Insecure,
		Interval:     cfg.Telemetry.Interval,
	})
	if err != nil {
		logger.Fatal("init telemetry", zap.Error(err))
	}

	var (
		provision fleet.ProvisionerFunc
		contexts  *api.ContextHandler
		host      *dockerhost.Host
	)
	switch cfg.Upstream.Mode {
	case config.ModeDocker:
		host, err = dockerhost.New(logger)
		if err != nil {
			logger.Fatal("connect to docker", zap.Error(err))
		}
		imageCtx, cancelImage := context.WithTimeout(context.Background(), 5*time.Minute)
		if err := host.EnsureImage(imageCtx); err != nil {
			cancelImage()
			logger.Fatal("ensure browser image", zap.Error(err))
		}
		cancelImage()
		provision = host.Provisioner
		logger.Info("docker host ready")
	default:
		client, err := upstream.New(upstream.Config{
			BaseURL:    cfg.Upstream.BaseURL,
			APIKey:     cfg.Upstream.APIKey,
			ProjectID:  cfg.Upstream.ProjectID,
			ContextID:  cfg.Upstream.ContextID,
			SessionTTL: cfg.Upstream.SessionTTL,
			Timeout:    cfg.Upstream.Timeout,
			Logger:     logger,
		})
		if err != nil {
			logger.Fatal("init upstream client", zap.Error(err))
		}
		provision = client.Provisioner
		contexts = api.NewContextHandler(client, logger)
		logger.Info("upstream client ready", zap.String("base_url", cfg.Upstream.BaseURL))
	}

	connector, err := browser.NewConnector(logger)
	if err != nil {
		logger.Fatal("start browser connector", zap.Error(err))
	}

	fleetMgr, err := fleet.New(fleet.Config{
		Regions:       cfg.Regions,
		DefaultRegion: cfg.DefaultRegion,
		Pool: pool.Config{
			Size:                   cfg.Pool.Size,
			MaxSessionUses:         cfg.Pool.MaxSessionUses,
			MaxSessionAge:          cfg.Pool.MaxSessionAge,
			MaxSessionIdle:         cfg.Pool.MaxSessionIdle,
			EnableHealthCheck:      cfg.Pool.HealthCheck.Enabled,
			HealthCheckInterval:    cfg.Pool.HealthCheck.Interval,
			DisableWaitQueue:       cfg.Pool.DisableWaitQueue,
			DisableDisconnectWatch: cfg.Pool.DisableDisconnectWatch,
			EagerPageCreation:      cfg.Pool.EagerPageCreation,
			RetryDelay:             cfg.Pool.RetryDelay,
		},
		Logger: logger,
	}, provision, connector)
	if err != nil {
		logger.Fatal("build fleet", zap.Error(err))
	}
	logger.Info("fleet ready",
		zap.Strings("regions", cfg.Regions),
		zap.String("default_region", cfg.DefaultRegion),
		zap.Int("pool_size", cfg.Pool.Size))

	warmCtx, cancelWarm := context.WithTimeout(context.Background(), 5*time.Minute)
	if err := fleetMgr.Initialize(warmCtx); err != nil {
		logger.Warn("pool warm-up incomplete, continuing with on-demand creation", zap.Error(err))
	}
	cancelWarm()

	if err := telemetry.ObservePoolStats(tel.Meter("browserpool"), fleetMgr.Stats); err != nil {
		logger.Warn("register pool gauges", zap.Error(err))
	}

	gw, err := gateway.New(gateway.Config{
		MaxConcurrent: cfg.Concurrency.MaxSessionsPerProject,
		DefaultTTL:    cfg.Lease.DefaultTTL,
		MinTTL:        cfg.Lease.Min,
		MaxTTL:        cfg.Lease.Max,
		ContextID:     cfg.Upstream.ContextID,
		Logger:        logger,
	}, fleetMgr)
	if err != nil {
		logger.Fatal("build gateway", zap.Error(err))
	}

	limiter := ratelimit.NewLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst)
	proxyServer := proxy.NewServer(gw, logger)
	handler := api.NewHandler(gw, fleetMgr.Stats, logger)
	router := handler.SetupRoutes(contexts, proxyServer, limiter, cfg.RateLimit.RequestsPerMinute)

	srv := &http.Server{
		Addr:         cfg.Listen,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("addr", cfg.Listen))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	httpCtx, cancelHTTP := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		logger.Error("http shutdown", zap.Error(err))
	}
	cancelHTTP()

	gw.Shutdown()

	fleetCtx, cancelFleet := context.WithTimeout(context.Background(), 30*time.Second)
	if err := fleetMgr.Shutdown(fleetCtx); err != nil {
		logger.Error("fleet shutdown", zap.Error(err))
	}
	cancelFleet()

	if err := connector.Close(); err != nil {
		logger.Error("close browser connector", zap.Error(err))
	}
	if host != nil {
		if err := host.Close(); err != nil {
			logger.Error("close docker client", zap.Error(err))
		}
	}

	telCtx, cancelTel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := tel.Shutdown(telCtx); err != nil {
		logger.Error("telemetry shutdown", zap.Error(err))
	}
	cancelTel()

	logger.Info("server stopped")
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
