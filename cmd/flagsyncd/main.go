package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mailcrm/flagsync/bridge"
	"github.com/mailcrm/flagsync/config"
	"github.com/mailcrm/flagsync/engine"
	"github.com/mailcrm/flagsync/governor"
	"github.com/mailcrm/flagsync/httpapi"
	"github.com/mailcrm/flagsync/logger"
	"github.com/mailcrm/flagsync/pkg/health"
	"github.com/mailcrm/flagsync/pkg/metrics"
	"github.com/mailcrm/flagsync/pkg/resilient"
	"github.com/mailcrm/flagsync/provider"
	"github.com/mailcrm/flagsync/worker"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("flagsyncd version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	if err := config.LoadConfigFromFile(*configPath, &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "flagsyncd: failed to load config %s: %v\n", *configPath, err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "flagsyncd: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "flagsyncd: warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	logger.Infof("flagsyncd starting (version %s, commit: %s, built: %s)", version, commit, date)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Infof("Received signal: %s, shutting down...", sig)
		cancel()
	}()

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "flagsyncd"
	}
	instanceID := fmt.Sprintf("%s-%d", hostname, os.Getpid())

	rdb, err := resilient.NewResilientDatabase(ctx, &cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", "error", err)
	}
	defer rdb.Close()
	rdb.StartPoolMetrics(ctx)

	healthIntegration := health.NewHealthIntegration(rdb)
	healthIntegration.RegisterCircuitBreakerCheck("db_query_breaker", rdb.GetQueryBreaker())
	healthIntegration.RegisterCircuitBreakerCheck("db_write_breaker", rdb.GetWriteBreaker())
	healthIntegration.RegisterSyncQueueCheck(rdb)
	healthIntegration.Start(ctx)
	defer healthIntegration.Stop()

	statsCollector := metrics.NewCollector(rdb, time.Minute)
	statsCollector.Start(ctx)
	defer statsCollector.Stop()

	resolver := provider.NewResolver(cfg.Providers)
	gov := governor.New(&cfg.Sync, rdb)
	eng := engine.New(rdb)

	connectTimeout, err := cfg.Sync.GetConnectTimeout()
	if err != nil {
		logger.Fatal("Invalid connect timeout", "error", err)
	}
	sessions := &worker.IMAPSessionFactory{ConnectTimeout: connectTimeout}

	queueWorker, err := worker.New(&cfg.Queue, instanceID, rdb, sessions, gov, resolver, eng)
	if err != nil {
		logger.Fatal("Failed to build queue worker", "error", err)
	}
	queueWorker.Start(ctx)
	defer queueWorker.Stop()

	scheduler, err := worker.NewScheduler(&cfg.Scheduler, &cfg.Queue, rdb, queueWorker)
	if err != nil {
		logger.Fatal("Failed to build scheduler", "error", err)
	}
	scheduler.Start(ctx)
	defer scheduler.Stop()

	var eventBridge *bridge.Bridge
	if cfg.Bridge.Enabled {
		eventBridge, err = bridge.New(&cfg.Bridge, &cfg.Queue, &cfg.Sync, rdb, gov, resolver, queueWorker.Notify)
		if err != nil {
			logger.Fatal("Failed to build event bridge", "error", err)
		}
		eventBridge.Start(ctx)
		defer eventBridge.Stop()
	}

	errChan := make(chan error, 2)

	if cfg.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle(cfg.Metrics.GetPath(), promhttp.Handler())
			server := &http.Server{Addr: cfg.Metrics.GetAddr(), Handler: mux}
			go func() {
				<-ctx.Done()
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				_ = server.Shutdown(shutdownCtx)
			}()
			logger.Info("Metrics endpoint listening", "addr", cfg.Metrics.GetAddr(), "path", cfg.Metrics.GetPath())
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errChan <- fmt.Errorf("metrics server failed: %w", err)
			}
		}()
	}

	if cfg.HTTPAPI.Enabled {
		go func() {
			var bridgeStatus httpapi.BridgeStatus
			if eventBridge != nil {
				bridgeStatus = eventBridge
			}
			api := httpapi.New(&cfg.HTTPAPI, rdb, gov, bridgeStatus)
			if err := api.Start(ctx); err != nil {
				errChan <- fmt.Errorf("HTTP API failed: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutting down, draining in-flight jobs...")
	case err := <-errChan:
		logger.Error("Fatal server error", "error", err)
		cancel()
	}
}
