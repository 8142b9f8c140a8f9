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

	"github.com/wakefleet/cnc/internal/clock"
	"github.com/wakefleet/cnc/internal/command"
	"github.com/wakefleet/cnc/internal/config"
	"github.com/wakefleet/cnc/internal/events"
	"github.com/wakefleet/cnc/internal/hosts"
	"github.com/wakefleet/cnc/internal/logging"
	"github.com/wakefleet/cnc/internal/metrics"
	"github.com/wakefleet/cnc/internal/node"
	"github.com/wakefleet/cnc/internal/protocol"
	"github.com/wakefleet/cnc/internal/schedule"
	"github.com/wakefleet/cnc/internal/store"
	"github.com/wakefleet/cnc/internal/token"
	"github.com/wakefleet/cnc/internal/web"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON)

	fmt.Println("CNC " + version)
	fmt.Println("=============================================")
	fmt.Printf("CNC_LISTEN_ADDR=%s\n", cfg.ListenAddr)
	fmt.Printf("CNC_DB_PATH=%s\n", cfg.DBPath)
	fmt.Printf("CNC_COMMAND_TIMEOUT=%s\n", cfg.CommandTimeout)
	fmt.Printf("CNC_NODE_HEARTBEAT_INTERVAL=%s\n", cfg.NodeHeartbeatInterval)
	fmt.Printf("CNC_NODE_TIMEOUT=%s\n", cfg.NodeTimeout)
	fmt.Printf("CNC_SCHEDULE_WORKER_ENABLED=%t\n", cfg.ScheduleWorkerEnabled)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	clk := clock.Real{}
	bus := events.New()
	runtime := metrics.NewRuntime()
	failures := protocol.NewFailureCounter()

	minter, err := token.NewMinter(cfg.SessionTokenSecrets, cfg.SessionTokenIssuer, cfg.SessionTokenAudience, cfg.SessionTokenTTL, clk)
	if err != nil {
		log.Error("failed to build session token minter", "error", err)
		os.Exit(1)
	}

	aggregator := hosts.NewAggregator(db, log.Logger)
	if err := aggregator.LoadFromStore(); err != nil {
		log.Error("failed to load hosts", "error", err)
		os.Exit(1)
	}

	registry := node.NewRegistry(db, log.Logger)
	if err := registry.LoadFromStore(); err != nil {
		log.Error("failed to load nodes", "error", err)
		os.Exit(1)
	}

	manager := node.NewManager(cfg, registry, aggregator, minter, bus, failures, clk, log.Logger)
	router := command.NewRouter(cfg, manager, aggregator, db, runtime, bus, clk, log.Logger)
	defer router.Cleanup()

	// Promote sent commands abandoned by a previous process into timed_out.
	if n, err := router.ReconcileStaleInFlight(); err != nil {
		log.Warn("startup reconciliation failed", "error", err)
	} else if n > 0 {
		log.Info("startup reconciliation complete", "promoted", n)
	}

	worker := schedule.NewWorker(cfg, router, db, clk, log.Logger)
	go worker.Run(ctx)
	go manager.Run(ctx)

	if cfg.MetricsTextfile != "" {
		go runTextfileWriter(ctx, cfg.MetricsTextfile, log)
	}
	go runRuntimePruner(ctx, runtime, cfg.CommandTimeout)

	if len(cfg.APITokens) == 0 {
		log.Warn("no API tokens configured, HTTP API is unauthenticated")
	}

	srv := web.NewServer(web.Dependencies{
		Config:     cfg,
		Router:     router,
		Hosts:      aggregator,
		Nodes:      registry,
		NodeStatus: manager,
		Commands:   db,
		Schedules:  db,
		Failures:   failures,
		EventBus:   bus,
		NodeSocket: manager.HandleNodeSocket,
		Log:        log.Logger,
	})

	go func() {
		if err := srv.ListenAndServe(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", "error", err)
			cancel()
		}
	}()

	log.Info("cnc started", "version", version)
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	manager.Shutdown()

	log.Info("cnc shutdown complete")
}

// runTextfileWriter periodically exports cnc_ metrics for node_exporter's
// textfile collector.
func runTextfileWriter(ctx context.Context, path string, log *logging.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := metrics.WriteTextfile(path); err != nil {
				log.Warn("failed to write metrics textfile", "path", path, "error", err)
			}
		}
	}
}

// runRuntimePruner evicts stale in-flight command state so late results stop
// resolving correlation ids after a generous grace window.
func runRuntimePruner(ctx context.Context, runtime *metrics.Runtime, commandTimeout time.Duration) {
	grace := 20 * commandTimeout
	ticker := time.NewTicker(grace)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runtime.Prune(grace)
		}
	}
}
