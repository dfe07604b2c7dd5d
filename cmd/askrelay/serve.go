package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/codeready-toolchain/askrelay/pkg/admission"
	"github.com/codeready-toolchain/askrelay/pkg/api"
	"github.com/codeready-toolchain/askrelay/pkg/config"
	"github.com/codeready-toolchain/askrelay/pkg/events"
	"github.com/codeready-toolchain/askrelay/pkg/gateway"
	"github.com/codeready-toolchain/askrelay/pkg/hooks"
	"github.com/codeready-toolchain/askrelay/pkg/queue"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	embeddedWorkers bool
	stubStep        time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the WebSocket gateway and admin API",
	Long: `Run the client-facing server: WebSocket gateway, admin API, broadcast
listener and delivery reconciler. With the memory backend an in-process
worker pool is always started.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&embeddedWorkers, "embedded-workers", false, "Also run a worker pool in this process")
	serveCmd.Flags().DurationVar(&stubStep, "stub-step", 500*time.Millisecond, "Pause between stub executor progress reports")
	workerCmd.Flags().DurationVar(&stubStep, "stub-step", 500*time.Millisecond, "Pause between stub executor progress reports")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	rt, err := setup(ctx)
	if err != nil {
		return err
	}
	defer rt.close()
	cfg := rt.cfg

	slog.Info("Starting askrelay server",
		"server_id", cfg.Server.ServerID,
		"pod_id", rt.podID,
		"http_port", cfg.Server.HTTPPort,
		"store_backend", cfg.Store.Backend,
		"config_dir", configDir)

	var counters admission.Counters
	if cfg.Admission.CounterBackend == config.CounterBackendStore {
		counters = admission.NewStoreCounters(rt.store)
	}
	gate := admission.NewGate(cfg.Admission, counters)

	pipeline, err := hooks.Build(cfg.Hooks, hooks.Builtins(gate, rt.store, cfg.Hooks)...)
	if err != nil {
		return fmt.Errorf("failed to build hook pipeline: %w", err)
	}

	registry := events.NewRegistry()
	broadcaster := events.NewBroadcaster(registry, rt.publisher(), rt.store, cfg.Server.ServerID, cfg.Delivery)
	reconciler := events.NewReconciler(rt.store, broadcaster, cfg.Delivery)
	submitter := queue.NewSubmitter(rt.queue, rt.store)

	gw := gateway.New(cfg.Server, pipeline, registry, gate, rt.store, submitter, reconciler)
	srv := api.NewServer(cfg.Server, pipeline, gate, rt.store, broadcaster, gw)

	if rt.db != nil {
		srv.SetDatabase(rt.db)
		listener := events.NewNotifyListener(rt.db.DSN(), cfg.Delivery.Channel, broadcaster.HandleBroadcast)
		if err := listener.Start(ctx); err != nil {
			return fmt.Errorf("failed to start notify listener: %w", err)
		}
		defer listener.Stop(context.Background())
	}

	var pool *queue.WorkerPool
	if embeddedWorkers || rt.db == nil {
		pool, err = rt.startWorkers(ctx, broadcaster, stubStep)
		if err != nil {
			return err
		}
		srv.SetWorkerPool(pool)
	}

	retention := rt.startCleanup(ctx)
	defer retention.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		reconciler.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down server", "server_id", cfg.Server.ServerID)
		if pool != nil {
			pool.Stop()
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		}
		return nil
	})

	slog.Info("askrelay server started", "server_id", cfg.Server.ServerID, "embedded_workers", pool != nil)

	err = g.Wait()
	broadcaster.Wait()
	slog.Info("Shutdown complete")
	return err
}
