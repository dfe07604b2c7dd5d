package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/codeready-toolchain/askrelay/pkg/events"
	"github.com/codeready-toolchain/askrelay/pkg/probe"
	"github.com/spf13/cobra"
)

const probeRefreshInterval = 5 * time.Second

var errWorkerNeedsDatabase = errors.New("worker command requires the postgres store backend")

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run background task workers",
	Long: `Run a worker pool that claims tasks from the shared queue, reports
progress to the state store and publishes task events on the broadcast
channel. Exposes grpc.health.v1.Health on queue.health_port.`,
	Args: cobra.NoArgs,
	RunE: runWorker,
}

func runWorker(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	rt, err := setup(ctx)
	if err != nil {
		return err
	}
	defer rt.close()
	if rt.db == nil {
		return errWorkerNeedsDatabase
	}
	cfg := rt.cfg

	slog.Info("Starting askrelay worker",
		"pod_id", rt.podID,
		"workers", cfg.Queue.WorkerCount,
		"health_port", cfg.Queue.HealthPort)

	// No client connections live here; events reach clients through the
	// broadcast channel.
	broadcaster := events.NewBroadcaster(events.NewRegistry(), rt.publisher(), rt.store, rt.podID, cfg.Delivery)

	pool, err := rt.startWorkers(ctx, broadcaster, stubStep)
	if err != nil {
		return err
	}

	health := probe.NewServer(pool, probeRefreshInterval)
	if err := health.Start(ctx, ":"+cfg.Queue.HealthPort); err != nil {
		pool.Stop()
		return fmt.Errorf("failed to start health probe: %w", err)
	}

	retention := rt.startCleanup(ctx)

	<-ctx.Done()
	slog.Info("Shutdown signal received", "pod_id", rt.podID)

	retention.Stop()
	pool.Stop()
	health.Stop()
	broadcaster.Wait()
	slog.Info("Shutdown complete")
	return nil
}
