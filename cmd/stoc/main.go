// Command stoc runs one storage node: the rtable registry, the wire
// protocol server answering remote LTCs, and the compaction worker pool
// the registry's owning LTC dispatches merge plans to. Structured the
// way a long-running daemon command is usually laid out: cobra flags
// collected into a config struct, metrics/health endpoints started in
// the background, then block on a signal.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/novalsm/ccstoc/pkg/compaction"
	"github.com/novalsm/ccstoc/pkg/config"
	"github.com/novalsm/ccstoc/pkg/controlapi"
	"github.com/novalsm/ccstoc/pkg/metrics"
	"github.com/novalsm/ccstoc/pkg/rlog"
	"github.com/novalsm/ccstoc/pkg/rtable"
	"github.com/novalsm/ccstoc/pkg/stoc"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var cfg = config.DefaultStoCConfig()

var rootCmd = &cobra.Command{
	Use:     "stoc",
	Short:   "stoc runs a disaggregated LSM-tree storage node",
	Version: Version,
	RunE:    runStoC,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("stoc version %s\nCommit: %s\n", Version, Commit))

	flags := rootCmd.Flags()
	flags.Uint32Var(&cfg.ServerID, "server-id", cfg.ServerID, "this StoC's server id")
	flags.StringVar(&cfg.ListenAddr, "listen-addr", cfg.ListenAddr, "RDMA queue-pair listen address")
	flags.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "directory for the embedded bbolt store")
	flags.IntVar(&cfg.MaxMessageSize, "max-message-size", cfg.MaxMessageSize, "max RDMA message size in bytes")
	flags.IntVar(&cfg.QueueDepth, "queue-depth", cfg.QueueDepth, "per-connection completion queue depth")
	flags.IntVar(&cfg.NumCompactionWorkers, "compaction-workers", cfg.NumCompactionWorkers, "bounded compaction worker pool size")
	flags.IntVar(&cfg.BlockCacheSize, "block-cache-size", cfg.BlockCacheSize, "block cache size in bytes")
	flags.StringVar(&cfg.ControlAPIAddr, "control-api-addr", cfg.ControlAPIAddr, "operational gRPC control API listen address")
	flags.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Prometheus metrics/health listen address")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	flags.BoolVar(&cfg.LogJSON, "log-json", cfg.LogJSON, "output logs in JSON format")
}

// passthroughMerge stands in for the external LSM-tree compaction
// algorithm: it reports the source files as the output, letting the
// pool's concurrency bound and wire
// round-trip be exercised end to end without a real merge/sort step.
// A production deployment plugs in the real merge logic here.
func passthroughMerge(ctx context.Context, req rtable.CompactionRequest) (rtable.CompactionRequest, error) {
	req.Outputs = req.SourceFiles
	return req, nil
}

func runStoC(cmd *cobra.Command, args []string) error {
	rlog.Init(rlog.Config{Level: rlog.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	log := rlog.WithComponent("cmd/stoc")

	store, err := stoc.NewStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	registry, err := stoc.NewRegistry(store, rtable.ServerID(cfg.ServerID))
	if err != nil {
		return fmt.Errorf("build registry: %w", err)
	}

	pool := compaction.NewPool(cfg.NumCompactionWorkers, passthroughMerge)
	server := stoc.NewServer(registry, pool)

	metrics.SetVersion(Version)
	metrics.RegisterComponent("rtable-registry", true, "ready")
	metrics.RegisterComponent("dispatcher", true, "n/a on stoc")

	collector := metrics.NewCollector(registry)
	collector.Start()
	defer collector.Stop()

	grpcServer := grpc.NewServer()
	controlapi.Register(grpcServer, controlapi.NewService(registry, nil))
	controlLis, err := net.Listen("tcp", cfg.ControlAPIAddr)
	if err != nil {
		return fmt.Errorf("listen control API: %w", err)
	}
	go func() {
		if err := grpcServer.Serve(controlLis); err != nil {
			log.Error().Err(err).Msg("control API server stopped")
		}
	}()
	defer grpcServer.GracefulStop()

	go func() {
		http.Handle("/metrics", metrics.Handler())
		http.Handle("/health", metrics.HealthHandler())
		http.Handle("/ready", metrics.ReadyHandler())
		http.Handle("/live", metrics.LivenessHandler())
		if err := http.ListenAndServe(cfg.MetricsAddr, nil); err != nil {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	lis, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen RDMA port: %w", err)
	}
	defer lis.Close()

	log.Info().
		Str("listen_addr", cfg.ListenAddr).
		Str("data_dir", cfg.DataDir).
		Str("metrics_addr", cfg.MetricsAddr).
		Str("control_api_addr", cfg.ControlAPIAddr).
		Uint32("server_id", cfg.ServerID).
		Msg("stoc listening")

	acceptErrCh := make(chan error, 1)
	go func() {
		for {
			conn, err := lis.Accept()
			if err != nil {
				acceptErrCh <- err
				return
			}
			go server.Serve(conn)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info().Msg("shutting down")
	case err := <-acceptErrCh:
		return fmt.Errorf("accept loop stopped: %w", err)
	}

	return nil
}
