// Command ltc runs one compute node: a dispatcher client per StoC peer,
// the control-plane gRPC surface, and metrics/health endpoints. The
// actual LSM tree (memtables, compaction triggering, manifest) is an
// external collaborator this binary does not implement — it only
// bootstraps the disaggregated-storage plumbing (pkg/sstable,
// pkg/logreplicator, pkg/compaction) that collaborator would drive.
package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/novalsm/ccstoc/pkg/config"
	"github.com/novalsm/ccstoc/pkg/controlapi"
	"github.com/novalsm/ccstoc/pkg/dispatcher"
	"github.com/novalsm/ccstoc/pkg/metrics"
	"github.com/novalsm/ccstoc/pkg/rdmaconn"
	"github.com/novalsm/ccstoc/pkg/rlog"
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

var (
	cfg      = config.DefaultLTCConfig()
	stocList []string // "serverID=host:port" entries, parsed into cfg.StoCAddrs
)

var rootCmd = &cobra.Command{
	Use:     "ltc",
	Short:   "ltc runs a disaggregated LSM-tree compute node",
	Version: Version,
	RunE:    runLTC,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("ltc version %s\nCommit: %s\n", Version, Commit))

	flags := rootCmd.Flags()
	flags.Uint32Var(&cfg.ServerID, "server-id", cfg.ServerID, "this LTC's id")
	flags.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "local database path (manifest, memtables)")
	flags.StringSliceVar(&stocList, "stoc", nil, "StoC peer as serverID=host:port, repeatable")
	flags.IntVar(&cfg.RDMAPort, "rdma-port", cfg.RDMAPort, "local RDMA-equivalent listen port, if this LTC also accepts peers")
	flags.IntVar(&cfg.MaxMessageSize, "max-message-size", cfg.MaxMessageSize, "max RDMA message size in bytes")
	flags.IntVar(&cfg.QueueDepth, "queue-depth", cfg.QueueDepth, "per-connection completion queue depth")
	flags.IntVar(&cfg.NumAsyncWorkers, "async-workers", cfg.NumAsyncWorkers, "dispatcher workers (queue pairs) per StoC peer")
	flags.IntVar(&cfg.NumCompactionWorkers, "compaction-workers", cfg.NumCompactionWorkers, "local compaction-initiator concurrency")
	flags.IntVar(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "remote SSTable chunk size in bytes")
	flags.IntVar(&cfg.ReplicationFactor, "replication-factor", cfg.ReplicationFactor, "log record replica count")
	flags.IntVar(&cfg.WriteBufferSize, "write-buffer-size", cfg.WriteBufferSize, "memtable write buffer size in bytes")
	flags.IntVar(&cfg.BlockCacheSize, "block-cache-size", cfg.BlockCacheSize, "remote SSTable reader block cache size in bytes")
	flags.BoolVar(&cfg.EnableRDMA, "enable-rdma", cfg.EnableRDMA, "enable the RDMA-equivalent dispatch path")
	flags.BoolVar(&cfg.LoadInitialData, "load-initial-data", cfg.LoadInitialData, "load initial data on startup")
	flags.IntVar(&cfg.DispatchQueueDepth, "dispatch-queue-depth", cfg.DispatchQueueDepth, "per-worker task queue depth")
	flags.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "dispatcher request timeout")
	flags.StringVar(&cfg.ControlAPIAddr, "control-api-addr", cfg.ControlAPIAddr, "operational gRPC control API listen address")
	flags.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Prometheus metrics/health listen address")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	flags.BoolVar(&cfg.LogJSON, "log-json", cfg.LogJSON, "output logs in JSON format")
}

func parseStoCList(entries []string) (map[uint32]string, error) {
	addrs := make(map[uint32]string, len(entries))
	for _, e := range entries {
		parts := strings.SplitN(e, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid --stoc entry %q, want serverID=host:port", e)
		}
		id, err := strconv.ParseUint(parts[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid --stoc server id %q: %w", parts[0], err)
		}
		addrs[uint32(id)] = parts[1]
	}
	return addrs, nil
}

// dialWorkers opens n connections to addr, wrapping each in a queue pair
// and a dispatcher.Worker, one goroutine per queue pair: every StoC peer
// gets its own small pool of queue pairs so a Client round-robining
// across them never crosses peers.
func dialWorkers(addr string, n int, queueDepth int) ([]*dispatcher.Worker, error) {
	workers := make([]*dispatcher.Worker, 0, n)
	for i := 0; i < n; i++ {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			for _, w := range workers {
				w.Stop()
			}
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		qp := rdmaconn.NewQueuePair(conn)
		workers = append(workers, dispatcher.NewWorker(fmt.Sprintf("%s-w%d", addr, i), qp, queueDepth))
	}
	return workers, nil
}

func runLTC(cmd *cobra.Command, args []string) error {
	rlog.Init(rlog.Config{Level: rlog.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	log := rlog.WithComponent("cmd/ltc")

	stocAddrs, err := parseStoCList(stocList)
	if err != nil {
		return err
	}
	cfg.StoCAddrs = stocAddrs

	if !cfg.EnableRDMA {
		log.Warn().Msg("RDMA dispatch path disabled; running with no StoC connections")
	} else if len(stocAddrs) == 0 {
		return fmt.Errorf("at least one --stoc peer is required when RDMA is enabled")
	}

	clients := make(map[uint32]*dispatcher.Client, len(stocAddrs))
	var allWorkers []*dispatcher.Worker
	if cfg.EnableRDMA {
		// Stable order for deterministic startup logging.
		ids := make([]uint32, 0, len(stocAddrs))
		for id := range stocAddrs {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		for _, id := range ids {
			addr := stocAddrs[id]
			workers, err := dialWorkers(addr, cfg.NumAsyncWorkers, cfg.DispatchQueueDepth)
			if err != nil {
				for _, w := range allWorkers {
					w.Stop()
				}
				return fmt.Errorf("connect to stoc %d: %w", id, err)
			}
			allWorkers = append(allWorkers, workers...)
			clients[id] = dispatcher.NewClient(workers, cfg.RequestTimeout)
			log.Info().Uint32("stoc_id", id).Str("addr", addr).Int("workers", len(workers)).Msg("connected to stoc")
		}
	}
	defer func() {
		for _, w := range allWorkers {
			w.Stop()
		}
	}()

	metrics.SetVersion(Version)
	metrics.RegisterComponent("dispatcher", true, "ready")

	grpcServer := grpc.NewServer()
	// statsClient proxies DC_READ_STATS to whichever StoC happens first
	// in iteration order; a full multi-StoC aggregate view belongs to an
	// operator tool that queries every peer, not this single RPC.
	var statsClient *dispatcher.Client
	for _, c := range clients {
		statsClient = c
		break
	}
	controlapi.Register(grpcServer, controlapi.NewService(nil, statsClient))
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

	log.Info().
		Uint32("server_id", cfg.ServerID).
		Str("db_path", cfg.DBPath).
		Int("stoc_peers", len(stocAddrs)).
		Str("metrics_addr", cfg.MetricsAddr).
		Str("control_api_addr", cfg.ControlAPIAddr).
		Msg("ltc ready")

	time.Sleep(50 * time.Millisecond)
	metrics.RegisterComponent("rtable-registry", true, "n/a on ltc")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutting down")
	return nil
}
