// Command whiplru runs the caching asset server: it assembles the storage
// core's collaborators from a configuration record and serves the wire
// protocol until signaled to stop, in the same single-binary,
// cobra-fronted style as cuemby-warren's own server entrypoint
// (cuemby-warren/cmd/warren).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/kf6kjg/whip-lru/internal/assetid"
	"github.com/kf6kjg/whip-lru/internal/config"
	"github.com/kf6kjg/whip-lru/internal/index"
	"github.com/kf6kjg/whip-lru/internal/logging"
	"github.com/kf6kjg/whip-lru/internal/negcache"
	"github.com/kf6kjg/whip-lru/internal/partition"
	"github.com/kf6kjg/whip-lru/internal/server"
	"github.com/kf6kjg/whip-lru/internal/statusdb"
	"github.com/kf6kjg/whip-lru/internal/storage"
	"github.com/kf6kjg/whip-lru/internal/upstream"
	"github.com/kf6kjg/whip-lru/internal/writeforward"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"

	cfg       = config.Default()
	logLevel  string
	upAddress string
	upEnabled bool
	upTimeout time.Duration
)

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "whiplru: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "whiplru",
	Short:   "WHIP-LRU caching asset server",
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&cfg.ListenAddress, "listen-address", config.Default().ListenAddress, "address to bind, or * for all interfaces")
	flags.Uint16Var(&cfg.ListenPort, "listen-port", config.DefaultListenPort, "port to listen on")
	flags.Uint32Var(&cfg.ListenBacklog, "listen-backlog", config.DefaultListenBacklog, "configured listen backlog (observability only, see internal/server)")
	flags.StringVar(&cfg.Password, "password", "", "shared authentication password (may be empty)")

	flags.StringVar(&cfg.LocalStorageRoot, "local-storage-root", "", "local storage root directory (required)")
	flags.Uint64Var(&cfg.LocalStorageMaxBytes, "local-storage-max-bytes", config.MinLocalStorageMaxBytes, "local storage byte budget")

	flags.StringVar(&cfg.WriteCachePath, "write-cache-path", "", "write-forward log file path (required)")
	flags.Uint32Var(&cfg.WriteCacheSlotCount, "write-cache-slot-count", config.DefaultWriteCacheSlotCount, "write-forward log slot count")

	flags.DurationVar(&cfg.PartitionInterval, "partition-interval", config.DefaultPartitionInterval, "partition rotation interval")
	flags.DurationVar(&cfg.NegativeCacheTTL, "negative-cache-ttl", config.DefaultNegativeCacheTTL, "negative cache entry lifetime, 0 disables")

	flags.BoolVar(&upEnabled, "upstream-enabled", false, "consult an upstream asset service on local miss")
	flags.StringVar(&upAddress, "upstream-address", "", "upstream asset service base URL")
	flags.DurationVar(&upTimeout, "upstream-timeout", 10*time.Second, "upstream request timeout")

	flags.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logging.Init(level)
}

func runServe(ctx context.Context) error {
	cfg.Upstream = config.Upstream{Enabled: upEnabled, Address: upAddress, Timeout: upTimeout}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logging.For("main")

	parts := partition.NewManager(cfg.LocalStorageRoot, cfg.PartitionInterval, cfg.LocalStorageMaxBytes)
	partitionContents, err := parts.Bootstrap()
	if err != nil {
		return fmt.Errorf("bootstrap partitions: %w", err)
	}

	idx := index.New(parts.ActiveID)
	if err := reindexRecovered(parts, idx, partitionContents); err != nil {
		return fmt.Errorf("reindex recovered partitions: %w", err)
	}

	neg := negcache.New(cfg.NegativeCacheTTL)

	if err := os.MkdirAll(filepath.Dir(cfg.WriteCachePath), 0o755); err != nil {
		return fmt.Errorf("create write-cache directory: %w", err)
	}
	wf, pending, err := writeforward.Open(cfg.WriteCachePath, cfg.WriteCacheSlotCount)
	if err != nil {
		return fmt.Errorf("open write-forward log: %w", err)
	}
	defer wf.Close()

	var up upstream.Service = upstream.Noop{}
	if cfg.Upstream.Enabled {
		up = upstream.NewHTTPService(cfg.Upstream.Address, cfg.Upstream.Timeout)
	}

	worker := writeforward.NewWorker(wf, localReader(idx, parts), up, int(cfg.WriteCacheSlotCount))
	mgr := storage.New(idx, parts, neg, wf, worker, up, nil, storage.DefaultConfig(cfg.LocalStorageMaxBytes))

	statusDBPath := filepath.Join(cfg.LocalStorageRoot, "status.db")
	sdb, err := statusdb.Open(statusDBPath)
	if err != nil {
		return fmt.Errorf("open status counters db: %w", err)
	}
	defer sdb.Close()
	mgr.SetStatusDB(sdb)

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go worker.Run(runCtx)
	for _, p := range pending {
		worker.Enqueue(p.Slot)
	}

	srv := server.New(server.Config{
		Address:  cfg.ListenAddress,
		Port:     cfg.ListenPort,
		Backlog:  cfg.ListenBacklog,
		Password: cfg.Password,
	}, server.NewHandler(mgr))

	log.Info().Str("root", cfg.LocalStorageRoot).Int("recovered_pending", len(pending)).Msg("starting whiplru")

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(runCtx) }()

	select {
	case err := <-serveErr:
		return err
	case <-runCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("shutdown did not complete cleanly")
		}
		return nil
	}
}

// localReader builds the write-forward worker's LocalReader without
// depending on the storage.Manager it will eventually be wired into,
// avoiding a construction cycle: the manager needs the worker, the worker
// only needs read access to the index and partitions.
func localReader(idx *index.Index, parts *partition.Manager) writeforward.LocalReader {
	return func(id assetid.ID) ([]byte, bool, error) {
		e, ok := idx.Get(id)
		if !ok {
			return nil, false, nil
		}
		p, ok := parts.Get(e.Partition)
		if !ok {
			return nil, false, nil
		}
		return p.Env.Get(id[:])
	}
}

// reindexRecovered rebuilds the in-memory recency index from what
// Bootstrap found on disk. Bootstrap's key enumeration (kvstore's
// ForEachKey) reports only keys, not values, to keep the startup scan
// cheap, so each id's size is filled in here with one read per recovered
// asset.
func reindexRecovered(parts *partition.Manager, idx *index.Index, byPartition map[index.PartitionID][]assetid.ID) error {
	for partID, ids := range byPartition {
		p, ok := parts.Get(partID)
		if !ok {
			continue
		}
		for _, id := range ids {
			idx.TryAdd(id, 0)
			idx.Rehome(id, partID)
			data, found, err := p.Env.Get(id[:])
			if err != nil {
				return fmt.Errorf("read recovered asset %s: %w", id, err)
			}
			if found {
				idx.SetSize(id, uint64(len(data)))
			}
		}
	}
	return nil
}
