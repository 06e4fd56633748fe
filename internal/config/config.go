// Package config defines the typed configuration record the core accepts.
// Parsing a config *file* is a collaborator concern; this package only
// defines the record, its defaults, and its validation.
package config

import (
	"fmt"
	"time"
)

// Defaults and limits for the tunables below.
const (
	DefaultListenPort    = 32700
	DefaultListenBacklog = 1024

	// MinLocalStorageMaxBytes is 2^32, the floor for the local cache
	// byte budget.
	MinLocalStorageMaxBytes = uint64(1) << 32

	DefaultWriteCacheSlotCount = 4096

	MinPartitionIntervalSeconds = 1
	DefaultPartitionInterval    = 5 * time.Minute

	DefaultNegativeCacheTTL = 30 * time.Second
)

// Upstream holds the (opaque, collaborator-transported) remote asset
// service's connection details. The core only needs to know whether one is
// configured; the transport itself lives behind the upstream.Service
// interface.
type Upstream struct {
	Enabled bool
	Address string
	Timeout time.Duration
}

// Config is the configuration record accepted by the core.
type Config struct {
	ListenAddress string
	ListenPort    uint16
	ListenBacklog uint32
	Password      string

	LocalStorageRoot     string
	LocalStorageMaxBytes uint64

	WriteCachePath      string
	WriteCacheSlotCount uint32

	PartitionInterval time.Duration

	NegativeCacheTTL time.Duration

	Upstream Upstream
}

// Default returns a Config populated with the defaults above. Callers
// still must set LocalStorageRoot and WriteCachePath.
func Default() Config {
	return Config{
		ListenAddress:        "*",
		ListenPort:           DefaultListenPort,
		ListenBacklog:        DefaultListenBacklog,
		LocalStorageMaxBytes: MinLocalStorageMaxBytes,
		WriteCacheSlotCount:  DefaultWriteCacheSlotCount,
		PartitionInterval:    DefaultPartitionInterval,
		NegativeCacheTTL:     DefaultNegativeCacheTTL,
	}
}

// Validate checks the record's invariants before any collaborator is
// constructed from it.
func (c Config) Validate() error {
	if c.ListenBacklog < 1 || c.ListenBacklog > 1<<31-1 {
		return fmt.Errorf("config: listen_backlog must be in [1, 2147483647], got %d", c.ListenBacklog)
	}
	if c.LocalStorageRoot == "" {
		return fmt.Errorf("config: local_storage_root is required")
	}
	if c.LocalStorageMaxBytes < MinLocalStorageMaxBytes {
		return fmt.Errorf("config: local_storage_max_bytes must be >= 2^32, got %d", c.LocalStorageMaxBytes)
	}
	if c.WriteCachePath == "" {
		return fmt.Errorf("config: write_cache_path is required")
	}
	if c.WriteCacheSlotCount == 0 {
		return fmt.Errorf("config: write_cache_slot_count must be > 0")
	}
	if c.PartitionInterval < MinPartitionIntervalSeconds*time.Second {
		return fmt.Errorf("config: partition_interval_seconds must be >= 1, got %s", c.PartitionInterval)
	}
	return nil
}
