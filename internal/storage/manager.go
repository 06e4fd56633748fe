// Package storage implements the storage manager: the orchestrator that
// ties the recency index, partition manager, KV adapter, write-forward
// log, negative cache, and the upstream collaborator into the public
// get/put/check/purge contract the connection server dispatches to.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kf6kjg/whip-lru/internal/assetid"
	"github.com/kf6kjg/whip-lru/internal/index"
	"github.com/kf6kjg/whip-lru/internal/logging"
	"github.com/kf6kjg/whip-lru/internal/negcache"
	"github.com/kf6kjg/whip-lru/internal/partition"
	"github.com/kf6kjg/whip-lru/internal/statusdb"
	"github.com/kf6kjg/whip-lru/internal/upstream"
	"github.com/kf6kjg/whip-lru/internal/werrors"
	"github.com/kf6kjg/whip-lru/internal/writeforward"
)

// Counter names persisted to the optional statusdb, surfaced by StatusText.
const (
	counterGetHits     = "requests.get.hit"
	counterGetMisses   = "requests.get.miss"
	counterStoreOK     = "requests.store.ok"
	counterStoreDup    = "requests.store.duplicate"
	counterPurgeOK     = "requests.purge.ok"
	counterPurgeMiss   = "requests.purge.not_found"
	counterPurgeAll    = "requests.purge_all"
	counterEvictions   = "partitions.evicted"
	counterBytesServed = "bytes.served"
)

var log = logging.For("storage")

// Config tunes the manager's eviction thresholds and spin-wait behavior.
type Config struct {
	MaxBytes uint64

	// EvictHighWatermark/EvictLowWatermark are fractions of MaxBytes: a
	// store triggers eviction at >=98% utilization and evicts down to
	// <=90%.
	EvictHighWatermark float64
	EvictLowWatermark  float64

	// SpinWaitTimeout/SpinWaitPoll bound the "wait for an in-flight store
	// to reach size>0" behavior in Get.
	SpinWaitTimeout time.Duration
	SpinWaitPoll    time.Duration
}

// DefaultConfig returns the standard watermarks and a conservative
// spin-wait bound.
func DefaultConfig(maxBytes uint64) Config {
	return Config{
		MaxBytes:           maxBytes,
		EvictHighWatermark: 0.98,
		EvictLowWatermark:  0.90,
		SpinWaitTimeout:    2 * time.Second,
		SpinWaitPoll:       5 * time.Millisecond,
	}
}

// Manager is the storage core's public entry point.
type Manager struct {
	idx    *index.Index
	parts  *partition.Manager
	neg    *negcache.Cache
	wf     *writeforward.Log
	worker *writeforward.Worker
	up     upstream.Service
	decode FlagDecoder
	cfg    Config

	statusDB *statusdb.DB
}

// SetStatusDB attaches an optional persistent counters store (kept across
// restarts) that StatusText folds into its response. A nil db detaches it;
// counter increments are skipped whenever none is attached, so wiring this
// up is entirely optional for callers that don't need durable counters
// (e.g. tests).
func (m *Manager) SetStatusDB(db *statusdb.DB) {
	m.statusDB = db
}

// bump increments a persisted counter, best-effort: a counters-store failure
// is logged and never surfaces to the request that triggered it, since these
// counters are operational bookkeeping, not part of the storage contract.
func (m *Manager) bump(name string, delta int64) {
	if m.statusDB == nil {
		return
	}
	if _, err := m.statusDB.Incr(name, delta); err != nil {
		log.Warn().Err(err).Str("counter", name).Msg("failed to update persisted counter")
	}
}

// New constructs a Manager from its already-open collaborators. up may be
// nil (no upstream configured). decode may be nil, in which case
// DefaultFlagDecoder is used.
func New(idx *index.Index, parts *partition.Manager, neg *negcache.Cache, wf *writeforward.Log, worker *writeforward.Worker, up upstream.Service, decode FlagDecoder, cfg Config) *Manager {
	if decode == nil {
		decode = DefaultFlagDecoder
	}
	return &Manager{idx: idx, parts: parts, neg: neg, wf: wf, worker: worker, up: up, decode: decode, cfg: cfg}
}

// Store writes a new asset locally and enqueues it for upstream
// forwarding. At most one store per id is ever in flight; a concurrent
// or repeated store of the same id reports ErrExists.
func (m *Manager) Store(ctx context.Context, id assetid.ID, data []byte) error {
	if id.IsZero() {
		return fmt.Errorf("%w: zero asset id", werrors.ErrInvalidArgument)
	}
	if data == nil {
		data = []byte{}
	}

	added, partID := m.idx.TryAdd(id, 0)
	if !added {
		// Either already stored, or another store is in flight: both are
		// skipped, surfaced uniformly as DUPLICATE.
		m.bump(counterStoreDup, 1)
		return werrors.ErrExists
	}

	if m.idx.TotalBytes() >= m.evictThreshold(m.cfg.EvictHighWatermark) {
		m.evictTo(m.evictThreshold(m.cfg.EvictLowWatermark))
	}

	p, ok := m.parts.Get(partID)
	if !ok {
		p = m.parts.Active()
	}

	if err := p.Env.Put(id[:], data); err != nil {
		var mapFull *werrors.MapFullError
		if errors.As(err, &mapFull) {
			// Map-full during store triggers eviction and exactly one
			// retry.
			m.evictTo(m.evictThreshold(m.cfg.EvictLowWatermark))
			if retryErr := p.Env.Put(id[:], data); retryErr != nil {
				m.idx.TryRemove(id)
				return werrors.ErrWriteCacheFull
			}
		} else {
			var keyErr *werrors.KeyExistsError
			if errors.As(err, &keyErr) {
				m.idx.TryRemove(id)
				m.bump(counterStoreDup, 1)
				return werrors.ErrExists
			}
			m.idx.TryRemove(id)
			return fmt.Errorf("%w: %v", werrors.ErrLocalStorage, err)
		}
	}

	m.idx.SetSize(id, uint64(len(data)))
	m.enqueueWriteForward(ctx, id)
	m.neg.Remove(id)
	m.bump(counterStoreOK, 1)
	return nil
}

func (m *Manager) evictThreshold(fraction float64) uint64 {
	return uint64(float64(m.cfg.MaxBytes) * fraction)
}

// evictTo evicts whole partitions until the index's total accounted bytes
// is at or below targetBytes, or there is nothing left to evict. It
// removes exactly the index entries that belonged to each evicted
// partition, never the id of whatever store triggered the eviction.
func (m *Manager) evictTo(targetBytes uint64) {
	for m.idx.TotalBytes() > targetBytes {
		partID, _, err := m.parts.EvictOldest()
		if err != nil {
			log.Warn().Err(err).Msg("eviction could not free enough space")
			return
		}
		removed := m.idx.RemoveAll(map[index.PartitionID]struct{}{partID: {}})
		log.Info().Str("partition", string(partID)).Int("entries_removed", len(removed)).Msg("evicted partition for capacity")
		m.bump(counterEvictions, 1)
	}
}

func (m *Manager) enqueueWriteForward(ctx context.Context, id assetid.ID) {
	if m.wf == nil || m.worker == nil {
		return
	}
	slot, err := m.wf.Allocate(ctx)
	if err != nil {
		log.Error().Err(err).Str("id", id.String()).Msg("failed to allocate write-forward slot; upstream forwarding skipped")
		return
	}
	if err := m.wf.Store(slot, id); err != nil {
		log.Error().Err(err).Str("id", id.String()).Msg("failed to persist write-forward slot")
		return
	}
	m.worker.Enqueue(slot)
}

// Get returns the asset's bytes, consulting the negative cache, then
// local storage, then the upstream service. cacheOnMiss controls whether
// an upstream hit is stored locally on the way back.
func (m *Manager) Get(ctx context.Context, id assetid.ID, cacheOnMiss bool) ([]byte, bool, error) {
	if id.IsZero() {
		return nil, false, fmt.Errorf("%w: zero asset id", werrors.ErrInvalidArgument)
	}
	if m.neg.Contains(id) {
		return nil, false, nil
	}

	if e, ok := m.idx.Get(id); ok {
		data, found, err := m.readLocal(id, e)
		if err != nil {
			return nil, false, err
		}
		if found {
			m.bump(counterGetHits, 1)
			m.bump(counterBytesServed, int64(len(data)))
			return data, true, nil
		}
	}

	if m.up != nil {
		data, found, err := m.up.Get(ctx, id)
		if err != nil {
			log.Warn().Err(err).Str("id", id.String()).Msg("upstream get failed, treating as miss")
		} else if found {
			if cacheOnMiss {
				if serr := m.Store(ctx, id, data); serr != nil && !errors.Is(serr, werrors.ErrExists) {
					log.Warn().Err(serr).Str("id", id.String()).Msg("failed to cache upstream hit locally")
				}
			}
			m.bump(counterGetHits, 1)
			m.bump(counterBytesServed, int64(len(data)))
			return data, true, nil
		}
	}

	m.neg.Insert(id)
	m.bump(counterGetMisses, 1)
	return nil, false, nil
}

// readLocal reads the bytes for an indexed entry, spin-waiting briefly if
// the entry is still reserved (size==0, a store in flight), then migrates
// the asset into the active partition if it was found in an older one.
func (m *Manager) readLocal(id assetid.ID, e index.Entry) ([]byte, bool, error) {
	if e.Size == 0 {
		deadline := time.Now().Add(m.cfg.SpinWaitTimeout)
		for {
			if ne, ok := m.idx.Get(id); ok {
				e = ne
				if e.Size > 0 {
					break
				}
			} else {
				return nil, false, nil
			}
			if !time.Now().Before(deadline) {
				break
			}
			time.Sleep(m.cfg.SpinWaitPoll)
		}
	}

	p, ok := m.parts.Get(e.Partition)
	if !ok {
		return nil, false, nil
	}
	data, found, err := p.Env.Get(id[:])
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", werrors.ErrLocalStorage, err)
	}
	if !found {
		return nil, false, nil
	}

	if active := m.parts.Active(); active.ID != p.ID {
		if newP, merr := m.parts.MigrateToActive(id, p); merr == nil {
			m.idx.Rehome(id, newP.ID)
		} else {
			log.Warn().Err(merr).Str("id", id.String()).Msg("partition migration on access failed")
		}
	}
	return data, true, nil
}

// Check takes the same lookup path as Get but only reports presence;
// upstream hits still populate local storage.
func (m *Manager) Check(ctx context.Context, id assetid.ID) (bool, error) {
	_, found, err := m.Get(ctx, id, true)
	return found, err
}

// Purge removes the asset from the index and its partition. It returns
// ErrNotFound if the id was not locally known; no remote purge is
// performed.
func (m *Manager) Purge(id assetid.ID) error {
	if id.IsZero() {
		return fmt.Errorf("%w: zero asset id", werrors.ErrInvalidArgument)
	}
	e, ok := m.idx.TryRemove(id)
	if !ok {
		m.bump(counterPurgeMiss, 1)
		return werrors.ErrNotFound
	}
	if p, ok := m.parts.Get(e.Partition); ok {
		if err := p.Env.Delete(id[:]); err != nil {
			return fmt.Errorf("%w: %v", werrors.ErrLocalStorage, err)
		}
	}
	m.bump(counterPurgeOK, 1)
	return nil
}

// PurgeAll with no filters drops every partition. With filters it decodes
// each indexed asset's flags on demand and purges anything matching any
// filter (OR-combined), which is what PURGELOCALS needs to work
// end-to-end.
func (m *Manager) PurgeAll(filters []Filter) error {
	m.bump(counterPurgeAll, 1)
	if len(filters) == 0 {
		if _, err := m.parts.Clear(); err != nil {
			return fmt.Errorf("%w: %v", werrors.ErrFatal, err)
		}
		m.idx.Clear()
		return nil
	}

	for _, id := range m.idx.ItemsWithPrefix("") {
		e, ok := m.idx.Get(id)
		if !ok {
			continue
		}
		p, ok := m.parts.Get(e.Partition)
		if !ok {
			continue
		}
		data, found, err := p.Env.Get(id[:])
		if err != nil || !found {
			continue
		}
		flags, err := m.decode(data)
		if err != nil {
			log.Warn().Err(err).Str("id", id.String()).Msg("failed to decode purge-filter flags, skipping")
			continue
		}
		if matchesAny(filters, id, flags) {
			m.idx.TryRemove(id)
			_ = p.Env.Delete(id[:])
		}
	}
	return nil
}

// LocallyKnownIDs returns every locally indexed id whose compact hex form
// starts with prefix.
func (m *Manager) LocallyKnownIDs(prefix string) []assetid.ID {
	return m.idx.ItemsWithPrefix(prefix)
}

// ReadLocal exposes a local-only lookup for collaborators (the
// write-forward worker's LocalReader) that must not trigger upstream
// fallback or negative caching. Like Get, it still migrates an asset found
// in an older partition into the active one.
func (m *Manager) ReadLocal(id assetid.ID) ([]byte, bool, error) {
	e, ok := m.idx.Get(id)
	if !ok {
		return nil, false, nil
	}
	return m.readLocal(id, e)
}
