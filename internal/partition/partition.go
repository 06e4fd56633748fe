// Package partition implements the partition manager: an ordered,
// time-sliced collection of key/value environments with one "active"
// (newest, writable) partition at a time. Rotation is mutually exclusive;
// access-triggered migration of an asset into the active partition is
// independent per-asset work, the same separation aistore's lru package
// draws between its (serialized) capacity checks and its (parallel)
// per-mountpath eviction joggers.
package partition

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/karrick/godirwalk"
	"golang.org/x/sync/errgroup"

	"github.com/kf6kjg/whip-lru/internal/assetid"
	"github.com/kf6kjg/whip-lru/internal/index"
	"github.com/kf6kjg/whip-lru/internal/kvstore"
	"github.com/kf6kjg/whip-lru/internal/logging"
	"github.com/kf6kjg/whip-lru/internal/werrors"
)

var log = logging.For("partition")

// dataFileName is the on-disk file name for a partition's KV environment.
const dataFileName = "data.mdb"

// Partition is one time-sliced on-disk key/value environment.
type Partition struct {
	ID        index.PartitionID
	CreatedAt time.Time
	Dir       string
	Env       *kvstore.Environment
}

// Manager keeps the ordered partition collection and the active pointer.
// rotMu serializes rotation only; migration (copy bytes from an older
// partition into the active one on access) proceeds independently per
// asset and takes rotMu only when reading the active pointer finds it due
// for rotation.
type Manager struct {
	root     string
	interval time.Duration
	maxBytes uint64

	rotMu      sync.Mutex
	listMu     sync.RWMutex
	partitions []*Partition // oldest first
	active     *Partition
}

// NewManager constructs a Manager rooted at root. It does not scan the
// filesystem or create an initial partition; call Bootstrap for that.
func NewManager(root string, interval time.Duration, maxBytes uint64) *Manager {
	return &Manager{root: root, interval: interval, maxBytes: maxBytes}
}

// Bootstrap scans root for existing partition directories (adopting each as
// a partition whose creation instant is its directory name), opens them,
// and returns a map of partition id to the
// ids found inside so the caller can reconstruct the recency index. A
// subdirectory whose name isn't a valid partition timestamp, or whose
// environment fails to open, is logged and skipped rather than aborting
// startup.
func (m *Manager) Bootstrap() (map[index.PartitionID][]assetid.ID, error) {
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: partition: mkdir root %s: %v", werrors.ErrFatal, m.root, err)
	}

	entries, err := godirwalk.ReadDirnames(m.root, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: partition: scan root %s: %v", werrors.ErrFatal, m.root, err)
	}
	sort.Strings(entries)

	type opened struct {
		p   *Partition
		ids []assetid.ID
	}
	results := make([]opened, len(entries))

	var g errgroup.Group
	for i, name := range entries {
		i, name := i, name
		g.Go(func() error {
			fi, statErr := os.Stat(filepath.Join(m.root, name))
			if statErr != nil || !fi.IsDir() {
				return nil
			}
			created, perr := parsePartitionName(name)
			if perr != nil {
				log.Warn().Str("dir", name).Err(perr).Msg("skipping unrecognized partition directory")
				return nil
			}
			p, ids, oerr := m.openExisting(index.PartitionID(name), created)
			if oerr != nil {
				log.Warn().Str("dir", name).Err(oerr).Msg("skipping unopenable partition directory")
				return nil
			}
			results[i] = opened{p: p, ids: ids}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	m.listMu.Lock()
	byID := make(map[index.PartitionID][]assetid.ID)
	for _, r := range results {
		if r.p == nil {
			continue
		}
		m.partitions = append(m.partitions, r.p)
		byID[r.p.ID] = r.ids
	}
	sort.Slice(m.partitions, func(i, j int) bool {
		return m.partitions[i].CreatedAt.Before(m.partitions[j].CreatedAt)
	})
	if len(m.partitions) > 0 {
		m.active = m.partitions[len(m.partitions)-1]
	}
	m.listMu.Unlock()

	if m.active == nil {
		if _, err := m.rotate(); err != nil {
			return nil, err
		}
	}
	return byID, nil
}

func (m *Manager) openExisting(id index.PartitionID, created time.Time) (*Partition, []assetid.ID, error) {
	dir := filepath.Join(m.root, string(id))
	env, err := kvstore.Open(filepath.Join(dir, dataFileName), m.maxBytes)
	if err != nil {
		return nil, nil, err
	}
	var ids []assetid.ID
	err = env.ForEachKey(func(key []byte) error {
		if len(key) != assetid.Len {
			return nil
		}
		var id assetid.ID
		copy(id[:], key)
		ids = append(ids, id)
		return nil
	})
	if err != nil {
		env.Close()
		return nil, nil, err
	}
	return &Partition{ID: id, CreatedAt: created, Dir: dir, Env: env}, ids, nil
}

// partitionNameLayout is used both to name new partition directories and
// to parse existing ones back into a creation instant:
// "<root>/<ISO-8601-seconds>/".
const partitionNameLayout = "2006-01-02T15-04-05Z0700"

func parsePartitionName(name string) (time.Time, error) {
	if t, err := time.Parse(partitionNameLayout, name); err == nil {
		return t, nil
	}
	// Tolerate a raw unix-seconds directory name too, for environments
	// that adopted partitions created by an earlier layout.
	if secs, err := strconv.ParseInt(name, 10, 64); err == nil {
		return time.Unix(secs, 0), nil
	}
	return time.Time{}, fmt.Errorf("not a recognized partition directory name: %q", name)
}

// ActiveID returns the id of the current active partition, rotating first
// if it has aged past the configured interval. This is passed as the
// activeFn to index.New, so every index.TryAdd and every migration stamps
// entries with an up-to-date active partition without the index depending
// on this package.
func (m *Manager) ActiveID() index.PartitionID {
	p := m.activeOrRotate()
	return p.ID
}

// Active returns the current active partition, rotating first if needed.
func (m *Manager) Active() *Partition {
	return m.activeOrRotate()
}

func (m *Manager) activeOrRotate() *Partition {
	m.listMu.RLock()
	active := m.active
	m.listMu.RUnlock()
	if active != nil && time.Since(active.CreatedAt) < m.interval {
		return active
	}
	p, err := m.rotate()
	if err != nil {
		log.Error().Err(err).Msg("partition rotation failed, continuing with previous active partition")
		if active != nil {
			return active
		}
	}
	return p
}

// rotate creates a new partition and makes it active. Mutually exclusive:
// only one rotation proceeds at a time.
func (m *Manager) rotate() (*Partition, error) {
	m.rotMu.Lock()
	defer m.rotMu.Unlock()

	m.listMu.RLock()
	active := m.active
	m.listMu.RUnlock()
	if active != nil && time.Since(active.CreatedAt) < m.interval {
		return active, nil
	}

	now := time.Now().UTC()
	id := index.PartitionID(now.Format(partitionNameLayout))
	if _, taken := m.Get(id); taken {
		// A second rotation within the same wall-clock second: add
		// fractional seconds so the new partition gets its own directory
		// (parsePartitionName reads the fraction back).
		id = index.PartitionID(now.Format("2006-01-02T15-04-05.000000000Z0700"))
	}
	dir := filepath.Join(m.root, string(id))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: partition: mkdir %s: %v", werrors.ErrFatal, dir, err)
	}
	env, err := kvstore.Open(filepath.Join(dir, dataFileName), m.maxBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", werrors.ErrFatal, err)
	}
	p := &Partition{ID: id, CreatedAt: now, Dir: dir, Env: env}

	m.listMu.Lock()
	m.partitions = append(m.partitions, p)
	m.active = p
	m.listMu.Unlock()

	log.Info().Str("partition", string(id)).Msg("rotated active partition")
	return p, nil
}

// Get returns the partition with the given id.
func (m *Manager) Get(id index.PartitionID) (*Partition, bool) {
	m.listMu.RLock()
	defer m.listMu.RUnlock()
	for _, p := range m.partitions {
		if p.ID == id {
			return p, true
		}
	}
	return nil, false
}

// MigrateToActive copies bytes into the active partition for an asset
// currently homed in an older one, giving the time-sliced LRU its "touch
// moves it forward" behavior. It returns the new active partition the
// caller should re-home the index entry to.
//
// There is a brief window where the asset exists in both the source and
// destination partitions: readers racing this migration must find the
// asset in either location, and an eviction of the source partition
// running concurrently must not strand the entry, which is why the index
// rehome happens only after the destination write is durably visible (Put
// returns) — the caller performs that rehome, this method only moves the
// bytes.
func (m *Manager) MigrateToActive(id assetid.ID, from *Partition) (*Partition, error) {
	active := m.Active()
	if active.ID == from.ID {
		return active, nil
	}
	value, ok, err := from.Env.Get(id[:])
	if err != nil {
		return nil, fmt.Errorf("partition: migrate read %s: %w", id, err)
	}
	if !ok {
		// Already evicted or migrated by a racing access; nothing to do.
		return active, nil
	}
	if err := active.Env.Put(id[:], value); err != nil {
		if _, dup := err.(*werrors.KeyExistsError); dup {
			// Another concurrent access already migrated it.
			return active, nil
		}
		return nil, fmt.Errorf("partition: migrate write %s: %w", id, err)
	}
	return active, nil
}

// EvictOldest deletes the single oldest partition's directory whole and
// returns its id and the asset ids it had indexed, so the caller (the
// storage manager) can drop the corresponding index entries.
func (m *Manager) EvictOldest() (index.PartitionID, []assetid.ID, error) {
	m.listMu.Lock()
	if len(m.partitions) == 0 {
		m.listMu.Unlock()
		return "", nil, werrors.ErrNotFound
	}
	victim := m.partitions[0]
	if victim == m.active && len(m.partitions) == 1 {
		// Never evict the only (active) partition out from under writers;
		// a rotation must happen first.
		m.listMu.Unlock()
		return "", nil, fmt.Errorf("partition: cannot evict sole active partition")
	}
	m.partitions = m.partitions[1:]
	m.listMu.Unlock()

	var ids []assetid.ID
	_ = victim.Env.ForEachKey(func(key []byte) error {
		if len(key) == assetid.Len {
			var id assetid.ID
			copy(id[:], key)
			ids = append(ids, id)
		}
		return nil
	})
	victim.Env.Close()
	if err := os.RemoveAll(victim.Dir); err != nil {
		log.Error().Err(err).Str("partition", string(victim.ID)).Msg("failed to remove evicted partition directory")
	}
	log.Info().Str("partition", string(victim.ID)).Int("entries", len(ids)).Msg("evicted oldest partition")
	return victim.ID, ids, nil
}

// Clear evicts every partition (used by purge-all with no filter) and
// leaves the manager with a single fresh active partition.
func (m *Manager) Clear() ([]index.PartitionID, error) {
	m.listMu.Lock()
	victims := m.partitions
	m.partitions = nil
	m.active = nil
	m.listMu.Unlock()

	var ids []index.PartitionID
	for _, p := range victims {
		p.Env.Close()
		if err := os.RemoveAll(p.Dir); err != nil {
			log.Error().Err(err).Str("partition", string(p.ID)).Msg("failed to remove partition directory during clear")
		}
		ids = append(ids, p.ID)
	}
	if _, err := m.rotate(); err != nil {
		return ids, err
	}
	return ids, nil
}

// Count returns the number of partitions currently managed.
func (m *Manager) Count() int {
	m.listMu.RLock()
	defer m.listMu.RUnlock()
	return len(m.partitions)
}

// Oldest returns the oldest partition without evicting it, or nil if none.
func (m *Manager) Oldest() *Partition {
	m.listMu.RLock()
	defer m.listMu.RUnlock()
	if len(m.partitions) == 0 {
		return nil
	}
	return m.partitions[0]
}
