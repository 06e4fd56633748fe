// Package index implements the recency index: the in-memory map from
// asset id to {size, partition, last-access} that is the authoritative
// answer to "do we know of this asset", and the source of LRU eviction
// ordering. It is safe for concurrent use from many request-handling
// goroutines at once, in the same spirit as aistore's lru package keeping
// per-object access-time state in a structure many joggers touch
// concurrently.
package index

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kf6kjg/whip-lru/internal/assetid"
)

// PartitionID identifies a partition without the index package needing to
// import the partition package — entries carry this id, never a
// back-pointer, so the index and the partition manager can be built and
// tested independently.
type PartitionID string

// Entry is one recency-index record. Size == 0 means "reserved: a store is
// in flight, not yet flushed to disk".
type Entry struct {
	ID         assetid.ID
	Size       uint64
	Partition  PartitionID
	LastAccess time.Time
}

type record struct {
	mu    sync.Mutex
	entry Entry
}

// Index is the concurrent UUID -> Entry map. The zero value is not usable;
// construct with New.
type Index struct {
	shards   [shardCount]shard
	activeFn func() PartitionID
}

const shardCount = 64

type shard struct {
	mu sync.RWMutex
	m  map[assetid.ID]*record
}

// New constructs an empty Index. activeFn returns the partition manager's
// current active partition id, so TryAdd can stamp new entries without the
// index needing to depend on the partition package.
func New(activeFn func() PartitionID) *Index {
	idx := &Index{activeFn: activeFn}
	for i := range idx.shards {
		idx.shards[i].m = make(map[assetid.ID]*record)
	}
	return idx
}

func (idx *Index) shardFor(id assetid.ID) *shard {
	// id is already a well-distributed hash (v4 uuid / caller-chosen), so
	// a single byte is enough to pick a shard.
	return &idx.shards[int(id[0])%shardCount]
}

// TryAdd reserves an entry for id with the given size (0 meaning
// "in-flight") if one does not already exist. Returns whether it added a
// new entry and the partition it was stamped with (the caller's asset
// should be written there).
func (idx *Index) TryAdd(id assetid.ID, size uint64) (added bool, partition PartitionID) {
	s := idx.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[id]; ok {
		return false, ""
	}
	partition = idx.activeFn()
	s.m[id] = &record{entry: Entry{ID: id, Size: size, Partition: partition, LastAccess: time.Now()}}
	return true, partition
}

// Contains reports whether id is indexed, refreshing its last-access stamp.
func (idx *Index) Contains(id assetid.ID) bool {
	_, ok := idx.touch(id)
	return ok
}

// Get returns a copy of the entry for id, refreshing its last-access stamp.
func (idx *Index) Get(id assetid.ID) (Entry, bool) {
	return idx.touch(id)
}

func (idx *Index) touch(id assetid.ID) (Entry, bool) {
	s := idx.shardFor(id)
	s.mu.RLock()
	r, ok := s.m[id]
	s.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}
	r.mu.Lock()
	r.entry.LastAccess = time.Now()
	e := r.entry
	r.mu.Unlock()
	return e, true
}

// SizeOf returns the indexed size for id, refreshing last-access.
func (idx *Index) SizeOf(id assetid.ID) (uint64, bool) {
	e, ok := idx.touch(id)
	if !ok {
		return 0, false
	}
	return e.Size, true
}

// SetSize patches the size of an existing entry, e.g. once a reserved
// (size==0) store has flushed to disk.
func (idx *Index) SetSize(id assetid.ID, size uint64) bool {
	s := idx.shardFor(id)
	s.mu.RLock()
	r, ok := s.m[id]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	r.mu.Lock()
	r.entry.Size = size
	r.mu.Unlock()
	return true
}

// Rehome moves an entry to a new partition, e.g. after the partition
// manager's copy-on-access migration has made the bytes durable in the
// active partition.
func (idx *Index) Rehome(id assetid.ID, partition PartitionID) bool {
	s := idx.shardFor(id)
	s.mu.RLock()
	r, ok := s.m[id]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	r.mu.Lock()
	r.entry.Partition = partition
	r.mu.Unlock()
	return true
}

// TryRemove removes id's entry if present, returning it.
func (idx *Index) TryRemove(id assetid.ID) (Entry, bool) {
	s := idx.shardFor(id)
	s.mu.Lock()
	r, ok := s.m[id]
	if ok {
		delete(s.m, id)
	}
	s.mu.Unlock()
	if !ok {
		return Entry{}, false
	}
	r.mu.Lock()
	e := r.entry
	r.mu.Unlock()
	return e, true
}

// RemoveAll drops every entry whose partition is in the given set, used
// when the partition manager evicts a partition whole. Returns the removed
// entries.
func (idx *Index) RemoveAll(partitions map[PartitionID]struct{}) []Entry {
	var removed []Entry
	for i := range idx.shards {
		s := &idx.shards[i]
		s.mu.Lock()
		for id, r := range s.m {
			r.mu.Lock()
			if _, match := partitions[r.entry.Partition]; match {
				removed = append(removed, r.entry)
				delete(s.m, id)
			}
			r.mu.Unlock()
		}
		s.mu.Unlock()
	}
	return removed
}

// Clear drops every entry in the index, used by purge-all with no filter.
func (idx *Index) Clear() {
	for i := range idx.shards {
		s := &idx.shards[i]
		s.mu.Lock()
		s.m = make(map[assetid.ID]*record)
		s.mu.Unlock()
	}
}

// ItemsWithPrefix returns every id whose lowercase compact hex form starts
// with prefix, refreshing each matched entry's last-access stamp.
func (idx *Index) ItemsWithPrefix(prefix string) []assetid.ID {
	prefix = strings.ToLower(prefix)
	var out []assetid.ID
	now := time.Now()
	for i := range idx.shards {
		s := &idx.shards[i]
		s.mu.RLock()
		for id, r := range s.m {
			if strings.HasPrefix(id.Compact(), prefix) {
				out = append(out, id)
				r.mu.Lock()
				r.entry.LastAccess = now
				r.mu.Unlock()
			}
		}
		s.mu.RUnlock()
	}
	return out
}

// EvictUntilFreed walks entries in ascending last-access order (oldest
// first), skipping in-flight (size==0) entries, and removes entries from
// the index until at least minBytes have been accounted for freed or there
// is nothing left to evict. It does not touch the underlying KV store or
// partitions directly — callers are responsible for deleting the
// corresponding bytes and for partition-granularity eviction; this is
// only the index-level accounting half of eviction selection.
func (idx *Index) EvictUntilFreed(minBytes uint64) (removed []Entry, bytesFreed uint64) {
	all := idx.snapshot()
	sort.Slice(all, func(i, j int) bool { return all[i].LastAccess.Before(all[j].LastAccess) })
	for _, e := range all {
		if bytesFreed >= minBytes {
			break
		}
		if e.Size == 0 {
			continue
		}
		if _, ok := idx.TryRemove(e.ID); ok {
			removed = append(removed, e)
			bytesFreed += e.Size
		}
	}
	return removed, bytesFreed
}

func (idx *Index) snapshot() []Entry {
	var all []Entry
	for i := range idx.shards {
		s := &idx.shards[i]
		s.mu.RLock()
		for _, r := range s.m {
			r.mu.Lock()
			all = append(all, r.entry)
			r.mu.Unlock()
		}
		s.mu.RUnlock()
	}
	return all
}

// Len returns the number of indexed entries, used by STATUS_GET.
func (idx *Index) Len() int {
	n := 0
	for i := range idx.shards {
		s := &idx.shards[i]
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}

// TotalBytes returns the sum of indexed (flushed, non-zero) sizes, used by
// STATUS_GET and by the storage manager's eviction-threshold check.
func (idx *Index) TotalBytes() uint64 {
	var total uint64
	for i := range idx.shards {
		s := &idx.shards[i]
		s.mu.RLock()
		for _, r := range s.m {
			r.mu.Lock()
			total += r.entry.Size
			r.mu.Unlock()
		}
		s.mu.RUnlock()
	}
	return total
}
