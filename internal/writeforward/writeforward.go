// Package writeforward implements the write-forward log: a
// crash-recoverable, fixed-slot memory-mapped file recording locally
// accepted writes awaiting durable forwarding to the upstream asset
// service. The on-disk layout — an 8-byte magic followed by fixed
// 17-byte {status, uuid} slots — is a compatibility boundary and must
// not change across versions, or restarts could not recover pending
// slots written by an earlier run.
//
// There is no generic raw-mmap wrapper anywhere in the retrieved example
// pack, so this package reaches for github.com/edsrzf/mmap-go, the
// standard pure-Go mmap library for exactly this shape of problem — see
// DESIGN.md for why it is named rather than grounded.
package writeforward

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/edsrzf/mmap-go"

	"github.com/kf6kjg/whip-lru/internal/assetid"
	"github.com/kf6kjg/whip-lru/internal/logging"
	"github.com/kf6kjg/whip-lru/internal/werrors"
)

var log = logging.For("writeforward")

const (
	// Magic is the 8-byte ASCII magic written at the start of the file.
	Magic = "WHIPLRU1"

	magicSize = 8
	slotSize  = 1 + assetid.Len // status byte + uuid

	statusFree    byte = 0
	statusPending byte = 1
)

// SlotRef identifies an allocated slot.
type SlotRef uint32

// ErrMagicMismatch means the file exists, is the right length, but does
// not start with the expected magic: present but not ours.
var ErrMagicMismatch = fmt.Errorf("%w: write cache: magic mismatch (not a whip-lru write cache file)", werrors.ErrFatal)

// ErrTruncated means the file exists but its length differs from what the
// configured slot count requires (shorter, or longer) — a length failure,
// distinct from a magic mismatch.
var ErrTruncated = fmt.Errorf("%w: write cache: file truncated", werrors.ErrFatal)

// Log is the open, memory-mapped write-forward file.
type Log struct {
	file      *os.File
	data      mmap.MMap
	slotCount uint32

	freeMu sync.Mutex
	free   []bool // true = free slot, index by SlotRef
}

func slotOffset(slot SlotRef) int64 {
	return magicSize + int64(slot)*slotSize
}

// Open opens the write-forward file at path. A fresh file is extended to
// magic(8) + slotCount*17 bytes, the magic written, every slot zeroed. If
// the file already exists, its magic and length are verified and every
// non-free slot is returned for the caller to re-enqueue to the upstream
// worker, so no pending write outlives a crash unforwarded.
func Open(path string, slotCount uint32) (*Log, []PendingSlot, error) {
	wantSize := magicSize + int64(slotCount)*slotSize

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: write cache: open %s: %v", werrors.ErrFatal, path, err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("%w: write cache: stat %s: %v", werrors.ErrFatal, path, err)
	}

	created := fi.Size() == 0
	if created {
		if err := f.Truncate(wantSize); err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("%w: write cache: truncate %s: %v", werrors.ErrFatal, path, err)
		}
		if _, err := f.WriteAt([]byte(Magic), 0); err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("%w: write cache: write magic %s: %v", werrors.ErrFatal, path, err)
		}
	} else if fi.Size() != wantSize {
		// Length check happens before content check, so a truncated file
		// is never misreported as a plain magic mismatch.
		f.Close()
		return nil, nil, ErrTruncated
	}

	data, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("%w: write cache: mmap %s: %v", werrors.ErrFatal, path, err)
	}

	if string(data[:magicSize]) != Magic {
		data.Unmap()
		f.Close()
		return nil, nil, ErrMagicMismatch
	}

	l := &Log{file: f, data: data, slotCount: slotCount, free: make([]bool, slotCount)}

	var pending []PendingSlot
	for i := uint32(0); i < slotCount; i++ {
		off := magicSize + int64(i)*slotSize
		status := data[off]
		if status == statusFree {
			l.free[i] = true
			continue
		}
		var id assetid.ID
		copy(id[:], data[off+1:off+1+assetid.Len])
		pending = append(pending, PendingSlot{Slot: SlotRef(i), ID: id})
	}

	log.Info().Str("path", path).Int("pending", len(pending)).Bool("created", created).Msg("write-forward log opened")
	return l, pending, nil
}

// PendingSlot is a slot recovered at startup still carrying an unforwarded
// write.
type PendingSlot struct {
	Slot SlotRef
	ID   assetid.ID
}

// Close unmaps and closes the underlying file.
func (l *Log) Close() error {
	if err := l.data.Unmap(); err != nil {
		return err
	}
	return l.file.Close()
}

// Allocate returns the first free slot, blocking briefly (polling with a
// short backoff, bounded by ctx) if none is currently free.
func (l *Log) Allocate(ctx context.Context) (SlotRef, error) {
	for {
		l.freeMu.Lock()
		for i, free := range l.free {
			if free {
				l.free[i] = false
				l.freeMu.Unlock()
				return SlotRef(i), nil
			}
		}
		l.freeMu.Unlock()

		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("%w: write cache: no free slot: %v", werrors.ErrWriteCacheFull, ctx.Err())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Store writes {status=1, uuid} into slot's mapped region. A memory-mapped
// write is durable across a clean shutdown without an explicit flush; an
// unclean shutdown may lose the most recent unflushed writes, an accepted
// trade-off.
func (l *Log) Store(slot SlotRef, id assetid.ID) error {
	off := slotOffset(slot)
	l.data[off] = statusPending
	copy(l.data[off+1:off+1+assetid.Len], id[:])
	return nil
}

// IDAt returns the uuid currently stored in slot.
func (l *Log) IDAt(slot SlotRef) assetid.ID {
	off := slotOffset(slot)
	var id assetid.ID
	copy(id[:], l.data[off+1:off+1+assetid.Len])
	return id
}

// Free marks slot as free: the mapped status byte is cleared first, then
// the in-memory free-list is updated, so a concurrent crash can never
// observe the in-memory state as "free" while the mapped file still
// claims "pending".
func (l *Log) Free(slot SlotRef) {
	off := slotOffset(slot)
	l.data[off] = statusFree

	l.freeMu.Lock()
	l.free[slot] = true
	l.freeMu.Unlock()
}

// SlotCount returns the fixed number of slots in the file.
func (l *Log) SlotCount() uint32 { return l.slotCount }

// Depth returns the number of slots currently pending (not free), used by
// STATUS_GET.
func (l *Log) Depth() int {
	l.freeMu.Lock()
	defer l.freeMu.Unlock()
	n := 0
	for _, free := range l.free {
		if !free {
			n++
		}
	}
	return n
}
