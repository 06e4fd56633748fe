package writeforward_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kf6kjg/whip-lru/internal/assetid"
	"github.com/kf6kjg/whip-lru/internal/writeforward"
)

func TestOpenCreatesFileWithMagicAndZeroedSlots(t *testing.T) {
	path := filepath.Join(t.TempDir(), "write.cache")
	l, pending, err := writeforward.Open(path, 8)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	if len(pending) != 0 {
		t.Fatalf("expected no pending slots on a freshly created file, got %d", len(pending))
	}
	if l.SlotCount() != 8 {
		t.Fatalf("SlotCount() = %d, want 8", l.SlotCount())
	}

	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	wantSize := int64(8 + 8*17)
	if fi.Size() != wantSize {
		t.Fatalf("file size = %d, want %d", fi.Size(), wantSize)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(raw[:8]) != writeforward.Magic {
		t.Fatalf("magic = %q, want %q", raw[:8], writeforward.Magic)
	}
}

// TestCrashRecoveryReenqueuesPendingSlots checks that every non-free slot
// from a prior run is recovered exactly once on reopen.
func TestCrashRecoveryReenqueuesPendingSlots(t *testing.T) {
	path := filepath.Join(t.TempDir(), "write.cache")

	l, _, err := writeforward.Open(path, 4)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	slot, err := l.Allocate(ctx)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	id := assetid.New()
	if err := l.Store(slot, id); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	l2, pending, err := writeforward.Open(path, 4)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l2.Close()

	if len(pending) != 1 {
		t.Fatalf("expected exactly 1 recovered pending slot, got %d", len(pending))
	}
	if pending[0].Slot != slot || pending[0].ID != id {
		t.Fatalf("recovered slot mismatch: got %+v", pending[0])
	}
}

func TestFreeThenAllocateReusesSlot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "write.cache")
	l, _, err := writeforward.Open(path, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	ctx := context.Background()
	slot, err := l.Allocate(ctx)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := l.Store(slot, assetid.New()); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if l.Depth() != 1 {
		t.Fatalf("Depth() = %d, want 1", l.Depth())
	}

	shortCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if _, err := l.Allocate(shortCtx); err == nil {
		t.Fatalf("expected Allocate to block when the single slot is taken")
	}

	l.Free(slot)
	if l.Depth() != 0 {
		t.Fatalf("Depth() = %d after Free, want 0", l.Depth())
	}

	slot2, err := l.Allocate(ctx)
	if err != nil {
		t.Fatalf("Allocate after Free: %v", err)
	}
	if slot2 != slot {
		t.Fatalf("expected the only slot (%d) to be reused, got %d", slot, slot2)
	}
}

func TestOpenRejectsTruncatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "write.cache")
	if err := os.WriteFile(path, []byte("WHIPLRU1\x00\x00"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	_, _, err := writeforward.Open(path, 4)
	if !errors.Is(err, writeforward.ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestOpenRejectsMagicMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "write.cache")
	size := 8 + 4*17
	data := make([]byte, size)
	copy(data, "NOTWHIP1")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	_, _, err := writeforward.Open(path, 4)
	if !errors.Is(err, writeforward.ErrMagicMismatch) {
		t.Fatalf("expected ErrMagicMismatch, got %v", err)
	}
}
