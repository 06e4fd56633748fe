// Package werrors defines the sum-type-style error kinds the storage core
// and connection server surface, per the error handling design: callers
// branch on these with errors.Is/errors.As rather than on exception type
// hierarchies.
package werrors

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Wrap these with fmt.Errorf("...: %w", Err...) to add
// context; errors.Is still matches through the wrap.
var (
	// ErrInvalidArgument covers a zero UUID, a nil asset, or a malformed
	// prefix query.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrProtocol covers malformed framing, an unknown request type, or an
	// over-sized declared payload length.
	ErrProtocol = errors.New("protocol error")

	// ErrAuthenticationFailed covers a challenge/response hash mismatch.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrNotFound covers a purge of an unknown id or a get miss with no
	// upstream (or a negative upstream result).
	ErrNotFound = errors.New("asset not found")

	// ErrExists covers a store of an id already present (DUPLICATE).
	ErrExists = errors.New("asset already exists")

	// ErrWriteCacheFull covers an eviction pass that could not free enough
	// space to satisfy a store.
	ErrWriteCacheFull = errors.New("write cache full")

	// ErrLocalStorage covers any KV-adapter error other than full/exists.
	ErrLocalStorage = errors.New("local storage error")

	// ErrUpstream covers a failed upstream fetch or put.
	ErrUpstream = errors.New("upstream error")

	// ErrFatal covers startup failures: bind, mmap, magic mismatch.
	ErrFatal = errors.New("fatal startup error")
)

// MapFullError distinguishes a KV environment's "map full" condition from a
// generic local-storage error so the storage manager can trigger exactly one
// eviction-and-retry pass.
type MapFullError struct {
	Partition string
}

func (e *MapFullError) Error() string {
	return fmt.Sprintf("kvstore: map full in partition %s", e.Partition)
}

func (e *MapFullError) Unwrap() error { return ErrWriteCacheFull }

// KeyExistsError distinguishes an insert-only collision from other local
// storage failures.
type KeyExistsError struct {
	Key string
}

func (e *KeyExistsError) Error() string {
	return fmt.Sprintf("kvstore: key %s exists", e.Key)
}

func (e *KeyExistsError) Unwrap() error { return ErrExists }
