// Package assetid provides the 128-bit asset identifier used throughout the
// cache: parsing and rendering of the wire protocol's 32-character compact
// hex form, and the 8-4-4-4-12 dashed form used in logs.
package assetid

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// Len is the number of raw bytes in an ID.
const Len = 16

// CompactLen is the length of an ID's wire-form ASCII representation.
const CompactLen = 32

// ID is a 128-bit asset identifier. The zero value is reserved and invalid.
type ID [Len]byte

// Zero is the reserved, always-invalid identifier.
var Zero ID

// IsZero reports whether id is the reserved zero identifier.
func (id ID) IsZero() bool {
	return id == Zero
}

// Compact renders id as 32 lowercase hex characters, the form used on the
// wire.
func (id ID) Compact() string {
	return hex.EncodeToString(id[:])
}

// String renders id in the 8-4-4-4-12 dashed form used in logs.
func (id ID) String() string {
	return uuid.UUID(id).String()
}

// ParseCompact parses a 32-character lowercase-or-uppercase hex string, the
// form carried in ClientRequest/ServerResponse frames.
func ParseCompact(s string) (ID, error) {
	var id ID
	if len(s) != CompactLen {
		return id, fmt.Errorf("assetid: compact form must be %d characters, got %d", CompactLen, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("assetid: invalid hex: %w", err)
	}
	copy(id[:], b)
	return id, nil
}

// New generates a fresh random (v4) identifier. Used by tests and by
// synthetic-id callers; the protocol itself never assigns ids, it only
// carries client-supplied ones.
func New() ID {
	var id ID
	u := uuid.New()
	copy(id[:], u[:])
	return id
}
