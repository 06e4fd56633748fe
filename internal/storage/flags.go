package storage

import (
	"github.com/kf6kjg/whip-lru/internal/assetid"
)

// Flags are the purge-filter-relevant bits an asset's own (otherwise
// opaque) payload serialization carries: "Local" and "Temporary". The
// engine never inspects payload bytes itself — it only ever calls a
// caller-supplied FlagDecoder.
type Flags struct {
	Local     bool
	Temporary bool
}

// FlagDecoder decodes enough of an asset's payload to answer purge-filter
// queries, without the storage engine needing to understand the rest of
// the asset's wire format.
type FlagDecoder func(data []byte) (Flags, error)

// DefaultFlagDecoder is used when a caller doesn't supply one. It reads a
// single leading flags byte: bit 0 set means Local, bit 1 set means
// Temporary. Deployments whose assets serialize their flags differently
// supply their own decoder to New.
func DefaultFlagDecoder(data []byte) (Flags, error) {
	if len(data) == 0 {
		return Flags{}, nil
	}
	b := data[0]
	return Flags{Local: b&0x01 != 0, Temporary: b&0x02 != 0}, nil
}

// Filter is one conjunction of purge-filter predicates, OR-combined with
// its siblings by PurgeAll.
type Filter struct {
	Local     *bool
	Temporary *bool
	IDPrefix  string
}

func (f Filter) matches(id assetid.ID, flags Flags) bool {
	if f.Local != nil && *f.Local != flags.Local {
		return false
	}
	if f.Temporary != nil && *f.Temporary != flags.Temporary {
		return false
	}
	if f.IDPrefix != "" {
		compact := id.Compact()
		if len(compact) < len(f.IDPrefix) || compact[:len(f.IDPrefix)] != f.IDPrefix {
			return false
		}
	}
	return true
}

func matchesAny(filters []Filter, id assetid.ID, flags Flags) bool {
	for _, f := range filters {
		if f.matches(id, flags) {
			return true
		}
	}
	return false
}

// LocalFilter is the PURGELOCALS shorthand: local=true, no other
// predicates.
func LocalFilter() Filter {
	t := true
	return Filter{Local: &t}
}
