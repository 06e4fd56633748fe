package storage

import (
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Snapshot is the set of counters STATUS_GET reports: the point-in-time
// state of the index, partitions, negative cache, and write-forward
// queue. Counters is populated only when a statusdb.DB is attached via
// SetStatusDB; it holds cumulative, restart-surviving request counts
// rather than the point-in-time state above it.
type Snapshot struct {
	Partitions           int    `json:"partitions"`
	IndexedEntries       int    `json:"indexed_entries"`
	ApproxBytesUsed      uint64 `json:"approx_bytes_used"`
	ApproxBytesBudget    uint64 `json:"approx_bytes_budget"`
	NegativeCacheEntries int    `json:"negative_cache_entries"`
	WriteForwardPending  int    `json:"write_forward_pending"`

	Counters map[string]int64 `json:"counters,omitempty"`
}

// Status builds a Snapshot from the manager's current collaborator state.
func (m *Manager) Status() Snapshot {
	s := Snapshot{
		Partitions:           m.parts.Count(),
		IndexedEntries:       m.idx.Len(),
		ApproxBytesUsed:      m.idx.TotalBytes(),
		ApproxBytesBudget:    m.cfg.MaxBytes,
		NegativeCacheEntries: m.neg.Len(),
	}
	if m.wf != nil {
		s.WriteForwardPending = m.wf.Depth()
	}
	if m.statusDB != nil {
		if counters, err := m.statusDB.Snapshot(); err != nil {
			log.Warn().Err(err).Msg("failed to read persisted counters for status")
		} else {
			s.Counters = counters
		}
	}
	return s
}

// StatusText renders Status() as the STATUS_GET response payload: compact
// JSON, matching aistore's own practice (dbdriver, cmn) of using jsoniter
// for any struct-to-wire rendering rather than hand-built text.
func (m *Manager) StatusText() (string, error) {
	b, err := json.Marshal(m.Status())
	if err != nil {
		return "", err
	}
	return string(b), nil
}
