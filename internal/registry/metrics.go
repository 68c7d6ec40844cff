package registry

import "sync/atomic"

// Metrics counts relay activity. All fields are safe for concurrent use.
type Metrics struct {
	Accepted      atomic.Int64
	Rejected      atomic.Int64
	Relayed       atomic.Int64
	Throttled     atomic.Int64
	Violations    atomic.Int64
	WriteFailures atomic.Int64
}

// Snapshot is a point-in-time copy of Metrics.
type Snapshot struct {
	Accepted      int64 `json:"accepted"`
	Rejected      int64 `json:"rejected"`
	Relayed       int64 `json:"relayed"`
	Throttled     int64 `json:"throttled"`
	Violations    int64 `json:"violations"`
	WriteFailures int64 `json:"write_failures"`
}

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Accepted:      m.Accepted.Load(),
		Rejected:      m.Rejected.Load(),
		Relayed:       m.Relayed.Load(),
		Throttled:     m.Throttled.Load(),
		Violations:    m.Violations.Load(),
		WriteFailures: m.WriteFailures.Load(),
	}
}
