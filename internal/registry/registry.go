// Package registry holds the shared table of live connections and fans frames
// out to them.
package registry

import (
	"slices"
	"sync"
)

// Peer is the write side of a registered connection.
type Peer interface {
	// Send writes one complete frame. Implementations bound the write with a
	// deadline so a stalled peer cannot hold the registry lock indefinitely.
	Send(frame []byte) error

	// Close closes the underlying connection. It must be safe to call more
	// than once and concurrently with the owning session's reads.
	Close() error

	// RemoteAddr returns the peer's network address for logging.
	RemoteAddr() string
}

// Delivery reports the outcome of one broadcast.
type Delivery struct {
	Sent   int
	Failed int
}

// Registry maps connection ids to peers. Every operation is serialised by a
// single mutex; there is no finer-grained locking.
type Registry struct {
	mu      sync.Mutex
	peers   map[int32]Peer
	max     int
	closed  bool
	ids     *IDAllocator
	metrics Metrics
}

// New creates a registry that admits at most capacity peers.
func New(capacity int) *Registry {
	return &Registry{
		peers: make(map[int32]Peer),
		max:   capacity,
		ids:   NewIDAllocator(),
	}
}

// Max returns the configured capacity.
func (r *Registry) Max() int {
	return r.max
}

// Metrics returns the registry's counters.
func (r *Registry) Metrics() *Metrics {
	return &r.metrics
}

// Join allocates a fresh id and inserts peer under one critical section, so
// two concurrent joins can never be handed the same id.
func (r *Registry) Join(peer Peer) (int32, error) {
	if peer == nil {
		return NoID, ErrNilPeer
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return NoID, ErrClosed
	}
	if len(r.peers) >= r.max {
		return NoID, ErrFull
	}

	id := r.ids.Allocate(func(id int32) bool {
		_, taken := r.peers[id]
		return taken
	})
	r.peers[id] = peer
	return id, nil
}

// Insert registers peer under a caller-chosen id.
func (r *Registry) Insert(id int32, peer Peer) error {
	if peer == nil {
		return ErrNilPeer
	}
	if id == NoID {
		return ErrInvalidID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if _, exists := r.peers[id]; exists {
		return ErrDuplicateID
	}
	r.peers[id] = peer
	return nil
}

// Remove deletes id. Removing an absent id is a no-op.
func (r *Registry) Remove(id int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, id)
}

// Len returns the number of registered peers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// IDs returns the live ids in ascending order.
func (r *Registry) IDs() []int32 {
	r.mu.Lock()
	ids := make([]int32, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	slices.Sort(ids)
	return ids
}

// Broadcast writes frame to every peer except sender, or to every peer when
// includeSender is set. The lock is held for the whole fan-out, so concurrent
// broadcasts reach all peers in the same relative order. Write failures are
// counted and otherwise ignored; a failing peer is removed only by its own
// session.
func (r *Registry) Broadcast(sender int32, frame []byte, includeSender bool) Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()

	var d Delivery
	if r.closed {
		return d
	}

	for id, peer := range r.peers {
		if id == sender && !includeSender {
			continue
		}
		if err := peer.Send(frame); err != nil {
			d.Failed++
			continue
		}
		d.Sent++
	}

	r.metrics.Relayed.Add(1)
	if d.Failed > 0 {
		r.metrics.WriteFailures.Add(int64(d.Failed))
	}
	return d
}

// CloseAll stops further joins and closes every registered peer. Entries are
// left in place for their sessions to remove. It returns the number of peers
// closed.
func (r *Registry) CloseAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	for _, peer := range r.peers {
		_ = peer.Close()
	}
	return len(r.peers)
}

// Closed reports whether CloseAll has been called.
func (r *Registry) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	Connections int      `json:"connections"`
	MaxPlayers  int      `json:"max_players"`
	IDs         []int32  `json:"ids"`
	Metrics     Snapshot `json:"metrics"`
}

// Stats returns the current connections and counters.
func (r *Registry) Stats() Stats {
	ids := r.IDs()
	return Stats{
		Connections: len(ids),
		MaxPlayers:  r.max,
		IDs:         ids,
		Metrics:     r.metrics.Snapshot(),
	}
}
