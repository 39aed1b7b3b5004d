// Package discovery implements the CI discovery state machine: periodic
// broadcast, peer tracking with liveness timeout, and lifecycle events,
// per spec §4.5.
//
// Grounded on the teacher's pkg/discovery/manager.go (periodic broadcast
// loop, peer registry keyed by node ID, age-out sweep) generalized from
// mDNS-announced Matter commissionable nodes to MUID-identified CI peers
// discovered over the SysEx transport itself.
package discovery

import (
	"sync"
	"time"

	"github.com/backkem/midi2ci/pkg/muid"
	"github.com/backkem/midi2ci/pkg/transport"
)

// DefaultDeviceTimeout is the age-out threshold for a peer's last-seen
// timestamp.
const DefaultDeviceTimeout = 60 * time.Second

// Peer is a single discovered CI device.
type Peer struct {
	MUID             muid.MUID
	Identity         muid.Identity
	CategorySupport  uint32
	MaxSysExSize     uint32
	SourceHint       transport.Source
	LastSeen         time.Time
	PartialDiscovery bool
}

// Registry tracks currently-known peers and ages them out on a timeout.
type Registry struct {
	timeout time.Duration

	mu    sync.Mutex
	peers map[muid.MUID]Peer
}

// NewRegistry constructs a Registry using the given age-out timeout, or
// DefaultDeviceTimeout if d <= 0.
func NewRegistry(d time.Duration) *Registry {
	if d <= 0 {
		d = DefaultDeviceTimeout
	}
	return &Registry{
		timeout: d,
		peers:   make(map[muid.MUID]Peer),
	}
}

// upsertResult distinguishes a brand-new peer from a refreshed one, so
// the caller can emit the right lifecycle event.
type upsertResult int

const (
	upsertNew upsertResult = iota
	upsertUpdated
)

// Upsert records a sighting of peer, returning whether it is new.
func (r *Registry) Upsert(p Peer) upsertResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, existed := r.peers[p.MUID]
	r.peers[p.MUID] = p
	if existed {
		return upsertUpdated
	}
	return upsertNew
}

// Get returns the peer for m, if known.
func (r *Registry) Get(m muid.MUID) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[m]
	return p, ok
}

// Remove deletes m from the registry, reporting whether it was present.
func (r *Registry) Remove(m muid.MUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.peers[m]
	delete(r.peers, m)
	return ok
}

// All returns a snapshot of every currently-known peer.
func (r *Registry) All() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

// SweepExpired removes and returns every peer whose last-seen timestamp
// exceeds the registry's timeout.
func (r *Registry) SweepExpired() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	var expired []Peer
	for m, p := range r.peers {
		if now.Sub(p.LastSeen) > r.timeout {
			expired = append(expired, p)
			delete(r.peers, m)
		}
	}
	return expired
}
