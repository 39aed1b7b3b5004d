// Package route resolves the outbound destination(s) for a peer MUID
// across a device's multiple transport endpoints, and implements the
// warm-up policy that precedes fragile multi-chunk requests, per spec
// §4.4.
//
// Grounded on the teacher's pkg/discovery/resolver.go (candidate-ordering
// by name/entity match) and pkg/exchange/manager.go (cached destination
// with TTL, retry-on-timeout promoting the retry destination into the
// cache).
package route

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/backkem/midi2ci/pkg/muid"
	"github.com/backkem/midi2ci/pkg/transport"
)

// DefaultCacheTTL is the lifetime of a resolved destination cache entry.
const DefaultCacheTTL = 30 * time.Minute

// Strategy orders candidate destinations for a peer. sourceHint, when
// non-empty, is the endpoint the peer's most recent inbound message (for
// example, its Discovery Reply) arrived on.
type Strategy func(peer muid.MUID, sourceHint transport.Source, destinations []transport.Destination) []transport.Destination

// PreferModule puts any destination whose name contains "module" first,
// then the source-hint-matched destination, then the rest in
// enumeration order.
func PreferModule(peer muid.MUID, sourceHint transport.Source, destinations []transport.Destination) []transport.Destination {
	return orderCandidates(destinations, sourceHint, true)
}

// PreferNameMatch puts the source-hint-matched destination first, then
// the rest in enumeration order.
func PreferNameMatch(peer muid.MUID, sourceHint transport.Source, destinations []transport.Destination) []transport.Destination {
	return orderCandidates(destinations, sourceHint, false)
}

// Automatic delegates to PreferModule if any destination name contains
// "module", else PreferNameMatch.
func Automatic(peer muid.MUID, sourceHint transport.Source, destinations []transport.Destination) []transport.Destination {
	for _, d := range destinations {
		if strings.Contains(strings.ToLower(string(d)), "module") {
			return PreferModule(peer, sourceHint, destinations)
		}
	}
	return PreferNameMatch(peer, sourceHint, destinations)
}

func orderCandidates(destinations []transport.Destination, sourceHint transport.Source, moduleFirst bool) []transport.Destination {
	var modulePick, hintPick transport.Destination
	haveModule, haveHint := false, false
	var rest []transport.Destination

	for _, d := range destinations {
		isModule := moduleFirst && !haveModule && strings.Contains(strings.ToLower(string(d)), "module")
		isHint := !haveHint && sourceHint != "" && string(d) == string(sourceHint)
		switch {
		case isModule:
			modulePick, haveModule = d, true
		case isHint:
			hintPick, haveHint = d, true
		default:
			rest = append(rest, d)
		}
	}

	out := make([]transport.Destination, 0, len(destinations))
	if haveModule {
		out = append(out, modulePick)
	}
	if haveHint {
		out = append(out, hintPick)
	}
	out = append(out, rest...)
	return out
}

// Diagnostics records the last resolution's candidate order and choice,
// for troubleshooting a misbehaving device. ID uniquely identifies this
// resolution snapshot so log lines from the same Resolve call can be
// correlated even when the chosen destination repeats across calls.
type Diagnostics struct {
	ID         string
	Peer       muid.MUID
	TriedOrder []transport.Destination
	Chosen     transport.Destination
	FromCache  bool
}

type cacheEntry struct {
	dest    transport.Destination
	expires time.Time
}

// Resolver selects and caches the outbound destination for a peer.
type Resolver struct {
	strategy Strategy
	ttl      time.Duration

	mu          sync.Mutex
	cache       map[muid.MUID]cacheEntry
	diagnostics map[muid.MUID]Diagnostics
}

// NewResolver constructs a Resolver with the given strategy, or
// Automatic if strategy is nil, and the given cache TTL, or
// DefaultCacheTTL if ttl <= 0.
func NewResolver(strategy Strategy, ttl time.Duration) *Resolver {
	if strategy == nil {
		strategy = Automatic
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Resolver{
		strategy:    strategy,
		ttl:         ttl,
		cache:       make(map[muid.MUID]cacheEntry),
		diagnostics: make(map[muid.MUID]Diagnostics),
	}
}

// Resolve returns the best destination for peer given the available
// destinations and an optional source hint (the endpoint the peer was
// last heard from on).
func (r *Resolver) Resolve(peer muid.MUID, sourceHint transport.Source, destinations []transport.Destination) transport.Destination {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.cache[peer]; ok && time.Now().Before(e.expires) {
		r.diagnostics[peer] = Diagnostics{ID: uuid.NewString(), Peer: peer, Chosen: e.dest, FromCache: true}
		return e.dest
	}

	ordered := r.strategy(peer, sourceHint, destinations)
	var chosen transport.Destination
	if len(ordered) > 0 {
		chosen = ordered[0]
	}
	r.diagnostics[peer] = Diagnostics{ID: uuid.NewString(), Peer: peer, TriedOrder: ordered, Chosen: chosen}
	if chosen != "" {
		r.cache[peer] = cacheEntry{dest: chosen, expires: time.Now().Add(r.ttl)}
	}
	return chosen
}

// Candidates returns the fully ordered candidate list for peer, ignoring
// the cache — used by the fallback send strategy to find the next
// candidate after the first fails.
func (r *Resolver) Candidates(peer muid.MUID, sourceHint transport.Source, destinations []transport.Destination) []transport.Destination {
	return r.strategy(peer, sourceHint, destinations)
}

// PromoteCache records dest as the resolved choice for peer, used after
// a fallback retry succeeds on a non-primary candidate.
func (r *Resolver) PromoteCache(peer muid.MUID, dest transport.Destination) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[peer] = cacheEntry{dest: dest, expires: time.Now().Add(r.ttl)}
}

// Invalidate drops any cached destination for peer, e.g. on deviceLost.
func (r *Resolver) Invalidate(peer muid.MUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, peer)
	delete(r.diagnostics, peer)
}

// LastDiagnostics returns the most recent resolution snapshot for peer.
func (r *Resolver) LastDiagnostics(peer muid.MUID) (Diagnostics, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.diagnostics[peer]
	return d, ok
}
