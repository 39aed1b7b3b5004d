package route

import (
	"fmt"
	"sync"
	"time"

	"github.com/backkem/midi2ci/pkg/muid"
)

// WarmUpPolicy controls whether a single-chunk DeviceInfo request
// precedes a fragile multi-chunk request, per spec §4.4.
type WarmUpPolicy int

const (
	// WarmUpAlways always issues the warm-up request first.
	WarmUpAlways WarmUpPolicy = iota
	// WarmUpNever never issues a warm-up request.
	WarmUpNever
	// WarmUpAdaptive tries without warm-up first; on timeout, retries
	// with warm-up and remembers the device needs it thereafter.
	WarmUpAdaptive
	// WarmUpVendorBased consults a vendor table for a vendor-specific
	// warm-up resource.
	WarmUpVendorBased
)

func (p WarmUpPolicy) String() string {
	switch p {
	case WarmUpAlways:
		return "always"
	case WarmUpNever:
		return "never"
	case WarmUpAdaptive:
		return "adaptive"
	case WarmUpVendorBased:
		return "vendorBased"
	default:
		return "unknown"
	}
}

// ParseWarmUpPolicy maps a configuration string to a WarmUpPolicy.
func ParseWarmUpPolicy(s string) (WarmUpPolicy, bool) {
	switch s {
	case "always":
		return WarmUpAlways, true
	case "never":
		return WarmUpNever, true
	case "adaptive":
		return WarmUpAdaptive, true
	case "vendorBased":
		return WarmUpVendorBased, true
	default:
		return WarmUpAdaptive, false
	}
}

const (
	// DefaultWarmUpCacheTTL is the lifetime of a learned "needs warm-up"
	// entry.
	DefaultWarmUpCacheTTL = 1 * time.Hour
	// DefaultWarmUpCacheSize bounds the adaptive cache; oldest entries
	// are evicted first once exceeded.
	DefaultWarmUpCacheSize = 100
)

// vendorKey identifies a device model independent of its per-session
// MUID, so learned warm-up requirements survive MUID churn across
// sessions.
type vendorKey struct {
	manufacturer muid.ManufacturerID
	model        uint16
}

func (k vendorKey) String() string {
	return fmt.Sprintf("%x/%04x", k.manufacturer.Bytes, k.model)
}

type warmUpEntry struct {
	needsWarmUp bool
	expires     time.Time
	order       int
}

// WarmUpCache learns, per manufacturer+model, whether a device requires
// a warm-up request before a fragile multi-chunk request succeeds.
type WarmUpCache struct {
	ttl     time.Duration
	maxSize int

	mu      sync.Mutex
	entries map[vendorKey]warmUpEntry
	seq     int
}

// NewWarmUpCache constructs a WarmUpCache using DefaultWarmUpCacheTTL and
// DefaultWarmUpCacheSize when ttl or maxSize are <= 0.
func NewWarmUpCache(ttl time.Duration, maxSize int) *WarmUpCache {
	if ttl <= 0 {
		ttl = DefaultWarmUpCacheTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultWarmUpCacheSize
	}
	return &WarmUpCache{
		ttl:     ttl,
		maxSize: maxSize,
		entries: make(map[vendorKey]warmUpEntry),
	}
}

// NeedsWarmUp reports whether manufacturer+model was previously learned
// to require a warm-up request.
func (c *WarmUpCache) NeedsWarmUp(manufacturer muid.ManufacturerID, model uint16) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := vendorKey{manufacturer, model}
	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expires) {
		return false
	}
	return e.needsWarmUp
}

// Learn records that manufacturer+model does (or does not) require
// warm-up, evicting the oldest entry if the cache is at capacity.
func (c *WarmUpCache) Learn(manufacturer muid.ManufacturerID, model uint16, needsWarmUp bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := vendorKey{manufacturer, model}
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	c.seq++
	c.entries[key] = warmUpEntry{
		needsWarmUp: needsWarmUp,
		expires:     time.Now().Add(c.ttl),
		order:       c.seq,
	}
}

func (c *WarmUpCache) evictOldest() {
	var oldestKey vendorKey
	oldestOrder := int(^uint(0) >> 1)
	found := false
	for k, e := range c.entries {
		if !found || e.order < oldestOrder {
			oldestKey, oldestOrder, found = k, e.order, true
		}
	}
	if found {
		delete(c.entries, oldestKey)
	}
}

// VendorWarmUpResource maps a manufacturer to the resource name used as
// its vendor-specific warm-up request under WarmUpVendorBased. An empty
// result means fall back to "DeviceInfo".
type VendorWarmUpResource func(manufacturer muid.ManufacturerID) string
