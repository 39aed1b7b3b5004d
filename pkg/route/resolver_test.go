package route

import (
	"testing"
	"time"

	"github.com/backkem/midi2ci/pkg/muid"
	"github.com/backkem/midi2ci/pkg/transport"
)

func TestPreferModulePutsModuleFirst(t *testing.T) {
	dests := []transport.Destination{"Bluetooth", "Module", "Session 1"}
	ordered := PreferModule(1, "", dests)
	if ordered[0] != "Module" {
		t.Errorf("ordered[0] = %s, want Module", ordered[0])
	}
}

func TestPreferNameMatchUsesSourceHint(t *testing.T) {
	dests := []transport.Destination{"Bluetooth", "Session 1"}
	ordered := PreferNameMatch(1, "Session 1", dests)
	if ordered[0] != "Session 1" {
		t.Errorf("ordered[0] = %s, want Session 1", ordered[0])
	}
}

func TestAutomaticPicksPreferModuleWhenAvailable(t *testing.T) {
	dests := []transport.Destination{"Session 1", "USB Module"}
	ordered := Automatic(1, "", dests)
	if ordered[0] != "USB Module" {
		t.Errorf("ordered[0] = %s, want USB Module", ordered[0])
	}
}

func TestResolveCachesChoice(t *testing.T) {
	r := NewResolver(Automatic, time.Minute)
	dests := []transport.Destination{"A", "B"}

	first := r.Resolve(1, "", dests)
	second := r.Resolve(1, "", []transport.Destination{"Z"}) // ignored: cache hit
	if first != second {
		t.Errorf("second Resolve() = %s, want cached %s", second, first)
	}

	d, ok := r.LastDiagnostics(1)
	if !ok || !d.FromCache {
		t.Error("expected cache-hit diagnostics on second resolve")
	}
}

func TestResolveCacheExpires(t *testing.T) {
	r := NewResolver(Automatic, 10*time.Millisecond)
	dests := []transport.Destination{"A", "B"}
	r.Resolve(1, "", dests)

	time.Sleep(30 * time.Millisecond)

	d, _ := r.LastDiagnostics(1)
	r.Resolve(1, "", dests)
	d2, _ := r.LastDiagnostics(1)
	if d2.FromCache {
		t.Error("expected cache miss after TTL expiry")
	}
	_ = d
}

func TestInvalidateDropsCache(t *testing.T) {
	r := NewResolver(Automatic, time.Minute)
	r.Resolve(1, "", []transport.Destination{"A"})
	r.Invalidate(1)

	r.Resolve(1, "", []transport.Destination{"B"})
	d, _ := r.LastDiagnostics(1)
	if d.FromCache {
		t.Error("expected cache miss after Invalidate")
	}
	if d.Chosen != "B" {
		t.Errorf("Chosen = %s, want B", d.Chosen)
	}
}

func TestPromoteCache(t *testing.T) {
	r := NewResolver(Automatic, time.Minute)
	r.PromoteCache(1, "Bluetooth")

	got := r.Resolve(1, "", []transport.Destination{"Module"})
	if got != "Bluetooth" {
		t.Errorf("Resolve() = %s, want promoted Bluetooth", got)
	}
}

func TestDiagnosticsIDUniquePerResolution(t *testing.T) {
	r := NewResolver(Automatic, time.Millisecond)
	dests := []transport.Destination{"A", "B"}

	r.Resolve(1, "", dests)
	d1, _ := r.LastDiagnostics(1)
	if d1.ID == "" {
		t.Fatal("expected a non-empty diagnostics ID")
	}

	time.Sleep(5 * time.Millisecond) // let the cache entry expire
	r.Resolve(1, "", dests)
	d2, _ := r.LastDiagnostics(1)

	if d2.ID == "" || d2.ID == d1.ID {
		t.Errorf("expected distinct diagnostics IDs, got %q and %q", d1.ID, d2.ID)
	}
}

func TestWarmUpCacheLearnsAndExpires(t *testing.T) {
	c := NewWarmUpCache(10*time.Millisecond, 100)
	m := muid.ManufacturerID{Bytes: [3]byte{0x42, 0, 0}}

	if c.NeedsWarmUp(m, 1) {
		t.Error("fresh cache should report false")
	}
	c.Learn(m, 1, true)
	if !c.NeedsWarmUp(m, 1) {
		t.Error("expected NeedsWarmUp true after Learn")
	}

	time.Sleep(30 * time.Millisecond)
	if c.NeedsWarmUp(m, 1) {
		t.Error("expected entry to expire")
	}
}

func TestWarmUpCacheEvictsOldestOnOverflow(t *testing.T) {
	c := NewWarmUpCache(time.Hour, 2)
	m1 := muid.ManufacturerID{Bytes: [3]byte{1, 0, 0}}
	m2 := muid.ManufacturerID{Bytes: [3]byte{2, 0, 0}}
	m3 := muid.ManufacturerID{Bytes: [3]byte{3, 0, 0}}

	c.Learn(m1, 0, true)
	c.Learn(m2, 0, true)
	c.Learn(m3, 0, true) // should evict m1

	if c.NeedsWarmUp(m1, 0) {
		t.Error("expected m1 evicted as oldest")
	}
	if !c.NeedsWarmUp(m2, 0) || !c.NeedsWarmUp(m3, 0) {
		t.Error("expected m2 and m3 to remain")
	}
}

func TestParseSendStrategy(t *testing.T) {
	if s, ok := ParseSendStrategy("fallback"); !ok || s != Fallback {
		t.Errorf("ParseSendStrategy(fallback) = %v, %v", s, ok)
	}
	if _, ok := ParseSendStrategy("bogus"); ok {
		t.Error("expected ok=false for unknown strategy")
	}
}

func TestParseWarmUpPolicy(t *testing.T) {
	if p, ok := ParseWarmUpPolicy("vendorBased"); !ok || p != WarmUpVendorBased {
		t.Errorf("ParseWarmUpPolicy(vendorBased) = %v, %v", p, ok)
	}
}
