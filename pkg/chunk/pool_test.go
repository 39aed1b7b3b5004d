package chunk

import (
	"testing"
	"time"
)

func TestAcquireLowestFreeID(t *testing.T) {
	p := NewPool(time.Hour)
	id0, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if id0 != 0 {
		t.Errorf("first Acquire() = %d, want 0", id0)
	}
	id1, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if id1 != 1 {
		t.Errorf("second Acquire() = %d, want 1", id1)
	}
}

func TestExhaustion(t *testing.T) {
	p := NewPool(time.Hour)
	for i := 0; i < PoolSize; i++ {
		if _, err := p.Acquire(); err != nil {
			t.Fatalf("Acquire() #%d error = %v", i, err)
		}
	}
	if _, err := p.Acquire(); err != ErrExhausted {
		t.Errorf("Acquire() after exhaustion = %v, want ErrExhausted", err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	p := NewPool(time.Hour)
	id, _ := p.Acquire()
	p.Release(id)
	p.Release(id) // second release must be a no-op, not a double-count
	if n := p.InUseCount(); n != 0 {
		t.Errorf("InUseCount() after double release = %d, want 0", n)
	}
}

func TestCooldownPreventsImmediateReuse(t *testing.T) {
	p := NewPool(50 * time.Millisecond)
	id, _ := p.Acquire()
	p.Release(id)

	// Fill every other slot so the only way to get `id` back is if the
	// cooldown has incorrectly lapsed.
	for i := 0; i < PoolSize-1; i++ {
		if _, err := p.Acquire(); err != nil {
			t.Fatalf("Acquire() #%d error = %v", i, err)
		}
	}

	if _, err := p.Acquire(); err != ErrExhausted {
		t.Errorf("Acquire() during cooldown = %v, want ErrExhausted", err)
	}

	time.Sleep(60 * time.Millisecond)

	reacquired, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire() after cooldown elapsed: error = %v", err)
	}
	if reacquired != id {
		t.Errorf("Acquire() after cooldown = %d, want %d", reacquired, id)
	}
}

func TestInUseCount(t *testing.T) {
	p := NewPool(time.Hour)
	if n := p.InUseCount(); n != 0 {
		t.Fatalf("InUseCount() on fresh pool = %d, want 0", n)
	}
	p.Acquire()
	p.Acquire()
	if n := p.InUseCount(); n != 2 {
		t.Errorf("InUseCount() = %d, want 2", n)
	}
}
