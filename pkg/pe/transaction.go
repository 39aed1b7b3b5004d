package pe

import (
	"sync"
	"time"

	"github.com/backkem/midi2ci/pkg/muid"
)

// Response is the fully reassembled and decoded result of a PE inquiry.
type Response struct {
	Status int
	Header []byte
	Body   []byte
}

// outcome is delivered exactly once through a transaction's one-shot
// channel: either a Response or an error (always a *cierrs.Error).
type outcome struct {
	response Response
	err      error
}

// transaction is the engine's record for one in-flight get/set/subscribe
// request. Grounded on the teacher's pkg/exchange/context.go one-shot
// completion pattern: a buffered-capacity-1 channel plus sync.Once so
// exactly one of timeout/cancel/receive resolves the caller.
type transaction struct {
	id          uint8
	resource    string
	destination muid.MUID
	start       time.Time
	deadline    time.Time

	done chan outcome
	once sync.Once
	timer *time.Timer

	mu        sync.Mutex
	cancelled bool
}

func newTransaction(id uint8, resource string, dest muid.MUID, start time.Time, deadline time.Time) *transaction {
	return &transaction{
		id:          id,
		resource:    resource,
		destination: dest,
		start:       start,
		deadline:    deadline,
		done:        make(chan outcome, 1),
	}
}

// resolve delivers o exactly once; later calls are no-ops, satisfying
// I2 (terminal exactly-once) and idempotent cancellation.
func (t *transaction) resolve(o outcome) {
	t.once.Do(func() {
		if t.timer != nil {
			t.timer.Stop()
		}
		t.done <- o
	})
}

func (t *transaction) markCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return false
	}
	t.cancelled = true
	return true
}
