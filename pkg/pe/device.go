package pe

import (
	"context"
	"sync"

	"github.com/backkem/midi2ci/pkg/muid"
)

// deviceState tracks per-peer inflight concurrency, per spec §4.3: a
// cap on concurrent transactions with FIFO admission once the cap is
// reached. Grounded on the teacher's per-fabric session concurrency
// gate in pkg/exchange/manager.go, generalized from a fixed session
// limit to a per-peer configurable cap.
type deviceState struct {
	mu       sync.Mutex
	inflight int
	waiters  []chan struct{}
}

// devicePool holds one deviceState per peer MUID, created on demand.
type devicePool struct {
	maxInflight int

	mu    sync.Mutex
	byMUID map[muid.MUID]*deviceState
}

func newDevicePool(maxInflight int) *devicePool {
	return &devicePool{
		maxInflight: maxInflight,
		byMUID:      make(map[muid.MUID]*deviceState),
	}
}

func (dp *devicePool) stateFor(m muid.MUID) *deviceState {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	ds, ok := dp.byMUID[m]
	if !ok {
		ds = &deviceState{}
		dp.byMUID[m] = ds
	}
	return ds
}

// admit blocks until the peer has an available inflight slot or ctx is
// done. On success, the caller owns a slot that must be released exactly
// once via release.
func (dp *devicePool) admit(ctx context.Context, m muid.MUID) error {
	ds := dp.stateFor(m)

	ds.mu.Lock()
	if ds.inflight < dp.maxInflight {
		ds.inflight++
		ds.mu.Unlock()
		return nil
	}
	wait := make(chan struct{})
	ds.waiters = append(ds.waiters, wait)
	ds.mu.Unlock()

	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		ds.mu.Lock()
		for i, w := range ds.waiters {
			if w == wait {
				ds.waiters = append(ds.waiters[:i], ds.waiters[i+1:]...)
				ds.mu.Unlock()
				return ctx.Err()
			}
		}
		ds.mu.Unlock()
		// Already admitted concurrently with cancellation: honor the
		// admission rather than leak a slot.
		return nil
	}
}

// release frees the caller's slot, admitting the oldest waiter (if any)
// in its place.
func (dp *devicePool) release(m muid.MUID) {
	ds := dp.stateFor(m)

	ds.mu.Lock()
	defer ds.mu.Unlock()

	if len(ds.waiters) > 0 {
		next := ds.waiters[0]
		ds.waiters = ds.waiters[1:]
		close(next)
		return
	}
	ds.inflight--
}

// Inflight reports the current inflight count for m, for diagnostics.
func (dp *devicePool) Inflight(m muid.MUID) int {
	ds := dp.stateFor(m)
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.inflight
}
