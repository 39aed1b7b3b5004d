package chunk

import (
	"sync"
	"time"
)

// MaxBodySize caps the total reassembled body size, per spec §4.2.
const MaxBodySize = 1 << 20 // 1 MB

// DefaultDeadline is the per-assembly timeout for a single-chunk reply.
// Multi-chunk assemblies scale this by the expected chunk count, per
// spec §4.2 ("a multi-chunk multiplier").
const DefaultDeadline = 3 * time.Second

// Status is the result of adding a chunk to an in-progress assembly.
type Status int

const (
	// Incomplete means more chunks are still expected.
	Incomplete Status = iota
	// Complete means the reassembled header and body are ready.
	Complete
	// UnknownRequestID means no assembly exists for the chunk's request ID
	// (it was never begun, or already completed/timed out and evicted).
	UnknownRequestID
	// Timeout means the assembly's deadline elapsed before completion, or
	// the accumulated body exceeded the body-size cap.
	Timeout
	// NumChunksMismatch means a chunk arrived whose numChunks disagrees
	// with the value established by the first chunk seen for this
	// request ID — a parse-level failure per spec, not a transport glitch.
	NumChunksMismatch
)

// String renders the status for logging.
func (s Status) String() string {
	switch s {
	case Incomplete:
		return "Incomplete"
	case Complete:
		return "Complete"
	case UnknownRequestID:
		return "UnknownRequestID"
	case Timeout:
		return "Timeout"
	case NumChunksMismatch:
		return "NumChunksMismatch"
	default:
		return "Unknown"
	}
}

// assembly tracks one in-progress multi-chunk reassembly.
type assembly struct {
	header    []byte
	numChunks uint16
	parts     map[uint16][]byte
	deadline  time.Time
}

func (a *assembly) received() int {
	return len(a.parts)
}

func (a *assembly) totalBodyLen() int {
	n := 0
	for _, p := range a.parts {
		n += len(p)
	}
	return n
}

// body concatenates parts 1..numChunks in order. Caller must already know
// every part is present.
func (a *assembly) body() []byte {
	out := make([]byte, 0, a.totalBodyLen())
	for i := uint16(1); i <= a.numChunks; i++ {
		out = append(out, a.parts[i]...)
	}
	return out
}

// Assembler reassembles PE reply chunks keyed by request ID. Chunks may
// arrive out of order; only chunk 1 carries the authoritative header
// (spec I3 — later chunks' header bytes, if any, are ignored).
type Assembler struct {
	deadline    time.Duration
	maxBodySize int

	mu         sync.Mutex
	assemblies map[uint8]*assembly
}

// NewAssembler constructs an Assembler using the given base deadline, or
// DefaultDeadline if d <= 0, and the given body-size cap, or MaxBodySize
// if maxBodySize <= 0.
func NewAssembler(d time.Duration, maxBodySize int) *Assembler {
	if d <= 0 {
		d = DefaultDeadline
	}
	if maxBodySize <= 0 {
		maxBodySize = MaxBodySize
	}
	return &Assembler{
		deadline:    d,
		maxBodySize: maxBodySize,
		assemblies:  make(map[uint8]*assembly),
	}
}

// deadlineFor scales the base deadline by the expected chunk count.
func (a *Assembler) deadlineFor(numChunks uint16) time.Duration {
	if numChunks <= 1 {
		return a.deadline
	}
	return a.deadline * time.Duration(numChunks)
}

// AddChunk merges a single received chunk into its assembly, creating the
// assembly on first sight of a request ID. It evicts expired assemblies
// encountered along the way.
//
// header and body are only consulted for their content; callers pass the
// chunk's header field (only meaningful on chunk 1) and its body slice.
//
// A chunk whose numChunks disagrees with the value established by the
// first chunk seen for requestID is a parse-level failure: the assembly
// is discarded and NumChunksMismatch is returned.
func (a *Assembler) AddChunk(requestID uint8, thisChunk, numChunks uint16, header, body []byte) (Status, []byte, []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	as, ok := a.assemblies[requestID]
	if !ok {
		if numChunks <= 1 {
			// Single-chunk reply: no reassembly state needed, complete
			// immediately.
			return Complete, header, body
		}
		as = &assembly{
			numChunks: numChunks,
			parts:     make(map[uint16][]byte),
			deadline:  now.Add(a.deadlineFor(numChunks)),
		}
		a.assemblies[requestID] = as
	} else if numChunks != as.numChunks {
		delete(a.assemblies, requestID)
		return NumChunksMismatch, nil, nil
	}

	if now.After(as.deadline) {
		delete(a.assemblies, requestID)
		return Timeout, nil, nil
	}

	if thisChunk == 1 && as.header == nil {
		as.header = header
	}

	if _, dup := as.parts[thisChunk]; !dup {
		as.parts[thisChunk] = body
	}

	if as.totalBodyLen() > a.maxBodySize {
		delete(a.assemblies, requestID)
		return Timeout, nil, nil
	}

	if as.received() < int(as.numChunks) {
		return Incomplete, nil, nil
	}

	delete(a.assemblies, requestID)
	return Complete, as.header, as.body()
}

// Sweep evicts every assembly whose deadline has elapsed, returning the
// request IDs that timed out. Intended to be called periodically so that
// abandoned assemblies do not accumulate when no further chunk ever
// arrives to trigger the inline eviction in AddChunk.
func (a *Assembler) Sweep() []uint8 {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	var expired []uint8
	for id, as := range a.assemblies {
		if now.After(as.deadline) {
			expired = append(expired, id)
			delete(a.assemblies, id)
		}
	}
	return expired
}

// Abandon drops any in-progress assembly for requestID without regard to
// its deadline, e.g. when the owning transaction is cancelled.
func (a *Assembler) Abandon(requestID uint8) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.assemblies, requestID)
}
