package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/backkem/midi2ci/pkg/cierrs"
)

var errSendAfterShutdown = errors.New("transport: send after shutdown")

// Memory is an in-process Transport test double: frames Sent or
// Broadcast to it are recorded rather than transmitted, and Deliver lets
// a test inject an inbound frame as if it arrived from a real device.
type Memory struct {
	mu           sync.Mutex
	sources      []Source
	destinations []Destination
	sent         []Received // reuses Received's Source/Data shape to log (dest-as-source, data)
	received     chan Received
	setupChanged chan struct{}
	closed       bool
}

// NewMemory constructs a Memory transport advertising the given sources
// and destinations.
func NewMemory(sources []Source, destinations []Destination) *Memory {
	return &Memory{
		sources:      sources,
		destinations: destinations,
		received:     make(chan Received, 64),
		setupChanged: make(chan struct{}, 1),
	}
}

func (m *Memory) Received() <-chan Received      { return m.received }
func (m *Memory) SetupChanged() <-chan struct{}  { return m.setupChanged }

func (m *Memory) Sources() []Source {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Source, len(m.sources))
	copy(out, m.sources)
	return out
}

func (m *Memory) Destinations() []Destination {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Destination, len(m.destinations))
	copy(out, m.destinations)
	return out
}

func (m *Memory) Send(ctx context.Context, dest Destination, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return cierrs.New(cierrs.KindTransportFailure, cierrs.WithWrapped(errSendAfterShutdown))
	}
	m.sent = append(m.sent, Received{Source: Source(dest), Data: append([]byte(nil), data...)})
	return nil
}

func (m *Memory) Broadcast(ctx context.Context, data []byte) error {
	m.mu.Lock()
	dests := append([]Destination(nil), m.destinations...)
	m.mu.Unlock()
	for _, d := range dests {
		if err := m.Send(ctx, d, data); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) Connect(ctx context.Context) error    { return nil }
func (m *Memory) Disconnect(ctx context.Context) error  { return nil }

func (m *Memory) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.received)
	return nil
}

// Deliver injects an inbound frame as though it arrived from source.
func (m *Memory) Deliver(source Source, data []byte) {
	m.received <- Received{Source: source, Data: data}
}

// SetDestinations replaces the advertised destination set and signals
// SetupChanged.
func (m *Memory) SetDestinations(dests []Destination) {
	m.mu.Lock()
	m.destinations = dests
	m.mu.Unlock()
	select {
	case m.setupChanged <- struct{}{}:
	default:
	}
}

// SentTo returns every frame recorded as sent to dest, in send order.
func (m *Memory) SentTo(dest Destination) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out [][]byte
	for _, r := range m.sent {
		if Destination(r.Source) == dest {
			out = append(out, r.Data)
		}
	}
	return out
}

// AllSent returns every frame recorded as sent, across all destinations.
func (m *Memory) AllSent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.sent))
	for i, r := range m.sent {
		out[i] = r.Data
	}
	return out
}
