// Package transport defines the abstraction the core session uses to move
// raw SysEx frames across whatever underlying MIDI connection the host
// application provides, per spec §6.1.
//
// Grounded on the teacher's pkg/transport/manager.go: a small interface
// exposing channel-based event streams (Received/SetupChanged) alongside
// imperative Send/Connect/Disconnect methods, so the core can be driven
// by either a real driver or a test double without type assertions.
package transport

import "context"

// Source identifies where an inbound frame arrived from, opaque to the
// core beyond equality comparison (e.g. a MIDI input port identifier).
type Source string

// Destination identifies where an outbound frame should be sent, opaque
// to the core beyond equality comparison (e.g. a MIDI output port
// identifier).
type Destination string

// Received is a single inbound SysEx frame together with the source it
// arrived on.
type Received struct {
	Source Source
	Data   []byte
}

// Transport is the host-provided bridge between the core engine and a
// physical or virtual MIDI connection. Implementations must be safe for
// concurrent use.
type Transport interface {
	// Received streams every inbound SysEx frame as it arrives.
	Received() <-chan Received

	// SetupChanged fires whenever the set of available sources or
	// destinations changes (e.g. a USB MIDI device is plugged in).
	SetupChanged() <-chan struct{}

	// Sources lists the currently available input sources.
	Sources() []Source

	// Destinations lists the currently available output destinations.
	Destinations() []Destination

	// Send transmits data to a single destination.
	Send(ctx context.Context, dest Destination, data []byte) error

	// Broadcast transmits data to every currently available destination.
	Broadcast(ctx context.Context, data []byte) error

	// Connect opens the underlying connection. Implementations that do
	// not require an explicit connect step may treat this as a no-op.
	Connect(ctx context.Context) error

	// Disconnect closes the underlying connection without releasing
	// long-lived resources obtained in Connect; Shutdown releases those.
	Disconnect(ctx context.Context) error

	// Shutdown releases all resources held by the transport. After
	// Shutdown, the transport must not be reused.
	Shutdown(ctx context.Context) error
}
