package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pion/logging"

	"github.com/backkem/midi2ci/pkg/ciproto"
	"github.com/backkem/midi2ci/pkg/hub"
	"github.com/backkem/midi2ci/pkg/muid"
	"github.com/backkem/midi2ci/pkg/transport"
)

// DefaultBroadcastInterval is the period between Discovery Inquiry
// broadcasts.
const DefaultBroadcastInterval = 10 * time.Second

// EventKind classifies a discovery lifecycle event.
type EventKind int

const (
	EventDiscoveryStarted EventKind = iota
	EventDeviceDiscovered
	EventDeviceUpdated
	EventDeviceLost
	EventDiscoveryStopped
)

// Event is a single lifecycle notification published on the engine's hub.
type Event struct {
	Kind EventKind
	Peer Peer // zero value for EventDiscoveryStarted/EventDiscoveryStopped
}

// Config configures an Engine. The zero value is not usable directly;
// use NewConfig to populate defaults.
type Config struct {
	LoggerFactory       logging.LoggerFactory
	BroadcastInterval   time.Duration
	DeviceTimeout       time.Duration
	RegisterFromInquiry bool
	LocalMUID           muid.MUID
	LocalIdentity       muid.Identity
	CategorySupport     uint8
	MaxSysExSize        uint32
}

// NewConfig returns a Config with every optional field defaulted.
func NewConfig() Config {
	return Config{
		LoggerFactory:     logging.NewDefaultLoggerFactory(),
		BroadcastInterval: DefaultBroadcastInterval,
		DeviceTimeout:     DefaultDeviceTimeout,
	}
}

// Engine runs the periodic Discovery Inquiry broadcast, tracks peers,
// and publishes lifecycle events.
type Engine struct {
	cfg       Config
	log       logging.LeveledLogger
	tp        transport.Transport
	registry  *Registry
	events    *hub.Hub[Event]

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewEngine constructs an Engine bound to tp.
func NewEngine(cfg Config, tp transport.Transport) *Engine {
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if cfg.BroadcastInterval <= 0 {
		cfg.BroadcastInterval = DefaultBroadcastInterval
	}
	return &Engine{
		cfg:      cfg,
		log:      cfg.LoggerFactory.NewLogger("discovery"),
		tp:       tp,
		registry: NewRegistry(cfg.DeviceTimeout),
		events:   hub.New[Event](0),
	}
}

// Events returns a new subscription to the engine's lifecycle event
// stream.
func (e *Engine) Events() *hub.Subscription[Event] {
	return e.events.Subscribe()
}

// Peers returns a snapshot of every currently-known peer.
func (e *Engine) Peers() []Peer {
	return e.registry.All()
}

// Registry exposes the engine's peer registry for callers that need a
// live PeerLookup (the pe engine's destination/identity resolution).
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Start begins the periodic broadcast loop and age-out sweep. Start is
// idempotent while already running.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true
	e.mu.Unlock()

	e.events.Publish(Event{Kind: EventDiscoveryStarted})

	e.wg.Add(1)
	go e.loop(runCtx)
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.BroadcastInterval)
	defer ticker.Stop()

	sweepTicker := time.NewTicker(e.cfg.DeviceTimeout / 2)
	defer sweepTicker.Stop()

	e.broadcastInquiry(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.broadcastInquiry(ctx)
		case <-sweepTicker.C:
			e.sweepExpired()
		}
	}
}

// broadcastInquiry sends a Discovery Inquiry, retrying transient
// transport failures with exponential backoff bounded to half the
// broadcast interval so a stuck retry loop never runs past the next
// regularly scheduled broadcast.
func (e *Engine) broadcastInquiry(ctx context.Context) {
	payload := ciproto.BuildDiscoveryPayload(ciproto.DiscoveryPayload{
		Identity:        e.cfg.LocalIdentity,
		CategorySupport: e.cfg.CategorySupport,
		MaxSysExSize:    e.cfg.MaxSysExSize,
	})
	frame := ciproto.Build(ciproto.Message{
		SubID:       ciproto.SubIDDiscoveryInquiry,
		CIVersion:   ciproto.DefaultCIVersion,
		Source:      e.cfg.LocalMUID,
		Destination: muid.Broadcast,
		Payload:     payload,
	})

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = e.cfg.BroadcastInterval / 2

	err := backoff.Retry(func() error {
		return e.tp.Broadcast(ctx, frame)
	}, backoff.WithContext(b, ctx))
	if err != nil {
		e.log.Warnf("discovery broadcast failed after retries: %v", err)
	}
}

func (e *Engine) sweepExpired() {
	for _, p := range e.registry.SweepExpired() {
		e.events.Publish(Event{Kind: EventDeviceLost, Peer: p})
	}
}

// HandleFrame processes a single inbound management-band frame: Discovery
// Reply, optionally Discovery Inquiry when RegisterFromInquiry is set,
// and Invalidate MUID. Non-management frames are ignored. Parse failures
// are logged and dropped, never propagated, per spec §7.
func (e *Engine) HandleFrame(source transport.Source, msg ciproto.Message) {
	switch msg.SubID {
	case ciproto.SubIDDiscoveryReply:
		e.handleDiscoveryPayload(source, msg.Source, msg.Payload)
	case ciproto.SubIDDiscoveryInquiry:
		if e.cfg.RegisterFromInquiry {
			e.handleDiscoveryPayload(source, msg.Source, msg.Payload)
		}
	case ciproto.SubIDInvalidateMUID:
		e.handleInvalidate(msg.Source)
	}
}

func (e *Engine) handleDiscoveryPayload(source transport.Source, from muid.MUID, payload []byte) {
	dp, partial, err := ciproto.ParseDiscoveryPayload(payload)
	if err != nil {
		e.log.Debugf("dropping malformed discovery payload from %s: %v", from, err)
		return
	}

	peer := Peer{
		MUID:             from,
		Identity:         dp.Identity,
		CategorySupport:  uint32(dp.CategorySupport),
		MaxSysExSize:     dp.MaxSysExSize,
		SourceHint:       source,
		LastSeen:         time.Now(),
		PartialDiscovery: partial,
	}

	switch e.registry.Upsert(peer) {
	case upsertNew:
		e.events.Publish(Event{Kind: EventDeviceDiscovered, Peer: peer})
	case upsertUpdated:
		e.events.Publish(Event{Kind: EventDeviceUpdated, Peer: peer})
	}
}

func (e *Engine) handleInvalidate(target muid.MUID) {
	if p, ok := e.registry.Get(target); ok {
		e.registry.Remove(target)
		e.events.Publish(Event{Kind: EventDeviceLost, Peer: p})
	}
}

// Stop halts the broadcast loop, broadcasts our own Invalidate MUID, and
// emits discoveryStopped. Stop is idempotent.
func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()

	frame := ciproto.Build(ciproto.Message{
		SubID:       ciproto.SubIDInvalidateMUID,
		CIVersion:   ciproto.DefaultCIVersion,
		Source:      e.cfg.LocalMUID,
		Destination: muid.Broadcast,
	})
	_ = e.tp.Broadcast(ctx, frame)

	cancel()
	e.wg.Wait()

	e.events.Publish(Event{Kind: EventDiscoveryStopped})
	e.events.Close()
}
