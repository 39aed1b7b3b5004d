// Package session wires the codec, chunk assembler, transaction engine,
// discovery engine, and route resolver into the single embeddable core
// entry point, per spec §2's data flow: one inbound dispatch loop that
// classifies each SysEx frame by CI sub-ID and fans it out to either the
// discovery engine or the transaction engine.
//
// Grounded on the teacher's top-level Controller in matter.go: a single
// struct composing the independently-testable subsystems and owning
// their shared lifecycle (Start/Stop), generalized from Matter's
// commissioning/session/exchange managers to the CI discovery/PE pair.
package session

import (
	"context"
	"sync"

	"github.com/pion/logging"

	"github.com/backkem/midi2ci/pkg/ciproto"
	"github.com/backkem/midi2ci/pkg/discovery"
	"github.com/backkem/midi2ci/pkg/muid"
	"github.com/backkem/midi2ci/pkg/pe"
	"github.com/backkem/midi2ci/pkg/transport"
)

// Config configures a Session.
type Config struct {
	LoggerFactory logging.LoggerFactory
	LocalMUID     muid.MUID
	LocalIdentity muid.Identity
	Discovery     discovery.Config
	PE            pe.Config
}

// NewConfig returns a Config with every subsystem defaulted, sharing a
// single LocalMUID across discovery and PE.
func NewConfig(localMUID muid.MUID, identity muid.Identity) Config {
	discCfg := discovery.NewConfig()
	discCfg.LocalMUID = localMUID
	discCfg.LocalIdentity = identity

	peCfg := pe.NewConfig()
	peCfg.LocalMUID = localMUID

	return Config{
		LoggerFactory: logging.NewDefaultLoggerFactory(),
		LocalMUID:     localMUID,
		LocalIdentity: identity,
		Discovery:     discCfg,
		PE:            peCfg,
	}
}

// registryPeerLookup adapts a discovery.Registry to pe.PeerLookup.
type registryPeerLookup struct {
	registry *discovery.Registry
}

func (r registryPeerLookup) SourceHint(m muid.MUID) transport.Source {
	if p, ok := r.registry.Get(m); ok {
		return p.SourceHint
	}
	return ""
}

func (r registryPeerLookup) Identity(m muid.MUID) (muid.Identity, bool) {
	p, ok := r.registry.Get(m)
	if !ok {
		return muid.Identity{}, false
	}
	return p.Identity, true
}

// Session is the embeddable core: it owns the transport's single inbound
// dispatch loop and exposes the discovery and PE engines to the host
// application.
type Session struct {
	log logging.LeveledLogger
	tp  transport.Transport

	Discovery *discovery.Engine
	PE        *pe.Engine

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a Session bound to tp, wiring the discovery engine's
// registry as the PE engine's peer lookup.
func New(cfg Config, tp transport.Transport) *Session {
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}

	discEngine := discovery.NewEngine(cfg.Discovery, tp)

	peCfg := cfg.PE
	if peCfg.Peers == nil {
		peCfg.Peers = registryPeerLookup{registry: discEngine.Registry()}
	}
	peEngine := pe.NewEngine(peCfg, tp)

	return &Session{
		log:       cfg.LoggerFactory.NewLogger("session"),
		tp:        tp,
		Discovery: discEngine,
		PE:        peEngine,
	}
}

// Start begins the discovery broadcast loop and the single inbound
// dispatch loop. Start is idempotent while already running.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	if err := s.tp.Connect(ctx); err != nil {
		return err
	}

	s.Discovery.Start(runCtx)

	s.wg.Add(1)
	go s.dispatchLoop(runCtx)

	return nil
}

// dispatchLoop is the single consumer of the transport's inbound stream,
// per spec §5 ("exactly one inbound dispatch loop... multiple direct
// consumers of the raw stream are forbidden").
func (s *Session) dispatchLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-s.tp.Received():
			if !ok {
				s.handleTransportFailure()
				return
			}
			s.dispatchFrame(r)
		}
	}
}

func (s *Session) dispatchFrame(r transport.Received) {
	msg, err := ciproto.Parse(r.Data)
	if err != nil {
		s.log.Debugf("dropping unparsable frame from %s: %v", r.Source, err)
		return
	}

	switch msg.SubID.Band() {
	case ciproto.BandManagement:
		if msg.SubID == ciproto.SubIDNAK {
			s.PE.HandleFrame(r.Source, msg)
			return
		}
		s.Discovery.HandleFrame(r.Source, msg)
	case ciproto.BandPropertyExchange:
		s.PE.HandleFrame(r.Source, msg)
	default:
		// Protocol negotiation and profile configuration bands are
		// out of scope beyond acknowledging their message type.
	}
}

func (s *Session) handleTransportFailure() {
	s.log.Error("transport receive stream ended; stopping session")
	s.PE.Stop()
}

// Stop halts the dispatch loop and the discovery engine, and shuts down
// the transport. Stop is idempotent.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	s.Discovery.Stop(ctx)
	s.PE.Stop()

	cancel()
	s.wg.Wait()

	return s.tp.Shutdown(ctx)
}
