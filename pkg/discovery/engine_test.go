package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/backkem/midi2ci/pkg/ciproto"
	"github.com/backkem/midi2ci/pkg/muid"
	"github.com/backkem/midi2ci/pkg/transport"
)

// flakyBroadcast wraps a Memory transport and fails the first N
// Broadcast calls, to exercise the exponential-backoff retry in
// broadcastInquiry.
type flakyBroadcast struct {
	*transport.Memory
	mu       sync.Mutex
	failLeft int
}

func (f *flakyBroadcast) Broadcast(ctx context.Context, data []byte) error {
	f.mu.Lock()
	if f.failLeft > 0 {
		f.failLeft--
		f.mu.Unlock()
		return errors.New("simulated transient broadcast failure")
	}
	f.mu.Unlock()
	return f.Memory.Broadcast(ctx, data)
}

func TestDiscoveryHappyPath(t *testing.T) {
	tp := transport.NewMemory(nil, []transport.Destination{"out-1"})
	cfg := NewConfig()
	cfg.LocalMUID = muid.MUID(0x01234567)
	e := NewEngine(cfg, tp)

	sub := e.Events()

	peerMUID := muid.MUID(0x76543210)
	identity := muid.Identity{
		Manufacturer: muid.ManufacturerID{Bytes: [3]byte{0x42, 0, 0}},
		Family:       0x0004,
		Model:        0x0001,
		Version:      0x00000001,
	}
	payload := ciproto.BuildDiscoveryPayload(ciproto.DiscoveryPayload{
		Identity:        identity,
		CategorySupport: 0x04, // PE capability bit
		MaxSysExSize:    512,
	})
	msg := ciproto.Message{
		SubID:       ciproto.SubIDDiscoveryReply,
		CIVersion:   ciproto.DefaultCIVersion,
		Source:      peerMUID,
		Destination: cfg.LocalMUID,
		Payload:     payload,
	}

	e.HandleFrame("in-1", msg)

	select {
	case ev := <-sub.C():
		if ev.Kind != EventDeviceDiscovered {
			t.Fatalf("event kind = %v, want EventDeviceDiscovered", ev.Kind)
		}
		if ev.Peer.MUID != peerMUID {
			t.Errorf("ev.Peer.MUID = %v, want %v", ev.Peer.MUID, peerMUID)
		}
	default:
		t.Fatal("expected a deviceDiscovered event")
	}

	peers := e.Peers()
	if len(peers) != 1 {
		t.Fatalf("len(peers) = %d, want 1", len(peers))
	}
	if peers[0].MUID != peerMUID {
		t.Errorf("peers[0].MUID = %v, want %v", peers[0].MUID, peerMUID)
	}
}

func TestPartialDiscoveryReplyAccepted(t *testing.T) {
	tp := transport.NewMemory(nil, nil)
	e := NewEngine(NewConfig(), tp)

	id := muid.Identity{Manufacturer: muid.ManufacturerID{Bytes: [3]byte{1, 0, 0}}, Family: 1, Model: 1, Version: 1}
	idBytes := id.Encode()

	e.HandleFrame("in-1", ciproto.Message{
		SubID:  ciproto.SubIDDiscoveryReply,
		Source: muid.MUID(5),
		Payload: idBytes[:],
	})

	p, ok := e.registry.Get(5)
	if !ok {
		t.Fatal("expected partial-identity peer to be registered")
	}
	if !p.PartialDiscovery {
		t.Error("expected PartialDiscovery flag set")
	}
}

func TestInvalidateRemovesPeerAndEmitsDeviceLost(t *testing.T) {
	tp := transport.NewMemory(nil, nil)
	e := NewEngine(NewConfig(), tp)
	sub := e.Events()

	peer := muid.MUID(7)
	e.registry.Upsert(Peer{MUID: peer, LastSeen: time.Now()})

	e.HandleFrame("in-1", ciproto.Message{SubID: ciproto.SubIDInvalidateMUID, Source: peer})

	select {
	case ev := <-sub.C():
		if ev.Kind != EventDeviceLost || ev.Peer.MUID != peer {
			t.Fatalf("got %+v, want EventDeviceLost for %v", ev, peer)
		}
	default:
		t.Fatal("expected a deviceLost event")
	}

	if _, ok := e.registry.Get(peer); ok {
		t.Error("expected peer removed from registry")
	}
}

func TestRegisterFromInquiryGatedByConfig(t *testing.T) {
	tp := transport.NewMemory(nil, nil)
	cfg := NewConfig()
	cfg.RegisterFromInquiry = false
	e := NewEngine(cfg, tp)

	id := muid.Identity{Manufacturer: muid.ManufacturerID{Bytes: [3]byte{1, 0, 0}}, Family: 1, Model: 1, Version: 1}
	payload := ciproto.BuildDiscoveryPayload(ciproto.DiscoveryPayload{Identity: id})

	e.HandleFrame("in-1", ciproto.Message{SubID: ciproto.SubIDDiscoveryInquiry, Source: muid.MUID(9), Payload: payload})

	if len(e.Peers()) != 0 {
		t.Error("expected inquiry to be ignored when RegisterFromInquiry is false")
	}
}

func TestBroadcastRetriesOnTransientFailure(t *testing.T) {
	tp := &flakyBroadcast{Memory: transport.NewMemory(nil, []transport.Destination{"out-1"}), failLeft: 2}
	cfg := NewConfig()
	cfg.BroadcastInterval = time.Second // keep MaxElapsedTime generous for the retries
	cfg.LocalMUID = muid.MUID(1)
	e := NewEngine(cfg, tp)

	e.broadcastInquiry(context.Background())

	sent := tp.SentTo("out-1")
	if len(sent) != 1 {
		t.Fatalf("expected exactly one successful broadcast after retries, got %d", len(sent))
	}
}

func TestStartBroadcastsAndStopInvalidates(t *testing.T) {
	tp := transport.NewMemory(nil, []transport.Destination{"out-1"})
	cfg := NewConfig()
	cfg.BroadcastInterval = 5 * time.Millisecond
	cfg.LocalMUID = muid.MUID(1)
	e := NewEngine(cfg, tp)

	ctx := context.Background()
	e.Start(ctx)
	time.Sleep(20 * time.Millisecond)
	e.Stop(ctx)

	sent := tp.SentTo("out-1")
	if len(sent) < 2 {
		t.Fatalf("expected at least an inquiry broadcast and an invalidate broadcast, got %d frames", len(sent))
	}
	last := sent[len(sent)-1]
	lastMsg, err := ciproto.Parse(last)
	if err != nil {
		t.Fatalf("Parse(last sent frame) error = %v", err)
	}
	if lastMsg.SubID != ciproto.SubIDInvalidateMUID {
		t.Errorf("last frame sub-ID = %v, want SubIDInvalidateMUID", lastMsg.SubID)
	}
}
