package ciproto

import (
	"testing"

	"github.com/backkem/midi2ci/pkg/muid"
)

func TestDiscoveryPayloadRoundTrip(t *testing.T) {
	p := DiscoveryPayload{
		Identity: muid.Identity{
			Manufacturer: muid.ManufacturerID{Bytes: [3]byte{0x42, 0, 0}},
			Family:       0x0004,
			Model:        0x0001,
			Version:      0x00000001,
		},
		CategorySupport: 0x7F,
		MaxSysExSize:    512,
		OutputPathID:    0,
	}
	data := BuildDiscoveryPayload(p)
	if len(data) != discoveryPayloadFullLen {
		t.Fatalf("len(data) = %d, want %d", len(data), discoveryPayloadFullLen)
	}

	got, partial, err := ParseDiscoveryPayload(data)
	if err != nil {
		t.Fatalf("ParseDiscoveryPayload() error = %v", err)
	}
	if partial {
		t.Error("expected a full payload to parse as non-partial")
	}
	if got.Identity.Family != p.Identity.Family || got.MaxSysExSize != p.MaxSysExSize {
		t.Errorf("got %+v, want %+v", got, p)
	}
}

func TestDiscoveryPayloadAcceptsIdentityOnly(t *testing.T) {
	id := muid.Identity{Manufacturer: muid.ManufacturerID{Bytes: [3]byte{0x42, 0, 0}}, Family: 4, Model: 1, Version: 1}
	idBytes := id.Encode()

	got, partial, err := ParseDiscoveryPayload(idBytes[:])
	if err != nil {
		t.Fatalf("ParseDiscoveryPayload() error = %v", err)
	}
	if !partial {
		t.Error("expected identity-only payload to be marked partial")
	}
	if got.Identity.Model != 1 {
		t.Errorf("Identity.Model = %d, want 1", got.Identity.Model)
	}
}

func TestDiscoveryPayloadTooShortErrors(t *testing.T) {
	_, _, err := ParseDiscoveryPayload([]byte{1, 2, 3})
	if err == nil {
		t.Fatal("expected error for payload shorter than Identity")
	}
}
