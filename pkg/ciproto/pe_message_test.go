package ciproto

import (
	"bytes"
	"testing"
)

func TestInquiryPayloadRoundTrip(t *testing.T) {
	header := []byte(`{"resource":"DeviceInfo"}`)
	data := BuildInquiryPayload(42, header)

	pm, err := ParseInquiryPayload(data)
	if err != nil {
		t.Fatalf("ParseInquiryPayload() error = %v", err)
	}
	if pm.RequestID != 42 {
		t.Errorf("RequestID = %d, want 42", pm.RequestID)
	}
	if !bytes.Equal(pm.Header, header) {
		t.Errorf("Header = %s, want %s", pm.Header, header)
	}
}

func TestInquiryLayoutHasNoChunkCounters(t *testing.T) {
	// Spec I6: bytes after MUIDs consist of exactly requestID || headerLen(2) || header.
	header := []byte(`{"resource":"ResourceList"}`)
	data := BuildInquiryPayload(5, header)
	want := 1 + 2 + len(header)
	if len(data) != want {
		t.Errorf("inquiry payload length = %d, want %d (no chunk counters, no body length)", len(data), want)
	}
}

func TestReplyPayloadRoundTrip(t *testing.T) {
	pm := PEMessage{
		RequestID: 7,
		Header:    []byte(`{"status":200}`),
		NumChunks: 2,
		ThisChunk: 1,
		Body:      []byte(`{"productName":"Demo"}`),
	}
	data := BuildReplyPayload(pm)

	got, err := ParseReplyPayload(data)
	if err != nil {
		t.Fatalf("ParseReplyPayload() error = %v", err)
	}
	if got.RequestID != pm.RequestID || got.NumChunks != pm.NumChunks || got.ThisChunk != pm.ThisChunk {
		t.Errorf("got %+v, want %+v", got, pm)
	}
	if !bytes.Equal(got.Header, pm.Header) || !bytes.Equal(got.Body, pm.Body) {
		t.Errorf("Header/Body mismatch: got %+v", got)
	}
}

func TestParsePEDispatchesBySubID(t *testing.T) {
	header := []byte(`{"resource":"DeviceInfo"}`)
	inquiryData := BuildInquiryPayload(1, header)

	pm, err := ParsePE(SubIDPEGetInquiry, inquiryData)
	if err != nil {
		t.Fatalf("ParsePE(inquiry) error = %v", err)
	}
	if pm.RequestID != 1 {
		t.Errorf("RequestID = %d, want 1", pm.RequestID)
	}

	replyData := BuildReplyPayload(PEMessage{RequestID: 1, Header: header, NumChunks: 1, ThisChunk: 1, Body: []byte("{}")})
	pm2, err := ParsePE(SubIDPEGetReply, replyData)
	if err != nil {
		t.Fatalf("ParsePE(reply) error = %v", err)
	}
	if pm2.NumChunks != 1 {
		t.Errorf("NumChunks = %d, want 1", pm2.NumChunks)
	}
}

func TestInquiryWithTrailingBytesViolatesInvariant(t *testing.T) {
	// Simulate a malformed inquiry that smuggled in chunk counters.
	header := []byte(`{}`)
	valid := BuildInquiryPayload(0, header)
	corrupted := append(valid, 0x01, 0x00) // extra trailing bytes

	_, err := ParseInquiryPayload(corrupted)
	if err == nil {
		t.Fatal("expected ErrInvariantViolation for inquiry with trailing bytes")
	}
}

func Test14BitLengthBoundary(t *testing.T) {
	header := bytes.Repeat([]byte("a"), maxHeaderOrBodyLen)
	data := BuildInquiryPayload(1, header)
	pm, err := ParseInquiryPayload(data)
	if err != nil {
		t.Fatalf("ParseInquiryPayload() error = %v", err)
	}
	if len(pm.Header) != maxHeaderOrBodyLen {
		t.Errorf("len(Header) = %d, want %d", len(pm.Header), maxHeaderOrBodyLen)
	}
}
