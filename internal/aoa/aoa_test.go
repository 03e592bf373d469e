package aoa

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"
	"time"

	"accessoryd/internal/event"
)

func newTestParser(t *testing.T) (*Parser, *event.Queue) {
	t.Helper()
	q := event.NewQueue(nil)
	t.Cleanup(q.Close)
	return NewParser(q, nil), q
}

func takeOne(t *testing.T, q *event.Queue) event.Record {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	rec, err := q.Take(ctx)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	return rec
}

func TestGetProtocol(t *testing.T) {
	p, q := newTestParser(t)

	resp, err := p.HandleSetup(Setup{
		RequestType: 0xC0, // vendor, device-to-host
		Request:     RequestGetProtocol,
		Length:      2,
	})
	if err != nil {
		t.Fatalf("HandleSetup: %v", err)
	}
	if got := binary.LittleEndian.Uint16(resp); got != ProtocolVersion {
		t.Errorf("protocol version = %d, want %d", got, ProtocolVersion)
	}

	// Probing the protocol does not generate an event.
	if q.Pending() {
		t.Error("get-protocol pushed an event")
	}
}

func TestGetProtocolRequiresInDirection(t *testing.T) {
	p, _ := newTestParser(t)

	_, err := p.HandleSetup(Setup{
		RequestType: 0x40, // host-to-device
		Request:     RequestGetProtocol,
	})
	if err == nil {
		t.Fatal("OUT-direction get-protocol accepted")
	}
}

func TestSendString(t *testing.T) {
	p, q := newTestParser(t)

	resp, err := p.HandleSetup(Setup{
		RequestType: 0x40,
		Request:     RequestSendString,
		Index:       uint16(event.StringModel),
		Data:        []byte("Pixel\x00"),
	})
	if err != nil {
		t.Fatalf("HandleSetup: %v", err)
	}
	if resp != nil {
		t.Errorf("send-string returned a data stage: %q", resp)
	}

	rec := takeOne(t, q)
	if rec.Type != event.StringReceived {
		t.Fatalf("record type = %v, want string-received", rec.Type)
	}
	if rec.Kind != event.StringModel {
		t.Errorf("string kind = %v, want model", rec.Kind)
	}
	if string(rec.Payload) != "Pixel" {
		t.Errorf("payload = %q, terminator not stripped", rec.Payload)
	}
}

func TestSendStringAllKinds(t *testing.T) {
	p, q := newTestParser(t)

	kinds := []event.StringKind{
		event.StringManufacturer, event.StringModel, event.StringDescription,
		event.StringVersion, event.StringURI, event.StringSerial,
	}
	for _, kind := range kinds {
		if _, err := p.HandleSetup(Setup{
			RequestType: 0x40,
			Request:     RequestSendString,
			Index:       uint16(kind),
			Data:        []byte("v\x00"),
		}); err != nil {
			t.Fatalf("kind %v: %v", kind, err)
		}
	}
	for _, kind := range kinds {
		rec := takeOne(t, q)
		if rec.Kind != kind {
			t.Errorf("kind = %v, want %v", rec.Kind, kind)
		}
	}
}

func TestSendStringUnknownIndex(t *testing.T) {
	p, q := newTestParser(t)

	_, err := p.HandleSetup(Setup{
		RequestType: 0x40,
		Request:     RequestSendString,
		Index:       6,
		Data:        []byte("x\x00"),
	})
	if err == nil {
		t.Fatal("unknown string index accepted")
	}
	if q.Pending() {
		t.Error("rejected string pushed an event")
	}
}

func TestSendStringTruncatesOversized(t *testing.T) {
	p, q := newTestParser(t)

	data := append(bytes.Repeat([]byte("a"), event.MaxStringSize+100), 0)
	if _, err := p.HandleSetup(Setup{
		RequestType: 0x40,
		Request:     RequestSendString,
		Index:       uint16(event.StringDescription),
		Data:        data,
	}); err != nil {
		t.Fatalf("oversized string rejected: %v", err)
	}

	rec := takeOne(t, q)
	if len(rec.Payload) != event.MaxStringSize-1 {
		t.Errorf("payload length = %d, want %d", len(rec.Payload), event.MaxStringSize-1)
	}
}

func TestStart(t *testing.T) {
	p, q := newTestParser(t)

	resp, err := p.HandleSetup(Setup{
		RequestType: 0x40,
		Request:     RequestStart,
	})
	if err != nil {
		t.Fatalf("HandleSetup: %v", err)
	}
	if resp != nil {
		t.Errorf("start returned a data stage: %q", resp)
	}

	rec := takeOne(t, q)
	if rec.Type != event.StartRequested {
		t.Errorf("record type = %v, want start-requested", rec.Type)
	}
}

func TestUnsupportedRequest(t *testing.T) {
	p, _ := newTestParser(t)

	if _, err := p.HandleSetup(Setup{Request: 99}); err == nil {
		t.Fatal("unsupported request accepted")
	}
}

func TestHandshakeSequence(t *testing.T) {
	p, q := newTestParser(t)

	// The sequence an Android host actually performs.
	if _, err := p.HandleSetup(Setup{RequestType: 0xC0, Request: RequestGetProtocol, Length: 2}); err != nil {
		t.Fatal(err)
	}
	strings := map[event.StringKind]string{
		event.StringManufacturer: "Android",
		event.StringModel:        "Pixel",
		event.StringDescription:  "Accessory bridge",
		event.StringVersion:      "2.0",
		event.StringURI:          "https://example.com",
		event.StringSerial:       "0001",
	}
	for kind, value := range strings {
		if _, err := p.HandleSetup(Setup{
			RequestType: 0x40,
			Request:     RequestSendString,
			Index:       uint16(kind),
			Data:        append([]byte(value), 0),
		}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := p.HandleSetup(Setup{RequestType: 0x40, Request: RequestStart}); err != nil {
		t.Fatal(err)
	}

	seen := make(map[event.StringKind]string)
	for i := 0; i < len(strings); i++ {
		rec := takeOne(t, q)
		if rec.Type != event.StringReceived {
			t.Fatalf("record %d type = %v, want string-received", i, rec.Type)
		}
		seen[rec.Kind] = string(rec.Payload)
	}
	for kind, want := range strings {
		if seen[kind] != want {
			t.Errorf("string %v = %q, want %q", kind, seen[kind], want)
		}
	}

	if rec := takeOne(t, q); rec.Type != event.StartRequested {
		t.Errorf("final record = %v, want start-requested", rec.Type)
	}
}
