package ipc

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := &Header{
		Magic:     ProtocolMagic,
		Version:   ProtocolVersion,
		Type:      MsgStatusRequest,
		RequestID: 42,
		Length:    128,
	}

	var buf bytes.Buffer
	if err := h.Write(&buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if buf.Len() != HeaderSize {
		t.Errorf("header length = %d, want %d", buf.Len(), HeaderSize)
	}

	got, err := ReadHeader(&buf)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if *got != *h {
		t.Errorf("header = %+v, want %+v", got, h)
	}
}

func TestReadHeaderRejectsBadMagic(t *testing.T) {
	h := &Header{Magic: 0xdeadbeef, Version: ProtocolVersion}
	var buf bytes.Buffer
	if err := h.Write(&buf); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadHeader(&buf); err == nil {
		t.Error("bad magic accepted")
	}
}

func TestReadHeaderRejectsFutureVersion(t *testing.T) {
	h := &Header{Magic: ProtocolMagic, Version: ProtocolVersion + 1}
	var buf bytes.Buffer
	if err := h.Write(&buf); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadHeader(&buf); err == nil {
		t.Error("future version accepted")
	}
}

func TestMessageRoundTrip(t *testing.T) {
	payload, err := Encode(&SwitchModeRequest{Mode: "accessory"})
	if err != nil {
		t.Fatal(err)
	}
	msg := NewMessage(MsgSwitchMode, 7, payload)

	var buf bytes.Buffer
	if err := msg.Write(&buf); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if got.Header.Type != MsgSwitchMode || got.Header.RequestID != 7 {
		t.Errorf("header = %+v", got.Header)
	}

	var req SwitchModeRequest
	if err := Decode(got.Payload, &req); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if req.Mode != "accessory" {
		t.Errorf("mode = %q", req.Mode)
	}
}

func TestEmptyPayloadMessage(t *testing.T) {
	msg := NewMessage(MsgPing, 1, nil)

	var buf bytes.Buffer
	if err := msg.Write(&buf); err != nil {
		t.Fatal(err)
	}
	got, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if len(got.Payload) != 0 {
		t.Errorf("payload = %d bytes, want none", len(got.Payload))
	}
}

func TestReadMessageTruncatedPayload(t *testing.T) {
	msg := NewMessage(MsgStatusResponse, 3, []byte(`{"version":"1"}`))

	var buf bytes.Buffer
	if err := msg.Write(&buf); err != nil {
		t.Fatal(err)
	}
	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-4])
	if _, err := ReadMessage(truncated); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("truncated read = %v, want unexpected EOF", err)
	}
}

func TestReadMessageRejectsOversizedPayload(t *testing.T) {
	h := &Header{
		Magic:   ProtocolMagic,
		Version: ProtocolVersion,
		Type:    MsgReadEventResp,
		Length:  MaxPayloadSize + 1,
	}
	var buf bytes.Buffer
	if err := h.Write(&buf); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadMessage(&buf); err == nil {
		t.Error("oversized payload accepted")
	}
}

func TestErrorMessage(t *testing.T) {
	msg := NewErrorMessage(9, ErrCodeAlreadyOpen, "session already open")
	if msg.Header.Type != MsgError {
		t.Errorf("type = %v", msg.Header.Type)
	}

	var resp ErrorResponse
	if err := Decode(msg.Payload, &resp); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if resp.Code != ErrCodeAlreadyOpen || resp.Message != "session already open" {
		t.Errorf("error = %+v", resp)
	}
}
