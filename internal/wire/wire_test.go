package wire

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"transferbooth/internal/config"
)

func TestWriteReadRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, Metadata, []byte(`{"a":1}`)); err != nil {
		t.Fatal(err)
	}
	if err := WriteMessage(&buf, Cancel, nil); err != nil {
		t.Fatal(err)
	}

	msg, err := ReadMessage(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Type != Metadata || string(msg.Payload) != `{"a":1}` {
		t.Fatalf("unexpected first message: %+v", msg)
	}

	msg2, err := ReadMessage(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if msg2.Type != Cancel || len(msg2.Payload) != 0 {
		t.Fatalf("unexpected second message: %+v", msg2)
	}
}

func TestReadMessageZeroLengthIsLegal(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, Pause, []byte{}); err != nil {
		t.Fatal(err)
	}
	msg, err := ReadMessage(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Payload == nil {
		t.Fatal("expected non-nil zero-length payload slice")
	}
}

func TestReadMessageRefusesOversizeLength(t *testing.T) {
	var header [5]byte
	header[0] = byte(DataChunk)
	big := uint32(config.MaxFrameLength) + 1
	header[1] = byte(big >> 24)
	header[2] = byte(big >> 16)
	header[3] = byte(big >> 8)
	header[4] = byte(big)

	_, err := ReadMessage(bytes.NewReader(header[:]))
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestReadMessageTruncatedFails(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, Metadata, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	truncated := buf.Bytes()[:buf.Len()-2]
	_, err := ReadMessage(bytes.NewReader(truncated))
	if err == nil || !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected truncated read error, got %v", err)
	}
}
