// Package wire implements the length-prefixed message protocol shared
// by every transfer connection: type(uint8) ‖ length(uint32 BE) ‖
// payload. Modeled on backend/transfer/service.py's send_message /
// recv_message, translated from asyncio streams to net.Conn.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"transferbooth/internal/config"
)

// MessageType identifies the kind of a framed message.
type MessageType uint8

const (
	HandshakePubkey   MessageType = 0x01
	Metadata          MessageType = 0x02
	Accept            MessageType = 0x03
	Reject            MessageType = 0x04
	ResumeOffset      MessageType = 0x05
	DataChunk         MessageType = 0x06
	Pause             MessageType = 0x07
	Resume            MessageType = 0x08
	Cancel            MessageType = 0x09
	TransferComplete  MessageType = 0x0A
)

func (t MessageType) String() string {
	switch t {
	case HandshakePubkey:
		return "HANDSHAKE_PUBKEY"
	case Metadata:
		return "METADATA"
	case Accept:
		return "ACCEPT"
	case Reject:
		return "REJECT"
	case ResumeOffset:
		return "RESUME_OFFSET"
	case DataChunk:
		return "DATA_CHUNK"
	case Pause:
		return "PAUSE"
	case Resume:
		return "RESUME"
	case Cancel:
		return "CANCEL"
	case TransferComplete:
		return "TRANSFER_COMPLETE"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
	}
}

const headerSize = 1 + 4 // type byte + uint32 length

// ErrProtocol covers every framing violation: an oversize length, a
// truncated read, or (at a higher layer) an unexpected message type.
var ErrProtocol = errors.New("wire: protocol error")

// Message is one decoded type(length(payload.
type Message struct {
	Type    MessageType
	Payload []byte
}

// WriteMessage frames msgType/payload and writes header and payload to
// w before returning. It does not flush: a caller that wraps w in a
// *bufio.Writer is responsible for flushing it.
func WriteMessage(w io.Writer, msgType MessageType, payload []byte) error {
	var header [headerSize]byte
	header[0] = byte(msgType)
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("wire: write header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("wire: write payload: %w", err)
		}
	}
	return nil
}

// ReadMessage decodes one framed message from r. A payload length
// above config.MaxFrameLength is refused with ErrProtocol without
// reading the (attacker-controlled) payload.
func ReadMessage(r io.Reader) (Message, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Message{}, fmt.Errorf("%w: read header: %w", ErrProtocol, err)
		}
		return Message{}, fmt.Errorf("wire: read header: %w", err)
	}
	msgType := MessageType(header[0])
	length := binary.BigEndian.Uint32(header[1:])

	if length > config.MaxFrameLength {
		return Message{}, fmt.Errorf("%w: frame length %d exceeds ceiling %d", ErrProtocol, length, config.MaxFrameLength)
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Message{}, fmt.Errorf("%w: read payload: %w", ErrProtocol, err)
		}
	}
	return Message{Type: msgType, Payload: payload}, nil
}
