// Package transport implements the client-facing WebSocket surface: a
// compact binary message framing and the server that couples each connection
// to one conversation session.
package transport

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind identifies the logical message type carried by a frame.
type Kind byte

// Client-to-server kinds.
const (
	// KindInputStart declares the audio format for the next utterance.
	KindInputStart Kind = 0x01

	// KindInputChunk carries raw client PCM in the frame payload.
	KindInputChunk Kind = 0x02

	// KindInputEnd marks manual end-of-utterance.
	KindInputEnd Kind = 0x03
)

// Server-to-client kinds.
const (
	// KindAck confirms session establishment and carries the session id.
	KindAck Kind = 0x10

	// KindInterim carries a provisional transcript.
	KindInterim Kind = 0x11

	// KindFinal carries the settled transcript for an utterance.
	KindFinal Kind = 0x12

	// KindOutputStart marks the beginning of synthesized audio.
	KindOutputStart Kind = 0x13

	// KindOutputChunk carries synthesized 48 kHz PCM in the frame payload.
	KindOutputChunk Kind = 0x14

	// KindOutputComplete marks the end of synthesized audio.
	KindOutputComplete Kind = 0x15

	// KindError reports a session-level failure.
	KindError Kind = 0x1e

	// KindEnded reports session termination.
	KindEnded Kind = 0x1f
)

// String returns the wire-protocol name of the kind.
func (k Kind) String() string {
	switch k {
	case KindInputStart:
		return "audio.input.start"
	case KindInputChunk:
		return "audio.input.chunk"
	case KindInputEnd:
		return "audio.input.end"
	case KindAck:
		return "connection.ack"
	case KindInterim:
		return "transcript.interim"
	case KindFinal:
		return "transcript.final"
	case KindOutputStart:
		return "audio.output.start"
	case KindOutputChunk:
		return "audio.output.chunk"
	case KindOutputComplete:
		return "audio.output.complete"
	case KindError:
		return "error"
	case KindEnded:
		return "ended"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(k))
	}
}

func (k Kind) valid() bool {
	switch k {
	case KindInputStart, KindInputChunk, KindInputEnd,
		KindAck, KindInterim, KindFinal,
		KindOutputStart, KindOutputChunk, KindOutputComplete,
		KindError, KindEnded:
		return true
	}
	return false
}

// Header carries the JSON-encoded fields of a frame. Fields not relevant to
// a kind are omitted on the wire.
type Header struct {
	SessionID   string  `json:"session_id,omitempty"`
	SampleRate  int     `json:"sample_rate,omitempty"`
	Language    string  `json:"language,omitempty"`
	VoiceID     string  `json:"voice_id,omitempty"`
	Text        string  `json:"text,omitempty"`
	Confidence  float64 `json:"confidence,omitempty"`
	UtteranceID string  `json:"utterance_id,omitempty"`
	Code        string  `json:"code,omitempty"`
	Message     string  `json:"message,omitempty"`
	Retryable   bool    `json:"retryable,omitempty"`
	Reason      string  `json:"reason,omitempty"`
}

// Message is one decoded frame.
type Message struct {
	Kind    Kind
	Header  Header
	Payload []byte
}

// Framing errors.
var (
	// ErrTruncated reports a frame shorter than its declared layout.
	ErrTruncated = errors.New("transport: truncated frame")

	// ErrBadHeader reports a header that is not valid JSON.
	ErrBadHeader = errors.New("transport: malformed frame header")
)

// UnknownKindError reports a frame whose kind byte is not in the protocol.
type UnknownKindError struct {
	Kind byte
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("transport: unknown message kind 0x%02x", e.Kind)
}

// maxHeaderLen bounds the JSON header; the uint16 length field enforces it.
const maxHeaderLen = 1<<16 - 1

// Encode serializes msg into a frame:
//
//	[0]      kind byte
//	[1:3]    header length, big-endian uint16
//	[3:3+n]  JSON header
//	[3+n:]   raw payload
func Encode(msg Message) ([]byte, error) {
	if !msg.Kind.valid() {
		return nil, &UnknownKindError{Kind: byte(msg.Kind)}
	}
	header, err := json.Marshal(msg.Header)
	if err != nil {
		return nil, fmt.Errorf("transport: marshal header: %w", err)
	}
	if len(header) > maxHeaderLen {
		return nil, fmt.Errorf("transport: header too large: %d bytes", len(header))
	}

	frame := make([]byte, 3+len(header)+len(msg.Payload))
	frame[0] = byte(msg.Kind)
	binary.BigEndian.PutUint16(frame[1:3], uint16(len(header)))
	copy(frame[3:], header)
	copy(frame[3+len(header):], msg.Payload)
	return frame, nil
}

// Decode parses one frame. The returned payload aliases data.
func Decode(data []byte) (Message, error) {
	if len(data) < 3 {
		return Message{}, ErrTruncated
	}
	kind := Kind(data[0])
	if !kind.valid() {
		return Message{}, &UnknownKindError{Kind: data[0]}
	}

	headerLen := int(binary.BigEndian.Uint16(data[1:3]))
	if len(data) < 3+headerLen {
		return Message{}, ErrTruncated
	}

	var header Header
	if headerLen > 0 {
		if err := json.Unmarshal(data[3:3+headerLen], &header); err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrBadHeader, err)
		}
	}

	return Message{
		Kind:    kind,
		Header:  header,
		Payload: data[3+headerLen:],
	}, nil
}
