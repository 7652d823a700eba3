package transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  Message
	}{
		{
			name: "input start",
			msg: Message{
				Kind:   KindInputStart,
				Header: Header{SampleRate: 48000, Language: "en", VoiceID: "nova"},
			},
		},
		{
			name: "audio chunk with payload",
			msg: Message{
				Kind:    KindInputChunk,
				Payload: []byte{0x01, 0x00, 0xff, 0x7f},
			},
		},
		{
			name: "final transcript",
			msg: Message{
				Kind:   KindFinal,
				Header: Header{Text: "book a table for two", Confidence: 0.93},
			},
		},
		{
			name: "error",
			msg: Message{
				Kind:   KindError,
				Header: Header{Code: "QUEUE_FULL", Message: "try again", Retryable: true},
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			frame, err := Encode(tc.msg)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			got, err := Decode(frame)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got.Kind != tc.msg.Kind {
				t.Errorf("kind: got %s, want %s", got.Kind, tc.msg.Kind)
			}
			if got.Header != tc.msg.Header {
				t.Errorf("header: got %+v, want %+v", got.Header, tc.msg.Header)
			}
			if !bytes.Equal(got.Payload, tc.msg.Payload) {
				t.Errorf("payload: got %v, want %v", got.Payload, tc.msg.Payload)
			}
		})
	}
}

func TestDecode_Truncated(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"kind only", []byte{byte(KindInputChunk)}},
		{"short length field", []byte{byte(KindInputChunk), 0x00}},
		{"header shorter than declared", []byte{byte(KindInputStart), 0x00, 0x10, '{', '}'}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(tc.data); !errors.Is(err, ErrTruncated) {
				t.Errorf("got %v, want ErrTruncated", err)
			}
		})
	}
}

func TestDecode_UnknownKind(t *testing.T) {
	t.Parallel()

	_, err := Decode([]byte{0xee, 0x00, 0x00})
	var unknown *UnknownKindError
	if !errors.As(err, &unknown) {
		t.Fatalf("got %v, want UnknownKindError", err)
	}
	if unknown.Kind != 0xee {
		t.Errorf("kind byte: got 0x%02x", unknown.Kind)
	}
}

func TestDecode_MalformedHeader(t *testing.T) {
	t.Parallel()

	header := []byte(`{"sample_rate":`)
	frame := make([]byte, 3+len(header))
	frame[0] = byte(KindInputStart)
	binary.BigEndian.PutUint16(frame[1:3], uint16(len(header)))
	copy(frame[3:], header)

	if _, err := Decode(frame); !errors.Is(err, ErrBadHeader) {
		t.Errorf("got %v, want ErrBadHeader", err)
	}
}

func TestDecode_PayloadFollowsHeader(t *testing.T) {
	t.Parallel()

	frame, err := Encode(Message{
		Kind:    KindOutputChunk,
		Header:  Header{UtteranceID: "u-1"},
		Payload: []byte("pcm-bytes"),
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	msg, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.Header.UtteranceID != "u-1" || string(msg.Payload) != "pcm-bytes" {
		t.Errorf("decoded: %+v payload %q", msg.Header, msg.Payload)
	}
}

func TestEncode_RejectsUnknownKind(t *testing.T) {
	t.Parallel()

	if _, err := Encode(Message{Kind: Kind(0x7f)}); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestKind_String(t *testing.T) {
	t.Parallel()

	tests := map[Kind]string{
		KindInputStart:     "audio.input.start",
		KindInputChunk:     "audio.input.chunk",
		KindInputEnd:       "audio.input.end",
		KindAck:            "connection.ack",
		KindInterim:        "transcript.interim",
		KindFinal:          "transcript.final",
		KindOutputStart:    "audio.output.start",
		KindOutputChunk:    "audio.output.chunk",
		KindOutputComplete: "audio.output.complete",
		KindError:          "error",
		KindEnded:          "ended",
	}
	for kind, want := range tests {
		if got := kind.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", kind, got, want)
		}
	}
}
