package transport

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voxgate-ai/voxgate/internal/session"
	"github.com/voxgate-ai/voxgate/pkg/provider/llm"
	llmmock "github.com/voxgate-ai/voxgate/pkg/provider/llm/mock"
	"github.com/voxgate-ai/voxgate/pkg/provider/stt"
	sttmock "github.com/voxgate-ai/voxgate/pkg/provider/stt/mock"
	ttsmock "github.com/voxgate-ai/voxgate/pkg/provider/tts/mock"
)

// testFactory builds real sessions backed by mock providers.
type testFactory struct {
	mu        sync.Mutex
	createErr error

	sttSess *sttmock.Session
	ttsStr  *ttsmock.Stream
	llmProv *llmmock.Provider

	created  []*session.Session
	released []string
}

func newTestFactory(llmProv *llmmock.Provider) *testFactory {
	return &testFactory{
		sttSess: sttmock.NewSession(),
		ttsStr:  ttsmock.NewStream(),
		llmProv: llmProv,
	}
}

func (f *testFactory) Create(ctx context.Context, emitter session.Emitter) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}

	s, err := session.New(session.Providers{
		STT: &sttmock.Provider{Session: f.sttSess},
		LLM: f.llmProv,
		TTS: &ttsmock.Provider{Stream: f.ttsStr},
	}, session.Config{
		SystemPrompt: "You are a helpful receptionist.",
		VoiceID:      "voice-1",
		FinalizeWait: 40 * time.Millisecond,
	}, emitter)
	if err != nil {
		return nil, err
	}
	if err := s.Start(ctx); err != nil {
		return nil, err
	}
	f.created = append(f.created, s)
	return s, nil
}

func (f *testFactory) Release(id, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.created {
		if s.ID == id {
			s.End(reason)
		}
	}
	f.released = append(f.released, id)
}

func (f *testFactory) releasedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.released...)
}

var _ Sessions = (*testFactory)(nil)

func dialTestServer(t *testing.T, factory Sessions) *websocket.Conn {
	t.Helper()

	srv := httptest.NewServer(NewServer(factory))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "test done") })
	conn.SetReadLimit(1 << 20)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	msg, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode inbound frame: %v", err)
	}
	return msg
}

func writeFrame(t *testing.T, conn *websocket.Conn, msg Message) {
	t.Helper()
	frame, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

// readUntil collects frames until one of the wanted kind arrives.
func readUntil(t *testing.T, conn *websocket.Conn, kind Kind) []Message {
	t.Helper()
	var seen []Message
	for range 64 {
		msg := readFrame(t, conn)
		seen = append(seen, msg)
		if msg.Kind == kind {
			return seen
		}
	}
	t.Fatalf("never saw %s; frames: %+v", kind, seen)
	return nil
}

func TestServer_AcksOnConnect(t *testing.T) {
	factory := newTestFactory(&llmmock.Provider{})
	conn := dialTestServer(t, factory)

	ack := readFrame(t, conn)
	if ack.Kind != KindAck {
		t.Fatalf("first frame: %s", ack.Kind)
	}
	if ack.Header.SessionID == "" {
		t.Error("ack missing session id")
	}
}

func TestServer_FullTurn(t *testing.T) {
	factory := newTestFactory(&llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "We open at nine."},
		{FinishReason: "stop"},
	}})
	conn := dialTestServer(t, factory)
	readFrame(t, conn) // ack

	writeFrame(t, conn, Message{Kind: KindInputStart, Header: Header{SampleRate: 16000}})
	writeFrame(t, conn, Message{Kind: KindInputChunk, Payload: []byte{1, 0, 2, 0}})

	// the settled transcript arrives once the session flushes the utterance
	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if factory.sttSess.FinalizeCallCount() > 0 {
				factory.sttSess.Emit(stt.Transcript{Text: "when do you open", IsFinal: true, Confidence: 0.9})
				return
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()
	writeFrame(t, conn, Message{Kind: KindInputEnd})

	frames := readUntil(t, conn, KindOutputComplete)

	var sawFinal, sawStart bool
	var audioBytes int
	for _, msg := range frames {
		switch msg.Kind {
		case KindFinal:
			sawFinal = true
			if msg.Header.Text != "when do you open" {
				t.Errorf("final transcript: %q", msg.Header.Text)
			}
		case KindOutputStart:
			sawStart = true
		case KindOutputChunk:
			audioBytes += len(msg.Payload)
		}
	}
	if !sawFinal || !sawStart {
		t.Errorf("missing frames: final=%v start=%v", sawFinal, sawStart)
	}
	// the mock's 4 synthesized bytes at 16 kHz become 12 at the 48 kHz egress rate
	if audioBytes != 12 {
		t.Errorf("audio bytes: got %d, want 12", audioBytes)
	}
	if got := factory.ttsStr.SynthesizedTexts(); len(got) != 1 || got[0] != "We open at nine." {
		t.Errorf("spoken: %q", got)
	}
}

func TestServer_CreateRejected(t *testing.T) {
	factory := newTestFactory(&llmmock.Provider{})
	factory.createErr = errors.New("at capacity")
	conn := dialTestServer(t, factory)

	msg := readFrame(t, conn)
	if msg.Kind != KindError || msg.Header.Code != "SESSION_REJECTED" {
		t.Fatalf("got %s %+v", msg.Kind, msg.Header)
	}
}

func TestServer_MalformedFrameKeepsConnection(t *testing.T) {
	factory := newTestFactory(&llmmock.Provider{})
	conn := dialTestServer(t, factory)
	readFrame(t, conn) // ack

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, []byte{0xee, 0x00, 0x00}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	msg := readFrame(t, conn)
	if msg.Kind != KindError || msg.Header.Code != "INVALID_MESSAGE" {
		t.Fatalf("got %s %+v", msg.Kind, msg.Header)
	}

	// the connection is still usable afterwards
	writeFrame(t, conn, Message{Kind: KindInputStart, Header: Header{SampleRate: 44100}})
	msg = readFrame(t, conn)
	if msg.Kind != KindError || msg.Header.Code != "UNSUPPORTED_AUDIO" {
		t.Fatalf("got %s %+v", msg.Kind, msg.Header)
	}
}

func TestServer_ReleasesSessionOnDisconnect(t *testing.T) {
	factory := newTestFactory(&llmmock.Provider{})
	conn := dialTestServer(t, factory)
	ack := readFrame(t, conn)

	conn.Close(websocket.StatusNormalClosure, "bye")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ids := factory.releasedIDs()
		if len(ids) == 1 {
			if ids[0] != ack.Header.SessionID {
				t.Fatalf("released %q, want %q", ids[0], ack.Header.SessionID)
			}
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("session never released")
}
