package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/voxgate-ai/voxgate/pkg/provider/llm"
	llmmock "github.com/voxgate-ai/voxgate/pkg/provider/llm/mock"
	"github.com/voxgate-ai/voxgate/pkg/provider/stt"
	sttmock "github.com/voxgate-ai/voxgate/pkg/provider/stt/mock"
	ttsmock "github.com/voxgate-ai/voxgate/pkg/provider/tts/mock"
)

// testRig wires a session to mock providers and a recording emitter.
type testRig struct {
	session *Session
	sttSess *sttmock.Session
	ttsStr  *ttsmock.Stream
	llmProv *llmmock.Provider
	emitter *recordingEmitter
}

func newTestRig(t *testing.T, llmProv *llmmock.Provider) *testRig {
	t.Helper()

	rig := &testRig{
		sttSess: sttmock.NewSession(),
		ttsStr:  ttsmock.NewStream(),
		llmProv: llmProv,
		emitter: &recordingEmitter{},
	}

	s, err := New(Providers{
		STT: &sttmock.Provider{Session: rig.sttSess},
		LLM: llmProv,
		TTS: &ttsmock.Provider{Stream: rig.ttsStr},
	}, Config{
		SystemPrompt: "You are a helpful receptionist.",
		VoiceID:      "voice-1",
		FinalizeWait: 40 * time.Millisecond,
	}, rig.emitter)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { s.End("test cleanup") })

	rig.session = s
	return rig
}

// speak emits a final transcript once the session finalizes the utterance.
func (r *testRig) speakOnFinalize(t *testing.T, text string) {
	t.Helper()
	go func() {
		waitFor(t, func() bool { return r.sttSess.FinalizeCallCount() > 0 })
		r.sttSess.Emit(stt.Transcript{Text: text, IsFinal: true})
	}()
}

func TestSession_StartEmitsReady(t *testing.T) {
	rig := newTestRig(t, &llmmock.Provider{})

	if got := rig.session.State(); got != StateListening {
		t.Errorf("state after Start: %s", got)
	}
	ready := rig.emitter.ofKind("ready")
	if len(ready) != 1 || ready[0].Text != rig.session.ID {
		t.Errorf("ready events: %+v", ready)
	}
	if rig.session.ID == "" {
		t.Error("session id missing")
	}
}

func TestSession_FullTurn(t *testing.T) {
	p := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "We are open until six. "},
		{Text: "||BREAK|| Anything else I can help with?"},
		{FinishReason: "stop"},
	}}
	rig := newTestRig(t, p)

	if err := rig.session.HandleInputStart(16000); err != nil {
		t.Fatalf("HandleInputStart: %v", err)
	}
	if err := rig.session.HandleAudioChunk([]byte{1, 0, 2, 0}); err != nil {
		t.Fatalf("HandleAudioChunk: %v", err)
	}

	rig.sttSess.Emit(stt.Transcript{Text: "what are your", IsFinal: false})
	rig.speakOnFinalize(t, "what are your opening hours")

	if err := rig.session.HandleInputEnd(context.Background()); err != nil {
		t.Fatalf("HandleInputEnd: %v", err)
	}

	if got := rig.session.State(); got != StateListening {
		t.Errorf("state after turn: %s", got)
	}

	finals := rig.emitter.ofKind("final")
	if len(finals) != 1 || finals[0].Text != "what are your opening hours" {
		t.Errorf("final transcript: %+v", finals)
	}
	if got := rig.ttsStr.SynthesizedTexts(); len(got) != 2 ||
		got[0] != "We are open until six." ||
		got[1] != "Anything else I can help with?" {
		t.Errorf("spoken chunks: %q", got)
	}
	if n := rig.emitter.count("audio_end"); n != 2 {
		t.Errorf("completed utterances: %d", n)
	}

	history := rig.session.History()
	if len(history) != 3 {
		t.Fatalf("history: %+v", history)
	}
	if history[0].Role != llm.RoleSystem {
		t.Errorf("system turn: %+v", history[0])
	}
	if history[1].Role != llm.RoleUser || history[1].Content != "what are your opening hours" {
		t.Errorf("user turn: %+v", history[1])
	}
	if history[2].Role != llm.RoleAssistant {
		t.Errorf("assistant turn: %+v", history[2])
	}

	snap := rig.session.Snapshot()
	if snap.TurnsCompleted != 1 || snap.ChunksSpoken != 2 || snap.AudioChunksIn != 1 {
		t.Errorf("snapshot: %+v", snap)
	}
}

func TestSession_InterimsForwardedToClient(t *testing.T) {
	rig := newTestRig(t, &llmmock.Provider{})

	rig.sttSess.Emit(stt.Transcript{Text: "hel", IsFinal: false})
	rig.sttSess.Emit(stt.Transcript{Text: "hello", IsFinal: false})
	waitFor(t, func() bool { return rig.emitter.count("interim") == 2 })

	interims := rig.emitter.ofKind("interim")
	if interims[0].Text != "hel" || interims[1].Text != "hello" {
		t.Errorf("interims: %+v", interims)
	}
}

func TestSession_EmptyTranscriptReprompts(t *testing.T) {
	p := &llmmock.Provider{}
	rig := newTestRig(t, p)

	// no transcript events at all: the finalize wait expires empty
	if err := rig.session.HandleInputEnd(context.Background()); err != nil {
		t.Fatalf("HandleInputEnd: %v", err)
	}

	if got := rig.session.State(); got != StateListening {
		t.Errorf("state after empty turn: %s", got)
	}
	if got := rig.ttsStr.SynthesizedTexts(); len(got) != 1 || got[0] != reprompt {
		t.Errorf("spoken: %q", got)
	}
	if n := p.StreamCallCount(); n != 0 {
		t.Errorf("llm called on empty transcript: %d", n)
	}
	if history := rig.session.History(); len(history) != 1 {
		t.Errorf("reprompt leaked into history: %+v", history)
	}
}

func TestSession_LLMFailureSpeaksFallback(t *testing.T) {
	p := &llmmock.Provider{StreamErr: errors.New("backend exploded")}
	rig := newTestRig(t, p)

	rig.speakOnFinalize(t, "hello")
	if err := rig.session.HandleInputEnd(context.Background()); err != nil {
		t.Fatalf("HandleInputEnd: %v", err)
	}

	if got := rig.ttsStr.SynthesizedTexts(); len(got) != 1 || got[0] != fallbackTiers[0] {
		t.Errorf("spoken: %q", got)
	}
	history := rig.session.History()
	if len(history) != 3 || history[2].Content != fallbackTiers[0] {
		t.Errorf("history: %+v", history)
	}
	if got := rig.session.State(); got != StateListening {
		t.Errorf("state: %s", got)
	}
	if snap := rig.session.Snapshot(); snap.LLMFallbacks[0] != 1 {
		t.Errorf("fallback counters: %+v", snap.LLMFallbacks)
	}
}

func TestSession_SentenceFallbackCounted(t *testing.T) {
	p := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "First sentence. Second sentence."},
		{FinishReason: "stop"},
	}}
	rig := newTestRig(t, p)

	rig.speakOnFinalize(t, "hi")
	if err := rig.session.HandleInputEnd(context.Background()); err != nil {
		t.Fatalf("HandleInputEnd: %v", err)
	}

	if got := rig.ttsStr.SynthesizedTexts(); len(got) != 2 {
		t.Errorf("spoken: %q", got)
	}
	snap := rig.session.Snapshot()
	if snap.FallbackTurns != 1 || snap.SentenceSplits != 2 {
		t.Errorf("snapshot: %+v", snap)
	}
}

func TestSession_UnsupportedSampleRate(t *testing.T) {
	rig := newTestRig(t, &llmmock.Provider{})

	if err := rig.session.HandleInputStart(44100); err == nil {
		t.Fatal("expected error for 44.1 kHz")
	}
	if got := rig.session.State(); got != StateListening {
		t.Errorf("state changed on bad input_start: %s", got)
	}
}

func TestSession_IngressResampling(t *testing.T) {
	rig := newTestRig(t, &llmmock.Provider{})

	if err := rig.session.HandleInputStart(48000); err != nil {
		t.Fatalf("HandleInputStart: %v", err)
	}
	// 6 samples at 48 kHz become 2 samples at the 16 kHz transcription rate
	if err := rig.session.HandleAudioChunk(make([]byte, 12)); err != nil {
		t.Fatalf("HandleAudioChunk: %v", err)
	}
	waitFor(t, func() bool { return rig.sttSess.SendAudioCallCount() == 1 })
	if got := len(rig.sttSess.SendAudioCalls[0].Chunk); got != 4 {
		t.Errorf("forwarded chunk: %d bytes, want 4", got)
	}
}

func TestSession_EmptyAudioChunkIgnored(t *testing.T) {
	rig := newTestRig(t, &llmmock.Provider{})

	// the ingress resampler would reject an empty frame; it must not see one
	if err := rig.session.HandleInputStart(48000); err != nil {
		t.Fatalf("HandleInputStart: %v", err)
	}
	if err := rig.session.HandleAudioChunk(nil); err != nil {
		t.Fatalf("nil chunk: %v", err)
	}
	if err := rig.session.HandleAudioChunk([]byte{}); err != nil {
		t.Fatalf("empty chunk: %v", err)
	}

	snap := rig.session.Snapshot()
	if snap.AudioChunksIn != 0 || snap.EmptyChunksIn != 2 {
		t.Errorf("counters: audio=%d empty=%d", snap.AudioChunksIn, snap.EmptyChunksIn)
	}
	if n := rig.sttSess.SendAudioCallCount(); n != 0 {
		t.Errorf("empty audio forwarded upstream: %d", n)
	}
}

func TestSession_AudioDroppedAfterEnd(t *testing.T) {
	rig := newTestRig(t, &llmmock.Provider{})

	rig.session.End("client hangup")
	if err := rig.session.HandleAudioChunk([]byte{1, 0}); err != nil {
		t.Fatalf("HandleAudioChunk after end: %v", err)
	}
	if n := rig.sttSess.SendAudioCallCount(); n != 0 {
		t.Errorf("audio forwarded after end: %d", n)
	}
}

func TestSession_EndIsIdempotent(t *testing.T) {
	rig := newTestRig(t, &llmmock.Provider{})

	rig.session.End("first")
	rig.session.End("second")

	if got := rig.session.State(); got != StateEnded {
		t.Errorf("state: %s", got)
	}
	ended := rig.emitter.ofKind("ended")
	if len(ended) != 1 || ended[0].Text != "first" {
		t.Errorf("ended events: %+v", ended)
	}
	if rig.sttSess.CloseCallCount == 0 {
		t.Error("stt connection not closed")
	}
	if rig.ttsStr.CloseCallCount == 0 {
		t.Error("tts connection not closed")
	}
}

func TestSession_TurnAfterEndIsNoOp(t *testing.T) {
	rig := newTestRig(t, &llmmock.Provider{})

	rig.session.End("done")
	if err := rig.session.HandleInputEnd(context.Background()); err != nil {
		t.Fatalf("HandleInputEnd after end: %v", err)
	}
	if n := rig.sttSess.FinalizeCallCount(); n != 0 {
		t.Errorf("finalize ran after end: %d", n)
	}
}

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()

	_, err := New(Providers{LLM: &llmmock.Provider{}}, Config{}, nil)
	if err == nil {
		t.Fatal("expected error for missing providers")
	}
}
