// Package session implements the per-connection conversation pipeline: a
// state machine coupling one speech-to-text stream, one language-model
// engine, and one text-to-speech stream into turn-taking voice dialogue.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/voxgate-ai/voxgate/internal/classify"
	"github.com/voxgate-ai/voxgate/pkg/audio"
	"github.com/voxgate-ai/voxgate/pkg/provider/llm"
	"github.com/voxgate-ai/voxgate/pkg/provider/stt"
	"github.com/voxgate-ai/voxgate/pkg/provider/tts"
)

// reprompt is spoken when a turn ends with no usable transcript. It is not
// recorded in the conversation history.
const reprompt = "Sorry, I didn't catch that. Could you say that again?"

// sttIngressRate is the fixed rate audio is transcribed at. Client audio
// arriving at a different supported rate is resampled on ingress.
const sttIngressRate = 16000

// Providers bundles the three upstream dependencies of a session.
type Providers struct {
	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider
}

// Metrics is a point-in-time snapshot of one session's counters.
type Metrics struct {
	AudioChunksIn  int64
	EmptyChunksIn  int64
	TurnsCompleted int64
	ChunksSpoken   int64
	FallbackTurns  int64
	SentenceSplits int64
	STTReconnects  int
	TTSReconnects  int
	LLMFallbacks   [3]int
	QueuedRequests int
}

// Session is one client conversation. All Handle methods are driven by the
// transport's read loop and are not safe for concurrent invocation with each
// other; End and the accessors are safe from any goroutine.
type Session struct {
	ID        string
	CreatedAt time.Time

	cfg     Config
	log     *slog.Logger
	emitter Emitter
	machine *stateMachine

	sttStream *sttStream
	engine    *llmEngine
	ttsStream *ttsStream

	ingress   *audio.Resampler
	ingressMu sync.Mutex

	lastActivity atomic.Int64

	audioChunksIn  atomic.Int64
	emptyChunksIn  atomic.Int64
	turnsCompleted atomic.Int64
	chunksSpoken   atomic.Int64
	fallbackTurns  atomic.Int64
	sentenceSplits atomic.Int64

	endOnce sync.Once
}

// New assembles a session. No provider connections are made until Start.
func New(providers Providers, cfg Config, emitter Emitter) (*Session, error) {
	if providers.STT == nil || providers.LLM == nil || providers.TTS == nil {
		return nil, errors.New("session: all three providers are required")
	}
	if emitter == nil {
		emitter = nopEmitter{}
	}
	cfg = cfg.withDefaults()

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("session: generate id: %w", err)
	}

	s := &Session{
		ID:        id.String(),
		CreatedAt: time.Now(),
		cfg:       cfg,
		log:       slog.Default().With("session_id", id.String()),
		emitter:   emitter,
	}
	s.machine = newStateMachine(s.ID)
	s.touch()

	s.engine = newLLMEngine(providers.LLM, cfg, s.log)

	s.sttStream = newSTTStream(providers.STT, stt.StreamConfig{
		Model:          cfg.STTModel,
		Language:       cfg.Language,
		SampleRate:     sttIngressRate,
		Channels:       1,
		InterimResults: true,
		SmartFormat:    true,
		Punctuate:      true,
		EndpointingMS:  cfg.EndpointingMS,
		VADEvents:      true,
	}, cfg, s.log, emitter.Interim, s.fatal)

	s.ttsStream, err = newTTSStream(providers.TTS, tts.SynthesisConfig{
		Model:      cfg.TTSModel,
		VoiceID:    cfg.VoiceID,
		SampleRate: cfg.TTSSampleRate,
		Speed:      cfg.Speed,
	}, cfg, s.log, emitter, s.fatal)
	if err != nil {
		s.engine.Close()
		return nil, err
	}

	return s, nil
}

// Start connects both streaming providers concurrently and moves the session
// to listening. The language model needs no standing connection.
func (s *Session) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.sttStream.Open(gctx, s.cfg.ConnectTimeout, s.cfg.STTKeepalive)
	})
	g.Go(func() error {
		return s.ttsStream.Open(gctx, s.cfg.TTSKeepalive)
	})
	if err := g.Wait(); err != nil {
		s.End("provider connection failed")
		return err
	}

	if err := s.machine.Transition(StateListening); err != nil {
		return err
	}
	s.emitter.Ready(s.ID)
	s.log.Info("session started")
	return nil
}

// HandleInputStart declares the client's audio format for the following
// utterance. Unsupported rates fail without changing session state.
func (s *Session) HandleInputStart(sampleRate int) error {
	s.touch()
	if !audio.RateSupported(sampleRate) {
		return fmt.Errorf("session: %w: unsupported sample rate %d",
			&classify.HTTPError{StatusCode: 400, Message: "unsupported sample rate"}, sampleRate)
	}

	s.ingressMu.Lock()
	defer s.ingressMu.Unlock()
	if sampleRate == sttIngressRate {
		s.ingress = nil
		return nil
	}
	rs, err := audio.NewResampler(sampleRate, sttIngressRate)
	if err != nil {
		return fmt.Errorf("session: ingress resampler: %w", err)
	}
	s.ingress = rs
	return nil
}

// HandleAudioChunk forwards one frame of client audio to transcription.
// Audio arriving outside the listening state is dropped. Empty frames are
// ignored and counted separately.
func (s *Session) HandleAudioChunk(pcm []byte) error {
	s.touch()
	if !s.machine.Is(StateListening) {
		return nil
	}
	if len(pcm) == 0 {
		s.emptyChunksIn.Add(1)
		return nil
	}
	s.audioChunksIn.Add(1)

	s.ingressMu.Lock()
	rs := s.ingress
	s.ingressMu.Unlock()
	if rs != nil {
		var err error
		pcm, err = rs.Resample(pcm)
		if err != nil {
			return fmt.Errorf("session: ingress resample: %w", err)
		}
	}
	return s.sttStream.ForwardChunk(pcm)
}

// HandleInputEnd closes the current utterance and runs the response turn:
// finalize the transcript, generate, chunk, and speak. It blocks until the
// full response has been spoken or the turn aborts.
func (s *Session) HandleInputEnd(ctx context.Context) error {
	s.touch()
	ok, err := s.machine.TransitionIf(StateListening, StateThinking)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	text, confidence, err := s.sttStream.Finalize(ctx, s.cfg.FinalizeWait)
	if err != nil {
		s.abortTurn(fmt.Errorf("session: finalize transcript: %w", err))
		return err
	}

	if text == "" {
		// nothing usable was said; re-prompt without touching history
		if err := s.machine.Transition(StateResponding); err != nil {
			return err
		}
		s.emitter.Final("", 0)
		if err := s.ttsStream.Speak(reprompt); err != nil {
			s.abortTurn(err)
			return err
		}
		s.finishTurn()
		return nil
	}

	s.emitter.Final(text, confidence)

	req, err := s.engine.Generate(text)
	if err != nil {
		if errors.Is(err, ErrQueueFull) {
			s.emitter.Error("QUEUE_FULL", "too many pending requests, try again", true)
		} else {
			s.emitter.Error("LLM_UNAVAILABLE", err.Error(), false)
		}
		s.abortTurn(err)
		return err
	}
	// release the engine worker if the turn aborts before the stream drains
	defer req.Abandon()

	responding := false
	stats, err := streamChunks(req.Chunks(), s.cfg.ChunkMarker, s.cfg.MaxChunkBuffer, func(chunk string) error {
		if !responding {
			if terr := s.machine.Transition(StateResponding); terr != nil {
				return terr
			}
			responding = true
		}
		if serr := s.ttsStream.Speak(chunk); serr != nil {
			return serr
		}
		s.chunksSpoken.Add(1)
		return nil
	})
	if err != nil {
		s.abortTurn(fmt.Errorf("session: response stream: %w", err))
		return err
	}
	if stats.FallbackUsed {
		s.fallbackTurns.Add(1)
		s.sentenceSplits.Add(int64(stats.Chunks))
		s.log.Debug("marker never seen, used sentence fallback", "chunks", stats.Chunks)
	}

	if !responding {
		// the model produced nothing speakable
		if err := s.machine.Transition(StateListening); err != nil {
			return err
		}
		s.turnsCompleted.Add(1)
		return nil
	}
	s.finishTurn()
	return nil
}

// finishTurn returns a responding session to listening.
func (s *Session) finishTurn() {
	if ok, _ := s.machine.TransitionIf(StateResponding, StateListening); ok {
		s.turnsCompleted.Add(1)
	}
}

// abortTurn recovers the state machine after a failed turn so the client can
// try again, unless the session already ended.
func (s *Session) abortTurn(err error) {
	s.log.Warn("turn aborted", "error", err)
	switch s.machine.Current() {
	case StateThinking, StateResponding:
		s.machine.Transition(StateListening)
	}
}

// End terminates the session, tearing down all provider connections.
// Idempotent; safe from any goroutine.
func (s *Session) End(reason string) {
	s.endOnce.Do(func() {
		cur := s.machine.Current()
		if cur != StateEnded {
			s.machine.Transition(StateEnded)
		}
		s.engine.Close()
		s.sttStream.Close()
		s.ttsStream.Close()
		s.emitter.Ended(reason)
		s.log.Info("session ended", "reason", reason)
	})
}

// fatal handles an unrecoverable provider failure.
func (s *Session) fatal(err error) {
	s.emitter.Error("PROVIDER_FAILED", err.Error(), false)
	go s.End("provider failure")
}

// State returns the current conversation state.
func (s *Session) State() State {
	return s.machine.Current()
}

// History returns a copy of the conversation so far.
func (s *Session) History() []llm.Message {
	return s.engine.History()
}

// Snapshot returns the session's counters.
func (s *Session) Snapshot() Metrics {
	return Metrics{
		AudioChunksIn:  s.audioChunksIn.Load(),
		EmptyChunksIn:  s.emptyChunksIn.Load(),
		TurnsCompleted: s.turnsCompleted.Load(),
		ChunksSpoken:   s.chunksSpoken.Load(),
		FallbackTurns:  s.fallbackTurns.Load(),
		SentenceSplits: s.sentenceSplits.Load(),
		STTReconnects:  s.sttStream.Reconnects(),
		TTSReconnects:  s.ttsStream.Reconnects(),
		LLMFallbacks:   s.engine.Fallbacks(),
		QueuedRequests: s.engine.QueueLen(),
	}
}

// LastActivity returns the time of the most recent client interaction.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Age returns how long the session has existed.
func (s *Session) Age() time.Duration {
	return time.Since(s.CreatedAt)
}

// IdleFor returns how long since the last client interaction.
func (s *Session) IdleFor() time.Duration {
	return time.Since(s.LastActivity())
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}
