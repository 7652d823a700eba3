package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/voxgate-ai/voxgate/pkg/audio"
	"github.com/voxgate-ai/voxgate/pkg/provider/tts"
)

// utterance tracks one in-flight synthesis request. done carries the
// terminal result: nil on Done, the provider error otherwise.
type utterance struct {
	id   string
	text string
	done chan error
}

// ttsStream manages one text-to-speech provider connection for a session.
// Utterances are synthesized strictly one at a time; audio is resampled to
// the client egress rate on the way out. During reconnection, submitted text
// is buffered (bounded) and flushed in order once the connection is back.
type ttsStream struct {
	provider tts.Provider
	cfg      tts.SynthesisConfig
	log      *slog.Logger
	emitter  Emitter
	resample *audio.Resampler

	connectTimeout time.Duration

	// speakMu serializes utterances. Speak callers and the reconnect replay
	// both funnel through speakNow; without this they could race into
	// concurrent synthesis after a reconnect drains the pending buffer.
	speakMu sync.Mutex

	mu         sync.Mutex
	stream     tts.Stream
	state      connState
	generation int
	current    *utterance
	pending    *chunkBuffer
	reconnects int

	onFatal func(err error)

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func newTTSStream(provider tts.Provider, cfg tts.SynthesisConfig, scfg Config, log *slog.Logger, emitter Emitter, onFatal func(error)) (*ttsStream, error) {
	if onFatal == nil {
		onFatal = func(error) {}
	}
	rs, err := audio.NewResampler(scfg.TTSSampleRate, scfg.EgressSampleRate)
	if err != nil {
		return nil, fmt.Errorf("session: tts egress resampler: %w", err)
	}
	return &ttsStream{
		provider:       provider,
		cfg:            cfg,
		log:            log,
		emitter:        emitter,
		resample:       rs,
		connectTimeout: scfg.ConnectTimeout,
		state:          connIdle,
		pending:        newChunkBuffer(scfg.ReconnectBufferBytes),
		onFatal:        onFatal,
		stop:           make(chan struct{}),
	}, nil
}

// Open eagerly establishes the synthesis stream so the first utterance of
// the conversation pays no connection latency.
func (t *ttsStream) Open(ctx context.Context, keepalive time.Duration) error {
	err := retrySchedule(ctx, firstOpenSchedule, isRetryable, func(ctx context.Context) error {
		dialCtx, cancel := context.WithTimeout(ctx, t.connectTimeout)
		defer cancel()

		stream, err := t.provider.Connect(dialCtx, t.cfg)
		if err != nil {
			t.log.Warn("tts connect attempt failed", "error", err)
			return err
		}
		t.install(stream)
		return nil
	})
	if err != nil {
		t.mu.Lock()
		t.state = connFailed
		t.mu.Unlock()
		return fmt.Errorf("session: open tts stream: %w", err)
	}

	t.wg.Add(1)
	go t.keepaliveLoop(keepalive)
	return nil
}

func (t *ttsStream) install(stream tts.Stream) {
	t.mu.Lock()
	t.stream = stream
	t.state = connConnected
	t.generation++
	gen := t.generation
	t.mu.Unlock()

	t.wg.Add(1)
	go t.consume(stream, gen)
}

// Speak synthesizes text as one utterance and blocks until all of its audio
// has been emitted to the client. Empty or whitespace-only text is a no-op.
// While the stream is reconnecting, the text is buffered and Speak returns
// immediately; buffered utterances play in order after recovery.
func (t *ttsStream) Speak(text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	t.mu.Lock()
	st := t.state
	t.mu.Unlock()

	switch st {
	case connClosed:
		return ErrStreamClosed
	case connFailed:
		return ErrStreamFailed
	}

	// preserve utterance order: anything still waiting on a reconnect replay
	// goes to the back of that queue
	if st == connReconnecting || t.pending.Len() > 0 {
		if dropped := t.pending.Push([]byte(text)); dropped > 0 {
			t.log.Warn("dropped buffered synthesis text during tts reconnect", "chunks", dropped)
		}
		return nil
	}

	return t.speakNow(text)
}

// speakNow runs one utterance to completion on the current connection. At
// most one caller is inside at a time.
func (t *ttsStream) speakNow(text string) error {
	t.speakMu.Lock()
	defer t.speakMu.Unlock()

	utt := &utterance{
		id:   uuid.NewString(),
		text: text,
		done: make(chan error, 1),
	}

	t.mu.Lock()
	switch t.state {
	case connClosed:
		t.mu.Unlock()
		return ErrStreamClosed
	case connFailed:
		t.mu.Unlock()
		return ErrStreamFailed
	case connReconnecting:
		// the connection dropped while we waited our turn
		t.mu.Unlock()
		if dropped := t.pending.Push([]byte(text)); dropped > 0 {
			t.log.Warn("dropped buffered synthesis text during tts reconnect", "chunks", dropped)
		}
		return nil
	}
	stream := t.stream
	t.current = utt
	t.mu.Unlock()

	t.emitter.AudioStart(utt.id)

	if err := stream.Synthesize(utt.id, text); err != nil {
		t.clearCurrent(utt)
		if isRetryable(err) {
			t.log.Warn("tts synthesize failed, buffering and reconnecting", "error", err)
			t.pending.Push([]byte(text))
			t.triggerReconnect()
			return nil
		}
		t.fail(fmt.Errorf("session: tts synthesize: %w", err))
		return fmt.Errorf("session: tts synthesize: %w", err)
	}

	select {
	case err := <-utt.done:
		t.clearCurrent(utt)
		if err == nil {
			t.emitter.AudioEnd(utt.id)
			return nil
		}
		if isRetryable(err) {
			t.log.Warn("utterance interrupted, buffering and reconnecting", "error", err)
			t.pending.Push([]byte(text))
			t.triggerReconnect()
			return nil
		}
		t.fail(fmt.Errorf("session: tts utterance: %w", err))
		return fmt.Errorf("session: tts utterance: %w", err)
	case <-t.stop:
		t.clearCurrent(utt)
		return ErrStreamClosed
	}
}

func (t *ttsStream) clearCurrent(utt *utterance) {
	t.mu.Lock()
	if t.current == utt {
		t.current = nil
	}
	t.mu.Unlock()
}

// Reconnects returns how many reconnect cycles have completed.
func (t *ttsStream) Reconnects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reconnects
}

// PendingTexts returns the number of utterances waiting for reconnection.
func (t *ttsStream) PendingTexts() int {
	return t.pending.Len()
}

// Close tears the stream down. Idempotent.
func (t *ttsStream) Close() error {
	t.once.Do(func() {
		t.mu.Lock()
		t.state = connClosed
		stream := t.stream
		t.mu.Unlock()

		close(t.stop)
		if stream != nil {
			stream.Close()
		}
		t.wg.Wait()
	})
	return nil
}

// consume routes provider events for one connection generation: audio frames
// go to the client after resampling, terminal events resolve the in-flight
// utterance.
func (t *ttsStream) consume(stream tts.Stream, gen int) {
	defer t.wg.Done()

	for ev := range stream.Events() {
		switch e := ev.(type) {
		case tts.AudioChunk:
			pcm, err := t.resample.Resample(e.Data)
			if err != nil {
				t.log.Warn("dropping unresamplable audio frame", "error", err, "bytes", len(e.Data))
				continue
			}
			t.emitter.Audio(e.UtteranceID, pcm)
		case tts.Done:
			t.resolve(e.UtteranceID, nil)
		case tts.ErrorEvent:
			if e.UtteranceID != "" {
				t.resolve(e.UtteranceID, e.Err)
				continue
			}
			if !isRetryable(e.Err) {
				t.fail(fmt.Errorf("session: tts stream: %w", e.Err))
				return
			}
			t.log.Warn("transient tts error", "error", e.Err)
		case tts.Close:
			if t.stale(gen) {
				return
			}
			select {
			case <-t.stop:
				return
			default:
			}
			t.log.Warn("tts connection closed mid-stream", "code", e.Code, "reason", e.Reason)
			t.triggerReconnect()
			return
		}
	}
}

// resolve completes the in-flight utterance matching id.
func (t *ttsStream) resolve(id string, err error) {
	t.mu.Lock()
	utt := t.current
	t.mu.Unlock()
	if utt == nil || utt.id != id {
		return
	}
	select {
	case utt.done <- err:
	default:
	}
}

func (t *ttsStream) stale(gen int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return gen != t.generation
}

func (t *ttsStream) triggerReconnect() {
	t.mu.Lock()
	if t.state != connConnected {
		t.mu.Unlock()
		return
	}
	t.state = connReconnecting
	old := t.stream
	cur := t.current
	t.mu.Unlock()

	// an utterance waiting on a dead connection will never complete
	if cur != nil {
		select {
		case cur.done <- fmt.Errorf("session: connection lost mid-utterance"):
		default:
		}
	}
	if old != nil {
		old.Close()
	}

	t.wg.Add(1)
	go t.reconnect()
}

func (t *ttsStream) reconnect() {
	defer t.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-t.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	start := time.Now()
	err := retrySchedule(ctx, midStreamSchedule, isRetryable, func(ctx context.Context) error {
		stream, err := t.provider.Connect(ctx, t.cfg)
		if err != nil {
			t.log.Warn("tts reconnect attempt failed", "error", err)
			return err
		}
		t.install(stream)
		return nil
	})
	if err != nil {
		t.fail(fmt.Errorf("session: tts reconnect exhausted: %w", err))
		return
	}

	t.mu.Lock()
	t.reconnects++
	t.mu.Unlock()
	t.log.Info("tts stream reconnected", "elapsed", time.Since(start))

	for {
		t.mu.Lock()
		st := t.state
		t.mu.Unlock()
		if st != connConnected {
			// a newer reconnect cycle owns the replay now
			return
		}
		texts := t.pending.Drain()
		if len(texts) == 0 {
			return
		}
		for _, text := range texts {
			if err := t.speakNow(string(text)); err != nil {
				t.log.Warn("failed to replay buffered utterance", "error", err)
				return
			}
		}
	}
}

func (t *ttsStream) fail(err error) {
	t.mu.Lock()
	if t.state == connClosed || t.state == connFailed {
		t.mu.Unlock()
		return
	}
	t.state = connFailed
	cur := t.current
	t.mu.Unlock()

	if cur != nil {
		select {
		case cur.done <- err:
		default:
		}
	}
	t.log.Error("tts stream failed", "error", err)
	t.onFatal(err)
}

func (t *ttsStream) keepaliveLoop(interval time.Duration) {
	defer t.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.mu.Lock()
			stream := t.stream
			st := t.state
			t.mu.Unlock()
			if st != connConnected || stream == nil {
				continue
			}
			if err := stream.KeepAlive(); err != nil {
				t.log.Warn("tts keepalive failed", "error", err)
			}
		}
	}
}
