package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voxgate-ai/voxgate/internal/classify"
	"github.com/voxgate-ai/voxgate/pkg/provider/stt"
)

// connState tracks the lifecycle of one provider connection inside a session.
type connState int

const (
	connIdle connState = iota
	connConnected
	connReconnecting
	connFailed
	connClosed
)

var (
	// ErrStreamFailed reports that a provider connection is permanently down
	// after exhausting its reconnect schedule.
	ErrStreamFailed = errors.New("session: provider stream failed")

	// ErrStreamClosed reports use of a sub-session after Close.
	ErrStreamClosed = errors.New("session: stream closed")
)

// sttStream manages one speech-to-text provider connection for a session:
// transcript accumulation across a turn, keepalives, and transparent
// reconnection with bounded audio buffering.
type sttStream struct {
	provider stt.Provider
	cfg      stt.StreamConfig
	log      *slog.Logger

	onInterim func(text string, confidence float64)
	onFatal   func(err error)

	mu         sync.Mutex
	conn       stt.Session
	state      connState
	generation int

	finals      []string
	lastInterim string
	confidence  float64
	finalSeen   chan struct{}

	pending    *chunkBuffer
	reconnects int

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func newSTTStream(provider stt.Provider, cfg stt.StreamConfig, scfg Config, log *slog.Logger, onInterim func(string, float64), onFatal func(error)) *sttStream {
	if onInterim == nil {
		onInterim = func(string, float64) {}
	}
	if onFatal == nil {
		onFatal = func(error) {}
	}
	return &sttStream{
		provider:  provider,
		cfg:       cfg,
		log:       log,
		onInterim: onInterim,
		onFatal:   onFatal,
		state:     connIdle,
		finalSeen: make(chan struct{}, 1),
		pending:   newChunkBuffer(scfg.ReconnectBufferBytes),
		stop:      make(chan struct{}),
	}
}

// Open establishes the transcription stream, retrying transient failures on
// the first-open schedule. It starts the event consumer and keepalive loop.
func (s *sttStream) Open(ctx context.Context, connectTimeout, keepalive time.Duration) error {
	err := retrySchedule(ctx, firstOpenSchedule, isRetryable, func(ctx context.Context) error {
		dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()

		conn, err := s.provider.StartStream(dialCtx, s.cfg)
		if err != nil {
			s.log.Warn("stt connect attempt failed", "error", err)
			return err
		}
		s.install(conn)
		return nil
	})
	if err != nil {
		s.mu.Lock()
		s.state = connFailed
		s.mu.Unlock()
		return fmt.Errorf("session: open stt stream: %w", err)
	}

	s.wg.Add(1)
	go s.keepaliveLoop(keepalive)
	return nil
}

// install swaps in a new provider connection and starts a consumer bound to
// it. Must not be called while holding s.mu.
func (s *sttStream) install(conn stt.Session) {
	s.mu.Lock()
	s.conn = conn
	s.state = connConnected
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	s.wg.Add(1)
	go s.consume(conn, gen)
}

// ForwardChunk sends one client audio chunk to the provider. During
// reconnection the chunk is buffered; if the buffer overflows, the oldest
// audio is dropped.
func (s *sttStream) ForwardChunk(chunk []byte) error {
	s.mu.Lock()
	st := s.state
	conn := s.conn
	s.mu.Unlock()

	if conn == nil && st != connReconnecting {
		return ErrStreamClosed
	}

	switch st {
	case connReconnecting:
		if dropped := s.pending.Push(chunk); dropped > 0 {
			s.log.Warn("dropped buffered audio during stt reconnect", "chunks", dropped)
		}
		return nil
	case connFailed:
		return ErrStreamFailed
	case connClosed:
		return ErrStreamClosed
	}

	if err := conn.SendAudio(chunk); err != nil {
		s.log.Warn("stt send failed, buffering and reconnecting", "error", err)
		s.pending.Push(chunk)
		s.triggerReconnect()
		return nil
	}
	return nil
}

// Finalize asks the provider to flush pending audio, waits up to wait for
// the flushed final transcript, and returns the utterance text with the
// confidence of the last transcript event: all finals of the turn joined by
// single spaces, or the last interim when no final ever arrived.
// Accumulators are reset for the next turn.
func (s *sttStream) Finalize(ctx context.Context, wait time.Duration) (string, float64, error) {
	s.mu.Lock()
	conn := s.conn
	st := s.state
	// drain any stale signal so the wait below only sees post-Finalize finals
	select {
	case <-s.finalSeen:
	default:
	}
	s.mu.Unlock()

	if st == connClosed {
		return "", 0, ErrStreamClosed
	}

	if st == connConnected && conn != nil {
		if err := conn.Finalize(); err != nil {
			s.log.Warn("stt finalize send failed", "error", err)
		} else {
			select {
			case <-s.finalSeen:
			case <-time.After(wait):
				s.log.Warn("timed out waiting for final transcript", "wait", wait)
			case <-ctx.Done():
				return "", 0, ctx.Err()
			case <-s.stop:
				return "", 0, ErrStreamClosed
			}
		}
	}

	s.mu.Lock()
	text := strings.Join(s.finals, " ")
	if text == "" {
		text = s.lastInterim
	}
	conf := s.confidence
	s.finals = nil
	s.lastInterim = ""
	s.confidence = 0
	s.mu.Unlock()

	return strings.TrimSpace(text), conf, nil
}

// Reconnects returns how many reconnect cycles have completed.
func (s *sttStream) Reconnects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnects
}

// Close tears the stream down. Idempotent.
func (s *sttStream) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.state = connClosed
		conn := s.conn
		s.mu.Unlock()

		close(s.stop)
		if conn != nil {
			conn.Close()
		}
		s.wg.Wait()
	})
	return nil
}

// consume processes provider events for one connection generation. It exits
// when the provider channel closes; a close that was not requested triggers
// reconnection.
func (s *sttStream) consume(conn stt.Session, gen int) {
	defer s.wg.Done()

	for ev := range conn.Events() {
		switch e := ev.(type) {
		case stt.Transcript:
			s.mu.Lock()
			s.confidence = e.Confidence
			if e.IsFinal {
				if e.Text != "" {
					s.finals = append(s.finals, e.Text)
				}
				select {
				case s.finalSeen <- struct{}{}:
				default:
				}
			} else {
				s.lastInterim = e.Text
			}
			s.mu.Unlock()
			if !e.IsFinal && e.Text != "" {
				s.onInterim(e.Text, e.Confidence)
			}
		case stt.ErrorEvent:
			if !isRetryable(e.Err) {
				s.fail(fmt.Errorf("session: stt stream: %w", e.Err))
				return
			}
			s.log.Warn("transient stt error", "error", e.Err)
		case stt.Close:
			if s.stale(gen) {
				return
			}
			select {
			case <-s.stop:
				return
			default:
			}
			s.log.Warn("stt connection closed mid-stream", "code", e.Code, "reason", e.Reason)
			s.triggerReconnect()
			return
		}
	}
}

// stale reports whether gen is no longer the active connection generation.
func (s *sttStream) stale(gen int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen != s.generation
}

// triggerReconnect moves the stream into the reconnecting state and launches
// one reconnect cycle. A no-op if one is already running or the stream is
// closing.
func (s *sttStream) triggerReconnect() {
	s.mu.Lock()
	if s.state != connConnected {
		s.mu.Unlock()
		return
	}
	s.state = connReconnecting
	old := s.conn
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}

	s.wg.Add(1)
	go s.reconnect()
}

func (s *sttStream) reconnect() {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	start := time.Now()
	err := retrySchedule(ctx, midStreamSchedule, isRetryable, func(ctx context.Context) error {
		conn, err := s.provider.StartStream(ctx, s.cfg)
		if err != nil {
			s.log.Warn("stt reconnect attempt failed", "error", err)
			return err
		}
		s.install(conn)
		return nil
	})
	if err != nil {
		s.fail(fmt.Errorf("session: stt reconnect exhausted: %w", err))
		return
	}

	s.mu.Lock()
	s.reconnects++
	conn := s.conn
	s.mu.Unlock()

	for _, chunk := range s.pending.Drain() {
		if err := conn.SendAudio(chunk); err != nil {
			s.log.Warn("failed to replay buffered audio", "error", err)
			break
		}
	}
	s.log.Info("stt stream reconnected", "elapsed", time.Since(start))
}

// fail marks the stream permanently down and notifies the session.
func (s *sttStream) fail(err error) {
	s.mu.Lock()
	if s.state == connClosed || s.state == connFailed {
		s.mu.Unlock()
		return
	}
	s.state = connFailed
	s.mu.Unlock()

	s.log.Error("stt stream failed", "error", err)
	s.onFatal(err)
}

func (s *sttStream) keepaliveLoop(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			conn := s.conn
			st := s.state
			s.mu.Unlock()
			if st != connConnected || conn == nil {
				continue
			}
			if err := conn.KeepAlive(); err != nil {
				s.log.Warn("stt keepalive failed", "error", err)
			}
		}
	}
}

// isRetryable reports whether err is worth another connection attempt.
func isRetryable(err error) bool {
	return !classify.Fatal(err)
}
