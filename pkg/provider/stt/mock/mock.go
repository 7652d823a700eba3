// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller starts sessions with the expected
// StreamConfig. Use Session to feed controlled Event values and inspect
// which audio chunks were delivered.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.StartStream(ctx, cfg)
//	sess.Emit(stt.Transcript{Text: "hello", IsFinal: true})
package mock

import (
	"context"
	"sync"

	"github.com/voxgate-ai/voxgate/pkg/provider/stt"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Cfg is the StreamConfig passed to StartStream.
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the Session returned by StartStream. If nil, StartStream
	// returns a fresh default Session from NewSession.
	Session stt.Session

	// Sessions, if non-empty, supplies the session per successful call in
	// order (the last entry repeats). Takes precedence over Session. Useful
	// for scripting reconnect sequences.
	Sessions []stt.Session

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamErrs, if non-empty, is consumed one error per call before
	// StartStreamErr applies. A nil entry means that attempt succeeds. Useful
	// for scripting connect-retry sequences.
	StartStreamErrs []error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall

	successes int
}

// StartStream records the call and returns the configured session or error.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if len(p.StartStreamErrs) > 0 {
		err := p.StartStreamErrs[0]
		p.StartStreamErrs = p.StartStreamErrs[1:]
		if err != nil {
			return nil, err
		}
	} else if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if len(p.Sessions) > 0 {
		idx := p.successes
		if idx >= len(p.Sessions) {
			idx = len(p.Sessions) - 1
		}
		p.successes++
		return p.Sessions[idx], nil
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// StartStreamCallCount returns the number of StartStream calls. Thread-safe.
func (p *Provider) StartStreamCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartStreamCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// SendAudioCall records a single invocation of Session.SendAudio.
type SendAudioCall struct {
	// Chunk is a copy of the audio bytes that were passed to SendAudio.
	Chunk []byte
}

// Session is a mock implementation of stt.Session. Construct with NewSession
// so the event channel is buffered; drive the consumer with Emit and
// CloseEvents.
type Session struct {
	mu sync.Mutex

	// EventsCh is the channel returned by Events. NewSession allocates it
	// with a 64-slot buffer.
	EventsCh chan stt.Event

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// KeepAliveErr, if non-nil, is returned by every KeepAlive call.
	KeepAliveErr error

	// FinalizeErr, if non-nil, is returned by every Finalize call.
	FinalizeErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// SendAudioCalls records every call to SendAudio in order.
	SendAudioCalls []SendAudioCall

	// KeepAliveCallCount is the number of times KeepAlive was called.
	KeepAliveCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	finalizeCalls int
	eventsClosed  bool
}

// NewSession returns a Session with a buffered event channel.
func NewSession() *Session {
	return &Session{EventsCh: make(chan stt.Event, 64)}
}

// Emit sends ev on the event channel. Panics if the buffer is full, which in
// a test means the consumer is not draining.
func (s *Session) Emit(ev stt.Event) {
	s.EventsCh <- ev
}

// CloseEvents closes the event channel, simulating session end. Safe to call
// more than once.
func (s *Session) CloseEvents() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.eventsClosed {
		s.eventsClosed = true
		close(s.EventsCh)
	}
}

// SendAudio records the call and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SendAudioCalls = append(s.SendAudioCalls, SendAudioCall{Chunk: cp})
	return s.SendAudioErr
}

// Events returns EventsCh.
func (s *Session) Events() <-chan stt.Event {
	return s.EventsCh
}

// KeepAlive records the call and returns KeepAliveErr.
func (s *Session) KeepAlive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.KeepAliveCallCount++
	return s.KeepAliveErr
}

// Finalize records the call and returns FinalizeErr.
func (s *Session) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalizeCalls++
	return s.FinalizeErr
}

// FinalizeCallCount returns the number of Finalize calls. Thread-safe.
func (s *Session) FinalizeCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalizeCalls
}

// Close records the call, closes the event channel, and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCallCount++
	err := s.CloseErr
	s.mu.Unlock()
	s.CloseEvents()
	return err
}

// SendAudioCallCount returns the number of SendAudio calls. Thread-safe.
func (s *Session) SendAudioCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SendAudioCalls)
}

// ResetCalls clears all recorded calls. Thread-safe.
func (s *Session) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendAudioCalls = nil
	s.KeepAliveCallCount = 0
	s.finalizeCalls = 0
	s.CloseCallCount = 0
}

// Ensure Session implements stt.Session at compile time.
var _ stt.Session = (*Session)(nil)
