// Package mock provides test doubles for the tts package interfaces.
//
// Use Provider to verify that the caller connects with the expected
// SynthesisConfig. Use Stream to feed controlled audio events to consumers
// and inspect which utterances were submitted.
//
// Example:
//
//	st := mock.NewStream()
//	st.AudioPerUtterance = [][]byte{[]byte("pcm")}
//	p := &mock.Provider{Stream: st}
//	s, _ := p.Connect(ctx, cfg)
//	_ = s.Synthesize("utt-1", "Hello there.")
package mock

import (
	"context"
	"sync"

	"github.com/voxgate-ai/voxgate/pkg/provider/tts"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SynthesisConfig passed to Connect.
	Cfg tts.SynthesisConfig
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Stream is the Stream returned by Connect. If nil, Connect returns a
	// fresh default Stream from NewStream.
	Stream tts.Stream

	// Streams, if non-empty, supplies the stream per successful call in
	// order (the last entry repeats). Takes precedence over Stream. Useful
	// for scripting reconnect sequences.
	Streams []tts.Stream

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectErrs, if non-empty, is consumed one error per call before
	// ConnectErr applies. A nil entry means that attempt succeeds. Useful
	// for scripting connect-retry sequences.
	ConnectErrs []error

	// ConnectCalls records every call to Connect.
	ConnectCalls []ConnectCall

	successes int
}

// Connect records the call and returns the configured stream or error.
func (p *Provider) Connect(ctx context.Context, cfg tts.SynthesisConfig) (tts.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if len(p.ConnectErrs) > 0 {
		err := p.ConnectErrs[0]
		p.ConnectErrs = p.ConnectErrs[1:]
		if err != nil {
			return nil, err
		}
	} else if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if len(p.Streams) > 0 {
		idx := p.successes
		if idx >= len(p.Streams) {
			idx = len(p.Streams) - 1
		}
		p.successes++
		return p.Streams[idx], nil
	}
	if p.Stream != nil {
		return p.Stream, nil
	}
	return NewStream(), nil
}

// ConnectCallCount returns the number of Connect calls. Thread-safe.
func (p *Provider) ConnectCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)

// SynthesizeCall records a single invocation of Stream.Synthesize.
type SynthesizeCall struct {
	// UtteranceID is the utterance identifier passed to Synthesize.
	UtteranceID string
	// Text is the text passed to Synthesize.
	Text string
}

// Stream is a mock implementation of tts.Stream. Construct with NewStream.
//
// By default each Synthesize call echoes AudioPerUtterance chunks tagged
// with the utterance ID followed by a Done event, mimicking a well-behaved
// provider. Set Manual to true to suppress the automatic events and drive
// the channel with Emit instead.
type Stream struct {
	mu sync.Mutex

	// EventsCh is the channel returned by Events. NewStream allocates it
	// with a 64-slot buffer.
	EventsCh chan tts.Event

	// AudioPerUtterance is the audio payload(s) echoed for each Synthesize
	// call when Manual is false. Defaults to a single 4-byte chunk.
	AudioPerUtterance [][]byte

	// Manual disables automatic AudioChunk/Done emission on Synthesize.
	Manual bool

	// SynthesizeErr, if non-nil, is returned by every Synthesize call.
	SynthesizeErr error

	// KeepAliveErr, if non-nil, is returned by every KeepAlive call.
	KeepAliveErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// SynthesizeCalls records every call to Synthesize in order.
	SynthesizeCalls []SynthesizeCall

	// KeepAliveCallCount is the number of times KeepAlive was called.
	KeepAliveCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	eventsClosed bool
}

// NewStream returns a Stream with a buffered event channel.
func NewStream() *Stream {
	return &Stream{
		EventsCh:          make(chan tts.Event, 64),
		AudioPerUtterance: [][]byte{{0x01, 0x02, 0x03, 0x04}},
	}
}

// Emit sends ev on the event channel. Panics if the buffer is full, which in
// a test means the consumer is not draining.
func (s *Stream) Emit(ev tts.Event) {
	s.EventsCh <- ev
}

// CloseEvents closes the event channel, simulating stream end. Safe to call
// more than once.
func (s *Stream) CloseEvents() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.eventsClosed {
		s.eventsClosed = true
		close(s.EventsCh)
	}
}

// Synthesize records the call and, unless Manual is set, echoes the
// configured audio chunks and a Done event for the utterance.
func (s *Stream) Synthesize(utteranceID, text string) error {
	s.mu.Lock()
	s.SynthesizeCalls = append(s.SynthesizeCalls, SynthesizeCall{UtteranceID: utteranceID, Text: text})
	err := s.SynthesizeErr
	manual := s.Manual
	audio := s.AudioPerUtterance
	closed := s.eventsClosed
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if !manual && !closed {
		for _, a := range audio {
			cp := make([]byte, len(a))
			copy(cp, a)
			s.EventsCh <- tts.AudioChunk{UtteranceID: utteranceID, Data: cp}
		}
		s.EventsCh <- tts.Done{UtteranceID: utteranceID}
	}
	return nil
}

// Events returns EventsCh.
func (s *Stream) Events() <-chan tts.Event {
	return s.EventsCh
}

// KeepAlive records the call and returns KeepAliveErr.
func (s *Stream) KeepAlive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.KeepAliveCallCount++
	return s.KeepAliveErr
}

// Close records the call, closes the event channel, and returns CloseErr.
func (s *Stream) Close() error {
	s.mu.Lock()
	s.CloseCallCount++
	err := s.CloseErr
	s.mu.Unlock()
	s.CloseEvents()
	return err
}

// SynthesizeCallCount returns the number of Synthesize calls. Thread-safe.
func (s *Stream) SynthesizeCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SynthesizeCalls)
}

// SynthesizedTexts returns the submitted texts in order. Thread-safe.
func (s *Stream) SynthesizedTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.SynthesizeCalls))
	for i, c := range s.SynthesizeCalls {
		out[i] = c.Text
	}
	return out
}

// ResetCalls clears all recorded calls. Thread-safe.
func (s *Stream) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SynthesizeCalls = nil
	s.KeepAliveCallCount = 0
	s.CloseCallCount = 0
}

// Ensure Stream implements tts.Stream at compile time.
var _ tts.Stream = (*Stream)(nil)
