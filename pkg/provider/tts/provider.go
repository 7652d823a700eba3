// Package tts defines the Provider interface for streaming Text-to-Speech
// backends.
//
// A TTS provider wraps a speech synthesis service (e.g., Cartesia) behind a
// uniform streaming surface. Connect opens a long-lived synthesis stream;
// each Synthesize call submits one utterance, and the resulting audio
// arrives as AudioChunk events tagged with the utterance ID followed by a
// Done event — enabling low-latency pipelining between LLM output and the
// client audio path.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// SynthesisConfig describes the voice and output format for a new TTS stream.
type SynthesisConfig struct {
	// Model selects the synthesis model (e.g., "sonic-2"). Empty uses the
	// provider default.
	Model string

	// VoiceID is the provider-specific voice identifier. Required.
	VoiceID string

	// SampleRate is the PCM output sample rate in Hz. The pipeline requests
	// the client's output rate directly so no resampling is needed on the
	// way out.
	SampleRate int

	// Speed adjusts speaking rate where the provider supports it
	// (1.0 = default, 0 = unset).
	Speed float64
}

// Stream is an open TTS synthesis stream.
//
// Callers must call Close when done. All methods are safe for concurrent
// use, but utterances are synthesised in submission order.
type Stream interface {
	// Synthesize submits text for synthesis as a single utterance. Audio for
	// the utterance arrives as AudioChunk events carrying utteranceID,
	// terminated by a Done event. Empty or whitespace-only text is rejected.
	Synthesize(utteranceID, text string) error

	// Events returns the ordered event stream. The channel is closed when
	// the stream ends. Callers must drain it promptly.
	Events() <-chan Event

	// KeepAlive sends the provider's protocol-level liveness signal so the
	// connection survives idle periods.
	KeepAlive() error

	// Close terminates the stream and releases all resources. Safe to call
	// more than once.
	Close() error
}

// Provider is the abstraction over any streaming TTS backend.
type Provider interface {
	// Connect opens a synthesis stream with the given voice configuration.
	// Connect blocks until the provider accepts the connection or ctx
	// expires. The caller owns the Stream and must call Close when done.
	Connect(ctx context.Context, cfg SynthesisConfig) (Stream, error)
}
