// Package stt defines the Provider interface for streaming Speech-to-Text
// backends.
//
// An STT provider wraps a real-time transcription service (e.g., Deepgram)
// behind a uniform streaming surface. The central abstraction is Session:
// once opened, a session accepts raw PCM audio chunks and emits a single
// ordered stream of typed Event values — interim transcripts for
// responsiveness, final transcripts for the conversation record, plus error
// and close signals.
//
// Implementations must be safe for concurrent use. The event channel is
// closed by the implementation when the session ends, for whatever reason.
package stt

import "context"

// StreamConfig describes the audio format and recognition options for a new
// STT session. Fields map onto the wire-level parameters of streaming STT
// services; each provider translates them to its own query surface.
type StreamConfig struct {
	// Model selects the recognition model (e.g., "nova-3"). An empty string
	// uses the provider default.
	Model string

	// Language is the BCP-47 language tag (e.g., "en-US"). An empty string
	// lets the provider auto-detect, if supported.
	Language string

	// SampleRate is the PCM sample rate in Hz. The voice pipeline always
	// sends 16000 Hz to STT.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono (required by most
	// STT providers).
	Channels int

	// InterimResults requests low-latency provisional transcripts.
	InterimResults bool

	// SmartFormat requests provider-side formatting of numbers and dates.
	SmartFormat bool

	// Punctuate requests punctuation in transcripts.
	Punctuate bool

	// EndpointingMS is the provider's end-of-speech silence threshold in
	// milliseconds. Zero uses the provider default.
	EndpointingMS int

	// VADEvents requests speech-start notifications where supported.
	VADEvents bool
}

// Session represents an open STT streaming session. It is an interface so
// that test code can provide mock implementations without a live provider
// connection.
//
// Callers must call Close when the session is no longer needed. Failing to
// do so may leak goroutines and network connections inside the provider
// implementation. All methods must be safe for concurrent use.
type Session interface {
	// SendAudio delivers a chunk of raw PCM audio bytes to the provider for
	// transcription. The chunk must match the SampleRate, Channels, and
	// bit-depth agreed in StreamConfig. Calling SendAudio after Close returns
	// an error.
	SendAudio(chunk []byte) error

	// Events returns the ordered event stream for this session. The channel
	// is closed when the session ends. Callers must drain it promptly; a
	// blocked consumer stalls the provider's read loop.
	Events() <-chan Event

	// KeepAlive sends the provider's protocol-level liveness signal so the
	// connection survives silence. The owner calls this on a timer.
	KeepAlive() error

	// Finalize asks the provider to flush buffered audio into a final
	// transcript without closing the connection.
	Finalize() error

	// Close terminates the session and releases all associated resources.
	// After Close returns, the event channel will be closed. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any streaming STT backend.
//
// Implementations must be safe for concurrent use. Multiple sessions may be
// open simultaneously (one per conversation).
type Provider interface {
	// StartStream opens a new streaming transcription session with the given
	// audio format and recognition configuration. StartStream blocks until
	// the provider signals readiness or ctx expires; the returned Session is
	// ready to accept audio immediately.
	//
	// The caller owns the Session and must call Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (Session, error)
}
