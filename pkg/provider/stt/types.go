package stt

// Event is a typed value emitted on a Session's event stream. The concrete
// variants are Open, Transcript, SpeechStarted, Metadata, ErrorEvent, and
// Close. Consumers switch on the concrete type.
type Event interface {
	sttEvent()
}

// Open signals that the provider accepted the connection and is ready for
// audio. Emitted at most once, before any transcript.
type Open struct{}

// Transcript is a recognition result. Interim transcripts (IsFinal false)
// may be revised by later events; final transcripts are authoritative and
// belong in the conversation record.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates a final (authoritative) rather than interim result.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). Zero when the
	// provider does not report confidence.
	Confidence float64

	// SpeechFinal marks the end of an utterance as detected by the
	// provider's endpointing.
	SpeechFinal bool
}

// SpeechStarted reports voice activity onset, when VADEvents was requested.
type SpeechStarted struct{}

// Metadata carries provider bookkeeping frames. The pipeline ignores these;
// they exist for debugging and tests.
type Metadata struct {
	Raw []byte
}

// ErrorEvent reports a provider-side failure. A Close event may still follow.
type ErrorEvent struct {
	Err error
}

// Close reports that the provider connection closed. Code carries the
// WebSocket close code when known, -1 otherwise.
type Close struct {
	Code   int
	Reason string
}

func (Open) sttEvent()          {}
func (Transcript) sttEvent()    {}
func (SpeechStarted) sttEvent() {}
func (Metadata) sttEvent()      {}
func (ErrorEvent) sttEvent()    {}
func (Close) sttEvent()         {}
