package tts

// Event is a typed value emitted on a Stream's event channel. The concrete
// variants are AudioChunk, Done, ErrorEvent, and Close.
type Event interface {
	ttsEvent()
}

// AudioChunk carries raw PCM audio for one utterance.
type AudioChunk struct {
	// UtteranceID identifies which Synthesize call produced this audio.
	UtteranceID string

	// Data is raw 16-bit little-endian PCM at the configured sample rate.
	Data []byte
}

// Done signals that all audio for an utterance has been delivered.
type Done struct {
	UtteranceID string
}

// ErrorEvent reports a provider-side synthesis failure. When UtteranceID is
// set the failure is scoped to that utterance; otherwise it affects the
// whole stream.
type ErrorEvent struct {
	UtteranceID string
	Err         error
}

// Close reports that the provider connection closed. Code carries the
// WebSocket close code when known, -1 otherwise.
type Close struct {
	Code   int
	Reason string
}

func (AudioChunk) ttsEvent() {}
func (Done) ttsEvent()       {}
func (ErrorEvent) ttsEvent() {}
func (Close) ttsEvent()      {}
