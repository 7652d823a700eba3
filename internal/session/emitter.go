package session

// Emitter is the session's outbound surface toward the client transport.
// Implementations must be safe for concurrent use; the session calls them
// from several goroutines. A nil-safe no-op implementation is used when the
// transport has gone away.
type Emitter interface {
	// Ready signals that all provider connections are up and the session
	// accepts audio.
	Ready(sessionID string)

	// Interim delivers a provisional transcript of in-progress speech.
	Interim(text string, confidence float64)

	// Final delivers the settled transcript for a completed utterance.
	Final(text string, confidence float64)

	// AudioStart marks the beginning of synthesized audio for one utterance.
	AudioStart(utteranceID string)

	// Audio delivers one frame of synthesized PCM for the utterance.
	Audio(utteranceID string, pcm []byte)

	// AudioEnd marks the end of synthesized audio for the utterance.
	AudioEnd(utteranceID string)

	// Error reports a session-level failure. Retryable errors leave the
	// session usable; fatal ones precede Ended.
	Error(code, message string, retryable bool)

	// Ended reports session termination with a human-readable reason.
	Ended(reason string)
}

// nopEmitter discards all events.
type nopEmitter struct{}

func (nopEmitter) Ready(string)            {}
func (nopEmitter) Interim(string, float64) {}
func (nopEmitter) Final(string, float64)   {}
func (nopEmitter) AudioStart(string)       {}
func (nopEmitter) Audio(string, []byte)    {}
func (nopEmitter) AudioEnd(string)         {}
func (nopEmitter) Error(string, string, bool) {}
func (nopEmitter) Ended(string)            {}
