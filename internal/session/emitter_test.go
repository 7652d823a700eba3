package session

import "sync"

// emitterEvent is one recorded client-bound event.
type emitterEvent struct {
	Kind        string
	Text        string
	UtteranceID string
	PCM         []byte
	Confidence  float64
	Retryable   bool
}

// recordingEmitter captures everything the session sends to the client.
type recordingEmitter struct {
	mu     sync.Mutex
	events []emitterEvent
}

func (r *recordingEmitter) append(ev emitterEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingEmitter) Ready(sessionID string) {
	r.append(emitterEvent{Kind: "ready", Text: sessionID})
}

func (r *recordingEmitter) Interim(text string, confidence float64) {
	r.append(emitterEvent{Kind: "interim", Text: text, Confidence: confidence})
}

func (r *recordingEmitter) Final(text string, confidence float64) {
	r.append(emitterEvent{Kind: "final", Text: text, Confidence: confidence})
}

func (r *recordingEmitter) AudioStart(utteranceID string) {
	r.append(emitterEvent{Kind: "audio_start", UtteranceID: utteranceID})
}

func (r *recordingEmitter) Audio(utteranceID string, pcm []byte) {
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	r.append(emitterEvent{Kind: "audio", UtteranceID: utteranceID, PCM: cp})
}

func (r *recordingEmitter) AudioEnd(utteranceID string) {
	r.append(emitterEvent{Kind: "audio_end", UtteranceID: utteranceID})
}

func (r *recordingEmitter) Error(code, message string, retryable bool) {
	r.append(emitterEvent{Kind: "error", Text: code + ": " + message, Retryable: retryable})
}

func (r *recordingEmitter) Ended(reason string) {
	r.append(emitterEvent{Kind: "ended", Text: reason})
}

// all returns a copy of the recorded events.
func (r *recordingEmitter) all() []emitterEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]emitterEvent(nil), r.events...)
}

// kinds returns the event kinds in order.
func (r *recordingEmitter) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

// count returns how many events of kind were recorded.
func (r *recordingEmitter) count(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// ofKind returns the recorded events of kind, in order.
func (r *recordingEmitter) ofKind(kind string) []emitterEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []emitterEvent
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

var _ Emitter = (*recordingEmitter)(nil)
