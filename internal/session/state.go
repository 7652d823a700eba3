package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the authoritative conversation state of a Session. Only the state
// machine mutates it; sub-sessions signal events but never write state.
type State string

const (
	// StateInitializing covers session construction until all three provider
	// connections are up.
	StateInitializing State = "INITIALIZING"

	// StateListening accepts client audio and forwards it to STT.
	StateListening State = "LISTENING"

	// StateThinking covers transcript finalization and LLM generation until
	// the first semantic chunk is ready.
	StateThinking State = "THINKING"

	// StateResponding covers the sequential TTS dispatch loop.
	StateResponding State = "RESPONDING"

	// StateInterrupted is entered when user speech cuts off an in-progress
	// response. Reserved for barge-in support.
	StateInterrupted State = "INTERRUPTED"

	// StateEnded is terminal. No events are emitted on behalf of an ended
	// session.
	StateEnded State = "ENDED"
)

// transitions is the full transition table. Any pair not listed here is a
// fatal protocol error.
var transitions = map[State][]State{
	StateInitializing: {StateListening, StateEnded},
	StateListening:    {StateThinking, StateEnded},
	StateThinking:     {StateResponding, StateListening, StateEnded},
	StateResponding:   {StateListening, StateInterrupted, StateEnded},
	StateInterrupted:  {StateListening, StateEnded},
	StateEnded:        {},
}

// InvalidTransitionError reports an attempted transition outside the table.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("session: invalid state transition %s -> %s", e.From, e.To)
}

// stateMachine serializes conversation-state changes for one session.
type stateMachine struct {
	mu        sync.Mutex
	sessionID string
	state     State
}

func newStateMachine(sessionID string) *stateMachine {
	return &stateMachine{sessionID: sessionID, state: StateInitializing}
}

// Current returns the state at the time of the call.
func (m *stateMachine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Is reports whether the machine is currently in s.
func (m *stateMachine) Is(s State) bool {
	return m.Current() == s
}

// Transition moves the machine to next, failing with an
// InvalidTransitionError when the pair is not in the table. Every successful
// transition is logged.
func (m *stateMachine) Transition(next State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transition(next)
}

// transition does the table check and the mutation. Callers hold mu.
func (m *stateMachine) transition(next State) error {
	for _, allowed := range transitions[m.state] {
		if allowed == next {
			slog.Info("state transition",
				"session_id", m.sessionID,
				"from", string(m.state),
				"to", string(next),
				"ts", time.Now().UTC().Format(time.RFC3339Nano),
			)
			m.state = next
			return nil
		}
	}
	err := &InvalidTransitionError{From: m.state, To: next}
	slog.Error("rejected state transition",
		"session_id", m.sessionID,
		"from", string(m.state),
		"to", string(next),
	)
	return err
}

// TransitionIf moves to next only when currently in from. Returns false
// without error when the current state differs, which callers use for
// benign races (e.g., the session ended while a turn was running). The check
// and the move are atomic: a concurrent transition cannot slip between them.
func (m *stateMachine) TransitionIf(from, next State) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != from {
		return false, nil
	}
	return true, m.transition(next)
}
