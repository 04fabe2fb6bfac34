// Package capture implements the annotation capture engine: a state
// machine arbitrating drawing and voice-over sessions, and the pipeline
// that validates, persists, queues and broadcasts finished candidates.
package capture

import (
	"errors"
	"sync"
)

// State is the capture state machine's current mode. At most one capture
// mode is active at a time; the machine is the sole arbiter.
type State int

const (
	StateIdle State = iota
	StateDrawing
	StateRecording
	StateProcessing
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDrawing:
		return "drawing"
	case StateRecording:
		return "recording"
	case StateProcessing:
		return "processing"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Event drives state machine transitions.
type Event int

const (
	EventBeginDrawing Event = iota
	EventBeginRecording
	EventFinishCapture
	EventPersisted
	EventFailed
	EventClear
)

func (e Event) String() string {
	switch e {
	case EventBeginDrawing:
		return "begin-drawing"
	case EventBeginRecording:
		return "begin-recording"
	case EventFinishCapture:
		return "finish-capture"
	case EventPersisted:
		return "persisted"
	case EventFailed:
		return "failed"
	case EventClear:
		return "clear"
	default:
		return "unknown"
	}
}

// Capture errors.
var (
	// ErrInvalidState is returned by a begin/finish request outside its
	// allowed state. The request has no side effect.
	ErrInvalidState = errors.New("operation not allowed in current capture state")

	// ErrEmptySession means a drawing was finished with zero points.
	ErrEmptySession = errors.New("drawing session has no points")

	// ErrEmptyRecording means a voice-over was finished with no audio.
	ErrEmptyRecording = errors.New("voice-over recording is empty")

	// ErrPermissionDenied means microphone permission was not granted.
	ErrPermissionDenied = errors.New("microphone permission denied")

	// ErrDeviceUnavailable means the audio capture device failed to open.
	ErrDeviceUnavailable = errors.New("audio device unavailable")
)

// transitions is the exhaustive transition table. An (state, event) pair
// absent from the table is rejected with ErrInvalidState.
var transitions = map[State]map[Event]State{
	StateIdle: {
		EventBeginDrawing:   StateDrawing,
		EventBeginRecording: StateRecording,
	},
	StateDrawing: {
		EventFinishCapture: StateProcessing,
	},
	StateRecording: {
		EventFinishCapture: StateProcessing,
	},
	StateProcessing: {
		EventPersisted: StateIdle,
		EventFailed:    StateError,
	},
	StateError: {
		EventClear: StateIdle,
	},
}

// StateMachine guards capture mode transitions. Mutual exclusion between
// drawing and voice-over is expressed by the transition table, not by
// shared flags.
type StateMachine struct {
	mu    sync.Mutex
	state State
}

// NewStateMachine starts in Idle.
func NewStateMachine() *StateMachine {
	return &StateMachine{state: StateIdle}
}

// Current returns the current state.
func (m *StateMachine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Fire applies an event. A disallowed event returns ErrInvalidState and
// leaves the state unchanged.
func (m *StateMachine) Fire(event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, ok := transitions[m.state][event]
	if !ok {
		return ErrInvalidState
	}
	m.state = next
	return nil
}

// Reset force-transitions any state back to Idle, for cancellation and
// memory-pressure signals. It returns the state that was interrupted.
func (m *StateMachine) Reset() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	prior := m.state
	m.state = StateIdle
	return prior
}
