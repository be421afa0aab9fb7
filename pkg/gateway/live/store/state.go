package store

import "github.com/vango-go/voicegw/pkg/core"

// State is a session lifecycle state.
type State string

const (
	StateCreated    State = "Created"
	StateRecording  State = "Recording"
	StateProcessing State = "Processing"
	StateResponding State = "Responding"
	StateCompleted  State = "Completed"
	StateEnded      State = "Ended"
)

func (s State) String() string { return string(s) }

// Event drives a state transition.
type Event string

const (
	EventAudioChunk Event = "audio_chunk"
	EventAudioEnd   Event = "audio_end"
	EventRespond    Event = "respond"
	EventComplete   Event = "complete"
	EventEnd        Event = "end"
)

var transitions = map[State]map[Event]State{
	StateCreated: {
		EventAudioChunk: StateRecording,
		EventAudioEnd:   StateProcessing,
		EventEnd:        StateEnded,
	},
	StateRecording: {
		EventAudioChunk: StateRecording,
		EventAudioEnd:   StateProcessing,
		EventEnd:        StateEnded,
	},
	StateProcessing: {
		EventRespond: StateResponding,
		EventEnd:     StateEnded,
	},
	StateResponding: {
		EventComplete: StateCompleted,
		EventEnd:      StateEnded,
	},
	StateCompleted: {
		EventEnd: StateEnded,
	},
	StateEnded: {
		EventEnd: StateEnded,
	},
}

// Transition returns the state reached from "from" on ev.
// Audio events after audio has closed report ErrAudioClosed; other
// disallowed events report ErrIllegalTransition.
func Transition(from State, ev Event) (State, error) {
	if next, ok := transitions[from][ev]; ok {
		return next, nil
	}
	if ev == EventAudioChunk || ev == EventAudioEnd {
		switch from {
		case StateProcessing, StateResponding, StateCompleted, StateEnded:
			return from, core.NewAudioClosedError()
		}
	}
	return from, core.NewIllegalTransitionError(string(from), string(ev))
}

// Apply moves s through ev, leaving it untouched on error.
func (s *Session) Apply(ev Event) error {
	next, err := Transition(s.State, ev)
	if err != nil {
		return err
	}
	s.State = next
	return nil
}
