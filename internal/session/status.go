package session

import "fmt"

// Status is the single source of truth for where a voice session currently
// is in its lifecycle. Exactly one value is current at any time; it is owned
// by the [Machine] and mutated only through [Machine.Apply].
type Status int

const (
	// StatusIdle means no session exists and no context has been supplied.
	StatusIdle Status = iota

	// StatusConnecting means a channel open is in flight.
	StatusConnecting

	// StatusReady means the session can accept a microphone toggle: either
	// scene context has been supplied, or the channel is open and nothing is
	// being captured or played.
	StatusReady

	// StatusListening means the microphone is live and no playback is
	// scheduled.
	StatusListening

	// StatusSpeaking means at least one audio chunk is scheduled or playing.
	StatusSpeaking

	// StatusError means the session hit an unrecoverable failure. Sticky:
	// only an explicit reset leaves it.
	StatusError
)

// String returns the machine-readable name of the status.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusReady:
		return "ready"
	case StatusListening:
		return "listening"
	case StatusSpeaking:
		return "speaking"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// StatusText derives the user-facing label for a status. It is a pure
// function: presentation is never stored alongside the machine state.
func StatusText(s Status, errMsg string) string {
	switch s {
	case StatusIdle:
		return "Waiting for scene"
	case StatusConnecting:
		return "Connecting..."
	case StatusReady:
		return "Ready"
	case StatusListening:
		return "Listening"
	case StatusSpeaking:
		return "Speaking"
	case StatusError:
		if errMsg != "" {
			return "Error: " + errMsg
		}
		return "Error"
	default:
		return s.String()
	}
}
