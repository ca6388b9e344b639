package session

import "sync"

// Event is one trigger dispatched to the state machine. All lifecycle
// conditions are modelled as explicit events so the transition table in
// [Machine.Apply] stays the single source of truth, instead of scattered
// conditional status updates.
type Event int

const (
	// EventFailure is any unrecoverable failure. Highest priority: it
	// overrides every other condition.
	EventFailure Event = iota

	// EventContextLoaded fires when scene context is supplied before any
	// connection exists.
	EventContextLoaded

	// EventConnectStart fires when a channel open is initiated.
	EventConnectStart

	// EventConnected fires when the channel opens successfully.
	EventConnected

	// EventAudioArrived fires when an inbound audio chunk is scheduled.
	EventAudioArrived

	// EventPlaybackIdle fires when the playback pending set drains.
	EventPlaybackIdle

	// EventMicOn fires when the microphone is toggled on.
	EventMicOn

	// EventMicOff fires when the microphone is toggled off.
	EventMicOff

	// EventChannelClosed fires when the channel closes, server-initiated or
	// explicit.
	EventChannelClosed

	// EventReset is the explicit user-driven reset. It is the only way out
	// of [StatusError].
	EventReset
)

// String returns the event name, for logs.
func (e Event) String() string {
	switch e {
	case EventFailure:
		return "failure"
	case EventContextLoaded:
		return "context_loaded"
	case EventConnectStart:
		return "connect_start"
	case EventConnected:
		return "connected"
	case EventAudioArrived:
		return "audio_arrived"
	case EventPlaybackIdle:
		return "playback_idle"
	case EventMicOn:
		return "mic_on"
	case EventMicOff:
		return "mic_off"
	case EventChannelClosed:
		return "channel_closed"
	case EventReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Machine owns the session status and applies transition rules to it. Safe
// for concurrent use: every mutation goes through [Machine.Apply] under one
// mutex.
type Machine struct {
	mu       sync.Mutex
	status   Status
	onChange func(old, now Status, ev Event)
}

// MachineOption configures a [Machine].
type MachineOption func(*Machine)

// WithChangeFunc registers a callback invoked (outside the machine lock)
// every time Apply lands on a different status. Used for logging and
// metrics.
func WithChangeFunc(fn func(old, now Status, ev Event)) MachineOption {
	return func(m *Machine) { m.onChange = fn }
}

// NewMachine creates a Machine in [StatusIdle].
func NewMachine(opts ...MachineOption) *Machine {
	m := &Machine{status: StatusIdle}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Status returns the current status.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Apply dispatches one event and returns the resulting status. micOn is the
// microphone flag at the moment of the event; it decides whether draining
// playback lands on Listening or Ready.
//
// [StatusError] is sticky: once entered, every event except [EventReset]
// leaves the machine in place. In particular inbound audio must not pull a
// failed session back to Speaking.
func (m *Machine) Apply(ev Event, micOn bool) Status {
	m.mu.Lock()
	old := m.status
	now := transition(old, ev, micOn)
	m.status = now
	onChange := m.onChange
	m.mu.Unlock()

	if now != old && onChange != nil {
		onChange(old, now, ev)
	}
	return now
}

// transition is the pure rule table. Failure wins over everything, Error is
// sticky, and the remaining events apply in the documented lifecycle order.
func transition(cur Status, ev Event, micOn bool) Status {
	if ev == EventFailure {
		return StatusError
	}
	if cur == StatusError {
		if ev == EventReset {
			return StatusIdle
		}
		return StatusError
	}

	switch ev {
	case EventReset:
		return StatusIdle
	case EventContextLoaded:
		// Context with no connection yet: the session becomes startable.
		if cur == StatusIdle {
			return StatusReady
		}
		return cur
	case EventConnectStart:
		return StatusConnecting
	case EventConnected:
		return StatusReady
	case EventAudioArrived:
		// Regardless of prior state: a chunk always means speech is playing.
		return StatusSpeaking
	case EventPlaybackIdle:
		if micOn {
			return StatusListening
		}
		return StatusReady
	case EventMicOn:
		if cur == StatusReady {
			return StatusListening
		}
		return cur
	case EventMicOff:
		if cur == StatusListening {
			return StatusReady
		}
		return cur
	case EventChannelClosed:
		return StatusIdle
	default:
		return cur
	}
}
