package session

import "errors"

// Session-level error taxonomy. Decode-level problems
// (pcm.ErrMalformedPayload) are isolated per chunk and never surface here;
// everything below is terminal for the current session and requires an
// explicit restart.
var (
	// ErrInvalidContext rejects a start with empty scene context, before any
	// I/O happens.
	ErrInvalidContext = errors.New("session: scene context is empty")

	// ErrConnectionFailed wraps a channel open that was rejected or timed
	// out. Retry, if any, is the caller's decision.
	ErrConnectionFailed = errors.New("session: connection failed")

	// ErrAlreadyStarted rejects a second start while a session is active.
	// At most one outstanding connection attempt exists at a time.
	ErrAlreadyStarted = errors.New("session: already started")
)
