// Package playback schedules synthesised speech chunks for gap-free
// sequential playback against a monotonic audio clock.
//
// Chunks arrive from the network in bursts that rarely match real time. The
// [Scheduler] absorbs that jitter by scheduling each chunk to start exactly
// where the previous one ends: a "next start time" cursor advances by each
// chunk's duration, so playback is driven by the clock, never by arrival
// timing. A hard interruption ([Scheduler.Flush]) stops every in-flight
// chunk, clears the pending set, and rewinds the cursor.
package playback

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/voxkeeper/voxkeeper/pkg/pcm"
)

// ErrPlaybackUnavailable reports that the underlying playback device cannot
// accept audio. The session controller treats this as fatal for the current
// session.
var ErrPlaybackUnavailable = errors.New("playback: device unavailable")

// Clock provides the monotonic session timeline the scheduler plans against.
// Now is the elapsed time since the clock (and therefore the session)
// started. Implementations must be safe for concurrent use.
type Clock interface {
	Now() time.Duration
}

// Sink is the playback device boundary. Play delivers a chunk for immediate
// output; Flush discards any audio the device has buffered but not yet
// played. Both must be safe for concurrent use.
type Sink interface {
	Play(chunk pcm.Chunk) error
	Flush() error
}

// SourceID identifies one scheduled chunk in the pending set.
type SourceID uint64

// Option configures a [Scheduler] during construction.
type Option func(*Scheduler)

// WithIdleFunc registers a callback invoked (outside the scheduler lock)
// whenever the pending set drains naturally — the signal that speaking has
// ended. Flush does not trigger it; interruption handling is the caller's
// responsibility.
func WithIdleFunc(fn func()) Option {
	return func(s *Scheduler) { s.onIdle = fn }
}

// WithErrorFunc registers a callback invoked (outside the scheduler lock)
// when a deferred Play fails after Enqueue has already returned.
func WithErrorFunc(fn func(error)) Option {
	return func(s *Scheduler) { s.onError = fn }
}

// Scheduler owns the "next start time" cursor and the set of currently
// scheduled or playing chunks. All exported methods are safe for concurrent
// use; every mutation of shared state happens under one mutex.
type Scheduler struct {
	sink  Sink
	clock Clock

	onIdle  func()
	onError func(error)

	mu          sync.Mutex
	nextStart   time.Duration
	pending     map[SourceID]*source
	nextID      SourceID
	unavailable bool
	closed      bool
}

// source is one scheduled chunk: its timers are cancelled on Flush or Close.
type source struct {
	id       SourceID
	startAt  time.Duration
	duration time.Duration

	startTimer    *time.Timer
	completeTimer *time.Timer
}

// New creates a Scheduler that plays chunks through sink, timed by clock.
func New(sink Sink, clock Clock, opts ...Option) *Scheduler {
	s := &Scheduler{
		sink:    sink,
		clock:   clock,
		pending: make(map[SourceID]*source),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue schedules chunk to begin at max(nextStart, now) and advances the
// cursor by the chunk's duration. Chunks enqueued in call order therefore
// play back-to-back with no gap and no overlap, regardless of arrival pacing.
// The returned SourceID stays in the pending set until the chunk finishes or
// a Flush intervenes.
//
// Enqueue fails with [ErrPlaybackUnavailable] once the sink has reported a
// device failure or the scheduler has been closed.
func (s *Scheduler) Enqueue(chunk pcm.Chunk) (SourceID, error) {
	now := s.clock.Now()

	s.mu.Lock()
	if s.closed || s.unavailable {
		s.mu.Unlock()
		return 0, ErrPlaybackUnavailable
	}

	startAt := s.nextStart
	if now > startAt {
		startAt = now
	}
	s.nextStart = startAt + chunk.Duration

	s.nextID++
	src := &source{
		id:       s.nextID,
		startAt:  startAt,
		duration: chunk.Duration,
	}
	s.pending[src.id] = src

	delay := startAt - now
	playNow := delay <= 0
	if !playNow {
		src.startTimer = time.AfterFunc(delay, func() { s.deliver(src.id, chunk) })
	}
	src.completeTimer = time.AfterFunc(delay+chunk.Duration, func() { s.complete(src.id) })
	s.mu.Unlock()

	if playNow {
		if err := s.deliver(src.id, chunk); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrPlaybackUnavailable, err)
		}
	}
	return src.id, nil
}

// deliver hands a chunk to the sink, immediately or when its start timer
// fires. A source no longer pending was flushed between scheduling and
// delivery and is skipped without error.
func (s *Scheduler) deliver(id SourceID, chunk pcm.Chunk) error {
	s.mu.Lock()
	_, ok := s.pending[id]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if err := s.sink.Play(chunk); err != nil {
		s.fail(id, err)
		return err
	}
	return nil
}

// complete removes a finished source from the pending set and signals idle
// when the set drains.
func (s *Scheduler) complete(id SourceID) {
	s.mu.Lock()
	src, ok := s.pending[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.pending, id)
	src.stopTimers()
	idle := len(s.pending) == 0 && !s.closed
	onIdle := s.onIdle
	s.mu.Unlock()

	if idle && onIdle != nil {
		onIdle()
	}
}

// fail marks the sink unavailable, drops the failed source, and notifies the
// error callback. Subsequent Enqueue calls fail fast.
func (s *Scheduler) fail(id SourceID, cause error) {
	s.mu.Lock()
	s.unavailable = true
	if src, ok := s.pending[id]; ok {
		delete(s.pending, id)
		src.stopTimers()
	}
	onError := s.onError
	s.mu.Unlock()

	if onError != nil {
		onError(fmt.Errorf("%w: %v", ErrPlaybackUnavailable, cause))
	}
}

// Flush immediately stops every pending source, clears the set, discards
// device-buffered audio, and rewinds the cursor to zero. Because Enqueue
// starts no earlier than the current clock reading, later chunks can never be
// scheduled in the past.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	for id, src := range s.pending {
		src.stopTimers()
		delete(s.pending, id)
	}
	s.nextStart = 0
	closed := s.closed
	s.mu.Unlock()

	if !closed {
		_ = s.sink.Flush()
	}
}

// PendingCount reports the number of scheduled or playing sources. The
// session is speaking if and only if this is non-zero.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// NextStartTime returns the cursor position: the clock time at which the next
// enqueued chunk would begin if it arrived immediately.
func (s *Scheduler) NextStartTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStart
}

// Close stops all timers and rejects further Enqueue calls. Idempotent.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for id, src := range s.pending {
		src.stopTimers()
		delete(s.pending, id)
	}
	s.nextStart = 0
	s.mu.Unlock()
}

func (src *source) stopTimers() {
	if src.startTimer != nil {
		src.startTimer.Stop()
	}
	if src.completeTimer != nil {
		src.completeTimer.Stop()
	}
}
