// Package device binds the session to real audio hardware through PortAudio.
//
// It contributes three small pieces: a [Microphone] that feeds captured
// frames into a channel, a [Speaker] that drains a flushable sample queue
// from the audio callback, and a monotonic [Clock] that anchors the playback
// timeline. Hardware failures surface as [ErrDeviceUnavailable] so callers
// can distinguish a missing sound card from a protocol problem.
package device

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/voxkeeper/voxkeeper/pkg/capture"
	"github.com/voxkeeper/voxkeeper/pkg/pcm"
	"github.com/voxkeeper/voxkeeper/pkg/playback"
)

// Compile-time assertions that the devices satisfy the audio-path interfaces.
var _ capture.Source = (*Microphone)(nil)
var _ playback.Sink = (*Speaker)(nil)
var _ playback.Clock = (*Clock)(nil)

// ErrDeviceUnavailable reports that an audio device could not be opened or
// stopped working mid-session.
var ErrDeviceUnavailable = errors.New("device: audio device unavailable")

// ── Clock ──────────────────────────────────────────────────────────────────────

// Clock measures monotonic time since it was created. One Clock is created
// per session, so playback start times are always relative to session start.
type Clock struct {
	start time.Time
}

// NewClock starts a session clock at zero.
func NewClock() *Clock {
	return &Clock{start: time.Now()}
}

// Now returns the elapsed time since the clock started.
func (c *Clock) Now() time.Duration {
	return time.Since(c.start)
}

// ── Microphone ─────────────────────────────────────────────────────────────────

// Microphone captures mono float32 frames from the default input device and
// delivers them on a channel. The channel closes when the device fails or
// the microphone is closed.
type Microphone struct {
	stream *portaudio.Stream
	buffer []float32
	frames chan []float32

	done      chan struct{}
	closeOnce sync.Once
}

// OpenMicrophone opens the default input device at the given sample rate,
// reading frameSamples samples per frame.
func OpenMicrophone(sampleRate, frameSamples int) (*Microphone, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: initialize: %v", ErrDeviceUnavailable, err)
	}

	m := &Microphone{
		buffer: make([]float32, frameSamples),
		frames: make(chan []float32, 8),
		done:   make(chan struct{}),
	}

	stream, err := portaudio.OpenDefaultStream(1, 0, float64(sampleRate), frameSamples, m.buffer)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("%w: open input stream: %v", ErrDeviceUnavailable, err)
	}
	m.stream = stream
	return m, nil
}

// Start begins capturing. Frames become available on [Microphone.Frames]
// until the device fails or Close is called.
func (m *Microphone) Start() error {
	if err := m.stream.Start(); err != nil {
		return fmt.Errorf("%w: start input stream: %v", ErrDeviceUnavailable, err)
	}
	go m.readLoop()
	return nil
}

// readLoop owns the frames channel: it closes it on exit.
func (m *Microphone) readLoop() {
	defer close(m.frames)

	for {
		select {
		case <-m.done:
			return
		default:
		}

		if err := m.stream.Read(); err != nil {
			return
		}

		frame := make([]float32, len(m.buffer))
		copy(frame, m.buffer)

		select {
		case m.frames <- frame:
		case <-m.done:
			return
		}
	}
}

// Frames returns the captured frame stream.
func (m *Microphone) Frames() <-chan []float32 { return m.frames }

// Close stops capture and releases the device. Idempotent.
func (m *Microphone) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
		_ = m.stream.Abort()
		_ = m.stream.Close()
		_ = portaudio.Terminate()
	})
	return nil
}

// ── Speaker ────────────────────────────────────────────────────────────────────

// Speaker plays mono float32 samples through the default output device. Play
// appends samples to an internal queue that the audio callback drains; Flush
// empties the queue so interrupted speech stops within one hardware buffer.
type Speaker struct {
	stream *portaudio.Stream

	mu     sync.Mutex
	queue  []float32
	closed bool

	closeOnce sync.Once
}

// OpenSpeaker opens the default output device at the given sample rate and
// starts the output stream. The stream emits silence whenever the queue is
// empty.
func OpenSpeaker(sampleRate, frameSamples int) (*Speaker, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: initialize: %v", ErrDeviceUnavailable, err)
	}

	s := &Speaker{}
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(sampleRate), frameSamples, s.fill)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("%w: open output stream: %v", ErrDeviceUnavailable, err)
	}
	s.stream = stream

	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("%w: start output stream: %v", ErrDeviceUnavailable, err)
	}
	return s, nil
}

// fill is the PortAudio output callback. It must not block: it copies what
// the queue holds and pads the rest with silence.
func (s *Speaker) fill(out []float32) {
	s.mu.Lock()
	n := copy(out, s.queue)
	s.queue = s.queue[n:]
	s.mu.Unlock()

	for i := n; i < len(out); i++ {
		out[i] = 0
	}
}

// Play appends a chunk's samples to the output queue.
func (s *Speaker) Play(chunk pcm.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDeviceUnavailable
	}
	s.queue = append(s.queue, chunk.Samples...)
	return nil
}

// Flush discards every queued sample. Audio already handed to the hardware
// buffer finishes on its own; everything else is gone.
func (s *Speaker) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDeviceUnavailable
	}
	s.queue = s.queue[:0]
	return nil
}

// Close stops playback and releases the device. Idempotent.
func (s *Speaker) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.mu.Unlock()

		if s.stream != nil {
			_ = s.stream.Abort()
			_ = s.stream.Close()
		}
		_ = portaudio.Terminate()
	})
	return nil
}
