// Package session owns the realtime voice session: its status machine, its
// lifecycle, and the wiring between microphone capture, the media channel,
// and playback scheduling.
//
// A [Controller] is the single mutation point for everything a session
// shares across goroutines. Inbound messages, capture frames, and user
// commands all funnel into it; the one exception is the microphone flag,
// which the capture pipeline reads atomically on every frame.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/voxkeeper/voxkeeper/internal/observe"
	"github.com/voxkeeper/voxkeeper/internal/script"
	"github.com/voxkeeper/voxkeeper/pkg/capture"
	"github.com/voxkeeper/voxkeeper/pkg/channel"
	"github.com/voxkeeper/voxkeeper/pkg/pcm"
	"github.com/voxkeeper/voxkeeper/pkg/playback"
)

const (
	// defaultOutputSampleRate is the sample rate of synthesised speech.
	defaultOutputSampleRate = 24000

	// defaultQueueDepth bounds the outbound frame queue. A full queue drops
	// the newest frame so capture never blocks on network I/O.
	defaultQueueDepth = 32
)

// Config wires a [Controller] to its collaborators. Provider and Sink are
// required; everything else has a usable default.
type Config struct {
	// Provider opens the media channel to the remote agent.
	Provider channel.Provider

	// Sink is the playback device.
	Sink playback.Sink

	// Clock times playback scheduling. Defaults to a monotonic clock
	// started when the Controller is created.
	Clock playback.Clock

	// Mic is the microphone frame source. Nil disables capture, which is
	// useful in tests and for playback-only runs.
	Mic capture.Source

	// Model names the remote realtime model.
	Model string

	// Voice selects the synthesised voice.
	Voice string

	// Persona is the fixed rules text prepended to every system
	// instruction.
	Persona string

	// OutputSampleRate is the sample rate of inbound audio. Defaults to
	// 24000.
	OutputSampleRate int

	// QueueDepth bounds the outbound frame queue. Defaults to 32.
	QueueDepth int

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics may be nil, in which case nothing is recorded.
	Metrics *observe.Metrics
}

// Controller orchestrates one voice session at a time: open and close,
// microphone gating, inbound routing, interruption, and the error taxonomy.
// All exported methods are safe for concurrent use.
type Controller struct {
	provider   channel.Provider
	sink       playback.Sink
	clock      playback.Clock
	micSrc     capture.Source
	model      string
	voice      string
	persona    string
	outputRate int
	queueDepth int
	log        *slog.Logger
	metrics    *observe.Metrics

	machine *Machine

	// mic is the only field read from the capture side; everything else is
	// mutated under mu.
	mic atomic.Bool

	mu        sync.Mutex
	started   bool
	sceneCtx  script.Context
	ch        channel.Channel
	sched     *playback.Scheduler
	cancel    context.CancelFunc
	group     *errgroup.Group
	sessionID string
	errMsg    string
}

// wallClock is the default playback clock: monotonic time since creation.
type wallClock struct {
	start time.Time
}

func (w wallClock) Now() time.Duration { return time.Since(w.start) }

// NewController creates a Controller in [StatusIdle].
func NewController(cfg Config) *Controller {
	c := &Controller{
		provider:   cfg.Provider,
		sink:       cfg.Sink,
		clock:      cfg.Clock,
		micSrc:     cfg.Mic,
		model:      cfg.Model,
		voice:      cfg.Voice,
		persona:    cfg.Persona,
		outputRate: cfg.OutputSampleRate,
		queueDepth: cfg.QueueDepth,
		log:        cfg.Logger,
		metrics:    cfg.Metrics,
	}
	if c.clock == nil {
		c.clock = wallClock{start: time.Now()}
	}
	if c.outputRate <= 0 {
		c.outputRate = defaultOutputSampleRate
	}
	if c.queueDepth <= 0 {
		c.queueDepth = defaultQueueDepth
	}
	if c.log == nil {
		c.log = slog.Default()
	}

	c.machine = NewMachine(WithChangeFunc(func(old, now Status, ev Event) {
		c.log.Info("session status changed",
			"from", old.String(), "to", now.String(), "event", ev.String())
		if c.metrics != nil {
			c.metrics.RecordStatusTransition(context.Background(), old.String(), now.String())
		}
	}))
	return c
}

// Status returns the current session status.
func (c *Controller) Status() Status { return c.machine.Status() }

// StatusLine derives the user-facing label for the current status.
func (c *Controller) StatusLine() string {
	c.mu.Lock()
	errMsg := c.errMsg
	c.mu.Unlock()
	return StatusText(c.machine.Status(), errMsg)
}

// MicEnabled reports the microphone flag.
func (c *Controller) MicEnabled() bool { return c.mic.Load() }

// SessionID returns the identifier of the active session, or "" when none.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// LoadContext stores the scene context used by the next start. Supplying
// context to an idle session makes it startable.
func (c *Controller) LoadContext(sc script.Context) error {
	if sc.Empty() {
		return ErrInvalidContext
	}
	c.mu.Lock()
	c.sceneCtx = sc
	c.mu.Unlock()

	c.machine.Apply(EventContextLoaded, c.mic.Load())
	return nil
}

// Start opens a session using the stored scene context: it dials the
// channel with the assembled system instruction, sends the priming image if
// one was supplied, and starts the receive, send, and capture goroutines.
// Fails with [ErrInvalidContext] before any I/O when no context is loaded.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	sc := c.sceneCtx
	if sc.Empty() {
		c.mu.Unlock()
		return ErrInvalidContext
	}
	c.started = true
	c.mu.Unlock()

	// A deliberate restart clears a previous fatal failure; without the
	// reset the sticky error state would swallow every lifecycle event the
	// new session emits.
	if c.machine.Status() == StatusError {
		c.machine.Apply(EventReset, c.mic.Load())
	}

	c.machine.Apply(EventConnectStart, c.mic.Load())

	ch, err := c.provider.Open(ctx, channel.OpenParams{
		Model:       c.model,
		Voice:       c.voice,
		Instruction: script.BuildInstruction(c.persona, sc),
	})
	if err != nil {
		c.failStart(fmt.Errorf("%w: %v", ErrConnectionFailed, err))
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	// Priming image, once, before any audio exchange.
	if len(sc.Image) > 0 {
		if err := ch.SendMedia(ctx, channel.Media{
			MIMEType: channel.MIMEImageJPEG,
			Data:     sc.Image,
		}); err != nil {
			_ = ch.Close()
			c.failStart(fmt.Errorf("%w: send priming image: %v", ErrConnectionFailed, err))
			return fmt.Errorf("%w: send priming image: %v", ErrConnectionFailed, err)
		}
	}

	sched := playback.New(c.sink, c.clock,
		playback.WithIdleFunc(c.onPlaybackIdle),
		playback.WithErrorFunc(c.onPlaybackError),
	)

	sessCtx, cancel := context.WithCancel(context.Background())
	group, loopCtx := errgroup.WithContext(sessCtx)
	outbound := make(chan []byte, c.queueDepth)
	sessionID := uuid.NewString()

	c.mu.Lock()
	c.ch = ch
	c.sched = sched
	c.cancel = cancel
	c.group = group
	c.sessionID = sessionID
	c.errMsg = ""
	c.mu.Unlock()

	c.machine.Apply(EventConnected, c.mic.Load())
	if c.metrics != nil {
		c.metrics.ActiveSessions.Add(ctx, 1)
	}
	c.log.Info("session started",
		"session_id", sessionID, "model", c.model,
		"image_primed", len(sc.Image) > 0)

	group.Go(func() error { return c.receiveLoop(loopCtx, ch, sched) })
	group.Go(func() error { return c.sendLoop(loopCtx, ch, outbound) })
	if c.micSrc != nil {
		pipeline := capture.New(c.micSrc, &c.mic, c.queueFrame(outbound))
		group.Go(func() error {
			err := pipeline.Run(loopCtx)
			if err != nil && loopCtx.Err() == nil {
				return err
			}
			return nil
		})
	}
	return nil
}

// failStart rolls back a start that never produced a live session.
func (c *Controller) failStart(err error) {
	c.mu.Lock()
	c.started = false
	c.errMsg = err.Error()
	c.mu.Unlock()

	c.machine.Apply(EventFailure, false)
	c.log.Error("session start failed", "error", err)
}

// SetMicEnabled flips the microphone flag. Enabling the microphone with no
// active session runs the full start path first, so a single toggle takes an
// idle-with-context session all the way to listening.
func (c *Controller) SetMicEnabled(ctx context.Context, on bool) error {
	if !on {
		c.mic.Store(false)
		c.machine.Apply(EventMicOff, false)
		return nil
	}

	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		if err := c.Start(ctx); err != nil {
			return err
		}
	}

	c.mic.Store(true)
	c.machine.Apply(EventMicOn, true)
	return nil
}

// Stop tears the session down: closes the channel, flushes playback, drops
// the microphone flag, and resets to [StatusIdle]. It is also the explicit
// reset out of [StatusError]. Idempotent.
func (c *Controller) Stop() {
	c.mu.Lock()
	ch, sched, cancel, group := c.ch, c.sched, c.cancel, c.group
	wasStarted := c.started
	c.ch, c.sched, c.cancel, c.group = nil, nil, nil, nil
	c.started = false
	c.sessionID = ""
	c.errMsg = ""
	c.mu.Unlock()

	c.mic.Store(false)

	if sched != nil {
		sched.Flush()
		sched.Close()
	}
	if ch != nil {
		_ = ch.Close()
	}
	if cancel != nil {
		cancel()
	}
	if group != nil {
		_ = group.Wait()
	}

	c.machine.Apply(EventReset, false)
	if wasStarted {
		if c.metrics != nil {
			c.metrics.ActiveSessions.Add(context.Background(), -1)
		}
		c.log.Info("session stopped")
	}
}

// queueFrame returns the capture forwarder: encode the frame, queue it for
// the send loop, and drop the newest frame when the queue is full so the
// audio callback path never blocks.
func (c *Controller) queueFrame(outbound chan<- []byte) capture.SendFunc {
	return func(ctx context.Context, frame []float32) error {
		data := pcm.FloatToPCM16(frame)
		select {
		case outbound <- data:
		default:
			if c.metrics != nil {
				c.metrics.RecordFrameDropped(ctx, "overflow")
			}
			c.log.Warn("outbound queue full, frame dropped")
		}
		return nil
	}
}

// sendLoop drains queued frames to the channel in capture order.
func (c *Controller) sendLoop(ctx context.Context, ch channel.Channel, outbound <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case data := <-outbound:
			if err := ch.SendAudio(ctx, data); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				c.fatal(fmt.Errorf("send audio frame: %w", err))
				return nil
			}
			if c.metrics != nil {
				c.metrics.FramesForwarded.Add(ctx, 1)
			}
		}
	}
}

// receiveLoop drains the inbound message stream until the channel closes.
func (c *Controller) receiveLoop(ctx context.Context, ch channel.Channel, sched *playback.Scheduler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch.Messages():
			if !ok {
				return nil
			}
			if done := c.handleMessage(ctx, msg, sched); done {
				return nil
			}
		}
	}
}

// handleMessage routes one inbound message. Returns true when the stream has
// ended and the loop should exit.
func (c *Controller) handleMessage(ctx context.Context, msg channel.Message, sched *playback.Scheduler) bool {
	if msg.Closed {
		if msg.Err != nil {
			c.fatal(fmt.Errorf("channel closed: %w", msg.Err))
		} else {
			c.onRemoteClose()
		}
		return true
	}
	if msg.Err != nil {
		c.fatal(msg.Err)
		return true
	}

	if msg.Interrupted {
		sched.Flush()
		c.machine.Apply(EventPlaybackIdle, c.mic.Load())
		if c.metrics != nil {
			c.metrics.Interruptions.Add(ctx, 1)
		}
		c.log.Info("playback interrupted by server")
	}

	if msg.Audio != "" {
		c.handleAudio(ctx, msg.Audio, sched)
	}
	return false
}

// handleAudio decodes and schedules one inbound chunk. Decode failures are
// isolated: the chunk is dropped and logged, the session continues, and the
// next valid chunk schedules relative to prior valid chunks.
func (c *Controller) handleAudio(ctx context.Context, encoded string, sched *playback.Scheduler) {
	raw, err := pcm.FromTransportText(encoded)
	if err != nil {
		c.dropChunk(ctx, err)
		return
	}
	chunk, err := pcm.BytesToChunk(raw, c.outputRate, 1)
	if err != nil {
		c.dropChunk(ctx, err)
		return
	}

	// Jitter the cursor is about to absorb: how far ahead of the clock the
	// chunk will start.
	wait := max(0, sched.NextStartTime()-c.clock.Now())

	// Speaking must be observable before the chunk's completion timer can
	// fire the matching playback-idle event; a short chunk completes almost
	// immediately.
	c.machine.Apply(EventAudioArrived, c.mic.Load())

	if _, err := sched.Enqueue(chunk); err != nil {
		c.fatal(err)
		return
	}
	if c.metrics != nil {
		c.metrics.ChunksScheduled.Add(ctx, 1)
		c.metrics.ScheduleDelay.Record(ctx, wait.Seconds())
	}
}

func (c *Controller) dropChunk(ctx context.Context, err error) {
	if c.metrics != nil {
		c.metrics.ChunksDropped.Add(ctx, 1)
	}
	c.log.Warn("inbound chunk dropped", "error", err)
}

// onPlaybackIdle fires when the pending set drains naturally.
func (c *Controller) onPlaybackIdle() {
	c.machine.Apply(EventPlaybackIdle, c.mic.Load())
}

// onPlaybackError fires when a deferred play hits a dead device.
func (c *Controller) onPlaybackError(err error) {
	c.fatal(err)
}

// onRemoteClose handles a clean server-side close: release the session and
// return to idle.
func (c *Controller) onRemoteClose() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	ch, sched, cancel := c.ch, c.sched, c.cancel
	c.ch, c.sched, c.cancel, c.group = nil, nil, nil, nil
	c.started = false
	c.sessionID = ""
	c.mu.Unlock()

	c.mic.Store(false)
	if sched != nil {
		sched.Flush()
		sched.Close()
	}
	if ch != nil {
		_ = ch.Close()
	}
	if cancel != nil {
		cancel()
	}

	c.machine.Apply(EventChannelClosed, false)
	if c.metrics != nil {
		c.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	c.log.Info("session closed by remote")
}

// fatal handles an unrecoverable session failure: tear everything down and
// stick in [StatusError] until an explicit Stop.
func (c *Controller) fatal(err error) {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.errMsg = err.Error()
	ch, sched, cancel := c.ch, c.sched, c.cancel
	c.ch, c.sched, c.cancel, c.group = nil, nil, nil, nil
	c.started = false
	c.mu.Unlock()

	c.mic.Store(false)
	c.machine.Apply(EventFailure, false)

	if sched != nil {
		sched.Flush()
		sched.Close()
	}
	if ch != nil {
		_ = ch.Close()
	}
	if cancel != nil {
		cancel()
	}

	if c.metrics != nil {
		c.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	c.log.Error("session failed", "error", err)
}
