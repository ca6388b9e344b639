package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voxkeeper/voxkeeper/internal/script"
	"github.com/voxkeeper/voxkeeper/pkg/channel"
	"github.com/voxkeeper/voxkeeper/pkg/pcm"
	"github.com/voxkeeper/voxkeeper/pkg/playback"
)

// ── Fakes ─────────────────────────────────────────────────────────────────────

type fakeChannel struct {
	mu     sync.Mutex
	audio  [][]byte
	media  []channel.Media
	closed bool

	msgs      chan channel.Message
	closeOnce sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{msgs: make(chan channel.Message, 16)}
}

func (f *fakeChannel) SendAudio(_ context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return channel.ErrChannelClosed
	}
	f.audio = append(f.audio, data)
	return nil
}

func (f *fakeChannel) SendMedia(_ context.Context, media channel.Media) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return channel.ErrChannelClosed
	}
	f.media = append(f.media, media)
	return nil
}

func (f *fakeChannel) Messages() <-chan channel.Message { return f.msgs }

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.msgs) })
	return nil
}

func (f *fakeChannel) audioCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.audio)
}

func (f *fakeChannel) mediaCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.media)
}

type fakeProvider struct {
	mu     sync.Mutex
	ch     *fakeChannel
	err    error
	opens  int
	params channel.OpenParams
}

func (p *fakeProvider) Open(_ context.Context, params channel.OpenParams) (channel.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opens++
	p.params = params
	if p.err != nil {
		return nil, p.err
	}
	return p.ch, nil
}

type fakeSink struct {
	mu      sync.Mutex
	played  int
	flushes int
	fail    bool
}

func (s *fakeSink) Play(pcm.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("no output device")
	}
	s.played++
	return nil
}

func (s *fakeSink) playedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.played
}

func (s *fakeSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
	return nil
}

type manualClock struct {
	mu  sync.Mutex
	now time.Duration
}

func (c *manualClock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) set(d time.Duration) {
	c.mu.Lock()
	c.now = d
	c.mu.Unlock()
}

type fakeMic struct {
	frames chan []float32
}

func (m *fakeMic) Frames() <-chan []float32 { return m.frames }

// ── Helpers ───────────────────────────────────────────────────────────────────

type fixture struct {
	ctrl     *Controller
	provider *fakeProvider
	ch       *fakeChannel
	sink     *fakeSink
	clock    *manualClock
	mic      *fakeMic
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ch:    newFakeChannel(),
		sink:  &fakeSink{},
		clock: &manualClock{},
		mic:   &fakeMic{frames: make(chan []float32, 16)},
	}
	f.provider = &fakeProvider{ch: f.ch}
	f.ctrl = NewController(Config{
		Provider: f.provider,
		Sink:     f.sink,
		Clock:    f.clock,
		Mic:      f.mic,
		Model:    "gemini-2.0-flash-live-001",
		Voice:    "Charon",
		Persona:  "You are the keeper of a tabletop horror game.",
	})
	t.Cleanup(f.ctrl.Stop)
	return f
}

// scheduler returns the live scheduler of the active session.
func (f *fixture) scheduler(t *testing.T) *playback.Scheduler {
	t.Helper()
	f.ctrl.mu.Lock()
	defer f.ctrl.mu.Unlock()
	if f.ctrl.sched == nil {
		t.Fatal("no active scheduler")
	}
	return f.ctrl.sched
}

// encodedAudio produces transport text for n samples of silence.
func encodedAudio(n int) string {
	return pcm.ToTransportText(make([]byte, 2*n))
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

// startSession loads context and starts, failing the test on error.
func (f *fixture) startSession(t *testing.T, sc script.Context) {
	t.Helper()
	if err := f.ctrl.LoadContext(sc); err != nil {
		t.Fatalf("LoadContext: %v", err)
	}
	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

func TestStartRejectsEmptyContext(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if err := f.ctrl.LoadContext(script.Context{}); !errors.Is(err, ErrInvalidContext) {
		t.Errorf("LoadContext(empty) = %v, want ErrInvalidContext", err)
	}
	if err := f.ctrl.Start(context.Background()); !errors.Is(err, ErrInvalidContext) {
		t.Errorf("Start without context = %v, want ErrInvalidContext", err)
	}
	// Rejected before any I/O.
	if f.provider.opens != 0 {
		t.Errorf("provider opened %d times, want 0", f.provider.opens)
	}
	if got := f.ctrl.Status(); got != StatusIdle {
		t.Errorf("status = %v, want idle", got)
	}
}

func TestLoadContextMakesSessionStartable(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if err := f.ctrl.LoadContext(script.FromText("Cthulhu rules text", 0)); err != nil {
		t.Fatalf("LoadContext: %v", err)
	}
	if got := f.ctrl.Status(); got != StatusReady {
		t.Errorf("status after context = %v, want ready", got)
	}
}

func TestStartBuildsInstructionAndConnects(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.startSession(t, script.FromText("Cthulhu rules text", 0))

	if got := f.ctrl.Status(); got != StatusReady {
		t.Errorf("status after open = %v, want ready", got)
	}
	if f.ctrl.SessionID() == "" {
		t.Error("SessionID empty after start")
	}
	f.provider.mu.Lock()
	params := f.provider.params
	f.provider.mu.Unlock()
	if params.Model != "gemini-2.0-flash-live-001" || params.Voice != "Charon" {
		t.Errorf("open params = %+v", params)
	}
	if want := "Cthulhu rules text"; !strings.Contains(params.Instruction, want) {
		t.Errorf("instruction %q missing scene text", params.Instruction)
	}
}

func TestStartIsExclusive(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.startSession(t, script.FromText("scene", 0))
	if err := f.ctrl.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}
	if f.provider.opens != 1 {
		t.Errorf("provider opened %d times, want 1", f.provider.opens)
	}
}

func TestStartSendsPrimingImageOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	sc := script.FromText("scene", 0).WithImage([]byte{0xFF, 0xD8, 0x01})
	f.startSession(t, sc)

	if got := f.ch.mediaCount(); got != 1 {
		t.Fatalf("priming messages = %d, want 1", got)
	}
	f.ch.mu.Lock()
	media := f.ch.media[0]
	f.ch.mu.Unlock()
	if media.MIMEType != channel.MIMEImageJPEG {
		t.Errorf("priming mime = %q, want %q", media.MIMEType, channel.MIMEImageJPEG)
	}
}

func TestOpenFailureIsTerminalAndSendsNothing(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.provider.err = errors.New("dial tcp: connection refused")

	// Frames are already waiting; none may reach the wire.
	f.mic.frames <- make([]float32, 4096)

	if err := f.ctrl.LoadContext(script.FromText("scene", 0)); err != nil {
		t.Fatal(err)
	}
	err := f.ctrl.SetMicEnabled(context.Background(), true)
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("SetMicEnabled = %v, want ErrConnectionFailed", err)
	}

	if got := f.ctrl.Status(); got != StatusError {
		t.Errorf("status = %v, want error", got)
	}
	time.Sleep(20 * time.Millisecond)
	if got := f.ch.audioCount(); got != 0 {
		t.Errorf("%d frames sent after failed open, want 0", got)
	}
}

func TestStopResetsToIdle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.startSession(t, script.FromText("scene", 0))
	if err := f.ctrl.SetMicEnabled(context.Background(), true); err != nil {
		t.Fatal(err)
	}

	f.ctrl.Stop()

	if got := f.ctrl.Status(); got != StatusIdle {
		t.Errorf("status after Stop = %v, want idle", got)
	}
	if f.ctrl.MicEnabled() {
		t.Error("microphone still enabled after Stop")
	}
	if f.ctrl.SessionID() != "" {
		t.Error("SessionID not cleared after Stop")
	}
}

func TestRemoteCloseReturnsToIdle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.startSession(t, script.FromText("scene", 0))
	f.ch.msgs <- channel.Message{Closed: true}

	eventually(t, func() bool { return f.ctrl.Status() == StatusIdle },
		"status never returned to idle after remote close")
	if f.ctrl.MicEnabled() {
		t.Error("microphone still enabled after remote close")
	}
}

func TestAbruptCloseIsSticky(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.startSession(t, script.FromText("scene", 0))
	f.ch.msgs <- channel.Message{Closed: true, Err: errors.New("backend exploded")}

	eventually(t, func() bool { return f.ctrl.Status() == StatusError },
		"status never reached error after abrupt close")
	if line := f.ctrl.StatusLine(); !strings.Contains(line, "backend exploded") {
		t.Errorf("StatusLine = %q, want failure detail", line)
	}

	// Sticky until explicit reset.
	f.ctrl.Stop()
	if got := f.ctrl.Status(); got != StatusIdle {
		t.Errorf("status after reset = %v, want idle", got)
	}
}

func TestStartAfterFatalFailureRecovers(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.startSession(t, script.FromText("scene", 0))
	f.ch.msgs <- channel.Message{Closed: true, Err: errors.New("backend exploded")}
	eventually(t, func() bool { return f.ctrl.Status() == StatusError },
		"status never reached error after abrupt close")

	// Fresh transport for the second connect.
	f.ch = newFakeChannel()
	f.provider.mu.Lock()
	f.provider.ch = f.ch
	f.provider.mu.Unlock()

	// A deliberate restart clears the sticky error and produces a session
	// whose status tracks the lifecycle again.
	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start after failure: %v", err)
	}
	if got := f.ctrl.Status(); got != StatusReady {
		t.Errorf("status after restart = %v, want ready", got)
	}
	if f.ctrl.SessionID() == "" {
		t.Error("restarted session has no id")
	}

	f.clock.set(0)
	f.ch.msgs <- channel.Message{Audio: encodedAudio(120000)} // 5s at 24 kHz
	eventually(t, func() bool { return f.ctrl.Status() == StatusSpeaking },
		"restarted session never reached speaking")
}

// ── Inbound audio scheduling ──────────────────────────────────────────────────

func TestInboundChunksScheduleBackToBack(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.startSession(t, script.FromText("Cthulhu rules text", 0))
	sched := f.scheduler(t)

	// First chunk (5s at 24 kHz) arrives at t=0.
	f.clock.set(0)
	f.ch.msgs <- channel.Message{Audio: encodedAudio(5 * 24000)}
	eventually(t, func() bool { return sched.PendingCount() == 1 },
		"first chunk never scheduled")
	if got := f.ctrl.Status(); got != StatusSpeaking {
		t.Errorf("status = %v, want speaking", got)
	}
	if got, want := sched.NextStartTime(), 5*time.Second; got != want {
		t.Errorf("NextStartTime = %v, want %v", got, want)
	}

	// Second chunk (3s) arrives early, at t=100ms: it must be scheduled at
	// the cursor, not at its arrival time.
	f.clock.set(100 * time.Millisecond)
	f.ch.msgs <- channel.Message{Audio: encodedAudio(3 * 24000)}
	eventually(t, func() bool { return sched.PendingCount() == 2 },
		"second chunk never scheduled")
	if got, want := sched.NextStartTime(), 8*time.Second; got != want {
		t.Errorf("NextStartTime = %v, want %v", got, want)
	}
}

func TestMalformedChunkIsIsolated(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.startSession(t, script.FromText("scene", 0))
	sched := f.scheduler(t)

	f.ch.msgs <- channel.Message{Audio: encodedAudio(5 * 24000)}
	eventually(t, func() bool { return sched.PendingCount() == 1 }, "valid chunk not scheduled")

	// Not valid transport text: dropped, session unaffected.
	f.ch.msgs <- channel.Message{Audio: "!!!not-base64!!!"}
	// A next valid chunk still schedules relative to the prior valid one.
	f.ch.msgs <- channel.Message{Audio: encodedAudio(3 * 24000)}

	eventually(t, func() bool { return sched.PendingCount() == 2 },
		"valid chunk after malformed one not scheduled")
	if got, want := sched.NextStartTime(), 8*time.Second; got != want {
		t.Errorf("NextStartTime = %v, want %v", got, want)
	}
	if got := f.ctrl.Status(); got != StatusSpeaking {
		t.Errorf("status = %v, want speaking (malformed chunk must not affect it)", got)
	}
}

func TestInterruptionFlushesAndLandsOnListening(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.startSession(t, script.FromText("scene", 0))
	if err := f.ctrl.SetMicEnabled(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	sched := f.scheduler(t)

	f.ch.msgs <- channel.Message{Audio: encodedAudio(5 * 24000)}
	f.ch.msgs <- channel.Message{Audio: encodedAudio(5 * 24000)}
	eventually(t, func() bool { return sched.PendingCount() == 2 }, "chunks not scheduled")

	f.ch.msgs <- channel.Message{Interrupted: true}

	eventually(t, func() bool { return sched.PendingCount() == 0 }, "pending not flushed")
	if got := sched.NextStartTime(); got != 0 {
		t.Errorf("NextStartTime after interruption = %v, want 0", got)
	}
	eventually(t, func() bool { return f.ctrl.Status() == StatusListening },
		"status after interruption should be listening while mic is on")
}

func TestInterruptionWithMicOffLandsOnReady(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.startSession(t, script.FromText("scene", 0))
	sched := f.scheduler(t)

	f.ch.msgs <- channel.Message{Audio: encodedAudio(5 * 24000)}
	eventually(t, func() bool { return sched.PendingCount() == 1 }, "chunk not scheduled")

	f.ch.msgs <- channel.Message{Interrupted: true}
	eventually(t, func() bool { return f.ctrl.Status() == StatusReady },
		"status after interruption should be ready while mic is off")
}

func TestSpeakingEndsWhenPlaybackDrains(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.startSession(t, script.FromText("scene", 0))
	if err := f.ctrl.SetMicEnabled(context.Background(), true); err != nil {
		t.Fatal(err)
	}

	// Short chunk: 50ms. The completion timer runs on real time.
	f.ch.msgs <- channel.Message{Audio: encodedAudio(1200)}
	eventually(t, func() bool { return f.ctrl.Status() == StatusSpeaking }, "never reached speaking")
	eventually(t, func() bool { return f.ctrl.Status() == StatusListening },
		"never drained back to listening")
}

func TestTinyChunkSettlesToReady(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.startSession(t, script.FromText("scene", 0))

	// Single-sample chunk: its completion timer fires almost immediately,
	// so the speaking transition must land before the idle one and must
	// not be able to strand the status on speaking with nothing pending.
	f.ch.msgs <- channel.Message{Audio: encodedAudio(1)}
	eventually(t, func() bool { return f.sink.playedCount() == 1 },
		"chunk never reached the sink")
	eventually(t, func() bool { return f.ctrl.Status() == StatusReady },
		"status never settled back to ready after a tiny chunk")
}

func TestPlaybackFailureIsFatal(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.startSession(t, script.FromText("scene", 0))
	f.sink.mu.Lock()
	f.sink.fail = true
	f.sink.mu.Unlock()

	f.ch.msgs <- channel.Message{Audio: encodedAudio(24000)}

	eventually(t, func() bool { return f.ctrl.Status() == StatusError },
		"dead playback device should be terminal")
}

// ── Microphone path ───────────────────────────────────────────────────────────

func TestMicTogglePathStartsSessionAndForwardsFrames(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if err := f.ctrl.LoadContext(script.FromText("scene", 0)); err != nil {
		t.Fatal(err)
	}
	if err := f.ctrl.SetMicEnabled(context.Background(), true); err != nil {
		t.Fatalf("SetMicEnabled: %v", err)
	}

	if f.provider.opens != 1 {
		t.Errorf("provider opened %d times, want 1 (mic toggle connects)", f.provider.opens)
	}
	if got := f.ctrl.Status(); got != StatusListening {
		t.Errorf("status = %v, want listening", got)
	}

	f.mic.frames <- make([]float32, 4096)
	f.mic.frames <- make([]float32, 4096)
	eventually(t, func() bool { return f.ch.audioCount() == 2 },
		"frames never reached the channel")

	// Each frame is 16-bit PCM of its 4096 samples.
	f.ch.mu.Lock()
	frameLen := len(f.ch.audio[0])
	f.ch.mu.Unlock()
	if frameLen != 2*4096 {
		t.Errorf("frame length = %d bytes, want %d", frameLen, 2*4096)
	}
}

func TestFramesWhileMutedAreDropped(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.startSession(t, script.FromText("scene", 0))

	// Mic never enabled: frames flow into the pipeline and die there.
	f.mic.frames <- make([]float32, 4096)
	f.mic.frames <- make([]float32, 4096)
	time.Sleep(30 * time.Millisecond)
	if got := f.ch.audioCount(); got != 0 {
		t.Errorf("%d frames sent while muted, want 0", got)
	}

	// The very next frame after enabling goes out.
	if err := f.ctrl.SetMicEnabled(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	f.mic.frames <- make([]float32, 4096)
	eventually(t, func() bool { return f.ch.audioCount() == 1 },
		"frame after unmute never sent")
}

func TestMicOffWhileListeningReturnsToReady(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.startSession(t, script.FromText("scene", 0))
	if err := f.ctrl.SetMicEnabled(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	if err := f.ctrl.SetMicEnabled(context.Background(), false); err != nil {
		t.Fatal(err)
	}

	if got := f.ctrl.Status(); got != StatusReady {
		t.Errorf("status = %v, want ready", got)
	}
	if f.ctrl.MicEnabled() {
		t.Error("mic flag still set")
	}
}
