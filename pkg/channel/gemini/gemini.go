// Package gemini implements the channel interfaces for Google's Gemini Live
// API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Outbound audio and images travel as base64-encoded media chunks;
// inbound synthesised audio is surfaced still base64-encoded, leaving the
// decode (and its error handling) to the session core.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/voxkeeper/voxkeeper/pkg/channel"
)

// Compile-time assertions that Provider and liveChannel satisfy the channel
// interfaces.
var _ channel.Provider = (*Provider)(nil)
var _ channel.Channel = (*liveChannel)(nil)

const (
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider opens Gemini Live channels.
type Provider struct {
	apiKey  string
	baseURL string
}

// New creates a Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Open establishes a new Gemini Live channel. The returned channel is ready
// to accept audio immediately after the setup message has been sent.
func (p *Provider) Open(ctx context.Context, params channel.OpenParams) (channel.Channel, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, p.apiKey,
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}

	chCtx, chCancel := context.WithCancel(context.Background())
	ch := &liveChannel{
		conn:   conn,
		msgCh:  make(chan channel.Message, 64),
		done:   make(chan struct{}),
		ctx:    chCtx,
		cancel: chCancel,
	}

	if err := ch.sendSetup(params); err != nil {
		chCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	go ch.receiveLoop()
	go ch.keepaliveLoop()

	return ch, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model             string             `json:"model"`
	GenerationConfig  generationConfig   `json:"generationConfig"`
	SystemInstruction *systemInstruction `json:"systemInstruction,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn    *modelTurn `json:"modelTurn,omitempty"`
	TurnComplete bool       `json:"turnComplete,omitempty"`
	Interrupted  bool       `json:"interrupted,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

// ── liveChannel ────────────────────────────────────────────────────────────────

type liveChannel struct {
	conn  *websocket.Conn
	msgCh chan channel.Message

	mu     sync.Mutex
	closed bool

	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// sendSetup sends the initial BidiGenerateContent setup message.
func (c *liveChannel) sendSetup(params channel.OpenParams) error {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", params.Model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"audio"},
			},
		},
	}

	if params.Instruction != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: params.Instruction}},
		}
	}

	if params.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: params.Voice},
			},
		}
	}

	return c.writeJSON(c.ctx, msg)
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *liveChannel) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and dispatches them. It owns
// msgCh: it emits the final Closed message and closes the channel on exit.
func (c *liveChannel) receiveLoop() {
	var cause error

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			// A cancelled context or a normal closure is a clean shutdown.
			if c.ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				cause = err
			}
			break
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // skip malformed frames
		}

		c.handleServerMessage(&msg)
	}

	c.emit(channel.Message{Closed: true, Err: cause})
	c.closeOnce.Do(func() { close(c.msgCh) })
}

func (c *liveChannel) handleServerMessage(msg *serverMessage) {
	if msg.Error != nil {
		text := msg.Error.Message
		if text == "" {
			text = "unknown error"
		}
		c.emit(channel.Message{Err: fmt.Errorf("gemini: %s", text)})
	}
	if msg.ServerContent != nil {
		c.handleServerContent(msg.ServerContent)
	}
}

func (c *liveChannel) handleServerContent(sc *serverContent) {
	// The barge-in signal precedes any audio in the same frame: stale chunks
	// must be flushed before new speech is scheduled.
	if sc.Interrupted {
		c.emit(channel.Message{Interrupted: true})
	}
	if sc.ModelTurn == nil {
		return
	}
	for _, p := range sc.ModelTurn.Parts {
		if p.InlineData == nil || p.InlineData.Data == "" {
			continue
		}
		// Passed through still encoded; the consumer validates the decode.
		c.emit(channel.Message{Audio: p.InlineData.Data})
	}
}

// emit delivers one message unless the channel context has been cancelled.
func (c *liveChannel) emit(msg channel.Message) {
	select {
	case c.msgCh <- msg:
	case <-c.ctx.Done():
	}
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (c *liveChannel) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, keepaliveTimeout)
			_ = c.conn.Ping(pingCtx)
			cancel()
		}
	}
}

// ── Channel methods ────────────────────────────────────────────────────────────

// SendAudio delivers one raw PCM frame (16 kHz, s16le, mono) to the model.
func (c *liveChannel) SendAudio(ctx context.Context, data []byte) error {
	return c.sendChunk(ctx, mediaChunk{
		MIMEType: channel.MIMEAudioPCM16k,
		Data:     base64.StdEncoding.EncodeToString(data),
	})
}

// SendMedia delivers a non-audio payload, such as the priming scene image.
func (c *liveChannel) SendMedia(ctx context.Context, media channel.Media) error {
	return c.sendChunk(ctx, mediaChunk{
		MIMEType: media.MIMEType,
		Data:     base64.StdEncoding.EncodeToString(media.Data),
	})
}

func (c *liveChannel) sendChunk(ctx context.Context, chunk mediaChunk) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return channel.ErrChannelClosed
	}
	c.mu.Unlock()

	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{chunk},
		},
	}
	return c.writeJSON(ctx, msg)
}

// Messages returns the inbound stream from the model.
func (c *liveChannel) Messages() <-chan channel.Message { return c.msgCh }

// Close terminates the channel and releases all resources. Idempotent.
func (c *liveChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()    // unblocks receiveLoop and keepaliveLoop
	close(c.done) // signals keepaliveLoop via done channel
	c.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
