// Package channel defines the realtime media transport boundary.
//
// The session core never dials anything itself: it is handed a [Provider],
// opens a [Channel] through it, and from then on only pushes outbound media
// and drains one inbound message stream. Everything protocol-specific lives
// behind these interfaces, in implementations such as
// [github.com/voxkeeper/voxkeeper/pkg/channel/gemini].
package channel

import (
	"context"
	"errors"
)

// MIME types for outbound media. Microphone audio is always 16 kHz signed
// 16-bit little-endian mono PCM; scene images are JPEG.
const (
	MIMEAudioPCM16k = "audio/pcm;rate=16000"
	MIMEImageJPEG   = "image/jpeg"
)

// ErrChannelClosed reports a send on a channel that has already been closed,
// locally or by the remote end.
var ErrChannelClosed = errors.New("channel: closed")

// Message is one inbound event from the remote session. Exactly the fields
// relevant to the event are set: synthesised audio arrives in Audio as
// base64-encoded PCM, a barge-in notification sets Interrupted, and the final
// message of the stream sets Closed (with Err carrying the cause, if any).
type Message struct {
	Audio       string
	Interrupted bool
	Closed      bool
	Err         error
}

// Media is an outbound non-audio payload, such as the scene image sent while
// priming a session.
type Media struct {
	MIMEType string
	Data     []byte
}

// OpenParams carries everything a provider needs to establish one session.
type OpenParams struct {
	// Model names the remote realtime model.
	Model string
	// Voice selects the synthesised voice; empty means provider default.
	Voice string
	// Instruction is the full system instruction, already assembled from
	// persona and scene context.
	Instruction string
}

// Channel is one live bidirectional media session. Implementations must be
// safe for concurrent use: sends may race with the inbound stream.
type Channel interface {
	// SendAudio transmits one frame of raw 16 kHz s16le mono PCM.
	SendAudio(ctx context.Context, data []byte) error

	// SendMedia transmits a non-audio payload, such as a priming image.
	SendMedia(ctx context.Context, media Media) error

	// Messages returns the inbound stream. The channel is closed after the
	// Closed message has been delivered.
	Messages() <-chan Message

	// Close tears the session down. Idempotent; safe to call concurrently
	// with sends.
	Close() error
}

// Provider opens channels to one remote realtime service.
type Provider interface {
	Open(ctx context.Context, params OpenParams) (Channel, error)
}
