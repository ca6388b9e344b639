// Package pcm converts between floating-point audio samples and the 16-bit
// little-endian linear PCM framing used on the wire, and between raw PCM
// bytes and the base64 transport text carried inside channel messages.
//
// The package is deliberately free of I/O and goroutines: every function is a
// pure transformation, so it can sit on both the capture hot path (float
// frames → wire bytes) and the playback hot path (wire bytes → float chunks)
// without synchronisation.
package pcm

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

// ErrMalformedPayload reports that an inbound transport payload could not be
// decoded into PCM. Callers are expected to drop the offending payload and
// continue; a single bad chunk never terminates a session.
var ErrMalformedPayload = errors.New("pcm: malformed transport payload")

// Chunk is one decoded unit of synthesised speech received from the remote
// agent: floating-point samples in [-1, 1] plus the playback duration they
// represent. A Chunk is immutable after creation and is consumed exactly once
// by the playback scheduler.
type Chunk struct {
	// Samples holds interleaved float samples in the range [-1, 1].
	Samples []float32

	// SampleRate in Hz (e.g. 24000 for Gemini Live output audio).
	SampleRate int

	// Channels is the interleaved channel count. 1 for mono.
	Channels int

	// Duration is the wall-clock playback length of Samples.
	Duration time.Duration
}

// FloatToPCM16 converts float samples in [-1, 1] to 16-bit little-endian
// signed PCM. Each sample is scaled by 32768 and truncated; there is no
// dithering and no clamping. Out-of-range input (including exactly +1.0,
// which scales to 32768) wraps around per two's-complement truncation — a
// known edge case of the wire format, reproduced here rather than corrected.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		// Truncate through int32 first so out-of-range values wrap
		// deterministically instead of hitting Go's unspecified
		// float-to-int16 overflow behaviour.
		v := int16(int32(s * 32768))
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// BytesToChunk reinterprets raw bytes as 16-bit little-endian PCM, rescales
// each sample to [-1, 1], and records the chunk duration as frame count over
// sample rate. An odd byte count cannot be framed as int16 samples and is
// rejected with [ErrMalformedPayload].
func BytesToChunk(data []byte, sampleRate, channels int) (Chunk, error) {
	if sampleRate <= 0 {
		return Chunk{}, fmt.Errorf("pcm: invalid sample rate %d", sampleRate)
	}
	if channels <= 0 {
		channels = 1
	}
	if len(data)%2 != 0 {
		return Chunk{}, fmt.Errorf("pcm: %d bytes is not int16-aligned: %w", len(data), ErrMalformedPayload)
	}

	samples := make([]float32, len(data)/2)
	for i := range samples {
		v := int16(data[i*2]) | int16(data[i*2+1])<<8
		samples[i] = float32(v) / 32768.0
	}

	frames := len(samples) / channels
	return Chunk{
		Samples:    samples,
		SampleRate: sampleRate,
		Channels:   channels,
		Duration:   time.Duration(frames) * time.Second / time.Duration(sampleRate),
	}, nil
}

// ToTransportText encodes raw bytes into the transport-safe text form used in
// channel messages. The encoding is deterministic and reversible via
// [FromTransportText]; no size limit is enforced.
func ToTransportText(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// FromTransportText decodes transport text back into raw bytes. Invalid
// encoding fails with an error wrapping [ErrMalformedPayload].
func FromTransportText(text string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("pcm: decode transport text: %v: %w", err, ErrMalformedPayload)
	}
	return data, nil
}
