// Package capture moves microphone frames from an audio source to the
// network, gated by a single shared switch.
//
// The mute switch is the only piece of state shared between the audio
// callback side and the session side, and it is an atomic read per frame: a
// disabled microphone drops every frame before any encoding or network work
// happens, so nothing captured while muted can ever leave the process.
package capture

import (
	"context"
	"fmt"
	"sync/atomic"
)

// Source produces captured microphone frames. The channel is closed when the
// source stops, either deliberately or because the device failed.
type Source interface {
	Frames() <-chan []float32
}

// SendFunc forwards one enabled frame toward the remote session.
type SendFunc func(ctx context.Context, frame []float32) error

// Pipeline drains a [Source] and forwards frames while the shared enabled
// flag is set. Frames that arrive while the flag is clear are counted and
// discarded; the very next frame after the flag flips is forwarded, with no
// partial-frame handling.
type Pipeline struct {
	src     Source
	enabled *atomic.Bool
	send    SendFunc

	forwarded atomic.Uint64
	dropped   atomic.Uint64
}

// New creates a Pipeline. The enabled flag is shared with whoever controls
// the mute state; the pipeline only ever reads it.
func New(src Source, enabled *atomic.Bool, send SendFunc) *Pipeline {
	return &Pipeline{src: src, enabled: enabled, send: send}
}

// Run drains the source until ctx is cancelled, the source closes its frame
// channel, or a forward fails. A nil return means the source ended normally.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-p.src.Frames():
			if !ok {
				return nil
			}
			if !p.enabled.Load() {
				p.dropped.Add(1)
				continue
			}
			if err := p.send(ctx, frame); err != nil {
				return fmt.Errorf("forward captured frame: %w", err)
			}
			p.forwarded.Add(1)
		}
	}
}

// Forwarded reports how many frames have been sent upstream.
func (p *Pipeline) Forwarded() uint64 { return p.forwarded.Load() }

// Dropped reports how many frames were discarded while the microphone was
// disabled.
func (p *Pipeline) Dropped() uint64 { return p.dropped.Load() }
