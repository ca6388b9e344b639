// Package script ingests the scene material a session is primed with: the
// rules or adventure text the agent should speak from, and optionally one
// scene image. The result is an immutable [Context] handed to the session
// controller before any connection is made.
package script

import (
	"bytes"
	"fmt"
	"os"
	"strings"
)

// jpegMagic is the SOI marker every JPEG file starts with.
var jpegMagic = []byte{0xFF, 0xD8}

// DefaultMaxPreviewChars bounds how much scene text is embedded into the
// system instruction. Long rulebooks are truncated, not rejected.
const DefaultMaxPreviewChars = 8000

// Context is the immutable scene input for one session: bounded text and at
// most one JPEG image. It is read-only to the session core.
type Context struct {
	// Text is the scene text, already truncated to the preview bound.
	Text string

	// Image is a raw JPEG payload sent once as a priming message after the
	// channel opens. Nil when no image was supplied.
	Image []byte
}

// Empty reports whether the context carries neither text nor image. An empty
// context cannot start a session.
func (c Context) Empty() bool {
	return strings.TrimSpace(c.Text) == "" && len(c.Image) == 0
}

// FromText builds a Context from raw scene text, truncating to at most
// maxChars characters. maxChars <= 0 applies [DefaultMaxPreviewChars].
func FromText(text string, maxChars int) Context {
	return Context{Text: truncate(text, maxChars)}
}

// LoadText reads a scene text file and bounds it to maxChars characters.
func LoadText(path string, maxChars int) (Context, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Context{}, fmt.Errorf("read scene text: %w", err)
	}
	return FromText(string(data), maxChars), nil
}

// LoadImage reads a JPEG scene image. Other formats are rejected up front so
// a bad payload never reaches the wire.
func LoadImage(path string) (Context, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Context{}, fmt.Errorf("read scene image: %w", err)
	}
	if !bytes.HasPrefix(data, jpegMagic) {
		return Context{}, fmt.Errorf("scene image %s is not a JPEG", path)
	}
	return Context{Image: data}, nil
}

// WithImage returns a copy of c carrying the given JPEG payload.
func (c Context) WithImage(image []byte) Context {
	c.Image = image
	return c
}

// truncate bounds s to max runes without splitting a rune.
func truncate(s string, max int) string {
	if max <= 0 {
		max = DefaultMaxPreviewChars
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

// BuildInstruction assembles the system instruction for a session: the
// persona rules first, then the scene text, then a note about the scene
// image when one will follow as a priming message. The output is
// deterministic for a given persona and context.
func BuildInstruction(persona string, c Context) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(persona))

	if text := strings.TrimSpace(c.Text); text != "" {
		b.WriteString("\n\nScene material:\n")
		b.WriteString(text)
	}
	if len(c.Image) > 0 {
		b.WriteString("\n\nA scene image follows as the first message. Treat it as the current table state.")
	}
	return b.String()
}
