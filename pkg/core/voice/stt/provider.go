// Package stt provides speech-to-text engines that turn a buffered recording
// into timed transcript segments.
package stt

import (
	"context"
	"iter"
)

// Transcriber is the interface for speech-to-text engines.
type Transcriber interface {
	// Name returns the engine identifier.
	Name() string

	// Transcribe lazily yields segments for audio in time order. Iteration stops
	// early when the consumer stops pulling or ctx is done.
	Transcribe(ctx context.Context, audio Audio) iter.Seq2[Segment, error]
}

// Audio is a complete recording handed to an engine.
type Audio struct {
	Data     []byte
	Format   string // container hint (webm, wav, mp3, ...)
	Language string // ISO language code; empty lets the engine detect
}

// Segment is a recognized span of speech.
type Segment struct {
	Text    string
	StartMs float64
	EndMs   float64
}
