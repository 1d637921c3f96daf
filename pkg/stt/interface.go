// Package stt defines the batch transcription boundary: a Transcriber takes
// one audio container and returns its transcript. Providers live alongside
// the interface so callers depend only on this package.
package stt

import "context"

// Options carries per-request transcription parameters.
type Options struct {
	Model    string
	Language string
	Diarize  bool
}

// Segment is one diarized or timed portion of a transcript.
type Segment struct {
	Speaker int
	Start   float64
	End     float64
	Text    string
}

// Result is the outcome of one batch transcription call.
type Result struct {
	Text       string
	Confidence float64
	Segments   []Segment
}

// Transcriber transcribes one complete audio container per call.
// Implementations must be safe for concurrent use by multiple sessions.
type Transcriber interface {
	Name() string
	Transcribe(ctx context.Context, audio []byte, opts Options) (Result, error)
}
