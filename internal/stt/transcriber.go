// Package stt turns recorded audio into text. Backends live behind the
// Transcriber interface: a deterministic mock, a whisper.cpp style CLI,
// and a remote HTTP service.
package stt

import "context"

// Transcriber produces a transcript for the audio file at audioPath.
// An empty transcript with a nil error is a legal result for silent
// recordings.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (string, error)
}
