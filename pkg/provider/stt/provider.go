// Package stt defines the Provider interface for speech-to-text backends.
//
// Unlike a streaming recogniser, the contact-center engine receives bounded
// audio clips from the signaling provider (one clip per gather), so the
// interface is a single blocking transcription call. An empty Text in the
// result means "no speech detected" — callers treat that as a listening
// timeout, not an error.
//
// Implementations must be safe for concurrent use.
package stt

import "context"

// Result is the outcome of one transcription.
type Result struct {
	// Text is the recognised utterance. Empty means no speech was detected.
	Text string

	// Confidence is the recogniser's confidence in [0,1]. Providers that do
	// not expose a confidence report 1.0.
	Confidence float64

	// Language is the detected BCP-47 language tag, when the provider
	// reports one.
	Language string
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe converts an audio clip to text. format is the clip's
	// container/encoding name (e.g., "wav", "mp3", "mulaw"). The call blocks
	// until the transcription completes or ctx is done.
	Transcribe(ctx context.Context, audio []byte, format string) (Result, error)
}
