// Package tts defines the Provider interface for text-to-speech backends.
//
// The engine synthesises one complete utterance per turn, so the interface is
// a single blocking call returning the full audio clip. Synthesis failures
// must never abort a call — the turn controller falls back to text-only
// rendering for that turn.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// VoiceProfile selects the synthesis voice.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// SpeedFactor adjusts speaking rate in [0.5, 2.0]. Zero means default.
	SpeedFactor float64
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders text as an audio clip using voice. The call blocks
	// until synthesis completes or ctx is done.
	Synthesize(ctx context.Context, text string, voice VoiceProfile) ([]byte, error)
}
