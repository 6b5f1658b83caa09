// Package mock provides an in-memory mock implementation of [tts.Provider]
// for use in unit tests.
//
// The mock is safe for concurrent use, records every call, and exposes
// exported fields for configuring return values.
package mock

import (
	"context"
	"sync"

	"github.com/parley-ai/parley/pkg/provider/tts"
)

// SynthesizeCall records the arguments of a single [Provider.Synthesize] invocation.
type SynthesizeCall struct {
	// Text is the utterance passed to Synthesize.
	Text string
	// Voice is the voice profile passed to Synthesize.
	Voice tts.VoiceProfile
}

// Provider is a mock implementation of [tts.Provider].
type Provider struct {
	mu sync.Mutex

	// SynthesizeResult is returned by [Provider.Synthesize].
	SynthesizeResult []byte

	// SynthesizeError is returned by [Provider.Synthesize].
	SynthesizeError error

	// SynthesizeFunc, when non-nil, overrides the canned result entirely.
	SynthesizeFunc func(ctx context.Context, text string, voice tts.VoiceProfile) ([]byte, error)

	// SynthesizeCalls records all Synthesize invocations.
	SynthesizeCalls []SynthesizeCall
}

var _ tts.Provider = (*Provider)(nil)

// Synthesize implements [tts.Provider].
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) ([]byte, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Text: text, Voice: voice})
	fn := p.SynthesizeFunc
	res, err := p.SynthesizeResult, p.SynthesizeError
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, text, voice)
	}
	return res, err
}
