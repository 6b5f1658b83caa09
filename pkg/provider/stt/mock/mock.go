// Package mock provides an in-memory mock implementation of [stt.Provider]
// for use in unit tests.
//
// The mock is safe for concurrent use, records every call, and exposes
// exported fields for configuring return values.
package mock

import (
	"context"
	"sync"

	"github.com/parley-ai/parley/pkg/provider/stt"
)

// TranscribeCall records the arguments of a single [Provider.Transcribe] invocation.
type TranscribeCall struct {
	// Audio is the clip passed to Transcribe.
	Audio []byte
	// Format is the clip format passed to Transcribe.
	Format string
}

// Provider is a mock implementation of [stt.Provider].
type Provider struct {
	mu sync.Mutex

	// TranscribeResult is returned by [Provider.Transcribe].
	TranscribeResult stt.Result

	// TranscribeError is returned by [Provider.Transcribe].
	TranscribeError error

	// TranscribeFunc, when non-nil, overrides the canned result entirely.
	TranscribeFunc func(ctx context.Context, audio []byte, format string) (stt.Result, error)

	// TranscribeCalls records all Transcribe invocations.
	TranscribeCalls []TranscribeCall
}

var _ stt.Provider = (*Provider)(nil)

// Transcribe implements [stt.Provider].
func (p *Provider) Transcribe(ctx context.Context, audio []byte, format string) (stt.Result, error) {
	p.mu.Lock()
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{Audio: audio, Format: format})
	fn := p.TranscribeFunc
	res, err := p.TranscribeResult, p.TranscribeError
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, audio, format)
	}
	return res, err
}
