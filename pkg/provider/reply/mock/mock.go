// Package mock provides an in-memory mock implementation of [reply.Provider]
// for use in unit tests.
//
// The mock is safe for concurrent use, records every call, and exposes
// exported fields for configuring return values.
//
// Example:
//
//	p := &mock.Provider{
//	    GenerateResult: reply.Reply{Text: "Happy to help.", Confidence: 0.9},
//	}
//	rep, err := p.Generate(ctx, "hello", reply.Context{})
package mock

import (
	"context"
	"sync"

	"github.com/parley-ai/parley/pkg/provider/reply"
)

// GenerateCall records the arguments of a single [Provider.Generate] invocation.
type GenerateCall struct {
	// Utterance is the caller text passed to Generate.
	Utterance string
	// Context is the conversation context passed to Generate.
	Context reply.Context
}

// Provider is a mock implementation of [reply.Provider].
type Provider struct {
	mu sync.Mutex

	// GenerateResult is returned by [Provider.Generate].
	GenerateResult reply.Reply

	// GenerateError is returned by [Provider.Generate].
	GenerateError error

	// GenerateFunc, when non-nil, overrides the canned result entirely.
	// Useful for simulating latency or per-utterance behaviour.
	GenerateFunc func(ctx context.Context, utterance string, conv reply.Context) (reply.Reply, error)

	// GenerateCalls records all Generate invocations.
	GenerateCalls []GenerateCall
}

var _ reply.Provider = (*Provider)(nil)

// Generate implements [reply.Provider].
func (p *Provider) Generate(ctx context.Context, utterance string, conv reply.Context) (reply.Reply, error) {
	p.mu.Lock()
	p.GenerateCalls = append(p.GenerateCalls, GenerateCall{Utterance: utterance, Context: conv})
	fn := p.GenerateFunc
	res, err := p.GenerateResult, p.GenerateError
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, utterance, conv)
	}
	return res, err
}

// Calls returns a snapshot of recorded Generate invocations.
func (p *Provider) Calls() []GenerateCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]GenerateCall, len(p.GenerateCalls))
	copy(out, p.GenerateCalls)
	return out
}
