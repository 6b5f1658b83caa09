// Package reply defines the Provider interface for the reply-generation
// collaborator.
//
// A reply provider takes the caller's latest utterance plus conversation
// context and produces the agent's next line together with a detected intent,
// a confidence value, and an explicit escalation request. Implementations wrap
// an LLM backend; the engine only ever sees this narrow interface, so test
// doubles slot in without any conditional logic in the core.
//
// Implementations must be safe for concurrent use and must respect context
// cancellation on every call.
package reply

import "context"

// Message is one prior exchange passed as conversation context.
type Message struct {
	// Speaker is "agent" or "caller".
	Speaker string

	// Text is the utterance text.
	Text string
}

// Context carries everything beyond the utterance itself that the provider
// may use to generate a reply.
type Context struct {
	// SessionID identifies the call, for provider-side logging only.
	SessionID string

	// Channel is the session's channel name ("telephony", "demo-text", …).
	Channel string

	// History is the conversation so far, oldest first.
	History []Message

	// Metadata is free-form caller/campaign context (opaque key/value pairs).
	Metadata map[string]string
}

// Reply is the generated agent response.
type Reply struct {
	// Text is the agent's next utterance.
	Text string

	// Intent is the provider's classification of what the caller wants
	// (e.g., "billing-question", "cancel-service"). May be empty.
	Intent string

	// Confidence is the provider's confidence in the reply, in [0,1].
	Confidence float64

	// ShouldEscalate is the provider's explicit request to hand the call to
	// a human. The escalation policy treats it as the highest-priority rule.
	ShouldEscalate bool
}

// Provider is the abstraction over any reply-generation backend.
type Provider interface {
	// Generate produces the agent's reply to utterance given conv. It blocks
	// until the reply is available or ctx is done.
	Generate(ctx context.Context, utterance string, conv Context) (Reply, error)
}
