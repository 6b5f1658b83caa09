// Package anyllm provides a reply-generation provider backed by
// github.com/mozilla-ai/any-llm-go, a unified multi-provider LLM interface
// supporting OpenAI, Anthropic, Gemini, Ollama, DeepSeek, Mistral, Groq, and
// local llama.cpp/llamafile servers.
//
// Usage:
//
//	p, err := anyllm.New("openai", "gpt-4o-mini", anyllmlib.WithAPIKey("sk-..."))
//	rep, err := p.Generate(ctx, "I can't access my account", conv)
package anyllm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/parley-ai/parley/pkg/provider/reply"
)

// systemPrompt instructs the model to answer as a contact-center agent and to
// return a strict JSON envelope the engine can parse.
const systemPrompt = `You are a calm, concise customer-service phone agent.
Answer the caller's last message in one or two sentences suitable for
text-to-speech. Respond with a single JSON object and nothing else:
{"text": "<your spoken reply>",
 "intent": "<short kebab-case label for what the caller wants>",
 "confidence": <0.0-1.0>,
 "should_escalate": <true if a human agent must take over>}`

// maxReplyTokens caps the generated reply so TTS latency stays bounded.
const maxReplyTokens = 256

// Provider implements reply.Provider by wrapping any-llm-go.
type Provider struct {
	backend anyllmlib.Provider
	model   string
}

// New creates a Provider backed by the named LLM provider.
//
// providerName is one of: "openai", "anthropic", "gemini", "ollama",
// "deepseek", "mistral", "groq", "llamacpp", "llamafile". model is the
// specific model (e.g., "gpt-4o-mini", "claude-3-5-haiku-latest"). opts are
// any-llm-go options such as anyllmlib.WithAPIKey or anyllmlib.WithBaseURL;
// without an API key option the backend falls back to its conventional
// environment variable.
func New(providerName string, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if providerName == "" {
		return nil, fmt.Errorf("anyllm: providerName must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}

	backend, err := createBackend(providerName, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", providerName, err)
	}
	return &Provider{backend: backend, model: model}, nil
}

// createBackend creates the underlying any-llm-go provider for the given name.
func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq, llamacpp, llamafile", providerName)
	}
}

// envelope is the JSON shape the system prompt asks the model to produce.
type envelope struct {
	Text           string  `json:"text"`
	Intent         string  `json:"intent"`
	Confidence     float64 `json:"confidence"`
	ShouldEscalate bool    `json:"should_escalate"`
}

// Generate implements reply.Provider.
func (p *Provider) Generate(ctx context.Context, utterance string, conv reply.Context) (reply.Reply, error) {
	messages := []anyllmlib.Message{
		{Role: anyllmlib.RoleSystem, Content: systemPrompt},
	}
	for _, m := range conv.History {
		role := anyllmlib.RoleUser
		if m.Speaker == "agent" {
			role = anyllmlib.RoleAssistant
		}
		messages = append(messages, anyllmlib.Message{Role: role, Content: m.Text})
	}
	messages = append(messages, anyllmlib.Message{Role: anyllmlib.RoleUser, Content: utterance})

	maxTokens := maxReplyTokens
	resp, err := p.backend.Completion(ctx, anyllmlib.CompletionParams{
		Model:     p.model,
		Messages:  messages,
		MaxTokens: &maxTokens,
	})
	if err != nil {
		return reply.Reply{}, fmt.Errorf("anyllm: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return reply.Reply{}, fmt.Errorf("anyllm: empty choices in response")
	}

	return parseEnvelope(resp.Choices[0].Message.ContentString()), nil
}

// parseEnvelope extracts the JSON envelope from the model output. Models
// occasionally wrap the object in prose or code fences, so the first balanced
// top-level object is located before decoding. When no parseable envelope is
// present the raw text becomes the reply with neutral defaults — a malformed
// envelope must never fail the turn.
func parseEnvelope(content string) reply.Reply {
	raw := strings.TrimSpace(content)

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		var env envelope
		if err := json.Unmarshal([]byte(raw[start:end+1]), &env); err == nil && env.Text != "" {
			return reply.Reply{
				Text:           env.Text,
				Intent:         env.Intent,
				Confidence:     clamp01(env.Confidence),
				ShouldEscalate: env.ShouldEscalate,
			}
		}
	}

	return reply.Reply{Text: raw, Confidence: 0.5}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
