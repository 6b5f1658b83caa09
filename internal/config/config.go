// Package config provides the configuration schema and loader for the Parley
// call-orchestration server.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/parley-ai/parley/internal/call"
	"github.com/parley-ai/parley/internal/escalation"
)

// LogLevel controls log verbosity for the Parley server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Duration is a [time.Duration] that unmarshals from YAML strings like "8s"
// or "2m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts d to a [time.Duration].
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the root configuration structure for Parley.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Providers   ProvidersConfig   `yaml:"providers"`
	Call        CallConfig        `yaml:"call"`
	Escalation  escalation.Config `yaml:"escalation"`
	Persistence PersistenceConfig `yaml:"persistence"`
}

// ServerConfig holds network and logging settings for the Parley server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// PublicBaseURL is the externally reachable base URL, used to build the
	// webhook action URLs embedded in telephony instruction documents.
	PublicBaseURL string `yaml:"public_base_url"`
}

// ProviderEntry selects and configures one external collaborator.
type ProviderEntry struct {
	// Name selects the implementation ("openai", "anthropic", …).
	Name string `yaml:"name"`

	// Model is the provider-specific model identifier.
	Model string `yaml:"model"`

	// APIKeyEnv names the environment variable holding the API key.
	// Keys never appear in the config file itself.
	APIKeyEnv string `yaml:"api_key_env"`

	// BaseURL overrides the provider endpoint (self-hosted gateways, tests).
	BaseURL string `yaml:"base_url"`

	// Voice is the provider voice identifier (TTS only).
	Voice string `yaml:"voice"`

	// SpeedFactor adjusts TTS speaking rate in [0.5, 2.0]. Zero means default.
	SpeedFactor float64 `yaml:"speed_factor"`
}

// ProvidersConfig wires the three external collaborators. Each entry may
// carry a fallback tried when the primary's circuit opens.
type ProvidersConfig struct {
	STT           ProviderEntry  `yaml:"stt"`
	TTS           ProviderEntry  `yaml:"tts"`
	Reply         ProviderEntry  `yaml:"reply"`
	ReplyFallback *ProviderEntry `yaml:"reply_fallback"`
}

// CallConfig holds the scripted utterances and timing knobs, mirrored into
// [call.Config].
type CallConfig struct {
	Greeting      string   `yaml:"greeting"`
	RePrompt      string   `yaml:"re_prompt"`
	Apology       string   `yaml:"apology"`
	Handoff       string   `yaml:"handoff"`
	ListenTimeout Duration `yaml:"listen_timeout"`
	Retention     Duration `yaml:"retention"`
}

// CallConfig converts the YAML block into the controller's config type.
func (c CallConfig) CallConfig() call.Config {
	return call.Config{
		Greeting:      c.Greeting,
		RePrompt:      c.RePrompt,
		Apology:       c.Apology,
		Handoff:       c.Handoff,
		ListenTimeout: c.ListenTimeout.Std(),
		Retention:     c.Retention.Std(),
	}
}

// PersistenceConfig configures durable storage of finished calls.
type PersistenceConfig struct {
	// PostgresDSN is the connection string. Empty disables persistence.
	PostgresDSN string `yaml:"postgres_dsn"`
}
