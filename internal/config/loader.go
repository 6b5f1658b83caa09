package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":   {"openai"},
	"tts":   {"openai"},
	"reply": {"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("reply", cfg.Providers.Reply.Name)
	if cfg.Providers.ReplyFallback != nil {
		validateProviderName("reply", cfg.Providers.ReplyFallback.Name)
	}

	if cfg.Providers.Reply.Name == "" {
		errs = append(errs, errors.New("providers.reply.name is required; the engine cannot answer callers without a reply provider"))
	}
	if cfg.Providers.ReplyFallback != nil && cfg.Providers.ReplyFallback.Name == "" {
		errs = append(errs, errors.New("providers.reply_fallback.name is required when the block is present"))
	}

	// TTS without STT means voice channels can speak but never hear.
	if cfg.Providers.TTS.Name != "" && cfg.Providers.STT.Name == "" {
		slog.Warn("providers.tts is configured but providers.stt is not; voice channels will not understand callers")
	}

	if sf := cfg.Providers.TTS.SpeedFactor; sf != 0 && (sf < 0.5 || sf > 2.0) {
		errs = append(errs, fmt.Errorf("providers.tts.speed_factor %.2f is out of range [0.5, 2.0]", sf))
	}

	// Escalation thresholds; zero values fall back to defaults downstream.
	if t := cfg.Escalation.NegativeThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("escalation.negative_threshold %.2f is out of range [0, 1]", t))
	}
	if f := cfg.Escalation.ConfidenceFloor; f < 0 || f > 1 {
		errs = append(errs, fmt.Errorf("escalation.confidence_floor %.2f is out of range [0, 1]", f))
	}
	if w := cfg.Escalation.NegativeWindow; w < 0 {
		errs = append(errs, fmt.Errorf("escalation.negative_window %d must not be negative", w))
	}
	if w := cfg.Escalation.ConfidenceWindow; w < 0 {
		errs = append(errs, fmt.Errorf("escalation.confidence_window %d must not be negative", w))
	}

	if cfg.Call.ListenTimeout < 0 {
		errs = append(errs, errors.New("call.listen_timeout must not be negative"))
	}
	if cfg.Call.Retention < 0 {
		errs = append(errs, errors.New("call.retention must not be negative"))
	}

	if cfg.Persistence.PostgresDSN == "" {
		slog.Warn("persistence.postgres_dsn is empty; finished calls will not be written to durable storage")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %w", errors.Join(errs...))
	}
	return nil
}

// validateProviderName warns (does not error) when name is not in the known
// list for kind, so new provider implementations do not require a loader
// change to be usable.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	if !slices.Contains(ValidProviderNames[kind], name) {
		slog.Warn("unrecognised provider name", "kind", kind, "name", name, "known", ValidProviderNames[kind])
	}
}
