package config

import (
	"strings"
	"testing"
	"time"
)

const validYAML = `
server:
  listen_addr: ":8080"
  log_level: info
  public_base_url: "https://parley.example.com"
providers:
  reply:
    name: openai
    model: gpt-4o-mini
    api_key_env: OPENAI_API_KEY
  stt:
    name: openai
    model: whisper-1
    api_key_env: OPENAI_API_KEY
  tts:
    name: openai
    model: tts-1
    api_key_env: OPENAI_API_KEY
    voice: alloy
call:
  greeting: "Hello!"
  listen_timeout: 8s
  retention: 2m
escalation:
  negative_threshold: 0.35
  negative_window: 2
  confidence_floor: 0.5
  confidence_window: 3
persistence:
  postgres_dsn: "postgres://localhost/parley"
`

func TestLoadFromReaderValid(t *testing.T) {
	t.Parallel()

	cfg, err := LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" || cfg.Server.LogLevel != LogInfo {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Providers.Reply.Name != "openai" || cfg.Providers.Reply.Model != "gpt-4o-mini" {
		t.Errorf("reply provider = %+v", cfg.Providers.Reply)
	}
	if cfg.Call.ListenTimeout.Std() != 8*time.Second {
		t.Errorf("listen_timeout = %v", cfg.Call.ListenTimeout.Std())
	}
	if cfg.Call.Retention.Std() != 2*time.Minute {
		t.Errorf("retention = %v", cfg.Call.Retention.Std())
	}
	if cfg.Escalation.NegativeThreshold != 0.35 || cfg.Escalation.ConfidenceWindow != 3 {
		t.Errorf("escalation = %+v", cfg.Escalation)
	}
}

func TestLoadFromReaderRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	_, err := LoadFromReader(strings.NewReader(`
server:
  listen_addr: ":8080"
  totally_unknown_knob: true
providers:
  reply:
    name: openai
`))
	if err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestLoadFromReaderRejectsBadDuration(t *testing.T) {
	t.Parallel()

	_, err := LoadFromReader(strings.NewReader(`
providers:
  reply:
    name: openai
call:
  listen_timeout: "soonish"
`))
	if err == nil || !strings.Contains(err.Error(), "invalid duration") {
		t.Fatalf("error = %v, want invalid duration", err)
	}
}

func TestValidateFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing reply provider",
			mutate:  func(c *Config) { c.Providers.Reply.Name = "" },
			wantErr: "providers.reply.name is required",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Server.LogLevel = "verbose" },
			wantErr: "server.log_level",
		},
		{
			name:    "speed factor out of range",
			mutate:  func(c *Config) { c.Providers.TTS.SpeedFactor = 3.5 },
			wantErr: "speed_factor",
		},
		{
			name:    "negative threshold out of range",
			mutate:  func(c *Config) { c.Escalation.NegativeThreshold = 1.5 },
			wantErr: "negative_threshold",
		},
		{
			name:    "confidence floor out of range",
			mutate:  func(c *Config) { c.Escalation.ConfidenceFloor = -0.1 },
			wantErr: "confidence_floor",
		},
		{
			name:    "negative listen timeout",
			mutate:  func(c *Config) { c.Call.ListenTimeout = Duration(-time.Second) },
			wantErr: "listen_timeout",
		},
		{
			name: "empty fallback block",
			mutate: func(c *Config) {
				c.Providers.ReplyFallback = &ProviderEntry{}
			},
			wantErr: "reply_fallback",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg, err := LoadFromReader(strings.NewReader(validYAML))
			if err != nil {
				t.Fatalf("base config invalid: %v", err)
			}
			tt.mutate(cfg)

			err = Validate(cfg)
			if err == nil {
				t.Fatal("Validate accepted the broken config")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateZeroEscalationUsesDefaultsDownstream(t *testing.T) {
	t.Parallel()

	// A config without the escalation block is valid; defaults are applied by
	// the evaluator, not the loader.
	cfg, err := LoadFromReader(strings.NewReader(`
providers:
  reply:
    name: openai
    model: gpt-4o-mini
`))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Escalation.NegativeThreshold != 0 {
		t.Errorf("loader filled escalation defaults: %+v", cfg.Escalation)
	}
}

func TestLogLevelIsValid(t *testing.T) {
	t.Parallel()

	for _, l := range []LogLevel{LogDebug, LogInfo, LogWarn, LogError} {
		if !l.IsValid() {
			t.Errorf("%q reported invalid", l)
		}
	}
	if LogLevel("trace").IsValid() {
		t.Error("unknown level reported valid")
	}
}
