// Command parley is the main entry point for the Parley call-orchestration
// server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"golang.org/x/sync/errgroup"

	"github.com/parley-ai/parley/internal/broadcast"
	"github.com/parley-ai/parley/internal/call"
	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/internal/engine"
	"github.com/parley-ai/parley/internal/escalation"
	"github.com/parley-ai/parley/internal/health"
	"github.com/parley-ai/parley/internal/httpapi"
	"github.com/parley-ai/parley/internal/observe"
	"github.com/parley-ai/parley/internal/persist"
	"github.com/parley-ai/parley/internal/resilience"
	"github.com/parley-ai/parley/internal/session"
	"github.com/parley-ai/parley/internal/telephony"
	"github.com/parley-ai/parley/pkg/provider/reply"
	"github.com/parley-ai/parley/pkg/provider/reply/anyllm"
	"github.com/parley-ai/parley/pkg/provider/stt"
	oaistt "github.com/parley-ai/parley/pkg/provider/stt/openai"
	"github.com/parley-ai/parley/pkg/provider/tts"
	oaitts "github.com/parley-ai/parley/pkg/provider/tts/openai"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parley: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("parley starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "parley",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Durable storage (optional) ────────────────────────────────────────────
	var (
		records  *persist.Store
		checkers []health.Checker
	)
	if dsn := cfg.Persistence.PostgresDSN; dsn != "" {
		records, err = persist.NewStore(ctx, dsn)
		if err != nil {
			slog.Error("failed to open call-record store", "err", err)
			return 1
		}
		defer records.Close()
		checkers = append(checkers, health.Checker{Name: "database", Check: records.Ping})
	}

	// ── Collaborators ─────────────────────────────────────────────────────────
	replies, err := buildReplyGroup(cfg.Providers)
	if err != nil {
		slog.Error("failed to build reply provider", "err", err)
		return 1
	}
	ears, voices, err := buildSpeechGroups(cfg.Providers)
	if err != nil {
		slog.Error("failed to build speech providers", "err", err)
		return 1
	}

	// ── Engine assembly ───────────────────────────────────────────────────────
	store := session.NewStore()
	bcast := broadcast.New()
	eval := escalation.NewEvaluator(cfg.Escalation)

	callCfg := cfg.Call.CallConfig()
	callCfg.Voice = tts.VoiceProfile{
		ID:          cfg.Providers.TTS.Voice,
		SpeedFactor: cfg.Providers.TTS.SpeedFactor,
	}

	ctrlOpts := []call.Option{call.WithMetrics(metrics)}
	if voices != nil {
		ctrlOpts = append(ctrlOpts, call.WithVoices(voices))
	}
	if records != nil {
		ctrlOpts = append(ctrlOpts, call.WithPersister(records))
	}
	ctrl := call.NewController(store, eval, bcast, replies, callCfg, ctrlOpts...)
	defer ctrl.Close()

	engOpts := []engine.Option{engine.WithMetrics(metrics)}
	if ears != nil {
		engOpts = append(engOpts, engine.WithTranscription(ears))
	}
	eng := engine.New(store, ctrl, bcast, engOpts...)

	// ── HTTP server ───────────────────────────────────────────────────────────
	markup := telephony.Renderer{
		Voice:         cfg.Providers.TTS.Voice,
		GatherAction:  cfg.Server.PublicBaseURL + "/telephony/utterance",
		GatherTimeout: callCfg.ListenTimeout,
	}
	healthz := health.New(store.Len, checkers...)
	api := httpapi.New(eng, markup, healthz, metrics)

	addr := cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server ready — press Ctrl+C to shut down", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("parley: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, stopping…")
		sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// version is stamped at build time via -ldflags.
var version = "dev"

// breakerDefaults seeds the per-collaborator circuit breakers.
var breakerDefaults = resilience.BreakerConfig{
	Threshold: 3,
	CoolDown:  15 * time.Second,
	ProbeMax:  2,
}

// buildReplyGroup wires the reply provider plus its optional fallback.
func buildReplyGroup(p config.ProvidersConfig) (*resilience.Group[reply.Provider], error) {
	primary, err := buildReply(p.Reply)
	if err != nil {
		return nil, err
	}
	group := resilience.NewGroup[reply.Provider](p.Reply.Name, primary, breakerDefaults)

	if p.ReplyFallback != nil {
		fallback, err := buildReply(*p.ReplyFallback)
		if err != nil {
			return nil, err
		}
		group.AddFallback(p.ReplyFallback.Name, fallback)
	}
	return group, nil
}

func buildReply(entry config.ProviderEntry) (reply.Provider, error) {
	var opts []anyllmlib.Option
	if key := apiKey(entry); key != "" {
		opts = append(opts, anyllmlib.WithAPIKey(key))
	}
	if entry.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
	}
	return anyllm.New(entry.Name, entry.Model, opts...)
}

// buildSpeechGroups wires STT and TTS. Either may be absent; text-only
// deployments configure neither.
func buildSpeechGroups(p config.ProvidersConfig) (*resilience.Group[stt.Provider], *resilience.Group[tts.Provider], error) {
	var (
		ears   *resilience.Group[stt.Provider]
		voices *resilience.Group[tts.Provider]
	)

	switch p.STT.Name {
	case "":
	case "openai":
		var opts []oaistt.Option
		if p.STT.Model != "" {
			opts = append(opts, oaistt.WithModel(p.STT.Model))
		}
		if p.STT.BaseURL != "" {
			opts = append(opts, oaistt.WithBaseURL(p.STT.BaseURL))
		}
		provider, err := oaistt.New(apiKey(p.STT), opts...)
		if err != nil {
			return nil, nil, err
		}
		ears = resilience.NewGroup[stt.Provider](p.STT.Name, provider, breakerDefaults)
	default:
		return nil, nil, fmt.Errorf("parley: unsupported stt provider %q", p.STT.Name)
	}

	switch p.TTS.Name {
	case "":
	case "openai":
		var opts []oaitts.Option
		if p.TTS.Model != "" {
			opts = append(opts, oaitts.WithModel(p.TTS.Model))
		}
		if p.TTS.BaseURL != "" {
			opts = append(opts, oaitts.WithBaseURL(p.TTS.BaseURL))
		}
		provider, err := oaitts.New(apiKey(p.TTS), opts...)
		if err != nil {
			return nil, nil, err
		}
		voices = resilience.NewGroup[tts.Provider](p.TTS.Name, provider, breakerDefaults)
	default:
		return nil, nil, fmt.Errorf("parley: unsupported tts provider %q", p.TTS.Name)
	}

	return ears, voices, nil
}

// apiKey resolves a provider's API key from the configured environment
// variable. Keys never live in the config file.
func apiKey(entry config.ProviderEntry) string {
	if entry.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(entry.APIKeyEnv)
}

// newLogger builds the process-wide slog logger at the configured level.
func newLogger(level config.LogLevel) *slog.Logger {
	var l slog.Level
	switch level {
	case config.LogDebug:
		l = slog.LevelDebug
	case config.LogWarn:
		l = slog.LevelWarn
	case config.LogError:
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
