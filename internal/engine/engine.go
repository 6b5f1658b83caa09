// Package engine is the orchestration facade: the single entry point invoked
// by the signaling webhook layer and the demo-mode driver.
//
// Each entry point translates a raw channel event into the turn controller's
// vocabulary, invokes the controller, and renders the result into the shape
// the channel expects — a spoken-prompt instruction set for telephony, a JSON
// delta for the demo widget. Controller faults never propagate raw to the
// external channel; the facade renders a safe fallback instead.
package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/parley-ai/parley/internal/broadcast"
	"github.com/parley-ai/parley/internal/call"
	"github.com/parley-ai/parley/internal/observe"
	"github.com/parley-ai/parley/internal/resilience"
	"github.com/parley-ai/parley/internal/session"
	"github.com/parley-ai/parley/pkg/provider/stt"
)

// UtteranceEvent is a caller input event as delivered by the signaling
// adapter or the demo widget. Sentiment fields are supplied by upstream
// analysis; when absent the label is derived from the score.
type UtteranceEvent struct {
	SessionID      string                 `json:"session_id"`
	Text           string                 `json:"text"`
	Confidence     float64                `json:"confidence"`
	IsFinal        bool                   `json:"is_final"`
	SentimentLabel session.SentimentLabel `json:"sentiment_label,omitempty"`
	SentimentScore float64                `json:"sentiment_score"`
	EmotionScores  map[string]float64     `json:"emotion_scores,omitempty"`
}

// Response is the JSON shape rendered for the demo/widget channels and the
// generic API surface.
type Response struct {
	SessionID        string                 `json:"session_id"`
	State            session.State          `json:"state"`
	Utterance        string                 `json:"utterance,omitempty"`
	AudioBase64      string                 `json:"audio_base64,omitempty"`
	Listen           bool                   `json:"listen"`
	Hangup           bool                   `json:"hangup"`
	Escalated        bool                   `json:"escalated,omitempty"`
	EscalationReason string                 `json:"escalation_reason,omitempty"`
	Sentiment        session.SentimentState `json:"sentiment"`
	LiveTranscript   string                 `json:"live_transcript,omitempty"`
}

// demoScript is the scripted caller side of the demo conversation, stepped by
// [Engine.OnDemoAdvance] so the widget can run without telephony.
var demoScript = []call.Utterance{
	{Text: "Hi, I'm calling about my last invoice.", Confidence: 0.96, IsFinal: true,
		SentimentScore: 0.55, EmotionScores: map[string]float64{"surprise": 0.2}},
	{Text: "It's much higher than last month and I don't understand why.", Confidence: 0.94, IsFinal: true,
		SentimentScore: 0.4, EmotionScores: map[string]float64{"anger": 0.3, "sadness": 0.2}},
	{Text: "This is really frustrating, I've asked about this twice already.", Confidence: 0.95, IsFinal: true,
		SentimentScore: 0.25, EmotionScores: map[string]float64{"anger": 0.6}},
	{Text: "Fine. Just get someone to fix it.", Confidence: 0.93, IsFinal: true,
		SentimentScore: 0.2, EmotionScores: map[string]float64{"anger": 0.7}},
}

// Engine wires the turn controller to the outside world. All methods are safe
// for concurrent use.
type Engine struct {
	store   *session.Store
	ctrl    *call.Controller
	bcast   *broadcast.Broadcaster
	ears    *resilience.Group[stt.Provider]
	metrics *observe.Metrics

	mu     sync.Mutex
	cursor map[string]int
}

// Option configures optional engine collaborators.
type Option func(*Engine)

// WithTranscription wires an STT group for the audio submission path.
func WithTranscription(g *resilience.Group[stt.Provider]) Option {
	return func(e *Engine) { e.ears = g }
}

// WithMetrics overrides the default metrics instance (used by tests).
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New assembles an Engine around a controller.
func New(store *session.Store, ctrl *call.Controller, bcast *broadcast.Broadcaster, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		ctrl:   ctrl,
		bcast:  bcast,
		cursor: make(map[string]int),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

// StartSession creates a session on channel and returns its generated ID plus
// the greeting response. An empty requested ID gets a fresh UUID; signaling
// providers that carry their own call SID pass it through.
func (e *Engine) StartSession(ctx context.Context, id string, channel session.Channel, metadata map[string]string) (string, Response, error) {
	if id == "" {
		id = uuid.NewString()
	}
	out, err := e.ctrl.StartSession(ctx, id, channel, metadata)
	if err != nil {
		return id, e.Fallback(id), err
	}
	return id, render(out), nil
}

// SubmitUtterance feeds one caller text event (final or interim) into the
// controller and renders the result.
func (e *Engine) SubmitUtterance(ctx context.Context, ev UtteranceEvent) (Response, error) {
	utt := call.Utterance{
		Text:           ev.Text,
		Confidence:     clamp01(ev.Confidence),
		IsFinal:        ev.IsFinal,
		SentimentLabel: ev.SentimentLabel,
		SentimentScore: clamp01(ev.SentimentScore),
		EmotionScores:  ev.EmotionScores,
	}
	out, err := e.ctrl.ProcessUtterance(ctx, ev.SessionID, utt)
	if err != nil {
		return e.Fallback(ev.SessionID), err
	}
	return render(out), nil
}

// SubmitAudio transcribes an audio clip and feeds the result in as a final
// utterance. Empty transcription is treated as no speech detected and routed
// through the re-prompt path instead of a caller turn.
func (e *Engine) SubmitAudio(ctx context.Context, id string, audio []byte, format string) (Response, error) {
	if e.ears == nil {
		return e.Fallback(id), errors.New("engine: no transcription provider configured")
	}

	start := time.Now()
	res, err := resilience.DoWithResult(e.ears, func(p stt.Provider) (stt.Result, error) {
		return p.Transcribe(ctx, audio, format)
	})
	e.metrics.STTDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		e.metrics.CollaboratorErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", "stt")))
		observe.Logger(ctx).Error("transcription failed", "session_id", id, "error", err)
		return e.Fallback(id), &call.CollaboratorError{Stage: "stt", Err: err}
	}

	if res.Text == "" {
		out, err := e.ctrl.HandleTimeout(ctx, id)
		if err != nil {
			return e.Fallback(id), err
		}
		return render(out), nil
	}

	return e.SubmitUtterance(ctx, UtteranceEvent{
		SessionID:      id,
		Text:           res.Text,
		Confidence:     res.Confidence,
		IsFinal:        true,
		SentimentScore: 0.5,
	})
}

// EndSession terminates the session. Ending an already-terminal session is
// idempotent: it returns the terminal snapshot with a nil error rather than
// an invalid-state error, and the original end reason is kept. Integrators
// must not rely on a second end being rejected — duplicate hangup callbacks
// from signaling providers are expected and harmless.
func (e *Engine) EndSession(ctx context.Context, id, reason string) (Response, error) {
	e.forgetCursor(id)
	out, err := e.ctrl.EndSession(ctx, id, reason)
	if err != nil {
		return e.Fallback(id), err
	}
	return render(out), nil
}

// OnDemoAdvance steps the scripted demo conversation by one caller line.
// When the script is exhausted the session is ended.
func (e *Engine) OnDemoAdvance(ctx context.Context, id string) (Response, error) {
	e.mu.Lock()
	step := e.cursor[id]
	e.cursor[id] = step + 1
	e.mu.Unlock()

	if step >= len(demoScript) {
		return e.EndSession(ctx, id, "demo-complete")
	}

	utt := demoScript[step]
	out, err := e.ctrl.ProcessUtterance(ctx, id, utt)
	if err != nil {
		return e.Fallback(id), err
	}
	return render(out), nil
}

// Snapshot returns a read-only copy of the session.
func (e *Engine) Snapshot(id string) (*session.CallSession, error) {
	return e.store.Get(id)
}

// Subscribe attaches a dashboard observer to the session's event stream.
// The returned cancel must be called exactly once.
func (e *Engine) Subscribe(ctx context.Context, id string) (<-chan broadcast.Event, func()) {
	ch, cancel := e.bcast.Subscribe(id)
	e.metrics.Subscribers.Add(ctx, 1)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			cancel()
			e.metrics.Subscribers.Add(context.Background(), -1)
		})
	}
}

// Fallback renders the safe response for a session after a fault: the current
// snapshot when available, with the caller kept listening unless the session
// is already terminal.
func (e *Engine) Fallback(id string) Response {
	snap, err := e.store.Get(id)
	if err != nil {
		return Response{SessionID: id, Hangup: true}
	}
	resp := Response{
		SessionID: id,
		State:     snap.State,
		Sentiment: snap.Sentiment,
		Utterance: "Sorry, I didn't catch that. Could you say it again?",
		Listen:    !snap.State.Terminal(),
		Hangup:    snap.State.Terminal(),
	}
	return resp
}

// Close releases controller timers.
func (e *Engine) Close() {
	e.ctrl.Close()
}

func (e *Engine) forgetCursor(id string) {
	e.mu.Lock()
	delete(e.cursor, id)
	e.mu.Unlock()
}

// render converts controller output to the JSON response shape.
func render(out call.Output) Response {
	resp := Response{
		Listen:           out.Listen,
		Hangup:           out.Hangup,
		Escalated:        out.Escalated,
		EscalationReason: out.EscalationReason,
		Utterance:        out.Utterance,
	}
	if out.Session != nil {
		resp.SessionID = out.Session.ID
		resp.State = out.Session.State
		resp.Sentiment = out.Session.Sentiment
		resp.LiveTranscript = out.Session.LiveTranscript
	}
	if len(out.Audio) > 0 {
		resp.AudioBase64 = base64.StdEncoding.EncodeToString(out.Audio)
	}
	return resp
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
