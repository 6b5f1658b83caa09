// Package call implements the turn controller — the state machine that drives
// a call session from greeting to terminal outcome.
//
// The controller owns every lifecycle transition. Each turn event (utterance,
// timeout, hangup) is applied to the session through [session.Store.Mutate];
// slow collaborator calls (reply generation, speech synthesis) happen outside
// the session lock, and their results are committed with a second mutation
// that re-checks the session is still live. A result arriving after the
// session ended is silently discarded.
package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/parley-ai/parley/internal/broadcast"
	"github.com/parley-ai/parley/internal/escalation"
	"github.com/parley-ai/parley/internal/observe"
	"github.com/parley-ai/parley/internal/resilience"
	"github.com/parley-ai/parley/internal/sentiment"
	"github.com/parley-ai/parley/internal/session"
	"github.com/parley-ai/parley/pkg/provider/reply"
	"github.com/parley-ai/parley/pkg/provider/tts"
)

// ReasonCollaboratorFailure marks an escalation forced by an unrecoverable
// collaborator failure rather than by the escalation rule set.
const ReasonCollaboratorFailure = "collaborator-failure"

// replyAttempts is how many times the full reply group (primary plus
// fallbacks) is tried before the turn escalates.
const replyAttempts = 2

// persistTimeout bounds the asynchronous durable write of a finished session.
const persistTimeout = 10 * time.Second

// Persister writes finished sessions to durable storage.
type Persister interface {
	// WriteCallRecord stores the terminal session snapshot. Called once per
	// session, asynchronously, after the terminal event is published.
	WriteCallRecord(ctx context.Context, sess *session.CallSession) error
}

// Config holds the controller's scripted utterances and timing knobs.
// Zero values are replaced with defaults by [NewController].
type Config struct {
	// Greeting is the agent's opening line.
	Greeting string `yaml:"greeting"`

	// RePrompt is spoken when the caller stays silent past ListenTimeout.
	RePrompt string `yaml:"re_prompt"`

	// Apology is prepended to Handoff when a collaborator failure forces an
	// escalation.
	Apology string `yaml:"apology"`

	// Handoff is the agent's line announcing the transfer to a human.
	Handoff string `yaml:"handoff"`

	// ListenTimeout is how long the controller waits for caller input before
	// re-prompting. Default: 8s.
	ListenTimeout time.Duration `yaml:"listen_timeout"`

	// Retention is how long a finished session stays queryable before it is
	// evicted from memory. Default: 2m.
	Retention time.Duration `yaml:"retention"`

	// Voice selects the synthesis voice for agent utterances.
	Voice tts.VoiceProfile `yaml:"-"`
}

func (c Config) withDefaults() Config {
	if c.Greeting == "" {
		c.Greeting = "Hello! You have reached our automated assistant. How can I help you today?"
	}
	if c.RePrompt == "" {
		c.RePrompt = "Are you still there? How can I help?"
	}
	if c.Apology == "" {
		c.Apology = "I'm sorry, I'm having trouble on my end."
	}
	if c.Handoff == "" {
		c.Handoff = "Let me connect you with a colleague who can help you further."
	}
	if c.ListenTimeout <= 0 {
		c.ListenTimeout = 8 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = 2 * time.Minute
	}
	return c
}

// Utterance is one caller input event as delivered by the transcription layer
// (or verbatim by the demo-text channel).
type Utterance struct {
	// Text is the transcribed utterance.
	Text string

	// Confidence is the recognition confidence in [0,1].
	Confidence float64

	// IsFinal distinguishes committed utterances from interim transcript
	// fragments. Interim fragments only refresh the live transcript.
	IsFinal bool

	// SentimentLabel is the upstream per-utterance classification. When empty
	// it is derived from SentimentScore.
	SentimentLabel session.SentimentLabel

	// SentimentScore is the per-utterance sentiment score in [0,1].
	SentimentScore float64

	// EmotionScores maps [session.EmotionVocabulary] keys to scores in [0,1].
	EmotionScores map[string]float64
}

// Output is what the controller hands back to the transport layer after a
// turn event. The transport renders it channel-appropriately (signaling
// markup for telephony, JSON for the demo widget).
type Output struct {
	// Session is the post-event snapshot.
	Session *session.CallSession

	// Utterance is the agent line to speak/display this turn, if any.
	Utterance string

	// Audio is the synthesised clip for Utterance. Nil on text-only channels
	// or when synthesis failed (text-only fallback).
	Audio []byte

	// Listen tells the transport to keep gathering caller input.
	Listen bool

	// Hangup tells the transport the session is over.
	Hangup bool

	// Escalated is set when this turn ended in a human hand-off.
	Escalated bool

	// EscalationReason is the matched rule name when Escalated is set.
	EscalationReason string
}

// Controller drives call sessions through their lifecycle. All methods are
// safe for concurrent use; events for the same session serialise on the
// store's per-session lock.
type Controller struct {
	store   *session.Store
	eval    *escalation.Evaluator
	bcast   *broadcast.Broadcaster
	replies *resilience.Group[reply.Provider]
	voices  *resilience.Group[tts.Provider]
	persist Persister
	metrics *observe.Metrics
	cfg     Config

	mu           sync.Mutex
	listenTimers map[string]*time.Timer
	evictTimers  map[string]*time.Timer
	closed       bool
}

// Option configures optional controller collaborators.
type Option func(*Controller)

// WithVoices wires a TTS group. Without it every output is text-only.
func WithVoices(g *resilience.Group[tts.Provider]) Option {
	return func(c *Controller) { c.voices = g }
}

// WithPersister wires durable storage for finished sessions.
func WithPersister(p Persister) Option {
	return func(c *Controller) { c.persist = p }
}

// WithMetrics overrides the default metrics instance (used by tests).
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// NewController assembles a Controller. store, eval, bcast, and replies are
// required; everything else is optional.
func NewController(store *session.Store, eval *escalation.Evaluator, bcast *broadcast.Broadcaster, replies *resilience.Group[reply.Provider], cfg Config, opts ...Option) *Controller {
	c := &Controller{
		store:        store,
		eval:         eval,
		bcast:        bcast,
		replies:      replies,
		cfg:          cfg.withDefaults(),
		listenTimers: make(map[string]*time.Timer),
		evictTimers:  make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// agentTurn builds an agent-attributed turn. The neutral sentiment score is a
// display placeholder; the aggregator skips agent turns so it never enters
// the running mean.
func agentTurn(text string, confidence float64) session.Turn {
	return session.Turn{
		Speaker:        session.SpeakerAgent,
		Text:           text,
		SentimentLabel: session.SentimentNeutral,
		SentimentScore: 0.5,
		Confidence:     confidence,
		CreatedAt:      time.Now().UTC(),
	}
}

// StartSession creates a session, speaks the greeting, and moves it to
// listening. Returns [session.ErrExists] when id is already registered.
func (c *Controller) StartSession(ctx context.Context, id string, channel session.Channel, metadata map[string]string) (Output, error) {
	if _, err := c.store.Create(id, channel, metadata); err != nil {
		return Output{}, err
	}
	c.metrics.ActiveSessions.Add(ctx, 1)
	c.bcast.Publish(id, broadcast.EventSessionStarted, map[string]any{"channel": channel})

	var agg sentiment.Aggregator
	snap, err := c.store.Mutate(id, func(s *session.CallSession) error {
		t := agentTurn(c.cfg.Greeting, 1.0)
		s.Turns = append(s.Turns, t)
		s.Sentiment = agg.Update(s.Sentiment, t)
		s.State = session.StateListening
		return nil
	})
	if err != nil {
		return Output{}, err
	}

	last, _ := snap.LastTurn()
	c.bcast.Publish(id, broadcast.EventTurnAppended, last)
	c.bcast.Publish(id, broadcast.EventStateChanged, map[string]any{"state": snap.State})
	c.metrics.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("speaker", string(session.SpeakerAgent))))

	audio := c.synthesize(ctx, id, channel, c.cfg.Greeting)
	c.armListenTimer(id)

	observe.Logger(ctx).Info("session started", "session_id", id, "channel", channel)
	return Output{Session: snap, Utterance: c.cfg.Greeting, Audio: audio, Listen: true}, nil
}

// ProcessUtterance handles one caller input event.
//
// Interim fragments only refresh the live transcript. A final utterance is
// appended as a caller turn, a reply is generated, the escalation rules are
// evaluated, and either an agent reply turn or a hand-off is committed.
//
// Returns [ErrInvalidState] when the session is terminal and [ErrSessionBusy]
// when another turn for the same session is still in flight.
func (c *Controller) ProcessUtterance(ctx context.Context, id string, utt Utterance) (Output, error) {
	if !utt.IsFinal {
		return c.processInterim(ctx, id, utt)
	}

	c.stopListenTimer(id)
	start := time.Now()

	ctx, span := observe.StartSpan(ctx, "call.turn")
	defer span.End()

	label := utt.SentimentLabel
	if label == "" {
		label = sentiment.LabelFor(utt.SentimentScore)
	}
	callerTurn := session.Turn{
		Speaker:        session.SpeakerCaller,
		Text:           utt.Text,
		SentimentLabel: label,
		SentimentScore: utt.SentimentScore,
		EmotionScores:  utt.EmotionScores,
		Confidence:     utt.Confidence,
		CreatedAt:      time.Now().UTC(),
	}

	var agg sentiment.Aggregator
	snap, err := c.store.Mutate(id, func(s *session.CallSession) error {
		if s.State.Terminal() {
			return ErrInvalidState
		}
		if s.State != session.StateListening {
			return ErrSessionBusy
		}
		s.Turns = append(s.Turns, callerTurn)
		s.Sentiment = agg.Update(s.Sentiment, callerTurn)
		s.LiveTranscript = ""
		s.State = session.StateProcessing
		return nil
	})
	if err != nil {
		return Output{Session: snap}, err
	}

	c.bcast.Publish(id, broadcast.EventTurnAppended, callerTurn)
	c.bcast.Publish(id, broadcast.EventStateChanged, map[string]any{"state": snap.State})
	c.metrics.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("speaker", string(session.SpeakerCaller))))

	rep, err := c.generate(ctx, snap, utt.Text)
	if err != nil {
		observe.Logger(ctx).Error("reply generation exhausted, escalating",
			"session_id", id, "error", err)
		c.metrics.CollaboratorErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", "reply")))
		return c.commitEscalation(ctx, id, c.cfg.Apology+" "+c.cfg.Handoff, ReasonCollaboratorFailure)
	}

	if dec := c.eval.Evaluate(rep, snap); dec.ShouldEscalate {
		observe.Logger(ctx).Info("escalation rule matched",
			"session_id", id, "reason", dec.Reason)
		return c.commitEscalation(ctx, id, c.cfg.Handoff, dec.Reason)
	}

	// Commit the agent reply. The session may have ended while the reply was
	// being generated; in that case the result is discarded.
	agentReply := agentTurn(rep.Text, rep.Confidence)
	snap, err = c.store.Mutate(id, func(s *session.CallSession) error {
		if s.State.Terminal() {
			return errDiscard
		}
		s.Turns = append(s.Turns, agentReply)
		s.Sentiment = agg.Update(s.Sentiment, agentReply)
		s.State = session.StateResponding
		return nil
	})
	if err != nil {
		if errors.Is(err, errDiscard) {
			return Output{Session: snap, Hangup: true}, nil
		}
		return Output{Session: snap}, err
	}

	c.bcast.Publish(id, broadcast.EventTurnAppended, agentReply)
	c.bcast.Publish(id, broadcast.EventStateChanged, map[string]any{"state": snap.State})
	c.metrics.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("speaker", string(session.SpeakerAgent))))

	audio := c.synthesize(ctx, id, snap.Channel, rep.Text)

	snap, err = c.store.Mutate(id, func(s *session.CallSession) error {
		if s.State.Terminal() {
			return errDiscard
		}
		s.State = session.StateListening
		return nil
	})
	if err != nil {
		if errors.Is(err, errDiscard) {
			return Output{Session: snap, Hangup: true}, nil
		}
		return Output{Session: snap}, err
	}
	c.bcast.Publish(id, broadcast.EventStateChanged, map[string]any{"state": snap.State})
	c.armListenTimer(id)

	c.metrics.TurnDuration.Record(ctx, time.Since(start).Seconds())
	return Output{Session: snap, Utterance: rep.Text, Audio: audio, Listen: true}, nil
}

// processInterim refreshes the live transcript without committing a turn.
func (c *Controller) processInterim(ctx context.Context, id string, utt Utterance) (Output, error) {
	snap, err := c.store.Mutate(id, func(s *session.CallSession) error {
		if s.State.Terminal() {
			return ErrInvalidState
		}
		if s.State != session.StateListening {
			return ErrSessionBusy
		}
		s.LiveTranscript = utt.Text
		return nil
	})
	if err != nil {
		return Output{Session: snap}, err
	}
	c.bcast.Publish(id, broadcast.EventTranscriptPartial, map[string]any{"text": utt.Text})
	return Output{Session: snap, Listen: true}, nil
}

// generate produces the agent reply, trying the full provider group
// [replyAttempts] times before giving up.
func (c *Controller) generate(ctx context.Context, snap *session.CallSession, utterance string) (reply.Reply, error) {
	conv := reply.Context{
		SessionID: snap.ID,
		Channel:   string(snap.Channel),
		Metadata:  snap.Metadata,
	}
	// History excludes the caller turn being answered; it travels separately.
	for _, t := range snap.Turns[:len(snap.Turns)-1] {
		conv.History = append(conv.History, reply.Message{Speaker: string(t.Speaker), Text: t.Text})
	}

	start := time.Now()
	defer func() {
		c.metrics.ReplyDuration.Record(ctx, time.Since(start).Seconds())
	}()

	var (
		rep reply.Reply
		err error
	)
	for attempt := 0; attempt < replyAttempts; attempt++ {
		rep, err = resilience.DoWithResult(c.replies, func(p reply.Provider) (reply.Reply, error) {
			return p.Generate(ctx, utterance, conv)
		})
		if err == nil {
			return rep, nil
		}
	}
	return reply.Reply{}, &CollaboratorError{Stage: "reply", Err: err}
}

// synthesize renders text as audio. Text channels and missing TTS wiring
// yield nil; a synthesis failure degrades the turn to text-only rather than
// aborting it.
func (c *Controller) synthesize(ctx context.Context, id string, ch session.Channel, text string) []byte {
	if c.voices == nil || ch == session.ChannelDemoText {
		return nil
	}

	start := time.Now()
	audio, err := resilience.DoWithResult(c.voices, func(p tts.Provider) ([]byte, error) {
		return p.Synthesize(ctx, text, c.cfg.Voice)
	})
	c.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		observe.Logger(ctx).Warn("synthesis failed, falling back to text",
			"session_id", id, "error", err)
		c.metrics.CollaboratorErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", "tts")))
		return nil
	}
	return audio
}

// commitEscalation appends the hand-off turn, walks the session through
// escalating to completed, and finalises it. A session that went terminal in
// the meantime discards the escalation silently.
func (c *Controller) commitEscalation(ctx context.Context, id, text, reason string) (Output, error) {
	handoff := agentTurn(text, 1.0)
	var agg sentiment.Aggregator
	snap, err := c.store.Mutate(id, func(s *session.CallSession) error {
		if s.State.Terminal() {
			return errDiscard
		}
		s.Turns = append(s.Turns, handoff)
		s.Sentiment = agg.Update(s.Sentiment, handoff)
		s.Escalated = true
		s.EscalationReason = reason
		s.State = session.StateEscalating
		return nil
	})
	if err != nil {
		if errors.Is(err, errDiscard) {
			return Output{Session: snap, Hangup: true}, nil
		}
		return Output{Session: snap}, err
	}

	c.bcast.Publish(id, broadcast.EventTurnAppended, handoff)
	c.bcast.Publish(id, broadcast.EventStateChanged, map[string]any{"state": snap.State})
	c.metrics.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("speaker", string(session.SpeakerAgent))))
	c.metrics.Escalations.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))

	audio := c.synthesize(ctx, id, snap.Channel, text)

	snap, err = c.store.Mutate(id, func(s *session.CallSession) error {
		s.State = session.StateCompleted
		s.EndedAt = time.Now().UTC()
		s.EndReason = "escalated"
		return nil
	})
	if err != nil {
		return Output{Session: snap}, err
	}
	c.bcast.Publish(id, broadcast.EventStateChanged, map[string]any{"state": snap.State})
	c.finalize(ctx, snap)

	return Output{
		Session:          snap,
		Utterance:        text,
		Audio:            audio,
		Hangup:           true,
		Escalated:        true,
		EscalationReason: reason,
	}, nil
}

// HandleTimeout fires when the caller stays silent past the listen timeout.
// It re-prompts without appending a turn or touching the sentiment aggregate.
// Timeouts racing a turn in flight are dropped; timeouts on a terminal
// session return [ErrInvalidState].
func (c *Controller) HandleTimeout(ctx context.Context, id string) (Output, error) {
	snap, err := c.store.Mutate(id, func(s *session.CallSession) error {
		if s.State.Terminal() {
			return ErrInvalidState
		}
		if s.State != session.StateListening {
			return errDiscard
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errDiscard) {
			return Output{Session: snap, Listen: true}, nil
		}
		return Output{Session: snap}, err
	}

	c.bcast.Publish(id, broadcast.EventRePrompt, map[string]any{"text": c.cfg.RePrompt})
	audio := c.synthesize(ctx, id, snap.Channel, c.cfg.RePrompt)
	c.armListenTimer(id)

	observe.Logger(ctx).Debug("listen timeout, re-prompting", "session_id", id)
	return Output{Session: snap, Utterance: c.cfg.RePrompt, Audio: audio, Listen: true}, nil
}

// EndSession moves the session to completed. Ending an already-terminal
// session is a no-op returning the existing snapshot, so duplicate hangup
// callbacks from the signaling provider are harmless.
func (c *Controller) EndSession(ctx context.Context, id, reason string) (Output, error) {
	c.stopListenTimer(id)
	if reason == "" {
		reason = "caller-hangup"
	}

	alreadyEnded := false
	snap, err := c.store.Mutate(id, func(s *session.CallSession) error {
		if s.State.Terminal() {
			alreadyEnded = true
			return nil
		}
		s.State = session.StateCompleted
		s.EndedAt = time.Now().UTC()
		s.EndReason = reason
		return nil
	})
	if err != nil {
		return Output{Session: snap}, err
	}
	if alreadyEnded {
		return Output{Session: snap, Hangup: true}, nil
	}

	c.bcast.Publish(id, broadcast.EventStateChanged, map[string]any{"state": snap.State})
	c.finalize(ctx, snap)

	observe.Logger(ctx).Info("session ended", "session_id", id, "reason", reason)
	return Output{Session: snap, Hangup: true}, nil
}

// Fail forces the session into the failed state. Used for unrecoverable
// faults outside the normal turn flow (transport errors, malformed events).
func (c *Controller) Fail(ctx context.Context, id, reason string) (Output, error) {
	c.stopListenTimer(id)

	alreadyEnded := false
	snap, err := c.store.Mutate(id, func(s *session.CallSession) error {
		if s.State.Terminal() {
			alreadyEnded = true
			return nil
		}
		s.State = session.StateFailed
		s.EndedAt = time.Now().UTC()
		s.EndReason = reason
		return nil
	})
	if err != nil {
		return Output{Session: snap}, err
	}
	if alreadyEnded {
		return Output{Session: snap, Hangup: true}, nil
	}

	c.bcast.Publish(id, broadcast.EventStateChanged, map[string]any{"state": snap.State})
	c.finalize(ctx, snap)

	observe.Logger(ctx).Error("session failed", "session_id", id, "reason", reason)
	return Output{Session: snap, Hangup: true}, nil
}

// finalize publishes the terminal event, kicks off the durable write, and
// schedules eviction from memory.
func (c *Controller) finalize(ctx context.Context, snap *session.CallSession) {
	c.bcast.Publish(snap.ID, broadcast.EventSessionEnded, map[string]any{
		"state":             snap.State,
		"end_reason":        snap.EndReason,
		"escalated":         snap.Escalated,
		"escalation_reason": snap.EscalationReason,
		"sentiment":         snap.Sentiment,
	})
	c.metrics.ActiveSessions.Add(ctx, -1)

	if c.persist != nil {
		go func() {
			pctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
			defer cancel()
			if err := c.persist.WriteCallRecord(pctx, snap); err != nil {
				observe.Logger(pctx).Error("durable write of finished session failed",
					"session_id", snap.ID, "error", err)
				c.metrics.PersistFailures.Add(pctx, 1)
			}
		}()
	}

	c.scheduleEviction(snap.ID)
}

// armListenTimer (re)starts the silence timer for id.
func (c *Controller) armListenTimer(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if t, ok := c.listenTimers[id]; ok {
		t.Stop()
	}
	c.listenTimers[id] = time.AfterFunc(c.cfg.ListenTimeout, func() {
		if _, err := c.HandleTimeout(context.Background(), id); err != nil &&
			!errors.Is(err, ErrInvalidState) && !errors.Is(err, session.ErrNotFound) {
			observe.Logger(context.Background()).Error("listen timeout handling failed",
				"session_id", id, "error", err)
		}
	})
}

func (c *Controller) stopListenTimer(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.listenTimers[id]; ok {
		t.Stop()
		delete(c.listenTimers, id)
	}
}

// scheduleEviction removes the finished session from memory after the
// retention window, closing any remaining subscribers.
func (c *Controller) scheduleEviction(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if t, ok := c.evictTimers[id]; ok {
		t.Stop()
	}
	c.evictTimers[id] = time.AfterFunc(c.cfg.Retention, func() {
		if err := c.store.Remove(id); err != nil && !errors.Is(err, session.ErrNotFound) {
			observe.Logger(context.Background()).Error("session eviction failed",
				"session_id", id, "error", err)
		}
		c.bcast.Evict(id)
		c.mu.Lock()
		delete(c.evictTimers, id)
		c.mu.Unlock()
	})
}

// Close stops all pending timers. Sessions themselves stay in the store; Close
// is for process shutdown, not session teardown.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, t := range c.listenTimers {
		t.Stop()
		delete(c.listenTimers, id)
	}
	for id, t := range c.evictTimers {
		t.Stop()
		delete(c.evictTimers, id)
	}
}
