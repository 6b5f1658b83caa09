// Package session defines the call-session data model and the concurrency-safe
// session store.
//
// A [CallSession] is the complete state of one call or chat: its channel, its
// lifecycle state, the ordered list of [Turn] values exchanged so far, and the
// running [SentimentState] aggregate. Sessions are mutated exclusively through
// [Store.Mutate], which guarantees at most one in-flight mutation per session
// ID while leaving unrelated sessions fully independent.
package session

import (
	"maps"
	"time"
)

// Channel identifies the medium a session's turns travel over. It determines
// which collaborators the turn controller calls and how output is rendered.
type Channel string

const (
	// ChannelTelephony is a live phone call delivered by the signaling provider.
	ChannelTelephony Channel = "telephony"

	// ChannelDemoText is the embedded-widget text chat used for demos.
	ChannelDemoText Channel = "demo-text"

	// ChannelDemoVoice is the embedded-widget voice chat used for demos.
	ChannelDemoVoice Channel = "demo-voice"
)

// IsValid reports whether c is a recognised channel.
func (c Channel) IsValid() bool {
	switch c {
	case ChannelTelephony, ChannelDemoText, ChannelDemoVoice:
		return true
	}
	return false
}

// State is the lifecycle state of a [CallSession]. Transitions happen only
// inside the turn controller.
type State string

const (
	StateGreeting   State = "greeting"
	StateListening  State = "listening"
	StateProcessing State = "processing"
	StateResponding State = "responding"
	StateEscalating State = "escalating"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Terminal reports whether s is a terminal state. Sessions in a terminal
// state accept no further turn events.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Speaker attributes a [Turn] to one side of the conversation.
type Speaker string

const (
	SpeakerAgent  Speaker = "agent"
	SpeakerCaller Speaker = "caller"
)

// SentimentLabel is the coarse classification derived from a sentiment score.
type SentimentLabel string

const (
	SentimentPositive SentimentLabel = "positive"
	SentimentNeutral  SentimentLabel = "neutral"
	SentimentNegative SentimentLabel = "negative"
)

// EmotionVocabulary is the fixed set of emotion keys carried on every turn's
// emotion scores. Scores are in [0,1] and need not sum to 1.
var EmotionVocabulary = []string{"joy", "anger", "fear", "sadness", "surprise"}

// Turn is one exchange unit within a session. Turns are immutable once
// appended; conversational order is slice order.
type Turn struct {
	// Speaker attributes the turn to the agent or the caller.
	Speaker Speaker `json:"speaker"`

	// Text is the transcribed (caller) or synthesised (agent) utterance.
	Text string `json:"text"`

	// SentimentLabel is the per-turn sentiment classification supplied by
	// upstream analysis.
	SentimentLabel SentimentLabel `json:"sentiment_label"`

	// SentimentScore is the per-turn sentiment score in [0,1].
	SentimentScore float64 `json:"sentiment_score"`

	// EmotionScores maps each key of [EmotionVocabulary] to a value in [0,1].
	EmotionScores map[string]float64 `json:"emotion_scores,omitempty"`

	// Confidence is the speech-recognition or reply-generation confidence in [0,1].
	Confidence float64 `json:"confidence"`

	// CreatedAt records when the turn was accepted by the controller.
	CreatedAt time.Time `json:"created_at"`
}

// SentimentState is the running aggregate over the turns seen so far.
// OverallScore is the equal-weighted mean of every aggregated turn's
// SentimentScore; each emotion average follows the same rule independently.
type SentimentState struct {
	// OverallLabel is derived deterministically from OverallScore
	// (> 0.6 positive, < 0.4 negative, else neutral).
	OverallLabel SentimentLabel `json:"overall_label"`

	// OverallScore is the equal-weighted running mean in [0,1].
	OverallScore float64 `json:"overall_score"`

	// EmotionAverages holds the running mean per emotion key.
	EmotionAverages map[string]float64 `json:"emotion_averages,omitempty"`

	// SampleCount is the number of turns aggregated so far.
	SampleCount int `json:"sample_count"`
}

// CallSession is the complete state of one call/chat from start to terminal
// outcome. All fields are owned by the session store; callers only ever see
// snapshots produced by [CallSession.Clone].
type CallSession struct {
	// ID is the opaque unique identifier. It doubles as the broadcaster
	// channel name and the join key for signaling events.
	ID string `json:"id"`

	// Channel is the medium this session runs over.
	Channel Channel `json:"channel"`

	// State is the current lifecycle state.
	State State `json:"state"`

	// Turns is the append-only conversation history in conversational order.
	Turns []Turn `json:"turns"`

	// Sentiment is the running aggregate over caller turns.
	Sentiment SentimentState `json:"sentiment"`

	// LiveTranscript holds the most recent interim (not-yet-final) caller
	// utterance. Cleared when the final utterance arrives.
	LiveTranscript string `json:"live_transcript,omitempty"`

	// Escalated records whether the session ended in a human hand-off.
	Escalated bool `json:"escalated,omitempty"`

	// EscalationReason is the matched escalation rule name when Escalated is set.
	EscalationReason string `json:"escalation_reason,omitempty"`

	// StartedAt is when the session was created.
	StartedAt time.Time `json:"started_at"`

	// EndedAt is zero until the session reaches a terminal state.
	EndedAt time.Time `json:"ended_at,omitzero"`

	// EndReason describes why the session ended ("caller-hangup", "escalated", …).
	EndReason string `json:"end_reason,omitempty"`

	// Metadata is free-form caller/campaign context, opaque to the engine.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy of s. Turn slices, emotion maps, and metadata are
// copied so the result shares no mutable state with the original.
func (s *CallSession) Clone() *CallSession {
	if s == nil {
		return nil
	}
	c := *s
	c.Turns = make([]Turn, len(s.Turns))
	for i, t := range s.Turns {
		c.Turns[i] = t
		c.Turns[i].EmotionScores = maps.Clone(t.EmotionScores)
	}
	c.Sentiment.EmotionAverages = maps.Clone(s.Sentiment.EmotionAverages)
	c.Metadata = maps.Clone(s.Metadata)
	return &c
}

// LastTurn returns the most recent turn and true, or a zero turn and false
// when the session has no turns yet.
func (s *CallSession) LastTurn() (Turn, bool) {
	if len(s.Turns) == 0 {
		return Turn{}, false
	}
	return s.Turns[len(s.Turns)-1], true
}

// CallerTurns returns the caller-attributed turns in conversational order.
func (s *CallSession) CallerTurns() []Turn {
	var out []Turn
	for _, t := range s.Turns {
		if t.Speaker == SpeakerCaller {
			out = append(out, t)
		}
	}
	return out
}
