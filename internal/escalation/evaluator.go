// Package escalation decides when a call must be handed to a human agent.
//
// The decision is a pure function over the generated reply and a session
// snapshot. Rules are evaluated in a fixed order and the first match wins:
//
//  1. The reply provider explicitly requested escalation.
//  2. The aggregate sentiment has stayed below the negative threshold for a
//     configured number of consecutive caller turns.
//  3. Caller confidence has stayed below the configured floor for a
//     configured number of consecutive caller turns (persistent
//     misrecognition).
//
// Every threshold and window is injected configuration so operators can tune
// behaviour per deployment without a code change.
package escalation

import (
	"github.com/parley-ai/parley/internal/session"
	"github.com/parley-ai/parley/pkg/provider/reply"
)

// Escalation reasons, in rule priority order.
const (
	ReasonAgentRequested    = "agent-requested"
	ReasonNegativeSentiment = "negative-sentiment-sustained"
	ReasonLowConfidence     = "low-confidence-loop"
)

// Config holds the tunable escalation thresholds. Zero values are replaced
// with the documented defaults by [NewEvaluator].
type Config struct {
	// NegativeThreshold is the aggregate sentiment score below which a caller
	// turn counts as negative. Default: 0.35.
	NegativeThreshold float64 `yaml:"negative_threshold"`

	// NegativeWindow is how many consecutive caller turns the aggregate must
	// stay below NegativeThreshold before escalating. Default: 2.
	NegativeWindow int `yaml:"negative_window"`

	// ConfidenceFloor is the per-turn caller confidence below which a turn
	// counts as misrecognised. Default: 0.5.
	ConfidenceFloor float64 `yaml:"confidence_floor"`

	// ConfidenceWindow is how many consecutive caller turns must fall below
	// ConfidenceFloor before escalating. Default: 3.
	ConfidenceWindow int `yaml:"confidence_window"`
}

func (c Config) withDefaults() Config {
	if c.NegativeThreshold <= 0 {
		c.NegativeThreshold = 0.35
	}
	if c.NegativeWindow <= 0 {
		c.NegativeWindow = 2
	}
	if c.ConfidenceFloor <= 0 {
		c.ConfidenceFloor = 0.5
	}
	if c.ConfidenceWindow <= 0 {
		c.ConfidenceWindow = 3
	}
	return c
}

// Decision is the outcome of one evaluation. It is ephemeral — computed per
// turn, never stored.
type Decision struct {
	ShouldEscalate bool
	Reason         string
}

// Evaluator applies the ordered rule set with a fixed configuration.
// Evaluator is stateless and safe for concurrent use.
type Evaluator struct {
	cfg Config
}

// NewEvaluator creates an Evaluator, filling zero-valued config fields with
// defaults.
func NewEvaluator(cfg Config) *Evaluator {
	return &Evaluator{cfg: cfg.withDefaults()}
}

// Config returns the effective (default-filled) configuration.
func (e *Evaluator) Config() Config {
	return e.cfg
}

// Evaluate runs the rule set against rep and the session snapshot sess.
// sess must already contain the caller turn that triggered this evaluation.
func (e *Evaluator) Evaluate(rep reply.Reply, sess *session.CallSession) Decision {
	if rep.ShouldEscalate {
		return Decision{ShouldEscalate: true, Reason: ReasonAgentRequested}
	}

	callers := sess.CallerTurns()

	if e.sustainedNegative(callers) {
		return Decision{ShouldEscalate: true, Reason: ReasonNegativeSentiment}
	}
	if e.lowConfidenceLoop(callers) {
		return Decision{ShouldEscalate: true, Reason: ReasonLowConfidence}
	}
	return Decision{}
}

// sustainedNegative reports whether the running aggregate score was below the
// negative threshold after each of the last NegativeWindow caller turns. The
// per-turn aggregate history is reconstructed from the turn list with the
// same equal-weighted mean the aggregator uses.
func (e *Evaluator) sustainedNegative(callers []session.Turn) bool {
	if len(callers) < e.cfg.NegativeWindow {
		return false
	}

	var sum float64
	below := 0
	for i, t := range callers {
		sum += t.SentimentScore
		mean := sum / float64(i+1)
		if mean < e.cfg.NegativeThreshold {
			below++
		} else {
			below = 0
		}
	}
	return below >= e.cfg.NegativeWindow
}

// lowConfidenceLoop reports whether the last ConfidenceWindow caller turns
// all carried confidence below the floor.
func (e *Evaluator) lowConfidenceLoop(callers []session.Turn) bool {
	if len(callers) < e.cfg.ConfidenceWindow {
		return false
	}
	for _, t := range callers[len(callers)-e.cfg.ConfidenceWindow:] {
		if t.Confidence >= e.cfg.ConfidenceFloor {
			return false
		}
	}
	return true
}
