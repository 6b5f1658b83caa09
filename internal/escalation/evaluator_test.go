package escalation

import (
	"testing"

	"github.com/parley-ai/parley/internal/session"
	"github.com/parley-ai/parley/pkg/provider/reply"
)

func sessionWithCallerTurns(turns ...session.Turn) *session.CallSession {
	return &session.CallSession{ID: "call-1", Channel: session.ChannelTelephony, Turns: turns}
}

func caller(score, confidence float64) session.Turn {
	return session.Turn{Speaker: session.SpeakerCaller, SentimentScore: score, Confidence: confidence}
}

func TestEvaluateDefaults(t *testing.T) {
	t.Parallel()

	cfg := NewEvaluator(Config{}).Config()
	if cfg.NegativeThreshold != 0.35 || cfg.NegativeWindow != 2 ||
		cfg.ConfidenceFloor != 0.5 || cfg.ConfidenceWindow != 3 {
		t.Errorf("defaults = %+v", cfg)
	}
}

func TestEvaluateNoEscalation(t *testing.T) {
	t.Parallel()
	e := NewEvaluator(Config{})

	dec := e.Evaluate(reply.Reply{Confidence: 0.9}, sessionWithCallerTurns(
		caller(0.7, 0.95),
		caller(0.6, 0.9),
	))
	if dec.ShouldEscalate {
		t.Errorf("happy conversation escalated: %+v", dec)
	}
}

// Explicit escalation from the reply provider wins even with near-perfect
// sentiment and confidence.
func TestEvaluateAgentRequestedWins(t *testing.T) {
	t.Parallel()
	e := NewEvaluator(Config{})

	dec := e.Evaluate(reply.Reply{ShouldEscalate: true, Confidence: 0.99}, sessionWithCallerTurns(
		caller(0.95, 0.99),
	))
	if !dec.ShouldEscalate || dec.Reason != ReasonAgentRequested {
		t.Errorf("decision = %+v, want escalate with %q", dec, ReasonAgentRequested)
	}
}

func TestEvaluateSustainedNegative(t *testing.T) {
	t.Parallel()
	e := NewEvaluator(Config{})

	tests := []struct {
		name  string
		turns []session.Turn
		want  bool
	}{
		{
			name:  "one negative turn is not enough",
			turns: []session.Turn{caller(0.1, 0.9)},
			want:  false,
		},
		{
			name: "aggregate below threshold after two consecutive turns",
			// Running means: 0.2, then (0.2+0.3)/2 = 0.25 — both < 0.35.
			turns: []session.Turn{caller(0.2, 0.9), caller(0.3, 0.9)},
			want:  true,
		},
		{
			name: "recovery resets the streak",
			// Means: 0.1, 0.45, 0.33 — only the last is below threshold.
			turns: []session.Turn{caller(0.1, 0.9), caller(0.8, 0.9), caller(0.1, 0.9)},
			want:  false,
		},
		{
			name: "streak after recovery",
			// Means: 0.8, 0.45, 0.33, 0.27 — last two below threshold.
			turns: []session.Turn{caller(0.8, 0.9), caller(0.1, 0.9), caller(0.1, 0.9), caller(0.1, 0.9)},
			want:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			dec := e.Evaluate(reply.Reply{}, sessionWithCallerTurns(tt.turns...))
			if dec.ShouldEscalate != tt.want {
				t.Errorf("ShouldEscalate = %v, want %v (%+v)", dec.ShouldEscalate, tt.want, dec)
			}
			if tt.want && dec.Reason != ReasonNegativeSentiment {
				t.Errorf("Reason = %q, want %q", dec.Reason, ReasonNegativeSentiment)
			}
		})
	}
}

// Three consecutive caller turns at confidence 0.2 with no other signal must
// escalate as a low-confidence loop.
func TestEvaluateLowConfidenceLoop(t *testing.T) {
	t.Parallel()
	e := NewEvaluator(Config{})

	dec := e.Evaluate(reply.Reply{Confidence: 0.9}, sessionWithCallerTurns(
		caller(0.5, 0.2),
		caller(0.5, 0.2),
		caller(0.5, 0.2),
	))
	if !dec.ShouldEscalate || dec.Reason != ReasonLowConfidence {
		t.Errorf("decision = %+v, want escalate with %q", dec, ReasonLowConfidence)
	}
}

func TestEvaluateLowConfidenceNeedsFullWindow(t *testing.T) {
	t.Parallel()
	e := NewEvaluator(Config{})

	// A single good turn inside the window breaks the loop.
	dec := e.Evaluate(reply.Reply{}, sessionWithCallerTurns(
		caller(0.5, 0.2),
		caller(0.5, 0.9),
		caller(0.5, 0.2),
	))
	if dec.ShouldEscalate {
		t.Errorf("escalated despite a confident turn in the window: %+v", dec)
	}
}

// The negative-sentiment rule outranks the low-confidence rule when both match.
func TestEvaluateRuleOrdering(t *testing.T) {
	t.Parallel()
	e := NewEvaluator(Config{})

	dec := e.Evaluate(reply.Reply{}, sessionWithCallerTurns(
		caller(0.1, 0.2),
		caller(0.1, 0.2),
		caller(0.1, 0.2),
	))
	if !dec.ShouldEscalate || dec.Reason != ReasonNegativeSentiment {
		t.Errorf("decision = %+v, want %q first", dec, ReasonNegativeSentiment)
	}
}

func TestEvaluateIgnoresAgentTurns(t *testing.T) {
	t.Parallel()
	e := NewEvaluator(Config{})

	// Low-confidence agent turns between caller turns must not feed the loop.
	dec := e.Evaluate(reply.Reply{}, sessionWithCallerTurns(
		caller(0.5, 0.9),
		session.Turn{Speaker: session.SpeakerAgent, Confidence: 0.1},
		caller(0.5, 0.2),
		session.Turn{Speaker: session.SpeakerAgent, Confidence: 0.1},
		caller(0.5, 0.2),
	))
	if dec.ShouldEscalate {
		t.Errorf("agent turns fed an escalation rule: %+v", dec)
	}
}

func TestEvaluateCustomThresholds(t *testing.T) {
	t.Parallel()
	e := NewEvaluator(Config{NegativeThreshold: 0.6, NegativeWindow: 1})

	dec := e.Evaluate(reply.Reply{}, sessionWithCallerTurns(caller(0.5, 0.9)))
	if !dec.ShouldEscalate || dec.Reason != ReasonNegativeSentiment {
		t.Errorf("custom thresholds not honoured: %+v", dec)
	}
}
