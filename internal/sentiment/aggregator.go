// Package sentiment maintains the running sentiment and emotion aggregate for
// a call session.
//
// The aggregate is an equal-weighted running mean: after n turns the overall
// score is the arithmetic mean of the n per-turn scores, and each emotion key
// is averaged independently by the same rule. [Aggregator.Update] is a pure
// function — it never mutates its inputs and has no side effects — which makes
// it trivial to property-test against a naive recomputation.
package sentiment

import (
	"maps"

	"github.com/parley-ai/parley/internal/session"
)

// Label derivation thresholds. Scores strictly above positiveThreshold map to
// positive, strictly below negativeThreshold to negative, everything else to
// neutral.
const (
	positiveThreshold = 0.6
	negativeThreshold = 0.4
)

// Aggregator computes sentiment aggregates for one session.
//
// Only caller turns participate: agent turns never carry a real sentiment
// payload (their score is a neutral display placeholder), so folding them in
// would dilute the mean toward neutral. Call sites must never filter speakers
// themselves — they pass every turn to [Aggregator.Update] and the speaker
// rule decides.
type Aggregator struct{}

// Update folds turn into prev and returns the new aggregate. prev is not
// modified. Agent turns are returned unchanged (same aggregate, same sample
// count).
func (a Aggregator) Update(prev session.SentimentState, turn session.Turn) session.SentimentState {
	if turn.Speaker == session.SpeakerAgent {
		out := prev
		out.EmotionAverages = maps.Clone(prev.EmotionAverages)
		return out
	}

	n := float64(prev.SampleCount)
	next := session.SentimentState{
		OverallScore: (prev.OverallScore*n + turn.SentimentScore) / (n + 1),
		SampleCount:  prev.SampleCount + 1,
	}
	next.OverallLabel = LabelFor(next.OverallScore)

	next.EmotionAverages = make(map[string]float64, len(session.EmotionVocabulary))
	for _, key := range session.EmotionVocabulary {
		next.EmotionAverages[key] = (prev.EmotionAverages[key]*n + turn.EmotionScores[key]) / (n + 1)
	}
	return next
}

// LabelFor derives the coarse sentiment label from a score in [0,1].
func LabelFor(score float64) session.SentimentLabel {
	switch {
	case score > positiveThreshold:
		return session.SentimentPositive
	case score < negativeThreshold:
		return session.SentimentNegative
	default:
		return session.SentimentNeutral
	}
}
