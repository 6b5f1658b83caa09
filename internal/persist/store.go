// Package persist writes finished call sessions to PostgreSQL.
//
// The write happens after the session reaches a terminal state and is
// fire-and-forget from the engine's perspective: a failed write is logged and
// counted but never changes the caller-facing outcome.
package persist

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parley-ai/parley/internal/session"
)

const ddlCalls = `
CREATE TABLE IF NOT EXISTS calls (
    id                TEXT         PRIMARY KEY,
    channel           TEXT         NOT NULL,
    state             TEXT         NOT NULL,
    escalated         BOOLEAN      NOT NULL DEFAULT FALSE,
    escalation_reason TEXT         NOT NULL DEFAULT '',
    end_reason        TEXT         NOT NULL DEFAULT '',
    overall_label     TEXT         NOT NULL DEFAULT 'neutral',
    overall_score     DOUBLE PRECISION NOT NULL DEFAULT 0,
    emotion_averages  JSONB        NOT NULL DEFAULT '{}'::jsonb,
    metadata          JSONB        NOT NULL DEFAULT '{}'::jsonb,
    started_at        TIMESTAMPTZ  NOT NULL,
    ended_at          TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_calls_started_at
    ON calls (started_at);

CREATE INDEX IF NOT EXISTS idx_calls_escalated
    ON calls (escalated) WHERE escalated;
`

const ddlCallTurns = `
CREATE TABLE IF NOT EXISTS call_turns (
    id              BIGSERIAL    PRIMARY KEY,
    call_id         TEXT         NOT NULL REFERENCES calls (id) ON DELETE CASCADE,
    turn_index      INT          NOT NULL,
    speaker         TEXT         NOT NULL,
    text            TEXT         NOT NULL,
    sentiment_label TEXT         NOT NULL,
    sentiment_score DOUBLE PRECISION NOT NULL,
    emotion_scores  JSONB        NOT NULL DEFAULT '{}'::jsonb,
    confidence      DOUBLE PRECISION NOT NULL,
    created_at      TIMESTAMPTZ  NOT NULL,

    UNIQUE (call_id, turn_index)
);

CREATE INDEX IF NOT EXISTS idx_call_turns_call_id
    ON call_turns (call_id);
`

// Store is the PostgreSQL-backed call-record store.
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn and ensures the schema exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("persist: connect: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the calls and call_turns tables if absent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, ddl := range []string{ddlCalls, ddlCallTurns} {
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("persist: ensure schema: %w", err)
		}
	}
	return nil
}

// WriteCallRecord stores the terminal session snapshot: one calls row plus one
// call_turns row per turn, in a single batch inside a transaction. Writing the
// same session twice replaces the earlier record.
func (s *Store) WriteCallRecord(ctx context.Context, sess *session.CallSession) error {
	emotions, err := json.Marshal(sess.Sentiment.EmotionAverages)
	if err != nil {
		return fmt.Errorf("persist: encode emotion averages: %w", err)
	}
	metadata, err := json.Marshal(sess.Metadata)
	if err != nil {
		return fmt.Errorf("persist: encode metadata: %w", err)
	}

	batch := &pgx.Batch{}
	batch.Queue(`
		INSERT INTO calls
		    (id, channel, state, escalated, escalation_reason, end_reason,
		     overall_label, overall_score, emotion_averages, metadata,
		     started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
		    state             = EXCLUDED.state,
		    escalated         = EXCLUDED.escalated,
		    escalation_reason = EXCLUDED.escalation_reason,
		    end_reason        = EXCLUDED.end_reason,
		    overall_label     = EXCLUDED.overall_label,
		    overall_score     = EXCLUDED.overall_score,
		    emotion_averages  = EXCLUDED.emotion_averages,
		    metadata          = EXCLUDED.metadata,
		    ended_at          = EXCLUDED.ended_at`,
		sess.ID,
		sess.Channel,
		sess.State,
		sess.Escalated,
		sess.EscalationReason,
		sess.EndReason,
		sess.Sentiment.OverallLabel,
		sess.Sentiment.OverallScore,
		emotions,
		metadata,
		sess.StartedAt,
		nullableTime(sess),
	)
	batch.Queue(`DELETE FROM call_turns WHERE call_id = $1`, sess.ID)

	for i, t := range sess.Turns {
		scores, err := json.Marshal(t.EmotionScores)
		if err != nil {
			return fmt.Errorf("persist: encode turn %d emotion scores: %w", i, err)
		}
		batch.Queue(`
			INSERT INTO call_turns
			    (call_id, turn_index, speaker, text, sentiment_label,
			     sentiment_score, emotion_scores, confidence, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			sess.ID, i, t.Speaker, t.Text, t.SentimentLabel,
			t.SentimentScore, scores, t.Confidence, t.CreatedAt,
		)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("persist: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("persist: write call record %q: %w", sess.ID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("persist: commit call record %q: %w", sess.ID, err)
	}
	return nil
}

// Ping checks database connectivity, for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("persist: ping: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// nullableTime maps the zero EndedAt to SQL NULL.
func nullableTime(sess *session.CallSession) any {
	if sess.EndedAt.IsZero() {
		return nil
	}
	return sess.EndedAt
}
