package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry in a [Group] fails or has an open
// breaker.
var ErrAllFailed = errors.New("resilience: all collaborators failed")

// groupEntry pairs a collaborator with its dedicated breaker.
type groupEntry[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// Group wraps a primary and zero or more fallback instances of the same
// collaborator type. When the primary fails (or its circuit is open), the
// next healthy fallback is tried in registration order.
//
// Group is safe for concurrent use after construction; register all
// fallbacks before handing the group to the engine.
type Group[T any] struct {
	entries []groupEntry[T]
	cfg     BreakerConfig
}

// NewGroup creates a [Group] with primary as the first entry. cfg seeds the
// per-entry breakers; the Name field is overridden per entry.
func NewGroup[T any](primaryName string, primary T, cfg BreakerConfig) *Group[T] {
	g := &Group[T]{cfg: cfg}
	g.add(primaryName, primary)
	return g
}

// AddFallback appends a fallback collaborator, tried after all earlier entries.
func (g *Group[T]) AddFallback(name string, fallback T) {
	g.add(name, fallback)
}

func (g *Group[T]) add(name string, value T) {
	cfg := g.cfg
	cfg.Name = name
	g.entries = append(g.entries, groupEntry[T]{
		name:    name,
		value:   value,
		breaker: NewBreaker(cfg),
	})
}

// Do tries fn against each entry in order until one succeeds. Entries with an
// open circuit are skipped. Returns [ErrAllFailed] wrapping the last error
// when every entry fails.
func (g *Group[T]) Do(fn func(T) error) error {
	var lastErr error
	for i := range g.entries {
		e := &g.entries[i]
		err := e.breaker.Do(func() error { return fn(e.value) })
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, ErrOpen) {
			slog.Debug("skipping collaborator, circuit open", "collaborator", e.name)
		} else {
			slog.Warn("collaborator failed, trying next", "collaborator", e.name, "error", err)
		}
	}
	return fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}

// DoWithResult tries fn against each entry in the group until one succeeds,
// returning the produced value. A package-level function because Go does not
// support method-level type parameters.
func DoWithResult[T any, R any](g *Group[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range g.entries {
		e := &g.entries[i]
		var result R
		err := e.breaker.Do(func() error {
			var innerErr error
			result, innerErr = fn(e.value)
			return innerErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrOpen) {
			slog.Debug("skipping collaborator, circuit open", "collaborator", e.name)
		} else {
			slog.Warn("collaborator failed, trying next", "collaborator", e.name, "error", err)
		}
	}
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
