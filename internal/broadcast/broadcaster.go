// Package broadcast fans out session state deltas to interested observers,
// typically dashboard websocket connections.
//
// Delivery is at-least-once to subscribers connected at publish time; there is
// no replay buffer. The single exception is the most recent terminal event per
// session, which is retained until the session is evicted so a late subscriber
// can still learn the outcome.
package broadcast

import (
	"log/slog"
	"sync"
	"time"
)

// EventType names a session state delta.
type EventType string

const (
	// EventSessionStarted fires once when a session is created.
	EventSessionStarted EventType = "session.started"

	// EventTurnAppended fires for every committed turn.
	EventTurnAppended EventType = "turn.appended"

	// EventTranscriptPartial fires for interim caller utterances.
	EventTranscriptPartial EventType = "transcript.partial"

	// EventStateChanged fires on every lifecycle state transition.
	EventStateChanged EventType = "state.changed"

	// EventRePrompt fires when a listening timeout triggers the re-prompt
	// utterance. No turn is appended for it.
	EventRePrompt EventType = "listening.reprompt"

	// EventSessionEnded is the terminal event, retained for late subscribers.
	EventSessionEnded EventType = "session.ended"
)

// Event is one session state delta.
type Event struct {
	SessionID string    `json:"session_id"`
	Type      EventType `json:"type"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// subscriberBuffer is the per-subscriber channel capacity. A subscriber that
// falls further behind than this loses events rather than blocking publishers.
const subscriberBuffer = 16

// Broadcaster is a per-session publish/subscribe registry.
// All methods are safe for concurrent use.
type Broadcaster struct {
	mu       sync.RWMutex
	nextID   int
	subs     map[string]map[int]chan Event
	terminal map[string]Event
}

// New creates an empty Broadcaster.
func New() *Broadcaster {
	return &Broadcaster{
		subs:     make(map[string]map[int]chan Event),
		terminal: make(map[string]Event),
	}
}

// Publish delivers an event to every current subscriber of sessionID.
// Publish never blocks: a subscriber whose buffer is full is skipped with a
// warning. A [EventSessionEnded] event is additionally retained so that
// subscribers arriving afterwards still receive it.
func (b *Broadcaster) Publish(sessionID string, typ EventType, payload any) {
	ev := Event{
		SessionID: sessionID,
		Type:      typ,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	// The sends stay under the lock: cancel and Evict close subscriber
	// channels while holding it, so sending outside would race a close.
	// Every send is non-blocking, so the lock is never held up by a slow
	// subscriber.
	b.mu.Lock()
	defer b.mu.Unlock()

	if typ == EventSessionEnded {
		b.terminal[sessionID] = ev
	}
	for _, ch := range b.subs[sessionID] {
		select {
		case ch <- ev:
		default:
			slog.Warn("broadcast: dropping event for slow subscriber",
				"session_id", sessionID, "type", typ)
		}
	}
}

// Subscribe registers an observer for sessionID and returns its event channel
// plus a cancel function. If the session has already ended, the retained
// terminal event is delivered immediately. The channel is closed by cancel or
// by [Broadcaster.Evict].
func (b *Broadcaster) Subscribe(sessionID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[int]chan Event)
	}
	b.subs[sessionID][id] = ch
	term, hasTerm := b.terminal[sessionID]
	b.mu.Unlock()

	if hasTerm {
		ch <- term
	}

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[sessionID][id]; ok {
			delete(b.subs[sessionID], id)
			if len(b.subs[sessionID]) == 0 {
				delete(b.subs, sessionID)
			}
			close(sub)
		}
	}
	return ch, cancel
}

// Evict drops the retained terminal event for sessionID and closes any
// remaining subscriber channels. Called when the session leaves the store.
func (b *Broadcaster) Evict(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.terminal, sessionID)
	for id, ch := range b.subs[sessionID] {
		delete(b.subs[sessionID], id)
		close(ch)
	}
	delete(b.subs, sessionID)
}
