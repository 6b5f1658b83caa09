package broadcast

import (
	"testing"
	"time"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublishReachesSubscriber(t *testing.T) {
	t.Parallel()
	b := New()

	ch, cancel := b.Subscribe("call-1")
	defer cancel()

	b.Publish("call-1", EventTurnAppended, map[string]any{"text": "hi"})

	ev := recv(t, ch)
	if ev.SessionID != "call-1" || ev.Type != EventTurnAppended {
		t.Errorf("event = %+v", ev)
	}
	if ev.Timestamp.IsZero() {
		t.Error("Timestamp not set")
	}
}

func TestPublishIsScopedPerSession(t *testing.T) {
	t.Parallel()
	b := New()

	ch, cancel := b.Subscribe("call-1")
	defer cancel()

	b.Publish("call-2", EventTurnAppended, nil)

	select {
	case ev := <-ch:
		t.Errorf("received event for another session: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishFansOut(t *testing.T) {
	t.Parallel()
	b := New()

	ch1, cancel1 := b.Subscribe("call-1")
	defer cancel1()
	ch2, cancel2 := b.Subscribe("call-1")
	defer cancel2()

	b.Publish("call-1", EventStateChanged, nil)

	if recv(t, ch1).Type != EventStateChanged {
		t.Error("subscriber 1 missed the event")
	}
	if recv(t, ch2).Type != EventStateChanged {
		t.Error("subscriber 2 missed the event")
	}
}

func TestPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	t.Parallel()
	b := New()

	_, cancel := b.Subscribe("call-1")
	defer cancel()

	// Overfill the subscriber buffer; Publish must return regardless.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*3; i++ {
			b.Publish("call-1", EventTurnAppended, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestTerminalEventRetainedForLateSubscriber(t *testing.T) {
	t.Parallel()
	b := New()

	b.Publish("call-1", EventSessionEnded, map[string]any{"end_reason": "caller-hangup"})

	ch, cancel := b.Subscribe("call-1")
	defer cancel()

	ev := recv(t, ch)
	if ev.Type != EventSessionEnded {
		t.Errorf("late subscriber got %q, want %q", ev.Type, EventSessionEnded)
	}
}

func TestNonTerminalEventsAreNotReplayed(t *testing.T) {
	t.Parallel()
	b := New()

	b.Publish("call-1", EventTurnAppended, nil)
	b.Publish("call-1", EventStateChanged, nil)

	ch, cancel := b.Subscribe("call-1")
	defer cancel()

	select {
	case ev := <-ch:
		t.Errorf("non-terminal event replayed: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancelClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()

	ch, cancel := b.Subscribe("call-1")
	cancel()

	if _, ok := <-ch; ok {
		t.Error("channel still open after cancel")
	}

	// Cancelling twice must not panic.
	cancel()
}

func TestEvictClosesSubscribersAndDropsTerminal(t *testing.T) {
	t.Parallel()
	b := New()

	ch, _ := b.Subscribe("call-1")
	b.Publish("call-1", EventSessionEnded, nil)
	recv(t, ch)

	b.Evict("call-1")

	if _, ok := <-ch; ok {
		t.Error("channel still open after Evict")
	}

	// The retained terminal event is gone.
	late, cancel := b.Subscribe("call-1")
	defer cancel()
	select {
	case ev := <-late:
		t.Errorf("terminal event survived eviction: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

// A subscriber disconnecting while the controller is publishing must never
// panic: cancel and Evict close channels under the same lock Publish sends
// under, so a close can never interleave with a send.
func TestPublishRacesCancelAndEvict(t *testing.T) {
	t.Parallel()
	b := New()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2000; i++ {
			b.Publish("call-1", EventTurnAppended, i)
		}
	}()

	for i := 0; i < 500; i++ {
		ch, cancel := b.Subscribe("call-1")
		// Drain a little so some sends land before the close.
		select {
		case <-ch:
		default:
		}
		cancel()
		if i%10 == 0 {
			b.Evict("call-1")
		}
	}

	<-done
}
