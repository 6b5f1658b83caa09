package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/parley-ai/parley/internal/broadcast"
	"github.com/parley-ai/parley/internal/call"
	"github.com/parley-ai/parley/internal/escalation"
	"github.com/parley-ai/parley/internal/observe"
	"github.com/parley-ai/parley/internal/resilience"
	"github.com/parley-ai/parley/internal/session"
	"github.com/parley-ai/parley/pkg/provider/reply"
	replymock "github.com/parley-ai/parley/pkg/provider/reply/mock"
	"github.com/parley-ai/parley/pkg/provider/stt"
	sttmock "github.com/parley-ai/parley/pkg/provider/stt/mock"
)

type testRig struct {
	store *session.Store
	reply *replymock.Provider
	stt   *sttmock.Provider
	eng   *Engine
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	rig := &testRig{
		store: session.NewStore(),
		reply: &replymock.Provider{GenerateResult: reply.Reply{Text: "Happy to help.", Confidence: 0.9}},
		stt:   &sttmock.Provider{TranscribeResult: stt.Result{Text: "hello there", Confidence: 0.9}},
	}

	breakers := resilience.BreakerConfig{Threshold: 100, CoolDown: time.Hour}
	replies := resilience.NewGroup[reply.Provider]("mock", rig.reply, breakers)
	ears := resilience.NewGroup[stt.Provider]("mock", rig.stt, breakers)

	bcast := broadcast.New()
	ctrl := call.NewController(rig.store, escalation.NewEvaluator(escalation.Config{}), bcast, replies,
		call.Config{ListenTimeout: time.Hour}, call.WithMetrics(metrics))
	t.Cleanup(ctrl.Close)

	rig.eng = New(rig.store, ctrl, bcast, WithTranscription(ears), WithMetrics(metrics))
	return rig
}

func TestStartSessionGeneratesID(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)

	id, resp, err := rig.eng.StartSession(context.Background(), "", session.ChannelDemoText, nil)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if id == "" {
		t.Fatal("no session ID generated")
	}
	if resp.SessionID != id || resp.State != session.StateListening || !resp.Listen {
		t.Errorf("response = %+v", resp)
	}
}

func TestStartSessionKeepsProvidedID(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)

	id, _, err := rig.eng.StartSession(context.Background(), "CA123", session.ChannelTelephony, nil)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if id != "CA123" {
		t.Errorf("id = %q, want CA123", id)
	}
}

func TestSubmitUtteranceRendersDelta(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	ctx := context.Background()

	id, _, _ := rig.eng.StartSession(ctx, "", session.ChannelDemoText, nil)

	resp, err := rig.eng.SubmitUtterance(ctx, UtteranceEvent{
		SessionID:      id,
		Text:           "I can't access my account",
		Confidence:     0.92,
		IsFinal:        true,
		SentimentScore: 0.3,
	})
	if err != nil {
		t.Fatalf("SubmitUtterance: %v", err)
	}
	if resp.Utterance != "Happy to help." || !resp.Listen {
		t.Errorf("response = %+v", resp)
	}
}

func TestSubmitUtteranceUnknownSession(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)

	resp, err := rig.eng.SubmitUtterance(context.Background(), UtteranceEvent{
		SessionID: "nope", Text: "hello", IsFinal: true,
	})
	if !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
	if !resp.Hangup {
		t.Errorf("fallback = %+v, want hangup", resp)
	}
}

func TestSubmitUtteranceClampsScores(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	ctx := context.Background()

	id, _, _ := rig.eng.StartSession(ctx, "", session.ChannelDemoText, nil)

	if _, err := rig.eng.SubmitUtterance(ctx, UtteranceEvent{
		SessionID: id, Text: "fine", Confidence: 7.5, IsFinal: true, SentimentScore: -2,
	}); err != nil {
		t.Fatalf("SubmitUtterance: %v", err)
	}

	snap, _ := rig.eng.Snapshot(id)
	callers := snap.CallerTurns()
	if len(callers) != 1 {
		t.Fatalf("caller turns = %d", len(callers))
	}
	if callers[0].Confidence != 1 || callers[0].SentimentScore != 0 {
		t.Errorf("clamped turn = %+v", callers[0])
	}
}

func TestSubmitAudioTranscribes(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	ctx := context.Background()

	id, _, _ := rig.eng.StartSession(ctx, "", session.ChannelDemoVoice, nil)

	resp, err := rig.eng.SubmitAudio(ctx, id, []byte("pcm-bytes"), "wav")
	if err != nil {
		t.Fatalf("SubmitAudio: %v", err)
	}
	if resp.Utterance != "Happy to help." {
		t.Errorf("response = %+v", resp)
	}

	snap, _ := rig.eng.Snapshot(id)
	callers := snap.CallerTurns()
	if len(callers) != 1 || callers[0].Text != "hello there" {
		t.Errorf("caller turns = %+v", callers)
	}
}

func TestSubmitAudioEmptyTextRePrompts(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	ctx := context.Background()

	rig.stt.TranscribeResult = stt.Result{Text: ""}

	id, _, _ := rig.eng.StartSession(ctx, "", session.ChannelDemoVoice, nil)
	before, _ := rig.eng.Snapshot(id)

	resp, err := rig.eng.SubmitAudio(ctx, id, []byte("silence"), "wav")
	if err != nil {
		t.Fatalf("SubmitAudio: %v", err)
	}
	if resp.Utterance == "" || !resp.Listen {
		t.Errorf("response = %+v, want re-prompt", resp)
	}

	after, _ := rig.eng.Snapshot(id)
	if len(after.Turns) != len(before.Turns) {
		t.Error("no-speech audio appended a turn")
	}
}

func TestOnDemoAdvanceStepsScript(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	ctx := context.Background()

	id, _, _ := rig.eng.StartSession(ctx, "", session.ChannelDemoText, nil)

	for i := 0; i < len(demoScript); i++ {
		resp, err := rig.eng.OnDemoAdvance(ctx, id)
		if err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
		if resp.Hangup {
			// The scripted sentiment decline may legitimately escalate.
			break
		}
	}

	snap, _ := rig.eng.Snapshot(id)
	if len(snap.CallerTurns()) == 0 {
		t.Error("demo advance appended no caller turns")
	}
}

func TestOnDemoAdvanceExhaustedScriptEndsSession(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	ctx := context.Background()

	id, _, _ := rig.eng.StartSession(ctx, "", session.ChannelDemoText, nil)

	var last Response
	for i := 0; i <= len(demoScript); i++ {
		resp, err := rig.eng.OnDemoAdvance(ctx, id)
		if err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
		last = resp
		if resp.Hangup {
			break
		}
	}
	if !last.Hangup {
		t.Errorf("script ran out without ending the session: %+v", last)
	}
}

func TestSubscribeDeliversEvents(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	ctx := context.Background()

	id, _, _ := rig.eng.StartSession(ctx, "", session.ChannelDemoText, nil)

	events, cancel := rig.eng.Subscribe(ctx, id)
	defer cancel()

	rig.eng.EndSession(ctx, id, "test-done")

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == broadcast.EventSessionEnded {
				return
			}
		case <-deadline:
			t.Fatal("terminal event never delivered")
		}
	}
}

func TestSubscribeCancelIsIdempotent(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	ctx := context.Background()

	id, _, _ := rig.eng.StartSession(ctx, "", session.ChannelDemoText, nil)
	_, cancel := rig.eng.Subscribe(ctx, id)
	cancel()
	cancel()
}

func TestFallbackTerminalSession(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	ctx := context.Background()

	id, _, _ := rig.eng.StartSession(ctx, "", session.ChannelDemoText, nil)
	rig.eng.EndSession(ctx, id, "done")

	resp := rig.eng.Fallback(id)
	if !resp.Hangup || resp.Listen {
		t.Errorf("fallback for terminal session = %+v", resp)
	}
}

// The turn sequence rendered to the widget JSON shape and parsed back must
// reproduce the ordered text/sentiment/emotion fields exactly.
func TestTranscriptJSONRoundTrip(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	ctx := context.Background()

	id, _, _ := rig.eng.StartSession(ctx, "", session.ChannelDemoText, nil)
	rig.eng.SubmitUtterance(ctx, UtteranceEvent{
		SessionID: id, Text: "first", Confidence: 0.9, IsFinal: true,
		SentimentScore: 0.3, EmotionScores: map[string]float64{"anger": 0.4, "joy": 0.1},
	})
	rig.eng.SubmitUtterance(ctx, UtteranceEvent{
		SessionID: id, Text: "second", Confidence: 0.8, IsFinal: true,
		SentimentScore: 0.7, EmotionScores: map[string]float64{"joy": 0.8},
	})

	snap, err := rig.eng.Snapshot(id)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	encoded, err := json.Marshal(snap.Turns)
	if err != nil {
		t.Fatalf("marshal turns: %v", err)
	}
	var decoded []session.Turn
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unmarshal turns: %v", err)
	}

	if len(decoded) != len(snap.Turns) {
		t.Fatalf("round-trip turn count = %d, want %d", len(decoded), len(snap.Turns))
	}
	for i, turn := range snap.Turns {
		got := decoded[i]
		if got.Speaker != turn.Speaker || got.Text != turn.Text ||
			got.SentimentLabel != turn.SentimentLabel ||
			got.SentimentScore != turn.SentimentScore ||
			got.Confidence != turn.Confidence {
			t.Errorf("turn %d round-trip mismatch: %+v vs %+v", i, got, turn)
		}
		for key, v := range turn.EmotionScores {
			if got.EmotionScores[key] != v {
				t.Errorf("turn %d emotion %q = %v, want %v", i, key, got.EmotionScores[key], v)
			}
		}
	}
}
