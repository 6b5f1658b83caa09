// Package httpapi is the signaling adapter: the HTTP surface translating
// telephony webhooks, demo-widget calls, and dashboard subscriptions into
// engine operations.
//
// Telephony endpoints always answer 200 with an instruction document — a
// fault mid-call must degrade to a safe spoken fallback, never to an HTTP
// error the signaling provider would read as a dead call. The demo/JSON
// endpoints map the engine's error taxonomy onto conventional status codes.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parley-ai/parley/internal/call"
	"github.com/parley-ai/parley/internal/engine"
	"github.com/parley-ai/parley/internal/health"
	"github.com/parley-ai/parley/internal/observe"
	"github.com/parley-ai/parley/internal/session"
	"github.com/parley-ai/parley/internal/telephony"
)

// maxAudioBytes bounds demo audio uploads.
const maxAudioBytes = 10 << 20

// Server holds the HTTP handlers around one engine.
type Server struct {
	eng     *engine.Engine
	markup  telephony.Renderer
	health  *health.Handler
	metrics *observe.Metrics
}

// New assembles a Server. markup carries the telephony provider settings
// (voice, gather action URL, gather timeout).
func New(eng *engine.Engine, markup telephony.Renderer, h *health.Handler, m *observe.Metrics) *Server {
	return &Server{eng: eng, markup: markup, health: h, metrics: m}
}

// Handler returns the full route table wrapped in the observability
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Telephony webhooks (form-encoded, answered with instruction markup).
	mux.HandleFunc("POST /telephony/call", s.onCallStart)
	mux.HandleFunc("POST /telephony/utterance", s.onUtterance)
	mux.HandleFunc("POST /telephony/status", s.onCallStatus)

	// Demo widget (JSON).
	mux.HandleFunc("POST /demo/sessions", s.demoStart)
	mux.HandleFunc("POST /demo/sessions/{id}/utterance", s.demoUtterance)
	mux.HandleFunc("POST /demo/sessions/{id}/audio", s.demoAudio)
	mux.HandleFunc("POST /demo/sessions/{id}/advance", s.demoAdvance)
	mux.HandleFunc("DELETE /demo/sessions/{id}", s.demoEnd)

	// Read surface.
	mux.HandleFunc("GET /sessions/{id}", s.snapshot)
	mux.HandleFunc("GET /sessions/{id}/events", s.events)

	s.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	return observe.Middleware(s.metrics)(mux)
}

// ── Telephony ────────────────────────────────────────────────────────────────

func (s *Server) onCallStart(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	id := r.PostFormValue("CallSid")
	metadata := map[string]string{
		"from": r.PostFormValue("From"),
		"to":   r.PostFormValue("To"),
	}

	_, _, err := s.eng.StartSession(r.Context(), id, session.ChannelTelephony, metadata)
	if err != nil && !errors.Is(err, session.ErrExists) {
		observe.Logger(r.Context()).Error("call start failed", "call_sid", id, "error", err)
		s.writeMarkup(w, s.markup.RenderError(true))
		return
	}

	// The greeting output is rebuilt from the snapshot so a duplicate start
	// webhook replays the same instruction instead of failing.
	snap, err := s.eng.Snapshot(id)
	if err != nil {
		s.writeMarkup(w, s.markup.RenderError(true))
		return
	}
	out := call.Output{Session: snap, Listen: !snap.State.Terminal(), Hangup: snap.State.Terminal()}
	if last, ok := snap.LastTurn(); ok && last.Speaker == session.SpeakerAgent {
		out.Utterance = last.Text
	}
	s.writeMarkup(w, s.markup.Render(out))
}

func (s *Server) onUtterance(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	id := r.PostFormValue("CallSid")
	confidence, _ := strconv.ParseFloat(r.PostFormValue("Confidence"), 64)

	resp, err := s.eng.SubmitUtterance(r.Context(), engine.UtteranceEvent{
		SessionID:      id,
		Text:           r.PostFormValue("SpeechResult"),
		Confidence:     confidence,
		IsFinal:        true,
		SentimentScore: 0.5,
	})
	if err != nil {
		observe.Logger(r.Context()).Warn("utterance handling failed", "call_sid", id, "error", err)
		s.writeMarkup(w, s.markup.RenderError(resp.Hangup))
		return
	}
	s.writeMarkup(w, s.markup.Render(call.Output{
		Utterance: resp.Utterance,
		Listen:    resp.Listen,
		Hangup:    resp.Hangup,
	}))
}

func (s *Server) onCallStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	id := r.PostFormValue("CallSid")
	status := r.PostFormValue("CallStatus")

	switch status {
	case "completed", "busy", "failed", "no-answer", "canceled":
		if _, err := s.eng.EndSession(r.Context(), id, "caller-hangup"); err != nil &&
			!errors.Is(err, session.ErrNotFound) {
			observe.Logger(r.Context()).Warn("call end failed", "call_sid", id, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeMarkup(w http.ResponseWriter, doc telephony.Document) {
	body, err := doc.Encode()
	if err != nil {
		http.Error(w, "render failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.Write(body)
}

// ── Demo widget ──────────────────────────────────────────────────────────────

type demoStartRequest struct {
	Channel  session.Channel   `json:"channel"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (s *Server) demoStart(w http.ResponseWriter, r *http.Request) {
	var req demoStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Channel == "" {
		req.Channel = session.ChannelDemoText
	}
	if !req.Channel.IsValid() || req.Channel == session.ChannelTelephony {
		writeError(w, http.StatusBadRequest, "channel must be demo-text or demo-voice")
		return
	}

	_, resp, err := s.eng.StartSession(r.Context(), "", req.Channel, req.Metadata)
	if err != nil {
		s.writeEngineError(w, r, resp, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) demoUtterance(w http.ResponseWriter, r *http.Request) {
	var ev engine.UtteranceEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	ev.SessionID = r.PathValue("id")

	resp, err := s.eng.SubmitUtterance(r.Context(), ev)
	if err != nil {
		s.writeEngineError(w, r, resp, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) demoAudio(w http.ResponseWriter, r *http.Request) {
	audio, err := io.ReadAll(io.LimitReader(r.Body, maxAudioBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read audio body")
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "wav"
	}

	resp, err := s.eng.SubmitAudio(r.Context(), r.PathValue("id"), audio, format)
	if err != nil {
		s.writeEngineError(w, r, resp, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) demoAdvance(w http.ResponseWriter, r *http.Request) {
	resp, err := s.eng.OnDemoAdvance(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, r, resp, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) demoEnd(w http.ResponseWriter, r *http.Request) {
	resp, err := s.eng.EndSession(r.Context(), r.PathValue("id"), "demo-closed")
	if err != nil {
		s.writeEngineError(w, r, resp, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ── Read surface ─────────────────────────────────────────────────────────────

func (s *Server) snapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.eng.Snapshot(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown session")
			return
		}
		writeError(w, http.StatusInternalServerError, "snapshot failed")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// events upgrades to a websocket and streams broadcast events until the
// client disconnects or the session is evicted.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.eng.Snapshot(id); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown session")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
	if err != nil {
		observe.Logger(r.Context()).Warn("websocket accept failed", "session_id", id, "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	events, cancel := s.eng.Subscribe(r.Context(), id)
	defer cancel()

	// The subscription is write-only; CloseRead surfaces client disconnects.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}

// ── Shared helpers ───────────────────────────────────────────────────────────

// writeEngineError maps the engine error taxonomy onto HTTP status codes,
// carrying the safe fallback response as the body.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, resp engine.Response, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrExists),
		errors.Is(err, call.ErrInvalidState),
		errors.Is(err, call.ErrSessionBusy):
		status = http.StatusConflict
	}
	observe.Logger(r.Context()).Warn("engine call failed",
		"path", r.URL.Path, "status", status, "error", err)
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
