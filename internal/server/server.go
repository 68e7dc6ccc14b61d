// Package server exposes the tutoring session over a small local HTTP API:
// session state and chat log, connect and disconnect controls, local
// recordings, and the archived history when an archive is configured.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/MrWong99/fretmaster/internal/capture"
	"github.com/MrWong99/fretmaster/internal/health"
	"github.com/MrWong99/fretmaster/internal/observe"
	"github.com/MrWong99/fretmaster/internal/recorder"
	"github.com/MrWong99/fretmaster/internal/session"
	"github.com/MrWong99/fretmaster/internal/transcript"
)

// Session is the subset of [session.Manager] the API drives.
type Session interface {
	State() session.State
	SessionID() string
	Volume() float64
	Messages() []transcript.Message
	ConnectWithin(ctx context.Context, d time.Duration) error
	Disconnect() error
	SendText(text string) error
}

// Recorder is the subset of [recorder.Recorder] the API drives.
type Recorder interface {
	Recording() bool
	Start() bool
	Stop() (recorder.Recording, bool)
	Recordings() []recorder.Recording
	Open(id string) (io.ReadSeeker, recorder.Recording, error)
	Release(id string) error
}

// History reads archived sessions. Implemented by the archive store.
type History interface {
	Sessions(ctx context.Context, limit int) ([]string, error)
	Messages(ctx context.Context, sessionID string) ([]transcript.Message, error)
}

// StateResponse is the body of GET /state.
type StateResponse struct {
	Status     session.State        `json:"status"`
	SessionID  string               `json:"session_id,omitempty"`
	Volume     float64              `json:"volume"`
	Messages   []transcript.Message `json:"messages"`
	Recording  bool                 `json:"recording"`
	Recordings []recorder.Recording `json:"recordings"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type sendRequest struct {
	Text string `json:"text"`
}

// Option configures a [Server].
type Option func(*Server)

// WithHistory enables the /sessions endpoints.
func WithHistory(h History) Option {
	return func(s *Server) { s.history = h }
}

// WithHealth registers the /healthz and /readyz endpoints of h.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler serves h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithConnectTimeout bounds POST /connect until the session opens.
func WithConnectTimeout(d time.Duration) Option {
	return func(s *Server) { s.connectTimeout = d }
}

// WithMetrics overrides the metrics used by the request middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// Server routes the HTTP API. It implements [http.Handler].
type Server struct {
	sess Session
	rec  Recorder

	history        History
	health         *health.Handler
	metricsHandler http.Handler
	metrics        *observe.Metrics
	connectTimeout time.Duration

	handler http.Handler
}

var _ http.Handler = (*Server)(nil)

// New builds the route table.
func New(sess Session, rec Recorder, opts ...Option) *Server {
	s := &Server{sess: sess, rec: rec}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /state", s.handleState)
	mux.HandleFunc("POST /connect", s.handleConnect)
	mux.HandleFunc("POST /disconnect", s.handleDisconnect)
	mux.HandleFunc("POST /messages", s.handleSend)

	mux.HandleFunc("POST /recording/start", s.handleRecordStart)
	mux.HandleFunc("POST /recording/stop", s.handleRecordStop)
	mux.HandleFunc("GET /recordings", s.handleRecordings)
	mux.HandleFunc("GET "+recorder.URLPrefix+"{id}", s.handleDownload)
	mux.HandleFunc("DELETE "+recorder.URLPrefix+"{id}", s.handleRelease)

	if s.history != nil {
		mux.HandleFunc("GET /sessions", s.handleSessions)
		mux.HandleFunc("GET /sessions/{id}/messages", s.handleSessionMessages)
	}
	if s.health != nil {
		s.health.Register(mux)
	}
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}

	s.handler = observe.Middleware(s.metrics)(mux)
	return s
}

// ServeHTTP implements [http.Handler].
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// ── Session ──────────────────────────────────────────────────────────────────

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot())
}

func (s *Server) snapshot() StateResponse {
	msgs := s.sess.Messages()
	if msgs == nil {
		msgs = []transcript.Message{}
	}
	recs := s.rec.Recordings()
	if recs == nil {
		recs = []recorder.Recording{}
	}
	return StateResponse{
		Status:     s.sess.State(),
		SessionID:  s.sess.SessionID(),
		Volume:     s.sess.Volume(),
		Messages:   msgs,
		Recording:  s.rec.Recording(),
		Recordings: recs,
	}
}

// handleConnect starts a connect attempt. The attempt outlives the request;
// the response reports the state once devices are acquired and the dial
// completed.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	if err := s.sess.ConnectWithin(ctx, s.connectTimeout); err != nil {
		status := connectStatus(err)
		observe.Logger(r.Context()).Warn("server: connect failed", "status", status, "err", err)
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, s.snapshot())
}

// connectStatus maps a Connect error onto an HTTP status.
func connectStatus(err error) int {
	var (
		mediaErr  *capture.MediaAccessError
		remoteErr *session.RemoteOpenError
	)
	switch {
	case errors.Is(err, session.ErrCredentialMissing):
		return http.StatusUnauthorized
	case errors.Is(err, session.ErrInvalidState), errors.Is(err, session.ErrSuperseded):
		return http.StatusConflict
	case errors.As(err, &mediaErr):
		return http.StatusForbidden
	case errors.As(err, &remoteErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.sess.Disconnect(); err != nil {
		// The session is disconnected regardless; the error only reports
		// a resource that failed to release cleanly.
		observe.Logger(r.Context()).Warn("server: disconnect", "err", err)
	}
	writeJSON(w, http.StatusOK, s.snapshot())
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	if err := s.sess.SendText(req.Text); err != nil {
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// ── Recordings ───────────────────────────────────────────────────────────────

func (s *Server) handleRecordStart(w http.ResponseWriter, _ *http.Request) {
	if !s.rec.Start() {
		msg := "no media stream"
		if s.rec.Recording() {
			msg = "already recording"
		}
		writeJSON(w, http.StatusConflict, errorResponse{Error: msg})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"recording": true})
}

func (s *Server) handleRecordStop(w http.ResponseWriter, _ *http.Request) {
	rec, ok := s.rec.Stop()
	if !ok {
		writeJSON(w, http.StatusConflict, errorResponse{Error: "not recording"})
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleRecordings(w http.ResponseWriter, _ *http.Request) {
	recs := s.rec.Recordings()
	if recs == nil {
		recs = []recorder.Recording{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	body, rec, err := s.rec.Open(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	w.Header().Set("Content-Type", recorder.MIMEType)
	http.ServeContent(w, r, rec.ID+".wav", rec.Timestamp, body)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	if err := s.rec.Release(r.PathValue("id")); err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── History ──────────────────────────────────────────────────────────────────

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	ids, err := s.history.Sessions(r.Context(), 50)
	if err != nil {
		observe.Logger(r.Context()).Error("server: list sessions", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "archive unavailable"})
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, ids)
}

func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.history.Messages(r.Context(), r.PathValue("id"))
	if err != nil {
		observe.Logger(r.Context()).Error("server: session messages", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "archive unavailable"})
		return
	}
	if len(msgs) == 0 {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown session"})
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("server: encode response", "err", err)
	}
}
