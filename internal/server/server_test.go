package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/fretmaster/internal/capture"
	"github.com/MrWong99/fretmaster/internal/health"
	"github.com/MrWong99/fretmaster/internal/observe"
	"github.com/MrWong99/fretmaster/internal/recorder"
	"github.com/MrWong99/fretmaster/internal/session"
	"github.com/MrWong99/fretmaster/internal/transcript"
)

// ── Fakes ────────────────────────────────────────────────────────────────────

type fakeSession struct {
	mu          sync.Mutex
	state       session.State
	id          string
	messages    []transcript.Message
	connectErr  error
	sendErr     error
	sent        []string
	timeouts    []time.Duration
	disconnects int
}

func (f *fakeSession) State() session.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSession) SessionID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.id
}

func (f *fakeSession) Volume() float64 { return 0.25 }

func (f *fakeSession) Messages() []transcript.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages
}

func (f *fakeSession) ConnectWithin(_ context.Context, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timeouts = append(f.timeouts, d)
	if f.connectErr != nil {
		f.state = session.StateError
		return f.connectErr
	}
	f.state = session.StateConnecting
	f.id = "sess-1"
	return nil
}

func (f *fakeSession) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.state = session.StateDisconnected
	f.id = ""
	return nil
}

func (f *fakeSession) SendText(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, text)
	return nil
}

type fakeRecorder struct {
	mu        sync.Mutex
	hasStream bool
	active    bool
	clips     map[string][]byte
	list      []recorder.Recording
}

func (f *fakeRecorder) Recording() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeRecorder) Start() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.hasStream || f.active {
		return false
	}
	f.active = true
	return true
}

func (f *fakeRecorder) Stop() (recorder.Recording, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.active {
		return recorder.Recording{}, false
	}
	f.active = false
	rec := recorder.Recording{ID: "new", URL: recorder.URLPrefix + "new", SampleRate: 16000}
	f.list = append([]recorder.Recording{rec}, f.list...)
	return rec, true
}

func (f *fakeRecorder) Recordings() []recorder.Recording {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.list
}

func (f *fakeRecorder) Open(id string) (io.ReadSeeker, recorder.Recording, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.clips[id]
	if !ok {
		return nil, recorder.Recording{}, recorder.ErrNotFound
	}
	return bytes.NewReader(data), recorder.Recording{ID: id, Timestamp: time.Unix(1700000000, 0)}, nil
}

func (f *fakeRecorder) Release(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.clips[id]; !ok {
		return recorder.ErrNotFound
	}
	delete(f.clips, id)
	return nil
}

type fakeHistory struct {
	ids  []string
	msgs map[string][]transcript.Message
	err  error
}

func (f *fakeHistory) Sessions(context.Context, int) ([]string, error) { return f.ids, f.err }

func (f *fakeHistory) Messages(_ context.Context, id string) ([]transcript.Message, error) {
	return f.msgs[id], f.err
}

// ── Helpers ──────────────────────────────────────────────────────────────────

func newTestServer(t *testing.T, sess *fakeSession, rec *fakeRecorder, opts ...Option) *Server {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return New(sess, rec, append([]Option{WithMetrics(m)}, opts...)...)
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, r))
	return rec
}

// ── Tests ────────────────────────────────────────────────────────────────────

func TestState(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)
	sess := &fakeSession{
		state:    session.StateConnected,
		id:       "sess-9",
		messages: []transcript.Message{{Role: transcript.RoleUser, Text: "Bajao", Timestamp: ts}},
	}
	rec := &fakeRecorder{active: true, list: []recorder.Recording{{ID: "r1", URL: "/recordings/r1"}}}
	srv := newTestServer(t, sess, rec)

	resp := do(t, srv, "GET", "/state", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d", resp.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "connected" || body["session_id"] != "sess-9" || body["recording"] != true {
		t.Errorf("body = %v", body)
	}
	if body["volume"] != 0.25 {
		t.Errorf("volume = %v, want 0.25", body["volume"])
	}
	msgs := body["messages"].([]any)
	if len(msgs) != 1 || msgs[0].(map[string]any)["text"] != "Bajao" {
		t.Errorf("messages = %v", msgs)
	}
	if recs := body["recordings"].([]any); len(recs) != 1 {
		t.Errorf("recordings = %v", recs)
	}
}

func TestState_EmptyListsAreArrays(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeSession{}, &fakeRecorder{})
	resp := do(t, srv, "GET", "/state", "")
	if !strings.Contains(resp.Body.String(), `"messages":[]`) || !strings.Contains(resp.Body.String(), `"recordings":[]`) {
		t.Errorf("body = %s, want empty arrays", resp.Body.String())
	}
}

func TestConnect(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"ok", nil, http.StatusAccepted},
		{"credential", session.ErrCredentialMissing, http.StatusUnauthorized},
		{"busy", fmt.Errorf("%w: connect while connected", session.ErrInvalidState), http.StatusConflict},
		{"media", &capture.MediaAccessError{Err: errors.New("denied")}, http.StatusForbidden},
		{"remote", &session.RemoteOpenError{Err: errors.New("403")}, http.StatusBadGateway},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sess := &fakeSession{connectErr: tt.err}
			srv := newTestServer(t, sess, &fakeRecorder{}, WithConnectTimeout(15*time.Second))
			resp := do(t, srv, "POST", "/connect", "")
			if resp.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.Code, tt.wantStatus)
			}
			if len(sess.timeouts) != 1 || sess.timeouts[0] != 15*time.Second {
				t.Errorf("timeouts = %v, want [15s]", sess.timeouts)
			}
		})
	}
}

func TestDisconnect(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{state: session.StateConnected, id: "x"}
	srv := newTestServer(t, sess, &fakeRecorder{})
	resp := do(t, srv, "POST", "/disconnect", "")
	if resp.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.Code)
	}
	if sess.disconnects != 1 {
		t.Errorf("disconnects = %d, want 1", sess.disconnects)
	}
	if !strings.Contains(resp.Body.String(), `"status":"disconnected"`) {
		t.Errorf("body = %s", resp.Body.String())
	}
}

func TestSendMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		body       string
		sendErr    error
		wantStatus int
		wantSent   []string
	}{
		{"ok", `{"text":"is my B string flat?"}`, nil, http.StatusAccepted, []string{"is my B string flat?"}},
		{"bad json", `{`, nil, http.StatusBadRequest, nil},
		{"not connected", `{"text":"hi"}`, session.ErrInvalidState, http.StatusConflict, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sess := &fakeSession{sendErr: tt.sendErr}
			srv := newTestServer(t, sess, &fakeRecorder{})
			resp := do(t, srv, "POST", "/messages", tt.body)
			if resp.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.Code, tt.wantStatus)
			}
			if len(sess.sent) != len(tt.wantSent) {
				t.Errorf("sent = %v, want %v", sess.sent, tt.wantSent)
			}
		})
	}
}

func TestRecordingLifecycle(t *testing.T) {
	t.Parallel()

	rec := &fakeRecorder{hasStream: true, clips: map[string][]byte{}}
	srv := newTestServer(t, &fakeSession{}, rec)

	if resp := do(t, srv, "POST", "/recording/stop", ""); resp.Code != http.StatusConflict {
		t.Errorf("stop while idle = %d, want 409", resp.Code)
	}
	if resp := do(t, srv, "POST", "/recording/start", ""); resp.Code != http.StatusOK {
		t.Fatalf("start = %d, want 200", resp.Code)
	}
	resp := do(t, srv, "POST", "/recording/start", "")
	if resp.Code != http.StatusConflict || !strings.Contains(resp.Body.String(), "already recording") {
		t.Errorf("second start = %d %s", resp.Code, resp.Body.String())
	}
	resp = do(t, srv, "POST", "/recording/stop", "")
	if resp.Code != http.StatusCreated || !strings.Contains(resp.Body.String(), `"url":"/recordings/new"`) {
		t.Errorf("stop = %d %s", resp.Code, resp.Body.String())
	}
	resp = do(t, srv, "GET", "/recordings", "")
	if !strings.Contains(resp.Body.String(), `"id":"new"`) {
		t.Errorf("list = %s", resp.Body.String())
	}
}

func TestRecordStart_NoStream(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeSession{}, &fakeRecorder{})
	resp := do(t, srv, "POST", "/recording/start", "")
	if resp.Code != http.StatusConflict || !strings.Contains(resp.Body.String(), "no media stream") {
		t.Errorf("start = %d %s", resp.Code, resp.Body.String())
	}
}

func TestDownloadAndRelease(t *testing.T) {
	t.Parallel()

	clip := []byte("RIFF....WAVEfmt ")
	rec := &fakeRecorder{clips: map[string][]byte{"r1": clip}}
	srv := newTestServer(t, &fakeSession{}, rec)

	resp := do(t, srv, "GET", "/recordings/r1", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("download = %d", resp.Code)
	}
	if ct := resp.Header().Get("Content-Type"); ct != "audio/wav" {
		t.Errorf("Content-Type = %q, want audio/wav", ct)
	}
	if !bytes.Equal(resp.Body.Bytes(), clip) {
		t.Errorf("body = %q", resp.Body.Bytes())
	}

	req := httptest.NewRequest("GET", "/recordings/r1", nil)
	req.Header.Set("Range", "bytes=0-3")
	ranged := httptest.NewRecorder()
	srv.ServeHTTP(ranged, req)
	if ranged.Code != http.StatusPartialContent || ranged.Body.String() != "RIFF" {
		t.Errorf("range = %d %q", ranged.Code, ranged.Body.String())
	}

	if resp := do(t, srv, "DELETE", "/recordings/r1", ""); resp.Code != http.StatusNoContent {
		t.Errorf("release = %d, want 204", resp.Code)
	}
	if resp := do(t, srv, "GET", "/recordings/r1", ""); resp.Code != http.StatusNotFound {
		t.Errorf("download after release = %d, want 404", resp.Code)
	}
	if resp := do(t, srv, "DELETE", "/recordings/r1", ""); resp.Code != http.StatusNotFound {
		t.Errorf("second release = %d, want 404", resp.Code)
	}
}

func TestHistory(t *testing.T) {
	t.Parallel()

	hist := &fakeHistory{
		ids: []string{"b", "a"},
		msgs: map[string][]transcript.Message{
			"a": {{Role: transcript.RoleModel, Text: "Nice."}},
		},
	}
	srv := newTestServer(t, &fakeSession{}, &fakeRecorder{}, WithHistory(hist))

	if resp := do(t, srv, "GET", "/sessions", ""); strings.TrimSpace(resp.Body.String()) != `["b","a"]` {
		t.Errorf("sessions = %s", resp.Body.String())
	}
	if resp := do(t, srv, "GET", "/sessions/a/messages", ""); resp.Code != http.StatusOK {
		t.Errorf("messages a = %d", resp.Code)
	}
	if resp := do(t, srv, "GET", "/sessions/zzz/messages", ""); resp.Code != http.StatusNotFound {
		t.Errorf("messages unknown = %d, want 404", resp.Code)
	}

	hist.err = errors.New("db down")
	if resp := do(t, srv, "GET", "/sessions", ""); resp.Code != http.StatusInternalServerError {
		t.Errorf("sessions on error = %d, want 500", resp.Code)
	}
}

func TestHistoryDisabled(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeSession{}, &fakeRecorder{})
	if resp := do(t, srv, "GET", "/sessions", ""); resp.Code != http.StatusNotFound {
		t.Errorf("sessions without archive = %d, want 404", resp.Code)
	}
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	t.Parallel()

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "# metrics\n")
	})
	sess := &fakeSession{state: session.StateConnected}
	hh := health.New(
		[]health.Checker{health.Credential(func() string { return "" })},
		health.WithState(func() string { return sess.State().String() }),
	)
	srv := newTestServer(t, sess, &fakeRecorder{}, WithHealth(hh), WithMetricsHandler(metrics))

	if resp := do(t, srv, "GET", "/healthz", ""); !strings.Contains(resp.Body.String(), `"session":"connected"`) {
		t.Errorf("healthz = %s", resp.Body.String())
	}
	if resp := do(t, srv, "GET", "/readyz", ""); resp.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz without key = %d, want 503", resp.Code)
	}
	if resp := do(t, srv, "GET", "/metrics", ""); resp.Body.String() != "# metrics\n" {
		t.Errorf("metrics = %q", resp.Body.String())
	}
}
