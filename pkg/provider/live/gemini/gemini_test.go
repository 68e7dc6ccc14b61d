package gemini_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/fretmaster/pkg/provider/live"
	"github.com/MrWong99/fretmaster/pkg/provider/live/gemini"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer launches a test WebSocket server. The handler receives the
// accepted connection; the server is closed when the test finishes.
func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// nextEvent waits for the next event on ch.
func nextEvent(t *testing.T, ch <-chan live.Event) live.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return live.Event{}
}

func connect(t *testing.T, srv *httptest.Server, cfg live.SessionConfig) live.Session {
	t.Helper()
	p := gemini.New("test-api-key", gemini.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { sess.Close() })
	return sess
}

// ── Setup ─────────────────────────────────────────────────────────────────────

func TestConnect_SendsSetup(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			Model            string `json:"model"`
			GenerationConfig struct {
				ResponseModalities []string `json:"responseModalities"`
				SpeechConfig       *struct {
					VoiceConfig struct {
						PrebuiltVoiceConfig struct {
							VoiceName string `json:"voiceName"`
						} `json:"prebuiltVoiceConfig"`
					} `json:"voiceConfig"`
				} `json:"speechConfig"`
			} `json:"generationConfig"`
			SystemInstruction *struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
			InputAudioTranscription  *struct{} `json:"inputAudioTranscription"`
			OutputAudioTranscription *struct{} `json:"outputAudioTranscription"`
		} `json:"setup"`
	}

	received := make(chan setupMsg, 1)
	query := make(chan string, 1)
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		query <- r.URL.Query().Get("key")
		var msg setupMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	connect(t, srv, live.SessionConfig{
		Voice:               "Kore",
		SystemInstruction:   "be a guitar teacher",
		InputTranscription:  true,
		OutputTranscription: true,
	})

	select {
	case msg := <-received:
		s := msg.Setup
		if want := "models/" + gemini.DefaultModel; s.Model != want {
			t.Errorf("model = %q, want %q", s.Model, want)
		}
		if len(s.GenerationConfig.ResponseModalities) != 1 || s.GenerationConfig.ResponseModalities[0] != "AUDIO" {
			t.Errorf("responseModalities = %v, want [AUDIO]", s.GenerationConfig.ResponseModalities)
		}
		if s.GenerationConfig.SpeechConfig == nil || s.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName != "Kore" {
			t.Errorf("voice not set: %+v", s.GenerationConfig.SpeechConfig)
		}
		if s.SystemInstruction == nil || s.SystemInstruction.Parts[0].Text != "be a guitar teacher" {
			t.Errorf("system instruction = %+v", s.SystemInstruction)
		}
		if s.InputAudioTranscription == nil || s.OutputAudioTranscription == nil {
			t.Error("transcription configs missing")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for setup")
	}
	if got := <-query; got != "test-api-key" {
		t.Errorf("key = %q, want test-api-key", got)
	}
}

func TestConnect_ModelOverride(t *testing.T) {
	t.Parallel()

	modelCh := make(chan string, 1)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg struct {
			Setup struct {
				Model string `json:"model"`
			} `json:"setup"`
		}
		readJSON(t, conn, &msg)
		modelCh <- msg.Setup.Model
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("key", gemini.WithModel("provider-model"), gemini.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), live.SessionConfig{Model: "session-model"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	if got := <-modelCh; got != "models/session-model" {
		t.Errorf("model = %q, want models/session-model", got)
	}
}

func TestConnect_DialFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	p := gemini.New("key", gemini.WithBaseURL(wsURL(srv)))
	if _, err := p.Connect(context.Background(), live.SessionConfig{}); err == nil {
		t.Fatal("expected dial error")
	}
}

// ── Events ────────────────────────────────────────────────────────────────────

func TestSession_EventOrder(t *testing.T) {
	t.Parallel()

	pcm := []byte{1, 2, 3, 4}
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"inputTranscription": map[string]any{"text": "Baj"},
		}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"outputTranscription": map[string]any{"text": "Hello"},
			"modelTurn": map[string]any{"parts": []any{
				map[string]any{"inlineData": map[string]any{
					"mimeType": "audio/pcm;rate=24000",
					"data":     base64.StdEncoding.EncodeToString(pcm),
				}},
			}},
		}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"interrupted": true}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		conn.Close(websocket.StatusNormalClosure, "bye")
	})

	sess := connect(t, srv, live.SessionConfig{})
	events := sess.Events()

	if ev := nextEvent(t, events); ev.Type != live.EventOpen {
		t.Fatalf("first event = %v, want open", ev.Type)
	}

	ev := nextEvent(t, events)
	if ev.Type != live.EventMessage || ev.Content.InputTranscription != "Baj" {
		t.Errorf("event 2 = %+v, want input transcription", ev)
	}

	ev = nextEvent(t, events)
	if ev.Type != live.EventMessage || ev.Content.OutputTranscription != "Hello" {
		t.Fatalf("event 3 = %+v, want output transcription", ev)
	}
	if len(ev.Content.Audio) != 1 || ev.Content.Audio[0].MIMEType != "audio/pcm;rate=24000" || string(ev.Content.Audio[0].Data) != string(pcm) {
		t.Errorf("audio = %+v", ev.Content.Audio)
	}

	if ev = nextEvent(t, events); !ev.Content.Interrupted {
		t.Errorf("event 4 = %+v, want interrupted", ev)
	}
	if ev = nextEvent(t, events); !ev.Content.TurnComplete {
		t.Errorf("event 5 = %+v, want turnComplete", ev)
	}

	ev = nextEvent(t, events)
	if ev.Type != live.EventClose {
		t.Fatalf("final event = %v, want close", ev.Type)
	}
	if ev.Code != int(websocket.StatusNormalClosure) || ev.Reason != "bye" || ev.Err != nil {
		t.Errorf("close = %+v, want 1000 bye without error", ev)
	}
	if _, ok := <-events; ok {
		t.Error("channel not closed after close event")
	}
}

func TestSession_ServerErrorIsNotFatal(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 429, "message": "quota"}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, srv, live.SessionConfig{})
	events := sess.Events()
	nextEvent(t, events) // open

	ev := nextEvent(t, events)
	if ev.Type != live.EventError || ev.Err == nil || !strings.Contains(ev.Err.Error(), "quota") {
		t.Errorf("event = %+v, want error mentioning quota", ev)
	}
	if ev = nextEvent(t, events); ev.Type != live.EventMessage {
		t.Errorf("event after error = %v, want message", ev.Type)
	}
}

func TestSession_AbnormalCloseCarriesError(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		conn.Close(websocket.StatusPolicyViolation, "API key not valid")
	})

	sess := connect(t, srv, live.SessionConfig{})
	events := sess.Events()
	nextEvent(t, events) // open

	ev := nextEvent(t, events)
	if ev.Type != live.EventClose {
		t.Fatalf("event = %v, want close", ev.Type)
	}
	if ev.Code != int(websocket.StatusPolicyViolation) || ev.Err == nil {
		t.Errorf("close = %+v, want policy violation with error", ev)
	}
}

func TestSession_UnansweredPingSurfaces(t *testing.T) {
	t.Parallel()

	// The server never reads, so pings are never answered.
	release := make(chan struct{})
	srv := startServer(t, func(*websocket.Conn, *http.Request) {
		select {
		case <-release:
		case <-time.After(5 * time.Second):
		}
	})
	t.Cleanup(func() { close(release) })

	p := gemini.New("test-api-key",
		gemini.WithBaseURL(wsURL(srv)),
		gemini.WithKeepAlive(20*time.Millisecond, 20*time.Millisecond),
	)
	sess, err := p.Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { sess.Close() })

	events := sess.Events()
	nextEvent(t, events) // open

	// A missed pong shows up as an error event, or as an abnormal close
	// when the transport drops the link itself.
	ev := nextEvent(t, events)
	switch ev.Type {
	case live.EventError:
		if ev.Err == nil || !strings.Contains(ev.Err.Error(), "ping") {
			t.Errorf("error event = %v, want ping failure", ev.Err)
		}
	case live.EventClose:
		if ev.Err == nil {
			t.Errorf("close = %+v, want an error", ev)
		}
	default:
		t.Errorf("event = %v, want error or close", ev.Type)
	}
}

func TestSession_LocalCloseEndsStream(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, srv, live.SessionConfig{})
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-sess.Events():
			if !ok {
				if err := sess.SendText("late"); err == nil {
					t.Error("SendText after Close should fail")
				}
				return
			}
		case <-deadline:
			t.Fatal("event stream never closed")
		}
	}
}

// ── Sending ───────────────────────────────────────────────────────────────────

func TestSession_SendEncodesRealtimeInput(t *testing.T) {
	t.Parallel()

	type chunk struct {
		MIMEType string `json:"mimeType"`
		Data     string `json:"data"`
	}
	type inputMsg struct {
		RealtimeInput struct {
			MediaChunks []chunk `json:"mediaChunks"`
			Text        string  `json:"text"`
		} `json:"realtimeInput"`
	}

	got := make(chan inputMsg, 3)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		for range 3 {
			var msg inputMsg
			readJSON(t, conn, &msg)
			got <- msg
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, srv, live.SessionConfig{})
	if err := sess.SendAudio([]byte{0x10, 0x20}, 16000); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if err := sess.SendVideo([]byte{0xff, 0xd8}); err != nil {
		t.Fatalf("SendVideo: %v", err)
	}
	if err := sess.SendText("Bajao"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	wait := func() inputMsg {
		select {
		case m := <-got:
			return m
		case <-time.After(3 * time.Second):
			t.Fatal("timeout waiting for realtime input")
		}
		return inputMsg{}
	}

	audio := wait()
	if c := audio.RealtimeInput.MediaChunks; len(c) != 1 || c[0].MIMEType != "audio/pcm;rate=16000" || c[0].Data != base64.StdEncoding.EncodeToString([]byte{0x10, 0x20}) {
		t.Errorf("audio chunk = %+v", audio.RealtimeInput.MediaChunks)
	}
	video := wait()
	if c := video.RealtimeInput.MediaChunks; len(c) != 1 || c[0].MIMEType != "image/jpeg" {
		t.Errorf("video chunk = %+v", video.RealtimeInput.MediaChunks)
	}
	text := wait()
	if text.RealtimeInput.Text != "Bajao" || len(text.RealtimeInput.MediaChunks) != 0 {
		t.Errorf("text input = %+v", text.RealtimeInput)
	}
}
