// Package gemini implements [live.Provider] over the raw Gemini Live
// WebSocket protocol (BidiGenerateContent).
//
// Every frame is a JSON text message. Microphone audio and camera frames go
// out as base64 realtimeInput media chunks and typed text as realtimeInput
// text. Model speech comes back as inline audio parts of serverContent
// frames, next to transcripts and turn markers.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/fretmaster/pkg/provider/live"
)

var (
	_ live.Provider = (*Provider)(nil)
	_ live.Session  = (*session)(nil)
)

const (
	// DefaultModel is used when neither the provider nor the session config
	// names one.
	DefaultModel = "gemini-2.5-flash-native-audio-preview-09-2025"

	// DefaultBaseURL is the public endpoint host.
	DefaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	endpointPath = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	pingEvery   = 20 * time.Second
	pingTimeout = 5 * time.Second

	// writeTimeout bounds one outbound frame. A write that cannot finish in
	// time means the link is stalled.
	writeTimeout = 10 * time.Second

	eventBuffer = 64
)

// ErrClosed is returned by send methods after Close.
var ErrClosed = errors.New("gemini: session closed")

// Option configures a [Provider].
type Option func(*Provider)

// WithModel sets the model used when the session config leaves it empty.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL points the provider at another ws:// or wss:// host, such as
// a regional endpoint or a test server.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// WithKeepAlive sets how often the session pings the service and how long
// it waits for the pong.
func WithKeepAlive(every, timeout time.Duration) Option {
	return func(p *Provider) {
		if every > 0 {
			p.pingEvery = every
		}
		if timeout > 0 {
			p.pingTimeout = timeout
		}
	}
}

// Provider dials Gemini Live sessions.
type Provider struct {
	apiKey  string
	model   string
	baseURL string

	pingEvery   time.Duration
	pingTimeout time.Duration
}

// New returns a provider that authenticates with apiKey.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:      apiKey,
		model:       DefaultModel,
		baseURL:     DefaultBaseURL,
		pingEvery:   pingEvery,
		pingTimeout: pingTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect implements [live.Provider]. It dials, sends the setup frame, and
// emits [live.EventOpen] before returning. ctx bounds the dial only; the
// session lives until Close or until the service hangs up.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Session, error) {
	endpoint := p.baseURL + endpointPath + "?key=" + url.QueryEscape(p.apiKey)
	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPHeader: http.Header{"Content-Type": {"application/json"}},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	// A model turn carries seconds of inline audio, well past the default
	// 32 KiB frame limit.
	conn.SetReadLimit(-1)

	model := cfg.Model
	if model == "" {
		model = p.model
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &session{conn: conn, ctx: sctx, cancel: cancel}
	s.events = live.NewEmitter(eventBuffer, sctx.Done())

	if err := s.write(setupFrame(model, cfg)); err != nil {
		cancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}
	s.events.Emit(live.Event{Type: live.EventOpen})

	go s.readLoop()
	go s.pingLoop(p.pingEvery, p.pingTimeout)
	return s, nil
}

// session is one open WebSocket. The read loop owns the event stream.
type session struct {
	conn   *websocket.Conn
	events *live.Emitter
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

func (s *session) write(f clientFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *session) send(f clientFrame) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return s.write(f)
}

func (s *session) readLoop() {
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			s.events.Finish(closeEvent(s.ctx, err))
			return
		}
		var f serverFrame
		if err := json.Unmarshal(data, &f); err != nil {
			s.events.Emit(live.Event{Type: live.EventError, Err: fmt.Errorf("gemini: malformed frame: %w", err)})
			continue
		}
		for _, ev := range toEvents(&f) {
			if !s.events.Emit(ev) {
				// Closed locally; Finish delivers the close if there is room.
				s.events.Finish(live.Event{})
				return
			}
		}
	}
}

// closeEvent describes why the read loop ended. A local Close is a normal
// closure; a close frame keeps its code; a dropped connection gets -1.
func closeEvent(ctx context.Context, err error) live.Event {
	if ctx.Err() != nil {
		return live.Event{Code: int(websocket.StatusNormalClosure), Reason: "session closed"}
	}
	var ce websocket.CloseError
	if !errors.As(err, &ce) {
		return live.Event{Code: -1, Err: fmt.Errorf("gemini: read: %w", err)}
	}
	ev := live.Event{Code: int(ce.Code), Reason: ce.Reason}
	if ce.Code != websocket.StatusNormalClosure {
		ev.Err = fmt.Errorf("gemini: %w", err)
	}
	return ev
}

// pingLoop reports an unanswered ping as an [live.EventError] so a dead link
// shows up before the read side notices.
func (s *session) pingLoop(every, timeout time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(s.ctx, timeout)
			err := s.conn.Ping(ctx)
			cancel()
			if err != nil && s.ctx.Err() == nil {
				slog.Debug("gemini: ping failed", "err", err)
				s.events.Emit(live.Event{Type: live.EventError, Err: fmt.Errorf("gemini: ping: %w", err)})
			}
		}
	}
}

// SendAudio implements [live.Session].
func (s *session) SendAudio(pcm []byte, sampleRate int) error {
	return s.send(mediaFrame(audioMIME(sampleRate), pcm))
}

// SendVideo implements [live.Session].
func (s *session) SendVideo(jpeg []byte) error {
	return s.send(mediaFrame("image/jpeg", jpeg))
}

// SendText implements [live.Session].
func (s *session) SendText(text string) error {
	return s.send(clientFrame{RealtimeInput: &realtime{Text: text}})
}

// Events implements [live.Session].
func (s *session) Events() <-chan live.Event { return s.events.Events() }

// Close implements [live.Session].
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
