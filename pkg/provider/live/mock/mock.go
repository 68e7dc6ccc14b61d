// Package mock provides test doubles for the live package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions. Use
// Session to script the event stream and inspect what was sent.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	...
//	sess.Open()
//	sess.Message(&live.ServerContent{InputTranscription: "hi"})
//	sess.RemoteClose(1000, "bye")
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/fretmaster/pkg/provider/live"
)

var _ live.Provider = (*Provider)(nil)
var _ live.Session = (*Session)(nil)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg live.SessionConfig
}

// Provider is a mock implementation of live.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by Connect. If nil, Connect returns a new Session
	// per call.
	Session *Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// Block, when non-nil, makes Connect wait until the channel is closed or
	// ctx is done. Used to simulate a slow dial.
	Block chan struct{}

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	// Sessions lists every session handed out, in order.
	Sessions []*Session
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Session, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	block := p.Block
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	s := p.Session
	if s == nil {
		s = NewSession()
	}
	p.Sessions = append(p.Sessions, s)
	return s, nil
}

// CallCount returns the number of Connect calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// LastSession returns the most recently handed out session, or nil.
func (p *Provider) LastSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Sessions) == 0 {
		return nil
	}
	return p.Sessions[len(p.Sessions)-1]
}

// AudioCall records one SendAudio call.
type AudioCall struct {
	PCM        []byte
	SampleRate int
}

// Session is a mock implementation of live.Session. Its event stream is
// scripted with Open, Message, Error, and RemoteClose.
type Session struct {
	events chan live.Event
	done   chan struct{}

	mu        sync.Mutex
	closed    bool
	finished  bool
	closeCall int

	// SendErr, if non-nil, is returned by every Send method.
	SendErr error

	// BlockSends makes every Send method wait until Close, like a write on
	// a stalled connection. Set it before the session is handed out.
	BlockSends bool
	blocked    int

	// Audio, Video, and Text record send calls in order.
	Audio []AudioCall
	Video [][]byte
	Text  []string

	// Sent records the kind of every successful send ("audio", "video",
	// "text") in call order.
	Sent []string
}

// NewSession returns a session with a generously buffered event stream.
func NewSession() *Session {
	return &Session{events: make(chan live.Event, 256), done: make(chan struct{})}
}

// Open emits EventOpen.
func (s *Session) Open() { s.emit(live.Event{Type: live.EventOpen}) }

// Message emits EventMessage with sc.
func (s *Session) Message(sc *live.ServerContent) {
	s.emit(live.Event{Type: live.EventMessage, Content: sc})
}

// Error emits EventError with err.
func (s *Session) Error(err error) { s.emit(live.Event{Type: live.EventError, Err: err}) }

// RemoteClose emits EventClose with the given code and reason and closes
// the stream, as if the service hung up.
func (s *Session) RemoteClose(code int, reason string) {
	s.finish(live.Event{Type: live.EventClose, Code: code, Reason: reason})
}

func (s *Session) emit(ev live.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.events <- ev
}

func (s *Session) finish(ev live.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	s.events <- ev
	close(s.events)
}

func (s *Session) record(kind string, fn func()) error {
	s.mu.Lock()
	if s.BlockSends && !s.closed {
		s.blocked++
		s.mu.Unlock()
		<-s.done
		s.mu.Lock()
	}
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("mock: session closed")
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	fn()
	s.Sent = append(s.Sent, kind)
	return nil
}

// SendAudio implements live.Session.
func (s *Session) SendAudio(pcm []byte, sampleRate int) error {
	cp := append([]byte(nil), pcm...)
	return s.record("audio", func() { s.Audio = append(s.Audio, AudioCall{PCM: cp, SampleRate: sampleRate}) })
}

// SendVideo implements live.Session.
func (s *Session) SendVideo(jpeg []byte) error {
	cp := append([]byte(nil), jpeg...)
	return s.record("video", func() { s.Video = append(s.Video, cp) })
}

// SendText implements live.Session.
func (s *Session) SendText(text string) error {
	return s.record("text", func() { s.Text = append(s.Text, text) })
}

// Events implements live.Session.
func (s *Session) Events() <-chan live.Event { return s.events }

// Close implements live.Session. The stream ends with a normal close event.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closeCall++
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()
	s.finish(live.Event{Type: live.EventClose, Code: 1000, Reason: "session closed"})
	return nil
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// BlockedSends returns how many Send calls waited for Close.
func (s *Session) BlockedSends() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocked
}

// CloseCount returns how many times Close was called.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCall
}

// SentKinds returns a copy of Sent.
func (s *Session) SentKinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Sent...)
}

// TextSent returns a copy of Text.
func (s *Session) TextSent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Text...)
}

// AudioSent returns a copy of Audio.
func (s *Session) AudioSent() []AudioCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AudioCall(nil), s.Audio...)
}

// VideoSent returns a copy of Video.
func (s *Session) VideoSent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.Video...)
}
