// Package genai implements the live.Provider interface on top of the official
// Google Gen AI SDK (google.golang.org/genai) Live client.
//
// It is an alternative to the raw WebSocket backend in package gemini: the
// SDK owns the wire protocol, this package only maps configuration, input,
// and server messages onto the live types.
package genai

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"google.golang.org/genai"

	"github.com/MrWong99/fretmaster/pkg/provider/live"
)

var _ live.Provider = (*Provider)(nil)
var _ live.Session = (*session)(nil)

// DefaultModel is the model used when neither the provider nor the session
// config name one.
const DefaultModel = "gemini-2.5-flash-native-audio-preview-09-2025"

const eventBuffer = 64

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the default model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the API base URL passed to the SDK.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// Provider implements live.Provider using the Gen AI SDK.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a Provider with the given API key and options. No network
// traffic happens until Connect.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{apiKey: apiKey, model: DefaultModel}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect creates an SDK client and opens a Live session.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Session, error) {
	cc := &genai.ClientConfig{
		APIKey:  p.apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if p.baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: p.baseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("genai: new client: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = p.model
	}
	conn, err := client.Live.Connect(ctx, model, ConnectConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("genai: connect: %w", err)
	}

	done := make(chan struct{})
	s := &session{conn: conn, done: done}
	s.events = live.NewEmitter(eventBuffer, done)
	s.events.Emit(live.Event{Type: live.EventOpen})
	go s.receiveLoop()
	return s, nil
}

// ConnectConfig maps a live.SessionConfig onto the SDK's connect config.
func ConnectConfig(cfg live.SessionConfig) *genai.LiveConnectConfig {
	out := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
	}
	if cfg.Voice != "" {
		out.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.SystemInstruction != "" {
		out.SystemInstruction = genai.NewContentFromText(cfg.SystemInstruction, genai.RoleUser)
	}
	if cfg.InputTranscription {
		out.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	if cfg.OutputTranscription {
		out.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return out
}

// ConvertMessage maps one SDK server message onto live.ServerContent. It
// returns nil for messages without server content (setup acks, tool calls).
func ConvertMessage(msg *genai.LiveServerMessage) *live.ServerContent {
	if msg == nil || msg.ServerContent == nil {
		return nil
	}
	sc := msg.ServerContent
	out := &live.ServerContent{
		TurnComplete: sc.TurnComplete,
		Interrupted:  sc.Interrupted,
	}
	if sc.InputTranscription != nil {
		out.InputTranscription = sc.InputTranscription.Text
	}
	if sc.OutputTranscription != nil {
		out.OutputTranscription = sc.OutputTranscription.Text
	}
	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			out.Audio = append(out.Audio, live.InlineAudio{
				MIMEType: part.InlineData.MIMEType,
				Data:     part.InlineData.Data,
			})
		}
	}
	return out
}

type session struct {
	conn   *genai.Session
	events *live.Emitter

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func (s *session) receiveLoop() {
	for {
		msg, err := s.conn.Receive()
		if err != nil {
			s.events.Finish(s.closeEvent(err))
			return
		}
		if sc := ConvertMessage(msg); sc != nil {
			if !s.events.Emit(live.Event{Type: live.EventMessage, Content: sc}) {
				s.events.Finish(live.Event{})
				return
			}
		}
	}
}

func (s *session) closeEvent(err error) live.Event {
	if s.isClosed() {
		return live.Event{Code: 1000, Reason: "session closed"}
	}
	var code interface{ Code() int }
	if errors.As(err, &code) {
		return live.Event{Code: code.Code(), Err: fmt.Errorf("genai: %w", err)}
	}
	return live.Event{Code: -1, Err: fmt.Errorf("genai: receive: %w", err)}
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *session) send(in genai.LiveRealtimeInput) error {
	if s.isClosed() {
		return fmt.Errorf("genai: session closed")
	}
	if err := s.conn.SendRealtimeInput(in); err != nil {
		return fmt.Errorf("genai: send: %w", err)
	}
	return nil
}

// SendAudio delivers one block of 16-bit little-endian mono PCM.
func (s *session) SendAudio(pcm []byte, sampleRate int) error {
	return s.send(genai.LiveRealtimeInput{
		Audio: &genai.Blob{MIMEType: "audio/pcm;rate=" + strconv.Itoa(sampleRate), Data: pcm},
	})
}

// SendVideo delivers one JPEG camera frame.
func (s *session) SendVideo(jpeg []byte) error {
	return s.send(genai.LiveRealtimeInput{
		Video: &genai.Blob{MIMEType: "image/jpeg", Data: jpeg},
	})
}

// SendText delivers a typed user message.
func (s *session) SendText(text string) error {
	return s.send(genai.LiveRealtimeInput{Text: text})
}

// Events returns the session's event stream.
func (s *session) Events() <-chan live.Event { return s.events.Events() }

// Close terminates the session. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("genai: close: %w", err)
	}
	return nil
}
