// Package live defines the Provider interface for real-time conversational
// backends that accept streamed microphone audio, camera frames, and text, and
// answer with synthesised speech plus transcripts of both sides.
//
// A [Session] reports everything that happens on the connection as an ordered
// stream of [Event] values: exactly one [EventOpen] first, any number of
// [EventMessage] and [EventError] values, and exactly one [EventClose] last,
// after which the channel is closed. Consumers must process events in arrival
// order and must keep draining the channel until it closes.
//
// All implementations must be safe for concurrent use.
package live

import (
	"context"
	"fmt"
)

// SessionConfig is the initial configuration for a new live session.
type SessionConfig struct {
	// Model is the backend model identifier. Empty selects the provider
	// default.
	Model string

	// Voice is the prebuilt voice name used for synthesised speech.
	Voice string

	// SystemInstruction is the system-level prompt for the tutor.
	SystemInstruction string

	// InputTranscription requests transcripts of the user's speech.
	InputTranscription bool

	// OutputTranscription requests transcripts of the model's speech.
	OutputTranscription bool
}

// EventType enumerates the kinds of [Event] a [Session] emits.
type EventType int

const (
	// EventOpen is emitted once when the session is ready for input.
	EventOpen EventType = iota

	// EventMessage carries one server content message.
	EventMessage

	// EventError reports a transport or protocol problem. It does not end the
	// session by itself; a following EventClose does.
	EventError

	// EventClose is the final event of every session.
	EventClose
)

// String returns the lower-case event name.
func (t EventType) String() string {
	switch t {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// InlineAudio is one audio payload embedded in a model turn.
type InlineAudio struct {
	// MIMEType describes Data, e.g. "audio/pcm;rate=24000".
	MIMEType string

	// Data is the raw (already base64-decoded) payload.
	Data []byte
}

// ServerContent is the content of one [EventMessage]. All fields are
// optional; a single message may carry several of them.
type ServerContent struct {
	// InputTranscription is a fragment of the user's speech transcript.
	InputTranscription string

	// OutputTranscription is a fragment of the model's speech transcript.
	OutputTranscription string

	// Audio holds inline audio parts of the model turn in order.
	Audio []InlineAudio

	// TurnComplete marks the end of the current turn.
	TurnComplete bool

	// Interrupted reports that the model stopped mid-utterance because the
	// user started speaking.
	Interrupted bool
}

// Event is one entry of a session's event stream.
type Event struct {
	Type EventType

	// Content is set for EventMessage.
	Content *ServerContent

	// Err is set for EventError, and for EventClose when the connection ended
	// abnormally.
	Err error

	// Code and Reason describe the close frame for EventClose when one was
	// received. Code is -1 when the connection dropped without a close frame.
	Code   int
	Reason string
}

// Session is an open live session. Send methods return an error once the
// session is closed; callers that cannot act on such errors may ignore them.
type Session interface {
	// SendAudio streams one block of 16-bit little-endian mono PCM captured
	// at sampleRate.
	SendAudio(pcm []byte, sampleRate int) error

	// SendVideo streams one JPEG-encoded camera frame.
	SendVideo(jpeg []byte) error

	// SendText sends a typed user message.
	SendText(text string) error

	// Events returns the session's event stream. The same channel is
	// returned on every call.
	Events() <-chan Event

	// Close terminates the session. The event stream still ends with
	// EventClose. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider opens live sessions against one backend.
type Provider interface {
	// Connect dials the backend and sends the session configuration. The
	// returned Session emits EventOpen once it accepts input. The caller owns
	// the Session and must call Close.
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)
}
