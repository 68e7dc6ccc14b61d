// Package session implements the live tutoring session lifecycle: the
// connection state machine, the transmit gate that feeds captured media into
// the remote session, and the total teardown that releases every device,
// timer, and playback handle on every exit path.
package session

import (
	"errors"
	"fmt"
)

// State is the connection state of a [Manager].
type State int

const (
	// StateDisconnected is the initial and normal terminal state.
	StateDisconnected State = iota

	// StateConnecting covers device acquisition and dialing until the remote
	// session reports open.
	StateConnecting

	// StateConnected means media is streaming both ways.
	StateConnected

	// StateError is terminal until the user retries with Connect.
	StateError
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText encodes the state as its name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var (
	// ErrCredentialMissing is returned by Connect when no API key is
	// configured. No resource is acquired.
	ErrCredentialMissing = errors.New("session: credential missing")

	// ErrInvalidState is returned for operations not valid in the current
	// state, e.g. Connect while already connecting.
	ErrInvalidState = errors.New("session: invalid state")

	// ErrSuperseded is returned by Connect when Disconnect or Close ran
	// while the attempt was still acquiring devices or dialing.
	ErrSuperseded = errors.New("session: connect attempt superseded")
)

// RemoteOpenError reports that the live session could not be opened.
type RemoteOpenError struct {
	Err error
}

func (e *RemoteOpenError) Error() string {
	return fmt.Sprintf("session: open remote session: %v", e.Err)
}

func (e *RemoteOpenError) Unwrap() error { return e.Err }
