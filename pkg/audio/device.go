// Package audio defines the audio data types, codecs, and device capability
// interfaces used by the FretMaster live session.
//
// The device abstractions are deliberately narrow:
//
//   - [CaptureDevice] acquires a combined microphone + camera [MediaStream].
//   - [PlaybackDevice] opens an [Output] that plays decoded buffers at
//     absolute times on its own clock, returning stoppable [Source] values.
//
// Concrete devices live in sub-packages (audio/portaudio for real hardware,
// audio/mock for tests). The interfaces live under pkg/ so that other
// front-ends can supply their own hardware adapters.
package audio

import (
	"context"
	"image"
	"time"
)

// AudioConstraints describes the requested microphone track.
type AudioConstraints struct {
	// Channels is the requested channel count. The pipeline always asks for 1.
	Channels int

	// SampleRate is the preferred capture rate in Hz. Zero lets the device
	// choose; frames carry the actual rate.
	SampleRate int

	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// VideoConstraints describes the requested camera track. Values are upper
// bounds ("ideal"), not exact requirements.
type VideoConstraints struct {
	Width     int
	Height    int
	FrameRate int
}

// Constraints is the combined capture request passed to [CaptureDevice.Acquire].
type Constraints struct {
	Audio AudioConstraints
	Video VideoConstraints
}

// VideoSource exposes the most recent camera frame. It is safe for
// concurrent readers.
type VideoSource interface {
	// Frame returns the latest frame, or ok=false when no frame has been
	// produced yet (camera still warming up).
	Frame() (img image.Image, ok bool)
}

// MediaStream is an acquired combined audio + video capture.
//
// A stream is owned by whoever acquired it; other components only borrow it
// and must never call Stop. All methods are safe for concurrent use.
type MediaStream interface {
	// SubscribeAudio registers a new reader of microphone frames. Delivery is
	// real-time: when the reader falls behind by more than buffer frames,
	// new frames are dropped rather than queued. The channel is closed when
	// the stream stops or cancel is called.
	SubscribeAudio(buffer int) (frames <-chan AudioFrame, cancel func())

	// Video returns the camera track, or nil when the stream has no video.
	Video() VideoSource

	// Stop stops every track and releases the device. Calling Stop more than
	// once is safe and returns nil.
	Stop() error
}

// CaptureDevice is the entry point for microphone and camera access.
type CaptureDevice interface {
	// Acquire opens the devices described by c. It returns an error when
	// permission is denied or no suitable device exists.
	Acquire(ctx context.Context, c Constraints) (MediaStream, error)
}

// Source is one decoded buffer scheduled on an [Output].
type Source interface {
	// Stop silences the buffer immediately. Stopping a finished or already
	// stopped source is a no-op.
	Stop()

	// Done is closed when the buffer finished playing or was stopped.
	Done() <-chan struct{}
}

// Output is an open playback context with its own monotonic clock.
type Output interface {
	// SampleRate is the rate the output renders at.
	SampleRate() int

	// Now reports the current position of the output clock.
	Now() time.Duration

	// Schedule plays samples (mono, at SampleRate) starting at the absolute
	// clock position at. Start times in the past play immediately.
	Schedule(samples []float32, at time.Duration) (Source, error)

	// Close stops every scheduled source and releases the output. Idempotent.
	Close() error
}

// PlaybackDevice opens outputs at a requested sample rate.
type PlaybackDevice interface {
	Open(sampleRate int) (Output, error)
}
