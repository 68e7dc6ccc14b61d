// Package capture taps an acquired microphone + camera stream for a live
// tutoring session.
//
// [Acquire] requests the combined stream. [AudioTap] turns the microphone
// track into fixed-size 16 kHz blocks with a loudness level; [VideoSampler]
// turns the camera track into small JPEG stills at a fixed cadence. Neither
// tap owns the stream: only the session that acquired it may stop it.
package capture

import (
	"context"
	"fmt"

	"github.com/MrWong99/fretmaster/pkg/audio"
)

// MediaAccessError reports that the capture devices could not be acquired,
// either because permission was denied or no suitable device exists.
type MediaAccessError struct {
	Err error
}

func (e *MediaAccessError) Error() string {
	return fmt.Sprintf("capture: media access: %v", e.Err)
}

func (e *MediaAccessError) Unwrap() error { return e.Err }

// DefaultConstraints is the capture request used by live sessions: a mono,
// echo-cancelled, noise-suppressed, auto-gained microphone and a camera
// bounded to 640x480 at 24 fps.
func DefaultConstraints() audio.Constraints {
	return audio.Constraints{
		Audio: audio.AudioConstraints{
			Channels:         1,
			SampleRate:       InputSampleRate,
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
		},
		Video: audio.VideoConstraints{
			Width:     640,
			Height:    480,
			FrameRate: 24,
		},
	}
}

// Acquire requests the combined stream from device. Every failure is
// returned as a [*MediaAccessError].
func Acquire(ctx context.Context, device audio.CaptureDevice, c audio.Constraints) (audio.MediaStream, error) {
	if device == nil {
		return nil, &MediaAccessError{Err: fmt.Errorf("no capture device")}
	}
	stream, err := device.Acquire(ctx, c)
	if err != nil {
		return nil, &MediaAccessError{Err: err}
	}
	if stream == nil {
		return nil, &MediaAccessError{Err: fmt.Errorf("device returned no stream")}
	}
	return stream, nil
}
