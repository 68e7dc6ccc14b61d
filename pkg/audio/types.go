package audio

import "time"

// AudioFrame is one block of captured audio flowing through the pipeline.
// Frames are ephemeral: they are produced by a capture device, consumed by
// the codec and loudness meter, and never retained.
type AudioFrame struct {
	// Samples holds normalised mono samples in the range [-1, 1].
	Samples []float32

	// SampleRate in Hz (e.g., 48000 from the microphone, 16000 on the wire).
	SampleRate int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame. Zero if SampleRate is
// not set.
func (f AudioFrame) Duration() time.Duration {
	return SamplesDuration(len(f.Samples), f.SampleRate)
}

// SamplesDuration converts a sample count at the given rate to a duration.
func SamplesDuration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(sampleRate)
}

// DurationSamples converts d to a frame index at the given rate, rounding to
// the nearest frame. It inverts [SamplesDuration], whose nanosecond
// truncation would otherwise land one frame early.
func DurationSamples(d time.Duration, sampleRate int) int64 {
	if sampleRate <= 0 {
		return 0
	}
	return (int64(d)*int64(sampleRate) + int64(time.Second)/2) / int64(time.Second)
}
