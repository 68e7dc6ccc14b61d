package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
)

// DecodeError reports a malformed or truncated audio payload. Decoding
// failures are local to one payload: callers log and drop it.
type DecodeError struct {
	// Op names the decoding step that failed (e.g. "base64", "pcm16").
	Op string

	// Err is the underlying cause, if any.
	Err error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return "audio: decode " + e.Op
	}
	return fmt.Sprintf("audio: decode %s: %v", e.Op, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// EncodePCM16 converts normalised float samples to 16-bit little-endian PCM.
// Samples are clamped to [-1, 1] and scaled by 32767 with truncation.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := max(-1, min(1, float64(s)))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v*math.MaxInt16)))
	}
	return out
}

// DecodePCM16 converts 16-bit little-endian PCM back to normalised floats.
// An odd byte count is reported as a [*DecodeError].
func DecodePCM16(pcm []byte) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, &DecodeError{Op: "pcm16", Err: fmt.Errorf("odd byte count %d", len(pcm))}
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float32(v) / math.MaxInt16
	}
	return out, nil
}

// EncodeTransport returns the text-safe (standard base64) form of b.
func EncodeTransport(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeTransport is the inverse of [EncodeTransport].
func DecodeTransport(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, &DecodeError{Op: "base64", Err: err}
	}
	return b, nil
}

// Int16ToFloat converts signed 16-bit samples to normalised floats.
func Int16ToFloat(in []int16) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v) / math.MaxInt16
	}
	return out
}
