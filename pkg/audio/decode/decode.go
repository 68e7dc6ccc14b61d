// Package decode turns inline audio payloads received from the live tutor
// service into playable sample buffers whose duration is known before
// playback starts.
//
// Supported MIME types:
//
//   - audio/pcm, audio/L16: signed 16-bit little-endian PCM. The rate
//     parameter defaults to [DefaultPCMRate]; channels=2 is down-mixed.
//   - audio/opus: a single Opus packet, decoded with layeh.com/gopus.
//
// Every decoded buffer is resampled to the caller's target rate.
package decode

import (
	"errors"
	"fmt"
	"mime"
	"strconv"
	"strings"
	"sync"
	"time"

	"layeh.com/gopus"

	"github.com/MrWong99/fretmaster/pkg/audio"
)

const (
	// DefaultPCMRate is the sample rate assumed for PCM payloads that carry
	// no rate parameter. The live service synthesises speech at 24 kHz.
	DefaultPCMRate = 24000

	// DefaultOpusRate is the decode rate used for Opus payloads without a
	// rate parameter.
	DefaultOpusRate = 48000

	// maxOpusFrame is the largest Opus frame (120 ms) at 48 kHz, per channel.
	maxOpusFrame = 5760
)

// ErrUnsupported is wrapped in the [*audio.DecodeError] returned for MIME
// types the decoder does not handle.
var ErrUnsupported = errors.New("unsupported audio format")

// Buffer is a decoded mono audio buffer ready for scheduling.
type Buffer struct {
	// Samples are normalised mono samples at SampleRate.
	Samples []float32

	// SampleRate is the rate of Samples in Hz.
	SampleRate int

	// Duration is the playback length of Samples.
	Duration time.Duration
}

// Option configures a [Decoder].
type Option func(*Decoder)

// WithPCMRate overrides the rate assumed for PCM payloads without a rate
// parameter.
func WithPCMRate(hz int) Option {
	return func(d *Decoder) {
		if hz > 0 {
			d.pcmRate = hz
		}
	}
}

// Decoder decodes inbound audio payloads. Opus decoders are stateful, so a
// Decoder keeps one per (rate, channels) pair and must be used for a single
// inbound stream. All methods are safe for concurrent use.
type Decoder struct {
	pcmRate int

	mu   sync.Mutex
	opus map[opusKey]*gopus.Decoder
}

type opusKey struct{ rate, channels int }

// New returns a Decoder.
func New(opts ...Option) *Decoder {
	d := &Decoder{
		pcmRate: DefaultPCMRate,
		opus:    make(map[opusKey]*gopus.Decoder),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Decode decodes payload according to mimeType and resamples the result to
// targetRate. Failures are returned as [*audio.DecodeError]; the caller
// should log and drop the payload.
func (d *Decoder) Decode(payload []byte, mimeType string, targetRate int) (*Buffer, error) {
	if targetRate <= 0 {
		return nil, fmt.Errorf("decode: invalid target rate %d", targetRate)
	}
	if len(payload) == 0 {
		return nil, &audio.DecodeError{Op: "payload", Err: errors.New("empty payload")}
	}

	format, params, err := parseMIME(mimeType)
	if err != nil {
		return nil, &audio.DecodeError{Op: "mime", Err: err}
	}

	var (
		samples []float32
		rate    int
	)
	switch format {
	case "audio/pcm", "audio/l16":
		rate, err = intParam(params, "rate", d.pcmRate)
		if err != nil {
			return nil, &audio.DecodeError{Op: "mime", Err: err}
		}
		channels, err := intParam(params, "channels", 1)
		if err != nil {
			return nil, &audio.DecodeError{Op: "mime", Err: err}
		}
		samples, err = decodePCM(payload, channels)
		if err != nil {
			return nil, err
		}
	case "audio/opus":
		rate, err = intParam(params, "rate", DefaultOpusRate)
		if err != nil {
			return nil, &audio.DecodeError{Op: "mime", Err: err}
		}
		channels, err := intParam(params, "channels", 1)
		if err != nil {
			return nil, &audio.DecodeError{Op: "mime", Err: err}
		}
		samples, err = d.decodeOpus(payload, rate, channels)
		if err != nil {
			return nil, err
		}
	default:
		return nil, &audio.DecodeError{Op: "mime", Err: fmt.Errorf("%w: %q", ErrUnsupported, mimeType)}
	}

	samples = audio.Resample(samples, rate, targetRate)
	return &Buffer{
		Samples:    samples,
		SampleRate: targetRate,
		Duration:   audio.SamplesDuration(len(samples), targetRate),
	}, nil
}

// parseMIME lower-cases the media type and tolerates an empty string, which
// the live service sends for raw PCM on some responses.
func parseMIME(s string) (string, map[string]string, error) {
	if strings.TrimSpace(s) == "" {
		return "audio/pcm", nil, nil
	}
	mt, params, err := mime.ParseMediaType(s)
	if err != nil {
		return "", nil, err
	}
	return strings.ToLower(mt), params, nil
}

func intParam(params map[string]string, key string, def int) (int, error) {
	v, ok := params[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s parameter %q", key, v)
	}
	return n, nil
}

func decodePCM(payload []byte, channels int) ([]float32, error) {
	if channels > 2 {
		return nil, &audio.DecodeError{Op: "pcm16", Err: fmt.Errorf("%w: %d channels", ErrUnsupported, channels)}
	}
	samples, err := audio.DecodePCM16(payload)
	if err != nil {
		return nil, err
	}
	if channels == 2 {
		if len(samples)%2 != 0 {
			return nil, &audio.DecodeError{Op: "pcm16", Err: errors.New("truncated stereo frame")}
		}
		samples = downmix(samples)
	}
	return samples, nil
}

func (d *Decoder) decodeOpus(payload []byte, rate, channels int) ([]float32, error) {
	if channels > 2 {
		return nil, &audio.DecodeError{Op: "opus", Err: fmt.Errorf("%w: %d channels", ErrUnsupported, channels)}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	key := opusKey{rate: rate, channels: channels}
	dec, ok := d.opus[key]
	if !ok {
		var err error
		dec, err = gopus.NewDecoder(rate, channels)
		if err != nil {
			return nil, &audio.DecodeError{Op: "opus", Err: err}
		}
		d.opus[key] = dec
	}

	pcm, err := dec.Decode(payload, maxOpusFrame*rate/DefaultOpusRate, false)
	if err != nil {
		return nil, &audio.DecodeError{Op: "opus", Err: err}
	}
	samples := audio.Int16ToFloat(pcm)
	if channels == 2 {
		samples = downmix(samples)
	}
	return samples, nil
}

// downmix averages interleaved stereo samples into mono.
func downmix(in []float32) []float32 {
	out := make([]float32, len(in)/2)
	for i := range out {
		out[i] = (in[2*i] + in[2*i+1]) / 2
	}
	return out
}
