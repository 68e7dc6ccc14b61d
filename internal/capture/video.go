package capture

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"sync"
	"time"

	"golang.org/x/image/draw"

	"github.com/MrWong99/fretmaster/pkg/audio"
)

const (
	// VideoInterval is the cadence at which camera frames are sampled.
	VideoInterval = 200 * time.Millisecond

	// VideoWidth is the width of every forwarded frame.
	VideoWidth = 320

	// JPEGQuality is the encoder quality of forwarded frames.
	JPEGQuality = 50
)

// VideoFrame is one sampled camera still.
type VideoFrame struct {
	// Image is the downscaled frame, VideoWidth pixels wide.
	Image image.Image

	// JPEG is Image encoded at JPEGQuality.
	JPEG []byte
}

// SamplerOption configures a [VideoSampler].
type SamplerOption func(*VideoSampler)

// WithInterval overrides the sampling cadence.
func WithInterval(d time.Duration) SamplerOption {
	return func(v *VideoSampler) {
		if d > 0 {
			v.interval = d
		}
	}
}

// WithOnError registers a callback for frames that failed to encode. Such
// frames are skipped either way.
func WithOnError(fn func(error)) SamplerOption {
	return func(v *VideoSampler) { v.onError = fn }
}

// VideoSampler samples the camera track on a fixed wall-clock interval,
// independent of audio cadence.
type VideoSampler struct {
	src      audio.VideoSource
	interval time.Duration
	onError  func(error)

	mu     sync.Mutex
	stop   chan struct{}
	done   chan struct{}
	active bool
}

// NewVideoSampler returns a sampler on src. A nil src yields a sampler that
// never forwards anything.
func NewVideoSampler(src audio.VideoSource, opts ...SamplerOption) *VideoSampler {
	v := &VideoSampler{src: src, interval: VideoInterval}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Start begins sampling. forward is called from the sampler's goroutine.
// Start on a running sampler is a no-op.
func (v *VideoSampler) Start(forward func(VideoFrame)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.active {
		return
	}
	v.active = true
	v.stop = make(chan struct{})
	v.done = make(chan struct{})
	go v.run(forward, v.stop, v.done)
}

func (v *VideoSampler) run(forward func(VideoFrame), stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			frame, ok, err := v.Sample()
			if err != nil {
				if v.onError != nil {
					v.onError(err)
				}
				continue
			}
			if ok {
				forward(frame)
			}
		}
	}
}

// Sample grabs, downscales, and encodes the current frame. ok is false when
// no frame is available yet.
func (v *VideoSampler) Sample() (frame VideoFrame, ok bool, err error) {
	if v.src == nil {
		return VideoFrame{}, false, nil
	}
	img, ok := v.src.Frame()
	if !ok || img == nil || img.Bounds().Empty() {
		return VideoFrame{}, false, nil
	}

	small := Downscale(img, VideoWidth)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, small, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return VideoFrame{}, false, fmt.Errorf("capture: encode frame: %w", err)
	}
	return VideoFrame{Image: small, JPEG: buf.Bytes()}, true, nil
}

// Stop halts sampling and waits for the goroutine to exit. It is idempotent.
func (v *VideoSampler) Stop() {
	v.mu.Lock()
	if !v.active {
		v.mu.Unlock()
		return
	}
	v.active = false
	stop, done := v.stop, v.done
	v.mu.Unlock()

	close(stop)
	<-done
}

// Downscale scales img to the given width, preserving its aspect ratio.
func Downscale(img image.Image, width int) *image.RGBA {
	b := img.Bounds()
	height := (b.Dy()*width + b.Dx()/2) / b.Dx()
	if height < 1 {
		height = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}
