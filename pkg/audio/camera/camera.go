// Package camera provides [audio.VideoSource] implementations: a live camera
// read through an ffmpeg MJPEG pipe, and a fixed still image.
package camera

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"

	// Register decoders for still images.
	_ "image/png"

	"github.com/MrWong99/fretmaster/pkg/audio"
)

// maxFrameBytes bounds a single MJPEG frame read from the pipe.
const maxFrameBytes = 8 << 20

// ─── FFmpeg ──────────────────────────────────────────────────────────────────

// FFmpeg opens the system camera through an ffmpeg subprocess that writes
// an MJPEG stream to stdout.
type FFmpeg struct {
	// Path is the ffmpeg binary. Empty means "ffmpeg" from PATH.
	Path string

	// Format is the ffmpeg input format (v4l2, avfoundation, dshow). Empty
	// picks the platform default.
	Format string

	// Device is the ffmpeg input name. Empty picks the platform default.
	Device string
}

// Open starts ffmpeg with c as upper bounds for size and frame rate. It
// matches the signature expected by capture devices that accept a camera.
func (f FFmpeg) Open(ctx context.Context, c audio.VideoConstraints) (*Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := f.Path
	if path == "" {
		path = "ffmpeg"
	}
	if _, err := exec.LookPath(path); err != nil {
		return nil, fmt.Errorf("camera: ffmpeg not found: %w", err)
	}
	args, err := f.args(runtime.GOOS, c)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(path, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("camera: ffmpeg stdout: %w", err)
	}
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("camera: start ffmpeg: %w", err)
	}
	slog.Info("camera: ffmpeg started", "pid", cmd.Process.Pid, "args", strings.Join(args, " "))

	t := newTrack(stdout)
	t.stop = func() error {
		_ = cmd.Process.Kill()
		err := cmd.Wait()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil
		}
		return err
	}
	return t, nil
}

func (f FFmpeg) args(goos string, c audio.VideoConstraints) ([]string, error) {
	format, device := f.Format, f.Device
	if format == "" || device == "" {
		var defFormat, defDevice string
		switch goos {
		case "linux":
			defFormat, defDevice = "v4l2", "/dev/video0"
		case "darwin":
			defFormat, defDevice = "avfoundation", "0"
		case "windows":
			defFormat, defDevice = "dshow", "video=Integrated Camera"
		default:
			return nil, fmt.Errorf("camera: no default camera for %s; set format and device", goos)
		}
		if format == "" {
			format = defFormat
		}
		if device == "" {
			device = defDevice
		}
	}

	args := []string{"-hide_banner", "-loglevel", "error", "-f", format, "-i", device}
	var filters []string
	if c.Width > 0 && c.Height > 0 {
		filters = append(filters, fmt.Sprintf("scale=w=%d:h=%d:force_original_aspect_ratio=decrease", c.Width, c.Height))
	}
	if c.FrameRate > 0 {
		filters = append(filters, "fps="+strconv.Itoa(c.FrameRate))
	}
	if len(filters) > 0 {
		args = append(args, "-vf", strings.Join(filters, ","))
	}
	return append(args, "-f", "image2pipe", "-c:v", "mjpeg", "-q:v", "5", "-"), nil
}

// ─── Track ───────────────────────────────────────────────────────────────────

// Track is a running MJPEG feed. The most recent frame is decoded lazily on
// [Track.Frame].
type Track struct {
	stop func() error

	mu      sync.Mutex
	latest  []byte
	seq     uint64
	decoded image.Image
	decSeq  uint64
	readErr error

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

var _ audio.VideoSource = (*Track)(nil)

func newTrack(r io.Reader) *Track {
	t := &Track{done: make(chan struct{})}
	go t.read(r)
	return t
}

func (t *Track) read(r io.Reader) {
	defer close(t.done)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxFrameBytes)
	sc.Split(splitJPEG)
	for sc.Scan() {
		frame := bytes.Clone(sc.Bytes())
		t.mu.Lock()
		t.latest = frame
		t.seq++
		t.mu.Unlock()
	}
	if err := sc.Err(); err != nil {
		t.mu.Lock()
		t.readErr = err
		t.mu.Unlock()
		slog.Warn("camera: feed ended", "err", err)
	}
}

// Frame implements [audio.VideoSource]. ok is false until the first frame
// arrives or when the latest frame does not decode.
func (t *Track) Frame() (image.Image, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.seq == 0 {
		return nil, false
	}
	if t.decSeq != t.seq {
		img, err := jpeg.Decode(bytes.NewReader(t.latest))
		if err != nil {
			slog.Debug("camera: bad frame", "err", err)
			return nil, false
		}
		t.decoded, t.decSeq = img, t.seq
	}
	return t.decoded, true
}

// Err returns the error that ended the feed, if any.
func (t *Track) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.readErr
}

// Close stops ffmpeg and waits for the reader to exit. It is idempotent.
func (t *Track) Close() error {
	t.closeOnce.Do(func() {
		if t.stop != nil {
			t.closeErr = t.stop()
		}
		<-t.done
	})
	return t.closeErr
}

// splitJPEG is a [bufio.SplitFunc] yielding one complete JPEG image
// (SOI through EOI) per token. Bytes before an SOI marker are skipped.
func splitJPEG(data []byte, atEOF bool) (advance int, token []byte, err error) {
	soi := bytes.Index(data, []byte{0xff, 0xd8})
	if soi < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		// Keep a trailing 0xff that may start the next marker.
		return max(len(data)-1, 0), nil, nil
	}
	eoi := bytes.Index(data[soi+2:], []byte{0xff, 0xd9})
	if eoi < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		return soi, nil, nil
	}
	end := soi + 2 + eoi + 2
	return end, data[soi:end], nil
}

// ─── Static ──────────────────────────────────────────────────────────────────

// Static is a video source that always returns the same image. It stands in
// for a camera on machines without one.
type Static struct {
	img image.Image
}

var _ audio.VideoSource = (*Static)(nil)

// NewStatic returns a source yielding img.
func NewStatic(img image.Image) *Static { return &Static{img: img} }

// LoadStatic decodes a JPEG or PNG file into a [Static] source.
func LoadStatic(path string) (*Static, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("camera: open still: %w", err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("camera: decode still %s: %w", path, err)
	}
	return &Static{img: img}, nil
}

// Frame implements [audio.VideoSource].
func (s *Static) Frame() (image.Image, bool) { return s.img, s.img != nil }

// Close implements the camera track contract; a still has nothing to release.
func (s *Static) Close() error { return nil }
