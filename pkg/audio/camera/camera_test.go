package camera

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/fretmaster/pkg/audio"
)

func encodeJPEG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("jpeg.Encode: %v", err)
	}
	return buf.Bytes()
}

func TestSplitJPEG(t *testing.T) {
	t.Parallel()

	a := encodeJPEG(t, 8, 8, color.White)
	b := encodeJPEG(t, 16, 4, color.Black)
	stream := slices.Concat([]byte("junk"), a, b, []byte{0xff, 0xd8, 0x01})

	var frames [][]byte
	data := stream
	for len(data) > 0 {
		adv, tok, err := splitJPEG(data, true)
		if err != nil {
			t.Fatalf("splitJPEG: %v", err)
		}
		if tok != nil {
			frames = append(frames, tok)
		}
		if adv == 0 {
			t.Fatal("splitJPEG made no progress at EOF")
		}
		data = data[adv:]
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if !bytes.Equal(frames[0], a) || !bytes.Equal(frames[1], b) {
		t.Error("frames do not match the encoded images")
	}
}

func TestSplitJPEG_NeedsMoreData(t *testing.T) {
	t.Parallel()

	a := encodeJPEG(t, 4, 4, color.White)
	adv, tok, err := splitJPEG(a[:len(a)-1], false)
	if err != nil || tok != nil || adv != 0 {
		t.Errorf("partial frame: adv=%d tok=%v err=%v, want 0 nil nil", adv, tok != nil, err)
	}
}

func TestTrack_LatestFrame(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	tr := newTrack(pr)
	tr.stop = func() error { return pw.Close() }

	if _, ok := tr.Frame(); ok {
		t.Fatal("frame available before any data")
	}

	_, _ = pw.Write(encodeJPEG(t, 8, 8, color.White))
	_, _ = pw.Write(encodeJPEG(t, 24, 12, color.Black))

	deadline := time.Now().Add(2 * time.Second)
	for {
		img, ok := tr.Frame()
		if ok && img.Bounds().Dx() == 24 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("latest frame never observed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := tr.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestFFmpegArgs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		f    FFmpeg
		goos string
		c    audio.VideoConstraints
		want []string
	}{
		{
			name: "linux defaults",
			goos: "linux",
			c:    audio.VideoConstraints{Width: 640, Height: 480, FrameRate: 24},
			want: []string{"-f", "v4l2", "-i", "/dev/video0", "-vf", "scale=w=640:h=480:force_original_aspect_ratio=decrease,fps=24"},
		},
		{
			name: "explicit device",
			f:    FFmpeg{Format: "avfoundation", Device: "1"},
			goos: "darwin",
			want: []string{"-f", "avfoundation", "-i", "1", "-f", "image2pipe"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			args, err := tt.f.args(tt.goos, tt.c)
			if err != nil {
				t.Fatalf("args: %v", err)
			}
			joined := strings.Join(args, " ")
			if !strings.Contains(joined, strings.Join(tt.want, " ")) {
				t.Errorf("args %q do not contain %q", joined, tt.want)
			}
		})
	}

	if _, err := (FFmpeg{}).args("plan9", audio.VideoConstraints{}); err == nil {
		t.Error("expected error for unsupported platform")
	}
}

func TestStatic(t *testing.T) {
	t.Parallel()

	img := image.NewGray(image.Rect(0, 0, 2, 2))
	s := NewStatic(img)
	got, ok := s.Frame()
	if !ok || got != image.Image(img) {
		t.Error("Static did not return its image")
	}
	if _, ok := NewStatic(nil).Frame(); ok {
		t.Error("empty Static reported a frame")
	}
}
