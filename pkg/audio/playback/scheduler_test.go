package playback_test

import (
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/fretmaster/pkg/audio"
	"github.com/MrWong99/fretmaster/pkg/audio/decode"
	"github.com/MrWong99/fretmaster/pkg/audio/mock"
	"github.com/MrWong99/fretmaster/pkg/audio/playback"
)

const rate = 24000

func buffer(d time.Duration) *decode.Buffer {
	n := int(int64(d) * rate / int64(time.Second))
	return &decode.Buffer{
		Samples:    make([]float32, n),
		SampleRate: rate,
		Duration:   audio.SamplesDuration(n, rate),
	}
}

// waitLive polls until s.Live() == want or the deadline passes. Handles are
// reaped asynchronously once their source reports done.
func waitLive(t *testing.T, s *playback.Scheduler, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Live() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("Live() = %d, want %d", s.Live(), want)
}

func TestScheduler_Gapless(t *testing.T) {
	t.Parallel()

	out := mock.NewOutput(rate)
	out.SetNow(500 * time.Millisecond)
	s := playback.New(out)

	durations := []time.Duration{120 * time.Millisecond, 40 * time.Millisecond, 300 * time.Millisecond}

	// Decodes complete in reverse order; enqueue still follows arrival order.
	decoded := make([]*decode.Buffer, len(durations))
	for i := len(durations) - 1; i >= 0; i-- {
		decoded[i] = buffer(durations[i])
	}

	var handles []*playback.Handle
	for i, buf := range decoded {
		if i == 1 {
			// Device time moves while the first buffer is still queued.
			out.SetNow(550 * time.Millisecond)
		}
		h, err := s.Enqueue(buf)
		if err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
		handles = append(handles, h)
	}

	if handles[0].Start != 500*time.Millisecond {
		t.Errorf("first start = %v, want 500ms", handles[0].Start)
	}
	for i := 1; i < len(handles); i++ {
		if handles[i].Start != handles[i-1].End() {
			t.Errorf("start[%d] = %v, want %v (end of previous)", i, handles[i].Start, handles[i-1].End())
		}
	}
	if got, want := s.Cursor(), 500*time.Millisecond+460*time.Millisecond; got != want {
		t.Errorf("Cursor() = %v, want %v", got, want)
	}
	if s.Live() != 3 {
		t.Errorf("Live() = %d, want 3", s.Live())
	}

	sources := out.Sources()
	for i, src := range sources {
		if src.Start != handles[i].Start {
			t.Errorf("source %d scheduled at %v, want %v", i, src.Start, handles[i].Start)
		}
	}
}

func TestScheduler_IdleOutputStartsNow(t *testing.T) {
	t.Parallel()

	out := mock.NewOutput(rate)
	s := playback.New(out)

	first, err := s.Enqueue(buffer(100 * time.Millisecond))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	out.Advance(time.Second)
	waitLive(t, s, 0)

	second, err := s.Enqueue(buffer(100 * time.Millisecond))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if first.Start != 0 {
		t.Errorf("first start = %v, want 0", first.Start)
	}
	if second.Start != time.Second {
		t.Errorf("second start = %v, want 1s (device time, not stale cursor)", second.Start)
	}
}

func TestScheduler_NaturalEndLeavesLiveSet(t *testing.T) {
	t.Parallel()

	out := mock.NewOutput(rate)
	s := playback.New(out)

	for range 3 {
		if _, err := s.Enqueue(buffer(100 * time.Millisecond)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	out.Advance(150 * time.Millisecond)
	waitLive(t, s, 2)
	out.Advance(150 * time.Millisecond)
	waitLive(t, s, 0)
}

func TestScheduler_Interrupt(t *testing.T) {
	t.Parallel()

	var interrupted int
	out := mock.NewOutput(rate)
	s := playback.New(out, playback.WithOnInterrupt(func(n int) { interrupted = n }))

	for range 3 {
		if _, err := s.Enqueue(buffer(200 * time.Millisecond)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	out.SetNow(250 * time.Millisecond)
	s.Interrupt()

	if s.Live() != 0 {
		t.Errorf("Live() = %d after interrupt, want 0", s.Live())
	}
	if s.Cursor() != 250*time.Millisecond {
		t.Errorf("Cursor() = %v, want 250ms", s.Cursor())
	}
	if interrupted != 3 {
		t.Errorf("interrupt callback got %d, want 3", interrupted)
	}
	for i, src := range out.Sources() {
		if !src.Stopped() {
			t.Errorf("source %d not stopped", i)
		}
	}

	h, err := s.Enqueue(buffer(100 * time.Millisecond))
	if err != nil {
		t.Fatalf("Enqueue after interrupt: %v", err)
	}
	if h.Start != 250*time.Millisecond {
		t.Errorf("start after interrupt = %v, want 250ms (not after stale 600ms)", h.Start)
	}
}

func TestScheduler_ShutdownIdempotent(t *testing.T) {
	t.Parallel()

	out := mock.NewOutput(rate)
	s := playback.New(out)
	if _, err := s.Enqueue(buffer(100 * time.Millisecond)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	s.Shutdown()
	s.Shutdown()

	if s.Live() != 0 {
		t.Errorf("Live() = %d after shutdown, want 0", s.Live())
	}
	if _, err := s.Enqueue(buffer(100 * time.Millisecond)); !errors.Is(err, playback.ErrShutdown) {
		t.Errorf("Enqueue after shutdown: err = %v, want ErrShutdown", err)
	}
}

func TestScheduler_ResamplesForeignRate(t *testing.T) {
	t.Parallel()

	out := mock.NewOutput(rate)
	s := playback.New(out)

	buf := &decode.Buffer{Samples: make([]float32, 1600), SampleRate: 16000, Duration: 100 * time.Millisecond}
	h, err := s.Enqueue(buf)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if h.Duration != 100*time.Millisecond {
		t.Errorf("Duration = %v, want 100ms", h.Duration)
	}
	if got := out.Sources()[0].Samples; got != 2400 {
		t.Errorf("scheduled samples = %d, want 2400", got)
	}
}

func TestScheduler_ScheduleError(t *testing.T) {
	t.Parallel()

	out := mock.NewOutput(rate)
	out.ScheduleErr = errors.New("device gone")
	s := playback.New(out)

	if _, err := s.Enqueue(buffer(100 * time.Millisecond)); err == nil {
		t.Fatal("expected error")
	}
	if s.Cursor() != 0 {
		t.Errorf("cursor moved on failed schedule: %v", s.Cursor())
	}
	if _, err := s.Enqueue(nil); err == nil {
		t.Fatal("expected error for nil buffer")
	}
}

func TestScheduler_OnScheduled(t *testing.T) {
	t.Parallel()

	var got []*playback.Handle
	out := mock.NewOutput(rate)
	s := playback.New(out, playback.WithOnScheduled(func(h *playback.Handle) { got = append(got, h) }))

	h, err := s.Enqueue(buffer(50 * time.Millisecond))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if len(got) != 1 || got[0] != h {
		t.Errorf("OnScheduled got %v, want [%p]", got, h)
	}
}
