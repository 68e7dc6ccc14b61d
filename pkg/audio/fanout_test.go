package audio_test

import (
	"testing"

	"github.com/MrWong99/fretmaster/pkg/audio"
)

func TestFanout_DeliversToAllSubscribers(t *testing.T) {
	t.Parallel()
	var f audio.Fanout
	a, cancelA := f.Subscribe(4)
	b, cancelB := f.Subscribe(4)
	defer cancelA()
	defer cancelB()

	f.Publish(audio.AudioFrame{Samples: []float32{0.5}, SampleRate: 16000})

	for name, ch := range map[string]<-chan audio.AudioFrame{"a": a, "b": b} {
		select {
		case fr := <-ch:
			if fr.Samples[0] != 0.5 {
				t.Errorf("%s: sample = %v, want 0.5", name, fr.Samples[0])
			}
		default:
			t.Errorf("%s: no frame delivered", name)
		}
	}
}

func TestFanout_DropsWhenSubscriberFull(t *testing.T) {
	t.Parallel()
	var f audio.Fanout
	ch, cancel := f.Subscribe(1)
	defer cancel()

	f.Publish(audio.AudioFrame{})
	f.Publish(audio.AudioFrame{})
	f.Publish(audio.AudioFrame{})

	if got := len(ch); got != 1 {
		t.Errorf("buffered = %d, want 1", got)
	}
	if got := f.Dropped(); got != 2 {
		t.Errorf("Dropped = %d, want 2", got)
	}
}

func TestFanout_CloseClosesSubscribers(t *testing.T) {
	t.Parallel()
	var f audio.Fanout
	ch, cancel := f.Subscribe(1)
	f.Close()
	f.Close()
	cancel() // after Close: must not panic

	if _, ok := <-ch; ok {
		t.Error("expected closed channel")
	}

	late, _ := f.Subscribe(1)
	if _, ok := <-late; ok {
		t.Error("subscribe after Close should return a closed channel")
	}
	f.Publish(audio.AudioFrame{}) // no-op
}

func TestFanout_CancelIsIdempotent(t *testing.T) {
	t.Parallel()
	var f audio.Fanout
	ch, cancel := f.Subscribe(1)
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Error("expected closed channel after cancel")
	}
}
