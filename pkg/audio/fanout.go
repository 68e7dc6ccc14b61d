package audio

import (
	"sync"
	"sync/atomic"
)

// Fanout distributes frames from one producer to any number of subscribers.
// Publish never blocks: a subscriber whose buffer is full misses the frame.
// Device adapters embed a Fanout to implement [MediaStream.SubscribeAudio].
//
// The zero value is ready to use. All methods are safe for concurrent use.
type Fanout struct {
	mu      sync.Mutex
	subs    map[uint64]chan AudioFrame
	next    uint64
	closed  bool
	dropped atomic.Uint64
}

// Subscribe registers a subscriber with the given channel capacity. Calling
// cancel more than once is safe. Subscribing to a closed Fanout returns an
// already-closed channel.
func (f *Fanout) Subscribe(buffer int) (<-chan AudioFrame, func()) {
	ch := make(chan AudioFrame, max(buffer, 1))

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		close(ch)
		return ch, func() {}
	}
	if f.subs == nil {
		f.subs = make(map[uint64]chan AudioFrame)
	}
	id := f.next
	f.next++
	f.subs[id] = ch

	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if c, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(c)
		}
	}
}

// Publish delivers frame to every subscriber with buffer space.
func (f *Fanout) Publish(frame AudioFrame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- frame:
		default:
			f.dropped.Add(1)
		}
	}
}

// Close closes every subscriber channel. Later Publish calls are no-ops.
func (f *Fanout) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}

// Dropped reports how many frames were discarded because a subscriber was
// not keeping up.
func (f *Fanout) Dropped() uint64 { return f.dropped.Load() }
