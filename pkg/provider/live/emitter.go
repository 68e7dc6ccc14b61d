package live

import "sync"

// Emitter is the event channel plumbing shared by provider backends. It
// guarantees the stream ends with exactly one [EventClose] followed by the
// channel being closed. Emit may be called from several goroutines; an Emit
// racing with or after Finish is dropped.
type Emitter struct {
	ch   chan Event
	done <-chan struct{}
	once sync.Once

	mu       sync.RWMutex
	finished bool
}

// NewEmitter returns an Emitter with the given channel buffer. Once done is
// closed (the session was closed locally) Emit stops blocking.
func NewEmitter(buffer int, done <-chan struct{}) *Emitter {
	return &Emitter{ch: make(chan Event, buffer), done: done}
}

// Events returns the receive side of the stream.
func (e *Emitter) Events() <-chan Event { return e.ch }

// Emit delivers ev, blocking while the consumer is behind. It returns false
// when ev was dropped because the session was closed locally or the stream
// already finished.
func (e *Emitter) Emit(ev Event) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.finished {
		return false
	}
	select {
	case e.ch <- ev:
		return true
	case <-e.done:
		return false
	}
}

// Finish emits the final close event and closes the channel. Only the first
// call has an effect. After a local close the event is delivered only when
// buffer space is available.
func (e *Emitter) Finish(ev Event) {
	e.once.Do(func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.finished = true
		ev.Type = EventClose
		select {
		case e.ch <- ev:
		case <-e.done:
			select {
			case e.ch <- ev:
			default:
			}
		}
		close(e.ch)
	})
}
