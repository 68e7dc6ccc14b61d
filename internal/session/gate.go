package session

import (
	"sync"

	"github.com/MrWong99/fretmaster/pkg/provider/live"
)

// PayloadKind enumerates what a [Payload] carries.
type PayloadKind int

const (
	PayloadAudio PayloadKind = iota
	PayloadVideo
	PayloadText
)

// String returns the lower-case kind name.
func (k PayloadKind) String() string {
	switch k {
	case PayloadAudio:
		return "audio"
	case PayloadVideo:
		return "video"
	case PayloadText:
		return "text"
	default:
		return "unknown"
	}
}

// Payload is one outbound item for the live session.
type Payload struct {
	Kind PayloadKind

	// PCM and SampleRate are set for PayloadAudio.
	PCM        []byte
	SampleRate int

	// JPEG is set for PayloadVideo.
	JPEG []byte

	// Text is set for PayloadText.
	Text string
}

// AudioPayload wraps a 16-bit PCM block.
func AudioPayload(pcm []byte, sampleRate int) Payload {
	return Payload{Kind: PayloadAudio, PCM: pcm, SampleRate: sampleRate}
}

// VideoPayload wraps a JPEG frame.
func VideoPayload(jpeg []byte) Payload {
	return Payload{Kind: PayloadVideo, JPEG: jpeg}
}

// TextPayload wraps a typed message.
func TextPayload(text string) Payload {
	return Payload{Kind: PayloadText, Text: text}
}

type gateState int

const (
	gatePending gateState = iota
	gateReady
	gateInvalidated
)

// Gate serializes outbound payloads into a live session whose handle may not
// exist yet.
//
// A Gate starts pending: sends are queued in call order. [Gate.Resolve]
// flushes the queue into the session and makes later sends go straight
// through. [Gate.Invalidate] discards the queue and makes every later send a
// silent no-op. Callers never see send errors; they go to the error callback.
type Gate struct {
	onSent func(Payload, error)

	// sendMu orders writes: a flush holds it until the whole queue is out.
	sendMu sync.Mutex

	mu    sync.Mutex
	state gateState
	sess  live.Session
	queue []Payload
}

// GateOption configures a [Gate].
type GateOption func(*Gate)

// WithOnSent registers a callback invoked after every forwarded payload with
// the session's send result.
func WithOnSent(fn func(Payload, error)) GateOption {
	return func(g *Gate) { g.onSent = fn }
}

// NewGate returns a pending Gate.
func NewGate(opts ...GateOption) *Gate {
	g := &Gate{}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Send forwards p, defers it until Resolve, or drops it after Invalidate.
func (g *Gate) Send(p Payload) {
	g.mu.Lock()
	switch g.state {
	case gatePending:
		g.queue = append(g.queue, p)
		g.mu.Unlock()
		return
	case gateInvalidated:
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()

	g.sendMu.Lock()
	defer g.sendMu.Unlock()

	g.mu.Lock()
	sess, ok := g.sess, g.state == gateReady
	g.mu.Unlock()
	if ok {
		g.forward(sess, p)
	}
}

// Resolve attaches sess and flushes deferred payloads in call order. It
// reports false when the gate is not pending (already resolved or
// invalidated); the caller then still owns sess.
func (g *Gate) Resolve(sess live.Session) bool {
	g.sendMu.Lock()
	defer g.sendMu.Unlock()

	g.mu.Lock()
	if g.state != gatePending {
		g.mu.Unlock()
		return false
	}
	g.state = gateReady
	g.sess = sess
	queued := g.queue
	g.queue = nil
	g.mu.Unlock()

	for _, p := range queued {
		g.mu.Lock()
		ok := g.state == gateReady
		g.mu.Unlock()
		if !ok {
			break
		}
		g.forward(sess, p)
	}
	return true
}

// Invalidate discards deferred payloads and detaches the session, which is
// returned (nil if never resolved) so the caller can close it. Later sends
// are dropped. Invalidate is idempotent.
func (g *Gate) Invalidate() live.Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	sess := g.sess
	g.state = gateInvalidated
	g.sess = nil
	g.queue = nil
	return sess
}

// Pending returns the number of deferred payloads.
func (g *Gate) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}

// Ready reports whether the gate forwards directly.
func (g *Gate) Ready() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state == gateReady
}

func (g *Gate) forward(sess live.Session, p Payload) {
	var err error
	switch p.Kind {
	case PayloadAudio:
		err = sess.SendAudio(p.PCM, p.SampleRate)
	case PayloadVideo:
		err = sess.SendVideo(p.JPEG)
	case PayloadText:
		err = sess.SendText(p.Text)
	}
	if g.onSent != nil {
		g.onSent(p, err)
	}
}
