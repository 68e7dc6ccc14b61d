// Package transcript reconciles the streamed transcript fragments of a live
// tutoring session into finalized chat messages.
//
// The live service transcribes the user's speech and the model's speech as
// two independent fragment streams. A [Reconciler] accumulates each stream
// into its own open buffer and, on a turn boundary, emits at most one
// [Message] per side, user first. On interruption both buffers are discarded
// without emitting anything.
package transcript

import (
	"strings"
	"sync"
	"time"
)

// Role identifies the speaker of a [Message].
type Role string

const (
	// RoleUser is the human learner.
	RoleUser Role = "user"

	// RoleModel is the AI tutor.
	RoleModel Role = "model"
)

// Message is one finalized chat log entry. Messages are immutable once
// emitted.
type Message struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Option configures a [Reconciler].
type Option func(*Reconciler)

// WithClock overrides the timestamp source. Primarily used in tests.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// Reconciler holds the open user and model accumulators. It is safe for
// concurrent use.
type Reconciler struct {
	now func() time.Time

	mu    sync.Mutex
	user  strings.Builder
	model strings.Builder
}

// NewReconciler returns an empty Reconciler.
func NewReconciler(opts ...Option) *Reconciler {
	r := &Reconciler{now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// AppendUser adds a fragment of the user's speech transcript.
func (r *Reconciler) AppendUser(fragment string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.user.WriteString(fragment)
}

// AppendModel adds a fragment of the model's speech transcript.
func (r *Reconciler) AppendModel(fragment string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.model.WriteString(fragment)
}

// FinalizeTurn closes the current turn. Each side whose trimmed text is
// non-empty yields one message, user before model, all with the same
// timestamp. Both accumulators are cleared. The result may be empty.
func (r *Reconciler) FinalizeTurn() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	user := strings.TrimSpace(r.user.String())
	model := strings.TrimSpace(r.model.String())
	r.user.Reset()
	r.model.Reset()

	ts := r.now()
	out := make([]Message, 0, 2)
	if user != "" {
		out = append(out, Message{Role: RoleUser, Text: user, Timestamp: ts})
	}
	if model != "" {
		out = append(out, Message{Role: RoleModel, Text: model, Timestamp: ts})
	}
	return out
}

// Abort discards both accumulators without emitting. Partial transcripts of
// an interrupted turn are never shown.
func (r *Reconciler) Abort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.user.Reset()
	r.model.Reset()
}

// Pending returns the untrimmed contents of both open accumulators.
func (r *Reconciler) Pending() (user, model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.user.String(), r.model.String()
}
