package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/fretmaster/internal/capture"
	"github.com/MrWong99/fretmaster/internal/observe"
	"github.com/MrWong99/fretmaster/internal/transcript"
	"github.com/MrWong99/fretmaster/pkg/audio"
	"github.com/MrWong99/fretmaster/pkg/audio/decode"
	"github.com/MrWong99/fretmaster/pkg/audio/playback"
	"github.com/MrWong99/fretmaster/pkg/provider/live"
)

const (
	// DefaultOutputSampleRate is the playback rate; the live service
	// synthesises speech at 24 kHz.
	DefaultOutputSampleRate = 24000

	// CredentialMissingText is the chat message shown when Connect finds no
	// API key.
	CredentialMissingText = "API Key not found."

	// RemoteClosedNotice is reported when the service ends the session
	// without the user asking for it.
	RemoteClosedNotice = "connection closed by the tutor service"

	// ConnectTimeoutNotice is reported when a connect attempt did not reach
	// connected within the deadline given to ConnectWithin.
	ConnectTimeoutNotice = "connection timed out"
)

// Config holds the dependencies of a [Manager].
type Config struct {
	// Provider opens live sessions. Required.
	Provider live.Provider

	// Capture acquires the microphone + camera stream. Required.
	Capture audio.CaptureDevice

	// Playback opens the speaker output. Required.
	Playback audio.PlaybackDevice

	// Session is passed to Provider.Connect.
	Session live.SessionConfig

	// Credential is the API key. Connect fails fast when it is empty.
	Credential string

	// Constraints overrides [capture.DefaultConstraints].
	Constraints *audio.Constraints

	// InputSampleRate is the rate of forwarded microphone blocks. Zero means
	// [capture.InputSampleRate].
	InputSampleRate int

	// OutputSampleRate is the playback rate. Zero means
	// [DefaultOutputSampleRate].
	OutputSampleRate int

	// VideoInterval overrides [capture.VideoInterval].
	VideoInterval time.Duration

	// Metrics receives instrument updates. Nil means [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Archiver receives every finalized chat message tagged with the id of the
// connection it belongs to. ArchiveMessage must not block.
type Archiver interface {
	ArchiveMessage(sessionID string, msg transcript.Message)
}

// Option configures a [Manager].
type Option func(*Manager)

// WithArchiver forwards every chat message of a connection to a.
func WithArchiver(a Archiver) Option {
	return func(m *Manager) { m.archiver = a }
}

// WithOnState registers a callback for every state change.
func WithOnState(fn func(State)) Option {
	return func(m *Manager) { m.onState = fn }
}

// WithOnMessage registers a callback for every chat message appended to the
// log.
func WithOnMessage(fn func(transcript.Message)) Option {
	return func(m *Manager) { m.onMessage = fn }
}

// WithOnNotice registers a callback for user-facing notices such as an
// unexpected remote close.
func WithOnNotice(fn func(string)) Option {
	return func(m *Manager) { m.onNotice = fn }
}

// WithOnVolume registers a callback receiving the loudness of every
// forwarded microphone block. It runs on the audio tap goroutine.
func WithOnVolume(fn func(float64)) Option {
	return func(m *Manager) { m.onVolume = fn }
}

// WithClock overrides the timestamp source for chat messages.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// connection holds every resource of one connect attempt. Fields other than
// the immutable ones are written by Connect only while the connection is
// current, and read by teardown only after it was detached.
type connection struct {
	attempt uint64
	id      string
	ctx     context.Context
	cancel  context.CancelFunc
	started time.Time

	gate    *Gate
	recon   *transcript.Reconciler
	decoder *decode.Decoder

	stream audio.MediaStream
	output audio.Output
	sched  *playback.Scheduler
	tap    *capture.AudioTap
	video  *capture.VideoSampler

	opened    bool
	userClose bool

	teardownOnce sync.Once
	teardownErr  error
}

// Manager is the live session state machine. It owns every hardware, timer,
// and playback resource of the session and guarantees that all of them are
// released on Disconnect, Close, remote close, or a failed connect.
//
// All exported methods are safe for concurrent use. Remote events of one
// connection are handled sequentially in arrival order.
type Manager struct {
	cfg     Config
	metrics *observe.Metrics

	onState   func(State)
	onMessage func(transcript.Message)
	onNotice  func(string)
	onVolume  func(float64)
	archiver  Archiver
	now       func() time.Time

	volume atomic.Uint64 // math.Float64bits

	mu       sync.Mutex
	state    State
	conn     *connection
	attempts uint64
	messages []transcript.Message
	closed   bool
}

// NewManager returns a disconnected Manager.
func NewManager(cfg Config, opts ...Option) *Manager {
	if cfg.InputSampleRate <= 0 {
		cfg.InputSampleRate = capture.InputSampleRate
	}
	if cfg.OutputSampleRate <= 0 {
		cfg.OutputSampleRate = DefaultOutputSampleRate
	}
	if cfg.VideoInterval <= 0 {
		cfg.VideoInterval = capture.VideoInterval
	}
	m := &Manager{
		cfg:     cfg,
		metrics: cfg.Metrics,
		now:     time.Now,
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// ── Accessors ─────────────────────────────────────────────────────────────────

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Messages returns a copy of the chat log.
func (m *Manager) Messages() []transcript.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]transcript.Message, len(m.messages))
	copy(out, m.messages)
	return out
}

// Volume returns the loudness of the last forwarded microphone block, or 0
// when not streaming.
func (m *Manager) Volume() float64 {
	return math.Float64frombits(m.volume.Load())
}

// SessionID returns the id of the current connection, or "" when idle.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return ""
	}
	return m.conn.id
}

// SetSessionConfig replaces the live session settings used by the next
// Connect. An active connection keeps the settings it was opened with.
func (m *Manager) SetSessionConfig(sc live.SessionConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.Session = sc
}

// Stream returns the acquired media stream of the current connection, or nil.
// The stream is lent: callers may subscribe to it but must never stop it.
func (m *Manager) Stream() audio.MediaStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return nil
	}
	return m.conn.stream
}

// ── Transitions ───────────────────────────────────────────────────────────────

// Connect starts a new connection attempt. It acquires the capture devices,
// opens the speaker output, and dials the live service, then returns with
// the state still connecting; the remote open event moves it to connected.
//
// Connect is valid from disconnected and error. Every failure leaves the
// manager in the error state with all partially acquired resources released.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("%w: manager closed", ErrInvalidState)
	}
	if m.state == StateConnecting || m.state == StateConnected {
		st := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: connect while %s", ErrInvalidState, st)
	}
	if strings.TrimSpace(m.cfg.Credential) == "" {
		msg := transcript.Message{Role: transcript.RoleModel, Text: CredentialMissingText, Timestamp: m.now()}
		m.messages = append(m.messages, msg)
		fire := m.setStateLocked(StateError)
		m.mu.Unlock()
		slog.Error("session: no API key configured")
		fire()
		m.emitMessage("", msg)
		return ErrCredentialMissing
	}

	m.attempts++
	c := m.newConnection(ctx, m.attempts)
	m.conn = c
	sessCfg := m.cfg.Session
	fire := m.setStateLocked(StateConnecting)
	m.mu.Unlock()
	fire()

	ctx, span := observe.StartSpan(observe.WithSessionID(ctx, c.id), "session.connect")
	span.SetAttributes(attribute.String("session.id", c.id))
	defer span.End()

	log := observe.Logger(ctx).With("attempt", c.attempt)
	log.Info("session: connecting", "model", sessCfg.Model)

	opCtx, stop := c.bind(ctx)
	defer stop()

	err := m.connect(opCtx, c, sessCfg, log)
	if err != nil && !errors.Is(err, ErrSuperseded) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// connect acquires the resources of c in order. Every step re-checks that c
// is still current before attaching what it acquired.
func (m *Manager) connect(opCtx context.Context, c *connection, sessCfg live.SessionConfig, log *slog.Logger) error {
	constraints := capture.DefaultConstraints()
	if m.cfg.Constraints != nil {
		constraints = *m.cfg.Constraints
	}
	stream, err := capture.Acquire(opCtx, m.cfg.Capture, constraints)
	if err != nil {
		return m.fail(c, err)
	}
	if !m.attach(c, func() { c.stream = stream }) {
		if err := stream.Stop(); err != nil {
			log.Warn("session: stop stale stream", "err", err)
		}
		return ErrSuperseded
	}

	output, err := m.cfg.Playback.Open(m.cfg.OutputSampleRate)
	if err != nil {
		return m.fail(c, fmt.Errorf("session: open output: %w", err))
	}
	if !m.attach(c, func() { m.wireMedia(c, stream, output) }) {
		if err := output.Close(); err != nil {
			log.Warn("session: close stale output", "err", err)
		}
		return ErrSuperseded
	}

	sess, err := m.cfg.Provider.Connect(opCtx, sessCfg)
	if err != nil {
		if !m.isCurrent(c) {
			return ErrSuperseded
		}
		return m.fail(c, &RemoteOpenError{Err: err})
	}
	if !c.gate.Resolve(sess) {
		if err := sess.Close(); err != nil {
			log.Warn("session: close stale session", "err", err)
		}
		// The stale session still emits its close event; nobody else reads it.
		go func(events <-chan live.Event) {
			for range events {
			}
		}(sess.Events())
		return ErrSuperseded
	}

	go m.run(c, sess)
	return nil
}

// ConnectWithin runs Connect with a deadline of d covering device
// acquisition, dialing, and the wait for the remote open event. An attempt
// that is still connecting when d elapses ends in the error state with every
// resource released. A non-positive d means no deadline.
func (m *Manager) ConnectWithin(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return m.Connect(ctx)
	}
	deadline := time.Now().Add(d)
	dctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	if err := m.Connect(dctx); err != nil {
		return err
	}

	m.mu.Lock()
	c := m.conn
	m.mu.Unlock()
	if c == nil {
		return nil
	}
	t := time.AfterFunc(time.Until(deadline), func() { m.expire(c) })
	context.AfterFunc(c.ctx, func() { t.Stop() })
	return nil
}

// expire fails c if it is still the current attempt and has not opened.
func (m *Manager) expire(c *connection) {
	m.mu.Lock()
	if m.conn != c || m.state != StateConnecting {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	fire := m.setStateLocked(StateError)
	m.mu.Unlock()

	slog.Warn("session: connect timed out", "attempt", c.attempt, "session_id", c.id)
	m.metrics.RecordConnect(context.Background(), time.Since(c.started).Seconds(), "timeout")
	if err := m.teardown(c); err != nil {
		slog.Warn("session: teardown after timeout", "attempt", c.attempt, "err", err)
	}
	fire()
	if m.onNotice != nil {
		m.onNotice(ConnectTimeoutNotice)
	}
}

// Disconnect tears the current connection down and moves to disconnected.
// It is idempotent and a no-op when nothing is active.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	c := m.conn
	if c == nil {
		m.mu.Unlock()
		return nil
	}
	c.userClose = true
	m.conn = nil
	fire := m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	slog.Info("session: disconnecting", "attempt", c.attempt)
	err := m.teardown(c)
	fire()
	return err
}

// Close disconnects and refuses later Connect calls. It is idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return m.Disconnect()
}

// SendText appends text to the chat log as a user message and sends it to
// the live service. Blank text is ignored. Without an active connection it
// returns [ErrInvalidState] and changes nothing.
func (m *Manager) SendText(text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	m.mu.Lock()
	c := m.conn
	if c == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: not connected", ErrInvalidState)
	}
	msg := transcript.Message{Role: transcript.RoleUser, Text: text, Timestamp: m.now()}
	m.messages = append(m.messages, msg)
	m.mu.Unlock()

	m.emitMessage(c.id, msg)
	c.gate.Send(TextPayload(text))
	return nil
}

// ── Connection plumbing ───────────────────────────────────────────────────────

func (m *Manager) newConnection(ctx context.Context, attempt uint64) *connection {
	cctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &connection{
		attempt: attempt,
		id:      uuid.NewString(),
		ctx:     cctx,
		cancel:  cancel,
		started: time.Now(),
		recon:   transcript.NewReconciler(transcript.WithClock(m.now)),
		decoder: decode.New(),
	}
	c.gate = NewGate(WithOnSent(func(p Payload, err error) {
		status := "ok"
		if err != nil {
			status = "error"
			slog.Debug("session: send failed", "kind", p.Kind.String(), "err", err)
		}
		m.metrics.RecordFrameSent(cctx, p.Kind.String(), status)
	}))
	return c
}

// bind returns a context that is cancelled when either ctx or the
// connection is done.
func (c *connection) bind(ctx context.Context) (context.Context, func()) {
	opCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.ctx, cancel)
	return opCtx, func() {
		stop()
		cancel()
	}
}

// attach runs fn under the lock if c is still the current connection.
func (m *Manager) attach(c *connection, fn func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != c {
		return false
	}
	fn()
	return true
}

func (m *Manager) isCurrent(c *connection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn == c
}

// wireMedia builds the playback scheduler and both capture taps. The taps
// stay idle until the remote session opens.
func (m *Manager) wireMedia(c *connection, stream audio.MediaStream, output audio.Output) {
	c.output = output
	c.sched = playback.New(output,
		playback.WithOnScheduled(func(*playback.Handle) {
			m.metrics.PlaybackScheduled.Add(c.ctx, 1)
		}),
		playback.WithOnInterrupt(func(stopped int) {
			slog.Debug("session: playback interrupted", "attempt", c.attempt, "stopped", stopped)
		}),
	)
	c.tap = capture.NewAudioTap(stream, capture.WithSampleRate(m.cfg.InputSampleRate))
	c.video = capture.NewVideoSampler(stream.Video(),
		capture.WithInterval(m.cfg.VideoInterval),
		capture.WithOnError(func(err error) {
			slog.Debug("session: video frame skipped", "err", err)
		}),
	)
}

// fail ends attempt c in the error state. If c is no longer current it was
// already torn down by Disconnect and only ErrSuperseded is reported.
func (m *Manager) fail(c *connection, err error) error {
	m.mu.Lock()
	if m.conn != c {
		m.mu.Unlock()
		return ErrSuperseded
	}
	m.conn = nil
	fire := m.setStateLocked(StateError)
	m.mu.Unlock()

	slog.Error("session: connect failed", "attempt", c.attempt, "err", err)
	m.metrics.RecordConnect(context.Background(), time.Since(c.started).Seconds(), "error")
	if terr := m.teardown(c); terr != nil {
		slog.Warn("session: teardown after failed connect", "attempt", c.attempt, "err", terr)
	}
	fire()
	return err
}

// teardown releases every resource of c. Each step runs regardless of
// earlier failures; errors are joined. Only the first call has an effect.
func (m *Manager) teardown(c *connection) error {
	c.teardownOnce.Do(func() {
		var errs []error
		// The session goes first: a tap blocked in a send returns once the
		// session is closed, so the taps below can be joined.
		if sess := c.gate.Invalidate(); sess != nil {
			if err := sess.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close live session: %w", err))
			}
		}
		if c.video != nil {
			c.video.Stop()
		}
		if c.tap != nil {
			c.tap.Stop()
		}
		if c.sched != nil {
			c.sched.Shutdown()
		}
		if c.output != nil {
			if err := c.output.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close output: %w", err))
			}
		}
		if c.stream != nil {
			if err := c.stream.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("stop stream: %w", err))
			}
		}
		c.recon.Abort()
		c.cancel()

		m.volume.Store(0)
		if c.opened {
			m.metrics.ActiveSessions.Add(context.Background(), -1)
		}

		if len(errs) > 0 {
			c.teardownErr = fmt.Errorf("session: teardown: %w", errors.Join(errs...))
			slog.Warn("session: teardown incomplete", "attempt", c.attempt, "err", c.teardownErr)
		}
		slog.Debug("session: torn down", "attempt", c.attempt, "user", c.userClose)
	})
	return c.teardownErr
}

// setStateLocked changes the state and returns a function that notifies
// the state hook. Call it after releasing m.mu.
func (m *Manager) setStateLocked(s State) func() {
	if m.state == s {
		return func() {}
	}
	m.state = s
	m.metrics.RecordStateTransition(context.Background(), s.String())
	hook := m.onState
	return func() {
		if hook != nil {
			hook(s)
		}
	}
}

func (m *Manager) emitMessage(sessionID string, msg transcript.Message) {
	m.metrics.RecordTurnMessage(context.Background(), string(msg.Role))
	if m.archiver != nil && sessionID != "" {
		m.archiver.ArchiveMessage(sessionID, msg)
	}
	if m.onMessage != nil {
		m.onMessage(msg)
	}
}

// ── Remote events ─────────────────────────────────────────────────────────────

// run consumes the event stream of c until it ends. Events of a connection
// that is no longer current are drained and ignored.
func (m *Manager) run(c *connection, sess live.Session) {
	closed := false
	for ev := range sess.Events() {
		if ev.Type == live.EventClose {
			closed = true
		}
		m.handleEvent(c, ev)
	}
	if !closed {
		m.handleEvent(c, live.Event{Type: live.EventClose, Code: -1})
	}
}

func (m *Manager) handleEvent(c *connection, ev live.Event) {
	switch ev.Type {
	case live.EventOpen:
		m.handleOpen(c)
	case live.EventMessage:
		if ev.Content != nil {
			m.handleMessage(c, ev.Content)
		}
	case live.EventError:
		m.metrics.RemoteErrors.Add(c.ctx, 1)
		slog.Warn("session: remote error", "attempt", c.attempt, "err", ev.Err)
	case live.EventClose:
		m.handleClose(c, ev)
	}
}

func (m *Manager) handleOpen(c *connection) {
	m.mu.Lock()
	if m.conn != c {
		m.mu.Unlock()
		return
	}
	c.opened = true
	c.tap.Start(func(b capture.Block) { m.forwardBlock(c, b) })
	c.video.Start(func(f capture.VideoFrame) { c.gate.Send(VideoPayload(f.JPEG)) })
	m.messages = nil
	fire := m.setStateLocked(StateConnected)
	m.mu.Unlock()

	m.metrics.ActiveSessions.Add(c.ctx, 1)
	m.metrics.RecordConnect(c.ctx, time.Since(c.started).Seconds(), "ok")
	slog.Info("session: connected", "attempt", c.attempt, "latency", time.Since(c.started))
	fire()
}

func (m *Manager) forwardBlock(c *connection, b capture.Block) {
	c.gate.Send(AudioPayload(audio.EncodePCM16(b.Samples), b.SampleRate))
	m.volume.Store(math.Float64bits(b.Level))
	if m.onVolume != nil {
		m.onVolume(b.Level)
	}
}

// handleMessage applies one server content message: transcript fragments,
// turn finalization, inline audio, then interruption.
func (m *Manager) handleMessage(c *connection, sc *live.ServerContent) {
	if !m.isCurrent(c) {
		return
	}

	if sc.InputTranscription != "" {
		c.recon.AppendUser(sc.InputTranscription)
	}
	if sc.OutputTranscription != "" {
		c.recon.AppendModel(sc.OutputTranscription)
	}
	if sc.TurnComplete {
		m.appendMessages(c, c.recon.FinalizeTurn())
	}

	for _, a := range sc.Audio {
		m.playAudio(c, a)
	}

	if sc.Interrupted {
		c.sched.Interrupt()
		c.recon.Abort()
		m.metrics.Interruptions.Add(c.ctx, 1)
		slog.Info("session: model interrupted", "attempt", c.attempt)
	}
}

// playAudio decodes one inline payload and schedules it. Malformed payloads
// are logged and dropped; the session continues.
func (m *Manager) playAudio(c *connection, a live.InlineAudio) {
	start := time.Now()
	buf, err := c.decoder.Decode(a.Data, a.MIMEType, m.cfg.OutputSampleRate)
	m.metrics.DecodeDuration.Record(c.ctx, time.Since(start).Seconds())
	if err != nil {
		m.metrics.DecodeErrors.Add(c.ctx, 1)
		slog.Warn("session: dropping audio payload", "attempt", c.attempt, "mime", a.MIMEType, "bytes", len(a.Data), "err", err)
		return
	}
	if _, err := c.sched.Enqueue(buf); err != nil {
		slog.Debug("session: audio not scheduled", "attempt", c.attempt, "err", err)
	}
}

func (m *Manager) appendMessages(c *connection, msgs []transcript.Message) {
	if len(msgs) == 0 {
		return
	}
	m.mu.Lock()
	if m.conn != c {
		m.mu.Unlock()
		return
	}
	m.messages = append(m.messages, msgs...)
	m.mu.Unlock()

	for _, msg := range msgs {
		m.emitMessage(c.id, msg)
	}
}

// handleClose runs the full teardown when the service ends the session.
// After a user disconnect the connection is no longer current and the event
// is ignored.
func (m *Manager) handleClose(c *connection, ev live.Event) {
	m.mu.Lock()
	if m.conn != c {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	fire := m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	slog.Info("session: remote closed", "attempt", c.attempt, "code", ev.Code, "reason", ev.Reason, "err", ev.Err)
	if err := m.teardown(c); err != nil {
		slog.Warn("session: teardown after remote close", "attempt", c.attempt, "err", err)
	}
	fire()
	if !c.userClose && m.onNotice != nil {
		m.onNotice(RemoteClosedNotice)
	}
}
