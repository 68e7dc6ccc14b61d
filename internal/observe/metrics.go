// Package observe holds FretMaster's telemetry: OpenTelemetry metric
// instruments, tracing helpers, context-aware logging, and the HTTP
// middleware that ties them together.
//
// Instruments are created by [NewMetrics] against any meter provider; tests
// pass one backed by a manual reader. [InitProvider] installs the SDK
// providers and a Prometheus registry for scraping. Code without explicit
// wiring may use [DefaultMetrics], bound to the global provider.
package observe

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope of every FretMaster instrument.
const meterName = "github.com/MrWong99/fretmaster"

// Metrics bundles the application's instruments. The OTel instruments are
// safe for concurrent use.
type Metrics struct {
	// ── Session ──

	// ConnectDuration is the time from Connect to the remote open event,
	// by status ("ok", "error", "timeout").
	ConnectDuration metric.Float64Histogram

	// StateTransitions counts connection state changes by target state.
	StateTransitions metric.Int64Counter

	// ActiveSessions is the number of open live sessions.
	ActiveSessions metric.Int64UpDownCounter

	// RemoteErrors counts error events from the live service.
	RemoteErrors metric.Int64Counter

	// TurnMessages counts finalized chat messages by role.
	TurnMessages metric.Int64Counter

	// ── Media ──

	// FramesSent counts forwarded payloads by kind (audio, video, text)
	// and status.
	FramesSent metric.Int64Counter

	// DecodeDuration is the latency of decoding one inbound audio payload.
	DecodeDuration metric.Float64Histogram

	// DecodeErrors counts inbound audio payloads dropped as malformed.
	DecodeErrors metric.Int64Counter

	// PlaybackScheduled counts buffers handed to the playback scheduler.
	PlaybackScheduled metric.Int64Counter

	// Interruptions counts barge-in interruptions by the model.
	Interruptions metric.Int64Counter

	// Recordings counts finished local recordings.
	Recordings metric.Int64Counter

	// ArchiveDropped counts chat archive writes that were lost.
	ArchiveDropped metric.Int64Counter

	// ── HTTP ──

	// HTTPRequestDuration is the request latency by method, path (the
	// matched route pattern), and status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds, from audio-block
// latencies up to slow dials.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// instruments creates instruments on one meter and remembers the first
// failure per instrument.
type instruments struct {
	meter metric.Meter
	errs  []error
}

func (b *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.check(name, err)
	return c
}

func (b *instruments) upDown(name, desc string) metric.Int64UpDownCounter {
	c, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.check(name, err)
	return c
}

func (b *instruments) seconds(name, desc string, buckets []float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if buckets != nil {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	h, err := b.meter.Float64Histogram(name, opts...)
	b.check(name, err)
	return h
}

func (b *instruments) check(name string, err error) {
	if err != nil {
		b.errs = append(b.errs, fmt.Errorf("%s: %w", name, err))
	}
}

// NewMetrics creates every instrument on mp. All creation failures are
// reported together.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &instruments{meter: mp.Meter(meterName)}
	m := &Metrics{
		ConnectDuration:  b.seconds("fretmaster.connect.duration", "Time from connect to the live session opening.", latencyBuckets),
		StateTransitions: b.counter("fretmaster.state.transitions", "Connection state transitions by target state."),
		ActiveSessions:   b.upDown("fretmaster.active_sessions", "Open live sessions."),
		RemoteErrors:     b.counter("fretmaster.remote.errors", "Error events reported by the live service."),
		TurnMessages:     b.counter("fretmaster.turn.messages", "Finalized chat messages by role."),

		FramesSent:        b.counter("fretmaster.frames.sent", "Payloads forwarded to the live service by kind and status."),
		DecodeDuration:    b.seconds("fretmaster.decode.duration", "Latency of decoding one inbound audio payload.", latencyBuckets),
		DecodeErrors:      b.counter("fretmaster.decode.errors", "Inbound audio payloads dropped as malformed."),
		PlaybackScheduled: b.counter("fretmaster.playback.scheduled", "Audio buffers scheduled for playback."),
		Interruptions:     b.counter("fretmaster.interruptions", "Model interruptions."),
		Recordings:        b.counter("fretmaster.recordings", "Finished local recordings."),
		ArchiveDropped:    b.counter("fretmaster.archive.dropped", "Chat archive writes that were lost."),

		HTTPRequestDuration: b.seconds("fretmaster.http.request.duration", "HTTP request latency by method, route, and status.", nil),
	}
	if err := errors.Join(b.errs...); err != nil {
		return nil, fmt.Errorf("observe: create instruments: %w", err)
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a process-wide [Metrics] bound to the global meter
// provider at first use. It panics if the instruments cannot be created.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic(err)
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

// RecordFrameSent counts one forwarded payload.
func (m *Metrics) RecordFrameSent(ctx context.Context, kind, status string) {
	m.FramesSent.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}

// RecordTurnMessage counts one finalized chat message.
func (m *Metrics) RecordTurnMessage(ctx context.Context, role string) {
	m.TurnMessages.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}

// RecordStateTransition counts a change to state.
func (m *Metrics) RecordStateTransition(ctx context.Context, state string) {
	m.StateTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

// RecordConnect observes one finished connect attempt.
func (m *Metrics) RecordConnect(ctx context.Context, seconds float64, status string) {
	m.ConnectDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("status", status)))
}
