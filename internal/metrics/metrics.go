// Package metrics records classroom and connection activity as OpenTelemetry instruments.
package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"seminar/pkg/types"
)

const meterName = "seminar"

// Vote outcomes
const (
	OutcomeAccepted = "accepted"
	OutcomeDenied   = "denied"
)

// Recorder owns the seminar instruments. It satisfies connection.Observer for the
// client and the hub's recorder for the server. Safe for concurrent use.
type Recorder struct {
	eventsReceived   metric.Int64Counter
	eventsSent       metric.Int64Counter
	votesCast        metric.Int64Counter
	levelTransitions metric.Int64Counter
	reconnects       metric.Int64Counter
	heartbeat        metric.Float64Histogram
}

// NewRecorder creates the instruments on provider's meter.
func NewRecorder(provider metric.MeterProvider) (*Recorder, error) {
	meter := provider.Meter(meterName)
	r := &Recorder{}
	var err error

	if r.eventsReceived, err = meter.Int64Counter(
		"seminar_events_received_total",
		metric.WithDescription("Wire events received, by event name"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, fmt.Errorf("creating events received counter: %w", err)
	}
	if r.eventsSent, err = meter.Int64Counter(
		"seminar_events_sent_total",
		metric.WithDescription("Wire events sent, by event name"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, fmt.Errorf("creating events sent counter: %w", err)
	}
	if r.votesCast, err = meter.Int64Counter(
		"seminar_votes_cast_total",
		metric.WithDescription("Ballots submitted, by outcome"),
		metric.WithUnit("{vote}"),
	); err != nil {
		return nil, fmt.Errorf("creating votes counter: %w", err)
	}
	if r.levelTransitions, err = meter.Int64Counter(
		"seminar_level_transitions_total",
		metric.WithDescription("Dialogue level changes, by cause"),
		metric.WithUnit("{transition}"),
	); err != nil {
		return nil, fmt.Errorf("creating level transitions counter: %w", err)
	}
	if r.reconnects, err = meter.Int64Counter(
		"seminar_reconnects_total",
		metric.WithDescription("Reconnection attempts"),
		metric.WithUnit("{attempt}"),
	); err != nil {
		return nil, fmt.Errorf("creating reconnects counter: %w", err)
	}
	if r.heartbeat, err = meter.Float64Histogram(
		"seminar_heartbeat_latency_ms",
		metric.WithDescription("Round trip time of heartbeat pings"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, fmt.Errorf("creating heartbeat histogram: %w", err)
	}
	return r, nil
}

// EventReceived counts one inbound event.
func (r *Recorder) EventReceived(name types.EventName) {
	r.eventsReceived.Add(context.Background(), 1, metric.WithAttributes(attribute.String("event", string(name))))
}

// EventSent counts one outbound event.
func (r *Recorder) EventSent(name types.EventName) {
	r.eventsSent.Add(context.Background(), 1, metric.WithAttributes(attribute.String("event", string(name))))
}

// VoteCast counts one ballot with its outcome.
func (r *Recorder) VoteCast(outcome string) {
	r.votesCast.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// LevelTransition counts one applied level change.
func (r *Recorder) LevelTransition(cause string) {
	r.levelTransitions.Add(context.Background(), 1, metric.WithAttributes(attribute.String("cause", cause)))
}

// ReconnectAttempt counts one reconnection attempt.
func (r *Recorder) ReconnectAttempt() {
	r.reconnects.Add(context.Background(), 1)
}

// HeartbeatLatency records one ping round trip.
func (r *Recorder) HeartbeatLatency(d time.Duration) {
	r.heartbeat.Record(context.Background(), float64(d)/float64(time.Millisecond))
}
