package otel

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the gateway instruments. Each recording also bumps an
// in-process counter so /metrics can answer without an exporter.
type Metrics struct {
	Connections       metric.Int64UpDownCounter
	Handshakes        metric.Int64Counter
	RequestDuration   metric.Float64Histogram
	RequestErrors     metric.Int64Counter
	BroadcastDropped  metric.Int64Counter
	SlowConsumerClose metric.Int64Counter
	SeqGaps           metric.Int64Counter
	RelayFailures     metric.Int64Counter
	RateLimitRejects  metric.Int64Counter

	connections       atomic.Int64
	handshakesOK      atomic.Int64
	handshakesFailed  atomic.Int64
	requests          atomic.Int64
	requestErrors     atomic.Int64
	broadcastDropped  atomic.Int64
	slowConsumerClose atomic.Int64
	seqGaps           atomic.Int64
	relayFailures     atomic.Int64
	rateLimitRejects  atomic.Int64
}

// NewMetrics creates all instruments from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.Connections, err = meter.Int64UpDownCounter("goclaw.gateway.connections",
		metric.WithDescription("Open WebSocket connections"),
	); err != nil {
		return nil, err
	}
	if m.Handshakes, err = meter.Int64Counter("goclaw.gateway.handshakes",
		metric.WithDescription("Completed handshakes by outcome"),
	); err != nil {
		return nil, err
	}
	if m.RequestDuration, err = meter.Float64Histogram("goclaw.gateway.request.duration",
		metric.WithDescription("Request handling duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.RequestErrors, err = meter.Int64Counter("goclaw.gateway.request.errors",
		metric.WithDescription("Requests answered with an error, by code"),
	); err != nil {
		return nil, err
	}
	if m.BroadcastDropped, err = meter.Int64Counter("goclaw.gateway.broadcast.dropped",
		metric.WithDescription("Droppable events skipped for slow consumers"),
	); err != nil {
		return nil, err
	}
	if m.SlowConsumerClose, err = meter.Int64Counter("goclaw.gateway.slow_consumer.closed",
		metric.WithDescription("Connections closed for exceeding the buffered byte limit"),
	); err != nil {
		return nil, err
	}
	if m.SeqGaps, err = meter.Int64Counter("goclaw.gateway.agent.seq_gaps",
		metric.WithDescription("Agent event sequence gaps detected"),
	); err != nil {
		return nil, err
	}
	if m.RelayFailures, err = meter.Int64Counter("goclaw.gateway.bridge.relay_failures",
		metric.WithDescription("Failed event relays to bridge nodes"),
	); err != nil {
		return nil, err
	}
	if m.RateLimitRejects, err = meter.Int64Counter("goclaw.gateway.ratelimit.rejects",
		metric.WithDescription("Requests rejected by the per-connection rate limiter"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) ConnectionOpened(ctx context.Context) {
	m.connections.Add(1)
	m.Connections.Add(ctx, 1)
}

func (m *Metrics) ConnectionClosed(ctx context.Context) {
	m.connections.Add(-1)
	m.Connections.Add(ctx, -1)
}

// Handshake records a finished handshake. method is the auth method on
// success and the rejection reason otherwise.
func (m *Metrics) Handshake(ctx context.Context, ok bool, method string) {
	outcome := "rejected"
	if ok {
		outcome = "ok"
		m.handshakesOK.Add(1)
	} else {
		m.handshakesFailed.Add(1)
	}
	m.Handshakes.Add(ctx, 1, metric.WithAttributes(AttrAuthOutcome.String(outcome), AttrAuthMethod.String(method)))
}

// Request records one handled request; errCode is empty on success.
func (m *Metrics) Request(ctx context.Context, method string, d time.Duration, errCode string) {
	m.requests.Add(1)
	m.RequestDuration.Record(ctx, d.Seconds(), metric.WithAttributes(AttrMethod.String(method)))
	if errCode != "" {
		m.requestErrors.Add(1)
		m.RequestErrors.Add(ctx, 1, metric.WithAttributes(AttrMethod.String(method), AttrErrorCode.String(errCode)))
	}
}

func (m *Metrics) Dropped(ctx context.Context, event string) {
	m.broadcastDropped.Add(1)
	m.BroadcastDropped.Add(ctx, 1, metric.WithAttributes(AttrEvent.String(event)))
}

func (m *Metrics) SlowConsumer(ctx context.Context) {
	m.slowConsumerClose.Add(1)
	m.SlowConsumerClose.Add(ctx, 1)
}

func (m *Metrics) SeqGap(ctx context.Context, runID string) {
	m.seqGaps.Add(1)
	m.SeqGaps.Add(ctx, 1, metric.WithAttributes(AttrRunID.String(runID)))
}

func (m *Metrics) RelayFailed(ctx context.Context, nodeID string) {
	m.relayFailures.Add(1)
	m.RelayFailures.Add(ctx, 1, metric.WithAttributes(AttrNodeID.String(nodeID)))
}

func (m *Metrics) RateLimited(ctx context.Context, method string) {
	m.rateLimitRejects.Add(1)
	m.RateLimitRejects.Add(ctx, 1, metric.WithAttributes(AttrMethod.String(method)))
}

// Snapshot is the /metrics JSON body.
type Snapshot struct {
	Connections       int64 `json:"connections"`
	HandshakesOK      int64 `json:"handshakesOk"`
	HandshakesFailed  int64 `json:"handshakesFailed"`
	Requests          int64 `json:"requests"`
	RequestErrors     int64 `json:"requestErrors"`
	BroadcastDropped  int64 `json:"broadcastDropped"`
	SlowConsumerClose int64 `json:"slowConsumerClosed"`
	SeqGaps           int64 `json:"seqGaps"`
	RelayFailures     int64 `json:"relayFailures"`
	RateLimitRejects  int64 `json:"rateLimitRejects"`
}

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Connections:       m.connections.Load(),
		HandshakesOK:      m.handshakesOK.Load(),
		HandshakesFailed:  m.handshakesFailed.Load(),
		Requests:          m.requests.Load(),
		RequestErrors:     m.requestErrors.Load(),
		BroadcastDropped:  m.broadcastDropped.Load(),
		SlowConsumerClose: m.slowConsumerClose.Load(),
		SeqGaps:           m.seqGaps.Load(),
		RelayFailures:     m.relayFailures.Load(),
		RateLimitRejects:  m.rateLimitRejects.Load(),
	}
}
