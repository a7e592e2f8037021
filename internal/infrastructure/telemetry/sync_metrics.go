package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrMeterNil is returned when a metrics set is built without a meter
var ErrMeterNil = errors.New("telemetry: meter cannot be nil")

// Metric attribute keys
var (
	AttrEntityType = attribute.Key("entity_type")
	AttrResult     = attribute.Key("result")
	AttrOperation  = attribute.Key("operation")
	AttrTopic      = attribute.Key("topic")
	AttrPath       = attribute.Key("path")
)

// Cache lookup results
const (
	CacheHit       = "hit"
	CacheStale     = "stale"
	CacheMiss      = "miss"
	CacheCorrupted = "corrupted"
)

// SyncMetrics groups the engine's instruments. A nil *SyncMetrics records
// nothing, so components can take one optionally.
type SyncMetrics struct {
	cacheLookups   *Counter
	remoteCalls    *Counter
	remoteFailures *Counter
	remoteDuration *Histogram
	outboxEnqueued *Counter
	outboxReplays  *Counter
	outboxDead     *Counter
	busDeliveries  *Counter
	busErrors      *Counter
}

// NewSyncMetrics registers the engine's instruments on meter
func NewSyncMetrics(meter metric.Meter) (*SyncMetrics, error) {
	if meter == nil {
		return nil, ErrMeterNil
	}
	m := &SyncMetrics{}
	var err error
	counters := []struct {
		dst              **Counter
		name, desc, unit string
	}{
		{&m.cacheLookups, "datasync_cache_lookups_total", "Cache reads by result", "{lookups}"},
		{&m.remoteCalls, "datasync_remote_calls_total", "Remote API calls", "{calls}"},
		{&m.remoteFailures, "datasync_remote_failures_total", "Remote API calls that failed", "{calls}"},
		{&m.outboxEnqueued, "datasync_outbox_enqueued_total", "Writes queued for reconciliation", "{entries}"},
		{&m.outboxReplays, "datasync_outbox_replays_total", "Outbox replay attempts by result", "{attempts}"},
		{&m.outboxDead, "datasync_outbox_dead_total", "Outbox entries that exhausted their retries", "{entries}"},
		{&m.busDeliveries, "datasync_bus_deliveries_total", "Events delivered to handlers", "{events}"},
		{&m.busErrors, "datasync_bus_handler_errors_total", "Handler errors and panics", "{events}"},
	}
	for _, c := range counters {
		if *c.dst, err = NewCounter(meter, c.name, c.desc, c.unit); err != nil {
			return nil, err
		}
	}
	m.remoteDuration, err = NewHistogram(meter, "datasync_remote_duration_seconds",
		"Remote API call latency", "s", RemoteDurationBuckets...)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// RecordCacheLookup counts a cache read with one of the Cache* results
func (m *SyncMetrics) RecordCacheLookup(ctx context.Context, entityType, result string) {
	if m == nil {
		return
	}
	m.cacheLookups.Inc(ctx, AttrEntityType.String(entityType), AttrResult.String(result))
}

// RecordRemoteCall counts a remote call and its latency
func (m *SyncMetrics) RecordRemoteCall(ctx context.Context, op, entityType string, d time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{AttrOperation.String(op), AttrEntityType.String(entityType)}
	m.remoteCalls.Inc(ctx, attrs...)
	m.remoteDuration.RecordDuration(ctx, d, attrs...)
	if err != nil {
		m.remoteFailures.Inc(ctx, attrs...)
	}
}

// RecordOutboxEnqueued counts a write queued after a remote failure
func (m *SyncMetrics) RecordOutboxEnqueued(ctx context.Context, entityType string) {
	if m == nil {
		return
	}
	m.outboxEnqueued.Inc(ctx, AttrEntityType.String(entityType))
}

// RecordOutboxReplay counts a replay; dead is true when the entry gave up
func (m *SyncMetrics) RecordOutboxReplay(ctx context.Context, entityType string, ok, dead bool) {
	if m == nil {
		return
	}
	result := "sent"
	if !ok {
		result = "failed"
	}
	m.outboxReplays.Inc(ctx, AttrEntityType.String(entityType), AttrResult.String(result))
	if dead {
		m.outboxDead.Inc(ctx, AttrEntityType.String(entityType))
	}
}

// RecordBusDelivery counts a handler invocation on the local or remote path
func (m *SyncMetrics) RecordBusDelivery(ctx context.Context, topic, path string, err error) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{AttrTopic.String(topic), AttrPath.String(path)}
	m.busDeliveries.Inc(ctx, attrs...)
	if err != nil {
		m.busErrors.Inc(ctx, attrs...)
	}
}
