// Package otelmetrics publishes cache telemetry as OpenTelemetry counters.
//
// Metrics are opt-in: construct an Events on a meter provider and pass it to
// the store and client via their options. Without it the default no-op
// collaborator is used and nothing is recorded.
package otelmetrics

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/viewkit/rescache/telemetry"
)

const scopeName = "github.com/viewkit/rescache"

// Events implements telemetry.Events on OpenTelemetry counters.
type Events struct {
	openFailed   metric.Int64Counter
	degraded     metric.Int64Counter
	corrupt      metric.Int64Counter
	quota        metric.Int64Counter
	passes       metric.Int64Counter
	evictedBytes metric.Int64Counter
	framesDrop   metric.Int64Counter
	resFailed    metric.Int64Counter
}

var _ telemetry.Events = (*Events)(nil)

// New registers the counter set on the given provider.
func New(provider metric.MeterProvider) (*Events, error) {
	meter := provider.Meter(scopeName)

	e := &Events{}
	for _, c := range []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&e.openFailed, "rescache.bucket.open_failures", "Buckets that entered the terminal failed state."},
		{&e.degraded, "rescache.bucket.degraded_opens", "Buckets opened read-only because the write lock was held elsewhere."},
		{&e.corrupt, "rescache.bucket.corruptions", "Buckets truncated back to empty after a size mismatch."},
		{&e.quota, "rescache.store.quota_rejections", "Appends rejected by storage for lack of space."},
		{&e.passes, "rescache.evict.passes", "Eviction passes completed."},
		{&e.evictedBytes, "rescache.evict.bytes", "Bytes freed by eviction."},
		{&e.framesDrop, "rescache.stream.frames_dropped", "Inbound frames discarded as undecodable."},
		{&e.resFailed, "rescache.stream.resource_failures", "Per-hash failure reports received from the server."},
	} {
		var err error
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *Events) BucketOpenFailed(name string, err error) {
	e.openFailed.Add(context.Background(), 1, metric.WithAttributes(attribute.String("bucket", name)))
}

func (e *Events) BucketDegraded(name string) {
	e.degraded.Add(context.Background(), 1, metric.WithAttributes(attribute.String("bucket", name)))
}

func (e *Events) BucketCorrupt(name string) {
	e.corrupt.Add(context.Background(), 1, metric.WithAttributes(attribute.String("bucket", name)))
}

func (e *Events) QuotaExceeded(name string, dropped bool) {
	e.quota.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("bucket", name),
		attribute.Bool("dropped", dropped),
	))
}

func (e *Events) EvictionPass(freedBytes int64, met bool) {
	e.passes.Add(context.Background(), 1, metric.WithAttributes(attribute.Bool("met", met)))
	e.evictedBytes.Add(context.Background(), freedBytes)
}

func (e *Events) FrameDropped(reason string) {
	e.framesDrop.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (e *Events) ResourceFailed(tag byte) {
	e.resFailed.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", string(rune(tag)))))
}
