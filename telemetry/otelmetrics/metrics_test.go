package otelmetrics_test

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/viewkit/rescache/telemetry/otelmetrics"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	return rm
}

func counterValue(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %s is %T, want Sum[int64]", name, m.Data)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestEventsRecordCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	events, err := otelmetrics.New(provider)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	events.BucketOpenFailed("models", context.DeadlineExceeded)
	events.BucketDegraded("models")
	events.BucketCorrupt("models")
	events.QuotaExceeded("models", false)
	events.QuotaExceeded("models", true)
	events.EvictionPass(2048, true)
	events.FrameDropped("bad magic")
	events.FrameDropped("bad magic")
	events.ResourceFailed('g')

	rm := collect(t, reader)

	checks := map[string]int64{
		"rescache.bucket.open_failures":     1,
		"rescache.bucket.degraded_opens":    1,
		"rescache.bucket.corruptions":       1,
		"rescache.store.quota_rejections":   2,
		"rescache.evict.passes":             1,
		"rescache.evict.bytes":              2048,
		"rescache.stream.frames_dropped":    2,
		"rescache.stream.resource_failures": 1,
	}
	for name, want := range checks {
		if got := counterValue(t, rm, name); got != want {
			t.Errorf("%s = %d, want %d", name, got, want)
		}
	}
}

func TestEventsZeroUseCollects(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	if _, err := otelmetrics.New(provider); err != nil {
		t.Fatalf("New() error = %v", err)
	}

	rm := collect(t, reader)
	if got := counterValue(t, rm, "rescache.evict.bytes"); got != 0 {
		t.Errorf("unused counter = %d, want 0", got)
	}
}
