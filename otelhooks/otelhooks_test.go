package otelhooks

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func sumBy(t *testing.T, m *metricdata.Metrics, key, value string) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("expected Sum[int64], got %T", m.Data)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	return 0
}

func TestHooks_RequestOutcomes(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	h, err := New(mp.Meter("test"))
	if err != nil {
		t.Fatalf("failed to create hooks: %v", err)
	}

	h.CacheHit("a")
	h.CacheHit("b")
	h.CacheMiss("c", false)
	h.CacheMiss("c", true)
	h.CacheMiss("c", true)

	m := findMetric(collect(t, reader), "surfcache.requests")
	if m == nil {
		t.Fatal("surfcache.requests metric not found")
	}
	for outcome, want := range map[string]int64{"hit": 2, "spawn": 1, "attach": 2} {
		if got := sumBy(t, m, "outcome", outcome); got != want {
			t.Errorf("outcome %s: got %d want %d", outcome, got, want)
		}
	}
}

func TestHooks_TasksAndStore(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	h, err := New(mp.Meter("test"))
	if err != nil {
		t.Fatalf("failed to create hooks: %v", err)
	}

	h.TaskFinished("a", 1, "done", 5*time.Millisecond)
	h.TaskFinished("a", 2, "cancelled", time.Millisecond)
	h.Evicted("h", 100)
	h.Evicted("h2", 50)
	h.PersistError("write", errors.New("disk full"))

	rm := collect(t, reader)
	if got := sumBy(t, findMetric(rm, "surfcache.tasks"), "status", "done"); got != 1 {
		t.Errorf("done tasks: got %d want 1", got)
	}
	bytes := findMetric(rm, "surfcache.evicted_bytes")
	if bytes == nil {
		t.Fatal("surfcache.evicted_bytes not found")
	}
	if v := bytes.Data.(metricdata.Sum[int64]).DataPoints[0].Value; v != 150 {
		t.Errorf("evicted bytes: got %d want 150", v)
	}
	if got := sumBy(t, findMetric(rm, "surfcache.persist_errors"), "op", "write"); got != 1 {
		t.Errorf("persist errors: got %d want 1", got)
	}
	if findMetric(rm, "surfcache.task.duration_ms") == nil {
		t.Error("task duration histogram not found")
	}
}

func TestHooks_NoopMeter(t *testing.T) {
	h, err := New(noop.NewMeterProvider().Meter("noop"))
	if err != nil {
		t.Fatal(err)
	}
	h.CacheHit("a")
	h.TaskFinished("a", 1, "failed", time.Second)
	h.SelfHeal("h", "corrupt")
}
