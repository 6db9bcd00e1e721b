// Package otelhooks records cache events as OpenTelemetry metrics.
package otelhooks

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/unkn0wn-root/surfcache"
)

// Hooks implements surfcache.Hooks on top of a metric.Meter. Fingerprints and
// hashes are never used as attributes; they would explode cardinality.
type Hooks struct {
	requests     metric.Int64Counter
	tasks        metric.Int64Counter
	taskDuration metric.Float64Histogram
	stale        metric.Int64Counter
	selfHeals    metric.Int64Counter
	evictions    metric.Int64Counter
	evictedBytes metric.Int64Counter
	persistErrs  metric.Int64Counter
}

var _ surfcache.Hooks = (*Hooks)(nil)

func New(meter metric.Meter) (*Hooks, error) {
	h := &Hooks{}
	var err error
	if h.requests, err = meter.Int64Counter(
		"surfcache.requests",
		metric.WithDescription("Requests by outcome: hit, attach or spawn"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}
	if h.tasks, err = meter.Int64Counter(
		"surfcache.tasks",
		metric.WithDescription("Finished tasks by terminal status"),
		metric.WithUnit("{task}"),
	); err != nil {
		return nil, err
	}
	if h.taskDuration, err = meter.Float64Histogram(
		"surfcache.task.duration_ms",
		metric.WithDescription("Task wall time in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if h.stale, err = meter.Int64Counter(
		"surfcache.stale_completions",
		metric.WithDescription("Completions discarded because a newer generation existed"),
		metric.WithUnit("{completion}"),
	); err != nil {
		return nil, err
	}
	if h.selfHeals, err = meter.Int64Counter(
		"surfcache.self_heals",
		metric.WithDescription("Stored objects dropped on read"),
		metric.WithUnit("{object}"),
	); err != nil {
		return nil, err
	}
	if h.evictions, err = meter.Int64Counter(
		"surfcache.evictions",
		metric.WithDescription("Blobs evicted under capacity pressure"),
		metric.WithUnit("{blob}"),
	); err != nil {
		return nil, err
	}
	if h.evictedBytes, err = meter.Int64Counter(
		"surfcache.evicted_bytes",
		metric.WithDescription("Bytes freed by eviction"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if h.persistErrs, err = meter.Int64Counter(
		"surfcache.persist_errors",
		metric.WithDescription("Durable backend failures the cache carried on through"),
		metric.WithUnit("{error}"),
	); err != nil {
		return nil, err
	}
	return h, nil
}

func outcome(v string) metric.AddOption {
	return metric.WithAttributes(attribute.String("outcome", v))
}

func (h *Hooks) CacheHit(string) {
	h.requests.Add(context.Background(), 1, outcome("hit"))
}

func (h *Hooks) CacheMiss(_ string, attached bool) {
	o := "spawn"
	if attached {
		o = "attach"
	}
	h.requests.Add(context.Background(), 1, outcome(o))
}

func (h *Hooks) TaskStarted(string, uint64) {}

func (h *Hooks) TaskFinished(_ string, _ uint64, status string, elapsed time.Duration) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("status", status))
	h.tasks.Add(ctx, 1, attrs)
	h.taskDuration.Record(ctx, float64(elapsed.Microseconds())/1e3, attrs)
}

func (h *Hooks) StaleCompletion(string, uint64) {
	h.stale.Add(context.Background(), 1)
}

func (h *Hooks) SelfHeal(_ string, reason string) {
	h.selfHeals.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (h *Hooks) Evicted(_ string, size int64) {
	ctx := context.Background()
	h.evictions.Add(ctx, 1)
	h.evictedBytes.Add(ctx, size)
}

func (h *Hooks) PersistError(op string, _ error) {
	h.persistErrs.Add(context.Background(), 1, metric.WithAttributes(attribute.String("op", op)))
}
