package bus

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope of the bus instruments.
const MeterName = "github.com/asheshgoplani/lanedeck/internal/bus"

// Metrics holds the bus instruments.
type Metrics struct {
	Published          metric.Int64Counter
	Rejected           metric.Int64Counter
	BestEffortFailures metric.Int64Counter
	CommandLatency     metric.Float64Histogram
	RestoreLatency     metric.Float64Histogram
}

// NewMetrics creates the bus instruments from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.Published, err = meter.Int64Counter("lanedeck.bus.published",
		metric.WithDescription("Events accepted and sequenced by the bus"),
	)
	if err != nil {
		return nil, err
	}

	m.Rejected, err = meter.Int64Counter("lanedeck.bus.rejected",
		metric.WithDescription("Envelopes rejected by validation or ordering"),
	)
	if err != nil {
		return nil, err
	}

	m.BestEffortFailures, err = meter.Int64Counter("lanedeck.bus.best_effort_failures",
		metric.WithDescription("Derived event publishes that failed and were dropped"),
	)
	if err != nil {
		return nil, err
	}

	m.CommandLatency, err = meter.Float64Histogram("lanedeck.command.duration",
		metric.WithDescription("Command handling latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	m.RestoreLatency, err = meter.Float64Histogram("lanedeck.session.restore.duration",
		metric.WithDescription("Session restore latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// LatencyStat summarizes recorded latencies for one name.
type LatencyStat struct {
	Count  int64   `json:"count"`
	Errors int64   `json:"errors"`
	LastMs float64 `json:"last_ms"`
	MaxMs  float64 `json:"max_ms"`
	SumMs  float64 `json:"sum_ms"`
}

// latencyBook keeps an in-process view of latencies for runtime.snapshot.
type latencyBook struct {
	mu    sync.Mutex
	stats map[string]*LatencyStat
}

func (l *latencyBook) record(name string, d time.Duration, failed bool) float64 {
	ms := float64(d) / float64(time.Millisecond)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stats == nil {
		l.stats = make(map[string]*LatencyStat)
	}
	st, ok := l.stats[name]
	if !ok {
		st = &LatencyStat{}
		l.stats[name] = st
	}
	st.Count++
	if failed {
		st.Errors++
	}
	st.LastMs = ms
	st.SumMs += ms
	if ms > st.MaxMs {
		st.MaxMs = ms
	}
	return ms
}

func (l *latencyBook) snapshot() map[string]LatencyStat {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]LatencyStat, len(l.stats))
	for k, v := range l.stats {
		out[k] = *v
	}
	return out
}

func statusAttr(failed bool) attribute.KeyValue {
	if failed {
		return attribute.String("status", "error")
	}
	return attribute.String("status", "ok")
}

func (b *Bus) recordCommand(name string, d time.Duration, failed bool) {
	ms := b.latency.record(name, d, failed)
	b.metrics.CommandLatency.Record(context.Background(), ms,
		metric.WithAttributes(attribute.String("method", name), statusAttr(failed)))
	b.emitLatency(name, ms, failed)
}

// RecordRestoreLatency records the duration of a session restore.
func (b *Bus) RecordRestoreLatency(d time.Duration, failed bool) {
	ms := b.latency.record("session.restore", d, failed)
	b.metrics.RestoreLatency.Record(context.Background(), ms, metric.WithAttributes(statusAttr(failed)))
	b.emitLatency("session.restore", ms, failed)
}

// Latencies returns the in-process latency summary keyed by name.
func (b *Bus) Latencies() map[string]LatencyStat {
	return b.latency.snapshot()
}
