package web

import (
	"context"
	"log/slog"
	"net/http"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// MetricsReader collects the current metric state. *sdkmetric.ManualReader
// satisfies it.
type MetricsReader interface {
	Collect(ctx context.Context, rm *metricdata.ResourceMetrics) error
}

type metricPoint struct {
	Attributes map[string]string `json:"attributes,omitempty"`
	Value      *float64          `json:"value,omitempty"`
	Count      *uint64           `json:"count,omitempty"`
	Sum        *float64          `json:"sum,omitempty"`
	Max        *float64          `json:"max,omitempty"`
}

type metricSummary struct {
	Name   string        `json:"name"`
	Unit   string        `json:"unit,omitempty"`
	Kind   string        `json:"kind"`
	Points []metricPoint `json:"points"`
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Metrics == nil {
		writeAPIError(w, http.StatusNotFound, "METRICS_DISABLED", "no metrics reader configured")
		return
	}
	var rm metricdata.ResourceMetrics
	if err := s.cfg.Metrics.Collect(r.Context(), &rm); err != nil {
		webLog.Error("metrics_collect_failed", slog.String("error", err.Error()))
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to collect metrics")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"metrics": summarizeMetrics(rm)})
}

func summarizeMetrics(rm metricdata.ResourceMetrics) []metricSummary {
	out := make([]metricSummary, 0)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum := metricSummary{Name: m.Name, Unit: m.Unit, Points: []metricPoint{}}
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				sum.Kind = "counter"
				for _, dp := range data.DataPoints {
					v := float64(dp.Value)
					sum.Points = append(sum.Points, metricPoint{Attributes: attrMap(dp.Attributes), Value: &v})
				}
			case metricdata.Sum[float64]:
				sum.Kind = "counter"
				for _, dp := range data.DataPoints {
					v := dp.Value
					sum.Points = append(sum.Points, metricPoint{Attributes: attrMap(dp.Attributes), Value: &v})
				}
			case metricdata.Histogram[float64]:
				sum.Kind = "histogram"
				for _, dp := range data.DataPoints {
					count, total := dp.Count, dp.Sum
					p := metricPoint{Attributes: attrMap(dp.Attributes), Count: &count, Sum: &total}
					if mx, ok := dp.Max.Value(); ok {
						p.Max = &mx
					}
					sum.Points = append(sum.Points, p)
				}
			default:
				continue
			}
			out = append(out, sum)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func attrMap(set attribute.Set) map[string]string {
	if set.Len() == 0 {
		return nil
	}
	out := make(map[string]string, set.Len())
	iter := set.Iter()
	for iter.Next() {
		kv := iter.Attribute()
		out[string(kv.Key)] = kv.Value.Emit()
	}
	return out
}
