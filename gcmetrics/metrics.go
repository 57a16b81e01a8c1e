// Package gcmetrics instruments a gc.Collector with Prometheus metrics,
// following the package-level promauto.New* idiom grafana-tempo's
// friggdb/pool.Pool uses for its own background-worker gauges.
package gcmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector-shaped signal worth exporting. A nil
// *Metrics is always safe to call methods on — gc.Collector does not
// special-case "metrics disabled".
type Metrics struct {
	liveRecords    prometheus.Gauge
	tableCapacity  prometheus.Gauge
	runsTotal      prometheus.Counter
	bytesReclaimed prometheus.Histogram
	unknownFrees   prometheus.Counter
}

// New registers collector metrics against reg under the "gc" namespace. A
// nil Registerer leaves the metrics unregistered, so no registry is touched.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		liveRecords: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "gc",
			Name:      "live_records",
			Help:      "Number of allocation records currently tracked by the collector.",
		}),
		tableCapacity: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "gc",
			Name:      "table_capacity",
			Help:      "Current bucket count of the allocation table.",
		}),
		runsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gc",
			Name:      "runs_total",
			Help:      "Total number of completed mark-and-sweep cycles.",
		}),
		bytesReclaimed: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gc",
			Name:      "bytes_reclaimed",
			Help:      "Bytes reclaimed per completed cycle.",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 10),
		}),
		unknownFrees: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gc",
			Name:      "unknown_pointer_frees_total",
			Help:      "Number of Free calls on a pointer the table did not recognise.",
		}),
	}
}

// NewNop returns a Metrics backed by a private, never-exposed registry, for
// callers that want the instrumented code paths exercised without
// publishing anything.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// ObserveTableState records the table's current size and capacity.
func (m *Metrics) ObserveTableState(size, capacity int) {
	if m == nil {
		return
	}
	m.liveRecords.Set(float64(size))
	m.tableCapacity.Set(float64(capacity))
}

// ObserveRun records one completed mark-and-sweep cycle.
func (m *Metrics) ObserveRun(bytesReclaimed uintptr) {
	if m == nil {
		return
	}
	m.runsTotal.Inc()
	m.bytesReclaimed.Observe(float64(bytesReclaimed))
}

// ObserveUnknownFree counts a Free call on an address the table never saw.
func (m *Metrics) ObserveUnknownFree() {
	if m == nil {
		return
	}
	m.unknownFrees.Inc()
}
