package vexfs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics is the observability hook every OperationContext feeds: handlers
// emit duration and resource-estimate triples for observability; they never
// influence correctness.
type metrics struct {
	opDuration    *prometheus.HistogramVec
	opResourceEst *prometheus.HistogramVec
	opTotal       *prometheus.CounterVec
	vectorsTotal  prometheus.Gauge
	freeBlocks    prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vexfs",
			Name:      "operation_duration_seconds",
			Help:      "Duration of a VexFS operation, by operation name.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		opResourceEst: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vexfs",
			Name:      "operation_blocks_touched",
			Help:      "Estimated blocks touched by a VexFS operation.",
			Buckets:   prometheus.LinearBuckets(1, 4, 8),
		}, []string{"op"}),
		opTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vexfs",
			Name:      "operations_total",
			Help:      "Count of VexFS operations, by operation name and outcome.",
		}, []string{"op", "outcome"}),
		vectorsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vexfs",
			Name:      "vectors_total",
			Help:      "Number of vectors currently stored.",
		}),
		freeBlocks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vexfs",
			Name:      "free_blocks",
			Help:      "Number of free blocks remaining.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.opDuration, m.opResourceEst, m.opTotal, m.vectorsTotal, m.freeBlocks)
	}
	return m
}

// observe records one operation's timing/outcome/resource estimate triple.
func (m *metrics) observe(op string, start time.Time, blocksTouched int, err error) {
	if m == nil {
		return
	}
	m.opDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	m.opResourceEst.WithLabelValues(op).Observe(float64(blocksTouched))
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.opTotal.WithLabelValues(op, outcome).Inc()
}
