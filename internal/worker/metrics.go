package worker

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metricSet struct {
	processed *prometheus.CounterVec
	duration  prometheus.Histogram
	depth     prometheus.Gauge
}

func newMetricSet(r prometheus.Registerer) *metricSet {
	m := &metricSet{
		processed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "import_items_processed_total",
				Help: "Count of processed queue items by terminal result.",
			},
			[]string{"result"},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "import_processing_seconds",
				Help:    "End-to-end pipeline time for one queue item.",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
			},
		),
		depth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "import_queue_depth",
				Help: "Items waiting in the pending queue.",
			},
		),
	}
	if r != nil {
		r.MustRegister(m.processed, m.duration, m.depth)
	}
	return m
}
