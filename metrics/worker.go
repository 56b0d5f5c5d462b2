package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Worker tracks the supervised process and the exchanges run against it.
type Worker struct {
	StartsTotal               prometheus.Counter
	ExchangesTotal            *prometheus.CounterVec
	ExchangeDurationHistogram prometheus.Histogram
}

func NewWorker() *Worker {
	return &Worker{
		StartsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Subsystem: "worker",
			Name:      "starts_total",
			Help:      "total worker processes spawned",
		}),
		ExchangesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Subsystem: "worker",
			Name:      "exchanges_total",
			Help:      "total stdin/stdout exchanges attempted against the worker",
		}, []string{"status"}),
		ExchangeDurationHistogram: promauto.NewHistogram(prometheus.HistogramOpts{
			Subsystem: "worker",
			Name:      "exchange_duration_seconds",
			Help:      "Seconds spent per worker exchange.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}
