package async

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var submissions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "asyncinfer",
	Name:      "submissions_total",
	Help:      "Async inference requests submitted, by status",
}, []string{"endpoint", "status"})

var pollAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "asyncinfer",
	Name:      "poll_attempts_total",
	Help:      "Checks of output references, by outcome",
}, []string{"outcome"})

var inflightRequests = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "asyncinfer",
	Name:      "inflight_requests",
	Help:      "Requests submitted whose result has not been collected yet",
})

var resultLatency = promauto.NewSummary(prometheus.SummaryOpts{
	Namespace: "asyncinfer",
	Name:      "result_wait_seconds",
	Help:      "Time between the first check of an output reference and its content becoming readable",
	Objectives: map[float64]float64{
		0.50: 0.05,
		0.90: 0.05,
		0.99: 0.01,
	},
})

var batchItems = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "asyncinfer",
	Name:      "batch_items_total",
	Help:      "Batch items processed by the coordinator, by result",
}, []string{"result"})
