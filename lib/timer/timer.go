package timer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var fnDuration = promauto.NewSummaryVec(prometheus.SummaryOpts{
	Namespace: "asyncinfer",
	Name:      "fn_duration_seconds",
	Help:      "Duration of calls into object storage and the inference service",
	Objectives: map[float64]float64{
		0.50: 0.05,
		0.90: 0.05,
		0.95: 0.02,
		0.99: 0.01,
	},
}, []string{"function_name"})

type Timer struct {
	timer *prometheus.Timer
}

// Stop records the elapsed time since Start.
func (t Timer) Stop() {
	t.timer.ObserveDuration()
}

func Start(funcName string) Timer {
	return Timer{
		timer: prometheus.NewTimer(fnDuration.WithLabelValues(funcName)),
	}
}
