package common

import (
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type PrometheusArgs struct {
	MetricsPort uint `arg:"--metrics-port,env:METRICS_PORT,help:0 disables the metrics server" default:"0"`
}

func MetricsRouter() *mux.Router {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	return router
}

func StartPromMetricsServer(port uint) {
	if port == 0 {
		return
	}
	router := MetricsRouter()
	go func() {
		err := http.ListenAndServe(fmt.Sprintf(":%d", port), router)
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("metric server stopped unexpectedly: %v", err)
		}
	}()
}
