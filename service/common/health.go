package common

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"

	"asyncinfer/lib/inference"
)

type HealthCheckArgs struct {
	HealthPort uint `arg:"--health-port,env:HEALTH_PORT,help:0 disables the health server" default:"0"`
}

// EndpointReady fails until the endpoint reports InService.
func EndpointReady(registry inference.EndpointRegistry, endpointName string, timeout time.Duration) healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		status, err := registry.GetEndpointStatus(ctx, endpointName)
		if err != nil {
			return err
		}
		if status != inference.EndpointInService {
			return fmt.Errorf("endpoint %s is %s", endpointName, status)
		}
		return nil
	}
}

func NewHealthHandler(readiness map[string]healthcheck.Check) healthcheck.Handler {
	health := healthcheck.NewHandler()
	for name, check := range readiness {
		health.AddReadinessCheck(name, check)
	}
	return health
}

func StartHealthCheckServer(port uint, readiness map[string]healthcheck.Check) {
	if port == 0 {
		return
	}
	health := NewHealthHandler(readiness)
	go func() {
		err := http.ListenAndServe(fmt.Sprintf(":%d", port), health)
		if err != nil {
			log.Fatalf("health check server stopped unexpectedly: %v", err)
		}
	}()
}
