package common

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"asyncinfer/lib/inference"
	"asyncinfer/sagemaker"
	"asyncinfer/test"
)

func TestMetricsRouter(t *testing.T) {
	rec := httptest.NewRecorder()
	MetricsRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestEndpointReadiness(t *testing.T) {
	ctx := context.Background()
	metadata := test.NewFakeSageMaker()
	registry := sagemaker.NewClientWithAPI(sagemaker.SagemakerArgs{}, &test.FakeRuntime{}, metadata)
	handler := NewHealthHandler(map[string]healthcheck.Check{
		"endpoint": EndpointReady(registry, "ep", time.Second),
	})
	ready := func() int {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
		return rec.Code
	}

	// missing endpoint
	assert.Equal(t, http.StatusServiceUnavailable, ready())

	require.NoError(t, registry.CreateEndpointConfig(ctx, inference.EndpointConfig{Name: "cfg", ModelName: "m"}))
	require.NoError(t, registry.CreateEndpoint(ctx, inference.Endpoint{Name: "ep", EndpointConfigName: "cfg"}))
	assert.Equal(t, http.StatusServiceUnavailable, ready())

	require.NoError(t, registry.WaitUntilInService(ctx, "ep"))
	assert.Equal(t, http.StatusOK, ready())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
