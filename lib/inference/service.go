package inference

import (
	"context"
	"time"
)

// ObjectStore is the blob store holding request payloads and inference
// results. Get returns ErrNotFound when nothing is stored at the location yet.
type ObjectStore interface {
	Put(ctx context.Context, loc string, data []byte) error
	Exists(ctx context.Context, loc string) (bool, error)
	Get(ctx context.Context, loc string) ([]byte, error)
}

// AsyncInvoker queues one inference request against an asynchronous endpoint.
type AsyncInvoker interface {
	InvokeAsync(ctx context.Context, req InvokeRequest) (InvokeResponse, error)
}

type InvokeRequest struct {
	EndpointName     string
	InputLocation    string
	ContentType      string
	Accept           string
	InferenceID      string
	CustomAttributes string
	// RequestTTL is how long the request may wait in the endpoint queue.
	// Zero leaves the service default in place.
	RequestTTL time.Duration
}

type InvokeResponse struct {
	OutputLocation string
	InferenceID    string
}

type EndpointRegistry interface {
	CreateModel(ctx context.Context, model Model) error
	CreateEndpointConfig(ctx context.Context, cfg EndpointConfig) error
	CreateEndpoint(ctx context.Context, endpoint Endpoint) error

	ModelExists(ctx context.Context, modelName string) (bool, error)
	EndpointConfigExists(ctx context.Context, endpointConfigName string) (bool, error)
	EndpointExists(ctx context.Context, endpointName string) (bool, error)

	GetEndpointStatus(ctx context.Context, endpointName string) (string, error)
	WaitUntilInService(ctx context.Context, endpointName string) error

	DeleteModel(ctx context.Context, modelName string) error
	DeleteEndpointConfig(ctx context.Context, endpointConfigName string) error
	DeleteEndpoint(ctx context.Context, endpointName string) error
}

type Autoscaler interface {
	IsAutoscalingConfigured(ctx context.Context, endpointName, variantName string) (bool, error)
	EnableAutoscaling(ctx context.Context, policy ScalingPolicy) error
	DisableAutoscaling(ctx context.Context, endpointName, variantName string) error
}

type Notifier interface {
	CreateTopic(ctx context.Context, name string) (string, error)
	Subscribe(ctx context.Context, topicArn, protocol, endpoint string) (string, error)
	DeleteTopic(ctx context.Context, topicArn string) error
}

type MetricsReader interface {
	Series(ctx context.Context, q MetricQuery) (Series, error)
}
