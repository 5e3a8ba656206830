package inference

import (
	"fmt"
	"time"
)

const (
	EndpointInService = "InService"
	EndpointCreating  = "Creating"
	EndpointUpdating  = "Updating"
	EndpointFailed    = "Failed"

	DefaultVariantName = "AllTraffic"
)

// Model is a pretrained model served from a framework container, configured
// purely through container environment.
type Model struct {
	Name     string
	ModelID  string
	Task     string
	ImageURI string
	// ArtifactPath is optional; hub models are downloaded by the container.
	ArtifactPath string
	Env          map[string]string
}

// AsyncConfig configures where an async endpoint writes results and who is
// notified when a request completes.
type AsyncConfig struct {
	OutputPath               string
	MaxConcurrentInvocations uint
	SuccessTopicArn          string
	ErrorTopicArn            string
}

type EndpointConfig struct {
	Name          string
	VariantName   string
	ModelName     string
	InstanceType  string
	InstanceCount uint
	Async         AsyncConfig
}

type Endpoint struct {
	Name               string
	EndpointConfigName string
}

// ScalingPolicy describes backlog based autoscaling for one endpoint variant.
type ScalingPolicy struct {
	EndpointName string
	VariantName  string
	MinCapacity  int64
	MaxCapacity  int64
	// TargetBacklogPerInstance is the target value for the
	// ApproximateBacklogSizePerInstance metric.
	TargetBacklogPerInstance float64
	ScaleInCooldown          time.Duration
	ScaleOutCooldown         time.Duration
	// ScaleFromZero adds a step policy triggered by HasBacklogWithoutCapacity
	// so an endpoint scaled down to zero instances can come back up.
	ScaleFromZero bool
}

func (p ScalingPolicy) ResourceID() string {
	return fmt.Sprintf("endpoint/%s/variant/%s", p.EndpointName, p.VariantName)
}

func ResourceID(endpointName, variantName string) string {
	return ScalingPolicy{EndpointName: endpointName, VariantName: variantName}.ResourceID()
}

type MetricQuery struct {
	Namespace    string
	MetricName   string
	EndpointName string
	Statistic    string
	Period       time.Duration
	Start        time.Time
	End          time.Time
}

type Datapoint struct {
	Timestamp time.Time
	Value     float64
}

// Series is a metric's datapoints sorted by timestamp.
type Series struct {
	MetricName string
	Statistic  string
	Points     []Datapoint
}
