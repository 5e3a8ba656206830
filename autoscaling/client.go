package autoscaling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/applicationautoscaling"
	"github.com/aws/aws-sdk-go/service/applicationautoscaling/applicationautoscalingiface"
	"github.com/aws/aws-sdk-go/service/cloudwatch"
	"github.com/aws/aws-sdk-go/service/cloudwatch/cloudwatchiface"
	"go.uber.org/multierr"

	"asyncinfer/lib/inference"
)

const (
	serviceNamespace  = "sagemaker"
	scalableDimension = "sagemaker:variant:DesiredInstanceCount"
	metricNamespace   = "AWS/SageMaker"

	BacklogPerInstanceMetric = "ApproximateBacklogSizePerInstance"
	BacklogWithoutCapacity   = "HasBacklogWithoutCapacity"
)

type AutoscalingArgs struct {
	Region              string  `arg:"--region,env:AWS_REGION,help:AWS region"`
	MinCapacity         int64   `arg:"--min-capacity,env:AUTOSCALING_MIN_CAPACITY,help:0 lets the endpoint scale in completely" default:"0"`
	MaxCapacity         int64   `arg:"--max-capacity,env:AUTOSCALING_MAX_CAPACITY" default:"5"`
	TargetBacklog       float64 `arg:"--target-backlog,env:AUTOSCALING_TARGET_BACKLOG,help:target queued requests per instance" default:"5"`
	ScaleInCooldownSec  int64   `arg:"--scale-in-cooldown,env:AUTOSCALING_SCALE_IN_COOLDOWN" default:"600"`
	ScaleOutCooldownSec int64   `arg:"--scale-out-cooldown,env:AUTOSCALING_SCALE_OUT_COOLDOWN" default:"300"`
	ScaleFromZero       bool    `arg:"--scale-from-zero,env:AUTOSCALING_SCALE_FROM_ZERO,help:add a step policy that starts an instance when requests queue up with none running"`
}

// Client configures backlog based autoscaling for async endpoint variants.
type Client struct {
	args       AutoscalingArgs
	api        applicationautoscalingiface.ApplicationAutoScalingAPI
	cloudwatch cloudwatchiface.CloudWatchAPI
}

var _ inference.Autoscaler = Client{}

func NewClient(args AutoscalingArgs) Client {
	sess := session.Must(session.NewSession(
		&aws.Config{
			Region:                        aws.String(args.Region),
			CredentialsChainVerboseErrors: aws.Bool(true),
		},
	))
	return NewClientWithAPI(args, applicationautoscaling.New(sess), cloudwatch.New(sess))
}

func NewClientWithAPI(args AutoscalingArgs, api applicationautoscalingiface.ApplicationAutoScalingAPI, cw cloudwatchiface.CloudWatchAPI) Client {
	return Client{args: args, api: api, cloudwatch: cw}
}

// Policy builds the scaling policy for an endpoint variant from the args.
func (c Client) Policy(endpointName, variantName string) inference.ScalingPolicy {
	return inference.ScalingPolicy{
		EndpointName:             endpointName,
		VariantName:              variantName,
		MinCapacity:              c.args.MinCapacity,
		MaxCapacity:              c.args.MaxCapacity,
		TargetBacklogPerInstance: c.args.TargetBacklog,
		ScaleInCooldown:          secs(c.args.ScaleInCooldownSec),
		ScaleOutCooldown:         secs(c.args.ScaleOutCooldownSec),
		ScaleFromZero:            c.args.ScaleFromZero,
	}
}

func secs(n int64) time.Duration {
	return time.Duration(n) * time.Second
}

func targetTrackingPolicyName(endpointName string) string {
	return endpointName + "-backlog-target-tracking"
}

func stepPolicyName(endpointName string) string {
	return endpointName + "-has-backlog-without-capacity"
}

func alarmName(endpointName string) string {
	return endpointName + "-has-backlog-without-capacity"
}

func (c Client) IsAutoscalingConfigured(ctx context.Context, endpointName, variantName string) (bool, error) {
	out, err := c.api.DescribeScalableTargetsWithContext(ctx, &applicationautoscaling.DescribeScalableTargetsInput{
		ServiceNamespace:  aws.String(serviceNamespace),
		ResourceIds:       aws.StringSlice([]string{inference.ResourceID(endpointName, variantName)}),
		ScalableDimension: aws.String(scalableDimension),
	})
	if err != nil {
		return false, fmt.Errorf("failed to describe scalable targets: %w", err)
	}
	return len(out.ScalableTargets) > 0, nil
}

// EnableAutoscaling registers the variant as a scalable target and tracks
// the backlog per instance. With ScaleFromZero it also attaches a step
// policy to an alarm on HasBacklogWithoutCapacity, since target tracking
// alone cannot scale out from zero instances.
func (c Client) EnableAutoscaling(ctx context.Context, policy inference.ScalingPolicy) error {
	if policy.MaxCapacity < 1 || policy.MaxCapacity < policy.MinCapacity {
		return fmt.Errorf("invalid capacity range [%d, %d]", policy.MinCapacity, policy.MaxCapacity)
	}
	resourceID := policy.ResourceID()
	_, err := c.api.RegisterScalableTargetWithContext(ctx, &applicationautoscaling.RegisterScalableTargetInput{
		ServiceNamespace:  aws.String(serviceNamespace),
		ResourceId:        aws.String(resourceID),
		ScalableDimension: aws.String(scalableDimension),
		MinCapacity:       aws.Int64(policy.MinCapacity),
		MaxCapacity:       aws.Int64(policy.MaxCapacity),
	})
	if err != nil {
		return fmt.Errorf("failed to register scalable target %s: %w", resourceID, err)
	}

	_, err = c.api.PutScalingPolicyWithContext(ctx, &applicationautoscaling.PutScalingPolicyInput{
		PolicyName:        aws.String(targetTrackingPolicyName(policy.EndpointName)),
		PolicyType:        aws.String(applicationautoscaling.PolicyTypeTargetTrackingScaling),
		ServiceNamespace:  aws.String(serviceNamespace),
		ResourceId:        aws.String(resourceID),
		ScalableDimension: aws.String(scalableDimension),
		TargetTrackingScalingPolicyConfiguration: &applicationautoscaling.TargetTrackingScalingPolicyConfiguration{
			TargetValue:      aws.Float64(policy.TargetBacklogPerInstance),
			ScaleInCooldown:  aws.Int64(int64(policy.ScaleInCooldown.Seconds())),
			ScaleOutCooldown: aws.Int64(int64(policy.ScaleOutCooldown.Seconds())),
			CustomizedMetricSpecification: &applicationautoscaling.CustomizedMetricSpecification{
				MetricName: aws.String(BacklogPerInstanceMetric),
				Namespace:  aws.String(metricNamespace),
				Dimensions: []*applicationautoscaling.MetricDimension{
					{Name: aws.String("EndpointName"), Value: aws.String(policy.EndpointName)},
				},
				Statistic: aws.String(applicationautoscaling.MetricStatisticAverage),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to put target tracking policy: %w", err)
	}
	if !policy.ScaleFromZero {
		return nil
	}
	return c.enableScaleFromZero(ctx, policy)
}

func (c Client) enableScaleFromZero(ctx context.Context, policy inference.ScalingPolicy) error {
	out, err := c.api.PutScalingPolicyWithContext(ctx, &applicationautoscaling.PutScalingPolicyInput{
		PolicyName:        aws.String(stepPolicyName(policy.EndpointName)),
		PolicyType:        aws.String(applicationautoscaling.PolicyTypeStepScaling),
		ServiceNamespace:  aws.String(serviceNamespace),
		ResourceId:        aws.String(policy.ResourceID()),
		ScalableDimension: aws.String(scalableDimension),
		StepScalingPolicyConfiguration: &applicationautoscaling.StepScalingPolicyConfiguration{
			AdjustmentType:        aws.String(applicationautoscaling.AdjustmentTypeChangeInCapacity),
			MetricAggregationType: aws.String(applicationautoscaling.MetricAggregationTypeAverage),
			Cooldown:              aws.Int64(int64(policy.ScaleOutCooldown.Seconds())),
			StepAdjustments: []*applicationautoscaling.StepAdjustment{
				{MetricIntervalLowerBound: aws.Float64(0), ScalingAdjustment: aws.Int64(1)},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to put step scaling policy: %w", err)
	}
	_, err = c.cloudwatch.PutMetricAlarmWithContext(ctx, &cloudwatch.PutMetricAlarmInput{
		AlarmName:          aws.String(alarmName(policy.EndpointName)),
		AlarmDescription:   aws.String("queued requests with no instance running"),
		MetricName:         aws.String(BacklogWithoutCapacity),
		Namespace:          aws.String(metricNamespace),
		Statistic:          aws.String(cloudwatch.StatisticAverage),
		Period:             aws.Int64(60),
		EvaluationPeriods:  aws.Int64(2),
		DatapointsToAlarm:  aws.Int64(2),
		Threshold:          aws.Float64(1),
		ComparisonOperator: aws.String(cloudwatch.ComparisonOperatorGreaterThanOrEqualToThreshold),
		TreatMissingData:   aws.String("missing"),
		Dimensions: []*cloudwatch.Dimension{
			{Name: aws.String("EndpointName"), Value: aws.String(policy.EndpointName)},
		},
		AlarmActions: []*string{out.PolicyARN},
	})
	if err != nil {
		return fmt.Errorf("failed to put alarm %s: %w", alarmName(policy.EndpointName), err)
	}
	return nil
}

// DisableAutoscaling removes policies, the alarm and the scalable target.
// Missing pieces are not an error.
func (c Client) DisableAutoscaling(ctx context.Context, endpointName, variantName string) error {
	resourceID := inference.ResourceID(endpointName, variantName)
	var errs error
	for _, name := range []string{targetTrackingPolicyName(endpointName), stepPolicyName(endpointName)} {
		_, err := c.api.DeleteScalingPolicyWithContext(ctx, &applicationautoscaling.DeleteScalingPolicyInput{
			PolicyName:        aws.String(name),
			ServiceNamespace:  aws.String(serviceNamespace),
			ResourceId:        aws.String(resourceID),
			ScalableDimension: aws.String(scalableDimension),
		})
		if err != nil && !isObjectNotFound(err) {
			errs = multierr.Append(errs, fmt.Errorf("failed to delete scaling policy %s: %w", name, err))
		}
	}
	_, err := c.cloudwatch.DeleteAlarmsWithContext(ctx, &cloudwatch.DeleteAlarmsInput{
		AlarmNames: aws.StringSlice([]string{alarmName(endpointName)}),
	})
	if err != nil && !isObjectNotFound(err) {
		errs = multierr.Append(errs, fmt.Errorf("failed to delete alarm: %w", err))
	}
	_, err = c.api.DeregisterScalableTargetWithContext(ctx, &applicationautoscaling.DeregisterScalableTargetInput{
		ServiceNamespace:  aws.String(serviceNamespace),
		ResourceId:        aws.String(resourceID),
		ScalableDimension: aws.String(scalableDimension),
	})
	if err != nil && !isObjectNotFound(err) {
		errs = multierr.Append(errs, fmt.Errorf("failed to deregister scalable target %s: %w", resourceID, err))
	}
	return errs
}

func isObjectNotFound(err error) bool {
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return false
	}
	return aerr.Code() == applicationautoscaling.ErrCodeObjectNotFoundException ||
		aerr.Code() == cloudwatch.ErrCodeResourceNotFound
}
