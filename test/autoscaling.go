package test

import (
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/applicationautoscaling"
	"github.com/aws/aws-sdk-go/service/applicationautoscaling/applicationautoscalingiface"
	"github.com/aws/aws-sdk-go/service/cloudwatch"
	"github.com/aws/aws-sdk-go/service/cloudwatch/cloudwatchiface"
)

type FakeAutoscaling struct {
	applicationautoscalingiface.ApplicationAutoScalingAPI

	mu       sync.Mutex
	Targets  map[string]*applicationautoscaling.RegisterScalableTargetInput
	Policies map[string]*applicationautoscaling.PutScalingPolicyInput
}

func NewFakeAutoscaling() *FakeAutoscaling {
	return &FakeAutoscaling{
		Targets:  map[string]*applicationautoscaling.RegisterScalableTargetInput{},
		Policies: map[string]*applicationautoscaling.PutScalingPolicyInput{},
	}
}

func (f *FakeAutoscaling) RegisterScalableTargetWithContext(_ aws.Context, in *applicationautoscaling.RegisterScalableTargetInput, _ ...request.Option) (*applicationautoscaling.RegisterScalableTargetOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Targets[aws.StringValue(in.ResourceId)] = in
	return &applicationautoscaling.RegisterScalableTargetOutput{}, nil
}

func (f *FakeAutoscaling) DescribeScalableTargetsWithContext(_ aws.Context, in *applicationautoscaling.DescribeScalableTargetsInput, _ ...request.Option) (*applicationautoscaling.DescribeScalableTargetsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &applicationautoscaling.DescribeScalableTargetsOutput{}
	for _, id := range aws.StringValueSlice(in.ResourceIds) {
		if t, ok := f.Targets[id]; ok {
			out.ScalableTargets = append(out.ScalableTargets, &applicationautoscaling.ScalableTarget{
				ResourceId:  t.ResourceId,
				MinCapacity: t.MinCapacity,
				MaxCapacity: t.MaxCapacity,
			})
		}
	}
	return out, nil
}

func (f *FakeAutoscaling) DeregisterScalableTargetWithContext(_ aws.Context, in *applicationautoscaling.DeregisterScalableTargetInput, _ ...request.Option) (*applicationautoscaling.DeregisterScalableTargetOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := aws.StringValue(in.ResourceId)
	if _, ok := f.Targets[id]; !ok {
		return nil, awserr.New(applicationautoscaling.ErrCodeObjectNotFoundException, "No scalable target found", nil)
	}
	delete(f.Targets, id)
	return &applicationautoscaling.DeregisterScalableTargetOutput{}, nil
}

func (f *FakeAutoscaling) PutScalingPolicyWithContext(_ aws.Context, in *applicationautoscaling.PutScalingPolicyInput, _ ...request.Option) (*applicationautoscaling.PutScalingPolicyOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Targets[aws.StringValue(in.ResourceId)]; !ok {
		return nil, awserr.New(applicationautoscaling.ErrCodeObjectNotFoundException, "No scalable target registered", nil)
	}
	name := aws.StringValue(in.PolicyName)
	f.Policies[name] = in
	return &applicationautoscaling.PutScalingPolicyOutput{PolicyARN: aws.String("arn:aws:autoscaling:policy/" + name)}, nil
}

func (f *FakeAutoscaling) DeleteScalingPolicyWithContext(_ aws.Context, in *applicationautoscaling.DeleteScalingPolicyInput, _ ...request.Option) (*applicationautoscaling.DeleteScalingPolicyOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.StringValue(in.PolicyName)
	if _, ok := f.Policies[name]; !ok {
		return nil, awserr.New(applicationautoscaling.ErrCodeObjectNotFoundException, "No scaling policy found", nil)
	}
	delete(f.Policies, name)
	return &applicationautoscaling.DeleteScalingPolicyOutput{}, nil
}

// FakeCloudWatch stores alarms and serves metric statistics from Datapoints,
// keyed by metric name.
type FakeCloudWatch struct {
	cloudwatchiface.CloudWatchAPI

	mu         sync.Mutex
	Alarms     map[string]*cloudwatch.PutMetricAlarmInput
	Datapoints map[string][]*cloudwatch.Datapoint
	Queries    []*cloudwatch.GetMetricStatisticsInput
}

func NewFakeCloudWatch() *FakeCloudWatch {
	return &FakeCloudWatch{
		Alarms:     map[string]*cloudwatch.PutMetricAlarmInput{},
		Datapoints: map[string][]*cloudwatch.Datapoint{},
	}
}

func (f *FakeCloudWatch) PutMetricAlarmWithContext(_ aws.Context, in *cloudwatch.PutMetricAlarmInput, _ ...request.Option) (*cloudwatch.PutMetricAlarmOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Alarms[aws.StringValue(in.AlarmName)] = in
	return &cloudwatch.PutMetricAlarmOutput{}, nil
}

func (f *FakeCloudWatch) DeleteAlarmsWithContext(_ aws.Context, in *cloudwatch.DeleteAlarmsInput, _ ...request.Option) (*cloudwatch.DeleteAlarmsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, name := range aws.StringValueSlice(in.AlarmNames) {
		delete(f.Alarms, name)
	}
	return &cloudwatch.DeleteAlarmsOutput{}, nil
}

func (f *FakeCloudWatch) GetMetricStatisticsWithContext(_ aws.Context, in *cloudwatch.GetMetricStatisticsInput, _ ...request.Option) (*cloudwatch.GetMetricStatisticsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Queries = append(f.Queries, in)
	return &cloudwatch.GetMetricStatisticsOutput{
		Label:      in.MetricName,
		Datapoints: f.Datapoints[aws.StringValue(in.MetricName)],
	}, nil
}

// Series returns datapoints one period apart starting at start. They come
// back newest first; CloudWatch makes no ordering promise either.
func Series(start time.Time, period time.Duration, values ...float64) []*cloudwatch.Datapoint {
	points := make([]*cloudwatch.Datapoint, len(values))
	for i, v := range values {
		points[i] = &cloudwatch.Datapoint{
			Timestamp: aws.Time(start.Add(time.Duration(i) * period)),
			Average:   aws.Float64(v),
			Maximum:   aws.Float64(v),
			Sum:       aws.Float64(v),
		}
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Timestamp.After(*points[j].Timestamp) })
	return points
}
