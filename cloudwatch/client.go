package cloudwatch

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/cloudwatch"
	"github.com/aws/aws-sdk-go/service/cloudwatch/cloudwatchiface"
	"github.com/samber/lo"

	"asyncinfer/lib/inference"
	"asyncinfer/lib/timer"
)

const Namespace = "AWS/SageMaker"

// DefaultMetrics are the async endpoint metrics worth watching while a batch
// drains.
var DefaultMetrics = []string{
	"ApproximateBacklogSizePerInstance",
	"ApproximateBacklogSize",
	"HasBacklogWithoutCapacity",
	"ApproximateAgeOfOldestRequest",
}

type CloudWatchArgs struct {
	Region        string        `arg:"--region,env:AWS_REGION,help:AWS region"`
	MetricsPeriod time.Duration `arg:"--metrics-period,env:METRICS_PERIOD,help:datapoint granularity" default:"1m"`
	MetricsWindow time.Duration `arg:"--metrics-window,env:METRICS_WINDOW,help:how far back to read metrics" default:"3h"`
}

type Client struct {
	args CloudWatchArgs
	api  cloudwatchiface.CloudWatchAPI
}

var _ inference.MetricsReader = Client{}

func NewClient(args CloudWatchArgs) Client {
	sess := session.Must(session.NewSession(
		&aws.Config{
			Region:                        aws.String(args.Region),
			CredentialsChainVerboseErrors: aws.Bool(true),
		},
	))
	return NewClientWithAPI(args, cloudwatch.New(sess))
}

func NewClientWithAPI(args CloudWatchArgs, api cloudwatchiface.CloudWatchAPI) Client {
	return Client{args: args, api: api}
}

// Queries returns one query per metric covering the configured window
// ending at now.
func (c Client) Queries(endpointName string, now time.Time, metrics ...string) []inference.MetricQuery {
	if len(metrics) == 0 {
		metrics = DefaultMetrics
	}
	period := c.args.MetricsPeriod
	if period < time.Minute {
		period = time.Minute
	}
	window := c.args.MetricsWindow
	if window <= 0 {
		window = 3 * time.Hour
	}
	return lo.Map(metrics, func(m string, _ int) inference.MetricQuery {
		return inference.MetricQuery{
			Namespace:    Namespace,
			MetricName:   m,
			EndpointName: endpointName,
			Statistic:    cloudwatch.StatisticAverage,
			Period:       period,
			Start:        now.Add(-window),
			End:          now,
		}
	})
}

func (c Client) Series(ctx context.Context, q inference.MetricQuery) (inference.Series, error) {
	defer timer.Start("cloudwatch.series").Stop()
	namespace := q.Namespace
	if namespace == "" {
		namespace = Namespace
	}
	statistic := q.Statistic
	if statistic == "" {
		statistic = cloudwatch.StatisticAverage
	}
	out, err := c.api.GetMetricStatisticsWithContext(ctx, &cloudwatch.GetMetricStatisticsInput{
		Namespace:  aws.String(namespace),
		MetricName: aws.String(q.MetricName),
		Dimensions: []*cloudwatch.Dimension{
			{Name: aws.String("EndpointName"), Value: aws.String(q.EndpointName)},
		},
		StartTime:  aws.Time(q.Start),
		EndTime:    aws.Time(q.End),
		Period:     aws.Int64(int64(q.Period.Seconds())),
		Statistics: aws.StringSlice([]string{statistic}),
	})
	if err != nil {
		return inference.Series{}, fmt.Errorf("failed to get statistics for %s: %w", q.MetricName, err)
	}
	points := lo.Map(out.Datapoints, func(d *cloudwatch.Datapoint, _ int) inference.Datapoint {
		return inference.Datapoint{
			Timestamp: aws.TimeValue(d.Timestamp),
			Value:     value(d, statistic),
		}
	})
	sort.Slice(points, func(i, j int) bool { return points[i].Timestamp.Before(points[j].Timestamp) })
	return inference.Series{MetricName: q.MetricName, Statistic: statistic, Points: points}, nil
}

func value(d *cloudwatch.Datapoint, statistic string) float64 {
	switch statistic {
	case cloudwatch.StatisticMaximum:
		return aws.Float64Value(d.Maximum)
	case cloudwatch.StatisticMinimum:
		return aws.Float64Value(d.Minimum)
	case cloudwatch.StatisticSum:
		return aws.Float64Value(d.Sum)
	case cloudwatch.StatisticSampleCount:
		return aws.Float64Value(d.SampleCount)
	default:
		return aws.Float64Value(d.Average)
	}
}
