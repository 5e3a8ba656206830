package autoscaling

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"asyncinfer/lib/inference"
	"asyncinfer/test"
)

func newTestClient(args AutoscalingArgs) (Client, *test.FakeAutoscaling, *test.FakeCloudWatch) {
	api := test.NewFakeAutoscaling()
	cw := test.NewFakeCloudWatch()
	return NewClientWithAPI(args, api, cw), api, cw
}

func TestPolicy(t *testing.T) {
	c, _, _ := newTestClient(AutoscalingArgs{
		MinCapacity:         0,
		MaxCapacity:         3,
		TargetBacklog:       2,
		ScaleInCooldownSec:  600,
		ScaleOutCooldownSec: 120,
		ScaleFromZero:       true,
	})
	p := c.Policy("ep", inference.DefaultVariantName)
	assert.Equal(t, "endpoint/ep/variant/AllTraffic", p.ResourceID())
	assert.Equal(t, int64(3), p.MaxCapacity)
	assert.Equal(t, 10*time.Minute, p.ScaleInCooldown)
	assert.Equal(t, 2*time.Minute, p.ScaleOutCooldown)
	assert.True(t, p.ScaleFromZero)
}

func TestEnableDisable(t *testing.T) {
	scenarios := []struct {
		name          string
		scaleFromZero bool
		policies      []string
		alarms        int
	}{
		{
			name:     "target tracking only",
			policies: []string{"ep-backlog-target-tracking"},
		},
		{
			name:          "scale from zero",
			scaleFromZero: true,
			policies:      []string{"ep-backlog-target-tracking", "ep-has-backlog-without-capacity"},
			alarms:        1,
		},
	}
	for _, scenario := range scenarios {
		t.Run(scenario.name, func(t *testing.T) {
			ctx := context.Background()
			c, api, cw := newTestClient(AutoscalingArgs{
				MaxCapacity:         2,
				TargetBacklog:       5,
				ScaleInCooldownSec:  600,
				ScaleOutCooldownSec: 300,
				ScaleFromZero:       scenario.scaleFromZero,
			})

			ok, err := c.IsAutoscalingConfigured(ctx, "ep", inference.DefaultVariantName)
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, c.EnableAutoscaling(ctx, c.Policy("ep", inference.DefaultVariantName)))
			ok, err = c.IsAutoscalingConfigured(ctx, "ep", inference.DefaultVariantName)
			require.NoError(t, err)
			assert.True(t, ok)

			target := api.Targets["endpoint/ep/variant/AllTraffic"]
			require.NotNil(t, target)
			assert.Equal(t, int64(0), aws.Int64Value(target.MinCapacity))
			assert.Equal(t, int64(2), aws.Int64Value(target.MaxCapacity))

			assert.Len(t, api.Policies, len(scenario.policies))
			for _, name := range scenario.policies {
				assert.Contains(t, api.Policies, name)
			}
			tracking := api.Policies["ep-backlog-target-tracking"].TargetTrackingScalingPolicyConfiguration
			assert.Equal(t, 5.0, aws.Float64Value(tracking.TargetValue))
			assert.Equal(t, BacklogPerInstanceMetric, aws.StringValue(tracking.CustomizedMetricSpecification.MetricName))

			assert.Len(t, cw.Alarms, scenario.alarms)
			if scenario.scaleFromZero {
				alarm := cw.Alarms["ep-has-backlog-without-capacity"]
				require.NotNil(t, alarm)
				assert.Equal(t, BacklogWithoutCapacity, aws.StringValue(alarm.MetricName))
				assert.Equal(t, []string{"arn:aws:autoscaling:policy/ep-has-backlog-without-capacity"}, aws.StringValueSlice(alarm.AlarmActions))
			}

			require.NoError(t, c.DisableAutoscaling(ctx, "ep", inference.DefaultVariantName))
			assert.Empty(t, api.Targets)
			assert.Empty(t, api.Policies)
			assert.Empty(t, cw.Alarms)

			// nothing left to remove
			require.NoError(t, c.DisableAutoscaling(ctx, "ep", inference.DefaultVariantName))
		})
	}
}

func TestEnableAutoscaling_InvalidCapacity(t *testing.T) {
	ctx := context.Background()
	c, api, _ := newTestClient(AutoscalingArgs{})
	for _, p := range []inference.ScalingPolicy{
		{EndpointName: "ep", VariantName: "v", MinCapacity: 0, MaxCapacity: 0},
		{EndpointName: "ep", VariantName: "v", MinCapacity: 3, MaxCapacity: 2},
	} {
		assert.Error(t, c.EnableAutoscaling(ctx, p))
	}
	assert.Empty(t, api.Targets)
}
