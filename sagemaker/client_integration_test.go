//go:build sagemaker

package sagemaker

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getLiveClient(t *testing.T) SMClient {
	role := os.Getenv("SAGEMAKER_EXECUTION_ROLE")
	if role == "" {
		t.Skip("SAGEMAKER_EXECUTION_ROLE not set")
	}
	c, err := NewClient(SagemakerArgs{
		Region:                 "us-west-2",
		SagemakerExecutionRole: role,
		SagemakerInstanceType:  "ml.m5.xlarge",
		SagemakerInstanceCount: 1,
		HFModelID:              "sshleifer/distilbart-cnn-12-6",
		HFTask:                 "summarization",
	})
	require.NoError(t, err)
	return c
}

func TestExistsLive(t *testing.T) {
	c := getLiveClient(t)
	ctx := context.Background()

	exists, err := c.ModelExists(ctx, "some-random-model-that-does-not-exist")
	assert.NoError(t, err)
	assert.False(t, exists)

	exists, err = c.EndpointConfigExists(ctx, "some-random-config-that-does-not-exist")
	assert.NoError(t, err)
	assert.False(t, exists)

	exists, err = c.EndpointExists(ctx, "some-random-endpoint-that-does-not-exist")
	assert.NoError(t, err)
	assert.False(t, exists)
}
