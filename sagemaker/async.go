package sagemaker

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sagemakerruntime"

	"asyncinfer/lib/inference"
	"asyncinfer/lib/timer"
)

// InvokeAsync queues a request whose payload already sits at
// req.InputLocation. The returned output location is empty until the
// endpoint has processed the request.
func (smc SMClient) InvokeAsync(ctx context.Context, req inference.InvokeRequest) (inference.InvokeResponse, error) {
	defer timer.Start("sagemaker.invoke_async").Stop()
	input := sagemakerruntime.InvokeEndpointAsyncInput{
		EndpointName:  aws.String(req.EndpointName),
		InputLocation: aws.String(req.InputLocation),
	}
	if req.ContentType != "" {
		input.ContentType = aws.String(req.ContentType)
	}
	if req.Accept != "" {
		input.Accept = aws.String(req.Accept)
	}
	if req.InferenceID != "" {
		input.InferenceId = aws.String(req.InferenceID)
	}
	if req.CustomAttributes != "" {
		input.CustomAttributes = aws.String(req.CustomAttributes)
	}
	if req.RequestTTL > 0 {
		input.RequestTTLSeconds = aws.Int64(int64(req.RequestTTL.Seconds()))
	}
	out, err := smc.runtimeClient.InvokeEndpointAsyncWithContext(ctx, &input)
	if err != nil {
		return inference.InvokeResponse{}, fmt.Errorf("failed to invoke endpoint %s: %w", req.EndpointName, err)
	}
	return inference.InvokeResponse{
		OutputLocation: aws.StringValue(out.OutputLocation),
		InferenceID:    aws.StringValue(out.InferenceId),
	}, nil
}
