package sagemaker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sagemaker"
	"github.com/aws/aws-sdk-go/service/sagemaker/sagemakeriface"
	"github.com/aws/aws-sdk-go/service/sagemakerruntime"
	"github.com/aws/aws-sdk-go/service/sagemakerruntime/sagemakerruntimeiface"

	"asyncinfer/lib/inference"
)

type SagemakerArgs struct {
	Region                   string `arg:"--region,env:AWS_REGION,help:AWS region"`
	SagemakerExecutionRole   string `arg:"--sagemaker-execution-role,env:SAGEMAKER_EXECUTION_ROLE,help:SageMaker execution role"`
	SagemakerInstanceType    string `arg:"--sagemaker-instance-type,env:SAGEMAKER_INSTANCE_TYPE,help:SageMaker instance type" default:"ml.m5.xlarge"`
	SagemakerInstanceCount   uint   `arg:"--sagemaker-instance-count,env:SAGEMAKER_INSTANCE_COUNT,help:initial instance count" default:"1"`
	EndpointName             string `arg:"--endpoint-name,env:ENDPOINT_NAME,help:name of the async endpoint" default:"summarization-async"`
	HFModelID                string `arg:"--hf-model-id,env:HF_MODEL_ID,help:Hugging Face hub model id" default:"sshleifer/distilbart-cnn-12-6"`
	HFTask                   string `arg:"--hf-task,env:HF_TASK" default:"summarization"`
	ImageURI                 string `arg:"--image-uri,env:SAGEMAKER_IMAGE_URI,help:inference container image; derived from the region when empty"`
	AsyncOutputPath          string `arg:"--async-output-path,env:ASYNC_OUTPUT_PATH,help:s3:// prefix results are written under"`
	MaxConcurrentInvocations uint   `arg:"--max-concurrent-invocations,env:MAX_CONCURRENT_INVOCATIONS,help:per instance" default:"4"`
}

func NewClient(args SagemakerArgs) (SMClient, error) {
	sess, err := session.NewSession(
		&aws.Config{
			Region:                        aws.String(args.Region),
			CredentialsChainVerboseErrors: aws.Bool(true),
		},
	)
	if err != nil {
		return SMClient{}, fmt.Errorf("failed to create aws session: %w", err)
	}
	return NewClientWithAPI(args, sagemakerruntime.New(sess), sagemaker.New(sess)), nil
}

func NewClientWithAPI(args SagemakerArgs, runtime sagemakerruntimeiface.SageMakerRuntimeAPI, metadata sagemakeriface.SageMakerAPI) SMClient {
	return SMClient{
		args:           args,
		runtimeClient:  runtime,
		metadataClient: metadata,
	}
}

type SMClient struct {
	args           SagemakerArgs
	runtimeClient  sagemakerruntimeiface.SageMakerRuntimeAPI
	metadataClient sagemakeriface.SageMakerAPI
}

var _ inference.EndpointRegistry = SMClient{}
var _ inference.AsyncInvoker = SMClient{}

func (smc SMClient) Args() SagemakerArgs {
	return smc.args
}

// Model describes the hub model configured by the client's args.
func (smc SMClient) Model(name string) (inference.Model, error) {
	image := smc.args.ImageURI
	if image == "" {
		var err error
		image, err = HuggingFaceImage(smc.args.Region, smc.args.SagemakerInstanceType)
		if err != nil {
			return inference.Model{}, err
		}
	}
	return inference.Model{
		Name:     name,
		ModelID:  smc.args.HFModelID,
		Task:     smc.args.HFTask,
		ImageURI: image,
	}, nil
}

func (smc SMClient) CreateModel(ctx context.Context, model inference.Model) error {
	env := map[string]*string{
		"HF_MODEL_ID": aws.String(model.ModelID),
		"HF_TASK":     aws.String(model.Task),
	}
	for k, v := range model.Env {
		env[k] = aws.String(v)
	}
	container := &sagemaker.ContainerDefinition{
		Image:       aws.String(model.ImageURI),
		Environment: env,
	}
	if model.ArtifactPath != "" {
		container.ModelDataUrl = aws.String(model.ArtifactPath)
	}
	modelInput := sagemaker.CreateModelInput{
		ExecutionRoleArn: aws.String(smc.args.SagemakerExecutionRole),
		ModelName:        aws.String(model.Name),
		PrimaryContainer: container,
	}
	_, err := smc.metadataClient.CreateModelWithContext(ctx, &modelInput)
	if err != nil {
		return fmt.Errorf("failed to create model: %w", err)
	}
	return nil
}

// isMissing matches the ValidationException SageMaker returns when describing
// a resource that does not exist.
func isMissing(err error, prefix string) bool {
	var e awserr.Error
	if errors.As(err, &e) {
		return e.Code() == "ValidationException" && strings.HasPrefix(e.Message(), prefix)
	}
	return false
}

func (smc SMClient) ModelExists(ctx context.Context, modelName string) (bool, error) {
	input := sagemaker.DescribeModelInput{
		ModelName: aws.String(modelName),
	}
	_, err := smc.metadataClient.DescribeModelWithContext(ctx, &input)
	if err != nil {
		if isMissing(err, "Could not find model") {
			return false, nil
		}
		return false, fmt.Errorf("failed to check if model exists on sagemaker: %w", err)
	}
	return true, nil
}

func (smc SMClient) EndpointConfigExists(ctx context.Context, endpointConfigName string) (bool, error) {
	input := sagemaker.DescribeEndpointConfigInput{
		EndpointConfigName: aws.String(endpointConfigName),
	}
	_, err := smc.metadataClient.DescribeEndpointConfigWithContext(ctx, &input)
	if err != nil {
		if isMissing(err, "Could not find endpoint config") {
			return false, nil
		}
		return false, fmt.Errorf("failed to check if endpoint config exists on sagemaker: %w", err)
	}
	return true, nil
}

func (smc SMClient) EndpointExists(ctx context.Context, endpointName string) (bool, error) {
	input := sagemaker.DescribeEndpointInput{
		EndpointName: aws.String(endpointName),
	}
	_, err := smc.metadataClient.DescribeEndpointWithContext(ctx, &input)
	if err != nil {
		if isMissing(err, "Could not find endpoint") {
			return false, nil
		}
		return false, fmt.Errorf("failed to check if endpoint exists on sagemaker: %w", err)
	}
	return true, nil
}

func (smc SMClient) GetEndpointConfigName(ctx context.Context, endpointName string) (string, error) {
	input := sagemaker.DescribeEndpointInput{
		EndpointName: aws.String(endpointName),
	}
	res, err := smc.metadataClient.DescribeEndpointWithContext(ctx, &input)
	if err != nil {
		return "", fmt.Errorf("failed to get config name of endpoint '%s': %w", endpointName, err)
	}
	return aws.StringValue(res.EndpointConfigName), nil
}

func (smc SMClient) GetEndpointStatus(ctx context.Context, endpointName string) (string, error) {
	input := sagemaker.DescribeEndpointInput{
		EndpointName: aws.String(endpointName),
	}
	output, err := smc.metadataClient.DescribeEndpointWithContext(ctx, &input)
	if err != nil {
		return "", fmt.Errorf("failed to get endpoint status: %w", err)
	}
	return aws.StringValue(output.EndpointStatus), nil
}

// WaitUntilInService blocks until the endpoint is InService. A failed
// deployment is reported with SageMaker's failure reason.
func (smc SMClient) WaitUntilInService(ctx context.Context, endpointName string) error {
	input := sagemaker.DescribeEndpointInput{
		EndpointName: aws.String(endpointName),
	}
	err := smc.metadataClient.WaitUntilEndpointInServiceWithContext(ctx, &input)
	if err == nil {
		return nil
	}
	if out, derr := smc.metadataClient.DescribeEndpointWithContext(ctx, &input); derr == nil && out.FailureReason != nil {
		return fmt.Errorf("endpoint %s is %s: %s", endpointName, aws.StringValue(out.EndpointStatus), aws.StringValue(out.FailureReason))
	}
	return fmt.Errorf("failed waiting for endpoint %s to be in service: %w", endpointName, err)
}

func (smc SMClient) DeleteModel(ctx context.Context, modelName string) error {
	input := sagemaker.DeleteModelInput{
		ModelName: aws.String(modelName),
	}
	_, err := smc.metadataClient.DeleteModelWithContext(ctx, &input)
	if err != nil {
		return fmt.Errorf("failed to delete model: %w", err)
	}
	return nil
}

func (smc SMClient) DeleteEndpointConfig(ctx context.Context, endpointConfigName string) error {
	input := sagemaker.DeleteEndpointConfigInput{
		EndpointConfigName: aws.String(endpointConfigName),
	}
	_, err := smc.metadataClient.DeleteEndpointConfigWithContext(ctx, &input)
	if err != nil {
		return fmt.Errorf("failed to delete endpoint config: %w", err)
	}
	return nil
}

// DeleteEndpoint deletes the endpoint and waits until it is gone.
func (smc SMClient) DeleteEndpoint(ctx context.Context, endpointName string) error {
	input := sagemaker.DeleteEndpointInput{
		EndpointName: aws.String(endpointName),
	}
	_, err := smc.metadataClient.DeleteEndpointWithContext(ctx, &input)
	if err != nil {
		return fmt.Errorf("failed to delete endpoint: %w", err)
	}
	err = smc.metadataClient.WaitUntilEndpointDeletedWithContext(ctx, &sagemaker.DescribeEndpointInput{
		EndpointName: aws.String(endpointName),
	})
	if err != nil {
		return fmt.Errorf("failed waiting for endpoint %s to be deleted: %w", endpointName, err)
	}
	return nil
}

func (smc SMClient) CreateEndpointConfig(ctx context.Context, endpointCfg inference.EndpointConfig) error {
	variant := endpointCfg.VariantName
	if variant == "" {
		variant = inference.DefaultVariantName
	}
	endpointCfgInput := sagemaker.CreateEndpointConfigInput{
		EndpointConfigName: aws.String(endpointCfg.Name),
		ProductionVariants: []*sagemaker.ProductionVariant{
			{
				ModelName:            aws.String(endpointCfg.ModelName),
				VariantName:          aws.String(variant),
				InstanceType:         aws.String(endpointCfg.InstanceType),
				InitialInstanceCount: aws.Int64(int64(endpointCfg.InstanceCount)),
			},
		},
		AsyncInferenceConfig: asyncInferenceConfig(endpointCfg.Async),
	}
	_, err := smc.metadataClient.CreateEndpointConfigWithContext(ctx, &endpointCfgInput)
	if err != nil {
		return fmt.Errorf("failed to create endpoint config on sagemaker: %w", err)
	}
	return nil
}

func asyncInferenceConfig(cfg inference.AsyncConfig) *sagemaker.AsyncInferenceConfig {
	out := &sagemaker.AsyncInferenceConfig{
		OutputConfig: &sagemaker.AsyncInferenceOutputConfig{
			S3OutputPath: aws.String(cfg.OutputPath),
		},
	}
	if cfg.MaxConcurrentInvocations > 0 {
		out.ClientConfig = &sagemaker.AsyncInferenceClientConfig{
			MaxConcurrentInvocationsPerInstance: aws.Int64(int64(cfg.MaxConcurrentInvocations)),
		}
	}
	if cfg.SuccessTopicArn != "" || cfg.ErrorTopicArn != "" {
		notification := &sagemaker.AsyncInferenceNotificationConfig{}
		if cfg.SuccessTopicArn != "" {
			notification.SuccessTopic = aws.String(cfg.SuccessTopicArn)
		}
		if cfg.ErrorTopicArn != "" {
			notification.ErrorTopic = aws.String(cfg.ErrorTopicArn)
		}
		out.OutputConfig.NotificationConfig = notification
	}
	return out
}

func (smc SMClient) CreateEndpoint(ctx context.Context, endpoint inference.Endpoint) error {
	endpointInput := sagemaker.CreateEndpointInput{
		EndpointName:       aws.String(endpoint.Name),
		EndpointConfigName: aws.String(endpoint.EndpointConfigName),
	}
	_, err := smc.metadataClient.CreateEndpointWithContext(ctx, &endpointInput)
	if err != nil {
		return fmt.Errorf("failed to create endpoint on sagemaker: %w", err)
	}
	return nil
}
