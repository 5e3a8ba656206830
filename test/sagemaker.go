package test

import (
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/sagemaker"
	"github.com/aws/aws-sdk-go/service/sagemaker/sagemakeriface"
	"github.com/aws/aws-sdk-go/service/sagemakerruntime"
	"github.com/aws/aws-sdk-go/service/sagemakerruntime/sagemakerruntimeiface"
)

// FakeSageMaker keeps models, endpoint configs and endpoints in memory.
// Endpoints are created in the Creating state and move to InService (or
// Failed when FailEndpoints is set) when waited on.
type FakeSageMaker struct {
	sagemakeriface.SageMakerAPI

	mu              sync.Mutex
	Models          map[string]*sagemaker.CreateModelInput
	EndpointConfigs map[string]*sagemaker.CreateEndpointConfigInput
	Endpoints       map[string]*sagemaker.DescribeEndpointOutput
	FailEndpoints   bool
	Calls           []string
}

func NewFakeSageMaker() *FakeSageMaker {
	return &FakeSageMaker{
		Models:          map[string]*sagemaker.CreateModelInput{},
		EndpointConfigs: map[string]*sagemaker.CreateEndpointConfigInput{},
		Endpoints:       map[string]*sagemaker.DescribeEndpointOutput{},
	}
}

func notFound(kind, name string) error {
	return awserr.New("ValidationException", fmt.Sprintf("Could not find %s \"%s\".", kind, name), nil)
}

func (f *FakeSageMaker) record(call string) {
	f.Calls = append(f.Calls, call)
}

func (f *FakeSageMaker) CallLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Calls...)
}

func (f *FakeSageMaker) CreateModelWithContext(_ aws.Context, in *sagemaker.CreateModelInput, _ ...request.Option) (*sagemaker.CreateModelOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CreateModel")
	name := aws.StringValue(in.ModelName)
	if _, ok := f.Models[name]; ok {
		return nil, awserr.New("ValidationException", "Cannot create already existing model", nil)
	}
	f.Models[name] = in
	return &sagemaker.CreateModelOutput{ModelArn: aws.String("arn:aws:sagemaker:model/" + name)}, nil
}

func (f *FakeSageMaker) DescribeModelWithContext(_ aws.Context, in *sagemaker.DescribeModelInput, _ ...request.Option) (*sagemaker.DescribeModelOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.StringValue(in.ModelName)
	if _, ok := f.Models[name]; !ok {
		return nil, notFound("model", name)
	}
	return &sagemaker.DescribeModelOutput{ModelName: in.ModelName}, nil
}

func (f *FakeSageMaker) DeleteModelWithContext(_ aws.Context, in *sagemaker.DeleteModelInput, _ ...request.Option) (*sagemaker.DeleteModelOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DeleteModel")
	name := aws.StringValue(in.ModelName)
	if _, ok := f.Models[name]; !ok {
		return nil, notFound("model", name)
	}
	delete(f.Models, name)
	return &sagemaker.DeleteModelOutput{}, nil
}

func (f *FakeSageMaker) CreateEndpointConfigWithContext(_ aws.Context, in *sagemaker.CreateEndpointConfigInput, _ ...request.Option) (*sagemaker.CreateEndpointConfigOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CreateEndpointConfig")
	name := aws.StringValue(in.EndpointConfigName)
	if _, ok := f.EndpointConfigs[name]; ok {
		return nil, awserr.New("ValidationException", "Cannot create already existing endpoint configuration", nil)
	}
	f.EndpointConfigs[name] = in
	return &sagemaker.CreateEndpointConfigOutput{}, nil
}

func (f *FakeSageMaker) DescribeEndpointConfigWithContext(_ aws.Context, in *sagemaker.DescribeEndpointConfigInput, _ ...request.Option) (*sagemaker.DescribeEndpointConfigOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.StringValue(in.EndpointConfigName)
	cfg, ok := f.EndpointConfigs[name]
	if !ok {
		return nil, notFound("endpoint configuration", name)
	}
	return &sagemaker.DescribeEndpointConfigOutput{
		EndpointConfigName:   cfg.EndpointConfigName,
		AsyncInferenceConfig: cfg.AsyncInferenceConfig,
		ProductionVariants:   cfg.ProductionVariants,
	}, nil
}

func (f *FakeSageMaker) DeleteEndpointConfigWithContext(_ aws.Context, in *sagemaker.DeleteEndpointConfigInput, _ ...request.Option) (*sagemaker.DeleteEndpointConfigOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DeleteEndpointConfig")
	name := aws.StringValue(in.EndpointConfigName)
	if _, ok := f.EndpointConfigs[name]; !ok {
		return nil, notFound("endpoint configuration", name)
	}
	delete(f.EndpointConfigs, name)
	return &sagemaker.DeleteEndpointConfigOutput{}, nil
}

func (f *FakeSageMaker) CreateEndpointWithContext(_ aws.Context, in *sagemaker.CreateEndpointInput, _ ...request.Option) (*sagemaker.CreateEndpointOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CreateEndpoint")
	name := aws.StringValue(in.EndpointName)
	if _, ok := f.Endpoints[name]; ok {
		return nil, awserr.New("ValidationException", "Cannot create already existing endpoint", nil)
	}
	if _, ok := f.EndpointConfigs[aws.StringValue(in.EndpointConfigName)]; !ok {
		return nil, notFound("endpoint configuration", aws.StringValue(in.EndpointConfigName))
	}
	f.Endpoints[name] = &sagemaker.DescribeEndpointOutput{
		EndpointName:       in.EndpointName,
		EndpointConfigName: in.EndpointConfigName,
		EndpointStatus:     aws.String(sagemaker.EndpointStatusCreating),
	}
	return &sagemaker.CreateEndpointOutput{EndpointArn: aws.String("arn:aws:sagemaker:endpoint/" + name)}, nil
}

func (f *FakeSageMaker) DescribeEndpointWithContext(_ aws.Context, in *sagemaker.DescribeEndpointInput, _ ...request.Option) (*sagemaker.DescribeEndpointOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.StringValue(in.EndpointName)
	ep, ok := f.Endpoints[name]
	if !ok {
		return nil, notFound("endpoint", name)
	}
	out := *ep
	return &out, nil
}

func (f *FakeSageMaker) DeleteEndpointWithContext(_ aws.Context, in *sagemaker.DeleteEndpointInput, _ ...request.Option) (*sagemaker.DeleteEndpointOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DeleteEndpoint")
	name := aws.StringValue(in.EndpointName)
	if _, ok := f.Endpoints[name]; !ok {
		return nil, notFound("endpoint", name)
	}
	f.Endpoints[name].EndpointStatus = aws.String(sagemaker.EndpointStatusDeleting)
	return &sagemaker.DeleteEndpointOutput{}, nil
}

func (f *FakeSageMaker) WaitUntilEndpointInServiceWithContext(_ aws.Context, in *sagemaker.DescribeEndpointInput, _ ...request.WaiterOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.StringValue(in.EndpointName)
	ep, ok := f.Endpoints[name]
	if !ok {
		return notFound("endpoint", name)
	}
	if f.FailEndpoints {
		ep.EndpointStatus = aws.String(sagemaker.EndpointStatusFailed)
		ep.FailureReason = aws.String("image not found")
		return awserr.New(request.WaiterResourceNotReadyErrorCode, "failed waiting for successful resource state", nil)
	}
	ep.EndpointStatus = aws.String(sagemaker.EndpointStatusInService)
	return nil
}

func (f *FakeSageMaker) WaitUntilEndpointDeletedWithContext(_ aws.Context, in *sagemaker.DescribeEndpointInput, _ ...request.WaiterOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Endpoints, aws.StringValue(in.EndpointName))
	return nil
}

// FakeRuntime records async invocations and answers with a fresh output
// location under OutputPrefix.
type FakeRuntime struct {
	sagemakerruntimeiface.SageMakerRuntimeAPI

	mu           sync.Mutex
	OutputPrefix string
	Inputs       []*sagemakerruntime.InvokeEndpointAsyncInput
	Err          error
}

func (f *FakeRuntime) InvokeEndpointAsyncWithContext(_ aws.Context, in *sagemakerruntime.InvokeEndpointAsyncInput, _ ...request.Option) (*sagemakerruntime.InvokeEndpointAsyncOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	f.Inputs = append(f.Inputs, in)
	return &sagemakerruntime.InvokeEndpointAsyncOutput{
		InferenceId:    in.InferenceId,
		OutputLocation: aws.String(fmt.Sprintf("%s/%d.out", f.OutputPrefix, len(f.Inputs))),
	}, nil
}
