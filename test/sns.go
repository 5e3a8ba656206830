package test

import (
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/aws/aws-sdk-go/service/sns/snsiface"
)

type FakeSNS struct {
	snsiface.SNSAPI

	mu            sync.Mutex
	Topics        map[string]bool
	Subscriptions map[string][]string
}

func NewFakeSNS() *FakeSNS {
	return &FakeSNS{Topics: map[string]bool{}, Subscriptions: map[string][]string{}}
}

func (f *FakeSNS) CreateTopicWithContext(_ aws.Context, in *sns.CreateTopicInput, _ ...request.Option) (*sns.CreateTopicOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	arn := "arn:aws:sns:us-east-1:123456789012:" + aws.StringValue(in.Name)
	f.Topics[arn] = true
	return &sns.CreateTopicOutput{TopicArn: aws.String(arn)}, nil
}

func (f *FakeSNS) SubscribeWithContext(_ aws.Context, in *sns.SubscribeInput, _ ...request.Option) (*sns.SubscribeOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	arn := aws.StringValue(in.TopicArn)
	if !f.Topics[arn] {
		return nil, awserr.New(sns.ErrCodeNotFoundException, "Topic does not exist", nil)
	}
	f.Subscriptions[arn] = append(f.Subscriptions[arn], aws.StringValue(in.Protocol)+":"+aws.StringValue(in.Endpoint))
	return &sns.SubscribeOutput{SubscriptionArn: aws.String("pending confirmation")}, nil
}

func (f *FakeSNS) DeleteTopicWithContext(_ aws.Context, in *sns.DeleteTopicInput, _ ...request.Option) (*sns.DeleteTopicOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	arn := aws.StringValue(in.TopicArn)
	delete(f.Topics, arn)
	delete(f.Subscriptions, arn)
	return &sns.DeleteTopicOutput{}, nil
}
