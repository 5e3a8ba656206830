package sns

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/aws/aws-sdk-go/service/sns/snsiface"

	"asyncinfer/lib/inference"
)

type SNSArgs struct {
	Region            string `arg:"--region,env:AWS_REGION,help:AWS region"`
	NotificationEmail string `arg:"--notification-email,env:NOTIFICATION_EMAIL,help:subscribe this address to the success and error topics"`
}

// Client manages the topics an async endpoint publishes completion
// notifications to.
type Client struct {
	args SNSArgs
	api  snsiface.SNSAPI
}

var _ inference.Notifier = Client{}

func NewClient(args SNSArgs) Client {
	sess := session.Must(session.NewSession(
		&aws.Config{
			Region:                        aws.String(args.Region),
			CredentialsChainVerboseErrors: aws.Bool(true),
		},
	))
	return NewClientWithAPI(args, sns.New(sess))
}

func NewClientWithAPI(args SNSArgs, api snsiface.SNSAPI) Client {
	return Client{args: args, api: api}
}

func (c Client) NotificationEmail() string {
	return c.args.NotificationEmail
}

// CreateTopic returns the topic's ARN. Creating an existing topic returns
// the existing ARN.
func (c Client) CreateTopic(ctx context.Context, name string) (string, error) {
	out, err := c.api.CreateTopicWithContext(ctx, &sns.CreateTopicInput{
		Name: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create topic %s: %w", name, err)
	}
	return aws.StringValue(out.TopicArn), nil
}

func (c Client) Subscribe(ctx context.Context, topicArn, protocol, endpoint string) (string, error) {
	out, err := c.api.SubscribeWithContext(ctx, &sns.SubscribeInput{
		TopicArn: aws.String(topicArn),
		Protocol: aws.String(protocol),
		Endpoint: aws.String(endpoint),
	})
	if err != nil {
		return "", fmt.Errorf("failed to subscribe %s to %s: %w", endpoint, topicArn, err)
	}
	return aws.StringValue(out.SubscriptionArn), nil
}

func (c Client) DeleteTopic(ctx context.Context, topicArn string) error {
	_, err := c.api.DeleteTopicWithContext(ctx, &sns.DeleteTopicInput{
		TopicArn: aws.String(topicArn),
	})
	if err != nil {
		return fmt.Errorf("failed to delete topic %s: %w", topicArn, err)
	}
	return nil
}
