package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"
)

// Publisher emits one message to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, message []byte, attributes map[string]string) error
}

// SNSAPI is the part of the SNS client the publisher calls.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSPublisher publishes to a single topic. FIFO topics get the dedup key as
// MessageDeduplicationId so redelivered effects collapse downstream.
type SNSPublisher struct {
	client   SNSAPI
	topicARN string
	log      *zap.Logger
}

// NewSNSPublisher loads credentials and region from the default AWS chain.
func NewSNSPublisher(ctx context.Context, topicARN string, log *zap.Logger) (*SNSPublisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return NewSNSPublisherWithClient(sns.NewFromConfig(cfg), topicARN, log), nil
}

func NewSNSPublisherWithClient(client SNSAPI, topicARN string, log *zap.Logger) *SNSPublisher {
	return &SNSPublisher{client: client, topicARN: topicARN, log: log}
}

// Publish sends message with string attributes. The "dedup_key" attribute also drives FIFO dedup.
func (p *SNSPublisher) Publish(ctx context.Context, message []byte, attributes map[string]string) error {
	if p.topicARN == "" {
		return fmt.Errorf("empty topic arn")
	}
	input := &sns.PublishInput{
		TopicArn:          aws.String(p.topicARN),
		Message:           aws.String(string(message)),
		MessageAttributes: make(map[string]types.MessageAttributeValue, len(attributes)),
	}
	for k, v := range attributes {
		input.MessageAttributes[k] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(v),
		}
	}
	if strings.HasSuffix(p.topicARN, ".fifo") {
		if key := attributes["dedup_key"]; key != "" {
			input.MessageDeduplicationId = aws.String(key)
			input.MessageGroupId = aws.String(key)
		}
	}

	out, err := p.client.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("sns publish failed for topic %s: %w", p.topicARN, err)
	}
	p.log.Debug("sns message published",
		zap.String("topic_arn", p.topicARN),
		zap.String("message_id", aws.ToString(out.MessageId)),
		zap.Int("message_len", len(message)))
	return nil
}
