package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"
)

// SNSPublisher is the subset of *sns.Client the sink needs
type SNSPublisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSSink publishes events as JSON to an SNS topic
type SNSSink struct {
	client   SNSPublisher
	topicARN string
	timeout  time.Duration
	logger   *zap.Logger
}

func NewSNSSink(client SNSPublisher, topicARN string, logger *zap.Logger) *SNSSink {
	return &SNSSink{
		client:   client,
		topicARN: topicARN,
		timeout:  5 * time.Second,
		logger:   logger.Named("sns"),
	}
}

func (s *SNSSink) Emit(ctx context.Context, e Event) {
	body, err := json.Marshal(e)
	if err != nil {
		s.logger.Error("Failed to encode event", zap.String("event_id", e.ID.String()), zap.Error(err))
		return
	}

	// publishing must not inherit the caller's cancellation
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	input := &sns.PublishInput{
		TopicArn: aws.String(s.topicARN),
		Message:  aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(e.Type)),
			},
		},
	}
	if _, err := s.client.Publish(pubCtx, input); err != nil {
		s.logger.Warn("Failed to publish event",
			zap.String("event_id", e.ID.String()),
			zap.String("type", string(e.Type)),
			zap.Error(err))
	}
}
