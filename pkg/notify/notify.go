// Package notify delivers provisioning outcome notifications.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/rs/zerolog"

	"github.com/openfroyo/govframe/pkg/config"
	"github.com/openfroyo/govframe/pkg/engine"
)

// maxSubject is the longest subject SNS accepts.
const maxSubject = 100

// SNSPublisher is the subset of the SNS client used by SNSSink.
type SNSPublisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSSink publishes notifications to a topic.
type SNSSink struct {
	client   SNSPublisher
	topicARN string
	product  string
}

// NewSNSSink creates a sink publishing to topicARN.
func NewSNSSink(client SNSPublisher, topicARN string) *SNSSink {
	return &SNSSink{client: client, topicARN: topicARN, product: "Compliant Framework"}
}

// Notify implements engine.NotificationSink.
func (s *SNSSink) Notify(ctx context.Context, n engine.Notification) error {
	body, err := json.MarshalIndent(n, "", "  ")
	if err != nil {
		return engine.NewExecutionError("failed to encode notification", err)
	}

	_, err = s.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(s.topicARN),
		Subject:  aws.String(Subject(s.product, n)),
		Message:  aws.String(string(body)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"kind":   {DataType: aws.String("String"), StringValue: aws.String(string(n.Kind))},
			"run_id": {DataType: aws.String("String"), StringValue: aws.String(n.RunID)},
		},
	})
	if err != nil {
		return engine.NewTransientDependencyError("failed to publish notification", err).
			WithResource(s.topicARN).
			WithOperation("publish")
	}
	return nil
}

// Subject returns the subject line of a notification, truncated to the SNS
// limit.
func Subject(product string, n engine.Notification) string {
	subject := product + " provisioning succeeded"
	if n.Kind == engine.NotificationFailure {
		subject = fmt.Sprintf("%s provisioning failed in %s", product, n.State)
	}
	if len(subject) > maxSubject {
		subject = subject[:maxSubject]
	}
	return subject
}

// LogSink writes notifications to a logger.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a sink logging to logger.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "notify").Logger()}
}

// Notify implements engine.NotificationSink.
func (s *LogSink) Notify(_ context.Context, n engine.Notification) error {
	event := s.logger.Info()
	if n.Kind == engine.NotificationFailure {
		event = s.logger.Error().
			Str("state", n.State).
			Str("error_class", string(n.ErrorClass)).
			Str("cause", n.Cause)
	}
	event.
		Str("kind", string(n.Kind)).
		Str("run_id", n.RunID).
		Fields(n.Data).
		Msg(Subject("Provisioning", n))
	return nil
}

// MultiSink delivers to every sink and joins their errors.
type MultiSink []engine.NotificationSink

// Notify implements engine.NotificationSink.
func (m MultiSink) Notify(ctx context.Context, n engine.Notification) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FromSettings builds the sink selected by settings. The SNS sink also
// logs every notification. client may be nil unless the SNS sink is
// selected.
func FromSettings(settings config.NotificationSettings, client SNSPublisher, logger zerolog.Logger) (engine.NotificationSink, error) {
	logSink := NewLogSink(logger)

	switch settings.Sink {
	case "", config.SinkLog:
		return logSink, nil
	case config.SinkSNS:
		if settings.TopicARN == "" {
			return nil, engine.NewConfigurationError("sns notification sink requires a topic ARN", nil)
		}
		if client == nil {
			return nil, engine.NewConfigurationError("sns notification sink requires an SNS client", nil)
		}
		return MultiSink{logSink, NewSNSSink(client, settings.TopicARN)}, nil
	default:
		return nil, engine.NewConfigurationError("unknown notification sink "+settings.Sink, nil)
	}
}

var (
	_ engine.NotificationSink = (*SNSSink)(nil)
	_ engine.NotificationSink = (*LogSink)(nil)
	_ engine.NotificationSink = MultiSink(nil)
)
