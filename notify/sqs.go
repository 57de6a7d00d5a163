package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/warp/payment-reconciler/generic"
)

// SQSAPI is the subset of the SQS client used here.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

type SQSConfig struct {
	QueueURL  string
	Region    string
	AccessKey string
	SecretKey string
	// Endpoint overrides the SQS endpoint (localstack, elasticmq).
	Endpoint string
}

type SQSNotifier struct {
	client   SQSAPI
	queueURL string
	logger   *slog.Logger
}

// NewSQSNotifier builds a client from static credentials when given,
// otherwise from the default AWS credential chain.
func NewSQSNotifier(ctx context.Context, cfg SQSConfig, logger *slog.Logger) (*SQSNotifier, error) {
	if cfg.QueueURL == "" {
		return nil, generic.NewValidationError("notify.queue_url", "required for the sqs backend")
	}
	opts := []func(*awsConfig.LoadOptions) error{awsConfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsConfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewSQSNotifierWithClient(client, cfg.QueueURL, logger), nil
}

func NewSQSNotifierWithClient(client SQSAPI, queueURL string, logger *slog.Logger) *SQSNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQSNotifier{client: client, queueURL: queueURL, logger: logger}
}

func (s *SQSNotifier) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	out, err := s.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"kind": {DataType: aws.String("String"), StringValue: aws.String(string(n.Kind))},
		},
	})
	if err != nil {
		return generic.NewTransient("sqs send", err)
	}

	s.logger.Debug("[Notify] Enqueued", "kind", n.Kind, "user_id", n.UserID, "message_id", aws.ToString(out.MessageId))
	return nil
}
