package outbound

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/cellophanemail/gateway-core/internal/pkg/logger"
	"github.com/cellophanemail/gateway-core/internal/transform"
)

// SESSender delivers mail via AWS SES using SDK v2.
type SESSender struct {
	client *sesv2.Client
	dryRun bool
}

// NewSESSender creates an SES sender. If accessKey/secretKey are empty, the
// SDK's default credential chain (e.g. an ECS task role) is used instead.
func NewSESSender(ctx context.Context, accessKey, secretKey, region string, dryRun bool) (*SESSender, error) {
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("outbound: failed to load AWS config: %w", err)
	}

	return &SESSender{client: sesv2.NewFromConfig(cfg), dryRun: dryRun}, nil
}

// Send implements Sender.
func (s *SESSender) Send(ctx context.Context, msg *transform.OutboundMessage, idempotencyKey string) (SendResult, error) {
	if s.dryRun {
		logger.Info("dry-run outbound send", "provider", "ses", "to", msg.To, "idempotency_key", idempotencyKey)
		return SendResult{Outcome: Delivered, MessageID: idempotencyKey}, nil
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.From),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body:    &types.Body{Text: &types.Content{Data: aws.String(msg.TextBody), Charset: aws.String("UTF-8")}},
			},
		},
	}
	if msg.HTMLBody != "" {
		input.Content.Simple.Body.Html = &types.Content{Data: aws.String(msg.HTMLBody), Charset: aws.String("UTF-8")}
	}
	if replyTo, ok := msg.Headers["Reply-To"]; ok {
		input.ReplyToAddresses = []string{replyTo}
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return SendResult{}, classifySESError(err)
	}

	messageID := ""
	if result.MessageId != nil {
		messageID = *result.MessageId
	}
	logger.Info("ses sender delivered", "to", msg.To, "message_id", messageID)

	return SendResult{Outcome: Delivered, MessageID: messageID}, nil
}

// classifySESError maps the SDK's HTTP-response-carrying error types to the
// spec's transient/permanent split: 429/5xx are transient, other 4xx are
// permanent.
func classifySESError(err error) error {
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		code := respErr.HTTPStatusCode()
		if code == 429 || code >= 500 {
			return Transient(fmt.Sprintf("ses http %d: %v", code, err))
		}
		return Permanent(fmt.Sprintf("ses http %d: %v", code, err))
	}
	return Transient(fmt.Sprintf("ses transport error: %v", err))
}
