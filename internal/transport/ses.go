package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"
)

// sesAPI is the part of the SES v2 client used for sending
type sesAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESConfig selects the region and optional static credentials for SES.
// Without static credentials the default AWS credential chain is used.
type SESConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	From            string
	ConfigSet       string
}

// SESSender sends emails via AWS SES using the SDK v2
type SESSender struct {
	client    sesAPI
	from      string
	configSet string
	logger    *slog.Logger
}

// NewSESSender creates an SES sender
func NewSESSender(ctx context.Context, cfg SESConfig, logger *slog.Logger) (*SESSender, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize AWS config: %w", err)
	}

	return newSESSender(sesv2.NewFromConfig(awsCfg), cfg, logger), nil
}

func newSESSender(client sesAPI, cfg SESConfig, logger *slog.Logger) *SESSender {
	return &SESSender{
		client:    client,
		from:      cfg.From,
		configSet: cfg.ConfigSet,
		logger:    logger.With("component", "ses"),
	}
}

// Send delivers a single email through AWS SES
func (s *SESSender) Send(ctx context.Context, msg Message) error {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.from),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")},
				},
			},
		},
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}
	if s.configSet != "" {
		input.ConfigurationSetName = aws.String(s.configSet)
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return sesError(err)
	}

	if out.MessageId != nil {
		s.logger.Debug("message accepted", "to", msg.To, "message_id", *out.MessageId)
	}
	return nil
}

// sesError classifies SES API errors; rejected or invalid messages are permanent
func sesError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "MessageRejected", "BadRequestException", "AccountSuspendedException", "MailFromDomainNotVerifiedException":
			return &DeliveryError{Temporary: false, Message: fmt.Sprintf("SES rejected message: %v", err)}
		}
	}
	return &DeliveryError{Temporary: true, Message: fmt.Sprintf("SES send failed: %v", err)}
}
