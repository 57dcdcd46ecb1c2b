package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"

	pkglogger "github.com/BradenHooton/bastion/pkg/logger"
)

// ApprovalNotifier delivers the device approval challenge to the user.
type ApprovalNotifier interface {
	SendApprovalEmail(ctx context.Context, email, token, code string, expiresAt time.Time) error
}

// AWSSESNotifier sends approval emails using AWS SES
type AWSSESNotifier struct {
	sesClient   *ses.Client
	fromAddress string
	baseURL     string
	logger      *slog.Logger
}

// NewAWSSESNotifier creates a new AWS SES approval notifier
func NewAWSSESNotifier(region, fromAddress, baseURL string, logger *slog.Logger) (*AWSSESNotifier, error) {
	cfg, err := config.LoadDefaultConfig(context.Background(), config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &AWSSESNotifier{
		sesClient:   ses.NewFromConfig(cfg),
		fromAddress: fromAddress,
		baseURL:     baseURL,
		logger:      logger,
	}, nil
}

// SendApprovalEmail sends the approval code and link for a pending device
func (s *AWSSESNotifier) SendApprovalEmail(ctx context.Context, email, token, code string, expiresAt time.Time) error {
	approvalLink := fmt.Sprintf("%s?token=%s", s.baseURL, token)
	expiresIn := time.Until(expiresAt).Round(time.Minute)

	htmlBody := fmt.Sprintf(`
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <style>
        body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; }
        .container { max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { background-color: #f8f9fa; padding: 20px; text-align: center; border-radius: 4px; }
        .code { font-size: 28px; letter-spacing: 4px; font-weight: bold; text-align: center; padding: 16px; background-color: #f0f4f8; border-radius: 4px; }
        .button { display: inline-block; background-color: #0066cc; color: white; padding: 12px 24px; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { color: #666; font-size: 12px; margin-top: 20px; padding-top: 20px; border-top: 1px solid #eee; }
        .warning { background-color: #fff3cd; padding: 10px; border-left: 4px solid #ffc107; margin: 10px 0; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header">
            <h1>New Device Sign-In</h1>
        </div>
        <p>A sign-in from a device we don't recognize needs your approval. Enter this code on the device:</p>
        <p class="code">%s</p>
        <p>Or approve it directly:</p>
        <p><a href="%s" class="button">Approve Device</a></p>
        <div class="warning">
            <strong>Security Notice:</strong> This code expires in %s.
        </div>
        <p><strong>Wasn't you?</strong><br>
        If you didn't try to sign in, do not share this code and consider changing your password.</p>
        <div class="footer">
            <p>This is an automated message. Please do not reply to this email.</p>
        </div>
    </div>
</body>
</html>
`, code, approvalLink, expiresIn)

	textBody := fmt.Sprintf(`New Device Sign-In

A sign-in from a device we don't recognize needs your approval. Enter this code on the device:

    %s

Or approve it directly:
%s

Security Notice: This code expires in %s.

Wasn't you?
If you didn't try to sign in, do not share this code and consider changing your password.

This is an automated message. Please do not reply to this email.
`, code, approvalLink, expiresIn)

	input := &ses.SendEmailInput{
		Source: aws.String(s.fromAddress),
		Destination: &types.Destination{
			ToAddresses: []string{email},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data: aws.String("Approve your new device"),
			},
			Body: &types.Body{
				Html: &types.Content{
					Data: aws.String(htmlBody),
				},
				Text: &types.Content{
					Data: aws.String(textBody),
				},
			},
		},
	}

	result, err := s.sesClient.SendEmail(ctx, input)
	if err != nil {
		s.logger.Error("failed to send approval email via SES",
			slog.String("email", pkglogger.SanitizedEmail(email)),
			slog.Any("error", err))
		return fmt.Errorf("failed to send email: %w", err)
	}

	s.logger.Info("approval email sent",
		slog.String("email", pkglogger.SanitizedEmail(email)),
		slog.String("message_id", *result.MessageId))

	return nil
}

// NoopNotifier is used when email delivery is disabled; the approval code is
// still returned to the caller for other delivery channels.
type NoopNotifier struct {
	logger *slog.Logger
}

func NewNoopNotifier(logger *slog.Logger) *NoopNotifier {
	return &NoopNotifier{logger: logger}
}

func (s *NoopNotifier) SendApprovalEmail(ctx context.Context, email, token, code string, expiresAt time.Time) error {
	s.logger.Info("email delivery disabled, skipping approval email",
		slog.String("email", pkglogger.SanitizedEmail(email)))
	return nil
}
