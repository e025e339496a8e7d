package service

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/resend/resend-go/v2"

	apperrors "github.com/yourusername/candy-api/internal/pkg/errors"
)

// maxRetryWait ограничивает ожидание между повторами: посетитель ждёт ответа на странице
const maxRetryWait = 5 * time.Second

// EmailService sends transactional emails.
type EmailService interface {
	SendMagicLink(ctx context.Context, toEmail, link, idempotencyKey string) error
}

// NoopEmailService is used when no email provider is configured (local development).
type NoopEmailService struct{}

func (s *NoopEmailService) SendMagicLink(ctx context.Context, toEmail, link, idempotencyKey string) error {
	log.Printf("[EmailService] noop send magic link key=%s", idempotencyKey)
	return nil
}

// ResendEmailService sends emails via Resend REST API.
type ResendEmailService struct {
	from   string
	client *resend.Client
}

func NewResendEmailService(apiKey, from string) (*ResendEmailService, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("resend api key is required")
	}
	if from == "" {
		return nil, fmt.Errorf("email from is required")
	}
	return &ResendEmailService{
		from:   from,
		client: resend.NewClient(apiKey),
	}, nil
}

func (s *ResendEmailService) SendMagicLink(ctx context.Context, toEmail, link, idempotencyKey string) error {
	if toEmail == "" || link == "" {
		return fmt.Errorf("toEmail and link are required")
	}

	params := &resend.SendEmailRequest{
		From:    s.from,
		To:      []string{toEmail},
		Subject: "Your sign-in link",
		Text:    magicLinkText(link),
		Html:    magicLinkHTML(link),
	}

	options := &resend.SendEmailOptions{}
	if strings.TrimSpace(idempotencyKey) != "" {
		options.IdempotencyKey = strings.TrimSpace(idempotencyKey)
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		_, err := s.client.Emails.SendWithOptions(ctx, params, options)
		if err == nil {
			return nil
		}
		lastErr = err

		if wait, ok := resendRetryDelay(err, attempt); ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
				continue
			}
		}

		return fmt.Errorf("resend send failed: %w", err)
	}

	var rateLimitErr *resend.RateLimitError
	if errors.As(lastErr, &rateLimitErr) {
		return fmt.Errorf("resend send failed after retries: %w: %v", apperrors.ErrRateLimited, lastErr)
	}
	return fmt.Errorf("resend send failed after retries: %w", lastErr)
}

// Письмо несет только ссылку: страница в ожидании ссылки код не принимает
func magicLinkText(link string) string {
	return fmt.Sprintf("Open this link to sign in: %s\n\nKeep the page open, it will continue on its own.\nThe link can be used once.", link)
}

func magicLinkHTML(link string) string {
	return fmt.Sprintf(
		`<p><a href="%s">Sign in</a></p><p>Keep the page open, it will continue on its own.</p><p>The link can be used once.</p>`,
		html.EscapeString(link),
	)
}

func resendRetryDelay(err error, attempt int) (time.Duration, bool) {
	var rateLimitErr *resend.RateLimitError
	if errors.As(err, &rateLimitErr) {
		if seconds, convErr := strconv.Atoi(strings.TrimSpace(rateLimitErr.RetryAfter)); convErr == nil && seconds > 0 {
			wait := time.Duration(seconds) * time.Second
			if wait > maxRetryWait {
				wait = maxRetryWait
			}
			return wait, true
		}
		return time.Duration(attempt+1) * time.Second, true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return time.Duration(attempt+1) * 500 * time.Millisecond, true
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "temporar") {
		return time.Duration(attempt+1) * 500 * time.Millisecond, true
	}

	return 0, false
}
