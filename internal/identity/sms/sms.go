package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/yourusername/candy-api/internal/pkg/errors"
)

const (
	defaultBaseURL = "https://www.smslocal.com/dev/bulkV2"
	defaultTimeout = 15 * time.Second
)

// Sender отправляет одноразовый код по SMS
type Sender interface {
	SendOTP(ctx context.Context, phone, code string) error
}

// SMSLocalClient отправляет коды через HTTP API SMS Local (route=otp)
type SMSLocalClient struct {
	APIKey     string
	BaseURL    string
	Sender     string
	HTTPClient *http.Client
}

// NewSMSLocalClient создает клиента; пустые baseURL и sender заменяются значениями по умолчанию
func NewSMSLocalClient(apiKey, baseURL, sender string) *SMSLocalClient {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &SMSLocalClient{
		APIKey:     apiKey,
		BaseURL:    baseURL,
		Sender:     sender,
		HTTPClient: &http.Client{Timeout: defaultTimeout},
	}
}

// SendOTP отправляет код на номер в формате E.164. Код в логи не попадает.
func (c *SMSLocalClient) SendOTP(ctx context.Context, phone, code string) error {
	if c.APIKey == "" {
		return fmt.Errorf("sms: API key not configured")
	}
	body := map[string]interface{}{
		"route":     "otp",
		"numbers":   strings.TrimPrefix(phone, "+"),
		"variables": code,
	}
	if c.Sender != "" {
		body["sender_id"] = c.Sender
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("sms: request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("sms: %w", apperrors.ErrRateLimited)
	case resp.StatusCode != http.StatusOK:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("sms: request failed status=%d body=%s", resp.StatusCode, string(b))
	}
	return nil
}

// LogSender - отправитель для разработки: пишет в лог только маскированный номер
type LogSender struct{}

// SendOTP имитирует успешную отправку
func (LogSender) SendOTP(ctx context.Context, phone, code string) error {
	log.Printf("[SMS] dev-режим: код отправлен на %s", MaskPhone(phone))
	return nil
}

// DisabledSender всегда отказывает; телефонный канал недоступен и поток переходит на email
type DisabledSender struct{}

// SendOTP возвращает ошибку
func (DisabledSender) SendOTP(ctx context.Context, phone, code string) error {
	return fmt.Errorf("sms: channel disabled")
}

// MaskPhone оставляет видимыми только последние 2 цифры номера
func MaskPhone(phone string) string {
	if len(phone) <= 2 {
		return "**"
	}
	return strings.Repeat("*", len(phone)-2) + phone[len(phone)-2:]
}
