package identity

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/yourusername/candy-api/internal/domain/repository"
	"github.com/yourusername/candy-api/internal/identity/sms"
	apperrors "github.com/yourusername/candy-api/internal/pkg/errors"
	"github.com/yourusername/candy-api/pkg/auth"
)

// TokenType - тип проверяемого кода
type TokenType string

const (
	TokenSMS       TokenType = "sms"
	TokenMagicLink TokenType = "magiclink"
)

var (
	ErrInvalidCode   = errors.New("invalid verification code")
	ErrCodeExpired   = errors.New("verification code expired or was never requested")
	ErrMagicLinkUsed = errors.New("magic link was already used")
	// ErrAttemptsExceeded и ErrResendThrottled оборачивают общий ErrRateLimited
	ErrAttemptsExceeded = fmt.Errorf("too many verification attempts: %w", apperrors.ErrRateLimited)
	ErrResendThrottled  = fmt.Errorf("please wait before requesting a new code: %w", apperrors.ErrRateLimited)
)

// Session - сессия посетителя. Содержит телефон или email, в зависимости от канала входа.
type Session struct {
	Phone     string    `json:"phone,omitempty"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// EmailSender отправляет письмо со ссылкой для входа
type EmailSender interface {
	SendMagicLink(ctx context.Context, toEmail, link, idempotencyKey string) error
}

// Config содержит параметры провайдера
type Config struct {
	OTPTTL         time.Duration
	OTPMaxAttempts int
	ResendCooldown time.Duration
	SessionTTL     time.Duration
	CodePepper     string
	// PublicBaseURL - внешний адрес API, на который ведёт ссылка из письма
	PublicBaseURL string
}

// Provider - провайдер идентичности поверх redis: коды, сессии, одноразовые ссылки
type Provider struct {
	cache repository.CacheRepository
	sms   sms.Sender
	email EmailSender
	links *auth.MagicLinkService
	cfg   Config
	nowF  func() time.Time
}

// NewProvider создает провайдер идентичности
func NewProvider(
	cache repository.CacheRepository,
	smsSender sms.Sender,
	email EmailSender,
	links *auth.MagicLinkService,
	cfg Config,
) (*Provider, error) {
	if cache == nil {
		return nil, fmt.Errorf("cache repository is required")
	}
	if smsSender == nil {
		return nil, fmt.Errorf("sms sender is required")
	}
	if email == nil {
		return nil, fmt.Errorf("email sender is required")
	}
	if links == nil {
		return nil, fmt.Errorf("magic link service is required")
	}
	if cfg.OTPTTL <= 0 {
		cfg.OTPTTL = 10 * time.Minute
	}
	if cfg.OTPMaxAttempts <= 0 {
		cfg.OTPMaxAttempts = 5
	}
	if cfg.ResendCooldown <= 0 {
		cfg.ResendCooldown = 60 * time.Second
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 7 * 24 * time.Hour
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")

	return &Provider{
		cache: cache,
		sms:   smsSender,
		email: email,
		links: links,
		cfg:   cfg,
		nowF:  time.Now,
	}, nil
}

// SendPhoneCode выдаёт код и отправляет его по SMS на номер в формате E.164
func (p *Provider) SendPhoneCode(ctx context.Context, visitorID, phone string) error {
	if phone == "" {
		return fmt.Errorf("%w: phone is required", apperrors.ErrValidation)
	}
	if err := p.throttle(ctx, "phone", phone); err != nil {
		return err
	}

	code, err := p.issueCode(ctx, TokenSMS, phone, visitorID)
	if err != nil {
		p.releaseThrottle(ctx, "phone", phone)
		return err
	}

	if err := p.sms.SendOTP(ctx, phone, code); err != nil {
		p.revokeCode(ctx, TokenSMS, phone)
		p.releaseThrottle(ctx, "phone", phone)
		return fmt.Errorf("failed to send sms code: %w", err)
	}

	log.Printf("[Identity] SMS-код выдан посетителю %s на %s", visitorID, sms.MaskPhone(phone))
	return nil
}

// SendEmailLink выдаёт одноразовую ссылку и отправляет её на email.
// Кода в письме нет: вход по email завершается только переходом по ссылке.
func (p *Provider) SendEmailLink(ctx context.Context, visitorID, email string) error {
	email = normalizeEmail(email)
	if email == "" {
		return fmt.Errorf("%w: email is required", apperrors.ErrValidation)
	}
	if err := p.throttle(ctx, "email", email); err != nil {
		return err
	}

	token, claims, err := p.links.Issue(email, visitorID)
	if err != nil {
		p.releaseThrottle(ctx, "email", email)
		return err
	}
	link := p.cfg.PublicBaseURL + "/api/auth/magic?token=" + url.QueryEscape(token)

	if err := p.email.SendMagicLink(ctx, email, link, "magic-link:"+claims.ID); err != nil {
		p.releaseThrottle(ctx, "email", email)
		return fmt.Errorf("failed to send magic link: %w", err)
	}

	log.Printf("[Identity] Ссылка для входа выдана посетителю %s на %s", visitorID, maskEmail(email))
	return nil
}

// VerifyCode проверяет код заданного типа и при успехе создаёт сессию посетителя
func (p *Provider) VerifyCode(ctx context.Context, visitorID string, tokenType TokenType, address, code string) (*Session, error) {
	if tokenType == TokenMagicLink {
		address = normalizeEmail(address)
	}
	if address == "" || strings.TrimSpace(code) == "" {
		return nil, ErrInvalidCode
	}

	key := otpKey(tokenType, address)
	var record otpRecord
	if err := p.cache.GetJSON(ctx, key, &record); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, ErrCodeExpired
		}
		return nil, fmt.Errorf("failed to load verification code: %w", err)
	}

	if record.Attempts >= p.cfg.OTPMaxAttempts {
		p.revokeCode(ctx, tokenType, address)
		return nil, ErrAttemptsExceeded
	}

	if !record.matches(code, p.cfg.CodePepper) {
		record.Attempts++
		if record.Attempts >= p.cfg.OTPMaxAttempts {
			p.revokeCode(ctx, tokenType, address)
			return nil, ErrAttemptsExceeded
		}
		if ttl, err := p.cache.TTL(ctx, key); err == nil && ttl > 0 {
			if err := p.cache.SetJSON(ctx, key, record, ttl); err != nil {
				log.Printf("[Identity] Не удалось сохранить счетчик попыток: %v", err)
			}
		}
		return nil, ErrInvalidCode
	}

	p.revokeCode(ctx, tokenType, address)

	session := &Session{CreatedAt: p.nowF()}
	if tokenType == TokenSMS {
		session.Phone = address
	} else {
		session.Email = address
	}
	if err := p.storeSession(ctx, visitorID, session); err != nil {
		return nil, err
	}
	return session, nil
}

// ConsumeMagicLink проверяет ссылку из письма и создаёт сессию для посетителя, который её запросил.
// Ссылка одноразовая.
func (p *Provider) ConsumeMagicLink(ctx context.Context, token string) (string, *Session, error) {
	claims, err := p.links.Parse(token)
	if err != nil {
		if errors.Is(err, auth.ErrMagicLinkExpired) {
			return "", nil, fmt.Errorf("%w: %v", apperrors.ErrExpiredToken, err)
		}
		return "", nil, fmt.Errorf("%w: %v", apperrors.ErrUnauthorized, err)
	}

	first, err := p.cache.SetNX(ctx, jtiKey(claims.ID), 1, p.links.TTL())
	if err != nil {
		return "", nil, fmt.Errorf("failed to mark magic link used: %w", err)
	}
	if !first {
		return "", nil, ErrMagicLinkUsed
	}

	session := &Session{Email: claims.Email, CreatedAt: p.nowF()}
	if err := p.storeSession(ctx, claims.VisitorID, session); err != nil {
		return "", nil, err
	}
	log.Printf("[Identity] Вход по ссылке для посетителя %s", claims.VisitorID)
	return claims.VisitorID, session, nil
}

// CurrentSession возвращает сессию посетителя или nil, если её нет
func (p *Provider) CurrentSession(ctx context.Context, visitorID string) (*Session, error) {
	if visitorID == "" {
		return nil, nil
	}
	var session Session
	if err := p.cache.GetJSON(ctx, sessionKey(visitorID), &session); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return &session, nil
}

// SignOut удаляет сессию посетителя
func (p *Provider) SignOut(ctx context.Context, visitorID string) error {
	if visitorID == "" {
		return nil
	}
	return p.cache.Delete(ctx, sessionKey(visitorID))
}

func (p *Provider) storeSession(ctx context.Context, visitorID string, session *Session) error {
	if visitorID == "" {
		return fmt.Errorf("%w: visitor id is required", apperrors.ErrValidation)
	}
	if err := p.cache.SetJSON(ctx, sessionKey(visitorID), session, p.cfg.SessionTTL); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

func (p *Provider) issueCode(ctx context.Context, tokenType TokenType, address, visitorID string) (string, error) {
	code, err := generateCode()
	if err != nil {
		return "", fmt.Errorf("failed to generate verification code: %w", err)
	}
	salt, err := generateSalt()
	if err != nil {
		return "", fmt.Errorf("failed to generate verification salt: %w", err)
	}

	record := otpRecord{
		Hash:      hashCode(code, salt, p.cfg.CodePepper),
		Salt:      salt,
		VisitorID: visitorID,
	}
	if err := p.cache.SetJSON(ctx, otpKey(tokenType, address), record, p.cfg.OTPTTL); err != nil {
		return "", fmt.Errorf("failed to store verification code: %w", err)
	}
	return code, nil
}

func (p *Provider) revokeCode(ctx context.Context, tokenType TokenType, address string) {
	if err := p.cache.Delete(ctx, otpKey(tokenType, address)); err != nil {
		log.Printf("[Identity] Не удалось удалить код %s: %v", tokenType, err)
	}
}

// throttle ограничивает частоту отправок на один адрес независимо от посетителя
func (p *Provider) throttle(ctx context.Context, channel, address string) error {
	ok, err := p.cache.SetNX(ctx, throttleKey(channel, address), 1, p.cfg.ResendCooldown)
	if err != nil {
		return fmt.Errorf("failed to check resend cooldown: %w", err)
	}
	if !ok {
		return ErrResendThrottled
	}
	return nil
}

func (p *Provider) releaseThrottle(ctx context.Context, channel, address string) {
	if err := p.cache.Delete(ctx, throttleKey(channel, address)); err != nil {
		log.Printf("[Identity] Не удалось снять ограничение отправки: %v", err)
	}
}

func otpKey(tokenType TokenType, address string) string {
	return fmt.Sprintf("otp:%s:%s", tokenType, address)
}

func throttleKey(channel, address string) string {
	return fmt.Sprintf("otp_throttle:%s:%s", channel, address)
}

func sessionKey(visitorID string) string {
	return "session:" + visitorID
}

func jtiKey(jti string) string {
	return "magic_jti:" + jti
}

// normalizeEmail не меняет регистр: Session Gate сравнивает email с записью точно
func normalizeEmail(email string) string {
	return strings.TrimSpace(email)
}

func maskEmail(email string) string {
	at := strings.IndexByte(email, '@')
	if at <= 1 {
		return "***" + email[max(at, 0):]
	}
	return email[:1] + "***" + email[at:]
}
