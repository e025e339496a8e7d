package claim

import (
	"context"
	"time"
)

// Channel - канал доставки проверки
type Channel string

const (
	ChannelPhone Channel = "phone"
	ChannelEmail Channel = "email"
	ChannelNone  Channel = "none"
)

// TokenType - тип токена, который проверяет провайдер идентичности
type TokenType string

const (
	TokenSMS       TokenType = "sms"
	TokenMagicLink TokenType = "magiclink"
)

// Session - сессия провайдера. Содержит ровно один идентификатор:
// Phone или Email, в зависимости от канала, которым она получена.
type Session struct {
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// LocationClaim - секретные поля локации, против которых идёт проверка
type LocationClaim struct {
	LocationID  string
	PhoneNumber string
	Email       string
}

// RecordStore - хранилище записей локаций
type RecordStore interface {
	SecretFields(ctx context.Context, locationID string) (LocationClaim, error)
	Flag(ctx context.Context, locationID string) (bool, error)
	SetFlag(ctx context.Context, locationID string, value bool) error
}

// IdentityProvider - внешний провайдер идентичности, привязанный к одному посетителю.
// CurrentSession возвращает (nil, nil), если сессии нет.
type IdentityProvider interface {
	RequestOTP(ctx context.Context, channel Channel, address string) error
	VerifyOTP(ctx context.Context, tokenType TokenType, address, code string) (*Session, error)
	CurrentSession(ctx context.Context) (*Session, error)
	SignOut(ctx context.Context) error
}

// Outcome - результат одной попытки проверки
type Outcome string

const (
	OutcomePending             Outcome = "pending"
	OutcomeSentOtp             Outcome = "sent_otp"
	OutcomeSentMagicLink       Outcome = "sent_magic_link"
	OutcomeRejectedSuffix      Outcome = "rejected_suffix"
	OutcomeRejectedRateLimited Outcome = "rejected_rate_limited"
	OutcomeFailed              Outcome = "failed"
)

// ChallengeAttempt - одна попытка проверки суффикса
type ChallengeAttempt struct {
	EnteredSuffix string     `json:"entered_suffix"`
	ChannelTried  Channel    `json:"channel_tried"`
	DispatchedAt  *time.Time `json:"dispatched_at,omitempty"`
	Outcome       Outcome    `json:"outcome"`
}
