package claim

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType определяет категорию ошибки claim-потока
type ErrorType string

const (
	InvalidInputFormat ErrorType = "invalid_input_format"
	RateLimited        ErrorType = "rate_limited"
	EmailRateLimited   ErrorType = "email_rate_limited"
	RecordLookupFailed ErrorType = "record_lookup_failed"
	NoChannelAvailable ErrorType = "no_channel_available"
	ChallengeRejected  ErrorType = "challenge_rejected"
	NotAuthenticated   ErrorType = "not_authenticated"
	PermissionDenied   ErrorType = "permission_denied"
	MagicLinkExpired   ErrorType = "magic_link_expired"
	InvalidTransition  ErrorType = "invalid_transition"
	// ProviderFailed - провайдер идентичности вернул ошибку вне проверки (например, при выходе)
	ProviderFailed ErrorType = "provider_failed"
)

// ErrProviderRateLimited возвращается провайдером идентичности (обернутым),
// когда канал отклонил отправку из-за собственного лимита.
var ErrProviderRateLimited = errors.New("identity provider rate limited")

// Error - ошибка claim-потока с сообщением для пользователя.
// Err хранит исходную ошибку коллаборатора только для логов.
type Error struct {
	Type       ErrorType
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// RetryAfterSeconds округляет RetryAfter вверх до целых секунд
func (e *Error) RetryAfterSeconds() int {
	if e.RetryAfter <= 0 {
		return 0
	}
	secs := int(e.RetryAfter / time.Second)
	if e.RetryAfter%time.Second != 0 {
		secs++
	}
	return secs
}

func newError(t ErrorType, msg string, cause error) *Error {
	return &Error{Type: t, Message: msg, Err: cause}
}

// IsType сообщает, является ли err ошибкой claim-потока заданного типа
func IsType(err error, t ErrorType) bool {
	var claimErr *Error
	if errors.As(err, &claimErr) {
		return claimErr.Type == t
	}
	return false
}
