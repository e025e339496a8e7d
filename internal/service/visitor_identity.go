package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/yourusername/candy-api/internal/claim"
	"github.com/yourusername/candy-api/internal/identity"
	apperrors "github.com/yourusername/candy-api/internal/pkg/errors"
)

// IdentityBackend - операции провайдера идентичности, которые нужны потоку
type IdentityBackend interface {
	SendPhoneCode(ctx context.Context, visitorID, phone string) error
	SendEmailLink(ctx context.Context, visitorID, email string) error
	VerifyCode(ctx context.Context, visitorID string, tokenType identity.TokenType, address, code string) (*identity.Session, error)
	CurrentSession(ctx context.Context, visitorID string) (*identity.Session, error)
	SignOut(ctx context.Context, visitorID string) error
}

// VisitorIdentity привязывает провайдер идентичности к одному посетителю
// и реализует claim.IdentityProvider
type VisitorIdentity struct {
	backend   IdentityBackend
	visitorID string
}

// NewVisitorIdentity создает провайдер для посетителя visitorID
func NewVisitorIdentity(backend IdentityBackend, visitorID string) *VisitorIdentity {
	return &VisitorIdentity{backend: backend, visitorID: visitorID}
}

// RequestOTP отправляет проверку по выбранному каналу
func (v *VisitorIdentity) RequestOTP(ctx context.Context, channel claim.Channel, address string) error {
	var err error
	switch channel {
	case claim.ChannelPhone:
		err = v.backend.SendPhoneCode(ctx, v.visitorID, address)
	case claim.ChannelEmail:
		err = v.backend.SendEmailLink(ctx, v.visitorID, address)
	default:
		return fmt.Errorf("unsupported channel %q", channel)
	}
	return mapIdentityError(err)
}

// VerifyOTP проверяет код как SMS или как код из письма
func (v *VisitorIdentity) VerifyOTP(ctx context.Context, tokenType claim.TokenType, address, code string) (*claim.Session, error) {
	var t identity.TokenType
	switch tokenType {
	case claim.TokenSMS:
		t = identity.TokenSMS
	case claim.TokenMagicLink:
		t = identity.TokenMagicLink
	default:
		return nil, fmt.Errorf("unsupported token type %q", tokenType)
	}

	session, err := v.backend.VerifyCode(ctx, v.visitorID, t, address, code)
	if err != nil {
		return nil, mapIdentityError(err)
	}
	return toClaimSession(session), nil
}

// CurrentSession возвращает сессию посетителя или nil
func (v *VisitorIdentity) CurrentSession(ctx context.Context) (*claim.Session, error) {
	session, err := v.backend.CurrentSession(ctx, v.visitorID)
	if err != nil {
		return nil, err
	}
	return toClaimSession(session), nil
}

// SignOut завершает сессию посетителя
func (v *VisitorIdentity) SignOut(ctx context.Context) error {
	return v.backend.SignOut(ctx, v.visitorID)
}

func toClaimSession(s *identity.Session) *claim.Session {
	if s == nil {
		return nil
	}
	return &claim.Session{Phone: s.Phone, Email: s.Email}
}

// mapIdentityError переводит лимиты провайдера и каналов в сигнал, который понимает поток
func mapIdentityError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, apperrors.ErrRateLimited) {
		return fmt.Errorf("%w: %v", claim.ErrProviderRateLimited, err)
	}
	return err
}
