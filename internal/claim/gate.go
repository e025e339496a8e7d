package claim

import (
	"context"
	"errors"
	"log"
)

// Decision - результат проверки прав на изменение локации
type Decision struct {
	Authorized bool
	// Via - каким идентификатором подтверждены права (phone/email), пусто при отказе
	Via Channel
}

// Gate решает, может ли текущая сессия менять запись локации.
// Решение не кешируется: каждый вызов заново читает сессию и локацию.
type Gate struct {
	store       RecordStore
	policy      PhoneMatchPolicy
	countryCode string
}

// NewGate создает Session Gate. Политика сравнения телефона должна быть выбрана явно.
func NewGate(store RecordStore, policy PhoneMatchPolicy, countryCode string) (*Gate, error) {
	if store == nil {
		return nil, errors.New("record store is required")
	}
	if policy != PhoneMatchStrict && policy != PhoneMatchNormalized {
		return nil, errors.New("phone match policy must be chosen explicitly (strict or normalized)")
	}
	if countryCode == "" {
		countryCode = DefaultCountryCode
	}
	return &Gate{store: store, policy: policy, countryCode: countryCode}, nil
}

// Policy возвращает выбранную политику сравнения телефона
func (g *Gate) Policy() PhoneMatchPolicy {
	return g.policy
}

// Authorize проверяет сессию провайдера idp против локации locationID
func (g *Gate) Authorize(ctx context.Context, idp IdentityProvider, locationID string) (Decision, error) {
	session, err := idp.CurrentSession(ctx)
	if err != nil {
		log.Printf("[SessionGate] Ошибка получения сессии для локации %s: %v", locationID, err)
		return Decision{}, newError(NotAuthenticated, "Could not read your session. Please sign in again.", err)
	}
	if session == nil {
		return Decision{}, newError(NotAuthenticated, "User is not authenticated", nil)
	}

	location, err := g.store.SecretFields(ctx, locationID)
	if err != nil {
		return Decision{}, newError(RecordLookupFailed, "Could not load location details", err)
	}

	return g.decide(session, location)
}

func (g *Gate) decide(session *Session, location LocationClaim) (Decision, error) {
	if session.Email != "" && session.Email == location.Email {
		return Decision{Authorized: true, Via: ChannelEmail}, nil
	}
	if g.policy.Match(session.Phone, location.PhoneNumber, g.countryCode) {
		return Decision{Authorized: true, Via: ChannelPhone}, nil
	}
	return Decision{}, newError(PermissionDenied, "User does not have permission to update this location", nil)
}

// SetFlag повторно проверяет права и только после этого меняет флаг
func (g *Gate) SetFlag(ctx context.Context, idp IdentityProvider, locationID string, value bool) error {
	if _, err := g.Authorize(ctx, idp, locationID); err != nil {
		return err
	}
	if err := g.store.SetFlag(ctx, locationID, value); err != nil {
		return newError(RecordLookupFailed, "Error updating location", err)
	}
	return nil
}
