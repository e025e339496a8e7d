package auth

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

const magicLinkAudience = "candy-magic-link"

var (
	// ErrMagicLinkExpired - срок действия ссылки истёк
	ErrMagicLinkExpired = errors.New("magic link is expired")
	// ErrMagicLinkInvalid - ссылка повреждена или подписана другим ключом
	ErrMagicLinkInvalid = errors.New("magic link is invalid")
)

// MagicLinkClaims - полезная нагрузка ссылки для входа по email
type MagicLinkClaims struct {
	Email     string `json:"email"`
	VisitorID string `json:"visitor_id"`
	jwt.RegisteredClaims
}

// MagicLinkService выпускает и проверяет одноразовые ссылки для входа
type MagicLinkService struct {
	secret []byte
	ttl    time.Duration
	nowF   func() time.Time
}

// NewMagicLinkService создает сервис ссылок с HS256-подписью
func NewMagicLinkService(secret string, ttl time.Duration) (*MagicLinkService, error) {
	if len(strings.TrimSpace(secret)) < 32 {
		return nil, fmt.Errorf("magic link secret must be at least 32 characters")
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &MagicLinkService{secret: []byte(secret), ttl: ttl, nowF: time.Now}, nil
}

// TTL возвращает время жизни ссылки
func (s *MagicLinkService) TTL() time.Duration {
	return s.ttl
}

// Issue создает подписанный токен для email и посетителя, запросившего вход
func (s *MagicLinkService) Issue(email, visitorID string) (string, *MagicLinkClaims, error) {
	now := s.nowF()
	claims := &MagicLinkClaims{
		Email:     email,
		VisitorID: visitorID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Audience:  jwt.ClaimStrings{magicLinkAudience},
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign magic link: %w", err)
	}
	return signed, claims, nil
}

// Parse проверяет подпись, срок и назначение токена
func (s *MagicLinkService) Parse(tokenString string) (*MagicLinkClaims, error) {
	claims := &MagicLinkClaims{}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}

	token, err := jwt.ParseWithClaims(tokenString, claims, keyFunc)
	if err != nil {
		if ve, ok := err.(*jwt.ValidationError); ok {
			switch {
			case ve.Errors&jwt.ValidationErrorExpired != 0:
				log.Printf("[MagicLink] Ссылка истекла (jti=%s)", claims.ID)
				return nil, ErrMagicLinkExpired
			case ve.Errors&jwt.ValidationErrorMalformed != 0:
				return nil, fmt.Errorf("%w: malformed", ErrMagicLinkInvalid)
			case ve.Errors&jwt.ValidationErrorSignatureInvalid != 0:
				log.Printf("[MagicLink] Неверная подпись ссылки")
				return nil, fmt.Errorf("%w: signature", ErrMagicLinkInvalid)
			}
		}
		return nil, fmt.Errorf("%w: %v", ErrMagicLinkInvalid, err)
	}
	if !token.Valid {
		return nil, ErrMagicLinkInvalid
	}
	if !claims.VerifyAudience(magicLinkAudience, true) {
		return nil, fmt.Errorf("%w: audience", ErrMagicLinkInvalid)
	}
	if claims.ID == "" || claims.Email == "" || claims.VisitorID == "" {
		return nil, fmt.Errorf("%w: missing claims", ErrMagicLinkInvalid)
	}
	return claims, nil
}
