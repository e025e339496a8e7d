package handler

import (
	"context"
	"errors"
	"html"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/candy-api/internal/claim"
	"github.com/yourusername/candy-api/internal/handler/dto"
	"github.com/yourusername/candy-api/internal/identity"
	"github.com/yourusername/candy-api/internal/middleware"
	apperrors "github.com/yourusername/candy-api/internal/pkg/errors"
)

// SessionProvider - операции провайдера идентичности, нужные обработчику входа
type SessionProvider interface {
	ConsumeMagicLink(ctx context.Context, token string) (string, *identity.Session, error)
	CurrentSession(ctx context.Context, visitorID string) (*identity.Session, error)
}

// AuthHandler обрабатывает вход по ссылке и состояние сессии посетителя
type AuthHandler struct {
	provider SessionProvider
}

// NewAuthHandler создает обработчик аутентификации
func NewAuthHandler(provider SessionProvider) *AuthHandler {
	return &AuthHandler{provider: provider}
}

// SessionInfo - состояние сессии посетителя без самих идентификаторов
type SessionInfo struct {
	Authenticated bool          `json:"authenticated"`
	Via           claim.Channel `json:"via,omitempty"`
}

// ConsumeMagicLink обрабатывает переход по ссылке из письма.
// Сессия создается для посетителя, запросившего ссылку; его страница увидит её при следующем опросе.
// GET /api/auth/magic?token=...
func (h *AuthHandler) ConsumeMagicLink(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		h.magicLinkPage(c, http.StatusBadRequest, "This sign-in link is incomplete.")
		return
	}

	visitorID, _, err := h.provider.ConsumeMagicLink(c.Request.Context(), token)
	if err != nil {
		switch {
		case errors.Is(err, apperrors.ErrExpiredToken):
			h.magicLinkPage(c, http.StatusGone, "The sign-in link has expired. Please start again.")
		case errors.Is(err, identity.ErrMagicLinkUsed):
			h.magicLinkPage(c, http.StatusConflict, "This sign-in link was already used.")
		case errors.Is(err, apperrors.ErrUnauthorized):
			h.magicLinkPage(c, http.StatusUnauthorized, "This sign-in link is not valid.")
		default:
			log.Printf("[AuthHandler] Ошибка входа по ссылке: %v", err)
			h.magicLinkPage(c, http.StatusInternalServerError, "Something went wrong. Please try again.")
		}
		return
	}

	if visitorID != middleware.VisitorID(c) {
		log.Printf("[AuthHandler] Ссылка открыта в другом браузере, сессия выдана исходному посетителю")
	}
	h.magicLinkPage(c, http.StatusOK, "You are signed in. Return to the location page to continue.")
}

// GetSession сообщает, есть ли у посетителя активная сессия
// GET /api/auth/session
func (h *AuthHandler) GetSession(c *gin.Context) {
	session, err := h.provider.CurrentSession(c.Request.Context(), middleware.VisitorID(c))
	if err != nil {
		log.Printf("[AuthHandler] Ошибка чтения сессии: %v", err)
		c.JSON(http.StatusBadGateway, dto.ErrorResponse{Error: "Could not read your session", ErrorType: string(claim.ProviderFailed)})
		return
	}
	info := SessionInfo{}
	if session != nil {
		info.Authenticated = true
		if session.Phone != "" {
			info.Via = claim.ChannelPhone
		} else {
			info.Via = claim.ChannelEmail
		}
	}
	c.JSON(http.StatusOK, info)
}

func (h *AuthHandler) magicLinkPage(c *gin.Context, status int, message string) {
	body := "<!doctype html><html><head><meta charset=\"utf-8\"><title>Candy map</title></head><body><p>" +
		html.EscapeString(message) + "</p></body></html>"
	c.Header("Cache-Control", "no-store")
	c.Data(status, "text/html; charset=utf-8", []byte(body))
}
