package handler

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/candy-api/internal/claim"
	"github.com/yourusername/candy-api/internal/handler/dto"
	"github.com/yourusername/candy-api/internal/middleware"
	apperrors "github.com/yourusername/candy-api/internal/pkg/errors"
	"github.com/yourusername/candy-api/internal/service"
)

// FlowIDKey - ключ ID потока в контексте Gin
const FlowIDKey = "flowID"

// ClaimHandler обрабатывает запросы claim-потока
type ClaimHandler struct {
	claims *service.ClaimService
}

// NewClaimHandler создает обработчик claim-потоков
func NewClaimHandler(claims *service.ClaimService) *ClaimHandler {
	return &ClaimHandler{claims: claims}
}

// OpenFlow открывает поток для локации (загрузка страницы настройки)
// POST /api/claim/flows?locationId=ID
func (h *ClaimHandler) OpenFlow(c *gin.Context) {
	flow, err := h.claims.Open(c.Request.Context(), middleware.VisitorID(c), c.Query("locationId"))
	if err != nil {
		handleClaimError(c, err, nil)
		return
	}
	c.JSON(http.StatusCreated, flow.Snapshot())
}

// GetFlow возвращает состояние потока
func (h *ClaimHandler) GetFlow(c *gin.Context) {
	flow, ok := h.flow(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, flow.Snapshot())
}

// SubmitSuffix проверяет последние 4 цифры телефона
func (h *ClaimHandler) SubmitSuffix(c *gin.Context) {
	flow, ok := h.flow(c)
	if !ok {
		return
	}
	var req dto.SuffixRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}

	attempt, err := flow.SubmitSuffix(c.Request.Context(), req.Suffix)
	if err != nil {
		handleClaimError(c, err, flow)
		return
	}
	c.JSON(http.StatusOK, dto.SuffixResponse{Attempt: attempt, Flow: flow.Snapshot()})
}

// VerifyCode проверяет 6-значный код из SMS или письма
func (h *ClaimHandler) VerifyCode(c *gin.Context) {
	flow, ok := h.flow(c)
	if !ok {
		return
	}
	var req dto.CodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}

	if err := flow.VerifyCode(c.Request.Context(), req.Code); err != nil {
		handleClaimError(c, err, flow)
		return
	}
	c.JSON(http.StatusOK, flow.Snapshot())
}

// Restart возвращает поток к вводу суффикса
func (h *ClaimHandler) Restart(c *gin.Context) {
	flow, ok := h.flow(c)
	if !ok {
		return
	}
	if err := flow.Restart(); err != nil {
		handleClaimError(c, err, flow)
		return
	}
	c.JSON(http.StatusOK, flow.Snapshot())
}

// Foreground сообщает, что страница снова на переднем плане
func (h *ClaimHandler) Foreground(c *gin.Context) {
	flow, ok := h.flow(c)
	if !ok {
		return
	}
	flow.Foreground()
	c.JSON(http.StatusOK, flow.Snapshot())
}

// GetFlag возвращает текущее значение has_candy
func (h *ClaimHandler) GetFlag(c *gin.Context) {
	flow, ok := h.flow(c)
	if !ok {
		return
	}
	value, err := flow.Flag(c.Request.Context())
	if err != nil {
		handleClaimError(c, err, flow)
		return
	}
	c.JSON(http.StatusOK, dto.FlagResponse{HasCandy: value, Flow: flow.Snapshot()})
}

// SetFlag меняет has_candy после проверки прав
func (h *ClaimHandler) SetFlag(c *gin.Context) {
	flow, ok := h.flow(c)
	if !ok {
		return
	}
	var req dto.FlagRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "has_candy is required")
		return
	}

	if err := flow.SetFlag(c.Request.Context(), *req.HasCandy); err != nil {
		handleClaimError(c, err, flow)
		return
	}
	c.JSON(http.StatusOK, dto.FlagResponse{HasCandy: *req.HasCandy, Flow: flow.Snapshot()})
}

// SignOut завершает сессию посетителя
func (h *ClaimHandler) SignOut(c *gin.Context) {
	flow, ok := h.flow(c)
	if !ok {
		return
	}
	if err := flow.SignOut(c.Request.Context()); err != nil {
		handleClaimError(c, err, flow)
		return
	}
	c.JSON(http.StatusOK, flow.Snapshot())
}

// CloseFlow закрывает поток (уход со страницы)
func (h *ClaimHandler) CloseFlow(c *gin.Context) {
	if err := h.claims.Close(c.GetString(FlowIDKey), middleware.VisitorID(c)); err != nil {
		handleClaimError(c, err, nil)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *ClaimHandler) flow(c *gin.Context) (*claim.Flow, bool) {
	flow, err := h.claims.Get(c.GetString(FlowIDKey), middleware.VisitorID(c))
	if err != nil {
		handleClaimError(c, err, nil)
		return nil, false
	}
	return flow, true
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: msg, ErrorType: string(claim.InvalidInputFormat)})
}

// handleClaimError переводит ошибки потока и сервисов в HTTP-ответ
func handleClaimError(c *gin.Context, err error, flow *claim.Flow) {
	resp := dto.ErrorResponse{Error: err.Error()}
	if flow != nil {
		snap := flow.Snapshot()
		resp.Flow = &snap
	}

	var claimErr *claim.Error
	if errors.As(err, &claimErr) {
		resp.Error = claimErr.Message
		resp.ErrorType = string(claimErr.Type)
		status := claimErrorStatus(claimErr)
		if claimErr.Type == claim.RateLimited {
			resp.RetryAfter = claimErr.RetryAfterSeconds()
			c.Header("Retry-After", strconv.Itoa(resp.RetryAfter))
		}
		if status >= http.StatusInternalServerError {
			log.Printf("[ClaimHandler] %s: %v", claimErr.Type, err)
		}
		c.JSON(status, resp)
		return
	}

	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		resp.ErrorType = "not_found"
		c.JSON(http.StatusNotFound, resp)
	case errors.Is(err, apperrors.ErrValidation):
		resp.ErrorType = string(claim.InvalidInputFormat)
		c.JSON(http.StatusBadRequest, resp)
	case errors.Is(err, apperrors.ErrUnauthorized):
		resp.ErrorType = string(claim.NotAuthenticated)
		c.JSON(http.StatusUnauthorized, resp)
	case errors.Is(err, apperrors.ErrForbidden):
		resp.ErrorType = string(claim.PermissionDenied)
		c.JSON(http.StatusForbidden, resp)
	default:
		log.Printf("ERROR: Internal server error in ClaimHandler: %v", err)
		resp.Error = "Internal server error"
		resp.ErrorType = "internal_server_error"
		c.JSON(http.StatusInternalServerError, resp)
	}
}

func claimErrorStatus(e *claim.Error) int {
	switch e.Type {
	case claim.InvalidInputFormat:
		return http.StatusBadRequest
	case claim.RateLimited, claim.EmailRateLimited:
		return http.StatusTooManyRequests
	case claim.RecordLookupFailed:
		if errors.Is(e.Err, apperrors.ErrNotFound) {
			return http.StatusNotFound
		}
		return http.StatusBadGateway
	case claim.NoChannelAvailable, claim.ProviderFailed:
		return http.StatusBadGateway
	case claim.ChallengeRejected, claim.NotAuthenticated:
		return http.StatusUnauthorized
	case claim.PermissionDenied:
		return http.StatusForbidden
	case claim.MagicLinkExpired:
		return http.StatusGone
	case claim.InvalidTransition:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
