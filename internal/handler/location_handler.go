package handler

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/yourusername/candy-api/internal/pkg/errors"
	"github.com/yourusername/candy-api/internal/service"
)

// LocationIDKey - ключ ID локации в контексте Gin
const LocationIDKey = "locationID"

// LocationHandler обрабатывает публичные и админские запросы по локациям
type LocationHandler struct {
	locations *service.LocationService
}

// NewLocationHandler создает обработчик локаций
func NewLocationHandler(locations *service.LocationService) *LocationHandler {
	return &LocationHandler{locations: locations}
}

// ListLocations возвращает участвующие локации
// GET /api/locations?search=&has_candy=&has_activity=&order=address|type|distance&lat=&lng=
func (h *LocationHandler) ListLocations(c *gin.Context) {
	q := service.ListQuery{
		Search:  c.Query("search"),
		OrderBy: c.DefaultQuery("order", service.OrderByAddress),
	}
	switch q.OrderBy {
	case service.OrderByAddress, service.OrderByType, service.OrderByDistance:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid order %q", q.OrderBy), "error_type": "invalid_input_format"})
		return
	}

	var err error
	if q.HasCandy, err = optionalBool(c, "has_candy"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "error_type": "invalid_input_format"})
		return
	}
	if q.HasActivity, err = optionalBool(c, "has_activity"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "error_type": "invalid_input_format"})
		return
	}
	if q.Lat, err = optionalFloat(c, "lat", 90); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "error_type": "invalid_input_format"})
		return
	}
	if q.Lng, err = optionalFloat(c, "lng", 180); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "error_type": "invalid_input_format"})
		return
	}

	list, err := h.locations.ListParticipating(c.Request.Context(), q)
	if err != nil {
		h.handleLocationError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"locations": list, "total": len(list)})
}

// GetLocation возвращает адрес, тип и маршрут локации
// GET /api/locations/:id
func (h *LocationHandler) GetLocation(c *gin.Context) {
	details, err := h.locations.GetDetails(c.Request.Context(), c.GetString(LocationIDKey))
	if err != nil {
		h.handleLocationError(c, err)
		return
	}
	c.JSON(http.StatusOK, details)
}

// CreateLocation создает локацию (администратор)
// POST /api/admin/locations
func (h *LocationHandler) CreateLocation(c *gin.Context) {
	var req service.CreateLocationInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "error_type": "invalid_input_format"})
		return
	}

	loc, err := h.locations.Create(c.Request.Context(), req)
	if err != nil {
		h.handleLocationError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": loc.ID, "address": loc.Address})
}

// ExportLocations выгружает все локации в xlsx (администратор)
// GET /api/admin/locations/export
func (h *LocationHandler) ExportLocations(c *gin.Context) {
	filename := fmt.Sprintf("locations_%s.xlsx", time.Now().Format("2006-01-02"))

	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", filename))

	if err := h.locations.ExportXLSX(c.Request.Context(), c.Writer); err != nil {
		log.Printf("[LocationHandler] Ошибка экспорта: %v", err)
		if !c.Writer.Written() {
			c.Header("Content-Disposition", "")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create Excel file"})
		}
	}
}

func (h *LocationHandler) handleLocationError(c *gin.Context, err error) {
	if errors.Is(err, apperrors.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Location not found", "error_type": "not_found"})
	} else if errors.Is(err, apperrors.ErrConflict) {
		c.JSON(http.StatusConflict, gin.H{"error": "A location with this address already exists", "error_type": "conflict"})
	} else if errors.Is(err, apperrors.ErrValidation) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "error_type": "invalid_input_format"})
	} else {
		log.Printf("ERROR: Internal server error in LocationHandler: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

func optionalBool(c *gin.Context, name string) (*bool, error) {
	raw, ok := c.GetQuery(name)
	if !ok || raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s", name)
	}
	return &v, nil
}

func optionalFloat(c *gin.Context, name string, limit float64) (*float64, error) {
	raw, ok := c.GetQuery(name)
	if !ok || raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < -limit || v > limit {
		return nil, fmt.Errorf("invalid %s", name)
	}
	return &v, nil
}
