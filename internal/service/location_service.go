package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/yourusername/candy-api/internal/domain/entity"
	"github.com/yourusername/candy-api/internal/domain/repository"
	apperrors "github.com/yourusername/candy-api/internal/pkg/errors"
)

const (
	participatingCacheKey = "locations:participating"
	defaultListCacheTTL   = 30 * time.Second
	earthRadiusKm         = 6371.0
)

// Порядок сортировки списка локаций
const (
	OrderByAddress  = "address"
	OrderByType     = "type"
	OrderByDistance = "distance"
)

// ListQuery - фильтры и сортировка публичного списка
type ListQuery struct {
	Search      string
	HasCandy    *bool
	HasActivity *bool
	OrderBy     string
	// Lat/Lng - позиция посетителя; обязательны для сортировки по расстоянию
	Lat *float64
	Lng *float64
}

// LocationSummary - локация в публичном списке (без телефона и email)
type LocationSummary struct {
	ID              string   `json:"id"`
	Latitude        float64  `json:"latitude"`
	Longitude       float64  `json:"longitude"`
	Address         string   `json:"address"`
	IsStart         bool     `json:"is_start"`
	HasCandy        bool     `json:"has_candy"`
	LocationType    string   `json:"location_type"`
	Route           string   `json:"route"`
	HasActivity     bool     `json:"has_activity"`
	ActivityDetails string   `json:"activity_details,omitempty"`
	DistanceKm      *float64 `json:"distance_km,omitempty"`
}

// LocationDetails - данные для страницы настройки локации
type LocationDetails struct {
	ID           string `json:"id"`
	Address      string `json:"address"`
	LocationType string `json:"location_type"`
	Route        string `json:"route"`
}

// CreateLocationInput - данные для создания локации администратором
type CreateLocationInput struct {
	Latitude        float64 `json:"latitude" binding:"min=-90,max=90"`
	Longitude       float64 `json:"longitude" binding:"min=-180,max=180"`
	Address         string  `json:"address" binding:"required,max=255"`
	IsStart         bool    `json:"is_start"`
	IsParticipating *bool   `json:"is_participating"`
	LocationType    string  `json:"location_type" binding:"max=50"`
	Route           string  `json:"route" binding:"max=100"`
	PhoneNumber     string  `json:"phone_number" binding:"max=32"`
	Email           string  `json:"email" binding:"omitempty,email,max=255"`
	HasActivity     bool    `json:"has_activity"`
	ActivityDetails string  `json:"activity_details"`
}

// LocationService отвечает за публичный список локаций и админские операции
type LocationService struct {
	repo     repository.LocationRepository
	cache    repository.CacheRepository
	cacheTTL time.Duration
}

// NewLocationService создает сервис локаций. cache может быть nil - тогда список не кешируется.
func NewLocationService(repo repository.LocationRepository, cache repository.CacheRepository, cacheTTL time.Duration) (*LocationService, error) {
	if repo == nil {
		return nil, fmt.Errorf("location repository is required")
	}
	if cacheTTL <= 0 {
		cacheTTL = defaultListCacheTTL
	}
	return &LocationService{repo: repo, cache: cache, cacheTTL: cacheTTL}, nil
}

// ListParticipating возвращает участвующие локации с фильтрами и сортировкой
func (s *LocationService) ListParticipating(ctx context.Context, q ListQuery) ([]LocationSummary, error) {
	if q.OrderBy == OrderByDistance && (q.Lat == nil || q.Lng == nil) {
		return nil, fmt.Errorf("%w: lat and lng are required to order by distance", apperrors.ErrValidation)
	}

	all, err := s.loadParticipating(ctx)
	if err != nil {
		return nil, err
	}

	search := strings.ToLower(strings.TrimSpace(q.Search))
	result := make([]LocationSummary, 0, len(all))
	for _, loc := range all {
		if search != "" && !strings.Contains(strings.ToLower(loc.Address), search) {
			continue
		}
		if q.HasCandy != nil && loc.HasCandy != *q.HasCandy {
			continue
		}
		if q.HasActivity != nil && loc.HasActivity != *q.HasActivity {
			continue
		}
		if q.Lat != nil && q.Lng != nil {
			d := haversineKm(*q.Lat, *q.Lng, loc.Latitude, loc.Longitude)
			loc.DistanceKm = &d
		}
		result = append(result, loc)
	}

	switch q.OrderBy {
	case OrderByType:
		sort.SliceStable(result, func(i, j int) bool {
			if result[i].LocationType != result[j].LocationType {
				return result[i].LocationType < result[j].LocationType
			}
			return result[i].Address < result[j].Address
		})
	case OrderByDistance:
		sort.SliceStable(result, func(i, j int) bool {
			return *result[i].DistanceKm < *result[j].DistanceKm
		})
	default:
		sort.SliceStable(result, func(i, j int) bool {
			return result[i].Address < result[j].Address
		})
	}
	return result, nil
}

func (s *LocationService) loadParticipating(ctx context.Context) ([]LocationSummary, error) {
	if s.cache != nil {
		var cached []LocationSummary
		err := s.cache.GetJSON(ctx, participatingCacheKey, &cached)
		if err == nil {
			return cached, nil
		}
		if !errors.Is(err, apperrors.ErrNotFound) {
			log.Printf("[LocationService] Ошибка чтения кеша списка: %v", err)
		}
	}

	locations, err := s.repo.ListParticipating(ctx, entity.LocationFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list locations: %w", err)
	}
	summaries := make([]LocationSummary, 0, len(locations))
	for i := range locations {
		summaries = append(summaries, toSummary(&locations[i]))
	}

	if s.cache != nil {
		if err := s.cache.SetJSON(ctx, participatingCacheKey, summaries, s.cacheTTL); err != nil {
			log.Printf("[LocationService] Ошибка записи кеша списка: %v", err)
		}
	}
	return summaries, nil
}

// InvalidateList сбрасывает кеш публичного списка
func (s *LocationService) InvalidateList(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, participatingCacheKey); err != nil {
		log.Printf("[LocationService] Ошибка сброса кеша списка: %v", err)
	}
}

// GetDetails возвращает адрес, тип и маршрут локации. Телефон и email не отдаются.
func (s *LocationService) GetDetails(ctx context.Context, id string) (*LocationDetails, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: location id is required", apperrors.ErrValidation)
	}
	loc, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &LocationDetails{
		ID:           loc.ID,
		Address:      loc.Address,
		LocationType: loc.LocationType,
		Route:        loc.Route,
	}, nil
}

// Create создает локацию
func (s *LocationService) Create(ctx context.Context, in CreateLocationInput) (*entity.Location, error) {
	address := strings.TrimSpace(in.Address)
	if address == "" {
		return nil, fmt.Errorf("%w: address is required", apperrors.ErrValidation)
	}

	loc := &entity.Location{
		Latitude:        in.Latitude,
		Longitude:       in.Longitude,
		Address:         address,
		IsStart:         in.IsStart,
		IsParticipating: true,
		LocationType:    strings.TrimSpace(in.LocationType),
		Route:           strings.TrimSpace(in.Route),
		HasActivity:     in.HasActivity,
		ActivityDetails: strings.TrimSpace(in.ActivityDetails),
	}
	if in.IsParticipating != nil {
		loc.IsParticipating = *in.IsParticipating
	}
	if phone := strings.TrimSpace(in.PhoneNumber); phone != "" {
		loc.PhoneNumber = &phone
	}
	if email := strings.TrimSpace(in.Email); email != "" {
		loc.Email = &email
	}

	if err := s.repo.Create(ctx, loc); err != nil {
		return nil, err
	}
	s.InvalidateList(ctx)
	log.Printf("[LocationService] Создана локация %s (%s)", loc.ID, loc.Address)
	return loc, nil
}

// ListAll возвращает все локации вместе с контактами (только для администраторов)
func (s *LocationService) ListAll(ctx context.Context) ([]entity.Location, error) {
	return s.repo.ListAll(ctx)
}

// ExportXLSX пишет все локации (с контактами) в xlsx-файл
func (s *LocationService) ExportXLSX(ctx context.Context, w io.Writer) error {
	locations, err := s.repo.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load locations for export: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	sheetName := "Locations"
	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return fmt.Errorf("failed to rename sheet: %w", err)
	}

	// StreamWriter держит в памяти только текущую строку
	sw, err := f.NewStreamWriter(sheetName)
	if err != nil {
		return fmt.Errorf("failed to create stream writer: %w", err)
	}

	headers := []interface{}{"ID", "Address", "Latitude", "Longitude", "Type", "Route", "Start", "Participating", "Has candy", "Has activity", "Activity details", "Phone", "Email", "Created at"}
	if err := sw.SetRow("A1", headers); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for i := range locations {
		l := &locations[i]
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := []interface{}{
			l.ID,
			sanitizeForExcel(l.Address),
			l.Latitude,
			l.Longitude,
			sanitizeForExcel(l.LocationType),
			sanitizeForExcel(l.Route),
			yesNo(l.IsStart),
			yesNo(l.IsParticipating),
			yesNo(l.HasCandy),
			yesNo(l.HasActivity),
			sanitizeForExcel(l.ActivityDetails),
			// телефон пишется строковой ячейкой и формулой не станет; "+" сохраняем
			l.Phone(),
			sanitizeForExcel(l.EmailAddress()),
			l.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := sw.SetRow(cell, row); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}

	if err := sw.Flush(); err != nil {
		return fmt.Errorf("failed to flush xlsx stream: %w", err)
	}
	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write xlsx: %w", err)
	}
	log.Printf("[LocationService] Экспортировано локаций: %d", len(locations))
	return nil
}

// sanitizeForExcel экранирует данные для защиты от formula injection в Excel/CSV
func sanitizeForExcel(s string) string {
	if len(s) == 0 {
		return s
	}
	// Символы, начинающие формулу в Excel/LibreOffice: = + - @ \t \r
	if s[0] == '=' || s[0] == '+' || s[0] == '-' || s[0] == '@' || s[0] == '\t' || s[0] == '\r' {
		return "'" + s
	}
	return s
}

func yesNo(v bool) string {
	if v {
		return "Yes"
	}
	return "No"
}

func toSummary(l *entity.Location) LocationSummary {
	return LocationSummary{
		ID:              l.ID,
		Latitude:        l.Latitude,
		Longitude:       l.Longitude,
		Address:         l.Address,
		IsStart:         l.IsStart,
		HasCandy:        l.HasCandy,
		LocationType:    l.LocationType,
		Route:           l.Route,
		HasActivity:     l.HasActivity,
		ActivityDetails: l.ActivityDetails,
	}
}

// haversineKm - расстояние по большому кругу между двумя точками
func haversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
