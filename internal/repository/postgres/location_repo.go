package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"gorm.io/gorm"

	"github.com/yourusername/candy-api/internal/domain/entity"
	apperrors "github.com/yourusername/candy-api/internal/pkg/errors"
)

// LocationRepo реализует repository.LocationRepository
type LocationRepo struct {
	db *gorm.DB
}

// NewLocationRepo создает новый репозиторий локаций
func NewLocationRepo(db *gorm.DB) *LocationRepo {
	return &LocationRepo{db: db}
}

// Create создает новую локацию. Повторный адрес возвращает ErrConflict.
func (r *LocationRepo) Create(ctx context.Context, location *entity.Location) error {
	if err := r.db.WithContext(ctx).Create(location).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: address %q already registered", apperrors.ErrConflict, location.Address)
		}
		return fmt.Errorf("create location failed: %w", err)
	}
	return nil
}

// GetByID возвращает локацию по ID
func (r *LocationRepo) GetByID(ctx context.Context, id string) (*entity.Location, error) {
	var location entity.Location
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&location).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, err
	}
	return &location, nil
}

// GetSecretFields читает только phone_number и email
func (r *LocationRepo) GetSecretFields(ctx context.Context, id string) (string, string, error) {
	var row struct {
		PhoneNumber *string
		Email       *string
	}
	result := r.db.WithContext(ctx).Model(&entity.Location{}).
		Select("phone_number", "email").
		Where("id = ?", id).
		Limit(1).
		Scan(&row)
	if result.Error != nil {
		return "", "", result.Error
	}
	if result.RowsAffected == 0 {
		return "", "", apperrors.ErrNotFound
	}

	var phone, email string
	if row.PhoneNumber != nil {
		phone = *row.PhoneNumber
	}
	if row.Email != nil {
		email = *row.Email
	}
	return phone, email, nil
}

// GetHasCandy читает флаг has_candy
func (r *LocationRepo) GetHasCandy(ctx context.Context, id string) (bool, error) {
	var hasCandy []bool
	err := r.db.WithContext(ctx).Model(&entity.Location{}).
		Where("id = ?", id).
		Limit(1).
		Pluck("has_candy", &hasCandy).Error
	if err != nil {
		return false, err
	}
	if len(hasCandy) == 0 {
		return false, apperrors.ErrNotFound
	}
	return hasCandy[0], nil
}

// UpdateHasCandy точечно обновляет has_candy без полного Save
func (r *LocationRepo) UpdateHasCandy(ctx context.Context, id string, value bool) error {
	result := r.db.WithContext(ctx).Model(&entity.Location{}).
		Where("id = ?", id).
		Update("has_candy", value)
	if result.Error != nil {
		return fmt.Errorf("update has_candy for location %s failed: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

// ListParticipating возвращает участвующие локации с фильтрами, отсортированные по адресу
func (r *LocationRepo) ListParticipating(ctx context.Context, filter entity.LocationFilter) ([]entity.Location, error) {
	var locations []entity.Location

	query := r.db.WithContext(ctx).
		Omit("phone_number", "email").
		Where("is_participating = ?", true)
	if search := strings.TrimSpace(filter.Search); search != "" {
		query = query.Where("address ILIKE ?", "%"+escapeLike(search)+"%")
	}
	if filter.HasCandy != nil {
		query = query.Where("has_candy = ?", *filter.HasCandy)
	}
	if filter.HasActivity != nil {
		query = query.Where("has_activity = ?", *filter.HasActivity)
	}

	err := query.Order("address ASC").Find(&locations).Error
	return locations, err
}

// ListAll возвращает все локации (для админской выгрузки)
func (r *LocationRepo) ListAll(ctx context.Context) ([]entity.Location, error) {
	var locations []entity.Location
	err := r.db.WithContext(ctx).Order("created_at ASC, id ASC").Find(&locations).Error
	return locations, err
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// isUniqueViolation проверяет Postgres unique violation (23505) для pgconn и lib/pq драйверов
func isUniqueViolation(err error) bool {
	// pgx/v5 driver (pgconn.PgError)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}
	// lib/pq driver
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return true
	}
	return false
}
