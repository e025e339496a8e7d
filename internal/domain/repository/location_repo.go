package repository

import (
	"context"

	"github.com/yourusername/candy-api/internal/domain/entity"
)

// LocationRepository определяет методы для работы с локациями
type LocationRepository interface {
	Create(ctx context.Context, location *entity.Location) error
	GetByID(ctx context.Context, id string) (*entity.Location, error)
	// GetSecretFields возвращает только телефон и email локации
	GetSecretFields(ctx context.Context, id string) (phone, email string, err error)
	GetHasCandy(ctx context.Context, id string) (bool, error)
	UpdateHasCandy(ctx context.Context, id string, value bool) error
	ListParticipating(ctx context.Context, filter entity.LocationFilter) ([]entity.Location, error)
	ListAll(ctx context.Context) ([]entity.Location, error)
}
