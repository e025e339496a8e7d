package service

import (
	"context"
	"fmt"

	"github.com/yourusername/candy-api/internal/claim"
	"github.com/yourusername/candy-api/internal/domain/repository"
)

// LocationRecordStore реализует claim.RecordStore поверх репозитория локаций
type LocationRecordStore struct {
	repo      repository.LocationRepository
	locations *LocationService
}

// NewLocationRecordStore создает хранилище записей для claim-потоков.
// locations используется для сброса кеша списка после изменения флага и может быть nil.
func NewLocationRecordStore(repo repository.LocationRepository, locations *LocationService) (*LocationRecordStore, error) {
	if repo == nil {
		return nil, fmt.Errorf("location repository is required")
	}
	return &LocationRecordStore{repo: repo, locations: locations}, nil
}

// SecretFields читает телефон и email локации
func (s *LocationRecordStore) SecretFields(ctx context.Context, locationID string) (claim.LocationClaim, error) {
	phone, email, err := s.repo.GetSecretFields(ctx, locationID)
	if err != nil {
		return claim.LocationClaim{}, err
	}
	return claim.LocationClaim{LocationID: locationID, PhoneNumber: phone, Email: email}, nil
}

// Flag читает has_candy
func (s *LocationRecordStore) Flag(ctx context.Context, locationID string) (bool, error) {
	return s.repo.GetHasCandy(ctx, locationID)
}

// SetFlag меняет has_candy и сбрасывает кеш публичного списка
func (s *LocationRecordStore) SetFlag(ctx context.Context, locationID string, value bool) error {
	if err := s.repo.UpdateHasCandy(ctx, locationID, value); err != nil {
		return err
	}
	if s.locations != nil {
		s.locations.InvalidateList(ctx)
	}
	return nil
}
