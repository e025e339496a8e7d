package service

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/yourusername/candy-api/internal/domain/entity"
	"github.com/yourusername/candy-api/internal/identity"
)

// MockLocationRepository реализует repository.LocationRepository
type MockLocationRepository struct {
	mock.Mock
}

func (m *MockLocationRepository) Create(ctx context.Context, location *entity.Location) error {
	args := m.Called(ctx, location)
	return args.Error(0)
}

func (m *MockLocationRepository) GetByID(ctx context.Context, id string) (*entity.Location, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entity.Location), args.Error(1)
}

func (m *MockLocationRepository) GetSecretFields(ctx context.Context, id string) (string, string, error) {
	args := m.Called(ctx, id)
	return args.String(0), args.String(1), args.Error(2)
}

func (m *MockLocationRepository) GetHasCandy(ctx context.Context, id string) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *MockLocationRepository) UpdateHasCandy(ctx context.Context, id string, value bool) error {
	args := m.Called(ctx, id, value)
	return args.Error(0)
}

func (m *MockLocationRepository) ListParticipating(ctx context.Context, filter entity.LocationFilter) ([]entity.Location, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]entity.Location), args.Error(1)
}

func (m *MockLocationRepository) ListAll(ctx context.Context) ([]entity.Location, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]entity.Location), args.Error(1)
}

// MockCacheRepository реализует repository.CacheRepository
type MockCacheRepository struct {
	mock.Mock
}

func (m *MockCacheRepository) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	args := m.Called(ctx, key, value, expiration)
	return args.Error(0)
}

func (m *MockCacheRepository) Get(ctx context.Context, key string) (string, error) {
	args := m.Called(ctx, key)
	return args.String(0), args.Error(1)
}

func (m *MockCacheRepository) Delete(ctx context.Context, keys ...string) error {
	args := m.Called(ctx, keys)
	return args.Error(0)
}

func (m *MockCacheRepository) SetJSON(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	args := m.Called(ctx, key, value, expiration)
	return args.Error(0)
}

func (m *MockCacheRepository) GetJSON(ctx context.Context, key string, dest interface{}) error {
	args := m.Called(ctx, key, dest)
	if fill, ok := args.Get(0).(func(dest interface{})); ok {
		fill(dest)
		return nil
	}
	return args.Error(1)
}

func (m *MockCacheRepository) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	args := m.Called(ctx, key, value, expiration)
	return args.Bool(0), args.Error(1)
}

func (m *MockCacheRepository) TTL(ctx context.Context, key string) (time.Duration, error) {
	args := m.Called(ctx, key)
	return args.Get(0).(time.Duration), args.Error(1)
}

// MockIdentityBackend реализует IdentityBackend
type MockIdentityBackend struct {
	mock.Mock
}

func (m *MockIdentityBackend) SendPhoneCode(ctx context.Context, visitorID, phone string) error {
	args := m.Called(ctx, visitorID, phone)
	return args.Error(0)
}

func (m *MockIdentityBackend) SendEmailLink(ctx context.Context, visitorID, email string) error {
	args := m.Called(ctx, visitorID, email)
	return args.Error(0)
}

func (m *MockIdentityBackend) VerifyCode(ctx context.Context, visitorID string, tokenType identity.TokenType, address, code string) (*identity.Session, error) {
	args := m.Called(ctx, visitorID, tokenType, address, code)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*identity.Session), args.Error(1)
}

func (m *MockIdentityBackend) CurrentSession(ctx context.Context, visitorID string) (*identity.Session, error) {
	args := m.Called(ctx, visitorID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*identity.Session), args.Error(1)
}

func (m *MockIdentityBackend) SignOut(ctx context.Context, visitorID string) error {
	args := m.Called(ctx, visitorID)
	return args.Error(0)
}
