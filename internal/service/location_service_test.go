package service

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/yourusername/candy-api/internal/domain/entity"
	apperrors "github.com/yourusername/candy-api/internal/pkg/errors"
)

func boolPtr(v bool) *bool        { return &v }
func floatPtr(v float64) *float64 { return &v }
func strPtr(v string) *string     { return &v }

func sampleLocations() []entity.Location {
	return []entity.Location{
		{ID: "b", Address: "20 Oak St", Latitude: 40.0, Longitude: -75.0, LocationType: entity.LocationTypeTable, HasCandy: false},
		{ID: "a", Address: "10 Elm St", Latitude: 40.5, Longitude: -75.0, LocationType: entity.LocationTypeHouse, HasCandy: true, HasActivity: true},
		{ID: "c", Address: "5 Main St", Latitude: 41.0, Longitude: -75.0, LocationType: entity.LocationTypeBusiness, HasCandy: true},
	}
}

func newLocationServiceNoCache(t *testing.T, repo *MockLocationRepository) *LocationService {
	t.Helper()
	svc, err := NewLocationService(repo, nil, 0)
	require.NoError(t, err)
	return svc
}

func ids(list []LocationSummary) []string {
	out := make([]string, 0, len(list))
	for _, l := range list {
		out = append(out, l.ID)
	}
	return out
}

func TestLocationService_ListParticipating_DefaultOrderByAddress(t *testing.T) {
	repo := new(MockLocationRepository)
	repo.On("ListParticipating", mock.Anything, entity.LocationFilter{}).Return(sampleLocations(), nil)

	svc := newLocationServiceNoCache(t, repo)
	list, err := svc.ListParticipating(context.Background(), ListQuery{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids(list))
}

func TestLocationService_ListParticipating_Filters(t *testing.T) {
	repo := new(MockLocationRepository)
	repo.On("ListParticipating", mock.Anything, entity.LocationFilter{}).Return(sampleLocations(), nil)
	svc := newLocationServiceNoCache(t, repo)

	list, err := svc.ListParticipating(context.Background(), ListQuery{HasCandy: boolPtr(true)})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, ids(list))

	list, err = svc.ListParticipating(context.Background(), ListQuery{HasActivity: boolPtr(true)})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(list))

	list, err = svc.ListParticipating(context.Background(), ListQuery{Search: "MAIN"})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, ids(list))
}

func TestLocationService_ListParticipating_OrderByDistance(t *testing.T) {
	repo := new(MockLocationRepository)
	repo.On("ListParticipating", mock.Anything, entity.LocationFilter{}).Return(sampleLocations(), nil)
	svc := newLocationServiceNoCache(t, repo)

	list, err := svc.ListParticipating(context.Background(), ListQuery{
		OrderBy: OrderByDistance,
		Lat:     floatPtr(41.0),
		Lng:     floatPtr(-75.0),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "b"}, ids(list))
	require.NotNil(t, list[0].DistanceKm)
	assert.InDelta(t, 0, *list[0].DistanceKm, 0.001)
	assert.InDelta(t, 55.6, *list[1].DistanceKm, 0.5)
}

func TestLocationService_ListParticipating_DistanceNeedsPosition(t *testing.T) {
	svc := newLocationServiceNoCache(t, new(MockLocationRepository))
	_, err := svc.ListParticipating(context.Background(), ListQuery{OrderBy: OrderByDistance})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestLocationService_ListParticipating_OrderByType(t *testing.T) {
	repo := new(MockLocationRepository)
	repo.On("ListParticipating", mock.Anything, entity.LocationFilter{}).Return(sampleLocations(), nil)
	svc := newLocationServiceNoCache(t, repo)

	list, err := svc.ListParticipating(context.Background(), ListQuery{OrderBy: OrderByType})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "b"}, ids(list))
}

func TestLocationService_ListParticipating_UsesCache(t *testing.T) {
	repo := new(MockLocationRepository)
	cache := new(MockCacheRepository)
	cached := []LocationSummary{{ID: "cached", Address: "1 Cached Rd"}}
	cache.On("GetJSON", mock.Anything, participatingCacheKey, mock.Anything).
		Return(func(dest interface{}) {
			*dest.(*[]LocationSummary) = cached
		}, nil)

	svc, err := NewLocationService(repo, cache, 0)
	require.NoError(t, err)

	list, err := svc.ListParticipating(context.Background(), ListQuery{})
	require.NoError(t, err)
	assert.Equal(t, []string{"cached"}, ids(list))
	repo.AssertNotCalled(t, "ListParticipating", mock.Anything, mock.Anything)
}

func TestLocationService_ListParticipating_FillsCacheOnMiss(t *testing.T) {
	repo := new(MockLocationRepository)
	cache := new(MockCacheRepository)
	repo.On("ListParticipating", mock.Anything, entity.LocationFilter{}).Return(sampleLocations(), nil)
	cache.On("GetJSON", mock.Anything, participatingCacheKey, mock.Anything).Return(nil, apperrors.ErrNotFound)
	cache.On("SetJSON", mock.Anything, participatingCacheKey, mock.Anything, defaultListCacheTTL).Return(nil)

	svc, err := NewLocationService(repo, cache, 0)
	require.NoError(t, err)

	list, err := svc.ListParticipating(context.Background(), ListQuery{})
	require.NoError(t, err)
	assert.Len(t, list, 3)
	cache.AssertCalled(t, "SetJSON", mock.Anything, participatingCacheKey, mock.Anything, defaultListCacheTTL)
}

func TestLocationService_ListParticipating_RepoError(t *testing.T) {
	repo := new(MockLocationRepository)
	repo.On("ListParticipating", mock.Anything, entity.LocationFilter{}).Return(nil, errors.New("db down"))
	svc := newLocationServiceNoCache(t, repo)

	_, err := svc.ListParticipating(context.Background(), ListQuery{})
	assert.Error(t, err)
}

func TestLocationService_GetDetails_OmitsSecrets(t *testing.T) {
	repo := new(MockLocationRepository)
	repo.On("GetByID", mock.Anything, "loc-1").Return(&entity.Location{
		ID:           "loc-1",
		Address:      "10 Elm St",
		LocationType: entity.LocationTypeHouse,
		Route:        "North",
		PhoneNumber:  strPtr("+15551234567"),
		Email:        strPtr("owner@example.com"),
	}, nil)
	svc := newLocationServiceNoCache(t, repo)

	details, err := svc.GetDetails(context.Background(), "loc-1")
	require.NoError(t, err)
	assert.Equal(t, &LocationDetails{ID: "loc-1", Address: "10 Elm St", LocationType: entity.LocationTypeHouse, Route: "North"}, details)
}

func TestLocationService_GetDetails_EmptyID(t *testing.T) {
	svc := newLocationServiceNoCache(t, new(MockLocationRepository))
	_, err := svc.GetDetails(context.Background(), " ")
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestLocationService_Create(t *testing.T) {
	repo := new(MockLocationRepository)
	cache := new(MockCacheRepository)
	repo.On("Create", mock.Anything, mock.MatchedBy(func(l *entity.Location) bool {
		return l.Address == "10 Elm St" && l.IsParticipating &&
			l.PhoneNumber != nil && *l.PhoneNumber == "+15551234567" && l.Email == nil
	})).Return(nil)
	cache.On("Delete", mock.Anything, []string{participatingCacheKey}).Return(nil)

	svc, err := NewLocationService(repo, cache, 0)
	require.NoError(t, err)

	loc, err := svc.Create(context.Background(), CreateLocationInput{
		Address:     "  10 Elm St ",
		Latitude:    40,
		Longitude:   -75,
		PhoneNumber: "+15551234567",
	})
	require.NoError(t, err)
	assert.Equal(t, "10 Elm St", loc.Address)
	cache.AssertExpectations(t)
}

func TestLocationService_Create_Conflict(t *testing.T) {
	repo := new(MockLocationRepository)
	repo.On("Create", mock.Anything, mock.Anything).Return(apperrors.ErrConflict)
	svc := newLocationServiceNoCache(t, repo)

	_, err := svc.Create(context.Background(), CreateLocationInput{Address: "10 Elm St"})
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestLocationRecordStore(t *testing.T) {
	repo := new(MockLocationRepository)
	cache := new(MockCacheRepository)
	repo.On("GetSecretFields", mock.Anything, "loc-1").Return("+15551234567", "owner@example.com", nil)
	repo.On("GetHasCandy", mock.Anything, "loc-1").Return(true, nil)
	repo.On("UpdateHasCandy", mock.Anything, "loc-1", false).Return(nil)
	repo.On("UpdateHasCandy", mock.Anything, "missing", true).Return(apperrors.ErrNotFound)
	cache.On("Delete", mock.Anything, []string{participatingCacheKey}).Return(nil).Once()

	locations, err := NewLocationService(repo, cache, 0)
	require.NoError(t, err)
	store, err := NewLocationRecordStore(repo, locations)
	require.NoError(t, err)

	secrets, err := store.SecretFields(context.Background(), "loc-1")
	require.NoError(t, err)
	assert.Equal(t, "loc-1", secrets.LocationID)
	assert.Equal(t, "+15551234567", secrets.PhoneNumber)
	assert.Equal(t, "owner@example.com", secrets.Email)

	flag, err := store.Flag(context.Background(), "loc-1")
	require.NoError(t, err)
	assert.True(t, flag)

	require.NoError(t, store.SetFlag(context.Background(), "loc-1", false))
	assert.ErrorIs(t, store.SetFlag(context.Background(), "missing", true), apperrors.ErrNotFound)
	cache.AssertExpectations(t)
}

func TestHaversineKm(t *testing.T) {
	assert.InDelta(t, 0, haversineKm(40, -75, 40, -75), 1e-9)
	// один градус широты примерно 111.2 км
	assert.InDelta(t, 111.2, haversineKm(0, 0, 1, 0), 0.1)
}

func TestLocationService_ExportXLSX(t *testing.T) {
	repo := new(MockLocationRepository)
	repo.On("ListAll", mock.Anything).Return([]entity.Location{
		{ID: "loc-1", Address: "=HYPERLINK(\"http://evil\")", HasCandy: true, PhoneNumber: strPtr("+15551234567"), Email: strPtr("owner@example.com")},
		{ID: "loc-2", Address: "20 Oak St"},
	}, nil)
	svc := newLocationServiceNoCache(t, repo)

	var buf bytes.Buffer
	require.NoError(t, svc.ExportXLSX(context.Background(), &buf))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows("Locations")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "ID", rows[0][0])
	assert.Equal(t, "loc-1", rows[1][0])
	assert.Equal(t, "'=HYPERLINK(\"http://evil\")", rows[1][1])
	assert.Equal(t, "Yes", rows[1][8])
	assert.Equal(t, "+15551234567", rows[1][11])
	assert.Equal(t, "owner@example.com", rows[1][12])
	assert.Equal(t, "20 Oak St", rows[2][1])
}

func TestLocationService_ExportXLSX_RepoError(t *testing.T) {
	repo := new(MockLocationRepository)
	repo.On("ListAll", mock.Anything).Return(nil, errors.New("db down"))
	svc := newLocationServiceNoCache(t, repo)

	var buf bytes.Buffer
	assert.Error(t, svc.ExportXLSX(context.Background(), &buf))
	assert.Zero(t, buf.Len())
}

func TestSanitizeForExcel(t *testing.T) {
	assert.Equal(t, "'=1+1", sanitizeForExcel("=1+1"))
	assert.Equal(t, "'@cmd", sanitizeForExcel("@cmd"))
	assert.Equal(t, "10 Elm St", sanitizeForExcel("10 Elm St"))
	assert.Equal(t, "", sanitizeForExcel(""))
}
