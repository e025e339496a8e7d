package claim

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"
)

// ============================================================================
// Моки для тестирования claim-потока
// ============================================================================

// MockRecordStore реализует RecordStore
type MockRecordStore struct {
	mock.Mock
}

func (m *MockRecordStore) SecretFields(ctx context.Context, locationID string) (LocationClaim, error) {
	args := m.Called(ctx, locationID)
	return args.Get(0).(LocationClaim), args.Error(1)
}

func (m *MockRecordStore) Flag(ctx context.Context, locationID string) (bool, error) {
	args := m.Called(ctx, locationID)
	return args.Bool(0), args.Error(1)
}

func (m *MockRecordStore) SetFlag(ctx context.Context, locationID string, value bool) error {
	args := m.Called(ctx, locationID, value)
	return args.Error(0)
}

// MockIdentityProvider реализует IdentityProvider
type MockIdentityProvider struct {
	mock.Mock
}

func (m *MockIdentityProvider) RequestOTP(ctx context.Context, channel Channel, address string) error {
	args := m.Called(ctx, channel, address)
	return args.Error(0)
}

func (m *MockIdentityProvider) VerifyOTP(ctx context.Context, tokenType TokenType, address, code string) (*Session, error) {
	args := m.Called(ctx, tokenType, address, code)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Session), args.Error(1)
}

func (m *MockIdentityProvider) CurrentSession(ctx context.Context) (*Session, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Session), args.Error(1)
}

func (m *MockIdentityProvider) SignOut(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// fakeIdentity - провайдер с переключаемой сессией для тестов ожидания ссылки
type fakeIdentity struct {
	mu       sync.Mutex
	session  *Session
	queries  int
	sendErr  map[Channel]error
	requests []Channel
	// onRequest вызывается после записи запроса, вне блокировки
	onRequest func(Channel)
}

func newFakeIdentity() *fakeIdentity {
	return &fakeIdentity{sendErr: make(map[Channel]error)}
}

func (f *fakeIdentity) RequestOTP(_ context.Context, channel Channel, _ string) error {
	f.mu.Lock()
	f.requests = append(f.requests, channel)
	err := f.sendErr[channel]
	hook := f.onRequest
	f.mu.Unlock()
	if hook != nil {
		hook(channel)
	}
	return err
}

func (f *fakeIdentity) VerifyOTP(context.Context, TokenType, string, string) (*Session, error) {
	return nil, nil
}

func (f *fakeIdentity) CurrentSession(context.Context) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	return f.session, nil
}

func (f *fakeIdentity) SignOut(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.session = nil
	return nil
}

func (f *fakeIdentity) setSession(s *Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.session = s
}

func (f *fakeIdentity) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}

// manualClock - управляемые часы для проверки cooldown
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (f *fakeIdentity) setSendErr(channel Channel, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr[channel] = err
}

func (f *fakeIdentity) requestCount(channel Channel) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.requests {
		if c == channel {
			n++
		}
	}
	return n
}
