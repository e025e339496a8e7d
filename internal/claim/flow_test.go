package claim

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	testLocationID = "L1"
	testRawPhone   = "0821234567"
	testE164Phone  = "+27821234567"
	testEmail      = "owner@example.com"
)

func newTestGate(t *testing.T, store RecordStore, policy PhoneMatchPolicy) *Gate {
	t.Helper()
	g, err := NewGate(store, policy, DefaultCountryCode)
	require.NoError(t, err)
	return g
}

// newMockFlow создает поток на моках; сессии при открытии нет
func newMockFlow(t *testing.T, store *MockRecordStore, idp *MockIdentityProvider, clock *manualClock, policy PhoneMatchPolicy) *Flow {
	t.Helper()
	idp.On("CurrentSession", mock.Anything).Return(nil, nil).Once()

	cfg := Config{
		PollInterval:  time.Hour,
		MagicLinkWait: time.Hour,
	}
	if clock != nil {
		cfg.Now = clock.Now
	}
	f, err := NewFlow(context.Background(), "flow-1", testLocationID, store, idp, newTestGate(t, store, policy), cfg)
	require.NoError(t, err)
	t.Cleanup(f.Close)
	return f
}

func TestNewFlow_MissingLocationID(t *testing.T) {
	store := new(MockRecordStore)
	idp := new(MockIdentityProvider)

	_, err := NewFlow(context.Background(), "flow-1", "", store, idp, newTestGate(t, store, PhoneMatchStrict), Config{})
	assert.True(t, IsType(err, InvalidInputFormat))
	idp.AssertNotCalled(t, "CurrentSession", mock.Anything)
}

func TestNewFlow_RestoresPreviousSession(t *testing.T) {
	store := new(MockRecordStore)
	idp := new(MockIdentityProvider)
	store.On("SecretFields", mock.Anything, testLocationID).
		Return(LocationClaim{LocationID: testLocationID, PhoneNumber: testRawPhone, Email: testEmail}, nil)
	idp.On("CurrentSession", mock.Anything).Return(&Session{Email: testEmail}, nil)

	f, err := NewFlow(context.Background(), "flow-1", testLocationID, store, idp,
		newTestGate(t, store, PhoneMatchStrict), Config{})
	require.NoError(t, err)
	defer f.Close()

	snap := f.Snapshot()
	assert.Equal(t, Authenticated, snap.State)
	require.NotNil(t, snap.Authorized)
	assert.True(t, *snap.Authorized)
	assert.Equal(t, ChannelEmail, snap.AuthorizedVia)
}

func TestNewFlow_RestoredSessionForAnotherLocationDenied(t *testing.T) {
	store := new(MockRecordStore)
	idp := new(MockIdentityProvider)
	store.On("SecretFields", mock.Anything, testLocationID).
		Return(LocationClaim{LocationID: testLocationID, PhoneNumber: testRawPhone, Email: testEmail}, nil)
	idp.On("CurrentSession", mock.Anything).Return(&Session{Email: "someone@else.com"}, nil)

	f, err := NewFlow(context.Background(), "flow-1", testLocationID, store, idp,
		newTestGate(t, store, PhoneMatchStrict), Config{})
	require.NoError(t, err)
	defer f.Close()

	snap := f.Snapshot()
	assert.Equal(t, Authenticated, snap.State)
	require.NotNil(t, snap.Authorized)
	assert.False(t, *snap.Authorized)
	assert.Equal(t, PermissionDenied, snap.ErrorType)
}

func TestSubmitSuffix_InvalidFormat_NoNetwork(t *testing.T) {
	for _, suffix := range []string{"", "123", "12345", "12a4", " 123"} {
		store := new(MockRecordStore)
		idp := new(MockIdentityProvider)
		f := newMockFlow(t, store, idp, nil, PhoneMatchStrict)

		_, err := f.SubmitSuffix(context.Background(), suffix)
		assert.True(t, IsType(err, InvalidInputFormat), "suffix %q", suffix)
		store.AssertNotCalled(t, "SecretFields", mock.Anything, mock.Anything)
		idp.AssertNotCalled(t, "RequestOTP", mock.Anything, mock.Anything, mock.Anything)
	}
}

func TestSubmitSuffix_RejectsNonMatchingSuffix(t *testing.T) {
	for i := 0; i < 10000; i += 997 {
		suffix := fmt.Sprintf("%04d", i)

		store := new(MockRecordStore)
		idp := new(MockIdentityProvider)
		store.On("SecretFields", mock.Anything, testLocationID).
			Return(LocationClaim{LocationID: testLocationID, PhoneNumber: testRawPhone}, nil)
		f := newMockFlow(t, store, idp, nil, PhoneMatchStrict)

		attempt, err := f.SubmitSuffix(context.Background(), suffix)
		require.Error(t, err)
		assert.True(t, IsType(err, ChallengeRejected))
		assert.Equal(t, OutcomeRejectedSuffix, attempt.Outcome)
		assert.Equal(t, "Invalid code", err.(*Error).Message)
		idp.AssertNotCalled(t, "RequestOTP", mock.Anything, mock.Anything, mock.Anything)
	}
}

func TestSubmitSuffix_PhoneCooldown(t *testing.T) {
	store := new(MockRecordStore)
	idp := new(MockIdentityProvider)
	clock := newManualClock()
	store.On("SecretFields", mock.Anything, testLocationID).
		Return(LocationClaim{LocationID: testLocationID, PhoneNumber: testRawPhone}, nil)
	idp.On("RequestOTP", mock.Anything, ChannelPhone, testE164Phone).Return(nil)

	f := newMockFlow(t, store, idp, clock, PhoneMatchStrict)
	ctx := context.Background()

	attempt, err := f.SubmitSuffix(ctx, "4567")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSentOtp, attempt.Outcome)
	assert.Equal(t, ChannelPhone, attempt.ChannelTried)
	assert.Equal(t, AwaitingOtpCode, f.State())

	clock.Advance(30 * time.Second)
	attempt, err = f.SubmitSuffix(ctx, "4567")
	var claimErr *Error
	require.ErrorAs(t, err, &claimErr)
	assert.Equal(t, RateLimited, claimErr.Type)
	assert.Equal(t, 30, claimErr.RetryAfterSeconds())
	assert.Equal(t, OutcomeRejectedRateLimited, attempt.Outcome)
	assert.Equal(t, 30, f.Snapshot().CooldownRemainingSec)
	idp.AssertNumberOfCalls(t, "RequestOTP", 1)
	store.AssertNumberOfCalls(t, "SecretFields", 1)

	clock.Advance(30 * time.Second)
	attempt, err = f.SubmitSuffix(ctx, "4567")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSentOtp, attempt.Outcome)
	idp.AssertNumberOfCalls(t, "RequestOTP", 2)
}

func TestSubmitSuffix_FallbackToEmail(t *testing.T) {
	store := new(MockRecordStore)
	idp := new(MockIdentityProvider)
	store.On("SecretFields", mock.Anything, testLocationID).
		Return(LocationClaim{LocationID: testLocationID, PhoneNumber: testRawPhone, Email: testEmail}, nil)
	idp.On("RequestOTP", mock.Anything, ChannelPhone, testE164Phone).Return(errors.New("sms gateway down"))
	idp.On("RequestOTP", mock.Anything, ChannelEmail, testEmail).Return(nil)

	f := newMockFlow(t, store, idp, nil, PhoneMatchStrict)

	attempt, err := f.SubmitSuffix(context.Background(), "4567")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSentMagicLink, attempt.Outcome)
	assert.Equal(t, ChannelEmail, attempt.ChannelTried)
	assert.NotNil(t, attempt.DispatchedAt)
	assert.Equal(t, AwaitingMagicLink, f.State())
	idp.AssertNumberOfCalls(t, "RequestOTP", 2)

	snap := f.Snapshot()
	assert.NotNil(t, snap.MagicLinkDeadline)
	// Неудачная отправка на телефон не запускает cooldown
	assert.Equal(t, 0, snap.CooldownRemainingSec)
}

func TestSubmitSuffix_NoChannelAvailable(t *testing.T) {
	store := new(MockRecordStore)
	idp := new(MockIdentityProvider)
	store.On("SecretFields", mock.Anything, testLocationID).
		Return(LocationClaim{LocationID: testLocationID, PhoneNumber: testRawPhone}, nil)
	idp.On("RequestOTP", mock.Anything, ChannelPhone, testE164Phone).Return(errors.New("sms gateway down"))

	f := newMockFlow(t, store, idp, nil, PhoneMatchStrict)

	attempt, err := f.SubmitSuffix(context.Background(), "4567")
	assert.True(t, IsType(err, NoChannelAvailable))
	assert.Equal(t, OutcomeFailed, attempt.Outcome)
	assert.Equal(t, AwaitingSuffix, f.State())
	idp.AssertNumberOfCalls(t, "RequestOTP", 1)
	idp.AssertNotCalled(t, "RequestOTP", mock.Anything, ChannelEmail, mock.Anything)
}

func TestSubmitSuffix_EmailRateLimited(t *testing.T) {
	store := new(MockRecordStore)
	idp := new(MockIdentityProvider)
	store.On("SecretFields", mock.Anything, testLocationID).
		Return(LocationClaim{LocationID: testLocationID, PhoneNumber: testRawPhone, Email: testEmail}, nil)
	idp.On("RequestOTP", mock.Anything, ChannelPhone, testE164Phone).Return(errors.New("sms gateway down"))
	idp.On("RequestOTP", mock.Anything, ChannelEmail, testEmail).
		Return(fmt.Errorf("resend: %w", ErrProviderRateLimited))

	f := newMockFlow(t, store, idp, nil, PhoneMatchStrict)

	_, err := f.SubmitSuffix(context.Background(), "4567")
	var claimErr *Error
	require.ErrorAs(t, err, &claimErr)
	assert.Equal(t, EmailRateLimited, claimErr.Type)
	assert.Contains(t, claimErr.Message, "try again later")
	assert.Equal(t, AwaitingSuffix, f.State())
}

func TestSubmitSuffix_RecordLookupFailed(t *testing.T) {
	store := new(MockRecordStore)
	idp := new(MockIdentityProvider)
	store.On("SecretFields", mock.Anything, testLocationID).Return(LocationClaim{}, errors.New("record not found"))

	f := newMockFlow(t, store, idp, nil, PhoneMatchStrict)

	_, err := f.SubmitSuffix(context.Background(), "4567")
	assert.True(t, IsType(err, RecordLookupFailed))
	idp.AssertNotCalled(t, "RequestOTP", mock.Anything, mock.Anything, mock.Anything)
}

func TestVerifyCode_WrongState(t *testing.T) {
	store := new(MockRecordStore)
	idp := new(MockIdentityProvider)
	f := newMockFlow(t, store, idp, nil, PhoneMatchStrict)

	err := f.VerifyCode(context.Background(), "123456")
	assert.True(t, IsType(err, InvalidTransition))
	idp.AssertNotCalled(t, "VerifyOTP", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestVerifyCode_InvalidFormat(t *testing.T) {
	store := new(MockRecordStore)
	idp := new(MockIdentityProvider)
	store.On("SecretFields", mock.Anything, testLocationID).
		Return(LocationClaim{LocationID: testLocationID, PhoneNumber: testRawPhone}, nil)
	idp.On("RequestOTP", mock.Anything, ChannelPhone, testE164Phone).Return(nil)

	f := newMockFlow(t, store, idp, nil, PhoneMatchStrict)
	_, err := f.SubmitSuffix(context.Background(), "4567")
	require.NoError(t, err)

	err = f.VerifyCode(context.Background(), "12345")
	assert.True(t, IsType(err, InvalidInputFormat))
	idp.AssertNotCalled(t, "VerifyOTP", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, AwaitingOtpCode, f.State())
}

func TestVerifyCode_FallsBackToMagicLinkToken(t *testing.T) {
	store := new(MockRecordStore)
	idp := new(MockIdentityProvider)
	store.On("SecretFields", mock.Anything, testLocationID).
		Return(LocationClaim{LocationID: testLocationID, PhoneNumber: testRawPhone, Email: testEmail}, nil)
	idp.On("RequestOTP", mock.Anything, ChannelPhone, testE164Phone).Return(nil)
	idp.On("VerifyOTP", mock.Anything, TokenSMS, testE164Phone, "654321").Return(nil, errors.New("token mismatch"))
	idp.On("VerifyOTP", mock.Anything, TokenMagicLink, testEmail, "654321").Return(&Session{Email: testEmail}, nil)

	f := newMockFlow(t, store, idp, nil, PhoneMatchStrict)
	_, err := f.SubmitSuffix(context.Background(), "4567")
	require.NoError(t, err)

	idp.On("CurrentSession", mock.Anything).Return(&Session{Email: testEmail}, nil)
	require.NoError(t, f.VerifyCode(context.Background(), "654321"))

	snap := f.Snapshot()
	assert.Equal(t, Authenticated, snap.State)
	require.NotNil(t, snap.Authorized)
	assert.True(t, *snap.Authorized)
	idp.AssertNumberOfCalls(t, "VerifyOTP", 2)
}

func TestVerifyCode_BothTokenTypesRejected(t *testing.T) {
	store := new(MockRecordStore)
	idp := new(MockIdentityProvider)
	store.On("SecretFields", mock.Anything, testLocationID).
		Return(LocationClaim{LocationID: testLocationID, PhoneNumber: testRawPhone}, nil)
	idp.On("RequestOTP", mock.Anything, ChannelPhone, testE164Phone).Return(nil)
	idp.On("VerifyOTP", mock.Anything, mock.Anything, mock.Anything, "000000").Return(nil, errors.New("token mismatch"))

	f := newMockFlow(t, store, idp, nil, PhoneMatchStrict)
	_, err := f.SubmitSuffix(context.Background(), "4567")
	require.NoError(t, err)

	err = f.VerifyCode(context.Background(), "000000")
	var claimErr *Error
	require.ErrorAs(t, err, &claimErr)
	assert.Equal(t, ChallengeRejected, claimErr.Type)
	assert.Equal(t, "Invalid or expired code", claimErr.Message)
	assert.Equal(t, AwaitingOtpCode, f.State())
	idp.AssertNumberOfCalls(t, "VerifyOTP", 2)
}

// Сценарий L1: сессия с номером в E.164 против сырого номера в записи
func TestEndToEnd_StrictPolicyDeniesReformattedPhone(t *testing.T) {
	store := new(MockRecordStore)
	idp := new(MockIdentityProvider)
	store.On("SecretFields", mock.Anything, testLocationID).
		Return(LocationClaim{LocationID: testLocationID, PhoneNumber: testRawPhone}, nil)
	idp.On("RequestOTP", mock.Anything, ChannelPhone, testE164Phone).Return(nil)
	idp.On("VerifyOTP", mock.Anything, TokenSMS, testE164Phone, "123456").
		Return(&Session{Phone: testE164Phone}, nil)

	f := newMockFlow(t, store, idp, nil, PhoneMatchStrict)
	ctx := context.Background()

	_, err := f.SubmitSuffix(ctx, "4567")
	require.NoError(t, err)
	assert.Equal(t, AwaitingOtpCode, f.State())

	idp.On("CurrentSession", mock.Anything).Return(&Session{Phone: testE164Phone}, nil)
	err = f.VerifyCode(ctx, "123456")
	assert.True(t, IsType(err, PermissionDenied))

	snap := f.Snapshot()
	assert.Equal(t, Authenticated, snap.State)
	require.NotNil(t, snap.Authorized)
	assert.False(t, *snap.Authorized)

	err = f.SetFlag(ctx, true)
	assert.True(t, IsType(err, PermissionDenied))
	store.AssertNotCalled(t, "SetFlag", mock.Anything, mock.Anything, mock.Anything)
}

func TestEndToEnd_NormalizedPolicyAuthorizesAndToggles(t *testing.T) {
	store := new(MockRecordStore)
	idp := new(MockIdentityProvider)
	store.On("SecretFields", mock.Anything, testLocationID).
		Return(LocationClaim{LocationID: testLocationID, PhoneNumber: testRawPhone}, nil)
	store.On("SetFlag", mock.Anything, testLocationID, true).Return(nil)
	idp.On("RequestOTP", mock.Anything, ChannelPhone, testE164Phone).Return(nil)
	idp.On("VerifyOTP", mock.Anything, TokenSMS, testE164Phone, "123456").
		Return(&Session{Phone: testE164Phone}, nil)

	f := newMockFlow(t, store, idp, nil, PhoneMatchNormalized)
	ctx := context.Background()

	_, err := f.SubmitSuffix(ctx, "4567")
	require.NoError(t, err)

	idp.On("CurrentSession", mock.Anything).Return(&Session{Phone: testE164Phone}, nil)
	require.NoError(t, f.VerifyCode(ctx, "123456"))

	require.NoError(t, f.SetFlag(ctx, true))
	assert.Equal(t, "Location updated successfully!", f.Snapshot().Message)
	store.AssertCalled(t, "SetFlag", mock.Anything, testLocationID, true)
	// Права проверяются перед каждой мутацией
	store.AssertNumberOfCalls(t, "SecretFields", 3)
}

func TestFlow_SignOut(t *testing.T) {
	store := new(MockRecordStore)
	idp := new(MockIdentityProvider)
	store.On("SecretFields", mock.Anything, testLocationID).
		Return(LocationClaim{LocationID: testLocationID, Email: testEmail}, nil)
	idp.On("CurrentSession", mock.Anything).Return(&Session{Email: testEmail}, nil)
	idp.On("SignOut", mock.Anything).Return(nil)

	f, err := NewFlow(context.Background(), "flow-1", testLocationID, store, idp,
		newTestGate(t, store, PhoneMatchStrict), Config{})
	require.NoError(t, err)
	defer f.Close()
	require.Equal(t, Authenticated, f.State())

	require.NoError(t, f.SignOut(context.Background()))
	snap := f.Snapshot()
	assert.Equal(t, AwaitingSuffix, snap.State)
	assert.Nil(t, snap.Authorized)
	assert.Equal(t, "Logged out successfully!", snap.Message)
}

func TestFlow_SignOutFailure(t *testing.T) {
	store := new(MockRecordStore)
	idp := new(MockIdentityProvider)
	store.On("SecretFields", mock.Anything, testLocationID).
		Return(LocationClaim{LocationID: testLocationID, Email: testEmail}, nil)
	idp.On("CurrentSession", mock.Anything).Return(&Session{Email: testEmail}, nil)
	idp.On("SignOut", mock.Anything).Return(errors.New("redis: connection refused"))

	f, err := NewFlow(context.Background(), "flow-1", testLocationID, store, idp,
		newTestGate(t, store, PhoneMatchStrict), Config{})
	require.NoError(t, err)
	defer f.Close()

	err = f.SignOut(context.Background())
	var claimErr *Error
	require.ErrorAs(t, err, &claimErr)
	assert.Equal(t, ProviderFailed, claimErr.Type)
	assert.Equal(t, "Error logging out", claimErr.Message)
	assert.Equal(t, Authenticated, f.State())
}

func TestFlow_SignOutWhileAwaitingCode(t *testing.T) {
	store := new(MockRecordStore)
	idp := new(MockIdentityProvider)
	store.On("SecretFields", mock.Anything, testLocationID).
		Return(LocationClaim{LocationID: testLocationID, PhoneNumber: testRawPhone, Email: testEmail}, nil)
	idp.On("RequestOTP", mock.Anything, ChannelPhone, testE164Phone).Return(nil)
	idp.On("VerifyOTP", mock.Anything, TokenSMS, testE164Phone, "123456").
		Return(&Session{Phone: testE164Phone}, nil)

	f := newMockFlow(t, store, idp, nil, PhoneMatchNormalized)
	ctx := context.Background()

	_, err := f.SubmitSuffix(ctx, "4567")
	require.NoError(t, err)

	idp.On("CurrentSession", mock.Anything).Return(&Session{Phone: testE164Phone}, nil)
	err = f.SignOut(ctx)
	assert.True(t, IsType(err, InvalidTransition))
	assert.Equal(t, AwaitingOtpCode, f.State())
	idp.AssertNotCalled(t, "SignOut", mock.Anything)

	// код по-прежнему проверяется для отправленного номера
	require.NoError(t, f.VerifyCode(ctx, "123456"))
	assert.Equal(t, Authenticated, f.State())
}

func TestFlow_SubscribeReceivesSnapshots(t *testing.T) {
	store := new(MockRecordStore)
	idp := new(MockIdentityProvider)
	store.On("SecretFields", mock.Anything, testLocationID).
		Return(LocationClaim{LocationID: testLocationID, PhoneNumber: testRawPhone}, nil)
	idp.On("RequestOTP", mock.Anything, ChannelPhone, testE164Phone).Return(nil)

	f := newMockFlow(t, store, idp, nil, PhoneMatchStrict)

	var states []State
	unsubscribe := f.Subscribe(func(s Snapshot) { states = append(states, s.State) })

	_, err := f.SubmitSuffix(context.Background(), "4567")
	require.NoError(t, err)
	unsubscribe()
	require.NoError(t, f.Restart())

	assert.Equal(t, []State{AwaitingOtpCode}, states)
	assert.Equal(t, AwaitingSuffix, f.State())
}
