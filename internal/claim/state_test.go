package claim

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransition_Allowed(t *testing.T) {
	next, err := Transition(AwaitingSuffix, EventOtpSent)
	require.NoError(t, err)
	assert.Equal(t, AwaitingOtpCode, next)

	next, err = Transition(AwaitingOtpCode, EventMagicLinkSent)
	require.NoError(t, err)
	assert.Equal(t, AwaitingMagicLink, next)

	next, err = Transition(AwaitingMagicLink, EventMagicLinkTimedOut)
	require.NoError(t, err)
	assert.Equal(t, MagicLinkExpiredState, next)

	next, err = Transition(MagicLinkExpiredState, EventRestart)
	require.NoError(t, err)
	assert.Equal(t, AwaitingSuffix, next)
}

func TestTransition_Rejected(t *testing.T) {
	cases := []struct {
		from State
		ev   Event
	}{
		{AwaitingMagicLink, EventCodeVerified},
		{AwaitingSuffix, EventCodeVerified},
		{MagicLinkExpiredState, EventOtpSent},
		{Authenticated, EventOtpSent},
		{AwaitingOtpCode, EventSessionDetected},
	}

	for _, c := range cases {
		next, err := Transition(c.from, c.ev)
		require.Error(t, err, "%s + %s", c.from, c.ev)
		assert.True(t, IsType(err, InvalidTransition))
		assert.Equal(t, c.from, next)
	}
}

func TestState_MarshalJSON(t *testing.T) {
	data, err := json.Marshal(map[string]State{"state": AwaitingMagicLink})
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"awaiting_magic_link"}`, string(data))
}

func TestError_RetryAfterSeconds(t *testing.T) {
	e := &Error{Type: RateLimited, RetryAfter: 1500 * time.Millisecond}
	assert.Equal(t, 2, e.RetryAfterSeconds())

	e.RetryAfter = 0
	assert.Equal(t, 0, e.RetryAfterSeconds())
}

func TestCooldownAllows(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	ok, remaining := CooldownAllows(time.Time{}, false, base, DefaultCooldown)
	assert.True(t, ok)
	assert.Zero(t, remaining)

	ok, remaining = CooldownAllows(base, true, base.Add(59*time.Second), DefaultCooldown)
	assert.False(t, ok)
	assert.Equal(t, time.Second, remaining)

	ok, _ = CooldownAllows(base, true, base.Add(60*time.Second), DefaultCooldown)
	assert.True(t, ok)
}
