package runstate

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func mustUTC(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return ts
}

func TestOnTickResetsIdleOnActionableWork(t *testing.T) {
	now := mustUTC(t, "2025-01-15T02:00:00Z")
	state := New("20250115-020000-deadbeef", ModeManual, now, now.Add(12*time.Hour), nil)
	state.ConsecutiveIdleTicks = 2

	next, err := state.OnTick(now.Add(time.Minute), true, 3, 12*time.Hour, 1)
	require.NoError(t, err)
	require.Equal(t, 0, next.ConsecutiveIdleTicks)
	require.Equal(t, 1, next.TickCount)
	require.Equal(t, 1, next.BeadsAttemptedTotal)
	require.Equal(t, 1, next.BeadsAttemptedSinceReview)
}

func TestOnTickIncrementsIdleWithoutWork(t *testing.T) {
	now := mustUTC(t, "2025-01-15T02:00:00Z")
	state := New("r1", ModeManual, now, now.Add(12*time.Hour), nil)

	next, err := state.OnTick(now.Add(time.Minute), false, 3, 12*time.Hour, 0)
	require.NoError(t, err)
	require.Equal(t, 1, next.ConsecutiveIdleTicks)
}

func TestOnTickAutomatedExpiresAtNeverExtendsPastWindowEnd(t *testing.T) {
	now := mustUTC(t, "2025-01-15T02:00:00Z")
	windowEnd := mustUTC(t, "2025-01-15T07:00:00Z")
	state := New("r1", ModeAutomated, now, windowEnd, &windowEnd)

	next, err := state.OnTick(now.Add(time.Hour), true, 3, 12*time.Hour, 0)
	require.NoError(t, err)
	require.True(t, next.ExpiresAt.Equal(windowEnd))
}

func TestOnTickManualExtendsFromNow(t *testing.T) {
	now := mustUTC(t, "2025-01-15T02:00:00Z")
	state := New("r1", ModeManual, now, now.Add(time.Hour), nil)

	next, err := state.OnTick(now.Add(time.Hour), true, 3, 6*time.Hour, 0)
	require.NoError(t, err)
	require.True(t, next.ExpiresAt.Equal(now.Add(time.Hour).Add(6*time.Hour)))
}

func TestShouldEndWindowEndTakesPriority(t *testing.T) {
	now := mustUTC(t, "2025-01-15T02:00:00Z")
	windowEnd := mustUTC(t, "2025-01-15T02:00:00Z")
	state := New("r1", ModeAutomated, now, windowEnd, &windowEnd)
	state.ConsecutiveIdleTicks = 99

	require.Equal(t, "window_end", state.ShouldEnd(now, 3))
}

func TestShouldEndIdleTicks(t *testing.T) {
	now := mustUTC(t, "2025-01-15T02:00:00Z")
	state := New("r1", ModeManual, now, now.Add(time.Hour), nil)
	state.ConsecutiveIdleTicks = 3

	require.Equal(t, "idle_ticks", state.ShouldEnd(now, 3))
}

func TestShouldEndNone(t *testing.T) {
	now := mustUTC(t, "2025-01-15T02:00:00Z")
	state := New("r1", ModeManual, now, now.Add(time.Hour), nil)

	require.Empty(t, state.ShouldEnd(now, 3))
}

func TestReviewDue(t *testing.T) {
	state := New("r1", ModeManual, time.Now(), time.Now().Add(time.Hour), nil)
	state.BeadsAttemptedSinceReview = 5

	require.True(t, state.ReviewDue(5))
	require.False(t, state.ReviewDue(6))
	require.False(t, state.ReviewDue(0))
}

func TestJSONRoundTrip(t *testing.T) {
	now := mustUTC(t, "2025-01-15T02:00:00Z")
	windowEnd := mustUTC(t, "2025-01-15T07:00:00Z")
	state := New("20250115-020000-deadbeef", ModeAutomated, now, windowEnd, &windowEnd)
	state.TickCount = 3
	state.BeadsAttemptedTotal = 7

	raw, err := json.Marshal(state)
	require.NoError(t, err)

	var round CurrentRunState
	require.NoError(t, json.Unmarshal(raw, &round))
	require.Equal(t, state.RunID, round.RunID)
	require.Equal(t, state.TickCount, round.TickCount)
	require.True(t, state.WindowEndAt.Equal(*round.WindowEndAt))
	require.NoError(t, round.Validate())
}

func TestValidateRejectsAutomatedWithoutWindowEnd(t *testing.T) {
	now := mustUTC(t, "2025-01-15T02:00:00Z")
	state := New("r1", ModeAutomated, now, now.Add(time.Hour), nil)

	require.ErrorIs(t, state.Validate(), ErrInvalid)
}

func TestOnTickRejectsNaiveParameters(t *testing.T) {
	now := mustUTC(t, "2025-01-15T02:00:00Z")
	state := New("r1", ModeManual, now, now.Add(time.Hour), nil)

	_, err := state.OnTick(now, true, 0, time.Hour, 0)
	require.ErrorIs(t, err, ErrInvalid)

	_, err = state.OnTick(now, true, 1, 0, 0)
	require.ErrorIs(t, err, ErrInvalid)

	_, err = state.OnTick(now, true, 1, time.Hour, -1)
	require.ErrorIs(t, err, ErrInvalid)
}
