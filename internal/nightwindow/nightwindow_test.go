package nightwindow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func at(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return ts
}

func TestContainsWrapAroundMidnight(t *testing.T) {
	w := Default // 20:00-07:00

	require.True(t, w.Contains(at(t, "2025-01-15T23:30:00Z")))
	require.True(t, w.Contains(at(t, "2025-01-15T02:30:00Z")))
	require.True(t, w.Contains(at(t, "2025-01-15T20:00:00Z")))
	require.False(t, w.Contains(at(t, "2025-01-15T07:00:00Z")))
	require.False(t, w.Contains(at(t, "2025-01-15T12:00:00Z")))
}

func TestContainsNonWrapping(t *testing.T) {
	w := Window{Start: TimeOfDay{Hour: 9}, End: TimeOfDay{Hour: 17}}

	require.True(t, w.Contains(at(t, "2025-01-15T09:00:00Z")))
	require.True(t, w.Contains(at(t, "2025-01-15T16:59:59Z")))
	require.False(t, w.Contains(at(t, "2025-01-15T17:00:00Z")))
	require.False(t, w.Contains(at(t, "2025-01-15T08:59:59Z")))
}

func TestEndForWrapAroundAfterStart(t *testing.T) {
	w := Default
	got := w.EndFor(at(t, "2025-01-15T23:30:00Z"))
	require.Equal(t, "2025-01-16T07:00:00Z", got.Format(time.RFC3339))
}

func TestEndForWrapAroundBeforeStart(t *testing.T) {
	w := Default
	got := w.EndFor(at(t, "2025-01-15T02:30:00Z"))
	require.Equal(t, "2025-01-15T07:00:00Z", got.Format(time.RFC3339))
}

func TestEndForNonWrapping(t *testing.T) {
	w := Window{Start: TimeOfDay{Hour: 9}, End: TimeOfDay{Hour: 17}}

	require.Equal(t, "2025-01-15T17:00:00Z", w.EndFor(at(t, "2025-01-15T12:00:00Z")).Format(time.RFC3339))
	require.Equal(t, "2025-01-14T17:00:00Z", w.EndFor(at(t, "2025-01-15T06:00:00Z")).Format(time.RFC3339))
}
