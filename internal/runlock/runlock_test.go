package runlock

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.lock")

	l, err := Acquire(path)
	require.NoError(t, err)
	require.FileExists(t, path)

	Release(l)
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestAcquireInProcessReentryIsBusy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.lock")

	l, err := Acquire(path)
	require.NoError(t, err)
	defer Release(l)

	_, err = Acquire(path)
	require.ErrorIs(t, err, ErrLockBusy)
}

func TestReleaseClearsGuardForReacquire(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.lock")

	l, err := Acquire(path)
	require.NoError(t, err)
	Release(l)

	l2, err := Acquire(path)
	require.NoError(t, err)
	Release(l2)
}

func TestMetadataRecordsPIDAndTimestamp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.lock")

	l, err := Acquire(path)
	require.NoError(t, err)
	defer Release(l)

	pid, lockedAt, err := ReadMetadata(path)
	require.NoError(t, err)
	require.Equal(t, os.Getpid(), pid)
	require.WithinDuration(t, time.Now().UTC(), lockedAt, 10*time.Second)
}

func TestReleaseOnNilLockIsNoop(t *testing.T) {
	require.NotPanics(t, func() { Release(nil) })
}

func TestProcessAliveForSelf(t *testing.T) {
	require.True(t, ProcessAlive(os.Getpid()))
}

func TestProcessAliveFalseForInvalidPID(t *testing.T) {
	require.False(t, ProcessAlive(0))
	require.False(t, ProcessAlive(-1))
}

func TestProcessAliveFalseForImplausiblePID(t *testing.T) {
	// A PID this large is exceedingly unlikely to be alive on any host.
	require.False(t, ProcessAlive(1<<30))
}
