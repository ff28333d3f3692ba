package lifecycle

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/codex-orchestrator/internal/atomicio"
	"github.com/antigravity-dev/codex-orchestrator/internal/nightwindow"
	"github.com/antigravity-dev/codex-orchestrator/internal/orchpaths"
	"github.com/antigravity-dev/codex-orchestrator/internal/review"
	"github.com/antigravity-dev/codex-orchestrator/internal/runstate"
)

func testOptions(t *testing.T) Options {
	return Options{
		Paths:          orchpaths.New(t.TempDir()),
		IdleTicksToEnd: 2,
		ManualTTL:      30 * time.Minute,
		NightWindow:    nightwindow.Window{Start: nightwindow.TimeOfDay{Hour: 20}, End: nightwindow.TimeOfDay{Hour: 7}},
		Location:       time.UTC,
	}
}

func TestEnsureActiveRunStartsNewAutomatedRunInsideWindow(t *testing.T) {
	opts := testOptions(t)
	now := time.Date(2025, 1, 15, 2, 30, 0, 0, time.UTC)

	state, err := EnsureActiveRun(opts, runstate.ModeAutomated, now)
	require.NoError(t, err)
	require.NotEmpty(t, state.RunID)
	require.Equal(t, runstate.ModeAutomated, state.Mode)
	require.NotNil(t, state.WindowEndAt)
	require.Equal(t, "", state.ShouldEnd(now, opts.IdleTicksToEnd))

	_, statErr := os.Stat(opts.Paths.CurrentRunPath())
	require.NoError(t, statErr)
}

func TestEnsureActiveRunRejectsAutomatedOutsideWindow(t *testing.T) {
	opts := testOptions(t)
	now := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)

	_, err := EnsureActiveRun(opts, runstate.ModeAutomated, now)
	require.ErrorIs(t, err, ErrOutsideWindow)

	_, statErr := os.Stat(opts.Paths.RunsDir())
	require.True(t, os.IsNotExist(statErr))
}

func TestTickRunIdleRolloverEndsRunOnSecondCall(t *testing.T) {
	opts := testOptions(t)
	now := time.Date(2025, 1, 15, 1, 0, 0, 0, time.UTC)

	state, err := EnsureActiveRun(opts, runstate.ModeManual, now)
	require.NoError(t, err)

	state, err = TickRun(opts, state, now.Add(time.Minute), false, 0)
	require.NoError(t, err)
	require.Equal(t, "", state.ShouldEnd(now, opts.IdleTicksToEnd))

	state, err = TickRun(opts, state, now.Add(2*time.Minute), false, 0)
	require.NoError(t, err)
	reason := state.ShouldEnd(now, opts.IdleTicksToEnd)
	require.Equal(t, "idle_ticks", reason)

	require.NoError(t, EndCurrentRun(opts, state, reason, now.Add(2*time.Minute)))
	_, statErr := os.Stat(opts.Paths.CurrentRunPath())
	require.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(opts.Paths.RunEndPath(state.RunID))
	require.NoError(t, statErr)
}

func TestSignoffGateBlocksNextRunUntilSignedOff(t *testing.T) {
	opts := testOptions(t)
	now := time.Date(2025, 1, 15, 1, 0, 0, 0, time.UTC)

	first, err := EnsureActiveRun(opts, runstate.ModeManual, now)
	require.NoError(t, err)
	require.NoError(t, EndCurrentRun(opts, first, "manual_end", now))

	_, err = EnsureActiveRun(opts, runstate.ModeManual, now.Add(time.Minute))
	require.ErrorIs(t, err, ErrSignoffRequired)
	require.Contains(t, err.Error(), first.RunID)

	_, err = review.WriteFinalReview(opts.Paths, review.FinalReview{RunID: first.RunID, GeneratedAt: now})
	require.NoError(t, err)
	_, err = review.WriteRunSignoff(opts.Paths, first.RunID, "approved", "alice", "", now)
	require.NoError(t, err)

	second, err := EnsureActiveRun(opts, runstate.ModeManual, now.Add(2*time.Minute))
	require.NoError(t, err)
	require.NotEqual(t, first.RunID, second.RunID)
}

func TestEnsureActiveRunReusesLiveRunOfSameMode(t *testing.T) {
	opts := testOptions(t)
	now := time.Date(2025, 1, 15, 1, 0, 0, 0, time.UTC)

	first, err := EnsureActiveRun(opts, runstate.ModeManual, now)
	require.NoError(t, err)

	second, err := EnsureActiveRun(opts, runstate.ModeManual, now.Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, first.RunID, second.RunID)
}

func TestEnsureActiveRunDropsRunOnModeMismatch(t *testing.T) {
	opts := testOptions(t)
	opts.SkipSignoffGate = true
	now := time.Date(2025, 1, 15, 1, 0, 0, 0, time.UTC)

	manual, err := EnsureActiveRun(opts, runstate.ModeManual, now)
	require.NoError(t, err)

	automated, err := EnsureActiveRun(opts, runstate.ModeAutomated, time.Date(2025, 1, 15, 21, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NotEqual(t, manual.RunID, automated.RunID)
	require.Equal(t, runstate.ModeAutomated, automated.Mode)

	_, statErr := os.Stat(opts.Paths.RunEndPath(manual.RunID))
	require.NoError(t, statErr)
}

func TestEnsureActiveRunRejectsCorruptCurrentRun(t *testing.T) {
	opts := testOptions(t)
	require.NoError(t, os.MkdirAll(opts.Paths.CacheDir, 0o755))
	require.NoError(t, os.WriteFile(opts.Paths.CurrentRunPath(), []byte("not json"), 0o644))

	_, err := EnsureActiveRun(opts, runstate.ModeManual, time.Date(2025, 1, 15, 1, 0, 0, 0, time.UTC))
	require.ErrorIs(t, err, ErrArtifactCorrupt)
}

func TestBeginCycleRefusesWhenLiveOwnerHoldsMarker(t *testing.T) {
	opts := testOptions(t)
	lock, err := BeginCycle(opts, "run-1")
	require.NoError(t, err)
	defer EndCycle(opts, lock)

	// A second attempt to begin a cycle from the same process re-enters the
	// run lock guard and is refused before the marker is even consulted.
	_, err = BeginCycle(opts, "run-1")
	require.Error(t, err)
}

func TestBeginCycleRecoversFromOrphanedMarker(t *testing.T) {
	opts := testOptions(t)
	require.NoError(t, atomicio.WriteJSON(opts.Paths.CycleInProgressPath(), map[string]any{
		"pid": 1 << 30, "run_id": "stale-run", "started_at": time.Now().UTC(),
	}))

	lock, err := BeginCycle(opts, "run-2")
	require.NoError(t, err)
	EndCycle(opts, lock)
}
