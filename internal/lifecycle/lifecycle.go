// Package lifecycle implements the run lifecycle (C6): starting, ticking,
// and ending the single currently active run, including orphan recovery
// after an unclean shutdown and the mandatory human-signoff gate between
// runs. Grounded on internal/runlock's advisory locking and
// internal/runstate's pure transition functions; the cycle controller
// (internal/cycle) is the only intended caller.
package lifecycle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/antigravity-dev/codex-orchestrator/internal/atomicio"
	"github.com/antigravity-dev/codex-orchestrator/internal/nightwindow"
	"github.com/antigravity-dev/codex-orchestrator/internal/orchpaths"
	"github.com/antigravity-dev/codex-orchestrator/internal/review"
	"github.com/antigravity-dev/codex-orchestrator/internal/runlock"
	"github.com/antigravity-dev/codex-orchestrator/internal/runstate"
)

// ErrSignoffRequired is returned when the most recent completed run has no
// signoff artifact yet: the orchestrator refuses to start a new run until a
// human has reviewed the last one.
var ErrSignoffRequired = errors.New("previous run requires signoff before a new run can start")

// ErrCycleInProgress is returned when another live process already owns the
// cycle_in_progress marker.
var ErrCycleInProgress = errors.New("another cycle is already in progress")

// ErrOutsideWindow is returned when an automated run is requested but `now`
// falls outside the configured night window.
var ErrOutsideWindow = errors.New("outside_window")

// Options configures every lifecycle operation.
type Options struct {
	Paths          orchpaths.Paths
	IdleTicksToEnd int
	ManualTTL      time.Duration
	NightWindow    nightwindow.Window
	Location       *time.Location
	SkipSignoffGate bool // operator override, e.g. `roadtrip --force`
}

// cycleMarker is the content of cycle_in_progress.json: which process
// currently owns the in-flight cycle, for orphan detection.
type cycleMarker struct {
	PID       int       `json:"pid"`
	RunID     string    `json:"run_id"`
	StartedAt time.Time `json:"started_at"`
}

// BeginCycle acquires the run lock and claims the cycle_in_progress marker
// for this process, recovering from a prior unclean shutdown (a marker left
// by a dead PID is treated as an orphan and cleared) but refusing to
// proceed if a live process already owns it.
func BeginCycle(opts Options, runID string) (*runlock.Lock, error) {
	lock, err := runlock.Acquire(opts.Paths.RunLockPath())
	if err != nil {
		return nil, err
	}

	markerPath := opts.Paths.CycleInProgressPath()
	var existing cycleMarker
	if err := atomicio.ReadJSON(markerPath, &existing); err == nil {
		if runlock.ProcessAlive(existing.PID) {
			runlock.Release(lock)
			return nil, fmt.Errorf("%w: pid %d, run %s", ErrCycleInProgress, existing.PID, existing.RunID)
		}
		// Orphaned marker: the owning process is dead. Fall through and
		// overwrite it; EnsureActiveRun is responsible for reconciling
		// whatever partial state that process left behind.
	}

	marker := cycleMarker{PID: os.Getpid(), RunID: runID, StartedAt: time.Now().UTC()}
	if err := atomicio.WriteJSON(markerPath, marker); err != nil {
		runlock.Release(lock)
		return nil, fmt.Errorf("writing cycle marker: %w", err)
	}
	return lock, nil
}

// EndCycle removes the cycle_in_progress marker and releases the run lock.
// Always call this (typically via defer) after a successful BeginCycle.
func EndCycle(opts Options, lock *runlock.Lock) {
	os.Remove(opts.Paths.CycleInProgressPath())
	runlock.Release(lock)
}

// mostRecentFinishedRun returns the run_id of the most recently started run
// directory that has a run_end.json, or "" if none exists.
func mostRecentFinishedRun(paths orchpaths.Paths) (string, error) {
	entries, err := os.ReadDir(paths.RunsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("reading runs dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for i := len(names) - 1; i >= 0; i-- {
		if _, err := os.Stat(paths.RunEndPath(names[i])); err == nil {
			return names[i], nil
		}
	}
	return "", nil
}

// checkSignoffGate enforces that the most recently finished run carries a
// valid signoff artifact (present, parseable, and still bound to the
// current final_review.json by content hash) before a new run is allowed
// to start.
func checkSignoffGate(paths orchpaths.Paths) error {
	runID, err := mostRecentFinishedRun(paths)
	if err != nil {
		return err
	}
	if runID == "" {
		return nil
	}
	if _, err := review.ValidateRunSignoff(paths, runID); err != nil {
		return fmt.Errorf(
			"%w: run %s has no valid signoff (%v); run `orchestrator signoff --run-id %s --reviewer <name>` against %s",
			ErrSignoffRequired, runID, err, runID, paths.RunSignoffJSONPath(runID),
		)
	}
	return nil
}

// ErrArtifactCorrupt wraps a parse failure on current_run.json: per spec.md
// §7 this is fatal and must block starting a new run until a human fixes
// the artifact, never silently discarded as "no current run".
var ErrArtifactCorrupt = errors.New("artifact_corrupt")

// EnsureActiveRun loads the current run if one is live, unexpired, the same
// mode, and not due to end, otherwise ends it (if one exists) and starts a
// new one (after the signoff gate passes, unless mode is automated and now
// falls outside the configured night window — ErrOutsideWindow). It is
// idempotent: calling it repeatedly within one run's lifetime returns the
// same state until that run ends.
func EnsureActiveRun(opts Options, mode runstate.RunMode, now time.Time) (runstate.CurrentRunState, error) {
	var current runstate.CurrentRunState
	readErr := atomicio.ReadJSON(opts.Paths.CurrentRunPath(), &current)
	switch {
	case readErr == nil:
		if err := current.Validate(); err != nil {
			return runstate.CurrentRunState{}, fmt.Errorf("%w: current_run.json: %v", ErrArtifactCorrupt, err)
		}
		switch {
		case current.Mode != mode:
			// Different mode requested: drop the current run and fall
			// through to mint a fresh one below.
			if err := EndCurrentRun(opts, current, "mode_changed", now); err != nil {
				return runstate.CurrentRunState{}, err
			}
		case current.IsExpired(now):
			if err := EndCurrentRun(opts, current, "expired", now); err != nil {
				return runstate.CurrentRunState{}, err
			}
		default:
			if reason := current.ShouldEnd(now, opts.IdleTicksToEnd); reason != "" {
				if err := EndCurrentRun(opts, current, reason, now); err != nil {
					return runstate.CurrentRunState{}, err
				}
			} else {
				return current, nil
			}
		}
	case os.IsNotExist(readErr):
		// No current run: proceed to mint one below.
	default:
		return runstate.CurrentRunState{}, fmt.Errorf("%w: current_run.json: %v", ErrArtifactCorrupt, readErr)
	}

	if mode == runstate.ModeAutomated && !opts.NightWindow.Contains(now.In(locationOrLocal(opts.Location))) {
		return runstate.CurrentRunState{}, ErrOutsideWindow
	}

	if !opts.SkipSignoffGate {
		if err := checkSignoffGate(opts.Paths); err != nil {
			return runstate.CurrentRunState{}, err
		}
	}

	runID := newRunID(now)
	nowLocal := now.In(locationOrLocal(opts.Location))

	var windowEndAt *time.Time
	var expiresAt time.Time
	if mode == runstate.ModeAutomated {
		end := opts.NightWindow.EndFor(nowLocal).UTC()
		windowEndAt = &end
		expiresAt = end
	} else {
		expiresAt = now.Add(opts.ManualTTL)
	}

	state := runstate.New(runID, mode, now, expiresAt, windowEndAt)
	if err := state.Validate(); err != nil {
		return runstate.CurrentRunState{}, fmt.Errorf("constructing new run state: %w", err)
	}
	if err := os.MkdirAll(opts.Paths.RunDir(runID), 0o755); err != nil {
		return runstate.CurrentRunState{}, fmt.Errorf("creating run dir: %w", err)
	}
	if err := atomicio.WriteJSON(opts.Paths.RunMetadataPath(runID), state); err != nil {
		return runstate.CurrentRunState{}, fmt.Errorf("writing run metadata: %w", err)
	}
	if err := atomicio.WriteJSON(opts.Paths.CurrentRunPath(), state); err != nil {
		return runstate.CurrentRunState{}, fmt.Errorf("writing current run pointer: %w", err)
	}
	return state, nil
}

// TickRun advances the active run by one tick and persists the result.
func TickRun(opts Options, state runstate.CurrentRunState, now time.Time, actionableWorkFound bool, beadsAttemptedDelta int) (runstate.CurrentRunState, error) {
	next, err := state.OnTick(now, actionableWorkFound, opts.IdleTicksToEnd, opts.ManualTTL, beadsAttemptedDelta)
	if err != nil {
		return runstate.CurrentRunState{}, err
	}
	if err := atomicio.WriteJSON(opts.Paths.CurrentRunPath(), next); err != nil {
		return runstate.CurrentRunState{}, fmt.Errorf("persisting ticked run state: %w", err)
	}
	return next, nil
}

// EndCurrentRun writes run_end.json and removes the current-run pointer, so
// a subsequent EnsureActiveRun call starts fresh (subject to the signoff
// gate).
func EndCurrentRun(opts Options, state runstate.CurrentRunState, reason string, now time.Time) error {
	if err := writeRunEnd(opts.Paths, state, reason, now); err != nil {
		return err
	}
	if err := os.Remove(opts.Paths.CurrentRunPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing current run pointer: %w", err)
	}
	return nil
}

type runEndRecord struct {
	RunID   string    `json:"run_id"`
	Reason  string    `json:"reason"`
	EndedAt time.Time `json:"ended_at"`
}

func writeRunEnd(paths orchpaths.Paths, state runstate.CurrentRunState, reason string, now time.Time) error {
	return atomicio.WriteJSON(paths.RunEndPath(state.RunID), runEndRecord{RunID: state.RunID, Reason: reason, EndedAt: now})
}

func locationOrLocal(loc *time.Location) *time.Location {
	if loc == nil {
		return time.Local
	}
	return loc
}

func newRunID(now time.Time) string {
	return filepath.Base(now.UTC().Format("20060102-150405")) + "-" + uuid.NewString()[:8]
}
