// Package cycle implements the cycle controller (C10): the top-level
// "do one tick of work" entry point. It ensures a run is active, resolves
// which repos to touch, dispatches a bounded-parallelism worker pool over
// them (one exclusive lock per repo), collects results in stable repo_id
// order, advances the run state, and triggers cadence or final review.
// Grounded on golang.org/x/sync/errgroup's SetLimit for bounded worker
// pools.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/antigravity-dev/codex-orchestrator/internal/atomicio"
	"github.com/antigravity-dev/codex-orchestrator/internal/audit"
	"github.com/antigravity-dev/codex-orchestrator/internal/beads"
	"github.com/antigravity-dev/codex-orchestrator/internal/config"
	"github.com/antigravity-dev/codex-orchestrator/internal/contracts"
	"github.com/antigravity-dev/codex-orchestrator/internal/lifecycle"
	"github.com/antigravity-dev/codex-orchestrator/internal/orchpaths"
	"github.com/antigravity-dev/codex-orchestrator/internal/repoexec"
	"github.com/antigravity-dev/codex-orchestrator/internal/review"
	"github.com/antigravity-dev/codex-orchestrator/internal/runlock"
	"github.com/antigravity-dev/codex-orchestrator/internal/runstate"
)

// Options configures one Tick call.
type Options struct {
	Paths            orchpaths.Paths
	Lifecycle        lifecycle.Options
	Logger           *slog.Logger
	Mode             runstate.RunMode
	MaxParallelRepos int
	TickDuration     time.Duration
	MaxBeadsPerTick  int
	MinMinutesToStartNewBead time.Duration
	DiffCaps         repoexec.DiffCaps
	Replan           bool
	Focus            string
	ReadyBeadsLimit  int
	ReviewEveryNBeads int
	RepoExecDeps     repoexec.Dependencies
	OverlayPathFor   func(repoID string) string
	LoadOverlay      func(repoID string, repoPolicy config.RepoPolicy) (contracts.Overlay, error)

	// ForceActionableWork treats this tick as having found actionable work
	// regardless of what the repo executors report, so an operator can keep
	// an idle run alive across a known-quiet stretch.
	ForceActionableWork bool

	// FinalReviewAgentPass runs the review-only agent over every non-skipped
	// repo when the run ends; any invariant violation it raises is surfaced
	// as the Tick error.
	FinalReviewAgentPass bool
}

// RepoTickResult pairs a repo with its tick summary or the error that
// prevented RunRepoTick from running at all (vs. a summary recording a
// skip_reason, which is not an error).
type RepoTickResult struct {
	RepoID  string
	Summary repoexec.RepoSummary
	Err     error
}

// Tick runs one complete cycle: ensure a run is active, tick every selected
// repo under its own lock with bounded parallelism, advance the run state,
// and trigger review when due. It always attempts to advance/end the run
// state even if some repos error, so a single bad repo cannot wedge the
// run lifecycle.
func Tick(ctx context.Context, repos []config.RepoPolicy, opts Options) ([]RepoTickResult, runstate.CurrentRunState, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	lock, err := lifecycle.BeginCycle(opts.Lifecycle, "")
	if err != nil {
		return nil, runstate.CurrentRunState{}, err
	}

	now := time.Now().UTC()
	state, err := lifecycle.EnsureActiveRun(opts.Lifecycle, opts.Mode, now)
	if err != nil {
		lifecycle.EndCycle(opts.Lifecycle, lock)
		return nil, runstate.CurrentRunState{}, err
	}

	// The run lock is never held across the long repo dispatch below (the
	// agent subprocesses can run for most of the tick budget); workers hold
	// at most their per-repo lock. The cycle_in_progress marker stays in
	// place so concurrent cycles are still refused and orphan recovery
	// still works, and the run lock is re-acquired only for the
	// end-of-tick bookend.
	runlock.Release(lock)

	tickBudget := repoexec.TickBudget{StartedAt: now, EndsAt: now.Add(opts.TickDuration)}

	results := make([]RepoTickResult, len(repos))
	g, gctx := errgroup.WithContext(ctx)
	limit := opts.MaxParallelRepos
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)

	for i, repo := range repos {
		i, repo := i, repo
		g.Go(func() error {
			results[i] = runOneRepo(gctx, logger, state.RunID, repo, opts, tickBudget)
			return nil
		})
	}
	_ = g.Wait() // runOneRepo never returns an error to the group; failures live in results[i].Err

	sort.Slice(results, func(i, j int) bool { return results[i].RepoID < results[j].RepoID })

	actionable := opts.ForceActionableWork
	var beadsDelta int
	var summaries []repoexec.RepoSummary
	for _, r := range results {
		if r.Err == nil {
			summaries = append(summaries, r.Summary)
			if r.Summary.ActionableWorkFound() {
				actionable = true
			}
			beadsDelta += r.Summary.BeadsAttempted
		}
	}

	if opts.Mode == runstate.ModeManual && !actionable {
		bestEffortMaintenance(ctx, repos, opts, logger)
	}

	endLock, err := runlock.Acquire(opts.Lifecycle.Paths.RunLockPath())
	if err != nil {
		lifecycle.EndCycle(opts.Lifecycle, nil)
		return results, state, fmt.Errorf("re-acquiring run lock after repo dispatch: %w", err)
	}
	released := false
	release := func() {
		if !released {
			released = true
			lifecycle.EndCycle(opts.Lifecycle, endLock)
		}
	}
	defer release()

	next, err := lifecycle.TickRun(opts.Lifecycle, state, now, actionable, beadsDelta)
	if err != nil {
		return results, state, fmt.Errorf("advancing run state: %w", err)
	}

	if err := atomicio.WriteJSON(opts.Paths.RunSummaryPath(next.RunID), next); err != nil {
		logger.Warn("writing run summary failed", "error", err)
	}
	if err := audit.WriteRunReport(opts.Paths, next.RunID, summaries, state.CreatedAt, now); err != nil {
		logger.Warn("writing run report failed", "error", err)
	}

	var allRepoIDs []string
	for _, r := range repos {
		allRepoIDs = append(allRepoIDs, r.RepoID)
	}

	if next.ReviewDue(opts.ReviewEveryNBeads) {
		if err := triggerReview(opts.Paths, next.RunID, allRepoIDs, now); err != nil {
			logger.Warn("cadence review failed", "error", err)
		} else {
			next = next.WithReviewRecorded()
			_ = atomicio.WriteJSON(opts.Paths.CurrentRunPath(), next)
		}
	}

	runEnded := false
	if reason := next.ShouldEnd(now, opts.Lifecycle.IdleTicksToEnd); reason != "" {
		if err := triggerReview(opts.Paths, next.RunID, allRepoIDs, now); err != nil {
			logger.Warn("final review failed", "error", err)
		}
		if err := lifecycle.EndCurrentRun(opts.Lifecycle, next, reason, now); err != nil {
			return results, next, fmt.Errorf("ending run: %w", err)
		}
		runEnded = true
	}
	release()

	// The review-only pass shells out to the agent per repo, so it runs
	// after the run lock is released.
	if runEnded && opts.FinalReviewAgentPass {
		if err := runReviewAgentPass(ctx, logger, next.RunID, repos, summaries, opts); err != nil {
			return results, next, err
		}
	}

	return results, next, nil
}

// runReviewAgentPass drives the review-only agent over every repo whose
// tick actually ran (skipped repos have nothing to review). Invariant
// violations from any repo are joined and surfaced to the caller; the pass
// never mutates anything, so partial failure leaves no cleanup behind.
func runReviewAgentPass(ctx context.Context, logger *slog.Logger, runID string, repos []config.RepoPolicy, summaries []repoexec.RepoSummary, opts Options) error {
	byID := make(map[string]repoexec.RepoSummary, len(summaries))
	for _, s := range summaries {
		byID[s.RepoID] = s
	}
	var errs []error
	for _, repo := range repos {
		s, ok := byID[repo.RepoID]
		if !ok || s.SkipReason != "" {
			continue
		}
		prompt := fmt.Sprintf(
			"Review-only pass for run %s in repo %s. Summarize the state of branch run/%s to stdout. "+
				"Do NOT modify any file, do NOT run shell commands that change state, and do NOT create commits.",
			runID, repo.RepoID, runID,
		)
		result, err := review.RunReviewPass(ctx, review.RunReviewPassOptions{
			RepoDir:     repo.Path,
			Prompt:      prompt,
			AgentBinary: opts.RepoExecDeps.AgentBinary,
			AgentArgs:   opts.RepoExecDeps.AgentBaseArgs,
			Timeout:     10 * time.Minute,
			GitTimeout:  opts.RepoExecDeps.GitTimeout,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("review pass for %s: %w", repo.RepoID, err))
			continue
		}
		logger.Info("review pass complete", "repo_id", repo.RepoID, "stdout_bytes", len(result.Stdout))
	}
	return errors.Join(errs...)
}

func triggerReview(paths orchpaths.Paths, runID string, repoIDs []string, now time.Time) error {
	fr, err := review.BuildFinalReview(paths, runID, repoIDs, now)
	if err != nil {
		return err
	}
	_, err = review.WriteFinalReview(paths, fr)
	return err
}

// runOneRepo acquires the per-repo exclusive lock, runs the repo executor,
// and releases the lock, converting any lock-acquisition failure into a
// RepoTickResult rather than aborting the whole cycle.
func runOneRepo(ctx context.Context, logger *slog.Logger, runID string, repoPolicy config.RepoPolicy, opts Options, tickBudget repoexec.TickBudget) RepoTickResult {
	lockPath := opts.Paths.RepoLockPath(repoPolicy.RepoID)
	repoLock, err := runlock.Acquire(lockPath)
	if err != nil {
		return RepoTickResult{RepoID: repoPolicy.RepoID, Err: fmt.Errorf("acquiring repo lock: %w", err)}
	}
	defer runlock.Release(repoLock)

	var overlay contracts.Overlay
	var overlayPath string
	if opts.LoadOverlay != nil {
		overlay, err = opts.LoadOverlay(repoPolicy.RepoID, repoPolicy)
		if err != nil {
			return RepoTickResult{RepoID: repoPolicy.RepoID, Err: fmt.Errorf("loading contract overlay: %w", err)}
		}
	}
	if opts.OverlayPathFor != nil {
		overlayPath = opts.OverlayPathFor(repoPolicy.RepoID)
	}

	summary, err := repoexec.RunRepoTick(ctx, opts.RepoExecDeps, repoexec.Options{
		RunID:                    runID,
		RepoPolicy:               repoPolicy,
		Overlay:                  overlay,
		OverlayPath:              overlayPath,
		Paths:                    opts.Paths,
		TickBudget:               tickBudget,
		MaxBeadsPerTick:          opts.MaxBeadsPerTick,
		MinMinutesToStartNewBead: opts.MinMinutesToStartNewBead,
		DiffCaps:                 opts.DiffCaps,
		Replan:                   opts.Replan,
		Focus:                    opts.Focus,
		ReadyBeadsLimit:          opts.ReadyBeadsLimit,
	})
	if err != nil {
		logger.Error("repo tick failed", "repo_id", repoPolicy.RepoID, "error", err)
	}
	return RepoTickResult{RepoID: repoPolicy.RepoID, Summary: summary, Err: err}
}

// bestEffortMaintenance runs `bd doctor`/`bd sync` on every repo for a
// manual tick that found no actionable work, logging results but never
// failing the cycle over them: this is housekeeping, not
// correctness-critical.
func bestEffortMaintenance(ctx context.Context, repos []config.RepoPolicy, opts Options, logger *slog.Logger) {
	for _, repo := range repos {
		if out, err := beads.Doctor(ctx, repo.Path, 30*time.Second); err != nil {
			logger.Warn("bd doctor failed", "repo_id", repo.RepoID, "error", err)
		} else {
			logger.Info("bd doctor", "repo_id", repo.RepoID, "output", out)
		}
		if out, err := beads.Sync(ctx, repo.Path, 30*time.Second); err != nil {
			logger.Warn("bd sync failed", "repo_id", repo.RepoID, "error", err)
		} else {
			logger.Info("bd sync", "repo_id", repo.RepoID, "output", out)
		}
	}
}
