package repoexec

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/antigravity-dev/codex-orchestrator/internal/agentcli"
	"github.com/antigravity-dev/codex-orchestrator/internal/atomicio"
	"github.com/antigravity-dev/codex-orchestrator/internal/beads"
	"github.com/antigravity-dev/codex-orchestrator/internal/config"
	"github.com/antigravity-dev/codex-orchestrator/internal/contracts"
	"github.com/antigravity-dev/codex-orchestrator/internal/envmanager"
	"github.com/antigravity-dev/codex-orchestrator/internal/gitutil"
	"github.com/antigravity-dev/codex-orchestrator/internal/orchpaths"
	"github.com/antigravity-dev/codex-orchestrator/internal/planner"
)

// Dependencies are the external collaborators RunRepoTick drives; tests
// substitute fakes (e.g. fake bd, agent and validation CLIs placed first
// on PATH).
type Dependencies struct {
	Logger        *slog.Logger
	GitTimeout    time.Duration
	BeadsTimeout  time.Duration
	AgentBinary   string
	AgentBaseArgs []string // codex CLI flags implied by the unattended AI policy settings
	EnvBackends   map[string]envmanager.Backend // env name -> backend
	OutputCapBytes int
	AgentPadding  time.Duration
}

// Options parameterizes one repo's tick.
type Options struct {
	RunID                    string
	RepoPolicy               config.RepoPolicy
	Overlay                  contracts.Overlay
	OverlayPath              string
	Paths                    orchpaths.Paths
	TickBudget               TickBudget
	MaxBeadsPerTick          int
	MinMinutesToStartNewBead time.Duration
	DiffCaps                 DiffCaps
	Replan                   bool
	Focus                    string
	ReadyBeadsLimit          int
}

func toolAvailable(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

// RunRepoTick executes one complete repo tick: tool check, clean-start
// check, fetch, branch preparation, planning, then sequential bead
// attempts under the safety contract. It always returns a RepoSummary (and
// writes it to the per-repo summary artifact) even when the tick never
// reaches the bead loop.
func RunRepoTick(ctx context.Context, deps Dependencies, opts Options) (RepoSummary, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	repoDir := opts.RepoPolicy.Path
	startedAt := time.Now().UTC()

	summary := RepoSummary{
		SchemaVersion: repoSummarySchemaVersion,
		RunID:         opts.RunID,
		RepoID:        opts.RepoPolicy.RepoID,
		ToolVersions:  map[string]string{},
		StartedAt:     startedAt,
	}
	summary.ToolVersions["git"] = gitutil.Version(ctx)
	summary.ToolVersions["bd"] = beads.Version(ctx)
	summary.ToolVersions["agent"] = agentcli.Version(ctx, deps.AgentBinary)

	finish := func(stopReason RepoStopReason) (RepoSummary, error) {
		summary.StopReason = stopReason
		summary.FinishedAt = time.Now().UTC()
		if summary.SkipReason == "" && summary.BeadsAttempted > 0 {
			writeInRepoRunReport(ctx, deps, repoDir, opts.RunID, summary, logger)
		}
		if err := atomicio.WriteJSON(opts.Paths.RepoSummaryPath(opts.RunID, opts.RepoPolicy.RepoID), summary); err != nil {
			return summary, fmt.Errorf("writing repo summary: %w", err)
		}
		return summary, nil
	}
	skip := func(reason RepoSkipReason, detail string) (RepoSummary, error) {
		summary.SkipReason = reason
		summary.SkipDetail = detail
		logger.Warn("repo tick skipped", "repo_id", opts.RepoPolicy.RepoID, "reason", reason, "detail", detail)
		return finish(StopBlocked)
	}

	// 1. Tool availability.
	if !toolAvailable("git") || !toolAvailable("bd") || !toolAvailable(defaultStr(deps.AgentBinary, "codex")) {
		return skip(SkipMissingTools, "one or more required CLIs (git, bd, agent) not found on PATH")
	}

	// 2. Clean-start check.
	statusEntries, err := gitutil.Status(ctx, repoDir, deps.GitTimeout)
	if err != nil {
		return skip(SkipGitDirty, fmt.Sprintf("git status failed: %v", err))
	}
	if dirty := filterDirty(statusEntries, opts.RepoPolicy.DirtyIgnoreGlobs); len(dirty) > 0 {
		if opts.RepoPolicy.DirtyCleanup {
			cleanIgnoredUntracked(ctx, repoDir, opts.RepoPolicy.DirtyIgnoreGlobs, deps.GitTimeout)
			statusEntries, err = gitutil.Status(ctx, repoDir, deps.GitTimeout)
			if err == nil {
				dirty = filterDirty(statusEntries, opts.RepoPolicy.DirtyIgnoreGlobs)
			}
		}
		if len(dirty) > 0 {
			return skip(SkipGitDirty, fmt.Sprintf("%d dirty path(s), e.g. %s", len(dirty), dirty[0].Path))
		}
	}
	detached, err := gitutil.IsDetachedHEAD(ctx, repoDir, deps.GitTimeout)
	if err != nil {
		return skip(SkipGitDetached, err.Error())
	}
	if detached {
		return skip(SkipGitDetached, "HEAD is detached")
	}

	// 3. Fetch.
	if err := gitutil.FetchAllPrune(ctx, repoDir, deps.GitTimeout); err != nil {
		return skip(SkipGitFetchFailed, err.Error())
	}

	// 4. Branch.
	branch := "run/" + opts.RunID
	exists, err := gitutil.BranchExists(ctx, repoDir, branch, deps.GitTimeout)
	if err != nil {
		return skip(SkipGitBranchFailed, err.Error())
	}
	if exists {
		if err := gitutil.CheckoutBranch(ctx, repoDir, branch, deps.GitTimeout); err != nil {
			return skip(SkipGitBranchFailed, err.Error())
		}
	} else {
		if err := gitutil.CheckoutBranch(ctx, repoDir, opts.RepoPolicy.BaseBranch, deps.GitTimeout); err != nil {
			return skip(SkipGitBranchFailed, err.Error())
		}
		if err := gitutil.CreateBranchFrom(ctx, repoDir, branch, opts.RepoPolicy.BaseBranch, deps.GitTimeout); err != nil {
			return skip(SkipGitBranchFailed, err.Error())
		}
	}

	// 5. Planning.
	if err := beads.Init(ctx, repoDir, deps.BeadsTimeout); err != nil {
		return skip(SkipPlanningFailed, fmt.Sprintf("bd init failed: %v", err))
	}
	ready, err := beads.Ready(ctx, repoDir, opts.ReadyBeadsLimit, deps.BeadsTimeout)
	if err != nil {
		return skip(SkipPlanningFailed, fmt.Sprintf("bd ready failed: %v", err))
	}
	all, err := beads.List(ctx, repoDir, deps.BeadsTimeout)
	if err != nil {
		return skip(SkipPlanningFailed, fmt.Sprintf("bd list failed: %v", err))
	}
	depGraph := beads.BuildDepGraph(all)

	runValidation := func(vctx context.Context, dir, command string) (int, error) {
		res, err := runValidationCommand(vctx, deps, opts.RepoPolicy, command, dir, 5*time.Minute)
		if err != nil {
			return -1, err
		}
		return res.ExitCode, nil
	}

	deck, err := planner.Plan(ctx, opts.Paths, planner.Options{
		RunID:         opts.RunID,
		RepoPolicy:    opts.RepoPolicy,
		Overlay:       opts.Overlay,
		OverlayPath:   opts.OverlayPath,
		ReadyBeads:    ready,
		Focus:         opts.Focus,
		Replan:        opts.Replan,
		RunValidation: runValidation,
	})
	if err != nil {
		return skip(SkipPlanningFailed, err.Error())
	}

	// Bead loop.
	maxBeads := opts.MaxBeadsPerTick
	var runningFiles, runningLines int

	for _, item := range deck.Items {
		now := time.Now().UTC()
		if maxBeads > 0 && summary.BeadsAttempted >= maxBeads {
			return finish(StopBeadCap)
		}
		if opts.TickBudget.Remaining(now) < opts.MinMinutesToStartNewBead {
			return finish(StopTickTimeRemaining)
		}

		outcome, stop := attemptBead(ctx, deps, opts, repoDir, branch, item, depGraph, &runningFiles, &runningLines, now)
		summary.BeadsAttempted++
		summary.Attempts = append(summary.Attempts, outcome)
		switch outcome.Outcome {
		case OutcomeClosed:
			summary.BeadsClosed++
		case OutcomeFailed:
			summary.BeadsFailed++
			recordFailureNotes(ctx, deps, repoDir, opts.RunID, outcome)
			commitFailureSnapshot(ctx, deps, repoDir, opts.RunID, item.Title, outcome, logger)
		}
		if stop != "" {
			return finish(stop)
		}
	}

	for _, skippedBead := range deck.SkippedBeads {
		logger.Info("bead excluded from deck", "repo_id", opts.RepoPolicy.RepoID, "bead_id", skippedBead.BeadID, "reason", skippedBead.NextAction)
	}

	return finish(StopCompleted)
}

// writeInRepoRunReport writes the human-readable run report into the
// managed repo at docs/runs/<run_id>.md and commits it, so the repo itself
// carries a record of what the run did to it. Best-effort: a failure here
// is logged, never surfaced as a tick failure.
func writeInRepoRunReport(ctx context.Context, deps Dependencies, repoDir, runID string, summary RepoSummary, logger *slog.Logger) {
	var b strings.Builder
	fmt.Fprintf(&b, "# Run %s\n\n", runID)
	fmt.Fprintf(&b, "Repo: %s\nAttempted: %d, closed: %d, failed: %d\n\n", summary.RepoID, summary.BeadsAttempted, summary.BeadsClosed, summary.BeadsFailed)
	for _, a := range summary.Attempts {
		fmt.Fprintf(&b, "- `%s` (%s) — %s: %s", a.BeadID, a.Title, a.Outcome, a.Detail)
		if a.CommitHash != "" {
			fmt.Fprintf(&b, " (commit %s)", shortHash(a.CommitHash))
		}
		b.WriteString("\n")
	}

	reportPath := filepath.Join(repoDir, "docs", "runs", runID+".md")
	if err := atomicio.WriteText(reportPath, b.String()); err != nil {
		logger.Warn("writing in-repo run report failed", "repo_id", summary.RepoID, "error", err)
		return
	}
	relReport := filepath.Join("docs", "runs", runID+".md")
	if err := gitutil.AddPath(ctx, repoDir, relReport, deps.GitTimeout); err != nil {
		logger.Warn("staging in-repo run report failed", "repo_id", summary.RepoID, "error", err)
		return
	}
	if err := gitutil.Commit(ctx, repoDir, fmt.Sprintf("docs(runs): %s report", runID), "RUN_ID: "+runID+"\n", deps.GitTimeout); err != nil {
		logger.Warn("committing in-repo run report failed", "repo_id", summary.RepoID, "error", err)
	}
}

// commitFailureSnapshot stages and commits whatever a failed attempt left
// in the worktree under an explicitly "(failed)" subject, so the failing
// state is reproducible from the run branch and the next tick starts from a
// clean worktree. Best-effort; a clean worktree means nothing to snapshot.
func commitFailureSnapshot(ctx context.Context, deps Dependencies, repoDir, runID, title string, rec AttemptRecord, logger *slog.Logger) {
	dirty, err := gitutil.HasStagedOrUnstagedChanges(ctx, repoDir, deps.GitTimeout)
	if err != nil || !dirty {
		return
	}
	if err := gitutil.AddAll(ctx, repoDir, deps.GitTimeout); err != nil {
		logger.Warn("staging failure snapshot failed", "bead_id", rec.BeadID, "error", err)
		return
	}
	subject := CommitSubject(rec.BeadID, title, true)
	body := CommitBody(runID, rec.BeadID, rec.ValidationSummary) + "FAILURE: " + rec.Detail + "\n"
	if err := gitutil.Commit(ctx, repoDir, subject, body, deps.GitTimeout); err != nil {
		logger.Warn("committing failure snapshot failed", "bead_id", rec.BeadID, "error", err)
	}
}

// recordFailureNotes appends the failure reason to the bead's notes so the
// audit trail in the bead store explains why the attempt did not close it.
// Best-effort: a bead-store hiccup here must not mask the original failure.
func recordFailureNotes(ctx context.Context, deps Dependencies, repoDir, runID string, rec AttemptRecord) {
	bead, err := beads.Show(ctx, repoDir, rec.BeadID, deps.BeadsTimeout)
	if err != nil {
		return
	}
	note := bead.Notes
	if note != "" {
		note += "\n"
	}
	note += fmt.Sprintf("[orchestrator] Attempt in RUN_ID=%s failed: %s", runID, rec.Detail)
	_ = beads.Update(ctx, repoDir, rec.BeadID, "", note, deps.BeadsTimeout)
}

func defaultStr(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

func filterDirty(entries []gitutil.StatusEntry, ignoreGlobs []string) []gitutil.StatusEntry {
	var out []gitutil.StatusEntry
	for _, e := range entries {
		if e.IsUntracked() && matchesAnyGlob(e.Path, ignoreGlobs) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func matchesAnyGlob(path string, globs []string) bool {
	for _, g := range globs {
		if ok, _ := filepath.Match(g, path); ok {
			return true
		}
		if ok, _ := filepath.Match(g, filepath.Base(path)); ok {
			return true
		}
	}
	return false
}

func cleanIgnoredUntracked(ctx context.Context, repoDir string, ignoreGlobs []string, timeout time.Duration) {
	for _, g := range ignoreGlobs {
		args := []string{"clean", "-fd", "--", g}
		runCtx := ctx
		var cancel context.CancelFunc
		if timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		cmd := exec.CommandContext(runCtx, "git", args...)
		cmd.Dir = repoDir
		_ = cmd.Run()
		if cancel != nil {
			cancel()
		}
	}
}

func runValidationCommand(ctx context.Context, deps Dependencies, policy config.RepoPolicy, command, repoDir string, timeout time.Duration) (envmanager.RunResult, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return envmanager.RunResult{}, fmt.Errorf("empty validation command")
	}
	if policy.Env != nil {
		if backend, ok := deps.EnvBackends[*policy.Env]; ok {
			return backend.Run(ctx, *policy.Env, fields, repoDir, timeout)
		}
	}
	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(runCtx, fields[0], fields[1:]...)
	cmd.Dir = repoDir
	out, runErr := cmd.CombinedOutput()
	res := envmanager.RunResult{Stdout: string(out)}
	if runCtx.Err() != nil {
		res.TimedOut = true
		res.ExitCode = agentcli.TimeoutExitCode
		return res, nil
	}
	if runErr == nil {
		res.ExitCode = 0
		return res, nil
	}
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return res, fmt.Errorf("running validation command %q: %w", command, runErr)
}
