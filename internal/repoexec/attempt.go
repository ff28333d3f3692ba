package repoexec

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/antigravity-dev/codex-orchestrator/internal/agentcli"
	"github.com/antigravity-dev/codex-orchestrator/internal/atomicio"
	"github.com/antigravity-dev/codex-orchestrator/internal/beads"
	"github.com/antigravity-dev/codex-orchestrator/internal/envmanager"
	"github.com/antigravity-dev/codex-orchestrator/internal/gitutil"
	"github.com/antigravity-dev/codex-orchestrator/internal/planner"
)

// attemptBead drives one bead through the full safety envelope: status
// gate, agent invocation under the commit-ownership invariant, environment
// bootstrap, path policy, diff caps, validation-against-baseline, and
// Given/When/Then enforcement, committing and closing the bead only if
// every gate passes. It returns the attempt record and, when the repo tick
// must stop immediately, a non-empty RepoStopReason.
func attemptBead(
	ctx context.Context,
	deps Dependencies,
	opts Options,
	repoDir, branch string,
	item planner.DeckItem,
	depGraph *beads.DepGraph,
	runningFiles, runningLines *int,
	now time.Time,
) (AttemptRecord, RepoStopReason) {
	rec := AttemptRecord{BeadID: item.BeadID, Title: item.Title, AttemptedAt: now}

	current, err := beads.Show(ctx, repoDir, item.BeadID, deps.BeadsTimeout)
	if err != nil {
		rec.Outcome = OutcomeFailed
		rec.Detail = fmt.Sprintf("bd show failed: %v", err)
		return rec, StopBlocked
	}
	switch current.Status {
	case "closed":
		rec.Outcome = OutcomeSkippedClosed
		rec.Detail = "bead already closed"
		return rec, ""
	case "blocked":
		rec.Outcome = OutcomeSkippedBlocked
		rec.Detail = "bead is blocked"
		return rec, ""
	case "open", "in_progress":
		// proceed
	default:
		rec.Outcome = OutcomeSkippedNotOpen
		rec.Detail = fmt.Sprintf("bead status is %q, not open", current.Status)
		return rec, ""
	}

	if current.Status == "open" {
		if err := beads.Update(ctx, repoDir, item.BeadID, "in_progress", "", deps.BeadsTimeout); err != nil {
			rec.Outcome = OutcomeFailed
			rec.Detail = fmt.Sprintf("marking in_progress failed: %v", err)
			return rec, StopBlocked
		}
	}

	headBefore, err := gitutil.RevParseHEAD(ctx, repoDir, deps.GitTimeout)
	if err != nil {
		rec.Outcome = OutcomeFailed
		rec.Detail = fmt.Sprintf("rev-parse HEAD failed: %v", err)
		return rec, StopBlocked
	}

	contract := item.ResolvedContract
	if contract.Env != "" && contract.AllowEnvCreation {
		if backend, ok := deps.EnvBackends[contract.Env]; ok {
			_ = backend.Ensure(ctx, contract.Env, "", true)
		}
	}

	prompt := BuildPrompt(PromptParams{
		RunID: opts.RunID, RepoID: opts.RepoPolicy.RepoID, Branch: branch,
		BeadID: item.BeadID, Title: item.Title, Description: current.Description, Contract: contract,
	})
	promptPath := opts.Paths.RepoPromptPath(opts.RunID, opts.RepoPolicy.RepoID, item.BeadID, 1)
	_ = atomicio.WriteText(promptPath, prompt)

	tickRemaining := opts.TickBudget.Remaining(now)
	agentTimeout := agentcli.ClampTimeout(tickRemaining, contractBudget(contract), deps.AgentPadding)

	agentResult, err := agentcli.Run(ctx, agentcli.Options{
		BinaryName:     deps.AgentBinary,
		Args:           deps.AgentBaseArgs,
		Prompt:         prompt,
		WorkDir:        repoDir,
		Timeout:        agentTimeout,
		OutputCapBytes: deps.OutputCapBytes,
	})
	if err != nil {
		rec.Outcome = OutcomeFailed
		rec.Detail = fmt.Sprintf("agent invocation failed to start: %v", err)
		return rec, StopBlocked
	}

	headAfterAgent, err := gitutil.RevParseHEAD(ctx, repoDir, deps.GitTimeout)
	if err != nil {
		rec.Outcome = OutcomeFailed
		rec.Detail = fmt.Sprintf("rev-parse HEAD after agent failed: %v", err)
		return rec, StopBlocked
	}
	if headAfterAgent != headBefore {
		rec.Outcome = OutcomeFailed
		rec.Detail = "agent created a commit; commit ownership belongs to the orchestrator"
		return rec, StopError
	}

	statusEntries, err := gitutil.Status(ctx, repoDir, deps.GitTimeout)
	if err != nil {
		rec.Outcome = OutcomeFailed
		rec.Detail = fmt.Sprintf("git status after agent failed: %v", err)
		return rec, StopBlocked
	}
	changedPaths := make([]string, 0, len(statusEntries))
	for _, e := range statusEntries {
		changedPaths = append(changedPaths, e.Path)
	}
	rec.ChangedPaths = changedPaths

	if len(changedPaths) == 0 {
		rec.Outcome = OutcomeFailed
		rec.Detail = "No changes detected"
		if agentResult.TimedOut {
			rec.Detail = "agent timed out before making any changes"
		}
		return rec, StopBlocked
	}

	if contract.Env != "" && envmanager.DiffTouchesManifest(changedPaths) {
		if backend, ok := deps.EnvBackends[contract.Env]; ok {
			manifestPath := firstManifestPath(repoDir, changedPaths)
			if err := backend.Ensure(ctx, contract.Env, manifestPath, contract.AllowEnvCreation); err != nil {
				rec.Outcome = OutcomeFailed
				rec.Detail = fmt.Sprintf("environment refresh failed: %v", err)
				return rec, StopBlocked
			}
		}
	}

	if violations := PathPolicyViolations(changedPaths, contract.AllowedRoots, contract.DenyRoots); len(violations) > 0 {
		rec.Outcome = OutcomeFailed
		rec.Detail = fmt.Sprintf("path policy violated: %s", strings.Join(violations, ", "))
		return rec, StopError
	}

	filesChanged, linesAdded := diffTotals(ctx, deps, repoDir, statusEntries)
	if *runningFiles+filesChanged > opts.DiffCaps.MaxFilesChanged || *runningLines+linesAdded > opts.DiffCaps.MaxLinesAdded {
		rec.Outcome = OutcomeFailed
		rec.Detail = fmt.Sprintf("Diff cap exceeded: %d files / %d lines added this attempt", filesChanged, linesAdded)
		return rec, StopBlocked
	}

	var validationSummaries []string
	var regression bool
	var anyPassingTest bool
	for _, cmd := range contract.ValidationCommands {
		if !ValidationAllowed(cmd) {
			rec.Outcome = OutcomeFailed
			rec.Detail = fmt.Sprintf("validation command %q is not on the allowlist", cmd)
			return rec, StopError
		}
		result, err := runValidationCommand(ctx, deps, opts.RepoPolicy, cmd, repoDir, contractBudget(contract))
		if err != nil {
			rec.Outcome = OutcomeFailed
			rec.Detail = fmt.Sprintf("validation command %q errored: %v", cmd, err)
			return rec, StopBlocked
		}
		baseline := -1
		for _, b := range item.BaselineValidationResults {
			if b.Command == cmd {
				baseline = b.ExitCode
				break
			}
		}
		passed := result.ExitCode == 0
		validationSummaries = append(validationSummaries, fmt.Sprintf("%s=%d", cmd, result.ExitCode))
		if IsTestCommand(cmd) && passed {
			anyPassingTest = true
		}
		if !passed && baseline == 0 {
			regression = true
		}
	}
	rec.ValidationSummary = strings.Join(validationSummaries, "; ")
	if regression {
		rec.Outcome = OutcomeFailed
		rec.Detail = "validation regressed against baseline: " + rec.ValidationSummary
		return rec, StopBlocked
	}
	if len(contract.ValidationCommands) > 0 && !anyPassingTest {
		rec.Outcome = OutcomeFailed
		rec.Detail = "no passing test command: " + rec.ValidationSummary
		return rec, StopBlocked
	}

	if contract.EnforceGivenWhenThen {
		if missing := MissingGWTMarkers(repoDir, changedPaths); len(missing) > 0 {
			rec.Outcome = OutcomeFailed
			rec.Detail = fmt.Sprintf("test file(s) missing Given/When/Then markers: %s", strings.Join(missing, ", "))
			return rec, StopBlocked
		}
	}

	if err := gitutil.AddAll(ctx, repoDir, deps.GitTimeout); err != nil {
		rec.Outcome = OutcomeFailed
		rec.Detail = fmt.Sprintf("git add -A failed: %v", err)
		return rec, StopBlocked
	}
	subject := CommitSubject(item.BeadID, item.Title, false)
	body := CommitBody(opts.RunID, item.BeadID, rec.ValidationSummary)
	if err := gitutil.Commit(ctx, repoDir, subject, body, deps.GitTimeout); err != nil {
		rec.Outcome = OutcomeFailed
		rec.Detail = fmt.Sprintf("commit failed: %v", err)
		return rec, StopBlocked
	}
	commitHash, _ := gitutil.RevParseHEAD(ctx, repoDir, deps.GitTimeout)
	rec.CommitHash = commitHash

	*runningFiles += filesChanged
	*runningLines += linesAdded

	closingSummary := fmt.Sprintf("[orchestrator] Closed in RUN_ID=%s on %s (commit %s). Validation: %s",
		opts.RunID, branch, shortHash(commitHash), rec.ValidationSummary)
	closeNotes := current.Notes
	if closeNotes != "" {
		closeNotes += "\n"
	}
	closeNotes += closingSummary
	if err := beads.Update(ctx, repoDir, item.BeadID, "", closeNotes, deps.BeadsTimeout); err != nil {
		rec.Outcome = OutcomeFailed
		rec.Detail = fmt.Sprintf("recording close notes failed: %v", err)
		return rec, StopBlocked
	}
	if err := beads.Close(ctx, repoDir, item.BeadID, "completed by orchestrator", deps.BeadsTimeout); err != nil {
		rec.Outcome = OutcomeFailed
		rec.Detail = fmt.Sprintf("bd close failed: %v", err)
		return rec, StopBlocked
	}
	rec.Outcome = OutcomeClosed
	rec.Detail = "closed after passing validation"
	depGraph.MarkClosed(item.BeadID)

	var updated []string
	for _, depID := range depGraph.Dependents(item.BeadID) {
		upstreamNote := fmt.Sprintf("[orchestrator] Upstream %s closed in RUN_ID=%s on %s (commit %s).",
			item.BeadID, opts.RunID, branch, shortHash(commitHash))
		dep, err := beads.Show(ctx, repoDir, depID, deps.BeadsTimeout)
		if err != nil {
			continue
		}
		note := dep.Notes
		if note != "" {
			note += "\n"
		}
		note += upstreamNote
		if err := beads.Update(ctx, repoDir, depID, "", note, deps.BeadsTimeout); err != nil {
			continue
		}
		updated = append(updated, depID)
	}
	rec.DependentsUpdated = updated

	if bead, ok := depGraph.Get(item.BeadID); ok && bead.ParentID != "" {
		if len(depGraph.Children(bead.ParentID)) > 0 && depGraph.EpicFullyClosed(bead.ParentID) {
			_ = beads.Close(ctx, repoDir, bead.ParentID, "all child beads closed", deps.BeadsTimeout)
		}
	}

	return rec, ""
}

// shortHash truncates a commit hash to the 12-character form used in
// human-facing audit notes.
func shortHash(commitHash string) string {
	if len(commitHash) > 12 {
		return commitHash[:12]
	}
	return commitHash
}

// firstManifestPath returns the first changed path that matches a known
// dependency-manifest filename, for handing to Backend.Ensure.
func firstManifestPath(repoDir string, changedPaths []string) string {
	for _, p := range changedPaths {
		for _, m := range envmanager.ManifestFiles {
			if strings.HasSuffix(p, "/"+m) || p == m {
				return repoDir + "/" + p
			}
		}
	}
	return ""
}

// diffTotals sums files-changed and lines-added for the current attempt
// across tracked changes (via numstat) and untracked files (approximated by
// line count, since numstat does not report untracked content).
func diffTotals(ctx context.Context, deps Dependencies, repoDir string, entries []gitutil.StatusEntry) (files, lines int) {
	tracked, err := gitutil.DiffNumstat(ctx, repoDir, false, deps.GitTimeout)
	if err == nil {
		for _, e := range tracked {
			files++
			if !e.Binary {
				lines += e.Added
			}
		}
	}
	for _, e := range entries {
		if e.IsUntracked() {
			files++
			lines += CountUntrackedLines(repoDir, e.Path)
		}
	}
	return files, lines
}
