// Package review implements final review and human signoff (C11): a
// deterministic summary built only from on-disk run artifacts, an optional
// review-only agent pass bound by strict invariants (no commit, no net
// change), and a signoff record binding a human decision to the exact
// review content via its SHA-256.
package review

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/antigravity-dev/codex-orchestrator/internal/agentcli"
	"github.com/antigravity-dev/codex-orchestrator/internal/atomicio"
	"github.com/antigravity-dev/codex-orchestrator/internal/gitutil"
	"github.com/antigravity-dev/codex-orchestrator/internal/orchpaths"
	"github.com/antigravity-dev/codex-orchestrator/internal/repoexec"
)

const finalReviewSchemaVersion = 1
const signoffSchemaVersion = 1

// FinalReview is the deterministic, run-wide rollup built only from the
// per-repo summary artifacts already on disk — it never re-derives
// anything from git or the bead store, so it is safe to rebuild at any
// time.
type FinalReview struct {
	SchemaVersion       int                   `json:"schema_version"`
	RunID               string                `json:"run_id"`
	GeneratedAt         time.Time             `json:"generated_at"`
	RepoSummaries       []repoexec.RepoSummary `json:"repo_summaries"`
	TotalBeadsAttempted int                   `json:"total_beads_attempted"`
	TotalBeadsClosed    int                   `json:"total_beads_closed"`
	TotalBeadsFailed    int                   `json:"total_beads_failed"`
	Notes               []string              `json:"notes,omitempty"`
}

// BuildFinalReview loads every repo's summary artifact for runID and
// aggregates it. A repo whose summary is missing (tick never ran, e.g. the
// cycle itself crashed) is recorded as a note rather than failing the
// whole build.
func BuildFinalReview(paths orchpaths.Paths, runID string, repoIDs []string, now time.Time) (FinalReview, error) {
	fr := FinalReview{SchemaVersion: finalReviewSchemaVersion, RunID: runID, GeneratedAt: now}
	sorted := append([]string{}, repoIDs...)
	sort.Strings(sorted)
	for _, repoID := range sorted {
		var summary repoexec.RepoSummary
		if err := atomicio.ReadJSON(paths.RepoSummaryPath(runID, repoID), &summary); err != nil {
			fr.Notes = append(fr.Notes, fmt.Sprintf("repo %s: no summary artifact found (%v)", repoID, err))
			continue
		}
		fr.RepoSummaries = append(fr.RepoSummaries, summary)
		fr.TotalBeadsAttempted += summary.BeadsAttempted
		fr.TotalBeadsClosed += summary.BeadsClosed
		fr.TotalBeadsFailed += summary.BeadsFailed
	}
	return fr, nil
}

// WriteFinalReview persists the JSON and a rendered markdown companion.
// Idempotent: if final_review.json already exists for this run, it is left
// untouched and the on-disk version is returned instead, so a later
// rebuild (e.g. triggered twice by a racing cadence check) never
// overwrites a review a human may already be reading.
func WriteFinalReview(paths orchpaths.Paths, fr FinalReview) (FinalReview, error) {
	jsonPath := paths.FinalReviewJSONPath(fr.RunID)
	var existing FinalReview
	if err := atomicio.ReadJSON(jsonPath, &existing); err == nil {
		return existing, nil
	}
	if err := atomicio.WriteJSON(jsonPath, fr); err != nil {
		return FinalReview{}, fmt.Errorf("writing final review json: %w", err)
	}
	if err := atomicio.WriteText(paths.FinalReviewMDPath(fr.RunID), renderFinalReviewMD(fr)); err != nil {
		return FinalReview{}, fmt.Errorf("writing final review markdown: %w", err)
	}
	return fr, nil
}

func renderFinalReviewMD(fr FinalReview) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Final review: run %s\n\n", fr.RunID)
	fmt.Fprintf(&b, "Generated at %s.\n\n", fr.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Beads attempted: %d, closed: %d, failed: %d.\n\n", fr.TotalBeadsAttempted, fr.TotalBeadsClosed, fr.TotalBeadsFailed)
	fmt.Fprintf(&b, "## Repositories\n\n")
	for _, s := range fr.RepoSummaries {
		fmt.Fprintf(&b, "### %s\n\n", s.RepoID)
		fmt.Fprintf(&b, "- stop reason: %s\n", s.StopReason)
		if s.SkipReason != "" {
			fmt.Fprintf(&b, "- skip reason: %s (%s)\n", s.SkipReason, s.SkipDetail)
		}
		fmt.Fprintf(&b, "- attempted: %d, closed: %d, failed: %d\n\n", s.BeadsAttempted, s.BeadsClosed, s.BeadsFailed)
		for _, a := range s.Attempts {
			fmt.Fprintf(&b, "  - `%s` (%s): %s — %s\n", a.BeadID, a.Title, a.Outcome, a.Detail)
		}
		b.WriteString("\n")
	}
	if len(fr.Notes) > 0 {
		fmt.Fprintf(&b, "## Notes\n\n")
		for _, n := range fr.Notes {
			fmt.Fprintf(&b, "- %s\n", n)
		}
	}
	return b.String()
}

// ErrReviewPassInvariantViolated is returned when the review-only agent
// pass breaks any of its invariants: dirty worktree before starting, a
// non-zero exit, a moved HEAD, or leftover uncommitted changes afterward.
var ErrReviewPassInvariantViolated = errors.New("review-only agent pass violated an invariant")

// RunReviewPassOptions configures one review-only agent invocation.
type RunReviewPassOptions struct {
	RepoDir     string
	Prompt      string
	AgentBinary string
	AgentArgs   []string
	Timeout     time.Duration
	GitTimeout  time.Duration
}

// RunReviewPass invokes the agent CLI in read-only review mode: the
// worktree must already be clean, the agent must exit 0, HEAD must not
// move, and the worktree must still be clean afterward (the agent is
// expected to only produce textual findings on stdout, never edits).
func RunReviewPass(ctx context.Context, opts RunReviewPassOptions) (agentcli.Result, error) {
	dirty, err := gitutil.HasStagedOrUnstagedChanges(ctx, opts.RepoDir, opts.GitTimeout)
	if err != nil {
		return agentcli.Result{}, fmt.Errorf("checking worktree before review pass: %w", err)
	}
	if dirty {
		return agentcli.Result{}, fmt.Errorf("%w: worktree is dirty before starting", ErrReviewPassInvariantViolated)
	}
	headBefore, err := gitutil.RevParseHEAD(ctx, opts.RepoDir, opts.GitTimeout)
	if err != nil {
		return agentcli.Result{}, fmt.Errorf("rev-parse HEAD before review pass: %w", err)
	}

	result, err := agentcli.Run(ctx, agentcli.Options{
		BinaryName: opts.AgentBinary,
		Args:       opts.AgentArgs,
		Prompt:     opts.Prompt,
		WorkDir:    opts.RepoDir,
		Timeout:    opts.Timeout,
	})
	if err != nil {
		return agentcli.Result{}, fmt.Errorf("starting review pass agent: %w", err)
	}
	if result.ExitCode != 0 {
		return result, fmt.Errorf("%w: agent exited %d", ErrReviewPassInvariantViolated, result.ExitCode)
	}

	headAfter, err := gitutil.RevParseHEAD(ctx, opts.RepoDir, opts.GitTimeout)
	if err != nil {
		return result, fmt.Errorf("rev-parse HEAD after review pass: %w", err)
	}
	if headAfter != headBefore {
		return result, fmt.Errorf("%w: HEAD moved during review pass", ErrReviewPassInvariantViolated)
	}
	dirtyAfter, err := gitutil.HasStagedOrUnstagedChanges(ctx, opts.RepoDir, opts.GitTimeout)
	if err != nil {
		return result, fmt.Errorf("checking worktree after review pass: %w", err)
	}
	if dirtyAfter {
		return result, fmt.Errorf("%w: worktree left dirty after review pass", ErrReviewPassInvariantViolated)
	}
	return result, nil
}

// Signoff is the human decision artifact, bound to the exact final review
// content it was made against via its SHA-256.
type Signoff struct {
	SchemaVersion     int       `json:"schema_version"`
	RunID             string    `json:"run_id"`
	FinalReviewSHA256 string    `json:"final_review_sha256"`
	Decision          string    `json:"decision"` // "approved" or "rejected"
	SignedBy          string    `json:"signed_by"`
	Notes             string    `json:"notes,omitempty"`
	SignedAt          time.Time `json:"signed_at"`
}

// WriteRunSignoff binds signoff to the current on-disk final review's hash
// and persists it, plus a markdown companion.
func WriteRunSignoff(paths orchpaths.Paths, runID, decision, signedBy, notes string, now time.Time) (Signoff, error) {
	sha, err := atomicio.SHA256File(paths.FinalReviewJSONPath(runID))
	if err != nil {
		return Signoff{}, fmt.Errorf("hashing final review for signoff: %w", err)
	}
	s := Signoff{
		SchemaVersion: signoffSchemaVersion, RunID: runID, FinalReviewSHA256: sha,
		Decision: decision, SignedBy: signedBy, Notes: notes, SignedAt: now,
	}
	if err := atomicio.WriteJSON(paths.RunSignoffJSONPath(runID), s); err != nil {
		return Signoff{}, fmt.Errorf("writing signoff json: %w", err)
	}
	md := fmt.Sprintf("# Signoff: run %s\n\nDecision: %s\nSigned by: %s\nSigned at: %s\n\n%s\n",
		runID, decision, signedBy, now.Format(time.RFC3339), notes)
	if err := atomicio.WriteText(paths.RunSignoffMDPath(runID), md); err != nil {
		return Signoff{}, fmt.Errorf("writing signoff markdown: %w", err)
	}
	return s, nil
}

// ErrSignoffStale is returned when a signoff's bound hash no longer matches
// the final review on disk (the review was rebuilt after signoff).
var ErrSignoffStale = errors.New("signoff does not match the current final review")

// ValidateRunSignoff loads a run's signoff and confirms it names this run,
// carries a non-empty reviewer, and its bound hash still matches
// final_review.json on disk.
func ValidateRunSignoff(paths orchpaths.Paths, runID string) (Signoff, error) {
	var s Signoff
	if err := atomicio.ReadJSON(paths.RunSignoffJSONPath(runID), &s); err != nil {
		return Signoff{}, fmt.Errorf("loading signoff for run %s: %w", runID, err)
	}
	if s.RunID != runID {
		return s, fmt.Errorf("signoff run_id mismatch: signoff names %q, expected %q", s.RunID, runID)
	}
	if strings.TrimSpace(s.SignedBy) == "" {
		return s, fmt.Errorf("signoff for run %s has an empty reviewer", runID)
	}
	sha, err := atomicio.SHA256File(paths.FinalReviewJSONPath(runID))
	if err != nil {
		return Signoff{}, fmt.Errorf("hashing final review for run %s: %w", runID, err)
	}
	if sha != s.FinalReviewSHA256 {
		return s, ErrSignoffStale
	}
	return s, nil
}
