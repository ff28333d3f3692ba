// Package repoexec implements the repo executor (C9), the protocol core:
// per-repo tick preparation (tool check, clean-start, fetch, branch),
// sequential bead attempts under the safety contract (commit ownership,
// path policy, diff caps, validation allowlist, Given/When/Then), and
// commit/close on success. Grounded on internal/git's branch/commit helpers
// (generalized into internal/gitutil), internal/dispatch's command-building
// idiom (generalized into internal/agentcli), and internal/beads's
// dependency graph.
package repoexec

import (
	"time"

	"github.com/antigravity-dev/codex-orchestrator/internal/contracts"
)

// BeadOutcome is the result of one bead attempt; every switch over it must
// be exhaustive.
type BeadOutcome string

const (
	OutcomeSkippedClosed  BeadOutcome = "skipped_closed"
	OutcomeSkippedBlocked BeadOutcome = "skipped_blocked"
	OutcomeSkippedNotOpen BeadOutcome = "skipped_not_open"
	OutcomeClosed         BeadOutcome = "closed"
	OutcomeFailed         BeadOutcome = "failed"
)

// RepoSkipReason explains why a repo tick never reached the bead loop.
type RepoSkipReason string

const (
	SkipMissingTools    RepoSkipReason = "missing_tools"
	SkipGitDirty        RepoSkipReason = "git_dirty"
	SkipGitDetached     RepoSkipReason = "git_detached"
	SkipGitFetchFailed  RepoSkipReason = "git_fetch_failed"
	SkipGitBranchFailed RepoSkipReason = "git_branch_failed"
	SkipPlanningFailed  RepoSkipReason = "planning_failed"
)

// RepoStopReason explains why the bead loop ended.
type RepoStopReason string

const (
	StopCompleted          RepoStopReason = "completed"
	StopBeadCap            RepoStopReason = "bead_cap"
	StopTickTimeRemaining  RepoStopReason = "tick_time_remaining"
	StopBlocked            RepoStopReason = "blocked"
	StopError              RepoStopReason = "error"
)

// DiffCaps bounds the cumulative diff size committed across one repo tick.
type DiffCaps struct {
	MaxFilesChanged int
	MaxLinesAdded   int
}

// DefaultDiffCaps mirrors the orchestrator's conservative default envelope.
var DefaultDiffCaps = DiffCaps{MaxFilesChanged: 25, MaxLinesAdded: 1500}

// TickBudget is the immutable time window one cycle allots to every repo.
type TickBudget struct {
	StartedAt time.Time
	EndsAt    time.Time
}

// Remaining returns how much of the tick budget remains at now.
func (b TickBudget) Remaining(now time.Time) time.Duration {
	if now.After(b.EndsAt) {
		return 0
	}
	return b.EndsAt.Sub(now)
}

// AttemptRecord is the audit record produced by one bead attempt.
type AttemptRecord struct {
	BeadID             string      `json:"bead_id"`
	Title              string      `json:"title"`
	Outcome            BeadOutcome `json:"outcome"`
	Detail             string      `json:"detail"`
	CommitHash         string      `json:"commit_hash,omitempty"`
	ChangedPaths       []string    `json:"changed_paths,omitempty"`
	ValidationSummary  string      `json:"validation_summary,omitempty"`
	DependentsUpdated  []string    `json:"dependents_updated,omitempty"`
	AttemptedAt        time.Time   `json:"attempted_at"`
}

// RepoSummary is the per-repo artifact written on exit from RunRepoTick.
type RepoSummary struct {
	SchemaVersion   int                `json:"schema_version"`
	RunID           string             `json:"run_id"`
	RepoID          string             `json:"repo_id"`
	StopReason      RepoStopReason     `json:"stop_reason"`
	SkipReason      RepoSkipReason     `json:"skip_reason,omitempty"`
	SkipDetail      string             `json:"skip_detail,omitempty"`
	BeadsAttempted  int                `json:"beads_attempted"`
	BeadsClosed     int                `json:"beads_closed"`
	BeadsFailed     int                `json:"beads_failed"`
	Attempts        []AttemptRecord    `json:"attempts"`
	ToolVersions    map[string]string  `json:"tool_versions"`
	StartedAt       time.Time          `json:"started_at"`
	FinishedAt      time.Time          `json:"finished_at"`
}

// ActionableWorkFound reports whether any bead was attempted, whatever its
// outcome (a bead skipped after its status check also counts), feeding the
// run lifecycle's idle-tick accounting.
func (s RepoSummary) ActionableWorkFound() bool {
	return s.BeadsAttempted > 0
}

const repoSummarySchemaVersion = 1

// contractBudget converts a resolved contract's time budget to a Duration.
func contractBudget(c contracts.ResolvedExecutionContract) time.Duration {
	return time.Duration(c.TimeBudgetMinutes) * time.Minute
}
