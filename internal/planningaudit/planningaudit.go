// Package planningaudit defines the planning-audit hook surface: a pluggable
// heuristic scanner that, given a repo's changed paths, may flag concerns
// worth a human's attention before a bead's commit lands. This repository
// implements only the hook contract and a no-op default — the heuristic
// scanner itself is out of scope, matching the CLI surface without
// inventing the analysis it would perform.
package planningaudit

import (
	"context"
	"time"

	"github.com/antigravity-dev/codex-orchestrator/internal/atomicio"
	"github.com/antigravity-dev/codex-orchestrator/internal/orchpaths"
)

// Finding is one concern raised by a Hook about a bead's changes.
type Finding struct {
	BeadID   string `json:"bead_id"`
	Severity string `json:"severity"` // "info", "warning", "critical"
	Message  string `json:"message"`
}

// Hook is the planning-audit contract for inspecting a bead's changed paths.
// No caller in this repository invokes it; the repo executor commits
// without consulting a Hook.
type Hook interface {
	Audit(ctx context.Context, repoDir, beadID string, changedPaths []string) ([]Finding, error)
}

// NoopHook is the default Hook: it never raises a finding. Callers that
// want heuristic scanning supply their own Hook implementation.
type NoopHook struct{}

// Audit always returns no findings.
func (NoopHook) Audit(ctx context.Context, repoDir, beadID string, changedPaths []string) ([]Finding, error) {
	return nil, nil
}

// Report is the per-repo planning-audit artifact: every finding raised
// across a tick's bead attempts.
type Report struct {
	SchemaVersion int       `json:"schema_version"`
	RunID         string    `json:"run_id"`
	RepoID        string    `json:"repo_id"`
	GeneratedAt   time.Time `json:"generated_at"`
	Findings      []Finding `json:"findings"`
}

const reportSchemaVersion = 1

// WriteReport persists findings as the repo's planning-audit JSON artifact.
func WriteReport(paths orchpaths.Paths, runID, repoID string, findings []Finding, now time.Time) error {
	r := Report{SchemaVersion: reportSchemaVersion, RunID: runID, RepoID: repoID, GeneratedAt: now, Findings: findings}
	return atomicio.WriteJSON(paths.RepoPlanningAuditJSONPath(runID, repoID), r)
}
