// Package orchpaths is the canonical, side-effect-free layout of the
// orchestrator's cache directory and every per-run/per-repo artifact path
// derived from it.
package orchpaths

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const envCacheDirOverride = "CODEX_ORCHESTRATOR_CACHE_DIR"

// DefaultCacheDir resolves the cache directory: an explicit env override,
// then XDG_CACHE_HOME, then ~/.cache/codex-orchestrator.
func DefaultCacheDir() (string, error) {
	if v := strings.TrimSpace(os.Getenv(envCacheDirOverride)); v != "" {
		return v, nil
	}
	if xdg := strings.TrimSpace(os.Getenv("XDG_CACHE_HOME")); xdg != "" {
		return filepath.Join(xdg, "codex-orchestrator"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving default cache dir: %w", err)
	}
	return filepath.Join(home, ".cache", "codex-orchestrator"), nil
}

// Paths exposes every canonical artifact path rooted at one cache directory.
type Paths struct {
	CacheDir string
}

// New builds a Paths rooted at cacheDir (no I/O performed).
func New(cacheDir string) Paths {
	return Paths{CacheDir: cacheDir}
}

func (p Paths) RunLockPath() string           { return filepath.Join(p.CacheDir, "run.lock") }
func (p Paths) CurrentRunPath() string        { return filepath.Join(p.CacheDir, "current_run.json") }
func (p Paths) CycleInProgressPath() string   { return filepath.Join(p.CacheDir, "cycle_in_progress.json") }
func (p Paths) RunsDir() string               { return filepath.Join(p.CacheDir, "runs") }
func (p Paths) RepoLocksDir() string          { return filepath.Join(p.CacheDir, "repo_locks") }
func (p Paths) RepoLockPath(repoID string) string {
	return filepath.Join(p.RepoLocksDir(), repoID+".lock")
}

func (p Paths) RunDir(runID string) string { return filepath.Join(p.RunsDir(), runID) }

func (p Paths) RunMetadataPath(runID string) string {
	return filepath.Join(p.RunDir(runID), "run.json")
}
func (p Paths) RunLogPath(runID string) string {
	return filepath.Join(p.RunDir(runID), "orchestrator.log")
}
func (p Paths) RunEndPath(runID string) string {
	return filepath.Join(p.RunDir(runID), "run_end.json")
}
func (p Paths) RunSummaryPath(runID string) string {
	return filepath.Join(p.RunDir(runID), "run_summary.json")
}
func (p Paths) RunReportPath(runID string) string {
	return filepath.Join(p.RunDir(runID), "run_report.md")
}
func (p Paths) FinalReviewJSONPath(runID string) string {
	return filepath.Join(p.RunDir(runID), "final_review.json")
}
func (p Paths) FinalReviewMDPath(runID string) string {
	return filepath.Join(p.RunDir(runID), "final_review.md")
}
func (p Paths) RunSignoffJSONPath(runID string) string {
	return filepath.Join(p.RunDir(runID), "run_signoff.json")
}
func (p Paths) RunSignoffMDPath(runID string) string {
	return filepath.Join(p.RunDir(runID), "run_signoff.md")
}

func (p Paths) RepoExecLogPath(runID, repoID string) string {
	return filepath.Join(p.RunDir(runID), repoID+".exec.log")
}
func (p Paths) RepoStdoutLogPath(runID, repoID string) string {
	return filepath.Join(p.RunDir(runID), repoID+".stdout.log")
}
func (p Paths) RepoStderrLogPath(runID, repoID string) string {
	return filepath.Join(p.RunDir(runID), repoID+".stderr.log")
}
func (p Paths) RepoEventsPath(runID, repoID string) string {
	return filepath.Join(p.RunDir(runID), repoID+".events.jsonl")
}
func (p Paths) RepoSummaryPath(runID, repoID string) string {
	return filepath.Join(p.RunDir(runID), repoID+".summary.json")
}
func (p Paths) RepoPlanningAuditJSONPath(runID, repoID string) string {
	return filepath.Join(p.RunDir(runID), repoID+".planning_audit.json")
}
func (p Paths) RepoPlanningAuditMDPath(runID, repoID string) string {
	return filepath.Join(p.RunDir(runID), repoID+".planning_audit.md")
}
func (p Paths) RepoPromptPath(runID, repoID, beadID string, attempt int) string {
	return filepath.Join(p.RunDir(runID), fmt.Sprintf("%s.%s.prompt.%d.txt", repoID, beadID, attempt))
}

// RunDeckPath returns the canonical deck path for a given day (the day a
// deck was first planned).
func (p Paths) RunDeckPath(runID, repoID string, day time.Time) string {
	return filepath.Join(p.RunDir(runID), fmt.Sprintf("%s.deck.%s.json", repoID, day.Format("2006-01-02")))
}

// FindExistingRunDeckPath globs for any previously-written deck file for
// (runID, repoID) regardless of the date it was planned on, returning the
// first lexicographically sorted match, or "" if none exists. This lets
// planning reuse a deck without needing to know which day it was created.
func (p Paths) FindExistingRunDeckPath(runID, repoID string) (string, error) {
	pattern := filepath.Join(p.RunDir(runID), repoID+".deck.*.json")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return "", fmt.Errorf("globbing existing deck for %s/%s: %w", runID, repoID, err)
	}
	if len(matches) == 0 {
		return "", nil
	}
	sort.Strings(matches)
	return matches[0], nil
}
