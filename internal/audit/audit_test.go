package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/codex-orchestrator/internal/orchpaths"
	"github.com/antigravity-dev/codex-orchestrator/internal/repoexec"
)

func TestNewRunLoggerWritesJSONLinesAndTeesToBase(t *testing.T) {
	paths := orchpaths.New(t.TempDir())
	var baseBuf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&baseBuf, nil))

	logger, closeFn, err := NewRunLogger(paths, "run-1", base)
	require.NoError(t, err)
	logger.Info("tick started", "repo_id", "repo-a")
	require.NoError(t, closeFn())

	require.Contains(t, baseBuf.String(), "tick started")

	data, err := os.ReadFile(paths.RunLogPath("run-1"))
	require.NoError(t, err)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &entry))
	require.Equal(t, "tick started", entry["msg"])
	require.Equal(t, "run-1", entry["run_id"])
	require.Equal(t, "repo-a", entry["repo_id"])
}

func TestNewRunLoggerWorksWithoutBase(t *testing.T) {
	paths := orchpaths.New(t.TempDir())
	logger, closeFn, err := NewRunLogger(paths, "run-1", nil)
	require.NoError(t, err)
	logger.Info("hello")
	require.NoError(t, closeFn())

	data, err := os.ReadFile(paths.RunLogPath("run-1"))
	require.NoError(t, err)
	require.Contains(t, string(data), "hello")
}

func TestAppendRepoEventAppendsJSONLinesWithDefaults(t *testing.T) {
	paths := orchpaths.New(t.TempDir())
	require.NoError(t, AppendRepoEvent(paths, "run-1", "repo-a", RepoEvent{Kind: "bead_started", BeadID: "t-1"}))
	require.NoError(t, AppendRepoEvent(paths, "run-1", "repo-a", RepoEvent{Kind: "bead_closed", BeadID: "t-1"}))

	data, err := os.ReadFile(paths.RepoEventsPath("run-1", "repo-a"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var first RepoEvent
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.Equal(t, "repo-a", first.RepoID)
	require.Equal(t, "bead_started", first.Kind)
	require.False(t, first.Time.IsZero())
}

func TestAppendRepoEventPreservesExplicitTime(t *testing.T) {
	paths := orchpaths.New(t.TempDir())
	explicit := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, AppendRepoEvent(paths, "run-1", "repo-a", RepoEvent{Kind: "x", Time: explicit}))

	data, err := os.ReadFile(paths.RepoEventsPath("run-1", "repo-a"))
	require.NoError(t, err)
	var e RepoEvent
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &e))
	require.True(t, explicit.Equal(e.Time))
}

func TestAppendAttemptToExecLogIncludesCommitHashWhenPresent(t *testing.T) {
	paths := orchpaths.New(t.TempDir())
	attempt := repoexec.AttemptRecord{
		BeadID: "t-1", Outcome: repoexec.OutcomeClosed, Detail: "closed after passing validation",
		CommitHash: "abc123", AttemptedAt: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, AppendAttemptToExecLog(paths, "run-1", "repo-a", attempt))

	data, err := os.ReadFile(paths.RepoExecLogPath("run-1", "repo-a"))
	require.NoError(t, err)
	line := string(data)
	require.Contains(t, line, "bead=t-1")
	require.Contains(t, line, "outcome=closed")
	require.Contains(t, line, "commit=abc123")
}

func TestAppendAttemptToExecLogOmitsCommitHashWhenAbsent(t *testing.T) {
	paths := orchpaths.New(t.TempDir())
	attempt := repoexec.AttemptRecord{BeadID: "t-1", Outcome: repoexec.OutcomeFailed, Detail: "no changes", AttemptedAt: time.Now()}
	require.NoError(t, AppendAttemptToExecLog(paths, "run-1", "repo-a", attempt))

	data, err := os.ReadFile(paths.RepoExecLogPath("run-1", "repo-a"))
	require.NoError(t, err)
	require.NotContains(t, string(data), "commit=")
}

func TestToolVersionsReportsUnavailableWhenToolsMissing(t *testing.T) {
	t.Setenv("PATH", t.TempDir()) // empty directory: nothing resolvable
	versions := ToolVersions(context.Background(), "codex", nil)
	require.Equal(t, "<unavailable>", versions["git"])
	require.Equal(t, "<unavailable>", versions["bd"])
	require.Equal(t, "<unavailable>", versions["agent"])
	require.NotContains(t, versions, "env_manager")
}

func TestToolVersionsIncludesEnvBackendWhenProvided(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	versions := ToolVersions(context.Background(), "codex", func(context.Context) string { return "conda 24.1.0" })
	require.Equal(t, "conda 24.1.0", versions["env_manager"])
}

func TestRunReportOrdersRepositoriesAndTotals(t *testing.T) {
	summaries := []repoexec.RepoSummary{
		{RepoID: "repo-z", StopReason: repoexec.StopCompleted, BeadsAttempted: 1, BeadsClosed: 1},
		{RepoID: "repo-a", StopReason: repoexec.StopBlocked, SkipReason: repoexec.SkipGitDirty, SkipDetail: "1 dirty path", BeadsAttempted: 0},
	}
	started := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	finished := started.Add(5 * time.Minute)

	report := RunReport("run-1", summaries, started, finished)
	require.Contains(t, report, "Totals: 1 attempted, 1 closed, 0 failed across 2 repos.")

	zIdx := strings.Index(report, "## repo-z")
	aIdx := strings.Index(report, "## repo-a")
	require.True(t, aIdx >= 0 && zIdx >= 0 && aIdx < zIdx)
	require.Contains(t, report, "skip_reason: git_dirty — 1 dirty path")
}

func TestWriteRunReportPersistsToDisk(t *testing.T) {
	paths := orchpaths.New(t.TempDir())
	started := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, WriteRunReport(paths, "run-1", nil, started, started.Add(time.Minute)))

	data, err := os.ReadFile(paths.RunReportPath("run-1"))
	require.NoError(t, err)
	require.Contains(t, string(data), "# Run report: run-1")
}
