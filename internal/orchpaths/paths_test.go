package orchpaths

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultCacheDirHonorsOverride(t *testing.T) {
	t.Setenv("CODEX_ORCHESTRATOR_CACHE_DIR", "/tmp/explicit-cache")
	dir, err := DefaultCacheDir()
	require.NoError(t, err)
	require.Equal(t, "/tmp/explicit-cache", dir)
}

func TestDefaultCacheDirFallsBackToXDG(t *testing.T) {
	t.Setenv("CODEX_ORCHESTRATOR_CACHE_DIR", "")
	t.Setenv("XDG_CACHE_HOME", "/tmp/xdg")
	dir, err := DefaultCacheDir()
	require.NoError(t, err)
	require.Equal(t, filepath.Join("/tmp/xdg", "codex-orchestrator"), dir)
}

func TestDefaultCacheDirFallsBackToHome(t *testing.T) {
	t.Setenv("CODEX_ORCHESTRATOR_CACHE_DIR", "")
	t.Setenv("XDG_CACHE_HOME", "")
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	dir, err := DefaultCacheDir()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, ".cache", "codex-orchestrator"), dir)
}

func TestPerRunPaths(t *testing.T) {
	p := New("/cache")
	require.Equal(t, "/cache/run.lock", p.RunLockPath())
	require.Equal(t, "/cache/current_run.json", p.CurrentRunPath())
	require.Equal(t, "/cache/cycle_in_progress.json", p.CycleInProgressPath())
	require.Equal(t, "/cache/repo_locks/repo-a.lock", p.RepoLockPath("repo-a"))
	require.Equal(t, "/cache/runs/run-1/run.json", p.RunMetadataPath("run-1"))
	require.Equal(t, "/cache/runs/run-1/repo-a.summary.json", p.RepoSummaryPath("run-1", "repo-a"))
	require.Equal(t, "/cache/runs/run-1/repo-a.bead-1.prompt.2.txt", p.RepoPromptPath("run-1", "repo-a", "bead-1", 2))
}

func TestRunDeckPathAndLookup(t *testing.T) {
	cacheDir := t.TempDir()
	p := New(cacheDir)
	runDir := p.RunDir("run-1")
	require.NoError(t, os.MkdirAll(runDir, 0o755))

	day := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	deckPath := p.RunDeckPath("run-1", "repo-a", day)
	require.NoError(t, os.WriteFile(deckPath, []byte("{}"), 0o644))

	found, err := p.FindExistingRunDeckPath("run-1", "repo-a")
	require.NoError(t, err)
	require.Equal(t, deckPath, found)
}

func TestFindExistingRunDeckPathMissing(t *testing.T) {
	p := New(t.TempDir())
	found, err := p.FindExistingRunDeckPath("run-1", "repo-a")
	require.NoError(t, err)
	require.Equal(t, "", found)
}
