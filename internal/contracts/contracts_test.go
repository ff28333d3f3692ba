package contracts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/codex-orchestrator/internal/config"
)

func writeOverlay(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "repo.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func basePolicy() config.RepoPolicy {
	return config.RepoPolicy{
		RepoID:               "alpha",
		AllowedRoots:         []string{"."},
		DenyRoots:            []string{"secrets"},
		ValidationCommands:   []string{"pytest -q"},
		NotebookRoots:        []string{"."},
		NotebookOutputPolicy: config.NotebookOutputStrip,
	}
}

func TestLoadOverlayResolvesDefaultsAndPerBead(t *testing.T) {
	path := writeOverlay(t, `
[defaults]
time_budget_minutes = 30
allow_env_creation = false
requires_notebook_execution = false
env = "base"

[beads."bd-1"]
time_budget_minutes = 45
validation_commands = ["ruff check ."]
`)
	policy := basePolicy()
	overlay, err := LoadOverlay(path, policy, map[string]struct{}{"bd-1": {}})
	require.NoError(t, err)

	resolved, err := Resolve(policy, overlay, "bd-1", path)
	require.NoError(t, err)
	require.Equal(t, 45, resolved.TimeBudgetMinutes)
	require.Equal(t, "base", resolved.Env)
	require.False(t, resolved.AllowEnvCreation)
	require.Equal(t, []string{"pytest -q", "ruff check ."}, resolved.ValidationCommands)
}

func TestResolveMissingFieldsErrors(t *testing.T) {
	path := writeOverlay(t, `
[defaults]
time_budget_minutes = 30
`)
	policy := basePolicy()
	overlay, err := LoadOverlay(path, policy, map[string]struct{}{"bd-1": {}})
	require.NoError(t, err)

	_, err = Resolve(policy, overlay, "bd-1", path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "allow_env_creation")
	require.Contains(t, err.Error(), "requires_notebook_execution")
	require.Contains(t, err.Error(), "env")
}

func TestLoadOverlayRejectsUnknownBead(t *testing.T) {
	path := writeOverlay(t, `
[beads."ghost"]
time_budget_minutes = 10
`)
	policy := basePolicy()
	_, err := LoadOverlay(path, policy, map[string]struct{}{"bd-1": {}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown bead id")
}

func TestLoadOverlayRejectsWideningAllowedRoots(t *testing.T) {
	path := writeOverlay(t, `
[defaults]
allowed_roots = ["../escape"]
`)
	policy := basePolicy()
	_, err := LoadOverlay(path, policy, map[string]struct{}{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not contain")
}

func TestLoadOverlayRejectsDenyRootRelaxation(t *testing.T) {
	path := writeOverlay(t, `
[defaults]
deny_roots = ["other"]
`)
	policy := basePolicy()
	_, err := LoadOverlay(path, policy, map[string]struct{}{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "may not relax repo policy")
}

func TestLoadOverlayRejectsUnknownTopLevelKey(t *testing.T) {
	path := writeOverlay(t, `
[bogus]
x = 1
`)
	policy := basePolicy()
	_, err := LoadOverlay(path, policy, map[string]struct{}{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown key")
}

func TestResolveRejectsRepoIDMismatch(t *testing.T) {
	policy := basePolicy()
	overlay := Overlay{RepoID: "beta"}
	_, err := Resolve(policy, overlay, "bd-1", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "repo_id mismatch")
}

func TestResolveFallsBackToRepoPolicyRoots(t *testing.T) {
	path := writeOverlay(t, `
[defaults]
time_budget_minutes = 20
allow_env_creation = true
requires_notebook_execution = true
env = "base"
`)
	policy := basePolicy()
	overlay, err := LoadOverlay(path, policy, map[string]struct{}{})
	require.NoError(t, err)

	resolved, err := Resolve(policy, overlay, "bd-1", path)
	require.NoError(t, err)
	require.Equal(t, policy.AllowedRoots, resolved.AllowedRoots)
	require.Equal(t, policy.DenyRoots, resolved.DenyRoots)
	require.Equal(t, policy.NotebookRoots, resolved.NotebookRoots)
}
