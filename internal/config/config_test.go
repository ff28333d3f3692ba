package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAISettingsValid(t *testing.T) {
	path := writeFile(t, `
[ai]
model = "gpt-5.2"
reasoning_effort = "xhigh"
`)
	settings, err := LoadAISettings(path)
	require.NoError(t, err)
	require.Equal(t, "gpt-5.2", settings.Model)
	require.Equal(t, "xhigh", settings.ReasoningEffort)
	require.NoError(t, EnforceUnattendedAIPolicy(settings, path))
}

func TestLoadAISettingsRejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, `
[ai]
model = "gpt-5.2"
reasoning_effort = "xhigh"
temperature = 0.2
`)
	_, err := LoadAISettings(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "temperature")
}

func TestLoadAISettingsRejectsMissingFields(t *testing.T) {
	path := writeFile(t, `
[ai]
model = "gpt-5.2"
`)
	_, err := LoadAISettings(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "reasoning_effort")
}

func TestEnforceUnattendedAIPolicyRejectsWrongModel(t *testing.T) {
	err := EnforceUnattendedAIPolicy(AISettings{Model: "gpt-4", ReasoningEffort: "xhigh"}, "orchestrator.toml")
	require.Error(t, err)
	require.Contains(t, err.Error(), "ai.model")
}

func TestCodexCLIArgsForSettings(t *testing.T) {
	args := CodexCLIArgsForSettings(AISettings{Model: "gpt-5.2", ReasoningEffort: "xhigh"})
	require.Equal(t, []string{"--model", "gpt-5.2", "-c", `reasoning_effort="xhigh"`}, args)
}

func validRepoTOML(repoPath string) string {
	return `
[repos.alpha]
path = "` + repoPath + `"
base_branch = "main"
validation_commands = ["pytest -q"]
`
}

func TestLoadRepoInventoryValid(t *testing.T) {
	repoDir := t.TempDir()
	path := writeFile(t, validRepoTOML(repoDir))

	inv, err := LoadRepoInventory(path)
	require.NoError(t, err)
	require.Len(t, inv.Repos, 1)
	alpha := inv.Repos["alpha"]
	require.Equal(t, "main", alpha.BaseBranch)
	require.Equal(t, []string{"."}, alpha.AllowedRoots)
	require.Equal(t, NotebookOutputStrip, alpha.NotebookOutputPolicy)
}

func TestLoadRepoInventoryRejectsMissingPath(t *testing.T) {
	repoDir := t.TempDir()
	path := writeFile(t, `
[repos.alpha]
path = "`+filepath.Join(repoDir, "does-not-exist")+`"
base_branch = "main"
`)
	_, err := LoadRepoInventory(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "does not exist")
}

func TestLoadRepoInventoryRejectsRelativePath(t *testing.T) {
	path := writeFile(t, `
[repos.alpha]
path = "relative/path"
base_branch = "main"
`)
	_, err := LoadRepoInventory(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "absolute path")
}

func TestLoadRepoInventoryRejectsDenyRootCoveringBeads(t *testing.T) {
	repoDir := t.TempDir()
	path := writeFile(t, `
[repos.alpha]
path = "`+repoDir+`"
base_branch = "main"
deny_roots = ["."]
`)
	_, err := LoadRepoInventory(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), ".beads")
}

func TestLoadRepoInventoryRejectsAllowedRootsMissingBeads(t *testing.T) {
	repoDir := t.TempDir()
	path := writeFile(t, `
[repos.alpha]
path = "`+repoDir+`"
base_branch = "main"
allowed_roots = ["src"]
`)
	_, err := LoadRepoInventory(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "allowed_roots")
}

func TestLoadRepoInventoryRejectsDotDotRoots(t *testing.T) {
	repoDir := t.TempDir()
	path := writeFile(t, `
[repos.alpha]
path = "`+repoDir+`"
base_branch = "main"
allowed_roots = ["../escape"]
`)
	_, err := LoadRepoInventory(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "..")
}

func TestSelectRepoIDsEmptyFilterSelectsAll(t *testing.T) {
	repoDirA := t.TempDir()
	repoDirB := t.TempDir()
	path := writeFile(t, `
[repos.alpha]
path = "`+repoDirA+`"
base_branch = "main"

[repos.beta]
path = "`+repoDirB+`"
base_branch = "main"
`)
	inv, err := LoadRepoInventory(path)
	require.NoError(t, err)

	ids, err := inv.SelectRepoIDs(nil, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"alpha", "beta"}, ids)
}

func TestSelectRepoIDsUnknownRepoErrors(t *testing.T) {
	repoDir := t.TempDir()
	path := writeFile(t, validRepoTOML(repoDir))
	inv, err := LoadRepoInventory(path)
	require.NoError(t, err)

	_, err = inv.SelectRepoIDs([]string{"missing"}, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown repo_id")
}

func TestSelectRepoIDsViaGroup(t *testing.T) {
	repoDirA := t.TempDir()
	repoDirB := t.TempDir()
	path := writeFile(t, `
[repos.alpha]
path = "`+repoDirA+`"
base_branch = "main"

[repos.beta]
path = "`+repoDirB+`"
base_branch = "main"

[repo_groups]
nightly = ["alpha"]
`)
	inv, err := LoadRepoInventory(path)
	require.NoError(t, err)

	ids, err := inv.SelectRepoIDs(nil, []string{"nightly"})
	require.NoError(t, err)
	require.Equal(t, []string{"alpha"}, ids)
}

func TestLoadRepoInventoryRejectsUnknownGroupMember(t *testing.T) {
	repoDir := t.TempDir()
	path := writeFile(t, `
[repos.alpha]
path = "`+repoDir+`"
base_branch = "main"

[repo_groups]
nightly = ["ghost"]
`)
	_, err := LoadRepoInventory(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown repo_id")
}
