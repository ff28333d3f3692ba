package repoexec

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/codex-orchestrator/internal/contracts"
)

func TestBuildPromptIncludesIdentityConstraintsAndCommitProhibition(t *testing.T) {
	prompt := BuildPrompt(PromptParams{
		RunID:       "run-1",
		RepoID:      "repo-a",
		Branch:      "run/run-1",
		BeadID:      "t-1",
		Title:       "Fix login bug",
		Description: "Users can't log in with SSO",
		Contract: contracts.ResolvedExecutionContract{
			TimeBudgetMinutes:    15,
			AllowedRoots:         []string{"src"},
			DenyRoots:            []string{"secrets"},
			EnforceGivenWhenThen: true,
			ValidationCommands:   []string{"pytest -q"},
		},
	})

	require.Contains(t, prompt, "RUN_ID: run-1")
	require.Contains(t, prompt, "REPO_ID: repo-a")
	require.Contains(t, prompt, "BRANCH: run/run-1")
	require.Contains(t, prompt, "BEAD_ID: t-1")
	require.Contains(t, prompt, "Users can't log in with SSO")
	require.Contains(t, prompt, "Time budget: 15 minutes")
	require.Contains(t, prompt, "Allowed paths: src")
	require.Contains(t, prompt, "Forbidden paths: secrets")
	require.Contains(t, prompt, "Given, When, and Then")
	require.Contains(t, prompt, "pytest -q")
	require.Contains(t, prompt, "DO NOT create any git commits")
}

func TestBuildPromptDefaultsAllowedPathsToDotWhenUnset(t *testing.T) {
	prompt := BuildPrompt(PromptParams{Contract: contracts.ResolvedExecutionContract{}})
	require.True(t, strings.Contains(prompt, "Allowed paths: ."))
	require.NotContains(t, prompt, "Forbidden paths:")
}

func TestCommitSubjectAndBody(t *testing.T) {
	require.Equal(t, "beads(t-1): Fix login bug", CommitSubject("t-1", "Fix login bug", false))
	require.Equal(t, "beads(t-1): Fix login bug (failed)", CommitSubject("t-1", "Fix login bug", true))

	body := CommitBody("run-1", "t-1", "pytest -q=0")
	require.Contains(t, body, "RUN_ID: run-1")
	require.Contains(t, body, "BEAD_ID: t-1")
	require.Contains(t, body, "VALIDATION: pytest -q=0")
}
