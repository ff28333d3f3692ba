package repoexec

import (
	"fmt"
	"strings"

	"github.com/antigravity-dev/codex-orchestrator/internal/contracts"
)

// PromptParams is every field the agent's prompt template interpolates.
type PromptParams struct {
	RunID      string
	RepoID     string
	Branch     string
	BeadID     string
	Title      string
	Description string
	Contract   contracts.ResolvedExecutionContract
}

// BuildPrompt renders the agent invocation prompt: run/repo/branch/bead
// identity, contract constraints, the validation commands it must leave
// passing, and an explicit, unambiguous prohibition on creating commits
// (the orchestrator commits on the agent's behalf after validating the
// result).
func BuildPrompt(p PromptParams) string {
	var b strings.Builder
	fmt.Fprintf(&b, "RUN_ID: %s\nREPO_ID: %s\nBRANCH: %s\nBEAD_ID: %s\nTITLE: %s\n\n", p.RunID, p.RepoID, p.Branch, p.BeadID, p.Title)
	if p.Description != "" {
		fmt.Fprintf(&b, "DESCRIPTION:\n%s\n\n", p.Description)
	}
	fmt.Fprintf(&b, "You are working on branch %s, already checked out. Implement this bead's work.\n\n", p.Branch)
	fmt.Fprintf(&b, "CONSTRAINTS:\n")
	fmt.Fprintf(&b, "- Time budget: %d minutes.\n", p.Contract.TimeBudgetMinutes)
	fmt.Fprintf(&b, "- Allowed paths: %s\n", strings.Join(orDot(p.Contract.AllowedRoots), ", "))
	if len(p.Contract.DenyRoots) > 0 {
		fmt.Fprintf(&b, "- Forbidden paths: %s\n", strings.Join(p.Contract.DenyRoots, ", "))
	}
	if p.Contract.RequiresNotebookExecution {
		fmt.Fprintf(&b, "- Any notebook you touch must be executed top-to-bottom before you finish.\n")
	}
	if p.Contract.EnforceGivenWhenThen {
		fmt.Fprintf(&b, "- Any test file you write or modify must contain the words Given, When, and Then.\n")
	}
	fmt.Fprintf(&b, "- Validation commands that must pass when you are done: %s\n", strings.Join(p.Contract.ValidationCommands, "; "))
	fmt.Fprintf(&b, "\nDO NOT create any git commits. Leave your changes uncommitted in the working tree. ")
	fmt.Fprintf(&b, "The orchestrator validates and commits your work itself. Any commit you create will be treated ")
	fmt.Fprintf(&b, "as a policy violation and your work will be discarded.\n")
	return b.String()
}

func orDot(roots []string) []string {
	if len(roots) == 0 {
		return []string{"."}
	}
	return roots
}

// CommitBody renders the commit body the orchestrator attaches to a
// successful bead's commit: run/bead identity plus the validation summary,
// so `git log` alone reconstructs provenance.
func CommitBody(runID, beadID, validationSummary string) string {
	return fmt.Sprintf("RUN_ID: %s\nBEAD_ID: %s\nVALIDATION: %s\n", runID, beadID, validationSummary)
}

// CommitSubject renders "beads(<bead_id>): <title>", optionally suffixed
// " (failed)" for failure snapshots.
func CommitSubject(beadID, title string, failed bool) string {
	subject := fmt.Sprintf("beads(%s): %s", beadID, title)
	if failed {
		subject += " (failed)"
	}
	return subject
}
