package contracts

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/antigravity-dev/codex-orchestrator/internal/config"
)

// ResolutionError is raised when an execution contract cannot be fully
// resolved: some required field has no value at any layer (repo policy,
// overlay defaults, per-bead overrides).
type ResolutionError struct {
	RepoID    string
	BeadID    string
	Missing   []string
	OverlayAt string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf(
		"Unresolvable execution contract for repo_id=%q bead_id=%q: missing %s. Set these in %s under [defaults] or [beads.%q]",
		e.RepoID, e.BeadID, strings.Join(e.Missing, ", "), e.OverlayAt, e.BeadID,
	)
}

// ResolvedExecutionContract is the fully resolved, ready-to-execute
// contract for one bead in one repo.
type ResolvedExecutionContract struct {
	TimeBudgetMinutes         int                         `json:"time_budget_minutes"`
	ValidationCommands        []string                    `json:"validation_commands"`
	Env                       string                      `json:"env"`
	AllowEnvCreation          bool                        `json:"allow_env_creation"`
	RequiresNotebookExecution bool                        `json:"requires_notebook_execution"`
	EnforceGivenWhenThen      bool                        `json:"enforce_given_when_then"`
	AllowedRoots              []string                    `json:"allowed_roots"`
	DenyRoots                 []string                    `json:"deny_roots"`
	NotebookRoots             []string                    `json:"notebook_roots"`
	NotebookOutputPolicy      config.NotebookOutputPolicy `json:"notebook_output_policy"`
}

func dedupePreserveOrder(items []string) []string {
	out := make([]string, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}

func pickInt(defaults Patch, perBead *Patch, field func(Patch) *int) *int {
	if perBead != nil {
		if v := field(*perBead); v != nil {
			return v
		}
	}
	return field(defaults)
}

func pickBool(defaults Patch, perBead *Patch, field func(Patch) *bool) *bool {
	if perBead != nil {
		if v := field(*perBead); v != nil {
			return v
		}
	}
	return field(defaults)
}

func pickStr(defaults Patch, perBead *Patch, field func(Patch) *string) *string {
	if perBead != nil {
		if v := field(*perBead); v != nil {
			return v
		}
	}
	return field(defaults)
}

func pickStrSlice(defaults Patch, perBead *Patch, field func(Patch) []string) []string {
	if perBead != nil {
		if v := field(*perBead); v != nil {
			return v
		}
	}
	return field(defaults)
}

// Resolve applies the three-level override precedence — per-bead overlay,
// overlay defaults, repo policy — to produce one bead's execution
// contract. validation_commands is additive across all three levels
// (deduplicated, order-preserving); every other field is override-only,
// most-specific wins.
func Resolve(repoPolicy config.RepoPolicy, overlay Overlay, beadID string, overlayPath string) (ResolvedExecutionContract, error) {
	if overlay.RepoID != repoPolicy.RepoID {
		return ResolvedExecutionContract{}, fmt.Errorf(
			"contract overlay repo_id mismatch: overlay=%q policy=%q", overlay.RepoID, repoPolicy.RepoID,
		)
	}

	defaults := overlay.Defaults
	var perBead *Patch
	if p, ok := overlay.Beads[beadID]; ok {
		perBead = &p
	}

	var missing []string

	timeBudget := pickInt(defaults, perBead, func(p Patch) *int { return p.TimeBudgetMinutes })
	if timeBudget == nil {
		missing = append(missing, "time_budget_minutes")
	}

	allowEnvCreation := pickBool(defaults, perBead, func(p Patch) *bool { return p.AllowEnvCreation })
	if allowEnvCreation == nil {
		missing = append(missing, "allow_env_creation")
	}

	requiresNotebookExecution := pickBool(defaults, perBead, func(p Patch) *bool { return p.RequiresNotebookExecution })
	if requiresNotebookExecution == nil {
		missing = append(missing, "requires_notebook_execution")
	}

	enforceGWT := pickBool(defaults, perBead, func(p Patch) *bool { return p.EnforceGivenWhenThen })
	if enforceGWT == nil {
		falseVal := false
		enforceGWT = &falseVal
	}

	env := pickStr(defaults, perBead, func(p Patch) *string { return p.Env })
	if env == nil {
		env = repoPolicy.Env
	}
	if env == nil {
		missing = append(missing, "env")
	}

	allowedRoots := pickStrSlice(defaults, perBead, func(p Patch) []string { return p.AllowedRoots })
	if allowedRoots == nil {
		allowedRoots = repoPolicy.AllowedRoots
	}

	denyRoots := pickStrSlice(defaults, perBead, func(p Patch) []string { return p.DenyRoots })
	if denyRoots == nil {
		denyRoots = repoPolicy.DenyRoots
	}

	var perBeadValidation []string
	if perBead != nil && perBead.ValidationCommands != nil {
		perBeadValidation = perBead.ValidationCommands
	}
	validationCommands := dedupePreserveOrder(append(append(
		append([]string{}, repoPolicy.ValidationCommands...),
		defaults.ValidationCommands...),
		perBeadValidation...,
	))

	if len(missing) > 0 {
		sort.Strings(missing)
		hint := overlayPath
		if hint == "" {
			hint = filepath.Join("config", "bead_contracts", repoPolicy.RepoID+".toml")
		}
		return ResolvedExecutionContract{}, &ResolutionError{
			RepoID: repoPolicy.RepoID, BeadID: beadID, Missing: missing, OverlayAt: hint,
		}
	}

	return ResolvedExecutionContract{
		TimeBudgetMinutes:         *timeBudget,
		ValidationCommands:        validationCommands,
		Env:                       *env,
		AllowEnvCreation:          *allowEnvCreation,
		RequiresNotebookExecution: *requiresNotebookExecution,
		EnforceGivenWhenThen:      *enforceGWT,
		AllowedRoots:              allowedRoots,
		DenyRoots:                 denyRoots,
		NotebookRoots:             repoPolicy.NotebookRoots,
		NotebookOutputPolicy:      repoPolicy.NotebookOutputPolicy,
	}, nil
}
