// Package contracts loads per-repo execution contract overlays
// (config/bead_contracts/<repo_id>.toml) and resolves, per bead, the final
// execution contract from repo policy, overlay defaults, and per-bead
// overrides.
package contracts

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/antigravity-dev/codex-orchestrator/internal/config"
)

// OverlayError wraps every overlay load/parse/narrowing failure; it
// aggregates every problem found so a human fixes the overlay file in one
// edit.
type OverlayError struct {
	Messages []string
}

func (e *OverlayError) Error() string {
	if e == nil || len(e.Messages) == 0 {
		return ""
	}
	return "Invalid contract overlay:\n- " + strings.Join(e.Messages, "\n- ")
}

func (e *OverlayError) add(format string, args ...any) {
	e.Messages = append(e.Messages, fmt.Sprintf(format, args...))
}

func (e *OverlayError) asError() error {
	if e == nil || len(e.Messages) == 0 {
		return nil
	}
	return e
}

// Patch is one optional override layer (repo defaults, or a single bead's
// overrides) within a contract overlay file. A nil field means "not set at
// this layer" and falls through to the next layer in resolution.
type Patch struct {
	TimeBudgetMinutes                  *int
	ValidationCommands                 []string
	Env                                *string
	AllowEnvCreation                   *bool
	RequiresNotebookExecution          *bool
	EnforceGivenWhenThen               *bool
	EnablePlanningAuditIssueCreation   *bool
	PlanningAuditIssueLimit            *int
	EnableNotebookRefactorIssueCreation *bool
	NotebookRefactorIssueLimit          *int
	AllowedRoots                       []string
	DenyRoots                          []string
}

// Overlay is one repo's fully parsed and narrowing-validated contract
// overlay file.
type Overlay struct {
	RepoID   string
	Defaults Patch
	Beads    map[string]Patch
}

type patchTOML struct {
	TimeBudgetMinutes                  *int      `toml:"time_budget_minutes"`
	ValidationCommands                 *[]string `toml:"validation_commands"`
	Env                                *string   `toml:"env"`
	AllowEnvCreation                   *bool     `toml:"allow_env_creation"`
	RequiresNotebookExecution          *bool     `toml:"requires_notebook_execution"`
	EnforceGivenWhenThen               *bool     `toml:"enforce_given_when_then"`
	EnablePlanningAuditIssueCreation   *bool     `toml:"enable_planning_audit_issue_creation"`
	PlanningAuditIssueLimit            *int      `toml:"planning_audit_issue_limit"`
	EnableNotebookRefactorIssueCreation *bool    `toml:"enable_notebook_refactor_issue_creation"`
	NotebookRefactorIssueLimit          *int     `toml:"notebook_refactor_issue_limit"`
	AllowedRoots                       *[]string `toml:"allowed_roots"`
	DenyRoots                          *[]string `toml:"deny_roots"`
}

type overlayTOML struct {
	Defaults patchTOML            `toml:"defaults"`
	Beads    map[string]patchTOML `toml:"beads"`
}

func relPath(field, item string, errs *OverlayError) (string, bool) {
	if filepath.IsAbs(item) {
		errs.add("%s: must be a relative path, got %q", field, item)
		return "", false
	}
	for _, part := range strings.Split(filepath.ToSlash(item), "/") {
		if part == ".." {
			errs.add("%s: must not contain '..', got %q", field, item)
			return "", false
		}
	}
	return item, true
}

func relPaths(field string, items []string, errs *OverlayError) []string {
	out := make([]string, 0, len(items))
	for idx, item := range items {
		if p, ok := relPath(fmt.Sprintf("%s[%d]", field, idx), item, errs); ok {
			out = append(out, p)
		}
	}
	return out
}

func parsePatch(prefix string, raw patchTOML, errs *OverlayError) Patch {
	patch := Patch{
		TimeBudgetMinutes:                   raw.TimeBudgetMinutes,
		Env:                                 raw.Env,
		AllowEnvCreation:                    raw.AllowEnvCreation,
		RequiresNotebookExecution:           raw.RequiresNotebookExecution,
		EnforceGivenWhenThen:                raw.EnforceGivenWhenThen,
		EnablePlanningAuditIssueCreation:    raw.EnablePlanningAuditIssueCreation,
		PlanningAuditIssueLimit:             raw.PlanningAuditIssueLimit,
		EnableNotebookRefactorIssueCreation: raw.EnableNotebookRefactorIssueCreation,
		NotebookRefactorIssueLimit:          raw.NotebookRefactorIssueLimit,
	}

	if patch.TimeBudgetMinutes != nil && *patch.TimeBudgetMinutes <= 0 {
		errs.add("%s.time_budget_minutes: must be > 0, got %d", prefix, *patch.TimeBudgetMinutes)
		patch.TimeBudgetMinutes = nil
	}
	if patch.PlanningAuditIssueLimit != nil && *patch.PlanningAuditIssueLimit < 0 {
		errs.add("%s.planning_audit_issue_limit: must be >= 0, got %d", prefix, *patch.PlanningAuditIssueLimit)
		patch.PlanningAuditIssueLimit = nil
	}
	if patch.NotebookRefactorIssueLimit != nil && *patch.NotebookRefactorIssueLimit < 0 {
		errs.add("%s.notebook_refactor_issue_limit: must be >= 0, got %d", prefix, *patch.NotebookRefactorIssueLimit)
		patch.NotebookRefactorIssueLimit = nil
	}
	if raw.ValidationCommands != nil {
		patch.ValidationCommands = *raw.ValidationCommands
	}
	if raw.AllowedRoots != nil {
		patch.AllowedRoots = relPaths(prefix+".allowed_roots", *raw.AllowedRoots, errs)
	}
	if raw.DenyRoots != nil {
		patch.DenyRoots = relPaths(prefix+".deny_roots", *raw.DenyRoots, errs)
	}
	return patch
}

func pathIsWithin(child, parent string) bool {
	if parent == "." {
		return true
	}
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return rel == "." || !strings.HasPrefix(rel, "..")
}

func denyRootCovers(policyRoot, overlayRoot string) bool {
	if overlayRoot == "." {
		return true
	}
	return policyRoot == overlayRoot || pathIsWithin(policyRoot, overlayRoot)
}

func validateNarrowing(prefix string, patch Patch, repoPolicy config.RepoPolicy, errs *OverlayError) {
	if patch.AllowedRoots != nil {
		for idx, root := range patch.AllowedRoots {
			ok := false
			for _, policyRoot := range repoPolicy.AllowedRoots {
				if pathIsWithin(root, policyRoot) {
					ok = true
					break
				}
			}
			if !ok {
				errs.add("%s.allowed_roots: may only narrow repo policy (item %d=%q not within repo allowed_roots)", prefix, idx, root)
			}
		}
	}
	if patch.DenyRoots != nil {
		for _, policyRoot := range repoPolicy.DenyRoots {
			covered := false
			for _, overlayRoot := range patch.DenyRoots {
				if denyRootCovers(policyRoot, overlayRoot) {
					covered = true
					break
				}
			}
			if !covered {
				errs.add("%s.deny_roots: may not relax repo policy (missing coverage for %q)", prefix, policyRoot)
			}
		}
	}
}

// LoadOverlay decodes and validates one repo's contract overlay file:
// unknown top-level/patch keys are rejected, per-bead entries must name a
// known bead id, and allowed/deny roots may only narrow (never relax) the
// repo's own policy.
func LoadOverlay(overlayPath string, repoPolicy config.RepoPolicy, knownBeadIDs map[string]struct{}) (Overlay, error) {
	if _, statErr := os.Stat(overlayPath); statErr != nil {
		return Overlay{}, fmt.Errorf("contract overlay not found: %s", overlayPath)
	}

	var raw overlayTOML
	md, err := toml.DecodeFile(overlayPath, &raw)
	if err != nil {
		return Overlay{}, fmt.Errorf("failed to parse TOML in %s: %w", overlayPath, err)
	}

	errs := &OverlayError{}
	for _, key := range md.Undecoded() {
		parts := key.String()
		top := parts
		if idx := strings.IndexByte(top, '.'); idx >= 0 {
			top = top[:idx]
		}
		if top != "defaults" && top != "beads" {
			errs.add("Top-level: unknown key %q (allowed: [beads defaults])", parts)
			continue
		}
		errs.add("%s: unknown key", parts)
	}

	defaultsPatch := parsePatch("defaults", raw.Defaults, errs)
	validateNarrowing("defaults", defaultsPatch, repoPolicy, errs)

	beadIDs := make([]string, 0, len(raw.Beads))
	for id := range raw.Beads {
		beadIDs = append(beadIDs, id)
	}
	sort.Strings(beadIDs)

	beadPatches := make(map[string]Patch, len(raw.Beads))
	for _, beadID := range beadIDs {
		// A nil snapshot means the caller has no bead-store view to validate
		// against (e.g. overlay dry-run before planning); only an actual
		// snapshot rejects unknown ids.
		if _, known := knownBeadIDs[beadID]; knownBeadIDs != nil && !known {
			known := make([]string, 0, len(knownBeadIDs))
			for id := range knownBeadIDs {
				known = append(known, id)
			}
			sort.Strings(known)
			preview := known
			suffix := ""
			if len(preview) > 10 {
				preview = preview[:10]
				suffix = ", ..."
			}
			knownStr := strings.Join(preview, ", ")
			if knownStr == "" {
				knownStr = "<none>"
			}
			errs.add("beads.%q: unknown bead id (known: %s%s)", beadID, knownStr, suffix)
			continue
		}

		prefix := fmt.Sprintf("beads.%q", beadID)
		patch := parsePatch(prefix, raw.Beads[beadID], errs)
		validateNarrowing(prefix, patch, repoPolicy, errs)
		beadPatches[beadID] = patch
	}

	if err := errs.asError(); err != nil {
		return Overlay{}, err
	}

	return Overlay{RepoID: repoPolicy.RepoID, Defaults: defaultsPatch, Beads: beadPatches}, nil
}
