// Package config loads and validates the orchestrator's TOML configuration:
// the unattended AI policy (orchestrator.toml) and the managed-repo
// inventory (repos.toml). Contract overlays (bead_contracts/<repo_id>.toml)
// live in internal/contracts, which depends on the RepoPolicy types defined
// here.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s"
// or "2m". No field of the decoded configuration files uses it; night window
// times, manual TTL and tick budgets are not read from these files.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ValidationIssue is one structured configuration validation failure.
type ValidationIssue struct {
	FieldPath  string
	Message    string
	Suggestion string
}

// ValidationError aggregates every configuration validation failure found
// in one pass, so a human fixes every problem in one edit instead of
// rerunning the orchestrator once per issue.
type ValidationError struct {
	Issues []ValidationIssue
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("configuration invalid")
	for _, issue := range e.Issues {
		b.WriteString("\n  - ")
		if issue.FieldPath != "" {
			b.WriteString(issue.FieldPath)
			b.WriteString(": ")
		}
		b.WriteString(issue.Message)
		if strings.TrimSpace(issue.Suggestion) != "" {
			b.WriteString(" (suggestion: ")
			b.WriteString(issue.Suggestion)
			b.WriteString(")")
		}
	}
	return b.String()
}

// Add appends one issue.
func (e *ValidationError) Add(fieldPath, message, suggestion string) {
	e.Issues = append(e.Issues, ValidationIssue{FieldPath: fieldPath, Message: message, Suggestion: suggestion})
}

// AsError returns e if it carries any issues, else nil — lets callers write
// `return errs.AsError()` instead of an explicit len check everywhere.
func (e *ValidationError) AsError() error {
	if e == nil || len(e.Issues) == 0 {
		return nil
	}
	return e
}

// ExpandHome resolves a leading "~" to the current user's home directory.
func ExpandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}

// RequiredCodexModel and RequiredReasoningEffort are the unattended AI
// policy's mandated constants. The orchestrator refuses to start with
// anything else: an unattended agent must not silently run under-powered.
const (
	RequiredCodexModel      = "gpt-5.2"
	RequiredReasoningEffort = "xhigh"
)

// AISettings is the decoded, validated [ai] table from orchestrator.toml.
type AISettings struct {
	Model           string `toml:"model"`
	ReasoningEffort string `toml:"reasoning_effort"`
}

type orchestratorTOML struct {
	AI AISettings `toml:"ai"`
}

// LoadAISettings decodes and validates orchestrator.toml: unknown top-level
// keys are rejected, and both ai fields must be non-empty strings.
func LoadAISettings(path string) (AISettings, error) {
	var raw orchestratorTOML
	md, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return AISettings{}, fmt.Errorf("parsing %s: %w", path, err)
	}

	errs := &ValidationError{}
	for _, key := range md.Undecoded() {
		errs.Add(key.String(), "unknown key", "remove it or check for a typo")
	}
	if strings.TrimSpace(raw.AI.Model) == "" {
		errs.Add("ai.model", "required field missing or empty", "")
	}
	if strings.TrimSpace(raw.AI.ReasoningEffort) == "" {
		errs.Add("ai.reasoning_effort", "required field missing or empty", "")
	}
	if err := errs.AsError(); err != nil {
		return AISettings{}, fmt.Errorf("invalid AI config %s: %w", path, err)
	}
	return raw.AI, nil
}

// EnforceUnattendedAIPolicy refuses startup unless settings match the
// required constants.
func EnforceUnattendedAIPolicy(settings AISettings, configPath string) error {
	errs := &ValidationError{}
	if settings.Model != RequiredCodexModel {
		errs.Add("ai.model", fmt.Sprintf("must be %q (got %q)", RequiredCodexModel, settings.Model), "")
	}
	if settings.ReasoningEffort != RequiredReasoningEffort {
		errs.Add("ai.reasoning_effort", fmt.Sprintf("must be %q (got %q)", RequiredReasoningEffort, settings.ReasoningEffort), "")
	}
	if len(errs.Issues) == 0 {
		return nil
	}
	return fmt.Errorf(
		"unattended AI policy violation; refusing to start.\nConfig: %s\n%w\nNext action: set the required values in %s and re-run",
		configPath, errs, configPath,
	)
}

// CodexCLIArgsForSettings returns the codex exec flags implied by settings,
// kept in one place so subprocess invocations and audit logs stay consistent.
func CodexCLIArgsForSettings(settings AISettings) []string {
	return []string{
		"--model", settings.Model,
		"-c", fmt.Sprintf("reasoning_effort=%q", settings.ReasoningEffort),
	}
}

// NotebookOutputPolicy is either "strip" or "keep".
type NotebookOutputPolicy string

const (
	NotebookOutputStrip NotebookOutputPolicy = "strip"
	NotebookOutputKeep  NotebookOutputPolicy = "keep"
)

// RepoPolicy is one managed repository's read-only configuration.
type RepoPolicy struct {
	RepoID               string
	Path                 string
	BaseBranch           string
	Env                  *string
	NotebookRoots        []string
	AllowedRoots         []string
	DenyRoots            []string
	ValidationCommands   []string
	NotebookOutputPolicy NotebookOutputPolicy
	DirtyIgnoreGlobs     []string
	DirtyCleanup         bool
}

// RepoInventory is the fully-loaded, validated repos.toml.
type RepoInventory struct {
	Repos      map[string]RepoPolicy
	RepoGroups map[string][]string
}

// ListRepos returns every repo, sorted by repo_id.
func (inv RepoInventory) ListRepos() []RepoPolicy {
	ids := make([]string, 0, len(inv.Repos))
	for id := range inv.Repos {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]RepoPolicy, 0, len(ids))
	for _, id := range ids {
		out = append(out, inv.Repos[id])
	}
	return out
}

// SelectRepoIDs resolves an explicit repo-id/group filter to a sorted,
// deduplicated list of repo ids; empty filters select everything.
func (inv RepoInventory) SelectRepoIDs(repoIDs, repoGroups []string) ([]string, error) {
	repoIDs = nonEmpty(repoIDs)
	repoGroups = nonEmpty(repoGroups)

	if len(repoIDs) == 0 && len(repoGroups) == 0 {
		out := make([]string, 0, len(inv.Repos))
		for id := range inv.Repos {
			out = append(out, id)
		}
		sort.Strings(out)
		return out, nil
	}

	var unknownRepos []string
	for _, id := range repoIDs {
		if _, ok := inv.Repos[id]; !ok {
			unknownRepos = append(unknownRepos, id)
		}
	}
	if len(unknownRepos) > 0 {
		sort.Strings(unknownRepos)
		return nil, fmt.Errorf("unknown repo_id(s): %s (known: %s)", strings.Join(unknownRepos, ", "), strings.Join(inv.knownRepoIDs(), ", "))
	}

	var unknownGroups []string
	for _, g := range repoGroups {
		if _, ok := inv.RepoGroups[g]; !ok {
			unknownGroups = append(unknownGroups, g)
		}
	}
	if len(unknownGroups) > 0 {
		sort.Strings(unknownGroups)
		known := inv.knownGroupNames()
		if len(known) == 0 {
			known = []string{"<none>"}
		}
		return nil, fmt.Errorf("unknown repo_group(s): %s (known: %s)", strings.Join(unknownGroups, ", "), strings.Join(known, ", "))
	}

	selected := map[string]struct{}{}
	for _, id := range repoIDs {
		selected[id] = struct{}{}
	}
	for _, g := range repoGroups {
		for _, id := range inv.RepoGroups[g] {
			selected[id] = struct{}{}
		}
	}
	out := make([]string, 0, len(selected))
	for id := range selected {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// SelectRepos resolves the same filter as SelectRepoIDs but returns policies.
func (inv RepoInventory) SelectRepos(repoIDs, repoGroups []string) ([]RepoPolicy, error) {
	ids, err := inv.SelectRepoIDs(repoIDs, repoGroups)
	if err != nil {
		return nil, err
	}
	out := make([]RepoPolicy, 0, len(ids))
	for _, id := range ids {
		out = append(out, inv.Repos[id])
	}
	return out, nil
}

func (inv RepoInventory) knownRepoIDs() []string {
	out := make([]string, 0, len(inv.Repos))
	for id := range inv.Repos {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (inv RepoInventory) knownGroupNames() []string {
	out := make([]string, 0, len(inv.RepoGroups))
	for name := range inv.RepoGroups {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// requiredOrchestratorOutputRoots are the two relative roots the
// orchestrator must itself be able to write: the bead store and the
// human-readable run report directory.
var requiredOrchestratorOutputRoots = []string{".beads", "docs/runs"}

func cleanRel(p string) string {
	return filepath.ToSlash(filepath.Clean(p))
}

func pathWithin(target, root string) bool {
	root = cleanRel(root)
	if root == "." {
		return true
	}
	target = cleanRel(target)
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel == "." || !strings.HasPrefix(rel, "..")
}

func firstCoveringRoot(target string, roots []string) (string, bool) {
	for _, r := range roots {
		if pathWithin(target, r) {
			return r, true
		}
	}
	return "", false
}

func validateOrchestratorOutputsPolicy(repoID string, allowedRoots, denyRoots []string, errs *ValidationError) {
	for _, required := range requiredOrchestratorOutputRoots {
		if denyMatch, ok := firstCoveringRoot(required, denyRoots); ok {
			errs.Add(fmt.Sprintf("repos.%s.deny_roots", repoID),
				fmt.Sprintf("must not cover orchestrator output %q (denied by %q)", required, denyMatch), "")
		}
		if _, ok := firstCoveringRoot(required, allowedRoots); !ok {
			errs.Add(fmt.Sprintf("repos.%s.allowed_roots", repoID),
				fmt.Sprintf("must include orchestrator output %q (or a parent like '.' or %q)", required, filepath.Dir(required)), "")
		}
	}
}

func validateRelPaths(field string, items []string, errs *ValidationError) []string {
	out := make([]string, 0, len(items))
	for idx, item := range items {
		if filepath.IsAbs(item) {
			errs.Add(fmt.Sprintf("%s[%d]", field, idx), fmt.Sprintf("must be a relative path, got %q", item), "")
			continue
		}
		hasDotDot := false
		for _, part := range strings.Split(filepath.ToSlash(item), "/") {
			if part == ".." {
				hasDotDot = true
			}
		}
		if hasDotDot {
			errs.Add(fmt.Sprintf("%s[%d]", field, idx), fmt.Sprintf("must not contain '..', got %q", item), "")
			continue
		}
		out = append(out, item)
	}
	return out
}

type repoTOML struct {
	Path                 string   `toml:"path"`
	BaseBranch           string   `toml:"base_branch"`
	Env                  string   `toml:"env"`
	NotebookRoots        []string `toml:"notebook_roots"`
	AllowedRoots         []string `toml:"allowed_roots"`
	DenyRoots            []string `toml:"deny_roots"`
	ValidationCommands   []string `toml:"validation_commands"`
	NotebookOutputPolicy string   `toml:"notebook_output_policy"`
	DirtyIgnoreGlobs     []string `toml:"dirty_ignore_globs"`
	DirtyCleanup         bool     `toml:"dirty_cleanup"`
}

type reposTOML struct {
	Repos      map[string]repoTOML `toml:"repos"`
	RepoGroups map[string][]string `toml:"repo_groups"`
}

// LoadRepoInventory decodes and validates repos.toml: every repo path must
// be absolute and exist, relative roots must contain no "..", and every
// repo's allowed/deny roots must leave the orchestrator able to write
// .beads and docs/runs.
func LoadRepoInventory(path string) (RepoInventory, error) {
	var raw reposTOML
	md, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return RepoInventory{}, fmt.Errorf("parsing %s: %w", path, err)
	}

	errs := &ValidationError{}
	for _, key := range md.Undecoded() {
		errs.Add(key.String(), "unknown key", "remove it or check for a typo")
	}
	if raw.Repos == nil {
		errs.Add("repos", "required table missing (expected [repos.<repo_id>])", "")
		return RepoInventory{}, fmt.Errorf("invalid config %s: %w", path, errs)
	}

	repos := make(map[string]RepoPolicy, len(raw.Repos))
	ids := make([]string, 0, len(raw.Repos))
	for id := range raw.Repos {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, repoID := range ids {
		rt := raw.Repos[repoID]

		if strings.TrimSpace(rt.Path) == "" {
			errs.Add(fmt.Sprintf("repos.%s.path", repoID), "required field missing", "")
			continue
		}
		if strings.TrimSpace(rt.BaseBranch) == "" {
			errs.Add(fmt.Sprintf("repos.%s.base_branch", repoID), "required field missing", "")
			continue
		}

		repoPath, expandErr := ExpandHome(rt.Path)
		if expandErr != nil {
			errs.Add(fmt.Sprintf("repos.%s.path", repoID), expandErr.Error(), "")
			continue
		}
		if !filepath.IsAbs(repoPath) {
			errs.Add(fmt.Sprintf("repos.%s.path", repoID), fmt.Sprintf("must be an absolute path, got %q", rt.Path), "")
			continue
		}
		info, statErr := os.Stat(repoPath)
		if statErr != nil {
			errs.Add(fmt.Sprintf("repos.%s.path", repoID), fmt.Sprintf("does not exist: %q", rt.Path), "")
			continue
		}
		if !info.IsDir() {
			errs.Add(fmt.Sprintf("repos.%s.path", repoID), fmt.Sprintf("must be a directory, got %q", rt.Path), "")
			continue
		}

		notebookRoots := rt.NotebookRoots
		if notebookRoots == nil {
			notebookRoots = []string{"."}
		}
		allowedRoots := rt.AllowedRoots
		if allowedRoots == nil {
			allowedRoots = []string{"."}
		}
		denyRoots := rt.DenyRoots

		notebookRoots = validateRelPaths(fmt.Sprintf("repos.%s.notebook_roots", repoID), notebookRoots, errs)
		allowedRoots = validateRelPaths(fmt.Sprintf("repos.%s.allowed_roots", repoID), allowedRoots, errs)
		denyRoots = validateRelPaths(fmt.Sprintf("repos.%s.deny_roots", repoID), denyRoots, errs)

		notebookOutputPolicy := NotebookOutputStrip
		if rt.NotebookOutputPolicy != "" {
			switch rt.NotebookOutputPolicy {
			case "strip":
				notebookOutputPolicy = NotebookOutputStrip
			case "keep":
				notebookOutputPolicy = NotebookOutputKeep
			default:
				errs.Add(fmt.Sprintf("repos.%s.notebook_output_policy", repoID),
					fmt.Sprintf("expected 'strip' or 'keep', got %q", rt.NotebookOutputPolicy), "")
			}
		}

		var env *string
		if strings.TrimSpace(rt.Env) != "" {
			v := rt.Env
			env = &v
		}

		repos[repoID] = RepoPolicy{
			RepoID:               repoID,
			Path:                 repoPath,
			BaseBranch:           rt.BaseBranch,
			Env:                  env,
			NotebookRoots:        notebookRoots,
			AllowedRoots:         allowedRoots,
			DenyRoots:            denyRoots,
			ValidationCommands:   rt.ValidationCommands,
			NotebookOutputPolicy: notebookOutputPolicy,
			DirtyIgnoreGlobs:     rt.DirtyIgnoreGlobs,
			DirtyCleanup:         rt.DirtyCleanup,
		}
		validateOrchestratorOutputsPolicy(repoID, allowedRoots, denyRoots, errs)
	}

	repoGroups := map[string][]string{}
	for name, members := range raw.RepoGroups {
		repoGroups[name] = members
	}
	for _, name := range sortedKeys(repoGroups) {
		for _, member := range repoGroups[name] {
			if _, ok := repos[member]; !ok {
				known := make([]string, 0, len(repos))
				for id := range repos {
					known = append(known, id)
				}
				sort.Strings(known)
				knownStr := strings.Join(known, ", ")
				if knownStr == "" {
					knownStr = "<none>"
				}
				errs.Add(fmt.Sprintf("repo_groups.%s", name), fmt.Sprintf("unknown repo_id %q (known: %s)", member, knownStr), "")
			}
		}
	}

	if err := errs.AsError(); err != nil {
		return RepoInventory{}, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return RepoInventory{Repos: repos, RepoGroups: repoGroups}, nil
}

func sortedKeys(m map[string][]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
