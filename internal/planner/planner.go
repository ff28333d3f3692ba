// Package planner implements the run deck (C8): for one repo at the start
// of a tick, resolve every ready bead's execution contract, capture a
// baseline validation snapshot, and freeze the result as an idempotently
// reused deck file. Grounded on internal/beads's dependency-graph helpers
// (BuildDepGraph, SortStable) and original_source's planning-pass shape.
package planner

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/antigravity-dev/codex-orchestrator/internal/atomicio"
	"github.com/antigravity-dev/codex-orchestrator/internal/beads"
	"github.com/antigravity-dev/codex-orchestrator/internal/config"
	"github.com/antigravity-dev/codex-orchestrator/internal/contracts"
	"github.com/antigravity-dev/codex-orchestrator/internal/orchpaths"
)

// BaselineValidationResult is the exit code of one required validation
// command, captured before any bead work begins, so the executor can later
// distinguish a regression from a pre-existing failure.
type BaselineValidationResult struct {
	Command  string `json:"command"`
	ExitCode int    `json:"exit_code"`
}

// DeckItem is one ready bead the deck commits to attempting.
type DeckItem struct {
	BeadID                    string                     `json:"bead_id"`
	Title                     string                     `json:"title"`
	ResolvedContract          contracts.ResolvedExecutionContract `json:"resolved_contract"`
	BaselineValidationResults []BaselineValidationResult `json:"baseline_validation_results"`
}

// SkippedBead is a ready bead that did not make it into the deck, with an
// actionable reason.
type SkippedBead struct {
	BeadID     string `json:"bead_id"`
	Title      string `json:"title"`
	NextAction string `json:"next_action"`
}

// Deck is the frozen, ordered work list for one (run_id, repo_id).
type Deck struct {
	SchemaVersion int           `json:"schema_version"`
	RunID         string        `json:"run_id"`
	RepoID        string        `json:"repo_id"`
	GeneratedAt   time.Time     `json:"generated_at"`
	Items         []DeckItem    `json:"items"`
	SkippedBeads  []SkippedBead `json:"skipped_beads"`
}

const deckSchemaVersion = 1

// ValidationRunner executes one baseline validation command in repoDir and
// returns its exit code, decoupling the planner from any particular shell
// invocation mechanism (the repo executor supplies the real implementation,
// tests can supply a stub).
type ValidationRunner func(ctx context.Context, repoDir, command string) (exitCode int, err error)

// Options configures one Plan call.
type Options struct {
	RunID             string
	RepoPolicy        config.RepoPolicy
	Overlay           contracts.Overlay
	OverlayPath       string
	ReadyBeads        []beads.Bead
	Focus             string
	Replan            bool
	RunValidation     ValidationRunner
	Now               time.Time
}

// Plan produces or reuses a Deck for (runID, repo). Reuse rule: if a deck
// file already exists for this (run_id, repo_id) and Replan was not
// requested, it is loaded verbatim — never recomputed — freezing scope
// across crashes and mid-run planning disturbances.
func Plan(ctx context.Context, paths orchpaths.Paths, opts Options) (Deck, error) {
	if !opts.Replan {
		existingPath, err := paths.FindExistingRunDeckPath(opts.RunID, opts.RepoPolicy.RepoID)
		if err != nil {
			return Deck{}, fmt.Errorf("looking up existing deck: %w", err)
		}
		if existingPath != "" {
			var deck Deck
			if err := atomicio.ReadJSON(existingPath, &deck); err != nil {
				return Deck{}, fmt.Errorf("loading existing deck %s: %w", existingPath, err)
			}
			return deck, nil
		}
	}

	knownBeadIDs := make(map[string]struct{}, len(opts.ReadyBeads))
	for _, b := range opts.ReadyBeads {
		knownBeadIDs[b.ID] = struct{}{}
	}

	ordered := append([]beads.Bead{}, opts.ReadyBeads...)
	beads.SortStable(ordered)

	var items []DeckItem
	var skipped []SkippedBead
	uniqueCommands := map[string]struct{}{}
	var orderedCommands []string

	for _, b := range ordered {
		if opts.Focus != "" && !matchesFocus(opts.Focus, b) {
			skipped = append(skipped, SkippedBead{BeadID: b.ID, Title: b.Title, NextAction: "Excluded by focus filter"})
			continue
		}
		resolved, err := contracts.Resolve(opts.RepoPolicy, opts.Overlay, b.ID, opts.OverlayPath)
		if err != nil {
			skipped = append(skipped, SkippedBead{BeadID: b.ID, Title: b.Title, NextAction: err.Error()})
			continue
		}
		for _, cmd := range resolved.ValidationCommands {
			if _, ok := uniqueCommands[cmd]; !ok {
				uniqueCommands[cmd] = struct{}{}
				orderedCommands = append(orderedCommands, cmd)
			}
		}
		items = append(items, DeckItem{BeadID: b.ID, Title: b.Title, ResolvedContract: resolved})
	}

	baselineByCommand := map[string]int{}
	if opts.RunValidation != nil {
		for _, cmd := range orderedCommands {
			exitCode, err := opts.RunValidation(ctx, opts.RepoPolicy.Path, cmd)
			if err != nil {
				exitCode = -1
			}
			baselineByCommand[cmd] = exitCode
		}
	}
	for i := range items {
		for _, cmd := range items[i].ResolvedContract.ValidationCommands {
			items[i].BaselineValidationResults = append(items[i].BaselineValidationResults, BaselineValidationResult{
				Command:  cmd,
				ExitCode: baselineByCommand[cmd],
			})
		}
	}

	now := opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	deck := Deck{
		SchemaVersion: deckSchemaVersion,
		RunID:         opts.RunID,
		RepoID:        opts.RepoPolicy.RepoID,
		GeneratedAt:   now,
		Items:         items,
		SkippedBeads:  skipped,
	}

	deckPath := paths.RunDeckPath(opts.RunID, opts.RepoPolicy.RepoID, now)
	if err := atomicio.WriteJSON(deckPath, deck); err != nil {
		return Deck{}, fmt.Errorf("writing deck: %w", err)
	}
	return deck, nil
}

// matchesFocus implements the free-text "fuzzy relevance" filter: every
// whitespace-separated token in focus must appear as a case-insensitive
// substring somewhere in the bead's title, labels, or description.
func matchesFocus(focus string, b beads.Bead) bool {
	haystack := strings.ToLower(strings.Join(append([]string{b.Title, b.Description}, b.Labels...), " "))
	for _, token := range strings.Fields(strings.ToLower(focus)) {
		if !strings.Contains(haystack, token) {
			return false
		}
	}
	return true
}

// FormatBaselineSummary renders a one-line human-readable baseline summary,
// e.g. "3/4 passing", used in audit records and run reports.
func FormatBaselineSummary(results []BaselineValidationResult) string {
	passing := 0
	for _, r := range results {
		if r.ExitCode == 0 {
			passing++
		}
	}
	return strconv.Itoa(passing) + "/" + strconv.Itoa(len(results)) + " passing"
}

// SortDeckItemsByBeadID is used by callers (final review) that need a
// stable secondary order distinct from the deck's own attempt order.
func SortDeckItemsByBeadID(items []DeckItem) []DeckItem {
	out := append([]DeckItem{}, items...)
	sort.Slice(out, func(i, j int) bool { return out[i].BeadID < out[j].BeadID })
	return out
}
