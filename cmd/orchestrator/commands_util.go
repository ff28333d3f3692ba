package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/antigravity-dev/codex-orchestrator/internal/atomicio"
	"github.com/antigravity-dev/codex-orchestrator/internal/beads"
	"github.com/antigravity-dev/codex-orchestrator/internal/contracts"
	"github.com/antigravity-dev/codex-orchestrator/internal/planningaudit"
	"github.com/antigravity-dev/codex-orchestrator/internal/repoexec"
	"github.com/antigravity-dev/codex-orchestrator/internal/review"
	"github.com/antigravity-dev/codex-orchestrator/internal/runstate"
)

// runExecRepoCommand runs the repo executor against one repo outside a
// cycle (no lifecycle gate, no other repos touched), for ad-hoc operator
// use or debugging a single repo's bead attempts.
func runExecRepoCommand(args []string) {
	fs := flag.NewFlagSet("exec-repo", flag.ExitOnError)
	var g globalFlags
	addGlobalFlags(fs, &g)
	repoID := fs.String("repo-id", "", "repo id from repos.toml to execute (required)")
	runID := fs.String("run-id", "", "run id to attribute this execution to (required)")
	focus := fs.String("focus", "", "free-text focus filter applied to ready beads")
	replan := fs.Bool("replan", false, "force replanning even if a deck already exists")
	maxBeads := fs.Int("max-beads-per-tick", 5, "maximum beads to attempt")
	tickMinutes := fs.Float64("tick-minutes", 20, "time budget for this execution, in minutes")
	fs.Parse(args)

	logger := configureLogger(g.logLevel, g.dev)
	if *repoID == "" || *runID == "" {
		logger.Error("-repo-id and -run-id are required")
		os.Exit(2)
	}

	paths, err := g.paths()
	if err != nil {
		logger.Error("resolving cache dir failed", "error", err)
		os.Exit(1)
	}
	settings := g.loadAISettings(logger)
	inv := g.loadInventory(logger)

	repoPolicy, err := inv.SelectRepos([]string{*repoID}, nil)
	if err != nil || len(repoPolicy) == 0 {
		logger.Error("unknown repo id", "repo_id", *repoID, "error", err)
		os.Exit(1)
	}

	overlay, err := loadOverlayFor(g.orchestratorConfig)(*repoID, repoPolicy[0])
	if err != nil {
		logger.Error("loading contract overlay failed", "error", err)
		os.Exit(1)
	}

	now := time.Now().UTC()
	summary, err := repoexec.RunRepoTick(context.Background(), repoExecDependencies(logger, settings, inv), repoexec.Options{
		RunID:                    *runID,
		RepoPolicy:               repoPolicy[0],
		Overlay:                  overlay,
		OverlayPath:              overlayPathFor(g.orchestratorConfig, *repoID),
		Paths:                    paths,
		TickBudget:               repoexec.TickBudget{StartedAt: now, EndsAt: now.Add(time.Duration(*tickMinutes * float64(time.Minute)))},
		MaxBeadsPerTick:          *maxBeads,
		MinMinutesToStartNewBead: 5 * time.Minute,
		DiffCaps:                 repoexec.DefaultDiffCaps,
		Replan:                   *replan,
		Focus:                    *focus,
		ReadyBeadsLimit:          50,
	})
	if err != nil {
		logger.Error("repo execution failed", "error", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(summary)
}

// runOverlayCommand validates (dry-run) or applies a bead-contract overlay
// file against a repo's policy, reporting the resolved narrowing rules or
// the validation errors that block it.
func runOverlayCommand(args []string) {
	fs := flag.NewFlagSet("overlay", flag.ExitOnError)
	var g globalFlags
	addGlobalFlags(fs, &g)
	repoID := fs.String("repo-id", "", "repo id the overlay belongs to (required)")
	mode := fs.String("mode", "dry-run", "dry-run (validate only) or apply (write to the canonical overlay path)")
	from := fs.String("from", "", "overlay TOML file to validate/apply (required)")
	fs.Parse(args)

	logger := configureLogger(g.logLevel, g.dev)
	if *repoID == "" || *from == "" {
		logger.Error("-repo-id and -from are required")
		os.Exit(2)
	}

	inv := g.loadInventory(logger)
	repoPolicies, err := inv.SelectRepos([]string{*repoID}, nil)
	if err != nil || len(repoPolicies) == 0 {
		logger.Error("unknown repo id", "repo_id", *repoID, "error", err)
		os.Exit(1)
	}

	overlay, err := contracts.LoadOverlay(*from, repoPolicies[0], nil)
	if err != nil {
		logger.Error("overlay invalid", "error", err)
		os.Exit(1)
	}
	logger.Info("overlay validated", "repo_id", *repoID, "per_bead_count", len(overlay.Beads))

	switch *mode {
	case "dry-run":
		fmt.Println("overlay is valid")
	case "apply":
		dest := overlayPathFor(g.orchestratorConfig, *repoID)
		src, err := os.ReadFile(*from)
		if err != nil {
			logger.Error("reading overlay source failed", "error", err)
			os.Exit(1)
		}
		if err := atomicio.WriteText(dest, string(src)); err != nil {
			logger.Error("writing overlay failed", "error", err)
			os.Exit(1)
		}
		fmt.Printf("overlay applied to %s\n", dest)
	default:
		logger.Error("unknown -mode", "mode", *mode)
		os.Exit(2)
	}
}

// runInitRepoCommand onboards a new repo: validates the path, initializes
// the bead store, creates the run-report directory, and appends a
// [repos.<repo_id>] entry to repos.toml (refusing to clobber an existing
// entry unless -allow-existing).
func runInitRepoCommand(args []string) {
	fs := flag.NewFlagSet("init-repo", flag.ExitOnError)
	var g globalFlags
	addGlobalFlags(fs, &g)
	repoID := fs.String("repo-id", "", "repo id to register in repos.toml (required)")
	repoPath := fs.String("path", "", "absolute filesystem path to the repo (required)")
	env := fs.String("env", "", "environment name validation commands run inside")
	baseBranch := fs.String("base-branch", "main", "branch run branches are created from")
	var validationCommands stringListFlag
	fs.Var(&validationCommands, "validation-command", "default validation command (repeatable)")
	allowExisting := fs.Bool("allow-existing", false, "proceed even if repos.toml already has this repo id")
	fs.Parse(args)

	logger := configureLogger(g.logLevel, g.dev)
	if *repoID == "" || *repoPath == "" {
		logger.Error("-repo-id and -path are required")
		os.Exit(2)
	}
	if !filepath.IsAbs(*repoPath) {
		logger.Error("-path must be absolute", "path", *repoPath)
		os.Exit(2)
	}
	info, err := os.Stat(*repoPath)
	if err != nil || !info.IsDir() {
		logger.Error("-path must be an existing directory", "path", *repoPath, "error", err)
		os.Exit(1)
	}
	if _, err := os.Stat(filepath.Join(*repoPath, ".git")); err != nil {
		logger.Error("-path is not a git repository (no .git)", "path", *repoPath)
		os.Exit(1)
	}

	existing := false
	if data, err := os.ReadFile(g.reposConfig); err == nil {
		existing = strings.Contains(string(data), fmt.Sprintf("[repos.%s]", *repoID)) ||
			strings.Contains(string(data), fmt.Sprintf("[repos.%q]", *repoID))
	}
	if existing && !*allowExisting {
		logger.Error("repo id already present in repos.toml; pass -allow-existing to proceed without rewriting it",
			"repo_id", *repoID, "repos", g.reposConfig)
		os.Exit(1)
	}

	if err := beads.Init(context.Background(), *repoPath, 30*time.Second); err != nil {
		logger.Error("bead store init failed", "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(filepath.Join(*repoPath, "docs", "runs"), 0o755); err != nil {
		logger.Error("creating docs/runs failed", "error", err)
		os.Exit(1)
	}

	if !existing {
		var b strings.Builder
		fmt.Fprintf(&b, "\n[repos.%s]\n", *repoID)
		fmt.Fprintf(&b, "path = %q\n", *repoPath)
		fmt.Fprintf(&b, "base_branch = %q\n", *baseBranch)
		if *env != "" {
			fmt.Fprintf(&b, "env = %q\n", *env)
		}
		if len(validationCommands) > 0 {
			quoted := make([]string, 0, len(validationCommands))
			for _, c := range validationCommands {
				quoted = append(quoted, fmt.Sprintf("%q", c))
			}
			fmt.Fprintf(&b, "validation_commands = [%s]\n", strings.Join(quoted, ", "))
		}
		if err := atomicio.AppendText(g.reposConfig, b.String()); err != nil {
			logger.Error("appending to repos.toml failed", "error", err)
			os.Exit(1)
		}
	}

	// Reload to confirm the result passes full inventory validation.
	_ = g.loadInventory(logger)
	fmt.Printf("repo %s initialized at %s and registered in %s\n", *repoID, *repoPath, g.reposConfig)
}

// runPlanningAuditCommand prints the planning-audit findings recorded for
// one repo within a run.
func runPlanningAuditCommand(args []string) {
	fs := flag.NewFlagSet("planning-audit", flag.ExitOnError)
	var g globalFlags
	addGlobalFlags(fs, &g)
	runID := fs.String("run-id", "", "run id (default: the currently active run)")
	repoID := fs.String("repo-id", "", "repo id (required)")
	dump := fs.String("dump", "", "dump the raw report: json or md")
	allowMissing := fs.Bool("allow-missing", false, "exit 0 with a notice when no report was recorded")
	fs.Parse(args)

	logger := configureLogger(g.logLevel, g.dev)
	if *repoID == "" {
		logger.Error("-repo-id is required")
		os.Exit(2)
	}

	paths, err := g.paths()
	if err != nil {
		logger.Error("resolving cache dir failed", "error", err)
		os.Exit(1)
	}

	resolvedRunID := *runID
	if resolvedRunID == "" {
		var state runstate.CurrentRunState
		if err := atomicio.ReadJSON(paths.CurrentRunPath(), &state); err != nil {
			logger.Error("-run-id is required when no run is active")
			os.Exit(2)
		}
		resolvedRunID = state.RunID
	}

	reportPath := paths.RepoPlanningAuditJSONPath(resolvedRunID, *repoID)
	var report planningaudit.Report
	if err := atomicio.ReadJSON(reportPath, &report); err != nil {
		if os.IsNotExist(err) && *allowMissing {
			fmt.Println("no planning-audit report recorded")
			return
		}
		logger.Error("reading planning-audit report failed", "path", reportPath, "error", err)
		os.Exit(1)
	}

	switch *dump {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
		return
	case "md":
		fmt.Printf("# Planning audit: run %s, repo %s\n\n", report.RunID, report.RepoID)
		for _, f := range report.Findings {
			fmt.Printf("- **%s** `%s`: %s\n", f.Severity, f.BeadID, f.Message)
		}
		return
	case "":
	default:
		logger.Error("-dump must be json or md", "dump", *dump)
		os.Exit(2)
	}

	if len(report.Findings) == 0 {
		fmt.Println("no planning-audit findings recorded")
		return
	}
	for _, f := range report.Findings {
		fmt.Printf("[%s] %s: %s\n", f.Severity, f.BeadID, f.Message)
	}
}

// runRunInfoCommand inspects orchestrator state: the active run by default,
// a specific run's artifacts with -run-id, recent runs with -limit, and a
// repo's exec-log tail with -repo-id/-tail-lines.
func runRunInfoCommand(args []string) {
	fs := flag.NewFlagSet("run-info", flag.ExitOnError)
	var g globalFlags
	addGlobalFlags(fs, &g)
	runID := fs.String("run-id", "", "inspect this run instead of the active one")
	repoID := fs.String("repo-id", "", "also tail this repo's exec log for the selected run")
	limit := fs.Int("limit", 5, "how many recent runs to list")
	tailLines := fs.Int("tail-lines", 20, "lines of the repo exec log to print")
	asJSON := fs.Bool("json", false, "emit machine-readable JSON instead of text")
	fs.Parse(args)

	logger := configureLogger(g.logLevel, g.dev)
	paths, err := g.paths()
	if err != nil {
		logger.Error("resolving cache dir failed", "error", err)
		os.Exit(1)
	}

	selected := *runID
	var state runstate.CurrentRunState
	haveState := atomicio.ReadJSON(paths.CurrentRunPath(), &state) == nil
	if selected == "" && haveState {
		selected = state.RunID
	}

	if *asJSON {
		out := map[string]any{}
		if haveState {
			out["current_run"] = state
		}
		out["recent_runs"] = recentRunIDs(paths.RunsDir(), *limit)
		if selected != "" && *repoID != "" {
			out["exec_log_tail"] = tailFileLines(paths.RepoExecLogPath(selected, *repoID), *tailLines)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(out)
		return
	}

	if haveState {
		fmt.Printf("active run: %s (mode=%s, ticks=%d, idle=%d, beads=%d, expires=%s)\n",
			state.RunID, state.Mode, state.TickCount, state.ConsecutiveIdleTicks,
			state.BeadsAttemptedTotal, state.ExpiresAt.Format(time.RFC3339))
	} else {
		fmt.Println("no active run")
	}

	recent := recentRunIDs(paths.RunsDir(), *limit)
	if len(recent) > 0 {
		fmt.Println("recent runs:")
		for _, id := range recent {
			marker := ""
			if _, err := os.Stat(paths.RunEndPath(id)); err == nil {
				marker = " (ended)"
			}
			fmt.Printf("  %s%s\n", id, marker)
		}
	}

	if selected != "" && *repoID != "" {
		lines := tailFileLines(paths.RepoExecLogPath(selected, *repoID), *tailLines)
		if len(lines) == 0 {
			fmt.Printf("no exec log for repo %s in run %s\n", *repoID, selected)
			return
		}
		fmt.Printf("exec log tail (%s / %s):\n", selected, *repoID)
		for _, line := range lines {
			fmt.Printf("  %s\n", line)
		}
	}
}

func recentRunIDs(runsDir string, limit int) []string {
	entries, err := os.ReadDir(runsDir)
	if err != nil {
		return nil
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids
}

func tailFileLines(path string, n int) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

// runSignoffCommand records a human signoff decision for a finished run,
// cryptographically binding the decision to that run's final review.
func runSignoffCommand(args []string) {
	fs := flag.NewFlagSet("signoff", flag.ExitOnError)
	var g globalFlags
	addGlobalFlags(fs, &g)
	runID := fs.String("run-id", "", "run id to sign off on (required)")
	reviewer := fs.String("reviewer", "", "identity of the human signing off (required)")
	decision := fs.String("decision", "approved", "approved or rejected")
	notes := fs.String("notes", "", "free-text notes accompanying the decision")
	fs.Parse(args)

	logger := configureLogger(g.logLevel, g.dev)
	if *runID == "" || *reviewer == "" {
		logger.Error("-run-id and -reviewer are required")
		os.Exit(2)
	}
	if *decision != "approved" && *decision != "rejected" {
		logger.Error("-decision must be approved or rejected", "decision", *decision)
		os.Exit(2)
	}

	paths, err := g.paths()
	if err != nil {
		logger.Error("resolving cache dir failed", "error", err)
		os.Exit(1)
	}

	so, err := review.WriteRunSignoff(paths, *runID, *decision, *reviewer, *notes, time.Now().UTC())
	if err != nil {
		logger.Error("writing signoff failed", "error", err)
		os.Exit(1)
	}
	fmt.Printf("signoff recorded: run=%s decision=%s reviewer=%s final_review_sha256=%s\n", so.RunID, so.Decision, so.SignedBy, so.FinalReviewSHA256)
}
