package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/antigravity-dev/codex-orchestrator/internal/config"
	"github.com/antigravity-dev/codex-orchestrator/internal/cycle"
	"github.com/antigravity-dev/codex-orchestrator/internal/repoexec"
	"github.com/antigravity-dev/codex-orchestrator/internal/runstate"
)

// stringListFlag collects a repeatable string flag (e.g. --repo-id a --repo-id b).
type stringListFlag []string

func (f *stringListFlag) String() string { return fmt.Sprintf("%v", []string(*f)) }

func (f *stringListFlag) Set(v string) error {
	*f = append(*f, v)
	return nil
}

// defaultMaxParallel resolves the repo fan-out width: the MAX_PARALLEL env
// var if set, else min(#repos, cpu, 4), never below 1.
func defaultMaxParallel(numRepos int) int {
	if v := os.Getenv("MAX_PARALLEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 {
			return n
		}
	}
	n := numRepos
	if cpus := runtime.NumCPU(); cpus < n {
		n = cpus
	}
	if n > 4 {
		n = 4
	}
	if n < 1 {
		n = 1
	}
	return n
}

func parseMode(logger *slog.Logger, mode string) runstate.RunMode {
	switch mode {
	case "automated":
		return runstate.ModeAutomated
	case "manual":
		return runstate.ModeManual
	default:
		logger.Error("-mode must be automated or manual", "mode", mode)
		os.Exit(2)
		return ""
	}
}

// cycleParams carries every tunable a cycle tick accepts, with the defaults
// the spec's conservative safety envelope prescribes.
type cycleParams struct {
	mode                 runstate.RunMode
	focus                string
	replan               bool
	maxParallel          int
	tickDuration         time.Duration
	maxBeadsPerTick      int
	minMinutesToStart    time.Duration
	diffCapFiles         int
	diffCapLines         int
	idleTicksToEnd       int
	manualTTL            time.Duration
	forceActionable      bool
	finalReviewAgentPass bool
}

func addCycleFlags(fs *flag.FlagSet, p *cycleParams) (mode *string, tickMinutes, manualTTLHours *float64, minMinutes *int) {
	mode = fs.String("mode", "automated", "run mode: automated or manual")
	fs.StringVar(&p.focus, "focus", "", "free-text focus filter applied to ready beads")
	fs.BoolVar(&p.replan, "replan", false, "force replanning even if a deck already exists for this run/repo")
	fs.IntVar(&p.maxParallel, "max-parallel", 0, "maximum repos ticked concurrently (default: min(#repos, cpu, 4), or MAX_PARALLEL)")
	tickMinutes = fs.Float64("tick-minutes", 20, "time budget allotted to each tick, in minutes")
	fs.IntVar(&p.maxBeadsPerTick, "max-beads-per-tick", 5, "maximum beads attempted per repo per tick")
	minMinutes = fs.Int("min-minutes-to-start-new-bead", 5, "minimum remaining tick minutes before a new bead may start")
	fs.IntVar(&p.diffCapFiles, "diff-cap-files", repoexec.DefaultDiffCaps.MaxFilesChanged, "maximum files changed across a repo tick's commits")
	fs.IntVar(&p.diffCapLines, "diff-cap-lines", repoexec.DefaultDiffCaps.MaxLinesAdded, "maximum lines added across a repo tick's commits")
	fs.IntVar(&p.idleTicksToEnd, "idle-ticks-to-end", 3, "consecutive idle ticks before the run ends")
	manualTTLHours = fs.Float64("manual-ttl-hours", 0.5, "manual run expiry, hours from the last tick")
	return mode, tickMinutes, manualTTLHours, minMinutes
}

func (p *cycleParams) finish(logger *slog.Logger, mode string, tickMinutes, manualTTLHours float64, minMinutes int) {
	p.mode = parseMode(logger, mode)
	p.tickDuration = time.Duration(tickMinutes * float64(time.Minute))
	p.manualTTL = time.Duration(manualTTLHours * float64(time.Hour))
	p.minMinutesToStart = time.Duration(minMinutes) * time.Minute
}

func buildCycleOptions(g globalFlags, logger *slog.Logger, p cycleParams, numRepos int) (cycle.Options, error) {
	paths, err := g.paths()
	if err != nil {
		return cycle.Options{}, err
	}
	settings := g.loadAISettings(logger)
	inv := g.loadInventory(logger)

	maxParallel := p.maxParallel
	if maxParallel <= 0 {
		maxParallel = defaultMaxParallel(numRepos)
	}

	lc := defaultLifecycleOptions(paths)
	lc.IdleTicksToEnd = p.idleTicksToEnd
	lc.ManualTTL = p.manualTTL

	return cycle.Options{
		Paths:                    paths,
		Lifecycle:                lc,
		Logger:                   logger,
		Mode:                     p.mode,
		MaxParallelRepos:         maxParallel,
		TickDuration:             p.tickDuration,
		MaxBeadsPerTick:          p.maxBeadsPerTick,
		MinMinutesToStartNewBead: p.minMinutesToStart,
		DiffCaps:                 repoexec.DiffCaps{MaxFilesChanged: p.diffCapFiles, MaxLinesAdded: p.diffCapLines},
		Replan:                   p.replan,
		Focus:                    p.focus,
		ReadyBeadsLimit:          50,
		ReviewEveryNBeads:        10,
		RepoExecDeps:             repoExecDependencies(logger, settings, inv),
		OverlayPathFor:           func(repoID string) string { return overlayPathFor(g.orchestratorConfig, repoID) },
		LoadOverlay:              loadOverlayFor(g.orchestratorConfig),
		ForceActionableWork:      p.forceActionable,
		FinalReviewAgentPass:     p.finalReviewAgentPass,
	}, nil
}

func selectRepos(logger *slog.Logger, inv config.RepoInventory, repoIDs, repoGroups []string) []config.RepoPolicy {
	repos, err := inv.SelectRepos(repoIDs, repoGroups)
	if err != nil {
		logger.Error("invalid repo selection", "error", err)
		os.Exit(1)
	}
	return repos
}

func runTickCommand(args []string) {
	fs := flag.NewFlagSet("tick", flag.ExitOnError)
	var g globalFlags
	addGlobalFlags(fs, &g)
	var p cycleParams
	mode, tickMinutes, manualTTLHours, minMinutes := addCycleFlags(fs, &p)
	fs.BoolVar(&p.forceActionable, "actionable-work-found", false, "treat this tick as having found actionable work (resets the idle streak)")
	var repoIDs, repoGroups stringListFlag
	fs.Var(&repoIDs, "repo-id", "restrict the tick to this repo id (repeatable)")
	fs.Var(&repoGroups, "repo-group", "restrict the tick to this repo group (repeatable)")
	fs.Parse(args)

	logger := configureLogger(g.logLevel, g.dev)
	p.finish(logger, *mode, *tickMinutes, *manualTTLHours, *minMinutes)

	inv := g.loadInventory(logger)
	repos := selectRepos(logger, inv, repoIDs, repoGroups)

	opts, err := buildCycleOptions(g, logger, p, len(repos))
	if err != nil {
		logger.Error("failed to build cycle options", "error", err)
		os.Exit(1)
	}

	results, state, err := cycle.Tick(context.Background(), repos, opts)
	if err != nil {
		logger.Error("tick failed", "error", err)
		os.Exit(1)
	}
	for _, r := range results {
		if r.Err != nil {
			logger.Error("repo tick errored", "repo_id", r.RepoID, "error", r.Err)
			continue
		}
		logger.Info("repo tick complete", "repo_id", r.RepoID, "stop_reason", r.Summary.StopReason, "beads_closed", r.Summary.BeadsClosed)
	}
	logger.Info("tick complete", "run_id", state.RunID, "tick_count", state.TickCount, "consecutive_idle_ticks", state.ConsecutiveIdleTicks)
}

func runRunCommand(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	var g globalFlags
	addGlobalFlags(fs, &g)
	var p cycleParams
	mode, tickMinutes, manualTTLHours, minMinutes := addCycleFlags(fs, &p)
	fs.BoolVar(&p.finalReviewAgentPass, "final-review-codex", false, "run a review-only agent pass over every repo when the run ends")
	var repoIDs, repoGroups stringListFlag
	fs.Var(&repoIDs, "repo-id", "restrict the run to this repo id (repeatable)")
	fs.Var(&repoGroups, "repo-group", "restrict the run to this repo group (repeatable)")
	tickInterval := fs.Duration("tick-interval", 1*time.Minute, "delay between consecutive ticks")
	fs.Parse(args)

	logger := configureLogger(g.logLevel, g.dev)
	p.finish(logger, *mode, *tickMinutes, *manualTTLHours, *minMinutes)

	inv := g.loadInventory(logger)
	repos := selectRepos(logger, inv, repoIDs, repoGroups)

	opts, err := buildCycleOptions(g, logger, p, len(repos))
	if err != nil {
		logger.Error("failed to build cycle options", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	waitForSignal(cancel, logger)

	tickLoop(ctx, logger, repos, opts, *tickInterval, func() bool { return false })
}

// tickLoop drives cycle.Tick until the run ends, the context is canceled, or
// stopNow reports true between ticks.
func tickLoop(ctx context.Context, logger *slog.Logger, repos []config.RepoPolicy, opts cycle.Options, tickInterval time.Duration, stopNow func() bool) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("run loop stopped")
			return
		default:
		}
		if stopNow() {
			logger.Info("run loop deadline reached")
			return
		}

		_, state, err := cycle.Tick(ctx, repos, opts)
		if err != nil {
			logger.Error("tick failed, stopping", "error", err)
			return
		}
		logger.Info("tick complete", "run_id", state.RunID, "tick_count", state.TickCount)

		if _, statErr := os.Stat(opts.Paths.CurrentRunPath()); statErr != nil {
			logger.Info("run ended", "run_id", state.RunID)
			fmt.Printf("run %s ended; review %s before the next run can start\n", state.RunID, opts.Paths.FinalReviewMDPath(state.RunID))
			return
		}

		select {
		case <-ctx.Done():
			logger.Info("run loop stopped")
			return
		case <-time.After(tickInterval):
		}
	}
}

// runRoadtripCommand repeatedly runs manual-mode cycles on a cadence for a
// bounded wall-clock window, for multi-hour unattended stretches away from
// the keyboard.
func runRoadtripCommand(args []string) {
	fs := flag.NewFlagSet("roadtrip", flag.ExitOnError)
	var g globalFlags
	addGlobalFlags(fs, &g)
	hours := fs.Float64("hours", 0, "how long to keep working, in hours (mutually exclusive with -until)")
	until := fs.String("until", "", `stop at this local wall-clock time, "YYYY-MM-DD HH:MM" (mutually exclusive with -hours)`)
	cadence := fs.Float64("cadence-minutes", 10, "minutes between consecutive cycles")
	focus := fs.String("focus", "", "free-text focus filter applied to ready beads")
	force := fs.Bool("force", false, "skip the signoff gate from a prior unsigned run")
	var repoIDs, repoGroups stringListFlag
	fs.Var(&repoIDs, "repo-id", "restrict the roadtrip to this repo id (repeatable)")
	fs.Var(&repoGroups, "repo-group", "restrict the roadtrip to this repo group (repeatable)")
	fs.Parse(args)

	logger := configureLogger(g.logLevel, g.dev)

	var deadline time.Time
	switch {
	case *hours > 0 && *until != "":
		logger.Error("-hours and -until are mutually exclusive")
		os.Exit(2)
	case *hours > 0:
		deadline = time.Now().Add(time.Duration(*hours * float64(time.Hour)))
	case *until != "":
		parsed, err := time.ParseInLocation("2006-01-02 15:04", *until, time.Local)
		if err != nil {
			logger.Error(`-until must be "YYYY-MM-DD HH:MM"`, "until", *until, "error", err)
			os.Exit(2)
		}
		deadline = parsed
	default:
		logger.Error("one of -hours or -until is required")
		os.Exit(2)
	}
	if !deadline.After(time.Now()) {
		logger.Error("roadtrip deadline is in the past", "deadline", deadline)
		os.Exit(2)
	}

	p := cycleParams{
		mode:              runstate.ModeManual,
		focus:             *focus,
		maxBeadsPerTick:   5,
		tickDuration:      time.Duration(*cadence * float64(time.Minute)),
		minMinutesToStart: 5 * time.Minute,
		diffCapFiles:      repoexec.DefaultDiffCaps.MaxFilesChanged,
		diffCapLines:      repoexec.DefaultDiffCaps.MaxLinesAdded,
		idleTicksToEnd:    3,
		manualTTL:         time.Until(deadline) + time.Hour,
	}

	inv := g.loadInventory(logger)
	repos := selectRepos(logger, inv, repoIDs, repoGroups)

	opts, err := buildCycleOptions(g, logger, p, len(repos))
	if err != nil {
		logger.Error("failed to build cycle options", "error", err)
		os.Exit(1)
	}
	opts.Lifecycle.SkipSignoffGate = *force

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	waitForSignal(cancel, logger)

	logger.Info("roadtrip starting", "repos", len(repos), "deadline", deadline)
	cadenceInterval := time.Duration(*cadence * float64(time.Minute))
	tickLoop(ctx, logger, repos, opts, cadenceInterval, func() bool { return !time.Now().Before(deadline) })
}
