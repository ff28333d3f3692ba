package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/antigravity-dev/codex-orchestrator/internal/config"
	"github.com/antigravity-dev/codex-orchestrator/internal/contracts"
	"github.com/antigravity-dev/codex-orchestrator/internal/envmanager"
	"github.com/antigravity-dev/codex-orchestrator/internal/lifecycle"
	"github.com/antigravity-dev/codex-orchestrator/internal/nightwindow"
	"github.com/antigravity-dev/codex-orchestrator/internal/orchpaths"
	"github.com/antigravity-dev/codex-orchestrator/internal/repoexec"
)

func configureLogger(logLevel string, useDev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if useDev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// globalFlags are accepted by every subcommand, ahead of subcommand-specific
// flags (e.g. `orchestrator tick -config orchestrator.toml -repos repos.toml`).
type globalFlags struct {
	orchestratorConfig string
	reposConfig        string
	cacheDir           string
	logLevel           string
	dev                bool
}

func addGlobalFlags(fs *flag.FlagSet, g *globalFlags) {
	fs.StringVar(&g.orchestratorConfig, "config", "orchestrator.toml", "path to orchestrator.toml")
	fs.StringVar(&g.reposConfig, "repos", "repos.toml", "path to repos.toml")
	fs.StringVar(&g.cacheDir, "cache-dir", "", "override the orchestrator cache dir (defaults per internal/orchpaths.DefaultCacheDir)")
	fs.StringVar(&g.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	fs.BoolVar(&g.dev, "dev", false, "use text log format (default is JSON)")
}

func (g globalFlags) paths() (orchpaths.Paths, error) {
	dir := g.cacheDir
	if dir == "" {
		var err error
		dir, err = orchpaths.DefaultCacheDir()
		if err != nil {
			return orchpaths.Paths{}, err
		}
	}
	return orchpaths.New(dir), nil
}

func (g globalFlags) loadAISettings(logger *slog.Logger) config.AISettings {
	settings, err := config.LoadAISettings(g.orchestratorConfig)
	if err != nil {
		logger.Error("failed to load orchestrator config", "config", g.orchestratorConfig, "error", err)
		os.Exit(1)
	}
	if err := config.EnforceUnattendedAIPolicy(settings, g.orchestratorConfig); err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
	return settings
}

func (g globalFlags) loadInventory(logger *slog.Logger) config.RepoInventory {
	inv, err := config.LoadRepoInventory(g.reposConfig)
	if err != nil {
		logger.Error("failed to load repos config", "config", g.reposConfig, "error", err)
		os.Exit(1)
	}
	return inv
}

// overlayPathFor resolves the canonical bead-contract overlay location for
// a repo: config/bead_contracts/<repo_id>.toml, alongside orchestrator.toml.
func overlayPathFor(orchestratorConfigPath, repoID string) string {
	return filepath.Join(filepath.Dir(orchestratorConfigPath), "bead_contracts", repoID+".toml")
}

func loadOverlayFor(orchestratorConfigPath string) func(repoID string, policy config.RepoPolicy) (contracts.Overlay, error) {
	return func(repoID string, policy config.RepoPolicy) (contracts.Overlay, error) {
		path := overlayPathFor(orchestratorConfigPath, repoID)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return contracts.Overlay{RepoID: repoID}, nil
		}
		return contracts.LoadOverlay(path, policy, nil)
	}
}

// buildEnvBackends constructs every env backend the loaded repos reference,
// keyed by env name, defaulting to a conda backend unless the env name is
// prefixed "docker:" (selecting the Docker backend with that image name).
func buildEnvBackends(ctx context.Context, inv config.RepoInventory) map[string]envmanager.Backend {
	backends := map[string]envmanager.Backend{}
	for _, repo := range inv.ListRepos() {
		if repo.Env == nil || *repo.Env == "" {
			continue
		}
		name := *repo.Env
		if _, ok := backends[name]; ok {
			continue
		}
		if strings.HasPrefix(name, "docker:") {
			image := strings.TrimPrefix(name, "docker:")
			backend, err := envmanager.NewDockerBackend(image)
			if err != nil {
				continue
			}
			backends[name] = backend
			continue
		}
		backends[name] = envmanager.NewCondaBackend("")
	}
	return backends
}

func repoExecDependencies(logger *slog.Logger, settings config.AISettings, inv config.RepoInventory) repoexec.Dependencies {
	return repoexec.Dependencies{
		Logger:         logger,
		GitTimeout:     2 * time.Minute,
		BeadsTimeout:   30 * time.Second,
		AgentBinary:    "codex",
		AgentBaseArgs:  append([]string{"exec", "--full-auto"}, config.CodexCLIArgsForSettings(settings)...),
		EnvBackends:    buildEnvBackends(context.Background(), inv),
		OutputCapBytes: 1 << 20,
		AgentPadding:   2 * time.Minute,
	}
}

func defaultLifecycleOptions(paths orchpaths.Paths) lifecycle.Options {
	return lifecycle.Options{
		Paths:          paths,
		IdleTicksToEnd: 3,
		ManualTTL:      30 * time.Minute,
		NightWindow:    nightwindow.Default,
		Location:       time.Local,
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `orchestrator <command> [flags]

Commands:
  tick            Run a single cycle tick across the configured repos
  run             Run ticks continuously until the active run ends
  exec-repo       Run the repo executor against a single repo outside a cycle
  overlay         Validate or apply a bead-contract overlay (dry-run|apply)
  init-repo       Initialize the bead store and directories for a new repo
  planning-audit  Show planning-audit findings recorded for a run
  run-info        Print the currently active run's state
  signoff         Record a human signoff decision for a finished run
  roadtrip        Run manual-mode cycles on a cadence for a bounded window`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "tick":
		runTickCommand(args)
	case "run":
		runRunCommand(args)
	case "exec-repo":
		runExecRepoCommand(args)
	case "overlay":
		runOverlayCommand(args)
	case "init-repo":
		runInitRepoCommand(args)
	case "planning-audit":
		runPlanningAuditCommand(args)
	case "run-info":
		runRunInfoCommand(args)
	case "signoff":
		runSignoffCommand(args)
	case "roadtrip":
		runRoadtripCommand(args)
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		usage()
		os.Exit(2)
	}
}

// waitForSignal blocks until SIGINT/SIGTERM, then cancels ctx — used by the
// long-running `run` and `roadtrip` commands.
func waitForSignal(cancel context.CancelFunc, logger *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, stopping after the current tick", "signal", sig)
		cancel()
	}()
}
