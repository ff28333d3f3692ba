// Package envmanager is the environment-bootstrap collaborator: "is env X
// present?", "ensure env X matches this manifest", "run this validation
// command inside env X", left generic over the backend CLI. This repository
// implements it with two concrete backends — a conda CLI backend (grounded
// on original_source's env_bootstrap.py) and a Docker backend (adapted from
// the teacher's internal/dispatch/docker.go) — selected per repo via
// repos.toml's env backend field.
package envmanager

import (
	"context"
	"time"
)

// RunResult is the outcome of a validation or agent command run inside a
// managed environment.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// Backend is the generic environment-manager contract every concrete
// implementation satisfies.
type Backend interface {
	// Present reports whether env already exists.
	Present(ctx context.Context, env string) (bool, error)
	// Ensure creates env if absent (only when allowCreate is true) and
	// updates it to match manifestPath's declared dependencies.
	Ensure(ctx context.Context, env, manifestPath string, allowCreate bool) error
	// Run executes cmd inside env, cwd workDir, bounded by timeout.
	Run(ctx context.Context, env string, cmd []string, workDir string, timeout time.Duration) (RunResult, error)
	// Version returns the backend tool's version line, or "<unavailable>".
	Version(ctx context.Context) string
	// Name identifies the backend for audit logs.
	Name() string
}

// ManifestFiles are the dependency-manifest filenames that, when part of a
// bead's diff, trigger an environment refresh before validation runs.
var ManifestFiles = []string{"pyproject.toml", "environment.yml", "requirements.txt", "poetry.lock"}

// DiffTouchesManifest reports whether any changed path in a bead's diff is a
// dependency manifest the env manager should react to.
func DiffTouchesManifest(changedPaths []string) bool {
	for _, p := range changedPaths {
		for _, m := range ManifestFiles {
			if baseNameEquals(p, m) {
				return true
			}
		}
	}
	return false
}

func baseNameEquals(path, name string) bool {
	// Manifest files are matched by basename regardless of directory, since
	// a monorepo may have the manifest nested under a package subdirectory.
	i := len(path)
	for i > 0 && path[i-1] != '/' {
		i--
	}
	return path[i:] == name
}
