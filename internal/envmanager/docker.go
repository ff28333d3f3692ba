package envmanager

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
)

// DockerBackend runs validation commands and agent-triggered environment
// refreshes inside a bind-mounted container instead of a host-level
// conda/venv manager. Adapted from the teacher's internal/dispatch/docker.go
// container lifecycle (create/start/inspect/logs/remove) into the
// env-manager collaborator's Ensure/Run operations — one short-lived
// container per invocation rather than the teacher's long-lived named
// session map, since validation runs here are synchronous and bounded by
// a tick deadline.
type DockerBackend struct {
	cli   *client.Client
	Image string
}

// NewDockerBackend connects to the local Docker daemon via the standard
// environment (DOCKER_HOST, etc). image is the container image every env
// "name" maps to; a real deployment would map env names to distinct images,
// but the env contract here only requires present/ensure/run semantics.
func NewDockerBackend(image string) (*DockerBackend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("initializing docker client: %w", err)
	}
	if strings.TrimSpace(image) == "" {
		image = "python:3.11-slim"
	}
	return &DockerBackend{cli: cli, Image: image}, nil
}

func (d *DockerBackend) Name() string { return "docker" }

// Present reports whether the backing image exists locally; env is not
// consulted, since there is no separate named-environment existence check
// the way conda has one. An image-inspect error is reported as absent.
func (d *DockerBackend) Present(ctx context.Context, env string) (bool, error) {
	_, _, err := d.cli.ImageInspectWithRaw(ctx, d.Image)
	if err != nil {
		return false, nil
	}
	return true, nil
}

// Ensure pulls the backing image if it is not present locally. manifestPath
// is unused: dependency installation for a containerized environment is the
// image's responsibility, not a per-run `pip install` step.
func (d *DockerBackend) Ensure(ctx context.Context, env, manifestPath string, allowCreate bool) error {
	present, err := d.Present(ctx, env)
	if err != nil {
		return err
	}
	if present {
		return nil
	}
	if !allowCreate {
		return fmt.Errorf("image %q not present locally and allow_env_creation is false", d.Image)
	}
	reader, err := d.cli.ImagePull(ctx, d.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", d.Image, err)
	}
	defer reader.Close()
	_, _ = io.Copy(io.Discard, reader) // drain pull progress stream
	return nil
}

// Run executes cmd inside a fresh container bind-mounting workDir at
// /workspace, removing the container afterward.
func (d *DockerBackend) Run(ctx context.Context, env string, cmdArgs []string, workDir string, timeout time.Duration) (RunResult, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	name := fmt.Sprintf("codex-orchestrator-env-%s-%s", env, uuid.NewString())
	cfg := &container.Config{
		Image:      d.Image,
		Cmd:        cmdArgs,
		WorkingDir: "/workspace",
		Tty:        false,
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: workDir, Target: "/workspace"},
		},
		AutoRemove: false,
	}

	resp, err := d.cli.ContainerCreate(runCtx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return RunResult{}, fmt.Errorf("creating container for env %s: %w", env, err)
	}
	defer d.cli.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})

	if err := d.cli.ContainerStart(runCtx, resp.ID, container.StartOptions{}); err != nil {
		return RunResult{}, fmt.Errorf("starting container for env %s: %w", env, err)
	}

	statusCh, errCh := d.cli.ContainerWait(runCtx, resp.ID, container.WaitConditionNotRunning)
	var exitCode int
	var timedOut bool
	select {
	case waitErr := <-errCh:
		if runCtx.Err() != nil {
			timedOut = true
			exitCode = 124
		} else if waitErr != nil {
			return RunResult{}, fmt.Errorf("waiting for container: %w", waitErr)
		}
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	}

	logs, logErr := d.cli.ContainerLogs(context.Background(), resp.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	var stdout, stderr bytes.Buffer
	if logErr == nil {
		defer logs.Close()
		stdcopy.StdCopy(&stdout, &stderr, logs)
	}

	return RunResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitCode, TimedOut: timedOut}, nil
}

func (d *DockerBackend) Version(ctx context.Context) string {
	v, err := d.cli.ServerVersion(ctx)
	if err != nil {
		return "<unavailable>"
	}
	return v.Version
}
