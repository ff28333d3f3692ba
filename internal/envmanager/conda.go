package envmanager

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// CondaBackend shells out to the conda CLI, mirroring env_bootstrap.py's
// hardcoded conda commands: `conda env list --json`, `conda create -n <env>
// python=<ver> -y`, `conda env update -n <env> -f <file>`, `conda run -n
// <env> -- <cmd...>`.
type CondaBackend struct {
	PythonVersion string // default python version for newly created envs
}

// NewCondaBackend constructs a backend defaulting new envs to Python 3.11.
func NewCondaBackend(pythonVersion string) *CondaBackend {
	if strings.TrimSpace(pythonVersion) == "" {
		pythonVersion = "3.11"
	}
	return &CondaBackend{PythonVersion: pythonVersion}
}

func (c *CondaBackend) Name() string { return "conda" }

func condaRun(ctx context.Context, timeout time.Duration, args ...string) ([]byte, []byte, error) {
	path, err := exec.LookPath("conda")
	if err != nil {
		return nil, nil, fmt.Errorf("conda CLI not found in PATH: %w", err)
	}
	runCtx := ctx
	var cancel func()
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(runCtx, path, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err = cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

type condaEnvList struct {
	Envs []string `json:"envs"`
}

func (c *CondaBackend) Present(ctx context.Context, env string) (bool, error) {
	out, stderr, err := condaRun(ctx, 30*time.Second, "env", "list", "--json")
	if err != nil {
		return false, fmt.Errorf("conda env list: %w: %s", err, strings.TrimSpace(string(stderr)))
	}
	var parsed condaEnvList
	if err := json.Unmarshal(out, &parsed); err != nil {
		return false, fmt.Errorf("parsing conda env list output: %w", err)
	}
	for _, path := range parsed.Envs {
		if strings.HasSuffix(strings.TrimRight(path, "/"), "/"+env) {
			return true, nil
		}
	}
	return false, nil
}

func (c *CondaBackend) Ensure(ctx context.Context, env, manifestPath string, allowCreate bool) error {
	present, err := c.Present(ctx, env)
	if err != nil {
		return err
	}
	if !present {
		if !allowCreate {
			return fmt.Errorf("env %q does not exist and allow_env_creation is false", env)
		}
		_, stderr, err := condaRun(ctx, 5*time.Minute, "create", "-n", env, "python="+c.PythonVersion, "-y")
		if err != nil {
			return fmt.Errorf("conda create -n %s: %w: %s", env, err, strings.TrimSpace(string(stderr)))
		}
	}
	if strings.TrimSpace(manifestPath) == "" {
		return nil
	}
	_, stderr, err := condaRun(ctx, 10*time.Minute, "env", "update", "-n", env, "-f", manifestPath)
	if err != nil {
		return fmt.Errorf("conda env update -n %s -f %s: %w: %s", env, manifestPath, err, strings.TrimSpace(string(stderr)))
	}
	return nil
}

func (c *CondaBackend) Run(ctx context.Context, env string, cmdArgs []string, workDir string, timeout time.Duration) (RunResult, error) {
	path, err := exec.LookPath("conda")
	if err != nil {
		return RunResult{}, fmt.Errorf("conda CLI not found in PATH: %w", err)
	}
	args := append([]string{"run", "-n", env, "--"}, cmdArgs...)
	runCtx := ctx
	var cancel func()
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(runCtx, path, args...)
	cmd.Dir = workDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	res := RunResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if runCtx.Err() != nil && runCtx.Err().Error() == context.DeadlineExceeded.Error() {
		res.TimedOut = true
		res.ExitCode = 124
		return res, nil
	}
	if runErr == nil {
		res.ExitCode = 0
		return res, nil
	}
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return res, fmt.Errorf("running conda command in env %s: %w", env, runErr)
}

func (c *CondaBackend) Version(ctx context.Context) string {
	out, _, err := condaRun(ctx, 5*time.Second, "--version")
	if err != nil {
		return "<unavailable>"
	}
	line := strings.TrimSpace(string(out))
	if line == "" {
		return "<unavailable>"
	}
	return line
}
