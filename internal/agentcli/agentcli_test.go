package agentcli

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFakeAgent(t *testing.T, script string) string {
	t.Helper()
	fakeBin := t.TempDir()
	binPath := filepath.Join(fakeBin, "codex")
	require.NoError(t, os.WriteFile(binPath, []byte(script), 0o755))
	t.Setenv("PATH", fakeBin+":"+os.Getenv("PATH"))
	return fakeBin
}

func TestRunCapturesStdoutAndExitCode(t *testing.T) {
	writeFakeAgent(t, "#!/bin/sh\ncat >/dev/null\necho 'done'\nexit 0\n")

	res, err := Run(context.Background(), Options{Prompt: "do the thing", Timeout: 5 * time.Second})
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)
	require.Contains(t, res.Stdout, "done")
	require.False(t, res.TimedOut)
}

func TestRunCapturesNonZeroExit(t *testing.T) {
	writeFakeAgent(t, "#!/bin/sh\ncat >/dev/null\necho 'boom' 1>&2\nexit 3\n")

	res, err := Run(context.Background(), Options{Prompt: "x", Timeout: 5 * time.Second})
	require.NoError(t, err)
	require.Equal(t, 3, res.ExitCode)
	require.Contains(t, res.Stderr, "boom")
}

func TestRunTimesOutAndReportsReservedExitCode(t *testing.T) {
	writeFakeAgent(t, "#!/bin/sh\ncat >/dev/null\nsleep 5\n")

	res, err := Run(context.Background(), Options{Prompt: "x", Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	require.True(t, res.TimedOut)
	require.Equal(t, TimeoutExitCode, res.ExitCode)
}

func TestRunMissingBinary(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	_, err := Run(context.Background(), Options{BinaryName: "codex", Prompt: "x", Timeout: time.Second})
	require.ErrorIs(t, err, ErrToolMissing)
}

func TestRunTruncatesOutputAtCap(t *testing.T) {
	writeFakeAgent(t, "#!/bin/sh\ncat >/dev/null\nyes x | head -c 4096\n")

	res, err := Run(context.Background(), Options{Prompt: "x", Timeout: 5 * time.Second, OutputCapBytes: 16})
	require.NoError(t, err)
	require.True(t, res.Truncated)
	require.LessOrEqual(t, len(res.Stdout), 16)
}

func TestVersionUnavailableWhenMissing(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	require.Equal(t, "<unavailable>", Version(context.Background(), "codex"))
}

func TestVersionReportsFirstLine(t *testing.T) {
	writeFakeAgent(t, "#!/bin/sh\necho 'codex-cli 1.2.3'\necho 'extra line'\n")
	require.Equal(t, "codex-cli 1.2.3", Version(context.Background(), "codex"))
}

func TestClampTimeoutUsesFloorWhenBudgetTiny(t *testing.T) {
	got := ClampTimeout(10*time.Minute, time.Second, time.Second)
	require.Equal(t, 60*time.Second, got)
}

func TestClampTimeoutUsesTickRemainingWhenSmaller(t *testing.T) {
	got := ClampTimeout(90*time.Second, time.Hour, time.Minute)
	require.Equal(t, 90*time.Second, got)
}

func TestClampTimeoutUsesBudgetPlusPaddingWhenSmaller(t *testing.T) {
	got := ClampTimeout(time.Hour, 2*time.Minute, 30*time.Second)
	require.Equal(t, 150*time.Second, got)
}
