package repoexec

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidationAllowedAcceptsKnownRunners(t *testing.T) {
	require.True(t, ValidationAllowed("pytest -q"))
	require.True(t, ValidationAllowed("go test ./..."))
	require.True(t, ValidationAllowed("/usr/bin/npm test"))
	require.False(t, ValidationAllowed("curl http://evil.example"))
	require.False(t, ValidationAllowed(""))
}

func TestIsTestCommandMatchesRunnerNamesNotJustAllowlist(t *testing.T) {
	require.True(t, IsTestCommand("pytest -q"))
	require.True(t, IsTestCommand("go test ./..."))
	require.True(t, IsTestCommand("npx jest"))
	require.False(t, IsTestCommand("ruff check ."))
	require.False(t, IsTestCommand("mypy ."))
}

func TestPathPolicyViolationsAllowedAndDenied(t *testing.T) {
	violations := PathPolicyViolations(
		[]string{"src/main.py", "tests/test_main.py", "secrets/keys.txt", "README.md"},
		[]string{"src", "tests"},
		[]string{"secrets"},
	)
	require.ElementsMatch(t, []string{"secrets/keys.txt", "README.md"}, violations)
}

func TestPathPolicyViolationsDotAllowsEverythingExceptDenied(t *testing.T) {
	violations := PathPolicyViolations(
		[]string{"src/main.py", "secrets/keys.txt"},
		[]string{"."},
		[]string{"secrets"},
	)
	require.Equal(t, []string{"secrets/keys.txt"}, violations)
}

func TestPathPolicyViolationsEmptyAllowedRootsDeniesAll(t *testing.T) {
	violations := PathPolicyViolations([]string{"src/main.py"}, nil, nil)
	require.Equal(t, []string{"src/main.py"}, violations)
}

func TestIsTestFileRecognizesConventions(t *testing.T) {
	require.True(t, IsTestFile("pkg/widget_test.go"))
	require.True(t, IsTestFile("tests/test_widget.py"))
	require.True(t, IsTestFile("widget_test.py"))
	require.True(t, IsTestFile("widget.test.ts"))
	require.True(t, IsTestFile("widget.spec.js"))
	require.False(t, IsTestFile("widget.go"))
	require.False(t, IsTestFile("README.md"))
}

func TestMissingGWTMarkersFlagsFilesLackingAnyMarker(t *testing.T) {
	dir := t.TempDir()
	complete := "def test_x():\n    # Given a widget\n    # When it spins\n    # Then it stops\n    pass\n"
	incomplete := "def test_y():\n    # Given a widget\n    pass\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "test_complete.py"), []byte(complete), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "test_incomplete.py"), []byte(incomplete), 0o644))

	missing := MissingGWTMarkers(dir, []string{"test_complete.py", "test_incomplete.py", "README.md"})
	require.Equal(t, []string{"test_incomplete.py"}, missing)
}

func TestMissingGWTMarkersTreatsUnreadableFileAsMissing(t *testing.T) {
	dir := t.TempDir()
	missing := MissingGWTMarkers(dir, []string{"test_ghost.py"})
	require.Equal(t, []string{"test_ghost.py"}, missing)
}

func TestCountUntrackedLinesCountsNewlines(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.txt"), []byte("a\nb\nc\n"), 0o644))
	require.Equal(t, 3, CountUntrackedLines(dir, "new.txt"))
}

func TestCountUntrackedLinesMissingFileIsZero(t *testing.T) {
	dir := t.TempDir()
	require.Equal(t, 0, CountUntrackedLines(dir, "ghost.txt"))
}
