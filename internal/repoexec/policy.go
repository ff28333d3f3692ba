package repoexec

import (
	"os"
	"path/filepath"
	"strings"
)

// ValidationAllowlist is the small set of command prefixes the repo
// executor permits as validation commands: unit-test runners and
// general-purpose interpreters/build drivers. A command outside this list
// fails the bead and ends the repo tick with stop reason "error" (a policy
// violation) rather than "blocked".
var ValidationAllowlist = []string{
	"pytest", "python", "python3", "go", "npm", "npx", "pnpm", "yarn",
	"node", "jest", "cargo", "make", "tox", "mvn", "gradle", "ruff",
	"mypy", "rspec", "bundle",
}

// ValidationAllowed reports whether command's first token is on the
// allowlist.
func ValidationAllowed(command string) bool {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return false
	}
	first := filepath.Base(fields[0])
	for _, allowed := range ValidationAllowlist {
		if first == allowed {
			return true
		}
	}
	return false
}

// TestCommandMarkers identify a validation command as a "behavioral test
// command" (a test runner), as opposed to a lint/typecheck/build command,
// for the baseline-regression rule: a bead only closes if at least one
// behavioral test command ran and is not a regression.
var TestCommandMarkers = []string{"test", "pytest", "rspec", "jest"}

// IsTestCommand reports whether command looks like a test-runner
// invocation.
func IsTestCommand(command string) bool {
	lower := strings.ToLower(command)
	for _, marker := range TestCommandMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// pathWithinRoot reports whether rel (slash-normalized, repo-relative) is
// at or under root ("." matches everything).
func pathWithinRoot(rel, root string) bool {
	root = filepath.ToSlash(filepath.Clean(root))
	if root == "." {
		return true
	}
	rel = filepath.ToSlash(filepath.Clean(rel))
	r, err := filepath.Rel(root, rel)
	if err != nil {
		return false
	}
	r = filepath.ToSlash(r)
	return r == "." || !strings.HasPrefix(r, "..")
}

// PathPolicyViolations returns every changed path that falls outside
// allowedRoots or inside denyRoots.
func PathPolicyViolations(changedPaths []string, allowedRoots, denyRoots []string) []string {
	var violations []string
	for _, p := range changedPaths {
		allowed := false
		for _, root := range allowedRoots {
			if pathWithinRoot(p, root) {
				allowed = true
				break
			}
		}
		denied := false
		for _, root := range denyRoots {
			if pathWithinRoot(p, root) {
				denied = true
				break
			}
		}
		if !allowed || denied {
			violations = append(violations, p)
		}
	}
	return violations
}

// GWTMarkers are the three literal, case-sensitive markers a diff's test
// files must contain when enforce_given_when_then is on, matching the
// original implementation's _GWT_MARKERS tuple.
var GWTMarkers = []string{"Given", "When", "Then"}

// IsTestFile heuristically identifies a changed path as a test file across
// the common per-language conventions the orchestrator's managed repos use.
func IsTestFile(path string) bool {
	base := filepath.Base(path)
	lower := strings.ToLower(base)
	switch {
	case strings.HasSuffix(lower, "_test.go"):
		return true
	case strings.HasPrefix(lower, "test_") && strings.HasSuffix(lower, ".py"):
		return true
	case strings.HasSuffix(lower, "_test.py"):
		return true
	case strings.HasSuffix(lower, ".test.js"), strings.HasSuffix(lower, ".test.ts"),
		strings.HasSuffix(lower, ".spec.js"), strings.HasSuffix(lower, ".spec.ts"):
		return true
	default:
		return false
	}
}

// MissingGWTMarkers returns every test file (of changedPaths, under repoDir)
// that does not contain all three GWT markers.
func MissingGWTMarkers(repoDir string, changedPaths []string) []string {
	var missing []string
	for _, p := range changedPaths {
		if !IsTestFile(p) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(repoDir, p))
		if err != nil {
			missing = append(missing, p)
			continue
		}
		content := string(data)
		for _, marker := range GWTMarkers {
			if !strings.Contains(content, marker) {
				missing = append(missing, p)
				break
			}
		}
	}
	return missing
}

// untrackedLineCountCapBytes bounds how much of an untracked file is read
// to approximate a "lines added" contribution for diff-cap accounting.
const untrackedLineCountCapBytes = 64 * 1024

// CountUntrackedLines approximates the lines-added contribution of a new,
// untracked file by reading up to a byte cap and counting newlines.
func CountUntrackedLines(repoDir, relPath string) int {
	f, err := os.Open(filepath.Join(repoDir, relPath))
	if err != nil {
		return 0
	}
	defer f.Close()
	buf := make([]byte, untrackedLineCountCapBytes)
	n, _ := f.Read(buf)
	count := 0
	for _, b := range buf[:n] {
		if b == '\n' {
			count++
		}
	}
	return count
}
