// Package audit implements the orchestrator's audit trail (C12): an
// append-only orchestrator log, per-repo execution/stdout/stderr logs and
// JSONL event streams, a rendered run report, and short-timeout tool
// version capture. Grounded on internal/atomicio's append primitives and
// log/slog's structured, JSON-by-default logging conventions.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/antigravity-dev/codex-orchestrator/internal/agentcli"
	"github.com/antigravity-dev/codex-orchestrator/internal/atomicio"
	"github.com/antigravity-dev/codex-orchestrator/internal/beads"
	"github.com/antigravity-dev/codex-orchestrator/internal/gitutil"
	"github.com/antigravity-dev/codex-orchestrator/internal/orchpaths"
	"github.com/antigravity-dev/codex-orchestrator/internal/repoexec"
)

// NewRunLogger returns a slog.Logger that writes JSON lines to the run's
// orchestrator.log (append-only) as well as to base's handler, so an
// operator watching stdout sees the same events a later audit pass reads
// from disk.
func NewRunLogger(paths orchpaths.Paths, runID string, base *slog.Logger) (*slog.Logger, func() error, error) {
	logPath := paths.RunLogPath(runID)
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating run log directory: %w", err)
	}
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening run log: %w", err)
	}
	var handler slog.Handler = slog.NewJSONHandler(f, nil)
	if base != nil {
		handler = teeHandler{a: base.Handler(), b: handler}
	}
	logger := slog.New(handler).With("run_id", runID)
	return logger, f.Close, nil
}

// teeHandler fans out every record to two handlers.
type teeHandler struct{ a, b slog.Handler }

func (t teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return t.a.Enabled(ctx, level) || t.b.Enabled(ctx, level)
}
func (t teeHandler) Handle(ctx context.Context, r slog.Record) error {
	if err := t.a.Handle(ctx, r.Clone()); err != nil {
		return err
	}
	return t.b.Handle(ctx, r.Clone())
}
func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return teeHandler{a: t.a.WithAttrs(attrs), b: t.b.WithAttrs(attrs)}
}
func (t teeHandler) WithGroup(name string) slog.Handler {
	return teeHandler{a: t.a.WithGroup(name), b: t.b.WithGroup(name)}
}

// RepoEvent is one structured event in a repo's JSONL event stream —
// bead-attempt lifecycle transitions, gate decisions, commit hashes —
// independent of the free-text exec log.
type RepoEvent struct {
	Time    time.Time      `json:"time"`
	RepoID  string         `json:"repo_id"`
	BeadID  string         `json:"bead_id,omitempty"`
	Kind    string         `json:"kind"`
	Detail  string         `json:"detail,omitempty"`
	Extra   map[string]any `json:"extra,omitempty"`
}

// AppendRepoEvent appends one structured event to a repo's events.jsonl.
func AppendRepoEvent(paths orchpaths.Paths, runID, repoID string, e RepoEvent) error {
	e.RepoID = repoID
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	return atomicio.AppendJSONL(paths.RepoEventsPath(runID, repoID), e)
}

// AppendExecLog appends a free-text line to a repo's combined execution
// log (distinct from its raw stdout/stderr captures), for human-readable
// narration of what the repo executor did and why.
func AppendExecLog(paths orchpaths.Paths, runID, repoID, line string) error {
	return atomicio.AppendText(paths.RepoExecLogPath(runID, repoID), line+"\n")
}

// AppendAttemptToExecLog renders one bead attempt as a human-readable exec
// log entry.
func AppendAttemptToExecLog(paths orchpaths.Paths, runID, repoID string, a repoexec.AttemptRecord) error {
	line := fmt.Sprintf("[%s] bead=%s outcome=%s detail=%q", a.AttemptedAt.Format(time.RFC3339), a.BeadID, a.Outcome, a.Detail)
	if a.CommitHash != "" {
		line += fmt.Sprintf(" commit=%s", a.CommitHash)
	}
	return AppendExecLog(paths, runID, repoID, line)
}

// ToolVersions captures every external tool's version line with a short
// per-call timeout, for inclusion in run_summary.json and the run report.
func ToolVersions(ctx context.Context, agentBinary string, envBackendVersion func(context.Context) string) map[string]string {
	vctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	versions := map[string]string{
		"git":   gitutil.Version(vctx),
		"bd":    beads.Version(vctx),
		"agent": agentcli.Version(vctx, agentBinary),
	}
	if envBackendVersion != nil {
		versions["env_manager"] = envBackendVersion(vctx)
	}
	return versions
}

// RunReport is the deterministic markdown summary of one run, rendered
// from its per-repo summaries — the same data source as the final review,
// but intended as a narrative artifact an operator reads top-to-bottom
// rather than a structured rollup a signoff binds to.
func RunReport(runID string, summaries []repoexec.RepoSummary, startedAt, finishedAt time.Time) string {
	sorted := append([]repoexec.RepoSummary{}, summaries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RepoID < sorted[j].RepoID })

	var b strings.Builder
	fmt.Fprintf(&b, "# Run report: %s\n\n", runID)
	fmt.Fprintf(&b, "Started: %s\nFinished: %s\nDuration: %s\n\n", startedAt.Format(time.RFC3339), finishedAt.Format(time.RFC3339), finishedAt.Sub(startedAt))

	var totalAttempted, totalClosed, totalFailed int
	for _, s := range sorted {
		totalAttempted += s.BeadsAttempted
		totalClosed += s.BeadsClosed
		totalFailed += s.BeadsFailed
	}
	fmt.Fprintf(&b, "Totals: %d attempted, %d closed, %d failed across %d repos.\n\n", totalAttempted, totalClosed, totalFailed, len(sorted))

	for _, s := range sorted {
		fmt.Fprintf(&b, "## %s\n\n", s.RepoID)
		fmt.Fprintf(&b, "stop_reason: %s", s.StopReason)
		if s.SkipReason != "" {
			fmt.Fprintf(&b, " (skip_reason: %s — %s)", s.SkipReason, s.SkipDetail)
		}
		b.WriteString("\n\n")
		for _, a := range s.Attempts {
			fmt.Fprintf(&b, "- `%s` — %s: %s\n", a.BeadID, a.Outcome, a.Detail)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// WriteRunReport renders and atomically writes the run report alongside
// the run's other artifacts.
func WriteRunReport(paths orchpaths.Paths, runID string, summaries []repoexec.RepoSummary, startedAt, finishedAt time.Time) error {
	return atomicio.WriteText(paths.RunReportPath(runID), RunReport(runID, summaries, startedAt, finishedAt))
}
