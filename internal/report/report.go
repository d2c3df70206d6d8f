// Package report renders a one-page HTML summary of a batch: task
// timeline, attempt history, failures, and token usage. Reports land in
// visualizations/session-{batchID}.html under the state directory.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/undercity-dev/undercity/internal/board"
	"github.com/undercity-dev/undercity/internal/logging"
	"github.com/undercity-dev/undercity/internal/metrics"
	"github.com/undercity-dev/undercity/internal/store"
)

// DirName is the report directory under the state directory.
const DirName = "visualizations"

// Generator renders session reports from the store.
type Generator struct {
	db       *store.Store
	stateDir string
	logger   *logging.Logger
}

// New creates a report generator writing under stateDir.
func New(db *store.Store, stateDir string, logger *logging.Logger) *Generator {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Generator{db: db, stateDir: stateDir, logger: logger}
}

// taskView is one task row in the rendered report.
type taskView struct {
	ID        string
	Objective string
	Status    string
	Attempts  []store.Attempt
	Duration  string
	Failed    bool
}

// sessionView is the template payload.
type sessionView struct {
	Batch       *store.Batch
	GeneratedAt string
	Duration    string
	Tasks       []taskView
	Failures    []taskView
	Usage       *metrics.Snapshot
}

// Generate renders the report for batchID and returns the output path.
func (g *Generator) Generate(ctx context.Context, batchID string) (string, error) {
	batch, err := g.db.GetBatch(ctx, batchID)
	if err != nil {
		return "", fmt.Errorf("unknown batch %s: %w", batchID, err)
	}

	view, err := g.buildView(ctx, batch)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	if err := sessionTemplate.Execute(&b, view); err != nil {
		return "", fmt.Errorf("failed to render report: %w", err)
	}

	path := g.pathFor(batchID)
	if err := store.WriteFileAtomic(path, []byte(b.String()), 0o644); err != nil {
		return "", err
	}
	g.logger.Info("session report written", "batch_id", batchID, "path", path)
	return path, nil
}

// GenerateLatest renders the report for the most recent batch.
func (g *Generator) GenerateLatest(ctx context.Context) (string, error) {
	batch, err := g.db.LatestBatch(ctx)
	if err != nil || batch == nil {
		return "", fmt.Errorf("no batches recorded")
	}
	return g.Generate(ctx, batch.ID)
}

// List returns the report files already generated, newest first.
func (g *Generator) List() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(g.stateDir, DirName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var reports []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "session-") && strings.HasSuffix(e.Name(), ".html") {
			reports = append(reports, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(reports)))
	return reports, nil
}

func (g *Generator) pathFor(batchID string) string {
	return filepath.Join(g.stateDir, DirName, "session-"+batchID+".html")
}

func (g *Generator) buildView(ctx context.Context, batch *store.Batch) (*sessionView, error) {
	records, err := g.db.ListTasks(ctx, batch.ID)
	if err != nil {
		return nil, err
	}

	view := &sessionView{
		Batch:       batch,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Duration:    batchDuration(batch),
	}

	// Token usage comes from the live metrics side-file when this batch
	// is the one it tracks.
	var snap metrics.Snapshot
	if err := store.LoadJSON(filepath.Join(g.stateDir, "live-metrics.json"), &snap); err == nil && snap.BatchID == batch.ID {
		view.Usage = &snap
	}

	for _, rec := range records {
		attempts, err := g.db.ListAttempts(ctx, rec.ID)
		if err != nil {
			g.logger.Warn("attempt history unavailable", "task_id", rec.ID, "error", err.Error())
		}
		var task board.Task
		if err := json.Unmarshal(rec.Data, &task); err != nil {
			g.logger.Warn("skipping unreadable task record", "task_id", rec.ID, "error", err.Error())
			continue
		}
		tv := taskView{
			ID:        rec.ID,
			Objective: task.Objective,
			Status:    rec.Status,
			Attempts:  attempts,
			Duration:  taskDuration(&task),
			Failed:    rec.Status == string(board.StatusFailed),
		}
		view.Tasks = append(view.Tasks, tv)
		if tv.Failed {
			view.Failures = append(view.Failures, tv)
		}
	}
	return view, nil
}

func batchDuration(b *store.Batch) string {
	if b.EndedAt == nil {
		return "running"
	}
	return b.EndedAt.Sub(b.StartedAt).Round(time.Second).String()
}

func taskDuration(t *board.Task) string {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return "-"
	}
	return t.CompletedAt.Sub(*t.StartedAt).Round(time.Second).String()
}

var sessionTemplate = template.Must(template.New("session").Funcs(template.FuncMap{
	"lastAttempt": func(attempts []store.Attempt) *store.Attempt {
		if len(attempts) == 0 {
			return nil
		}
		return &attempts[len(attempts)-1]
	},
}).Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Session {{.Batch.ID}}</title>
<style>
body { font-family: ui-monospace, monospace; margin: 2rem; background: #16161e; color: #c0caf5; }
h1, h2 { color: #7aa2f7; }
table { border-collapse: collapse; width: 100%; margin-bottom: 2rem; }
th, td { text-align: left; padding: 0.4rem 0.8rem; border-bottom: 1px solid #2f334d; }
th { color: #bb9af7; }
.status-complete { color: #9ece6a; }
.status-failed { color: #f7768e; }
.status-blocked { color: #e0af68; }
.summary { display: flex; gap: 2rem; margin-bottom: 2rem; }
.summary div { background: #1f2335; padding: 1rem 1.5rem; border-radius: 6px; }
.summary .num { font-size: 1.6rem; font-weight: bold; }
.attempt { color: #565f89; font-size: 0.9rem; }
</style>
</head>
<body>
<h1>Session {{.Batch.ID}}</h1>
<p>{{if .Batch.Goal}}Goal: {{.Batch.Goal}} · {{end}}Started {{.Batch.StartedAt.Format "2006-01-02 15:04:05"}} · Duration {{.Duration}} · Generated {{.GeneratedAt}}</p>

<div class="summary">
<div><div class="num">{{.Batch.TasksTotal}}</div>dispatched</div>
<div><div class="num status-complete">{{.Batch.TasksComplete}}</div>complete</div>
<div><div class="num status-failed">{{.Batch.TasksFailed}}</div>failed</div>
</div>

<h2>Tasks</h2>
<table>
<tr><th>Task</th><th>Objective</th><th>Status</th><th>Duration</th><th>Attempts</th></tr>
{{range .Tasks}}
<tr>
<td>{{.ID}}</td>
<td>{{.Objective}}</td>
<td class="status-{{.Status}}">{{.Status}}</td>
<td>{{.Duration}}</td>
<td>{{len .Attempts}}</td>
</tr>
{{range .Attempts}}
<tr class="attempt"><td></td><td colspan="4">attempt {{.Number}} · {{.Model}}{{if .Success}} · ok{{else}}{{if .ErrorKind}} · {{.ErrorKind}}{{end}}{{end}}{{if .ErrorMessage}} · {{.ErrorMessage}}{{end}}</td></tr>
{{end}}
{{end}}
</table>

{{if .Usage}}
<h2>Usage</h2>
<table>
<tr><th>Model</th><th>Tokens</th></tr>
{{range $model, $tokens := .Usage.TokensByModel}}
<tr><td>{{$model}}</td><td>{{$tokens}}</td></tr>
{{end}}
<tr><th>Attempts</th><td>{{.Usage.Attempts}}</td></tr>
<tr><th>Estimated cost</th><td>${{printf "%.2f" .Usage.CostEstimate}}</td></tr>
</table>
{{end}}

{{if .Failures}}
<h2>Failures</h2>
<table>
<tr><th>Task</th><th>Objective</th><th>Last error</th></tr>
{{range .Failures}}
<tr>
<td>{{.ID}}</td>
<td>{{.Objective}}</td>
<td>{{with lastAttempt .Attempts}}{{.ErrorKind}}: {{.ErrorMessage}}{{else}}-{{end}}</td>
</tr>
{{end}}
</table>
{{end}}
</body>
</html>
`))
