package cmd

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/undercity-dev/undercity/internal/agent"
	"github.com/undercity-dev/undercity/internal/board"
	"github.com/undercity-dev/undercity/internal/config"
	"github.com/undercity-dev/undercity/internal/decision"
	"github.com/undercity-dev/undercity/internal/gitops"
	"github.com/undercity-dev/undercity/internal/guard"
	"github.com/undercity-dev/undercity/internal/learning"
	"github.com/undercity-dev/undercity/internal/llm"
	"github.com/undercity-dev/undercity/internal/logging"
	"github.com/undercity-dev/undercity/internal/mergequeue"
	"github.com/undercity-dev/undercity/internal/meta"
	"github.com/undercity-dev/undercity/internal/metrics"
	"github.com/undercity-dev/undercity/internal/orchestrator"
	"github.com/undercity-dev/undercity/internal/planner"
	"github.com/undercity-dev/undercity/internal/ratelimit"
	"github.com/undercity-dev/undercity/internal/review"
	"github.com/undercity-dev/undercity/internal/router"
	"github.com/undercity-dev/undercity/internal/scan"
	"github.com/undercity-dev/undercity/internal/store"
	"github.com/undercity-dev/undercity/internal/verify"
	"github.com/undercity-dev/undercity/internal/worker"
)

// runtime is the wired-up session shared by every subcommand that
// touches state. Commands open only what they need via the open* tiers.
type runtime struct {
	cfg      *config.Config
	repoRoot string
	stateDir string
	db       *store.Store
	board    *board.Board
	logger   *logging.Logger

	learning *learning.Store
	tracker  *ratelimit.Tracker
	guard    *guard.Guard
	llm      *llm.Client
	decider  *decision.Tracker
	pm       *decision.PM
	git      *gitops.Git
}

// repoRoot locates the enclosing git repository, falling back to the
// working directory so state commands work in plain directories too.
func repoRoot() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := gitops.CLIExecutor{}.Run(ctx, wd, "git", "rev-parse", "--show-toplevel")
	if err != nil {
		return wd
	}
	root := strings.TrimSpace(string(out))
	if root == "" {
		return wd
	}
	return root
}

// openRuntime loads config and opens the store, board, and the LLM
// stack. Close must be called when done.
func openRuntime() (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	root := repoRoot()
	stateDir := cfg.Paths.ResolveStateDir(root)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, err
	}

	logger := logging.NopLogger()
	if cfg.Logging.Enabled {
		logger, err = logging.NewLogger(filepath.Join(stateDir, "logs"), cfg.Logging.Level)
		if err != nil {
			return nil, err
		}
	}

	db, err := store.Open(filepath.Join(stateDir, "undercity.db"), logger)
	if err != nil {
		logger.Close()
		return nil, err
	}

	rt := &runtime{
		cfg:      cfg,
		repoRoot: root,
		stateDir: stateDir,
		db:       db,
		board:    board.New(db, logger),
		logger:   logger,
		learning: learning.NewStore(db, logger),
		git:      gitops.New(root),
	}

	rt.tracker = ratelimit.NewTracker(cfg.RateLimits, cfg.Models,
		filepath.Join(stateDir, "rate-limit-state.json"), logger)
	rt.guard = guard.New(cfg.RateLimits, rt.tracker, logger)
	rt.llm = llm.NewClient(cfg.Models, rt.guard, provider(), logger)
	rt.decider = decision.NewTracker(db, logger)
	rt.pm = decision.NewPM(rt.decider, rt.llm)
	return rt, nil
}

func (rt *runtime) Close() {
	if rt.db != nil {
		rt.db.Close()
	}
	if rt.logger != nil {
		rt.logger.Close()
	}
}

// provider picks the LLM backend. Anthropic is the default path;
// UNDERCITY_PROVIDER=openai switches.
func provider() llm.Provider {
	if os.Getenv("UNDERCITY_PROVIDER") == "openai" {
		return llm.NewOpenAIProvider()
	}
	return llm.NewAnthropicProvider()
}

// grindDeps bundles the per-session machinery built on top of a runtime
// for an actual grind or serve run.
type grindDeps struct {
	orch *orchestrator.Orchestrator
	rec  *metrics.Recorder
	lock *orchestrator.Lock
}

// grindOverrides carries flag-level tweaks into worker construction.
type grindOverrides struct {
	model       string
	noCommit    bool
	noTypecheck bool
	review      bool
}

// buildGrind assembles workers, the merge queue, the meta engine, and
// the orchestrator. It acquires the orchestrator lock; the caller owns
// releasing it via deps.lock.
func (rt *runtime) buildGrind(ctx context.Context, batchID string, ov grindOverrides) (*grindDeps, error) {
	lock, err := orchestrator.AcquireLock(rt.stateDir, rt.logger)
	if err != nil {
		return nil, err
	}

	cfg := *rt.cfg
	if ov.noCommit {
		cfg.Grind.Commit = false
	}
	if ov.noTypecheck {
		cfg.Verify.Typecheck = false
	}
	if ov.review {
		cfg.Review.Enabled = true
	}
	if ov.model != "" && config.IsValidTier(ov.model) {
		cfg.Models.MaxTier = ov.model
	}

	rtr := router.New(&cfg, rt.db, rt.logger)
	pl := planner.New(rt.llm, rt.learning, rt.decider, rt.pm, cfg.Models.MaxTier, rt.logger)
	ver := verify.New(cfg.Verify, gitops.CLIExecutor{}, rt.learning, rt.logger)
	runner := agent.NewProcessRunner(cfg.Agent, rt.logger)
	queue := mergequeue.New(cfg.MergeQueue, rt.git, ver, baseBranch(ctx, rt.git), rt.repoRoot, rt.logger)
	reviewer := review.New(rt.llm, cfg.Review, rt.logger)
	repoMetrics := scan.New(rt.repoRoot, rt.git, rt.logger).Scan(ctx)

	rec := metrics.NewRecorder(filepath.Join(rt.stateDir, "live-metrics.json"), batchID, rt.logger)

	newWorker := func(id string) *worker.Worker {
		w := worker.New(id, &cfg, rt.db, pl, runner, ver, rtr, rt.learning, rt.git, rt.logger).
			WithMetrics(repoMetrics)
		if cfg.Review.Enabled {
			w = w.WithReviewer(reviewer)
		}
		return w
	}

	orch := orchestrator.New(&cfg, rt.db, rt.board, queue, rt.guard,
		func(id string) orchestrator.TaskRunner { return newWorker(id) },
		rt.repoRoot, rt.logger).
		WithMetaEngine(meta.New(rt.board, rt.llm, rt.logger)).
		WithMetrics(rec)

	return &grindDeps{orch: orch, rec: rec, lock: lock}, nil
}

func baseBranch(ctx context.Context, git *gitops.Git) string {
	if b, err := git.CurrentBranch(ctx); err == nil && b != "" {
		return b
	}
	return "main"
}
