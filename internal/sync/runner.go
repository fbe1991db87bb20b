package sync

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/schaermu/reposyncd/internal/config"
)

// Runner executes targets through an Engine, serializing runs that share a
// local path and bounding how many targets run at once
type Runner struct {
	engine *Engine
	jobs   int
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRunner creates a runner that executes at most jobs targets concurrently
func NewRunner(engine *Engine, jobs int, logger *slog.Logger) *Runner {
	if jobs < 1 {
		jobs = 1
	}
	return &Runner{
		engine: engine,
		jobs:   jobs,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (r *Runner) pathLock(path string) *sync.Mutex {
	key := filepath.Clean(path)
	if abs, err := filepath.Abs(key); err == nil {
		key = abs
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[key]
	if !ok {
		l = &sync.Mutex{}
		r.locks[key] = l
	}
	return l
}

// RunTarget runs a single target. A second run on the same local path waits
// for the first to finish.
func (r *Runner) RunTarget(ctx context.Context, target config.TargetConfig, report func(Event)) Result {
	l := r.pathLock(target.Path)
	l.Lock()
	defer l.Unlock()

	return r.engine.Run(ctx, target, report)
}

// RunAll runs every target and returns their results in input order. One
// target failing does not stop the others. report is never called
// concurrently.
func (r *Runner) RunAll(ctx context.Context, targets []config.TargetConfig, report func(config.TargetConfig, Event)) []Result {
	results := make([]Result, len(targets))

	var reportMu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.jobs)

	for i, t := range targets {
		g.Go(func() error {
			results[i] = r.RunTarget(ctx, t, func(ev Event) {
				if report == nil {
					return
				}
				reportMu.Lock()
				defer reportMu.Unlock()
				report(t, ev)
			})
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, res := range results {
		if res.Outcome == OutcomeError {
			failed++
		}
	}
	r.logger.Info("sync run finished", "targets", len(targets), "failed", failed)

	return results
}
