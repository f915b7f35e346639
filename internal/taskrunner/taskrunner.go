// Package taskrunner drives multiple independent tasks in parallel. Each
// task gets its own workspace, sandbox, and PipelineContext, so tasks
// never contend on git or the filesystem; within a task, execution stays
// strictly sequential (the Epic Coordinator's job).
package taskrunner

import (
	"context"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"github.com/storyforge/pipeline/internal/coordinator"
	"github.com/storyforge/pipeline/internal/model"
)

// TaskSpec bundles one task's coordinator and the epics/stories it needs
// to run, so Runner stays collaborator-agnostic.
type TaskSpec struct {
	Task    model.Task
	Epics   []model.Epic
	Stories map[string][]model.Story
	Coord   *coordinator.Coordinator
}

// Runner executes a batch of independent tasks concurrently, capped by
// MaxConcurrency (0 means unlimited, bounded only by errgroup's default
// behavior of one goroutine per task).
type Runner struct {
	MaxConcurrency int
	Log            hclog.Logger
}

// New builds a Runner. log may be nil.
func New(maxConcurrency int, log hclog.Logger) *Runner {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Runner{MaxConcurrency: maxConcurrency, Log: log.Named("task-runner")}
}

// Results is keyed by task ID.
type Results map[string]coordinator.Result

// Run launches every spec's coordinator concurrently and waits for all of
// them. A panic or error in one task's goroutine does not cancel the
// others — tasks are isolated by design, so one task's failure must not
// starve its siblings of a terminating result.
func (r *Runner) Run(ctx context.Context, specs []TaskSpec) Results {
	results := make(Results, len(specs))
	resultCh := make(chan struct {
		id     string
		result coordinator.Result
	}, len(specs))

	g, gctx := errgroup.WithContext(ctx)
	if r.MaxConcurrency > 0 {
		g.SetLimit(r.MaxConcurrency)
	}

	for _, spec := range specs {
		spec := spec
		g.Go(func() error {
			defer func() {
				if rec := recover(); rec != nil {
					r.Log.Error("task panicked", "task", spec.Task.ID, "panic", rec)
				}
			}()
			r.Log.Info("task starting", "task", spec.Task.ID)
			res := spec.Coord.Run(gctx, spec.Task, spec.Epics, spec.Stories)
			resultCh <- struct {
				id     string
				result coordinator.Result
			}{spec.Task.ID, res}
			r.Log.Info("task finished", "task", spec.Task.ID, "successful", res.Successful, "failed", res.Failed)
			return nil
		})
	}

	_ = g.Wait()
	close(resultCh)
	for entry := range resultCh {
		results[entry.id] = entry.result
	}
	return results
}
