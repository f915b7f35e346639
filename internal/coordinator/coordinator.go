// Package coordinator implements the Epic Coordinator: it orders epics
// within a task under the Conservative Dependency Policy, then runs each
// epic's stories strictly sequentially through the story pipeline,
// recovering failures along the way.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/storyforge/pipeline/internal/model"
	"github.com/storyforge/pipeline/internal/pipectx"
	"github.com/storyforge/pipeline/internal/recovery"
	"github.com/storyforge/pipeline/internal/storypipeline"
)

// Result is what Run returns: a summary matching the DevelopersCompleted
// event payload.
type Result struct {
	Successful         int
	Failed              int
	Skipped             int
	StoriesImplemented int
	EpicsCount          int
	Err                 error
	StoryResults        []storypipeline.StoryResult
}

// Coordinator runs one task's epics to completion.
type Coordinator struct {
	PCtx     *pipectx.PipelineContext
	Pipeline *storypipeline.Pipeline
	Recovery *recovery.Service
	Log      hclog.Logger
}

// New builds a Coordinator from its three collaborators.
func New(pctx *pipectx.PipelineContext, pipeline *storypipeline.Pipeline, rec *recovery.Service, log hclog.Logger) *Coordinator {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Coordinator{PCtx: pctx, Pipeline: pipeline, Recovery: rec, Log: log.Named("epic-coordinator")}
}

// Run orders epics, executes every story in every epic sequentially, and
// always emits a terminating DevelopersCompleted event — even when the
// coordinator itself fails before any story runs — so the outer state
// machine can never hang waiting on this task.
func (c *Coordinator) Run(ctx context.Context, task model.Task, epics []model.Epic, stories map[string][]model.Story) Result {
	order, err := orderEpics(epics)
	if err != nil {
		c.Log.Error("epic ordering failed", "task", task.ID, "err", err)
		result := Result{Failed: 0, EpicsCount: len(epics), Err: err}
		c.emitDevelopersCompleted(ctx, task, result, err)
		return result
	}
	c.Log.Info("epic execution order determined", "task", task.ID, "order", epicIDs(order))

	result := Result{EpicsCount: len(order)}
	for _, epic := range order {
		for _, story := range stories[epic.ID] {
			if c.humanDetectedInSandbox(story) {
				c.Log.Warn("human activity detected in sandbox, skipping story", "story", story.ID)
				result.StoryResults = append(result.StoryResults, storypipeline.StoryResult{Story: story, Status: model.StatusSkippedHumanDetected})
				result.Skipped++
				continue
			}

			sr := c.runStoryWithRecovery(ctx, story, epic)
			result.StoryResults = append(result.StoryResults, sr)
			result.StoriesImplemented++
			switch sr.Status {
			case model.StatusCompleted:
				result.Successful++
			default:
				result.Failed++
			}
		}
	}

	c.emitDevelopersCompleted(ctx, task, result, nil)
	return result
}

// humanDetectedInSandbox reports whether the sandbox shows signs of
// manual operator activity, in which case the story is left alone
// rather than started at all.
func (c *Coordinator) humanDetectedInSandbox(story model.Story) bool {
	if c.PCtx.Sandbox == nil {
		return false
	}
	human, err := c.PCtx.Sandbox.DetectHuman(c.PCtx.Task.ID)
	if err != nil {
		c.Log.Warn("human-intervention detection failed", "story", story.ID, "err", err)
		return false
	}
	return human
}

// runStoryWithRecovery runs one story and, if the pipeline returns an
// internal (non-terminal) error, hands off to the Recovery Service
// exactly once.
func (c *Coordinator) runStoryWithRecovery(ctx context.Context, story model.Story, epic model.Epic) storypipeline.StoryResult {
	result := c.Pipeline.Run(ctx, story, epic)
	if result.Status != model.StatusFailed || c.Recovery == nil {
		return result
	}

	outcome := c.Recovery.Recover(ctx, story, epic, "unknown", fmt.Errorf("%s", result.OriginalError), 0)
	if outcome.StoryResult != nil {
		return *outcome.StoryResult
	}
	result.Status = outcome.Status
	return result
}

func (c *Coordinator) emitDevelopersCompleted(ctx context.Context, task model.Task, result Result, coordinatorErr error) {
	payload := map[string]any{
		"successful":          result.Successful,
		"failed":              result.Failed,
		"skipped":             result.Skipped,
		"stories_implemented": result.StoriesImplemented,
		"epics_count":         result.EpicsCount,
	}
	if coordinatorErr != nil {
		payload["failed"] = true
		payload["error"] = coordinatorErr.Error()
	}
	if c.PCtx.EventLog == nil {
		return
	}
	_, _ = c.PCtx.EventLog.SafeAppend(ctx, model.Event{
		TaskID: task.ID, Type: model.EventDevelopersCompleted, Agent: "epic-coordinator",
		Payload: payload, Timestamp: time.Now().UTC(),
	})
}

func epicIDs(epics []model.Epic) []string {
	ids := make([]string, len(epics))
	for i, e := range epics {
		ids[i] = e.ID
	}
	return ids
}
