// Package recovery implements the Recovery Service: what happens when a
// story pipeline stage returns an error instead of a terminal result. It
// gathers git evidence, classifies the failure, and either resumes the
// story toward the Judge, sleeps and retries the stage that failed, or
// gives up and marks the story failed.
package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/storyforge/pipeline/internal/classifier"
	"github.com/storyforge/pipeline/internal/model"
	"github.com/storyforge/pipeline/internal/pipectx"
	"github.com/storyforge/pipeline/internal/storypipeline"
)

// Outcome is what a recovery attempt produced.
type Outcome struct {
	Status          string
	Analysis        model.FailureAnalysis
	RecoveredByJudge bool
	StoryResult     *storypipeline.StoryResult
	Err             error
}

// Service runs the recovery procedure for one failed story attempt.
type Service struct {
	PCtx     *pipectx.PipelineContext
	Pipeline *storypipeline.Pipeline
	Policy   classifier.Policy
	Log      hclog.Logger
	Sleep    func(time.Duration)
}

// New builds a Service with the default policy and a real time.Sleep.
func New(pctx *pipectx.PipelineContext, pipeline *storypipeline.Pipeline, log hclog.Logger) *Service {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Service{
		PCtx: pctx, Pipeline: pipeline, Policy: classifier.DefaultPolicy,
		Log: log.Named("recovery"), Sleep: time.Sleep,
	}
}

// Recover runs the recovery procedure for a story that just failed with
// originalErr during phase (one of "developer", "git_validation", "judge",
// "merge"). It never itself panics or re-enters recovery on its own
// failure: any internal error is folded into a terminal failed Outcome.
func (s *Service) Recover(ctx context.Context, story model.Story, epic model.Epic, phase string, originalErr error, retriesAttempted int) Outcome {
	if s.PCtx.Sandbox != nil {
		if human, err := s.PCtx.Sandbox.DetectHuman(s.PCtx.Task.ID); err != nil {
			s.Log.Warn("human-intervention detection failed", "story", story.ID, "err", err)
		} else if human {
			s.Log.Warn("human activity detected in sandbox, skipping recovery", "story", story.ID)
			s.emitStorySkipped(ctx, story, epic)
			return Outcome{Status: model.StatusSkippedHumanDetected}
		}
	}

	evidence, gatherErr := s.gatherEvidence(ctx, story, epic)
	if gatherErr != nil {
		s.Log.Warn("recovery evidence gathering failed", "story", story.ID, "err", gatherErr)
	}

	analysis := classifier.Classify(classifier.Context{
		Err:                  originalErr,
		RetriesAttempted:     retriesAttempted,
		MaxRetries:           maxRetriesFor(phase, s.Policy),
		HasUncommittedFiles:  evidence.HasUncommittedFiles,
		HasUntrackedFiles:    evidence.HasUntrackedFiles,
		HasCommitsOnBranch:   evidence.HasCommitsOnBranch,
		Phase:                phase,
	}, s.Policy)

	if analysis.ShouldCallJudge {
		return s.recoverViaJudge(ctx, story, epic, analysis, evidence, originalErr)
	}

	if analysis.ShouldRetry {
		select {
		case <-ctx.Done():
			return Outcome{Status: model.StatusFailed, Analysis: analysis, Err: ctx.Err()}
		default:
		}
		s.Sleep(time.Duration(analysis.RetryDelayMs) * time.Millisecond)
		result := s.Pipeline.Run(ctx, story, epic)
		return Outcome{Status: result.Status, Analysis: analysis, StoryResult: &result}
	}

	s.emitStoryFailed(ctx, story, epic, analysis, originalErr)
	return Outcome{Status: model.StatusFailed, Analysis: analysis, Err: originalErr}
}

type evidence struct {
	HasUncommittedFiles bool
	HasUntrackedFiles   bool
	HasCommitsOnBranch  bool
	CommitSHA           string
}

// gatherEvidence asks Git directly what actually happened in the
// workspace, since agent-reported status is only ever a hint.
func (s *Service) gatherEvidence(ctx context.Context, story model.Story, epic model.Epic) (evidence, error) {
	var ev evidence
	work, err := s.PCtx.Git.DetectWorkInWorkspace(ctx, s.PCtx.Workspace)
	if err != nil {
		return ev, fmt.Errorf("detect work in workspace: %w", err)
	}
	ev.HasUncommittedFiles = work.HasUncommittedFiles
	ev.HasUntrackedFiles = work.HasUntrackedFiles

	devWork, err := s.PCtx.Git.VerifyDeveloperWork(ctx, s.PCtx.Workspace, epic.Branch, story.Branch)
	if err != nil {
		return ev, fmt.Errorf("verify developer work: %w", err)
	}
	ev.HasCommitsOnBranch = devWork.HasCommits
	ev.CommitSHA = devWork.CommitSHA
	return ev, nil
}

// recoverViaJudge salvages whatever git evidence exists by auto-committing
// if needed, checkpoints straight to "pushed" so the pipeline resumes at
// Stage C instead of restarting the developer, and lets it run from there.
// It runs the pipeline via RunAfterRecovery rather than Run so the story's
// recoveredFromFailure flag and original error are already set on the
// result by the time StoryCompleted fires, not patched on afterward.
func (s *Service) recoverViaJudge(ctx context.Context, story model.Story, epic model.Epic, analysis model.FailureAnalysis, ev evidence, originalErr error) Outcome {
	commitSHA := ev.CommitSHA
	if !ev.HasCommitsOnBranch {
		sha, err := s.PCtx.Git.AutoCommitUncommittedWork(ctx, s.PCtx.Workspace, story.Title, story.Branch)
		if err != nil {
			s.Log.Warn("auto-commit during recovery failed", "story", story.ID, "err", err)
		} else {
			commitSHA = sha
		}
	}
	if res := s.PCtx.Git.Push(ctx, s.PCtx.Workspace, story.Branch, pipectx.PushOpts{SetUpstream: true}); !res.OK {
		s.Log.Warn("push during recovery failed", "story", story.ID, "err", res.Err)
	}

	key := pipectx.CheckpointKey{TaskID: s.PCtx.Task.ID, EpicID: epic.ID, StoryID: story.ID}
	if commitSHA != "" {
		if err := s.PCtx.Checkpoints.Save(ctx, key, model.StatusPushed, &model.StoryProgress{CommitHash: commitSHA}); err != nil {
			s.Log.Warn("checkpoint salvage to pushed failed", "story", story.ID, "err", err)
		}
	}

	msg := ""
	if originalErr != nil {
		msg = originalErr.Error()
	}
	result := s.Pipeline.RunAfterRecovery(ctx, story, epic, msg)

	return Outcome{
		Status: result.Status, Analysis: analysis, RecoveredByJudge: true, StoryResult: &result,
	}
}

// emitStorySkipped records that recovery was conservatively declined
// because a human appeared to be active in the sandbox.
func (s *Service) emitStorySkipped(ctx context.Context, story model.Story, epic model.Epic) {
	_, _ = s.PCtx.EventLog.SafeAppend(ctx, model.Event{
		TaskID: s.PCtx.Task.ID, Type: model.EventStorySkipped, Agent: "recovery-service",
		StoryID: story.ID, EpicID: epic.ID,
		Payload:   map[string]any{"reason": "human_detected_in_sandbox"},
		Timestamp: time.Now().UTC(),
	})
}

func (s *Service) emitStoryFailed(ctx context.Context, story model.Story, epic model.Epic, analysis model.FailureAnalysis, originalErr error) {
	msg := ""
	if originalErr != nil {
		msg = originalErr.Error()
	}
	_, _ = s.PCtx.EventLog.SafeAppend(ctx, model.Event{
		TaskID: s.PCtx.Task.ID, Type: model.EventStoryFailed, Agent: "recovery-service",
		StoryID: story.ID, EpicID: epic.ID,
		Payload: map[string]any{
			"category": analysis.Category, "error": msg, "confidence": analysis.Confidence,
		},
		Timestamp: time.Now().UTC(),
	})
}

func maxRetriesFor(phase string, policy classifier.Policy) int {
	switch phase {
	case "git_validation", "merge":
		return policy.GitRetryCeiling
	default:
		return policy.UnknownRetryCeiling
	}
}
