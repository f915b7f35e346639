package storypipeline

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/storyforge/pipeline/internal/model"
	"github.com/storyforge/pipeline/internal/pipectx"
)

// FileReader reads a single file's content relative to a workspace root.
// Supplied by the caller because conflict resolution needs raw file
// content the Git Gateway interface does not expose directly.
type FileReader func(ctx context.Context, workspace, relPath string) (string, error)

// FileWriter writes a single file's content relative to a workspace root.
type FileWriter func(ctx context.Context, workspace, relPath, content string) error

// Pipeline drives one story through its four stages, honoring whatever
// checkpoint already exists for it.
type Pipeline struct {
	PCtx   *pipectx.PipelineContext
	Log    hclog.Logger

	ReadConflictedFile FileReader
	WriteResolvedFile  FileWriter
}

// New builds a Pipeline. log may be nil, in which case a discarding
// logger is used.
func New(pctx *pipectx.PipelineContext, log hclog.Logger) *Pipeline {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Pipeline{PCtx: pctx, Log: log.Named("story-pipeline")}
}

// entryStage maps a checkpoint's stage (or its absence) onto the stage
// the resumed run should start from, per the mid-story resume table.
func entryStage(cp *model.StoryProgress) string {
	if cp == nil {
		return model.StatusNotStarted
	}
	switch cp.Stage {
	case model.StatusCompleted, model.StatusMergedToEpic:
		return model.StatusCompleted
	case model.StatusPushed, model.StatusJudgeEvaluating:
		return model.StatusPushed
	case model.StatusCodeWritten:
		return model.StatusCodeWritten
	default:
		return model.StatusNotStarted
	}
}

// Run executes (or resumes) story against epic, returning its terminal or
// preserved-for-resume result. It never panics: every internal error is
// folded into result.Status = failed.
func (p *Pipeline) Run(ctx context.Context, story model.Story, epic model.Epic) StoryResult {
	return p.run(ctx, story, epic, false, "")
}

// RunAfterRecovery re-enters the pipeline the same way Run does, but marks
// the resulting StoryResult (and, if it completes, the StoryCompleted
// event) as recovered from originalErr. The Recovery Service calls this
// instead of Run so the recovered-from-failure flag is set before
// emitStoryCompleted fires, rather than patched onto the result after the
// event has already gone out.
func (p *Pipeline) RunAfterRecovery(ctx context.Context, story model.Story, epic model.Epic, originalErr string) StoryResult {
	return p.run(ctx, story, epic, true, originalErr)
}

func (p *Pipeline) run(ctx context.Context, story model.Story, epic model.Epic, recovered bool, originalErr string) StoryResult {
	result := StoryResult{Story: story, StartedAt: p.now(), RecoveredFromFailure: recovered, OriginalError: originalErr}
	key := p.key(epic.ID, story.ID)

	cp, err := p.PCtx.Checkpoints.Load(ctx, key)
	if err != nil {
		p.Log.Error("load checkpoint", "story", story.ID, "err", err)
		result.Status = model.StatusFailed
		result.OriginalError = err.Error()
		return result
	}

	stage := entryStage(cp)
	if stage == model.StatusCompleted {
		result.Status = model.StatusCompleted
		result.FinishedAt = p.now()
		if cp != nil {
			result.CommitSHA = cp.CommitHash
		}
		return result
	}

	var acct Accounting
	commitSHA := ""
	if cp != nil {
		commitSHA = cp.CommitHash
	}

	if stage == model.StatusNotStarted {
		dev := p.runDeveloper(ctx, story, epic)
		acct.DeveloperCost += dev.Output.CostUSD
		acct.DeveloperTokens.Input += dev.Output.Tokens.Input
		acct.DeveloperTokens.Output += dev.Output.Tokens.Output
		if dev.Err != nil {
			p.Log.Error("developer stage", "story", story.ID, "err", dev.Err)
			result.Status = model.StatusFailed
			result.OriginalError = dev.Err.Error()
			result.Accounting = acct
			return result
		}

		gv := p.runGitValidation(ctx, story, epic, dev.Output)
		if gv.Err != nil {
			p.Log.Error("git validation stage", "story", story.ID, "err", gv.Err)
			result.Status = model.StatusFailed
			result.OriginalError = gv.Err.Error()
			result.Accounting = acct
			return result
		}
		commitSHA = gv.CommitSHA
		stage = model.StatusPushed
	} else if stage == model.StatusCodeWritten {
		// Developer finished last run. The code_written checkpoint records
		// no commit SHA and there is no raw agent transcript to re-derive
		// one from, so synthesize a minimal DeveloperOutput and let Stage B
		// resolve the SHA from Git.
		gv := p.runGitValidation(ctx, story, epic, model.DeveloperOutput{StoryID: story.ID})
		if gv.Err != nil {
			p.Log.Error("git validation stage (resumed)", "story", story.ID, "err", gv.Err)
			result.Status = model.StatusFailed
			result.OriginalError = gv.Err.Error()
			result.Accounting = acct
			return result
		}
		commitSHA = gv.CommitSHA
		stage = model.StatusPushed
	}

	if stage == model.StatusPushed {
		judge := p.runJudgeWithSpecialistRetry(ctx, story, epic, commitSHA, &acct, &result)
		if judge.Err != nil {
			p.Log.Error("judge stage", "story", story.ID, "err", judge.Err)
			result.Status = model.StatusFailed
			result.OriginalError = judge.Err.Error()
			result.Accounting = acct
			return result
		}
		if !judge.Result.Approved {
			result.Status = model.StatusRejected
			result.Accounting = acct
			_ = p.PCtx.Checkpoints.Save(ctx, key, model.StatusRejected, &model.StoryProgress{Verdict: judge.Result.RejectReason})
			return result
		}
	}

	merge := p.runMerge(ctx, story, epic, commitSHA)
	if merge.Err != nil {
		p.Log.Error("merge stage", "story", story.ID, "err", merge.Err)
		result.Status = model.StatusFailed
		result.OriginalError = merge.Err.Error()
		result.Accounting = acct
		return result
	}
	if merge.MergeConflict {
		result.Status = model.StatusMergeConflict
		result.MergeConflictFiles = merge.ConflictedFiles
		result.Accounting = acct
		return result
	}

	result.Status = model.StatusCompleted
	result.CommitSHA = commitSHA
	result.MergeConflictAutoResolved = merge.MergeConflictAutoResolved
	result.Accounting = acct
	result.FinishedAt = p.now()

	_ = p.PCtx.Checkpoints.MarkCompleted(ctx, key, judgeVerdictLabel(result), epic.Branch, "")
	p.emitStoryCompleted(ctx, story, epic, result)

	return result
}

// runJudgeWithSpecialistRetry runs the Judge stage once, and if it
// rejects for conflicts, routes to the Conflict Resolver specialist and
// re-runs the Judge exactly once more before giving up.
func (p *Pipeline) runJudgeWithSpecialistRetry(ctx context.Context, story model.Story, epic model.Epic, commitSHA string, acct *Accounting, result *StoryResult) JudgeStageResult {
	key := p.key(epic.ID, story.ID)
	_ = p.PCtx.Checkpoints.Save(ctx, key, model.StatusJudgeEvaluating, &model.StoryProgress{CommitHash: commitSHA})

	judge := p.runJudge(ctx, story, epic, commitSHA)
	acct.JudgeCost += judge.Result.CostUSD
	acct.JudgeTokens.Input += judge.Result.Tokens.Input
	acct.JudgeTokens.Output += judge.Result.Tokens.Output
	if judge.Err != nil || judge.Result.Approved {
		return judge
	}
	if judge.Result.RejectReason != model.RejectConflicts {
		return judge
	}

	resolved, cost, tokens, err := p.runConflictResolverOnBranch(ctx, story, epic, commitSHA)
	acct.ConflictResolutionCost += cost
	acct.ConflictResolutionUsage.Input += tokens.Input
	acct.ConflictResolutionUsage.Output += tokens.Output
	if err != nil || !resolved {
		return judge
	}

	retry := p.runJudge(ctx, story, epic, commitSHA)
	acct.JudgeCost += retry.Result.CostUSD
	acct.JudgeTokens.Input += retry.Result.Tokens.Input
	acct.JudgeTokens.Output += retry.Result.Tokens.Output
	if retry.Err == nil && retry.Result.Approved {
		result.ResolvedBySpecialist = "ConflictResolver"
		return retry
	}
	return retry
}

func judgeVerdictLabel(result StoryResult) string {
	if result.ResolvedBySpecialist != "" {
		return "approved-after-" + result.ResolvedBySpecialist
	}
	return "approved"
}

func (p *Pipeline) emitStoryCompleted(ctx context.Context, story model.Story, epic model.Epic, result StoryResult) {
	_, _ = p.PCtx.EventLog.SafeAppend(ctx, model.Event{
		TaskID: p.PCtx.Task.ID, Type: model.EventStoryCompleted, Agent: "story-pipeline",
		StoryID: story.ID, EpicID: epic.ID,
		Payload: map[string]any{
			"commit_sha":                   result.CommitSHA,
			"merge_conflict_auto_resolved":  result.MergeConflictAutoResolved,
			"resolved_by_specialist":        result.ResolvedBySpecialist,
			"cost_usd":                      result.Accounting.TotalCost(),
			"recovered_from_failure":        result.RecoveredFromFailure,
			"original_error":                result.OriginalError,
		},
		Timestamp: p.now(),
	})
}

func (p *Pipeline) now() time.Time {
	return time.Now().UTC()
}
