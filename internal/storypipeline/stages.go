package storypipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/storyforge/pipeline/internal/conflict"
	"github.com/storyforge/pipeline/internal/markers"
	"github.com/storyforge/pipeline/internal/model"
	"github.com/storyforge/pipeline/internal/pipectx"
)

// pushPropagationDelay is how long Stage B waits before trusting a fetch
// to see a just-pushed commit.
const pushPropagationDelay = 3 * time.Second

// developerWrapUpSteer is the one-time message sent to a developer agent
// whose stage is about to exceed its configured timeout, mirroring the
// wrap-up steer a stalled session gets before it is given up on.
const developerWrapUpSteer = "Please wrap up your current work and finalize changes."

// developerSteerGrace is how much longer the developer stage waits after
// sending the wrap-up steer before treating the stage as timed out. A
// var rather than a const so tests can shrink it.
var developerSteerGrace = 2 * time.Minute

// runDeveloper executes Stage A.
func (p *Pipeline) runDeveloper(ctx context.Context, story model.Story, epic model.Epic) DeveloperStageResult {
	key := p.key(epic.ID, story.ID)
	if err := p.PCtx.Checkpoints.Save(ctx, key, model.StatusCodeGenerating, nil); err != nil {
		return DeveloperStageResult{Err: fmt.Errorf("save checkpoint code_generating: %w", err)}
	}

	repoPath := p.PCtx.Workspace
	res := p.PCtx.Git.Checkout(ctx, repoPath, story.Branch, pipectx.CheckoutOpts{CreateFrom: epic.Branch})
	if !res.OK {
		return DeveloperStageResult{Err: fmt.Errorf("checkout story branch %s: %w", story.Branch, res.Err)}
	}

	var resume pipectx.ResumeOptions
	if p.PCtx.Sessions != nil {
		if sess, err := p.PCtx.Sessions.LoadSession(ctx, p.PCtx.Task.ID, "developer", story.ID); err == nil && sess != nil {
			resume = pipectx.ResumeOptions{IsResume: true, ResumeSessionID: sess.SessionID, ResumeAtMessage: sess.LastMessageUUID}
		}
	}

	opts := pipectx.ExecuteDeveloperOpts{
		Task: p.PCtx.Task, Developer: "developer", Repositories: p.PCtx.Repositories,
		Workspace: repoPath, StoryBranch: story.Branch, Story: story, Epic: epic,
		EpicBranch: epic.Branch, ResumeOptions: resume,
	}
	out, err := p.executeDeveloperWithSteer(ctx, opts, story)
	if err != nil {
		return DeveloperStageResult{Output: out, Err: fmt.Errorf("execute developer agent: %w", err)}
	}

	if p.PCtx.Sessions != nil && out.RawResponse != "" {
		_ = p.PCtx.Sessions.SaveSession(ctx, model.SessionCheckpoint{
			TaskID: p.PCtx.Task.ID, AgentRole: "developer", StoryID: story.ID,
		})
	}

	if err := p.PCtx.Checkpoints.Save(ctx, key, model.StatusCodeWritten, &model.StoryProgress{
		CostUSD: out.CostUSD, FilesModified: out.FilesModified, FilesCreated: out.FilesCreated,
	}); err != nil {
		return DeveloperStageResult{Output: out, Err: fmt.Errorf("save checkpoint code_written: %w", err)}
	}

	return DeveloperStageResult{Output: out}
}

type developerExecResult struct {
	out model.DeveloperOutput
	err error
}

// executeDeveloperWithSteer runs the developer agent and, if it is still
// running when PCtx.Env.DeveloperTimeout elapses, sends one wrap-up steer
// and allows developerSteerGrace more time before giving up. A zero
// DeveloperTimeout disables steering and runs the agent straight through,
// bounded only by ctx.
func (p *Pipeline) executeDeveloperWithSteer(ctx context.Context, opts pipectx.ExecuteDeveloperOpts, story model.Story) (model.DeveloperOutput, error) {
	timeout := p.PCtx.Env.DeveloperTimeout
	if timeout <= 0 {
		return p.PCtx.Agents.ExecuteDeveloper(ctx, opts)
	}

	done := make(chan developerExecResult, 1)
	go func() {
		out, err := p.PCtx.Agents.ExecuteDeveloper(ctx, opts)
		done <- developerExecResult{out: out, err: err}
	}()

	steerTimer := time.NewTimer(timeout)
	defer steerTimer.Stop()

	select {
	case r := <-done:
		return r.out, r.err
	case <-ctx.Done():
		return model.DeveloperOutput{}, ctx.Err()
	case <-steerTimer.C:
	}

	if err := p.PCtx.Agents.Steer(ctx, p.PCtx.Task.ID, story.ID, developerWrapUpSteer); err != nil {
		p.Log.Warn("developer stage wrap-up steer failed", "story", story.ID, "err", err)
	} else {
		p.Log.Info("developer stage exceeded timeout, sent wrap-up steer", "story", story.ID)
	}

	graceTimer := time.NewTimer(developerSteerGrace)
	defer graceTimer.Stop()

	select {
	case r := <-done:
		return r.out, r.err
	case <-ctx.Done():
		return model.DeveloperOutput{}, ctx.Err()
	case <-graceTimer.C:
		return model.DeveloperOutput{}, fmt.Errorf("developer stage timed out for story %s after wrap-up steer", story.ID)
	}
}

// runGitValidation executes Stage B: Git is consulted as the source of
// truth for what the developer actually produced.
func (p *Pipeline) runGitValidation(ctx context.Context, story model.Story, epic model.Epic, dev model.DeveloperOutput) GitValidationStageResult {
	select {
	case <-time.After(pushPropagationDelay):
	case <-ctx.Done():
		return GitValidationStageResult{Err: ctx.Err()}
	}

	state, err := p.PCtx.EventLog.GetCurrentState(ctx, p.PCtx.Task.ID)
	if err != nil {
		return GitValidationStageResult{Err: fmt.Errorf("read current state: %w", err)}
	}
	branch := story.Branch
	if s, ok := state.Stories[story.ID]; ok && s.Branch != "" {
		branch = s.Branch
	}

	if markers.DeveloperFailed(dev.RawResponse) {
		if fetch := p.PCtx.Git.Fetch(ctx, p.PCtx.Workspace); !fetch.OK {
			return GitValidationStageResult{DeveloperFailed: true, Err: fmt.Errorf("fetch after developer-failed marker: %w", fetch.Err)}
		}
		work, err := p.PCtx.Git.VerifyDeveloperWork(ctx, p.PCtx.Workspace, epic.Branch, branch)
		if err == nil && !work.HasCommits {
			return GitValidationStageResult{DeveloperFailed: true, Err: fmt.Errorf("developer reported FAILED and no git work found")}
		}
	}

	if res := p.PCtx.Git.Fetch(ctx, p.PCtx.Workspace); !res.OK {
		return GitValidationStageResult{Err: fmt.Errorf("fetch: %w", res.Err)}
	}

	work, err := p.PCtx.Git.VerifyDeveloperWork(ctx, p.PCtx.Workspace, epic.Branch, branch)
	if err != nil {
		return GitValidationStageResult{Err: fmt.Errorf("verify developer work: %w", err)}
	}

	key := p.key(epic.ID, story.ID)

	if work.HasCommits {
		if ensured := p.ensureCommitOnRemote(ctx, branch); ensured.Err != nil {
			return GitValidationStageResult{Err: fmt.Errorf("ensure commit on remote: %w", ensured.Err)}
		}
		if err := p.PCtx.Checkpoints.Save(ctx, key, model.StatusPushed, &model.StoryProgress{CommitHash: work.CommitSHA}); err != nil {
			return GitValidationStageResult{Err: fmt.Errorf("save checkpoint pushed: %w", err)}
		}
		p.PCtx.EventLog.VerifyStoryPush(ctx, p.PCtx.Task.ID, story.ID, branch, work.CommitSHA, p.PCtx.Workspace)
		return GitValidationStageResult{CommitSHA: work.CommitSHA}
	}

	sha, err := p.PCtx.Git.AutoCommitUncommittedWork(ctx, p.PCtx.Workspace, story.Title, branch)
	if err == nil && sha != "" {
		if err := p.PCtx.Checkpoints.Save(ctx, key, model.StatusPushed, &model.StoryProgress{CommitHash: sha}); err != nil {
			return GitValidationStageResult{Err: fmt.Errorf("save checkpoint pushed: %w", err)}
		}
		return GitValidationStageResult{CommitSHA: sha, AutoCommitted: true}
	}

	if sha := markers.CommitSHA(dev.RawResponse); sha != "" {
		if err := p.PCtx.Checkpoints.Save(ctx, key, model.StatusPushed, &model.StoryProgress{CommitHash: sha}); err != nil {
			return GitValidationStageResult{Err: fmt.Errorf("save checkpoint pushed: %w", err)}
		}
		return GitValidationStageResult{CommitSHA: sha, MarkerFallback: true}
	}

	return GitValidationStageResult{Err: fmt.Errorf("git validation: no commit sha could be determined for story %s", story.ID)}
}

// ensureCommitOnRemote pushes branch, falling back to a force-push-with-
// lease if the remote has diverged in a way a plain push rejects.
func (p *Pipeline) ensureCommitOnRemote(ctx context.Context, branch string) pipectx.GitResult {
	res := p.PCtx.Git.Push(ctx, p.PCtx.Workspace, branch, pipectx.PushOpts{SetUpstream: true})
	if res.OK {
		return res
	}
	return p.PCtx.Git.Push(ctx, p.PCtx.Workspace, branch, pipectx.PushOpts{SetUpstream: true, Force: true})
}

// runJudge executes Stage C.
func (p *Pipeline) runJudge(ctx context.Context, story model.Story, epic model.Epic, commitSHA string) JudgeStageResult {
	if res := p.PCtx.Git.Fetch(ctx, p.PCtx.Workspace); !res.OK {
		return JudgeStageResult{Err: fmt.Errorf("fetch before judge: %w", res.Err)}
	}
	if res := p.PCtx.Git.Checkout(ctx, p.PCtx.Workspace, story.Branch, pipectx.CheckoutOpts{}); !res.OK {
		return JudgeStageResult{Err: fmt.Errorf("checkout story branch for judge: %w", res.Err)}
	}
	if res := p.PCtx.Git.ResetHard(ctx, p.PCtx.Workspace, "origin/"+story.Branch); !res.OK {
		return JudgeStageResult{Err: fmt.Errorf("reset hard to origin/%s: %w", story.Branch, res.Err)}
	}

	key := p.key(epic.ID, story.ID)
	if err := p.PCtx.Checkpoints.Save(ctx, key, model.StatusJudgeEvaluating, &model.StoryProgress{CommitHash: commitSHA}); err != nil {
		return JudgeStageResult{Err: fmt.Errorf("save checkpoint judge_evaluating: %w", err)}
	}

	var buildPassed *bool
	if p.PCtx.Sandbox != nil && p.PCtx.Env.BuildCmd != "" {
		res, err := p.PCtx.Sandbox.Exec(ctx, p.PCtx.Task.ID, p.PCtx.Env.BuildCmd, p.PCtx.Workspace, 5*time.Minute)
		passed := err == nil && res.ExitCode == 0
		buildPassed = &passed
	}

	input := model.JudgeInput{
		CommitSHA: commitSHA, Branch: story.Branch, WorkspacePath: p.PCtx.Workspace,
		StoryTitle: story.Title, AcceptanceCriteria: story.AcceptanceCriteria,
		EpicBranch: epic.Branch, BuildCheckPassed: buildPassed,
	}
	result, err := p.PCtx.Agents.ExecuteJudge(ctx, input)
	if err != nil {
		return JudgeStageResult{BuildCheckPassed: buildPassed, Err: fmt.Errorf("execute judge agent: %w", err)}
	}
	return JudgeStageResult{Result: result, BuildCheckPassed: buildPassed}
}

// runMerge executes Stage D, including conflict handling.
func (p *Pipeline) runMerge(ctx context.Context, story model.Story, epic model.Epic, commitSHA string) MergeStageResult {
	merge := p.PCtx.Git.Merge(ctx, p.PCtx.Workspace, story.Branch, epic.Branch, pipectx.MergeOpts{
		NoFF: true, Message: fmt.Sprintf("Merge story: %s", story.Title),
	})
	if merge.OK {
		return p.finishMerge(ctx, story, epic, false)
	}
	if len(merge.ConflictedFiles) == 0 {
		return MergeStageResult{Err: fmt.Errorf("merge failed: %w", merge.Err)}
	}

	if ok := p.tryRegexConflictResolution(ctx, merge.ConflictedFiles); ok {
		return p.finishMerge(ctx, story, epic, true)
	}

	resolved, _, _, err := p.runConflictResolverOnBranch(ctx, story, epic, commitSHA)
	if err == nil && resolved {
		return p.finishMerge(ctx, story, epic, true)
	}

	abort := p.PCtx.Git.AbortMerge(ctx, p.PCtx.Workspace)
	if !abort.OK {
		return MergeStageResult{Err: fmt.Errorf("abort conflicted merge: %w", abort.Err)}
	}
	return MergeStageResult{MergeConflict: true, ConflictedFiles: merge.ConflictedFiles}
}

// tryRegexConflictResolution replaces each conflicted file with the
// union of its two sides (conflict.Resolve), reading and writing through
// ReadConflictedFile/WriteResolvedFile, and commits the result. It
// returns false without touching anything when either hook is unset, and
// false when any file cannot be resolved (files resolved before that
// stay written). If a resolved file is a dependency manifest and a
// sandbox and InstallCmd are configured, it runs InstallCmd before
// committing.
func (p *Pipeline) tryRegexConflictResolution(ctx context.Context, conflictedFiles []string) bool {
	if p.ReadConflictedFile == nil || p.WriteResolvedFile == nil {
		return false
	}
	allResolved := true
	needsReinstall := false
	for _, f := range conflictedFiles {
		content, err := p.ReadConflictedFile(ctx, p.PCtx.Workspace, f)
		if err != nil {
			return false
		}
		resolvedContent, resolved := conflict.Resolve(content)
		if !resolved {
			allResolved = false
			continue
		}
		if err := p.WriteResolvedFile(ctx, p.PCtx.Workspace, f, resolvedContent); err != nil {
			return false
		}
		if conflict.DependencyManifests[f] {
			needsReinstall = true
		}
	}
	if !allResolved {
		return false
	}
	if needsReinstall && p.PCtx.Sandbox != nil && p.PCtx.Env.InstallCmd != "" {
		_, _ = p.PCtx.Sandbox.Exec(ctx, p.PCtx.Task.ID, p.PCtx.Env.InstallCmd, p.PCtx.Workspace, 5*time.Minute)
	}
	if res := p.PCtx.Git.Commit(ctx, p.PCtx.Workspace, "Merge: auto-resolved conflicts"); !res.OK {
		return false
	}
	return true
}

// runConflictResolverOnBranch invokes the AI Conflict Resolver agent
// against the currently conflicted workspace. Returns whether it left
// zero conflict markers, plus the cost/tokens to charge to the story.
func (p *Pipeline) runConflictResolverOnBranch(ctx context.Context, story model.Story, epic model.Epic, commitSHA string) (bool, float64, model.Tokens, error) {
	prompt := fmt.Sprintf("Resolve all git conflict markers in the working tree for story %q. Leave no %s markers.", story.Title, "<<<<<<<")
	res, err := p.PCtx.Agents.ExecuteAgent(ctx, "conflict-resolver", prompt, p.PCtx.Workspace, p.PCtx.Task.ID, "resolve-conflicts", "")
	if err != nil {
		return false, 0, model.Tokens{}, fmt.Errorf("execute conflict resolver agent: %w", err)
	}
	resolved, _, ok := markers.ConflictResolverVerdict(res.Output)
	if !ok {
		resolved = !strings.Contains(res.Output, "<<<<<<<")
	}
	if resolved {
		if commitRes := p.PCtx.Git.Commit(ctx, p.PCtx.Workspace, "Merge: AI-resolved conflicts"); !commitRes.OK {
			return false, res.CostUSD, res.Tokens, fmt.Errorf("commit AI-resolved conflicts: %w", commitRes.Err)
		}
	}
	return resolved, res.CostUSD, res.Tokens, nil
}

func (p *Pipeline) finishMerge(ctx context.Context, story model.Story, epic model.Epic, autoResolved bool) MergeStageResult {
	if res := p.PCtx.Git.Push(ctx, p.PCtx.Workspace, epic.Branch, pipectx.PushOpts{}); !res.OK {
		return MergeStageResult{Err: fmt.Errorf("push epic branch: %w", res.Err)}
	}

	key := p.key(epic.ID, story.ID)
	if err := p.PCtx.Checkpoints.Save(ctx, key, model.StatusMergedToEpic, nil); err != nil {
		return MergeStageResult{Err: fmt.Errorf("save checkpoint merged_to_epic: %w", err)}
	}

	if p.PCtx.Sandbox != nil && isNonTrivialRebuild(p.PCtx.Env.RebuildCmd) {
		_, _ = p.PCtx.Sandbox.Exec(ctx, p.PCtx.Task.ID, p.PCtx.Env.RebuildCmd, p.PCtx.Workspace, 5*time.Minute)
	}

	_ = p.PCtx.Git.DeleteBranch(ctx, p.PCtx.Workspace, story.Branch, true)

	return MergeStageResult{OK: true, MergeConflictAutoResolved: autoResolved}
}

// isNonTrivialRebuild mirrors spec §4.6 Stage D step 4: an `echo`
// command signals HMR is already handling rebuilds, so skip it.
func isNonTrivialRebuild(cmd string) bool {
	trimmed := strings.TrimSpace(cmd)
	return trimmed != "" && !strings.HasPrefix(trimmed, "echo")
}

func (p *Pipeline) key(epicID, storyID string) pipectx.CheckpointKey {
	return pipectx.CheckpointKey{TaskID: p.PCtx.Task.ID, EpicID: epicID, StoryID: storyID}
}
