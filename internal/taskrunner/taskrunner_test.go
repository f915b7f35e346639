package taskrunner

import (
	"context"
	"testing"

	"github.com/storyforge/pipeline/internal/agentrunner"
	"github.com/storyforge/pipeline/internal/checkpoint"
	"github.com/storyforge/pipeline/internal/coordinator"
	"github.com/storyforge/pipeline/internal/model"
	"github.com/storyforge/pipeline/internal/pipectx"
	"github.com/storyforge/pipeline/internal/storypipeline"
)

type fakeGit struct{}

func (fakeGit) Fetch(ctx context.Context, repoPath string) pipectx.GitResult { return pipectx.GitResult{OK: true} }
func (fakeGit) Checkout(ctx context.Context, repoPath, branch string, opts pipectx.CheckoutOpts) pipectx.GitResult {
	return pipectx.GitResult{OK: true}
}
func (fakeGit) Commit(ctx context.Context, repoPath, message string) pipectx.GitResult { return pipectx.GitResult{OK: true} }
func (fakeGit) Push(ctx context.Context, repoPath, branch string, opts pipectx.PushOpts) pipectx.GitResult {
	return pipectx.GitResult{OK: true}
}
func (fakeGit) VerifyCommitOnRemote(ctx context.Context, repoPath, sha string) bool { return true }
func (fakeGit) VerifyDeveloperWork(ctx context.Context, workspace, baseBranch, branch string) (pipectx.DeveloperWorkInfo, error) {
	return pipectx.DeveloperWorkInfo{HasCommits: true, CommitSHA: branch + "-sha"}, nil
}
func (fakeGit) AutoCommitUncommittedWork(ctx context.Context, repoPath, storyTitle, branch string) (string, error) {
	return "", nil
}
func (fakeGit) DetectWorkInWorkspace(ctx context.Context, repoPath string) (pipectx.WorkDetection, error) {
	return pipectx.WorkDetection{}, nil
}
func (fakeGit) EnsureBranchOnRemote(ctx context.Context, repoPath, branch string) pipectx.GitResult {
	return pipectx.GitResult{OK: true}
}
func (fakeGit) Merge(ctx context.Context, repoPath, sourceBranch, targetBranch string, opts pipectx.MergeOpts) pipectx.MergeResult {
	return pipectx.MergeResult{OK: true}
}
func (fakeGit) AbortMerge(ctx context.Context, repoPath string) pipectx.GitResult { return pipectx.GitResult{OK: true} }
func (fakeGit) DeleteBranch(ctx context.Context, repoPath, branch string, bothSides bool) pipectx.GitResult {
	return pipectx.GitResult{OK: true}
}
func (fakeGit) ResetHard(ctx context.Context, repoPath, ref string) pipectx.GitResult { return pipectx.GitResult{OK: true} }

var _ pipectx.GitGateway = fakeGit{}

type noopEventLog struct{}

func (noopEventLog) Append(ctx context.Context, e model.Event) (model.Event, error) { return e, nil }
func (noopEventLog) SafeAppend(ctx context.Context, e model.Event) (model.Event, error) { return e, nil }
func (noopEventLog) GetCurrentState(ctx context.Context, taskID string) (pipectx.TaskState, error) {
	return pipectx.TaskState{Stories: map[string]model.Story{}}, nil
}
func (noopEventLog) ValidateState(ctx context.Context, taskID string) []string { return nil }
func (noopEventLog) VerifyStoryPush(ctx context.Context, taskID, storyID, branch, sha, repoPath string) bool {
	return true
}

func newSpec(t *testing.T, taskID string) TaskSpec {
	t.Helper()
	store, err := checkpoint.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	agents := agentrunner.NewFake()
	epic := model.Epic{ID: "e1", Repository: "repoA", Branch: "epic/e1"}
	story := model.Story{ID: "s1", EpicID: "e1", Branch: "story/s1"}
	agents.DeveloperResponses[story.ID] = model.DeveloperOutput{Success: true}
	agents.JudgeResponses["story/s1-sha"] = model.JudgeResult{Approved: true}

	pctx := &pipectx.PipelineContext{
		Task: model.Task{ID: taskID}, Workspace: t.TempDir(),
		Checkpoints: store, Git: fakeGit{}, Agents: agents, EventLog: noopEventLog{},
	}
	pipe := storypipeline.New(pctx, nil)
	co := coordinator.New(pctx, pipe, nil, nil)

	return TaskSpec{
		Task: model.Task{ID: taskID}, Epics: []model.Epic{epic},
		Stories: map[string][]model.Story{"e1": {story}}, Coord: co,
	}
}

func TestRunExecutesAllTasksConcurrently(t *testing.T) {
	specs := []TaskSpec{newSpec(t, "task-a"), newSpec(t, "task-b"), newSpec(t, "task-c")}
	runner := New(0, nil)

	results := runner.Run(context.Background(), specs)
	if len(results) != 3 {
		t.Fatalf("len(results) = %d, want 3", len(results))
	}
	for _, id := range []string{"task-a", "task-b", "task-c"} {
		res, ok := results[id]
		if !ok {
			t.Fatalf("missing result for %s", id)
		}
		if res.Successful != 1 {
			t.Errorf("%s: Successful = %d, want 1", id, res.Successful)
		}
	}
}

func TestRunRespectsConcurrencyLimit(t *testing.T) {
	specs := []TaskSpec{newSpec(t, "task-a"), newSpec(t, "task-b")}
	runner := New(1, nil)

	results := runner.Run(context.Background(), specs)
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
}
