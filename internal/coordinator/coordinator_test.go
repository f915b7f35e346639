package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/storyforge/pipeline/internal/agentrunner"
	"github.com/storyforge/pipeline/internal/checkpoint"
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

type fakeEventLog struct{ completedEvents []model.Event }

func (f *fakeEventLog) Append(ctx context.Context, e model.Event) (model.Event, error) { return e, nil }
func (f *fakeEventLog) SafeAppend(ctx context.Context, e model.Event) (model.Event, error) {
	if e.Type == model.EventDevelopersCompleted {
		f.completedEvents = append(f.completedEvents, e)
	}
	return e, nil
}
func (f *fakeEventLog) GetCurrentState(ctx context.Context, taskID string) (pipectx.TaskState, error) {
	return pipectx.TaskState{Stories: map[string]model.Story{}}, nil
}
func (f *fakeEventLog) ValidateState(ctx context.Context, taskID string) []string { return nil }
func (f *fakeEventLog) VerifyStoryPush(ctx context.Context, taskID, storyID, branch, sha, repoPath string) bool {
	return true
}

type fakeSandbox struct{ human bool }

func (f *fakeSandbox) Exec(ctx context.Context, taskID, command, cwd string, timeout time.Duration) (pipectx.ExecResult, error) {
	return pipectx.ExecResult{}, nil
}
func (f *fakeSandbox) GetSandbox(taskID string) *pipectx.SandboxDescriptor { return nil }
func (f *fakeSandbox) DetectHuman(taskID string) (bool, error)            { return f.human, nil }

var _ pipectx.SandboxGateway = (*fakeSandbox)(nil)

func TestRunExecutesAllStoriesAndEmitsDevelopersCompleted(t *testing.T) {
	store, err := checkpoint.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	log := &fakeEventLog{}
	agents := agentrunner.NewFake()

	epic := model.Epic{ID: "e1", Repository: "repoA", Branch: "epic/e1"}
	story := model.Story{ID: "s1", EpicID: "e1", Branch: "story/s1"}
	agents.DeveloperResponses[story.ID] = model.DeveloperOutput{Success: true}
	agents.JudgeResponses["story/s1-sha"] = model.JudgeResult{Approved: true}

	pctx := &pipectx.PipelineContext{
		Task: model.Task{ID: "task-1"}, Workspace: t.TempDir(),
		Checkpoints: store, Git: fakeGit{}, Agents: agents, EventLog: log,
	}
	pipe := storypipeline.New(pctx, nil)
	co := New(pctx, pipe, nil, nil)

	result := co.Run(context.Background(), model.Task{ID: "task-1"}, []model.Epic{epic}, map[string][]model.Story{"e1": {story}})

	if result.StoriesImplemented != 1 {
		t.Fatalf("StoriesImplemented = %d, want 1", result.StoriesImplemented)
	}
	if result.Successful != 1 {
		t.Fatalf("Successful = %d, want 1 (result=%+v)", result.Successful, result)
	}
	if len(log.completedEvents) != 1 {
		t.Fatalf("expected 1 DevelopersCompleted event, got %d", len(log.completedEvents))
	}
}

func TestRunCycleFailsFastAndStillEmitsDevelopersCompleted(t *testing.T) {
	store, err := checkpoint.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	log := &fakeEventLog{}
	pctx := &pipectx.PipelineContext{
		Task: model.Task{ID: "task-1"}, Workspace: t.TempDir(),
		Checkpoints: store, Git: fakeGit{}, Agents: agentrunner.NewFake(), EventLog: log,
	}
	pipe := storypipeline.New(pctx, nil)
	co := New(pctx, pipe, nil, nil)

	cyclic := []model.Epic{
		{ID: "e1", DependsOn: []string{"e2"}},
		{ID: "e2", DependsOn: []string{"e1"}},
	}
	result := co.Run(context.Background(), model.Task{ID: "task-1"}, cyclic, map[string][]model.Story{})

	if result.Err == nil {
		t.Fatal("expected cycle error")
	}
	if len(log.completedEvents) != 1 {
		t.Fatalf("expected DevelopersCompleted even on coordinator failure, got %d", len(log.completedEvents))
	}
	payload := log.completedEvents[0].Payload
	if failed, _ := payload["failed"].(bool); !failed {
		t.Errorf("payload[failed] = %v, want true", payload["failed"])
	}
}

func TestRunSkipsStoryWhenHumanDetectedInSandbox(t *testing.T) {
	store, err := checkpoint.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	log := &fakeEventLog{}
	agents := agentrunner.NewFake()

	epic := model.Epic{ID: "e1", Repository: "repoA", Branch: "epic/e1"}
	story := model.Story{ID: "s1", EpicID: "e1", Branch: "story/s1"}

	pctx := &pipectx.PipelineContext{
		Task: model.Task{ID: "task-1"}, Workspace: t.TempDir(),
		Checkpoints: store, Git: fakeGit{}, Agents: agents, EventLog: log,
		Sandbox: &fakeSandbox{human: true},
	}
	pipe := storypipeline.New(pctx, nil)
	co := New(pctx, pipe, nil, nil)

	result := co.Run(context.Background(), model.Task{ID: "task-1"}, []model.Epic{epic}, map[string][]model.Story{"e1": {story}})

	if result.Skipped != 1 {
		t.Fatalf("Skipped = %d, want 1 (result=%+v)", result.Skipped, result)
	}
	if len(agents.DeveloperCalls) != 0 {
		t.Errorf("expected no developer calls for a skipped story, got %d", len(agents.DeveloperCalls))
	}
	if len(result.StoryResults) != 1 || result.StoryResults[0].Status != model.StatusSkippedHumanDetected {
		t.Errorf("StoryResults = %+v, want status %q", result.StoryResults, model.StatusSkippedHumanDetected)
	}
}
