// Package pipectx defines the capability interfaces every stage of the
// story pipeline depends on, and the task-scoped PipelineContext that
// threads them through. There are no global singletons here: every
// cross-cutting concern (event log, checkpoints, git, sandbox, the agent
// runner, notifications) is a parameter, not a base class, per the
// "interfaces in place of inheritance" design note.
package pipectx

import (
	"context"
	"time"

	"github.com/storyforge/pipeline/internal/model"
)

// EventLog is the append-only domain event store.
type EventLog interface {
	Append(ctx context.Context, e model.Event) (model.Event, error)
	SafeAppend(ctx context.Context, e model.Event) (model.Event, error)
	GetCurrentState(ctx context.Context, taskID string) (TaskState, error)
	ValidateState(ctx context.Context, taskID string) []string
	// VerifyStoryPush is a best-effort, non-blocking confirmation that
	// sha actually landed on the remote for repoPath/branch. Implementations
	// that have no way to check the remote should record the attempt and
	// return false rather than claiming success blindly.
	VerifyStoryPush(ctx context.Context, taskID, storyID, branch, sha, repoPath string) bool
}

// TaskState is the folded snapshot GetCurrentState produces.
type TaskState struct {
	Epics                map[string]model.Epic
	Stories              map[string]model.Story
	EnvironmentConfig    map[string]string
	DevelopersCompletedAt *time.Time
}

// CheckpointStore is the keyed per-story progress marker store.
type CheckpointStore interface {
	Save(ctx context.Context, key CheckpointKey, stage string, extra *model.StoryProgress) error
	Load(ctx context.Context, key CheckpointKey) (*model.StoryProgress, error)
	MarkCompleted(ctx context.Context, key CheckpointKey, verdict, branch, prURL string) error
}

// CheckpointKey identifies a story's checkpoint row.
type CheckpointKey struct {
	TaskID  string
	EpicID  string
	StoryID string
}

// SessionCheckpointStore tracks SDK session resume state, keyed by
// (task, agent role, story).
type SessionCheckpointStore interface {
	SaveSession(ctx context.Context, c model.SessionCheckpoint) error
	LoadSession(ctx context.Context, taskID, agentRole, storyID string) (*model.SessionCheckpoint, error)
}

// GitResult is the typed {ok, output, err} result every Git Gateway
// operation returns.
type GitResult struct {
	OK     bool
	Output string
	Err    error
}

// MergeOpts configures a merge.
type MergeOpts struct {
	NoFF    bool
	Message string
}

// MergeResult reports the outcome of a merge attempt.
type MergeResult struct {
	OK              bool
	ConflictedFiles []string
	Err             error
}

// CheckoutOpts configures a checkout, optionally creating the branch.
type CheckoutOpts struct {
	CreateFrom string // branch to create from if neither local nor remote exists
}

// PushOpts configures a push.
type PushOpts struct {
	Force        bool
	SetUpstream  bool
}

// WorkDetection classifies the working tree's uncommitted state.
type WorkDetection struct {
	HasUncommittedFiles bool
	HasUntrackedFiles   bool
	Files               []string
}

// DeveloperWorkInfo is what VerifyDeveloperWork returns.
type DeveloperWorkInfo struct {
	HasCommits    bool
	CommitCount   int
	CommitSHA     string
	CommitMessage string
}

// GitGateway encapsulates all shell-level git interaction. Every
// operation accepts an explicit repository path and an optional timeout;
// every network-touching operation retries with exponential backoff up
// to a configured cap.
type GitGateway interface {
	Fetch(ctx context.Context, repoPath string) GitResult
	Checkout(ctx context.Context, repoPath, branch string, opts CheckoutOpts) GitResult
	Commit(ctx context.Context, repoPath, message string) GitResult
	Push(ctx context.Context, repoPath, branch string, opts PushOpts) GitResult
	VerifyCommitOnRemote(ctx context.Context, repoPath, sha string) bool
	// VerifyDeveloperWork reports whether branch carries any commits the
	// developer produced, by diffing against baseBranch — the branch the
	// story branch was actually cut from (the epic branch, not a fixed
	// repository default), since a later story's branch has already
	// absorbed every prior story's merged commits.
	VerifyDeveloperWork(ctx context.Context, workspace, baseBranch, branch string) (DeveloperWorkInfo, error)
	AutoCommitUncommittedWork(ctx context.Context, repoPath, storyTitle, branch string) (string, error)
	DetectWorkInWorkspace(ctx context.Context, repoPath string) (WorkDetection, error)
	EnsureBranchOnRemote(ctx context.Context, repoPath, branch string) GitResult
	Merge(ctx context.Context, repoPath, sourceBranch, targetBranch string, opts MergeOpts) MergeResult
	AbortMerge(ctx context.Context, repoPath string) GitResult
	DeleteBranch(ctx context.Context, repoPath, branch string, bothSides bool) GitResult
	ResetHard(ctx context.Context, repoPath, ref string) GitResult
}

// ExecResult is the result of a sandboxed command execution.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// SandboxDescriptor describes an allocated sandbox.
type SandboxDescriptor struct {
	TaskID string
	Exists bool
}

// SandboxGateway executes commands in an isolated environment, one per
// task.
type SandboxGateway interface {
	Exec(ctx context.Context, taskID, command string, cwd string, timeout time.Duration) (ExecResult, error)
	GetSandbox(taskID string) *SandboxDescriptor
	DetectHuman(taskID string) (bool, error)
}

// ResumeOptions tells the developer agent whether to resume an SDK
// session and from where.
type ResumeOptions struct {
	IsResume         bool
	ResumeSessionID  string
	ResumeAtMessage  string
}

// ExecuteDeveloperOpts bundles everything a developer invocation needs.
type ExecuteDeveloperOpts struct {
	Task             model.Task
	Developer        string
	Repositories     []model.Repository
	Workspace        string
	StoryBranch      string
	Story            model.Story
	Epic             model.Epic
	EpicBranch       string
	Feedback         string
	ArchitectureBrief string
	EnvCommands      []string
	SandboxID        string
	ResumeOptions    ResumeOptions
}

// AgentResult is the generic result of ExecuteAgent.
type AgentResult struct {
	CostUSD         float64
	Tokens          model.Tokens
	Output          string
	SDKSessionID    string
	LastMessageUUID string
}

// AgentRunner invokes an external LLM agent. It is the only interface the
// core does not implement — the agent runtime itself is out of scope.
type AgentRunner interface {
	ExecuteDeveloper(ctx context.Context, opts ExecuteDeveloperOpts) (model.DeveloperOutput, error)
	ExecuteJudge(ctx context.Context, input model.JudgeInput) (model.JudgeResult, error)
	ExecuteAgent(ctx context.Context, agentType, prompt, workspace, taskID, label string, sessionID string) (AgentResult, error)
	// Steer sends a mid-run steering message to the agent working
	// storyID, asking it to change course without killing the session —
	// used to tell a developer agent nearing its stage timeout to wrap
	// up and commit rather than being cut off outright.
	Steer(ctx context.Context, taskID, storyID, message string) error
}

// Notifier is a fire-and-forget UI channel.
type Notifier interface {
	Emit(taskID, eventName string, payload map[string]any)
	EmitConsoleLog(taskID, level, message string)
}

// EnvironmentConfig carries per-task build/test/install commands and
// policy knobs read from internal/config.
type EnvironmentConfig struct {
	RebuildCmd        string
	InstallCmd        string
	TypecheckCmd      string
	TestCmd           string
	LintCmd           string
	BuildCmd          string
	MaxCostPerTaskUSD float64
	AggressiveNetworkRetries bool // not read by any package; the classifier's network-retry ceiling comes from classifier.Policy
	// DeveloperTimeout is how long the Developer stage waits before
	// sending a wrap-up steer to the agent; zero disables steering
	// entirely and lets the stage run until ctx is cancelled.
	DeveloperTimeout time.Duration
}

// PipelineContext is the task-scoped bundle of dependencies threaded
// through every stage, in place of global mutable state.
type PipelineContext struct {
	Ctx          context.Context
	Task         model.Task
	Repositories []model.Repository
	Workspace    string
	EventLog     EventLog
	Checkpoints  CheckpointStore
	Sessions     SessionCheckpointStore
	Git          GitGateway
	Sandbox      SandboxGateway
	Agents       AgentRunner
	Notifier     Notifier
	Env          EnvironmentConfig
	Cancel       context.CancelFunc
}
