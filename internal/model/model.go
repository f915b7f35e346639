// Package model defines the core domain entities shared by every component
// of the story pipeline orchestrator: tasks, repositories, epics, stories,
// events, checkpoints, and the tagged result types stages exchange.
package model

import "time"

// Story status lifecycle. Order matters: the checkpoint store's stage
// field must advance monotonically through these values for a given
// story, except for the alternative outcome statuses (rejected, failed,
// merge_conflict, skipped_human_detected).
const (
	StatusNotStarted     = "not_started"
	StatusCodeGenerating = "code_generating"
	StatusCodeWritten    = "code_written"
	StatusPushed         = "pushed"
	StatusJudgeEvaluating = "judge_evaluating"
	StatusMergedToEpic   = "merged_to_epic"
	StatusCompleted      = "completed"
	StatusRejected       = "rejected"
	StatusFailed         = "failed"
	// StatusMergeConflict is a non-terminal status for a merge conflict
	// that neither regex resolution nor the AI conflict resolver could
	// clear. The story is preserved for human inspection; it is not
	// `failed` (open question in spec §9 — resolved here as its own
	// status, promotable to failed by a caller-configured timeout).
	StatusMergeConflict = "merge_conflict"
	// StatusSkippedHumanDetected is the terminal status for a story the
	// Recovery Service or Epic Coordinator declined to touch because the
	// sandbox showed signs of manual operator activity — conservatively
	// left alone rather than steered, retried, or failed.
	StatusSkippedHumanDetected = "skipped_human_detected"
)

// stageOrder gives each non-terminal stage a rank so progress can be
// compared monotonically. Terminal statuses other than completed, and
// merge_conflict, are intentionally absent —
// they are alternative outcomes, not points on this line.
var stageOrder = map[string]int{
	StatusNotStarted:      0,
	StatusCodeGenerating:  1,
	StatusCodeWritten:     2,
	StatusPushed:          3,
	StatusJudgeEvaluating: 4,
	StatusMergedToEpic:    5,
	StatusCompleted:       6,
}

// StageAdvanced reports whether `to` is a forward (or equal) move from
// `from` along the canonical stage order. The alternative outcome
// statuses (rejected, failed, the non-terminal merge_conflict, and
// skipped_human_detected) are always considered a valid destination from
// any stage.
func StageAdvanced(from, to string) bool {
	if to == StatusRejected || to == StatusFailed || to == StatusMergeConflict || to == StatusSkippedHumanDetected {
		return true
	}
	toRank, ok := stageOrder[to]
	if !ok {
		return false
	}
	fromRank, ok := stageOrder[from]
	if !ok {
		fromRank = 0
	}
	return toRank >= fromRank
}

// Task is the top-level unit of work submitted by a human operator.
type Task struct {
	ID           string       `json:"id"`
	Description  string       `json:"description"`
	Repositories []Repository `json:"repositories"`
	EpicIDs      []string     `json:"epic_ids"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Repository is a single git repository a task may touch.
type Repository struct {
	Name          string `json:"name"`
	CloneURL      string `json:"clone_url"`
	DefaultBranch string `json:"default_branch"`
	WorkingPath   string `json:"working_path"`
}

// Epic is a scoped slice of the task targeting exactly one repository.
type Epic struct {
	ID           string   `json:"id"`
	TaskID       string   `json:"task_id"`
	Name         string   `json:"name"`
	Repository   string   `json:"repository"` // Repository.Name
	Branch       string   `json:"branch"`
	StoryIDs     []string `json:"story_ids"`
	DependsOn    []string `json:"depends_on,omitempty"`
}

// Story is the smallest unit an agent implements.
type Story struct {
	ID                 string   `json:"id"`
	EpicID             string   `json:"epic_id"`
	Title              string   `json:"title"`
	AcceptanceCriteria string   `json:"acceptance_criteria"`
	Branch             string   `json:"branch"`
	Status             string   `json:"status"`
}

// Event types recognised by the Event Log.
const (
	EventEpicCreated         = "EpicCreated"
	EventStoryCreated        = "StoryCreated"
	EventDeveloperStarted    = "DeveloperStarted"
	EventStoryCompleted      = "StoryCompleted"
	EventStoryFailed         = "StoryFailed"
	EventDevelopersCompleted = "DevelopersCompleted"
	EventStorySkipped        = "StorySkipped"
)

// Event is an append-only domain record. Sequence is assigned by the
// Event Log and is monotonically increasing per task.
type Event struct {
	Sequence  int64           `json:"sequence"`
	TaskID    string          `json:"task_id"`
	Type      string          `json:"type"`
	Agent     string          `json:"agent"`
	StoryID   string          `json:"story_id,omitempty"`
	EpicID    string          `json:"epic_id,omitempty"`
	Payload   map[string]any  `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// StoryProgress is the checkpoint keyed by (TaskID, EpicID, StoryID).
type StoryProgress struct {
	TaskID        string            `json:"task_id"`
	EpicID        string            `json:"epic_id"`
	StoryID       string            `json:"story_id"`
	Stage         string            `json:"stage"`
	CommitHash    string            `json:"commit_hash,omitempty"`
	SDKSessionID  string            `json:"sdk_session_id,omitempty"`
	FilesModified []string          `json:"files_modified,omitempty"`
	FilesCreated  []string          `json:"files_created,omitempty"`
	ToolsUsed     []string          `json:"tools_used,omitempty"`
	CostUSD       float64           `json:"cost_usd,omitempty"`
	Verdict       string            `json:"verdict,omitempty"`
	PRURL         string            `json:"pr_url,omitempty"`
	UpdatedAt     time.Time         `json:"updated_at"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// SessionCheckpoint is a row per (task_id, agent_role, story_id) recording
// the SDK session to resume a developer/judge invocation from.
type SessionCheckpoint struct {
	TaskID          string `json:"task_id"`
	AgentRole       string `json:"agent_role"`
	StoryID         string `json:"story_id"`
	SessionID       string `json:"session_id"`
	LastMessageUUID string `json:"last_message_uuid,omitempty"`
	Metadata        string `json:"metadata,omitempty"`
}

// Tokens is an input/output token tuple.
type Tokens struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// DeveloperOutput is the structured result a developer agent returns.
// CommitSHA is the only thing the pipeline treats as authoritative for
// "what code was produced" — alongside Git itself.
type DeveloperOutput struct {
	Success       bool      `json:"success"`
	CommitSHA     string    `json:"commit_sha"`
	BranchName    string    `json:"branch_name"`
	FilesModified []string  `json:"files_modified"`
	FilesCreated  []string  `json:"files_created"`
	CostUSD       float64   `json:"cost_usd"`
	Tokens        Tokens    `json:"tokens"`
	CompletedAt   time.Time `json:"completed_at"`
	StoryID       string    `json:"story_id"`
	RawResponse   string    `json:"raw_response,omitempty"`
}

// Reject reasons a Judge can return.
const (
	RejectConflicts       = "conflicts"
	RejectCodeIssues      = "code_issues"
	RejectScopeViolation  = "scope_violation"
	RejectPlaceholderCode = "placeholder_code"
	RejectMissingFiles    = "missing_files"
	RejectOther           = "other"
)

// JudgeInput is what the judge role receives.
type JudgeInput struct {
	CommitSHA          string `json:"commit_sha"`
	Branch             string `json:"branch"`
	WorkspacePath      string `json:"workspace_path"`
	StoryTitle         string `json:"story_title"`
	AcceptanceCriteria string `json:"acceptance_criteria"`
	EpicBranch         string `json:"epic_branch"`
	BuildCheckPassed   *bool  `json:"build_check_passed,omitempty"`
}

// JudgeResult is what the judge role returns.
type JudgeResult struct {
	Approved     bool    `json:"approved"`
	Score        float64 `json:"score"`
	Feedback     string  `json:"feedback"`
	RejectReason string  `json:"reject_reason,omitempty"`
	CostUSD      float64 `json:"cost_usd"`
	Tokens       Tokens  `json:"tokens"`
	Iteration    int     `json:"iteration"`
	MaxRetries   int     `json:"max_retries"`
}

// Failure categories. Bold-in-spec categories are terminal.
const (
	CategoryJudgeRejected   = "JUDGE_REJECTED"   // terminal
	CategoryAPIExhausted    = "API_EXHAUSTED"    // terminal
	CategoryNetworkTransient = "NETWORK_TRANSIENT"
	CategoryTimeout         = "TIMEOUT"
	CategoryGitTransient    = "GIT_TRANSIENT"
	CategoryUncommittedWork = "UNCOMMITTED_WORK"
	CategoryUnpushedWork    = "UNPUSHED_WORK"
	CategoryUnknown         = "UNKNOWN"
)

// Recovery strategies the classifier can recommend.
const (
	StrategyAccept               = "accept"
	StrategyRetryWithBackoff     = "retry-with-backoff"
	StrategyRetryImmediate       = "retry-immediate"
	StrategyRetryWithMoreTime    = "retry-with-more-time"
	StrategyAutoCommitAndContinue = "auto-commit-and-continue"
	StrategySalvageAndJudge      = "salvage-and-judge"
)

// Confidence levels the classifier attaches to its verdict.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// FailureAnalysis is produced by the Failure Classifier.
type FailureAnalysis struct {
	Category             string   `json:"category"`
	Strategy             string   `json:"strategy"`
	IsTerminal           bool     `json:"is_terminal"`
	ShouldRetry          bool     `json:"should_retry"`
	ShouldCallJudge      bool     `json:"should_call_judge"`
	RetryDelayMs         int64    `json:"retry_delay_ms"`
	MaxAdditionalRetries int      `json:"max_additional_retries"`
	Confidence           string   `json:"confidence"`
	Evidence             []string `json:"evidence,omitempty"`
	Recommendations      []string `json:"recommendations,omitempty"`
}
