// Package storypipeline implements the Story Pipeline: the four-stage
// engine (Developer -> Git Validation -> Judge -> Merge) that drives one
// story from start to a terminal or preserved-for-resume state. Every
// stage is idempotent with respect to the checkpoint store.
package storypipeline

import (
	"time"

	"github.com/storyforge/pipeline/internal/model"
)

// DeveloperStageResult is Stage A's tagged outcome. Output may carry an
// empty CommitSHA if the agent did not finish cleanly — Stage B resolves
// that ambiguity against Git.
type DeveloperStageResult struct {
	Output model.DeveloperOutput
	Err    error
}

// GitValidationStageResult is Stage B's tagged outcome: the commit SHA
// the pipeline will treat as authoritative going forward.
type GitValidationStageResult struct {
	CommitSHA        string
	AutoCommitted    bool
	MarkerFallback   bool
	DeveloperFailed  bool
	Err              error
}

// JudgeStageResult is Stage C's tagged outcome.
type JudgeStageResult struct {
	Result           model.JudgeResult
	BuildCheckPassed *bool
	Err              error
}

// MergeStageResult is Stage D's tagged outcome.
type MergeStageResult struct {
	OK                      bool
	MergeConflict           bool
	MergeConflictAutoResolved bool
	ConflictedFiles         []string
	Err                     error
}

// Accounting aggregates cost/token usage across stages; returned even on
// partial failure per spec §4.6.
type Accounting struct {
	DeveloperCost          float64
	JudgeCost              float64
	ConflictResolutionCost float64
	DeveloperTokens        model.Tokens
	JudgeTokens            model.Tokens
	ConflictResolutionUsage model.Tokens
}

func (a *Accounting) TotalCost() float64 {
	return a.DeveloperCost + a.JudgeCost + a.ConflictResolutionCost
}

// StoryResult is what Run returns: the final story status plus
// everything the caller needs to emit events and report to a human.
type StoryResult struct {
	Story                 model.Story
	Status                string
	Accounting             Accounting
	RecoveredFromFailure   bool
	OriginalError          string
	ResolvedBySpecialist   string
	MergeConflictAutoResolved bool
	MergeConflictFiles     []string
	CommitSHA              string
	StartedAt              time.Time
	FinishedAt             time.Time
}
