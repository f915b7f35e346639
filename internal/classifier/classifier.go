// Package classifier implements the Failure Classifier: a pure function
// from failure context to a recommended recovery strategy. It never
// throws and never touches git, the network, or the event log itself —
// callers gather evidence first and hand it in.
package classifier

import (
	"regexp"
	"time"

	"github.com/storyforge/pipeline/internal/model"
)

// Context is everything the classifier needs to decide. Phase names the
// stage that failed (developer|git_validation|judge|merge).
type Context struct {
	Err                error
	RetriesAttempted   int
	MaxRetries         int
	DeveloperOutput    *model.DeveloperOutput
	HasUncommittedFiles bool
	HasUntrackedFiles   bool
	HasCommitsOnBranch  bool
	Elapsed             time.Duration
	Timeout             time.Duration
	Phase               string
	JudgeRejected       bool
}

// Policy configures the classifier's retry ceilings, since the source's
// "aggressive" 10x network-retry variant is an open question spec.md
// leaves to the implementer; the choice is NetworkRetryCeiling.
type Policy struct {
	NetworkRetryCeiling int
	TimeoutRetryCeiling int
	GitRetryCeiling     int
	UnknownRetryCeiling int
}

// DefaultPolicy matches spec.md's literal ceilings (10/5/5/3).
var DefaultPolicy = Policy{NetworkRetryCeiling: 10, TimeoutRetryCeiling: 5, GitRetryCeiling: 5, UnknownRetryCeiling: 3}

// ConservativePolicy halves the network ceiling for deployments that
// would rather fail fast than hammer a struggling upstream.
var ConservativePolicy = Policy{NetworkRetryCeiling: 5, TimeoutRetryCeiling: 5, GitRetryCeiling: 5, UnknownRetryCeiling: 3}

var (
	apiPattern     = regexp.MustCompile(`(?i)claude|anthropic|api[_\s-]?error|rate[_\s-]?limit|429|529|overloaded`)
	networkPattern = regexp.MustCompile(`(?i)econnrefused|enotfound|econnreset|etimedout|network is unreachable|dial tcp`)
	timeoutPattern = regexp.MustCompile(`(?i)timeout|timed out|deadline exceeded`)
	gitPattern     = regexp.MustCompile(`(?i)\bgit\b|fatal: |non-fast-forward|could not resolve host|remote: `)
)

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Classify applies the nine-rule decision table top-down; the first
// matching rule wins.
func Classify(ctx Context, policy Policy) model.FailureAnalysis {
	text := errText(ctx.Err)

	// 1. Judge rejection is always accepted as-is.
	if ctx.JudgeRejected {
		return model.FailureAnalysis{
			Category: model.CategoryJudgeRejected, Strategy: model.StrategyAccept,
			IsTerminal: true, Confidence: model.ConfidenceHigh,
			Evidence: []string{"judge rejected the story"},
		}
	}

	// 2 & 3. API/rate-limit pattern.
	if apiPattern.MatchString(text) {
		if ctx.RetriesAttempted < 3 {
			return model.FailureAnalysis{
				Category: model.CategoryAPIExhausted, Strategy: model.StrategyRetryWithBackoff,
				ShouldRetry: true, RetryDelayMs: backoffMs(ctx.RetriesAttempted),
				MaxAdditionalRetries: 3 - ctx.RetriesAttempted, Confidence: model.ConfidenceHigh,
				Evidence: []string{"error matches API/rate-limit pattern", text},
			}
		}
		return model.FailureAnalysis{
			Category: model.CategoryAPIExhausted, Strategy: model.StrategyAccept,
			IsTerminal: true, Confidence: model.ConfidenceHigh,
			Evidence: []string{"API pattern exhausted after 3 retries", text},
		}
	}

	// 4. Uncommitted/untracked work in the workspace.
	if ctx.HasUncommittedFiles || ctx.HasUntrackedFiles {
		return model.FailureAnalysis{
			Category: model.CategoryUncommittedWork, Strategy: model.StrategyAutoCommitAndContinue,
			ShouldCallJudge: true, Confidence: model.ConfidenceHigh,
			Evidence: []string{"workspace detection shows uncommitted or untracked files"},
		}
	}

	// 5. Commits already exist on the branch: salvage straight to judge.
	if ctx.HasCommitsOnBranch {
		return model.FailureAnalysis{
			Category: model.CategoryUnpushedWork, Strategy: model.StrategySalvageAndJudge,
			ShouldCallJudge: true, Confidence: model.ConfidenceHigh,
			Evidence: []string{"commits already exist on the story branch"},
		}
	}

	// 6. Network pattern.
	if networkPattern.MatchString(text) {
		ceiling := policy.NetworkRetryCeiling
		if ctx.RetriesAttempted < ceiling {
			return model.FailureAnalysis{
				Category: model.CategoryNetworkTransient, Strategy: model.StrategyRetryWithBackoff,
				ShouldRetry: true, RetryDelayMs: backoffMs(ctx.RetriesAttempted),
				MaxAdditionalRetries: ceiling - ctx.RetriesAttempted, Confidence: model.ConfidenceMedium,
				Evidence: []string{"error matches network pattern", text},
			}
		}
		return model.FailureAnalysis{
			Category: model.CategoryNetworkTransient, Strategy: model.StrategySalvageAndJudge,
			ShouldCallJudge: true, IsTerminal: true, Confidence: model.ConfidenceMedium,
			Evidence: []string{"network retries exhausted", text},
		}
	}

	// 7. Timeout pattern or elapsed >= 0.9 * timeout.
	isTimeout := timeoutPattern.MatchString(text)
	if !isTimeout && ctx.Timeout > 0 && ctx.Elapsed >= time.Duration(float64(ctx.Timeout)*0.9) {
		isTimeout = true
	}
	if isTimeout {
		if ctx.RetriesAttempted < policy.TimeoutRetryCeiling {
			return model.FailureAnalysis{
				Category: model.CategoryTimeout, Strategy: model.StrategyRetryWithMoreTime,
				ShouldRetry: true, RetryDelayMs: backoffMs(ctx.RetriesAttempted),
				MaxAdditionalRetries: policy.TimeoutRetryCeiling - ctx.RetriesAttempted, Confidence: model.ConfidenceMedium,
				Evidence: []string{"timeout pattern or elapsed time near deadline"},
			}
		}
		return model.FailureAnalysis{
			Category: model.CategoryTimeout, Strategy: model.StrategySalvageAndJudge,
			ShouldCallJudge: true, Confidence: model.ConfidenceMedium,
			Evidence: []string{"timeout retries exhausted"},
		}
	}

	// 8. Git pattern.
	if gitPattern.MatchString(text) {
		if ctx.RetriesAttempted < policy.GitRetryCeiling {
			return model.FailureAnalysis{
				Category: model.CategoryGitTransient, Strategy: model.StrategyRetryImmediate,
				ShouldRetry: true, MaxAdditionalRetries: policy.GitRetryCeiling - ctx.RetriesAttempted,
				Confidence: model.ConfidenceMedium,
				Evidence: []string{"error matches git-transient pattern", text},
			}
		}
		return model.FailureAnalysis{
			Category: model.CategoryGitTransient, Strategy: model.StrategySalvageAndJudge,
			ShouldCallJudge: true, Confidence: model.ConfidenceLow,
			Evidence: []string{"git retries exhausted", text},
		}
	}

	// 9. Unknown, last resort.
	if ctx.RetriesAttempted < policy.UnknownRetryCeiling {
		return model.FailureAnalysis{
			Category: model.CategoryUnknown, Strategy: model.StrategyRetryWithBackoff,
			ShouldRetry: true, RetryDelayMs: backoffMs(ctx.RetriesAttempted),
			MaxAdditionalRetries: policy.UnknownRetryCeiling - ctx.RetriesAttempted, Confidence: model.ConfidenceLow,
			Evidence: []string{"unclassified error", text},
		}
	}
	return model.FailureAnalysis{
		Category: model.CategoryUnknown, Strategy: model.StrategySalvageAndJudge,
		ShouldCallJudge: true, Confidence: model.ConfidenceLow,
		Evidence: []string{"unclassified error, retries exhausted", text},
	}
}

// backoffMs computes delay = min(base*2^attempt, 60s), base=5s.
func backoffMs(attempt int) int64 {
	base := 5 * time.Second
	d := base * time.Duration(1<<uint(attempt))
	if d > 60*time.Second {
		d = 60 * time.Second
	}
	return d.Milliseconds()
}
