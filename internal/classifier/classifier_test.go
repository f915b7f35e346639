package classifier

import (
	"errors"
	"testing"
	"time"

	"github.com/storyforge/pipeline/internal/model"
)

func TestClassifyJudgeRejectedIsTerminal(t *testing.T) {
	got := Classify(Context{JudgeRejected: true}, DefaultPolicy)
	if got.Category != model.CategoryJudgeRejected || !got.IsTerminal || got.Strategy != model.StrategyAccept {
		t.Fatalf("got %+v", got)
	}
}

func TestClassifyAPIPatternRetriesThenTerminates(t *testing.T) {
	ctx := Context{Err: errors.New("anthropic API rate limit exceeded"), RetriesAttempted: 1}
	got := Classify(ctx, DefaultPolicy)
	if got.Category != model.CategoryAPIExhausted || got.IsTerminal || !got.ShouldRetry {
		t.Fatalf("retry case: got %+v", got)
	}

	ctx.RetriesAttempted = 3
	got = Classify(ctx, DefaultPolicy)
	if !got.IsTerminal || got.Strategy != model.StrategyAccept {
		t.Fatalf("exhausted case: got %+v", got)
	}
}

func TestClassifyUncommittedWorkTakesPriorityOverGenericError(t *testing.T) {
	ctx := Context{Err: errors.New("some generic failure"), HasUncommittedFiles: true}
	got := Classify(ctx, DefaultPolicy)
	if got.Strategy != model.StrategyAutoCommitAndContinue || !got.ShouldCallJudge {
		t.Fatalf("got %+v", got)
	}
}

func TestClassifyHasCommitsOnBranchSalvages(t *testing.T) {
	ctx := Context{Err: errors.New("developer crashed"), HasCommitsOnBranch: true}
	got := Classify(ctx, DefaultPolicy)
	if got.Strategy != model.StrategySalvageAndJudge || !got.ShouldCallJudge {
		t.Fatalf("got %+v", got)
	}
}

func TestClassifyNetworkPatternRetriesUpToCeiling(t *testing.T) {
	ctx := Context{Err: errors.New("dial tcp: connection refused (ECONNREFUSED)"), RetriesAttempted: 9}
	got := Classify(ctx, DefaultPolicy)
	if got.Category != model.CategoryNetworkTransient || !got.ShouldRetry {
		t.Fatalf("under ceiling: got %+v", got)
	}

	ctx.RetriesAttempted = 10
	got = Classify(ctx, DefaultPolicy)
	if got.Strategy != model.StrategySalvageAndJudge {
		t.Fatalf("at ceiling: got %+v", got)
	}
}

func TestClassifyNetworkCeilingIsConfigurable(t *testing.T) {
	ctx := Context{Err: errors.New("ECONNRESET"), RetriesAttempted: 5}
	got := Classify(ctx, ConservativePolicy)
	if got.Strategy != model.StrategySalvageAndJudge {
		t.Fatalf("expected conservative policy to exhaust at 5 retries: got %+v", got)
	}
}

func TestClassifyTimeoutByElapsedFraction(t *testing.T) {
	ctx := Context{Err: errors.New("agent still running"), Elapsed: 28 * time.Minute, Timeout: 30 * time.Minute, RetriesAttempted: 0}
	got := Classify(ctx, DefaultPolicy)
	if got.Category != model.CategoryTimeout || got.Strategy != model.StrategyRetryWithMoreTime {
		t.Fatalf("got %+v", got)
	}
}

func TestClassifyGitPatternRetriesImmediately(t *testing.T) {
	ctx := Context{Err: errors.New("fatal: could not resolve host: github.com"), RetriesAttempted: 1}
	got := Classify(ctx, DefaultPolicy)
	if got.Category != model.CategoryGitTransient || got.Strategy != model.StrategyRetryImmediate {
		t.Fatalf("got %+v", got)
	}
}

func TestClassifyUnknownFallsBackToBackoffThenSalvage(t *testing.T) {
	ctx := Context{Err: errors.New("something truly unexpected"), RetriesAttempted: 0}
	got := Classify(ctx, DefaultPolicy)
	if got.Category != model.CategoryUnknown || !got.ShouldRetry {
		t.Fatalf("got %+v", got)
	}

	ctx.RetriesAttempted = 3
	got = Classify(ctx, DefaultPolicy)
	if got.Strategy != model.StrategySalvageAndJudge {
		t.Fatalf("got %+v", got)
	}
}

func TestBackoffDelayCapsAtSixtySeconds(t *testing.T) {
	d := backoffMs(10)
	if d != 60000 {
		t.Errorf("backoffMs(10) = %d, want 60000", d)
	}
	if got := backoffMs(0); got != 5000 {
		t.Errorf("backoffMs(0) = %d, want 5000", got)
	}
	if got := backoffMs(2); got != 20000 {
		t.Errorf("backoffMs(2) = %d, want 20000", got)
	}
}
