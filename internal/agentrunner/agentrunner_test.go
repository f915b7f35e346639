package agentrunner

import (
	"context"
	"testing"

	"github.com/storyforge/pipeline/internal/model"
	"github.com/storyforge/pipeline/internal/pipectx"
)

func TestDeriveFeatureIntent(t *testing.T) {
	f := NewFake()
	f.AgentResponses["intent-deriver:derive-intent"] = pipectx.AgentResult{Output: "Add dark mode toggle"}

	got, err := DeriveFeatureIntent(context.Background(), f, "t1", "please add a way to switch to dark mode")
	if err != nil {
		t.Fatalf("DeriveFeatureIntent: %v", err)
	}
	if got != "Add dark mode toggle" {
		t.Errorf("got %q", got)
	}
}

func TestParseJudgeResultMarkerApproved(t *testing.T) {
	result := ParseJudgeResult("✅ APPROVED\nlooks good", 0.1, model.Tokens{Input: 10, Output: 5}, 1, 3)
	if !result.Approved {
		t.Errorf("expected Approved, got %+v", result)
	}
}

func TestParseJudgeResultMarkerRejected(t *testing.T) {
	result := ParseJudgeResult("❌ REJECTED: placeholder code found", 0.1, model.Tokens{}, 1, 3)
	if result.Approved {
		t.Errorf("expected not Approved, got %+v", result)
	}
	if result.RejectReason != model.RejectOther {
		t.Errorf("RejectReason = %q", result.RejectReason)
	}
}

func TestFakeExecuteDeveloperReturnsScriptedResponse(t *testing.T) {
	f := NewFake()
	f.DeveloperResponses["s1"] = model.DeveloperOutput{Success: true, CommitSHA: "abc123"}

	out, err := f.ExecuteDeveloper(context.Background(), pipectx.ExecuteDeveloperOpts{Story: model.Story{ID: "s1"}})
	if err != nil {
		t.Fatalf("ExecuteDeveloper: %v", err)
	}
	if out.CommitSHA != "abc123" {
		t.Errorf("CommitSHA = %q", out.CommitSHA)
	}
	if len(f.DeveloperCalls) != 1 {
		t.Errorf("expected 1 recorded call, got %d", len(f.DeveloperCalls))
	}
}

func TestFakeExecuteDeveloperUnscriptedErrors(t *testing.T) {
	f := NewFake()
	if _, err := f.ExecuteDeveloper(context.Background(), pipectx.ExecuteDeveloperOpts{Story: model.Story{ID: "missing"}}); err == nil {
		t.Fatal("expected error for unscripted story")
	}
}

func TestFakeSteerRecordsCall(t *testing.T) {
	f := NewFake()
	if err := f.Steer(context.Background(), "t1", "s1", "please wrap up"); err != nil {
		t.Fatalf("Steer: %v", err)
	}
	if len(f.SteerCalls) != 1 || f.SteerCalls[0] != "s1:please wrap up" {
		t.Errorf("SteerCalls = %v", f.SteerCalls)
	}
}
