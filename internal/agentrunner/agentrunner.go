// Package agentrunner provides helpers around the pipectx.AgentRunner
// capability and a scriptable fake for tests. The actual LLM-invoking
// runtime is an external collaborator out of scope for this module —
// production code supplies its own implementation of pipectx.AgentRunner
// (an HTTP/RPC client to the agent service); this package only covers
// what the pipeline itself needs on top of that interface.
package agentrunner

import (
	"context"
	"fmt"

	"github.com/storyforge/pipeline/internal/markers"
	"github.com/storyforge/pipeline/internal/model"
	"github.com/storyforge/pipeline/internal/pipectx"
)

// DeriveFeatureIntent asks the agent runner's generic "intent deriver"
// role to turn a free-form task description into a short feature title,
// the role taskqueue's Queue.CheckIn uses when a queued task arrives
// without one (spec's supplemented queue-driven intake feature).
func DeriveFeatureIntent(ctx context.Context, agents pipectx.AgentRunner, taskID, description string) (string, error) {
	prompt := "Summarise the following task as a short feature title (max 8 words):\n\n" + description
	result, err := agents.ExecuteAgent(ctx, "intent-deriver", prompt, "", taskID, "derive-intent", "")
	if err != nil {
		return "", fmt.Errorf("derive feature intent: %w", err)
	}
	return result.Output, nil
}

// ParseJudgeResult builds a model.JudgeResult from an agent's raw text
// output when the runner did not (or could not) return structured JSON,
// falling back to the marker protocol in spec §6.
func ParseJudgeResult(output string, cost float64, tokens model.Tokens, iteration, maxRetries int) model.JudgeResult {
	approved, ok := markers.JudgeVerdict(output)
	result := model.JudgeResult{CostUSD: cost, Tokens: tokens, Iteration: iteration, MaxRetries: maxRetries, Feedback: output}
	if !ok {
		result.RejectReason = model.RejectOther
		return result
	}
	result.Approved = approved
	if !approved {
		result.RejectReason = model.RejectOther
	}
	return result
}

// Fake is a scriptable pipectx.AgentRunner for tests. Each method looks
// up a canned response and returns it, recording the call for assertions:
// developer responses are keyed by story ID, judge responses by commit
// SHA, and generic agent responses by "agentType:label".
type Fake struct {
	DeveloperResponses map[string]model.DeveloperOutput
	JudgeResponses      map[string]model.JudgeResult
	AgentResponses      map[string]pipectx.AgentResult
	Err                 error

	DeveloperCalls []pipectx.ExecuteDeveloperOpts
	JudgeCalls     []model.JudgeInput
	AgentCalls     []string
	SteerCalls     []string
	SteerErr       error
}

// NewFake builds an empty scriptable fake.
func NewFake() *Fake {
	return &Fake{
		DeveloperResponses: make(map[string]model.DeveloperOutput),
		JudgeResponses:      make(map[string]model.JudgeResult),
		AgentResponses:      make(map[string]pipectx.AgentResult),
	}
}

func (f *Fake) ExecuteDeveloper(ctx context.Context, opts pipectx.ExecuteDeveloperOpts) (model.DeveloperOutput, error) {
	f.DeveloperCalls = append(f.DeveloperCalls, opts)
	if f.Err != nil {
		return model.DeveloperOutput{}, f.Err
	}
	if out, ok := f.DeveloperResponses[opts.Story.ID]; ok {
		return out, nil
	}
	return model.DeveloperOutput{}, fmt.Errorf("fake agent runner: no developer response scripted for story %q", opts.Story.ID)
}

func (f *Fake) ExecuteJudge(ctx context.Context, input model.JudgeInput) (model.JudgeResult, error) {
	f.JudgeCalls = append(f.JudgeCalls, input)
	if f.Err != nil {
		return model.JudgeResult{}, f.Err
	}
	if out, ok := f.JudgeResponses[input.CommitSHA]; ok {
		return out, nil
	}
	return model.JudgeResult{}, fmt.Errorf("fake agent runner: no judge response scripted for commit %q", input.CommitSHA)
}

func (f *Fake) ExecuteAgent(ctx context.Context, agentType, prompt, workspace, taskID, label, sessionID string) (pipectx.AgentResult, error) {
	f.AgentCalls = append(f.AgentCalls, agentType+":"+label)
	if f.Err != nil {
		return pipectx.AgentResult{}, f.Err
	}
	if out, ok := f.AgentResponses[agentType+":"+label]; ok {
		return out, nil
	}
	return pipectx.AgentResult{}, fmt.Errorf("fake agent runner: no response scripted for %s:%s", agentType, label)
}

func (f *Fake) Steer(ctx context.Context, taskID, storyID, message string) error {
	f.SteerCalls = append(f.SteerCalls, storyID+":"+message)
	return f.SteerErr
}

var _ pipectx.AgentRunner = (*Fake)(nil)
