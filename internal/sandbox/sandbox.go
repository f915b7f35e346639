// Package sandbox implements the Sandbox Gateway: command execution
// inside an isolated per-task environment, plus human-intervention
// detection. The real sandbox (containers, tmux panes) is an external
// collaborator out of scope here; Gateway models the one-sandbox-per-task
// lifecycle the coordinator expects and shells out on the host by
// default, exactly as the teacher's CommandRunner does for checks.
package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/storyforge/pipeline/internal/pipectx"
)

// CommandRunner abstracts command execution for testability, mirroring
// the checks package's CommandRunner.
type CommandRunner interface {
	Run(ctx context.Context, dir, command string) (stdout, stderr string, exitCode int, err error)
}

// ExecRunner shells out via `sh -c`.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, dir, command string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return stdout.String(), stderr.String(), -1, fmt.Errorf("exec: %w", err)
		}
	}
	return stdout.String(), stderr.String(), exitCode, nil
}

// activity is the command-vs-human timeline kept per task, mirroring the
// teacher's session_events table (factory_send vs active events).
type activity struct {
	lastPipelineSend time.Time
	lastActive       time.Time
}

// Gateway is the default pipectx.SandboxGateway implementation.
type Gateway struct {
	cmd CommandRunner

	mu         sync.Mutex
	sandboxes  map[string]*pipectx.SandboxDescriptor
	activities map[string]*activity
	now        func() time.Time
}

// New builds a Gateway around the given CommandRunner.
func New(cmd CommandRunner) *Gateway {
	return &Gateway{
		cmd:        cmd,
		sandboxes:  make(map[string]*pipectx.SandboxDescriptor),
		activities: make(map[string]*activity),
		now:        time.Now,
	}
}

func (g *Gateway) ensure(taskID string) *pipectx.SandboxDescriptor {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.sandboxes[taskID]
	if !ok {
		d = &pipectx.SandboxDescriptor{TaskID: taskID, Exists: true}
		g.sandboxes[taskID] = d
		g.activities[taskID] = &activity{}
	}
	return d
}

// Exec runs command in cwd, timing out after timeout. It records that
// the pipeline (not a human) issued this command, so DetectHuman can
// later distinguish pipeline-driven activity from manual intervention.
func (g *Gateway) Exec(ctx context.Context, taskID, command, cwd string, timeout time.Duration) (pipectx.ExecResult, error) {
	g.ensure(taskID)
	g.mu.Lock()
	g.activities[taskID].lastPipelineSend = g.now()
	g.mu.Unlock()

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	stdout, stderr, exitCode, err := g.cmd.Run(runCtx, cwd, command)

	g.mu.Lock()
	g.activities[taskID].lastActive = g.now()
	g.mu.Unlock()

	if err != nil {
		return pipectx.ExecResult{Stdout: stdout, Stderr: stderr, ExitCode: exitCode}, fmt.Errorf("sandbox exec for task %s: %w", taskID, err)
	}
	return pipectx.ExecResult{Stdout: stdout, Stderr: stderr, ExitCode: exitCode}, nil
}

// GetSandbox returns the descriptor for taskID, or nil if none was ever
// allocated.
func (g *Gateway) GetSandbox(taskID string) *pipectx.SandboxDescriptor {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sandboxes[taskID]
}

// humanDetectionWindow mirrors the teacher's 5-second window between a
// pipeline-issued send and the resulting activity.
const humanDetectionWindow = 5 * time.Second

// DetectHuman reports whether the sandbox's most recent activity
// happened without a preceding pipeline-issued command within the
// detection window — the signature of a human having typed directly
// into the sandbox.
func (g *Gateway) DetectHuman(taskID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	a, ok := g.activities[taskID]
	if !ok || a.lastActive.IsZero() {
		return false, nil
	}
	if a.lastPipelineSend.IsZero() {
		return true, nil
	}
	gap := a.lastActive.Sub(a.lastPipelineSend)
	return gap < 0 || gap > humanDetectionWindow, nil
}

var _ pipectx.SandboxGateway = (*Gateway)(nil)
