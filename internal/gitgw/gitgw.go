// Package gitgw implements the Git Gateway: every shell-level git
// interaction the story pipeline needs, behind the pipectx.GitGateway
// interface, with exponential backoff on network-touching operations.
package gitgw

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/storyforge/pipeline/internal/pipectx"
)

// Runner abstracts git command execution for testability, mirroring the
// worktree manager's GitRunner interface.
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecRunner shells out to the system git binary.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	trimmed := strings.TrimSpace(string(out))
	if err != nil {
		return trimmed, fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), trimmed, err)
	}
	return trimmed, nil
}

// RetryPolicy configures exponential backoff for a network operation.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

var defaultFetchRetry = RetryPolicy{MaxAttempts: 3, BaseDelay: 2 * time.Second, MaxDelay: 60 * time.Second}
var defaultPushRetry = RetryPolicy{MaxAttempts: 3, BaseDelay: 2 * time.Second, MaxDelay: 60 * time.Second}

// Gateway is the default pipectx.GitGateway implementation.
type Gateway struct {
	git   Runner
	sleep func(time.Duration) // overridable in tests
}

// New builds a Gateway around the given Runner.
func New(r Runner) *Gateway {
	return &Gateway{git: r, sleep: time.Sleep}
}

func backoffDelay(policy RetryPolicy, attempt int) time.Duration {
	d := policy.BaseDelay * time.Duration(1<<uint(attempt))
	if d > policy.MaxDelay {
		d = policy.MaxDelay
	}
	return d
}

func (g *Gateway) withRetry(ctx context.Context, policy RetryPolicy, op func() (string, error)) pipectx.GitResult {
	var lastOut string
	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		out, err := op()
		if err == nil {
			return pipectx.GitResult{OK: true, Output: out}
		}
		lastOut, lastErr = out, err
		if attempt < policy.MaxAttempts-1 {
			select {
			case <-ctx.Done():
				return pipectx.GitResult{OK: false, Output: lastOut, Err: ctx.Err()}
			default:
				g.sleep(backoffDelay(policy, attempt))
			}
		}
	}
	return pipectx.GitResult{OK: false, Output: lastOut, Err: lastErr}
}

// Fetch retries up to 3 times with exponential backoff (base 2s, cap 60s)
// since fetch failures are the most common transient network failure mode.
func (g *Gateway) Fetch(ctx context.Context, repoPath string) pipectx.GitResult {
	return g.withRetry(ctx, defaultFetchRetry, func() (string, error) {
		return g.git.Run(ctx, repoPath, "fetch", "--all", "--prune")
	})
}

// Checkout switches to branch, creating it from opts.CreateFrom if it
// exists on neither the local nor the remote.
func (g *Gateway) Checkout(ctx context.Context, repoPath, branch string, opts pipectx.CheckoutOpts) pipectx.GitResult {
	if out, err := g.git.Run(ctx, repoPath, "checkout", branch); err == nil {
		return pipectx.GitResult{OK: true, Output: out}
	}
	if out, err := g.git.Run(ctx, repoPath, "checkout", "--track", "origin/"+branch); err == nil {
		return pipectx.GitResult{OK: true, Output: out}
	}
	if opts.CreateFrom == "" {
		out, err := g.git.Run(ctx, repoPath, "checkout", branch)
		return pipectx.GitResult{OK: err == nil, Output: out, Err: err}
	}
	out, err := g.git.Run(ctx, repoPath, "checkout", "-b", branch, opts.CreateFrom)
	return pipectx.GitResult{OK: err == nil, Output: out, Err: err}
}

// Commit stages everything and commits with message. An empty working
// tree (nothing to commit) is reported as a successful no-op.
func (g *Gateway) Commit(ctx context.Context, repoPath, message string) pipectx.GitResult {
	if _, err := g.git.Run(ctx, repoPath, "add", "-A"); err != nil {
		return pipectx.GitResult{OK: false, Err: err}
	}
	out, err := g.git.Run(ctx, repoPath, "commit", "-m", message)
	if err != nil {
		if strings.Contains(out, "nothing to commit") {
			return pipectx.GitResult{OK: true, Output: out}
		}
		return pipectx.GitResult{OK: false, Output: out, Err: err}
	}
	return pipectx.GitResult{OK: true, Output: out}
}

// Push retries up to 3 times with exponential backoff.
func (g *Gateway) Push(ctx context.Context, repoPath, branch string, opts pipectx.PushOpts) pipectx.GitResult {
	args := []string{"push", "origin", branch}
	if opts.SetUpstream {
		args = []string{"push", "-u", "origin", branch}
	}
	if opts.Force {
		args = append(args, "--force-with-lease")
	}
	return g.withRetry(ctx, defaultPushRetry, func() (string, error) {
		return g.git.Run(ctx, repoPath, args...)
	})
}

// VerifyCommitOnRemote reports whether sha is reachable on origin, the
// ultimate source of truth for "did the push actually land".
func (g *Gateway) VerifyCommitOnRemote(ctx context.Context, repoPath, sha string) bool {
	if _, err := g.git.Run(ctx, repoPath, "fetch", "origin"); err != nil {
		return false
	}
	_, err := g.git.Run(ctx, repoPath, "branch", "-r", "--contains", sha)
	return err == nil
}

// VerifyDeveloperWork inspects branch for commits ahead of baseBranch —
// the branch the story branch was cut from (the epic branch) — which is
// how the gateway decides a developer actually produced anything
// regardless of what its textual output claimed. Diffing against a fixed
// repository default instead of the actual base would report every story
// after the first in an epic as "has commits" purely from its
// predecessors' already-merged work.
func (g *Gateway) VerifyDeveloperWork(ctx context.Context, workspace, baseBranch, branch string) (pipectx.DeveloperWorkInfo, error) {
	out, err := g.git.Run(ctx, workspace, "rev-list", "--count", "origin/"+baseBranch+".."+branch)
	if err != nil {
		return pipectx.DeveloperWorkInfo{}, fmt.Errorf("count commits on %s: %w", branch, err)
	}
	count, _ := strconv.Atoi(strings.TrimSpace(out))
	if count == 0 {
		return pipectx.DeveloperWorkInfo{HasCommits: false}, nil
	}
	sha, err := g.git.Run(ctx, workspace, "rev-parse", branch)
	if err != nil {
		return pipectx.DeveloperWorkInfo{}, fmt.Errorf("resolve head of %s: %w", branch, err)
	}
	msg, err := g.git.Run(ctx, workspace, "log", "-1", "--pretty=%B", branch)
	if err != nil {
		return pipectx.DeveloperWorkInfo{}, fmt.Errorf("read commit message of %s: %w", branch, err)
	}
	return pipectx.DeveloperWorkInfo{HasCommits: true, CommitCount: count, CommitSHA: sha, CommitMessage: msg}, nil
}

// AutoCommitUncommittedWork commits whatever is in the working tree under
// a generated message, used when a developer agent leaves work uncommitted
// but the git state shows it's real (classifier strategy
// "auto-commit-and-continue").
func (g *Gateway) AutoCommitUncommittedWork(ctx context.Context, repoPath, storyTitle, branch string) (string, error) {
	message := fmt.Sprintf("Recovered work for %q on %s", storyTitle, branch)
	res := g.Commit(ctx, repoPath, message)
	if !res.OK {
		return "", fmt.Errorf("auto-commit uncommitted work: %w", res.Err)
	}
	sha, err := g.git.Run(ctx, repoPath, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve HEAD after auto-commit: %w", err)
	}
	return sha, nil
}

// DetectWorkInWorkspace classifies the working tree's dirty state,
// distinguishing modified-tracked files from new untracked ones.
func (g *Gateway) DetectWorkInWorkspace(ctx context.Context, repoPath string) (pipectx.WorkDetection, error) {
	out, err := g.git.Run(ctx, repoPath, "status", "--porcelain")
	if err != nil {
		return pipectx.WorkDetection{}, fmt.Errorf("git status: %w", err)
	}
	if out == "" {
		return pipectx.WorkDetection{}, nil
	}
	var files []string
	hasUncommitted, hasUntracked := false, false
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 3 {
			continue
		}
		status, path := line[:2], strings.TrimSpace(line[3:])
		files = append(files, path)
		if status == "??" {
			hasUntracked = true
		} else {
			hasUncommitted = true
		}
	}
	return pipectx.WorkDetection{HasUncommittedFiles: hasUncommitted, HasUntrackedFiles: hasUntracked, Files: files}, nil
}

// EnsureBranchOnRemote pushes branch to origin if it isn't already there.
func (g *Gateway) EnsureBranchOnRemote(ctx context.Context, repoPath, branch string) pipectx.GitResult {
	if _, err := g.git.Run(ctx, repoPath, "rev-parse", "--verify", "origin/"+branch); err == nil {
		return pipectx.GitResult{OK: true, Output: "already on remote"}
	}
	return g.Push(ctx, repoPath, branch, pipectx.PushOpts{SetUpstream: true})
}

var conflictMarkerStart = regexp.MustCompile(`(?m)^<{7} `)

// Merge checks out targetBranch, merges sourceBranch into it and
// classifies the result. A failed merge is never aborted here: on a
// conflict the conflicted files are reported and the working tree is
// left in the conflicted state for the caller's conflict-resolution
// step, which calls AbortMerge itself if it gives up.
func (g *Gateway) Merge(ctx context.Context, repoPath, sourceBranch, targetBranch string, opts pipectx.MergeOpts) pipectx.MergeResult {
	if _, err := g.git.Run(ctx, repoPath, "checkout", targetBranch); err != nil {
		return pipectx.MergeResult{OK: false, Err: fmt.Errorf("checkout %s: %w", targetBranch, err)}
	}
	args := []string{"merge"}
	if opts.NoFF {
		args = append(args, "--no-ff")
	}
	if opts.Message != "" {
		args = append(args, "-m", opts.Message)
	}
	args = append(args, sourceBranch)

	out, err := g.git.Run(ctx, repoPath, args...)
	if err == nil {
		return pipectx.MergeResult{OK: true}
	}
	if !conflictMarkerIndicatesConflict(out) {
		return pipectx.MergeResult{OK: false, Err: err}
	}
	filesOut, _ := g.git.Run(ctx, repoPath, "diff", "--name-only", "--diff-filter=U")
	var conflicted []string
	for _, f := range strings.Split(filesOut, "\n") {
		if f = strings.TrimSpace(f); f != "" {
			conflicted = append(conflicted, f)
		}
	}
	return pipectx.MergeResult{OK: false, ConflictedFiles: conflicted, Err: err}
}

func conflictMarkerIndicatesConflict(gitOutput string) bool {
	lower := strings.ToLower(gitOutput)
	return strings.Contains(lower, "conflict") || strings.Contains(lower, "automatic merge failed")
}

// AbortMerge discards an in-progress conflicted merge.
func (g *Gateway) AbortMerge(ctx context.Context, repoPath string) pipectx.GitResult {
	out, err := g.git.Run(ctx, repoPath, "merge", "--abort")
	return pipectx.GitResult{OK: err == nil, Output: out, Err: err}
}

// DeleteBranch removes branch locally, and on origin too when bothSides.
func (g *Gateway) DeleteBranch(ctx context.Context, repoPath, branch string, bothSides bool) pipectx.GitResult {
	out, err := g.git.Run(ctx, repoPath, "branch", "-D", branch)
	if err != nil && !strings.Contains(out, "not found") {
		return pipectx.GitResult{OK: false, Output: out, Err: err}
	}
	if bothSides {
		remoteOut, remoteErr := g.git.Run(ctx, repoPath, "push", "origin", "--delete", branch)
		if remoteErr != nil && !strings.Contains(remoteOut, "remote ref does not exist") {
			return pipectx.GitResult{OK: false, Output: remoteOut, Err: remoteErr}
		}
	}
	return pipectx.GitResult{OK: true}
}

// ResetHard resets the working tree to ref, discarding local changes.
func (g *Gateway) ResetHard(ctx context.Context, repoPath, ref string) pipectx.GitResult {
	out, err := g.git.Run(ctx, repoPath, "reset", "--hard", ref)
	return pipectx.GitResult{OK: err == nil, Output: out, Err: err}
}

var _ pipectx.GitGateway = (*Gateway)(nil)
