package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/storyforge/pipeline/internal/classifier"
	"github.com/storyforge/pipeline/internal/pipectx"
)

// Load reads and parses environment.yaml, merges per-repository commands
// against the file's defaults, then overlays environment variables per
// spec §6 — env vars win over file values.
func Load(path string) (*Environment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading environment config: %w", err)
	}

	var root EnvironmentFile
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parsing environment YAML: %w", err)
	}

	env := root.Environment
	applyDefaults(&env)
	applyEnvOverrides(&env)
	return &env, nil
}

// applyDefaults fills any blank per-repository command with the
// environment-level default for that command, the same precedence the
// teacher's applyDefaults gives pipeline-level defaults over stage-level
// ones.
func applyDefaults(env *Environment) {
	for name, repo := range env.Repositories {
		if repo.InstallCmd == "" {
			repo.InstallCmd = env.Defaults.InstallCmd
		}
		if repo.TypecheckCmd == "" {
			repo.TypecheckCmd = env.Defaults.TypecheckCmd
		}
		if repo.TestCmd == "" {
			repo.TestCmd = env.Defaults.TestCmd
		}
		if repo.LintCmd == "" {
			repo.LintCmd = env.Defaults.LintCmd
		}
		if repo.BuildCmd == "" {
			repo.BuildCmd = env.Defaults.BuildCmd
		}
		if repo.RebuildCmd == "" {
			repo.RebuildCmd = env.Defaults.RebuildCmd
		}
		env.Repositories[name] = repo
	}
	if env.Classifier == (ClassifierPolicy{}) {
		env.Classifier = ClassifierPolicy{
			NetworkRetryCeiling: classifier.DefaultPolicy.NetworkRetryCeiling,
			TimeoutRetryCeiling: classifier.DefaultPolicy.TimeoutRetryCeiling,
			GitRetryCeiling:     classifier.DefaultPolicy.GitRetryCeiling,
			UnknownRetryCeiling: classifier.DefaultPolicy.UnknownRetryCeiling,
		}
	}
}

// applyEnvOverrides reads the environment variables named in spec §6 and
// lets them win over whatever environment.yaml set, matching the
// teacher's file-then-env precedence.
func applyEnvOverrides(env *Environment) {
	if v := os.Getenv("AGENT_WORKSPACE_DIR"); v != "" {
		env.WorkspaceDir = v
	}
	if v := os.Getenv("DOCKER_USE_BRIDGE_MODE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			env.DockerBridge = b
		}
	}
	if v := os.Getenv("GIT_ENABLE_TIMEOUTS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			env.GitTimeouts = b
		}
	}
	if v := os.Getenv("MAX_COST_PER_TASK"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			env.MaxCostPerTask = f
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		env.LogLevel = v
	}
}

// AnthropicAPIKey reads ANTHROPIC_API_KEY directly from the process
// environment — it is never read from or written to environment.yaml.
func AnthropicAPIKey() string {
	return os.Getenv("ANTHROPIC_API_KEY")
}

// ClassifierPolicyValue converts the file's classifier block into
// classifier.Policy.
func (env Environment) ClassifierPolicyValue() classifier.Policy {
	return classifier.Policy{
		NetworkRetryCeiling: env.Classifier.NetworkRetryCeiling,
		TimeoutRetryCeiling: env.Classifier.TimeoutRetryCeiling,
		GitRetryCeiling:     env.Classifier.GitRetryCeiling,
		UnknownRetryCeiling: env.Classifier.UnknownRetryCeiling,
	}
}

// RepoEnvironmentConfig resolves one repository's commands into a
// pipectx.EnvironmentConfig, ready to hang off a PipelineContext.
func (env Environment) RepoEnvironmentConfig(repoName string) pipectx.EnvironmentConfig {
	repo, ok := env.Repositories[repoName]
	if !ok {
		repo = env.Defaults
	}
	return pipectx.EnvironmentConfig{
		RebuildCmd:        repo.RebuildCmd,
		InstallCmd:        repo.InstallCmd,
		TypecheckCmd:      repo.TypecheckCmd,
		TestCmd:           repo.TestCmd,
		LintCmd:           repo.LintCmd,
		BuildCmd:          repo.BuildCmd,
		MaxCostPerTaskUSD: env.MaxCostPerTask,
		DeveloperTimeout:  env.StageTimeoutsValue().Developer,
	}
}

// StageTimeoutsValue parses environment.yaml's string-duration timeouts
// block, falling back to defaultStageTimeouts for any entry left blank
// or unparseable.
func (env Environment) StageTimeoutsValue() StageTimeouts {
	out := defaultStageTimeouts()
	for _, pair := range []struct {
		raw string
		dst *time.Duration
	}{
		{env.Timeouts.Developer, &out.Developer},
		{env.Timeouts.GitValidation, &out.GitValidation},
		{env.Timeouts.Judge, &out.Judge},
		{env.Timeouts.Merge, &out.Merge},
	} {
		if pair.raw == "" {
			continue
		}
		if d, err := time.ParseDuration(pair.raw); err == nil {
			*pair.dst = d
		}
	}
	return out
}
