package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const validConfig = `
environment:
  workspace_dir: /workspace
  docker_use_bridge_mode: true
  max_cost_per_task: 5.0
  log_level: info
  defaults:
    install_cmd: "npm install"
    test_cmd: "npm test"
  repositories:
    frontend:
      build_cmd: "npm run build"
    backend:
      test_cmd: "go test ./..."
  classifier:
    network_retry_ceiling: 8
    timeout_retry_ceiling: 4
    git_retry_ceiling: 5
    unknown_retry_ceiling: 2
`

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "environment.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	env, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if env.WorkspaceDir != "/workspace" {
		t.Errorf("WorkspaceDir = %q", env.WorkspaceDir)
	}
	if env.MaxCostPerTask != 5.0 {
		t.Errorf("MaxCostPerTask = %v", env.MaxCostPerTask)
	}
}

func TestDefaultsMergeIntoRepositories(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	env, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	frontend := env.Repositories["frontend"]
	if frontend.InstallCmd != "npm install" {
		t.Errorf("frontend.InstallCmd = %q, want default", frontend.InstallCmd)
	}
	if frontend.BuildCmd != "npm run build" {
		t.Errorf("frontend.BuildCmd = %q, want explicit value preserved", frontend.BuildCmd)
	}

	backend := env.Repositories["backend"]
	if backend.TestCmd != "go test ./..." {
		t.Errorf("backend.TestCmd = %q, want explicit value preserved", backend.TestCmd)
	}
	if backend.InstallCmd != "npm install" {
		t.Errorf("backend.InstallCmd = %q, want default", backend.InstallCmd)
	}
}

func TestEnvVarsOverrideFileValues(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	t.Setenv("AGENT_WORKSPACE_DIR", "/override/workspace")
	t.Setenv("MAX_COST_PER_TASK", "9.5")
	t.Setenv("LOG_LEVEL", "debug")

	env, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if env.WorkspaceDir != "/override/workspace" {
		t.Errorf("WorkspaceDir = %q, want env override", env.WorkspaceDir)
	}
	if env.MaxCostPerTask != 9.5 {
		t.Errorf("MaxCostPerTask = %v, want 9.5", env.MaxCostPerTask)
	}
	if env.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", env.LogLevel)
	}
}

func TestClassifierPolicyValue(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	env, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	policy := env.ClassifierPolicyValue()
	if policy.NetworkRetryCeiling != 8 {
		t.Errorf("NetworkRetryCeiling = %d, want 8", policy.NetworkRetryCeiling)
	}
}

func TestRepoEnvironmentConfigFallsBackToDefaults(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	env, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	cfg := env.RepoEnvironmentConfig("unknown-repo")
	if cfg.InstallCmd != "npm install" {
		t.Errorf("InstallCmd = %q, want default fallback", cfg.InstallCmd)
	}
}

func TestValidateValidConfig(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	env, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if errs := Validate(env); len(errs) != 0 {
		t.Errorf("Validate() = %v, want none", errs)
	}
}

func TestStageTimeoutsValueFallsBackToDefaults(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	env, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	timeouts := env.StageTimeoutsValue()
	if timeouts.Developer != 20*time.Minute {
		t.Errorf("Developer = %v, want default 20m", timeouts.Developer)
	}
}

func TestStageTimeoutsValueHonorsOverride(t *testing.T) {
	yaml := `
environment:
  workspace_dir: /workspace
  defaults:
    build_cmd: "make"
  timeouts:
    developer: "45m"
`
	path := writeTestConfig(t, yaml)
	env, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	timeouts := env.StageTimeoutsValue()
	if timeouts.Developer != 45*time.Minute {
		t.Errorf("Developer = %v, want 45m", timeouts.Developer)
	}
	if timeouts.Judge != 10*time.Minute {
		t.Errorf("Judge = %v, want default 10m", timeouts.Judge)
	}

	cfg := env.RepoEnvironmentConfig("unknown-repo")
	if cfg.DeveloperTimeout != 45*time.Minute {
		t.Errorf("RepoEnvironmentConfig.DeveloperTimeout = %v, want 45m", cfg.DeveloperTimeout)
	}
}

func TestValidateMissingWorkspaceDir(t *testing.T) {
	yaml := `
environment:
  repositories:
    solo:
      build_cmd: "make"
`
	path := writeTestConfig(t, yaml)
	env, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	errs := Validate(env)
	found := false
	for _, e := range errs {
		if e.Field == "environment.workspace_dir" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a workspace_dir error, got %v", errs)
	}
}
