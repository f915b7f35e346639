// Package config loads the orchestrator's environment.yaml: per-repository
// build/test/lint/install commands, stage timeouts, and the classifier's
// retry ceilings, with environment variables overriding file values.
package config

import "time"

// EnvironmentFile is the root of environment.yaml.
type EnvironmentFile struct {
	Environment Environment `yaml:"environment"`
}

// Environment is the top-level pipeline environment description.
type Environment struct {
	WorkspaceDir   string              `yaml:"workspace_dir"`
	DockerBridge   bool                `yaml:"docker_use_bridge_mode"`
	GitTimeouts    bool                `yaml:"git_enable_timeouts"`
	MaxCostPerTask float64             `yaml:"max_cost_per_task"`
	LogLevel       string              `yaml:"log_level"`
	Defaults       RepoCommands        `yaml:"defaults"`
	Repositories   map[string]RepoCommands `yaml:"repositories"`
	Classifier     ClassifierPolicy    `yaml:"classifier"`
	Timeouts       StageTimeoutsConfig `yaml:"timeouts"`
}

// StageTimeoutsConfig is environment.yaml's string-duration form of
// StageTimeouts ("20m", "90s"), mirroring the teacher's
// Pipeline.Defaults.Timeout field parsed with time.ParseDuration rather
// than a numeric YAML duration.
type StageTimeoutsConfig struct {
	Developer     string `yaml:"developer"`
	GitValidation string `yaml:"git_validation"`
	Judge         string `yaml:"judge"`
	Merge         string `yaml:"merge"`
}

// RepoCommands are the shell commands run against a single repository's
// workspace. Any command left blank falls back to Environment.Defaults,
// mirroring the teacher's pipeline-level-default-over-stage-level merge.
type RepoCommands struct {
	InstallCmd   string `yaml:"install_cmd"`
	TypecheckCmd string `yaml:"typecheck_cmd"`
	TestCmd      string `yaml:"test_cmd"`
	LintCmd      string `yaml:"lint_cmd"`
	BuildCmd     string `yaml:"build_cmd"`
	RebuildCmd   string `yaml:"rebuild_cmd"`
}

// ClassifierPolicy mirrors classifier.Policy in YAML-friendly form.
type ClassifierPolicy struct {
	NetworkRetryCeiling int `yaml:"network_retry_ceiling"`
	TimeoutRetryCeiling int `yaml:"timeout_retry_ceiling"`
	GitRetryCeiling     int `yaml:"git_retry_ceiling"`
	UnknownRetryCeiling int `yaml:"unknown_retry_ceiling"`
}

// StageTimeouts are per-stage durations. Only Developer is consumed:
// RepoEnvironmentConfig passes it on as pipectx.EnvironmentConfig's
// DeveloperTimeout (the wrap-up steer threshold). GitValidation, Judge
// and Merge are parsed but no stage reads them.
type StageTimeouts struct {
	Developer      time.Duration
	GitValidation  time.Duration
	Judge          time.Duration
	Merge          time.Duration
}

func defaultStageTimeouts() StageTimeouts {
	return StageTimeouts{
		Developer:     20 * time.Minute,
		GitValidation: 2 * time.Minute,
		Judge:         10 * time.Minute,
		Merge:         2 * time.Minute,
	}
}
