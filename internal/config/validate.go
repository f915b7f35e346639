package config

import "fmt"

// ValidationError represents a single validation issue with an
// environment config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks an Environment for structural and semantic errors. It
// returns every error found rather than stopping at the first one.
func Validate(env *Environment) []ValidationError {
	var errs []ValidationError

	if env.WorkspaceDir == "" {
		errs = append(errs, ValidationError{Field: "environment.workspace_dir", Message: "is required"})
	}
	if env.MaxCostPerTask < 0 {
		errs = append(errs, ValidationError{Field: "environment.max_cost_per_task", Message: "must not be negative"})
	}
	if env.LogLevel != "" && !recognizedLogLevels[env.LogLevel] {
		errs = append(errs, ValidationError{
			Field: "environment.log_level", Message: fmt.Sprintf("unrecognized level %q", env.LogLevel),
		})
	}

	for name, repo := range env.Repositories {
		if repo.BuildCmd == "" && repo.TestCmd == "" && repo.TypecheckCmd == "" && repo.LintCmd == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("environment.repositories.%s", name),
				Message: "has no build, test, typecheck, or lint command and no defaults to fall back to",
			})
		}
	}

	c := env.Classifier
	for _, ceiling := range []struct {
		name  string
		value int
	}{
		{"network_retry_ceiling", c.NetworkRetryCeiling},
		{"timeout_retry_ceiling", c.TimeoutRetryCeiling},
		{"git_retry_ceiling", c.GitRetryCeiling},
		{"unknown_retry_ceiling", c.UnknownRetryCeiling},
	} {
		if ceiling.value < 0 {
			errs = append(errs, ValidationError{
				Field: "environment.classifier." + ceiling.name, Message: "must not be negative",
			})
		}
	}

	return errs
}

var recognizedLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
}
