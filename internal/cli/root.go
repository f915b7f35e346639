package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

// SetVersion is called from cmd/storyforge/main.go at build time.
func SetVersion(v string) {
	version = v
}

var rootCmd = &cobra.Command{
	Use:   "storyforge",
	Short: "storyforge — a failure-tolerant orchestrator for autonomous agent pipelines",
	Long: `storyforge drives autonomous developer, git-validation, judge, and merge
agents through a task's epics and stories, one story at a time, recovering
from transient git/network/API failures without ever losing a story.

State lives in the event log (SQLite) and the checkpoint store (JSON on
disk); both are replayable, so a crashed run resumes exactly where it
left off.`,
}

// Execute runs the CLI's root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(analyticsCmd)
	rootCmd.AddCommand(queueCmd)
}
