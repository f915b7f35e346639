package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/storyforge/pipeline/internal/analytics"
	"github.com/storyforge/pipeline/internal/eventlog"
)

var (
	analyticsDBPath string
	analyticsSince  string
	analyticsTaskID string
)

var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Query cost, outcome, and failure rollups from the event log",
}

var analyticsOutcomesCmd = &cobra.Command{
	Use:   "outcomes",
	Short: "Show per-task story outcome and cost totals",
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := eventlog.Open(analyticsDBPath)
		if err != nil {
			return fmt.Errorf("open event log: %w", err)
		}
		defer log.Close()

		outcomes, err := analytics.QueryTaskOutcomes(log, analyticsSince)
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(outcomes, "", "  ")
		if err != nil {
			return fmt.Errorf("marshalling outcomes: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}

var analyticsFailuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "Show failure category counts for a task",
	RunE: func(cmd *cobra.Command, args []string) error {
		if analyticsTaskID == "" {
			return fmt.Errorf("--task is required")
		}
		log, err := eventlog.Open(analyticsDBPath)
		if err != nil {
			return fmt.Errorf("open event log: %w", err)
		}
		defer log.Close()

		counts, err := analytics.QueryFailureCategoryCounts(log, analyticsTaskID)
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(counts, "", "  ")
		if err != nil {
			return fmt.Errorf("marshalling failure counts: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}

func init() {
	analyticsCmd.PersistentFlags().StringVar(&analyticsDBPath, "db", "events.db", "path to the event log database")
	analyticsOutcomesCmd.Flags().StringVar(&analyticsSince, "since", "", "only include events at or after this RFC3339 timestamp")
	analyticsFailuresCmd.Flags().StringVar(&analyticsTaskID, "task", "", "task ID to aggregate failures for")
	analyticsCmd.AddCommand(analyticsOutcomesCmd)
	analyticsCmd.AddCommand(analyticsFailuresCmd)
}
