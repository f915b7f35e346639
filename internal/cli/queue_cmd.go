package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/storyforge/pipeline/internal/agentrunner"
	"github.com/storyforge/pipeline/internal/checkpoint"
	"github.com/storyforge/pipeline/internal/config"
	"github.com/storyforge/pipeline/internal/coordinator"
	"github.com/storyforge/pipeline/internal/eventlog"
	"github.com/storyforge/pipeline/internal/gitgw"
	"github.com/storyforge/pipeline/internal/model"
	"github.com/storyforge/pipeline/internal/notifier"
	"github.com/storyforge/pipeline/internal/pipectx"
	"github.com/storyforge/pipeline/internal/recovery"
	"github.com/storyforge/pipeline/internal/sandbox"
	"github.com/storyforge/pipeline/internal/storypipeline"
	"github.com/storyforge/pipeline/internal/taskqueue"
)

var (
	queueDBPath  string
	queueTaskDir string
	queueConfig  string
	queueHint    string
	queueDescr   string
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Manage the queue of tasks awaiting a free run slot",
}

var queueAddCmd = &cobra.Command{
	Use:   "add <task-id>",
	Short: "Add a task to the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := eventlog.Open(queueDBPath)
		if err != nil {
			return fmt.Errorf("open event log: %w", err)
		}
		defer log.Close()

		q, err := taskqueue.New(log)
		if err != nil {
			return err
		}
		if err := q.Enqueue(args[0], queueDescr, queueHint); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "queued task %s\n", args[0])
		return nil
	},
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := eventlog.Open(queueDBPath)
		if err != nil {
			return fmt.Errorf("open event log: %w", err)
		}
		defer log.Close()

		q, err := taskqueue.New(log)
		if err != nil {
			return err
		}
		items, err := q.List()
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(items, "", "  ")
		if err != nil {
			return fmt.Errorf("marshalling queue items: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}

// queueCheckInCmd runs one check-in tick: if the queue holds a pending
// task, it loads <task-dir>/<task-id>.json for the task's epics,
// stories, and scripted agent responses, then runs it to completion.
// This mirrors `run` but sources the task from the queue instead of a
// caller-supplied path, the way a cron-scheduled check-in would.
var queueCheckInCmd = &cobra.Command{
	Use:   "check-in",
	Short: "Pull the next queued task (if any) and run it",
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := eventlog.Open(queueDBPath)
		if err != nil {
			return fmt.Errorf("open event log: %w", err)
		}
		defer log.Close()

		q, err := taskqueue.New(log)
		if err != nil {
			return err
		}

		env, err := config.Load(queueConfig)
		if err != nil {
			return fmt.Errorf("loading environment config: %w", err)
		}
		logger := hclog.New(&hclog.LoggerOptions{Name: "storyforge", Level: hclog.LevelFromString(env.LogLevel)})
		agents := agentrunner.NewFake()

		action, err := q.CheckIn(cmd.Context(), agents, func(task model.Task) error {
			return runQueuedTask(cmd, task, log, *env, agents, logger)
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "check-in: %s %s — %s\n", action.TaskID, action.Action, action.Message)
		return nil
	},
}

func runQueuedTask(cmd *cobra.Command, task model.Task, log *eventlog.Log, env config.Environment, agents *agentrunner.Fake, logger hclog.Logger) error {
	tfPath := filepath.Join(queueTaskDir, task.ID+".json")
	data, err := os.ReadFile(tfPath)
	if err != nil {
		return fmt.Errorf("reading task file %s: %w", tfPath, err)
	}
	var tf taskFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return fmt.Errorf("parsing task file: %w", err)
	}
	tf.Task.ID = task.ID
	tf.Task.Description = task.Description

	for story, out := range tf.Agents.Developer {
		agents.DeveloperResponses[story] = out
	}
	for sha, result := range tf.Agents.Judge {
		agents.JudgeResponses[sha] = result
	}

	repoName := ""
	if len(tf.Task.Repositories) > 0 {
		repoName = tf.Task.Repositories[0].Name
	}

	git := gitgw.New(gitgw.ExecRunner{})
	log.SetRemoteVerifier(git)

	store, err := checkpoint.NewFileStore(queueCheckpointsDir())
	if err != nil {
		return fmt.Errorf("opening checkpoint store: %w", err)
	}

	pctx := &pipectx.PipelineContext{
		Ctx:         cmd.Context(),
		Task:        tf.Task,
		Workspace:   env.WorkspaceDir,
		EventLog:    log,
		Checkpoints: store,
		Git:         git,
		Sandbox:     sandbox.New(sandbox.ExecRunner{}),
		Agents:      agents,
		Notifier:    notifier.NewConsole(cmd.OutOrStdout()),
		Env:         env.RepoEnvironmentConfig(repoName),
	}

	pipeline := storypipeline.New(pctx, logger)
	rec := recovery.New(pctx, pipeline, logger)
	coord := coordinator.New(pctx, pipeline, rec, logger)

	result := coord.Run(context.Background(), tf.Task, tf.Epics, tf.Stories)
	if result.Err != nil {
		return result.Err
	}
	if result.Failed > 0 {
		return fmt.Errorf("%d stories failed", result.Failed)
	}
	return nil
}

func queueCheckpointsDir() string {
	return filepath.Join(".storyforge", "checkpoints")
}

func init() {
	queueCmd.PersistentFlags().StringVar(&queueDBPath, "db", "events.db", "path to the event log database")
	queueAddCmd.Flags().StringVar(&queueDescr, "description", "", "feature description; if blank, derived via the agent runner from --hint")
	queueAddCmd.Flags().StringVar(&queueHint, "hint", "", "free-form context used to derive a feature description when --description is blank")
	queueCheckInCmd.Flags().StringVar(&queueTaskDir, "task-dir", "tasks", "directory containing <task-id>.json task files")
	queueCheckInCmd.Flags().StringVar(&queueConfig, "config", "environment.yaml", "path to environment.yaml")
	queueCmd.AddCommand(queueAddCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueCheckInCmd)
}
