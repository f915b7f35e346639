package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

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
)

// taskFile is the on-disk description of one task run: its epics and
// stories, plus the scripted agent responses to drive them with. The
// pipeline's actual developer/judge agents are an external collaborator
// (see internal/agentrunner's package doc); this command substitutes a
// scripted agentrunner.Fake for standalone and demo runs.
type taskFile struct {
	Task    model.Task                `json:"task"`
	Epics   []model.Epic              `json:"epics"`
	Stories map[string][]model.Story  `json:"stories"`
	Agents  struct {
		Developer map[string]model.DeveloperOutput `json:"developer"`
		Judge     map[string]model.JudgeResult     `json:"judge"`
	} `json:"agents"`
}

var (
	runTaskFilePath string
	runConfigPath   string
	runDBPath       string
	runCheckpoints  string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a task's epics and stories through the story pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(runTaskFilePath)
		if err != nil {
			return fmt.Errorf("reading task file: %w", err)
		}
		var tf taskFile
		if err := json.Unmarshal(data, &tf); err != nil {
			return fmt.Errorf("parsing task file: %w", err)
		}

		env, err := config.Load(runConfigPath)
		if err != nil {
			return fmt.Errorf("loading environment config: %w", err)
		}

		log, err := eventlog.Open(runDBPath)
		if err != nil {
			return fmt.Errorf("opening event log: %w", err)
		}
		defer log.Close()

		store, err := checkpoint.NewFileStore(runCheckpoints)
		if err != nil {
			return fmt.Errorf("opening checkpoint store: %w", err)
		}

		agents := agentrunner.NewFake()
		for story, out := range tf.Agents.Developer {
			agents.DeveloperResponses[story] = out
		}
		for sha, result := range tf.Agents.Judge {
			agents.JudgeResponses[sha] = result
		}

		logger := hclog.New(&hclog.LoggerOptions{Name: "storyforge", Level: hclog.LevelFromString(env.LogLevel)})

		repoName := ""
		if len(tf.Task.Repositories) > 0 {
			repoName = tf.Task.Repositories[0].Name
		}

		git := gitgw.New(gitgw.ExecRunner{})
		log.SetRemoteVerifier(git)

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
		fmt.Fprintf(cmd.OutOrStdout(), "task %s: %d succeeded, %d failed, %d epics\n",
			tf.Task.ID, result.Successful, result.Failed, result.EpicsCount)
		if result.Err != nil {
			return result.Err
		}
		if result.Failed > 0 {
			return fmt.Errorf("%d stories failed", result.Failed)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runTaskFilePath, "task", "", "path to the task JSON file")
	runCmd.Flags().StringVar(&runConfigPath, "config", "environment.yaml", "path to environment.yaml")
	runCmd.Flags().StringVar(&runDBPath, "db", "events.db", "path to the event log database")
	runCmd.Flags().StringVar(&runCheckpoints, "checkpoints", ".storyforge/checkpoints", "path to the checkpoint store directory")
	_ = runCmd.MarkFlagRequired("task")
}
