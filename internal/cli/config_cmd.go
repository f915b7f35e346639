package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/storyforge/pipeline/internal/config"
)

var configFile string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Validate and inspect the pipeline environment configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate environment.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := loadEnvironment()
		if err != nil {
			return err
		}

		errs := config.Validate(env)
		if len(errs) == 0 {
			cmd.Println("Configuration is valid.")
			return nil
		}

		cmd.Println("Validation errors:")
		for _, e := range errs {
			cmd.Printf("  - %s\n", e)
		}
		return fmt.Errorf("config has %d validation error(s)", len(errs))
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the resolved configuration, defaults and env overrides merged in",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := loadEnvironment()
		if err != nil {
			return err
		}

		data, err := yaml.Marshal(env)
		if err != nil {
			return fmt.Errorf("marshalling config: %w", err)
		}
		cmd.Print(string(data))
		return nil
	},
}

func loadEnvironment() (*config.Environment, error) {
	if configFile == "" {
		return nil, fmt.Errorf("--file is required")
	}
	return config.Load(configFile)
}

func init() {
	configCmd.PersistentFlags().StringVarP(&configFile, "file", "f", "environment.yaml", "path to environment.yaml")
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configShowCmd)
}
