package cli

import (
	"bytes"
	"strings"
	"testing"
)

func executeCommand(args ...string) (string, error) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestVersionCommand(t *testing.T) {
	SetVersion("test-version")
	out, err := executeCommand("version")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "test-version") {
		t.Errorf("expected version output to contain 'test-version', got: %s", out)
	}
}

func TestRootHelp(t *testing.T) {
	out, err := executeCommand("--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, sub := range []string{"run", "config", "analytics", "queue", "version"} {
		if !strings.Contains(out, sub) {
			t.Errorf("help output missing subcommand %q", sub)
		}
	}
}

func TestConfigSubcommands(t *testing.T) {
	for _, sub := range []string{"validate", "show"} {
		out, err := executeCommand("config", sub, "--help")
		if err != nil {
			t.Errorf("config %s --help failed: %v", sub, err)
		}
		if out == "" {
			t.Errorf("config %s --help produced no output", sub)
		}
	}
}

func TestAnalyticsSubcommands(t *testing.T) {
	for _, sub := range []string{"outcomes", "failures"} {
		out, err := executeCommand("analytics", sub, "--help")
		if err != nil {
			t.Errorf("analytics %s --help failed: %v", sub, err)
		}
		if out == "" {
			t.Errorf("analytics %s --help produced no output", sub)
		}
	}
}

func TestRunRequiresTaskFlag(t *testing.T) {
	_, err := executeCommand("run")
	if err == nil {
		t.Error("expected error when --task is not set, got nil")
	}
}

func TestQueueSubcommands(t *testing.T) {
	for _, sub := range []string{"add", "list", "check-in"} {
		out, err := executeCommand("queue", sub, "--help")
		if err != nil {
			t.Errorf("queue %s --help failed: %v", sub, err)
		}
		if out == "" {
			t.Errorf("queue %s --help produced no output", sub)
		}
	}
}

func TestQueueAddRequiresTaskID(t *testing.T) {
	_, err := executeCommand("queue", "add")
	if err == nil {
		t.Error("expected error when task ID is not given, got nil")
	}
}

func TestUnknownCommand(t *testing.T) {
	_, err := executeCommand("nonexistent")
	if err == nil {
		t.Error("expected error for unknown command, got nil")
	}
}
