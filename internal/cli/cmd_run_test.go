package cli

import (
	"testing"
)

func TestRunCommand_Flags(t *testing.T) {
	cmd := newRunCmd()

	if cmd.Use != "run [prompt]" {
		t.Errorf("command Use = %q, want %q", cmd.Use, "run [prompt]")
	}

	// Verify flags exist
	for _, name := range []string{"plan", "prompt", "repo", "workers", "timeout", "project"} {
		if cmd.Flag(name) == nil {
			t.Errorf("missing --%s flag", name)
		}
	}

	// Verify shorthand flags
	if cmd.Flag("repo").Shorthand != "r" {
		t.Errorf("repo shorthand = %q, want 'r'", cmd.Flag("repo").Shorthand)
	}
	if cmd.Flag("workers").Shorthand != "w" {
		t.Errorf("workers shorthand = %q, want 'w'", cmd.Flag("workers").Shorthand)
	}

	// The repo defaults to the working directory
	if cmd.Flag("repo").DefValue != "." {
		t.Errorf("repo default = %q, want %q", cmd.Flag("repo").DefValue, ".")
	}
}

func TestResumeCommand_Flags(t *testing.T) {
	cmd := newResumeCmd()

	if cmd.Use != "resume <run-id>" {
		t.Errorf("command Use = %q, want %q", cmd.Use, "resume <run-id>")
	}
	if cmd.Flag("project") == nil {
		t.Error("missing --project flag")
	}
}
