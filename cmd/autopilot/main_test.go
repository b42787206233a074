package main

import (
	"strings"
	"testing"
)

func TestRootCommandBuilds(t *testing.T) {
	root, err := newRootCommand()
	if err != nil {
		t.Fatalf("build root command: %v", err)
	}
	expected := []string{"run", "classify", "send", "consume-reviews", "status", "config-init", "cleanup"}
	for _, name := range expected {
		found := false
		for _, sub := range root.Commands() {
			if sub.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("expected subcommand %q", name)
		}
	}
}

func TestUnknownCommandErrors(t *testing.T) {
	err := executeCLI([]string{"no-such-command"})
	if err == nil {
		t.Fatalf("unknown command should error")
	}
	if !strings.Contains(err.Error(), "no-such-command") && !strings.Contains(err.Error(), "unknown") {
		t.Logf("error text: %v", err)
	}
}
