package proctree

import "testing"

func TestFindAssistantWalksGrandchildren(t *testing.T) {
	procs := []Process{
		{PID: 100, PPID: 1, Command: "tmux"},
		{PID: 200, PPID: 100, Command: "-zsh"},
		{PID: 300, PPID: 200, Command: "node /opt/homebrew/bin/codex"},
		{PID: 400, PPID: 300, Command: "git status"},
	}
	pid, found := FindAssistant(procs, 200)
	if !found || pid != 300 {
		t.Fatalf("expected assistant pid 300, got %d found=%v", pid, found)
	}
}

func TestFindAssistantShellOnly(t *testing.T) {
	procs := []Process{
		{PID: 200, PPID: 100, Command: "-zsh"},
		{PID: 300, PPID: 200, Command: "vim notes.txt"},
	}
	if _, found := FindAssistant(procs, 200); found {
		t.Fatalf("expected no assistant under a plain shell")
	}
}

func TestFindAssistantIgnoresGrep(t *testing.T) {
	procs := []Process{
		{PID: 200, PPID: 100, Command: "-zsh"},
		{PID: 301, PPID: 200, Command: "grep codex session.log"},
	}
	if _, found := FindAssistant(procs, 200); found {
		t.Fatalf("grep mentioning the assistant must not count")
	}
}

func TestFindAssistantCyclicTableTerminates(t *testing.T) {
	procs := []Process{
		{PID: 200, PPID: 300, Command: "-zsh"},
		{PID: 300, PPID: 200, Command: "bash"},
	}
	if _, found := FindAssistant(procs, 200); found {
		t.Fatalf("expected no assistant in cyclic table")
	}
}

func TestIsAssistantCommand(t *testing.T) {
	cases := map[string]bool{
		"node":                    true,
		"codex":                   true,
		"/usr/local/bin/codex tui": true,
		"node /opt/bin/codex":     true,
		"-zsh":                    false,
		"vim":                     false,
		"":                        false,
	}
	for command, want := range cases {
		if got := isAssistantCommand(command); got != want {
			t.Fatalf("isAssistantCommand(%q) = %v, want %v", command, got, want)
		}
	}
}
