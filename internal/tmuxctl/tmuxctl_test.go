package tmuxctl

import (
	"context"
	"errors"
	"testing"
)

type call struct {
	args []string
}

func recordingClient(responses map[string]string, errOn map[string]string) (*Client, *[]call) {
	calls := &[]call{}
	client := New("autopilot")
	client.Run = func(_ context.Context, args ...string) (string, error) {
		*calls = append(*calls, call{args: args})
		if msg, found := errOn[args[0]]; found {
			return msg, errors.New("tmux failed")
		}
		return responses[args[0]], nil
	}
	return client, calls
}

func TestListWindows(t *testing.T) {
	client, _ := recordingClient(map[string]string{"list-windows": "app\nweb\n"}, nil)
	windows, err := client.ListWindows()
	if err != nil || len(windows) != 2 || windows[1] != "web" {
		t.Fatalf("list windows: %v err=%v", windows, err)
	}
	if !client.HasWindow("app") || client.HasWindow("ghost") {
		t.Fatalf("window membership check failed")
	}
}

func TestListWindowsNoServer(t *testing.T) {
	client, _ := recordingClient(nil, map[string]string{"list-windows": "no server running on /tmp/tmux"})
	windows, err := client.ListWindows()
	if err != nil || windows != nil {
		t.Fatalf("missing server should yield empty list, got %v err=%v", windows, err)
	}
}

func TestSendLiteralUsesLiteralFlag(t *testing.T) {
	client, calls := recordingClient(nil, nil)
	if err := client.SendLiteral("app", "-dangerous text"); err != nil {
		t.Fatalf("send literal: %v", err)
	}
	args := (*calls)[0].args
	want := []string{"send-keys", "-t", "autopilot:app", "-l", "-dangerous text"}
	if len(args) != len(want) {
		t.Fatalf("args: %v", args)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Fatalf("arg %d: got %q want %q", i, args[i], want[i])
		}
	}
}

func TestPanePIDParses(t *testing.T) {
	client, _ := recordingClient(map[string]string{"list-panes": "4242\n"}, nil)
	pid, err := client.PanePID("app")
	if err != nil || pid != 4242 {
		t.Fatalf("pane pid: %d err=%v", pid, err)
	}
}

func TestPasteBufferBracketed(t *testing.T) {
	client, calls := recordingClient(nil, nil)
	if err := client.PasteBuffer("buf-1", "app"); err != nil {
		t.Fatalf("paste: %v", err)
	}
	args := (*calls)[0].args
	foundBracketed := false
	for _, arg := range args {
		if arg == "-p" {
			foundBracketed = true
		}
	}
	if !foundBracketed {
		t.Fatalf("paste must use bracketed-paste mode: %v", args)
	}
}
