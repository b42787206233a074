package tmuxctl

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// RunFunc executes one tmux invocation and returns combined output. Tests
// swap this for a fake; the default shells out with a hard timeout.
type RunFunc func(ctx context.Context, args ...string) (string, error)

// Client wraps the one tmux session the supervisor watches: a fixed session
// name with one window per project.
type Client struct {
	Session string
	Timeout time.Duration
	Run     RunFunc
}

const DefaultSession = "autopilot"

func New(session string) *Client {
	if strings.TrimSpace(session) == "" {
		session = DefaultSession
	}
	return &Client{
		Session: session,
		Timeout: 5 * time.Second,
		Run:     runTmux,
	}
}

func runTmux(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "tmux", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("tmux %s: %w (%s)", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func (c *Client) run(args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()
	return c.Run(ctx, args...)
}

func (c *Client) target(window string) string {
	return c.Session + ":" + window
}

func (c *Client) HasSession() bool {
	_, err := c.run("has-session", "-t", c.Session)
	return err == nil
}

func (c *Client) ListWindows() ([]string, error) {
	out, err := c.run("list-windows", "-t", c.Session, "-F", "#{window_name}")
	if err != nil {
		if isNoSessionOutput(out) {
			return nil, nil
		}
		return nil, err
	}
	var windows []string
	for _, line := range strings.Split(out, "\n") {
		if name := strings.TrimSpace(line); name != "" {
			windows = append(windows, name)
		}
	}
	return windows, nil
}

func (c *Client) HasWindow(window string) bool {
	windows, err := c.ListWindows()
	if err != nil {
		return false
	}
	for _, name := range windows {
		if name == window {
			return true
		}
	}
	return false
}

func isNoSessionOutput(output string) bool {
	msg := strings.ToLower(strings.TrimSpace(output))
	return strings.Contains(msg, "no server running") ||
		strings.Contains(msg, "can't find session") ||
		strings.Contains(msg, "failed to connect to server") ||
		strings.Contains(msg, "no sessions")
}

// CapturePane returns the last lines of the window's pane.
func (c *Client) CapturePane(window string, lines int) (string, error) {
	out, err := c.run("capture-pane", "-t", c.target(window), "-p", "-S", fmt.Sprintf("-%d", lines))
	if err != nil {
		return "", err
	}
	return out, nil
}

// PanePID returns the root PID of the window's first pane. tmux reports the
// pane's shell here; the assistant is a descendant of it.
func (c *Client) PanePID(window string) (int, error) {
	out, err := c.run("list-panes", "-t", c.target(window), "-F", "#{pane_pid}")
	if err != nil {
		return 0, err
	}
	first := strings.TrimSpace(strings.Split(strings.TrimSpace(out), "\n")[0])
	pid, err := strconv.Atoi(first)
	if err != nil {
		return 0, fmt.Errorf("parse pane pid %q: %w", first, err)
	}
	return pid, nil
}

// SendKeys sends key names (Enter, Escape, ...) or unquoted strings.
func (c *Client) SendKeys(window string, keys ...string) error {
	args := append([]string{"send-keys", "-t", c.target(window)}, keys...)
	_, err := c.run(args...)
	return err
}

// SendLiteral sends text with -l so tmux performs no key-name lookup.
func (c *Client) SendLiteral(window string, text string) error {
	_, err := c.run("send-keys", "-t", c.target(window), "-l", text)
	return err
}

func (c *Client) LoadBuffer(name string, path string) error {
	_, err := c.run("load-buffer", "-b", name, path)
	return err
}

// PasteBuffer pastes with bracketed-paste markers so the TUI treats the
// content as one paste, not a stream of keystrokes.
func (c *Client) PasteBuffer(name string, window string) error {
	_, err := c.run("paste-buffer", "-p", "-b", name, "-t", c.target(window))
	return err
}

func (c *Client) DeleteBuffer(name string) error {
	_, err := c.run("delete-buffer", "-b", name)
	return err
}
