package gitx

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// RunFunc executes one git invocation in a repository. Swapped in tests.
type RunFunc func(ctx context.Context, repoPath string, args ...string) (string, error)

// Client is a thin wrapper over git plumbing. Every invocation carries a hard
// wall-clock timeout; a hung git must never stall the tick loop.
type Client struct {
	Timeout time.Duration
	Run     RunFunc
}

func New() *Client {
	return &Client{Timeout: 10 * time.Second, Run: runGit}
}

func runGit(ctx context.Context, repoPath string, args ...string) (string, error) {
	fullArgs := append([]string{"-C", repoPath}, args...)
	cmd := exec.CommandContext(ctx, "git", fullArgs...)
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (c *Client) run(repoPath string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()
	return c.Run(ctx, repoPath, args...)
}

func (c *Client) Head(repoPath string) (string, error) {
	return c.run(repoPath, "rev-parse", "HEAD")
}

func (c *Client) ShortHead(repoPath string) (string, error) {
	return c.run(repoPath, "rev-parse", "--short", "HEAD")
}

// LastCommitSubject returns the subject line of HEAD.
func (c *Client) LastCommitSubject(repoPath string) (string, error) {
	return c.run(repoPath, "log", "-1", "--format=%s")
}

func (c *Client) LastCommitTime(repoPath string) (int64, error) {
	out, err := c.run(repoPath, "log", "-1", "--format=%ct")
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse commit time %q: %w", out, err)
	}
	return n, nil
}

// CountCommits counts commits in old..new.
func (c *Client) CountCommits(repoPath string, oldRef string, newRef string) (int, error) {
	out, err := c.run(repoPath, "rev-list", oldRef+".."+newRef, "--count")
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("parse rev-list count %q: %w", out, err)
	}
	return n, nil
}

// CommitsSince counts commits newer than the given age.
func (c *Client) CommitsSince(repoPath string, age time.Duration) (int, error) {
	since := fmt.Sprintf("--since=%d minutes ago", int(age.Minutes()))
	out, err := c.run(repoPath, "rev-list", "HEAD", "--count", since)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("parse rev-list count %q: %w", out, err)
	}
	return n, nil
}

// ChangedFiles lists files touched in old..new.
func (c *Client) ChangedFiles(repoPath string, oldRef string, newRef string) ([]string, error) {
	out, err := c.run(repoPath, "diff", "--name-only", oldRef+".."+newRef)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if name := strings.TrimSpace(line); name != "" {
			files = append(files, name)
		}
	}
	return files, nil
}

// UncommittedFiles lists paths from status --porcelain.
func (c *Client) UncommittedFiles(repoPath string) ([]string, error) {
	out, err := c.run(repoPath, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		files = append(files, fields[len(fields)-1])
	}
	return files, nil
}

// RecentSubjects returns the newest n commit subjects.
func (c *Client) RecentSubjects(repoPath string, n int) ([]string, error) {
	out, err := c.run(repoPath, "log", fmt.Sprintf("-%d", n), "--format=%s")
	if err != nil {
		return nil, err
	}
	var subjects []string
	for _, line := range strings.Split(out, "\n") {
		if s := strings.TrimSpace(line); s != "" {
			subjects = append(subjects, s)
		}
	}
	return subjects, nil
}

// TrackedFiles lists every file under version control.
func (c *Client) TrackedFiles(repoPath string) ([]string, error) {
	out, err := c.run(repoPath, "ls-files")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if name := strings.TrimSpace(line); name != "" {
			files = append(files, name)
		}
	}
	return files, nil
}

func (c *Client) RefExists(repoPath string, ref string) bool {
	_, err := c.run(repoPath, "rev-parse", "--verify", "--quiet", ref)
	return err == nil
}

// CommitTypePrefix extracts a conventional-commit type like "feat" or "fix".
func CommitTypePrefix(subject string) string {
	head, _, found := strings.Cut(subject, ":")
	if !found {
		return ""
	}
	head = strings.TrimSpace(head)
	if idx := strings.IndexByte(head, '('); idx >= 0 {
		head = head[:idx]
	}
	head = strings.TrimSuffix(head, "!")
	if head == "" || strings.ContainsAny(head, " \t") {
		return ""
	}
	return strings.ToLower(head)
}
