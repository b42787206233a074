package review

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"autopilot/internal/config"
	"autopilot/internal/gitx"
	"autopilot/internal/lockdir"
	"autopilot/internal/model"
	"autopilot/internal/statestore"
)

// Checker runs the fast deterministic post-commit checks: pattern scan,
// optional type check, optional test run. Findings land in the window's
// autocheck-issues file for the next idle nudge to surface.
type Checker struct {
	Settings config.Settings
	Store    *statestore.Store
	Locks    *lockdir.Manager
	Git      *gitx.Client
	Log      *zap.Logger

	// RunCommand executes a tool in the project directory under the given
	// timeout. Swapped in tests.
	RunCommand func(ctx context.Context, dir string, timeout time.Duration, name string, args ...string) (string, error)
}

func runCommand(ctx context.Context, dir string, timeout time.Duration, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return string(out), context.DeadlineExceeded
	}
	return string(out), err
}

func NewChecker(settings config.Settings, store *statestore.Store, locks *lockdir.Manager, git *gitx.Client, log *zap.Logger) *Checker {
	return &Checker{
		Settings:   settings,
		Store:      store,
		Locks:      locks,
		Git:        git,
		Log:        log,
		RunCommand: runCommand,
	}
}

var suspiciousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\beval\(`),
	regexp.MustCompile(`(?i)(password|secret|api_key)\s*=\s*"[^"]{4,}"`),
	regexp.MustCompile(`(?i)(password|secret|api_key)\s*=\s*'[^']{4,}'`),
}

var sourceExtensions = map[string]bool{
	".go": true, ".js": true, ".jsx": true, ".ts": true, ".tsx": true,
	".py": true, ".rb": true, ".sh": true,
}

// Run executes the check battery once, debounced and serialized per project.
func (c *Checker) Run(ctx context.Context, project model.Project, changed []string, subject string) {
	windowKey := project.Key()

	if age, exists := c.Store.FileAge(statestore.CooldownKey("autocheck", windowKey)); exists &&
		age < int64(c.Settings.AutocheckCooldownSecs) {
		return
	}
	lockName := "autocheck-" + windowKey
	acquired, err := c.Locks.Acquire(lockName, 2*time.Minute)
	if err != nil || !acquired {
		return
	}
	defer func() {
		_ = c.Locks.Release(lockName)
	}()

	var findings []string
	findings = append(findings, c.scanPatterns(project, changed)...)
	findings = append(findings, c.typeCheck(ctx, project)...)
	findings = append(findings, c.testRun(ctx, project, windowKey, subject)...)

	summary := strings.Join(findings, "; ")
	hash := contentHash(summary)
	if prior, ok := c.Store.ReadScalar(statestore.AutocheckHashKey(windowKey)); ok && prior == hash {
		_ = c.Store.Touch(statestore.CooldownKey("autocheck", windowKey))
		return
	}
	_ = c.Store.WriteScalar(statestore.AutocheckHashKey(windowKey), hash)

	if summary == "" {
		_ = c.Store.Remove(statestore.AutocheckIssuesKey(windowKey))
	} else {
		_ = c.Store.WriteScalar(statestore.AutocheckIssuesKey(windowKey), summary)
		c.Log.Info("autocheck findings",
			zap.String("window", project.Window),
			zap.String("summary", summary))
	}
	_ = c.Store.Touch(statestore.CooldownKey("autocheck", windowKey))
}

// scanPatterns greps the committed source files for known-bad constructs.
func (c *Checker) scanPatterns(project model.Project, changed []string) []string {
	tracked, err := c.Git.TrackedFiles(project.Dir)
	if err != nil {
		return nil
	}
	trackedSet := make(map[string]bool, len(tracked))
	for _, file := range tracked {
		trackedSet[file] = true
	}

	var findings []string
	for _, file := range changed {
		if !trackedSet[file] || !sourceExtensions[filepath.Ext(file)] {
			continue
		}
		b, err := os.ReadFile(filepath.Join(project.Dir, file))
		if err != nil {
			continue
		}
		for _, pattern := range suspiciousPatterns {
			if pattern.Match(b) {
				findings = append(findings, fmt.Sprintf("%s: suspicious pattern %s", file, pattern.String()))
				break
			}
		}
	}
	return findings
}

func (c *Checker) typeCheck(ctx context.Context, project model.Project) []string {
	if _, err := os.Stat(filepath.Join(project.Dir, "tsconfig.json")); err != nil {
		return nil
	}
	timeout := time.Duration(c.Settings.TypeCheckTimeoutSecs) * time.Second
	out, err := c.RunCommand(ctx, project.Dir, timeout, "npx", "tsc", "--noEmit")
	if err == context.DeadlineExceeded {
		return []string{fmt.Sprintf("tsc: timeout(%ds)", c.Settings.TypeCheckTimeoutSecs)}
	}
	if err != nil {
		return []string{"tsc: " + firstNonEmptyLine(out)}
	}
	return nil
}

// testRun runs the test suite after a fix commit; a regression in a fix is
// worth surfacing immediately.
func (c *Checker) testRun(ctx context.Context, project model.Project, windowKey string, subject string) []string {
	if gitx.CommitTypePrefix(subject) != "fix" {
		return nil
	}
	timeout := time.Duration(c.Settings.TestRunTimeoutSeconds) * time.Second
	out, err := c.RunCommand(ctx, project.Dir, timeout, "npm", "test", "--silent")
	if err == context.DeadlineExceeded {
		return []string{fmt.Sprintf("tests: timeout(%ds)", c.Settings.TestRunTimeoutSeconds)}
	}
	if err != nil {
		_ = c.Store.Touch("test-fail-" + windowKey)
		return []string{"tests failing after fix: " + firstNonEmptyLine(out)}
	}
	_ = c.Store.Remove("test-fail-" + windowKey)
	return nil
}

func contentHash(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:8])
}

func firstNonEmptyLine(value string) string {
	for _, line := range strings.Split(value, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			if len(trimmed) > 120 {
				return trimmed[:120]
			}
			return trimmed
		}
	}
	return "failed"
}
