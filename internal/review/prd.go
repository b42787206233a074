package review

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"autopilot/internal/model"
	"autopilot/internal/statestore"
)

// PRDVerifier invokes the external verification engine after commits. The
// engine's contract is rc=0 pass, non-zero fail with a short summary; the
// supervisor only stores the verdict for the next nudge to mention.
type PRDVerifier struct {
	Store   *statestore.Store
	Log     *zap.Logger
	Command string
	Timeout time.Duration

	Run func(ctx context.Context, name string, args ...string) (string, int, error)
}

func NewPRDVerifier(store *statestore.Store, log *zap.Logger) *PRDVerifier {
	return &PRDVerifier{
		Store:   store,
		Log:     log,
		Command: "prd-verify",
		Timeout: 60 * time.Second,
		Run:     runWithExitCode,
	}
}

func runWithExitCode(ctx context.Context, name string, args ...string) (string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err == nil {
		return string(out), 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return string(out), exitErr.ExitCode(), nil
	}
	return string(out), -1, err
}

// Verify runs the engine; a missing binary disables the check silently.
func (v *PRDVerifier) Verify(ctx context.Context, project model.Project, changed []string) {
	if _, err := exec.LookPath(v.Command); err != nil {
		return
	}
	windowKey := project.Key()
	outputPath := filepath.Join(os.TempDir(), fmt.Sprintf("prd-verify-%s-%d.txt", windowKey, os.Getpid()))
	defer os.Remove(outputPath)

	ctx, cancel := context.WithTimeout(ctx, v.Timeout)
	defer cancel()

	args := []string{
		"--project-dir", project.Dir,
		"--changed-files", strings.Join(changed, ","),
		"--output", outputPath,
	}
	out, code, err := v.Run(ctx, v.Command, args...)
	if err != nil {
		v.Log.Warn("prd verify failed to run", zap.String("window", project.Window), zap.Error(err))
		return
	}
	if code == 0 {
		_ = v.Store.Remove(statestore.PRDIssuesKey(windowKey))
		return
	}
	summary := firstNonEmptyLine(out)
	if b, readErr := os.ReadFile(outputPath); readErr == nil && strings.TrimSpace(string(b)) != "" {
		summary = firstNonEmptyLine(string(b))
	}
	_ = v.Store.WriteScalar(statestore.PRDIssuesKey(windowKey), summary)
	v.Log.Info("prd verify failed",
		zap.String("window", project.Window),
		zap.Int("rc", code),
		zap.String("summary", summary))
}
