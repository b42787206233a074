package review

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"autopilot/internal/config"
	"autopilot/internal/gitx"
	"autopilot/internal/lockdir"
	"autopilot/internal/model"
	"autopilot/internal/statestore"
)

func newChecker(t *testing.T, projectDir string, tracked []string) (*Checker, *statestore.Store) {
	t.Helper()
	store := statestore.New(t.TempDir())
	if err := store.Init(); err != nil {
		t.Fatalf("init store: %v", err)
	}
	git := gitx.New()
	git.Run = func(_ context.Context, _ string, args ...string) (string, error) {
		if strings.Join(args, " ") == "ls-files" {
			return strings.Join(tracked, "\n"), nil
		}
		return "", errors.New("unexpected git call")
	}
	checker := NewChecker(config.DefaultSettings(), store, lockdir.NewManager(t.TempDir()), git, zap.NewNop())
	checker.RunCommand = func(context.Context, string, time.Duration, string, ...string) (string, error) {
		return "", nil
	}
	return checker, store
}

func TestPatternScanFlagsSuspiciousSource(t *testing.T) {
	dir := t.TempDir()
	bad := "api_key = \"hunter2hunter2\"\n"
	if err := os.WriteFile(filepath.Join(dir, "config.py"), []byte(bad), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	checker, store := newChecker(t, dir, []string{"config.py"})

	project := model.Project{Window: "app", Dir: dir}
	checker.Run(context.Background(), project, []string{"config.py"}, "feat: config")

	issues, ok := store.ReadScalar(statestore.AutocheckIssuesKey("app"))
	if !ok || !strings.Contains(issues, "config.py") {
		t.Fatalf("expected a finding for config.py, got %q ok=%v", issues, ok)
	}
}

func TestUntrackedAndNonSourceFilesIgnored(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"notes.txt", "loose.py"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("eval(payload)\n"), 0o644); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	// notes.txt is tracked but not source; loose.py is source but untracked.
	checker, store := newChecker(t, dir, []string{"notes.txt"})

	project := model.Project{Window: "app", Dir: dir}
	checker.Run(context.Background(), project, []string{"notes.txt", "loose.py"}, "feat: misc")

	if store.Exists(statestore.AutocheckIssuesKey("app")) {
		t.Fatalf("untracked or non-source files must not produce findings")
	}
}

func TestTypeCheckTimeoutSurfaced(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "tsconfig.json"), []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("seed tsconfig: %v", err)
	}
	checker, store := newChecker(t, dir, nil)
	checker.RunCommand = func(_ context.Context, _ string, _ time.Duration, name string, _ ...string) (string, error) {
		if name == "npx" {
			return "", context.DeadlineExceeded
		}
		return "", nil
	}

	project := model.Project{Window: "app", Dir: dir}
	checker.Run(context.Background(), project, nil, "feat: types")

	issues, ok := store.ReadScalar(statestore.AutocheckIssuesKey("app"))
	if !ok || !strings.Contains(issues, "tsc: timeout(30s)") {
		t.Fatalf("timeout must surface as a finding, got %q", issues)
	}
}

func TestFixCommitRunsTests(t *testing.T) {
	dir := t.TempDir()
	checker, store := newChecker(t, dir, nil)
	var ran []string
	checker.RunCommand = func(_ context.Context, _ string, _ time.Duration, name string, _ ...string) (string, error) {
		ran = append(ran, name)
		return "1 test failed", errors.New("exit 1")
	}

	project := model.Project{Window: "app", Dir: dir}
	checker.Run(context.Background(), project, nil, "fix: null deref")

	if len(ran) != 1 || ran[0] != "npm" {
		t.Fatalf("fix commit must run the test runner, got %v", ran)
	}
	if !store.Exists("test-fail-app") {
		t.Fatalf("failing tests must set the test-fail flag")
	}
	issues, _ := store.ReadScalar(statestore.AutocheckIssuesKey("app"))
	if !strings.Contains(issues, "tests failing after fix") {
		t.Fatalf("expected test finding, got %q", issues)
	}
}

func TestFindingsDeduplicatedByHash(t *testing.T) {
	dir := t.TempDir()
	bad := "password = 'correcthorse'\n"
	if err := os.WriteFile(filepath.Join(dir, "auth.go"), []byte(bad), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	checker, store := newChecker(t, dir, []string{"auth.go"})
	project := model.Project{Window: "app", Dir: dir}

	checker.Run(context.Background(), project, []string{"auth.go"}, "feat: auth")
	if !store.Exists(statestore.AutocheckIssuesKey("app")) {
		t.Fatalf("first run must emit the finding")
	}
	_ = store.Remove(statestore.AutocheckIssuesKey("app"))
	_ = store.Remove(statestore.CooldownKey("autocheck", "app"))

	checker.Run(context.Background(), project, []string{"auth.go"}, "feat: auth again")
	if store.Exists(statestore.AutocheckIssuesKey("app")) {
		t.Fatalf("unchanged findings must be deduplicated by hash")
	}
}

func TestDebounceCooldown(t *testing.T) {
	dir := t.TempDir()
	checker, store := newChecker(t, dir, nil)
	project := model.Project{Window: "app", Dir: dir}

	checker.Run(context.Background(), project, nil, "feat: one")
	if !store.Exists(statestore.CooldownKey("autocheck", "app")) {
		t.Fatalf("run must record the debounce cooldown")
	}
	var called bool
	checker.RunCommand = func(context.Context, string, time.Duration, string, ...string) (string, error) {
		called = true
		return "", nil
	}
	if err := os.WriteFile(filepath.Join(dir, "tsconfig.json"), []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("seed tsconfig: %v", err)
	}
	checker.Run(context.Background(), project, nil, "feat: two")
	if called {
		t.Fatalf("second run inside the cooldown must be debounced")
	}
}
