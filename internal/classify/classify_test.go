package classify

import (
	"testing"

	"autopilot/internal/model"
)

func newTestClassifier() *Classifier {
	return &Classifier{
		Patterns:            DefaultPatterns(),
		LowContextThreshold: DefaultLowContextThreshold,
	}
}

func TestEscToInterruptIsWorking(t *testing.T) {
	c := newTestClassifier()
	capture := "• Editing main.go\n  and more output\nesc to interrupt\n› "
	got := c.ClassifyCapture(capture, true)
	if got.Status != model.StatusWorking {
		t.Fatalf("expected working, got %s", got.Status)
	}
}

func TestBulletVerbLineIsWorking(t *testing.T) {
	c := newTestClassifier()
	cases := []string{
		"• Searching the repository\n\n› ",
		"• Wrote tests for parser\n\n› ",
		"• Compacting context\n\n› ",
		"• Context compacted\n\n› ",
		"• Waiting for background tasks\n\n› ",
	}
	for _, capture := range cases {
		got := c.ClassifyCapture(capture, true)
		if got.Status != model.StatusWorking {
			t.Fatalf("capture %q: expected working, got %s", capture, got.Status)
		}
	}
}

func TestStandaloneVerbWithTreeChildIsWorking(t *testing.T) {
	c := newTestClassifier()
	capture := "• Thinking...\n  └ reading internal/rules/engine.go\n\n› "
	got := c.ClassifyCapture(capture, true)
	if got.Status != model.StatusWorking {
		t.Fatalf("expected working for standalone verb with tree child, got %s", got.Status)
	}
}

func TestStandaloneWordWithoutTreeChildIsIdle(t *testing.T) {
	c := newTestClassifier()
	capture := "• Done\n\nsome text\n› "
	got := c.ClassifyCapture(capture, true)
	if got.Status != model.StatusIdle {
		t.Fatalf("expected idle, got %s", got.Status)
	}
}

func TestPermissionDetection(t *testing.T) {
	c := newTestClassifier()

	capture := "Run this command?\n  Yes, proceed\n  Esc to cancel\n"
	got := c.ClassifyCapture(capture, true)
	if got.Status != model.StatusPermission {
		t.Fatalf("expected permission, got %s", got.Status)
	}

	capture = "Run this command?\n  Press enter to confirm\n  Allow always\n"
	got = c.ClassifyCapture(capture, true)
	if got.Status != model.StatusPermissionRemember {
		t.Fatalf("expected permission_with_remember, got %s", got.Status)
	}
}

func TestLowContextBoundaries(t *testing.T) {
	c := newTestClassifier()

	// Exactly at the threshold classifies low-context.
	got := c.ClassifyCapture("25% context left\n› ", true)
	if got.Status != model.StatusIdleLowContext || got.ContextNum != 25 {
		t.Fatalf("threshold boundary: got %s ctx=%d", got.Status, got.ContextNum)
	}

	got = c.ClassifyCapture("26% context left\n› ", true)
	if got.Status != model.StatusIdle {
		t.Fatalf("above threshold should be idle, got %s", got.Status)
	}

	// Zero percent is treated as unknown, not critical.
	got = c.ClassifyCapture("0% context left\n› ", true)
	if got.Status != model.StatusIdle {
		t.Fatalf("0%% should not be low-context, got %s", got.Status)
	}

	got = c.ClassifyCapture("1% context left\n› ", true)
	if got.Status != model.StatusIdleLowContext {
		t.Fatalf("1%% should be low-context, got %s", got.Status)
	}
}

func TestContextTakesLastOccurrence(t *testing.T) {
	c := newTestClassifier()
	capture := "80% context left\nolder output\n18% context left\n› "
	got := c.ClassifyCapture(capture, true)
	if got.ContextNum != 18 {
		t.Fatalf("expected last occurrence 18, got %d", got.ContextNum)
	}
}

func TestShellWhenAssistantGone(t *testing.T) {
	c := newTestClassifier()
	got := c.ClassifyCapture("$ ls\nmain.go\n$ ", false)
	if got.Status != model.StatusShell {
		t.Fatalf("expected shell, got %s", got.Status)
	}
}

func TestWeeklyLimitAndManualBlockExtraction(t *testing.T) {
	c := newTestClassifier()
	capture := "weekly limit: 4% remaining\nwaiting for certificate approval\n› "
	got := c.ClassifyCapture(capture, true)
	if got.WeeklyLimitPct != 4 {
		t.Fatalf("expected weekly limit 4, got %d", got.WeeklyLimitPct)
	}
	if got.ManualBlockReason == "" {
		t.Fatalf("expected manual block reason")
	}
}

func TestPromptChromeNotActivity(t *testing.T) {
	c := newTestClassifier()
	// A bullet inside the bottom bar must not count as activity.
	capture := "old output\n\n› • type a message\n"
	got := c.ClassifyCapture(capture, true)
	if got.Status != model.StatusIdle {
		t.Fatalf("expected idle for chrome-only capture, got %s", got.Status)
	}
}

func TestClassifyCapturePure(t *testing.T) {
	c := newTestClassifier()
	capture := "• Running tests\n  └ go test ./...\n40% context left\n› "
	first := c.ClassifyCapture(capture, true)
	second := c.ClassifyCapture(capture, true)
	if first != second {
		t.Fatalf("classifier must be pure: %+v vs %+v", first, second)
	}
}

func TestStatusAlwaysDefinedAndContextInRange(t *testing.T) {
	c := newTestClassifier()
	captures := []string{
		"", "garbage", "150% context left", "• \n", "esc to interrupt",
		"Press enter to confirm", "7% context left\n› ",
	}
	valid := map[model.Status]bool{
		model.StatusWorking: true, model.StatusIdle: true,
		model.StatusIdleLowContext: true, model.StatusPermission: true,
		model.StatusPermissionRemember: true, model.StatusShell: true,
		model.StatusAbsent: true,
	}
	for _, capture := range captures {
		for _, alive := range []bool{true, false} {
			got := c.ClassifyCapture(capture, alive)
			if !valid[got.Status] {
				t.Fatalf("capture %q: invalid status %q", capture, got.Status)
			}
			if got.ContextNum != -1 && (got.ContextNum < 0 || got.ContextNum > 100) {
				t.Fatalf("capture %q: context out of range: %d", capture, got.ContextNum)
			}
		}
	}
}

func TestExitCodes(t *testing.T) {
	cases := map[model.Status]int{
		model.StatusWorking:            0,
		model.StatusIdle:               1,
		model.StatusIdleLowContext:     1,
		model.StatusPermission:         1,
		model.StatusPermissionRemember: 1,
		model.StatusShell:              2,
		model.StatusAbsent:             3,
	}
	for status, want := range cases {
		if got := ExitCode(status); got != want {
			t.Fatalf("ExitCode(%s) = %d, want %d", status, got, want)
		}
	}
}
