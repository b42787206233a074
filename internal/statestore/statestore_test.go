package statestore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"autopilot/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(t.TempDir())
	if err := s.Init(); err != nil {
		t.Fatalf("init store: %v", err)
	}
	return s
}

func TestScalarRoundTrip(t *testing.T) {
	s := newTestStore(t)

	if _, ok := s.ReadScalar("missing"); ok {
		t.Fatalf("expected missing scalar")
	}
	if err := s.WriteScalar("counter", "42"); err != nil {
		t.Fatalf("write scalar: %v", err)
	}
	got, ok := s.ReadScalar("counter")
	if !ok || got != "42" {
		t.Fatalf("expected 42, got %q ok=%v", got, ok)
	}
	b, err := os.ReadFile(s.Path("counter"))
	if err != nil {
		t.Fatalf("read raw: %v", err)
	}
	if string(b) != "42\n" {
		t.Fatalf("expected newline-terminated file, got %q", string(b))
	}
}

func TestReadIntNormalizesPartialWrites(t *testing.T) {
	s := newTestStore(t)

	cases := map[string]int{
		"7":        7,
		" 12 \n":   12,
		"3x4":      34,
		"garbage":  0,
		"":         0,
		"00\x0015": 15,
	}
	for raw, want := range cases {
		if err := os.WriteFile(s.Path("n"), []byte(raw), 0o644); err != nil {
			t.Fatalf("seed file: %v", err)
		}
		if got := s.ReadInt("n", 0); got != want {
			t.Fatalf("ReadInt(%q) = %d, want %d", raw, got, want)
		}
	}
	if got := s.ReadInt("absent", 9); got != 9 {
		t.Fatalf("expected fallback for absent file, got %d", got)
	}
}

func TestTouchRemoveAndAge(t *testing.T) {
	s := newTestStore(t)

	key := ManualTaskKey("proj")
	if s.Exists(key) {
		t.Fatalf("flag should not exist yet")
	}
	if err := s.Touch(key); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if !s.Exists(key) {
		t.Fatalf("flag should exist")
	}
	age, ok := s.FileAge(key)
	if !ok || age > 5 {
		t.Fatalf("expected fresh flag, age=%d ok=%v", age, ok)
	}
	if err := s.Remove(key); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.Remove(key); err != nil {
		t.Fatalf("remove should be idempotent: %v", err)
	}
}

func TestGCOlderThan(t *testing.T) {
	s := newTestStore(t)

	oldPath := filepath.Join(s.StateDir(), "watchdog-cooldown", "nudge-a")
	newPath := filepath.Join(s.StateDir(), "watchdog-cooldown", "nudge-b")
	for _, p := range []string{oldPath, newPath} {
		if err := os.WriteFile(p, []byte("1\n"), 0o644); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	stale := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(oldPath, stale, stale); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	removed, err := s.GCOlderThan("watchdog-cooldown", 24*time.Hour)
	if err != nil {
		t.Fatalf("gc: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, err := os.Stat(newPath); err != nil {
		t.Fatalf("fresh file should survive gc: %v", err)
	}
}

func TestSnapshotTolerance(t *testing.T) {
	s := newTestStore(t)

	snap := s.ReadSnapshot("ghost")
	if snap.ContextNum != -1 || snap.Head != "none" {
		t.Fatalf("expected defaults for missing snapshot, got %+v", snap)
	}

	if err := os.WriteFile(filepath.Join(s.StateDir(), "broken.json"), []byte("{truncat"), 0o644); err != nil {
		t.Fatalf("seed broken: %v", err)
	}
	snap = s.ReadSnapshot("broken")
	if snap.ContextNum != -1 {
		t.Fatalf("malformed snapshot should yield defaults, got %+v", snap)
	}

	want := model.Snapshot{Status: model.StatusWorking, ContextNum: 63, Head: "abc1234", LastCheck: 100}
	if err := s.WriteSnapshot("proj", want); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	got := s.ReadSnapshot("proj")
	if got != want {
		t.Fatalf("snapshot round trip: got %+v want %+v", got, want)
	}
}

func TestTriggerRoundTrip(t *testing.T) {
	s := newTestStore(t)

	want := model.ReviewTrigger{ProjectDir: "/srv/app", Window: "app"}
	if err := s.WriteTrigger("app", want); err != nil {
		t.Fatalf("write trigger: %v", err)
	}
	got, err := s.ReadTrigger(s.Path(TriggerKey("app")))
	if err != nil {
		t.Fatalf("read trigger: %v", err)
	}
	if got != want {
		t.Fatalf("trigger round trip: got %+v want %+v", got, want)
	}
}

func TestHistoryRing(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < maxHistoryEntries+20; i++ {
		entry := model.HistoryEntry{
			Timestamp: time.Now(),
			Window:    "app",
			Action:    model.ActionSendNudge,
			Success:   true,
		}
		if err := s.AppendHistory(entry); err != nil {
			t.Fatalf("append history: %v", err)
		}
	}
	b, err := os.ReadFile(filepath.Join(s.StateDir(), "history.jsonl"))
	if err != nil {
		t.Fatalf("read history: %v", err)
	}
	lines := 0
	for _, c := range b {
		if c == '\n' {
			lines++
		}
	}
	if lines != maxHistoryEntries {
		t.Fatalf("expected history capped at %d, got %d", maxHistoryEntries, lines)
	}

	last, ok := s.LastHistoryEntry("app")
	if !ok || last.Action != model.ActionSendNudge {
		t.Fatalf("expected last entry for app, got %+v ok=%v", last, ok)
	}
}

func TestDailySendBudget(t *testing.T) {
	s := newTestStore(t)

	today := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	if got := s.DailySends("app", today); got != 0 {
		t.Fatalf("expected zero sends, got %d", got)
	}
	for i := 0; i < 3; i++ {
		if err := s.IncrementDailySends("app", today); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}
	if got := s.DailySends("app", today); got != 3 {
		t.Fatalf("expected 3 sends, got %d", got)
	}
	tomorrow := today.Add(24 * time.Hour)
	if got := s.DailySends("app", tomorrow); got != 0 {
		t.Fatalf("expected date rollover to reset, got %d", got)
	}
}

func TestSanitizeWindow(t *testing.T) {
	cases := map[string]string{
		"my-app":     "my-app",
		"api server": "api_server",
		"x/../../y":  "x_______y",
		"":           "_",
	}
	for in, want := range cases {
		if got := model.SanitizeWindow(in); got != want {
			t.Fatalf("SanitizeWindow(%q) = %q, want %q", in, got, want)
		}
	}
}
