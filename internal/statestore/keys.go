package statestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"autopilot/internal/model"
)

// State-file naming. All take the sanitized window key, never the raw name.

func ActivityKey(w string) string        { return filepath.Join("watchdog-activity", w) }
func IdleProbeKey(w string) string       { return filepath.Join("watchdog-activity", "idle-probe-"+w) }
func CooldownKey(kind, w string) string  { return filepath.Join("watchdog-cooldown", kind+"-"+w) }
func HeadKey(w string) string            { return filepath.Join("watchdog-commits", w+"-head") }
func SinceReviewKey(w string) string     { return filepath.Join("watchdog-commits", w+"-since-review") }
func LastReviewTsKey(w string) string    { return filepath.Join("watchdog-commits", w+"-last-review-ts") }
func LastReviewCommitKey(w string) string {
	return filepath.Join("watchdog-commits", w+"-last-review-commit")
}
func NudgeAttemptsKey(w string) string { return filepath.Join("watchdog-commits", w+"-nudge-attempts") }

func ManualTaskKey(w string) string      { return "manual-task-" + w }
func PostCompactKey(w string) string     { return "post-compact-" + w }
func PreCompactKey(w string) string      { return "pre-compact-snapshot-" + w }
func WasLowContextKey(w string) string   { return "was-low-context-" + w }
func AutocheckIssuesKey(w string) string { return "autocheck-issues-" + w }
func PRDIssuesKey(w string) string       { return "prd-issues-" + w }
func TriggerKey(w string) string         { return "review-trigger-" + w }
func TriggerPhaseKey(w string) string    { return "review-trigger-phase-" + w }
func ReviewInProgressKey(w string) string {
	return "review-in-progress-" + w
}
func ReviewOutputKey(w string) string   { return "layer2-review-" + w + ".txt" }
func AlertStalledKey(w string) string   { return "alert-stalled-" + w }
func CompactSentKey(w string) string    { return "compact-sent-ts-" + w }
func CompactFailuresKey(w string) string {
	return "compact-failures-" + w
}
func AutocheckHashKey(w string) string { return "autocheck-hash-" + w }
func TodoHashKey(w string) string      { return "todo-hash-" + w }
func StallTrackKey(w string) string    { return "stall-track-" + w }
func SendFailuresKey(w string) string  { return "send-failures-" + w }
func TokensTodayKey(w string) string   { return "tokens-today-" + w }

const maxHistoryEntries = 200

// AppendHistory records one action outcome, keeping at most the trailing
// maxHistoryEntries lines.
func (s *Store) AppendHistory(entry model.HistoryEntry) error {
	path := filepath.Join(s.StateDir(), "history.jsonl")
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal history entry: %w", err)
	}
	existing, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimSpace(string(existing)), "\n")
	lines = append(lines, string(line))
	if len(lines) > maxHistoryEntries {
		lines = lines[len(lines)-maxHistoryEntries:]
	}
	joined := strings.TrimLeft(strings.Join(lines, "\n"), "\n")
	return s.writeAtomic(path, []byte(joined+"\n"))
}

func (s *Store) LastHistoryEntry(windowKey string) (model.HistoryEntry, bool) {
	path := filepath.Join(s.StateDir(), "history.jsonl")
	b, err := os.ReadFile(path)
	if err != nil {
		return model.HistoryEntry{}, false
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		var entry model.HistoryEntry
		if json.Unmarshal([]byte(lines[i]), &entry) != nil {
			continue
		}
		if model.SanitizeWindow(entry.Window) == windowKey {
			return entry, true
		}
	}
	return model.HistoryEntry{}, false
}

// Daily send budget. The counter file carries "YYYY-MM-DD count"; a date
// change resets the count.

func dailyBudgetKey(w string) string { return "daily-sends-" + w }

func (s *Store) DailySends(windowKey string, today time.Time) int {
	raw, ok := s.ReadScalar(dailyBudgetKey(windowKey))
	if !ok {
		return 0
	}
	fields := strings.Fields(raw)
	if len(fields) != 2 || fields[0] != today.Format("2006-01-02") {
		return 0
	}
	return NormalizeInt(fields[1], 0)
}

func (s *Store) IncrementDailySends(windowKey string, today time.Time) error {
	count := s.DailySends(windowKey, today) + 1
	return s.WriteScalar(dailyBudgetKey(windowKey), fmt.Sprintf("%s %d", today.Format("2006-01-02"), count))
}
