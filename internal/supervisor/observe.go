package supervisor

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"autopilot/internal/model"
	"autopilot/internal/review"
	"autopilot/internal/statestore"
	"autopilot/internal/taskqueue"
)

// observeTransitions handles the per-tick bookkeeping that sits outside the
// rule engine: activity tracking, the compaction flag dance, working-stall
// detection, and the one-shot operator alerts.
func (s *Supervisor) observeTransitions(project model.Project, windowKey string, cls model.Classification, update review.CommitUpdate) {
	now := s.now()

	if cls.Status == model.StatusWorking {
		_ = s.Store.WriteInt64(statestore.ActivityKey(windowKey), now.Unix())
		_ = s.Store.WriteInt(statestore.IdleProbeKey(windowKey), 0)
		s.trackWorkingStall(project, windowKey, cls, update)
	} else {
		_ = s.Store.Remove(statestore.StallTrackKey(windowKey))
		_ = s.Store.Remove("alert-workstall-" + windowKey)
	}

	s.trackLowContext(project, windowKey, cls)
	s.trackCompactOutcome(project, windowKey, cls)

	if cls.ManualBlockReason != "" {
		s.oneShotAlert("alert-manualblock-"+windowKey,
			fmt.Sprintf("🚧 %s needs manual attention: %s", project.Window, cls.ManualBlockReason))
	} else {
		_ = s.Store.Remove("alert-manualblock-" + windowKey)
	}
}

// trackWorkingStall warns when a working window makes no progress: same
// HEAD, same context percentage, for a long stretch.
func (s *Supervisor) trackWorkingStall(project model.Project, windowKey string, cls model.Classification, update review.CommitUpdate) {
	now := s.now().Unix()
	current := fmt.Sprintf("%s %d", update.Head, cls.ContextNum)

	key := statestore.StallTrackKey(windowKey)
	prior, ok := s.Store.ReadScalar(key)
	if !ok || !strings.HasPrefix(prior, current+" ") {
		_ = s.Store.WriteScalar(key, fmt.Sprintf("%s %d", current, now))
		return
	}
	fields := strings.Fields(prior)
	if len(fields) != 3 {
		_ = s.Store.WriteScalar(key, fmt.Sprintf("%s %d", current, now))
		return
	}
	since := statestore.NormalizeInt(fields[2], int(now))
	elapsed := now - int64(since)
	if elapsed >= workStallAlertSecs {
		s.oneShotAlert("alert-workstall-"+windowKey,
			fmt.Sprintf("⏳ %s has been working %d min with no commit or context change", project.Window, elapsed/60))
	} else if elapsed >= workStallWarnSecs {
		s.Log.Warn("working stall",
			zap.String("window", project.Window),
			zap.Int64("minutes", elapsed/60))
	}
}

// trackLowContext maintains the was-low-context → post-compact handoff and
// the critical-context alert.
func (s *Supervisor) trackLowContext(project model.Project, windowKey string, cls model.Classification) {
	if cls.Status == model.StatusIdleLowContext {
		_ = s.Store.Touch(statestore.WasLowContextKey(windowKey))
	}

	if cls.ContextNum >= 1 && cls.ContextNum <= s.Settings.LowContextCritical {
		s.oneShotAlert("alert-lowctx-"+windowKey,
			fmt.Sprintf("🪫 %s context critically low: %d%%", project.Window, cls.ContextNum))
	} else if cls.ContextNum > s.Settings.LowContextThreshold {
		_ = s.Store.Remove("alert-lowctx-" + windowKey)
	}

	// Context jumped back up while the low flag is set: a compaction
	// happened. Arm the recovery nudge.
	if cls.ContextNum > s.Settings.LowContextThreshold && s.Store.Exists(statestore.WasLowContextKey(windowKey)) {
		_ = s.Store.Touch(statestore.PostCompactKey(windowKey))
		_ = s.Store.Remove(statestore.WasLowContextKey(windowKey))
		s.Log.Info("compaction detected",
			zap.String("window", project.Window),
			zap.Int("context", cls.ContextNum))
	}
}

// trackCompactOutcome watches whether a sent /compact actually worked.
func (s *Supervisor) trackCompactOutcome(project model.Project, windowKey string, cls model.Classification) {
	age, exists := s.Store.FileAge(statestore.CompactSentKey(windowKey))
	if !exists {
		return
	}
	if cls.ContextNum > s.Settings.LowContextThreshold {
		_ = s.Store.Remove(statestore.CompactSentKey(windowKey))
		_ = s.Store.Remove(statestore.CompactFailuresKey(windowKey))
		return
	}
	if age < compactCheckDelay {
		return
	}
	failures := s.Store.ReadInt(statestore.CompactFailuresKey(windowKey), 0) + 1
	_ = s.Store.WriteInt(statestore.CompactFailuresKey(windowKey), failures)
	_ = s.Store.Remove(statestore.CompactSentKey(windowKey))
	s.Log.Warn("compact ineffective",
		zap.String("window", project.Window),
		zap.Int("failures", failures),
		zap.Int("context", cls.ContextNum))
	if failures >= compactAlertAtFails {
		s.oneShotAlert("alert-compactfail-"+windowKey,
			fmt.Sprintf("🔁 %s compaction failed %d times in a row", project.Window, failures))
		_ = s.Store.WriteInt(statestore.CompactFailuresKey(windowKey), 0)
	}
}

// watchTodoList notices new queue items by content hash and ends any stall
// episode when work arrives.
func (s *Supervisor) watchTodoList(project model.Project, windowKey string) {
	queue := taskqueue.ForProject(project.Dir)
	b, err := os.ReadFile(queue.Path)
	if err != nil {
		return
	}
	sum := sha256.Sum256(b)
	hash := hex.EncodeToString(sum[:8])
	count := queue.Count()
	current := fmt.Sprintf("%s %d", hash, count)

	prior, ok := s.Store.ReadScalar(statestore.TodoHashKey(windowKey))
	if !ok {
		_ = s.Store.WriteScalar(statestore.TodoHashKey(windowKey), current)
		return
	}
	if prior == current {
		return
	}
	_ = s.Store.WriteScalar(statestore.TodoHashKey(windowKey), current)

	priorFields := strings.Fields(prior)
	priorCount := 0
	if len(priorFields) == 2 {
		priorCount = statestore.NormalizeInt(priorFields[1], 0)
	}
	if count > priorCount {
		_ = s.Store.WriteInt(statestore.NudgeAttemptsKey(windowKey), 0)
		_ = s.Store.Remove(statestore.AlertStalledKey(windowKey))
		s.oneShotAlert("alert-newtasks-"+windowKey,
			fmt.Sprintf("📋 %s has new tasks (%d pending)", project.Window, count))
		// Re-arm for the next batch of additions.
		_ = s.Store.Remove("alert-newtasks-" + windowKey)
	}
}

// oneShotAlert notifies once per episode; the flag gates repeats until a
// recovery path removes it.
func (s *Supervisor) oneShotAlert(flagKey string, text string) {
	if s.Store.Exists(flagKey) {
		return
	}
	if err := s.Store.Touch(flagKey); err != nil {
		return
	}
	s.Notify(text)
	s.Log.Warn("alert", zap.String("text", text))
}

// writeSnapshot records the per-window monitor snapshot at the end of the
// tick.
func (s *Supervisor) writeSnapshot(project model.Project, windowKey string, cls model.Classification, update review.CommitUpdate) {
	prior := s.Store.ReadSnapshot(windowKey)
	snap := model.Snapshot{
		Status:          cls.Status,
		ContextNum:      cls.ContextNum,
		Head:            prior.Head,
		CommitMsg:       prior.CommitMsg,
		CommitTime:      prior.CommitTime,
		Commits30m:      prior.Commits30m,
		WorkingNoCommit: prior.WorkingNoCommit,
		TokensToday:     s.Store.ReadInt(statestore.TokensTodayKey(windowKey), 0),
		LastCheck:       s.now().Unix(),
	}
	if update.Head != "" {
		snap.Head = shortHead(update.Head)
	}
	if update.Changed {
		snap.CommitMsg = truncate(update.Subject, 80)
		snap.CommitTime = s.now().Unix()
		if commits, err := s.Git.CommitsSince(project.Dir, 30*time.Minute); err == nil {
			snap.Commits30m = commits
		}
		snap.WorkingNoCommit = 0
	} else if cls.Status == model.StatusWorking {
		snap.WorkingNoCommit = prior.WorkingNoCommit + 1
	}
	if err := s.Store.WriteSnapshot(windowKey, snap); err != nil {
		s.Log.Warn("snapshot write failed", zap.String("window", project.Window), zap.Error(err))
	}
}

func shortHead(head string) string {
	if len(head) > 7 {
		return head[:7]
	}
	return head
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit]
}

// SnapshotPath exposes where a window's snapshot lives, for the status CLI.
func (s *Supervisor) SnapshotPath(windowKey string) string {
	return filepath.Join(s.Store.StateDir(), windowKey+".json")
}
