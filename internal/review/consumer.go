package review

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"autopilot/internal/config"
	"autopilot/internal/gitx"
	"autopilot/internal/hsm"
	"autopilot/internal/lockdir"
	"autopilot/internal/model"
	"autopilot/internal/notify"
	"autopilot/internal/statestore"
)

// Consumer drains review triggers with a two-phase protocol: send the review
// instruction and return, then on a later run parse the output the assistant
// wrote. The since-review cursor advances only after a parse; the
// mv-then-rm consumption step keeps concurrent invocations from
// double-consuming a trigger.
type Consumer struct {
	Settings config.Settings
	Store    *statestore.Store
	Locks    *lockdir.Manager
	Git      *gitx.Client
	Log      *zap.Logger
	Notify   notify.Func

	Classify func(ctx context.Context, window string) model.Classification
	Inject   func(ctx context.Context, window string, text string) error

	Now func() time.Time
}

func (c *Consumer) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

const consumerLockName = "consume-review-trigger"

// Run processes every pending trigger once. Safe under concurrent
// invocation: the consumer lock admits one instance at a time.
func (c *Consumer) Run(ctx context.Context) error {
	acquired, err := c.Locks.Acquire(consumerLockName, time.Minute)
	if err != nil {
		return fmt.Errorf("consumer lock: %w", err)
	}
	if !acquired {
		c.Log.Info("consumer already running")
		return nil
	}
	defer func() {
		_ = c.Locks.Release(consumerLockName)
	}()

	triggers, err := filepath.Glob(filepath.Join(c.Store.StateDir(), "review-trigger-*"))
	if err != nil {
		return fmt.Errorf("list triggers: %w", err)
	}
	sort.Strings(triggers)
	for _, path := range triggers {
		if strings.HasSuffix(path, ".done") {
			continue
		}
		if strings.HasPrefix(filepath.Base(path), statestore.TriggerPhaseKey("")) {
			continue
		}
		c.consumeOne(ctx, path)
	}
	return nil
}

func (c *Consumer) consumeOne(ctx context.Context, path string) {
	trigger, err := c.Store.ReadTrigger(path)
	if err != nil {
		c.Log.Warn("malformed trigger removed", zap.String("path", path), zap.Error(err))
		_ = os.Remove(path)
		return
	}
	windowKey := model.SanitizeWindow(trigger.Window)
	phase := c.phase(windowKey)

	stale := false
	if info, statErr := os.Stat(path); statErr == nil {
		stale = time.Since(info.ModTime()) >= time.Duration(c.Settings.TriggerStaleSeconds)*time.Second
	}

	// Phase two: a review was already sent; check for output.
	if age, exists := c.Store.FileAge(statestore.ReviewInProgressKey(windowKey)); exists {
		if phase == model.TriggerPhaseEmitted || phase == model.TriggerPhaseDeferred {
			// Marker lost (crashed predecessor); the in-progress flag proves
			// the instruction went out.
			phase = model.TriggerPhaseSent
		}
		if age < int64(c.Settings.ReviewInProgressSecs) {
			content, ok := c.readOutput(windowKey)
			if !ok {
				phase, ok = c.advance(trigger.Window, windowKey, phase, model.TriggerPhaseAwaitingOutput)
				if ok {
					c.Log.Info("awaiting review output",
						zap.String("window", trigger.Window),
						zap.Int64("in_progress_age", age))
				}
				return
			}
			if phase, ok = c.advance(trigger.Window, windowKey, phase, model.TriggerPhaseAwaitingOutput); !ok {
				return
			}
			if phase, ok = c.advance(trigger.Window, windowKey, phase, model.TriggerPhaseParsed); !ok {
				return
			}
			_ = c.Store.Remove(statestore.ReviewInProgressKey(windowKey))
			c.finalize(trigger, windowKey, path, content, phase)
			return
		}
		// The assistant never delivered; expire the flag and restart the
		// lifecycle so the retry below re-enters at emitted.
		_ = c.Store.Remove(statestore.ReviewInProgressKey(windowKey))
		_ = c.Store.Remove(statestore.TriggerPhaseKey(windowKey))
		phase = model.TriggerPhaseEmitted
		c.Log.Info("review episode restarted",
			zap.String("window", trigger.Window),
			zap.Int64("in_progress_age", age))
	}

	if !stale {
		state := c.Classify(ctx, trigger.Window)
		if !state.Status.Idle() {
			if _, ok := c.advance(trigger.Window, windowKey, phase, model.TriggerPhaseDeferred); !ok {
				return
			}
			c.Log.Info("trigger deferred",
				zap.String("window", trigger.Window),
				zap.String("status", string(state.Status)))
			return
		}
	}

	c.sendReview(ctx, trigger, windowKey, phase)
}

// phase reads the persisted lifecycle marker, defaulting to emitted when the
// marker is missing or unreadable.
func (c *Consumer) phase(windowKey string) model.TriggerPhase {
	raw, ok := c.Store.ReadScalar(statestore.TriggerPhaseKey(windowKey))
	if !ok {
		return model.TriggerPhaseEmitted
	}
	switch phase := model.TriggerPhase(raw); phase {
	case model.TriggerPhaseEmitted, model.TriggerPhaseDeferred, model.TriggerPhaseSent,
		model.TriggerPhaseAwaitingOutput, model.TriggerPhaseParsed, model.TriggerPhaseDone:
		return phase
	}
	return model.TriggerPhaseEmitted
}

// advance moves the trigger to the next phase only when the transition map
// allows it; an illegal jump aborts consumption and leaves the trigger for
// an operator to inspect.
func (c *Consumer) advance(window string, windowKey string, from model.TriggerPhase, to model.TriggerPhase) (model.TriggerPhase, bool) {
	if !hsm.CanTransitionTrigger(from, to) {
		c.Log.Warn("trigger phase violation",
			zap.String("window", window),
			zap.String("from", string(from)),
			zap.String("to", string(to)))
		return from, false
	}
	if hsm.Terminal(to) {
		_ = c.Store.Remove(statestore.TriggerPhaseKey(windowKey))
	} else if to != from {
		_ = c.Store.WriteScalar(statestore.TriggerPhaseKey(windowKey), string(to))
	}
	return to, true
}

func (c *Consumer) readOutput(windowKey string) (string, bool) {
	content, ok := c.Store.ReadScalar(statestore.ReviewOutputKey(windowKey))
	if !ok || strings.TrimSpace(content) == "" {
		return "", false
	}
	return content, true
}

// sendReview composes and injects the phase-one instruction, then returns
// without waiting for the assistant.
func (c *Consumer) sendReview(ctx context.Context, trigger model.ReviewTrigger, windowKey string, phase model.TriggerPhase) {
	if !hsm.CanTransitionTrigger(phase, model.TriggerPhaseSent) {
		c.Log.Warn("trigger phase violation",
			zap.String("window", trigger.Window),
			zap.String("from", string(phase)),
			zap.String("to", string(model.TriggerPhaseSent)))
		return
	}
	baseRef := c.reviewBaseRef(trigger.ProjectDir, windowKey)
	if baseRef == "" {
		c.Log.Warn("no usable review base", zap.String("window", trigger.Window))
		return
	}
	rangeExpr := baseRef + "..HEAD"
	changed, err := c.Git.ChangedFiles(trigger.ProjectDir, baseRef, "HEAD")
	if err != nil {
		c.Log.Warn("diff listing failed", zap.String("window", trigger.Window), zap.Error(err))
		return
	}

	sinkPath := c.Store.Path(statestore.ReviewOutputKey(windowKey))
	_ = os.Remove(sinkPath)

	instruction := c.composeInstruction(rangeExpr, changed, sinkPath)
	if err := c.Inject(ctx, trigger.Window, instruction); err != nil {
		c.Log.Warn("review instruction rejected",
			zap.String("window", trigger.Window), zap.Error(err))
		return
	}
	if _, ok := c.advance(trigger.Window, windowKey, phase, model.TriggerPhaseSent); !ok {
		return
	}
	_ = c.Store.Touch(statestore.ReviewInProgressKey(windowKey))
	c.Log.Info("layer2 review sent",
		zap.String("window", trigger.Window),
		zap.String("range", rangeExpr),
		zap.Int("files", len(changed)))
}

// reviewBaseRef prefers the recorded last-review commit, falling back to a
// bounded window when the marker is missing or rewritten away.
func (c *Consumer) reviewBaseRef(projectDir string, windowKey string) string {
	if marker, ok := c.Store.ReadScalar(statestore.LastReviewCommitKey(windowKey)); ok && marker != "" {
		if c.Git.RefExists(projectDir, marker) {
			return marker
		}
	}
	for _, fallback := range []string{"HEAD~50", "HEAD~10", "HEAD~1"} {
		if c.Git.RefExists(projectDir, fallback) {
			return fallback
		}
	}
	return ""
}

// composeInstruction caps the file preview in the text but states the full
// count; the reviewer's scope is the whole range, not the preview.
func (c *Consumer) composeInstruction(rangeExpr string, changed []string, sinkPath string) string {
	preview := changed
	limit := c.Settings.ReviewFilePreviewLimit
	if limit > 0 && len(preview) > limit {
		preview = preview[:limit]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Please do an incremental code review of the commit range %s (%d files changed).\n", rangeExpr, len(changed))
	if len(preview) > 0 {
		fmt.Fprintf(&b, "Changed files include:\n")
		for _, file := range preview {
			fmt.Fprintf(&b, "  - %s\n", file)
		}
		if len(changed) > len(preview) {
			fmt.Fprintf(&b, "  ... and %d more\n", len(changed)-len(preview))
		}
	}
	fmt.Fprintf(&b, "Review the full range with git diff %s. ", rangeExpr)
	fmt.Fprintf(&b, "Write your findings to %s. ", sinkPath)
	fmt.Fprintf(&b, "If there are no issues, write exactly CLEAN and nothing else.")
	return b.String()
}

// finalize is phase two: parse the output, advance state, consume the
// trigger with the mv+rm discipline, and archive the result.
func (c *Consumer) finalize(trigger model.ReviewTrigger, windowKey string, path string, content string, phase model.TriggerPhase) {
	trimmed := strings.TrimSpace(content)
	now := c.now()

	if strings.EqualFold(trimmed, "CLEAN") {
		_ = c.Store.WriteInt(statestore.SinceReviewKey(windowKey), 0)
		if head, err := c.Git.Head(trigger.ProjectDir); err == nil {
			_ = c.Store.WriteScalar(statestore.LastReviewCommitKey(windowKey), head)
		}
		_ = c.Store.WriteInt64(statestore.LastReviewTsKey(windowKey), now.Unix())
		_ = c.Store.Remove(statestore.AutocheckIssuesKey(windowKey))
		_ = c.Store.WriteInt(statestore.NudgeAttemptsKey(windowKey), 0)
		_ = c.Store.Remove(statestore.AlertStalledKey(windowKey))
		_ = c.Store.WriteScalar("last-review-clean-"+windowKey, "1")
		c.Log.Info("review_clean", zap.String("window", trigger.Window))
	} else {
		preview := firstNonEmptyLine(trimmed)
		_ = c.Store.WriteScalar(statestore.AutocheckIssuesKey(windowKey), "review: "+preview)
		_ = c.Store.WriteInt(statestore.SinceReviewKey(windowKey), 0)
		_ = c.Store.WriteInt64(statestore.LastReviewTsKey(windowKey), now.Unix())
		_ = c.Store.WriteScalar("last-review-clean-"+windowKey, "0")
		c.Log.Info("review_issues",
			zap.String("window", trigger.Window),
			zap.String("preview", preview))
		c.Notify(fmt.Sprintf("🔍 %s review found issues: %s", trigger.Window, preview))
	}

	// mv then rm: a concurrent consumer can never parse the same trigger.
	// Only the parsed → done transition may consume it.
	if _, ok := c.advance(trigger.Window, windowKey, phase, model.TriggerPhaseDone); !ok {
		return
	}
	done := path + ".done"
	if err := os.Rename(path, done); err != nil {
		c.Log.Warn("trigger rename failed", zap.String("path", path), zap.Error(err))
		return
	}
	_ = os.Remove(done)

	c.archive(windowKey, now, trimmed)
	_ = c.Store.Remove(statestore.ReviewOutputKey(windowKey))
}

// archive appends the result under review-history with an HH-MM-SS suffix so
// same-day reviews never overwrite each other.
func (c *Consumer) archive(windowKey string, now time.Time, content string) {
	name := fmt.Sprintf("%s-%s-%s.txt", windowKey, now.Format("20060102"), now.Format("15-04-05"))
	path := filepath.Join(c.Store.StateDir(), "review-history", name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return
	}
	_ = os.WriteFile(path, []byte(content+"\n"), 0o644)
}
