package rules

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"autopilot/internal/config"
	"autopilot/internal/statestore"
	"autopilot/internal/taskqueue"
)

// evalGuard returns (pass, skipReason). Guards may carry side effects: the
// ttl guard deletes aged-out flags, the confirmation guard advances its
// probe counter, and the backoff guard emits the one-shot stall alert.
func (e *Engine) evalGuard(guard config.GuardSpec, in Input, windowKey string) (bool, string) {
	switch guard.Kind {
	case config.GuardManualTaskTTL:
		return e.guardManualTaskTTL(windowKey, guard.Params["ttl_seconds"])
	case config.GuardPRDDone:
		return e.guardPRDDone(in, windowKey)
	case config.GuardExponentialBackoff:
		return e.guardExponentialBackoff(in, windowKey, guard.Params["base_seconds"], guard.Params["max_retries"])
	case config.GuardFixedCooldown:
		return e.guardFixedCooldown(windowKey, guard.Key, guard.Params["seconds"])
	case config.GuardWorkingInertia:
		return e.guardWorkingInertia(windowKey, guard.Params["window_seconds"])
	case config.GuardIdleConfirmations:
		return e.guardIdleConfirmations(windowKey, guard.Params["count"])
	case config.GuardLowContextThreshold:
		if pct := in.Classification.ContextNum; pct >= 1 && pct <= guard.Params["pct"] {
			return true, ""
		}
		return false, "context_above_threshold"
	case config.GuardWeeklyLimitLow:
		if pct := in.Classification.WeeklyLimitPct; pct >= 0 && pct <= guard.Params["pct"] {
			return false, "weekly_limit_low"
		}
		return true, ""
	case config.GuardDailyBudget:
		if e.Store.DailySends(windowKey, e.now()) >= guard.Params["cap"] {
			return false, "daily_budget_exhausted"
		}
		return true, ""
	case config.GuardReviewDue:
		return e.guardReviewDue(windowKey, guard.Params["commit_threshold"], guard.Params["max_age_seconds"])
	}
	return false, "unknown_guard"
}

func (e *Engine) guardManualTaskTTL(windowKey string, ttlSeconds int) (bool, string) {
	key := statestore.ManualTaskKey(windowKey)
	age, exists := e.Store.FileAge(key)
	if !exists {
		return true, ""
	}
	if age < int64(ttlSeconds) {
		return false, "manual_task_ttl"
	}
	_ = e.Store.Remove(key)
	return true, ""
}

// guardPRDDone skips only when the project is genuinely finished: nothing in
// the TODO queue, no pending check issues, and a clean latest review.
func (e *Engine) guardPRDDone(in Input, windowKey string) (bool, string) {
	queue := taskqueue.ForProject(in.Project.Dir)
	if queue.Count() > 0 {
		return true, ""
	}
	if e.Store.Exists(statestore.AutocheckIssuesKey(windowKey)) {
		return true, ""
	}
	if e.Store.Exists(statestore.PRDIssuesKey(windowKey)) {
		return true, ""
	}
	clean, _ := e.Store.ReadScalar("last-review-clean-" + windowKey)
	if clean != "1" {
		return true, ""
	}
	return false, "prd_done"
}

func (e *Engine) guardExponentialBackoff(in Input, windowKey string, baseSeconds int, maxRetries int) (bool, string) {
	attempts := e.Store.ReadInt(statestore.NudgeAttemptsKey(windowKey), 0)
	if attempts >= maxRetries {
		e.emitStallAlert(in, windowKey, attempts)
		return false, "max_retries_exceeded"
	}
	effective := EffectiveCooldown(time.Duration(baseSeconds)*time.Second, attempts)
	age, exists := e.Store.FileAge(statestore.CooldownKey("nudge", windowKey))
	if exists && age < int64(effective.Seconds()) {
		return false, fmt.Sprintf("backoff_%ds", int(effective.Seconds()))
	}
	return true, ""
}

// EffectiveCooldown doubles the base per attempt, clamped at 2^5.
func EffectiveCooldown(base time.Duration, attempts int) time.Duration {
	if attempts > 5 {
		attempts = 5
	}
	return base * time.Duration(1<<attempts)
}

// emitStallAlert notifies the operator once per stall episode. The flag is
// cleared when a new commit or a clean review resets the attempt counter.
func (e *Engine) emitStallAlert(in Input, windowKey string, attempts int) {
	key := statestore.AlertStalledKey(windowKey)
	if e.Store.Exists(key) {
		return
	}
	if err := e.Store.Touch(key); err != nil {
		e.Log.Warn("stall flag write failed", zap.String("window", in.Project.Window), zap.Error(err))
		return
	}
	e.Notify(fmt.Sprintf("⚠️ %s stalled: %d nudges without acknowledgement", in.Project.Window, attempts))
	e.Log.Warn("stall alert emitted",
		zap.String("window", in.Project.Window),
		zap.Int("attempts", attempts))
}

func (e *Engine) guardFixedCooldown(windowKey string, key string, seconds int) (bool, string) {
	age, exists := e.Store.FileAge(statestore.CooldownKey(key, windowKey))
	if exists && age < int64(seconds) {
		return false, "cooldown_" + key
	}
	return true, ""
}

func (e *Engine) guardWorkingInertia(windowKey string, windowSeconds int) (bool, string) {
	lastActivity := e.Store.ReadInt64(statestore.ActivityKey(windowKey), 0)
	if lastActivity == 0 {
		return true, ""
	}
	if e.now().Unix()-lastActivity < int64(windowSeconds) {
		// Still inside the inertia window: the idle streak starts over.
		_ = e.Store.WriteInt(statestore.IdleProbeKey(windowKey), 0)
		return false, "working_inertia"
	}
	return true, ""
}

func (e *Engine) guardIdleConfirmations(windowKey string, count int) (bool, string) {
	probeKey := statestore.IdleProbeKey(windowKey)
	probe := e.Store.ReadInt(probeKey, 0) + 1
	if err := e.Store.WriteInt(probeKey, probe); err != nil {
		return false, "probe_write_failed"
	}
	if probe >= count {
		_ = e.Store.WriteInt(probeKey, 0)
		return true, ""
	}
	return false, fmt.Sprintf("idle_probe_%d_of_%d", probe, count)
}

// guardReviewDue passes when enough commits accumulated (or enough time
// passed with any commits) and no review is currently in flight.
func (e *Engine) guardReviewDue(windowKey string, commitThreshold int, maxAgeSeconds int) (bool, string) {
	if age, exists := e.Store.FileAge(statestore.ReviewInProgressKey(windowKey)); exists {
		if age < int64(e.Settings.ReviewInProgressSecs) {
			return false, "review_in_progress"
		}
		_ = e.Store.Remove(statestore.ReviewInProgressKey(windowKey))
	}
	since := e.Store.ReadInt(statestore.SinceReviewKey(windowKey), 0)
	if since <= 0 {
		return false, "no_new_commits"
	}
	if since >= commitThreshold {
		return true, ""
	}
	lastReview := e.Store.ReadInt64(statestore.LastReviewTsKey(windowKey), 0)
	if e.now().Unix()-lastReview >= int64(maxAgeSeconds) {
		return true, ""
	}
	return false, "below_review_threshold"
}
