package rules

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"autopilot/internal/config"
	"autopilot/internal/model"
	"autopilot/internal/statestore"
	"autopilot/internal/taskqueue"
)

func (e *Engine) execute(ctx context.Context, rule config.RuleSpec, in Input, windowKey string) (bool, error) {
	switch model.ActionKind(rule.Action) {
	case model.ActionApprovePermission:
		return e.actionApprovePermission(ctx, in, windowKey)
	case model.ActionSendNudge:
		return e.actionSendNudge(ctx, rule, in, windowKey)
	case model.ActionSendCompact:
		return e.actionSendCompact(ctx, in, windowKey)
	case model.ActionResumeShell:
		return e.actionResumeShell(in, windowKey)
	case model.ActionWriteReviewTrigger:
		return e.actionWriteReviewTrigger(in, windowKey)
	}
	return false, fmt.Errorf("unknown action %q", rule.Action)
}

// actionApprovePermission re-checks that the dialog is still on screen, then
// sends the permanent-approval keystroke.
func (e *Engine) actionApprovePermission(ctx context.Context, in Input, windowKey string) (bool, error) {
	if e.Recheck != nil {
		current := e.Recheck(ctx, in.Project.Window)
		if !current.Status.Permission() {
			e.Log.Info("permission dialog gone before approval",
				zap.String("window", in.Project.Window),
				zap.String("status", string(current.Status)))
			return false, nil
		}
	}
	if err := e.Inject(ctx, in.Project.Window, "p"); err != nil {
		return false, err
	}
	if err := e.Store.Touch(statestore.CooldownKey("permission", windowKey)); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) actionSendNudge(ctx context.Context, rule config.RuleSpec, in Input, windowKey string) (bool, error) {
	nudgeCtx := e.buildNudgeContext(in, windowKey)
	message := e.renderNudge(rule, in, nudgeCtx)

	if err := e.Inject(ctx, in.Project.Window, message); err != nil {
		// A failed send earns no cooldown and no attempt credit; the rule
		// retries next tick under its normal guards.
		failures := e.Store.ReadInt(statestore.SendFailuresKey(windowKey), 0) + 1
		_ = e.Store.WriteInt(statestore.SendFailuresKey(windowKey), failures)
		return false, err
	}

	_ = e.Store.Remove(statestore.SendFailuresKey(windowKey))
	if err := e.Store.Touch(statestore.CooldownKey("nudge", windowKey)); err != nil {
		return false, err
	}
	attempts := e.Store.ReadInt(statestore.NudgeAttemptsKey(windowKey), 0)
	if err := e.Store.WriteInt(statestore.NudgeAttemptsKey(windowKey), attempts+1); err != nil {
		return false, err
	}
	_ = e.Store.IncrementDailySends(windowKey, e.now())
	_ = e.Store.WriteScalar("last-nudge-"+windowKey, message)

	if rule.Match.PostCompact {
		_ = e.Store.Remove(statestore.PostCompactKey(windowKey))
		_ = e.Store.Remove(statestore.WasLowContextKey(windowKey))
		_ = e.Store.Remove(statestore.PreCompactKey(windowKey))
	}
	if e.StartAck != nil {
		e.StartAck(in.Project)
	}
	return true, nil
}

// actionSendCompact snapshots recoverable context before asking the
// assistant to shrink its own.
func (e *Engine) actionSendCompact(ctx context.Context, in Input, windowKey string) (bool, error) {
	snapshot := e.buildPreCompactSnapshot(in, windowKey)
	if err := e.Store.WriteScalar(statestore.PreCompactKey(windowKey), snapshot); err != nil {
		return false, err
	}

	if err := e.Inject(ctx, in.Project.Window, "/compact"); err != nil {
		return false, err
	}

	_ = e.Store.Touch(statestore.WasLowContextKey(windowKey))
	_ = e.Store.Touch(statestore.CompactSentKey(windowKey))
	if err := e.Store.Touch(statestore.CooldownKey("compact", windowKey)); err != nil {
		return false, err
	}
	return true, nil
}

// buildPreCompactSnapshot collects what a recovery nudge will need, as
// key=value lines.
func (e *Engine) buildPreCompactSnapshot(in Input, windowKey string) string {
	var b strings.Builder
	if files, err := e.Git.UncommittedFiles(in.Project.Dir); err == nil && len(files) > 0 {
		fmt.Fprintf(&b, "uncommitted=%s\n", strings.Join(files, ","))
	}
	if subjects, err := e.Git.RecentSubjects(in.Project.Dir, 3); err == nil && len(subjects) > 0 {
		fmt.Fprintf(&b, "recent_commits=%s\n", strings.Join(subjects, "; "))
	}
	if current, ok := taskqueue.ForProject(in.Project.Dir).InProgress(); ok {
		fmt.Fprintf(&b, "current_task=%s\n", current)
	}
	if lastNudge, ok := e.Store.ReadScalar("last-nudge-" + windowKey); ok {
		fmt.Fprintf(&b, "last_nudge=%s\n", firstLine(lastNudge))
	}
	if b.Len() == 0 {
		return "empty=1"
	}
	return strings.TrimRight(b.String(), "\n")
}

// actionResumeShell relaunches the assistant in a pane that fell back to a
// shell. This is the one action that writes into a shell on purpose, so it
// bypasses the injector's assistant check and uses the raw send path.
func (e *Engine) actionResumeShell(in Input, windowKey string) (bool, error) {
	command := fmt.Sprintf("cd %s && %s", shellQuote(in.Project.Dir), e.assistantCommand())
	if err := e.SendRaw(in.Project.Window, command); err != nil {
		return false, err
	}
	if err := e.Store.Touch(statestore.CooldownKey("shell", windowKey)); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) assistantCommand() string {
	if cmd := strings.TrimSpace(e.Settings.AssistantCommand); cmd != "" {
		return cmd
	}
	return "codex"
}

// actionWriteReviewTrigger emits the trigger; the since-review counter is
// only reset by the consumer once a review output is actually parsed.
func (e *Engine) actionWriteReviewTrigger(in Input, windowKey string) (bool, error) {
	trigger := model.ReviewTrigger{ProjectDir: in.Project.Dir, Window: in.Project.Window}
	if err := e.Store.WriteTrigger(windowKey, trigger); err != nil {
		return false, err
	}
	if err := e.Store.WriteScalar(statestore.TriggerPhaseKey(windowKey), string(model.TriggerPhaseEmitted)); err != nil {
		return false, err
	}
	if err := e.Store.Touch(statestore.CooldownKey("review", windowKey)); err != nil {
		return false, err
	}
	return true, nil
}

func shellQuote(value string) string {
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}

func firstLine(value string) string {
	line, _, _ := strings.Cut(value, "\n")
	return line
}
