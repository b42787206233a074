package rules

import (
	"context"
	"time"

	"go.uber.org/zap"

	"autopilot/internal/config"
	"autopilot/internal/gitx"
	"autopilot/internal/lockdir"
	"autopilot/internal/model"
	"autopilot/internal/notify"
	"autopilot/internal/statestore"
)

// Engine evaluates the ordered rule list for one project each tick and
// performs at most one action. The engine itself is stateless between calls;
// all durable state lives in the store.
type Engine struct {
	Settings config.Settings
	Set      config.RuleSet
	Store    *statestore.Store
	Locks    *lockdir.Manager
	Git      *gitx.Client
	Log      *zap.Logger
	Notify   notify.Func

	// Inject delivers text through the injector (assistant must be present).
	Inject func(ctx context.Context, window string, text string) error
	// SendRaw writes directly to the pane; only the resume-shell action uses
	// it, because there the pane intentionally holds a bare shell.
	SendRaw func(window string, text string) error
	// Recheck re-classifies a window immediately before irreversible sends.
	Recheck func(ctx context.Context, window string) model.Classification
	// StartAck launches the post-nudge acknowledgement watcher.
	StartAck func(project model.Project)

	Now func() time.Time
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Outcome reports what one evaluation did, for the decision trace and tests.
type Outcome struct {
	Rule     string
	Action   model.ActionKind
	Executed bool
	Skipped  string
}

type Input struct {
	Project        model.Project
	Classification model.Classification
}

const actionLockStale = 60 * time.Second

// Evaluate walks the rules in declaration order. The first rule whose match
// and full guard chain pass wins; its action runs under the per-window
// action lock and the evaluation stops.
func (e *Engine) Evaluate(ctx context.Context, in Input) Outcome {
	windowKey := in.Project.Key()

	for _, rule := range e.Set.Rules {
		if !rule.Match.MatchesStatus(in.Classification.Status) {
			continue
		}
		if rule.Match.PostCompact && !e.Store.Exists(statestore.PostCompactKey(windowKey)) {
			continue
		}
		if rule.Match.ManualBlock && in.Classification.ManualBlockReason == "" {
			continue
		}

		verdicts := make([]string, 0, len(rule.Guards))
		skip := ""
		for _, guard := range rule.Guards {
			pass, reason := e.evalGuard(guard, in, windowKey)
			if pass {
				verdicts = append(verdicts, guard.Kind+":pass")
				continue
			}
			verdicts = append(verdicts, guard.Kind+":skip")
			skip = reason
			break
		}
		if skip != "" {
			e.Log.Info("rule skipped",
				zap.String("window", in.Project.Window),
				zap.String("rule", rule.Name),
				zap.Strings("guards", verdicts),
				zap.String("reason", skip))
			continue
		}

		if rule.Action == config.ActionNone {
			e.Log.Info("rule matched no-op",
				zap.String("window", in.Project.Window),
				zap.String("rule", rule.Name),
				zap.Strings("guards", verdicts))
			return Outcome{Rule: rule.Name}
		}

		acquired, err := e.Locks.Acquire(windowKey, actionLockStale)
		if err != nil {
			e.Log.Warn("action lock error",
				zap.String("window", in.Project.Window),
				zap.Error(err))
			return Outcome{Rule: rule.Name, Skipped: "lock_error"}
		}
		if !acquired {
			e.Log.Info("rule skipped",
				zap.String("window", in.Project.Window),
				zap.String("rule", rule.Name),
				zap.String("reason", "locked"))
			return Outcome{Rule: rule.Name, Skipped: "locked"}
		}

		executed, execErr := e.execute(ctx, rule, in, windowKey)
		_ = e.Locks.Release(windowKey)

		if execErr != nil {
			e.Log.Warn("action failed",
				zap.String("window", in.Project.Window),
				zap.String("rule", rule.Name),
				zap.String("action", rule.Action),
				zap.Error(execErr))
			_ = e.Store.AppendHistory(model.HistoryEntry{
				Timestamp: e.now(),
				Window:    in.Project.Window,
				Action:    model.ActionKind(rule.Action),
				Rule:      rule.Name,
				Success:   false,
				ErrorText: execErr.Error(),
			})
			return Outcome{Rule: rule.Name, Action: model.ActionKind(rule.Action)}
		}
		if !executed {
			// Preconditions evaporated between match and execution (the
			// permission dialog closed, the pane went busy). Not an error.
			return Outcome{Rule: rule.Name, Skipped: "precondition_gone"}
		}

		e.Log.Info("action performed",
			zap.String("window", in.Project.Window),
			zap.String("rule", rule.Name),
			zap.String("action", rule.Action),
			zap.Strings("guards", verdicts))
		_ = e.Store.AppendHistory(model.HistoryEntry{
			Timestamp: e.now(),
			Window:    in.Project.Window,
			Action:    model.ActionKind(rule.Action),
			Rule:      rule.Name,
			Success:   true,
		})
		return Outcome{Rule: rule.Name, Action: model.ActionKind(rule.Action), Executed: true}
	}

	e.Log.Info("no rule matched", zap.String("window", in.Project.Window),
		zap.String("status", string(in.Classification.Status)))
	return Outcome{}
}
