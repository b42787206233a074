package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"autopilot/internal/model"
)

// RuleSet is the ordered rule list plus the nudge templates it references.
type RuleSet struct {
	Rules     []RuleSpec        `yaml:"rules"`
	Templates map[string]string `yaml:"templates"`
}

type RuleSpec struct {
	Name     string      `yaml:"name"`
	Match    MatchSpec   `yaml:"match"`
	Guards   []GuardSpec `yaml:"guards"`
	Action   string      `yaml:"action"`
	Template string      `yaml:"template,omitempty"`
}

// MatchSpec is the predicate side of a rule. Empty statuses match any state.
type MatchSpec struct {
	Statuses    []string `yaml:"statuses,omitempty"`
	PostCompact bool     `yaml:"post_compact,omitempty"`
	ManualBlock bool     `yaml:"manual_block,omitempty"`
}

type GuardSpec struct {
	Kind   string         `yaml:"kind"`
	Params map[string]int `yaml:"params,omitempty"`
	Key    string         `yaml:"key,omitempty"`
}

const (
	GuardManualTaskTTL       = "manual_task_ttl"
	GuardPRDDone             = "prd_done"
	GuardExponentialBackoff  = "exponential_backoff"
	GuardFixedCooldown       = "fixed_cooldown"
	GuardWorkingInertia      = "working_inertia"
	GuardIdleConfirmations   = "idle_confirmations"
	GuardLowContextThreshold = "low_context_threshold"
	GuardWeeklyLimitLow      = "weekly_limit_low"
	GuardDailyBudget         = "daily_budget"
	GuardReviewDue           = "review_due"
)

// ActionNone is the explicit do-nothing action used by the safe last rules.
const ActionNone = "none"

var validActions = map[string]bool{
	string(model.ActionApprovePermission):  true,
	string(model.ActionSendNudge):          true,
	string(model.ActionSendCompact):        true,
	string(model.ActionResumeShell):        true,
	string(model.ActionWriteReviewTrigger): true,
	ActionNone:                             true,
}

// requiredGuardParams lists the parameters each guard kind must carry.
var requiredGuardParams = map[string][]string{
	GuardManualTaskTTL:       {"ttl_seconds"},
	GuardPRDDone:             {},
	GuardExponentialBackoff:  {"base_seconds", "max_retries"},
	GuardFixedCooldown:       {"seconds"},
	GuardWorkingInertia:      {"window_seconds"},
	GuardIdleConfirmations:   {"count"},
	GuardLowContextThreshold: {"pct"},
	GuardWeeklyLimitLow:      {"pct"},
	GuardDailyBudget:         {"cap"},
	GuardReviewDue:           {"commit_threshold", "max_age_seconds"},
}

var validStatuses = map[string]bool{
	string(model.StatusWorking):            true,
	string(model.StatusIdle):               true,
	string(model.StatusIdleLowContext):     true,
	string(model.StatusPermission):         true,
	string(model.StatusPermissionRemember): true,
	string(model.StatusShell):              true,
	string(model.StatusAbsent):             true,
}

// DefaultRuleSet is the compiled-in rule list, evaluated in order; the
// trailing no-op rules keep the engine total over every state.
func DefaultRuleSet(settings Settings) RuleSet {
	return RuleSet{
		Templates: map[string]string{
			"idle_nudge": strings.TrimSpace(`
{{default_nudge}} Current phase: {{phase}}. {{pending_issues}}
Last commit: {{last_commit}}. {{queue_item}} Please continue with the next task.`),
			"post_compact_recovery": strings.TrimSpace(`
Context was compacted. Before the compaction you were working on:
{{post_compact_note}}
Uncommitted work and the task queue are unchanged. Please resume where you left off.`),
		},
		Rules: []RuleSpec{
			{
				Name:  "approve-permission",
				Match: MatchSpec{Statuses: []string{string(model.StatusPermission), string(model.StatusPermissionRemember)}},
				Guards: []GuardSpec{
					{Kind: GuardFixedCooldown, Key: "permission", Params: map[string]int{"seconds": settings.PermissionCooldownSecs}},
				},
				Action: string(model.ActionApprovePermission),
			},
			{
				Name:  "resume-shell",
				Match: MatchSpec{Statuses: []string{string(model.StatusShell)}},
				Guards: []GuardSpec{
					{Kind: GuardFixedCooldown, Key: "shell", Params: map[string]int{"seconds": settings.ShellCooldownSeconds}},
				},
				Action: string(model.ActionResumeShell),
			},
			{
				Name:  "send-compact",
				Match: MatchSpec{Statuses: []string{string(model.StatusIdleLowContext)}},
				Guards: []GuardSpec{
					{Kind: GuardLowContextThreshold, Params: map[string]int{"pct": settings.LowContextThreshold}},
					{Kind: GuardFixedCooldown, Key: "compact", Params: map[string]int{"seconds": settings.CompactCooldownSeconds}},
				},
				Action: string(model.ActionSendCompact),
			},
			{
				Name:  "review-trigger",
				Match: MatchSpec{Statuses: []string{string(model.StatusIdle)}},
				Guards: []GuardSpec{
					{Kind: GuardReviewDue, Params: map[string]int{
						"commit_threshold": settings.ReviewCommitThreshold,
						"max_age_seconds":  settings.ReviewMaxAgeSeconds,
					}},
					{Kind: GuardFixedCooldown, Key: "review", Params: map[string]int{"seconds": settings.ReviewCooldownSeconds}},
				},
				Action: string(model.ActionWriteReviewTrigger),
			},
			{
				Name:     "post-compact-recovery",
				Match:    MatchSpec{Statuses: []string{string(model.StatusIdle), string(model.StatusIdleLowContext)}, PostCompact: true},
				Template: "post_compact_recovery",
				Guards: []GuardSpec{
					{Kind: GuardManualTaskTTL, Params: map[string]int{"ttl_seconds": settings.ManualTaskTTLSeconds}},
					{Kind: GuardWorkingInertia, Params: map[string]int{"window_seconds": settings.WorkingInertiaSeconds}},
				},
				Action: string(model.ActionSendNudge),
			},
			{
				Name:     "idle-nudge",
				Match:    MatchSpec{Statuses: []string{string(model.StatusIdle), string(model.StatusIdleLowContext)}},
				Template: "idle_nudge",
				Guards: []GuardSpec{
					{Kind: GuardManualTaskTTL, Params: map[string]int{"ttl_seconds": settings.ManualTaskTTLSeconds}},
					{Kind: GuardWeeklyLimitLow, Params: map[string]int{"pct": settings.WeeklyLimitLowPct}},
					{Kind: GuardWorkingInertia, Params: map[string]int{"window_seconds": settings.WorkingInertiaSeconds}},
					{Kind: GuardIdleConfirmations, Params: map[string]int{"count": settings.IdleConfirmations}},
					{Kind: GuardPRDDone},
					{Kind: GuardDailyBudget, Params: map[string]int{"cap": settings.DailySendCap}},
					{Kind: GuardExponentialBackoff, Params: map[string]int{
						"base_seconds": settings.NudgeBaseCooldownSeconds,
						"max_retries":  settings.NudgeMaxRetries,
					}},
				},
				Action: string(model.ActionSendNudge),
			},
			{
				Name:   "working-noop",
				Match:  MatchSpec{Statuses: []string{string(model.StatusWorking)}},
				Action: ActionNone,
			},
			{
				Name:   "absent-noop",
				Match:  MatchSpec{Statuses: []string{string(model.StatusAbsent)}},
				Action: ActionNone,
			},
		},
	}
}

// LoadRuleSet reads an operator rule file, falling back to the defaults when
// the file is absent. A present-but-invalid file is a fatal startup error.
func LoadRuleSet(path string, settings Settings) (RuleSet, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultRuleSet(settings), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultRuleSet(settings), nil
		}
		return RuleSet{}, fmt.Errorf("read rules %s: %w", path, err)
	}
	var set RuleSet
	if err := yaml.Unmarshal(b, &set); err != nil {
		return RuleSet{}, fmt.Errorf("parse rules %s: %w", path, err)
	}
	if err := ValidateRuleSet(set); err != nil {
		return RuleSet{}, fmt.Errorf("rules %s: %w", path, err)
	}
	return set, nil
}

// ValidateRuleSet enforces the startup contract: unique names, known
// actions, complete guard parameters, resolvable templates, and safe
// coverage of the absent and working states.
func ValidateRuleSet(set RuleSet) error {
	if len(set.Rules) == 0 {
		return fmt.Errorf("rule set is empty")
	}
	names := map[string]bool{}
	coversAbsent := false
	coversWorking := false
	for _, rule := range set.Rules {
		if strings.TrimSpace(rule.Name) == "" {
			return fmt.Errorf("rule with empty name")
		}
		if names[rule.Name] {
			return fmt.Errorf("duplicate rule name %q", rule.Name)
		}
		names[rule.Name] = true

		if !validActions[rule.Action] {
			return fmt.Errorf("rule %q: unknown action %q", rule.Name, rule.Action)
		}
		if rule.Template != "" {
			if _, found := set.Templates[rule.Template]; !found {
				return fmt.Errorf("rule %q: template %q is not defined", rule.Name, rule.Template)
			}
		}
		for _, status := range rule.Match.Statuses {
			if !validStatuses[status] {
				return fmt.Errorf("rule %q: unknown status %q", rule.Name, status)
			}
		}
		for _, guard := range rule.Guards {
			required, known := requiredGuardParams[guard.Kind]
			if !known {
				return fmt.Errorf("rule %q: unknown guard kind %q", rule.Name, guard.Kind)
			}
			for _, param := range required {
				if _, found := guard.Params[param]; !found {
					return fmt.Errorf("rule %q: guard %s missing parameter %q", rule.Name, guard.Kind, param)
				}
			}
			if guard.Kind == GuardFixedCooldown && strings.TrimSpace(guard.Key) == "" {
				return fmt.Errorf("rule %q: guard %s missing cooldown key", rule.Name, guard.Kind)
			}
		}

		if matchesStatus(rule.Match, model.StatusAbsent) {
			coversAbsent = true
		}
		if matchesStatus(rule.Match, model.StatusWorking) {
			coversWorking = true
		}
	}
	if !coversAbsent {
		return fmt.Errorf("no rule matches the absent state")
	}
	if !coversWorking {
		return fmt.Errorf("no rule matches the working state")
	}
	return nil
}

func matchesStatus(match MatchSpec, status model.Status) bool {
	if len(match.Statuses) == 0 {
		return true
	}
	for _, s := range match.Statuses {
		if s == string(status) {
			return true
		}
	}
	return false
}

// MatchesStatus is the runtime form used by the rule engine.
func (m MatchSpec) MatchesStatus(status model.Status) bool {
	return matchesStatus(m, status)
}
