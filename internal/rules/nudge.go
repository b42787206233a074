package rules

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"autopilot/internal/config"
	"autopilot/internal/gitx"
	"autopilot/internal/model"
	"autopilot/internal/statestore"
	"autopilot/internal/taskqueue"
)

// buildNudgeContext gathers the per-tick template variables.
func (e *Engine) buildNudgeContext(in Input, windowKey string) model.NudgeContext {
	nudgeCtx := model.NudgeContext{
		Window: in.Project.Window,
		Phase:  readProjectPhase(in.Project.Dir),
	}

	queue := taskqueue.ForProject(in.Project.Dir)
	nudgeCtx.PRDRemaining = queue.Count()
	if current, ok := queue.InProgress(); ok {
		nudgeCtx.QueueItem = current
	} else if next, ok := queue.Next(); ok {
		nudgeCtx.QueueItem = next
	}

	snap := e.Store.ReadSnapshot(windowKey)
	nudgeCtx.LastCommit = snap.CommitMsg
	nudgeCtx.LastCommitType = gitx.CommitTypePrefix(snap.CommitMsg)
	if subjects, err := e.Git.RecentSubjects(in.Project.Dir, 10); err == nil {
		nudgeCtx.FeatStreak = featStreak(subjects)
		if nudgeCtx.LastCommit == "" && len(subjects) > 0 {
			nudgeCtx.LastCommit = subjects[0]
			nudgeCtx.LastCommitType = gitx.CommitTypePrefix(subjects[0])
		}
	}

	var issues []string
	if text, ok := e.Store.ReadScalar(statestore.AutocheckIssuesKey(windowKey)); ok && text != "" {
		issues = append(issues, "Checks flagged: "+text)
	}
	if text, ok := e.Store.ReadScalar(statestore.PRDIssuesKey(windowKey)); ok && text != "" {
		issues = append(issues, "PRD verify flagged: "+text)
	}
	nudgeCtx.PendingIssues = strings.Join(issues, " ")

	if note, ok := e.Store.ReadScalar(statestore.PreCompactKey(windowKey)); ok {
		nudgeCtx.PostCompactNote = note
	}
	return nudgeCtx
}

// readProjectPhase reads the dev/review/test/deploy phase from the project's
// own status.json, defaulting to dev.
func readProjectPhase(projectDir string) string {
	b, err := os.ReadFile(filepath.Join(projectDir, "status.json"))
	if err != nil {
		return "dev"
	}
	var status struct {
		Phase string `json:"phase"`
	}
	if json.Unmarshal(b, &status) != nil || strings.TrimSpace(status.Phase) == "" {
		return "dev"
	}
	return status.Phase
}

// featStreak counts consecutive feat commits from the newest backwards.
func featStreak(subjects []string) int {
	streak := 0
	for _, subject := range subjects {
		if gitx.CommitTypePrefix(subject) != "feat" {
			break
		}
		streak++
	}
	return streak
}

func (e *Engine) renderNudge(rule config.RuleSpec, in Input, nudgeCtx model.NudgeContext) string {
	template := ""
	if rule.Template != "" {
		template = e.Set.Templates[rule.Template]
	}
	if template == "" {
		if in.Project.DefaultNudge != "" {
			return in.Project.DefaultNudge
		}
		return "Please continue with the next task."
	}
	defaultNudge := in.Project.DefaultNudge
	if defaultNudge == "" {
		defaultNudge = "Keep going."
	}
	replacer := strings.NewReplacer(
		"{{window}}", nudgeCtx.Window,
		"{{default_nudge}}", defaultNudge,
		"{{phase}}", nudgeCtx.Phase,
		"{{prd_remaining}}", strconv.Itoa(nudgeCtx.PRDRemaining),
		"{{last_commit}}", nudgeCtx.LastCommit,
		"{{last_commit_type}}", nudgeCtx.LastCommitType,
		"{{feat_streak}}", strconv.Itoa(nudgeCtx.FeatStreak),
		"{{pending_issues}}", nudgeCtx.PendingIssues,
		"{{post_compact_note}}", nudgeCtx.PostCompactNote,
		"{{queue_item}}", nudgeCtx.QueueItem,
	)
	rendered := replacer.Replace(template)
	// Collapse doubled spaces left by empty variables.
	for strings.Contains(rendered, "  ") {
		rendered = strings.ReplaceAll(rendered, "  ", " ")
	}
	return strings.TrimSpace(rendered)
}
