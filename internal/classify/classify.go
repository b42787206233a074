package classify

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"autopilot/internal/model"
	"autopilot/internal/proctree"
	"autopilot/internal/tmuxctl"
)

const (
	captureLines               = 25
	DefaultLowContextThreshold = 25
)

// Classifier produces one observation per window per tick. It is pure with
// respect to its inputs and performs no writes.
type Classifier struct {
	Tmux                *tmuxctl.Client
	Patterns            Patterns
	LowContextThreshold int
	ListProcesses       proctree.ListFunc
}

func New(tmux *tmuxctl.Client) *Classifier {
	return &Classifier{
		Tmux:                tmux,
		Patterns:            DefaultPatterns(),
		LowContextThreshold: DefaultLowContextThreshold,
		ListProcesses:       proctree.ListProcesses,
	}
}

func (c *Classifier) Classify(ctx context.Context, window string) model.Classification {
	if !c.Tmux.HasSession() || !c.Tmux.HasWindow(window) {
		return model.Classification{Status: model.StatusAbsent, ContextNum: -1, WeeklyLimitPct: -1}
	}

	capture, err := c.Tmux.CapturePane(window, captureLines)
	if err != nil {
		return model.Classification{Status: model.StatusAbsent, ContextNum: -1, WeeklyLimitPct: -1}
	}

	alive := c.assistantAlive(ctx, window, capture)
	return c.ClassifyCapture(capture, alive)
}

// AssistantAlive reports whether the assistant process is reachable in the
// window; the injector uses it as its pre-send refusal check.
func (c *Classifier) AssistantAlive(ctx context.Context, window string, capture string) bool {
	return c.assistantAlive(ctx, window, capture)
}

// PromptLine extracts the prompt-glyph line used for change detection.
func (c *Classifier) PromptLine(capture string) string {
	return lastPromptLine(capture, c.Patterns.PromptGlyphs)
}

// assistantAlive prefers the process-tree walk; the pane's current command is
// always the root shell, so pane text is only a fallback when the walk is
// inconclusive.
func (c *Classifier) assistantAlive(ctx context.Context, window string, capture string) bool {
	panePID, err := c.Tmux.PanePID(window)
	if err == nil && panePID > 0 {
		procs, listErr := c.ListProcesses(ctx)
		if listErr == nil {
			if _, found := proctree.FindAssistant(procs, panePID); found {
				return true
			}
			// A complete walk with no hit is authoritative only when the pane
			// also lacks TUI markers; a sparse screen right after compaction
			// must not read as a shell.
		}
	}
	return c.paneLooksLikeTUI(capture)
}

func (c *Classifier) paneLooksLikeTUI(capture string) bool {
	lower := strings.ToLower(capture)
	for _, marker := range c.Patterns.TUIMarkers {
		if strings.Contains(lower, strings.ToLower(marker)) {
			return true
		}
	}
	for _, line := range tailLines(capture, 6) {
		trimmed := strings.TrimSpace(line)
		for _, glyph := range c.Patterns.PromptGlyphs {
			if strings.HasPrefix(trimmed, glyph) {
				return true
			}
		}
	}
	return false
}

// ClassifyCapture is the pure classification core: the same capture plus the
// same liveness verdict always yields the same result.
func (c *Classifier) ClassifyCapture(capture string, assistantAlive bool) model.Classification {
	result := model.Classification{
		ContextNum:     extractLastPercent(c.Patterns.ContextLeft, capture),
		WeeklyLimitPct: extractLastPercent(c.Patterns.WeeklyLimit, capture),
	}
	if c.Patterns.ManualBlock != nil {
		if m := c.Patterns.ManualBlock.FindString(capture); m != "" {
			result.ManualBlockReason = m
		}
	}

	if !assistantAlive {
		result.Status = model.StatusShell
		return result
	}

	lower := strings.ToLower(capture)
	if strings.Contains(lower, strings.ToLower(c.Patterns.EscToInterrupt)) {
		result.Status = model.StatusWorking
		result.LastActivity = lastActivitySnippet(capture)
		return result
	}

	region := c.activityRegion(capture)
	if line, working := c.findWorkingLine(region); working {
		result.Status = model.StatusWorking
		result.LastActivity = line
		return result
	}

	if c.containsAny(region, c.Patterns.PermissionCues) {
		if c.containsAny(region, c.Patterns.RememberCues) {
			result.Status = model.StatusPermissionRemember
		} else {
			result.Status = model.StatusPermission
		}
		return result
	}

	threshold := c.LowContextThreshold
	if threshold <= 0 {
		threshold = DefaultLowContextThreshold
	}
	if result.ContextNum >= 1 && result.ContextNum <= threshold {
		result.Status = model.StatusIdleLowContext
		return result
	}

	result.Status = model.StatusIdle
	result.LastActivity = lastPromptLine(capture, c.Patterns.PromptGlyphs)
	return result
}

// activityRegion drops the bottom bar (the topmost prompt-glyph line within
// the last six lines, and everything below it) so idle-state chrome is never
// mistaken for output.
func (c *Classifier) activityRegion(capture string) []string {
	lines := strings.Split(capture, "\n")
	cut := len(lines)
	for i := len(lines) - 1; i >= 0 && i >= len(lines)-6; i-- {
		trimmed := strings.TrimSpace(lines[i])
		for _, glyph := range c.Patterns.PromptGlyphs {
			if strings.HasPrefix(trimmed, glyph) {
				cut = i
			}
		}
	}
	return lines[:cut]
}

func (c *Classifier) findWorkingLine(region []string) (string, bool) {
	for i, line := range region {
		trimmed := strings.TrimSpace(line)
		for _, phrase := range c.Patterns.SpecialActivity {
			if strings.Contains(trimmed, phrase) {
				return trimmed, true
			}
		}
		word, isBullet := bulletWord(trimmed)
		if !isBullet {
			continue
		}
		if c.isVerb(word) {
			return trimmed, true
		}
		// A bare word like "Thinking..." with a tree child on the next line
		// is the animated-output shape; treat it as activity.
		if word != "" && i+1 < len(region) && strings.Contains(region[i+1], "└") {
			return trimmed, true
		}
	}
	return "", false
}

func bulletWord(line string) (string, bool) {
	for _, bullet := range bulletPrefixes {
		if !strings.HasPrefix(line, bullet) {
			continue
		}
		rest := strings.TrimSpace(strings.TrimPrefix(line, bullet))
		if rest == "" {
			return "", true
		}
		word := strings.Fields(rest)[0]
		return strings.Trim(strings.ToLower(word), ".…:,"), true
	}
	return "", false
}

func (c *Classifier) isVerb(word string) bool {
	if word == "" {
		return false
	}
	for _, irregular := range c.Patterns.IrregularVerbs {
		if word == irregular {
			return true
		}
	}
	if len(word) < 4 {
		return false
	}
	for _, suffix := range verbSuffixes {
		if strings.HasSuffix(word, suffix) {
			return true
		}
	}
	return false
}

func (c *Classifier) containsAny(region []string, cues []string) bool {
	for _, line := range region {
		for _, cue := range cues {
			if strings.Contains(line, cue) {
				return true
			}
		}
	}
	return false
}

// extractLastPercent takes the last occurrence: the newest value is at the
// bottom of a scrolling pane.
func extractLastPercent(pattern *regexp.Regexp, capture string) int {
	if pattern == nil {
		return -1
	}
	matches := pattern.FindAllStringSubmatch(capture, -1)
	if len(matches) == 0 {
		return -1
	}
	last := matches[len(matches)-1]
	if len(last) < 2 {
		return -1
	}
	n, err := strconv.Atoi(last[1])
	if err != nil || n < 0 || n > 100 {
		return -1
	}
	return n
}

func lastActivitySnippet(capture string) string {
	for _, line := range reverseTail(capture) {
		trimmed := strings.TrimSpace(line)
		if _, isBullet := bulletWord(trimmed); isBullet && trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func lastPromptLine(capture string, glyphs []string) string {
	for _, line := range reverseTail(capture) {
		trimmed := strings.TrimSpace(line)
		for _, glyph := range glyphs {
			if strings.HasPrefix(trimmed, glyph) {
				return trimmed
			}
		}
	}
	return ""
}

func reverseTail(capture string) []string {
	lines := strings.Split(capture, "\n")
	out := make([]string, 0, len(lines))
	for i := len(lines) - 1; i >= 0; i-- {
		out = append(out, lines[i])
	}
	return out
}

func tailLines(capture string, n int) []string {
	lines := strings.Split(capture, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

// ExitCode maps a status to the classifier CLI contract.
func ExitCode(status model.Status) int {
	switch status {
	case model.StatusWorking:
		return 0
	case model.StatusShell:
		return 2
	case model.StatusAbsent:
		return 3
	default:
		return 1
	}
}

// IsBusyMarker reports whether the capture shows the TUI accepting work;
// shared with the injector's post-send verification.
func (c *Classifier) IsBusyMarker(capture string) bool {
	for _, marker := range c.Patterns.BusyMarkers {
		if strings.Contains(capture, marker) {
			return true
		}
	}
	return false
}
