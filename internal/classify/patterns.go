package classify

import "regexp"

// Patterns holds every TUI surface string the classifier matches. Assistant
// TUIs change wording between releases, so the whole set is loadable from
// config instead of being scattered across code paths.
type Patterns struct {
	ContextLeft     *regexp.Regexp
	WeeklyLimit     *regexp.Regexp
	ManualBlock     *regexp.Regexp
	EscToInterrupt  string
	PromptGlyphs    []string
	PermissionCues  []string
	RememberCues    []string
	BusyMarkers     []string
	SpecialActivity []string
	IrregularVerbs  []string
	TUIMarkers      []string
}

func DefaultPatterns() Patterns {
	return Patterns{
		ContextLeft:    regexp.MustCompile(`(\d{1,3})%\s+context\s+left`),
		WeeklyLimit:    regexp.MustCompile(`(?i)(?:weekly limit|usage|quota)\D{0,20}(\d{1,3})%`),
		ManualBlock:    regexp.MustCompile(`(?i)(certificate|signing|manual|BLOCKED)`),
		EscToInterrupt: "esc to interrupt",
		PromptGlyphs:   []string{"›", "❯", "▌"},
		PermissionCues: []string{
			"Yes, proceed",
			"Press enter to confirm",
			"Allow once",
			"Esc to cancel",
		},
		RememberCues: []string{
			"don't ask again",
			"Allow always",
		},
		BusyMarkers: []string{
			"esc to interrupt",
			"Working",
			"Thinking",
			"Compacting",
		},
		SpecialActivity: []string{
			"Context compacted",
			"Waiting for background",
			"Compacting context",
		},
		IrregularVerbs: []string{
			"ran", "read", "wrote", "built", "made", "found", "got",
			"took", "sent", "kept", "left", "set", "put", "cut",
			"thinking", "running", "searching",
		},
		TUIMarkers: []string{
			"context left",
			"esc to interrupt",
		},
	}
}

var bulletPrefixes = []string{"•", "·", "▪", "◦", "●", "*", "-"}

var verbSuffixes = []string{"ing", "ote", "ed", "te", "d"}
