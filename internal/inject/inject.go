package inject

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"autopilot/internal/lockdir"
	"autopilot/internal/model"
	"autopilot/internal/statestore"
	"autopilot/internal/tmuxctl"
)

type Reason string

const (
	ReasonNoSession    Reason = "no_session"
	ReasonNoWindow     Reason = "no_window"
	ReasonNoAssistant  Reason = "no_assistant"
	ReasonLockBusy     Reason = "lock_busy"
	ReasonVerifyFailed Reason = "verify_failed"
)

// Error is the injector's failure type; callers branch on Reason.
type Error struct {
	Reason Reason
	Window string
}

func (e *Error) Error() string {
	return fmt.Sprintf("inject into %s: %s", e.Window, e.Reason)
}

const (
	directThreshold  = 300
	chunkedThreshold = 800
	chunkSize        = 100
	chunkDelay       = 200 * time.Millisecond
	submitDelay      = 300 * time.Millisecond
	verifyFirstWait  = 500 * time.Millisecond
	verifySecondWait = 500 * time.Millisecond
	verifyPrefixLen  = 24
	sendLockStale    = 10 * time.Second
)

var bufferCounter atomic.Int64

// Injector delivers one logical message into a window's assistant input and
// verifies the TUI took it. The window is a single-writer resource: the
// per-window send lock serializes all senders, human helpers included.
type Injector struct {
	Tmux  *tmuxctl.Client
	Locks *lockdir.Manager
	Store *statestore.Store
	Log   *zap.Logger

	// AssistantAlive must confirm the assistant is in the pane subtree. An
	// injector that writes into a bare shell would execute whatever the
	// message happens to say.
	AssistantAlive func(ctx context.Context, window string, capture string) bool
	// BusyMarker reports whether a capture shows the TUI accepting work.
	BusyMarker func(capture string) bool
	// PromptLine extracts the prompt-glyph line used for change detection.
	PromptLine func(capture string) string

	Sleep func(time.Duration)
}

func (i *Injector) sleep(d time.Duration) {
	if i.Sleep != nil {
		i.Sleep(d)
		return
	}
	time.Sleep(d)
}

// Inject sends text and a submit keystroke, escalating through at most two
// strategies. On success it stamps the window's manual-task flag so the rule
// engine leaves the assistant alone for the grace window.
func (i *Injector) Inject(ctx context.Context, window string, text string) error {
	windowKey := model.SanitizeWindow(window)

	if !i.Tmux.HasSession() {
		return &Error{Reason: ReasonNoSession, Window: window}
	}
	if !i.Tmux.HasWindow(window) {
		return &Error{Reason: ReasonNoWindow, Window: window}
	}

	lockName := "tmux-send-" + windowKey
	acquired, err := i.Locks.Acquire(lockName, sendLockStale)
	if err != nil {
		return fmt.Errorf("injector lock: %w", err)
	}
	if !acquired {
		return &Error{Reason: ReasonLockBusy, Window: window}
	}
	defer func() {
		_ = i.Locks.Release(lockName)
	}()

	preCapture, _ := i.Tmux.CapturePane(window, captureTail)
	if !i.AssistantAlive(ctx, window, preCapture) {
		return &Error{Reason: ReasonNoAssistant, Window: window}
	}

	strategy := strategyFor(text)
	for attempt := 0; attempt < 2; attempt++ {
		if err := i.send(window, windowKey, text, strategy); err != nil {
			i.Log.Warn("inject send failed",
				zap.String("window", window),
				zap.Int("strategy", strategy),
				zap.Error(err))
			return &Error{Reason: ReasonVerifyFailed, Window: window}
		}
		if i.verify(window, text, preCapture) {
			if err := i.Store.Touch(statestore.ManualTaskKey(windowKey)); err != nil {
				i.Log.Warn("manual-task stamp failed", zap.String("window", window), zap.Error(err))
			}
			return nil
		}
		// Verification may simply have lost the race to the TUI going busy.
		if capture, capErr := i.Tmux.CapturePane(window, captureTail); capErr == nil && i.BusyMarker(capture) {
			if err := i.Store.Touch(statestore.ManualTaskKey(windowKey)); err != nil {
				i.Log.Warn("manual-task stamp failed", zap.String("window", window), zap.Error(err))
			}
			return nil
		}
		if strategy < strategyPaste {
			strategy++
		}
	}
	return &Error{Reason: ReasonVerifyFailed, Window: window}
}

const (
	strategyDirect = iota + 1
	strategyChunked
	strategyPaste

	captureTail = 10
)

func strategyFor(text string) int {
	switch {
	case len(text) <= directThreshold:
		return strategyDirect
	case len(text) <= chunkedThreshold:
		return strategyChunked
	default:
		return strategyPaste
	}
}

func (i *Injector) send(window string, windowKey string, text string, strategy int) error {
	switch strategy {
	case strategyDirect:
		if err := i.Tmux.SendLiteral(window, text); err != nil {
			return err
		}
	case strategyChunked:
		for start := 0; start < len(text); start += chunkSize {
			end := start + chunkSize
			if end > len(text) {
				end = len(text)
			}
			if err := i.Tmux.SendLiteral(window, text[start:end]); err != nil {
				return err
			}
			i.sleep(chunkDelay)
		}
	default:
		if err := i.sendViaBuffer(window, windowKey, text); err != nil {
			return err
		}
	}
	i.sleep(submitDelay)
	return i.Tmux.SendKeys(window, "Enter")
}

// sendViaBuffer loads the message from a temp file and pastes it with
// bracketed-paste markers. Buffer names carry window, pid and a counter so
// concurrent sends across windows never collide.
func (i *Injector) sendViaBuffer(window string, windowKey string, text string) error {
	bufName := fmt.Sprintf("autopilot-%s-%d-%d", windowKey, os.Getpid(), bufferCounter.Add(1))
	tmpPath := filepath.Join(os.TempDir(), bufName+".txt")
	if err := os.WriteFile(tmpPath, []byte(text), 0o600); err != nil {
		return fmt.Errorf("write paste buffer file: %w", err)
	}
	defer os.Remove(tmpPath)

	if err := i.Tmux.LoadBuffer(bufName, tmpPath); err != nil {
		return fmt.Errorf("load buffer: %w", err)
	}
	defer func() {
		_ = i.Tmux.DeleteBuffer(bufName)
	}()
	if err := i.Tmux.PasteBuffer(bufName, window); err != nil {
		return fmt.Errorf("paste buffer: %w", err)
	}
	return nil
}

// verify captures twice and accepts any of: the message prefix buffered in
// the pane, a busy marker, or a changed prompt line that is neither empty
// nor an echo of the prefix.
func (i *Injector) verify(window string, text string, preCapture string) bool {
	prefix := text
	if len(prefix) > verifyPrefixLen {
		prefix = prefix[:verifyPrefixLen]
	}
	prePrompt := i.PromptLine(preCapture)

	for _, wait := range []time.Duration{verifyFirstWait, verifySecondWait} {
		i.sleep(wait)
		capture, err := i.Tmux.CapturePane(window, captureTail)
		if err != nil {
			continue
		}
		if prefix != "" && strings.Contains(capture, prefix) {
			return true
		}
		if i.BusyMarker(capture) {
			return true
		}
		prompt := i.PromptLine(capture)
		if prompt != "" && prompt != prePrompt && !strings.Contains(prompt, prefix) {
			return true
		}
	}
	return false
}
