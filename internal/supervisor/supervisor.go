package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"autopilot/internal/classify"
	"autopilot/internal/config"
	"autopilot/internal/gitx"
	"autopilot/internal/lockdir"
	"autopilot/internal/model"
	"autopilot/internal/notify"
	"autopilot/internal/review"
	"autopilot/internal/rules"
	"autopilot/internal/statestore"
)

// Supervisor orchestrates the per-project tick: classify, absorb commits,
// evaluate rules, perform at most one action, and watch for acknowledgement.
// The main decision path is a single cooperative loop; background work (ack
// checks, layer-1 scans) coordinates with it through the state store and
// lock directories only.
type Supervisor struct {
	Settings   config.Settings
	Projects   []model.Project
	Store      *statestore.Store
	Locks      *lockdir.Manager
	Classifier *classify.Classifier
	Engine     EngineAPI
	Detector   *review.Detector
	Git        *gitx.Client
	Log        *zap.Logger
	Notify     notify.Func

	Now func() time.Time

	ackGroup *errgroup.Group
	ackCtx   context.Context
}

// EngineAPI is what the loop needs from the rule engine.
type EngineAPI interface {
	Evaluate(ctx context.Context, in rules.Input) rules.Outcome
}

const (
	maxConcurrentAcks   = 8
	ackObserveWindow    = 60 * time.Second
	ackProbeInterval    = 5 * time.Second
	rotateEveryTicks    = 300
	logLineBudget       = 20000
	stateLogSampleSecs  = 300
	workStallWarnSecs   = 15 * 60
	workStallAlertSecs  = 30 * 60
	compactCheckDelay   = 180
	compactAlertAtFails = 3
)

func (s *Supervisor) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Startup verifies the environment and takes the single-supervisor lock.
// Failures here are fatal: the process exits 1 without entering the loop.
func (s *Supervisor) Startup() error {
	for _, binary := range []string{"tmux", "git"} {
		if _, err := exec.LookPath(binary); err != nil {
			return fmt.Errorf("required binary %q not found: %w", binary, err)
		}
	}
	if err := s.Store.Init(); err != nil {
		return err
	}
	if err := s.Locks.AcquireGlobal(); err != nil {
		if errors.Is(err, lockdir.ErrSupervisorRunning) {
			return err
		}
		return fmt.Errorf("global lock: %w", err)
	}
	if len(s.Projects) == 0 {
		_ = s.Locks.ReleaseGlobal()
		return fmt.Errorf("no projects configured")
	}
	return nil
}

// Run executes the tick loop until the context is cancelled, then shuts
// down: outstanding background tasks are awaited briefly and every lock this
// process owns is released.
func (s *Supervisor) Run(ctx context.Context) error {
	s.ackGroup = &errgroup.Group{}
	s.ackGroup.SetLimit(maxConcurrentAcks)
	s.ackCtx = ctx

	tick := time.Duration(s.Settings.TickSeconds) * time.Second
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	s.Log.Info("supervisor started",
		zap.Int("projects", len(s.Projects)),
		zap.Duration("tick", tick))

	cycles := 0
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case <-ticker.C:
		}

		for _, project := range s.Projects {
			s.tickProject(ctx, project)
			if ctx.Err() != nil {
				break
			}
		}

		cycles++
		if cycles%rotateEveryTicks == 0 {
			s.rotate()
		}
	}
}

func (s *Supervisor) tickProject(ctx context.Context, project model.Project) {
	windowKey := project.Key()
	cls := s.Classifier.Classify(ctx, project.Window)

	s.sampleStateLog(project, windowKey, cls)
	update := s.Detector.Tick(ctx, project)
	s.watchTodoList(project, windowKey)
	s.observeTransitions(project, windowKey, cls, update)

	outcome := s.Engine.Evaluate(ctx, rules.Input{Project: project, Classification: cls})
	if outcome.Executed {
		s.Log.Debug("tick action",
			zap.String("window", project.Window),
			zap.String("rule", outcome.Rule),
			zap.String("action", string(outcome.Action)))
	}

	s.writeSnapshot(project, windowKey, cls, update)
}

// sampleStateLog logs the observed state at most once per sample window so
// the log shows a heartbeat without a line per tick.
func (s *Supervisor) sampleStateLog(project model.Project, windowKey string, cls model.Classification) {
	key := statestore.CooldownKey("statelog", windowKey)
	if age, exists := s.Store.FileAge(key); exists && age < stateLogSampleSecs {
		return
	}
	_ = s.Store.Touch(key)
	s.Log.Info("window state",
		zap.String("window", project.Window),
		zap.String("status", string(cls.Status)),
		zap.Int("context", cls.ContextNum))
}

// StartAck launches the bounded post-nudge acknowledgement watcher.
func (s *Supervisor) StartAck(project model.Project) {
	if s.ackGroup == nil {
		return
	}
	if s.Locks.CountHeldWithPrefix("ack-") >= maxConcurrentAcks {
		s.Log.Warn("ack checker capacity reached", zap.String("window", project.Window))
		return
	}
	started := s.ackGroup.TryGo(func() error {
		s.runAckCheck(s.ackCtx, project)
		return nil
	})
	if !started {
		s.Log.Warn("ack checker pool full", zap.String("window", project.Window))
	}
}

func (s *Supervisor) shutdown() {
	s.Log.Info("supervisor stopping")

	done := make(chan struct{})
	go func() {
		_ = s.ackGroup.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		s.Log.Warn("background tasks did not stop in time")
	}

	s.Locks.ReleaseAll()
	s.Log.Info("supervisor stopped")
}

// rotate truncates the log to its line budget and expires day-old cooldown
// and activity files.
func (s *Supervisor) rotate() {
	logPath := s.LogPath()
	if b, err := os.ReadFile(logPath); err == nil {
		lines := strings.Split(string(b), "\n")
		if len(lines) > logLineBudget {
			kept := lines[len(lines)-logLineBudget/2:]
			_ = os.WriteFile(logPath, []byte(strings.Join(kept, "\n")), 0o644)
			s.Log.Info("log truncated", zap.Int("kept_lines", len(kept)))
		}
	}
	for _, subdir := range []string{"watchdog-cooldown", "watchdog-activity"} {
		removed, err := s.Store.GCOlderThan(subdir, 24*time.Hour)
		if err != nil {
			s.Log.Warn("state gc failed", zap.String("dir", subdir), zap.Error(err))
			continue
		}
		if removed > 0 {
			s.Log.Info("state gc", zap.String("dir", subdir), zap.Int("removed", removed))
		}
	}
}

func (s *Supervisor) LogPath() string {
	return s.Store.LogsDir() + "/watchdog.log"
}
