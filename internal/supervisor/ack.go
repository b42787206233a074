package supervisor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"autopilot/internal/model"
	"autopilot/internal/statestore"
)

// runAckCheck observes a window for up to a minute after a nudge, looking
// for evidence the message landed: a new commit, a transition to working, or
// a context change. It coordinates with other processes purely through its
// lock directory.
func (s *Supervisor) runAckCheck(ctx context.Context, project model.Project) {
	windowKey := project.Key()
	lockName := "ack-" + windowKey
	acquired, err := s.Locks.Acquire(lockName, 2*time.Minute)
	if err != nil || !acquired {
		return
	}
	defer func() {
		_ = s.Locks.Release(lockName)
	}()

	baseHead, _ := s.Store.ReadScalar(statestore.HeadKey(windowKey))
	base := s.Classifier.Classify(ctx, project.Window)

	deadline := time.Now().Add(ackObserveWindow)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		case <-time.After(ackProbeInterval):
		}

		if head, err := s.Git.Head(project.Dir); err == nil && baseHead != "" && head != baseHead {
			s.logAck(project, "new_commit")
			return
		}
		current := s.Classifier.Classify(ctx, project.Window)
		if current.Status == model.StatusWorking {
			s.logAck(project, "working")
			return
		}
		if current.ContextNum != base.ContextNum && current.ContextNum != -1 && base.ContextNum != -1 {
			s.logAck(project, "context_changed")
			return
		}
	}
	s.Log.Info("no-ack",
		zap.String("window", project.Window),
		zap.Duration("observed", ackObserveWindow))
}

func (s *Supervisor) logAck(project model.Project, evidence string) {
	s.Log.Info("ack",
		zap.String("window", project.Window),
		zap.String("evidence", evidence))
}
