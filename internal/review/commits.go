package review

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"autopilot/internal/config"
	"autopilot/internal/gitx"
	"autopilot/internal/model"
	"autopilot/internal/notify"
	"autopilot/internal/statestore"
	"autopilot/internal/taskqueue"
)

// Detector notices new commits and fans out the post-commit work: counter
// updates, task-queue completion, layer-1 checks and PRD verification. The
// write-review-trigger decision itself stays with the rule engine.
type Detector struct {
	Settings config.Settings
	Store    *statestore.Store
	Git      *gitx.Client
	Log      *zap.Logger
	Notify   notify.Func

	// RunLayer1 runs the automated checks; the supervisor provides an async
	// wrapper so the tick loop never waits on a type checker.
	RunLayer1 func(ctx context.Context, project model.Project, changed []string, subject string)
	// VerifyPRD invokes the external verification engine.
	VerifyPRD func(ctx context.Context, project model.Project, changed []string)

	Now func() time.Time
}

func (d *Detector) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// CommitUpdate summarizes what one tick observed.
type CommitUpdate struct {
	Head       string
	NewCommits int
	Subject    string
	Changed    bool
}

// Tick compares the repository HEAD against the stored marker and absorbs
// any new commits into the window state.
func (d *Detector) Tick(ctx context.Context, project model.Project) CommitUpdate {
	windowKey := project.Key()

	head, err := d.Git.Head(project.Dir)
	if err != nil {
		d.Log.Debug("head unreadable", zap.String("window", project.Window), zap.Error(err))
		return CommitUpdate{}
	}

	previous, hadPrevious := d.Store.ReadScalar(statestore.HeadKey(windowKey))
	if !hadPrevious {
		// First observation: record the baseline without crediting commits.
		_ = d.Store.WriteScalar(statestore.HeadKey(windowKey), head)
		return CommitUpdate{Head: head}
	}
	if previous == head {
		return CommitUpdate{Head: head}
	}

	if err := d.Store.WriteScalar(statestore.HeadKey(windowKey), head); err != nil {
		d.Log.Warn("head write failed", zap.String("window", project.Window), zap.Error(err))
		return CommitUpdate{Head: head}
	}

	// A new commit is the strongest ack there is: the backoff episode ends.
	_ = d.Store.WriteInt(statestore.NudgeAttemptsKey(windowKey), 0)
	_ = d.Store.Remove(statestore.AlertStalledKey(windowKey))
	_ = d.Store.WriteInt64(statestore.ActivityKey(windowKey), d.now().Unix())
	_ = d.Store.WriteInt(statestore.IdleProbeKey(windowKey), 0)

	count, err := d.Git.CountCommits(project.Dir, previous, head)
	if err != nil || count <= 0 {
		// History rewrite or unrelated ref; count the change as one commit.
		count = 1
	}
	since := d.Store.ReadInt(statestore.SinceReviewKey(windowKey), 0)
	_ = d.Store.WriteInt(statestore.SinceReviewKey(windowKey), since+count)

	subject, _ := d.Git.LastCommitSubject(project.Dir)
	d.completeQueueTask(project, windowKey, head)

	changed, _ := d.Git.ChangedFiles(project.Dir, previous, head)
	if d.RunLayer1 != nil {
		d.RunLayer1(ctx, project, changed, subject)
	}
	if d.VerifyPRD != nil {
		d.VerifyPRD(ctx, project, changed)
	}

	d.Log.Info("new commits",
		zap.String("window", project.Window),
		zap.String("head", shortHash(head)),
		zap.Int("count", count),
		zap.Int("since_review", since+count),
		zap.String("subject", subject))

	return CommitUpdate{Head: head, NewCommits: count, Subject: subject, Changed: true}
}

// completeQueueTask marks the in-progress queue item done with the new hash
// and tells the operator.
func (d *Detector) completeQueueTask(project model.Project, windowKey string, head string) {
	queue := taskqueue.ForProject(project.Dir)
	current, ok := queue.InProgress()
	if !ok {
		return
	}
	if err := queue.Done(shortHash(head)); err != nil {
		d.Log.Warn("queue completion failed", zap.String("window", project.Window), zap.Error(err))
		return
	}
	d.Notify(fmt.Sprintf("✅ %s finished: %s (%s)", project.Window, current, shortHash(head)))
}

func shortHash(head string) string {
	if len(head) > 7 {
		return head[:7]
	}
	return head
}
