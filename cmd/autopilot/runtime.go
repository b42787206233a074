package main

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"autopilot/internal/classify"
	"autopilot/internal/config"
	"autopilot/internal/gitx"
	"autopilot/internal/inject"
	"autopilot/internal/lockdir"
	"autopilot/internal/model"
	"autopilot/internal/notify"
	"autopilot/internal/review"
	"autopilot/internal/rules"
	"autopilot/internal/statestore"
	"autopilot/internal/supervisor"
	"autopilot/internal/tmuxctl"
)

// cliRuntime wires the components for one process invocation.
type cliRuntime struct {
	Settings      config.Settings
	Projects      []model.Project
	ProjectSource config.ProjectSource
	Store         *statestore.Store
	Locks         *lockdir.Manager
	Classifier    *classify.Classifier
	Injector      *inject.Injector
	Consumer      *review.Consumer
	Supervisor    *supervisor.Supervisor
	Log           *zap.Logger
}

func newStore(baseDir string) *statestore.Store {
	if baseDir == "" {
		baseDir = config.DefaultBaseDir()
	}
	return statestore.New(baseDir)
}

func buildRuntime(configPath string, rulesPath string, debug bool) (*cliRuntime, error) {
	settings, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	store := newStore(settings.BaseDir)
	if err := store.Init(); err != nil {
		return nil, err
	}
	locks := lockdir.NewManager(store.LocksDir())

	log, err := supervisor.NewLogger(filepath.Join(store.LogsDir(), "watchdog.log"), debug)
	if err != nil {
		return nil, err
	}

	projects, source, err := config.ResolveProjects(settings,
		filepath.Join(store.Base, "projects.conf"), nil)
	if err != nil {
		return nil, fmt.Errorf("projects config: %w", err)
	}

	ruleSet, err := config.LoadRuleSet(rulesPath, settings)
	if err != nil {
		return nil, err
	}
	if err := config.ValidateRuleSet(ruleSet); err != nil {
		return nil, fmt.Errorf("rule set: %w", err)
	}

	creds, err := config.LoadCredentials(filepath.Join(store.Base, "telegram.yaml"))
	if err != nil {
		return nil, err
	}
	notifyFn := notify.Func(notify.Noop)
	if creds.BotToken != "" {
		notifyFn = notify.New(creds.BotToken, creds.ChatID, log).Notify
	}

	tmux := tmuxctl.New(settings.Session)
	classifier := classify.New(tmux)
	classifier.LowContextThreshold = settings.LowContextThreshold
	git := gitx.New()

	injector := &inject.Injector{
		Tmux:           tmux,
		Locks:          locks,
		Store:          store,
		Log:            log,
		AssistantAlive: classifier.AssistantAlive,
		BusyMarker:     classifier.IsBusyMarker,
		PromptLine:     classifier.PromptLine,
	}

	checker := review.NewChecker(settings, store, locks, git, log)
	prd := review.NewPRDVerifier(store, log)

	sup := &supervisor.Supervisor{
		Settings:   settings,
		Projects:   projects,
		Store:      store,
		Locks:      locks,
		Classifier: classifier,
		Git:        git,
		Log:        log,
		Notify:     notifyFn,
	}

	engine := &rules.Engine{
		Settings: settings,
		Set:      ruleSet,
		Store:    store,
		Locks:    locks,
		Git:      git,
		Log:      log,
		Notify:   notifyFn,
		Inject:   injector.Inject,
		SendRaw: func(window string, text string) error {
			if err := tmux.SendLiteral(window, text); err != nil {
				return err
			}
			return tmux.SendKeys(window, "Enter")
		},
		Recheck: func(ctx context.Context, window string) model.Classification {
			return classifier.Classify(ctx, window)
		},
		StartAck: sup.StartAck,
	}
	sup.Engine = engine

	detector := &review.Detector{
		Settings: settings,
		Store:    store,
		Git:      git,
		Log:      log,
		Notify:   notifyFn,
		RunLayer1: func(ctx context.Context, project model.Project, changed []string, subject string) {
			go checker.Run(context.WithoutCancel(ctx), project, changed, subject)
		},
		VerifyPRD: func(ctx context.Context, project model.Project, changed []string) {
			go prd.Verify(context.WithoutCancel(ctx), project, changed)
		},
	}
	sup.Detector = detector

	consumer := &review.Consumer{
		Settings: settings,
		Store:    store,
		Locks:    locks,
		Git:      git,
		Log:      log,
		Notify:   notifyFn,
		Classify: func(ctx context.Context, window string) model.Classification {
			return classifier.Classify(ctx, window)
		},
		Inject: injector.Inject,
	}

	return &cliRuntime{
		Settings:      settings,
		Projects:      projects,
		ProjectSource: source,
		Store:         store,
		Locks:         locks,
		Classifier:    classifier,
		Injector:      injector,
		Consumer:      consumer,
		Supervisor:    sup,
		Log:           log,
	}, nil
}

func (rt *cliRuntime) Close() {
	_ = rt.Log.Sync()
}
