package main

import (
	"context"
	"fmt"
	"time"

	"autopilot/internal/config"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
)

type statusGlazedCommand struct {
	*cmds.CommandDescription
}

type statusSettings struct {
	BaseDir string `glazed.parameter:"base-dir"`
}

func newStatusGlazedCommand() (*statusGlazedCommand, error) {
	return &statusGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"status",
			cmds.WithShort("Show per-project monitor snapshots"),
			cmds.WithLong("Print one row per configured project from the state snapshots."),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"base-dir",
					parameters.ParameterTypeString,
					parameters.WithHelp("State base directory (defaults to ~/.autopilot)"),
					parameters.WithDefault(""),
				),
			),
		),
	}, nil
}

func (c *statusGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	_ = ctx
	settings := &statusSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	return statusCommandBody(settings.BaseDir)
}

var _ cmds.BareCommand = &statusGlazedCommand{}

type configInitGlazedCommand struct {
	*cmds.CommandDescription
}

type configInitSettings struct {
	Path string `glazed.parameter:"path"`
}

func newConfigInitGlazedCommand() (*configInitGlazedCommand, error) {
	return &configInitGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"config-init",
			cmds.WithShort("Write a default config file"),
			cmds.WithLong("Create a default autopilot config at the target path."),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"path",
					parameters.ParameterTypeString,
					parameters.WithHelp("Path to config file (defaults to ~/.autopilot/config.yaml)"),
					parameters.WithDefault(""),
				),
			),
		),
	}, nil
}

func (c *configInitGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	_ = ctx
	settings := &configInitSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	if err := config.SaveDefault(settings.Path); err != nil {
		return err
	}
	fmt.Println("Wrote default config")
	return nil
}

var _ cmds.BareCommand = &configInitGlazedCommand{}

type cleanupGlazedCommand struct {
	*cmds.CommandDescription
}

type cleanupSettings struct {
	BaseDir string `glazed.parameter:"base-dir"`
	Days    int    `glazed.parameter:"days"`
}

func newCleanupGlazedCommand() (*cleanupGlazedCommand, error) {
	return &cleanupGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"cleanup",
			cmds.WithShort("Remove aged cooldown and activity state"),
			cmds.WithLong("Garbage-collect cooldown/activity files older than the given number of days."),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"base-dir",
					parameters.ParameterTypeString,
					parameters.WithHelp("State base directory (defaults to ~/.autopilot)"),
					parameters.WithDefault(""),
				),
				parameters.NewParameterDefinition(
					"days",
					parameters.ParameterTypeInteger,
					parameters.WithHelp("Remove files older than this many days"),
					parameters.WithDefault(1),
				),
			),
		),
	}, nil
}

func (c *cleanupGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	_ = ctx
	settings := &cleanupSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	store := newStore(settings.BaseDir)
	total := 0
	for _, subdir := range []string{"watchdog-cooldown", "watchdog-activity"} {
		removed, err := store.GCOlderThan(subdir, time.Duration(settings.Days)*24*time.Hour)
		if err != nil {
			return err
		}
		fmt.Printf("%s: removed %d\n", subdir, removed)
		total += removed
	}
	fmt.Printf("total removed: %d\n", total)
	return nil
}

var _ cmds.BareCommand = &cleanupGlazedCommand{}
