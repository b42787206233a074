package config

import (
	"os"
	"path/filepath"
	"testing"

	"autopilot/internal/model"
)

func TestLoadMissingConfigUsesDefaults(t *testing.T) {
	settings, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if settings.TickSeconds != 10 || settings.LowContextThreshold != 25 {
		t.Fatalf("unexpected defaults: %+v", settings)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "tick_seconds: 5\nlow_context_threshold: 15\nsession: workbench\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	settings, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if settings.TickSeconds != 5 || settings.LowContextThreshold != 15 || settings.Session != "workbench" {
		t.Fatalf("overrides not applied: %+v", settings)
	}
	// Untouched fields keep their defaults.
	if settings.NudgeMaxRetries != 6 {
		t.Fatalf("default lost: %+v", settings)
	}
}

func TestResolveProjectsPrimaryYAML(t *testing.T) {
	settings := DefaultSettings()
	settings.Projects = []model.Project{{Window: "app", Dir: "/srv/app"}}
	projects, source, err := ResolveProjects(settings, "", nil)
	if err != nil || source != SourcePrimaryYAML || len(projects) != 1 {
		t.Fatalf("resolve: %v %v %v", projects, source, err)
	}
}

func TestResolveProjectsFromDirsDisambiguates(t *testing.T) {
	settings := DefaultSettings()
	settings.ProjectDirs = []string{"/srv/app", "/home/alt/app", "/srv/web"}
	projects, source, err := ResolveProjects(settings, "", nil)
	if err != nil || source != SourceProjectDirs {
		t.Fatalf("resolve: %v %v", source, err)
	}
	if projects[0].Window != "app" || projects[1].Window != "app-2" || projects[2].Window != "web" {
		t.Fatalf("collision disambiguation failed: %+v", projects)
	}
}

func TestResolveProjectsFallbackConf(t *testing.T) {
	path := filepath.Join(t.TempDir(), "projects.conf")
	content := "# projects\napp:/srv/app\nweb:/srv/web:keep shipping\n\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	projects, source, err := ResolveProjects(DefaultSettings(), path, nil)
	if err != nil || source != SourceFallbackConf {
		t.Fatalf("resolve: %v %v", source, err)
	}
	if len(projects) != 2 || projects[1].DefaultNudge != "keep shipping" {
		t.Fatalf("conf parse: %+v", projects)
	}
}

func TestResolveProjectsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "projects.conf")
	content := "app:/srv/app\nweb:/srv/web:keep shipping\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	first, _, err := ResolveProjects(DefaultSettings(), path, nil)
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	// Format the result back to conf lines and reload.
	var out string
	for _, p := range first {
		line := p.Window + ":" + p.Dir
		if p.DefaultNudge != "" {
			line += ":" + p.DefaultNudge
		}
		out += line + "\n"
	}
	again := filepath.Join(t.TempDir(), "again.conf")
	if err := os.WriteFile(again, []byte(out), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	second, _, err := ResolveProjects(DefaultSettings(), again, nil)
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("round trip changed count")
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("round trip changed entry %d: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestResolveProjectsBuiltinFallback(t *testing.T) {
	builtin := []model.Project{{Window: "default", Dir: "/srv/default"}}
	projects, source, err := ResolveProjects(DefaultSettings(), filepath.Join(t.TempDir(), "absent.conf"), builtin)
	if err != nil || source != SourceBuiltin || len(projects) != 1 {
		t.Fatalf("resolve: %v %v %v", projects, source, err)
	}
}

func TestValidateProjectsRejectsKeyCollision(t *testing.T) {
	settings := DefaultSettings()
	settings.Projects = []model.Project{
		{Window: "my app", Dir: "/srv/a"},
		{Window: "my_app", Dir: "/srv/b"},
	}
	if _, _, err := ResolveProjects(settings, "", nil); err == nil {
		t.Fatalf("expected sanitized-key collision to be rejected")
	}
}

func TestDefaultRuleSetValidates(t *testing.T) {
	set := DefaultRuleSet(DefaultSettings())
	if err := ValidateRuleSet(set); err != nil {
		t.Fatalf("default rule set must validate: %v", err)
	}
}

func TestValidateRuleSetRejections(t *testing.T) {
	base := DefaultRuleSet(DefaultSettings())

	dup := base
	dup.Rules = append([]RuleSpec{}, base.Rules...)
	dup.Rules = append(dup.Rules, RuleSpec{Name: "idle-nudge", Action: ActionNone})
	if err := ValidateRuleSet(dup); err == nil {
		t.Fatalf("duplicate names must be rejected")
	}

	missingTemplate := base
	missingTemplate.Rules = append([]RuleSpec{}, base.Rules...)
	missingTemplate.Rules[0].Template = "ghost"
	if err := ValidateRuleSet(missingTemplate); err == nil {
		t.Fatalf("unknown template must be rejected")
	}

	missingParam := base
	missingParam.Rules = append([]RuleSpec{}, base.Rules...)
	missingParam.Rules[0] = RuleSpec{
		Name:   "broken",
		Action: ActionNone,
		Guards: []GuardSpec{{Kind: GuardExponentialBackoff, Params: map[string]int{"base_seconds": 300}}},
	}
	if err := ValidateRuleSet(missingParam); err == nil {
		t.Fatalf("missing guard parameter must be rejected")
	}

	noWorking := RuleSet{Rules: []RuleSpec{{
		Name:   "only-idle",
		Match:  MatchSpec{Statuses: []string{string(model.StatusIdle)}},
		Action: ActionNone,
	}}}
	if err := ValidateRuleSet(noWorking); err == nil {
		t.Fatalf("rule set must cover working and absent")
	}
}

func TestLoadCredentials(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telegram.yaml")
	if err := os.WriteFile(path, []byte("bot_token: t0ken\nchat_id: \"42\"\n"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	creds, err := LoadCredentials(path)
	if err != nil || creds.BotToken != "t0ken" || creds.ChatID != "42" {
		t.Fatalf("credentials: %+v err=%v", creds, err)
	}
	empty, err := LoadCredentials(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil || empty.BotToken != "" {
		t.Fatalf("missing credentials should be empty, got %+v err=%v", empty, err)
	}
}
