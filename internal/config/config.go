package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"autopilot/internal/model"
)

// Settings is the supervisor-wide configuration. Defaults mirror the shipped
// deployment; a primary YAML file may override any field. Runtime reload is
// deliberately unsupported.
type Settings struct {
	BaseDir          string `yaml:"base_dir"`
	Session          string `yaml:"session"`
	AssistantCommand string `yaml:"assistant_command"`

	TickSeconds         int `yaml:"tick_seconds"`
	LowContextThreshold int `yaml:"low_context_threshold"`
	LowContextCritical  int `yaml:"low_context_critical"`

	NudgeBaseCooldownSeconds int `yaml:"nudge_base_cooldown_seconds"`
	NudgeMaxRetries          int `yaml:"nudge_max_retries"`
	ManualTaskTTLSeconds     int `yaml:"manual_task_ttl_seconds"`
	PermissionCooldownSecs   int `yaml:"permission_cooldown_seconds"`
	CompactCooldownSeconds   int `yaml:"compact_cooldown_seconds"`
	ShellCooldownSeconds     int `yaml:"shell_cooldown_seconds"`
	WorkingInertiaSeconds    int `yaml:"working_inertia_seconds"`
	IdleConfirmations        int `yaml:"idle_confirmations"`
	WeeklyLimitLowPct        int `yaml:"weekly_limit_low_pct"`
	DailySendCap             int `yaml:"daily_send_cap"`

	ReviewCommitThreshold  int `yaml:"review_commit_threshold"`
	ReviewMaxAgeSeconds    int `yaml:"review_max_age_seconds"`
	ReviewCooldownSeconds  int `yaml:"review_cooldown_seconds"`
	TriggerStaleSeconds    int `yaml:"trigger_stale_seconds"`
	ReviewInProgressSecs   int `yaml:"review_in_progress_seconds"`
	AutocheckCooldownSecs  int `yaml:"autocheck_cooldown_seconds"`
	TypeCheckTimeoutSecs   int `yaml:"typecheck_timeout_seconds"`
	TestRunTimeoutSeconds  int `yaml:"test_run_timeout_seconds"`
	ReviewFilePreviewLimit int `yaml:"review_file_preview_limit"`

	Projects    []model.Project `yaml:"projects"`
	ProjectDirs []string        `yaml:"project_dirs"`
}

func DefaultSettings() Settings {
	return Settings{
		Session:                  "autopilot",
		AssistantCommand:         "codex",
		TickSeconds:              10,
		LowContextThreshold:      25,
		LowContextCritical:       10,
		NudgeBaseCooldownSeconds: 300,
		NudgeMaxRetries:          6,
		ManualTaskTTLSeconds:     300,
		PermissionCooldownSecs:   60,
		CompactCooldownSeconds:   600,
		ShellCooldownSeconds:     300,
		WorkingInertiaSeconds:    90,
		IdleConfirmations:        3,
		WeeklyLimitLowPct:        5,
		DailySendCap:             100,
		ReviewCommitThreshold:    15,
		ReviewMaxAgeSeconds:      7200,
		ReviewCooldownSeconds:    600,
		TriggerStaleSeconds:      7200,
		ReviewInProgressSecs:     600,
		AutocheckCooldownSecs:    120,
		TypeCheckTimeoutSecs:     30,
		TestRunTimeoutSeconds:    60,
		ReviewFilePreviewLimit:   20,
	}
}

func DefaultBaseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".autopilot"
	}
	return filepath.Join(home, ".autopilot")
}

// Load reads the primary YAML config, tolerating a missing file.
func Load(path string) (Settings, error) {
	settings := DefaultSettings()
	if strings.TrimSpace(path) == "" {
		path = filepath.Join(DefaultBaseDir(), "config.yaml")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return settings, nil
		}
		return settings, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &settings); err != nil {
		return settings, fmt.Errorf("parse config %s: %w", path, err)
	}
	return settings, nil
}

// SaveDefault writes the compiled-in defaults as a starting config.
func SaveDefault(path string) error {
	if strings.TrimSpace(path) == "" {
		path = filepath.Join(DefaultBaseDir(), "config.yaml")
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists at %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	b, err := yaml.Marshal(DefaultSettings())
	if err != nil {
		return fmt.Errorf("marshal defaults: %w", err)
	}
	return os.WriteFile(path, b, 0o644)
}

// ProjectSource names where the project list came from.
type ProjectSource string

const (
	SourcePrimaryYAML  ProjectSource = "primary_yaml"
	SourceProjectDirs  ProjectSource = "project_dirs"
	SourceFallbackConf ProjectSource = "fallback_conf"
	SourceBuiltin      ProjectSource = "builtin"
)

// ResolveProjects applies the loading order: primary YAML projects →
// project_dirs list → line-delimited fallback conf → compiled-in defaults.
// The caller logs the chosen source and count once at startup.
func ResolveProjects(settings Settings, fallbackConfPath string, builtin []model.Project) ([]model.Project, ProjectSource, error) {
	if len(settings.Projects) > 0 {
		if err := validateProjects(settings.Projects); err != nil {
			return nil, SourcePrimaryYAML, err
		}
		return settings.Projects, SourcePrimaryYAML, nil
	}
	if len(settings.ProjectDirs) > 0 {
		projects := projectsFromDirs(settings.ProjectDirs)
		if err := validateProjects(projects); err != nil {
			return nil, SourceProjectDirs, err
		}
		return projects, SourceProjectDirs, nil
	}
	if fallbackConfPath != "" {
		projects, err := parseFallbackConf(fallbackConfPath)
		if err == nil && len(projects) > 0 {
			if err := validateProjects(projects); err != nil {
				return nil, SourceFallbackConf, err
			}
			return projects, SourceFallbackConf, nil
		}
		if err != nil && !os.IsNotExist(err) {
			return nil, SourceFallbackConf, err
		}
	}
	return builtin, SourceBuiltin, nil
}

// projectsFromDirs derives window names from directory basenames,
// disambiguating collisions with a numeric suffix.
func projectsFromDirs(dirs []string) []model.Project {
	used := map[string]int{}
	projects := make([]model.Project, 0, len(dirs))
	for _, dir := range dirs {
		dir = strings.TrimSpace(dir)
		if dir == "" {
			continue
		}
		window := filepath.Base(filepath.Clean(dir))
		used[window]++
		if n := used[window]; n > 1 {
			window = fmt.Sprintf("%s-%d", window, n)
		}
		projects = append(projects, model.Project{Window: window, Dir: dir})
	}
	return projects
}

// parseFallbackConf reads window:dir[:default_nudge] lines.
func parseFallbackConf(path string) ([]model.Project, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var projects []model.Project
	for lineNo, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, ":", 3)
		if len(parts) < 2 {
			return nil, fmt.Errorf("%s:%d: expected window:dir[:default_nudge]", path, lineNo+1)
		}
		project := model.Project{
			Window: strings.TrimSpace(parts[0]),
			Dir:    strings.TrimSpace(parts[1]),
		}
		if len(parts) == 3 {
			project.DefaultNudge = strings.TrimSpace(parts[2])
		}
		projects = append(projects, project)
	}
	return projects, nil
}

func validateProjects(projects []model.Project) error {
	seen := map[string]string{}
	for _, project := range projects {
		if strings.TrimSpace(project.Window) == "" {
			return fmt.Errorf("project with empty window name (dir %s)", project.Dir)
		}
		if !filepath.IsAbs(project.Dir) {
			return fmt.Errorf("project %s: dir must be absolute, got %q", project.Window, project.Dir)
		}
		key := project.Key()
		if prior, dup := seen[key]; dup {
			return fmt.Errorf("projects %q and %q collide on state key %q", prior, project.Window, key)
		}
		seen[key] = project.Window
	}
	return nil
}

// Credentials is the optional notification-transport config.
type Credentials struct {
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

func LoadCredentials(path string) (Credentials, error) {
	var creds Credentials
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return creds, nil
		}
		return creds, fmt.Errorf("read credentials %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &creds); err != nil {
		return creds, fmt.Errorf("parse credentials %s: %w", path, err)
	}
	return creds, nil
}
