package statestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"autopilot/internal/model"
)

// Store is the filesystem-backed state database. Every element is one small
// file so operators can inspect and mutate state with ordinary tools. All
// writes go through a sibling temp name and a same-directory rename.
type Store struct {
	Base string
}

func New(base string) *Store {
	if strings.TrimSpace(base) == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			base = filepath.Join(home, ".autopilot")
		} else {
			base = ".autopilot"
		}
	}
	return &Store{Base: base}
}

func (s *Store) StateDir() string { return filepath.Join(s.Base, "state") }
func (s *Store) LocksDir() string { return filepath.Join(s.Base, "locks") }
func (s *Store) LogsDir() string  { return filepath.Join(s.Base, "logs") }

func (s *Store) Init() error {
	for _, dir := range []string{
		s.StateDir(),
		filepath.Join(s.StateDir(), "watchdog-activity"),
		filepath.Join(s.StateDir(), "watchdog-cooldown"),
		filepath.Join(s.StateDir(), "watchdog-commits"),
		filepath.Join(s.StateDir(), "review-history"),
		s.LocksDir(),
		s.LogsDir(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state dir %s: %w", dir, err)
		}
	}
	return nil
}

// ReadScalar returns the trimmed content of a state file, or ok=false when
// the file is absent. Readers never fail on malformed content; they hand the
// raw string to the caller's normalizer.
func (s *Store) ReadScalar(key string) (string, bool) {
	b, err := os.ReadFile(s.path(key))
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(b)), true
}

// ReadInt normalizes a scalar to an integer: non-digit characters are
// stripped so a partial write from a crashed predecessor still parses.
func (s *Store) ReadInt(key string, fallback int) int {
	raw, ok := s.ReadScalar(key)
	if !ok {
		return fallback
	}
	return NormalizeInt(raw, fallback)
}

func (s *Store) ReadInt64(key string, fallback int64) int64 {
	raw, ok := s.ReadScalar(key)
	if !ok {
		return fallback
	}
	digits := keepDigits(raw)
	if digits == "" {
		return fallback
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func NormalizeInt(raw string, fallback int) int {
	digits := keepDigits(raw)
	if digits == "" {
		return fallback
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return fallback
	}
	return n
}

func keepDigits(raw string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(raw) {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// WriteScalar writes a newline-terminated value via temp-then-rename.
func (s *Store) WriteScalar(key string, value string) error {
	return s.writeAtomic(s.path(key), []byte(value+"\n"))
}

func (s *Store) WriteInt(key string, value int) error {
	return s.WriteScalar(key, strconv.Itoa(value))
}

func (s *Store) WriteInt64(key string, value int64) error {
	return s.WriteScalar(key, strconv.FormatInt(value, 10))
}

// Touch creates or refreshes a flag file. The flag's signal is its presence;
// its mtime doubles as the timestamp payload.
func (s *Store) Touch(key string) error {
	path := s.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create flag dir: %w", err)
	}
	now := time.Now()
	if err := os.Chtimes(path, now, now); err == nil {
		return nil
	}
	return s.writeAtomic(path, []byte(strconv.FormatInt(now.Unix(), 10)+"\n"))
}

// Remove deletes a flag; removing an absent flag is not an error.
func (s *Store) Remove(key string) error {
	err := os.Remove(s.path(key))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *Store) Exists(key string) bool {
	_, err := os.Stat(s.path(key))
	return err == nil
}

// FileAge returns seconds since the file was last written, or ok=false when
// the file is absent.
func (s *Store) FileAge(key string) (int64, bool) {
	info, err := os.Stat(s.path(key))
	if err != nil {
		return 0, false
	}
	age := time.Since(info.ModTime())
	if age < 0 {
		age = 0
	}
	return int64(age.Seconds()), true
}

func (s *Store) Mtime(key string) (time.Time, bool) {
	info, err := os.Stat(s.path(key))
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

// GCOlderThan removes regular files under a state subdirectory older than the
// given age and reports how many were removed.
func (s *Store) GCOlderThan(subdir string, olderThan time.Duration) (int, error) {
	dir := filepath.Join(s.StateDir(), subdir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read %s: %w", dir, err)
	}
	removed := 0
	cutoff := time.Now().Add(-olderThan)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if os.Remove(filepath.Join(dir, entry.Name())) == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// ReadSnapshot tolerates a missing or malformed snapshot by returning zero
// values with context marked unknown.
func (s *Store) ReadSnapshot(windowKey string) model.Snapshot {
	snap := model.Snapshot{ContextNum: -1, Head: "none"}
	b, err := os.ReadFile(filepath.Join(s.StateDir(), windowKey+".json"))
	if err != nil {
		return snap
	}
	_ = json.Unmarshal(b, &snap)
	return snap
}

func (s *Store) WriteSnapshot(windowKey string, snap model.Snapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return s.writeAtomic(filepath.Join(s.StateDir(), windowKey+".json"), append(b, '\n'))
}

// ReadTrigger parses a review trigger file.
func (s *Store) ReadTrigger(path string) (model.ReviewTrigger, error) {
	var trigger model.ReviewTrigger
	b, err := os.ReadFile(path)
	if err != nil {
		return trigger, err
	}
	if err := json.Unmarshal(b, &trigger); err != nil {
		return trigger, fmt.Errorf("parse trigger %s: %w", path, err)
	}
	return trigger, nil
}

func (s *Store) WriteTrigger(windowKey string, trigger model.ReviewTrigger) error {
	b, err := json.Marshal(trigger)
	if err != nil {
		return fmt.Errorf("marshal trigger: %w", err)
	}
	return s.writeAtomic(s.path(TriggerKey(windowKey)), append(b, '\n'))
}

func (s *Store) path(key string) string {
	return filepath.Join(s.StateDir(), key)
}

// Path exposes the absolute path of a state key for callers that hand it to
// collaborators (the review instruction names its output sink by path).
func (s *Store) Path(key string) string {
	return s.path(key)
}

func (s *Store) writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}
