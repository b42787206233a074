package lockdir

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Manager hands out mkdir-based locks under a single locks directory.
// Directory creation is atomic on every POSIX filesystem and the directories
// are inspectable by operators, which is why these are used instead of
// advisory file locks. Staleness is time-based on the directory mtime.
type Manager struct {
	Dir string

	mu   sync.Mutex
	held map[string]struct{}
}

func NewManager(dir string) *Manager {
	return &Manager{Dir: dir, held: map[string]struct{}{}}
}

func (m *Manager) lockPath(name string) string {
	return filepath.Join(m.Dir, sanitizeLockToken(name)+".lock.d")
}

func sanitizeLockToken(value string) string {
	var b strings.Builder
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}

// Acquire attempts the lock once and returns false when another holder has
// it. There is no blocking wait: callers treat a busy lock as "skip this
// tick". A lock whose directory mtime is older than stale is reclaimed.
func (m *Manager) Acquire(name string, stale time.Duration) (bool, error) {
	path := m.lockPath(name)
	if err := os.MkdirAll(m.Dir, 0o755); err != nil {
		return false, fmt.Errorf("create locks dir: %w", err)
	}
	for attempt := 0; attempt < 2; attempt++ {
		err := os.Mkdir(path, 0o755)
		if err == nil {
			m.recordHeld(name)
			return true, nil
		}
		if !os.IsExist(err) {
			return false, fmt.Errorf("acquire lock %s: %w", name, err)
		}
		info, statErr := os.Stat(path)
		if statErr != nil {
			// Holder released between Mkdir and Stat; retry once.
			continue
		}
		if stale > 0 && time.Since(info.ModTime()) > stale {
			if rmErr := os.RemoveAll(path); rmErr != nil && !os.IsNotExist(rmErr) {
				return false, fmt.Errorf("reclaim stale lock %s: %w", name, rmErr)
			}
			continue
		}
		return false, nil
	}
	return false, nil
}

// Release is idempotent; releasing an unheld lock is a no-op.
func (m *Manager) Release(name string) error {
	err := os.RemoveAll(m.lockPath(name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release lock %s: %w", name, err)
	}
	m.mu.Lock()
	delete(m.held, name)
	m.mu.Unlock()
	return nil
}

func (m *Manager) recordHeld(name string) {
	m.mu.Lock()
	m.held[name] = struct{}{}
	m.mu.Unlock()
}

// ReleaseAll drops every lock this process acquired; called on shutdown.
func (m *Manager) ReleaseAll() {
	m.mu.Lock()
	names := make([]string, 0, len(m.held))
	for name := range m.held {
		names = append(names, name)
	}
	m.mu.Unlock()
	for _, name := range names {
		_ = m.Release(name)
	}
}

// CountHeldWithPrefix counts existing lock directories whose name starts with
// the prefix, regardless of holder. The ack-check capacity bound is enforced
// by counting ack lock directories this way.
func (m *Manager) CountHeldWithPrefix(prefix string) int {
	entries, err := os.ReadDir(m.Dir)
	if err != nil {
		return 0
	}
	count := 0
	for _, entry := range entries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), prefix) && strings.HasSuffix(entry.Name(), ".lock.d") {
			count++
		}
	}
	return count
}
