package lockdir

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const globalLockName = "watchdog-main"

// ErrSupervisorRunning reports that a live, verified supervisor already holds
// the global lock.
var ErrSupervisorRunning = errors.New("another supervisor is running")

type globalHolder struct {
	PID       int
	StartSig  string
	StartedAt int64
}

// AcquireGlobal takes the single-supervisor lock. An existing lock is only
// reclaimed when its recorded holder is gone or its start signature no longer
// matches the recorded PID, which keeps PID reuse from masquerading as a live
// holder.
func (m *Manager) AcquireGlobal() error {
	path := m.lockPath(globalLockName)
	if err := os.MkdirAll(m.Dir, 0o755); err != nil {
		return fmt.Errorf("create locks dir: %w", err)
	}
	for attempt := 0; attempt < 2; attempt++ {
		if err := os.Mkdir(path, 0o755); err == nil {
			if err := m.writeGlobalHolder(path); err != nil {
				_ = os.RemoveAll(path)
				return err
			}
			m.recordHeld(globalLockName)
			return nil
		} else if !os.IsExist(err) {
			return fmt.Errorf("acquire global lock: %w", err)
		}
		holder, err := readGlobalHolder(path)
		if err != nil {
			// Unreadable holder metadata: a predecessor died mid-write.
			if rmErr := os.RemoveAll(path); rmErr != nil {
				return fmt.Errorf("reclaim global lock: %w", rmErr)
			}
			continue
		}
		if holderAlive(holder) {
			return fmt.Errorf("%w: pid %d (started %s)", ErrSupervisorRunning,
				holder.PID, time.Unix(holder.StartedAt, 0).Format(time.RFC3339))
		}
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return fmt.Errorf("reclaim global lock: %w", rmErr)
		}
	}
	return fmt.Errorf("acquire global lock: contention while reclaiming")
}

func (m *Manager) ReleaseGlobal() error {
	return m.Release(globalLockName)
}

func (m *Manager) writeGlobalHolder(path string) error {
	pid := os.Getpid()
	sig := ProcessStartSignature(pid)
	content := fmt.Sprintf("pid=%d\nstart_sig=%s\nstarted_at=%d\n", pid, sig, time.Now().Unix())
	if err := os.WriteFile(filepath.Join(path, "holder"), []byte(content), 0o644); err != nil {
		return fmt.Errorf("write global lock holder: %w", err)
	}
	return nil
}

func readGlobalHolder(path string) (globalHolder, error) {
	b, err := os.ReadFile(filepath.Join(path, "holder"))
	if err != nil {
		return globalHolder{}, err
	}
	holder := globalHolder{}
	for _, line := range strings.Split(string(b), "\n") {
		key, value, found := strings.Cut(strings.TrimSpace(line), "=")
		if !found {
			continue
		}
		switch key {
		case "pid":
			holder.PID, _ = strconv.Atoi(value)
		case "start_sig":
			holder.StartSig = value
		case "started_at":
			holder.StartedAt, _ = strconv.ParseInt(value, 10, 64)
		}
	}
	if holder.PID <= 0 {
		return globalHolder{}, fmt.Errorf("global lock holder file has no pid")
	}
	return holder, nil
}

func holderAlive(holder globalHolder) bool {
	sig := ProcessStartSignature(holder.PID)
	if sig == "" {
		return false
	}
	return sig == holder.StartSig
}

// ProcessStartSignature returns a stable token for the process start time,
// precise enough to survive PID reuse. Empty means the process is gone.
func ProcessStartSignature(pid int) string {
	if pid <= 0 {
		return ""
	}
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return ""
	}
	// Field 22 (starttime) counts clock ticks since boot. The comm field may
	// contain spaces, so fields are counted from after its closing paren.
	stat := string(b)
	close := strings.LastIndexByte(stat, ')')
	if close < 0 || close+2 > len(stat) {
		return ""
	}
	fields := strings.Fields(stat[close+2:])
	// starttime is field 22 overall; fields[0] here is field 3 (state).
	if len(fields) < 20 {
		return ""
	}
	return fields[19]
}
