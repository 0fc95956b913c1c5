// Package lock guards a bootstrap run against a concurrent run on the same
// machine. It holds an flock(2) on a well-known file and stamps the holder's
// PID into it. The kernel drops the flock when the holder dies, so a crashed
// run never blocks the next one.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"piswarm/internal/logging"
)

// ErrAlreadyLocked is matched by the error Acquire returns when another
// process holds the lock.
var ErrAlreadyLocked = errors.New("another bootstrap run holds the lock")

// HeldError describes the current holder.
type HeldError struct {
	Path  string
	PID   int  // 0 when the file carries no PID
	Alive bool // whether PID is a running process
}

func (e *HeldError) Error() string {
	if e.PID == 0 {
		return fmt.Sprintf("%s: %s", ErrAlreadyLocked, e.Path)
	}
	return fmt.Sprintf("%s: %s (pid %d)", ErrAlreadyLocked, e.Path, e.PID)
}

func (e *HeldError) Is(target error) bool { return target == ErrAlreadyLocked }

// Manager owns one lock file.
type Manager struct {
	path string

	mu   sync.Mutex
	file *os.File
}

// New returns a Manager for the lock file at path.
func New(path string) *Manager {
	return &Manager{path: path}
}

// Path returns the lock file path.
func (m *Manager) Path() string { return m.path }

// Acquire takes the lock without blocking. Acquiring a lock this Manager
// already holds is a no-op.
func (m *Manager) Acquire() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file != nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}
	f, err := os.OpenFile(m.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open lock file %s: %w", m.path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return m.holder()
		}
		return fmt.Errorf("failed to lock %s: %w", m.path, err)
	}

	if prev := readPID(m.path); prev != 0 && prev != os.Getpid() {
		logging.L().Warnw("taking over abandoned lock", "path", m.path, "previousPid", prev)
	}
	if err := stampPID(f); err != nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return err
	}

	m.file = f
	logging.L().Debugw("lock acquired", "path", m.path, "pid", os.Getpid())
	return nil
}

// Release drops the lock. Releasing an unheld lock is a no-op.
func (m *Manager) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return nil
	}
	f := m.file
	m.file = nil

	// The file stays in place; unlinking it would split waiters across inodes.
	_ = f.Truncate(0)
	unlockErr := unix.Flock(int(f.Fd()), unix.LOCK_UN)
	closeErr := f.Close()
	logging.L().Debugw("lock released", "path", m.path)
	if unlockErr != nil {
		return fmt.Errorf("failed to unlock %s: %w", m.path, unlockErr)
	}
	return closeErr
}

func (m *Manager) holder() error {
	held := &HeldError{Path: m.path, PID: readPID(m.path)}
	if held.PID > 0 {
		held.Alive = processAlive(held.PID)
	}
	return held
}

func stampPID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate lock file: %w", err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		return fmt.Errorf("failed to write pid to lock file: %w", err)
	}
	return f.Sync()
}

func readPID(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}

// processAlive uses kill(pid, 0); EPERM still means the process exists.
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
