// Package lockfile keeps two SurveyPipe processes from sharing one state directory.
//
// The in-memory guard only deduplicates deliveries and serializes conversations within one
// process, so a second instance on the same state directory (same SQLite files, same outbox)
// would break both. The lock is an flock on a file in the state directory; the kernel drops it
// when the process exits, however it exits.
package lockfile

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the state directory
const LockFileName = "surveypipe.lock"

// Info is the content of a lock file.
type Info struct {
	PID     int
	Host    string
	Started time.Time
	Purpose string // what the holder protects, e.g. "memory guard"
}

// String renders the info as key=value lines.
func (i Info) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "pid=%d\n", i.PID)
	if i.Host != "" {
		fmt.Fprintf(&sb, "host=%s\n", i.Host)
	}
	if !i.Started.IsZero() {
		fmt.Fprintf(&sb, "started=%s\n", i.Started.UTC().Format(time.RFC3339))
	}
	if i.Purpose != "" {
		fmt.Fprintf(&sb, "purpose=%s\n", i.Purpose)
	}
	return sb.String()
}

// ParseInfo reads lock file content. Unknown and malformed lines are skipped.
func ParseInfo(content string) Info {
	var info Info
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			if pid, err := strconv.Atoi(value); err == nil && pid > 0 {
				info.PID = pid
			}
		case "host":
			info.Host = value
		case "started":
			if ts, err := time.Parse(time.RFC3339, value); err == nil {
				info.Started = ts
			}
		case "purpose":
			info.Purpose = value
		}
	}
	return info
}

// Lock represents an active directory lock
type Lock struct {
	file *os.File
	path string
}

// AcquireLock takes the exclusive lock of stateDir, creating the directory if needed. It fails
// immediately with a *LockError when another process holds the lock.
func AcquireLock(stateDir, purpose string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	slog.Debug("lockfile.AcquireLock: acquiring", "lock_path", lockPath, "purpose", purpose)

	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	// O_TRUNC would wipe the holder's info before we know we own the lock.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		existing := describeHolder(lockPath)
		slog.Error("lockfile.AcquireLock: another SurveyPipe instance holds the lock", "lock_path", lockPath, "holder", existing, "error", err)
		return nil, &LockError{LockPath: lockPath, ExistingInfo: existing, Cause: err}
	}

	host, _ := os.Hostname()
	info := Info{PID: os.Getpid(), Host: host, Started: time.Now(), Purpose: purpose}
	if err := writeInfo(file, info); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}

	slog.Info("lockfile.AcquireLock: acquired", "lock_path", lockPath, "pid", info.PID)
	return &Lock{file: file, path: lockPath}, nil
}

func writeInfo(file *os.File, info Info) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.WriteAt([]byte(info.String()), 0); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("lockfile.writeInfo: sync failed", "error", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release drops the lock and removes the lock file. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Error("lockfile.Release: unlock failed", "error", err, "lock_path", l.path)
	}
	if err := l.file.Close(); err != nil {
		slog.Error("lockfile.Release: close failed", "error", err, "lock_path", l.path)
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("lockfile.Release: remove failed", "error", err, "lock_path", l.path)
	}
	l.file = nil
	slog.Info("lockfile.Release: released", "lock_path", l.path)
	return nil
}

// LockError reports a lock held by another process.
type LockError struct {
	LockPath     string
	ExistingInfo string
	Cause        error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("another SurveyPipe instance is using this state directory (lock file %s)", e.LockPath)
	if e.ExistingInfo != "" {
		msg += "; holder: " + e.ExistingInfo
	}
	return msg + ". Remove the lock file only if that process is gone, or use the Redis guard to run several instances"
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// describeHolder summarizes the lock file of the current holder for error messages.
func describeHolder(lockPath string) string {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return "unreadable lock file"
	}
	info := ParseInfo(string(data))
	if info.PID == 0 {
		return "no process information"
	}
	state := "not running, stale lock"
	if isProcessRunning(info.PID) {
		state = "running"
	}
	desc := fmt.Sprintf("PID %d (%s)", info.PID, state)
	if info.Host != "" {
		desc += " on " + info.Host
	}
	if !info.Started.IsZero() {
		desc += " since " + info.Started.Format(time.RFC3339)
	}
	return desc
}

// isProcessRunning probes pid with signal 0.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
