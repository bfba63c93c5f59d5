package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

const (
	// DefaultLockTimeout is the maximum time to wait for the lock.
	DefaultLockTimeout = 5 * time.Second
	// DefaultPollInterval is how often to check if the lock is available.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultStaleTimeout is how long an unreadable lock file is honored.
	DefaultStaleTimeout = 30 * time.Second

	lockFileName = "conduit.lock"
)

// LockError is returned when the data directory lock cannot be acquired.
type LockError struct {
	Message string
	// OwnerPID is the pid recorded by the current holder, if known.
	OwnerPID int
	Cause    error
}

func (e *LockError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// LockHandle represents an acquired data directory lock.
type LockHandle struct {
	LockPath string
	file     *os.File
	released bool
}

// Release removes the lock file. It is safe to call more than once and on a
// nil handle.
func (h *LockHandle) Release() error {
	if h == nil || h.released {
		return nil
	}
	h.released = true

	if h.file != nil {
		_ = h.file.Close()
	}
	if err := os.Remove(h.LockPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// LockOptions configures lock acquisition.
type LockOptions struct {
	// DataDir holds the session store and the lock file.
	DataDir string
	// Addr is recorded in the lock file for diagnostics.
	Addr         string
	Timeout      time.Duration
	PollInterval time.Duration
	StaleTimeout time.Duration
	// AllowMultiple disables the lock.
	AllowMultiple bool
}

type lockPayload struct {
	PID       int    `json:"pid"`
	CreatedAt string `json:"created_at"`
	Addr      string `json:"addr,omitempty"`
}

// AcquireDataDirLock keeps two brokers from overwriting the same session
// store. It returns a nil handle when AllowMultiple is set.
func AcquireDataDirLock(opts LockOptions) (*LockHandle, error) {
	if opts.AllowMultiple || os.Getenv("CONDUIT_ALLOW_MULTI") == "1" {
		return nil, nil
	}
	if opts.DataDir == "" {
		return nil, &LockError{Message: "data directory is required"}
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultLockTimeout
	}
	pollInterval := opts.PollInterval
	if pollInterval == 0 {
		pollInterval = DefaultPollInterval
	}
	staleTimeout := opts.StaleTimeout
	if staleTimeout == 0 {
		staleTimeout = DefaultStaleTimeout
	}

	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, &LockError{
			Message: fmt.Sprintf("failed to create data directory %s", opts.DataDir),
			Cause:   err,
		}
	}
	lockPath := filepath.Join(opts.DataDir, lockFileName)

	deadline := time.Now().Add(timeout)
	var owner *lockPayload
	for {
		file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			data, _ := json.Marshal(lockPayload{
				PID:       os.Getpid(),
				CreatedAt: time.Now().UTC().Format(time.RFC3339),
				Addr:      opts.Addr,
			})
			if _, err := file.Write(data); err != nil {
				_ = file.Close()
				_ = os.Remove(lockPath)
				return nil, &LockError{Message: "failed to write lock file", Cause: err}
			}
			return &LockHandle{LockPath: lockPath, file: file}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, &LockError{
				Message: fmt.Sprintf("failed to acquire lock at %s", lockPath),
				Cause:   err,
			}
		}

		owner = readLockPayload(lockPath)
		if owner != nil && !isProcessAlive(owner.PID) {
			_ = os.Remove(lockPath)
			continue
		}
		if owner == nil && isLockFileStale(lockPath, staleTimeout) {
			_ = os.Remove(lockPath)
			continue
		}

		if time.Now().After(deadline) {
			break
		}
		time.Sleep(pollInterval)
	}

	lockErr := &LockError{Message: fmt.Sprintf("another broker is using %s; lock timeout after %v", opts.DataDir, timeout)}
	if owner != nil {
		lockErr.OwnerPID = owner.PID
		lockErr.Message = fmt.Sprintf("another broker (pid %d) is using %s; lock timeout after %v", owner.PID, opts.DataDir, timeout)
	}
	return nil, lockErr
}

func readLockPayload(lockPath string) *lockPayload {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return nil
	}
	var payload lockPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.PID <= 0 {
		return nil
	}
	return &payload
}

// isProcessAlive sends signal 0 to pid.
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func isLockFileStale(lockPath string, staleTimeout time.Duration) bool {
	info, err := os.Stat(lockPath)
	if err != nil {
		return true
	}
	return time.Since(info.ModTime()) > staleTimeout
}
