package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ErrNoAddr is returned by ReadAddr when no running daemon advertises an address.
var ErrNoAddr = errors.New("no daemon address advertised")

// LockHeldError is returned when another process holds the session lock.
type LockHeldError struct {
	PID  int
	Path string
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("session lock held by PID %d (%s)", e.PID, e.Path)
}

// Lock represents an acquired session lock file.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes an exclusive lock on the session directory and records the
// holder's PID and HTTP listen address in it. Returns LockHeldError if another
// process already holds it.
func Acquire(sessionDir, addr string) (*Lock, error) {
	lockPath := filepath.Join(sessionDir, "LOCK")

	if err := os.MkdirAll(sessionDir, 0700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		data, _ := os.ReadFile(lockPath)
		pid, _ := parseFields(string(data))
		_ = f.Close()
		return nil, &LockHeldError{PID: pid, Path: lockPath}
	}

	l := &Lock{file: f, path: lockPath}
	if err := l.Advertise(addr); err != nil {
		_ = f.Close()
		return nil, err
	}
	return l, nil
}

// Advertise rewrites the lock contents with a new listen address.
func (l *Lock) Advertise(addr string) error {
	if err := l.file.Truncate(0); err != nil {
		return err
	}
	if _, err := l.file.Seek(0, 0); err != nil {
		return err
	}
	content := fmt.Sprintf("pid=%d\naddr=%s\ntime=%s\n", os.Getpid(), addr, time.Now().UTC().Format(time.RFC3339))
	_, err := l.file.WriteString(content)
	return err
}

// Release releases the lock. Safe to call on nil receiver.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove lock file before closing to avoid stale files.
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

// ReadAddr returns the HTTP address advertised by the daemon holding the
// session lock in sessionDir.
func ReadAddr(sessionDir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(sessionDir, "LOCK"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNoAddr
		}
		return "", err
	}
	_, addr := parseFields(string(data))
	if addr == "" {
		return "", ErrNoAddr
	}
	return addr, nil
}

func parseFields(content string) (pid int, addr string) {
	for _, line := range strings.Split(content, "\n") {
		if after, ok := strings.CutPrefix(line, "pid="); ok {
			pid, _ = strconv.Atoi(after)
		}
		if after, ok := strings.CutPrefix(line, "addr="); ok {
			addr = after
		}
	}
	return pid, addr
}
