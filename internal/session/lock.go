package session

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// Lock is an advisory per-fingerprint lock preventing two pipeline processes
// from interleaving writes to the same session record.
type Lock struct {
	path string
}

// Acquire takes the advisory lock for a fingerprint. A leftover lock whose
// owning process is gone is broken and re-acquired.
func (s *Store) Acquire(fingerprint string) (*Lock, error) {
	path := s.sessionPath(fingerprint) + ".lock"

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			if cerr := f.Close(); cerr != nil {
				_ = os.Remove(path)
				return nil, fmt.Errorf("%w: writing lock file: %v", ErrPersistence, cerr)
			}
			return &Lock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("%w: creating lock file: %v", ErrPersistence, err)
		}

		pid, readErr := readLockPID(path)
		if readErr == nil && processAlive(pid) {
			return nil, fmt.Errorf("session %s is locked by running process %d", fingerprint, pid)
		}

		// Stale lock from a dead process
		s.logger.Warn("Breaking stale session lock", "fingerprint", fingerprint, "pid", pid)
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, fmt.Errorf("%w: removing stale lock: %v", ErrPersistence, rmErr)
		}
	}

	return nil, fmt.Errorf("session %s is locked", fingerprint)
}

// Release removes the lock file.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: releasing lock: %v", ErrPersistence, err)
	}
	return nil
}

func readLockPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// processAlive reports whether a PID refers to a live process we could
// signal. Signal 0 performs the existence check without delivering anything.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || err == syscall.EPERM
}
