// Package proclock guards against concurrent process instances with a lock file.
package proclock

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ErrCollision indicates another instance holds the lock.
var ErrCollision = fmt.Errorf("process lock is held by another instance")

// Lock is an acquired process lock.
type Lock struct {
	file *os.File
}

func lockPath(name string) string {
	dir := "/var/run"
	if os.Geteuid() != 0 {
		dir = os.TempDir()
	}
	return filepath.Join(dir, name+".lock")
}

// Acquire takes the singleton process lock for the given program name.
// The lock file lives under /var/run with root privilege, the temp directory otherwise.
func Acquire(name string) (*Lock, error) {
	file, e := os.OpenFile(lockPath(name), os.O_CREATE|os.O_RDWR, 0o644)
	if e != nil {
		return nil, fmt.Errorf("open lock file: %w", e)
	}
	if e := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); e != nil {
		file.Close()
		if e == unix.EWOULDBLOCK {
			return nil, ErrCollision
		}
		return nil, fmt.Errorf("flock: %w", e)
	}
	fmt.Fprintf(file, "%d\n", os.Getpid())
	return &Lock{file: file}, nil
}

// Release drops the lock and removes the lock file.
func (lk *Lock) Release() error {
	if lk.file == nil {
		return nil
	}
	path := lk.file.Name()
	unix.Flock(int(lk.file.Fd()), unix.LOCK_UN)
	e := lk.file.Close()
	os.Remove(path)
	lk.file = nil
	return e
}
