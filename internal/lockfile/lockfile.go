// Package lockfile provides the exclusive store-directory lock described in
// spec.md §4.I: a single store directory may only ever be opened by one
// process at a time.
package lockfile

import (
	"os"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
)

// ErrAlreadyLocked is returned by Acquire when another process already holds
// the lock on the same directory.
var ErrAlreadyLocked = errors.New("store directory is already locked by another process")

// Lock represents a held exclusive lock on a store directory.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes an exclusive lock on dir/lock, creating the file if needed.
// It returns ErrAlreadyLocked if another live process holds it.
func Acquire(dir string) (*Lock, error) {
	path := filepath.Join(dir, "lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, ErrAlreadyLocked
		}
		return nil, errors.WithStack(err)
	}

	return &Lock{file: f, path: path}, nil
}

// Release unlocks and closes the lock file. The file itself is left on disk;
// only the advisory flock is dropped.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		l.file.Close()
		return errors.WithStack(err)
	}
	return l.file.Close()
}
