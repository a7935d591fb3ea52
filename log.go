package litecask

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap/zapcore"
)

// rotatingLogCore is the zapcore.WriteSyncer backing a Datastore's logger. It
// writes to `<path>/litecask.log` and rotates that file to `litecask1.log`,
// `litecask2.log`, ... once it exceeds maxLogFileBytes, deleting whatever
// falls off the end of the maxRotatedLogQty window, per spec.md §6's
// on-disk-layout description ("0 is newest").
type rotatingLogCore struct {
	mu   sync.Mutex
	dir  string
	file *os.File
	size int64
}

func newRotatingLogCore(dir string) *rotatingLogCore {
	c := &rotatingLogCore{dir: dir}
	c.openCurrent()
	return c
}

func (c *rotatingLogCore) currentPath() string {
	return filepath.Join(c.dir, "litecask.log")
}

func (c *rotatingLogCore) rotatedPath(n int) string {
	return filepath.Join(c.dir, fmt.Sprintf("litecask%d.log", n))
}

func (c *rotatingLogCore) openCurrent() {
	f, err := os.OpenFile(c.currentPath(), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		// Logging is best-effort: a store that cannot open its own log file
		// still needs to serve reads and writes, so fall back to discarding.
		c.file = nil
		c.size = 0
		return
	}
	info, statErr := f.Stat()
	c.file = f
	if statErr == nil {
		c.size = info.Size()
	}
}

// Write implements zapcore.WriteSyncer.
func (c *rotatingLogCore) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file == nil {
		return len(p), nil
	}
	n, err := c.file.Write(p)
	c.size += int64(n)
	return n, err
}

// Sync implements zapcore.WriteSyncer.
func (c *rotatingLogCore) Sync() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file == nil {
		return nil
	}
	return c.file.Sync()
}

// RotateIfNeeded rotates the active log file once it exceeds maxLogFileBytes.
// Called from the upkeep tick, per spec.md §4.H ("rotates logs").
func (c *rotatingLogCore) RotateIfNeeded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file == nil || c.size < maxLogFileBytes {
		return
	}

	_ = c.file.Close()

	_ = os.Remove(c.rotatedPath(maxRotatedLogQty))
	for n := maxRotatedLogQty - 1; n >= 1; n-- {
		_ = os.Rename(c.rotatedPath(n), c.rotatedPath(n+1))
	}
	_ = os.Rename(c.currentPath(), c.rotatedPath(1))

	c.openCurrent()
}

var _ zapcore.WriteSyncer = (*rotatingLogCore)(nil)
