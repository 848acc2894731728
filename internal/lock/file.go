package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// FileLocker creates one lock file per name in Dir with O_EXCL. The file
// holds the owner pid; a file left behind by a dead process is reclaimed.
type FileLocker struct {
	Dir    string
	Logger *slog.Logger
}

func NewFileLocker(dir string, logger *slog.Logger) *FileLocker {
	return &FileLocker{Dir: dir, Logger: logger.With("component", "lock")}
}

func (l *FileLocker) path(name string) string {
	return filepath.Join(l.Dir, "keeper-"+strings.ToLower(name)+".lock")
}

func (l *FileLocker) Acquire(ctx context.Context, name string) (func() error, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(l.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	path := l.path(name)

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
			if cerr := f.Close(); werr == nil {
				werr = cerr
			}
			if werr != nil {
				os.Remove(path)
				return nil, fmt.Errorf("write lock file %s: %w", path, werr)
			}
			l.Logger.Info("lock acquired", "name", name, "path", path)

			var once sync.Once
			return func() error {
				var rerr error
				once.Do(func() {
					if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
						rerr = fmt.Errorf("remove lock file %s: %w", path, err)
					}
				})
				return rerr
			}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create lock file %s: %w", path, err)
		}

		pid, alive := ownerAlive(path)
		if alive {
			return nil, fmt.Errorf("%w: %s (pid %d)", ErrHeld, name, pid)
		}
		l.Logger.Warn("reclaiming stale lock file", "name", name, "path", path, "pid", pid)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale lock file %s: %w", path, err)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrHeld, name)
}

// ownerAlive reads the pid from a lock file. An unreadable file is treated
// as held.
func ownerAlive(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, !errors.Is(err, os.ErrNotExist)
	}
	first, _, _ := strings.Cut(string(data), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil || pid <= 0 {
		return 0, true
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return pid, false
	}
	err = proc.Signal(syscall.Signal(0))
	return pid, err == nil || errors.Is(err, syscall.EPERM)
}
