//go:build linux

package store

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// keyLock is an exclusive flock on a per-key lock file. The kernel drops the
// lock when the descriptor closes, so a crashed writer never leaves a key
// locked.
type keyLock struct {
	file *os.File
}

func acquireKeyLock(path string) (*keyLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}
	return &keyLock{file: f}, nil
}

// Release unlocks and closes the lock file. Safe to call more than once.
func (l *keyLock) Release() {
	if l == nil || l.file == nil {
		return
	}
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		log.Debug().Err(err).Str("path", l.file.Name()).Msg("flock unlock failed")
	}
	if err := l.file.Close(); err != nil {
		log.Debug().Err(err).Str("path", l.file.Name()).Msg("lock file close failed")
	}
	l.file = nil
}
