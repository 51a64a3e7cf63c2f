//go:build !linux

package store

import "sync"

// Without flock, writers are serialized per key within this process only.
var keyMutexes sync.Map

type keyLock struct {
	mu *sync.Mutex
}

func acquireKeyLock(path string) (*keyLock, error) {
	v, _ := keyMutexes.LoadOrStore(path, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return &keyLock{mu: mu}, nil
}

// Release unlocks the key. Safe to call more than once.
func (l *keyLock) Release() {
	if l == nil || l.mu == nil {
		return
	}
	l.mu.Unlock()
	l.mu = nil
}
