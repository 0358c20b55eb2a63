package backend

import "sync"

// UpgradeLock lets any number of relays stream from the backend while
// excluding them for the duration of a container swap. Relays take the read
// side for the whole request/response, Upgrade takes the write side.
type UpgradeLock struct {
	mu sync.RWMutex
}

func NewUpgradeLock() *UpgradeLock {
	return &UpgradeLock{}
}

func (l *UpgradeLock) RLock()   { l.mu.RLock() }
func (l *UpgradeLock) RUnlock() { l.mu.RUnlock() }
func (l *UpgradeLock) Lock()    { l.mu.Lock() }
func (l *UpgradeLock) Unlock()  { l.mu.Unlock() }

// TryLock reports whether the write side was acquired without waiting.
func (l *UpgradeLock) TryLock() bool { return l.mu.TryLock() }
