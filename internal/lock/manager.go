// Package lock serializes work on the same source tree.
//
// Snapshot and backup creation for one source path must not overlap, while
// different sources proceed concurrently. Manager combines an in-process
// keyed mutex with an flock on a per-key file so that separate ckpt
// processes sharing a storage root are serialized as well.
package lock

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// KeyedMutex hands out one mutex per key. Entries are reference counted and
// dropped when no goroutine holds or waits for them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*entry)}
}

// Lock blocks until key is free and returns its unlock function.
func (k *KeyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &entry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			k.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(k.locks, key)
			}
			k.mu.Unlock()
		})
	}
}

// Len returns the number of keys currently held or awaited.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// Manager locks source paths within and across processes.
type Manager struct {
	dir   string
	local *KeyedMutex
}

// NewManager creates a manager keeping lock files in dir. An empty dir
// disables cross-process locking.
func NewManager(dir string) *Manager {
	return &Manager{dir: dir, local: NewKeyedMutex()}
}

// Acquire locks the given source path and returns its release function.
func (m *Manager) Acquire(source string) (func(), error) {
	key := filepath.Clean(source)
	release := m.local.Lock(key)
	if m.dir == "" {
		return release, nil
	}

	if err := os.MkdirAll(m.dir, 0755); err != nil {
		release()
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	sum := sha256.Sum256([]byte(key))
	path := filepath.Join(m.dir, hex.EncodeToString(sum[:8])+".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		release()
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := flock(f); err != nil {
		f.Close()
		release()
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			funlock(f)
			f.Close()
			release()
		})
	}, nil
}
