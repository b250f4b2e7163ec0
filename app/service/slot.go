package service

import (
	"path/filepath"
	"sync"
)

// Slot guards working directories against concurrent jobs. Progress artifacts have fixed
// names inside the working directory, a second job there would overwrite them.
type Slot struct {
	active map[string]bool
	lock   sync.Mutex
}

// NewSlot makes empty Slot
func NewSlot() *Slot {
	return &Slot{active: make(map[string]bool)}
}

// Acquire marks directory busy, fails if already busy
func (s *Slot) Acquire(dir string) bool {
	key := filepath.Clean(dir)
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.active[key] {
		return false
	}
	s.active[key] = true
	return true
}

// Release frees directory. Safe to call multiple times
func (s *Slot) Release(dir string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.active, filepath.Clean(dir))
}
