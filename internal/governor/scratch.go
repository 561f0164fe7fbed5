package governor

import (
	"encoding/json"
	"sync"
	"time"
)

// Scratch holds short-lived values handed between calls. Entries live until
// deleted, released with their owning operation, or swept for age.
type Scratch struct {
	mu    sync.Mutex
	items map[string]scratchEntry
	now   func() time.Time
}

type scratchEntry struct {
	value  any
	stored time.Time
}

func newScratch(now func() time.Time) *Scratch {
	return &Scratch{items: make(map[string]scratchEntry), now: now}
}

// Set stores value under key.
func (s *Scratch) Set(key string, value any) {
	s.mu.Lock()
	s.items[key] = scratchEntry{value: value, stored: s.now()}
	s.mu.Unlock()
}

// Get returns the value stored under key.
func (s *Scratch) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[key]
	return e.value, ok
}

// Delete removes key.
func (s *Scratch) Delete(key string) {
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
}

// Len returns the number of entries.
func (s *Scratch) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *Scratch) sweepOlderThan(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for k, e := range s.items {
		if now.Sub(e.stored) > maxAge {
			delete(s.items, k)
			removed++
		}
	}
	return removed
}

func (s *Scratch) dropLargerThan(maxBytes int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, e := range s.items {
		if size, ok := serializedSize(e.value); ok && size > maxBytes {
			delete(s.items, k)
			removed++
		}
	}
	return removed
}

// serializedSize estimates the encoded size of v. Values that cannot be
// encoded report ok=false and are left alone.
func serializedSize(v any) (int, bool) {
	switch val := v.(type) {
	case nil:
		return 0, true
	case string:
		return len(val), true
	case []byte:
		return len(val), true
	}
	b, err := json.Marshal(v)
	if err != nil {
		return 0, false
	}
	return len(b), true
}
