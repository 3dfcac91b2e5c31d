// Package dedupe tracks ids already seen within one pass over input records.
//
// The ranking engine replays full history every epoch, so a repeated match or
// signal id means the upstream store returned the same record twice. Both
// computation components use a Set per run to detect that.
package dedupe

import (
	"context"
	"sync"
)

// Set records seen ids. It never forgets an id, so every repeat within a
// pass is reported.
type Set interface {
	// SeenAndRecord reports whether id was already recorded and records it
	// if not. Safe for concurrent use.
	SeenAndRecord(ctx context.Context, id string) bool

	// Size returns the number of recorded ids.
	Size() int64
}

// Option configures an in-memory Set.
type Option func(*memorySet)

// WithExpectedSize pre-sizes the backing map.
func WithExpectedSize(n int) Option {
	return func(s *memorySet) {
		if n > 0 {
			s.expected = n
		}
	}
}

type memorySet struct {
	mu       sync.Mutex
	seen     map[string]struct{}
	expected int
}

// NewSet returns an in-memory Set.
func NewSet(opts ...Option) Set {
	s := &memorySet{}
	for _, opt := range opts {
		opt(s)
	}
	s.seen = make(map[string]struct{}, s.expected)
	return s
}

func (s *memorySet) SeenAndRecord(_ context.Context, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[id]; ok {
		return true
	}
	s.seen[id] = struct{}{}
	return false
}

func (s *memorySet) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.seen))
}
