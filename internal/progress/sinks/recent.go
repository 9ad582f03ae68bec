package sinks

import (
	"context"
	"sync"

	"github.com/JakeFAU/crawlfrontier/internal/progress"
)

const defaultRecentSize = 500

// RecentSink keeps the last N task events in a ring for the admin API.
type RecentSink struct {
	mu   sync.Mutex
	ring []progress.Event
	next int
	full bool
}

// NewRecentSink returns a sink remembering up to size events.
func NewRecentSink(size int) *RecentSink {
	if size <= 0 {
		size = defaultRecentSize
	}
	return &RecentSink{ring: make([]progress.Event, size)}
}

// Consume appends batch, overwriting the oldest events once full.
func (s *RecentSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		s.ring[s.next] = evt
		s.next = (s.next + 1) % len(s.ring)
		if s.next == 0 {
			s.full = true
		}
	}
	return nil
}

// Recent returns up to limit events, newest first. limit <= 0 means all.
func (s *RecentSink) Recent(limit int) []progress.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.next
	if s.full {
		n = len(s.ring)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]progress.Event, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (s.next - i + len(s.ring)) % len(s.ring)
		out = append(out, s.ring[idx])
	}
	return out
}

// Close implements progress.Sink.
func (s *RecentSink) Close(context.Context) error { return nil }
