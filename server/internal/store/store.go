package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/obsidianstack/lumberjack/pkg/types"
)

// Entry is a received event together with its wire sequence number and the
// time it arrived. ID increases across the whole store; Seq restarts with
// every shipper session.
type Entry struct {
	ID         uint64
	Seq        uint32
	Event      types.Event
	ReceivedAt time.Time
}

// Store is a thread-safe in-memory event store ordered by arrival.
// A background goroutine (Run) periodically evicts entries older than the
// configured TTL; Put evicts the oldest entry once MaxEvents is reached.
type Store struct {
	mu      sync.RWMutex
	entries []*Entry
	nextID  uint64
	ttl     time.Duration
	max     int
	now     func() time.Time // injectable for deterministic tests
}

// New creates a Store with the given TTL and size cap.
func New(ttl time.Duration, maxEvents int) *Store {
	return &Store{
		ttl:    ttl,
		max:    maxEvents,
		nextID: 1,
		now:    time.Now,
	}
}

// Put appends ev and returns the stored entry.
func (s *Store) Put(seq uint32, ev types.Event) *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := &Entry{ID: s.nextID, Seq: seq, Event: ev, ReceivedAt: s.now()}
	s.nextID++
	s.entries = append(s.entries, e)
	if over := len(s.entries) - s.max; s.max > 0 && over > 0 {
		s.drop(over)
	}
	return e
}

// List returns live entries with ID > after, oldest first, at most limit of
// them (limit <= 0 means no limit). Stale entries not yet evicted are excluded.
func (s *Store) List(after uint64, limit int) []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := s.now().Add(-s.ttl)
	out := make([]*Entry, 0)
	for _, e := range s.entries {
		if e.ID <= after || !e.ReceivedAt.After(cutoff) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Count returns the total number of entries currently held, including stale ones.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// LastID returns the ID of the most recent entry, or 0 if none was stored.
func (s *Store) LastID() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextID - 1
}

// TTL returns the configured retention.
func (s *Store) TTL() time.Duration { return s.ttl }

// Evict removes entries whose ReceivedAt is older than now minus TTL.
// It returns the number of entries removed.
func (s *Store) Evict(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-s.ttl)
	n := 0
	for n < len(s.entries) && !s.entries[n].ReceivedAt.After(cutoff) {
		n++
	}
	s.drop(n)
	return n
}

// drop removes the n oldest entries. Must be called with mu held.
func (s *Store) drop(n int) {
	if n <= 0 {
		return
	}
	for i := 0; i < n; i++ {
		s.entries[i] = nil
	}
	s.entries = append(s.entries[:0], s.entries[n:]...)
}

// Run starts the background TTL eviction loop. It ticks at half the TTL interval
// (minimum 1 second) so entries are evicted promptly. Run blocks until ctx is
// cancelled.
func (s *Store) Run(ctx context.Context) {
	interval := s.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := s.Evict(now); n > 0 {
				slog.Debug("store: evicted stale events", "count", n)
			}
		}
	}
}
