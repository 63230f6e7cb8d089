package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type memEntry struct {
	state   HostAlertState
	touched time.Time
}

// MemoryStore is an in-process Store bounded two ways: entries untouched for
// longer than the TTL are evicted by Evict/Run, and once MaxEntries is
// reached the least recently used host is dropped on insert.
//
// With ttl >= the dedup window, TTL eviction never changes a decision: an
// evicted host would have been re-armed anyway.
type MemoryStore struct {
	// mu orders Save against Evict so an entry refreshed between Evict's
	// staleness check and its removal survives.
	mu    sync.Mutex
	cache *lru.Cache[string, memEntry]
	ttl   time.Duration
	now   func() time.Time // injectable for deterministic tests
}

// NewMemoryStore creates a MemoryStore holding at most maxEntries hosts.
func NewMemoryStore(maxEntries int, ttl time.Duration) (*MemoryStore, error) {
	cache, err := lru.New[string, memEntry](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("dedup: memory store: %w", err)
	}
	return &MemoryStore{cache: cache, ttl: ttl, now: time.Now}, nil
}

// Load returns the state for host. It never fails.
func (s *MemoryStore) Load(_ context.Context, host string) (HostAlertState, bool, error) {
	e, ok := s.cache.Get(host)
	if !ok {
		return HostAlertState{}, false, nil
	}
	return e.state, true, nil
}

// Save stores st for host and marks the entry as touched now.
func (s *MemoryStore) Save(_ context.Context, host string, st HostAlertState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if evicted := s.cache.Add(host, memEntry{state: st, touched: s.now()}); evicted {
		slog.Debug("dedup: state store full, dropped least recently used host",
			"max_entries", s.cache.Len())
	}
	return nil
}

// Len returns the number of hosts currently tracked.
func (s *MemoryStore) Len() int { return s.cache.Len() }

// Evict removes entries not touched since now minus TTL and returns how many
// were removed.
func (s *MemoryStore) Evict(now time.Time) int {
	cutoff := now.Add(-s.ttl)
	removed := 0

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, host := range s.cache.Keys() {
		e, ok := s.cache.Peek(host)
		if ok && !e.touched.After(cutoff) {
			s.cache.Remove(host)
			removed++
		}
	}
	return removed
}

// Run starts the background TTL eviction loop. It ticks at half the TTL
// (minimum 1 second) and blocks until ctx is cancelled.
func (s *MemoryStore) Run(ctx context.Context) {
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
				slog.Debug("dedup: evicted stale host state", "count", n, "remaining", s.Len())
			}
		}
	}
}
