package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/obsidianstack/relay/pkg/types"
)

// Entry is a sample together with the agent that sent it and the time it was
// last received. Entries returned by the store must be treated as read-only.
type Entry struct {
	Key       string       `json:"key"`
	AgentID   string       `json:"agent_id"`
	Sample    types.Sample `json:"sample"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// SourceSummary aggregates the live series of one source.
type SourceSummary struct {
	Source     string    `json:"source"`
	AgentID    string    `json:"agent_id"`
	Series     int       `json:"series"`
	LastUpdate time.Time `json:"last_update"`
}

// Store is a thread-safe in-memory series store, keyed by series key.
// A background goroutine (Run) periodically evicts entries that have not
// been updated within the configured TTL.
type Store struct {
	mu   sync.RWMutex
	data map[string]*Entry
	ttl  time.Duration
	now  func() time.Time // injectable for deterministic tests
}

// New creates a Store with the given TTL.
func New(ttl time.Duration) *Store {
	return &Store{
		data: make(map[string]*Entry),
		ttl:  ttl,
		now:  time.Now,
	}
}

// TTL returns the retention configured for the store.
func (s *Store) TTL() time.Duration { return s.ttl }

// Put stores or replaces the sample for s.Key().
// Callers must not modify sample after calling Put.
func (s *Store) Put(agentID string, sample types.Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(agentID, sample, s.now())
}

// PutBatch stores every sample of b under one lock with one timestamp.
func (s *Store) PutBatch(b *types.Batch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, sample := range b.Samples {
		s.put(b.AgentID, sample, now)
	}
}

func (s *Store) put(agentID string, sample types.Sample, now time.Time) {
	key := sample.Key()
	s.data[key] = &Entry{
		Key:       key,
		AgentID:   agentID,
		Sample:    sample,
		UpdatedAt: now,
	}
}

// Get returns the Entry for the given series key and a boolean indicating
// whether an entry was found. The entry may be stale if TTL has elapsed.
func (s *Store) Get(key string) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[key]
	return e, ok
}

// List returns all entries whose UpdatedAt is within the TTL, sorted by key.
// Stale entries that have not yet been evicted are excluded.
func (s *Store) List() []*Entry {
	s.mu.RLock()
	cutoff := s.now().Add(-s.ttl)
	out := make([]*Entry, 0, len(s.data))
	for _, e := range s.data {
		if e.UpdatedAt.After(cutoff) {
			out = append(out, e)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Sources summarises the live entries per source, sorted by source name.
func (s *Store) Sources() []SourceSummary {
	bySource := make(map[string]*SourceSummary)
	for _, e := range s.List() {
		sum, ok := bySource[e.Sample.Source]
		if !ok {
			sum = &SourceSummary{Source: e.Sample.Source}
			bySource[e.Sample.Source] = sum
		}
		sum.Series++
		if e.UpdatedAt.After(sum.LastUpdate) {
			sum.LastUpdate = e.UpdatedAt
			sum.AgentID = e.AgentID
		}
	}

	out := make([]SourceSummary, 0, len(bySource))
	for _, sum := range bySource {
		out = append(out, *sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// Count returns the total number of entries currently held, including stale ones.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Evict removes entries whose UpdatedAt is older than now minus TTL.
// It returns the number of entries removed.
func (s *Store) Evict(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-s.ttl)
	removed := 0
	for key, e := range s.data {
		if !e.UpdatedAt.After(cutoff) {
			delete(s.data, key)
			removed++
		}
	}
	return removed
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
				slog.Debug("store: evicted stale series", "count", n)
			}
		}
	}
}
