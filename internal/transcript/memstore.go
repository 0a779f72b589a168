package transcript

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Compile-time interface check.
var _ Store = (*MemStore)(nil)

// MemStore is an in-memory [Store]. It is used when no PostgreSQL DSN is
// configured and in tests. Entries are lost on process exit.
//
// Safe for concurrent use.
type MemStore struct {
	mu       sync.RWMutex
	sessions map[string][]Entry
}

// NewMemStore creates an empty in-memory transcript store.
func NewMemStore() *MemStore {
	return &MemStore{sessions: make(map[string][]Entry)}
}

// Append implements [Store].
func (s *MemStore) Append(_ context.Context, sessionID string, entry Entry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = append(s.sessions[sessionID], entry)
	return nil
}

// Recent implements [Store].
func (s *MemStore) Recent(_ context.Context, sessionID string, window time.Duration) ([]Entry, error) {
	cutoff := time.Now().Add(-window)

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []Entry{}
	for _, e := range s.sessions[sessionID] {
		if !e.Timestamp.Before(cutoff) {
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out, nil
}

// Session implements [Store].
func (s *MemStore) Session(_ context.Context, sessionID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, len(s.sessions[sessionID]))
	copy(out, s.sessions[sessionID])
	sortEntries(out)
	return out, nil
}

// Search implements [Store]. Matching is a case-insensitive substring scan;
// the PostgreSQL store provides real full-text search.
func (s *MemStore) Search(_ context.Context, query string, opts SearchOpts) ([]Entry, error) {
	q := strings.ToLower(query)

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []Entry{}
	for sessionID, entries := range s.sessions {
		if opts.SessionID != "" && sessionID != opts.SessionID {
			continue
		}
		for _, e := range entries {
			if !strings.Contains(strings.ToLower(e.Text), q) {
				continue
			}
			if opts.SpeakerID != "" && e.SpeakerID != opts.SpeakerID {
				continue
			}
			if !opts.After.IsZero() && !e.Timestamp.After(opts.After) {
				continue
			}
			if !opts.Before.IsZero() && !e.Timestamp.Before(opts.Before) {
				continue
			}
			out = append(out, e)
		}
	}
	sortEntries(out)
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// Close implements [Store]. It is a no-op for the in-memory store.
func (s *MemStore) Close() {}

func sortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
}
