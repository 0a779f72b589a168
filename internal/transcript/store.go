// Package transcript defines persistence for relay conversation transcripts.
//
// Every utterance forwarded to the AI service and every reply transcript the
// service produces is recorded as an [Entry]. Stores are keyed by session ID
// (the voice channel the relay is serving) so that concurrent sessions keep
// separate logs.
//
// Two implementations exist: [MemStore] for tests and DSN-less deployments,
// and the PostgreSQL-backed store in this package. Every implementation must
// be safe for concurrent use.
package transcript

import (
	"context"
	"time"
)

// Role identifies which side of the conversation produced an entry.
type Role string

const (
	// RoleUser marks an entry spoken by a human participant.
	RoleUser Role = "user"

	// RoleAssistant marks an entry produced by the AI service.
	RoleAssistant Role = "assistant"
)

// Entry is a single transcript line.
type Entry struct {
	// SpeakerID identifies who produced this entry. For assistant entries
	// this is empty.
	SpeakerID string

	// SpeakerName is the display name of the speaker, when known.
	SpeakerName string

	// Role is the conversation side that produced the entry.
	Role Role

	// Text is the transcribed content.
	Text string

	// Timestamp is when the entry was recorded.
	Timestamp time.Time
}

// SearchOpts configures a search over transcript entries.
// All non-zero fields are applied as AND conditions.
type SearchOpts struct {
	// SessionID restricts the search to a single session.
	// An empty string searches across all sessions.
	SessionID string

	// After filters entries recorded after this instant (exclusive).
	After time.Time

	// Before filters entries recorded before this instant (exclusive).
	Before time.Time

	// SpeakerID restricts results to a specific speaker.
	SpeakerID string

	// Limit caps the number of results returned.
	// A value of 0 means the implementation may apply its own default.
	Limit int
}

// Store is the transcript persistence interface.
type Store interface {
	// Append records entry under sessionID.
	Append(ctx context.Context, sessionID string, entry Entry) error

	// Recent returns all entries for sessionID recorded within the last
	// window, ordered chronologically (oldest first).
	Recent(ctx context.Context, sessionID string, window time.Duration) ([]Entry, error)

	// Session returns every entry for sessionID in chronological order.
	Session(ctx context.Context, sessionID string) ([]Entry, error)

	// Search performs a keyword search over entry text, applying the
	// filters in opts.
	Search(ctx context.Context, query string, opts SearchOpts) ([]Entry, error)

	// Close releases any resources held by the store.
	Close()
}
