package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Key identifies one cached remote result. Keys built from logically
// identical query parts are equal as strings, so equality is structural
// rather than by reference.
type Key string

// KeyOf builds a Key from an ordered tuple of parts. Each part is
// JSON-encoded so that the tuple ("messages", 7) and the tuple
// ("messages", "7") produce distinct keys while two equal tuples always
// collide.
func KeyOf(parts ...any) Key {
	encoded := make([]string, len(parts))
	for i, part := range parts {
		data, err := json.Marshal(part)
		if err != nil {
			// Unencodable parts (channels, funcs) fall back to their
			// Go representation rather than aborting key construction.
			encoded[i] = fmt.Sprintf("%#v", part)
			continue
		}
		encoded[i] = string(data)
	}
	return Key(strings.Join(encoded, "/"))
}

// Status is the lifecycle state of a cache entry.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Entry is the last-known state of one cached query result.
type Entry struct {
	// Value is the last-known server result, or nil before the first fetch.
	Value any

	// FetchedAt is when Value was last confirmed by the server.
	FetchedAt time.Time

	// StaleAfter is the window after FetchedAt during which the value is
	// considered fresh.
	StaleAfter time.Duration

	// Status reflects the entry lifecycle.
	Status Status

	// Err holds the most recent fetch error. A failed refetch sets Err but
	// leaves Value untouched.
	Err error

	// Stale marks the entry as needing reconciliation with the server.
	Stale bool
}

// Expired reports whether the entry's freshness window has elapsed at now.
// Entries that never fetched are always expired.
func (e Entry) Expired(now time.Time) bool {
	if e.FetchedAt.IsZero() {
		return true
	}
	if e.StaleAfter <= 0 {
		return false
	}
	return now.After(e.FetchedAt.Add(e.StaleAfter))
}

// EventType classifies a backend change.
type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// ChangeEvent announces that backend state matching some predicate has
// changed. Delivery is at-least-once with no cross-table ordering, so
// consumers must treat it as "something changed, refetch" and never as
// authoritative row state.
type ChangeEvent struct {
	ID     string         `json:"id"`
	Table  string         `json:"table"`
	Type   EventType      `json:"type"`
	Sender string         `json:"sender"`
	Fields map[string]any `json:"fields,omitempty"`
}

// MutationStatus is the state of one pipeline mutation.
type MutationStatus string

const (
	MutationPending    MutationStatus = "pending"
	MutationCommitted  MutationStatus = "committed"
	MutationRolledBack MutationStatus = "rolled-back"
)
