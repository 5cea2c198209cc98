// Package store persists sensor readings and events and answers time-windowed queries over them.
//
// Every backend assigns the record id and received_at at insert time, serializes inserts so that ids
// increase together with received_at, and never updates or deletes a stored row.
package store

import (
	"context"
	"time"
)

// Table names shared by every backend.
const (
	ReadingsTable = "sensor_data"
	EventsTable   = "events"
)

// Store is the persistence boundary used by the ingestion pipeline and the query service.
type Store interface {
	// Init creates tables and indexes if they do not exist. It is safe to call repeatedly.
	Init(ctx context.Context) error
	// InsertReading appends r and returns its id. r.ID and r.ReceivedAt are set on success.
	InsertReading(ctx context.Context, r *Reading) (uint64, error)
	// InsertEvent appends e and returns its id. e.ID and e.ReceivedAt are set on success.
	InsertEvent(ctx context.Context, e *Event) (uint64, error)
	// QueryReadings returns readings in the window, newest first.
	QueryReadings(ctx context.Context, f Filter) ([]Reading, error)
	// QueryEvents returns events in the window, newest first.
	QueryEvents(ctx context.Context, f Filter) ([]Event, error)
	// AggregateStats summarizes readings received within since of now.
	AggregateStats(ctx context.Context, since time.Duration) (*Stats, error)
	Ping(ctx context.Context) error
	Close() error
}

// Filter selects rows received within Since of now, optionally for a single node.
type Filter struct {
	NodeID string
	Since  time.Duration
}

// cutoff returns the oldest received_at included by a window of length since.
func cutoff(now time.Time, since time.Duration) time.Time {
	return now.Add(-since)
}
