// Package ports defines interfaces (contracts) between layers.
// These interfaces enable dependency injection and testability.
// Implementations live in adapters/ and app/.
package ports

import (
	"context"
	"time"

	"github.com/voyagelab/apimeter/domain/usage"
)

// -----------------------------------------------------------------------------
// Infrastructure Ports
// -----------------------------------------------------------------------------

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// IDGenerator generates unique identifiers.
type IDGenerator interface {
	New() string
}

// -----------------------------------------------------------------------------
// Event Ports
// -----------------------------------------------------------------------------

// EventSink accepts completed-call events. The governor hands every
// terminal outcome to a sink; the recorder is the canonical one.
type EventSink interface {
	// Record validates and appends one event, returning the stored
	// event with its assigned ID and sequence number.
	Record(e usage.Event) (usage.Event, error)
}

// UsageUpdate is the payload fanned out to dashboard subscribers on
// every recorded event.
type UsageUpdate struct {
	Totals    usage.Totals  `json:"totals"`
	Events    []usage.Event `json:"events"`
	LastEvent usage.Event   `json:"lastEvent"`
}

// Broadcaster fans out snapshots to subscribed dashboard sessions.
// Publishing must never block the caller.
type Broadcaster interface {
	PublishUsage(u UsageUpdate)
	PublishCost(snapshot any)
}

// -----------------------------------------------------------------------------
// Storage Ports
// -----------------------------------------------------------------------------

// EventStore persists event-log snapshots. Durability is optional:
// aggregation correctness never depends on it, it only lets the
// retained window survive a restart.
type EventStore interface {
	// SaveBatch appends events to durable storage.
	SaveBatch(ctx context.Context, events []usage.Event) error

	// LoadSince returns events recorded at or after since, oldest
	// first, capped at limit.
	LoadSince(ctx context.Context, since time.Time, limit int) ([]usage.Event, error)

	// Prune removes events older than the retention bound.
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}
