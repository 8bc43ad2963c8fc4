package store

import (
	"context"
	"time"
)

// Replay orders.
const (
	OrderAsc  = "asc"
	OrderDesc = "desc"
)

// EventRecord is one routed, thread-scoped envelope.
type EventRecord struct {
	ID        int64  `json:"id"`
	ThreadID  string `json:"threadId"`
	TurnID    string `json:"turnId,omitempty"`
	Direction string `json:"direction"`
	Role      string `json:"role"`
	Method    string `json:"method,omitempty"`
	Payload   string `json:"payload"`   // serialized protocol.StoredEnvelope
	CreatedAt int64  `json:"createdAt"` // unix seconds
}

// ReplayOptions bounds a replay query. Limit <= 0 means no cap.
type ReplayOptions struct {
	Limit int
	Order string // OrderAsc (default) or OrderDesc
}

// Normalize returns opts with Order defaulted and validated.
func (o ReplayOptions) Normalize() ReplayOptions {
	if o.Order != OrderDesc {
		o.Order = OrderAsc
	}
	if o.Limit < 0 {
		o.Limit = 0
	}
	return o
}

// ThreadSummary is lightweight per-thread metadata for listing.
type ThreadSummary struct {
	ThreadID   string `json:"threadId"`
	EventCount int64  `json:"eventCount"`
	FirstAt    int64  `json:"firstAt"`
	LastAt     int64  `json:"lastAt"`
}

// EventStore is the durable, append-only event log.
type EventStore interface {
	// AppendEvent stores rec and returns its assigned id. Ids increase
	// monotonically and define replay order within a thread.
	AppendEvent(ctx context.Context, rec *EventRecord) (int64, error)

	// ReplayEvents returns a thread's records in the requested order.
	ReplayEvents(ctx context.Context, threadID string, opts ReplayOptions) ([]EventRecord, error)

	// PruneEvents deletes records created before cutoff.
	PruneEvents(ctx context.Context, cutoff time.Time) (int64, error)

	// ListThreads returns threads ordered by most recent activity.
	ListThreads(ctx context.Context, limit int) ([]ThreadSummary, error)

	// DeleteThreadEvents drops every record of one thread.
	DeleteThreadEvents(ctx context.Context, threadID string) (int64, error)
}

// PruneOlderThan applies the age-based retention policy. maxAgeDays <= 0
// disables pruning and returns (0, nil).
func PruneOlderThan(ctx context.Context, es EventStore, maxAgeDays int, now time.Time) (int64, error) {
	if maxAgeDays <= 0 {
		return 0, nil
	}
	cutoff := now.Add(-time.Duration(maxAgeDays) * 24 * time.Hour)
	return es.PruneEvents(ctx, cutoff)
}
