// Package streamstore provides the stream-store abstraction used by the
// gateway (C4 publisher) and the ingester (C5 orchestrator): an
// append-only, per-record stream with consumer-group and pending-entry-list
// (PEL) semantics. The only adapter shipped is Redis Streams, via
// github.com/redis/go-redis/v9.
package streamstore

import (
	"context"
	"time"
)

// Record is a flat stream record: every field is a string, as required
// by the underlying stream's wire format.
type Record struct {
	MessageID string
	EventType string
	EventTime string
	Payload   string
	Metadata  string // JSON string; optional. "" means absent.
}

// ToFields renders the record as the field map the stream client writes.
func (r Record) ToFields() map[string]any {
	fields := map[string]any{
		"message_id": r.MessageID,
		"event_type": r.EventType,
		"event_time": r.EventTime,
		"payload":    r.Payload,
	}
	if r.Metadata != "" {
		fields["metadata"] = r.Metadata
	}
	return fields
}

// Delivery is a single pending-or-new message handed to a consumer, along
// with the opaque ID the store needs to acknowledge it.
type Delivery struct {
	ID     string
	Fields map[string]string
}

// Client abstracts the stream store.
type Client interface {
	// Publish appends a record to streamName. Fire-and-forget: failures are
	// the caller's concern (C4 only warn-logs them).
	Publish(ctx context.Context, streamName string, rec Record) error

	// EnsureGroup creates a consumer group for streamName starting from the
	// beginning of the stream, creating the stream itself if needed.
	// Already-exists is not an error.
	EnsureGroup(ctx context.Context, streamName, group string) error

	// ReadGroup blocks up to timeout for the next undelivered message for
	// consumer within group. Returns (nil, nil) on timeout with no message.
	ReadGroup(ctx context.Context, streamName, group, consumer string, timeout time.Duration) (*Delivery, error)

	// Claim reassigns one pending-entry-list delivery that has sat
	// unacknowledged for at least minIdle to consumer, and returns it —
	// this is the retry path for a delivery whose original consumer
	// crashed mid-processing before acking. Returns (nil, nil) when
	// nothing in the PEL is idle enough to reclaim.
	Claim(ctx context.Context, streamName, group, consumer string, minIdle time.Duration) (*Delivery, error)

	// Ack acknowledges a delivery, removing it from the group's PEL.
	Ack(ctx context.Context, streamName, group, deliveryID string) error

	// Pending returns the count of unacknowledged (pending) deliveries for
	// group on streamName — used by the status/health surface.
	Pending(ctx context.Context, streamName, group string) (int64, error)

	Close() error
}
