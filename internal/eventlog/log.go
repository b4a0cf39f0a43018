// Package eventlog defines the durable append-only log contract the pipeline
// stages communicate through, plus the small auxiliary KV capability used for
// known-pair sets, heartbeats and cooldown mirrors.
package eventlog

import (
	"context"
	"errors"
	"time"
)

// Entry is one consumed log record.
type Entry struct {
	ID     string
	Fields map[string]string
}

// Log is the provider contract: a named, ordered, replayable stream with
// consumer-group semantics, plus auxiliary KV state.
type Log interface {
	// Append atomically appends fields to a stream and returns the opaque
	// monotonic id the log assigned.
	Append(ctx context.Context, stream string, fields map[string]string) (string, error)

	// Consume reads up to max entries for a consumer group, blocking up to
	// block. Delivery is at-least-once per group until acked.
	Consume(ctx context.Context, stream, group, consumer string, max int64, block time.Duration) ([]Entry, error)

	// Ack acknowledges one entry for a group.
	Ack(ctx context.Context, stream, group, id string) error

	// EnsureGroup creates the consumer group if missing.
	EnsureGroup(ctx context.Context, stream, group string) error

	// Len returns the current stream length (for backpressure checks).
	Len(ctx context.Context, stream string) (int64, error)

	// KV capability for small auxiliary state.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
	SAdd(ctx context.Context, key string, member string) (bool, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Ping verifies the provider is reachable. Fatal at startup when not.
	Ping(ctx context.Context) error

	Close() error
}

// ErrNoEntries is returned by Consume when the block window elapses empty.
var ErrNoEntries = errors.New("eventlog: no entries")
