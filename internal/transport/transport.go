// Package transport provides the append-only stream abstraction the
// orchestrator and persona workers communicate over.
//
// Two backings exist: an in-process memory stream for tests and
// single-binary runs, and Redis streams for distributed deployments.
// Both honor consumer-group semantics with explicit acknowledgement,
// giving at-least-once delivery.
package transport

import (
	"context"
	"time"
)

// Entry is a single stream record: a monotonic id plus flat string fields.
type Entry struct {
	// ID is the backend-assigned entry id. IDs are monotonically
	// increasing within a stream.
	ID string

	// Fields holds the wire payload. All values are string-typed.
	Fields map[string]string
}

// ReadOptions controls a consumer-group read.
type ReadOptions struct {
	// ID selects what to read: ">" for new entries, "0" to replay this
	// consumer's pending entries. Default: ">".
	ID string

	// Count caps the number of entries returned. 0 means backend default.
	Count int64

	// Block is how long to wait for new entries before returning empty.
	// Zero means do not block.
	Block time.Duration
}

// Transport is the append-only stream contract.
//
// CreateGroup is idempotent: creating a group that already exists is not
// an error. ReadGroup blocks up to opts.Block and returns an empty slice
// on timeout. Range is used by abort cleanup to scan a stream outside
// group bookkeeping.
type Transport interface {
	// Append adds an entry to the stream and returns its id.
	Append(ctx context.Context, stream string, fields map[string]string) (string, error)

	// CreateGroup creates a consumer group, creating the stream if needed.
	CreateGroup(ctx context.Context, stream, group, start string) error

	// ReadGroup reads entries for a consumer within a group.
	ReadGroup(ctx context.Context, stream, group, consumer string, opts ReadOptions) ([]Entry, error)

	// Ack acknowledges delivered entries for a group.
	Ack(ctx context.Context, stream, group string, ids ...string) error

	// Range returns entries between from and to inclusive ("-" and "+"
	// select the stream boundaries), capped at count when count > 0.
	Range(ctx context.Context, stream, from, to string, count int64) ([]Entry, error)

	// Del removes entries by id and returns how many were removed.
	Del(ctx context.Context, stream string, ids ...string) (int64, error)

	// Len returns the number of entries currently in the stream.
	Len(ctx context.Context, stream string) (int64, error)

	// Groups returns the names of consumer groups on the stream.
	Groups(ctx context.Context, stream string) ([]string, error)

	// Close releases backend resources.
	Close() error
}
