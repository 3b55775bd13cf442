// Package provider defines the byte-store abstraction behind snapshot
// sinks.
//
// Implementations MUST be byte-for-byte transparent: Get must return
// exactly the same []byte that was previously passed to Set for a key (no
// prepended/appended metadata, no re-encoding, no mutation). If a store
// performs internal transforms (e.g. compression), they MUST be fully
// reversed so the bytes returned by Get are identical to the bytes given
// to Set.
//
// The keyspace "snapshot:<name>" is owned by the snapshot package.
// External code MUST NOT write values under that prefix; foreign writes
// are treated as corruption by strict frame validation and deleted.
package provider

import (
	"context"
	"time"
)

// Provider is a minimal byte store with TTLs. Must be safe for concurrent
// use. Snapshot entries are single small values, so there is no bulk API
// and no per-entry cost accounting.
type Provider interface {
	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	// If an IO/remote error happens, return (nil, false, err).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value with the given TTL (0 or negative => no expiry,
	// store permitting). Returns ok=false when the store rejected the
	// write under pressure.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) (ok bool, err error)

	// Del removes a key (best-effort).
	Del(ctx context.Context, key string) error

	// Close releases resources.
	Close(ctx context.Context) error
}
