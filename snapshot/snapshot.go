// Package snapshot mirrors a cell's worker-installed values into a byte
// store (see the provider package) so the last computed value can be
// observed outside the owning process or after a restart.
//
// Snapshots are write-behind and advisory: the cell never reads them on
// its Get path, and a lost or expired snapshot costs nothing but
// observability. Each frame carries the writer's worker generation, so a
// reader that sees interleaved writes from a promotion race can order
// them.
package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/unkn0wn-root/autocell"
	"github.com/unkn0wn-root/autocell/codec"
	"github.com/unkn0wn-root/autocell/internal/wire"
	"github.com/unkn0wn-root/autocell/provider"
)

// Entry is a decoded snapshot.
type Entry[T any] struct {
	Value      T
	Generation uint64    // worker generation that produced the value (>= 1)
	StoredAt   time.Time // when the snapshot was written
}

// Config binds a sink to a store and codec. Name, Provider and Codec are
// required.
type Config[T any] struct {
	// Name isolates this cell's snapshot in the store keyspace
	// ("snapshot:<name>"). Use one name per cell.
	Name     string
	Provider provider.Provider
	Codec    codec.Codec[T]

	// TTL bounds how long a snapshot outlives its writer; a few
	// multiples of the cell frequency is a sensible choice. 0 means no
	// expiry (store permitting).
	TTL time.Duration
}

// Sink stores and loads framed snapshots. Satisfies autocell.Snapshot[T].
type Sink[T any] struct {
	key  string
	prov provider.Provider
	cod  codec.Codec[T]
	ttl  time.Duration
}

var _ autocell.Snapshot[struct{}] = (*Sink[struct{}])(nil)

func New[T any](cfg Config[T]) (*Sink[T], error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("snapshot: name is required")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("snapshot: provider is required")
	}
	if cfg.Codec == nil {
		return nil, fmt.Errorf("snapshot: codec is required")
	}
	return &Sink[T]{
		key:  "snapshot:" + cfg.Name,
		prov: cfg.Provider,
		cod:  cfg.Codec,
		ttl:  cfg.TTL,
	}, nil
}

// Store frames and writes value under the sink's key. A write rejected by
// the store under pressure is not an error; the next refresh overwrites
// anyway.
func (s *Sink[T]) Store(ctx context.Context, gen uint64, value T) error {
	payload, err := s.cod.Encode(value)
	if err != nil {
		return fmt.Errorf("snapshot: encode: %w", err)
	}
	b := wire.Encode(gen, time.Now().UnixNano(), payload)
	if _, err := s.prov.Set(ctx, s.key, b, s.ttl); err != nil {
		return fmt.Errorf("snapshot: store: %w", err)
	}
	return nil
}

// Load reads back the last snapshot. Corrupt entries are deleted
// (self-heal) and reported as a miss.
func (s *Sink[T]) Load(ctx context.Context) (Entry[T], bool, error) {
	var e Entry[T]
	raw, ok, err := s.prov.Get(ctx, s.key)
	if err != nil || !ok {
		return e, false, err
	}
	gen, storedAt, payload, err := wire.Decode(raw)
	if err != nil {
		_ = s.prov.Del(ctx, s.key)
		return e, false, nil
	}
	v, err := s.cod.Decode(payload)
	if err != nil {
		_ = s.prov.Del(ctx, s.key)
		return e, false, nil
	}
	e.Value = v
	e.Generation = gen
	e.StoredAt = time.Unix(0, storedAt)
	return e, true, nil
}

// Clear removes the snapshot (best-effort).
func (s *Sink[T]) Clear(ctx context.Context) error {
	return s.prov.Del(ctx, s.key)
}

// Close releases the underlying provider.
func (s *Sink[T]) Close(ctx context.Context) error {
	return s.prov.Close(ctx)
}
