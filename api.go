package autocell

import (
	"context"
	"time"
)

// Snapshot receives a copy of the cached value each time the background
// worker installs one (on spawn and after every successful refresh).
// Implementations must be safe for concurrent use. Store errors are
// reported through Hooks/Logger and never reach Get callers.
//
// The snapshot package provides a Provider+Codec backed implementation.
type Snapshot[T any] interface {
	Store(ctx context.Context, gen uint64, value T) error
}

// Getter is the minimal caller-facing surface of a Cell.
type Getter[T any] func() (T, error)

// Options tune a Cell. All fields have defaults; the zero Options is valid
// and produces a cell whose action yields the zero value of T.
type Options[T any] struct {
	// Frequency is the background refresh period once the cell is
	// auto-updated. 0 => 1s. Negative is a construction error.
	Frequency time.Duration

	// SpawnThreshold is the manual-use count a call must exceed before the
	// cell promotes itself to auto-updated mode. 0 => 3. Negative is a
	// construction error.
	SpawnThreshold int

	// Action computes the value. It may fail; on the inline paths the
	// error propagates to the caller, inside the worker it demotes the
	// cell and is reported via Hooks.WorkerError. nil => zero value of T.
	Action func() (T, error)

	Logger Logger // if nil, NopLogger is used
	Hooks  Hooks  // if nil, NopHooks is used

	// Snapshot, when set, mirrors worker-installed values to an external
	// store, best effort, from the worker goroutine.
	Snapshot        Snapshot[T]
	SnapshotTimeout time.Duration // per-Store deadline; 0 => 2s
}

// New allocates a Cell in manual mode bound to opts.
func New[T any](opts Options[T]) (*Cell[T], error) {
	return newCell(opts)
}

// NewGetter is a convenience for callers that only ever read: it returns
// the Get method of a fresh Cell. The cell needs no explicit shutdown in
// this form; an idle worker demotes itself and exits after one period.
func NewGetter[T any](opts Options[T]) (Getter[T], error) {
	c, err := newCell(opts)
	if err != nil {
		return nil, err
	}
	return c.Get, nil
}
