package autocell

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// state is the sole content of the shared cell. worker == nil means manual
// mode. A state is immutable once stored; every transition swaps the whole
// pointer with a CAS, so readers always observe a consistent mode.
type state[T any] struct {
	value  T       // last computed value; meaningful only in auto mode
	uses   uint64  // calls since the last mode switch / worker refresh
	worker *worker // current worker identity; nil in manual mode
}

// worker identifies one background refresh loop. Generations are allocated
// from a monotonic counter and never reused, so identity comparison is a
// plain pointer/gen check with no risk of confusing two lifetimes.
type worker struct {
	gen      uint64
	stop     chan struct{}
	stopOnce sync.Once
}

// cancel delivers the targeted cancellation signal. Idempotent: both a
// promotion-race winner and Close may try to silence the same worker.
func (w *worker) cancel() { w.stopOnce.Do(func() { close(w.stop) }) }

func (w *worker) cancelled() bool {
	select {
	case <-w.stop:
		return true
	default:
		return false
	}
}

// Cell is an adaptive single-value cache. See the package documentation
// for the mode semantics. The zero Cell is not usable; construct with New.
type Cell[T any] struct {
	state atomic.Pointer[state[T]]
	gens  atomic.Uint64

	frequency       time.Duration
	threshold       uint64
	action          func() (T, error)
	log             Logger
	hooks           Hooks
	snapshot        Snapshot[T]
	snapshotTimeout time.Duration

	closed atomic.Bool
}

func newCell[T any](opts Options[T]) (*Cell[T], error) {
	if opts.Frequency < 0 {
		return nil, fmt.Errorf("autocell: frequency must not be negative")
	}
	if opts.SpawnThreshold < 0 {
		return nil, fmt.Errorf("autocell: spawn threshold must not be negative")
	}

	c := &Cell[T]{
		frequency:       coalesce(opts.Frequency, defaultFrequency),
		threshold:       uint64(coalesce(opts.SpawnThreshold, defaultSpawnThreshold)),
		snapshot:        opts.Snapshot,
		snapshotTimeout: coalesce(opts.SnapshotTimeout, defaultSnapshotTimeout),
	}

	// defaults
	c.log = coalesce[Logger](opts.Logger, NopLogger{})
	c.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	if opts.Action != nil {
		c.action = opts.Action
	} else {
		c.action = func() (T, error) {
			var zero T
			return zero, nil
		}
	}

	c.state.Store(&state[T]{})
	return c, nil
}

// Get returns the current value: the worker-maintained cache in
// auto-updated mode, or the result of running the action inline in manual
// mode. Each call performs exactly one atomic transition of the cell; Get
// never blocks on other callers, only on its own inline action.
func (c *Cell[T]) Get() (T, error) {
	if c.closed.Load() {
		var zero T
		return zero, ErrClosed
	}
	for {
		cur := c.state.Load()
		if w := cur.worker; w != nil {
			next := &state[T]{value: cur.value, uses: cur.uses + 1, worker: w}
			if c.state.CompareAndSwap(cur, next) {
				return cur.value, nil
			}
			continue
		}
		if !c.state.CompareAndSwap(cur, &state[T]{uses: cur.uses + 1}) {
			continue
		}
		// Promotion is decided against the pre-increment count.
		if cur.uses > c.threshold {
			return c.spawn(cur.uses)
		}
		return c.action()
	}
}

// spawn runs the action inline, installs an auto-updated state carrying a
// fresh worker identity, and silences whichever worker the install
// displaced. captured is the manual-use count observed when the call
// classified as a spawn; it seeds the installed counter so usage during
// the spawn window still weighs into the first refresh decision.
func (c *Cell[T]) spawn(captured uint64) (T, error) {
	v, err := c.action()
	if err != nil {
		// Cell stays manual; a later call over the threshold retries.
		var zero T
		return zero, err
	}

	w := &worker{gen: c.gens.Add(1), stop: make(chan struct{})}
	next := &state[T]{value: v, uses: captured, worker: w}
	for {
		cur := c.state.Load()
		if !c.state.CompareAndSwap(cur, next) {
			continue
		}
		if loser := cur.worker; loser != nil {
			// Lost a simultaneous promotion race to this install. The
			// signal is targeted at exactly the displaced generation.
			loser.cancel()
			c.hooks.WorkerSuperseded(loser.gen, w.gen)
			c.log.Debug("superseded stale worker", Fields{"stale": loser.gen, "current": w.gen})
		}
		break
	}

	go c.run(w, v)
	c.hooks.WorkerSpawned(w.gen)
	c.log.Debug("promoted to auto-updated mode", Fields{"generation": w.gen, "uses": captured})
	return v, nil
}

// run is the refresh loop for one worker generation. It writes the cell
// only while the cell still records w as current.
func (c *Cell[T]) run(w *worker, initial T) {
	timer := time.NewTimer(c.frequency)
	defer timer.Stop()

	// The publish is best effort and must not skew the refresh period,
	// so the timer is always armed first.
	c.publish(w.gen, initial)
	for {
		select {
		case <-w.stop:
			return
		case <-timer.C:
		}

		v, err := c.action()
		if w.cancelled() {
			// Superseded mid-action; exit without a cell write.
			return
		}
		if err != nil {
			c.demoteOnError(w, err)
			return
		}
		if !c.refresh(w, v) {
			return
		}
		timer.Reset(c.frequency)
		c.publish(w.gen, v)
	}
}

// refresh applies the worker's periodic transition and reports whether the
// worker remains current and should keep looping.
func (c *Cell[T]) refresh(w *worker, v T) bool {
	for {
		cur := c.state.Load()
		switch {
		case cur.worker == w && cur.uses > 0:
			if c.state.CompareAndSwap(cur, &state[T]{value: v, worker: w}) {
				c.hooks.ValueRefreshed(w.gen, cur.uses)
				return true
			}
		case cur.worker == w:
			// Nobody read the cache for a full period: hand the cell
			// back to manual mode and retire.
			if c.state.CompareAndSwap(cur, &state[T]{}) {
				c.hooks.WorkerDemoted(w.gen)
				c.log.Debug("demoted to manual mode", Fields{"generation": w.gen})
				return false
			}
		case cur.worker != nil:
			// Another generation owns the cell.
			return false
		default:
			if w.cancelled() {
				// Stale, and the successor has since demoted the cell.
				return false
			}
			// A current worker can only leave auto mode through its own
			// transitions; manual here means the cell was corrupted.
			panic(fmt.Sprintf("autocell: cell is manual while worker %d is current", w.gen))
		}
	}
}

// demoteOnError hands the cell back to manual mode (iff this worker is
// still current) and surfaces the failure out of band - the worker has no
// caller to return to.
func (c *Cell[T]) demoteOnError(w *worker, err error) {
	for {
		cur := c.state.Load()
		if cur.worker != w {
			break
		}
		if c.state.CompareAndSwap(cur, &state[T]{}) {
			break
		}
	}
	c.log.Error("background refresh failed; cell reverted to manual updates", Fields{"generation": w.gen, "err": err})
	c.hooks.WorkerError(w.gen, err)
}

// publish mirrors a worker-installed value to the snapshot sink, best
// effort. Runs on the worker goroutine, never on a caller's.
func (c *Cell[T]) publish(gen uint64, v T) {
	if c.snapshot == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.snapshotTimeout)
	defer cancel()
	if err := c.snapshot.Store(ctx, gen, v); err != nil {
		c.hooks.SnapshotError(gen, err)
		c.log.Warn("snapshot store failed", Fields{"generation": gen, "err": err})
	}
}

// Stats describes the cell's current mode. Uses counts calls since the
// last mode switch (manual) or since the worker's last refresh (auto).
type Stats struct {
	AutoUpdated bool
	Uses        uint64
	Generation  uint64 // 0 when manual
}

func (c *Cell[T]) Stats() Stats {
	cur := c.state.Load()
	s := Stats{Uses: cur.uses}
	if cur.worker != nil {
		s.AutoUpdated = true
		s.Generation = cur.worker.gen
	}
	return s
}

// Close retires the cell: subsequent Get calls return ErrClosed and the
// current worker, if any, is cancelled. Safe to call multiple times.
// Close never rewrites the cell itself, so a worker mid-refresh cannot
// observe an impossible mode. A spawn racing Close is bounded: a closed
// cell takes no further uses, so the stray worker demotes itself after
// one idle period.
func (c *Cell[T]) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		if w := c.state.Load().worker; w != nil {
			w.cancel()
		}
	}
	return nil
}
