package autocell

// Hooks lightweight callbacks for cell lifecycle events.
// Implementations MUST be cheap and non-blocking: some fire inside the
// worker's refresh step, some on caller goroutines during a spawn. Wrap
// with hooks/async to decouple slow sinks.
type Hooks interface {
	// A worker was installed; the cell is now auto-updated.
	WorkerSpawned(gen uint64)

	// A promotion race was resolved: stale lost the install to current
	// and was delivered the cancellation signal.
	WorkerSuperseded(stale, current uint64)

	// The worker recomputed the value. uses is the call count observed
	// (and reset to zero) for the elapsed period.
	ValueRefreshed(gen uint64, uses uint64)

	// The worker observed an idle period and handed the cell back to
	// manual mode.
	WorkerDemoted(gen uint64)

	// The action failed inside the worker. The cell has already been
	// demoted; this is the out-of-band report, since no caller was
	// waiting on the worker.
	WorkerError(gen uint64, err error)

	// A best-effort snapshot store failed. Callers are unaffected.
	SnapshotError(gen uint64, err error)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) WorkerSpawned(uint64)            {}
func (NopHooks) WorkerSuperseded(uint64, uint64) {}
func (NopHooks) ValueRefreshed(uint64, uint64)   {}
func (NopHooks) WorkerDemoted(uint64)            {}
func (NopHooks) WorkerError(uint64, error)       {}
func (NopHooks) SnapshotError(uint64, error)     {}
