// Package asynchook decouples hook sinks from the cell's hot paths.
//
// usage:
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{
//	    RefreshEvery: 10, // sample: ~every 10th refresh
//	})
//
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	cell, _ := autocell.New(autocell.Options[Report]{
//	    Action: buildReport,
//	    Hooks:  hooks, // or `raw` if you don't want async
//	})
//
// Events are dropped, not blocked on, when the queue is full: the cell's
// Get and refresh paths must never wait on an observer.
package asynchook

import (
	"sync"

	"github.com/unkn0wn-root/autocell"
)

type Hooks struct {
	inner autocell.Hooks
	q     chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

var _ autocell.Hooks = (*Hooks)(nil)

func New(inner autocell.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

func (h *Hooks) Close() {
	h.once.Do(func() {
		close(h.q)
		h.wg.Wait()
	})
}

func (h *Hooks) try(f func()) {
	select {
	case h.q <- f:
	default: // drop
	}
}

func (h *Hooks) WorkerSpawned(gen uint64) { h.try(func() { h.inner.WorkerSpawned(gen) }) }
func (h *Hooks) WorkerDemoted(gen uint64) { h.try(func() { h.inner.WorkerDemoted(gen) }) }
func (h *Hooks) WorkerSuperseded(stale, current uint64) {
	h.try(func() { h.inner.WorkerSuperseded(stale, current) })
}
func (h *Hooks) ValueRefreshed(gen uint64, uses uint64) {
	h.try(func() { h.inner.ValueRefreshed(gen, uses) })
}
func (h *Hooks) WorkerError(gen uint64, err error) {
	h.try(func() { h.inner.WorkerError(gen, err) })
}
func (h *Hooks) SnapshotError(gen uint64, err error) {
	h.try(func() { h.inner.SnapshotError(gen, err) })
}
