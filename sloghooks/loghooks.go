// Package sloghooks is an autocell.Hooks implementation backed by
// log/slog. ValueRefreshed fires once per refresh period per cell, so it
// supports sampling; lifecycle transitions are always logged.
package sloghooks

import (
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/autocell"
)

type Options struct {
	// Sampling to avoid floods on busy cells; 0/1 = log all refreshes.
	RefreshEvery uint64
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	refreshCtr atomic.Uint64
}

var _ autocell.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) WorkerSpawned(gen uint64) {
	if h.l == nil {
		return
	}
	h.l.Info("autocell.worker_spawned", "gen", gen)
}

func (h *Hooks) WorkerSuperseded(stale, current uint64) {
	if h.l == nil {
		return
	}
	h.l.Info("autocell.worker_superseded",
		"stale", stale,
		"current", current)
}

func (h *Hooks) ValueRefreshed(gen uint64, uses uint64) {
	if h.l == nil || !sample(h.opts.RefreshEvery, &h.refreshCtr) {
		return
	}
	h.l.Debug("autocell.value_refreshed",
		"gen", gen,
		"uses", uses)
}

func (h *Hooks) WorkerDemoted(gen uint64) {
	if h.l == nil {
		return
	}
	h.l.Info("autocell.worker_demoted", "gen", gen)
}

func (h *Hooks) WorkerError(gen uint64, err error) {
	if h.l == nil {
		return
	}
	h.l.Error("autocell.worker_error",
		"gen", gen,
		"err", err)
}

func (h *Hooks) SnapshotError(gen uint64, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("autocell.snapshot_error",
		"gen", gen,
		"err", err)
}
