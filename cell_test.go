package autocell

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// counter is the canonical test action: increment and return.
type counter struct{ n atomic.Int64 }

func (c *counter) action() (int64, error) { return c.n.Add(1), nil }
func (c *counter) calls() int64           { return c.n.Load() }

// recorderHooks captures lifecycle events for assertions.
type recorderHooks struct {
	mu         sync.Mutex
	spawned    []uint64
	superseded [][2]uint64 // {stale, current}
	refreshed  []uint64
	demoted    []uint64
	workerErrs []error
	snapErrs   []error
}

func (r *recorderHooks) WorkerSpawned(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spawned = append(r.spawned, gen)
}

func (r *recorderHooks) WorkerSuperseded(stale, current uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.superseded = append(r.superseded, [2]uint64{stale, current})
}

func (r *recorderHooks) ValueRefreshed(gen uint64, _ uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshed = append(r.refreshed, gen)
}

func (r *recorderHooks) WorkerDemoted(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.demoted = append(r.demoted, gen)
}

func (r *recorderHooks) WorkerError(_ uint64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workerErrs = append(r.workerErrs, err)
}

func (r *recorderHooks) SnapshotError(_ uint64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapErrs = append(r.snapErrs, err)
}

func (r *recorderHooks) counts() (spawned, superseded, refreshed, demoted, workerErrs int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.spawned), len(r.superseded), len(r.refreshed), len(r.demoted), len(r.workerErrs)
}

func eventually(t *testing.T, d time.Duration, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", d, msg)
}

func mustGet[T any](t *testing.T, c *Cell[T]) T {
	t.Helper()
	v, err := c.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return v
}

// ==============================
// Manual mode
// ==============================

// TestManualCallsRunInline verifies that below the threshold every call
// invokes the action exactly once, inline, and returns its result.
func TestManualCallsRunInline(t *testing.T) {
	ctr := &counter{}
	cell, err := New(Options[int64]{
		Frequency:      time.Hour, // keep any worker inert
		SpawnThreshold: 3,
		Action:         ctr.action,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer cell.Close()

	for i := int64(1); i <= 3; i++ {
		if got := mustGet(t, cell); got != i {
			t.Fatalf("call %d: got %d", i, got)
		}
		if s := cell.Stats(); s.AutoUpdated || s.Uses != uint64(i) {
			t.Fatalf("call %d: stats=%+v", i, s)
		}
	}
	if ctr.calls() != 3 {
		t.Fatalf("action invoked %d times, want 3", ctr.calls())
	}
}

// TestManualErrorPropagates ensures inline action failures reach the
// caller untouched and the cell stays manual.
func TestManualErrorPropagates(t *testing.T) {
	boom := errors.New("boom")
	cell, err := New(Options[int]{
		Action: func() (int, error) { return 0, boom },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer cell.Close()

	if _, err := cell.Get(); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if s := cell.Stats(); s.AutoUpdated || s.Uses != 1 {
		t.Fatalf("stats=%+v", s)
	}
}

// ==============================
// Promotion
// ==============================

// TestPromotionInstallsCapturedUses walks the concrete threshold scenario:
// with SpawnThreshold=2, calls return 1,2,3 manually (uses 1->2->3); the
// 4th call spawns, runs the action inline (4), and installs the pre-spawn
// manual count (3) as the auto-mode counter. A 5th call serves the cache.
func TestPromotionInstallsCapturedUses(t *testing.T) {
	ctr := &counter{}
	rec := &recorderHooks{}
	cell, err := New(Options[int64]{
		Frequency:      time.Hour,
		SpawnThreshold: 2,
		Action:         ctr.action,
		Hooks:          rec,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer cell.Close()

	for i := int64(1); i <= 3; i++ {
		if got := mustGet(t, cell); got != i {
			t.Fatalf("call %d: got %d", i, got)
		}
	}

	// 4th call: old count 3 > threshold 2 => spawn.
	if got := mustGet(t, cell); got != 4 {
		t.Fatalf("spawn call: got %d, want 4", got)
	}
	s := cell.Stats()
	if !s.AutoUpdated || s.Generation != 1 || s.Uses != 3 {
		t.Fatalf("after spawn: stats=%+v, want auto gen=1 uses=3", s)
	}

	// 5th call: cached value, counter bump, no action invocation.
	if got := mustGet(t, cell); got != 4 {
		t.Fatalf("cached call: got %d, want 4", got)
	}
	if s := cell.Stats(); s.Uses != 4 {
		t.Fatalf("after cached call: stats=%+v, want uses=4", s)
	}
	if ctr.calls() != 4 {
		t.Fatalf("action invoked %d times, want 4", ctr.calls())
	}
	if sp, _, _, _, _ := rec.counts(); sp != 1 {
		t.Fatalf("spawned events=%d, want 1", sp)
	}
}

// TestSpawnErrorStaysManual: a failing inline action on the spawn path
// propagates to the caller and installs nothing; the next successful call
// over the threshold promotes.
func TestSpawnErrorStaysManual(t *testing.T) {
	boom := errors.New("boom")
	var n atomic.Int64
	var fail atomic.Bool
	rec := &recorderHooks{}
	cell, err := New(Options[int64]{
		Frequency:      time.Hour,
		SpawnThreshold: 1,
		Action: func() (int64, error) {
			if fail.Load() {
				return 0, boom
			}
			return n.Add(1), nil
		},
		Hooks: rec,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer cell.Close()

	mustGet(t, cell) // uses 1
	mustGet(t, cell) // uses 2

	fail.Store(true)
	if _, err := cell.Get(); !errors.Is(err, boom) { // classified spawn, action fails
		t.Fatalf("expected boom, got %v", err)
	}
	if s := cell.Stats(); s.AutoUpdated {
		t.Fatalf("worker installed despite spawn failure: %+v", s)
	}

	fail.Store(false)
	if got := mustGet(t, cell); got != 3 {
		t.Fatalf("retry spawn: got %d, want 3", got)
	}
	if s := cell.Stats(); !s.AutoUpdated {
		t.Fatalf("expected auto after retry: %+v", s)
	}
	if sp, _, _, _, _ := rec.counts(); sp != 1 {
		t.Fatalf("spawned events=%d, want 1", sp)
	}
}

// ==============================
// Worker refresh & demotion
// ==============================

// TestWorkerRefreshesWhileUsed: as long as at least one call lands per
// period, the worker keeps recomputing and the same generation serves.
func TestWorkerRefreshesWhileUsed(t *testing.T) {
	ctr := &counter{}
	cell, err := New(Options[int64]{
		Frequency:      30 * time.Millisecond,
		SpawnThreshold: 1,
		Action:         ctr.action,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer cell.Close()

	for i := 0; i < 3; i++ { // third call spawns
		mustGet(t, cell)
	}
	if s := cell.Stats(); !s.AutoUpdated || s.Generation != 1 {
		t.Fatalf("stats=%+v", s)
	}

	// Polling Get both observes the refreshed value and keeps uses >= 1.
	eventually(t, 2*time.Second, "worker never refreshed past 5", func() bool {
		return mustGet(t, cell) >= 5
	})
	if s := cell.Stats(); !s.AutoUpdated || s.Generation != 1 {
		t.Fatalf("generation changed under steady use: %+v", s)
	}
}

// TestIdlePeriodDemotes: zero calls during one full period demote the cell
// to manual mode; the next call runs the action inline again.
func TestIdlePeriodDemotes(t *testing.T) {
	ctr := &counter{}
	rec := &recorderHooks{}
	cell, err := New(Options[int64]{
		Frequency:      30 * time.Millisecond,
		SpawnThreshold: 1,
		Action:         ctr.action,
		Hooks:          rec,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer cell.Close()

	for i := 0; i < 3; i++ {
		mustGet(t, cell)
	}

	// No calls from here: first tick refreshes (uses=2 from promotion),
	// second tick observes uses=0 and demotes.
	eventually(t, 2*time.Second, "worker never demoted", func() bool {
		return !cell.Stats().AutoUpdated
	})
	if _, _, _, dem, _ := rec.counts(); dem != 1 {
		t.Fatalf("demoted events=%d, want 1", dem)
	}

	before := ctr.calls()
	got := mustGet(t, cell)
	if got != before+1 {
		t.Fatalf("post-demotion call: got %d, want inline %d", got, before+1)
	}
	if s := cell.Stats(); s.AutoUpdated || s.Uses != 1 {
		t.Fatalf("post-demotion stats=%+v", s)
	}
}

// ==============================
// Promotion race
// ==============================

// TestPromotionRace drives two callers through the spawn path at once by
// blocking the action until both have entered it. Exactly one worker
// generation must remain installed; the displaced one is cancelled and
// never refreshes.
func TestPromotionRace(t *testing.T) {
	var (
		n        atomic.Int64
		blocking atomic.Bool
	)
	entered := make(chan struct{}, 2)
	gate := make(chan struct{})
	rec := &recorderHooks{}

	cell, err := New(Options[int64]{
		Frequency:      time.Hour, // keep both workers asleep
		SpawnThreshold: 1,
		Action: func() (int64, error) {
			v := n.Add(1)
			if blocking.Load() {
				entered <- struct{}{}
				<-gate
			}
			return v, nil
		},
		Hooks: rec,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer cell.Close()

	mustGet(t, cell) // uses 1
	mustGet(t, cell) // uses 2: every later call classifies as spawn

	blocking.Store(true)
	results := make(chan int64, 2)
	for i := 0; i < 2; i++ {
		go func() {
			v, err := cell.Get()
			if err != nil {
				t.Errorf("racing Get: %v", err)
			}
			results <- v
		}()
	}
	<-entered
	<-entered
	blocking.Store(false)
	close(gate)

	a, b := <-results, <-results
	if a == b || a+b != 3+4 {
		t.Fatalf("racing calls returned %d and %d, want 3 and 4", a, b)
	}

	sp, sup, _, _, _ := rec.counts()
	if sp != 2 || sup != 1 {
		t.Fatalf("spawned=%d superseded=%d, want 2 and 1", sp, sup)
	}

	rec.mu.Lock()
	race := rec.superseded[0]
	rec.mu.Unlock()
	s := cell.Stats()
	if !s.AutoUpdated || s.Generation != race[1] {
		t.Fatalf("installed generation %d, want race winner %d", s.Generation, race[1])
	}
	if race[0] == race[1] {
		t.Fatalf("worker superseded itself: %v", race)
	}

	// The loser must stay silent: no refreshes, no further mode changes.
	time.Sleep(50 * time.Millisecond)
	if _, _, ref, dem, _ := rec.counts(); ref != 0 || dem != 0 {
		t.Fatalf("stale worker mutated the cell: refreshed=%d demoted=%d", ref, dem)
	}
	if got := cell.Stats().Generation; got != race[1] {
		t.Fatalf("generation drifted to %d", got)
	}
	if n.Load() != 4 {
		t.Fatalf("action invoked %d times, want 4 (one redundant per race)", n.Load())
	}
}

// ==============================
// Worker failure
// ==============================

// TestWorkerFailureDemotesAndReports: an action failure inside the worker
// resets the cell to manual and surfaces through the reporting hook.
func TestWorkerFailureDemotesAndReports(t *testing.T) {
	boom := errors.New("boom")
	var n atomic.Int64
	var fail atomic.Bool
	rec := &recorderHooks{}

	cell, err := New(Options[int64]{
		Frequency:      30 * time.Millisecond,
		SpawnThreshold: 1,
		Action: func() (int64, error) {
			if fail.Load() {
				return 0, boom
			}
			return n.Add(1), nil
		},
		Hooks: rec,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer cell.Close()

	for i := 0; i < 3; i++ {
		mustGet(t, cell)
	}
	if !cell.Stats().AutoUpdated {
		t.Fatalf("expected auto mode")
	}

	fail.Store(true)
	eventually(t, 2*time.Second, "worker failure never demoted the cell", func() bool {
		return !cell.Stats().AutoUpdated
	})

	rec.mu.Lock()
	gotErrs := append([]error(nil), rec.workerErrs...)
	rec.mu.Unlock()
	if len(gotErrs) != 1 || !errors.Is(gotErrs[0], boom) {
		t.Fatalf("worker errors=%v, want exactly [boom]", gotErrs)
	}

	// Callers fall back to direct execution (and see the failure too,
	// since the action is still failing).
	if _, err := cell.Get(); !errors.Is(err, boom) {
		t.Fatalf("expected inline boom, got %v", err)
	}
}

// ==============================
// Lifecycle
// ==============================

func TestCloseStopsServingAndIsIdempotent(t *testing.T) {
	ctr := &counter{}
	rec := &recorderHooks{}
	cell, err := New(Options[int64]{
		Frequency:      20 * time.Millisecond,
		SpawnThreshold: 1,
		Action:         ctr.action,
		Hooks:          rec,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 3; i++ {
		mustGet(t, cell)
	}

	if err := cell.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := cell.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := cell.Get(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}

	// The worker received the targeted cancel. At most one in-flight
	// refresh may complete after Close; give it time, then the count must
	// hold still across several would-be periods.
	time.Sleep(60 * time.Millisecond)
	after := ctr.calls()
	time.Sleep(100 * time.Millisecond)
	if ctr.calls() != after {
		t.Fatalf("worker still running after Close: %d -> %d", after, ctr.calls())
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(Options[int]{Frequency: -time.Second}); err == nil {
		t.Fatalf("negative frequency accepted")
	}
	if _, err := New(Options[int]{SpawnThreshold: -1}); err == nil {
		t.Fatalf("negative threshold accepted")
	}
}

func TestNewGetterDefaults(t *testing.T) {
	get, err := NewGetter(Options[string]{})
	if err != nil {
		t.Fatalf("NewGetter: %v", err)
	}
	v, err := get()
	if err != nil || v != "" {
		t.Fatalf("default action: v=%q err=%v", v, err)
	}
}

// ==============================
// Snapshot publication
// ==============================

type recordingSnapshot struct {
	mu     sync.Mutex
	gens   []uint64
	values []int64
	err    error
}

func (r *recordingSnapshot) Store(_ context.Context, gen uint64, v int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.gens = append(r.gens, gen)
	r.values = append(r.values, v)
	return nil
}

func (r *recordingSnapshot) stored() ([]uint64, []int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.gens...), append([]int64(nil), r.values...)
}

// TestSnapshotPublishedOnSpawnAndRefresh: the worker mirrors its initial
// value and every refreshed value, tagged with its generation. Manual
// calls publish nothing.
func TestSnapshotPublishedOnSpawnAndRefresh(t *testing.T) {
	ctr := &counter{}
	sink := &recordingSnapshot{}
	cell, err := New(Options[int64]{
		Frequency:      30 * time.Millisecond,
		SpawnThreshold: 1,
		Action:         ctr.action,
		Snapshot:       sink,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer cell.Close()

	mustGet(t, cell)
	mustGet(t, cell)
	if gens, _ := sink.stored(); len(gens) != 0 {
		t.Fatalf("manual calls published snapshots: %v", gens)
	}

	mustGet(t, cell) // spawn
	eventually(t, 2*time.Second, "snapshots never published", func() bool {
		mustGet(t, cell) // keep the worker alive
		gens, _ := sink.stored()
		return len(gens) >= 2
	})

	gens, values := sink.stored()
	for i, g := range gens {
		if g != 1 {
			t.Fatalf("snapshot %d tagged gen %d, want 1", i, g)
		}
	}
	if values[0] != 3 {
		t.Fatalf("initial snapshot value %d, want spawn value 3", values[0])
	}
	for i := 1; i < len(values); i++ {
		if values[i] <= values[i-1] {
			t.Fatalf("snapshot values not increasing: %v", values)
		}
	}
}

// TestSnapshotFailureIsReportedNotPropagated: a failing sink reaches the
// hook but never a caller.
func TestSnapshotFailureIsReportedNotPropagated(t *testing.T) {
	ctr := &counter{}
	rec := &recorderHooks{}
	sink := &recordingSnapshot{err: errors.New("store down")}
	cell, err := New(Options[int64]{
		Frequency:      time.Hour, // only the spawn-time publish happens
		SpawnThreshold: 1,
		Action:         ctr.action,
		Hooks:          rec,
		Snapshot:       sink,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer cell.Close()

	for i := 0; i < 3; i++ {
		mustGet(t, cell) // spawn on the third; publish fails out of band
	}
	eventually(t, 2*time.Second, "snapshot error never reported", func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.snapErrs) >= 1
	})
	if got := mustGet(t, cell); got != 3 {
		t.Fatalf("cached value %d, want 3", got)
	}
}

// ==============================
// Concurrency smoke test (run with -race)
// ==============================

func TestConcurrentGetSmoke(t *testing.T) {
	ctr := &counter{}
	cell, err := New(Options[int64]{
		Frequency:      5 * time.Millisecond,
		SpawnThreshold: 2,
		Action:         ctr.action,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer cell.Close()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				v, err := cell.Get()
				if err != nil {
					t.Errorf("Get: %v", err)
					return
				}
				if v < 1 {
					t.Errorf("impossible value %d", v)
				}
			}
		}()
	}
	wg.Wait()

	s := cell.Stats()
	if s.Uses == 0 && !s.AutoUpdated {
		// uses==0 in manual mode is only possible right after a demotion,
		// which cannot have happened with 3200 calls just issued.
		t.Fatalf("implausible final stats: %+v", s)
	}
}
