// Package autocell amortizes an expensive, frequently-needed computation
// across many concurrent callers. Each Cell holds one value of type T and
// adapts to demand: under low call volume the action runs inline on the
// calling goroutine ("manual" mode); once the call rate crosses a threshold
// the cell promotes itself to "auto-updated" mode, where a background worker
// recomputes the value on a fixed period and callers just read the cache.
// If a full period passes with no callers, the worker demotes the cell back
// to manual mode and exits, so an idle cell costs nothing.
//
// Components:
//   - Cell[T]: the adaptive state machine. All mode transitions are CAS
//     updates on a single atomic pointer; there is no lock.
//   - Options[T]: Frequency, SpawnThreshold, Action, plus Logger/Hooks and
//     an optional snapshot sink.
//   - snapshot.Sink: best-effort write-behind mirror of the refreshed value
//     into a byte store (Ristretto, BigCache, Redis) via a pluggable Codec.
//     Never read on the Get path.
//
// Typical use:
//
//	cell, _ := autocell.New(autocell.Options[time.Time]{
//	    Frequency: time.Second,
//	    Action:    func() (time.Time, error) { return time.Now(), nil },
//	})
//	defer cell.Close()
//
//	now, _ := cell.Get() // cheap under load, exact when idle
//
// Promotion races (two callers crossing the threshold in the same instant)
// are resolved by the cell itself: the last install wins, and the displaced
// worker is cancelled by a targeted signal. At most one worker per cell is
// ever live; a briefly superseded worker exits without touching the cell.
package autocell
