// Package watched implements a single-writer value that exposes change
// notifications to any number of observers.
//
// The stack's scheduler is single-threaded and cooperative: there
// is exactly one goroutine driving every protocol task, so Value needs no
// locking of its own. An observer doesn't block on a channel; it polls
// Changed(version) on every scheduler sweep, which is how the retransmitter
// task's three-way wait (deadline-change, deadline-firing,
// fast-retransmit-change) is implemented — all three are plain version
// comparisons evaluated in priority order each poll, never a blocking
// select.
package watched

// Value holds v alongside a monotonically increasing version.
type Value[T any] struct {
	value   T
	version uint64
}

func New[T any](initial T) *Value[T] {
	return &Value[T]{value: initial}
}

// Get returns the current value and its version.
func (w *Value[T]) Get() (T, uint64) {
	return w.value, w.version
}

// Set replaces the value and bumps the version, which is what makes a
// Changed(v) check true for any observer still watching an older version.
func (w *Value[T]) Set(v T) {
	w.value = v
	w.version++
}

// SetWithoutNotify replaces the value but does not bump the version. Used
// to clear a one-shot flag (e.g. the TCP fast-retransmit-now signal)
// without the clearing write itself looking like a change to the very
// handler that just consumed it.
func (w *Value[T]) SetWithoutNotify(v T) {
	w.value = v
}

// Version reports the current version, to be passed back into Changed on
// a later poll.
func (w *Value[T]) Version() uint64 {
	return w.version
}

// Changed reports whether the value has moved since observedVersion.
func (w *Value[T]) Changed(observedVersion uint64) bool {
	return w.version > observedVersion
}
