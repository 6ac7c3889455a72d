// Package priority provides the static DMR talkgroup priority table: the
// pure, side-effect-free lookup that maps a talkgroup kind to its priority,
// response time, duck-level target, and default hold time.
//
// The table is the single source of truth for "who ducks whom" — the ducks
// relation is derived from priority ordering rather than hand-maintained per
// pair, so a kind always ducks every kind with strictly lower priority and
// nothing else.
package priority

import "time"

// Kind tags a talkgroup's role in the priority hierarchy.
type Kind int

const (
	// PriorityStatic is the emergency talkgroup kind. Highest priority, never
	// ducked, always audible.
	PriorityStatic Kind = iota

	// SecondaryStatic is the department talkgroup kind.
	SecondaryStatic

	// Dynamic is the user talkgroup kind.
	Dynamic

	// Adhoc is the incident talkgroup kind. Lowest priority.
	Adhoc
)

// String returns the wire-format name of the kind, matching the `type` field
// of the connection-details room descriptor (spec.md §6).
func (k Kind) String() string {
	switch k {
	case PriorityStatic:
		return "priority-static"
	case SecondaryStatic:
		return "secondary-static"
	case Dynamic:
		return "dynamic"
	case Adhoc:
		return "adhoc"
	default:
		return "unknown"
	}
}

// ParseKind converts a wire-format kind string to a [Kind]. ok is false for
// any value other than the four known kinds.
func ParseKind(s string) (k Kind, ok bool) {
	switch s {
	case "priority-static":
		return PriorityStatic, true
	case "secondary-static":
		return SecondaryStatic, true
	case "dynamic":
		return Dynamic, true
	case "adhoc":
		return Adhoc, true
	default:
		return 0, false
	}
}

// Entry holds the four numeric facts the Priority Model associates with a
// [Kind]: priority weight, response time, the duck-level target applied to
// victims' volume while this kind is the highest-priority active speaker, and
// the default hold time used when a talkgroup of this kind isn't configured
// with an explicit one.
type Entry struct {
	Priority       int
	ResponseTime   time.Duration
	DuckTarget     float64
	DefaultHoldMs  int
}

// Table is the full set of [Entry] values keyed by [Kind]. The zero value is
// not usable; construct with [Default] or provide a custom table to an engine
// that needs different numeric constants (spec.md §4.1's escape hatch).
type Table struct {
	entries map[Kind]Entry
}

// Default returns the DMR table authoritative per spec.md §4.1 and §9 (the
// "hard-coded DMR table" variant, chosen over the alternative that reads
// percentages from elsewhere).
func Default() Table {
	return Table{entries: map[Kind]Entry{
		PriorityStatic:  {Priority: 100, ResponseTime: 50 * time.Millisecond, DuckTarget: 0.0, DefaultHoldMs: 0},
		SecondaryStatic: {Priority: 80, ResponseTime: 100 * time.Millisecond, DuckTarget: 0.1, DefaultHoldMs: 2000},
		Dynamic:         {Priority: 50, ResponseTime: 150 * time.Millisecond, DuckTarget: 0.6, DefaultHoldMs: 3000},
		Adhoc:           {Priority: 40, ResponseTime: 150 * time.Millisecond, DuckTarget: 1.0, DefaultHoldMs: 3000},
	}}
}

// NewTable builds a Table from an explicit entry set, for callers that need
// non-default numeric constants (the escape hatch spec.md §4.1 requires any
// such implementation to expose as engine configuration).
func NewTable(entries map[Kind]Entry) Table {
	clone := make(map[Kind]Entry, len(entries))
	for k, v := range entries {
		clone[k] = v
	}
	return Table{entries: clone}
}

// Lookup returns the [Entry] for kind. The second return is false for an
// unrecognised kind, in which case the returned Entry is the zero value.
func (t Table) Lookup(kind Kind) (Entry, bool) {
	e, ok := t.entries[kind]
	return e, ok
}

// Priority returns kind's priority weight, or 0 if kind is unrecognised.
func (t Table) Priority(kind Kind) int {
	return t.entries[kind].Priority
}

// ResponseTime returns the ramp duration used when kind's own gain is
// rescheduled (either because it has an active speaker, or because it is
// being restored to its resting volume).
func (t Table) ResponseTime(kind Kind) time.Duration {
	return t.entries[kind].ResponseTime
}

// DuckTarget returns the multiplier applied to a victim's user volume while
// kind is the highest-priority active speaker.
func (t Table) DuckTarget(kind Kind) float64 {
	return t.entries[kind].DuckTarget
}

// DefaultHoldMs returns the default hold time, in milliseconds, for kind.
func (t Table) DefaultHoldMs(kind Kind) int {
	return t.entries[kind].DefaultHoldMs
}

// Ducks reports whether a talkgroup of kind a ducks a talkgroup of kind b:
// true iff a's priority is strictly greater than b's. This is derived
// entirely from the priority ordering, never hand-maintained per pair, so
// adding or re-weighting a kind automatically updates every ducking
// relationship that depends on it.
func (t Table) Ducks(a, b Kind) bool {
	return t.Priority(a) > t.Priority(b)
}
