// Package ducking implements the Priority-Based Audio Ducking Engine: the
// per-session component that owns one gain controller per talkgroup, the set
// of currently active speakers, hold timers, and the emergency-override
// flag. It consumes speaker events and user-setting changes and schedules
// gain ramps; it knows nothing about transport, codecs, or persistence.
package ducking

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/dmrduck/coordinator/internal/priority"
)

// speakerState is the per-talkgroup state in the {Idle, Speaking, Holding}
// machine from spec.md §4.2. The zero value is Idle.
type speakerState int

const (
	stateIdle speakerState = iota
	stateSpeaking
	stateHolding
)

// Engine is the Ducking Engine. The zero value is not usable; construct with
// [New]. All exported methods are safe for concurrent use, though the design
// assumes a single event-loop goroutine calls them serially (spec.md §5).
type Engine struct {
	mu sync.Mutex

	table     priority.Table
	cfg       Config
	clock     Clock
	scheduler Scheduler
	log       *slog.Logger

	initialized bool
	talkgroups  map[string]Talkgroup
	settings    map[string]UserSettings
	controllers map[string]*GainController
	active      map[string]ActiveSpeaker
	states      map[string]speakerState
	holdTimers  map[string]CancelFunc

	emergencyActive    bool
	emergencyTalkgroup string
}

// Option configures an [Engine] at construction time.
type Option func(*Engine)

// WithClock overrides the engine's time source. Tests use this to assert
// exact ramp values without sleeping in wall-clock time.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithScheduler overrides the engine's deferred-execution mechanism for hold
// timers. Tests substitute a fake scheduler driven in lockstep with a fake
// clock.
func WithScheduler(s Scheduler) Option {
	return func(e *Engine) { e.scheduler = s }
}

// WithLogger overrides the engine's logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// New constructs an Engine using table (overridden by any non-zero response
// times in cfg) and cfg. Call [Engine.Initialize] before use.
func New(table priority.Table, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		table:       applyConfigOverrides(table, cfg),
		cfg:         cfg,
		clock:       time.Now,
		scheduler:   NewRealScheduler(),
		log:         slog.Default(),
		talkgroups:  make(map[string]Talkgroup),
		settings:    make(map[string]UserSettings),
		controllers: make(map[string]*GainController),
		active:      make(map[string]ActiveSpeaker),
		states:      make(map[string]speakerState),
		holdTimers:  make(map[string]CancelFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// applyConfigOverrides returns a copy of table with any non-zero cfg
// response-time overrides applied. Adhoc shares DynamicResponseMs, matching
// the priority table's "150ms for dynamic/adhoc" grouping.
func applyConfigOverrides(table priority.Table, cfg Config) priority.Table {
	overrides := map[priority.Kind]int{
		priority.PriorityStatic:  cfg.EmergencyResponseMs,
		priority.SecondaryStatic: cfg.SecondaryResponseMs,
		priority.Dynamic:         cfg.DynamicResponseMs,
		priority.Adhoc:           cfg.DynamicResponseMs,
	}
	entries := make(map[priority.Kind]priority.Entry, 4)
	for _, k := range []priority.Kind{priority.PriorityStatic, priority.SecondaryStatic, priority.Dynamic, priority.Adhoc} {
		e, _ := table.Lookup(k)
		if ms := overrides[k]; ms > 0 {
			e.ResponseTime = time.Duration(ms) * time.Millisecond
		}
		entries[k] = e
	}
	return priority.NewTable(entries)
}

// Initialize allocates one GainController per talkgroup, seeded at the
// user's configured volume (0 if muted). Idempotent for an identical set of
// talkgroup IDs and kinds; returns [ErrKindMismatch] for any other set when
// already initialized.
func (e *Engine) Initialize(talkgroups []Talkgroup, settings map[string]UserSettings) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.initialized {
		if sameTalkgroupSet(e.talkgroups, talkgroups) {
			return nil
		}
		return ErrKindMismatch
	}

	e.talkgroups = make(map[string]Talkgroup, len(talkgroups))
	e.settings = make(map[string]UserSettings, len(talkgroups))
	e.controllers = make(map[string]*GainController, len(talkgroups))
	e.active = make(map[string]ActiveSpeaker)
	e.states = make(map[string]speakerState)
	e.holdTimers = make(map[string]CancelFunc)

	for _, tg := range talkgroups {
		e.talkgroups[tg.ID] = tg
		s, ok := settings[tg.ID]
		if !ok {
			s = DefaultUserSettings()
		}
		e.settings[tg.ID] = s
		e.controllers[tg.ID] = NewGainController(s.EffectiveVolume())
	}
	e.initialized = true
	return nil
}

func sameTalkgroupSet(have map[string]Talkgroup, want []Talkgroup) bool {
	if len(have) != len(want) {
		return false
	}
	for _, tg := range want {
		existing, ok := have[tg.ID]
		if !ok || existing.Kind != tg.Kind {
			return false
		}
	}
	return true
}

// OnSpeakerEvent adds or removes an ActiveSpeaker for talkgroupID. An
// unknown talkgroup is logged at WARN and otherwise ignored.
func (e *Engine) OnSpeakerEvent(talkgroupID, participantID string, speaking bool, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	tg, ok := e.talkgroups[talkgroupID]
	if !ok {
		e.log.Warn("ducking: speaker event for unknown talkgroup", "talkgroup_id", talkgroupID)
		return
	}

	if speaking {
		e.cancelHoldTimerLocked(talkgroupID)
		e.active[talkgroupID] = ActiveSpeaker{
			TalkgroupID:      talkgroupID,
			ParticipantID:    participantID,
			StartedAt:        now,
			PrioritySnapshot: e.table.Priority(tg.Kind),
		}
		e.states[talkgroupID] = stateSpeaking
		e.enforceMaxSpeakersLocked(now)
		e.recomputeLocked(now)
		return
	}

	// Stop event.
	current, exists := e.active[talkgroupID]
	if !exists || current.ParticipantID != participantID {
		// Unknown/mismatched speaker on stop: silently ignored, not an error.
		return
	}

	e.states[talkgroupID] = stateHolding
	hold := tg.HoldTime
	if hold <= 0 {
		e.fireHoldLocked(talkgroupID, now)
		return
	}
	e.holdTimers[talkgroupID] = e.scheduler.AfterFunc(hold, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.fireHoldLocked(talkgroupID, e.clock())
	})
}

// fireHoldLocked runs when a hold timer expires (or immediately for a 0 hold
// time). Must be called with e.mu held.
func (e *Engine) fireHoldLocked(talkgroupID string, now time.Time) {
	if e.states[talkgroupID] != stateHolding {
		// Superseded by a new start before the timer fired.
		return
	}
	delete(e.active, talkgroupID)
	delete(e.holdTimers, talkgroupID)
	e.states[talkgroupID] = stateIdle
	e.recomputeLocked(now)
}

func (e *Engine) cancelHoldTimerLocked(talkgroupID string) {
	if cancel, ok := e.holdTimers[talkgroupID]; ok {
		cancel()
		delete(e.holdTimers, talkgroupID)
	}
}

// enforceMaxSpeakersLocked drops the lowest-priority active speakers beyond
// cfg.MaxSimultaneousSpeakers, per the optional enforcement spec.md §9
// leaves open. A value <= 0 disables enforcement.
func (e *Engine) enforceMaxSpeakersLocked(now time.Time) {
	limit := e.cfg.MaxSimultaneousSpeakers
	if limit <= 0 || len(e.active) <= limit {
		return
	}
	for len(e.active) > limit {
		var victim string
		lowest := math.MaxInt
		for id, speaker := range e.active {
			if speaker.PrioritySnapshot < lowest {
				lowest = speaker.PrioritySnapshot
				victim = id
			}
		}
		e.log.Warn("ducking: max simultaneous speakers exceeded, dropping lowest priority", "talkgroup_id", victim)
		delete(e.active, victim)
		e.cancelHoldTimerLocked(victim)
		e.states[victim] = stateIdle
	}
}

// SetUserSettings updates muted/volume for talkgroupID and immediately
// reschedules its gain with a 100ms ramp. nil pointers leave the
// corresponding field unchanged. An unknown talkgroup is logged and ignored.
func (e *Engine) SetUserSettings(talkgroupID string, muted *bool, volume *float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	tg, ok := e.talkgroups[talkgroupID]
	if !ok {
		e.log.Warn("ducking: settings update for unknown talkgroup", "talkgroup_id", talkgroupID)
		return
	}

	s := e.settings[talkgroupID]
	if muted != nil {
		s.Muted = *muted
	}
	if volume != nil {
		s.Volume = clampVolume(*volume)
	}
	e.settings[talkgroupID] = s

	if e.emergencyActive && e.emergencyTalkgroup == talkgroupID {
		// Override keeps this controller pinned at 1.0 until cleared.
		return
	}

	now := e.clock()
	target := e.targetForLocked(tg)
	e.controllers[talkgroupID].Schedule(now, target, 100*time.Millisecond)
}

// targetForLocked computes what recomputeLocked would assign to tg right
// now, without touching its ramp. Used by SetUserSettings, which overrides
// the standard response-time ramp with a fixed 100ms one.
func (e *Engine) targetForLocked(tg Talkgroup) float64 {
	h, hasActive := e.highestPriorityActiveLocked()
	if !hasActive {
		return e.settings[tg.ID].EffectiveVolume()
	}
	if tg.ID == h.id {
		return e.settings[tg.ID].EffectiveVolume()
	}

	if h.kind == priority.PriorityStatic && tg.ID != e.emergencySpeakerIDLocked() {
		return 0.0
	}
	if tg.Kind == priority.PriorityStatic {
		return math.Max(e.settings[tg.ID].EffectiveVolume(), 0.8)
	}
	if e.table.Ducks(h.kind, tg.Kind) {
		return e.table.DuckTarget(h.kind) * e.settings[tg.ID].EffectiveVolume()
	}
	return e.settings[tg.ID].EffectiveVolume()
}

// EmergencyOverride forces every other controller silent and talkgroupID to
// full volume, synthesizing an ActiveSpeaker that persists until
// [Engine.ClearEmergency]. Requires talkgroupID to be a known priority-static
// talkgroup.
func (e *Engine) EmergencyOverride(talkgroupID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tg, ok := e.talkgroups[talkgroupID]
	if !ok || tg.Kind != priority.PriorityStatic {
		return ErrInvalidEmergencyTarget
	}

	now := e.clock()
	for id, ctrl := range e.controllers {
		if id == talkgroupID {
			continue
		}
		ctrl.Schedule(now, 0.0, 0)
	}
	e.controllers[talkgroupID].Schedule(now, 1.0, 0)

	e.cancelHoldTimerLocked(talkgroupID)
	e.active[talkgroupID] = ActiveSpeaker{
		TalkgroupID:      talkgroupID,
		ParticipantID:    overrideParticipantID,
		StartedAt:        now,
		PrioritySnapshot: e.table.Priority(tg.Kind),
	}
	e.states[talkgroupID] = stateSpeaking
	e.emergencyActive = true
	e.emergencyTalkgroup = talkgroupID
	return nil
}

// ClearEmergency ends an active emergency override, if any, and recomputes
// gains as if the synthesized speaker had just stopped. A no-op if no
// override is in force.
func (e *Engine) ClearEmergency() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.emergencyActive {
		return
	}
	tgID := e.emergencyTalkgroup
	if speaker, ok := e.active[tgID]; ok && speaker.ParticipantID == overrideParticipantID {
		delete(e.active, tgID)
	}
	e.states[tgID] = stateIdle
	e.emergencyActive = false
	e.emergencyTalkgroup = ""
	e.recomputeLocked(e.clock())
}

// IsEmergencyActive reports whether an emergency override is currently in
// force, or a real speaker is active on a priority-static talkgroup.
func (e *Engine) IsEmergencyActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for tgID := range e.active {
		if e.talkgroups[tgID].Kind == priority.PriorityStatic {
			return true
		}
	}
	return false
}

// Destroy cancels all hold timers and zeros all gain schedules. The engine
// returns to an uninitialized state and may be re-initialized.
func (e *Engine) Destroy() {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock()
	for id, cancel := range e.holdTimers {
		cancel()
		delete(e.holdTimers, id)
	}
	for _, ctrl := range e.controllers {
		ctrl.Schedule(now, 0.0, 0)
	}
	e.talkgroups = make(map[string]Talkgroup)
	e.settings = make(map[string]UserSettings)
	e.controllers = make(map[string]*GainController)
	e.active = make(map[string]ActiveSpeaker)
	e.states = make(map[string]speakerState)
	e.emergencyActive = false
	e.emergencyTalkgroup = ""
	e.initialized = false
}

// Gain returns talkgroupID's current interpolated gain. Returns 0 for an
// unknown talkgroup.
func (e *Engine) Gain(talkgroupID string) float64 {
	e.mu.Lock()
	ctrl, ok := e.controllers[talkgroupID]
	now := e.clock()
	e.mu.Unlock()
	if !ok {
		return 0
	}
	return ctrl.Gain(now)
}

// ActiveSpeakers returns a snapshot of the current active-speaker map, keyed
// by talkgroup ID.
func (e *Engine) ActiveSpeakers() map[string]ActiveSpeaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]ActiveSpeaker, len(e.active))
	for k, v := range e.active {
		out[k] = v
	}
	return out
}

// activeKind pairs a talkgroup ID with its kind, used internally to pick H
// without re-deriving it from e.talkgroups repeatedly.
type activeKind struct {
	id   string
	kind priority.Kind
}

// highestPriorityActiveLocked returns the highest-priority active speaker's
// (id, kind). Ties are broken arbitrarily, matching spec.md's "any is
// acceptable" tie-break rule. Must be called with e.mu held.
func (e *Engine) highestPriorityActiveLocked() (activeKind, bool) {
	var best activeKind
	found := false
	bestPriority := -1
	for id := range e.active {
		tg, ok := e.talkgroups[id]
		if !ok {
			continue
		}
		p := e.table.Priority(tg.Kind)
		if !found || p > bestPriority {
			best = activeKind{id: id, kind: tg.Kind}
			bestPriority = p
			found = true
		}
	}
	return best, found
}

// emergencySpeakerIDLocked returns the ID of the active speaker whose
// talkgroup is priority-static, if any. Must be called with e.mu held.
func (e *Engine) emergencySpeakerIDLocked() string {
	for id := range e.active {
		if e.talkgroups[id].Kind == priority.PriorityStatic {
			return id
		}
	}
	return ""
}

// recomputeLocked runs the gain computation algorithm (spec.md §4.2) against
// the current state and schedules a ramp on every controller. Must be
// called with e.mu held.
func (e *Engine) recomputeLocked(now time.Time) {
	if len(e.active) == 0 {
		for id := range e.talkgroups {
			e.controllers[id].Schedule(now, e.settings[id].EffectiveVolume(), 200*time.Millisecond)
		}
		return
	}

	h, _ := e.highestPriorityActiveLocked()
	emergencyID := e.emergencySpeakerIDLocked()

	for id, tg := range e.talkgroups {
		var target float64
		var ramp time.Duration

		switch {
		case id == h.id:
			// T is the (a) highest-priority active speaker: it is never
			// ducked, and ramps at its own response time.
			target = e.settings[id].EffectiveVolume()
			ramp = e.table.ResponseTime(tg.Kind)
		case h.kind == priority.PriorityStatic && id != emergencyID:
			target = 0.0
			ramp = 50 * time.Millisecond
		case tg.Kind == priority.PriorityStatic:
			target = math.Max(e.settings[id].EffectiveVolume(), 0.8)
			ramp = e.table.ResponseTime(tg.Kind)
		case e.table.Ducks(h.kind, tg.Kind):
			target = e.table.DuckTarget(h.kind) * e.settings[id].EffectiveVolume()
			// Ramp at H's response time: the instigator's cadence governs
			// how fast victims duck, not the victim's own resting ramp.
			ramp = e.table.ResponseTime(h.kind)
		default:
			target = e.settings[id].EffectiveVolume()
			ramp = e.table.ResponseTime(tg.Kind)
		}

		e.controllers[id].Schedule(now, target, ramp)
	}
}

// Recompute re-runs the gain computation algorithm against the current
// state at now. Exposed so the Session Controller can force a
// recomputation after events that do not otherwise trigger one (e.g. a
// reconnect that restores a session without a fresh speaker event).
func (e *Engine) Recompute(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recomputeLocked(now)
}

// Close implements a context-aware shutdown hook for callers that manage the
// engine's lifetime alongside a context; it ignores ctx cancellation since
// Destroy is synchronous and bounded.
func (e *Engine) Close(ctx context.Context) error {
	_ = ctx
	e.Destroy()
	return nil
}
