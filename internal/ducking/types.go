package ducking

import (
	"time"

	"github.com/dmrduck/coordinator/internal/priority"
)

// Talkgroup is the static, immutable-once-admitted description of a logical
// voice channel. It is the ducking engine's view of a room descriptor (the
// `rooms[]` entries of the connection-details wire format) — everything the
// engine needs to know and nothing about transport.
type Talkgroup struct {
	// ID is the stable identity used as the map key everywhere in the engine.
	ID string

	// Name is the display name, used only for logging.
	Name string

	// Kind determines priority, response time, duck behaviour, and default
	// hold time via the priority table.
	Kind priority.Kind

	// Priority is the numeric weight carried over from the room descriptor.
	// The engine does not read it: it ranks talkgroups by the priority
	// table's value for Kind.
	Priority int

	// HoldTime is the post-speech ducking hold duration for this talkgroup.
	// A zero value means "recompute immediately" (spec's hold-ms-of-0 case).
	HoldTime time.Duration

	// CanPublish reports whether the participant's microphone may target
	// this talkgroup.
	CanPublish bool

	// CanSubscribe reports whether inbound audio from this talkgroup may be
	// mixed into the listener's output.
	CanSubscribe bool
}

// UserSettings holds the mutable per-talkgroup preferences a listener
// controls. The zero value is NOT the documented default — use
// [DefaultUserSettings].
type UserSettings struct {
	Muted  bool
	Volume float64
}

// DefaultUserSettings returns the spec-mandated default: unmuted, full volume.
func DefaultUserSettings() UserSettings {
	return UserSettings{Muted: false, Volume: 1.0}
}

// EffectiveVolume returns 0 if Muted, else the clamped Volume.
func (s UserSettings) EffectiveVolume() float64 {
	if s.Muted {
		return 0
	}
	return clampVolume(s.Volume)
}

// ActiveSpeaker records who is currently speaking on a talkgroup.
type ActiveSpeaker struct {
	TalkgroupID      string
	ParticipantID    string
	StartedAt        time.Time
	PrioritySnapshot int
}

// overrideParticipantID is the synthetic participant id used by
// [Engine.EmergencyOverride] so that subsequent recomputations keep treating
// the emergency talkgroup as actively speaking until [Engine.ClearEmergency].
const overrideParticipantID = "override"

// clampVolume clamps v into [0, 1], mapping NaN to 0 per the spec's clamp
// semantics for out-of-range volume values.
func clampVolume(v float64) float64 {
	switch {
	case v != v: // NaN
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
