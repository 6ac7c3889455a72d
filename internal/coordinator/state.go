// Package coordinator holds the process-wide observable record of joined
// talkgroups and global session state: membership, mute/volume settings,
// active-speaker flags, the current transmit target, and emergency status.
//
// It owns no I/O of its own. The Session Controller mutates it in lockstep
// with the Ducking Engine. The persisted preference subset has its own store
// in [github.com/dmrduck/coordinator/internal/persist]; nothing loads it into
// this record or saves it from this record.
package coordinator

import (
	"sort"
	"sync"
	"time"

	"github.com/dmrduck/coordinator/internal/priority"
)

// ConnectionStatus describes the overall transport state of the controller's
// sessions, mirroring the wire-level state-changed event of a single
// session but aggregated across all of them.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusReconnecting ConnectionStatus = "reconnecting"
)

// TalkgroupState is the per-talkgroup slice of the observable record.
type TalkgroupState struct {
	TalkgroupID     string
	Name            string
	Kind            priority.Kind
	Priority        int
	Joined          bool
	Muted           bool
	Volume          float64
	IsActiveSpeaker bool
	LastActivity    time.Time
}

// GlobalState is the non-per-talkgroup slice of the observable record.
type GlobalState struct {
	IsConnected          bool
	ConnectionStatus     ConnectionStatus
	MasterVolume         float64
	IsDuckingEnabled     bool
	IsEmergencyActive    bool
	EmergencyTalkgroupID string
	TransmitTarget       string // empty means none
	PriorityOrder        []string
}

// State is the coordinator's observable record. All mutators are idempotent
// and safe for concurrent use; readers should call [State.Snapshot] to get a
// consistent point-in-time copy rather than reading fields directly.
type State struct {
	mu     sync.RWMutex
	rooms  map[string]*TalkgroupState
	global GlobalState
}

// New returns an empty, disconnected [State]. Call [State.Reset] to
// (re)initialize it at connect time.
func New() *State {
	return &State{
		rooms: make(map[string]*TalkgroupState),
		global: GlobalState{
			ConnectionStatus: StatusDisconnected,
			MasterVolume:     1.0,
			IsDuckingEnabled: true,
		},
	}
}

// Snapshot is an immutable point-in-time copy of the observable record,
// suitable for handing to a UI layer.
type Snapshot struct {
	Rooms  map[string]TalkgroupState
	Global GlobalState
}

// Snapshot returns a deep copy of the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rooms := make(map[string]TalkgroupState, len(s.rooms))
	for id, r := range s.rooms {
		rooms[id] = *r
	}
	global := s.global
	global.PriorityOrder = append([]string(nil), s.global.PriorityOrder...)
	return Snapshot{Rooms: rooms, Global: global}
}

// Reset clears the record and reinitializes the per-talkgroup map with one
// entry per room, in the disconnected+default-settings state. Reset is
// called once at the start of a connect attempt and again (fully, not
// partially) whenever the controller disconnects.
func (s *State) Reset(rooms []TalkgroupState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms = make(map[string]*TalkgroupState, len(rooms))
	for _, r := range rooms {
		cp := r
		s.rooms[r.TalkgroupID] = &cp
	}
	s.global = GlobalState{
		ConnectionStatus: StatusDisconnected,
		MasterVolume:     s.global.MasterVolume,
		IsDuckingEnabled: s.global.IsDuckingEnabled,
	}
}

// SetConnected marks every room joined (or not) and recomputes the priority
// order. Called once connect has finished attempting every session.
func (s *State) SetConnected(connected bool, joined map[string]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.rooms {
		r.Joined = joined[id]
	}
	s.global.IsConnected = connected
	if connected {
		s.global.ConnectionStatus = StatusConnected
	} else {
		s.global.ConnectionStatus = StatusDisconnected
	}
	s.recomputePriorityOrderLocked()
}

// SetConnectionStatus updates only the transport status label (used for
// reconnecting transitions that don't change room membership).
func (s *State) SetConnectionStatus(status ConnectionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.global.ConnectionStatus = status
	s.global.IsConnected = status == StatusConnected
}

// Join marks a room as joined. Idempotent.
func (s *State) Join(talkgroupID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[talkgroupID]; ok {
		r.Joined = true
	}
	s.recomputePriorityOrderLocked()
}

// Leave marks a room as not joined. Idempotent.
func (s *State) Leave(talkgroupID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[talkgroupID]; ok {
		r.Joined = false
		r.IsActiveSpeaker = false
	}
	s.recomputePriorityOrderLocked()
}

// SetMuted sets a room's muted flag.
func (s *State) SetMuted(talkgroupID string, muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[talkgroupID]; ok {
		r.Muted = muted
	}
}

// ToggleMute flips a room's muted flag and returns the new value. Calling it
// twice returns the state to its original value.
func (s *State) ToggleMute(talkgroupID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[talkgroupID]
	if !ok {
		return false
	}
	r.Muted = !r.Muted
	return r.Muted
}

// SetVolume sets a room's volume, clamped to [0, 1] (NaN clamps to 0).
func (s *State) SetVolume(talkgroupID string, v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[talkgroupID]; ok {
		r.Volume = clamp01(v)
	}
}

// Volume returns a room's current volume setting.
func (s *State) Volume(talkgroupID string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.rooms[talkgroupID]; ok {
		return r.Volume
	}
	return 0
}

// SetMasterVolume sets the global master volume, clamped to [0, 1].
func (s *State) SetMasterVolume(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.global.MasterVolume = clamp01(v)
}

// SetDuckingEnabled toggles the global ducking-enabled flag.
func (s *State) SetDuckingEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.global.IsDuckingEnabled = enabled
}

// SetActiveSpeaker marks or clears a room's active-speaker flag and updates
// its LastActivity timestamp on a start.
func (s *State) SetActiveSpeaker(talkgroupID string, active bool, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[talkgroupID]
	if !ok {
		return
	}
	r.IsActiveSpeaker = active
	if active {
		r.LastActivity = now
	}
}

// SetTransmitTarget records the current transmit target (empty string means
// none).
func (s *State) SetTransmitTarget(talkgroupID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.global.TransmitTarget = talkgroupID
}

// TransmitTarget returns the current transmit target, or "" if none.
func (s *State) TransmitTarget() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.global.TransmitTarget
}

// IsJoined reports whether talkgroupID is currently joined.
func (s *State) IsJoined(talkgroupID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[talkgroupID]
	return ok && r.Joined
}

// SetEmergency records the emergency-override state.
func (s *State) SetEmergency(active bool, talkgroupID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.global.IsEmergencyActive = active
	if active {
		s.global.EmergencyTalkgroupID = talkgroupID
	} else {
		s.global.EmergencyTalkgroupID = ""
	}
}

// recomputePriorityOrderLocked derives the priorityOrder: joined rooms
// sorted by priority descending, then talkgroup ID ascending as a stable
// tiebreak. Must be called with s.mu held.
func (s *State) recomputePriorityOrderLocked() {
	ids := make([]string, 0, len(s.rooms))
	for id, r := range s.rooms {
		if r.Joined {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		ri, rj := s.rooms[ids[i]], s.rooms[ids[j]]
		if ri.Priority != rj.Priority {
			return ri.Priority > rj.Priority
		}
		return ids[i] < ids[j]
	})
	s.global.PriorityOrder = ids
}

func clamp01(v float64) float64 {
	if v != v { // NaN
		return 0
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
