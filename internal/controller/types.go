// Package controller implements the Session Controller: it owns the
// per-talkgroup media sessions, connects and reconnects them, forwards
// inbound speaker events into the Ducking Engine, and routes the local
// microphone to exactly one talkgroup at a time.
package controller

import (
	"time"

	"github.com/dmrduck/coordinator/internal/priority"
)

// RoomDescriptor is one entry of the connect() wire format's talkgroup list
// (spec.md §6).
type RoomDescriptor struct {
	TalkgroupID  string
	Name         string
	Kind         priority.Kind
	Priority     int
	HoldTime     time.Duration
	CanPublish   bool
	CanSubscribe bool
}

// ConnectionDetails is the input to [Controller.Connect]: a server URL, a
// single credential carrying grants for every room, and the list of rooms to
// join.
type ConnectionDetails struct {
	ServerURL  string
	Credential string
	Rooms      []RoomDescriptor
}

// Retry/timeout parameters for session connect, per spec.md §4.3/§5.
const (
	connectMaxAttempts  = 3
	connectInitialDelay = 1 * time.Second
	connectMaxDelay     = 5 * time.Second
	connectPerSessionTimeout = 15 * time.Second
)
