// Package webrtc provides a [media.Platform] implementation that signals
// over a websocket connection and carries audio via a pluggable
// [PeerTransport], intended for browser/softphone peers bridging into a DMR
// talkgroup.
//
// Connect dials the signaling server, joins the room derived from the
// talkgroup ID and name, and keeps the control connection open to receive
// participant join/leave events pushed by the server. Per-participant audio
// is handled by [PeerTransport], which can be backed by a real pion/webrtc
// peer connection; this package ships a mock transport so the control-plane
// logic can be exercised without a live media stack.
package webrtc

import (
	"context"
	"fmt"

	audio "github.com/dmrduck/coordinator/pkg/media"
)

// Compile-time interface assertions.
var _ audio.Platform = (*Platform)(nil)
var _ audio.Connection = (*Connection)(nil)

// Option configures a [Platform].
type Option func(*Platform)

// WithSTUNServers sets the STUN server URLs handed to each Connection.
// Defaults to ["stun:stun.l.google.com:19302"]. The bundled mock transport
// performs no ICE negotiation and does not use them.
func WithSTUNServers(servers ...string) Option {
	return func(p *Platform) {
		p.stunServers = servers
	}
}

// WithSampleRate sets the audio sample rate in Hz. Defaults to 48000.
func WithSampleRate(rate int) Option {
	return func(p *Platform) {
		p.sampleRate = rate
	}
}

// WithRoomName registers the talkgroup name used to derive the room
// identifier sent during the join handshake: "talkgroup_" + id + "_" +
// lowercase(name), with every character outside [a-z0-9] replaced by "_".
// Talkgroups with no registered name join as
// "talkgroup_" + id.
func WithRoomName(talkgroupID, name string) Option {
	return func(p *Platform) {
		p.roomNames[talkgroupID] = name
	}
}

// Platform implements [audio.Platform] by signaling over a websocket
// connection to serverURL and carrying per-participant audio via
// [PeerTransport].
//
// Platform is safe for concurrent use.
type Platform struct {
	serverURL   string
	credential  string
	stunServers []string
	sampleRate  int
	roomNames   map[string]string // talkgroup ID -> name, for room identifier derivation
}

// New creates a new WebRTC Platform that signals to serverURL using
// credential as the participant token.
func New(serverURL, credential string, opts ...Option) *Platform {
	p := &Platform{
		serverURL:   serverURL,
		credential:  credential,
		stunServers: []string{"stun:stun.l.google.com:19302"},
		sampleRate:  48000,
		roomNames:   make(map[string]string),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect dials the signaling server and joins the room for talkgroupID,
// returning a [Connection] once the server has acknowledged the join. The
// supplied ctx governs the handshake only; once the Connection is returned
// it lives until [Connection.Disconnect] is called explicitly.
func (p *Platform) Connect(ctx context.Context, talkgroupID string) (audio.Connection, error) {
	room := roomName(talkgroupID, p.roomNames[talkgroupID])
	sig, err := dialSignaling(ctx, p.serverURL, p.credential, room)
	if err != nil {
		return nil, fmt.Errorf("webrtc: connect talkgroup %q: %w", talkgroupID, err)
	}
	return newConnection(talkgroupID, p.sampleRate, p.stunServers, sig), nil
}
