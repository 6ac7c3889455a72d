package webrtc

import (
	"context"
	"fmt"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// roomName derives the deterministic room identifier for a talkgroup:
// "talkgroup_" + id + "_" + lowercase(name) with every character outside
// [a-z0-9] replaced by "_". When name is unknown the talkgroup ID alone is
// used.
func roomName(talkgroupID, name string) string {
	if name == "" {
		return "talkgroup_" + talkgroupID
	}
	return "talkgroup_" + talkgroupID + "_" + sanitizeRoomName(name)
}

// sanitizeRoomName lowercases name and replaces every character outside
// [a-z0-9] with "_", matching the wire format's room-name derivation rule.
func sanitizeRoomName(name string) string {
	lower := strings.ToLower(name)
	var b strings.Builder
	b.Grow(len(lower))
	for _, r := range lower {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// joinMessage is sent to the signaling server to join a room.
type joinMessage struct {
	Type             string `json:"type"`
	ParticipantToken string `json:"participant_token"`
	Room             string `json:"room"`
}

// joinAck is the server's response to a join message.
type joinAck struct {
	Type         string   `json:"type"`
	Accepted     bool     `json:"accepted"`
	Reason       string   `json:"reason,omitempty"`
	Participants []string `json:"participants,omitempty"`
}

// roomEvent is a subsequent push message describing a participant join/leave.
type roomEvent struct {
	Type     string `json:"type"` // "participant_joined" | "participant_left"
	UserID   string `json:"user_id"`
	Username string `json:"username,omitempty"`
}

// signalingConn wraps the control-plane websocket connection used to join a
// room and receive participant lifecycle events from the server. Audio
// itself does not flow over this connection; it is carried per-peer by
// [PeerTransport] once a participant_joined event arrives.
type signalingConn struct {
	ws   *websocket.Conn
	room string
}

// dialSignaling performs the join handshake described by the wire format:
// connect to serverURL, send a join message carrying the participant token
// and the derived room name, and wait for the server's acknowledgement.
func dialSignaling(ctx context.Context, serverURL, credential, room string) (*signalingConn, error) {
	ws, _, err := websocket.Dial(ctx, serverURL, nil)
	if err != nil {
		return nil, fmt.Errorf("webrtc: dial %s: %w", serverURL, err)
	}

	join := joinMessage{Type: "join", ParticipantToken: credential, Room: room}
	if err := wsjson.Write(ctx, ws, join); err != nil {
		ws.Close(websocket.StatusInternalError, "join write failed")
		return nil, fmt.Errorf("webrtc: send join for room %q: %w", room, err)
	}

	var ack joinAck
	if err := wsjson.Read(ctx, ws, &ack); err != nil {
		ws.Close(websocket.StatusInternalError, "join ack read failed")
		return nil, fmt.Errorf("webrtc: read join ack for room %q: %w", room, err)
	}
	if !ack.Accepted {
		ws.Close(websocket.StatusNormalClosure, "join rejected")
		return nil, fmt.Errorf("webrtc: room %q rejected join: %s", room, ack.Reason)
	}

	return &signalingConn{ws: ws, room: room}, nil
}

// readEvents reads room events from the signaling connection until ctx is
// cancelled or the connection closes. Each decoded event is passed to onEvent.
func (s *signalingConn) readEvents(ctx context.Context, onEvent func(roomEvent)) {
	for {
		var ev roomEvent
		if err := wsjson.Read(ctx, s.ws, &ev); err != nil {
			return
		}
		onEvent(ev)
	}
}

func (s *signalingConn) close() error {
	return s.ws.Close(websocket.StatusNormalClosure, "leaving room")
}
