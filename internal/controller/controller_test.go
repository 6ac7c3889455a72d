package controller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dmrduck/coordinator/internal/coordinator"
	"github.com/dmrduck/coordinator/internal/ducking"
	"github.com/dmrduck/coordinator/internal/priority"
	"github.com/dmrduck/coordinator/pkg/media"
)

// ── fakes ────────────────────────────────────────────────────────────────

type fakeScheduler struct{}

func (fakeScheduler) AfterFunc(d time.Duration, f func()) ducking.CancelFunc {
	t := time.AfterFunc(d, f)
	return func() bool { return t.Stop() }
}

type fakeConnection struct {
	mu         sync.Mutex
	inputs     map[string]chan media.AudioFrame
	changeCb   func(media.Event)
	closed     bool
	closeErr   error
	onClose    func()
	micEnabled bool
	micErr     error
}

func newFakeConnection() *fakeConnection {
	return &fakeConnection{inputs: make(map[string]chan media.AudioFrame)}
}

func (c *fakeConnection) InputStreams() map[string]<-chan media.AudioFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]<-chan media.AudioFrame, len(c.inputs))
	for id, ch := range c.inputs {
		out[id] = ch
	}
	return out
}

func (c *fakeConnection) OutputStream() chan<- media.AudioFrame {
	return make(chan media.AudioFrame, 1)
}

func (c *fakeConnection) OnParticipantChange(cb func(media.Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changeCb = cb
}

func (c *fakeConnection) EnableMicrophone(enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.micErr != nil {
		return c.micErr
	}
	c.micEnabled = enabled
	return nil
}

func (c *fakeConnection) isMicEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.micEnabled
}

func (c *fakeConnection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for _, ch := range c.inputs {
		close(ch)
	}
	if c.onClose != nil {
		c.onClose()
	}
	return c.closeErr
}

type fakePlatform struct {
	mu        sync.Mutex
	conns     map[string]*fakeConnection
	failUntil map[string]int // number of failures to return before succeeding
	attempts  map[string]int
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		conns:     make(map[string]*fakeConnection),
		failUntil: make(map[string]int),
		attempts:  make(map[string]int),
	}
}

func (p *fakePlatform) Connect(ctx context.Context, talkgroupID string) (media.Connection, error) {
	p.mu.Lock()
	p.attempts[talkgroupID]++
	attempt := p.attempts[talkgroupID]
	failN := p.failUntil[talkgroupID]
	p.mu.Unlock()

	if attempt <= failN {
		return nil, errors.New("fake: transport refused connection")
	}
	conn := newFakeConnection()
	p.mu.Lock()
	p.conns[talkgroupID] = conn
	p.mu.Unlock()
	return conn, nil
}

// ── helpers ──────────────────────────────────────────────────────────────

func testRooms() []RoomDescriptor {
	return []RoomDescriptor{
		{TalkgroupID: "emg", Name: "Emergency", Kind: priority.PriorityStatic, Priority: 100, CanPublish: true, CanSubscribe: true},
		{TalkgroupID: "gen", Name: "General", Kind: priority.SecondaryStatic, Priority: 80, HoldTime: 2000 * time.Millisecond, CanPublish: true, CanSubscribe: true},
		{TalkgroupID: "rd", Name: "Roadside", Kind: priority.Dynamic, Priority: 50, HoldTime: 3000 * time.Millisecond, CanPublish: true, CanSubscribe: true},
	}
}

func newTestController(platform media.Platform) *Controller {
	engine := ducking.New(priority.Default(), ducking.DefaultConfig(), ducking.WithScheduler(fakeScheduler{}))
	state := coordinator.New()
	return New(platform, engine, state, WithRetryBackoff(time.Millisecond, 2*time.Millisecond))
}

// S4: Join sequence connect([emg, gen, rd]); set_transmit_target(rd).
// Expected: mic enabled only on rd's session; priorityOrder=[emg, gen, rd];
// isEmergencyActive=false.
func TestScenarioS4_TransmitTargetAndPriorityOrder(t *testing.T) {
	platform := newFakePlatform()
	c := newTestController(platform)

	err := c.Connect(context.Background(), ConnectionDetails{
		ServerURL: "wss://example.test", Credential: "tok", Rooms: testRooms(),
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	snap := c.Snapshot()
	wantOrder := []string{"emg", "gen", "rd"}
	if len(snap.Global.PriorityOrder) != len(wantOrder) {
		t.Fatalf("PriorityOrder = %v, want %v", snap.Global.PriorityOrder, wantOrder)
	}
	for i, id := range wantOrder {
		if snap.Global.PriorityOrder[i] != id {
			t.Errorf("PriorityOrder[%d] = %q, want %q", i, snap.Global.PriorityOrder[i], id)
		}
	}

	if err := c.SetTransmitTarget("rd"); err != nil {
		t.Fatalf("SetTransmitTarget: %v", err)
	}

	c.mu.Lock()
	for id, rm := range c.rooms {
		want := id == "rd"
		if rm.micEnabled != want {
			t.Errorf("room %q micEnabled = %v, want %v", id, rm.micEnabled, want)
		}
	}
	c.mu.Unlock()

	platform.mu.Lock()
	for id, conn := range platform.conns {
		want := id == "rd"
		if got := conn.isMicEnabled(); got != want {
			t.Errorf("connection %q EnableMicrophone state = %v, want %v", id, got, want)
		}
	}
	platform.mu.Unlock()

	if c.Snapshot().Global.IsEmergencyActive {
		t.Error("IsEmergencyActive = true, want false")
	}
}

func TestSetTransmitTarget_UnjoinedFails(t *testing.T) {
	platform := newFakePlatform()
	c := newTestController(platform)
	if err := c.Connect(context.Background(), ConnectionDetails{ServerURL: "wss://x", Credential: "tok", Rooms: testRooms()}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.SetTransmitTarget("ghost"); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("SetTransmitTarget(ghost) = %v, want ErrNotJoined", err)
	}
}

// A room whose transport session is connected but whose membership was
// subsequently left must still be rejected: set_transmit_target checks
// joined state, not mere room/transport presence.
func TestSetTransmitTarget_LeftRoomFailsWithNotJoined(t *testing.T) {
	platform := newFakePlatform()
	c := newTestController(platform)
	if err := c.Connect(context.Background(), ConnectionDetails{ServerURL: "wss://x", Credential: "tok", Rooms: testRooms()}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c.Leave("rd")
	if err := c.SetTransmitTarget("rd"); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("SetTransmitTarget(rd) after Leave = %v, want ErrNotJoined", err)
	}
}

func TestSetTransmitTarget_CannotPublishFails(t *testing.T) {
	platform := newFakePlatform()
	c := newTestController(platform)
	rooms := testRooms()
	rooms[2].CanPublish = false // rd
	if err := c.Connect(context.Background(), ConnectionDetails{ServerURL: "wss://x", Credential: "tok", Rooms: rooms}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.SetTransmitTarget("rd"); !errors.Is(err, ErrCannotPublish) {
		t.Fatalf("SetTransmitTarget(rd) = %v, want ErrCannotPublish", err)
	}
}

func TestJoin_EnablesMicrophoneOnSession(t *testing.T) {
	platform := newFakePlatform()
	c := newTestController(platform)
	if err := c.Connect(context.Background(), ConnectionDetails{ServerURL: "wss://x", Credential: "tok", Rooms: testRooms()}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c.Join("gen")
	if !platform.conns["gen"].isMicEnabled() {
		t.Error("Join should enable the microphone on the joined session")
	}
	c.Leave("gen")
	if platform.conns["gen"].isMicEnabled() {
		t.Error("Leave should disable the microphone on the session")
	}
}

func TestSetTransmitTarget_PriorityStaticTriggersEmergencyOverride(t *testing.T) {
	platform := newFakePlatform()
	c := newTestController(platform)
	if err := c.Connect(context.Background(), ConnectionDetails{ServerURL: "wss://x", Credential: "tok", Rooms: testRooms()}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.SetTransmitTarget("emg"); err != nil {
		t.Fatalf("SetTransmitTarget(emg): %v", err)
	}
	if !c.Snapshot().Global.IsEmergencyActive {
		t.Error("IsEmergencyActive = false, want true")
	}
	if g := c.engine.Gain("gen"); g > 0.0001 {
		t.Errorf("gain(gen) under emergency override = %v, want ~0", g)
	}
}

// S6: Reconnect — while gen has an active speaker, its session disconnects.
// Expected: a synthetic stop event fires, the hold timer starts, and
// recomputation restores the other channels once it expires.
func TestScenarioS6_ReconnectSynthesizesStopEvent(t *testing.T) {
	platform := newFakePlatform()
	c := newTestController(platform)
	if err := c.Connect(context.Background(), ConnectionDetails{ServerURL: "wss://x", Credential: "tok", Rooms: testRooms()}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	now := time.Now()
	c.engine.OnSpeakerEvent("gen", "u1", true, now)
	if len(c.engine.ActiveSpeakers()) == 0 {
		t.Fatal("expected gen to have an active speaker before disconnect")
	}

	c.NotifySessionDisconnected("gen", now.Add(time.Millisecond))

	speakers := c.engine.ActiveSpeakers()
	if _, ok := speakers["gen"]; ok {
		t.Error("gen should no longer be an active speaker after a synthetic stop")
	}
	if c.Snapshot().Rooms["gen"].IsActiveSpeaker {
		t.Error("coordinator state should reflect gen is no longer an active speaker")
	}
	if c.Snapshot().Global.ConnectionStatus != coordinator.StatusReconnecting {
		t.Errorf("ConnectionStatus = %v, want %v", c.Snapshot().Global.ConnectionStatus, coordinator.StatusReconnecting)
	}
}

func TestConnect_PartialFailureStillJoinsHealthySessions(t *testing.T) {
	platform := newFakePlatform()
	platform.failUntil["rd"] = connectMaxAttempts // rd fails every attempt

	c := newTestController(platform)
	err := c.Connect(context.Background(), ConnectionDetails{ServerURL: "wss://x", Credential: "tok", Rooms: testRooms()})
	if err != nil {
		t.Fatalf("Connect should not fail overall when at least one session joins: %v", err)
	}
	snap := c.Snapshot()
	if !snap.Rooms["emg"].Joined || !snap.Rooms["gen"].Joined {
		t.Error("emg and gen should be joined")
	}
	if snap.Rooms["rd"].Joined {
		t.Error("rd should not be joined after exhausting retries")
	}
}

func TestConnect_AllSessionsFailReturnsConnectFailed(t *testing.T) {
	platform := newFakePlatform()
	for _, r := range testRooms() {
		platform.failUntil[r.TalkgroupID] = connectMaxAttempts
	}
	c := newTestController(platform)
	err := c.Connect(context.Background(), ConnectionDetails{ServerURL: "wss://x", Credential: "tok", Rooms: testRooms()})
	if !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("Connect = %v, want ErrConnectFailed", err)
	}
}

func TestConnect_MissingCredentialIsConfigError(t *testing.T) {
	c := newTestController(newFakePlatform())
	err := c.Connect(context.Background(), ConnectionDetails{Rooms: testRooms()})
	if !errors.Is(err, ErrConfigError) {
		t.Fatalf("Connect = %v, want ErrConfigError", err)
	}
}

func TestDisconnect_IsIdempotentAndClearsState(t *testing.T) {
	platform := newFakePlatform()
	c := newTestController(platform)
	if err := c.Connect(context.Background(), ConnectionDetails{ServerURL: "wss://x", Credential: "tok", Rooms: testRooms()}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := c.Disconnect(); err != nil {
		t.Fatalf("second Disconnect should be a no-op, got: %v", err)
	}
	if len(c.Snapshot().Rooms) != 0 {
		t.Error("Coordinator State should be empty after disconnect")
	}
}
