package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dmrduck/coordinator/internal/coordinator"
	"github.com/dmrduck/coordinator/internal/ducking"
	"github.com/dmrduck/coordinator/internal/priority"
	"github.com/dmrduck/coordinator/internal/resilience"
	"github.com/dmrduck/coordinator/pkg/media"
)

// room is the controller's bookkeeping for one joined talkgroup session.
type room struct {
	desc        RoomDescriptor
	reconnector *reconnector
	watchers    []*activityWatcher
	micEnabled  bool
}

// Controller is the Session Controller: it owns one [media.Connection] per
// joined talkgroup, drives the [ducking.Engine] from inbound speaker
// activity, and routes the local microphone to exactly one talkgroup (the
// transmit target) at a time.
//
// A Controller is single-use: call [Controller.Connect] once, operate it,
// then call [Controller.Disconnect] to tear it down. All methods are safe
// for concurrent use.
type Controller struct {
	platform media.Platform
	engine   *ducking.Engine
	state    *coordinator.State
	breaker  *resilience.CircuitBreaker
	clock    func() time.Time
	log      *slog.Logger

	retryBackoff    time.Duration
	retryMaxBackoff time.Duration

	mu             sync.Mutex
	rooms          map[string]*room
	transmitTarget string
	connected      bool
}

// Option configures a [Controller].
type Option func(*Controller)

// WithClock overrides the time source used for speaker-activity timestamps.
// Defaults to time.Now.
func WithClock(clock func() time.Time) Option {
	return func(c *Controller) { c.clock = clock }
}

// WithLogger overrides the controller's logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(c *Controller) { c.log = log }
}

// WithCircuitBreaker installs a circuit breaker around each session's
// Connect call, so a consistently failing transport stops being retried
// inline until its reset timeout elapses.
func WithCircuitBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *Controller) { c.breaker = cb }
}

// WithRetryBackoff overrides the session-connect retry backoff shape.
// Defaults to the spec's 1s initial / 5s cap; tests use this to shrink
// retries to near-zero so a simulated transport failure doesn't cost real
// wall-clock time.
func WithRetryBackoff(initial, max time.Duration) Option {
	return func(c *Controller) { c.retryBackoff, c.retryMaxBackoff = initial, max }
}

// New creates a Controller that drives platform for transport and engine for
// gain scheduling. state is the observable record the controller keeps in
// lockstep with the engine.
func New(platform media.Platform, engine *ducking.Engine, state *coordinator.State, opts ...Option) *Controller {
	c := &Controller{
		platform:        platform,
		engine:          engine,
		state:           state,
		clock:           time.Now,
		log:             slog.Default(),
		rooms:           make(map[string]*room),
		retryBackoff:    connectInitialDelay,
		retryMaxBackoff: connectMaxDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect opens every session named in details in parallel, each with its
// own retry/backoff/timeout (spec.md §4.3). If every session fails it
// returns [ErrConnectFailed] wrapped with per-room errors, having torn down
// any partial state. On success, it initializes the Ducking Engine and
// publishes the joined set into the Coordinator State.
func (c *Controller) Connect(ctx context.Context, details ConnectionDetails) error {
	if details.ServerURL == "" || details.Credential == "" {
		return fmt.Errorf("%w: server url and credential are required", ErrConfigError)
	}

	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil // idempotent: already connected
	}
	c.mu.Unlock()

	talkgroups := make([]ducking.Talkgroup, 0, len(details.Rooms))
	settings := make(map[string]ducking.UserSettings, len(details.Rooms))
	coordRooms := make([]coordinator.TalkgroupState, 0, len(details.Rooms))
	for _, rd := range details.Rooms {
		talkgroups = append(talkgroups, ducking.Talkgroup{
			ID: rd.TalkgroupID, Name: rd.Name, Kind: rd.Kind, Priority: rd.Priority,
			HoldTime: rd.HoldTime, CanPublish: rd.CanPublish, CanSubscribe: rd.CanSubscribe,
		})
		settings[rd.TalkgroupID] = ducking.DefaultUserSettings()
		coordRooms = append(coordRooms, coordinator.TalkgroupState{
			TalkgroupID: rd.TalkgroupID, Name: rd.Name, Kind: rd.Kind, Priority: rd.Priority,
			Volume: 1.0,
		})
	}
	if err := c.engine.Initialize(talkgroups, settings); err != nil {
		return fmt.Errorf("controller: engine initialize: %w", err)
	}
	c.state.Reset(coordRooms)
	c.state.SetConnectionStatus(coordinator.StatusConnecting)

	type connectResult struct {
		desc RoomDescriptor
		r    *room
		err  error
	}
	results := make([]connectResult, len(details.Rooms))

	g, gctx := errgroup.WithContext(ctx)
	for i, rd := range details.Rooms {
		i, rd := i, rd
		g.Go(func() error {
			rc := newReconnector(c.platform, rd.TalkgroupID, c.retryBackoff, c.retryMaxBackoff, func(conn media.Connection) {
				c.onSessionReconnected(rd.TalkgroupID, conn)
			})
			connect := func() (media.Connection, error) { return rc.connect(gctx) }
			var conn media.Connection
			var err error
			if c.breaker != nil {
				err = c.breaker.Execute(func() error {
					var e error
					conn, e = connect()
					return e
				})
			} else {
				conn, err = connect()
			}
			if err != nil {
				results[i] = connectResult{desc: rd, err: err}
				return nil // collected, not propagated: one room's failure must not cancel the rest
			}
			rm := &room{desc: rd, reconnector: rc}
			c.attachSession(rm, conn)
			results[i] = connectResult{desc: rd, r: rm}
			return nil
		})
	}
	_ = g.Wait()

	joined := make(map[string]bool, len(results))
	var failures []error
	c.mu.Lock()
	for _, res := range results {
		if res.err != nil {
			failures = append(failures, fmt.Errorf("talkgroup %q: %w", res.desc.TalkgroupID, res.err))
			continue
		}
		c.rooms[res.desc.TalkgroupID] = res.r
		joined[res.desc.TalkgroupID] = true
		res.r.reconnector.monitor(ctx)
	}
	anyJoined := len(c.rooms) > 0
	c.connected = anyJoined
	c.mu.Unlock()

	c.state.SetConnected(anyJoined, joined)

	if !anyJoined {
		c.engine.Destroy()
		return fmt.Errorf("%w: all sessions failed: %v", ErrConnectFailed, failures)
	}
	for _, f := range failures {
		c.log.Warn("controller: session failed to connect", "error", f)
	}
	return nil
}

// attachSession wires a newly connected session's inbound streams into
// per-participant activity watchers that forward speaker-start/stop to the
// Ducking Engine, and registers it for reconnect notification.
func (c *Controller) attachSession(rm *room, conn media.Connection) {
	talkgroupID := rm.desc.TalkgroupID
	startWatcher := func(participantID string, ch <-chan media.AudioFrame) {
		w := newActivityWatcher(talkgroupID, participantID, c.clock, c.onSpeakerActivity)
		rm.watchers = append(rm.watchers, w)
		go w.watch(ch)
	}
	for pid, ch := range conn.InputStreams() {
		startWatcher(pid, ch)
	}
	conn.OnParticipantChange(func(ev media.Event) {
		if ev.Type == media.EventJoin {
			if ch, ok := conn.InputStreams()[ev.UserID]; ok {
				startWatcher(ev.UserID, ch)
			}
		}
	})
}

// onSpeakerActivity forwards a detected speaker edge into the engine and
// mirrors the active-speaker flag into the Coordinator State.
func (c *Controller) onSpeakerActivity(talkgroupID, participantID string, speaking bool, at time.Time) {
	c.engine.OnSpeakerEvent(talkgroupID, participantID, speaking, at)
	c.state.SetActiveSpeaker(talkgroupID, speaking, at)
}

// onSessionReconnected re-attaches inbound streams after a successful
// automatic reconnect.
func (c *Controller) onSessionReconnected(talkgroupID string, conn media.Connection) {
	c.mu.Lock()
	rm, ok := c.rooms[talkgroupID]
	c.mu.Unlock()
	if !ok {
		return
	}
	c.state.SetConnectionStatus(coordinator.StatusConnected)
	c.attachSession(rm, conn)

	c.mu.Lock()
	isTransmitTarget := c.transmitTarget == talkgroupID
	c.mu.Unlock()
	if isTransmitTarget {
		c.setMicrophone(rm, true)
	}
}

// setMicrophone requests the session's current connection enable or disable
// the microphone, logging a non-fatal [ErrDeviceError] if the platform
// denies it, and records the requested state on rm for bookkeeping (e.g.
// restoring it across a reconnect).
func (c *Controller) setMicrophone(rm *room, enabled bool) {
	conn := rm.reconnector.connection()
	if conn == nil {
		return
	}
	if err := conn.EnableMicrophone(enabled); err != nil {
		c.log.Warn("controller: microphone request denied",
			"talkgroup_id", rm.desc.TalkgroupID, "enabled", enabled,
			"error", fmt.Errorf("%w: %v", ErrDeviceError, err))
	}
	rm.micEnabled = enabled
}

// NotifySessionDisconnected is invoked by a transport adapter (or test) when
// a session's underlying connection drops. Per spec.md §4.3, any speaker the
// controller believed active in that session gets a synthetic stop event so
// ducking doesn't get stuck, and reconnection is triggered.
func (c *Controller) NotifySessionDisconnected(talkgroupID string, now time.Time) {
	c.mu.Lock()
	rm, ok := c.rooms[talkgroupID]
	c.mu.Unlock()
	if !ok {
		return
	}
	c.state.SetConnectionStatus(coordinator.StatusReconnecting)
	for _, spk := range c.engine.ActiveSpeakers() {
		if spk.TalkgroupID == talkgroupID {
			c.engine.OnSpeakerEvent(talkgroupID, spk.ParticipantID, false, now)
			c.state.SetActiveSpeaker(talkgroupID, false, now)
		}
	}
	rm.reconnector.notifyDisconnect()
}

// Disconnect closes every session, destroys the Ducking Engine, and clears
// the Coordinator State. Idempotent.
func (c *Controller) Disconnect() error {
	c.mu.Lock()
	rooms := c.rooms
	c.rooms = make(map[string]*room)
	c.connected = false
	c.transmitTarget = ""
	c.mu.Unlock()

	var errs []error
	for id, rm := range rooms {
		for _, w := range rm.watchers {
			w.stop()
		}
		if err := rm.reconnector.stop(); err != nil {
			errs = append(errs, fmt.Errorf("talkgroup %q: %w", id, err))
		}
	}
	c.engine.Destroy()
	c.state.Reset(nil)
	if len(errs) > 0 {
		return fmt.Errorf("controller: disconnect: %v", errs)
	}
	return nil
}

// Join marks a joined talkgroup as such in the Coordinator State and
// attempts to enable the microphone on that session (non-fatal if denied,
// per spec.md §4.3). The session for it must already be connected (joined is
// a membership flag, not a transport action, once connect has run);
// idempotent.
func (c *Controller) Join(talkgroupID string) {
	c.state.Join(talkgroupID)
	c.mu.Lock()
	rm, ok := c.rooms[talkgroupID]
	c.mu.Unlock()
	if ok {
		c.setMicrophone(rm, true)
	}
}

// Leave marks a talkgroup as left in the Coordinator State, disables its
// microphone, and clears its active-speaker flag (via [coordinator.State.Leave])
// without tearing down its transport session; idempotent.
func (c *Controller) Leave(talkgroupID string) {
	c.state.Leave(talkgroupID)
	c.mu.Lock()
	rm, ok := c.rooms[talkgroupID]
	c.mu.Unlock()
	if ok {
		c.setMicrophone(rm, false)
	}
}

// SetTransmitTarget atomically disables the microphone on every other
// session and enables it on target. Requires target to be joined, else
// returns [ErrNotJoined]. Requires target's publish capability, else returns
// [ErrCannotPublish] (spec.md §3's CoordinatorState invariant: a non-null
// transmit target always has publish-capability true). If target's kind is
// priority-static, it also triggers the Ducking Engine's emergency_override.
func (c *Controller) SetTransmitTarget(target string) error {
	c.mu.Lock()
	rm, ok := c.rooms[target]
	if !ok || !c.state.IsJoined(target) {
		c.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNotJoined, target)
	}
	if !rm.desc.CanPublish {
		c.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrCannotPublish, target)
	}
	c.transmitTarget = target
	others := make([]*room, 0, len(c.rooms))
	for id, other := range c.rooms {
		if id != target {
			others = append(others, other)
		}
	}
	c.mu.Unlock()

	// Disable every other session's mic before enabling the new target's, so
	// at most one microphone is ever live (spec.md §8 invariant 6).
	for _, other := range others {
		c.setMicrophone(other, false)
	}
	c.setMicrophone(rm, true)
	c.state.SetTransmitTarget(target)

	if rm.desc.Kind == priority.PriorityStatic {
		if err := c.engine.EmergencyOverride(target); err != nil {
			return fmt.Errorf("controller: emergency override on transmit target: %w", err)
		}
		c.state.SetEmergency(true, target)
	}
	return nil
}

// SetVolume forwards a volume change to the Ducking Engine and mirrors it
// into the Coordinator State. Out-of-range values are clamped, never errored.
func (c *Controller) SetVolume(talkgroupID string, v float64) {
	c.engine.SetUserSettings(talkgroupID, nil, &v)
	c.state.SetVolume(talkgroupID, v)
}

// SetMuted forwards a mute toggle to the Ducking Engine and mirrors it into
// the Coordinator State.
func (c *Controller) SetMuted(talkgroupID string, muted bool) {
	c.engine.SetUserSettings(talkgroupID, &muted, nil)
	c.state.SetMuted(talkgroupID, muted)
}

// ClearEmergency clears any active emergency override.
func (c *Controller) ClearEmergency() {
	c.engine.ClearEmergency()
	c.state.SetEmergency(false, "")
}

// Snapshot returns the current Coordinator State.
func (c *Controller) Snapshot() coordinator.Snapshot {
	return c.state.Snapshot()
}
