// Package app wires the coordinator's subsystems into a running application.
//
// App owns the full lifecycle: New builds and connects the priority table,
// Ducking Engine, Session Controller, preferences store, and session
// platform; Run blocks until its context is cancelled; Shutdown tears
// everything down in order.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/dmrduck/coordinator/internal/config"
	"github.com/dmrduck/coordinator/internal/controller"
	"github.com/dmrduck/coordinator/internal/coordinator"
	"github.com/dmrduck/coordinator/internal/ducking"
	"github.com/dmrduck/coordinator/internal/persist"
	"github.com/dmrduck/coordinator/internal/priority"
	"github.com/dmrduck/coordinator/internal/resilience"
	"github.com/dmrduck/coordinator/pkg/media"
	"github.com/dmrduck/coordinator/pkg/media/discord"
	"github.com/dmrduck/coordinator/pkg/media/webrtc"
)

// App owns all subsystem lifetimes and orchestrates the coordinator.
type App struct {
	cfg *config.Config

	state      *coordinator.State
	engine     *ducking.Engine
	controller *controller.Controller
	prefs      *persist.Store
	platform   media.Platform

	// closers are called in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Used to inject test doubles.
type Option func(*App)

// WithPlatform injects a session platform instead of building one from
// cfg.Server.
func WithPlatform(p media.Platform) Option {
	return func(a *App) { a.platform = p }
}

// WithPreferencesStore injects a preferences store instead of connecting to
// cfg.Persist.PostgresDSN.
func WithPreferencesStore(s *persist.Store) Option {
	return func(a *App) { a.prefs = s }
}

// New builds an App from cfg: the priority table and Ducking Engine, the
// session platform (webrtc or discord, per cfg.Server.Platform), the
// preferences store (if cfg.Persist.PostgresDSN is set), and the Session
// Controller tying them together.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:   cfg,
		state: coordinator.New(),
	}
	for _, o := range opts {
		o(a)
	}

	table := priority.Default()
	a.engine = ducking.New(table, cfg.Engine)
	a.closers = append(a.closers, func() error {
		a.engine.Close(context.Background())
		return nil
	})

	if a.platform == nil {
		p, closeFn, err := buildPlatform(cfg)
		if err != nil {
			return nil, fmt.Errorf("app: build platform: %w", err)
		}
		a.platform = p
		if closeFn != nil {
			a.closers = append(a.closers, closeFn)
		}
	}

	if a.prefs == nil && cfg.Persist.PostgresDSN != "" {
		store, closeFn, err := persist.Connect(ctx, cfg.Persist.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("app: connect preferences store: %w", err)
		}
		a.prefs = store
		a.closers = append(a.closers, func() error { closeFn(); return nil })
	}

	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name: "session-connect",
	})
	a.controller = controller.New(a.platform, a.engine, a.state,
		controller.WithCircuitBreaker(breaker),
	)

	return a, nil
}

// buildPlatform constructs the [media.Platform] named by cfg.Server.Platform.
// It returns a close function for platforms that own a long-lived
// connection (e.g. the Discord gateway session), or nil if none is needed.
func buildPlatform(cfg *config.Config) (media.Platform, func() error, error) {
	opts := make([]webrtc.Option, 0, len(cfg.Rooms))
	for _, r := range cfg.Rooms {
		opts = append(opts, webrtc.WithRoomName(r.TalkgroupID, r.TalkgroupName))
	}

	switch cfg.Server.Platform {
	case "", "webrtc":
		primary := webrtc.New(cfg.Server.SignalingURL, cfg.Server.Credential, opts...)
		if cfg.Server.SecondarySignalingURL == "" {
			return primary, nil, nil
		}
		fp := media.NewFallbackPlatform(primary, "primary-sfu", resilience.FallbackConfig{})
		fp.AddFallback("secondary-sfu", webrtc.New(cfg.Server.SecondarySignalingURL, cfg.Server.Credential, opts...))
		return fp, nil, nil

	case "discord":
		session, err := discordgo.New("Bot " + cfg.Server.Credential)
		if err != nil {
			return nil, nil, fmt.Errorf("discord: create session: %w", err)
		}
		session.Identify.Intents = discordgo.IntentsGuildVoiceStates | discordgo.IntentsGuilds
		if err := session.Open(); err != nil {
			return nil, nil, fmt.Errorf("discord: open session: %w", err)
		}
		return discord.New(session, cfg.Server.DiscordGuildID), session.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown platform %q", cfg.Server.Platform)
	}
}

// roomDescriptors converts the configured rooms into the controller's
// connect-time wire format, resolving each room's kind via [priority.ParseKind].
func roomDescriptors(rooms []config.RoomConfig) ([]controller.RoomDescriptor, error) {
	out := make([]controller.RoomDescriptor, 0, len(rooms))
	for _, r := range rooms {
		kind, ok := priority.ParseKind(r.Type)
		if !ok {
			return nil, fmt.Errorf("room %q: invalid type %q", r.TalkgroupID, r.Type)
		}
		out = append(out, controller.RoomDescriptor{
			TalkgroupID:  r.TalkgroupID,
			Name:         r.TalkgroupName,
			Kind:         kind,
			Priority:     r.Priority,
			HoldTime:     time.Duration(r.HoldTimeSeconds * float64(time.Second)),
			CanPublish:   r.CanPublish,
			CanSubscribe: r.CanSubscribe,
		})
	}
	return out, nil
}

// State returns the coordinator's observable state record.
func (a *App) State() *coordinator.State { return a.state }

// Engine returns the Ducking Engine.
func (a *App) Engine() *ducking.Engine { return a.engine }

// Controller returns the Session Controller.
func (a *App) Controller() *controller.Controller { return a.controller }

// Preferences returns the preferences store, or nil if persistence is not
// configured.
func (a *App) Preferences() *persist.Store { return a.prefs }

// Run connects every configured room and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	rooms, err := roomDescriptors(a.cfg.Rooms)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}

	details := controller.ConnectionDetails{
		ServerURL:  a.cfg.Server.SignalingURL,
		Credential: a.cfg.Server.Credential,
		Rooms:      rooms,
	}
	if a.cfg.Server.Platform == "discord" {
		// The Discord platform authenticates its own gateway session; the
		// controller's server URL/credential check just needs non-empty
		// values to proceed.
		details.ServerURL = "discord://" + a.cfg.Server.DiscordGuildID
		details.Credential = a.cfg.Server.Credential
	}

	if err := a.controller.Connect(ctx, details); err != nil {
		return fmt.Errorf("app: connect: %w", err)
	}

	slog.Info("coordinator running", "rooms", len(rooms))
	<-ctx.Done()
	return ctx.Err()
}

// Shutdown tears down all subsystems in reverse initialisation order. It is
// safe to call more than once; subsequent calls return nil.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		if derr := a.controller.Disconnect(); derr != nil {
			err = derr
		}
		for i := len(a.closers) - 1; i >= 0; i-- {
			if cerr := a.closers[i](); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}
