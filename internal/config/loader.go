package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/dmrduck/coordinator/internal/ducking"
	"github.com/dmrduck/coordinator/internal/priority"
	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEngineDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEngineDefaults fills in the ducking engine's documented defaults for
// any field left at its YAML zero value, so a config file may omit the
// engine block entirely.
func applyEngineDefaults(cfg *Config) {
	def := ducking.DefaultConfig()
	if !cfg.Engine.Enabled && cfg.Engine.EmergencyResponseMs == 0 && cfg.Engine.SecondaryResponseMs == 0 &&
		cfg.Engine.DynamicResponseMs == 0 && cfg.Engine.DefaultHoldMs == 0 && cfg.Engine.MaxSimultaneousSpeakers == 0 {
		cfg.Engine = def
		return
	}
	if cfg.Engine.EmergencyResponseMs == 0 {
		cfg.Engine.EmergencyResponseMs = def.EmergencyResponseMs
	}
	if cfg.Engine.SecondaryResponseMs == 0 {
		cfg.Engine.SecondaryResponseMs = def.SecondaryResponseMs
	}
	if cfg.Engine.DynamicResponseMs == 0 {
		cfg.Engine.DynamicResponseMs = def.DynamicResponseMs
	}
	if cfg.Engine.DefaultHoldMs == 0 {
		cfg.Engine.DefaultHoldMs = def.DefaultHoldMs
	}
	if cfg.Engine.MaxSimultaneousSpeakers == 0 {
		cfg.Engine.MaxSimultaneousSpeakers = def.MaxSimultaneousSpeakers
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing every validation failure found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	switch cfg.Server.Platform {
	case "", "webrtc":
		if cfg.Server.SignalingURL == "" {
			errs = append(errs, errors.New("server.signaling_url is required for the webrtc platform"))
		}
	case "discord":
		if cfg.Server.DiscordGuildID == "" {
			errs = append(errs, errors.New("server.discord_guild_id is required for the discord platform"))
		}
	default:
		errs = append(errs, fmt.Errorf("server.platform %q is invalid; valid values: webrtc, discord", cfg.Server.Platform))
	}

	if cfg.Engine.EmergencyResponseMs < 0 || cfg.Engine.SecondaryResponseMs < 0 || cfg.Engine.DynamicResponseMs < 0 {
		errs = append(errs, errors.New("engine response times must be non-negative"))
	}
	if cfg.Engine.DefaultHoldMs < 0 {
		errs = append(errs, errors.New("engine.default_hold_ms must be non-negative"))
	}
	if cfg.Engine.MaxSimultaneousSpeakers < 0 {
		errs = append(errs, errors.New("engine.max_simultaneous_speakers must be non-negative"))
	}

	if cfg.Persist.PostgresDSN == "" && len(cfg.Rooms) > 0 {
		slog.Warn("persist.postgres_dsn is empty; user preferences will not survive a restart")
	}

	seen := make(map[string]int, len(cfg.Rooms))
	for i, room := range cfg.Rooms {
		prefix := fmt.Sprintf("rooms[%d]", i)
		if room.TalkgroupID == "" {
			errs = append(errs, fmt.Errorf("%s.talkgroup_id is required", prefix))
		} else if prev, ok := seen[room.TalkgroupID]; ok {
			errs = append(errs, fmt.Errorf("%s.talkgroup_id %q is a duplicate of rooms[%d]", prefix, room.TalkgroupID, prev))
		} else {
			seen[room.TalkgroupID] = i
		}
		if _, ok := priority.ParseKind(room.Type); !ok {
			errs = append(errs, fmt.Errorf("%s.type %q is invalid; valid values: priority-static, secondary-static, dynamic, adhoc", prefix, room.Type))
		}
		if room.HoldTimeSeconds < 0 {
			errs = append(errs, fmt.Errorf("%s.hold_time_seconds must be non-negative", prefix))
		}
	}

	return errors.Join(errs...)
}
