package ducking

// Config is the engine-construction configuration from the connection
// details' Configuration block. Response times override the priority
// table's defaults for the lifetime of the engine; zero overrides fall back
// to the table's built-in values.
type Config struct {
	Enabled bool `yaml:"enabled"`

	EmergencyResponseMs int `yaml:"emergency_response_ms"`
	SecondaryResponseMs int `yaml:"secondary_response_ms"`
	DynamicResponseMs   int `yaml:"dynamic_response_ms"`

	DefaultHoldMs int `yaml:"default_hold_ms"`

	// MaxSimultaneousSpeakers bounds how many talkgroups may have an active
	// speaker at once. Enforcement is optional per spec; when > 0 this
	// engine enforces it by dropping the lowest-priority extra speaker.
	MaxSimultaneousSpeakers int `yaml:"max_simultaneous_speakers"`
}

// DefaultConfig returns the documented defaults from spec.md §6.
func DefaultConfig() Config {
	return Config{
		Enabled:                 true,
		EmergencyResponseMs:     50,
		SecondaryResponseMs:     100,
		DynamicResponseMs:       150,
		DefaultHoldMs:           3000,
		MaxSimultaneousSpeakers: 3,
	}
}
