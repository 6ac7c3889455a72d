package ducking

import "errors"

// ErrKindMismatch is returned by Initialize when the engine has already been
// initialized with a different talkgroup set.
var ErrKindMismatch = errors.New("ducking: already initialized with a different talkgroup set")

// ErrInvalidEmergencyTarget is returned by EmergencyOverride when the target
// talkgroup is unknown or not of priority-static kind.
var ErrInvalidEmergencyTarget = errors.New("ducking: emergency override target is not a priority-static talkgroup")

// ErrNotInitialized names the state of an engine without a prior successful
// Initialize. No Engine method returns it: on an uninitialized engine every
// talkgroup is unknown, so speaker events and settings updates are logged
// and ignored.
var ErrNotInitialized = errors.New("ducking: engine not initialized")

// Unknown talkgroup references on on_speaker_event / set_user_settings are
// not surfaced as errors — per spec they are logged at WARN and swallowed
// (IgnoredUnknown). There is deliberately no exported error value for that
// case; callers that need to detect it should watch the logs, same as the
// rest of the system's IgnoredUnknown/DeviceError handling.
