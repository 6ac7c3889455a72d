package controller

import "errors"

// Error kinds surfaced by the controller's operations (spec.md §7).
var (
	// ErrConfigError indicates malformed connection details: missing server
	// URL or an invalid credential.
	ErrConfigError = errors.New("controller: config error")

	// ErrConnectFailed indicates a session exhausted all of its connect
	// retries.
	ErrConnectFailed = errors.New("controller: connect failed")

	// ErrNotJoined indicates an operation (set_transmit_target) targeted a
	// talkgroup that is not currently joined.
	ErrNotJoined = errors.New("controller: talkgroup not joined")

	// ErrInvalidEmergencyTarget indicates set_transmit_target tried to raise
	// an emergency override on a non-priority-static talkgroup.
	ErrInvalidEmergencyTarget = errors.New("controller: invalid emergency target")

	// ErrCannotPublish indicates set_transmit_target targeted a talkgroup
	// that was admitted without publish capability.
	ErrCannotPublish = errors.New("controller: talkgroup cannot publish")

	// ErrDeviceError classifies a denied microphone enable/disable request.
	// It is logged at WARN and never propagated: join, leave, and
	// set_transmit_target remain non-fatal when a platform denies the
	// request.
	ErrDeviceError = errors.New("controller: device error")
)
