package media

import "time"

// AudioFrame represents a single frame of audio data flowing through the pipeline.
// Frames are the atomic unit of audio transport — read from per-participant
// input streams, converted by [FormatConverter], encoded/decoded by platform
// codecs, and written to output streams.
type AudioFrame struct {
	// PCM audio data. Sample rate and channel count are determined by the pipeline config.
	Data []byte

	// SampleRate in Hz (e.g., 48000 for Discord Opus).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo (Discord Opus).
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}
