// ABOUTME: Audio fundamentals package shared by the capability ports
// ABOUTME: Defines Format and sample conversion functions
// Package audio provides the PCM stream description used by the capture and
// output ports.
//
// Captured frames are passed through the sink as opaque byte payloads; Format
// only tells ports how to size buffers and configure devices:
//
//	format := audio.Format{SampleRate: 48000, Channels: 2, BitDepth: 16}
//	frameBytes := format.BufferBytes(20 * time.Millisecond)
package audio
