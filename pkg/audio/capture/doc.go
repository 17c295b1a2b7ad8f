// ABOUTME: Audio capture package for reading the host's own output
// ABOUTME: Provides the capture Port interface plus malgo and test-tone backends
// Package capture provides the audio capture port used by the virtual sink.
//
// Two backends are available:
//   - Malgo captures from a miniaudio capture device, typically the monitor
//     source of the default output so the host's own audio is recorded.
//   - Tone generates a paced sine wave for running without audio hardware.
//
// Example:
//
//	port := capture.NewTone(440)
//	stream, err := port.Open(audio.DefaultFormat)
//	buf := make([]byte, audio.DefaultFormat.BufferBytes(20*time.Millisecond))
//	n, err := stream.Read(buf)
package capture
