// ABOUTME: Audio output package for route playback
// ABOUTME: Provides the output Port interface with malgo and oto backends
// Package output provides the audio output port used by sink routes.
//
// Each route owns one Stream. Streams accept frames without blocking so a
// slow device cannot stall fan-out to the others:
//   - Malgo opens a miniaudio playback device per route, selected by name.
//   - Oto plays the main output on the default device.
//   - Router combines a main-output port with a per-device port.
//
// Example:
//
//	port := output.NewMalgo(output.MalgoConfig{})
//	stream, err := port.Open("AA:BB:CC:DD:EE:FF", audio.DefaultFormat)
//	err = stream.Write(frame)
package output
