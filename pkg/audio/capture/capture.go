// ABOUTME: Audio capture port definition
// ABOUTME: Common interface for system-audio capture backends
package capture

import "github.com/bluetoothification/btsink/pkg/audio"

// Port opens capture streams on the platform
type Port interface {
	// Open starts capturing in the given format
	Open(format audio.Format) (Stream, error)
}

// Stream is an open capture stream
type Stream interface {
	// Read blocks until len(buf) bytes of audio are captured or the stream
	// is closed. It returns io.EOF once closed and drained.
	Read(buf []byte) (int, error)

	// Close stops capture and unblocks a pending Read. Safe to call
	// concurrently with Read.
	Close() error
}
