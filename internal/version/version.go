// ABOUTME: Product and version constants
// ABOUTME: Reported in the control handshake and by -version
package version

import (
	"fmt"
	"runtime"
)

const (
	Version      = "0.3.0"
	Product      = "btsink"
	Manufacturer = "bluetoothification"

	// ProtocolVersion is the control channel protocol revision
	ProtocolVersion = 1
)

// String returns the version line printed by -version
func String() string {
	return fmt.Sprintf("%s %s (%s) protocol %d", Product, Version, runtime.Version(), ProtocolVersion)
}
