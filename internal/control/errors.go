// ABOUTME: Mapping from operation errors to control protocol codes
// ABOUTME: Ordered so wrapping errors win over the causes they carry
package control

import (
	"github.com/bluetoothification/btsink/internal/discovery"
	"github.com/bluetoothification/btsink/internal/orchestrator"
	"github.com/bluetoothification/btsink/internal/sink"
	"github.com/bluetoothification/btsink/pkg/protocol"
)

var errorCodes = []struct {
	err  error
	code string
}{
	{orchestrator.ErrAllConnectionsFailed, protocol.CodeAllConnectionsFailed},
	{orchestrator.ErrSinkStartFailed, protocol.CodeSinkStartFailed},
	{orchestrator.ErrEmptyRequest, protocol.CodeEmptyRequest},
	{orchestrator.ErrDeviceNotFound, protocol.CodeDeviceNotFound},
	{orchestrator.ErrNotConnected, protocol.CodeDeviceNotFound},
	{orchestrator.ErrBondingFailed, protocol.CodeBondingFailed},
	{orchestrator.ErrProfileConnectFailed, protocol.CodeProfileConnectFailed},
	{sink.ErrSinkNotActive, protocol.CodeSinkNotActive},
	{sink.ErrDeviceUnsupported, protocol.CodeDeviceUnsupported},
	{sink.ErrOutputOpenFailed, protocol.CodeOutputOpenFailed},
	{sink.ErrCaptureOpenFailed, protocol.CodeCaptureOpenFailed},
	{discovery.ErrAlreadyScanning, protocol.CodeAlreadyScanning},
	{discovery.ErrDiscoveryFailed, protocol.CodeDiscoveryFailed},
}
