// ABOUTME: Connection error kinds and the batch failure error
// ABOUTME: Classifies per-device errors into result statuses
package orchestrator

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrDeviceNotFound       = errors.New("device not found")
	ErrBondingFailed        = errors.New("bonding failed")
	ErrProfileConnectFailed = errors.New("profile connect failed")
	ErrEmptyRequest         = errors.New("empty device list")
	ErrSinkStartFailed      = errors.New("sink start failed")
	ErrAllConnectionsFailed = errors.New("all connections failed")
	ErrNotConnected         = errors.New("device not connected")
)

// BatchError is returned by ConnectMultiple when no device connected. It
// carries the per-device results.
type BatchError struct {
	Result *BatchResult
}

func (e *BatchError) Error() string {
	parts := make([]string, 0, len(e.Result.Results))
	for _, r := range e.Result.Results {
		parts = append(parts, fmt.Sprintf("%s: %s", r.DeviceID, r.Status))
	}
	return fmt.Sprintf("%v (%s)", ErrAllConnectionsFailed, strings.Join(parts, ", "))
}

func (e *BatchError) Unwrap() error {
	return ErrAllConnectionsFailed
}

// classify maps a connect or bond error to a result status
func classify(err error) Status {
	switch {
	case err == nil:
		return StatusConnected
	case errors.Is(err, ErrDeviceNotFound):
		return StatusDeviceNotFound
	case errors.Is(err, ErrBondingFailed):
		return StatusBondingFailed
	default:
		return StatusProfileConnectFailed
	}
}
