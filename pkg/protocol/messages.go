// ABOUTME: btsink control protocol message definitions
// ABOUTME: Envelope, handshake, request/response and event payloads
package protocol

import (
	"encoding/json"
	"time"
)

// Message types
const (
	TypeClientHello = "client/hello"
	TypeServerHello = "server/hello"
	TypeServerError = "server/error"
	TypeRequest     = "client/request"
	TypeResponse    = "server/response"
	TypeEvent       = "event"
)

// Operations accepted in a Request
const (
	OpStartSink         = "startSink"
	OpStopSink          = "stopSink"
	OpStartCapture      = "startCapture"
	OpStopCapture       = "stopCapture"
	OpStartScan         = "startScan"
	OpStopScan          = "stopScan"
	OpConnectDevice     = "connectDevice"
	OpConnectMultiple   = "connectMultiple"
	OpDisconnectDevice  = "disconnectDevice"
	OpCreateBond        = "createBond"
	OpListBondedDevices = "listBondedDevices"
	OpStatus            = "status"
)

// Error codes carried in a failed Response
const (
	CodeSinkNotActive        = "SINK_NOT_ACTIVE"
	CodeOutputOpenFailed     = "OUTPUT_OPEN_FAILED"
	CodeDeviceUnsupported    = "DEVICE_UNSUPPORTED"
	CodeCaptureOpenFailed    = "CAPTURE_OPEN_FAILED"
	CodeDeviceNotFound       = "DEVICE_NOT_FOUND"
	CodeBondingFailed        = "BONDING_FAILED"
	CodeProfileConnectFailed = "PROFILE_CONNECT_FAILED"
	CodeAlreadyScanning      = "ALREADY_SCANNING"
	CodeDiscoveryFailed      = "DISCOVERY_FAILED"
	CodeEmptyRequest         = "EMPTY_REQUEST"
	CodeSinkStartFailed      = "SINK_START_FAILED"
	CodeAllConnectionsFailed = "ALL_CONNECTIONS_FAILED"
	CodeBadRequest           = "BAD_REQUEST"
	CodeUnknownOp            = "UNKNOWN_OP"
	CodeInternal             = "INTERNAL"
)

// Message is the top-level wrapper for all protocol messages
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// ClientHello opens a control session
type ClientHello struct {
	ClientID string `json:"client_id"`
	Name     string `json:"name"`
	Version  int    `json:"version"`
}

// DeviceInfo identifies the daemon
type DeviceInfo struct {
	ProductName     string `json:"product_name"`
	Manufacturer    string `json:"manufacturer"`
	SoftwareVersion string `json:"software_version"`
}

// ServerHello answers client/hello
type ServerHello struct {
	ServerID   string      `json:"server_id"`
	SessionID  string      `json:"session_id"`
	Name       string      `json:"name"`
	Version    int         `json:"version"`
	DeviceInfo *DeviceInfo `json:"device_info,omitempty"`
}

// ServerError rejects a session
type ServerError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Request invokes one operation
type Request struct {
	ID        string   `json:"id"`
	Op        string   `json:"op"`
	DeviceID  string   `json:"device_id,omitempty"`
	DeviceIDs []string `json:"device_ids,omitempty"`
}

// Response answers the Request with the same ID
type Response struct {
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Code   string          `json:"code,omitempty"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Event is an asynchronous notification from the daemon
type Event struct {
	Type           string    `json:"type"`
	ID             string    `json:"id,omitempty"`
	Name           string    `json:"name,omitempty"`
	SignalStrength int16     `json:"signal_strength,omitempty"`
	Time           time.Time `json:"time"`
}

// DecodePayload converts a generically decoded payload into v
func DecodePayload(payload interface{}, v interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
