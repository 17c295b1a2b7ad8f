// ABOUTME: WebSocket client for the btsink control protocol
// ABOUTME: Handles connection, handshake, request correlation and events
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/decred/slog"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// DefaultPath is the control endpoint served by the daemon
const DefaultPath = "/btsink"

// ErrNotConnected is returned when sending on a closed client
var ErrNotConnected = errors.New("not connected")

// ClientConfig holds client configuration
type ClientConfig struct {
	ServerAddr       string
	Path             string
	ClientID         string
	Name             string
	HandshakeTimeout time.Duration
	Log              slog.Logger
}

// Client represents a control session with the daemon
type Client struct {
	config ClientConfig
	log    slog.Logger
	conn   *websocket.Conn
	mu     sync.RWMutex
	sendMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan Response

	events chan Event
	hello  ServerHello

	connected bool
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewClient creates a new control client
func NewClient(config ClientConfig) *Client {
	if config.Path == "" {
		config.Path = DefaultPath
	}
	if config.ClientID == "" {
		config.ClientID = uuid.New().String()
	}
	if config.Name == "" {
		config.Name = "btsinkctl"
	}
	if config.HandshakeTimeout == 0 {
		config.HandshakeTimeout = 5 * time.Second
	}
	log := config.Log
	if log == nil {
		log = slog.Disabled
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		config:  config,
		log:     log,
		pending: make(map[string]chan Response),
		events:  make(chan Event, 64),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Connect dials the daemon and performs the handshake
func (c *Client) Connect(ctx context.Context) error {
	u := url.URL{Scheme: "ws", Host: c.config.ServerAddr, Path: c.config.Path}
	c.log.Debugf("Connecting to %s", u.String())

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	if err := c.handshake(); err != nil {
		c.Close()
		return fmt.Errorf("handshake failed: %w", err)
	}

	go c.readMessages()
	return nil
}

func (c *Client) handshake() error {
	msg := Message{
		Type: TypeClientHello,
		Payload: ClientHello{
			ClientID: c.config.ClientID,
			Name:     c.config.Name,
			Version:  1,
		},
	}
	if err := c.sendJSON(msg); err != nil {
		return fmt.Errorf("failed to send client/hello: %w", err)
	}

	c.conn.SetReadDeadline(time.Now().Add(c.config.HandshakeTimeout))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to read server/hello: %w", err)
	}
	c.conn.SetReadDeadline(time.Time{})

	var serverMsg Message
	if err := json.Unmarshal(data, &serverMsg); err != nil {
		return fmt.Errorf("failed to parse server/hello: %w", err)
	}

	switch serverMsg.Type {
	case TypeServerHello:
	case TypeServerError:
		var serr ServerError
		if err := DecodePayload(serverMsg.Payload, &serr); err != nil {
			return fmt.Errorf("server rejected session")
		}
		return fmt.Errorf("server rejected session: %s", serr.Message)
	default:
		return fmt.Errorf("expected server/hello, got %s", serverMsg.Type)
	}

	var hello ServerHello
	if err := DecodePayload(serverMsg.Payload, &hello); err != nil {
		return fmt.Errorf("failed to parse server/hello: %w", err)
	}
	c.mu.Lock()
	c.hello = hello
	c.mu.Unlock()

	c.log.Debugf("Handshake complete with %s (session %s)", hello.Name, hello.SessionID)
	return nil
}

// ServerHello returns the daemon's handshake reply
func (c *Client) ServerHello() ServerHello {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hello
}

// Events delivers daemon notifications. It is closed when the session ends.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Call sends req and waits for the matching response. An empty req.ID is
// filled with a fresh one.
func (c *Client) Call(ctx context.Context, req Request) (*Response, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	ch := make(chan Response, 1)
	c.pendingMu.Lock()
	c.pending[req.ID] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, req.ID)
		c.pendingMu.Unlock()
	}()

	if err := c.sendJSON(Message{Type: TypeRequest, Payload: req}); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		return &resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, ErrNotConnected
	}
}

func (c *Client) sendJSON(msg Message) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.connected {
		return ErrNotConnected
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.conn.WriteJSON(msg)
}

func (c *Client) readMessages() {
	defer close(c.events)
	defer c.Close()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.ctx.Done():
			default:
				c.log.Debugf("Read error: %v", err)
			}
			return
		}

		if messageType != websocket.TextMessage {
			c.log.Debugf("Ignoring WebSocket message type: %d", messageType)
			continue
		}
		c.handleJSONMessage(data)
	}
}

func (c *Client) handleJSONMessage(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Warnf("Failed to parse JSON message: %v", err)
		return
	}

	switch msg.Type {
	case TypeResponse:
		var resp Response
		if err := DecodePayload(msg.Payload, &resp); err != nil {
			c.log.Warnf("Failed to parse server/response: %v", err)
			return
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[resp.ID]
		c.pendingMu.Unlock()
		if !ok {
			c.log.Debugf("Response for unknown request %s", resp.ID)
			return
		}
		ch <- resp

	case TypeEvent:
		var ev Event
		if err := DecodePayload(msg.Payload, &ev); err != nil {
			c.log.Warnf("Failed to parse event: %v", err)
			return
		}
		select {
		case c.events <- ev:
		default:
			c.log.Debugf("Event channel full, dropping %s", ev.Type)
		}

	default:
		c.log.Debugf("Unknown message type: %s", msg.Type)
	}
}

// Close ends the session
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		c.connected = false
		c.cancel()
		c.conn.Close()
	}
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}
