// ABOUTME: WebSocket control server for the btsink daemon
// ABOUTME: Dispatches control requests to the app and pushes events to clients
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/bluetoothification/btsink/internal/app"
	"github.com/bluetoothification/btsink/internal/discovery"
	"github.com/bluetoothification/btsink/internal/events"
	"github.com/bluetoothification/btsink/internal/metrics"
	"github.com/bluetoothification/btsink/internal/orchestrator"
	"github.com/bluetoothification/btsink/internal/version"
	"github.com/bluetoothification/btsink/pkg/protocol"
	"github.com/decred/slog"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeDeadline = 10 * time.Second
	pingInterval  = 30 * time.Second
	sendBuffer    = 100
)

// Core is the set of operations exposed over the control channel
type Core interface {
	StartSink() error
	StopSink() error
	StartCapture() error
	StopCapture() error
	StartScan(ctx context.Context) error
	StopScan(ctx context.Context) error
	ConnectDevice(ctx context.Context, id string) error
	ConnectMultiple(ctx context.Context, ids []string) (*orchestrator.BatchResult, error)
	DisconnectDevice(ctx context.Context, id string) error
	CreateBond(ctx context.Context, id string) error
	ListBondedDevices(ctx context.Context) ([]orchestrator.BondedDevice, error)
	Status() app.Status
	Subscribe(buffer int) (<-chan events.Event, func())
}

var _ Core = (*app.App)(nil)

// Config holds server configuration
type Config struct {
	Port       int
	Name       string
	EnableMDNS bool
	Log        slog.Logger
	MDNSLog    slog.Logger
	Metrics    *metrics.Metrics
}

// Server serves the control channel
type Server struct {
	config   Config
	log      slog.Logger
	core     Core
	serverID string

	upgrader websocket.Upgrader

	httpServer *http.Server
	mux        *http.ServeMux

	clients   map[string]*client
	clientsMu sync.RWMutex

	mdnsManager *discovery.Manager

	stopChan   chan struct{}
	stopOnce   sync.Once
	shutdownMu sync.RWMutex
	isShutdown bool
	wg         sync.WaitGroup
}

// client is one control session
type client struct {
	id        string
	name      string
	sessionID string
	conn      *websocket.Conn
	sendChan  chan protocol.Message
	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates a control server for core
func New(config Config, core Core) *Server {
	log := config.Log
	if log == nil {
		log = slog.Disabled
	}

	s := &Server{
		config:   config,
		log:      log,
		core:     core,
		serverID: uuid.New().String(),
		mux:      http.NewServeMux(),
		upgrader: websocket.Upgrader{
			// Local network control plane; non-browser clients send no Origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:  make(map[string]*client),
		stopChan: make(chan struct{}),
	}

	s.mux.HandleFunc(protocol.DefaultPath, s.handleWebSocket)
	if config.Metrics != nil {
		s.mux.Handle("/metrics", config.Metrics.Handler())
	}
	return s
}

// Handler returns the HTTP handler serving the control endpoints
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start listens on the configured port and serves until Stop is called
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(ln)
}

// Serve serves the control channel on ln until Stop is called
func (s *Server) Serve(ln net.Listener) error {
	s.log.Infof("Control server starting: %s (ID: %s)", s.config.Name, s.serverID)

	if s.config.EnableMDNS {
		s.mdnsManager = discovery.NewManager(discovery.Config{
			ServiceName: s.config.Name,
			Port:        s.config.Port,
			Log:         s.config.MDNSLog,
		})
		if err := s.mdnsManager.Advertise(); err != nil {
			s.log.Warnf("Failed to start mDNS advertisement: %v", err)
		}
	}

	evs, unsubscribe := s.core.Subscribe(64)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.forwardEvents(evs)
	}()

	s.httpServer = &http.Server{Handler: s.mux}
	s.log.Infof("Control server listening on %s", ln.Addr())

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	var serverErr error
	select {
	case <-s.stopChan:
		s.log.Infof("Control server shutting down...")
	case err := <-errChan:
		s.log.Errorf("HTTP server error: %v", err)
		serverErr = err
	}

	s.shutdownMu.Lock()
	s.isShutdown = true
	s.shutdownMu.Unlock()

	if s.mdnsManager != nil {
		s.mdnsManager.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.log.Warnf("HTTP server shutdown error: %v", err)
	}

	// Hijacked websocket connections are not closed by Shutdown.
	s.clientsMu.RLock()
	for _, c := range s.clients {
		c.conn.Close()
	}
	s.clientsMu.RUnlock()

	unsubscribe()
	s.wg.Wait()
	s.log.Infof("Control server stopped")

	if serverErr != nil {
		return fmt.Errorf("HTTP server failed: %w", serverErr)
	}
	return nil
}

// Stop stops the server
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
}

// ClientCount returns the number of open control sessions
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) forwardEvents(evs <-chan events.Event) {
	for ev := range evs {
		msg := protocol.Event{
			Type:           string(ev.Type),
			ID:             ev.DeviceID,
			Name:           ev.Name,
			SignalStrength: ev.SignalStrength,
			Time:           ev.Time,
		}

		s.clientsMu.RLock()
		for _, c := range s.clients {
			if err := s.sendMessage(c, protocol.TypeEvent, msg); err != nil {
				s.log.Debugf("Dropping %s for %s: %v", msg.Type, c.name, err)
			}
		}
		s.clientsMu.RUnlock()
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("WebSocket upgrade error: %v", err)
		return
	}

	s.log.Debugf("New WebSocket connection from %s", r.RemoteAddr)
	s.handleConnection(conn)
}

func (s *Server) handleConnection(conn *websocket.Conn) {
	defer conn.Close()

	_, data, err := conn.ReadMessage()
	if err != nil {
		s.log.Debugf("Error reading hello: %v", err)
		return
	}

	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Debugf("Error unmarshaling message: %v", err)
		return
	}
	if msg.Type != protocol.TypeClientHello {
		s.log.Debugf("Expected client/hello, got %s", msg.Type)
		return
	}

	var hello protocol.ClientHello
	if err := protocol.DecodePayload(msg.Payload, &hello); err != nil {
		s.log.Debugf("Error decoding client hello: %v", err)
		return
	}
	if hello.ClientID == "" {
		s.log.Debugf("Client hello missing ClientID")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		id:        hello.ClientID,
		name:      hello.Name,
		sessionID: uuid.New().String(),
		conn:      conn,
		sendChan:  make(chan protocol.Message, sendBuffer),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}

	s.shutdownMu.RLock()
	if s.isShutdown {
		s.shutdownMu.RUnlock()
		cancel()
		s.log.Debugf("Rejecting connection during shutdown")
		return
	}
	s.clientsMu.Lock()
	if existing, exists := s.clients[c.id]; exists {
		s.clientsMu.Unlock()
		s.shutdownMu.RUnlock()
		cancel()
		s.log.Warnf("Client ID %s already connected (name: %s), rejecting duplicate", c.id, existing.name)
		reject := protocol.Message{
			Type: protocol.TypeServerError,
			Payload: protocol.ServerError{
				Error:   "duplicate_client_id",
				Message: "Client ID already connected",
			},
		}
		conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		conn.WriteJSON(reject)
		return
	}
	s.clients[c.id] = c
	s.clientsMu.Unlock()
	s.shutdownMu.RUnlock()

	s.log.Infof("Control client connected: %s (ID: %s)", c.name, c.id)

	// Requests still in flight see a cancelled context and a closed done
	// channel, so nothing sends on a dead session.
	var inflight sync.WaitGroup
	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, c.id)
		s.clientsMu.Unlock()
		c.cancel()
		inflight.Wait()
		close(c.done)
		s.log.Infof("Control client disconnected: %s", c.name)
	}()

	s.sendMessage(c, protocol.TypeServerHello, protocol.ServerHello{
		ServerID:  s.serverID,
		SessionID: c.sessionID,
		Name:      s.config.Name,
		Version:   version.ProtocolVersion,
		DeviceInfo: &protocol.DeviceInfo{
			ProductName:     version.Product,
			Manufacturer:    version.Manufacturer,
			SoftwareVersion: version.Version,
		},
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.clientWriter(c)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Warnf("WebSocket error: %v", err)
			}
			return
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Debugf("Error unmarshaling message: %v", err)
			continue
		}
		if msg.Type != protocol.TypeRequest {
			s.log.Debugf("Unknown message type: %s", msg.Type)
			continue
		}

		var req protocol.Request
		if err := protocol.DecodePayload(msg.Payload, &req); err != nil {
			s.sendMessage(c, protocol.TypeResponse, protocol.Response{
				ID:    requestID(msg.Payload),
				Code:  protocol.CodeBadRequest,
				Error: err.Error(),
			})
			continue
		}

		inflight.Add(1)
		go func() {
			defer inflight.Done()
			s.sendMessage(c, protocol.TypeResponse, s.handleRequest(c.ctx, req))
		}()
	}
}

// requestID picks the id out of a request that failed to decode so the
// caller can still match the error
func requestID(payload interface{}) string {
	fields, ok := payload.(map[string]interface{})
	if !ok {
		return ""
	}
	id, _ := fields["id"].(string)
	return id
}

// clientWriter sends queued messages and keeps the connection alive
func (s *Server) clientWriter(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return

		case msg := <-c.sendChan:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteJSON(msg); err != nil {
				s.log.Debugf("Error writing to %s: %v", c.name, err)
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeDeadline)); err != nil {
				return
			}
		}
	}
}

// sendMessage queues a message for a client
func (s *Server) sendMessage(c *client, msgType string, payload interface{}) error {
	msg := protocol.Message{
		Type:    msgType,
		Payload: payload,
	}

	select {
	case <-c.done:
		return fmt.Errorf("client closed")
	default:
	}

	select {
	case c.sendChan <- msg:
		return nil
	default:
		return fmt.Errorf("client send buffer full")
	}
}

// handleRequest runs one operation and builds its response
func (s *Server) handleRequest(ctx context.Context, req protocol.Request) protocol.Response {
	s.log.Debugf("Request %s: %s %s%v", req.ID, req.Op, req.DeviceID, req.DeviceIDs)

	var (
		result interface{}
		err    error
	)

	switch req.Op {
	case protocol.OpStartSink:
		err = s.core.StartSink()
	case protocol.OpStopSink:
		err = s.core.StopSink()
	case protocol.OpStartCapture:
		err = s.core.StartCapture()
	case protocol.OpStopCapture:
		err = s.core.StopCapture()
	case protocol.OpStartScan:
		err = s.core.StartScan(ctx)
	case protocol.OpStopScan:
		err = s.core.StopScan(ctx)
	case protocol.OpConnectDevice, protocol.OpDisconnectDevice, protocol.OpCreateBond:
		if req.DeviceID == "" {
			return failure(req.ID, protocol.CodeBadRequest, "device_id is required", nil)
		}
		switch req.Op {
		case protocol.OpConnectDevice:
			err = s.core.ConnectDevice(ctx, req.DeviceID)
		case protocol.OpDisconnectDevice:
			err = s.core.DisconnectDevice(ctx, req.DeviceID)
		default:
			err = s.core.CreateBond(ctx, req.DeviceID)
		}
	case protocol.OpConnectMultiple:
		var batch *orchestrator.BatchResult
		batch, err = s.core.ConnectMultiple(ctx, req.DeviceIDs)
		if batch != nil {
			result = batch
		}
	case protocol.OpListBondedDevices:
		var bonded []orchestrator.BondedDevice
		bonded, err = s.core.ListBondedDevices(ctx)
		if bonded == nil {
			bonded = []orchestrator.BondedDevice{}
		}
		result = bonded
	case protocol.OpStatus:
		result = s.core.Status()
	default:
		return failure(req.ID, protocol.CodeUnknownOp, fmt.Sprintf("unknown op %q", req.Op), nil)
	}

	if err != nil {
		s.log.Debugf("Request %s (%s) failed: %v", req.ID, req.Op, err)
		return failure(req.ID, errorCode(err), err.Error(), result)
	}

	resp := protocol.Response{ID: req.ID, OK: true}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return failure(req.ID, protocol.CodeInternal, err.Error(), nil)
		}
		resp.Result = raw
	}
	return resp
}

func failure(id, code, msg string, result interface{}) protocol.Response {
	resp := protocol.Response{ID: id, Code: code, Error: msg}
	if result != nil {
		if raw, err := json.Marshal(result); err == nil {
			resp.Result = raw
		}
	}
	return resp
}

// errorCode maps an operation error onto its wire code. Wrappers are
// checked before the errors they may carry.
func errorCode(err error) string {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return protocol.CodeInternal
}
