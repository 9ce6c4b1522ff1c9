package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// client tracks one connected device
type client struct {
	conn     *websocket.Conn
	deviceID string

	// send is the live delivery queue for this device
	send chan Frame
}

// Server accepts device connections and fans change frames out between them
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server
	seqLog   SequenceLog

	clients   map[*client]bool
	clientsMu sync.RWMutex

	// lastAck records the highest acked sequence per device ID
	lastAck   map[string]uint64
	lastAckMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// Config holds relay server configuration
type Config struct {
	// Port to listen on (default: 9480)
	Port int

	// LogPath is the durable frame log location. Empty means in-memory only.
	LogPath string

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Port:   9480,
		Logger: log.Default(),
	}
}

// NewServer creates a relay server
func NewServer(config *Config) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	var seqLog SequenceLog
	if config.LogPath != "" {
		fl, err := OpenFileLog(config.LogPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open frame log: %w", err)
		}
		seqLog = fl
	} else {
		seqLog = NewMemoryLog()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:    fmt.Sprintf(":%d", config.Port),
		seqLog:  seqLog,
		clients: make(map[*client]bool),
		lastAck: make(map[string]uint64),
		ctx:     ctx,
		cancel:  cancel,
		logger:  config.Logger,
	}, nil
}

// Start begins listening for device connections
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/sync", s.handleSync)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Relay listening on %s", s.addr)
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Relay server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	s.logger.Println("Stopping relay server")

	s.cancel()

	s.clientsMu.Lock()
	for c := range s.clients {
		_ = c.conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, c)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()

	if err := s.seqLog.Close(); err != nil {
		return fmt.Errorf("failed to close frame log: %w", err)
	}

	s.logger.Println("Relay server stopped")
	return nil
}

// Addr returns the server's listening address
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected devices
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// LastSequence returns the highest sequence the relay has assigned
func (s *Server) LastSequence() uint64 {
	return s.seqLog.Last()
}

// handleSync upgrades the connection and runs the device session
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	hello, err := s.handshake(conn)
	if err != nil {
		s.logger.Printf("Handshake failed: %v", err)
		s.writeError(conn, err.Error())
		_ = conn.Close(websocket.StatusPolicyViolation, "handshake failed")
		return
	}

	c := &client{
		conn:     conn,
		deviceID: hello.DeviceID,
		send:     make(chan Frame, 256),
	}

	// Register before replay so frames accepted during replay are queued,
	// not lost. The write loop drains replay first, then the live queue.
	s.clientsMu.Lock()
	s.clients[c] = true
	count := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("Device %s connected from seq %d (total: %d)", hello.DeviceID, hello.LastSequence, count)

	replay, err := s.seqLog.After(hello.LastSequence)
	if err != nil {
		s.logger.Printf("Replay read failed for %s: %v", hello.DeviceID, err)
		s.removeClient(c)
		return
	}

	s.wg.Add(2)
	go s.writeLoop(c, replay)
	go s.readLoop(c)
}

// handshake reads and validates the hello frame
func (s *Server) handshake(conn *websocket.Conn) (HelloData, error) {
	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		return HelloData{}, fmt.Errorf("failed to read hello: %w", err)
	}

	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return HelloData{}, fmt.Errorf("malformed hello frame: %w", err)
	}
	return ParseHello(f)
}

// writeLoop delivers replay frames then streams the live queue
func (s *Server) writeLoop(c *client, replay []Frame) {
	defer s.wg.Done()

	for _, f := range replay {
		if !s.writeFrame(c, f) {
			return
		}
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		case f := <-c.send:
			if !s.writeFrame(c, f) {
				return
			}
		}
	}
}

func (s *Server) writeFrame(c *client, f Frame) bool {
	data, err := json.Marshal(f)
	if err != nil {
		s.logger.Printf("Failed to marshal frame: %v", err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = c.conn.Write(ctx, websocket.MessageText, data)
	cancel()

	if err != nil {
		s.logger.Printf("Failed to send to %s: %v", c.deviceID, err)
		s.removeClient(c)
		return false
	}
	return true
}

// readLoop accepts change and ack frames from the device
func (s *Server) readLoop(c *client) {
	defer s.wg.Done()
	defer s.removeClient(c)

	for {
		_, data, err := c.conn.Read(s.ctx)
		if err != nil {
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.logger.Printf("Malformed frame from %s: %v", c.deviceID, err)
			continue
		}

		switch f.Type {
		case FrameTypeChange:
			s.acceptChange(c, f)

		case FrameTypeAck:
			var ack AckData
			if err := json.Unmarshal(f.Data, &ack); err != nil {
				s.logger.Printf("Malformed ack from %s: %v", c.deviceID, err)
				continue
			}
			s.recordAck(c.deviceID, ack.Sequence)

		default:
			s.logger.Printf("Unexpected %s frame from %s", f.Type, c.deviceID)
		}
	}
}

// acceptChange assigns a sequence, persists the frame, and fans it out to
// every device except the sender
func (s *Server) acceptChange(from *client, f Frame) {
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now().UTC()
	}

	seq, err := s.seqLog.Append(f)
	if err != nil {
		s.logger.Printf("Failed to append frame from %s: %v", from.deviceID, err)
		return
	}
	f.Sequence = seq

	// Confirm publication to the sender so it can advance its durable
	// publish cursor. A lost ack only means a resend, which receivers
	// discard as stale.
	if ack, err := NewAckFrame(seq); err == nil {
		select {
		case from.send <- ack:
		default:
			s.logger.Printf("Send queue full for %s, disconnecting", from.deviceID)
			s.removeClient(from)
		}
	}

	s.clientsMu.RLock()
	targets := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		if c != from {
			targets = append(targets, c)
		}
	}
	s.clientsMu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- f:
		default:
			// A full queue means the device stopped draining; drop the
			// connection and let it resume from its cursor on reconnect.
			s.logger.Printf("Send queue full for %s, disconnecting", c.deviceID)
			s.removeClient(c)
		}
	}
}

func (s *Server) recordAck(deviceID string, seq uint64) {
	s.lastAckMu.Lock()
	if seq > s.lastAck[deviceID] {
		s.lastAck[deviceID] = seq
	}
	s.lastAckMu.Unlock()
}

// LastAck returns the highest sequence a device has acknowledged
func (s *Server) LastAck(deviceID string) uint64 {
	s.lastAckMu.Lock()
	defer s.lastAckMu.Unlock()
	return s.lastAck[deviceID]
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	if _, exists := s.clients[c]; exists {
		delete(s.clients, c)
		count := len(s.clients)
		s.clientsMu.Unlock()

		_ = c.conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Device %s disconnected (total: %d)", c.deviceID, count)
	} else {
		s.clientsMu.Unlock()
	}
}

func (s *Server) writeError(conn *websocket.Conn, msg string) {
	data, err := json.Marshal(ErrorData{Message: msg})
	if err != nil {
		return
	}
	frame, err := json.Marshal(Frame{Type: FrameTypeError, Timestamp: time.Now().UTC(), Data: data})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = conn.Write(ctx, websocket.MessageText, frame)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.clientsMu.RLock()
	count := len(s.clients)
	s.clientsMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   "ok",
		"clients":  count,
		"sequence": s.seqLog.Last(),
	})
}
