package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/learnsync/learnsync/internal/device"
	"github.com/learnsync/learnsync/internal/types"
)

// SyncTrigger runs a sync pass on behalf of a connected device.
type SyncTrigger interface {
	SyncDevice(ctx context.Context, userID, deviceID string) error
}

// TutorHandler answers a tutor question. The returned data is sent back
// to the asking device as a tutor_response.
type TutorHandler func(ctx context.Context, userID, deviceID string, question json.RawMessage) (json.RawMessage, error)

// ServerConfig holds server configuration.
type ServerConfig struct {
	// Addr to listen on (default ":8080"; ":0" picks a free port)
	Addr string

	// WriteTimeout bounds each WebSocket write.
	WriteTimeout time.Duration

	// InboundRate and InboundBurst limit messages per connection.
	InboundRate  float64
	InboundBurst int

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:         ":8080",
		WriteTimeout: 5 * time.Second,
		InboundRate:  20,
		InboundBurst: 40,
	}
}

// Server accepts device WebSocket connections and routes their messages.
type Server struct {
	cfg       ServerConfig
	registry  *Registry
	publisher *Publisher
	devices   *device.Registry
	sync      SyncTrigger
	tutor     TutorHandler
	logger    *log.Logger

	router   chi.Router
	listener net.Listener
	server   *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a Server.
func NewServer(cfg ServerConfig, registry *Registry, publisher *Publisher, devices *device.Registry) *Server {
	def := DefaultServerConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.InboundRate <= 0 {
		cfg.InboundRate = def.InboundRate
	}
	if cfg.InboundBurst <= 0 {
		cfg.InboundBurst = def.InboundBurst
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[realtime] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		registry:  registry,
		publisher: publisher,
		devices:   devices,
		logger:    cfg.Logger,
		ctx:       ctx,
		cancel:    cancel,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/ws", s.handleWebSocket)
	r.Get("/health", s.handleHealth)
	r.Get("/devices/{userID}", s.handleDevices)
	s.router = r
	return s
}

// SetSyncTrigger installs the handler for data_sync messages.
func (s *Server) SetSyncTrigger(t SyncTrigger) { s.sync = t }

// SetTutorHandler installs the handler for tutor_question messages.
func (s *Server) SetTutorHandler(h TutorHandler) { s.tutor = h }

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins listening.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Realtime server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server error: %v", err)
		}
	}()
	return nil
}

// Stop closes every connection and shuts the server down.
func (s *Server) Stop() error {
	s.logger.Println("Stopping realtime server")
	s.cancel()
	s.registry.CloseAll()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}
	s.wg.Wait()
	s.logger.Println("Realtime server stopped")
	return nil
}

// GetAddr returns the listening address.
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID, deviceID := q.Get("userId"), q.Get("deviceId")
	if userID == "" || deviceID == "" {
		http.Error(w, "userId and deviceId are required", http.StatusBadRequest)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	info := types.DeviceInfo{
		ID:         deviceID,
		UserID:     userID,
		Class:      types.DeviceClass(q.Get("deviceType")),
		Platform:   q.Get("platform"),
		AppVersion: q.Get("appVersion"),
	}
	prev, known := s.devices.Get(s.ctx, userID, deviceID)
	info = s.devices.Connect(s.ctx, info)

	c, ok := s.registry.Attach(NewWSConn(ws, s.cfg.WriteTimeout), userID, deviceID, info)
	if !ok {
		_ = ws.Close(websocket.StatusPolicyViolation, "registration rejected")
		return
	}

	s.publisher.Publish(s.ctx, types.RealtimeUpdate{
		UserID:         userID,
		Kind:           types.MessageUserJoined,
		Payload:        types.Fields{"device_id": deviceID, "device_type": string(info.Class)},
		ExcludeDevices: []string{deviceID},
	})

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.readLoop(ws, c)
	}()
	go func() {
		defer s.wg.Done()
		s.registry.Monitor(s.ctx, c)
	}()

	if known {
		if n := s.publisher.Reconnect(s.ctx, c, prev.LastSeen); n > 0 {
			s.logger.Printf("Replayed %d backlog updates to %s/%s", n, userID, deviceID)
		}
	}
}

// readLoop handles device messages until the connection closes.
func (s *Server) readLoop(ws *websocket.Conn, c *Connection) {
	defer s.disconnect(c)

	limiter := rate.NewLimiter(rate.Limit(s.cfg.InboundRate), s.cfg.InboundBurst)
	for {
		_, data, err := ws.Read(s.ctx)
		if err != nil {
			return
		}
		s.registry.Heartbeat(c.UserID, c.DeviceID)
		s.devices.Heartbeat(c.UserID, c.DeviceID)

		if !limiter.Allow() {
			s.sendError(c, "rate limit exceeded", nil)
			continue
		}
		s.dispatch(c, data)
	}
}

func (s *Server) disconnect(c *Connection) {
	if !s.registry.Unregister(c) {
		// Replaced by a newer connection for the same device.
		return
	}
	s.devices.Disconnect(s.ctx, c.UserID, c.DeviceID)
	s.publisher.Publish(s.ctx, types.RealtimeUpdate{
		UserID:         c.UserID,
		Kind:           types.MessageUserLeft,
		Payload:        types.Fields{"device_id": c.DeviceID},
		ExcludeDevices: []string{c.DeviceID},
	})
}

func (s *Server) dispatch(c *Connection, data []byte) {
	msg, err := DecodeClientMessage(data)
	if err != nil {
		s.sendError(c, err.Error(), data)
		return
	}

	switch msg.MessageType {
	case types.MessageHeartbeat:
		s.reply(c, types.MessageHeartbeat, map[string]any{"status": "alive"})

	case types.MessageDataSync:
		if s.sync == nil {
			s.sendError(c, "sync is not available", data)
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.sync.SyncDevice(s.ctx, c.UserID, c.DeviceID); err != nil {
				s.sendError(c, fmt.Sprintf("sync failed: %v", err), nil)
			}
		}()

	case types.MessageActivityCompleted:
		var payload types.Fields
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &payload); err != nil {
				s.sendError(c, "activity payload must be an object", data)
				return
			}
		}
		recordID, _ := payload["activity_id"].(string)
		s.publisher.Publish(s.ctx, types.RealtimeUpdate{
			UserID:         c.UserID,
			Kind:           types.MessageProgressUpdate,
			DataType:       types.DataTypeActivityRecord,
			RecordID:       recordID,
			Payload:        payload,
			ExcludeDevices: []string{c.DeviceID},
		})

	case types.MessageTutorQuestion:
		if s.tutor == nil {
			s.sendError(c, "tutoring is not available", data)
			return
		}
		answer, err := s.tutor(s.ctx, c.UserID, c.DeviceID, msg.Data)
		if err != nil {
			s.sendError(c, fmt.Sprintf("tutor failed: %v", err), nil)
			return
		}
		s.reply(c, types.MessageTutorResponse, answer)

	default:
		s.sendError(c, fmt.Sprintf("unknown message type %q", msg.MessageType), data)
	}
}

func (s *Server) reply(c *Connection, kind types.MessageType, data any) {
	msg, err := NewServerMessage(kind, c.UserID, c.SessionID, data, time.Now())
	if err != nil {
		s.logger.Printf("Failed to build %s reply: %v", kind, err)
		return
	}
	if err := c.Conn.Send(s.ctx, msg); err != nil {
		s.logger.Printf("WARNING: failed to reply to %s/%s: %v", c.UserID, c.DeviceID, err)
		s.registry.Unregister(c)
	}
}

func (s *Server) sendError(c *Connection, text string, received []byte) {
	e := ErrorData{Error: text}
	if json.Valid(received) {
		e.Received = received
	}
	s.reply(c, types.MessageError, e)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"connections": s.registry.Count(),
		"instance":    s.publisher.InstanceID(),
	})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.devices.List(r.Context(), userID))
}
