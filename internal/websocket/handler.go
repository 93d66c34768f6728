package websocket

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"seminar/pkg/interfaces"
	"seminar/pkg/types"
)

// CommandSink receives every envelope read from a server connection.
// Implemented by the hub.
type CommandSink interface {
	Submit(conn interfaces.Connection, env *types.Envelope) error
	Disconnected(conn interfaces.Connection)
}

// HandlerConfig tunes the upgrade and the per-connection read loop.
type HandlerConfig struct {
	PingInterval    time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	SendBuffer      int
	MaxMessageBytes int64
	AllowedOrigins  []string // empty allows every origin
}

// Handler upgrades HTTP requests and pumps frames into the sink.
// ARCHITECTURAL DISCOVERY: Clean separation of WebSocket handling from business logic;
// a fresh connection is anonymous until the hub accepts its join_classroom
type Handler struct {
	sink     CommandSink
	cfg      HandlerConfig
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket handler feeding sink.
func NewHandler(sink CommandSink, cfg HandlerConfig) *Handler {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 2 * cfg.PingInterval
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 2 * types.MaxContentBytes
	}
	h := &Handler{sink: sink, cfg: cfg}
	h.upgrader = websocket.Upgrader{
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range h.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	conn := NewConnection(ws, Options{SendBuffer: h.cfg.SendBuffer, WriteTimeout: h.cfg.WriteTimeout})
	go h.serve(conn)
}

// serve runs the read loop and the protocol-level ping of one connection.
// TECHNICAL DISCOVERY: read deadline of two ping intervals, refreshed by every pong
func (h *Handler) serve(conn *Connection) {
	defer func() {
		h.sink.Disconnected(conn)
		_ = conn.Close()
	}()

	ws := conn.conn
	ws.SetReadLimit(h.cfg.MaxMessageBytes)
	if err := ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout)); err != nil {
		log.Printf("Failed to set read deadline: %v", err)
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	})

	go func() {
		ticker := time.NewTicker(h.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
					return
				}
			case <-conn.Done():
				return
			}
		}
	}()

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("WebSocket error for %s: %v", conn.GetUserID(), err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		// any frame proves liveness
		_ = ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))

		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			log.Printf("Dropping malformed frame from %s: %v", conn.GetUserID(), err)
			continue
		}
		if err := h.sink.Submit(conn, &env); err != nil {
			log.Printf("Command %s from %s not accepted: %v", env.Event, conn.GetUserID(), err)
			if env.ID != "" {
				_ = conn.Send(types.Ack{Success: false, Error: err.Error(), Code: types.CodeInternal}, env.ID)
			}
		}
	}
}
