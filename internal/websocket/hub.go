// Package websocket pushes lock overlay transitions to connected UI
// clients. The Hub is a license.Overlay: Lock and Unlock become broadcast
// messages, and every new client receives the current status first.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"trialguard/internal/config"
	"trialguard/internal/infrastructure"
	"trialguard/internal/license"
)

// Message types
const (
	TypeConnection = "connection"
	TypeLock       = "license:lock"
	TypeUnlock     = "license:unlock"
)

// Message is the envelope of every frame sent to clients.
type Message struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"trace_id,omitempty"`
}

// LockData is the payload of a lock message.
type LockData struct {
	Verdict string `json:"verdict"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
}

// StatusProvider supplies the status snapshot sent on connect.
type StatusProvider interface {
	Status(ctx context.Context) license.Status
}

// Hub maintains the set of active clients and broadcasts messages to them
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	doneOnce   sync.Once

	mu       sync.RWMutex
	upgrader websocket.Upgrader
	cfg      config.WebSocketConfig
	status   StatusProvider
	logger   *slog.Logger
}

// NewHub creates a hub. status may be nil.
func NewHub(cfg config.WebSocketConfig, status StatusProvider, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 16),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
		},
		cfg:    cfg,
		status: status,
		logger: logger.With(slog.String("component", "websocket.hub")),
	}
}

// Run serves registrations and broadcasts until ctx is cancelled, then
// disconnects every client.
func (h *Hub) Run(ctx context.Context) error {
	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Hub shutting down")
			return nil

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()

			h.logger.Info("Client registered",
				slog.Int("total_clients", count),
				slog.String("client_id", client.id),
				slog.String("remote_addr", client.remoteAddr))
			h.sendHello(ctx, client)

		case client := <-h.unregister:
			h.remove(client)

		case message := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			for _, client := range clients {
				select {
				case client.send <- message:
				default:
					h.logger.Warn("Client send buffer full, disconnecting",
						slog.String("client_id", client.id))
					h.remove(client)
				}
			}
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client)
	close(client.send)
	count := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("Client unregistered",
		slog.Int("total_clients", count),
		slog.String("client_id", client.id),
		slog.Duration("connection_duration", time.Since(client.connectedAt)))
}

func (h *Hub) shutdown() {
	h.doneOnce.Do(func() { close(h.done) })

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
}

func (h *Hub) sendHello(ctx context.Context, client *Client) {
	data := map[string]any{
		"status":    "connected",
		"client_id": client.id,
	}
	if h.status != nil {
		data["license"] = h.status.Status(ctx)
	}

	payload, err := encode(ctx, TypeConnection, data)
	if err != nil {
		h.logger.Error("Error marshaling message", slog.String("error", err.Error()))
		return
	}
	select {
	case client.send <- payload:
	default:
		h.logger.Warn("Failed to send connection message - client buffer full",
			slog.String("client_id", client.id))
	}
}

// Lock broadcasts a lock message. It implements license.Overlay.
func (h *Hub) Lock(ctx context.Context, v license.Verdict) {
	msg := "Your trial has expired. Please activate to continue."
	if v.Kind == license.VerdictTampered {
		msg = "Clock tampering was detected. Please activate to continue."
	}
	h.publish(ctx, TypeLock, LockData{
		Verdict: v.Kind.String(),
		Reason:  string(v.Reason),
		Message: msg,
	})
}

// Unlock broadcasts an unlock message. It implements license.Overlay.
func (h *Hub) Unlock(ctx context.Context) {
	h.publish(ctx, TypeUnlock, nil)
}

func (h *Hub) publish(ctx context.Context, msgType string, data any) {
	payload, err := encode(ctx, msgType, data)
	if err != nil {
		h.logger.ErrorContext(ctx, "Error marshaling message",
			slog.String("error", err.Error()),
			slog.String("message_type", msgType))
		return
	}

	select {
	case h.broadcast <- payload:
	case <-h.done:
	default:
		h.logger.WarnContext(ctx, "Broadcast queue full, dropping message",
			slog.String("message_type", msgType))
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and attaches a client to the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WarnContext(r.Context(), "WebSocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	client := newClient(h, conn, infrastructure.GetTraceID(r.Context()))
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func encode(ctx context.Context, msgType string, data any) ([]byte, error) {
	return json.Marshal(Message{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		TraceID:   infrastructure.GetTraceID(ctx),
	})
}
