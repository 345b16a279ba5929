package server

import (
	"context"
	"encoding/json"
	"sync"

	"dashobd/internal/models"
	"dashobd/pkg/log"

	"go.uber.org/zap"
)

const broadcastBuffer = 16

// message is the envelope every websocket frame carries.
type message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// Hub maintains the set of active clients and broadcasts snapshots.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
	latest     []byte
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, broadcastBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run serves registrations and broadcasts until ctx is done, then closes
// every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			if h.latest != nil {
				client.send <- h.latest
			}
			h.mu.Unlock()
			log.Debug("WebSocket client registered", zap.String("remote", client.remote()))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				log.Debug("WebSocket client unregistered", zap.String("remote", client.remote()))
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.Lock()
			h.latest = msg
			for client := range h.clients {
				select {
				case client.send <- msg:
				default:
					log.Warn("WebSocket client too slow, removing", zap.String("remote", client.remote()))
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Register adds client; it is a no-op once the hub has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish is a poller.Handler. A full broadcast queue drops the snapshot
// rather than delaying the poll loop.
func (h *Hub) Publish(snap models.MetricsSnapshot) {
	data, err := json.Marshal(message{Type: "snapshot", Payload: snap})
	if err != nil {
		log.Error("Failed to encode snapshot for broadcast", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- data:
	default:
		log.Debug("Broadcast queue full, snapshot dropped", zap.Uint64("cycle", snap.Cycle))
	}
}
