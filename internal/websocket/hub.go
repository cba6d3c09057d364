// Package websocket fans task lifecycle events out to subscribed clients.
package websocket

import (
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/slidecast/api/internal/model"
)

const (
	pingInterval  = 30 * time.Second
	pongTimeout   = 90 * time.Second
	sendQueueSize = 256
)

// Client represents one WebSocket connection, identified by the caller's
// client id.
type Client struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte

	lastPong atomic.Int64 // unix nanos of the last pong seen
}

func (c *Client) touchPong() {
	c.lastPong.Store(time.Now().UnixNano())
}

// Hub maintains active WebSocket connections and their task subscriptions.
// A client may follow any number of tasks; a task may have any number of
// followers.
type Hub struct {
	mu            sync.RWMutex
	clients       map[string]*Client
	subscriptions map[string]map[string]bool // task id -> client ids
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{
		clients:       make(map[string]*Client),
		subscriptions: make(map[string]map[string]bool),
	}
}

// Register adds a client. A reconnect under the same id replaces the old
// connection, which is closed.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	if old, ok := h.clients[client.ID]; ok {
		close(old.Send)
	}
	h.clients[client.ID] = client
	h.mu.Unlock()
	log.Printf("[WS] Client connected: %s", client.ID)
}

// Unregister removes a client and every subscription it holds.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	if current, ok := h.clients[client.ID]; ok && current == client {
		delete(h.clients, client.ID)
		close(client.Send)
		for taskID, subs := range h.subscriptions {
			delete(subs, client.ID)
			if len(subs) == 0 {
				delete(h.subscriptions, taskID)
			}
		}
	}
	h.mu.Unlock()
	log.Printf("[WS] Client disconnected: %s", client.ID)
}

// Subscribe registers the client's interest in a task. Returns false if the
// client is not connected.
func (h *Hub) Subscribe(clientID, taskID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[clientID]; !ok {
		return false
	}
	if h.subscriptions[taskID] == nil {
		h.subscriptions[taskID] = make(map[string]bool)
	}
	h.subscriptions[taskID][clientID] = true
	log.Printf("[WS] Client %s subscribed to task %s", clientID, taskID)
	return true
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish delivers an event to every client subscribed to taskID and returns
// how many clients received it. Clients with a full send queue are dropped.
func (h *Hub) Publish(taskID string, event model.WSEvent) int {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("[WS] Failed to marshal event: %v", err)
		return 0
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.subscriptions[taskID]
	if !ok {
		return 0
	}
	delivered := 0
	for clientID := range subs {
		client, ok := h.clients[clientID]
		if !ok {
			delete(subs, clientID)
			continue
		}
		select {
		case client.Send <- data:
			delivered++
		default:
			// Slow consumer; cut it loose rather than block the fan-out.
			delete(h.clients, clientID)
			delete(subs, clientID)
			close(client.Send)
			log.Printf("[WS] Dropped slow client: %s", clientID)
		}
	}
	if len(subs) == 0 {
		delete(h.subscriptions, taskID)
	}
	return delivered
}

// SendTo delivers an event to a single client, if connected.
func (h *Hub) SendTo(clientID string, event model.WSEvent) bool {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("[WS] Failed to marshal event: %v", err)
		return false
	}

	h.mu.RLock()
	client, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case client.Send <- data:
		return true
	default:
		return false
	}
}

// HandleConnection owns the connection lifecycle: greeting, writer pump with
// heartbeat, and the control-frame reader loop. Blocks until the connection
// closes.
func (h *Hub) HandleConnection(c *websocket.Conn, clientID string) {
	client := &Client{
		ID:   clientID,
		Conn: c,
		Send: make(chan []byte, sendQueueSize),
	}
	client.touchPong()

	h.Register(client)

	h.SendTo(clientID, model.WSEvent{
		Type:    model.WSTypeConnected,
		Message: "connection established",
	})

	done := make(chan struct{})

	// Writer pump. Sends queued events, pings on a timer, and closes the
	// connection when the client misses its pong window.
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		defer close(done)

		for {
			select {
			case message, ok := <-client.Send:
				if !ok {
					c.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case <-ticker.C:
				last := time.Unix(0, client.lastPong.Load())
				if time.Since(last) > pongTimeout {
					log.Printf("[WS] Client %s missed heartbeat, closing", clientID)
					c.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				ping, _ := json.Marshal(model.WSEvent{
					Type:      model.WSTypePing,
					Timestamp: time.Now().UTC(),
				})
				if err := c.WriteMessage(websocket.TextMessage, ping); err != nil {
					return
				}
			}
		}
	}()

	// Reader loop: subscribe / ping / pong control frames.
	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[WS] Read error from %s: %v", clientID, err)
			}
			break
		}

		var msg model.WSControlMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		switch msg.Action {
		case model.WSActionSubscribe:
			if msg.TaskID == "" {
				continue
			}
			h.Subscribe(clientID, msg.TaskID)
			h.SendTo(clientID, model.WSEvent{
				Type:   model.WSTypeSubscribed,
				TaskID: msg.TaskID,
			})
		case model.WSActionPing:
			client.touchPong()
			h.SendTo(clientID, model.WSEvent{Type: model.WSTypePong})
		case model.WSActionPong:
			client.touchPong()
		}
	}

	// Unregister closes the send queue, which stops the writer pump.
	h.Unregister(client)
	<-done
}
