package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/videopose/posekeys/internal/model"
)

// Client represents a WebSocket client
type Client struct {
	RunID string
	Conn  *websocket.Conn
	Send  chan []byte
}

// Hub maintains active WebSocket connections
type Hub struct {
	// Clients grouped by run ID
	clients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client

	// Broadcast messages to run subscribers
	broadcast chan *BroadcastMessage

	logger *slog.Logger
	mu     sync.RWMutex
}

// BroadcastMessage represents a message to broadcast
type BroadcastMessage struct {
	RunID   string
	Message []byte
}

// NewHub creates a new Hub
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
		logger:     logger,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.RunID] == nil {
				h.clients[client.RunID] = make(map[*Client]bool)
			}
			h.clients[client.RunID][client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", "run_id", client.RunID)

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(client)
			h.mu.Unlock()
			h.logger.Debug("client unregistered", "run_id", client.RunID)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients[msg.RunID] {
				select {
				case client.Send <- msg.Message:
				default:
					// Slow subscriber, drop it
					h.removeLocked(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) removeLocked(client *Client) {
	clients, ok := h.clients[client.RunID]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	close(client.Send)
	if len(clients) == 0 {
		delete(h.clients, client.RunID)
	}
}

// Subscribers returns the number of clients watching runID
func (h *Hub) Subscribers(runID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[runID])
}

// Register adds a new client
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// BroadcastItem sends an item report to the run's subscribers
func (h *Hub) BroadcastItem(report model.ItemReport) {
	h.send(report.RunID, model.WSItemMessage{
		Type:  model.WSMessageTypeItem,
		RunID: report.RunID,
		Item:  report,
	})
}

// BroadcastRun sends the run counters to the run's subscribers
func (h *Hub) BroadcastRun(run model.Run) {
	msgType := model.WSMessageTypeRun
	if run.Status == model.RunStatusFinished {
		msgType = model.WSMessageTypeFinished
	}
	h.send(run.ID, model.WSRunMessage{
		Type:  msgType,
		RunID: run.ID,
		Run:   run,
	})
}

// send never blocks; messages are dropped when the hub is saturated
func (h *Hub) send(runID string, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal websocket message", "run_id", runID, "error", err)
		return
	}

	select {
	case h.broadcast <- &BroadcastMessage{RunID: runID, Message: data}:
	default:
		h.logger.Warn("broadcast queue full, dropping message", "run_id", runID)
	}
}

// HandleConnection handles a WebSocket connection
func (h *Hub) HandleConnection(c *websocket.Conn, runID string) {
	client := &Client{
		RunID: runID,
		Conn:  c,
		Send:  make(chan []byte, 256),
	}

	h.Register(client)
	defer h.Unregister(client)

	// Start writer goroutine
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

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
				// Send ping for keep-alive
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Reader loop
	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket error", "run_id", runID, "error", err)
			}
			break
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		if msg.Type == model.WSMessageTypePing {
			pong := model.WSMessage{Type: model.WSMessageTypePong}
			data, _ := json.Marshal(pong)
			h.reply(client, data)
		}
	}
}

// reply queues data for client unless the hub has already dropped it
func (h *Hub) reply(client *Client, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.clients[client.RunID][client] {
		return
	}
	select {
	case client.Send <- data:
	default:
	}
}
