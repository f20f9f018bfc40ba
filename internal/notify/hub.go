package notify

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xtrntr/market/internal/market"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 64
)

// Message is the frame pushed to websocket clients
type Message struct {
	Type         string               `json:"type"` // "notification" or "event"
	Notification *market.Notification `json:"notification,omitempty"`
	Event        *market.Event        `json:"event,omitempty"`
}

// Client is one websocket connection owned by a player
type Client struct {
	playerID string
	conn     *websocket.Conn
	send     chan []byte
}

// Hub pushes notifications to connected players and broadcasts market events
// to everyone. Sends never block: a client whose buffer is full misses the
// message.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]map[*Client]struct{}
	upgrader websocket.Upgrader
	log      *log.Logger
}

// NewHub creates an empty hub
func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // origin is enforced by the CORS layer
			},
		},
		log: logger,
	}
}

// Notify implements market.Notifier
func (h *Hub) Notify(n market.Notification) {
	data, err := json.Marshal(Message{Type: "notification", Notification: &n})
	if err != nil {
		h.log.Printf("Failed to marshal notification: %v", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[n.PlayerID] {
		h.trySend(c, data)
	}
}

// Publish implements market.EventPublisher by broadcasting to every client
func (h *Hub) Publish(ctx context.Context, ev market.Event) error {
	data, err := json.Marshal(Message{Type: "event", Event: &ev})
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, set := range h.clients {
		for c := range set {
			h.trySend(c, data)
		}
	}
	return nil
}

func (h *Hub) trySend(c *Client, data []byte) {
	select {
	case c.send <- data:
	default:
		h.log.Printf("Dropping message for %s: send buffer full", c.playerID)
	}
}

// Connected returns how many connections playerID has open
func (h *Hub) Connected(playerID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[playerID])
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.playerID]
	if !ok {
		set = make(map[*Client]struct{})
		h.clients[c.playerID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.playerID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	close(c.send)
	if len(set) == 0 {
		delete(h.clients, c.playerID)
	}
}

// Serve upgrades the request and streams messages for playerID until the
// connection closes
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, playerID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Printf("Failed to upgrade connection: %v", err)
		return
	}

	c := &Client{playerID: playerID, conn: conn, send: make(chan []byte, sendBuffer)}
	h.register(c)

	go c.writePump()
	c.readPump(h)
}

// readPump discards client frames and detects disconnects
func (c *Client) readPump(h *Hub) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
