package rpc

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tolelom/shadowduel/events"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
	clientBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans committed ledger events out to websocket subscribers. A client
// may narrow its feed with ?match=<id> and/or ?type=<event type>.
type Hub struct {
	mu          sync.Mutex
	clients     map[*client]struct{}
	unsubscribe func()
}

type client struct {
	conn    *websocket.Conn
	send    chan events.Event
	matchID string
	evType  events.EventType
}

// NewHub creates a Hub fed by every event emitter publishes.
func NewHub(emitter *events.Emitter) *Hub {
	h := &Hub{clients: make(map[*client]struct{})}
	if emitter != nil {
		h.unsubscribe = emitter.SubscribeAll(h.Broadcast)
	}
	return h
}

// Broadcast queues ev for every interested client. Clients whose buffer is
// full are disconnected rather than allowed to stall the ledger.
func (h *Hub) Broadcast(ev events.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.wants(ev) {
			continue
		}
		select {
		case c.send <- ev:
		default:
			log.Printf("[rpc] dropping slow event subscriber %s", c.conn.RemoteAddr())
			h.removeLocked(c)
		}
	}
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close detaches from the emitter and disconnects every subscriber.
func (h *Hub) Close() {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.removeLocked(c)
	}
}

func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (c *client) wants(ev events.Event) bool {
	if c.evType != "" && ev.Type != c.evType {
		return false
	}
	if c.matchID != "" {
		id, _ := ev.Data["match_id"].(string)
		return id == c.matchID
	}
	return true
}

// ServeWS upgrades the request and streams events until the peer leaves.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[rpc] websocket upgrade: %v", err)
		return
	}
	c := &client{
		conn:    conn,
		send:    make(chan events.Event, clientBuffer),
		matchID: r.URL.Query().Get("match"),
		evType:  events.EventType(r.URL.Query().Get("type")),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go c.writePump()
	c.readPump()
	h.remove(c)
}

// readPump only services control frames; subscribers never send data.
func (c *client) readPump() {
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[rpc] websocket error: %v", err)
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case ev, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
