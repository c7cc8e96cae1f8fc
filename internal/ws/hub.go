package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Message types pushed to subscribers.
const (
	TypeBookSnapshot = "book_snapshot"
	TypeTrade        = "trade"
	TypeMarket       = "market"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Msg is a message sent to clients. Seq increases by one per market, so a
// client that sees a gap knows it missed a snapshot and should refetch the
// book over HTTP.
type Msg struct {
	Type     string    `json:"type"`
	MarketID string    `json:"market_id"`
	Seq      uint64    `json:"seq"`
	Time     time.Time `json:"ts"`
	Data     any       `json:"data"`
}

// Hub manages per-market WebSocket subscriptions.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[*conn]bool // marketID -> set of conns
	allConn map[*conn]bool
	logger  *slog.Logger

	seqMu sync.Mutex
	seq   map[string]uint64
}

type conn struct {
	ws     *websocket.Conn
	send   chan []byte
	hub    *Hub
	market string
	once   sync.Once
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		rooms:   make(map[string]map[*conn]bool),
		allConn: make(map[*conn]bool),
		seq:     make(map[string]uint64),
		logger:  logger.With("component", "ws"),
	}
}

// Publish sends a message to all subscribers of a market. Clients whose
// buffer is full miss the message.
func (h *Hub) Publish(marketID, msgType string, data any) {
	msg := Msg{Type: msgType, MarketID: marketID, Seq: h.nextSeq(marketID), Time: time.Now().UTC(), Data: data}
	b, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal_failed", "type", msgType, "error", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[marketID] {
		select {
		case c.send <- b:
		default:
			h.logger.Debug("slow_client_dropped_message", "market_id", marketID, "type", msgType)
		}
	}
}

func (h *Hub) nextSeq(marketID string) uint64 {
	h.seqMu.Lock()
	defer h.seqMu.Unlock()
	h.seq[marketID]++
	return h.seq[marketID]
}

// Subscribers reports how many connections watch a market.
func (h *Hub) Subscribers(marketID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[marketID])
}

// HandleWS is the HTTP handler for WebSocket connections.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade_failed", "error", err)
		return
	}
	c := &conn{
		ws:   wsConn,
		send: make(chan []byte, sendBuffer),
		hub:  h,
	}
	h.mu.Lock()
	h.allConn[c] = true
	h.mu.Unlock()

	go c.writePump()
	go c.readPump()
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	conns := make([]*conn, 0, len(h.allConn))
	for c := range h.allConn {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.ws.Close()
	}
}

func (c *conn) readPump() {
	defer func() {
		c.hub.removeConn(c)
		c.ws.Close()
	}()
	c.ws.SetReadLimit(4096)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			break
		}
		// {"action":"subscribe","market_id":"..."}
		var sub struct {
			Action   string `json:"action"`
			MarketID string `json:"market_id"`
		}
		if err := json.Unmarshal(msg, &sub); err != nil {
			continue
		}
		switch sub.Action {
		case "subscribe":
			c.hub.subscribe(c, sub.MarketID)
		case "unsubscribe":
			c.hub.unsubscribe(c, sub.MarketID)
		}
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) subscribe(c *conn, marketID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	// one market per connection
	h.leaveRoom(c)
	c.market = marketID
	room, ok := h.rooms[marketID]
	if !ok {
		room = make(map[*conn]bool)
		h.rooms[marketID] = room
	}
	room[c] = true
}

func (h *Hub) unsubscribe(c *conn, marketID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.market == marketID {
		h.leaveRoom(c)
	}
}

func (h *Hub) removeConn(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.allConn, c)
	h.leaveRoom(c)
	c.once.Do(func() { close(c.send) })
}

// leaveRoom must be called with h.mu held.
func (h *Hub) leaveRoom(c *conn) {
	if c.market == "" {
		return
	}
	if room, ok := h.rooms[c.market]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, c.market)
		}
	}
	c.market = ""
}
