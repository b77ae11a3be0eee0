package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/carbontc/auction-engine/internal/auction"
	"github.com/carbontc/auction-engine/internal/auth"
	"github.com/carbontc/auction-engine/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 64
)

// Message types pushed to WebSocket clients.
const (
	TypeBidPlaced        = "bid_placed"
	TypeUserOutbid       = "user_outbid"
	TypeAuctionCompleted = "auction_completed"
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type      string `json:"type"`
	ListingID string `json:"listing_id"`
	Payload   any    `json:"payload,omitempty"`
}

// clientCommand is what clients send: {"action":"join","listing_id":"..."}.
type clientCommand struct {
	Action    string `json:"action"`
	ListingID string `json:"listing_id"`
}

// Warmer pre-loads a user's balance when they start following an auction.
type Warmer interface {
	WarmUpBalance(ctx context.Context, userID string, horizon time.Time) error
}

type envelope struct {
	data      []byte
	listingID string
	userID    string // set for messages addressed to one user
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	userID string

	mu       sync.Mutex
	listings map[string]bool
}

// wants reports whether the client should receive e. Clients that joined
// no listing follow all of them.
func (c *client) wants(e envelope) bool {
	if e.userID != "" {
		return c.userID == e.userID
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listings) == 0 || c.listings[e.listingID]
}

// Hub manages WebSocket connections and pushes auction events to the
// clients following each listing.
type Hub struct {
	secret     []byte
	warmer     Warmer
	clients    map[*client]bool
	broadcast  chan envelope
	register   chan *client
	unregister chan *client
	done       chan struct{}
	mu         sync.RWMutex
	size       int
}

// NewHub creates a hub. secret authenticates the optional access_token
// query parameter; warmer may be nil.
func NewHub(secret []byte, warmer Warmer) *Hub {
	return &Hub{
		secret:     secret,
		warmer:     warmer,
		clients:    make(map[*client]bool),
		broadcast:  make(chan envelope, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
}

// Run is the hub's event loop; it returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			for c := range h.clients {
				h.drop(c)
			}
			return

		case c := <-h.register:
			h.clients[c] = true
			h.setSize(len(h.clients))
			slog.Info("ws client connected", "user_id", c.userID, "total", len(h.clients))

		case c := <-h.unregister:
			if h.clients[c] {
				h.drop(c)
			}

		case e := <-h.broadcast:
			for c := range h.clients {
				if !c.wants(e) {
					continue
				}
				select {
				case c.send <- e.data:
				default:
					// Slow consumer.
					h.drop(c)
				}
			}
		}
	}
}

func (h *Hub) drop(c *client) {
	delete(h.clients, c)
	close(c.send)
	h.setSize(len(h.clients))
}

func (h *Hub) setSize(n int) {
	h.mu.Lock()
	h.size = n
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(n))
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}

func (h *Hub) publish(msg WSMessage, userID string) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("ws marshal failed", "type", msg.Type, "err", err)
		return
	}
	select {
	case h.broadcast <- envelope{data: data, listingID: msg.ListingID, userID: userID}:
	default:
		// Drop if buffer full to avoid blocking bid handling.
	}
}

// BidPlaced pushes the bid to the listing's followers and tells the
// previous winner they were outbid.
func (h *Hub) BidPlaced(_ context.Context, e auction.BidPlaced) error {
	h.publish(WSMessage{Type: TypeBidPlaced, ListingID: e.ListingID, Payload: e}, "")
	if e.PreviousBidder != "" {
		h.publish(WSMessage{Type: TypeUserOutbid, ListingID: e.ListingID, Payload: e}, e.PreviousBidder)
	}
	return nil
}

// AuctionCompleted pushes the finalization result to the listing's followers.
func (h *Hub) AuctionCompleted(_ context.Context, e auction.AuctionCompleted) error {
	h.publish(WSMessage{Type: TypeAuctionCompleted, ListingID: e.ListingID, Payload: e}, "")
	return nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // The gateway enforces origins.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
// Optional query parameters: listing_id (follow one listing) and
// access_token (receive messages addressed to the user).
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	var userID string
	if tok := r.URL.Query().Get("access_token"); tok != "" {
		id, err := auth.Authenticate("Bearer "+tok, h.secret)
		if err != nil {
			writeError(w, err.Error(), http.StatusUnauthorized)
			return
		}
		userID = id
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	c := &client{
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		userID:   userID,
		listings: make(map[string]bool),
	}
	if id := r.URL.Query().Get("listing_id"); id != "" {
		c.listings[id] = true
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go h.writePump(c)
	go h.readPump(c)
}

// readPump handles join/leave commands and detects disconnects.
func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd clientCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			continue
		}
		h.apply(c, cmd)
	}
}

func (h *Hub) apply(c *client, cmd clientCommand) {
	if cmd.ListingID == "" {
		return
	}
	c.mu.Lock()
	switch cmd.Action {
	case "join":
		c.listings[cmd.ListingID] = true
	case "leave":
		delete(c.listings, cmd.ListingID)
	}
	c.mu.Unlock()

	if cmd.Action == "join" && c.userID != "" && h.warmer != nil {
		// Warm the follower's balance so their first bid skips the wallet call.
		go func(userID string) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := h.warmer.WarmUpBalance(ctx, userID, time.Time{}); err != nil {
				slog.Warn("ws warm-up failed", "user_id", userID, "err", err)
			}
		}(c.userID)
	}
}

// writePump serializes writes to the connection and keeps it alive
// through proxies.
func (h *Hub) writePump(c *client) {
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
				c.conn.WriteMessage(websocket.CloseMessage, nil)
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
