// Package transport exposes the match engine over WebSocket and HTTP.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/stockguessr/match-engine/internal/match"
	"github.com/stockguessr/match-engine/internal/metrics"
	"github.com/stockguessr/match-engine/internal/model"
)

// Inbound message types.
const (
	MsgJoinMatch   = "join_match"
	MsgTradeAction = "trade_action"
	MsgLeaveMatch  = "leave_match"
)

// Matches is the coordinator surface the transports drive.
type Matches interface {
	Join(ctx context.Context, matchID, playerID string) error
	Trade(ctx context.Context, matchID, playerID string, req match.TradeRequest) (*match.TradeReceipt, error)
	Disconnect(matchID, playerID string)
	Snapshot(ctx context.Context, matchID string) (match.Snapshot, error)
}

// Inbound is a client-to-server WebSocket frame.
type Inbound struct {
	Type     string       `json:"type"`
	MatchID  string       `json:"match_id"`
	PlayerID string       `json:"player_id,omitempty"`
	Action   model.Action `json:"action,omitempty"`
	Shares   int64        `json:"shares,omitempty"`
	Leverage int          `json:"leverage,omitempty"`
}

// HubConfig tunes connection handling.
type HubConfig struct {
	PongWait       time.Duration
	PingInterval   time.Duration
	WriteWait      time.Duration
	SendBuffer     int
	MaxMessageSize int64
	// RatePerSecond and Burst pace inbound frames per connection.
	RatePerSecond float64
	Burst         int
	// RequestTimeout bounds each call into the coordinator.
	RequestTimeout time.Duration
	// AllowedOrigins restricts the upgrade. Empty allows any origin.
	AllowedOrigins []string
}

// DefaultHubConfig returns production defaults.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		PongWait:       60 * time.Second,
		PingInterval:   30 * time.Second,
		WriteWait:      10 * time.Second,
		SendBuffer:     64,
		MaxMessageSize: 4096,
		RatePerSecond:  5,
		Burst:          10,
		RequestTimeout: 5 * time.Second,
	}
}

// Hub manages WebSocket connections grouped into one room per match. It
// implements match.Broadcaster; its send methods never block the caller.
type Hub struct {
	cfg      HubConfig
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	matches Matches
	clients map[*client]struct{}
	rooms   map[string]map[*client]struct{}
}

// NewHub creates a hub. Bind must be called before serving connections.
func NewHub(cfg HubConfig) *Hub {
	def := DefaultHubConfig()
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.PongWait {
		cfg.PingInterval = cfg.PongWait / 2
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = def.RatePerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}

	h := &Hub{
		cfg:     cfg,
		clients: make(map[*client]struct{}),
		rooms:   make(map[string]map[*client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// Bind attaches the coordinator the hub forwards inbound frames to.
func (h *Hub) Bind(m Matches) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.matches = m
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(h.cfg.AllowedOrigins, r.Header.Get("Origin"))
}

// Broadcast sends msg to every connection in the match's room.
func (h *Hub) Broadcast(matchID string, msg match.Message) {
	h.deliver(matchID, msg, func(*client) bool { return true })
}

// SendTo sends msg to playerID's connections in the room.
func (h *Hub) SendTo(matchID, playerID string, msg match.Message) {
	h.deliver(matchID, msg, func(c *client) bool { return c.playerID == playerID })
}

// SendExcept sends msg to every connection in the room not owned by playerID.
func (h *Hub) SendExcept(matchID, playerID string, msg match.Message) {
	h.deliver(matchID, msg, func(c *client) bool { return c.playerID != playerID })
}

func (h *Hub) deliver(matchID string, msg match.Message, want func(*client) bool) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("ws marshal failed", "type", msg.Type, "err", err)
		return
	}

	var slow []*client
	h.mu.RLock()
	for c := range h.rooms[matchID] {
		if want(c) && !c.enqueue(data) {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	// Clients whose buffers are full are dropped rather than waited on.
	for _, c := range slow {
		slog.Warn("ws client too slow, dropping", "match_id", matchID, "player_id", c.playerID)
		c.close()
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	all := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		all = append(all, c)
	}
	h.mu.RUnlock()
	for _, c := range all {
		c.close()
	}
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	c := &client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, h.cfg.SendBuffer),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(h.cfg.RatePerSecond), h.cfg.Burst),
	}
	h.register(c)

	go c.writePump()
	go c.readPump()
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Inc()
	slog.Info("ws client connected", "total", total)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	matchID, playerID := c.matchID, c.playerID
	h.leaveLocked(c)
	m := h.matches
	h.mu.Unlock()

	metrics.WebSocketClients.Dec()
	if matchID != "" && m != nil {
		m.Disconnect(matchID, playerID)
	}
}

// enter moves c into matchID's room as playerID.
func (h *Hub) enter(c *client, matchID, playerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c)
	c.matchID, c.playerID = matchID, playerID
	room, ok := h.rooms[matchID]
	if !ok {
		room = make(map[*client]struct{})
		h.rooms[matchID] = room
	}
	room[c] = struct{}{}
}

// leave removes c from its room and returns what it was in.
func (h *Hub) leave(c *client) (matchID, playerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	matchID, playerID = c.matchID, c.playerID
	h.leaveLocked(c)
	return matchID, playerID
}

func (h *Hub) leaveLocked(c *client) {
	if c.matchID == "" {
		return
	}
	if room, ok := h.rooms[c.matchID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, c.matchID)
		}
	}
	c.matchID, c.playerID = "", ""
}

func (h *Hub) coordinator() Matches {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.matches
}

// handle dispatches one inbound frame. Results flow back through the
// coordinator's broadcasts; only requests it cannot attribute to a seat
// are answered here.
func (h *Hub) handle(c *client, in Inbound) {
	m := h.coordinator()
	if m == nil {
		c.sendError(in.MatchID, "server not ready")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.RequestTimeout)
	defer cancel()

	switch in.Type {
	case MsgJoinMatch:
		if in.MatchID == "" || in.PlayerID == "" {
			c.sendError(in.MatchID, match.ErrInvalidRequest.Error())
			return
		}
		// Enter the room first so the joiner sees its own player_joined.
		h.enter(c, in.MatchID, in.PlayerID)
		if err := m.Join(ctx, in.MatchID, in.PlayerID); err != nil {
			h.leave(c)
			slog.Info("ws join rejected", "match_id", in.MatchID, "player_id", in.PlayerID, "err", err)
			c.sendError(in.MatchID, err.Error())
		}

	case MsgTradeAction:
		matchID, playerID := h.identity(c)
		if matchID == "" || matchID != in.MatchID {
			c.sendError(in.MatchID, "join the match before trading")
			return
		}
		_, err := m.Trade(ctx, matchID, playerID, match.TradeRequest{
			Action:   in.Action,
			Shares:   in.Shares,
			Leverage: in.Leverage,
		})
		if err != nil && !seatedRejection(err) {
			c.sendError(matchID, err.Error())
		}

	case MsgLeaveMatch:
		matchID, playerID := h.leave(c)
		if matchID != "" {
			m.Disconnect(matchID, playerID)
		}

	default:
		c.sendError(in.MatchID, "unknown message type")
	}
}

func (h *Hub) identity(c *client) (matchID, playerID string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return c.matchID, c.playerID
}

// seatedRejection reports whether the coordinator already answered the
// player with a trade_result.
func seatedRejection(err error) bool {
	return !errors.Is(err, match.ErrMatchNotFound) &&
		!errors.Is(err, match.ErrUnknownPlayer) &&
		!errors.Is(err, match.ErrShuttingDown) &&
		!errors.Is(err, context.DeadlineExceeded)
}

// client is one WebSocket connection. matchID and playerID are guarded
// by the hub's mutex.
type client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	limiter *rate.Limiter

	matchID  string
	playerID string
}

// enqueue queues data without blocking. It reports false when the
// client's buffer is full.
func (c *client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *client) sendError(matchID, reason string) {
	data, err := json.Marshal(match.Message{
		Type:    match.MsgMatchError,
		MatchID: matchID,
		Payload: match.MatchErrorPayload{Reason: reason},
	})
	if err == nil {
		c.enqueue(data)
	}
}

// readPump reads frames until the connection fails, keeping the read
// deadline fresh on every pong.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.close()
	}()

	cfg := c.hub.cfg
	c.conn.SetReadLimit(cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("ws read failed", "err", err)
			}
			return
		}
		if !c.limiter.Allow() {
			metrics.WebSocketRateLimited.Inc()
			c.sendError("", "rate_limited")
			continue
		}

		var in Inbound
		if err := json.Unmarshal(data, &in); err != nil {
			c.sendError("", "invalid message")
			continue
		}
		c.hub.handle(c, in)
	}
}

// writePump owns all writes to the connection.
func (c *client) writePump() {
	cfg := c.hub.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
