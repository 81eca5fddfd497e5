package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/auth"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/infrastructure/config"
	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/infrastructure/logging"
)

// WebSocket message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	wsSendBufferSize = 256
)

// WSMessage is the envelope for every frame in both directions.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload selects channels and, optionally, devices. A client
// that named devices only receives events for those serial numbers; an
// empty Devices list on subscribe leaves the current device filter as is.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
	Devices  []string `json:"devices,omitempty"`
}

// Hub tracks connected clients by company and fans events out to them.
// A client whose buffer is full misses the event; the drop is counted.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu        sync.RWMutex
	byCompany map[string]map[*WSClient]struct{}

	dropped atomic.Uint64
}

// WSClient is one WebSocket connection, bound to the identity of the
// ticket it was opened with.
type WSClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	subject string
	company string
	role    auth.Role

	mu       sync.RWMutex
	channels map[string]struct{}
	devices  map[string]struct{} // nil: every device of the company
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // CORS middleware decides
	},
}

// NewHub creates an empty hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:       cfg,
		logger:    logger,
		byCompany: make(map[string]map[*WSClient]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register adds client under its company.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	set, ok := h.byCompany[client.company]
	if !ok {
		set = make(map[*WSClient]struct{})
		h.byCompany[client.company] = set
	}
	set[client] = struct{}{}
	h.mu.Unlock()

	h.logger.Debug("websocket client connected", "subject", client.subject, "company_id", client.company)
}

// Unregister removes client. Only the call that actually removes it closes
// the send channel, so shutdown and a read error can race safely.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	set := h.byCompany[client.company]
	_, existed := set[client]
	delete(set, client)
	if len(set) == 0 {
		delete(h.byCompany, client.company)
	}
	h.mu.Unlock()

	if existed {
		close(client.send)
		h.logger.Debug("websocket client disconnected", "subject", client.subject, "company_id", client.company)
	}
}

// Broadcast sends an event about deviceID to the clients of company that
// subscribed to channel and whose device filter admits deviceID.
func (h *Hub) Broadcast(channel, company, deviceID string, payload any) {
	h.mu.RLock()
	recipients := make([]*WSClient, 0, len(h.byCompany[company]))
	for client := range h.byCompany[company] {
		if client.wants(channel, deviceID) {
			recipients = append(recipients, client)
		}
	}
	h.mu.RUnlock()

	if len(recipients) == 0 {
		return
	}

	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("failed to marshal websocket event", "channel", channel, "error", err)
		return
	}

	for _, client := range recipients {
		if !client.trySend(data) {
			h.dropped.Add(1)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.byCompany {
		n += len(set)
	}
	return n
}

// Dropped returns how many events were skipped for slow clients.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for company, set := range h.byCompany {
		for client := range set {
			close(client.send)
			if client.conn != nil {
				client.conn.Close()
			}
		}
		delete(h.byCompany, company)
	}
}

// handleWebSocket upgrades a request carrying a ticket from
// POST /auth/ws-ticket. Browsers cannot set an Authorization header on
// the upgrade, hence the ticket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ticket := r.URL.Query().Get("ticket")
	if ticket == "" {
		writeUnauthorized(w, "ticket query parameter is required")
		return
	}
	entry, ok := s.tickets.validate(ticket)
	if !ok {
		writeUnauthorized(w, "invalid or expired ticket")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		hub:      s.hub,
		conn:     conn,
		send:     make(chan []byte, wsSendBufferSize),
		subject:  entry.subject,
		company:  entry.company,
		role:     entry.role,
		channels: make(map[string]struct{}),
	}
	s.hub.Register(client)

	t := newWSTimings(s.wsCfg)
	go client.writePump(t)
	go client.readPump(t, s.wsCfg.MaxMessageSize)
}

// wsTimings are the keepalive durations derived from config.
type wsTimings struct {
	ping     time.Duration // server ping interval
	write    time.Duration // per-write deadline
	readIdle time.Duration // read deadline, reset by any frame or pong
}

func newWSTimings(cfg config.WebSocketConfig) wsTimings {
	ping := time.Duration(cfg.PingInterval) * time.Second
	pong := time.Duration(cfg.PongTimeout) * time.Second
	return wsTimings{ping: ping, write: pong, readIdle: ping + pong}
}

func (c *WSClient) readPump(t wsTimings, maxMessageSize int) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(int64(maxMessageSize))
	extend := func() error { return c.conn.SetReadDeadline(time.Now().Add(t.readIdle)) }
	extend() //nolint:errcheck // best effort
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "subject", c.subject, "error", err)
			}
			return
		}
		// Browsers do not always answer protocol pings; any frame counts.
		extend() //nolint:errcheck // best effort
		c.handleMessage(message)
	}
}

func (c *WSClient) writePump(t wsTimings) {
	ticker := time.NewTicker(t.ping)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		var (
			kind int
			data []byte
		)
		select {
		case message, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil) //nolint:errcheck // best effort
				return
			}
			kind, data = websocket.TextMessage, message
		case <-ticker.C:
			kind = websocket.PingMessage
		}

		c.conn.SetWriteDeadline(time.Now().Add(t.write)) //nolint:errcheck // write error caught below
		if err := c.conn.WriteMessage(kind, data); err != nil {
			return
		}
	}
}

func (c *WSClient) handleMessage(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch msg.Type {
	case WSTypeSubscribe:
		c.handleSubscribe(msg)
	case WSTypeUnsubscribe:
		c.handleUnsubscribe(msg)
	case WSTypePing:
		c.sendResponse(msg.ID, WSTypePong, nil)
	default:
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

// decodeSubscription re-decodes the generic payload of msg.
func decodeSubscription(msg WSMessage) (WSSubscribePayload, bool) {
	var sub WSSubscribePayload
	raw, err := json.Marshal(msg.Payload)
	if err != nil {
		return sub, false
	}
	return sub, json.Unmarshal(raw, &sub) == nil
}

func (c *WSClient) handleSubscribe(msg WSMessage) {
	sub, ok := decodeSubscription(msg)
	if !ok {
		c.sendError(msg.ID, "invalid subscribe payload")
		return
	}
	for _, ch := range sub.Channels {
		if !knownChannel(ch) {
			c.sendError(msg.ID, "unknown channel: "+ch)
			return
		}
	}

	c.mu.Lock()
	for _, ch := range sub.Channels {
		c.channels[ch] = struct{}{}
	}
	if len(sub.Devices) > 0 {
		if c.devices == nil {
			c.devices = make(map[string]struct{}, len(sub.Devices))
		}
		for _, sn := range sub.Devices {
			c.devices[sn] = struct{}{}
		}
	}
	c.mu.Unlock()

	c.hub.logger.Debug("websocket client subscribed",
		"subject", c.subject,
		"channels", sub.Channels,
		"devices", sub.Devices,
	)
	c.sendResponse(msg.ID, WSTypeResponse, map[string]any{
		"subscribed": sub.Channels,
		"devices":    sub.Devices,
	})
}

// handleUnsubscribe drops channels and, if named, devices. Dropping the
// last device from the filter does not widen it back to every device.
func (c *WSClient) handleUnsubscribe(msg WSMessage) {
	sub, ok := decodeSubscription(msg)
	if !ok {
		c.sendError(msg.ID, "invalid unsubscribe payload")
		return
	}

	c.mu.Lock()
	for _, ch := range sub.Channels {
		delete(c.channels, ch)
	}
	for _, sn := range sub.Devices {
		delete(c.devices, sn)
	}
	c.mu.Unlock()

	c.sendResponse(msg.ID, WSTypeResponse, map[string]any{
		"unsubscribed": sub.Channels,
		"devices":      sub.Devices,
	})
}

// wants reports whether an event on channel about deviceID is for c.
func (c *WSClient) wants(channel, deviceID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.channels[channel]; !ok {
		return false
	}
	if c.devices == nil {
		return true
	}
	_, ok := c.devices[deviceID]
	return ok
}

// trySend queues data without blocking. It reports false when the buffer
// is full or the client is already gone.
func (c *WSClient) trySend(data []byte) (sent bool) {
	defer func() {
		if recover() != nil { // send on a channel closed by Unregister
			sent = false
		}
	}()

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *WSClient) sendResponse(id, msgType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.trySend(data)
}

func (c *WSClient) sendError(id, message string) {
	c.sendResponse(id, WSTypeError, map[string]string{"message": message})
}
