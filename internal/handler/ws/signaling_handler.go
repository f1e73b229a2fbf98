package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"carebridge-backend/internal/middleware"
	"carebridge-backend/internal/relay"
	"carebridge-backend/pkg/constants"
	"carebridge-backend/pkg/logger"
	"carebridge-backend/pkg/sdp"
)

// SignalingHub bridges WebSocket clients onto the relay. Fanout runs
// through relay topics rather than an in-process registry, so two peers
// connected to different replicas still reach each other.
type SignalingHub struct {
	rel relay.Relay

	// maxConnections caps concurrent WebSocket connections per replica
	maxConnections int
	semaphore      chan struct{}
}

// SignalingClient is one authenticated WebSocket connection
type SignalingClient struct {
	hub    *SignalingHub
	conn   *websocket.Conn
	send   chan []byte
	userID uuid.UUID
	staff  bool
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	session *callAttachment
	subs    []*relay.Subscription
}

// callAttachment is the client's live in-call subscription
type callAttachment struct {
	sessionID uuid.UUID
	sub       *relay.Subscription
}

// ClientMessage is what clients send over the socket
type ClientMessage struct {
	Type           string          `json:"type"`
	SessionID      uuid.UUID       `json:"session_id,omitempty"`
	ConversationID uuid.UUID       `json:"conversation_id,omitempty"`
	To             uuid.UUID       `json:"to,omitempty"`
	SDP            string          `json:"sdp,omitempty"`
	Candidate      json.RawMessage `json:"candidate,omitempty"`
}

// Client message types
const (
	MsgTypeJoin   = "join"
	MsgTypeLeave  = "leave"
	MsgTypeOffer  = "offer"
	MsgTypeAnswer = "answer"
	MsgTypeICE    = "ice"
)

// GetAllowedOrigins returns allowed WebSocket origins from environment
// or localhost defaults.
func GetAllowedOrigins() map[string]bool {
	allowedOrigins := map[string]bool{
		"http://localhost:3000": true,
		"http://localhost:8080": true,
		"http://127.0.0.1:3000": true,
		"http://127.0.0.1:8080": true,
	}

	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		for _, origin := range strings.Split(origins, ",") {
			allowedOrigins[strings.TrimSpace(origin)] = true
		}
	}

	return allowedOrigins
}

var signalingUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Require an explicit origin
			return false
		}
		return GetAllowedOrigins()[origin]
	},
}

// NewSignalingHub creates a new signaling hub over the relay
func NewSignalingHub(rel relay.Relay) *SignalingHub {
	maxConns := 1000
	if val := os.Getenv("WS_MAX_SIGNALING_CONNECTIONS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			maxConns = n
		}
	}

	return &SignalingHub{
		rel:            rel,
		maxConnections: maxConns,
		semaphore:      make(chan struct{}, maxConns),
	}
}

// ServeWS upgrades the request and keeps the connection subscribed to
// the caller's inbox topics until it closes.
func (h *SignalingHub) ServeWS(c *gin.Context) {
	select {
	case h.semaphore <- struct{}{}:
	default:
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", h.maxConnections))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server at capacity, please try again later"})
		return
	}
	released := false
	release := func() {
		if !released {
			released = true
			<-h.semaphore
		}
	}

	principal, ok := middleware.PrincipalFromContext(c)
	if !ok {
		release()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := signalingUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		release()
		logger.Warn("WebSocket upgrade failed",
			zap.String("user_id", principal.ID.String()),
			zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &SignalingClient{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		userID: principal.ID,
		staff:  principal.Staff(),
		ctx:    ctx,
		cancel: cancel,
	}

	if err := client.subscribeInbox(ctx); err != nil {
		release()
		cancel()
		conn.Close()
		logger.Error("Failed to subscribe signaling inbox",
			zap.String("user_id", principal.ID.String()),
			zap.Error(err))
		return
	}

	// A client reconnecting mid-call attaches immediately
	if raw := c.Query("session_id"); raw != "" {
		if sessionID, err := uuid.Parse(raw); err == nil {
			client.attach(ctx, sessionID)
		}
	}

	go client.writePump()
	go func() {
		client.readPump()
		client.teardown()
		release()
	}()
}

// subscribeInbox attaches the client to its user topic and, for staff,
// the role-scoped call topic.
func (c *SignalingClient) subscribeInbox(ctx context.Context) error {
	topics := []string{relay.UserTopic(c.userID)}
	if c.staff {
		topics = append(topics, relay.StaffTopic(c.userID))
	}

	for _, topic := range topics {
		sub, err := c.hub.rel.Subscribe(ctx, topic, "", c.forward)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.subs = append(c.subs, sub)
		c.mu.Unlock()
	}
	return nil
}

// attach subscribes the client to one call's signaling topic. Attaching
// to a second session detaches the first.
func (c *SignalingClient) attach(ctx context.Context, sessionID uuid.UUID) {
	c.mu.Lock()
	prev := c.session
	c.session = nil
	c.mu.Unlock()
	if prev != nil {
		prev.sub.Dispose()
	}

	sub, err := c.hub.rel.Subscribe(ctx, relay.CallTopic(sessionID), "", c.forward)
	if err != nil {
		logger.Error("Failed to subscribe to call topic",
			zap.String("session_id", sessionID.String()),
			zap.String("user_id", c.userID.String()),
			zap.Error(err))
		return
	}

	c.mu.Lock()
	c.session = &callAttachment{sessionID: sessionID, sub: sub}
	c.mu.Unlock()
}

// detach drops the in-call subscription, keeping the inbox alive
func (c *SignalingClient) detach() {
	c.mu.Lock()
	prev := c.session
	c.session = nil
	c.mu.Unlock()
	if prev != nil {
		prev.sub.Dispose()
	}
}

// forward pushes a relay envelope down the socket. Envelopes addressed
// to the peer still arrive on the shared call topic; drop the client's
// own echoes.
func (c *SignalingClient) forward(env relay.Envelope) {
	if env.FromID == c.userID {
		return
	}

	data, err := json.Marshal(env)
	if err != nil {
		return
	}

	select {
	case c.send <- data:
	default:
		// Slow consumer, drop rather than block the relay goroutine.
		// The peer re-sends or the client state-syncs over HTTP.
		logger.Warn("Dropping signaling frame for slow consumer",
			zap.String("user_id", c.userID.String()),
			zap.String("event", env.Event))
	}
}

// teardown disposes every subscription exactly once
func (c *SignalingClient) teardown() {
	c.cancel()

	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	session := c.session
	c.session = nil
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Dispose()
	}
	if session != nil {
		session.sub.Dispose()
	}
}

// readPump reads client frames and publishes them onto the relay
func (c *SignalingClient) readPump() {
	defer c.conn.Close()

	c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("WebSocket connection closed",
					zap.String("user_id", c.userID.String()),
					zap.Error(err))
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			logger.Warn("Invalid message format from WebSocket",
				zap.String("user_id", c.userID.String()),
				zap.Error(err))
			continue
		}

		c.handleMessage(&msg)
	}
}

func (c *SignalingClient) handleMessage(msg *ClientMessage) {
	switch msg.Type {
	case MsgTypeJoin:
		if msg.SessionID != uuid.Nil {
			c.attach(c.ctx, msg.SessionID)
		}
	case MsgTypeLeave:
		c.detach()
	case MsgTypeOffer, MsgTypeAnswer:
		if msg.SessionID == uuid.Nil || msg.SDP == "" {
			return
		}
		event := relay.EventOffer
		if msg.Type == MsgTypeAnswer {
			event = relay.EventAnswer
		}
		// Normalize once at the boundary so both peers negotiate over
		// the same canonical form regardless of which browser produced it
		payload, err := json.Marshal(map[string]string{"sdp": sdp.Normalize(msg.SDP)})
		if err != nil {
			return
		}
		c.publish(msg, event, payload)
	case MsgTypeICE:
		if msg.SessionID == uuid.Nil || len(msg.Candidate) == 0 {
			return
		}
		c.publish(msg, relay.EventICE, msg.Candidate)
	default:
		logger.Debug("Unknown signaling message type",
			zap.String("type", msg.Type),
			zap.String("user_id", c.userID.String()))
	}
}

func (c *SignalingClient) publish(msg *ClientMessage, event string, payload json.RawMessage) {
	env := relay.Envelope{
		ID:             uuid.New(),
		Event:          event,
		SessionID:      &msg.SessionID,
		ConversationID: msg.ConversationID,
		FromID:         c.userID,
		ToID:           msg.To,
		Timestamp:      time.Now(),
		Payload:        payload,
	}

	if err := c.hub.rel.Publish(c.ctx, relay.CallTopic(msg.SessionID), event, env); err != nil {
		logger.Error("Failed to relay signaling message",
			zap.String("event", event),
			zap.String("session_id", msg.SessionID.String()),
			zap.Error(err))
	}
}

// writePump writes messages to WebSocket
func (c *SignalingClient) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
