package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/KevinKickass/OpenShotCore/internal/auth"
	"github.com/KevinKickass/OpenShotCore/internal/contract"
	"github.com/KevinKickass/OpenShotCore/internal/params"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Time allowed for the first (auth) message
	authWait = 10 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 8192

	// Send channel buffer size
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// clientMessage is a command sent by the browser
type clientMessage struct {
	Type    string `json:"type"`
	Token   string `json:"token,omitempty"`
	Device  string `json:"device,omitempty"`
	Channel string `json:"channel,omitempty"`
}

// Client represents a WebSocket client connection
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	logger *zap.Logger

	mu     sync.Mutex
	send   chan []byte
	closed bool
	subs   map[string]<-chan contract.Sample

	authenticated bool
	username      string
	permissions   []auth.Permission
}

func (c *Client) remoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// enqueue queues data without blocking; false means the buffer is full
// or the client is gone.
func (c *Client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) reply(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("Failed to marshal reply", zap.Error(err))
		return
	}
	c.enqueue(data)
}

// close ends every subscription and the send channel. Safe to call twice.
func (c *Client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	close(c.send)
	c.mu.Unlock()

	for device, ch := range subs {
		c.hub.samples.Unsubscribe(device, ch)
	}
}

// readPump handles reading messages from the WebSocket connection
func (c *Client) readPump() {
	defer func() {
		c.hub.leave(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)

	if c.authenticated {
		if !c.hub.join(c) {
			return
		}
	} else {
		c.conn.SetReadDeadline(time.Now().Add(authWait))
	}

	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error",
					zap.Error(err),
					zap.String("remote_addr", c.remoteAddr()))
			}
			return
		}

		// First message MUST be authentication
		if !c.authenticated {
			if !c.authenticate(msg) {
				return
			}
			// Register to hub only after auth
			if !c.hub.join(c) {
				return
			}
			continue
		}

		c.handleMessage(msg)
	}
}

func (c *Client) authenticate(msg clientMessage) bool {
	if msg.Type != "auth" {
		c.sendAuthFailed("First message must be authentication")
		return false
	}
	if msg.Token == "" {
		c.sendAuthFailed("Missing token in auth message")
		return false
	}

	claims, permissions, err := c.hub.authService.ValidateToken(msg.Token)
	if err != nil {
		c.logger.Warn("WebSocket authentication failed",
			zap.Error(err),
			zap.String("remote_addr", c.remoteAddr()))
		c.sendAuthFailed("Invalid or expired token")
		return false
	}

	c.authenticated = true
	c.username = claims.Username
	c.permissions = permissions
	c.conn.SetReadDeadline(time.Time{})

	c.reply(Message{Type: "auth_success", Timestamp: time.Now(), Data: map[string]interface{}{
		"username":    claims.Username,
		"permissions": permissions,
	}})
	c.logger.Info("WebSocket client authenticated",
		zap.String("remote_addr", c.remoteAddr()),
		zap.String("username", claims.Username))
	return true
}

func (c *Client) sendAuthFailed(reason string) {
	c.reply(Message{Type: "auth_failed", Timestamp: time.Now(), Data: map[string]string{"reason": reason}})
}

func (c *Client) handleMessage(msg clientMessage) {
	switch msg.Type {
	case "subscribe":
		c.subscribe(msg.Device, msg.Channel)
	case "unsubscribe":
		c.unsubscribe(msg.Device)
	default:
		c.logger.Debug("Ignoring client message",
			zap.String("remote_addr", c.remoteAddr()),
			zap.String("type", msg.Type))
		c.reply(NewMessage(MessageTypeError, map[string]string{"error": "unknown message type " + msg.Type}))
	}
}

// subscribe forwards the device's samples, optionally limited to one
// channel. Samples are dropped while the send buffer is full.
func (c *Client) subscribe(device, channel string) {
	if c.hub.samples == nil || device == "" {
		c.reply(NewMessage(MessageTypeError, map[string]string{"error": "sample subscription unavailable"}))
		return
	}
	if channel != "" {
		canon, err := params.CanonicalPath(channel)
		if err != nil {
			c.reply(NewMessage(MessageTypeError, map[string]string{"error": err.Error()}))
			return
		}
		channel = canon
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.subs == nil {
		c.subs = make(map[string]<-chan contract.Sample)
	}
	if _, ok := c.subs[device]; ok {
		c.mu.Unlock()
		c.reply(NewMessage(MessageTypeSubscribed, map[string]string{"device": device}))
		return
	}
	ch := c.hub.samples.Subscribe(device)
	c.subs[device] = ch
	c.mu.Unlock()

	go func() {
		for sample := range ch {
			if channel != "" && sample.Channel != channel {
				continue
			}
			data, err := json.Marshal(NewSampleMessage(sample))
			if err != nil {
				continue
			}
			c.enqueue(data)
		}
	}()

	c.reply(NewMessage(MessageTypeSubscribed, map[string]string{"device": device, "channel": channel}))
}

func (c *Client) unsubscribe(device string) {
	c.mu.Lock()
	ch, ok := c.subs[device]
	delete(c.subs, device)
	c.mu.Unlock()

	if ok {
		c.hub.samples.Unsubscribe(device, ch)
	}
	c.reply(NewMessage(MessageTypeUnsubscribed, map[string]string{"device": device}))
}

// writePump handles writing messages to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Coalesce queued messages into current websocket message
			n := len(c.send)
			for i := 0; i < n; i++ {
				next, ok := <-c.send
				if !ok {
					break
				}
				w.Write([]byte{'\n'})
				w.Write(next)
			}

			if err := w.Close(); err != nil {
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

// ServeWs handles WebSocket upgrade requests. When authentication is
// enabled the first client message must be {"type":"auth","token":...}.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("WebSocket upgrade error",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr))
		return
	}

	client := &Client{
		hub:           hub,
		conn:          conn,
		send:          make(chan []byte, sendBufferSize),
		logger:        hub.logger,
		authenticated: hub.authService == nil || !hub.authService.Enabled(),
	}

	go client.writePump()
	go client.readPump()
}
