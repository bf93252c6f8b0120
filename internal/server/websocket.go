package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/loomworks/loom/pkg/api"
	"github.com/loomworks/loom/pkg/log"
)

// Client represents a WebSocket client connection relaying realtime
// channel messages
type Client struct {
	server *Server
	conn   *websocket.Conn
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

const (
	writeWait          = 10 * time.Second
	pongWait           = 60 * time.Second
	pingPeriod         = (pongWait * 9) / 10
	maxMessageSize     = 512
	wsBufferSize       = 1024
	incomingBufferSize = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  wsBufferSize,
	WriteBufferSize: wsBufferSize,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", log.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		server: s,
		conn:   conn,
		pubsub: s.redis.Subscribe(ctx),
		cancel: cancel,
	}
	s.registerWebSocket(client)

	go client.run(ctx)
}

// Close tears the connection down; the run loop exits on the closed
// read channel
func (c *Client) Close() {
	c.cancel()
	_ = c.conn.Close()
}

func (c *Client) run(ctx context.Context) {
	defer func() {
		c.server.unregisterWebSocket(c)
		_ = c.pubsub.Close()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	incoming := make(chan []byte, incomingBufferSize)
	go c.readMessages(incoming)

	for {
		select {
		case <-ctx.Done():
			return

		case message, ok := <-incoming:
			if !ok {
				return
			}
			c.handleSubscribe(ctx, message)

		case msg, ok := <-c.pubsub.Channel():
			if !ok {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if !c.relay(msg) {
				return
			}

		case <-ticker.C:
			if !c.sendPing() {
				return
			}
		}
	}
}

func (c *Client) readMessages(incoming chan []byte) {
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			close(incoming)
			return
		}
		incoming <- message
	}
}

func (c *Client) handleSubscribe(ctx context.Context, message []byte) {
	var sub api.SubscribeRequest
	if err := json.Unmarshal(message, &sub); err != nil {
		c.server.logger.Error("Failed to parse WebSocket message",
			log.Error(err))
		return
	}

	if sub.Type != "subscribe" || sub.Data.OrgID == "" {
		return
	}

	channel := api.OrgChannel(sub.Data.OrgID)
	if sub.Data.ExecutionID != "" {
		channel = api.ExecutionChannel(sub.Data.OrgID, sub.Data.ExecutionID)
	}

	if err := c.pubsub.Subscribe(ctx, channel); err != nil {
		c.server.logger.Error("Channel subscription failed",
			log.Error(err))
		return
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(api.SubscribedResult{
		Type:    "subscribed",
		Channel: channel,
	}); err != nil {
		c.server.logger.Error("WebSocket write failed",
			log.Error(err))
	}
}

// relay forwards one pub/sub payload verbatim; publishers already wrote
// the wire envelope
func (c *Client) relay(msg *redis.Message) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(
		websocket.TextMessage, []byte(msg.Payload),
	); err != nil {
		c.server.logger.Error("WebSocket write failed", log.Error(err))
		return false
	}
	return true
}

func (c *Client) sendPing() bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := c.conn.WriteMessage(websocket.PingMessage, nil)
	return err == nil
}
