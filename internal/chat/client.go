package chat

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go-assoc-chat/internal/logger"
	"go-assoc-chat/internal/metrics"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 64 * 1024           // Maximum frame size allowed from peer.
)

// Frame is what a connected member may send over the event stream.
type Frame struct {
	Op             string `json:"op"` // "send" | "read" | "react" | "reply"
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id,omitempty"`
	Emoji          string `json:"emoji,omitempty"`
	Draft          Draft  `json:"draft"`
}

var ErrRateLimited = errors.New("rate limit exceeded")

// SendLimiter caps how often one user may send. The REST send route and the
// event stream share it.
type SendLimiter interface {
	Allow(key string) bool
}

// FrameHandler executes an inbound frame on behalf of userID.
type FrameHandler interface {
	HandleFrame(ctx context.Context, userID string, f Frame) error
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	Hub      *Hub
	Conn     *websocket.Conn
	Send     chan []byte
	UserID   string
	Username string
	frames   FrameHandler
	limiter  SendLimiter
	replies  chan []byte // frames for this connection only; never closed
}

func newClient(hub *Hub, conn *websocket.Conn, userID, username string, frames FrameHandler, limiter SendLimiter) *Client {
	return &Client{
		Hub:      hub,
		Conn:     conn,
		Send:     make(chan []byte, 256),
		UserID:   userID,
		Username: username,
		frames:   frames,
		limiter:  limiter,
		replies:  make(chan []byte, 16),
	}
}

// ReadPump pumps frames from the websocket connection to the frame handler.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.Hub.leave(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Log.Warn("ws_read_failed", zap.String("user_id", c.UserID), zap.Error(err))
			}
			return
		}
		c.handleFrame(ctx, raw)
	}
}

func (c *Client) handleFrame(ctx context.Context, raw []byte) {
	if c.frames == nil {
		return
	}
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		c.reply(map[string]string{"error": "malformed frame"})
		return
	}
	if f.Op == "send" && c.limiter != nil && !c.limiter.Allow(c.UserID) {
		metrics.RateLimited.WithLabelValues("ws_send").Inc()
		c.reply(map[string]string{"op": f.Op, "error": ErrRateLimited.Error()})
		return
	}
	if err := c.frames.HandleFrame(ctx, c.UserID, f); err != nil {
		c.reply(map[string]string{"op": f.Op, "error": err.Error()})
	}
}

// reply queues a frame for this connection only, dropping it if the
// buffer is full.
func (c *Client) reply(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.replies <- payload:
	default:
	}
}

// WritePump pumps events from the hub to the websocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The Hub closed the channel.
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Flush queued events in the same frame, newline separated.
			n := len(c.Send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.Send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case message := <-c.replies:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
