package chat

import (
	"context"
	"encoding/json"

	"go-assoc-chat/internal/logger"
	"go-assoc-chat/internal/metrics"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventsChannel is the Redis pub/sub channel every instance listens on.
const EventsChannel = "assoc-chat:events"

type Hub struct {
	clients    map[string]map[*Client]bool // userID -> connections
	broadcast  chan Event                  // From Redis (or local publish) -> Clients
	Register   chan *Client                // New client joins
	Unregister chan *Client                // Client leaves
	redis      *redis.Client
	done       chan struct{}
}

// NewHub returns a hub. A nil redis client keeps fan-out local to this
// instance.
func NewHub(redisClient *redis.Client) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		broadcast:  make(chan Event, 256),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		redis:      redisClient,
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for _, conns := range h.clients {
				for c := range conns {
					close(c.Send)
				}
			}
			h.clients = map[string]map[*Client]bool{}
			return

		case client := <-h.Register:
			conns := h.clients[client.UserID]
			if conns == nil {
				conns = make(map[*Client]bool)
				h.clients[client.UserID] = conns
			}
			conns[client] = true
			metrics.WSClients.WithLabelValues("chat").Inc()

		case client := <-h.Unregister:
			h.drop(client)

		case ev := <-h.broadcast:
			h.deliver(ev)
		}
	}
}

// join and leave never block once Run has returned.
func (h *Hub) join(c *Client) bool {
	select {
	case h.Register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.Unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) drop(client *Client) {
	conns := h.clients[client.UserID]
	if _, ok := conns[client]; !ok {
		return
	}
	delete(conns, client)
	if len(conns) == 0 {
		delete(h.clients, client.UserID)
	}
	close(client.Send)
	metrics.WSClients.WithLabelValues("chat").Dec()
}

func (h *Hub) deliver(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		logger.Log.Error("hub_encode_failed", zap.String("op", string(ev.Op)), zap.Error(err))
		return
	}
	for _, userID := range ev.Recipients {
		for client := range h.clients[userID] {
			select {
			case client.Send <- payload:
			default:
				// Slow consumer; drop it rather than block the hub.
				h.drop(client)
			}
		}
	}
}

// Publish fans ev out. With Redis every instance (this one included)
// receives it through SubscribeToRedis; without Redis it goes straight to
// the local clients.
func (h *Hub) Publish(ctx context.Context, ev Event) {
	if h.redis == nil {
		select {
		case h.broadcast <- ev:
		case <-ctx.Done():
		case <-h.done:
		}
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		logger.Log.Error("hub_encode_failed", zap.String("op", string(ev.Op)), zap.Error(err))
		return
	}
	if err := h.redis.Publish(ctx, EventsChannel, payload).Err(); err != nil {
		logger.Log.Warn("redis_publish_failed", zap.String("op", string(ev.Op)), zap.Error(err))
	}
}

// SubscribeToRedis listens for events from every instance until ctx ends.
func (h *Hub) SubscribeToRedis(ctx context.Context) error {
	if h.redis == nil {
		<-ctx.Done()
		return nil
	}
	pubsub := h.redis.Subscribe(ctx, EventsChannel)
	defer pubsub.Close()
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				logger.Log.Warn("redis_event_malformed", zap.Error(err))
				continue
			}
			select {
			case h.broadcast <- ev:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
