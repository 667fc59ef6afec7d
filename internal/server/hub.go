package server

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kehao95/gh-listener/internal/job"
)

const clientBuffer = 16

// Hub fans dispatched jobs out to tap websocket clients. A client whose send
// buffer is full is disconnected rather than slowing the ingress path.
type Hub struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader

	clients    map[*Client]bool
	broadcast  chan broadcastMessage
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients:    make(map[*Client]bool),
		broadcast:  make(chan broadcastMessage, 16),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run serves the hub until ctx is cancelled, then disconnects all clients.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		for client := range h.clients {
			delete(h.clients, client)
			close(client.send)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			h.clients[client] = true
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
		case message := <-h.broadcast:
			for client := range h.clients {
				if !client.subscribedTo(message.event) {
					continue
				}
				select {
				case client.send <- message.data:
				default:
					h.logger.Warn("tap client too slow, disconnecting", zap.String("remote", client.remote))
					delete(h.clients, client)
					close(client.send)
				}
			}
		}
	}
}

// Publish queues j for delivery to subscribed clients. It never blocks; the
// message is dropped when the hub is backed up or stopped.
func (h *Hub) Publish(_ context.Context, queue string, j job.DispatchJob) {
	payload, truncated, truncations := tapPayload(j.Payload)
	if truncated {
		h.logger.Debug("tap payload truncated",
			zap.String("uuid", j.UUID),
			zap.Int("bytes", len(j.Payload)),
			zap.String("fields", truncationFields(truncations)),
		)
	}

	encoded, err := json.Marshal(job.TapMessage{
		Type:        job.MessageTypeJob,
		Queue:       queue,
		JobType:     j.Type,
		UUID:        j.UUID,
		GithubGUID:  j.GithubGUID,
		GithubEvent: j.GithubEvent,
		Truncated:   truncated,
		Payload:     payload,
	})
	if err != nil {
		h.logger.Warn("tap message encode failed", zap.String("uuid", j.UUID), zap.Error(err))
		return
	}

	select {
	case h.broadcast <- broadcastMessage{event: j.GithubEvent, data: encoded}:
	case <-h.done:
	default:
		h.logger.Warn("tap broadcast dropped", zap.String("event_type", j.GithubEvent), zap.String("uuid", j.UUID))
	}
}

// ServeHTTP upgrades the request to a websocket and streams jobs until the
// client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("tap upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, clientBuffer),
		remote: r.RemoteAddr,
	}
	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}
	h.logger.Info("tap connected", zap.String("remote", client.remote))

	go client.writePump()
	client.readPump()

	h.logger.Info("tap disconnected", zap.String("remote", client.remote))
}

type broadcastMessage struct {
	event string
	data  []byte
}

// Client is one tap websocket connection.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	remote string

	eventsMu sync.RWMutex
	events   []string
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg job.SubscribeMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type != job.MessageTypeSubscribe {
			continue
		}
		c.setEvents(msg.Events)
		c.hub.logger.Info("tap subscribed", zap.String("remote", c.remote), zap.Strings("events", msg.Events))
	}
}

func (c *Client) writePump() {
	defer func() {
		_ = c.conn.Close()
	}()

	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (c *Client) setEvents(events []string) {
	c.eventsMu.Lock()
	defer c.eventsMu.Unlock()
	if len(events) == 0 {
		c.events = nil
		return
	}
	c.events = append([]string(nil), events...)
}

func (c *Client) subscribedTo(event string) bool {
	c.eventsMu.RLock()
	defer c.eventsMu.RUnlock()
	return len(c.events) == 0 || slices.Contains(c.events, event)
}
