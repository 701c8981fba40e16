// Package websocket pushes live dashboard updates to browsers. Clients
// subscribe to topics such as "feed:patient:12" and receive every event
// broadcast to those topics.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Event is one push message.
type Event struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	Subject   string          `json:"subject,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ClientMessage is an inbound subscribe/unsubscribe request.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// SubscriptionListener is told when a topic gains its first subscriber and
// when it loses its last one. Callbacks run outside the hub lock.
type SubscriptionListener interface {
	TopicOpened(topic string)
	TopicClosed(topic string)
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type Client struct {
	ID     string
	Topics []string
	Send   chan []byte
	hub    *Hub
	conn   Conn
	// allow filters requested topics; nil allows everything
	allow func(topic string) bool
}

func (c *Client) subscribed(topic string) bool {
	for _, t := range c.Topics {
		if t == topic {
			return true
		}
	}
	return false
}

// Hub tracks clients and their topic subscriptions. It is safe for
// concurrent use.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]map[*Client]struct{} // topic -> set of clients
	all      map[*Client]struct{}
	listener SubscriptionListener
	logger   zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger.With().Str("component", "websocket").Logger(),
	}
}

// SetListener installs the subscription listener. Call it before clients
// connect.
func (h *Hub) SetListener(l SubscriptionListener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listener = l
}

// Register adds a client and subscribes it to its initial topics.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	h.all[client] = struct{}{}
	initial := client.Topics
	client.Topics = nil
	opened := h.addLocked(client, initial)
	listener := h.listener
	h.mu.Unlock()

	notify(listener, opened, nil)
}

// Unregister removes a client from every topic and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	if _, ok := h.all[client]; !ok {
		h.mu.Unlock()
		return
	}
	closed := h.removeLocked(client, client.Topics)
	delete(h.all, client)
	close(client.Send)
	listener := h.listener
	h.mu.Unlock()

	notify(listener, nil, closed)
}

// Subscribe adds topics to a registered client. Topics the client is not
// allowed to see, or already has, are ignored.
func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	opened := h.addLocked(client, topics)
	listener := h.listener
	h.mu.Unlock()

	notify(listener, opened, nil)
}

// Unsubscribe removes topics from a registered client.
func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	closed := h.removeLocked(client, topics)
	listener := h.listener
	h.mu.Unlock()

	notify(listener, nil, closed)
}

func (h *Hub) addLocked(client *Client, topics []string) (opened []string) {
	for _, topic := range topics {
		if topic == "" || client.subscribed(topic) {
			continue
		}
		if client.allow != nil && !client.allow(topic) {
			h.logger.Warn().Str("client_id", client.ID).Str("topic", topic).Msg("subscription denied")
			continue
		}
		if h.clients[topic] == nil {
			h.clients[topic] = make(map[*Client]struct{})
			opened = append(opened, topic)
		}
		h.clients[topic][client] = struct{}{}
		client.Topics = append(client.Topics, topic)
	}
	return opened
}

func (h *Hub) removeLocked(client *Client, topics []string) (closed []string) {
	removeSet := make(map[string]struct{}, len(topics))
	for _, topic := range topics {
		removeSet[topic] = struct{}{}
		subscribers, ok := h.clients[topic]
		if !ok {
			continue
		}
		if _, member := subscribers[client]; !member {
			continue
		}
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.clients, topic)
			closed = append(closed, topic)
		}
	}

	remaining := make([]string, 0, len(client.Topics))
	for _, t := range client.Topics {
		if _, rm := removeSet[t]; !rm {
			remaining = append(remaining, t)
		}
	}
	client.Topics = remaining
	return closed
}

func notify(l SubscriptionListener, opened, closed []string) {
	if l == nil {
		return
	}
	for _, t := range opened {
		l.TopicOpened(t)
	}
	for _, t := range closed {
		l.TopicClosed(t)
	}
}

func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	}
}

// Broadcast sends an event to every subscriber of topic. A client whose
// buffer is full misses the event.
func (h *Hub) Broadcast(topic string, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("topic", topic).Msg("failed to marshal event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[topic] {
		select {
		case client.Send <- data:
		default:
			h.logger.Warn().Str("client_id", client.ID).Str("topic", topic).Msg("client buffer full, dropping event")
		}
	}
}

func (h *Hub) Publish(_ context.Context, event Event) error {
	h.Broadcast(event.Topic, event)
	return nil
}

// OpenTopics returns the topics that currently have subscribers.
func (h *Hub) OpenTopics() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.clients))
	for t := range h.clients {
		out = append(out, t)
	}
	return out
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// ---------------------------------------------------------------------------
// WebSocketHandler
// ---------------------------------------------------------------------------

// Access decides which topics a connection gets. Default topics are
// subscribed on connect. Allow is called once per connection and returns
// the filter applied to every later subscribe request; the echo.Context must
// not be retained because echo reuses it once HandleConnect returns.
type Access struct {
	Default func(c echo.Context) []string
	Allow   func(c echo.Context) func(topic string) bool
}

type WebSocketHandler struct {
	hub      *Hub
	access   Access
	upgrader gorillawebsocket.Upgrader
}

// NewWebSocketHandler binds a handler to hub. allowedOrigins empty accepts
// any origin.
func NewWebSocketHandler(hub *Hub, access Access, allowedOrigins []string) *WebSocketHandler {
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}
	return &WebSocketHandler{
		hub:    hub,
		access: access,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(origins) == 0 || origins["*"] {
					return true
				}
				return origins[r.Header.Get("Origin")]
			},
		},
	}
}

func (wsh *WebSocketHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", wsh.HandleConnect)
}

// HandleConnect upgrades the connection, registers the client with its
// default topics and starts the read and write pumps.
func (wsh *WebSocketHandler) HandleConnect(c echo.Context) error {
	var topics []string
	if wsh.access.Default != nil {
		topics = wsh.access.Default(c)
	}
	var allow func(string) bool
	if wsh.access.Allow != nil {
		allow = wsh.access.Allow(c)
	}

	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &Client{
		ID:     uuid.New().String(),
		Topics: topics,
		Send:   make(chan []byte, 256),
		hub:    wsh.hub,
		conn:   &gorillaConnAdapter{ws},
		allow:  allow,
	}

	wsh.hub.Register(client)

	go wsh.writePump(client)
	go wsh.readPump(client)

	return nil
}

func (wsh *WebSocketHandler) readPump(client *Client) {
	defer func() {
		wsh.hub.Unregister(client)
		client.conn.Close()
	}()

	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		wsh.hub.ProcessMessage(client, msg)
	}
}

func (wsh *WebSocketHandler) writePump(client *Client) {
	defer client.conn.Close()

	for message := range client.Send {
		if err := client.conn.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			break
		}
	}
}

type gorillaConnAdapter struct {
	conn *gorillawebsocket.Conn
}

func (a *gorillaConnAdapter) ReadMessage() (int, []byte, error) {
	return a.conn.ReadMessage()
}

func (a *gorillaConnAdapter) WriteMessage(messageType int, data []byte) error {
	return a.conn.WriteMessage(messageType, data)
}

func (a *gorillaConnAdapter) Close() error {
	return a.conn.Close()
}
