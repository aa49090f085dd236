// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lazyaf/lazyaf/internal/eventbus"
)

const (
	// WebSocket limits
	maxMessageSize = 4096
	maxTopics      = 50
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	writeWait      = 10 * time.Second
	maxClients     = 1000
)

// newUpgrader creates a WebSocket upgrader that respects the configured allowed
// origins. When allowedOrigins is empty the upgrader accepts any origin
// (localhost development mode). When set, only those origins are permitted.
func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}

	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			_, ok := allowed[origin]
			return ok
		},
	}
}

// wsClient represents a single connected WebSocket client and the topic
// subscriptions it holds on the event bus.
type wsClient struct {
	conn *websocket.Conn
	bus  *eventbus.Bus
	send chan []byte

	mu   sync.Mutex
	subs map[eventbus.Topic]*eventbus.Subscription
	done chan struct{}
}

// ClientRegistry tracks connected WebSocket clients so the server can
// enforce the connection cap and close everything on shutdown.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

// NewClientRegistry creates a new client registry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		clients: make(map[*wsClient]struct{}),
	}
}

func (r *ClientRegistry) add(c *wsClient) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.clients) >= maxClients {
		return false
	}
	r.clients[c] = struct{}{}
	return true
}

func (r *ClientRegistry) remove(c *wsClient) {
	r.mu.Lock()
	delete(r.clients, c)
	r.mu.Unlock()
}

// Close disconnects every client.
func (r *ClientRegistry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.clients {
		c.conn.Close()
		delete(r.clients, c)
	}
}

// wsMessage is the envelope for client → server WebSocket messages.
type wsMessage struct {
	Type     string `json:"type"`  // "subscribe" or "unsubscribe"
	Topic    string `json:"topic"` // e.g. "run:abc123"
	SinceSeq uint64 `json:"since_seq,omitempty"`
}

// wsOutMessage is the envelope for server → client WebSocket messages.
type wsOutMessage struct {
	Type    string          `json:"type"` // "event", "subscribed", "closed", or "error"
	Topic   string          `json:"topic,omitempty"`
	Event   *eventbus.Event `json:"event,omitempty"`
	Message string          `json:"message,omitempty"`
}

// HandleWebSocket upgrades an HTTP connection and streams event bus
// topics to the client. Each subscribe message attaches one topic with
// retained-history replay from since_seq.
func HandleWebSocket(registry *ClientRegistry, bus *eventbus.Bus, allowedOrigins []string) http.HandlerFunc {
	upgrader := newUpgrader(allowedOrigins)

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			getLog().Error().Err(err).Msg("WebSocket upgrade failed")
			return
		}

		client := &wsClient{
			conn: conn,
			bus:  bus,
			send: make(chan []byte, 256),
			subs: make(map[eventbus.Topic]*eventbus.Subscription),
			done: make(chan struct{}),
		}
		if !registry.add(client) {
			getLog().Warn().Msg("WebSocket connection limit reached")
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many connections"))
			conn.Close()
			return
		}
		getLog().Info().Str("remote", r.RemoteAddr).Msg("WebSocket client connected")

		go client.writePump()
		client.readPump(registry)
	}
}

func (c *wsClient) readPump(registry *ClientRegistry) {
	defer func() {
		registry.remove(c)
		c.teardown() // closing done stops the relays and the writePump
		c.conn.Close()
		getLog().Info().Msg("WebSocket client disconnected")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				getLog().Error().Err(err).Msg("WebSocket read error")
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			getLog().Warn().Err(err).Msg("Invalid WebSocket message")
			c.sendControl(wsOutMessage{Type: "error", Message: "invalid message"})
			continue
		}

		switch msg.Type {
		case "subscribe":
			c.subscribe(msg)
		case "unsubscribe":
			c.unsubscribe(msg)
		default:
			c.sendControl(wsOutMessage{Type: "error", Topic: msg.Topic, Message: "unknown message type"})
		}
	}
}

func (c *wsClient) subscribe(msg wsMessage) {
	topic, err := eventbus.ParseTopic(msg.Topic)
	if err != nil {
		c.sendControl(wsOutMessage{Type: "error", Topic: msg.Topic, Message: err.Error()})
		return
	}

	c.mu.Lock()
	if _, dup := c.subs[topic]; dup {
		c.mu.Unlock()
		return
	}
	if len(c.subs) >= maxTopics {
		c.mu.Unlock()
		c.sendControl(wsOutMessage{Type: "error", Topic: msg.Topic, Message: "too many subscriptions"})
		return
	}
	sub := c.bus.Subscribe(topic, msg.SinceSeq)
	c.subs[topic] = sub
	c.mu.Unlock()

	c.sendControl(wsOutMessage{Type: "subscribed", Topic: topic.String()})
	go c.relay(topic, sub)
	getLog().Debug().Str("topic", topic.String()).Uint64("since_seq", msg.SinceSeq).Msg("WebSocket client subscribed")
}

func (c *wsClient) unsubscribe(msg wsMessage) {
	topic, err := eventbus.ParseTopic(msg.Topic)
	if err != nil {
		c.sendControl(wsOutMessage{Type: "error", Topic: msg.Topic, Message: err.Error()})
		return
	}

	c.mu.Lock()
	sub, ok := c.subs[topic]
	if ok {
		delete(c.subs, topic)
	}
	c.mu.Unlock()
	if ok {
		c.bus.Unsubscribe(sub)
		getLog().Debug().Str("topic", topic.String()).Msg("WebSocket client unsubscribed")
	}
}

// relay pumps one subscription's events into the shared send channel.
// A subscription the bus closes (slow state consumer) surfaces to the
// client as a closed notice so it can resubscribe with since_seq.
func (c *wsClient) relay(topic eventbus.Topic, sub *eventbus.Subscription) {
	for {
		select {
		case e, ok := <-sub.Events():
			if !ok {
				c.mu.Lock()
				if c.subs[topic] == sub {
					delete(c.subs, topic)
				}
				c.mu.Unlock()
				c.sendControl(wsOutMessage{Type: "closed", Topic: topic.String()})
				return
			}
			data, err := json.Marshal(wsOutMessage{Type: "event", Topic: topic.String(), Event: &e})
			if err != nil {
				getLog().Error().Err(err).Msg("Failed to marshal event for WebSocket client")
				continue
			}
			select {
			case c.send <- data:
			case <-c.done:
				return
			}
		case <-c.done:
			return
		}
	}
}

// sendControl queues a control message, dropping it if the client is
// congested or gone.
func (c *wsClient) sendControl(msg wsOutMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
	}
}

// teardown detaches every bus subscription and stops the relays.
func (c *wsClient) teardown() {
	close(c.done)
	c.mu.Lock()
	subs := make([]*eventbus.Subscription, 0, len(c.subs))
	for topic, sub := range c.subs {
		subs = append(subs, sub)
		delete(c.subs, topic)
	}
	c.mu.Unlock()
	for _, sub := range subs {
		c.bus.Unsubscribe(sub)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				getLog().Error().Err(err).Msg("WebSocket write error")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
