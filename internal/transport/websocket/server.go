package websocket

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub fans notifications out to the websocket connections of an operator.
// An operator may hold several connections at once.
type Hub struct {
	connections map[string]map[*Connection]bool

	register   chan *Connection
	unregister chan *Connection

	broadcast chan *Message
	publish   chan *Message

	// closed when Run returns; register and unregister stop blocking
	done chan struct{}

	log logrus.FieldLogger
	mu  sync.RWMutex
}

type Connection struct {
	ws         *websocket.Conn
	subscriber string
	send       chan *Message
	hub        *Hub

	// channels this connection watches on top of its own subscriber
	// stream; guarded by hub.mu
	watching map[string]bool
}

// Inbound control frames.
const (
	TypeWatch   = "watch"
	TypeUnwatch = "unwatch"
)

type controlMessage struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

type Message struct {
	Subscriber string `json:"subscriber,omitempty"`
	Type       string `json:"type"`
	Channel    string `json:"channel,omitempty"`
	Data       any    `json:"data"`
}

func NewHub() *Hub {
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	return &Hub{
		connections: make(map[string]map[*Connection]bool),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		broadcast:   make(chan *Message, 256),
		publish:     make(chan *Message, 256),
		done:        make(chan struct{}),
		log:         discard,
	}
}

func (h *Hub) SetLogger(l logrus.FieldLogger) {
	if l != nil {
		h.log = l
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)

			// Closing the sockets makes the pumps fail and exit.
			h.mu.RLock()
			var conns []*Connection
			for _, m := range h.connections {
				for c := range m {
					conns = append(conns, c)
				}
			}
			h.mu.RUnlock()

			for _, c := range conns {
				_ = c.ws.Close()
			}
			return

		case conn := <-h.register:
			h.mu.Lock()
			if h.connections[conn.subscriber] == nil {
				h.connections[conn.subscriber] = make(map[*Connection]bool)
			}
			h.connections[conn.subscriber][conn] = true
			h.mu.Unlock()

		case conn := <-h.unregister:
			h.mu.Lock()
			h.remove(conn)
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.connections[message.Subscriber] {
				select {
				case conn.send <- message:
				default:
					h.remove(conn)
				}
			}
			h.mu.Unlock()

		case message := <-h.publish:
			h.mu.Lock()
			for subscriber, conns := range h.connections {
				if subscriber == message.Subscriber {
					continue
				}
				for conn := range conns {
					if !conn.watching[message.Channel] {
						continue
					}
					select {
					case conn.send <- message:
					default:
						h.remove(conn)
					}
				}
			}
			h.mu.Unlock()
		}
	}
}

// remove must be called with mu held.
func (h *Hub) remove(conn *Connection) {
	connections, ok := h.connections[conn.subscriber]
	if !ok {
		return
	}
	if _, exists := connections[conn]; !exists {
		return
	}
	delete(connections, conn)
	close(conn.send)
	if len(connections) == 0 {
		delete(h.connections, conn.subscriber)
	}
}

// Connected reports how many live connections a subscriber has.
func (h *Hub) Connected(subscriber string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections[subscriber])
}

// Broadcast queues a message for every connection of subscriber. It never
// blocks; when the queue is full the message is dropped.
func (h *Hub) Broadcast(subscriber string, message *Message) {
	message.Subscriber = subscriber
	select {
	case h.broadcast <- message:
	default:
		h.log.WithField("subscriber", subscriber).Warn("hub broadcast queue is full, dropping message")
	}
}

// Publish queues a message for every connection watching message.Channel,
// except the connections of origin, which Broadcast already reaches.
func (h *Hub) Publish(origin string, message *Message) {
	if message.Channel == "" {
		return
	}
	message.Subscriber = origin
	select {
	case h.publish <- message:
	default:
		h.log.WithField("channel", message.Channel).Warn("hub publish queue is full, dropping message")
	}
}

// Watchers reports how many connections currently watch channel.
func (h *Hub) Watchers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, conns := range h.connections {
		for conn := range conns {
			if conn.watching[channel] {
				n++
			}
		}
	}
	return n
}

func (c *Connection) control(raw []byte) {
	var msg controlMessage
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Channel == "" {
		c.hub.log.WithField("subscriber", c.subscriber).Debug("ignoring malformed websocket frame")
		return
	}

	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	switch msg.Type {
	case TypeWatch:
		c.watching[msg.Channel] = true
	case TypeUnwatch:
		delete(c.watching, msg.Channel)
	}
}

func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, subscriber string) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	conn := &Connection{
		ws:         ws,
		subscriber: subscriber,
		send:       make(chan *Message, 256),
		hub:        h,
		watching:   make(map[string]bool),
	}

	select {
	case h.register <- conn:
	case <-h.done:
		_ = ws.Close()
		return
	}

	go conn.writePump()
	go conn.readPump()
}

const (
	writeWait = 10 * time.Second

	pongWait = 60 * time.Second

	pingPeriod = (pongWait * 9) / 10
)

func (c *Connection) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.ws.Close()
	}()

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		kind, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.WithError(err).WithField("subscriber", c.subscriber).Warn("websocket read failed")
			}
			return
		}
		if kind == websocket.TextMessage {
			c.control(raw)
		}
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.ws.WriteJSON(message); err != nil {
				c.hub.log.WithError(err).WithField("subscriber", c.subscriber).Warn("websocket write failed")
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
