package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/grimmolf/traderterminal/internal/bus"
	"github.com/grimmolf/traderterminal/pkg/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The API binds to loopback; browsers on the same host are fine.
		return true
	},
}

// controlMessage is what a stream client sends to manage its topic filter.
// An empty filter receives every topic.
type controlMessage struct {
	Action string   `json:"action"` // subscribe | unsubscribe | replace
	Topics []string `json:"topics"`
}

// wsClient pairs one websocket connection with one bus subscription. The
// write pump owns the connection for writes; the read pump only consumes
// control messages.
type wsClient struct {
	conn   *websocket.Conn
	bus    *bus.Bus
	sub    *bus.Subscription
	direct chan types.Event // acks and errors, bypassing the bus
	logger *slog.Logger
}

// handleStream upgrades the connection and starts the pumps. Clients start
// subscribed to everything; the first control message narrows the filter.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	b := s.engine.Bus()
	c := &wsClient{
		conn:   conn,
		bus:    b,
		sub:    b.Subscribe(),
		direct: make(chan types.Event, 16),
		logger: s.logger,
	}
	if topics := r.URL.Query()["topic"]; len(topics) > 0 {
		c.sub.SetTopics(topics)
	}

	go c.writePump()
	go c.readPump()
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.sub.C():
			if !ok {
				// Bus dropped the subscription (or the read pump tore it
				// down). A lagged client learns why in the close frame.
				msg := []byte{}
				if c.sub.Lagged() {
					msg = websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "subscriber_lagged")
				}
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage, msg)
				return
			}
			if !c.writeEvent(ev) {
				return
			}

		case ev := <-c.direct:
			if !c.writeEvent(ev) {
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

func (c *wsClient) writeEvent(ev types.Event) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		c.logger.Error("marshal stream event", "error", err)
		return true
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data) == nil
}

// readPump consumes control messages until the peer goes away, then tears
// down the subscription, which in turn stops the write pump.
func (c *wsClient) readPump() {
	defer func() {
		c.bus.Unsubscribe(c.sub)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket closed", "error", err)
			}
			return
		}

		var msg controlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.ack("error", map[string]string{"message": "invalid control message"})
			continue
		}

		switch msg.Action {
		case "subscribe":
			c.sub.AddTopics(msg.Topics)
		case "unsubscribe":
			c.sub.RemoveTopics(msg.Topics)
		case "replace":
			c.sub.SetTopics(msg.Topics)
		default:
			c.ack("error", map[string]string{"message": "action must be subscribe/unsubscribe/replace"})
			continue
		}
		c.ack("subscription_ack", map[string]any{"action": msg.Action, "topics": msg.Topics})
	}
}

func (c *wsClient) ack(eventType string, data any) {
	ev := types.Event{
		Type:      eventType,
		Topic:     bus.TopicSystem,
		Data:      data,
		Timestamp: time.Now(),
	}
	select {
	case c.direct <- ev:
	default:
	}
}
