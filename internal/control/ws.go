package control

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"gridbot/internal/fanout"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
	wsSendBuffer = 256
)

// wsClient adapts one WebSocket connection to fanout.Sink. Outbound frames
// are queued on a buffered channel; a slow reader drops frames rather than
// blocking the broadcasting goroutine, matching §5's "Fan-out workers ...
// must tolerate brief inconsistency" tolerance for lag over backpressure.
type wsClient struct {
	id   string
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
	send   chan fanout.Message
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan fanout.Message, wsSendBuffer),
	}
}

// Send implements fanout.Sink. Non-blocking: a full queue means a slow
// client, and the frame is dropped rather than stalling the broadcast.
func (c *wsClient) Send(msg fanout.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// inboundFrame is a client subscription request, per §6: "{bot_id: int,
// type: string}".
type inboundFrame struct {
	BotID int64  `json:"bot_id"`
	Type  string `json:"type"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case s.connSemaphore <- struct{}{}:
		wsActiveConnections.Inc()
		defer func() {
			<-s.connSemaphore
			wsActiveConnections.Dec()
		}()
	default:
		wsRejectedTotal.WithLabelValues("connection_limit").Inc()
		http.Error(w, "server busy", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err.Error())
		return
	}

	client := newWSClient(conn)
	s.fanout.RegisterSink(client)
	s.logger.Info("client connected", "client_id", client.id, "remote_addr", r.RemoteAddr)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.writePump(client) }()
	go func() { defer wg.Done(); s.readPump(client) }()
	wg.Wait()

	s.fanout.UnregisterSink(client)
	conn.Close()
	s.logger.Info("client disconnected", "client_id", client.id)
}

func (s *Server) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				s.logger.Warn("websocket write failed", "client_id", c.id, "error", err.Error())
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads subscription frames and drives pong-based keepalive. The
// client never sends anything else; a malformed frame is logged and
// skipped rather than closing the connection.
func (s *Server) readPump(c *wsClient) {
	defer c.close()

	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("websocket read failed", "client_id", c.id, "error", err.Error())
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.logger.Warn("malformed subscription frame", "client_id", c.id, "error", err.Error())
			continue
		}
		if err := s.fanout.Subscribe(c, frame.BotID, fanout.Channel(frame.Type)); err != nil {
			s.logger.Warn("subscribe failed", "client_id", c.id, "error", err.Error())
		}
	}
}
