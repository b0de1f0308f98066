package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ctfexchange/clob-engine/pkg/broadcaster"
	"github.com/ctfexchange/clob-engine/pkg/clobtypes"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// CORS is enforced by the outer handler.
		return true
	},
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

// wsClient is one WebSocket connection bridged into the broadcaster: each
// subscribed channel becomes a broadcaster subscription whose callback
// drops the encoded event into the send queue. A full queue skips the
// event rather than blocking the broadcaster (slow consumers are cleaned
// up by the liveness sweep once their reads stop producing heartbeats);
// a closed connection reports DeliveryEvict so the broadcaster removes the
// subscription immediately.
type wsClient struct {
	log  *zap.Logger
	conn *websocket.Conn
	send chan []byte
	done chan struct{} // closed when the read pump exits

	mu   sync.Mutex
	subs map[string]broadcaster.SubscriptionID // channel -> handle
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	client := &wsClient{
		log:  s.log.With(zap.String("remote", conn.RemoteAddr().String())),
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
		subs: make(map[string]broadcaster.SubscriptionID),
	}
	go client.writePump()
	go client.readPump(s)
}

// callback builds the broadcaster callback for this connection: encode the
// envelope, enqueue, drop on overflow. Once the connection's read pump has
// exited the callback reports DeliveryEvict, letting the broadcaster drop
// the subscription without waiting for the liveness sweep.
func (c *wsClient) callback() broadcaster.Callback {
	return func(ev broadcaster.Event) broadcaster.DeliveryResult {
		select {
		case <-c.done:
			return broadcaster.DeliveryEvict
		default:
		}
		data, err := json.Marshal(ev)
		if err != nil {
			c.log.Error("event marshal failed", zap.Error(err))
			return broadcaster.DeliveryOK
		}
		select {
		case c.send <- data:
		default:
		}
		return broadcaster.DeliveryOK
	}
}

// subscribe maps one channel string onto the matching broadcaster
// namespace. Unknown or malformed channels are ignored with a log line.
func (c *wsClient) subscribe(s *Server, channel string) {
	c.mu.Lock()
	_, exists := c.subs[channel]
	c.mu.Unlock()
	if exists {
		return
	}

	kind, parts := parseChannel(channel)
	var id broadcaster.SubscriptionID
	switch kind {
	case "orderbook":
		if len(parts) != 2 {
			c.log.Warn("malformed orderbook channel", zap.String("channel", channel))
			return
		}
		marketID, err := parseHex32("marketId", parts[0])
		if err != nil {
			c.log.Warn("malformed orderbook channel", zap.String("channel", channel))
			return
		}
		tokenID, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			c.log.Warn("malformed orderbook channel", zap.String("channel", channel))
			return
		}
		id = s.engine.Broadcaster().SubscribeOrderbook(marketID, tokenID, c.callback())
	case "balance":
		if len(parts) != 1 || !common.IsHexAddress(parts[0]) {
			c.log.Warn("malformed balance channel", zap.String("channel", channel))
			return
		}
		user := clobtypes.NormalizeAddress(common.HexToAddress(parts[0]))
		id = s.engine.Broadcaster().SubscribeBalance(user, c.callback())
	case "settlement":
		id = s.engine.Broadcaster().SubscribeSettlement(c.callback())
	case "debate":
		if len(parts) != 1 {
			c.log.Warn("malformed debate channel", zap.String("channel", channel))
			return
		}
		id = s.engine.DebateBroadcaster().Subscribe(parts[0], c.callback())
	default:
		c.log.Warn("unknown channel kind", zap.String("channel", channel))
		return
	}

	c.mu.Lock()
	c.subs[channel] = id
	c.mu.Unlock()
}

func (c *wsClient) unsubscribe(s *Server, channel string) {
	c.mu.Lock()
	id, ok := c.subs[channel]
	if ok {
		delete(c.subs, channel)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	kind, parts := parseChannel(channel)
	if kind == "debate" && len(parts) == 1 {
		s.engine.DebateBroadcaster().Unsubscribe(parts[0], id)
		return
	}
	s.engine.Broadcaster().Unsubscribe(id)
}

// heartbeat refreshes every subscription this connection holds.
func (c *wsClient) heartbeat(s *Server) {
	c.mu.Lock()
	ids := make([]broadcaster.SubscriptionID, 0, len(c.subs))
	for _, id := range c.subs {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		s.engine.Broadcaster().Heartbeat(id)
	}
}

func (c *wsClient) closeAll(s *Server) {
	c.mu.Lock()
	channels := make([]string, 0, len(c.subs))
	for ch := range c.subs {
		channels = append(channels, ch)
	}
	c.mu.Unlock()
	for _, ch := range channels {
		c.unsubscribe(s, ch)
	}
}

func (c *wsClient) readPump(s *Server) {
	defer func() {
		close(c.done)
		c.closeAll(s)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		// Protocol-level pongs count as liveness too.
		c.heartbeat(s)
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("ws read error", zap.Error(err))
			}
			return
		}

		var req WSRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.log.Warn("invalid ws message", zap.Error(err))
			continue
		}
		switch req.Op {
		case "subscribe":
			for _, ch := range req.Channels {
				c.subscribe(s, ch)
			}
			c.heartbeat(s)
		case "unsubscribe":
			for _, ch := range req.Channels {
				c.unsubscribe(s, ch)
			}
		case "heartbeat":
			c.heartbeat(s)
		default:
			c.log.Warn("unknown ws op", zap.String("op", req.Op))
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
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
