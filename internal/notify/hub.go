package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jmehdipour/campaign-gateway/internal/metrics"
	"go.uber.org/zap"
)

type HubOptions struct {
	ClientBuffer int
	WriteTimeout time.Duration
	PingInterval time.Duration
}

// Hub is the in-process websocket fan-out. Each client has a bounded send
// buffer drained by its own writer goroutine; a full buffer drops the frame
// for that client only.
type Hub struct {
	log      *zap.Logger
	opts     HubOptions
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
	closed  bool
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

var _ Emitter = (*Hub)(nil)

func NewHub(log *zap.Logger, opts HubOptions) *Hub {
	if opts.ClientBuffer <= 0 {
		opts.ClientBuffer = 64
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}

	return &Hub{
		log:  log.Named("hub"),
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}
}

func (h *Hub) Emit(_ context.Context, ev Event) {
	frame, err := json.Marshal(ev)
	if err != nil {
		h.log.Warn("encode frame", zap.String("event", ev.Name), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.send <- frame:
		default:
			metrics.EventsDroppedTotal.WithLabelValues("ws").Inc()
			h.log.Debug("client buffer full, frame dropped", zap.String("client_id", c.id), zap.String("event", ev.Name))
		}
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and blocks until the client goes away.
// Clients only receive; anything they send is discarded.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("upgrade failed", zap.Error(err))
		return
	}

	c := &client{id: uuid.NewString(), conn: conn, send: make(chan []byte, h.opts.ClientBuffer)}
	if !h.add(c) {
		_ = conn.Close()
		return
	}
	h.log.Info("client connected", zap.String("client_id", c.id), zap.String("remote", r.RemoteAddr))

	go h.writePump(c)
	h.readPump(c)

	h.remove(c)
	h.log.Info("client disconnected", zap.String("client_id", c.id))
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c.id] = c
	return true
}

// remove closes the client's send channel exactly once.
func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.send)
	}
}

func (h *Hub) readPump(c *client) {
	pongWait := h.opts.PingInterval * 2
	c.conn.SetReadLimit(1 << 10)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	tick := time.NewTicker(h.opts.PingInterval)
	defer func() {
		tick.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-tick.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, c := range h.clients {
		delete(h.clients, id)
		close(c.send)
	}
}
