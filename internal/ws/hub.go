package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	klog "github.com/Klingon-tech/seafloor/internal/log"
	"github.com/Klingon-tech/seafloor/internal/world"
	"github.com/Klingon-tech/seafloor/pkg/types"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var (
	// ErrUnknownConn is returned by Send for a connection that is gone.
	ErrUnknownConn = errors.New("unknown connection")
	// ErrQueueFull is returned by Send when a connection cannot keep up.
	// The connection is closed.
	ErrQueueFull = errors.New("outbound queue full")

	errClosed = errors.New("connection closed")
)

// Hub tracks open connections and delivers events to them. It implements
// world.Publisher.
type Hub struct {
	mu        sync.RWMutex
	conns     map[string]*client
	queueSize int
}

// NewHub creates a Hub whose connections buffer up to queueSize frames.
func NewHub(queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Hub{
		conns:     make(map[string]*client),
		queueSize: queueSize,
	}
}

// Send enqueues ev for conn without blocking.
func (h *Hub) Send(conn string, ev world.Event) error {
	c := h.get(conn)
	if c == nil {
		return ErrUnknownConn
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s: %w", ev.Type, err)
	}
	return c.enqueue(data)
}

// Close closes conn with a policy-violation close frame carrying reason.
func (h *Hub) Close(conn, reason string) bool {
	c := h.get(conn)
	if c == nil {
		return false
	}
	c.shutdown(websocket.ClosePolicyViolation, reason)
	return true
}

// CloseAll closes every connection.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	list := make([]*client, 0, len(h.conns))
	for _, c := range h.conns {
		list = append(list, c)
	}
	h.mu.RUnlock()
	for _, c := range list {
		c.shutdown(websocket.CloseGoingAway, "server shutting down")
	}
}

// Len returns the number of open connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) get(id string) *client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[id]
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	delete(h.conns, id)
	h.mu.Unlock()
}

// client is one socket. Identity and joined are owned by the read loop.
type client struct {
	id string
	ws *websocket.Conn
	ip string
	ua string

	send chan []byte
	done chan struct{}
	once sync.Once

	// Set before done is closed.
	closeCode int
	closeText string

	identity types.Address
	joined   bool
}

func newClient(id string, conn *websocket.Conn, ip, ua string, queueSize int) *client {
	return &client{
		id:   id,
		ws:   conn,
		ip:   ip,
		ua:   ua,
		send: make(chan []byte, queueSize),
		done: make(chan struct{}),
	}
}

func (c *client) enqueue(data []byte) error {
	select {
	case <-c.done:
		return errClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		klog.WS.Warn().Str("conn", c.id).Str("ip", c.ip).Msg("Outbound queue full, closing connection")
		c.shutdown(websocket.CloseTryAgainLater, "too slow")
		return ErrQueueFull
	}
}

// reply encodes r and enqueues it.
func (c *client) reply(r Reply) {
	data, err := json.Marshal(r)
	if err != nil {
		klog.WS.Error().Err(err).Str("type", r.Type).Msg("Failed to encode reply")
		return
	}
	c.enqueue(data)
}

// shutdown asks the writer to send a close frame and drop the socket.
func (c *client) shutdown(code int, text string) {
	c.once.Do(func() {
		c.closeCode = code
		c.closeText = text
		close(c.done)
	})
}

func (c *client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// writeLoop is the only writer on the socket.
func (c *client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.shutdown(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.done:
			// Flush what is already queued, then say goodbye.
		drain:
			for {
				select {
				case data := <-c.send:
					c.ws.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
						return
					}
				default:
					break drain
				}
			}
			if c.closeCode != websocket.CloseAbnormalClosure {
				msg := websocket.FormatCloseMessage(c.closeCode, c.closeText)
				c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			}
			return
		}
	}
}
