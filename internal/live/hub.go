// Package live serves the two local WebSocket surfaces: the live log stream
// and the live metrics stream. Each surface is an independently startable
// server fanning frames out to connected clients through a Hub.
//
// Design notes
//
//   - Each client has a dedicated buffered channel of JSON frames; a
//     non-blocking send keeps a slow client from applying back-pressure to
//     the tailers or the sampler.
//   - A client whose buffer overflows is disconnected rather than silently
//     skipped, so a reader that falls behind reconnects with a clean stream
//     instead of receiving frames with holes.
//   - Clients are tracked in a sync.Map so the hot broadcast path takes no
//     global lock.
package live

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
)

// defaultBufSize is the per-client frame buffer depth.
const defaultBufSize = 64

// client is one connected WebSocket peer.
type client struct {
	id   string
	send chan []byte

	mu       sync.Mutex
	sendDone bool
}

// trySend queues raw without blocking. full reports a buffer overflow;
// delivered is false after the client has been disconnected.
func (c *client) trySend(raw []byte) (delivered, full bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendDone {
		return false, false
	}
	select {
	case c.send <- raw:
		return true, false
	default:
		return false, true
	}
}

// closeSend closes the send channel exactly once.
func (c *client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sendDone {
		c.sendDone = true
		close(c.send)
	}
}

// Hub fans frames out to every registered client. Safe for concurrent use.
type Hub struct {
	clients   sync.Map // map[string]*client
	clientCnt atomic.Int64

	bufSize int
	logger  *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewHub creates a Hub with bufSize frames of buffer per client. Pass 0 for
// the default.
func NewHub(logger *slog.Logger, bufSize int) *Hub {
	if bufSize <= 0 {
		bufSize = defaultBufSize
	}
	return &Hub{bufSize: bufSize, logger: logger}
}

// register adds a client and returns it. On a closed hub the returned
// client's send channel is already closed.
func (h *Hub) register(id string) *client {
	c := &client{id: id, send: make(chan []byte, h.bufSize)}
	if h.closed.Load() {
		c.closeSend()
		return c
	}
	h.clients.Store(id, c)
	h.clientCnt.Add(1)
	return c
}

// unregister removes a client and closes its send channel so the write pump
// exits. Unknown ids are a no-op.
func (h *Hub) unregister(id string) {
	if v, loaded := h.clients.LoadAndDelete(id); loaded {
		v.(*client).closeSend()
		h.clientCnt.Add(-1)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	return int(h.clientCnt.Load())
}

// Broadcast marshals v and delivers the frame to every client. A client
// whose buffer is full is disconnected.
func (h *Hub) Broadcast(v any) {
	if h.closed.Load() {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("live: frame marshal failed", slog.Any("error", err))
		return
	}

	h.clients.Range(func(key, value any) bool {
		c := value.(*client)
		if _, full := c.trySend(raw); full {
			h.logger.Warn("live: client buffer overflow, disconnecting",
				slog.String("client_id", c.id))
			h.unregister(c.id)
		}
		return true
	})
}

// Close disconnects every client. After Close, Broadcast is a no-op and
// register returns dead clients.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.clients.Range(func(key, value any) bool {
			h.clients.Delete(key)
			value.(*client).closeSend()
			h.clientCnt.Add(-1)
			return true
		})
	})
}
