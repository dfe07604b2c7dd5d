package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// sendQueueSize bounds the frames buffered for one connection. A client that
// falls this far behind is disconnected.
const sendQueueSize = 64

// flushTimeout bounds how long a closing connection waits for queued frames.
const flushTimeout = 5 * time.Second

var (
	errSendQueueFull = errors.New("client send queue full")
	errClientClosed  = errors.New("client connection closed")
)

// wsClient is one WebSocket connection as seen by the events registry.
// Frames are written by a single writer goroutine in the order they were
// queued, so Send never blocks on the network.
type wsClient struct {
	id           string
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu      sync.Mutex
	closed  bool
	broken  atomic.Bool
	queue   chan []byte
	flushed chan struct{}
}

func newWSClient(id string, conn *websocket.Conn, writeTimeout time.Duration) *wsClient {
	c := &wsClient{
		id:           id,
		conn:         conn,
		writeTimeout: writeTimeout,
		queue:        make(chan []byte, sendQueueSize),
		flushed:      make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *wsClient) ID() string { return c.id }

// Send queues one text frame. A full queue aborts the connection, which ends
// its read loop.
func (c *wsClient) Send(_ context.Context, frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.broken.Load() {
		return errClientClosed
	}
	select {
	case c.queue <- frame:
		return nil
	default:
		c.broken.Store(true)
		_ = c.conn.CloseNow()
		return errSendQueueFull
	}
}

// flush stops accepting frames and waits until the queued ones are written
// or the writer gives up.
func (c *wsClient) flush() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.queue)
	}
	c.mu.Unlock()

	select {
	case <-c.flushed:
	case <-time.After(flushTimeout):
		_ = c.conn.CloseNow()
		<-c.flushed
	}
}

func (c *wsClient) writeLoop() {
	defer close(c.flushed)
	for frame := range c.queue {
		if c.broken.Load() {
			continue
		}
		if err := c.write(frame); err != nil {
			// A failed or timed-out write leaves the connection closed; the
			// rest of the queue is dropped.
			c.broken.Store(true)
			_ = c.conn.CloseNow()
		}
	}
}

func (c *wsClient) write(frame []byte) error {
	ctx := context.Background()
	if c.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.writeTimeout)
		defer cancel()
	}
	return c.conn.Write(ctx, websocket.MessageText, frame)
}
