package ws

import (
	"context"
	"errors"
	"sync"

	"github.com/gorilla/websocket"
)

var (
	// ErrBufferFull is returned when the send buffer is full.
	ErrBufferFull = errors.New("send buffer full")
	// ErrClosed is returned by Send after the connection is closed.
	ErrClosed = errors.New("connection closed")
)

// Connection is the outbound side of one WebSocket. Frames are queued on a
// buffered channel drained by the server's write pump.
type Connection struct {
	ws   *websocket.Conn
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func newConnection(ws *websocket.Conn, buffer int) *Connection {
	return &Connection{
		ws:   ws,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

// Send queues a frame without blocking. A full buffer means the client is not
// keeping up and the connection should be dropped.
func (c *Connection) Send(_ context.Context, frame []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrBufferFull
	}
}

// Close stops the write pump. It is safe to call more than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}
