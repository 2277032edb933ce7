package ws

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"wschat/internal/protocol"
)

const (
	writeTimeout  = 5 * time.Second
	sendQueueSize = 64
)

// ErrSendQueueFull reports a transient backpressure failure. The
// connection stays open; the payload goes to the undelivered queue.
var ErrSendQueueFull = errors.New("send queue full")

var nextConnID atomic.Uint64

type outFrame struct {
	data []byte
	op   protocol.Opcode
	done func(n int, err error)
}

// Conn adapts one gorilla websocket to the routing core. All writes go
// through a single writer goroutine; Send and SendClose are safe from
// any goroutine.
type Conn struct {
	id   uint64
	user atomic.Uint64

	ws  *websocket.Conn
	out chan outFrame

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(ws *websocket.Conn) *Conn {
	return &Conn{
		id:   nextConnID.Add(1),
		ws:   ws,
		out:  make(chan outFrame, sendQueueSize),
		done: make(chan struct{}),
	}
}

func (c *Conn) ID() uint64         { return c.id }
func (c *Conn) User() uint64       { return c.user.Load() }
func (c *Conn) SetUser(uid uint64) { c.user.Store(uid) }

func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

// Send enqueues one frame for the writer goroutine. done runs exactly
// once, on the writer goroutine for accepted frames or inline on
// rejection.
func (c *Conn) Send(data []byte, op protocol.Opcode, done func(n int, err error)) {
	f := outFrame{data: data, op: op, done: done}

	select {
	case <-c.done:
		f.complete(0, net.ErrClosed)
		return
	default:
	}

	select {
	case c.out <- f:
	default:
		f.complete(0, ErrSendQueueFull)
	}
}

// SendClose writes a close frame and tears the connection down. The
// read pump then surfaces the disconnect to the core.
func (c *Conn) SendClose(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
	c.Close()
}

// Close stops the writer and closes the socket. Idempotent.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			c.drain()
			return
		case f := <-c.out:
			c.write(f)
		}
	}
}

func (c *Conn) write(f outFrame) {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := c.ws.WriteMessage(messageType(f.op), f.data)
	if err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			err = net.ErrClosed
		}
		f.complete(0, err)
		return
	}
	f.complete(len(f.data), nil)
}

func (c *Conn) drain() {
	for {
		select {
		case f := <-c.out:
			f.complete(0, net.ErrClosed)
		default:
			return
		}
	}
}

func (f outFrame) complete(n int, err error) {
	if f.done != nil {
		f.done(n, err)
	}
}

func messageType(op protocol.Opcode) int {
	switch op {
	case protocol.OpBinary:
		return websocket.BinaryMessage
	case protocol.OpPing:
		return websocket.PingMessage
	case protocol.OpPong:
		return websocket.PongMessage
	default:
		return websocket.TextMessage
	}
}
