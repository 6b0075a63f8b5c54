// Package transport carries protocol messages between peers over
// websockets, or over an in-memory pipe when both peers share a process.
package transport

import (
	"errors"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"

	"github.com/simple64/netplay-core/internal/protocol"
)

var (
	// ErrClosed is returned by Send and Recv once the connection is closed.
	ErrClosed = errors.New("connection closed")
	// ErrSendBufferFull is returned when the peer is not draining its
	// messages fast enough. The connection is closed: a stream with a gap in
	// it cannot be resumed, the peer has to rejoin.
	ErrSendBufferFull = errors.New("send buffer full")
)

const sendBuffer = 256

// wire moves encoded envelopes. Reads and writes each happen on a single
// goroutine.
type wire interface {
	read() ([]byte, error)
	write(data []byte) error
	close() error
	addr() string
}

// Conn is one ordered, reliable message stream to a peer. Send never blocks
// the caller; a writer goroutine drains the queue in order.
type Conn struct {
	Logger logr.Logger

	w         wire
	out       chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newConn(w wire, logger logr.Logger) *Conn {
	c := &Conn{
		Logger: logger.WithValues("addr", w.addr()),
		w:      w,
		out:    make(chan []byte, sendBuffer),
		closed: make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// Send queues m for delivery. If the queue is full the connection is closed
// and ErrSendBufferFull returned.
func (c *Conn) Send(m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	select {
	case c.out <- data:
		return nil
	case <-c.closed:
		return ErrClosed
	default:
		c.Logger.Info("send buffer full, closing connection", "type", m.Kind())
		_ = c.Close()
		return ErrSendBufferFull
	}
}

// Recv blocks until the next well-formed message arrives. Malformed
// messages are logged and skipped.
func (c *Conn) Recv() (protocol.Message, error) {
	for {
		data, err := c.w.read()
		if err != nil {
			if isConnClosed(err) {
				return nil, ErrClosed
			}
			return nil, err
		}
		m, err := protocol.Decode(data)
		if err != nil {
			c.Logger.Error(err, "dropping malformed message", "size", len(data))
			continue
		}
		return m, nil
	}
}

// Close shuts the connection. Safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		if err := c.w.close(); err != nil && !isConnClosed(err) {
			c.closeErr = multierr.Append(c.closeErr, err)
		}
	})
	return c.closeErr
}

// Done is closed once Close has been called.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// RemoteAddr names the peer for logs.
func (c *Conn) RemoteAddr() string {
	return c.w.addr()
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case data := <-c.out:
			if err := c.w.write(data); err != nil {
				if !isConnClosed(err) {
					c.Logger.Error(err, "write failed, closing connection")
				}
				_ = c.Close()
				return
			}
		}
	}
}

// Pump reads messages from c and hands them to deliver until the connection
// ends or deliver refuses one, then calls closed once.
func Pump(c *Conn, deliver func(*Conn, protocol.Message) bool, closed func(*Conn)) {
	defer func() {
		_ = c.Close()
		if closed != nil {
			closed(c)
		}
	}()
	for {
		m, err := c.Recv()
		if err != nil {
			if !errors.Is(err, ErrClosed) {
				c.Logger.Error(err, "read failed")
			}
			return
		}
		if !deliver(c, m) {
			return
		}
	}
}

func isConnClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, ErrClosed) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}
