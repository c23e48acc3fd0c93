package transport

import (
	"net"
	"sync"
)

// Connection wraps one client connection with its Request decoder and
// Response encoder, the way the teacher's conn.Connection pairs a
// protocol.Parser/Writer with a net.Conn — serialized writes since the
// engine's callback can fire from the loop goroutine at any time while a
// handler goroutine is still mid-read on the same connection.
type Connection struct {
	conn   net.Conn
	reader *Reader
	writer *Writer

	mu     sync.Mutex
	closed bool
}

func NewConnection(c net.Conn) *Connection {
	return &Connection{
		conn:   c,
		reader: NewReader(c),
		writer: NewWriter(c),
	}
}

// ReadRequest decodes the next request frame. Only the connection's owning
// goroutine should call this (reads are not serialized against each other,
// only against writes).
func (c *Connection) ReadRequest() (*Request, error) {
	return c.reader.ReadRequest()
}

// WriteResponse writes resp, serialized against concurrent writers (the
// engine may invoke a callback from its own loop goroutine concurrently
// with another response already being written for a prior op).
func (c *Connection) WriteResponse(resp *Response) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writer.WriteResponse(resp)
}

func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}
