package wire

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// DefaultCommandTimeout bounds a single Call when the caller's context has
// no earlier deadline.
const DefaultCommandTimeout = 10 * time.Second

// Client is one connection to a gateway. Safe for concurrent use.
type Client struct {
	conn net.Conn

	writeMu sync.Mutex // serializes frame writes

	mu       sync.Mutex
	nextID   uint64
	pending  map[string]chan *Frame
	handlers []func(Envelope)
	closed   bool
	closeErr error
}

// Dial connects, authenticates when token is non-empty, and starts the
// read loop.
func Dial(ctx context.Context, host string, port int, token string) (*Client, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn:    conn,
		pending: make(map[string]chan *Frame),
	}
	if token != "" {
		if err := WriteFrame(conn, &Frame{Kind: KindAuth, Token: token}); err != nil {
			conn.Close()
			return nil, err
		}
	}
	go c.readLoop()
	return c, nil
}

// OnEnvelope subscribes to all server-initiated envelopes. Handlers run on
// the read loop; they must not block.
func (c *Client) OnEnvelope(fn func(Envelope)) {
	c.mu.Lock()
	c.handlers = append(c.handlers, fn)
	c.mu.Unlock()
}

// Call sends one command and waits for the matching response. It returns
// the result payload, or the server's error, or ErrTransportClosed when the
// connection dies first.
func (c *Client) Call(ctx context.Context, cmdType string, params any) (json.RawMessage, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultCommandTimeout)
		defer cancel()
	}

	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode params: %w", err)
		}
		raw = data
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrTransportClosed
	}
	c.nextID++
	id := strconv.FormatUint(c.nextID, 10)
	ch := make(chan *Frame, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	err := func() error {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return WriteFrame(c.conn, &Frame{Kind: KindCommand, ID: id, Type: cmdType, Params: raw})
	}()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	case f, ok := <-ch:
		if !ok {
			return nil, ErrTransportClosed
		}
		if f.Err != nil {
			return nil, f.Err
		}
		return f.Result, nil
	}
}

// Close ends the connection. In-flight calls fail with ErrTransportClosed.
func (c *Client) Close() error {
	c.fail(ErrTransportClosed)
	return c.conn.Close()
}

func (c *Client) readLoop() {
	for {
		f, err := ReadFrame(c.conn)
		if err != nil {
			c.fail(ErrTransportClosed)
			c.conn.Close()
			return
		}
		switch f.Kind {
		case KindResponse:
			c.mu.Lock()
			ch := c.pending[f.ID]
			delete(c.pending, f.ID)
			c.mu.Unlock()
			if ch != nil {
				ch <- f
			}
		case KindEnvelope:
			c.mu.Lock()
			handlers := append([]func(Envelope){}, c.handlers...)
			c.mu.Unlock()
			env := Envelope{Event: f.Event, Data: f.Data}
			for _, fn := range handlers {
				fn(env)
			}
		}
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.closeErr = err
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}
