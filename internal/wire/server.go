package wire

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultAuthTimeout is how long a connection may stay unauthenticated
// before it is dropped (only when a token is configured).
const DefaultAuthTimeout = 3 * time.Second

// outboundQueueSize bounds each connection's envelope/response queue.
// A subscriber that cannot drain this many frames is dropped rather than
// allowed to block the producers.
const outboundQueueSize = 256

// Handler dispatches authenticated commands.
type Handler interface {
	// Handle runs one command and returns a result payload or a protocol
	// error. Handlers run sequentially per connection so response order
	// matches request order.
	Handle(ctx context.Context, conn *Conn, cmdType string, params json.RawMessage) (any, *Error)
	// ConnClosed is called once when a connection goes away for any reason.
	ConnClosed(conn *Conn)
}

// Server accepts stream connections and feeds commands to a Handler.
type Server struct {
	handler     Handler
	token       string
	authTimeout time.Duration
	logger      *log.Logger

	ln net.Listener

	mu    sync.Mutex
	conns map[string]*Conn
	done  bool
}

// NewServer builds a server; token == "" disables authentication.
func NewServer(handler Handler, token string, logger *log.Logger) *Server {
	return &Server{
		handler:     handler,
		token:       token,
		authTimeout: DefaultAuthTimeout,
		logger:      logger,
		conns:       make(map[string]*Conn),
	}
}

// Listen binds host:port (port 0 picks an ephemeral port) and returns the
// actual port.
func (s *Server) Listen(host string, port int) (int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return 0, err
	}
	s.ln = ln
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// Serve runs the accept loop until the listener closes.
func (s *Server) Serve() {
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.serveConn(nc)
	}
}

// Broadcast sends an envelope to every connection, dropping any whose
// queue is full.
func (s *Server) Broadcast(event string, data any) {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Send(event, data)
	}
}

// Shutdown stops accepting and closes every connection after broadcasting
// gateway.shutdown.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if s.ln != nil {
		s.ln.Close()
	}
	for _, c := range conns {
		c.sendShutdown()
		c.close()
	}
}

func (s *Server) serveConn(nc net.Conn) {
	conn := &Conn{
		id:     uuid.NewString(),
		nc:     nc,
		out:    make(chan *Frame, outboundQueueSize),
		closed: make(chan struct{}),
		server: s,
	}

	if s.token != "" {
		nc.SetReadDeadline(time.Now().Add(s.authTimeout))
		f, err := ReadFrame(nc)
		if err != nil {
			nc.Close()
			return
		}
		// Auth failures echo the offending frame's ID so a caller's pending
		// request resolves to the auth error instead of a dead transport.
		if f.Kind != KindAuth {
			WriteFrame(nc, &Frame{Kind: KindResponse, ID: f.ID, Err: Errorf(ErrKindAuthRequired, "first frame must be auth")})
			nc.Close()
			return
		}
		if f.Token != s.token {
			WriteFrame(nc, &Frame{Kind: KindResponse, ID: f.ID, Err: Errorf(ErrKindAuthInvalid, "bad token")})
			nc.Close()
			return
		}
		nc.SetReadDeadline(time.Time{})
	}

	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		nc.Close()
		return
	}
	s.conns[conn.id] = conn
	s.mu.Unlock()

	go conn.writeLoop()
	conn.readLoop()
}

func (s *Server) dropConn(conn *Conn) {
	s.mu.Lock()
	_, present := s.conns[conn.id]
	delete(s.conns, conn.id)
	s.mu.Unlock()
	if present {
		s.handler.ConnClosed(conn)
	}
}

// Conn is one authenticated client connection.
type Conn struct {
	id     string
	nc     net.Conn
	out    chan *Frame
	server *Server

	writeMu sync.Mutex // serializes frame writes

	closeOnce sync.Once
	closed    chan struct{}
}

// writeFrame is the single choke point for writes on this connection.
func (c *Conn) writeFrame(f *Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteFrame(c.nc, f)
}

// sendShutdown writes the shutdown envelope synchronously, bypassing the
// outbound queue, so a full queue cannot swallow it. Bounded by a write
// deadline in case the peer stopped reading.
func (c *Conn) sendShutdown() {
	c.nc.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.writeFrame(&Frame{Kind: KindEnvelope, Event: EventGatewayShutdown})
	c.nc.SetWriteDeadline(time.Time{})
}

// ID is a stable opaque identifier for the connection.
func (c *Conn) ID() string { return c.id }

// Send enqueues an envelope. When the outbound queue is full the connection
// is dropped and ErrBackpressure-kind error is returned; the producer never
// blocks.
func (c *Conn) Send(event string, data any) error {
	var raw json.RawMessage
	if data != nil {
		raw = mustMarshal(data)
	}
	f := &Frame{Kind: KindEnvelope, Event: event, Data: raw}
	select {
	case c.out <- f:
		return nil
	case <-c.closed:
		return ErrTransportClosed
	default:
		if c.server != nil && c.server.logger != nil {
			c.server.logger.Printf("wire: dropping slow subscriber %s (queue full)", c.id)
		}
		c.close()
		return Errorf(ErrKindBackpressure, "subscriber queue full")
	}
}

func (c *Conn) respond(f *Frame) {
	select {
	case c.out <- f:
	case <-c.closed:
	default:
		c.close()
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.nc.Close()
		if c.server != nil {
			c.server.dropConn(c)
		}
	})
}

func (c *Conn) readLoop() {
	defer c.close()
	for {
		f, err := ReadFrame(c.nc)
		if err != nil {
			return
		}
		switch f.Kind {
		case KindAuth:
			// Redundant auth on an open connection is harmless.
		case KindCommand:
			result, cmdErr := c.server.handler.Handle(context.Background(), c, f.Type, f.Params)
			resp := &Frame{Kind: KindResponse, ID: f.ID}
			if cmdErr != nil {
				resp.Err = cmdErr
			} else if result != nil {
				resp.Result = mustMarshal(result)
			} else {
				resp.Result = json.RawMessage(`{}`)
			}
			c.respond(resp)
		default:
			// Clients never send responses or envelopes.
		}
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case f := <-c.out:
			if err := c.writeFrame(f); err != nil {
				c.close()
				return
			}
		case <-c.closed:
			return
		}
	}
}
