package wire

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := &Frame{Kind: KindCommand, ID: "7", Type: "session.list", Params: json.RawMessage(`{"limit":1}`)}
	require.NoError(t, WriteFrame(&buf, in))

	// 4-byte big-endian length prefix.
	raw := buf.Bytes()
	require.Greater(t, len(raw), 4)
	n := int(raw[0])<<24 | int(raw[1])<<16 | int(raw[2])<<8 | int(raw[3])
	assert.Equal(t, len(raw)-4, n)

	out, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, ProtocolVersion, out.V)
	assert.Equal(t, "7", out.ID)
	assert.Equal(t, "session.list", out.Type)
}

func TestReadFrameRejectsBadVersion(t *testing.T) {
	body := []byte(`{"v":2,"kind":"command","id":"1"}`)
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, byte(len(body))})
	buf.Write(body)
	_, err := ReadFrame(&buf)
	assert.Error(t, err)
}

func TestReadFrameRejectsUnknownKind(t *testing.T) {
	body := []byte(`{"v":1,"kind":"weird"}`)
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, byte(len(body))})
	buf.Write(body)
	_, err := ReadFrame(&buf)
	assert.Error(t, err)
}

// echoHandler responds to "echo" with its params and knows one slow command.
type echoHandler struct {
	mu     sync.Mutex
	closed []string
}

func (h *echoHandler) Handle(ctx context.Context, conn *Conn, cmdType string, params json.RawMessage) (any, *Error) {
	switch cmdType {
	case "echo":
		return json.RawMessage(params), nil
	case "fail":
		return nil, Errorf(ErrKindNotFound, "directory not found: directory-missing")
	default:
		return nil, Errorf(ErrKindInvalidInput, "unknown command %q", cmdType)
	}
}

func (h *echoHandler) ConnClosed(conn *Conn) {
	h.mu.Lock()
	h.closed = append(h.closed, conn.ID())
	h.mu.Unlock()
}

func startServer(t *testing.T, token string) (*Server, *echoHandler, int) {
	t.Helper()
	h := &echoHandler{}
	s := NewServer(h, token, log.New(io.Discard, "", 0))
	port, err := s.Listen("127.0.0.1", 0)
	require.NoError(t, err)
	go s.Serve()
	t.Cleanup(s.Shutdown)
	return s, h, port
}

func TestCallRoundTrip(t *testing.T) {
	_, _, port := startServer(t, "")
	c, err := Dial(context.Background(), "127.0.0.1", port, "")
	require.NoError(t, err)
	defer c.Close()

	res, err := c.Call(context.Background(), "echo", map[string]any{"x": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1}`, string(res))
}

func TestCallServerError(t *testing.T) {
	_, _, port := startServer(t, "")
	c, err := Dial(context.Background(), "127.0.0.1", port, "")
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Call(context.Background(), "fail", nil)
	var werr *Error
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, ErrKindNotFound, werr.Kind)
	assert.Contains(t, werr.Message, "directory not found: directory-missing")
}

func TestResponseOrderMatchesRequestOrder(t *testing.T) {
	_, _, port := startServer(t, "")
	c, err := Dial(context.Background(), "127.0.0.1", port, "")
	require.NoError(t, err)
	defer c.Close()

	for i := 0; i < 50; i++ {
		res, err := c.Call(context.Background(), "echo", map[string]int{"i": i})
		require.NoError(t, err)
		var got map[string]int
		require.NoError(t, json.Unmarshal(res, &got))
		assert.Equal(t, i, got["i"])
	}
}

func TestAuthRequired(t *testing.T) {
	_, _, port := startServer(t, "sekrit")

	// Wrong token: the connection is dropped; the call fails.
	c, err := Dial(context.Background(), "127.0.0.1", port, "wrong")
	require.NoError(t, err)
	defer c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = c.Call(ctx, "echo", nil)
	assert.Error(t, err)

	// Correct token works.
	c2, err := Dial(context.Background(), "127.0.0.1", port, "sekrit")
	require.NoError(t, err)
	defer c2.Close()
	_, err = c2.Call(context.Background(), "echo", map[string]any{"ok": true})
	assert.NoError(t, err)
}

func TestEnvelopeDelivery(t *testing.T) {
	s, _, port := startServer(t, "")
	c, err := Dial(context.Background(), "127.0.0.1", port, "")
	require.NoError(t, err)
	defer c.Close()

	got := make(chan Envelope, 1)
	c.OnEnvelope(func(e Envelope) {
		if e.Event == EventConversationStatus {
			got <- e
		}
	})

	// One call to make sure the connection is fully registered.
	_, err = c.Call(context.Background(), "echo", nil)
	require.NoError(t, err)

	s.Broadcast(EventConversationStatus, map[string]string{"sessionId": "s1", "status": "running"})

	select {
	case e := <-got:
		assert.JSONEq(t, `{"sessionId":"s1","status":"running"}`, string(e.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("envelope not delivered")
	}
}

func TestCloseFailsInFlight(t *testing.T) {
	_, _, port := startServer(t, "")
	c, err := Dial(context.Background(), "127.0.0.1", port, "")
	require.NoError(t, err)
	c.Close()

	_, err = c.Call(context.Background(), "echo", nil)
	assert.True(t, errors.Is(err, ErrTransportClosed) || err != nil)
}

func TestBackpressureDropsSubscriber(t *testing.T) {
	// A Conn whose client never reads: fill the outbound queue directly.
	h := &echoHandler{}
	s := NewServer(h, "", log.New(io.Discard, "", 0))
	port, err := s.Listen("127.0.0.1", 0)
	require.NoError(t, err)
	go s.Serve()
	defer s.Shutdown()

	// Raw connection that never reads, so the write loop backs up on the
	// socket buffer and the outbound queue fills.
	raw, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer raw.Close()

	var conn *Conn
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, v := range s.conns {
			conn = v
		}
		return conn != nil
	}, 2*time.Second, 10*time.Millisecond)

	// Stall the writer by filling the queue faster than a TCP socket drains.
	var dropped error
	payload := map[string]string{"data": string(make([]byte, 32<<10))}
	for i := 0; i < outboundQueueSize*8; i++ {
		if err := conn.Send(EventPTYOutput, payload); err != nil {
			dropped = err
			break
		}
	}
	require.Error(t, dropped)
	var werr *Error
	if errors.As(dropped, &werr) {
		assert.Equal(t, ErrKindBackpressure, werr.Kind)
	}

	// The handler is told exactly once.
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.closed) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// A healthy subscriber is unaffected by the drop and keeps receiving
	// broadcasts in order.
	c, err := Dial(context.Background(), "127.0.0.1", port, "")
	require.NoError(t, err)
	defer c.Close()
	var mu sync.Mutex
	var seqs []int
	c.OnEnvelope(func(e Envelope) {
		if e.Event != EventPTYOutput {
			return
		}
		var p struct {
			Seq int `json:"seq"`
		}
		if json.Unmarshal(e.Data, &p) == nil {
			mu.Lock()
			seqs = append(seqs, p.Seq)
			mu.Unlock()
		}
	})
	_, err = c.Call(context.Background(), "echo", nil)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		s.Broadcast(EventPTYOutput, map[string]int{"seq": i})
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seqs) == 20
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	for i, seq := range seqs {
		assert.Equal(t, i, seq)
	}
}

func TestAuthErrorReachesCaller(t *testing.T) {
	_, _, port := startServer(t, "sekrit")

	// A client that skips the auth frame gets the auth error back on its
	// first command instead of a bare connection drop.
	c, err := Dial(context.Background(), "127.0.0.1", port, "")
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Call(context.Background(), "echo", nil)
	var werr *Error
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, ErrKindAuthRequired, werr.Kind)
}

func TestShutdownEnvelopeDelivered(t *testing.T) {
	s, _, port := startServer(t, "")
	c, err := Dial(context.Background(), "127.0.0.1", port, "")
	require.NoError(t, err)
	defer c.Close()

	got := make(chan struct{}, 1)
	c.OnEnvelope(func(e Envelope) {
		if e.Event == EventGatewayShutdown {
			select {
			case got <- struct{}{}:
			default:
			}
		}
	})

	// One call to make sure the connection is fully registered.
	_, err = c.Call(context.Background(), "echo", nil)
	require.NoError(t, err)

	s.Shutdown()

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown envelope not delivered")
	}
}
