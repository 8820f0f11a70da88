// Package wire implements the framed streaming protocol between CLI/mux
// clients and the gateway: length-prefixed JSON frames over a single TCP
// stream, token authentication, request/response correlation, and
// server-initiated envelopes.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ProtocolVersion is carried in every frame as "v".
const ProtocolVersion = 1

// maxFrameBytes bounds a single frame. PTY output is chunked well below
// this; anything larger is a corrupt stream.
const maxFrameBytes = 8 << 20

// Frame kinds.
const (
	KindAuth     = "auth"
	KindCommand  = "command"
	KindResponse = "response"
	KindEnvelope = "envelope"
)

// Envelope event names emitted by the gateway.
const (
	EventPTYOutput          = "pty.output"
	EventPTYExit            = "pty.exit"
	EventConversationStatus = "conversation.status"
	EventConversationTitle  = "conversation.title"
	EventRailInvalidated    = "rail.invalidated"
	EventGatewayShutdown    = "gateway.shutdown"
)

// Error kinds of the shared taxonomy.
const (
	ErrKindInvalidInput     = "InvalidInput"
	ErrKindNotFound         = "NotFound"
	ErrKindAlreadyLive      = "AlreadyLive"
	ErrKindAlreadyRunning   = "AlreadyRunning"
	ErrKindStartupFailed    = "StartupFailed"
	ErrKindAuthRequired     = "AuthRequired"
	ErrKindAuthInvalid      = "AuthInvalid"
	ErrKindBackpressure     = "Backpressure"
	ErrKindTransportClosed  = "TransportClosed"
	ErrKindSessionNotFound  = "SessionNotFound"
	ErrKindSessionNotLive   = "SessionNotLive"
	ErrKindInternal         = "Internal"
)

// ErrTransportClosed is returned for calls in flight when the connection
// goes away.
var ErrTransportClosed = errors.New("transport closed")

// Error is a protocol-level error carried inside a response frame.
type Error struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

// Errorf builds a protocol error with a formatted message.
func Errorf(kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Frame is the single JSON object behind every length prefix. Field usage
// depends on Kind:
//
//	auth:     Token
//	command:  ID, Type, Params
//	response: ID, Result or Err
//	envelope: Event, Data
type Frame struct {
	V      int             `json:"v"`
	Kind   string          `json:"kind"`
	ID     string          `json:"id,omitempty"`
	Type   string          `json:"type,omitempty"`
	Token  string          `json:"token,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Err    *Error          `json:"error,omitempty"`
	Event  string          `json:"event,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Envelope is a decoded server-initiated event.
type Envelope struct {
	Event string
	Data  json.RawMessage
}

// WriteFrame encodes f and writes it with a 4-byte big-endian length prefix.
func WriteFrame(w io.Writer, f *Frame) error {
	f.V = ProtocolVersion
	body, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if len(body) > maxFrameBytes {
		return fmt.Errorf("frame too large: %d bytes", len(body))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// ReadFrame reads one length-prefixed frame and validates the version tag.
func ReadFrame(r io.Reader) (*Frame, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || n > maxFrameBytes {
		return nil, fmt.Errorf("invalid frame length %d", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	var f Frame
	if err := json.Unmarshal(body, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if f.V != ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version %d", f.V)
	}
	switch f.Kind {
	case KindAuth, KindCommand, KindResponse, KindEnvelope:
	default:
		return nil, fmt.Errorf("unknown frame kind %q", f.Kind)
	}
	return &f, nil
}

// mustMarshal is for payloads built from internal structs that cannot fail.
func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
