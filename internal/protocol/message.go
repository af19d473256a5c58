// ABOUTME: Typed control-connection messages exchanged between relay and tunnel.
// ABOUTME: Parses the JSON wire format once at the connection boundary.

package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Wire format: JSON objects over a persistent websocket. Agent→relay messages
// carry an "id" and an optional "stream" discriminant ("start", "chunk",
// "end"); relay→agent messages are either a request envelope or a bare
// {"cancel_stream": id} instruction.

// ErrMalformed indicates a message that could not be decoded. Callers log and
// drop such messages; they must never terminate the connection loop.
var ErrMalformed = errors.New("malformed protocol message")

// RequestEnvelope describes one HTTP request to be replayed against the
// agent's local service. Immutable once sent.
type RequestEnvelope struct {
	ID      string            `json:"id"`
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers"`
	BodyB64 string            `json:"body_b64"`
}

// ResponseMessage is a completed, non-streaming result for one envelope.
type ResponseMessage struct {
	ID      string            `json:"id"`
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	BodyB64 string            `json:"body_b64"`
}

// StreamStart begins a streaming response for an envelope id.
type StreamStart struct {
	ID      string            `json:"id"`
	Stream  string            `json:"stream"` // always "start"
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
}

// StreamChunk carries one body chunk of an active stream.
type StreamChunk struct {
	ID      string `json:"id"`
	Stream  string `json:"stream"` // always "chunk"
	BodyB64 string `json:"body_b64"`
}

// StreamEnd terminates a stream.
type StreamEnd struct {
	ID     string `json:"id"`
	Stream string `json:"stream"` // always "end"
}

// CancelStream instructs the agent to stop producing chunks for a stream id.
type CancelStream struct {
	StreamID string `json:"cancel_stream"`
}

// StreamItem is one element of an active stream's queue: either a body chunk
// or the end marker. A zero-length chunk is legal and distinct from End.
type StreamItem struct {
	Data []byte
	End  bool
}

// AgentMessage is implemented by every message an agent may send to the
// relay: ResponseMessage, StreamStart, StreamChunk, StreamEnd.
type AgentMessage interface {
	RequestID() string
}

func (m *ResponseMessage) RequestID() string { return m.ID }
func (m *StreamStart) RequestID() string     { return m.ID }
func (m *StreamChunk) RequestID() string     { return m.ID }
func (m *StreamEnd) RequestID() string       { return m.ID }

// ServerMessage is implemented by every message the relay may send to an
// agent: RequestEnvelope, CancelStream.
type ServerMessage interface {
	isServerMessage()
}

func (*RequestEnvelope) isServerMessage() {}
func (*CancelStream) isServerMessage()    {}

// agentWire is the superset shape of all agent→relay messages.
type agentWire struct {
	ID      string            `json:"id"`
	Stream  string            `json:"stream"`
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	BodyB64 string            `json:"body_b64"`
}

// ParseAgentMessage decodes one agent→relay frame into its typed variant.
func ParseAgentMessage(data []byte) (AgentMessage, error) {
	var w agentWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if w.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrMalformed)
	}

	switch w.Stream {
	case "":
		return &ResponseMessage{ID: w.ID, Status: w.Status, Headers: w.Headers, BodyB64: w.BodyB64}, nil
	case "start":
		return &StreamStart{ID: w.ID, Stream: "start", Status: w.Status, Headers: w.Headers}, nil
	case "chunk":
		return &StreamChunk{ID: w.ID, Stream: "chunk", BodyB64: w.BodyB64}, nil
	case "end":
		return &StreamEnd{ID: w.ID, Stream: "end"}, nil
	default:
		return nil, fmt.Errorf("%w: unknown stream type %q", ErrMalformed, w.Stream)
	}
}

// serverWire is the superset shape of all relay→agent messages.
type serverWire struct {
	ID           string            `json:"id"`
	Method       string            `json:"method"`
	Path         string            `json:"path"`
	Headers      map[string]string `json:"headers"`
	BodyB64      string            `json:"body_b64"`
	CancelStream string            `json:"cancel_stream"`
}

// ParseServerMessage decodes one relay→agent frame into its typed variant.
func ParseServerMessage(data []byte) (ServerMessage, error) {
	var w serverWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if w.CancelStream != "" {
		return &CancelStream{StreamID: w.CancelStream}, nil
	}
	if w.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrMalformed)
	}
	return &RequestEnvelope{ID: w.ID, Method: w.Method, Path: w.Path, Headers: w.Headers, BodyB64: w.BodyB64}, nil
}

// EncodeBody encodes raw bytes for the body_b64 field. Empty input encodes
// to the empty string, not the base64 of zero bytes.
func EncodeBody(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBody decodes a body_b64 field. The empty string decodes to nil.
func DecodeBody(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: bad body_b64: %v", ErrMalformed, err)
	}
	return b, nil
}

// Body returns the decoded request body.
func (m *RequestEnvelope) Body() ([]byte, error) { return DecodeBody(m.BodyB64) }

// Body returns the decoded response body.
func (m *ResponseMessage) Body() ([]byte, error) { return DecodeBody(m.BodyB64) }

// Body returns the decoded chunk payload.
func (m *StreamChunk) Body() ([]byte, error) { return DecodeBody(m.BodyB64) }
