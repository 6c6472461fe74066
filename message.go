package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// JSONRPCVersion is the version string carried in every message envelope.
const JSONRPCVersion = "2.0"

// RequestID is a JSON-RPC request identifier: a string or a 64-bit signed
// integer. The two variants are disjoint for equality and map hashing —
// IntID(1) never equals StringID("1"). The zero value is invalid and
// marshals to JSON null, which the protocol reserves for parse-failure
// responses where no id could be read.
type RequestID struct {
	str  string
	num  int64
	kind idKind
}

type idKind uint8

const (
	idNone idKind = iota
	idString
	idInt
)

// StringID returns a string-valued request identifier.
func StringID(s string) RequestID { return RequestID{str: s, kind: idString} }

// IntID returns an integer-valued request identifier.
func IntID(n int64) RequestID { return RequestID{num: n, kind: idInt} }

// IsValid reports whether the id holds a value. The zero RequestID is
// invalid and marshals to null.
func (id RequestID) IsValid() bool { return id.kind != idNone }

// String renders the id for logs and error messages.
func (id RequestID) String() string {
	switch id.kind {
	case idString:
		return strconv.Quote(id.str)
	case idInt:
		return strconv.FormatInt(id.num, 10)
	default:
		return "<null>"
	}
}

func (id RequestID) MarshalJSON() ([]byte, error) {
	switch id.kind {
	case idString:
		return json.Marshal(id.str)
	case idInt:
		return json.Marshal(id.num)
	default:
		return []byte("null"), nil
	}
}

func (id *RequestID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = RequestID{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = StringID(s)
		return nil
	}
	// JSON-RPC ids "SHOULD NOT contain fractional parts"; reject them
	// rather than silently truncating.
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("mcp: request id must be a string or integer: %w", err)
	}
	*id = IntID(n)
	return nil
}

// ProgressToken correlates notifications/progress messages with the request
// that asked for them. Like RequestID it is a string or an integer on the
// wire, so the same tagged union serves both.
type ProgressToken = RequestID

// Message is one decoded JSON-RPC 2.0 envelope: a request (ID and Method
// set), a response (ID and Result or Error set), or a notification (Method
// set, no ID). Transports deliver and accept values of this type; the
// engine classifies and dispatches them.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *RequestID      `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// IsRequest reports whether the message expects a response.
func (m *Message) IsRequest() bool { return m.ID != nil && m.Method != "" }

// IsResponse reports whether the message answers an earlier request.
func (m *Message) IsResponse() bool { return m.ID != nil && m.Method == "" }

// IsNotification reports whether the message is a fire-and-forget
// notification.
func (m *Message) IsNotification() bool { return m.ID == nil && m.Method != "" }

// NewRequest builds a request message, marshaling params. A nil params
// omits the field entirely.
func NewRequest(id RequestID, method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s params: %w", method, err)
	}
	return &Message{JSONRPC: JSONRPCVersion, ID: &id, Method: method, Params: raw}, nil
}

// NewNotification builds a notification message, marshaling params.
func NewNotification(method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s params: %w", method, err)
	}
	return &Message{JSONRPC: JSONRPCVersion, Method: method, Params: raw}, nil
}

// NewResponse builds a success response for the given request id.
func NewResponse(id RequestID, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return &Message{JSONRPC: JSONRPCVersion, ID: &id, Result: raw}, nil
}

// NewErrorResponse builds an error response for the given request id.
func NewErrorResponse(id RequestID, code int, message string) *Message {
	return &Message{
		JSONRPC: JSONRPCVersion,
		ID:      &id,
		Error:   &JSONRPCError{Code: code, Message: message},
	}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	return json.Marshal(params)
}

// DecodeMessage parses one JSON-RPC envelope, rejecting frames that are
// neither request, response, nor notification.
func DecodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Method == "" && msg.ID == nil {
		// encoding/json decodes "id": null to a nil pointer. An error
		// response answering a request whose id could not be read carries
		// that null id, so it keeps a present but invalid id.
		if msg.Error != nil {
			msg.ID = &RequestID{}
			return &msg, nil
		}
		return nil, fmt.Errorf("mcp: message has neither method nor id")
	}
	return &msg, nil
}

// EncodeMessage serializes one envelope to a single JSON object with no
// trailing newline. Framing (newline, SSE data field, HTTP body) is the
// transport's concern.
func EncodeMessage(msg *Message) ([]byte, error) {
	if msg.JSONRPC == "" {
		clone := *msg
		clone.JSONRPC = JSONRPCVersion
		msg = &clone
	}
	return json.Marshal(msg)
}
