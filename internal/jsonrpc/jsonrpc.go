// Package jsonrpc holds the JSON-RPC 2.0 envelope shared by every transport.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the only protocol version accepted.
const Version = "2.0"

// Standard and server-defined error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	// CodeBadRequest is used for session errors (unknown id, not initialized).
	CodeBadRequest = -32000
)

// Null is the literal id used when a reply cannot be correlated.
var Null = json.RawMessage("null")

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewError creates an error object.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// AsError converts err into a protocol error. Errors that are already
// protocol errors keep their code, everything else becomes an internal error
// carrying the original message as data.
func AsError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return &Error{Code: CodeInternalError, Message: "Internal error", Data: err.Error()}
}

// Message is a request, notification or response.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// HasID reports whether the message carries a non-null id.
func (m *Message) HasID() bool {
	return len(m.ID) > 0 && !bytes.Equal(bytes.TrimSpace(m.ID), Null)
}

// IsRequest reports whether m expects a response.
func (m *Message) IsRequest() bool {
	return m.Method != "" && m.HasID()
}

// IsNotification reports whether m is a method call without an id.
func (m *Message) IsNotification() bool {
	return m.Method != "" && !m.HasID()
}

// IsResponse reports whether m answers an earlier request.
func (m *Message) IsResponse() bool {
	return m.Method == "" && (m.Result != nil || m.Error != nil)
}

// ReplyID returns the id to use in a reply to m.
func (m *Message) ReplyID() json.RawMessage {
	if m == nil || !m.HasID() {
		return Null
	}
	return m.ID
}

// NewRequest builds a request with the given id.
func NewRequest(id any, method string, params any) (*Message, error) {
	rawID, err := json.Marshal(id)
	if err != nil {
		return nil, fmt.Errorf("marshal id: %w", err)
	}
	msg := &Message{JSONRPC: Version, ID: rawID, Method: method}
	if params != nil {
		if msg.Params, err = json.Marshal(params); err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
	}
	return msg, nil
}

// NewNotification builds a server-to-client notification.
func NewNotification(method string, params any) (*Message, error) {
	msg := &Message{JSONRPC: Version, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		msg.Params = raw
	}
	return msg, nil
}

// NewResponse builds a successful response.
func NewResponse(id json.RawMessage, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Message{JSONRPC: Version, ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error response. A nil id is encoded as null.
func NewErrorResponse(id json.RawMessage, rpcErr *Error) *Message {
	if len(id) == 0 {
		id = Null
	}
	return &Message{JSONRPC: Version, ID: id, Error: rpcErr}
}

// Parse decodes a single message or a batch. batch reports whether the input
// was an array so replies can be shaped the same way.
func Parse(data []byte) (msgs []*Message, batch bool, err error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, false, NewError(CodeInvalidRequest, "Invalid Request: empty body")
	}

	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &msgs); err != nil {
			return nil, true, &Error{Code: CodeParseError, Message: "Parse error", Data: err.Error()}
		}
		if len(msgs) == 0 {
			return nil, true, NewError(CodeInvalidRequest, "Invalid Request: empty batch")
		}
		batch = true
	} else {
		var msg Message
		if err := json.Unmarshal(trimmed, &msg); err != nil {
			return nil, false, &Error{Code: CodeParseError, Message: "Parse error", Data: err.Error()}
		}
		msgs = []*Message{&msg}
	}

	for _, msg := range msgs {
		if msg == nil || msg.JSONRPC != Version {
			return nil, batch, NewError(CodeInvalidRequest, "Invalid Request: jsonrpc must be \"2.0\"")
		}
	}
	return msgs, batch, nil
}
