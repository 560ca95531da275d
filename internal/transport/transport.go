// Package transport holds the pieces shared by the HTTP session transports.
package transport

import (
	"encoding/json"
	"net/http"

	"github.com/DIO0550/instructions/internal/jsonrpc"
)

// Header names used by the session transports.
const (
	HeaderSessionID       = "Mcp-Session-Id"
	HeaderLastEventID     = "Last-Event-Id"
	HeaderLegacySessionID = "X-MCP-Session-Id"
)

// Client-visible error messages.
const (
	MsgInvalidSession = "Bad Request: Invalid session ID"
	MsgNotInitialized = "Bad Request: Server not initialized"
	MsgNoValidSession = "Bad Request: No valid session ID provided"
	MsgInternal       = "Internal server error"
)

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes a JSON-RPC error envelope. A nil id is encoded as null.
func WriteError(w http.ResponseWriter, status int, id json.RawMessage, rpcErr *jsonrpc.Error) {
	WriteJSON(w, status, jsonrpc.NewErrorResponse(id, rpcErr))
}

// BadRequest writes a 400 envelope with the session error code.
func BadRequest(w http.ResponseWriter, id json.RawMessage, message string) {
	WriteError(w, http.StatusBadRequest, id, jsonrpc.NewError(jsonrpc.CodeBadRequest, message))
}

// InternalError writes a 500 envelope carrying err as data.
func InternalError(w http.ResponseWriter, id json.RawMessage, err error) {
	WriteError(w, http.StatusInternalServerError, id, &jsonrpc.Error{
		Code:    jsonrpc.CodeInternalError,
		Message: MsgInternal,
		Data:    err.Error(),
	})
}

// SSEHeaders prepares w for an event stream.
func SSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}
