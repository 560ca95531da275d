// Package engine implements the per-session protocol engine: it answers
// JSON-RPC requests of the model context protocol against a read-only
// document service.
//
// An Engine belongs to exactly one session. Engines are created by a Factory,
// bound to the push channel of their transport with Bind, and released with
// Close. Close waits for in-flight calls; calls that start after Close observe
// ErrClosed.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/DIO0550/instructions/internal/docstore"
	"github.com/DIO0550/instructions/internal/jsonrpc"
)

// ErrClosed is returned by Handle and Notify after Close.
var ErrClosed = errors.New("engine closed")

const (
	// ServerName is reported in initialize results and health probes.
	ServerName = "markdown-prompts-server"
	// ServerVersion is reported in initialize results.
	ServerVersion = "1.0.0"
)

// supported protocol revisions, newest first
var protocolVersions = []string{"2025-06-18", "2025-03-26", "2024-11-05"}

// Capabilities selects which feature groups an engine advertises.
type Capabilities struct {
	Resources bool
	Prompts   bool
	Tools     bool
}

// DefaultCapabilities enables every feature group.
func DefaultCapabilities() Capabilities {
	return Capabilities{Resources: true, Prompts: true, Tools: true}
}

// Sink receives server-initiated messages for delivery on a push channel.
type Sink interface {
	Send(ctx context.Context, msg *jsonrpc.Message) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, msg *jsonrpc.Message) error

// Send calls f.
func (f SinkFunc) Send(ctx context.Context, msg *jsonrpc.Message) error {
	return f(ctx, msg)
}

// Factory builds isolated engines sharing one document service.
type Factory struct {
	docs    docstore.Service
	created atomic.Int64
	closed  atomic.Int64
}

// NewFactory creates a factory serving docs.
func NewFactory(docs docstore.Service) *Factory {
	return &Factory{docs: docs}
}

// New constructs a fresh engine.
func (f *Factory) New(caps Capabilities) *Engine {
	f.created.Add(1)
	return &Engine{
		docs:    f.docs,
		caps:    caps,
		factory: f,
	}
}

// Created returns how many engines the factory has constructed.
func (f *Factory) Created() int64 {
	return f.created.Load()
}

// Live returns how many constructed engines have not been closed yet.
func (f *Factory) Live() int64 {
	return f.created.Load() - f.closed.Load()
}

// Engine is the stateful protocol handler of one session.
type Engine struct {
	docs    docstore.Service
	caps    Capabilities
	factory *Factory

	// mu is held shared by in-flight calls and exclusively by Close.
	mu     sync.RWMutex
	closed bool

	stateMu     sync.Mutex
	sink        Sink
	initialized bool
	protocol    string
	client      ClientInfo

	calls atomic.Int64
}

// ClientInfo identifies the peer, as sent in initialize.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Bind attaches the push channel used by Notify. Binding again replaces the
// previous sink; binding nil detaches it.
func (e *Engine) Bind(sink Sink) {
	e.stateMu.Lock()
	e.sink = sink
	e.stateMu.Unlock()
}

// Calls returns the number of messages this engine has handled.
func (e *Engine) Calls() int64 {
	return e.calls.Load()
}

// Initialized reports whether the client completed the initialize handshake.
func (e *Engine) Initialized() bool {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.initialized
}

// Closed reports whether Close has been called.
func (e *Engine) Closed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}

// Close releases the engine. It waits for in-flight calls and is safe to call
// more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.Bind(nil)
	if e.factory != nil {
		e.factory.closed.Add(1)
	}
	return nil
}

// Notify sends a server-initiated notification through the bound sink. It is
// a no-op when no sink is bound.
func (e *Engine) Notify(ctx context.Context, method string, params any) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrClosed
	}

	e.stateMu.Lock()
	sink := e.sink
	e.stateMu.Unlock()
	if sink == nil {
		return nil
	}

	msg, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	return sink.Send(ctx, msg)
}

// Handle processes one message. Requests yield a response; notifications and
// responses yield nil. The only error returned is ErrClosed; protocol
// failures are encoded in the response.
func (e *Engine) Handle(ctx context.Context, msg *jsonrpc.Message) (*jsonrpc.Message, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrClosed
	}
	e.calls.Add(1)

	if msg.IsResponse() {
		return nil, nil
	}
	if msg.IsNotification() {
		e.handleNotification(msg)
		return nil, nil
	}

	result, err := e.dispatch(ctx, msg)
	if err != nil {
		return jsonrpc.NewErrorResponse(msg.ReplyID(), jsonrpc.AsError(err)), nil
	}
	resp, err := jsonrpc.NewResponse(msg.ReplyID(), result)
	if err != nil {
		return jsonrpc.NewErrorResponse(msg.ReplyID(), jsonrpc.AsError(err)), nil
	}
	return resp, nil
}

func (e *Engine) handleNotification(msg *jsonrpc.Message) {
	switch msg.Method {
	case "notifications/initialized":
		e.stateMu.Lock()
		e.initialized = true
		e.stateMu.Unlock()
	}
}

func (e *Engine) dispatch(ctx context.Context, msg *jsonrpc.Message) (result any, err error) {
	// a collaborator panic must not take the session down
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", msg.Method, r)
		}
	}()

	switch msg.Method {
	case "initialize":
		return e.initialize(msg.Params)
	case "ping":
		return struct{}{}, nil
	case "tools/list":
		if !e.caps.Tools {
			break
		}
		return map[string]any{"tools": toolDefinitions()}, nil
	case "tools/call":
		if !e.caps.Tools {
			break
		}
		return e.callTool(ctx, msg.Params)
	case "prompts/list":
		if !e.caps.Prompts {
			break
		}
		return map[string]any{"prompts": promptDefinitions()}, nil
	case "prompts/get":
		if !e.caps.Prompts {
			break
		}
		return e.getPrompt(msg.Params)
	case "resources/list":
		if !e.caps.Resources {
			break
		}
		return e.listResources(), nil
	case "resources/read":
		if !e.caps.Resources {
			break
		}
		return e.readResource(msg.Params)
	}
	return nil, jsonrpc.NewError(jsonrpc.CodeMethodNotFound, "Method not found: "+msg.Method)
}

type initializeParams struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ClientInfo      ClientInfo `json:"clientInfo"`
}

func (e *Engine) initialize(raw json.RawMessage) (any, error) {
	var params initializeParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: "Invalid params", Data: err.Error()}
		}
	}

	version := protocolVersions[0]
	for _, v := range protocolVersions {
		if v == params.ProtocolVersion {
			version = v
			break
		}
	}

	e.stateMu.Lock()
	e.protocol = version
	e.client = params.ClientInfo
	e.stateMu.Unlock()

	caps := map[string]any{}
	if e.caps.Resources {
		caps["resources"] = map[string]any{"listChanged": true}
	}
	if e.caps.Prompts {
		caps["prompts"] = map[string]any{}
	}
	if e.caps.Tools {
		caps["tools"] = map[string]any{}
	}

	return map[string]any{
		"protocolVersion": version,
		"capabilities":    caps,
		"serverInfo": map[string]string{
			"name":    ServerName,
			"version": ServerVersion,
		},
	}, nil
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return jsonrpc.NewError(jsonrpc.CodeInvalidParams, "Invalid params: missing")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: "Invalid params", Data: err.Error()}
	}
	return nil
}

func textContent(text string) []map[string]string {
	return []map[string]string{{"type": "text", "text": text}}
}
