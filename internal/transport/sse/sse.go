// Package sse implements the legacy transport: a server-sent event stream per
// session plus a message endpoint addressed by query parameter.
package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/DIO0550/instructions/internal/engine"
	"github.com/DIO0550/instructions/internal/jsonrpc"
	"github.com/DIO0550/instructions/internal/logger"
	"github.com/DIO0550/instructions/internal/session"
	"github.com/DIO0550/instructions/internal/transport"
)

// DefaultMessagePath is where clients post messages.
const DefaultMessagePath = "/messages"

const (
	maxBodySize    = 4 * 1024 * 1024
	msgNoTransport = "No transport found for sessionId"
)

// conn is the outbound side of one stream. Frames are delivered in the order
// they were queued.
type conn struct {
	mu     sync.Mutex
	frames [][]byte
	wake   chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

func newConn() *conn {
	return &conn{
		wake:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

// Send queues msg as a message frame. It implements engine.Sink.
func (c *conn) Send(_ context.Context, msg *jsonrpc.Message) error {
	return c.push(msg)
}

func (c *conn) push(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	select {
	case <-c.closed:
		return errors.New("stream closed")
	default:
	}
	c.mu.Lock()
	c.frames = append(c.frames, data)
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

func (c *conn) drain() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	frames := c.frames
	c.frames = nil
	return frames
}

// Close ends the stream.
func (c *conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Handler serves the stream and message endpoints.
type Handler struct {
	router      *session.Router
	messagePath string
	keepAlive   time.Duration
	log         *logger.Logger
}

// New creates a handler. keepAlive of zero disables comment frames.
func New(router *session.Router, keepAlive time.Duration) *Handler {
	return &Handler{
		router:      router,
		messagePath: DefaultMessagePath,
		keepAlive:   keepAlive,
		log:         logger.Global().WithPrefix("sse"),
	}
}

// Router returns the router the handler uses.
func (h *Handler) Router() *session.Router {
	return h.router
}

// ServeStream opens a new session and streams its messages until either side
// closes.
func (h *Handler) ServeStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		transport.InternalError(w, nil, errors.New("streaming unsupported"))
		return
	}

	s, err := h.router.Create()
	if err != nil {
		transport.InternalError(w, nil, err)
		return
	}
	c := newConn()
	s.Attach(c)
	s.Engine.Bind(c)
	// either side ending the stream releases the session
	defer h.router.Report(s.ID)

	transport.SSEHeaders(w)
	w.Header().Set(transport.HeaderLegacySessionID, s.ID)
	w.WriteHeader(http.StatusOK)

	endpoint := h.messagePath + "?sessionId=" + url.QueryEscape(s.ID)
	if _, err := fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", endpoint); err != nil {
		return
	}
	flusher.Flush()
	h.log.Info("stream opened for %s from %s", s.ID, r.RemoteAddr)

	var keepAlive <-chan time.Time
	if h.keepAlive > 0 {
		ticker := time.NewTicker(h.keepAlive)
		defer ticker.Stop()
		keepAlive = ticker.C
	}

	for {
		select {
		case <-c.wake:
			for _, frame := range c.drain() {
				if _, err := fmt.Fprintf(w, "event: message\ndata: %s\n\n", frame); err != nil {
					return
				}
			}
			flusher.Flush()
		case <-keepAlive:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-c.closed:
			return
		case <-r.Context().Done():
			h.log.Info("client of %s disconnected", s.ID)
			return
		}
	}
}

// ServeMessage forwards a posted message into the engine of the session named
// by the sessionId query parameter, or the X-MCP-Session-Id header when the
// parameter is absent. Replies travel down the stream.
func (h *Handler) ServeMessage(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("sessionId"))
	if id == "" {
		id = strings.TrimSpace(r.Header.Get(transport.HeaderLegacySessionID))
	}
	s, ok := h.router.Registry().Get(id)
	if id == "" || !ok {
		http.Error(w, msgNoTransport, http.StatusBadRequest)
		return
	}
	c, ok := s.Transport().(*conn)
	if !ok {
		http.Error(w, msgNoTransport, http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		transport.InternalError(w, nil, fmt.Errorf("read body: %w", err))
		return
	}
	if len(body) > maxBodySize {
		transport.WriteError(w, http.StatusRequestEntityTooLarge, nil, jsonrpc.NewError(jsonrpc.CodeInvalidRequest, "Invalid Request: body too large"))
		return
	}
	msgs, batch, err := jsonrpc.Parse(body)
	if err != nil {
		transport.WriteError(w, http.StatusBadRequest, nil, jsonrpc.AsError(err))
		return
	}
	s.Touch()

	var replies []*jsonrpc.Message
	for _, m := range msgs {
		reply, err := s.Engine.Handle(r.Context(), m)
		if errors.Is(err, engine.ErrClosed) {
			http.Error(w, msgNoTransport, http.StatusBadRequest)
			return
		}
		if reply != nil {
			replies = append(replies, reply)
		}
	}

	if batch && len(replies) > 0 {
		if err := c.push(replies); err != nil {
			transport.InternalError(w, nil, err)
			return
		}
	} else {
		for _, reply := range replies {
			if err := c.push(reply); err != nil {
				transport.InternalError(w, reply.ReplyID(), err)
				return
			}
		}
	}

	w.WriteHeader(http.StatusAccepted)
	_, _ = io.WriteString(w, "Accepted")
}
