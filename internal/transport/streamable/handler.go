// Package streamable implements the request/response transport with a
// resumable push stream: POST, GET and DELETE on a single endpoint.
package streamable

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/DIO0550/instructions/internal/engine"
	"github.com/DIO0550/instructions/internal/jsonrpc"
	"github.com/DIO0550/instructions/internal/logger"
	"github.com/DIO0550/instructions/internal/session"
	"github.com/DIO0550/instructions/internal/transport"
)

const (
	maxBodySize           = 4 * 1024 * 1024
	msgInvalidLastEventID = "Bad Request: Invalid Last-Event-ID"
)

// Options tunes a Handler.
type Options struct {
	// Retention bounds the replay buffer of every session.
	Retention int
	// KeepAlive is the interval of comment frames on idle streams; zero
	// disables them.
	KeepAlive time.Duration
}

// Handler serves the streamable endpoint for one router.
type Handler struct {
	router *session.Router
	opts   Options
	log    *logger.Logger
}

// New creates a handler routing through router.
func New(router *session.Router, opts Options) *Handler {
	return &Handler{
		router: router,
		opts:   opts,
		log:    logger.Global().WithPrefix("streamable"),
	}
}

// Router returns the router the handler uses.
func (h *Handler) Router() *session.Router {
	return h.router
}

// streamOf returns the push stream of s, attaching one on first use. It
// returns nil when s is closing.
func (h *Handler) streamOf(s *session.Session) *stream {
	t := s.EnsureTransport(func() io.Closer {
		st := newStream(h.opts.Retention)
		s.Engine.Bind(st)
		return st
	})
	st, _ := t.(*stream)
	return st
}

func routeError(w http.ResponseWriter, id json.RawMessage, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidSession):
		transport.BadRequest(w, id, transport.MsgInvalidSession)
	case errors.Is(err, session.ErrNotInitialized):
		transport.BadRequest(w, id, transport.MsgNotInitialized)
	default:
		transport.InternalError(w, id, err)
	}
}

// ServePost handles one JSON-RPC message or batch.
func (h *Handler) ServePost(w http.ResponseWriter, r *http.Request) {
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

	isInit := false
	var firstID json.RawMessage
	for _, m := range msgs {
		if m.Method == "initialize" {
			isInit = true
		}
		if firstID == nil && m.HasID() {
			firstID = m.ID
		}
	}

	decision, err := h.router.Resolve(session.RouteRequest{
		SessionID:    strings.TrimSpace(r.Header.Get(transport.HeaderSessionID)),
		IsInitialize: isInit,
	})
	if err != nil {
		h.log.Debug("POST rejected: %v", err)
		routeError(w, firstID, err)
		return
	}
	s := decision.Session
	if h.streamOf(s) == nil {
		routeError(w, firstID, session.ErrInvalidSession)
		return
	}

	var replies []*jsonrpc.Message
	for _, m := range msgs {
		reply, err := s.Engine.Handle(r.Context(), m)
		if errors.Is(err, engine.ErrClosed) {
			// terminated while this request was in flight
			routeError(w, firstID, session.ErrInvalidSession)
			return
		}
		if err != nil {
			transport.InternalError(w, m.ReplyID(), err)
			return
		}
		if reply != nil {
			replies = append(replies, reply)
		}
	}

	w.Header().Set(transport.HeaderSessionID, s.ID)
	switch {
	case len(replies) == 0:
		w.WriteHeader(http.StatusAccepted)
	case batch:
		transport.WriteJSON(w, http.StatusOK, replies)
	default:
		transport.WriteJSON(w, http.StatusOK, replies[0])
	}
}

// ServeGet opens or resumes the push stream of a session.
func (h *Handler) ServeGet(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		transport.InternalError(w, nil, errors.New("streaming unsupported"))
		return
	}

	var marker uint64
	resume := false
	if v := strings.TrimSpace(r.Header.Get(transport.HeaderLastEventID)); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			transport.BadRequest(w, nil, msgInvalidLastEventID)
			return
		}
		marker, resume = n, true
	}

	decision, err := h.router.Resolve(session.RouteRequest{
		SessionID: strings.TrimSpace(r.Header.Get(transport.HeaderSessionID)),
		Stream:    true,
	})
	if err != nil {
		h.log.Debug("GET rejected: %v", err)
		routeError(w, nil, err)
		return
	}
	s := decision.Session
	st := h.streamOf(s)
	if st == nil {
		routeError(w, nil, session.ErrInvalidSession)
		return
	}
	if resume && marker > st.log.LastID() {
		// a marker this session never issued; later events would be skipped
		if decision.Outcome == session.OutcomeCreate {
			_ = h.router.Close(s.ID)
		}
		transport.BadRequest(w, nil, msgInvalidLastEventID)
		return
	}
	if !resume {
		marker = st.log.LastID()
	}

	done := st.subscribe()
	defer st.unsubscribe(done)

	transport.SSEHeaders(w)
	w.Header().Set(transport.HeaderSessionID, s.ID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.log.Debug("stream opened for %s after event %d", s.ID, marker)

	var keepAlive <-chan time.Time
	if h.opts.KeepAlive > 0 {
		ticker := time.NewTicker(h.opts.KeepAlive)
		defer ticker.Stop()
		keepAlive = ticker.C
	}

	for {
		wake := st.log.Wait()
		events, complete := st.log.Since(marker)
		if !complete {
			h.log.Warn("session %s resumed after evicted event %d", s.ID, marker)
		}
		for _, ev := range events {
			if _, err := fmt.Fprintf(w, "id: %d\nevent: message\ndata: %s\n\n", ev.ID, ev.Data); err != nil {
				return
			}
			marker = ev.ID
		}
		if len(events) > 0 {
			flusher.Flush()
			s.Touch()
		}

		select {
		case <-wake:
		case <-keepAlive:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-done:
			return
		case <-st.closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// ServeDelete terminates a session.
func (h *Handler) ServeDelete(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.Header.Get(transport.HeaderSessionID))
	if id == "" {
		transport.BadRequest(w, nil, transport.MsgNoValidSession)
		return
	}
	if err := h.router.Close(id); err != nil {
		if errors.Is(err, session.ErrInvalidSession) {
			transport.BadRequest(w, nil, transport.MsgNoValidSession)
			return
		}
		transport.InternalError(w, nil, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
