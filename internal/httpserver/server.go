// Package httpserver assembles the HTTP surface: the streamable and legacy
// session transports, health and info probes, and the optional websocket
// entry to the process bridge.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/DIO0550/instructions/internal/bridge"
	"github.com/DIO0550/instructions/internal/engine"
	"github.com/DIO0550/instructions/internal/logger"
	"github.com/DIO0550/instructions/internal/transport"
	"github.com/DIO0550/instructions/internal/transport/sse"
	"github.com/DIO0550/instructions/internal/transport/streamable"
)

// Server is the HTTP front of the prompt server.
type Server struct {
	addr       string
	streamable *streamable.Handler
	sse        *sse.Handler
	bridge     *bridge.Bridge
	router     *httprouter.Router
	server     *http.Server
	listener   net.Listener
	shutdown   chan error
	log        *logger.Logger
}

// New creates a server. legacy and b may be nil to disable the legacy
// transport and the websocket bridge.
func New(addr string, stream *streamable.Handler, legacy *sse.Handler, b *bridge.Bridge) *Server {
	s := &Server{
		addr:       addr,
		streamable: stream,
		sse:        legacy,
		bridge:     b,
		router:     httprouter.New(),
		log:        logger.Global().WithPrefix("http"),
	}
	s.setupRoutes()
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          logger.NewStdLogger(s.log, slog.LevelWarn),
	}
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.HandleMethodNotAllowed = false
	s.router.NotFound = http.HandlerFunc(s.handleNotFound)

	s.router.GET("/", s.handleIndex)
	s.router.GET("/health", s.handleHealth)

	s.router.HandlerFunc(http.MethodPost, "/mcp", s.streamable.ServePost)
	s.router.HandlerFunc(http.MethodGet, "/mcp", s.streamable.ServeGet)
	s.router.HandlerFunc(http.MethodDelete, "/mcp", s.streamable.ServeDelete)

	if s.sse != nil {
		s.router.HandlerFunc(http.MethodGet, "/sse", s.sse.ServeStream)
		s.router.HandlerFunc(http.MethodPost, sse.DefaultMessagePath, s.sse.ServeMessage)
	}
	if s.bridge != nil {
		s.router.HandlerFunc(http.MethodGet, "/bridge", s.bridge.ServeWebSocket)
	}
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler {
	return withCORS(s.withRequestLog(withEncodedPathRedirect(s.router, s.log)))
}

// Listen binds the listening socket. Failing here is a startup failure.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = listener
	s.log.Info("listening on %s (streamable /mcp, sse /sse, health /health)", listener.Addr())
	return nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts requests until Stop is called. It is a lifecycle.ServeFunc.
func (s *Server) Serve(context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	err := s.server.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop closes the listener and starts a graceful shutdown in the
// background. Open streams end once their sessions are drained.
func (s *Server) Stop(ctx context.Context) error {
	if s.shutdown != nil {
		return nil
	}
	s.shutdown = make(chan error, 1)
	s.server.SetKeepAlivesEnabled(false)
	go func() {
		s.shutdown <- s.server.Shutdown(ctx)
	}()
	return nil
}

// Wait blocks until the shutdown started by Stop has finished.
func (s *Server) Wait(ctx context.Context) error {
	if s.shutdown == nil {
		return nil
	}
	select {
	case err := <-s.shutdown:
		return err
	case <-ctx.Done():
		_ = s.server.Close()
		return ctx.Err()
	}
}

// handleHealth returns health status
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	transport.WriteJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"transport": "streamable-http",
		"server":    engine.ServerName,
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	transport.WriteJSON(w, http.StatusOK, map[string]any{
		"name":        engine.ServerName,
		"version":     engine.ServerVersion,
		"description": "MCP server for serving markdown prompt files",
		"transport":   "streamable-http",
		"endpoint":    "/mcp",
		"capabilities": map[string]bool{
			"resources": true,
			"prompts":   true,
			"tools":     true,
		},
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.log.Debug("404 %s %s", r.Method, r.URL.RequestURI())
	transport.WriteJSON(w, http.StatusNotFound, map[string]string{
		"error":   "Not Found",
		"message": fmt.Sprintf("Cannot %s %s", r.Method, r.URL.RequestURI()),
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, mcp-session-id, last-event-id, x-mcp-session-id")
		h.Set("Access-Control-Expose-Headers", "mcp-session-id, x-mcp-session-id")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/mcp" {
			s.log.Debug("%s %s from %s", r.Method, r.URL.RequestURI(), r.RemoteAddr)
		}
		next.ServeHTTP(w, r)
	})
}

// withEncodedPathRedirect routes requests whose path is a URL-encoded JSON
// object such as {"endpoint":"/messages","sessionId":"..."} to the message
// endpoint. Some clients post to the endpoint event payload verbatim.
func withEncodedPathRedirect(next http.Handler, log *logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		escaped := strings.ToUpper(r.URL.EscapedPath())
		if strings.Contains(escaped, "%7B") && strings.Contains(escaped, "%7D") {
			if id, ok := encodedMessageTarget(r.URL.Path); ok {
				log.Debug("redirecting encoded path to %s for session %s", sse.DefaultMessagePath, id)
				r.URL.Path = sse.DefaultMessagePath
				r.URL.RawPath = ""
				q := r.URL.Query()
				q.Set("sessionId", id)
				r.URL.RawQuery = q.Encode()
				r.Header.Set(transport.HeaderLegacySessionID, id)
			}
		}
		next.ServeHTTP(w, r)
	})
}

func encodedMessageTarget(path string) (string, bool) {
	if decoded, err := url.PathUnescape(path); err == nil {
		path = decoded
	}
	start := strings.Index(path, "{")
	end := strings.LastIndex(path, "}")
	if start < 0 || end < start {
		return "", false
	}
	var target struct {
		Endpoint  string `json:"endpoint"`
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal([]byte(path[start:end+1]), &target); err != nil {
		return "", false
	}
	if target.Endpoint != sse.DefaultMessagePath || target.SessionID == "" {
		return "", false
	}
	return target.SessionID, true
}
