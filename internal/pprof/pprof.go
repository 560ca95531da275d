// Package pprof serves runtime profiles on a side listener so stuck drains
// and leaked sessions can be inspected on a live server.
package pprof

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	netpprof "net/http/pprof"
	"os"
	"path/filepath"
	"runtime/pprof"
	"sync"

	"github.com/DIO0550/instructions/internal/logger"
)

// Config holds the profiling configuration
type Config struct {
	// HTTPAddr enables the /debug/pprof endpoints, e.g. "localhost:6060".
	HTTPAddr string
	// GoroutineDump, when set, receives a goroutine dump once shutdown has
	// drained every registry. Sessions that failed to drain show up here.
	GoroutineDump string
}

// Handler runs the profiling listener.
type Handler struct {
	config   Config
	server   *http.Server
	listener net.Listener
	log      *logger.Logger

	mu      sync.Mutex
	stopped bool
	dumped  bool
}

// NewHandler creates a new pprof handler with the given configuration
func NewHandler(config Config) *Handler {
	return &Handler{
		config: config,
		log:    logger.Global().WithPrefix("pprof"),
	}
}

// Start binds the listener when HTTPAddr is set.
func (h *Handler) Start() error {
	if h.config.HTTPAddr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", netpprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", netpprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", netpprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", netpprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", netpprof.Trace)

	ln, err := net.Listen("tcp", h.config.HTTPAddr)
	if err != nil {
		return fmt.Errorf("failed to bind pprof HTTP server: %w", err)
	}
	h.listener = ln
	h.server = &http.Server{Handler: mux, ErrorLog: logger.NewStdLogger(h.log, slog.LevelWarn)}

	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.log.Error("pprof server error: %v", err)
		}
	}()
	h.log.Info("profiling on http://%s/debug/pprof/", ln.Addr())
	return nil
}

// Addr returns the bound address, or nil when disabled.
func (h *Handler) Addr() net.Addr {
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Stop closes the listener.
func (h *Handler) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return nil
	}
	h.stopped = true

	if h.server != nil {
		if err := h.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop pprof server: %w", err)
		}
	}
	return nil
}

// Wait runs after sessions are drained and writes the goroutine dump if
// configured.
func (h *Handler) Wait(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.config.GoroutineDump == "" || h.dumped {
		return nil
	}
	h.dumped = true
	return writeProfile("goroutine", h.config.GoroutineDump)
}

func writeProfile(name, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s profile: %w", name, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s profile file: %w", name, err)
	}
	defer f.Close()

	p := pprof.Lookup(name)
	if p == nil {
		return fmt.Errorf("unknown profile %q", name)
	}
	if err := p.WriteTo(f, 2); err != nil {
		return fmt.Errorf("failed to write %s profile: %w", name, err)
	}
	return nil
}
