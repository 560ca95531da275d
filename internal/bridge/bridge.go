// Package bridge exposes a stdio program over raw byte streams: every
// accepted connection gets its own child process, and bytes are relayed
// unmodified between the two.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DIO0550/instructions/internal/logger"
)

var (
	// ErrSpawn is returned by Serve when the child process cannot be started.
	ErrSpawn = errors.New("failed to start child process")
	// ErrStopped is returned by Serve once the bridge is shutting down.
	ErrStopped = errors.New("bridge stopped")
	// ErrTooManyConnections is returned by Serve when MaxConnections is reached.
	ErrTooManyConnections = errors.New("too many connections")
)

// spawnFailure is written to the client when the child cannot be started.
const spawnFailure = `{"jsonrpc":"2.0","error":{"code":-32603,"message":"Internal error: Failed to start MCP server"}}` + "\n"

const tooManyConnections = `{"jsonrpc":"2.0","error":{"code":-32603,"message":"Internal error: Too many connections"}}` + "\n"

const defaultKillGrace = 3 * time.Second

// Bridge relays connections to per-connection child processes.
type Bridge struct {
	// Addr is the TCP address to listen on, e.g. "0.0.0.0:3000".
	Addr string
	// Command and Args start the child.
	Command string
	Args    []string
	// Dir is the working directory of the child; empty means inherit.
	Dir string
	// Env is the child environment; nil means inherit.
	Env []string
	// KillGrace is the time between SIGTERM and SIGKILL.
	KillGrace time.Duration
	// MaxConnections caps concurrent children; zero means unlimited.
	MaxConnections int

	initOnce sync.Once
	registry *Registry
	log      *logger.Logger
	ctx      context.Context
	cancel   context.CancelFunc

	listener   net.Listener
	acceptDone chan struct{}

	// mu orders connections.Add against the Wait in Drain.
	mu          sync.Mutex
	stopping    bool
	connections sync.WaitGroup
	active      atomic.Int64
}

func (b *Bridge) init() {
	b.initOnce.Do(func() {
		b.registry = NewRegistry()
		b.log = logger.Global().WithPrefix("bridge")
		b.ctx, b.cancel = context.WithCancel(context.Background())
	})
}

// Registry returns the live connection registry.
func (b *Bridge) Registry() *Registry {
	b.init()
	return b.registry
}

// Len returns the number of live connections.
func (b *Bridge) Len() int {
	return b.Registry().Len()
}

func (b *Bridge) killGrace() time.Duration {
	if b.KillGrace <= 0 {
		return defaultKillGrace
	}
	return b.KillGrace
}

// Start binds the listener and accepts connections in the background. A bind
// failure is returned to the caller. Cancelling ctx stops accepting and
// closes every connection.
func (b *Bridge) Start(ctx context.Context) error {
	b.init()
	if b.Addr == "" {
		return fmt.Errorf("bridge: Addr is required")
	}
	if b.Command == "" {
		return fmt.Errorf("bridge: Command is required")
	}

	listener, err := net.Listen("tcp", b.Addr)
	if err != nil {
		return fmt.Errorf("bridge: failed to listen on %s: %w", b.Addr, err)
	}
	b.listener = listener
	b.acceptDone = make(chan struct{})

	go func() {
		select {
		case <-ctx.Done():
			b.cancel()
			_ = listener.Close()
		case <-b.ctx.Done():
		}
	}()
	go func() {
		defer close(b.acceptDone)
		b.acceptLoop()
	}()

	b.log.Info("listening on %s, executable %s", listener.Addr(), b.Command)
	return nil
}

// ListenAddr returns the bound address, useful when Addr uses port 0.
func (b *Bridge) ListenAddr() net.Addr {
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

func (b *Bridge) acceptLoop() {
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			select {
			case <-b.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			b.log.Error("accept failed: %v", err)
			continue
		}

		clientID := conn.RemoteAddr().String()
		b.log.Info("client connected from %s", clientID)
		go func() {
			if err := b.Serve(conn, clientID); err != nil {
				b.log.Warn("connection %s: %v", clientID, err)
			}
		}()
	}
}

// track counts a new connection unless the bridge is stopping.
func (b *Bridge) track() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopping || b.ctx.Err() != nil {
		return false
	}
	b.connections.Add(1)
	return true
}

// Serve bridges conn to a new child process and blocks until the connection
// is cleaned up. conn is closed on return.
func (b *Bridge) Serve(conn io.ReadWriteCloser, clientID string) error {
	b.init()
	if !b.track() {
		_ = conn.Close()
		return ErrStopped
	}
	defer b.connections.Done()

	active := b.active.Add(1)
	defer b.active.Add(-1)
	if b.MaxConnections > 0 && active > int64(b.MaxConnections) {
		_, _ = io.WriteString(conn, tooManyConnections)
		_ = conn.Close()
		return ErrTooManyConnections
	}

	c := newConnection(b, conn, clientID)

	cmd := exec.Command(b.Command, b.Args...)
	cmd.Dir = b.Dir
	cmd.Env = b.Env
	cmd.Stdout = conn
	cmd.Stderr = os.Stderr
	cmd.WaitDelay = b.killGrace()
	configureProcess(cmd)

	stdin, err := cmd.StdinPipe()
	if err == nil {
		err = cmd.Start()
	}
	if err != nil {
		c.log.Error("failed to start %s: %v", b.Command, err)
		_, _ = io.WriteString(conn, spawnFailure)
		_ = conn.Close()
		c.setState(StateClosed)
		return fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	c.cmd = cmd
	c.stdin = stdin

	go func() {
		c.exitErr = cmd.Wait()
		close(c.exited)
		c.log.Info("child exited: %v", exitStatus(c.exitErr))
		c.fire(EventProcessExit)
	}()

	if err := b.registry.add(c); err != nil {
		c.close(EventShutdown)
		return err
	}
	c.setState(StatePiping)
	c.log.Debug("spawned pid %d", c.Pid())

	go func() {
		_, err := io.Copy(stdin, conn)
		if err != nil {
			c.fire(EventSocketError)
			return
		}
		c.fire(EventSocketEnd)
	}()

	select {
	case ev := <-c.events:
		c.close(ev)
	case <-b.ctx.Done():
		c.close(EventShutdown)
	}
	return nil
}

func exitStatus(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}

// Stop stops accepting new connections. Live connections are left to Drain.
func (b *Bridge) Stop(ctx context.Context) error {
	b.init()
	if b.listener != nil {
		_ = b.listener.Close()
	}
	if b.acceptDone == nil {
		return nil
	}
	select {
	case <-b.acceptDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain closes every live connection through its cleanup path and waits for
// all of them to finish.
func (b *Bridge) Drain(ctx context.Context) error {
	b.init()
	b.mu.Lock()
	b.stopping = true
	b.cancel()
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.connections.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain bridge: %d connections left: %w", b.registry.Len(), ctx.Err())
	}
}

// Name identifies the bridge in shutdown logs.
func (b *Bridge) Name() string {
	return "bridge"
}
