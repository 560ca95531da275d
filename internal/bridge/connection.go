package bridge

import (
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/DIO0550/instructions/internal/logger"
)

// Connection is one bridged client and the child process serving it.
type Connection struct {
	ClientID  string
	StartedAt time.Time

	conn   io.ReadWriteCloser
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	bridge *Bridge
	log    *logger.Logger

	mu    sync.Mutex
	state State
	cause Event

	events    chan Event
	exited    chan struct{}
	exitErr   error
	closeOnce sync.Once
	done      chan struct{}
}

func newConnection(b *Bridge, conn io.ReadWriteCloser, clientID string) *Connection {
	return &Connection{
		ClientID:  clientID,
		StartedAt: time.Now(),
		conn:      conn,
		bridge:    b,
		log:       b.log.WithPrefix(clientID),
		state:     StateSpawning,
		events:    make(chan Event, 4),
		exited:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// State returns the current state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Cause returns the event that started the shutdown of the connection.
func (c *Connection) Cause() (Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause, c.state >= StateClosing
}

// Pid returns the pid of the child, or 0 before it started.
func (c *Connection) Pid() int {
	if c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// Done is closed once cleanup has finished.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// fire queues ev for the serving goroutine without blocking.
func (c *Connection) fire(ev Event) {
	select {
	case c.events <- ev:
	default:
	}
}

func (c *Connection) exitedNow() bool {
	select {
	case <-c.exited:
		return true
	default:
		return false
	}
}

func (c *Connection) waitExit(d time.Duration) bool {
	if d <= 0 {
		return c.exitedNow()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-c.exited:
		return true
	case <-timer.C:
		return false
	}
}

// close is the only cleanup path of a piping connection.
func (c *Connection) close(ev Event) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		from := c.state
		to, ok := next(from, ev)
		if !ok {
			to = StateClosing
		}
		c.state = to
		c.cause = ev
		c.mu.Unlock()
		c.log.Info("closing (%s)", ev)

		_ = c.stdin.Close()
		if ev == EventSocketEnd {
			// let the child flush its replies to input already sent
			c.waitExit(c.bridge.killGrace())
		}
		_ = c.conn.Close()
		c.terminate()
		c.bridge.registry.remove(c)

		c.setState(StateClosed)
		close(c.done)
		c.log.Debug("closed after %s", time.Since(c.StartedAt).Round(time.Millisecond))
	})
}

// terminate signals the child's process group, escalating to SIGKILL after
// the grace period. An exited child is left alone.
func (c *Connection) terminate() {
	if c.exitedNow() {
		return
	}
	if err := terminateProcess(c.cmd.Process); err != nil {
		c.log.Warn("terminate pid %d: %v", c.Pid(), err)
	}
	if c.waitExit(c.bridge.killGrace()) {
		return
	}
	c.log.Warn("pid %d ignored SIGTERM, killing", c.Pid())
	if err := killProcess(c.cmd.Process); err != nil {
		c.log.Warn("kill pid %d: %v", c.Pid(), err)
	}
	<-c.exited
}
