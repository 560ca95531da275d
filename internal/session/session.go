// Package session owns the server-side sessions of the HTTP transports: the
// keyed Registry, and the Router that decides whether an inbound request
// resumes, creates or is rejected.
package session

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DIO0550/instructions/internal/engine"
)

var (
	// ErrInvalidSession is returned for a session id the registry does not know.
	ErrInvalidSession = errors.New("invalid session id")
	// ErrNotInitialized is returned when a request without session id is not
	// an initialize call.
	ErrNotInitialized = errors.New("server not initialized")
	// ErrExists is returned when creating a session whose id is registered.
	ErrExists = errors.New("session already exists")
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("session closed")
)

// Kind is the transport family a session was created by. It never changes.
type Kind int

const (
	// KindStreamable sessions use POST/GET/DELETE on one endpoint.
	KindStreamable Kind = iota
	// KindSSE sessions use the legacy stream plus message endpoint pair.
	KindSSE
)

func (k Kind) String() string {
	switch k {
	case KindStreamable:
		return "streamable"
	case KindSSE:
		return "sse"
	default:
		return "unknown"
	}
}

// State is the lifecycle position of a session.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session binds one client conversation to its exclusive engine.
type Session struct {
	ID        string
	Kind      Kind
	Engine    *engine.Engine
	CreatedAt time.Time

	state    atomic.Int32
	lastSeen atomic.Int64

	mu        sync.Mutex
	transport io.Closer
	closeOnce sync.Once
	closeErr  error
}

func newSession(id string, kind Kind, eng *engine.Engine) *Session {
	now := time.Now()
	s := &Session{ID: id, Kind: kind, Engine: eng, CreatedAt: now}
	s.lastSeen.Store(now.UnixNano())
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	st := State(s.state.Load())
	if st == StateInitializing && s.Engine != nil && s.Engine.Initialized() {
		s.state.CompareAndSwap(int32(StateInitializing), int32(StateActive))
		return StateActive
	}
	return st
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Touch records activity on the session.
func (s *Session) Touch() {
	s.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns the time of the latest activity.
func (s *Session) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

// Attach sets the transport handle released together with the session and
// returns the one it replaces, if any.
func (s *Session) Attach(t io.Closer) io.Closer {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.transport
	s.transport = t
	return prev
}

// EnsureTransport returns the attached transport handle, attaching the one
// built by build when there is none. It returns nil once the session is
// closing.
func (s *Session) EnsureTransport(build func() io.Closer) io.Closer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st := State(s.state.Load()); st == StateClosing || st == StateClosed {
		return nil
	}
	if s.transport == nil {
		s.transport = build()
	}
	return s.transport
}

// Transport returns the attached transport handle.
func (s *Session) Transport() io.Closer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

// Close terminates the transport and then the engine. Only the first call has
// an effect.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.setState(StateClosing)
		t := s.transport
		s.transport = nil
		s.mu.Unlock()

		if t != nil {
			if err := t.Close(); err != nil {
				s.closeErr = err
			}
		}
		if s.Engine != nil {
			if err := s.Engine.Close(); err != nil && s.closeErr == nil {
				s.closeErr = err
			}
		}
		s.setState(StateClosed)
	})
	return s.closeErr
}
