package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/DIO0550/instructions/internal/engine"
	"github.com/DIO0550/instructions/internal/logger"
)

// Outcome is what the router decided for a request.
type Outcome int

const (
	// OutcomeResume reuses an existing session.
	OutcomeResume Outcome = iota
	// OutcomeCreate registered a new session.
	OutcomeCreate
)

func (o Outcome) String() string {
	if o == OutcomeCreate {
		return "create"
	}
	return "resume"
}

// RouteRequest carries what the router needs to classify a request.
type RouteRequest struct {
	// SessionID is the id presented by the client, empty when absent.
	SessionID string
	// IsInitialize is true when the request is an initialize call.
	IsInitialize bool
	// Stream is true for a push-stream open without a request body.
	Stream bool
}

// Decision is the routing result.
type Decision struct {
	Outcome Outcome
	Session *Session
}

// Router classifies inbound requests against one registry and owns the
// release of its sessions.
type Router struct {
	kind     Kind
	registry *Registry
	factory  *engine.Factory
	caps     engine.Capabilities
	log      *logger.Logger

	// ImplicitStreamCreate lets a stream open without session id create a
	// session. Request/response traffic always needs an explicit initialize.
	ImplicitStreamCreate bool
	// ClientChosenIDs lets an initialize call name its own session id.
	ClientChosenIDs bool

	mu      sync.RWMutex
	stopped bool
	closed  chan string
}

// NewRouter creates a router for sessions of kind stored in registry.
func NewRouter(kind Kind, registry *Registry, factory *engine.Factory) *Router {
	return &Router{
		kind:     kind,
		registry: registry,
		factory:  factory,
		caps:     engine.DefaultCapabilities(),
		log:      logger.Global().WithPrefix("router:" + kind.String()),
		closed:   make(chan string, 64),
	}
}

// Registry returns the registry the router manages.
func (r *Router) Registry() *Registry {
	return r.registry
}

// Resolve applies the routing table:
//
//	id present, registered          -> resume
//	id absent, initialize           -> create
//	id present, unknown             -> ErrInvalidSession
//	id absent, not initialize       -> ErrNotInitialized
//
// A stream open without id creates a session when ImplicitStreamCreate is set.
// Rejections have no side effects.
func (r *Router) Resolve(req RouteRequest) (Decision, error) {
	if req.SessionID != "" {
		if s, ok := r.registry.Get(req.SessionID); ok {
			s.Touch()
			return Decision{Outcome: OutcomeResume, Session: s}, nil
		}
		if req.IsInitialize && r.ClientChosenIDs {
			s, created := r.CreateWithID(req.SessionID)
			if created {
				return Decision{Outcome: OutcomeCreate, Session: s}, nil
			}
			return Decision{Outcome: OutcomeResume, Session: s}, nil
		}
		return Decision{}, fmt.Errorf("%w: %s", ErrInvalidSession, req.SessionID)
	}

	if req.IsInitialize || (req.Stream && r.ImplicitStreamCreate) {
		s, err := r.Create()
		if err != nil {
			return Decision{}, err
		}
		return Decision{Outcome: OutcomeCreate, Session: s}, nil
	}
	return Decision{}, ErrNotInitialized
}

// Create registers a session under a fresh id.
func (r *Router) Create() (*Session, error) {
	for attempt := 0; attempt < 3; attempt++ {
		id := uuid.NewString()
		eng := r.factory.New(r.caps)
		s, err := r.registry.Create(id, r.kind, eng)
		if errors.Is(err, ErrExists) {
			eng.Close()
			continue
		}
		if err != nil {
			eng.Close()
			return nil, err
		}
		s.setState(StateInitializing)
		r.log.Info("session %s created (%d live)", id, r.registry.Len())
		return s, nil
	}
	return nil, fmt.Errorf("allocate session id: %w", ErrExists)
}

// CreateWithID registers a session under a client-chosen id. When racing
// callers use the same id exactly one engine is built; the others get the
// winner's session with created=false.
func (r *Router) CreateWithID(id string) (s *Session, created bool) {
	s, created = r.registry.GetOrCreate(id, r.kind, func() *engine.Engine {
		return r.factory.New(r.caps)
	})
	if created {
		s.setState(StateInitializing)
		r.log.Info("session %s created with client id (%d live)", id, r.registry.Len())
	}
	return s, created
}

// Report tells the router that the transport of id is gone. It may be called
// any number of times, from any goroutine; the session is released once.
// Report never blocks: when Run has stopped or its queue is full the session
// is released inline.
func (r *Router) Report(id string) {
	r.mu.RLock()
	if !r.stopped {
		select {
		case r.closed <- id:
			r.mu.RUnlock()
			return
		default:
		}
	}
	r.mu.RUnlock()
	r.release(id)
}

// Run releases the sessions reported through Report until ctx is done.
func (r *Router) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// no Report can queue once stopped is set
			r.mu.Lock()
			r.stopped = true
			r.mu.Unlock()
			for {
				select {
				case id := <-r.closed:
					r.release(id)
				default:
					return
				}
			}
		case id := <-r.closed:
			r.release(id)
		}
	}
}

func (r *Router) release(id string) {
	if err := r.Close(id); err != nil && !errors.Is(err, ErrInvalidSession) {
		r.log.Warn("release %s: %v", id, err)
	}
}

// Close removes the session and releases its transport and engine. It is the
// only release path. Unknown ids yield ErrInvalidSession without side effects.
func (r *Router) Close(id string) error {
	s, ok := r.registry.Remove(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrInvalidSession, id)
	}
	r.log.Info("session %s closed after %s (%d live)", id, time.Since(s.CreatedAt).Round(time.Millisecond), r.registry.Len())
	return nil
}

// Broadcast calls fn for every live session.
func (r *Router) Broadcast(fn func(*Session)) {
	for _, id := range r.registry.Snapshot() {
		if s, ok := r.registry.Get(id); ok {
			fn(s)
		}
	}
}

// Drain closes every live session and waits until the registry is empty or
// ctx is done. Sessions closing on their own meanwhile are skipped.
func (r *Router) Drain(ctx context.Context) error {
	for {
		for _, id := range r.registry.Snapshot() {
			r.release(id)
		}
		if r.registry.Len() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("drain %s: %d sessions left: %w", r.registry.Name(), r.registry.Len(), ctx.Err())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Len returns the number of live sessions.
func (r *Router) Len() int {
	return r.registry.Len()
}

// Name returns the name of the managed registry.
func (r *Router) Name() string {
	return r.registry.Name()
}
