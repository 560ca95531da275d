// Package lifecycle runs the servers of a process and shuts them down in
// order on SIGINT or SIGTERM: stop accepting, release every session, wait.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/DIO0550/instructions/internal/logger"
)

// Stopper stops accepting new connections or requests. Stop must return once
// nothing new is admitted; work already admitted is released by Drainers.
type Stopper interface {
	Stop(ctx context.Context) error
}

// Waiter is implemented by Stoppers that finish in the background after
// Stop; Wait runs after draining.
type Waiter interface {
	Wait(ctx context.Context) error
}

// Drainer releases everything in one registry through its normal cleanup path
// and reports how much is left.
type Drainer interface {
	Name() string
	Drain(ctx context.Context) error
	Len() int
}

// ServeFunc is a blocking server loop. It must return when ctx is done.
type ServeFunc func(ctx context.Context) error

// DefaultTimeout bounds the whole shutdown sequence.
const DefaultTimeout = 10 * time.Second

// Coordinator owns the shutdown order of a process.
type Coordinator struct {
	// Timeout bounds the shutdown sequence.
	Timeout time.Duration

	stoppers []Stopper
	drainers []Drainer
	servers  []ServeFunc
	log      *logger.Logger
	ready    chan struct{}
}

// New creates a coordinator with the given shutdown timeout.
func New(timeout time.Duration) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Coordinator{
		Timeout: timeout,
		log:     logger.Global().WithPrefix("lifecycle"),
		ready:   make(chan struct{}),
	}
}

// AddStopper registers an acceptor. Stoppers stop in registration order.
func (c *Coordinator) AddStopper(s Stopper) {
	c.stoppers = append(c.stoppers, s)
}

// AddDrainer registers a registry to empty on shutdown.
func (c *Coordinator) AddDrainer(d Drainer) {
	c.drainers = append(c.drainers, d)
}

// Go registers a server loop run for the lifetime of the process.
func (c *Coordinator) Go(fn ServeFunc) {
	c.servers = append(c.servers, fn)
}

// Ready is closed once signal handling is installed.
func (c *Coordinator) Ready() <-chan struct{} {
	return c.ready
}

// Run starts the server loops and blocks until a termination signal arrives,
// ctx is cancelled, or a server loop fails. It then shuts down and returns
// the first server error, or the shutdown error.
func (c *Coordinator) Run(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	close(c.ready)

	g, gctx := errgroup.WithContext(sigCtx)
	for _, fn := range c.servers {
		g.Go(func() error {
			return fn(gctx)
		})
	}

	var shutdownErr error
	g.Go(func() error {
		<-gctx.Done()
		if sigCtx.Err() != nil && ctx.Err() == nil {
			c.log.Info("received termination signal, shutting down")
		}
		shutdownErr = c.Shutdown()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return shutdownErr
}

// Shutdown stops every acceptor, drains every registry and waits for the
// acceptors to finish, all within Timeout. Requests still in flight while the
// acceptors wind down may register entries after the first drain, so
// registries that are not empty after the wait are drained again.
func (c *Coordinator) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()

	var errs []error
	for _, s := range c.stoppers {
		if err := s.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop: %w", err))
		}
	}

	if err := c.drain(ctx, c.drainers); err != nil {
		errs = append(errs, err)
	}

	for _, s := range c.stoppers {
		if w, ok := s.(Waiter); ok {
			if err := w.Wait(ctx); err != nil {
				errs = append(errs, fmt.Errorf("wait: %w", err))
			}
		}
	}

	var late []Drainer
	for _, d := range c.drainers {
		if d.Len() > 0 {
			late = append(late, d)
		}
	}
	if len(late) > 0 {
		if err := c.drain(ctx, late); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	c.log.Info("shutdown complete")
	return nil
}

// drain empties drainers concurrently through their own release paths.
func (c *Coordinator) drain(ctx context.Context, drainers []Drainer) error {
	var g errgroup.Group
	for _, d := range drainers {
		g.Go(func() error {
			before := d.Len()
			if err := d.Drain(ctx); err != nil {
				return err
			}
			if left := d.Len(); left > 0 {
				return fmt.Errorf("drain %s: %d entries left", d.Name(), left)
			}
			c.log.Info("drained %s (%d released)", d.Name(), before)
			return nil
		})
	}
	return g.Wait()
}
